// Copyright 2024 The Obsidian Authors
// This file is part of the Obsidian library.

package stealth

import (
	"github.com/ethereum/go-ethereum/common"
)

// SchemeID identifies ERC-5564 scheme 1: secp256k1 with view tags.
const SchemeID uint64 = 1

// Announcement is one ERC-5564 Announcement event as read from the ledger.
// Records are immutable once fetched; the scanner only borrows them.
type Announcement struct {
	SchemeID        uint64         `json:"schemeId"`
	StealthAddress  common.Address `json:"stealthAddress"`
	Caller          common.Address `json:"caller"`
	EphemeralPubKey []byte         `json:"ephemeralPubKey"`
	Metadata        []byte         `json:"metadata"`

	BlockNumber uint64      `json:"blockNumber"`
	BlockTime   uint64      `json:"blockTime"`
	TxHash      common.Hash `json:"transactionHash"`
	LogIndex    uint64      `json:"logIndex"`
}

// Validate checks the fields the scanner relies on. It does not check the
// scheme; callers skip foreign schemes before validating.
func (a *Announcement) Validate() error {
	if _, err := ParsePublicKey(a.EphemeralPubKey); err != nil {
		return err
	}
	if len(a.Metadata) < MinMetadataLength {
		return invalidFormat("metadata must be at least %d bytes, got %d", MinMetadataLength, len(a.Metadata))
	}
	return nil
}

// ViewTag returns the first metadata byte, if present.
func (a *Announcement) ViewTag() (byte, bool) {
	if len(a.Metadata) == 0 {
		return 0, false
	}
	return a.Metadata[0], true
}

// Newer reports whether a sorts before b in newest-first order.
func (a *Announcement) Newer(b *Announcement) bool {
	if a.BlockNumber != b.BlockNumber {
		return a.BlockNumber > b.BlockNumber
	}
	return a.LogIndex > b.LogIndex
}
