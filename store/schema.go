// Copyright 2024 The Obsidian Authors
// This file is part of the Obsidian library.

package store

import (
	"encoding/binary"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"
)

var (
	// Database key prefixes
	identityKey      = []byte("Identity") // identityKey -> encrypted key file JSON
	checkpointPrefix = []byte("c")        // checkpointPrefix + owner -> block number (uint64 big endian)
	inboxPrefix      = []byte("m")        // inboxPrefix + owner + block + log index + tx hash -> InboxEntry (rlp)
	inboxIDPrefix    = []byte("i")        // inboxIDPrefix + message id -> inbox key

	// inboxNamespace derives message ids from their ledger position
	inboxNamespace = uuid.MustParse("6f1c4f4e-5564-4d38-9a4b-6538e6bf4b0e")
)

// encodeBlockNumber encodes a block number as big-endian uint64
func encodeBlockNumber(number uint64) []byte {
	enc := make([]byte, 8)
	binary.BigEndian.PutUint64(enc, number)
	return enc
}

// checkpointKey = checkpointPrefix + owner
func checkpointKey(owner common.Address) []byte {
	return append(append([]byte{}, checkpointPrefix...), owner.Bytes()...)
}

// inboxOwnerPrefix = inboxPrefix + owner
func inboxOwnerPrefix(owner common.Address) []byte {
	return append(append([]byte{}, inboxPrefix...), owner.Bytes()...)
}

// inboxKey = inboxPrefix + owner + block (uint64 big endian) + log index (uint64 big endian) + tx hash
func inboxKey(owner common.Address, block, logIndex uint64, txHash common.Hash) []byte {
	key := inboxOwnerPrefix(owner)
	key = append(key, encodeBlockNumber(block)...)
	key = append(key, encodeBlockNumber(logIndex)...)
	return append(key, txHash.Bytes()...)
}

// inboxIDKey = inboxIDPrefix + id
func inboxIDKey(id uuid.UUID) []byte {
	return append(append([]byte{}, inboxIDPrefix...), id[:]...)
}

// messageID derives a stable id from where the message was announced, so
// rescanning the same window never creates duplicates.
func messageID(owner common.Address, txHash common.Hash, logIndex uint64) uuid.UUID {
	name := append(append(owner.Bytes(), txHash.Bytes()...), encodeBlockNumber(logIndex)...)
	return uuid.NewSHA1(inboxNamespace, name)
}
