// Copyright 2024 The Obsidian Authors
// This file is part of the Obsidian library.

// Package ledger connects the stealth engine to an EVM ledger that hosts the
// ERC-5564 announcer and the ERC-6538 registry.
package ledger

import (
	"errors"
	"fmt"
	"math/big"
	"strings"

	"github.com/capGoblin/whisper/stealth"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/holiman/uint256"
)

// Canonical singleton deployments (same address on every chain).
var (
	DefaultAnnouncerAddress = common.HexToAddress("0x55649E01B5Df198D18D95b5cc5051630cfD45564")
	DefaultRegistryAddress  = common.HexToAddress("0x6538E6bf4B0eBd30A8Ea093027Ac2422ce5d6538")
)

const (
	// DefaultChainID is the Hedera testnet.
	DefaultChainID = 296
	// DefaultRPCURL is the public Hedera testnet JSON-RPC relay.
	DefaultRPCURL = "https://testnet.hashio.io/api"
)

const announcerABIJSON = `[
	{"anonymous":false,"type":"event","name":"Announcement","inputs":[
		{"indexed":true,"name":"schemeId","type":"uint256"},
		{"indexed":true,"name":"stealthAddress","type":"address"},
		{"indexed":true,"name":"caller","type":"address"},
		{"indexed":false,"name":"ephemeralPubKey","type":"bytes"},
		{"indexed":false,"name":"metadata","type":"bytes"}]},
	{"type":"function","name":"announce","stateMutability":"nonpayable","outputs":[],"inputs":[
		{"name":"schemeId","type":"uint256"},
		{"name":"stealthAddress","type":"address"},
		{"name":"ephemeralPubKey","type":"bytes"},
		{"name":"metadata","type":"bytes"}]}
]`

const registryABIJSON = `[
	{"type":"function","name":"registerKeys","stateMutability":"nonpayable","outputs":[],"inputs":[
		{"name":"schemeId","type":"uint256"},
		{"name":"stealthMetaAddress","type":"bytes"}]},
	{"type":"function","name":"stealthMetaAddressOf","stateMutability":"view","inputs":[
		{"name":"registrant","type":"address"},
		{"name":"schemeId","type":"uint256"}],
	 "outputs":[{"name":"","type":"bytes"}]}
]`

var (
	AnnouncerABI = mustParseABI(announcerABIJSON)
	RegistryABI  = mustParseABI(registryABIJSON)

	// AnnouncementTopic is the signature hash of the Announcement event.
	AnnouncementTopic = AnnouncerABI.Events["Announcement"].ID
)

var (
	ErrNotAnnouncement = errors.New("log is not an Announcement event")
	ErrSchemeOverflow  = errors.New("scheme id does not fit in 64 bits")
)

func mustParseABI(def string) abi.ABI {
	parsed, err := abi.JSON(strings.NewReader(def))
	if err != nil {
		panic(err)
	}
	return parsed
}

// PackAnnounce returns the calldata of announce() for ann.
func PackAnnounce(ann *stealth.Announcement) ([]byte, error) {
	return AnnouncerABI.Pack("announce",
		new(big.Int).SetUint64(ann.SchemeID),
		ann.StealthAddress,
		ann.EphemeralPubKey,
		ann.Metadata,
	)
}

// PackRegisterKeys returns the calldata of registerKeys() for meta.
func PackRegisterKeys(meta *stealth.StealthMetaAddress) ([]byte, error) {
	if err := meta.Validate(); err != nil {
		return nil, err
	}
	return RegistryABI.Pack("registerKeys", new(big.Int).SetUint64(stealth.SchemeID), meta.RegistryBytes())
}

// PackMetaAddressOf returns the calldata of stealthMetaAddressOf().
func PackMetaAddressOf(registrant common.Address) ([]byte, error) {
	return RegistryABI.Pack("stealthMetaAddressOf", registrant, new(big.Int).SetUint64(stealth.SchemeID))
}

// UnpackMetaAddressOf decodes the result of stealthMetaAddressOf(). An empty
// result means the registrant has not registered and yields (nil, nil).
func UnpackMetaAddressOf(output []byte) (*stealth.StealthMetaAddress, error) {
	out, err := RegistryABI.Unpack("stealthMetaAddressOf", output)
	if err != nil {
		return nil, err
	}
	raw, ok := out[0].([]byte)
	if !ok {
		return nil, fmt.Errorf("unexpected registry output %T", out[0])
	}
	if len(raw) == 0 {
		return nil, nil
	}
	return stealth.MetaAddressFromRegistryBytes(raw)
}

// UnpackAnnouncement decodes an Announcement log. The ephemeral key is not
// validated here; the scanner counts bad keys as malformed input.
func UnpackAnnouncement(lg *types.Log) (*stealth.Announcement, error) {
	if len(lg.Topics) != 4 || lg.Topics[0] != AnnouncementTopic {
		return nil, ErrNotAnnouncement
	}
	scheme := new(uint256.Int).SetBytes32(lg.Topics[1].Bytes())
	if !scheme.IsUint64() {
		return nil, fmt.Errorf("%w: %s", ErrSchemeOverflow, scheme.Hex())
	}
	out, err := AnnouncerABI.Unpack("Announcement", lg.Data)
	if err != nil {
		return nil, fmt.Errorf("bad announcement data: %w", err)
	}
	eph, _ := out[0].([]byte)
	meta, _ := out[1].([]byte)

	return &stealth.Announcement{
		SchemeID:        scheme.Uint64(),
		StealthAddress:  common.BytesToAddress(lg.Topics[2].Bytes()),
		Caller:          common.BytesToAddress(lg.Topics[3].Bytes()),
		EphemeralPubKey: eph,
		Metadata:        meta,
		BlockNumber:     lg.BlockNumber,
		TxHash:          lg.TxHash,
		LogIndex:        uint64(lg.Index),
	}, nil
}
