// Copyright 2024 The Obsidian Authors
// This file is part of the Obsidian library.

package stealth

import (
	"encoding/hex"
	"strings"
)

const (
	// MetaAddressPrefix is the chain-specific prefix of an ERC-5564 meta-address
	MetaAddressPrefix = "st:eth:0x"
	// MetaAddressLength is the length of a formatted meta-address
	MetaAddressLength = len(MetaAddressPrefix) + 4*CompressedPointLength

	// RegistryMetaAddressLength is the size of the ERC-6538 registry payload
	RegistryMetaAddressLength = 2 * CompressedPointLength
)

// StealthMetaAddress is the public half of a recipient identity.
type StealthMetaAddress struct {
	SpendingPubKey CompressedPoint `json:"spendingPublicKey"`
	ViewingPubKey  CompressedPoint `json:"viewingPublicKey"`
}

// EncodeMetaAddress formats the public keys of k as a meta-address.
func EncodeMetaAddress(k *UserKeys) string {
	return k.MetaAddress().String()
}

// String returns the canonical lower-case encoding.
func (m *StealthMetaAddress) String() string {
	var b strings.Builder
	b.Grow(MetaAddressLength)
	b.WriteString(MetaAddressPrefix)
	b.WriteString(hex.EncodeToString(m.SpendingPubKey[:]))
	b.WriteString(hex.EncodeToString(m.ViewingPubKey[:]))
	return b.String()
}

// MarshalText implements encoding.TextMarshaler.
func (m StealthMetaAddress) MarshalText() ([]byte, error) {
	return []byte(m.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (m *StealthMetaAddress) UnmarshalText(input []byte) error {
	parsed, err := ParseMetaAddress(string(input))
	if err != nil {
		return err
	}
	*m = *parsed
	return nil
}

// ParseMetaAddress decodes a formatted meta-address. Hex digits may be in
// any case; both keys must be valid compressed points.
func ParseMetaAddress(s string) (*StealthMetaAddress, error) {
	if !strings.HasPrefix(s, MetaAddressPrefix) {
		return nil, invalidFormat("meta-address must start with %q", MetaAddressPrefix)
	}
	if len(s) != MetaAddressLength {
		return nil, invalidFormat("meta-address must be %d characters, got %d", MetaAddressLength, len(s))
	}
	raw, err := hex.DecodeString(s[len(MetaAddressPrefix):])
	if err != nil {
		return nil, invalidFormat("meta-address is not hex: %v", err)
	}
	return MetaAddressFromRegistryBytes(raw)
}

// RegistryBytes returns spending||viewing, the value stored by the ERC-6538
// registry for scheme 1.
func (m *StealthMetaAddress) RegistryBytes() []byte {
	out := make([]byte, 0, RegistryMetaAddressLength)
	out = append(out, m.SpendingPubKey[:]...)
	return append(out, m.ViewingPubKey[:]...)
}

// MetaAddressFromRegistryBytes decodes the 66-byte registry payload.
func MetaAddressFromRegistryBytes(b []byte) (*StealthMetaAddress, error) {
	if len(b) != RegistryMetaAddressLength {
		return nil, invalidFormat("meta-address payload must be %d bytes, got %d", RegistryMetaAddressLength, len(b))
	}
	spending, err := ParseCompressedPoint(b[:CompressedPointLength])
	if err != nil {
		return nil, err
	}
	viewing, err := ParseCompressedPoint(b[CompressedPointLength:])
	if err != nil {
		return nil, err
	}
	return &StealthMetaAddress{SpendingPubKey: spending, ViewingPubKey: viewing}, nil
}

// Validate checks that both keys are on the curve.
func (m *StealthMetaAddress) Validate() error {
	if m == nil {
		return ErrInvalidRecipientMetaAddress
	}
	if _, err := ParseCompressedPoint(m.SpendingPubKey[:]); err != nil {
		return ErrInvalidRecipientMetaAddress
	}
	if _, err := ParseCompressedPoint(m.ViewingPubKey[:]); err != nil {
		return ErrInvalidRecipientMetaAddress
	}
	return nil
}
