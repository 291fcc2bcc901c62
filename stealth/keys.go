// Copyright 2024 The Obsidian Authors
// This file is part of the Obsidian library.

// Package stealth implements ERC-5564 stealth-address messaging.
// A recipient publishes one meta-address; senders derive a fresh stealth
// address and encrypted announcement per message, and only the holder of the
// viewing key can recognise and decrypt them.
package stealth

import (
	"crypto/rand"
	"crypto/sha256"
	"fmt"
	"io"
	"strings"

	"github.com/tyler-smith/go-bip39"
	"golang.org/x/crypto/hkdf"
)

const (
	// DefaultContext is the domain separation string mixed into HKDF info
	DefaultContext = "whisper-stealth-messaging"

	spendingSalt = "EIP-5564-spending-key"
	viewingSalt  = "EIP-5564-viewing-key"

	// maxDerivationAttempts bounds the reject-and-rederive loop. Each retry
	// happens with probability below 2^-127.
	maxDerivationAttempts = 16

	minEphemeralSeed = 32
	maxEphemeralSeed = 64
)

// KeyPair is a secp256k1 private scalar and its compressed public key.
type KeyPair struct {
	PrivateKey Scalar          `json:"privateKey"`
	PublicKey  CompressedPoint `json:"publicKey"`
}

// NewKeyPair builds a key pair from a private scalar.
func NewKeyPair(priv Scalar) (KeyPair, error) {
	if !priv.Valid() {
		return KeyPair{}, invalidFormat("private scalar out of range")
	}
	return KeyPair{PrivateKey: priv, PublicKey: priv.PublicKey()}, nil
}

// GenerateKeyPair samples a key pair from r, rejecting out-of-range scalars.
func GenerateKeyPair(r io.Reader) (KeyPair, error) {
	priv, err := sampleScalar(r)
	if err != nil {
		return KeyPair{}, err
	}
	return NewKeyPair(priv)
}

// Zero wipes the private half.
func (kp *KeyPair) Zero() {
	kp.PrivateKey.Zero()
}

// UserKeys is the recipient identity: a spending pair that controls stealth
// addresses and a viewing pair used to detect and decrypt announcements.
type UserKeys struct {
	Spending KeyPair `json:"spending"`
	Viewing  KeyPair `json:"viewing"`
}

// GenerateUserKeys creates an identity from fresh randomness.
func GenerateUserKeys() (*UserKeys, error) {
	spending, err := GenerateKeyPair(rand.Reader)
	if err != nil {
		return nil, err
	}
	viewing, err := GenerateKeyPair(rand.Reader)
	if err != nil {
		return nil, err
	}
	return &UserKeys{Spending: spending, Viewing: viewing}, nil
}

// FromPrivateKeys rebuilds an identity from two private scalars.
func FromPrivateKeys(spendingPriv, viewingPriv Scalar) (*UserKeys, error) {
	spending, err := NewKeyPair(spendingPriv)
	if err != nil {
		return nil, fmt.Errorf("spending key: %w", err)
	}
	viewing, err := NewKeyPair(viewingPriv)
	if err != nil {
		return nil, fmt.Errorf("viewing key: %w", err)
	}
	return &UserKeys{Spending: spending, Viewing: viewing}, nil
}

// MetaAddress returns the public meta-address to share with senders.
func (k *UserKeys) MetaAddress() *StealthMetaAddress {
	return &StealthMetaAddress{
		SpendingPubKey: k.Spending.PublicKey,
		ViewingPubKey:  k.Viewing.PublicKey,
	}
}

// Validate checks that both public keys match their private scalars.
func (k *UserKeys) Validate() error {
	for _, kp := range []struct {
		name string
		pair KeyPair
	}{{"spending", k.Spending}, {"viewing", k.Viewing}} {
		if !kp.pair.PrivateKey.Valid() {
			return invalidFormat("%s private key out of range", kp.name)
		}
		if kp.pair.PrivateKey.PublicKey() != kp.pair.PublicKey {
			return invalidFormat("%s public key does not match private key", kp.name)
		}
	}
	return nil
}

// Zero wipes both private scalars.
func (k *UserKeys) Zero() {
	k.Spending.Zero()
	k.Viewing.Zero()
}

// DeriveUserKeys deterministically derives an identity from seed. The same
// (seed, context) always yields the same keys.
func DeriveUserKeys(seed []byte, context string) (*UserKeys, error) {
	if len(seed) == 0 {
		return nil, fmt.Errorf("%w: empty seed", ErrKeyDerivation)
	}
	spending, err := deriveScalar(seed, spendingSalt, context+"-spending")
	if err != nil {
		return nil, err
	}
	viewing, err := deriveScalar(seed, viewingSalt, context+"-viewing")
	if err != nil {
		spending.Zero()
		return nil, err
	}
	return FromPrivateKeys(spending, viewing)
}

// DeriveFromSource derives an identity from any seed provenance.
func DeriveFromSource(src SeedSource, context string) (*UserKeys, error) {
	if src == nil {
		return nil, fmt.Errorf("%w: no seed source", ErrKeyDerivation)
	}
	seed, err := src.Seed()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrKeyDerivation, err)
	}
	defer wipe(seed)
	return DeriveUserKeys(seed, context)
}

// deriveScalar expands seed with HKDF-SHA256. An output of zero or >= n is
// discarded and re-derived with a counter byte appended to info; the first
// attempt uses info unchanged.
func deriveScalar(seed []byte, salt, info string) (Scalar, error) {
	for attempt := 0; attempt < maxDerivationAttempts; attempt++ {
		label := []byte(info)
		if attempt > 0 {
			label = append(label, byte(attempt))
		}
		reader := hkdf.New(sha256.New, seed, []byte(salt), label)

		var out Scalar
		if n, err := io.ReadFull(reader, out[:]); err != nil || n != ScalarLength {
			return Scalar{}, fmt.Errorf("%w: hkdf output %d bytes: %v", ErrKeyDerivation, n, err)
		}
		if out.Valid() {
			return out, nil
		}
		out.Zero()
	}
	return Scalar{}, fmt.Errorf("%w: no valid scalar after %d attempts", ErrKeyDerivation, maxDerivationAttempts)
}

// sampleScalar reads 32-byte candidates from r until one is in range.
func sampleScalar(r io.Reader) (Scalar, error) {
	for attempt := 0; attempt < maxDerivationAttempts; attempt++ {
		var s Scalar
		if _, err := io.ReadFull(r, s[:]); err != nil {
			return Scalar{}, err
		}
		if s.Valid() {
			return s, nil
		}
	}
	return Scalar{}, fmt.Errorf("%w: entropy source keeps producing invalid scalars", ErrCurveOperation)
}

// SeedSource supplies the input keying material for DeriveFromSource. The
// derivation does not care where the seed came from; the variants exist so
// callers state provenance explicitly instead of silently falling back.
type SeedSource interface {
	Seed() ([]byte, error)
	Provenance() string
}

// HardwareBacked is a seed bound to an authenticator ceremony. The seed is
// SHA-256 of the authenticator output.
type HardwareBacked struct {
	Signature []byte
}

// Seed implements SeedSource.
func (h HardwareBacked) Seed() ([]byte, error) {
	if len(h.Signature) == 0 {
		return nil, fmt.Errorf("empty authenticator signature")
	}
	sum := sha256.Sum256(h.Signature)
	return sum[:], nil
}

// Provenance implements SeedSource.
func (HardwareBacked) Provenance() string { return "hardware" }

// Ephemeral is a random seed, used when no authenticator is available.
type Ephemeral struct {
	Random []byte
}

// NewEphemeralSeed reads n random bytes from r.
func NewEphemeralSeed(r io.Reader, n int) (Ephemeral, error) {
	if n < minEphemeralSeed || n > maxEphemeralSeed {
		return Ephemeral{}, fmt.Errorf("%w: ephemeral seed length %d outside [%d, %d]",
			ErrKeyDerivation, n, minEphemeralSeed, maxEphemeralSeed)
	}
	buf := make([]byte, n)
	if _, err := io.ReadFull(r, buf); err != nil {
		return Ephemeral{}, err
	}
	return Ephemeral{Random: buf}, nil
}

// Seed implements SeedSource.
func (e Ephemeral) Seed() ([]byte, error) {
	if len(e.Random) < minEphemeralSeed || len(e.Random) > maxEphemeralSeed {
		return nil, fmt.Errorf("ephemeral seed length %d outside [%d, %d]",
			len(e.Random), minEphemeralSeed, maxEphemeralSeed)
	}
	return append([]byte(nil), e.Random...), nil
}

// Provenance implements SeedSource.
func (Ephemeral) Provenance() string { return "ephemeral" }

// Mnemonic is a BIP-39 phrase, letting a random identity be written down and
// restored later.
type Mnemonic struct {
	Phrase     string
	Passphrase string
}

// NewMnemonic creates a fresh 24-word phrase.
func NewMnemonic() (Mnemonic, error) {
	entropy, err := bip39.NewEntropy(256)
	if err != nil {
		return Mnemonic{}, err
	}
	phrase, err := bip39.NewMnemonic(entropy)
	if err != nil {
		return Mnemonic{}, err
	}
	return Mnemonic{Phrase: phrase}, nil
}

// Seed implements SeedSource.
func (m Mnemonic) Seed() ([]byte, error) {
	phrase := strings.Join(strings.Fields(m.Phrase), " ")
	if !bip39.IsMnemonicValid(phrase) {
		return nil, fmt.Errorf("invalid mnemonic")
	}
	return bip39.NewSeed(phrase, m.Passphrase), nil
}

// Provenance implements SeedSource.
func (Mnemonic) Provenance() string { return "mnemonic" }

func wipe(b []byte) {
	for i := range b {
		b[i] = 0
	}
}
