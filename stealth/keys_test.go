// Copyright 2024 The Obsidian Authors
// This file is part of Obsidian.

package stealth

import (
	"bytes"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"testing"

	"golang.org/x/crypto/hkdf"
)

func TestDeriveUserKeysDeterministic(t *testing.T) {
	seed := []byte("test-seed-1")

	first, err := DeriveUserKeys(seed, DefaultContext)
	if err != nil {
		t.Fatalf("Failed to derive keys: %v", err)
	}
	second, err := DeriveUserKeys(seed, DefaultContext)
	if err != nil {
		t.Fatalf("Failed to derive keys: %v", err)
	}
	if *first != *second {
		t.Error("Same seed and context should derive the same keys")
	}
	if first.Spending.PrivateKey == first.Viewing.PrivateKey {
		t.Error("Spending and viewing keys should differ")
	}
	if err := first.Validate(); err != nil {
		t.Errorf("Derived keys do not validate: %v", err)
	}

	other, err := DeriveUserKeys(seed, "another-app")
	if err != nil {
		t.Fatalf("Failed to derive keys: %v", err)
	}
	if other.Spending.PrivateKey == first.Spending.PrivateKey {
		t.Error("Different contexts should derive different keys")
	}
}

func TestDeriveUserKeysMatchesHKDF(t *testing.T) {
	seed := []byte("test-seed-1")
	keys, err := DeriveUserKeys(seed, DefaultContext)
	if err != nil {
		t.Fatalf("Failed to derive keys: %v", err)
	}

	expand := func(salt, info string) []byte {
		out := make([]byte, 32)
		if _, err := io.ReadFull(hkdf.New(sha256.New, seed, []byte(salt), []byte(info)), out); err != nil {
			t.Fatalf("Failed to expand: %v", err)
		}
		return out
	}
	if want := expand("EIP-5564-spending-key", DefaultContext+"-spending"); !bytes.Equal(keys.Spending.PrivateKey[:], want) {
		t.Errorf("Spending key mismatch: have %x, want %x", keys.Spending.PrivateKey[:], want)
	}
	if want := expand("EIP-5564-viewing-key", DefaultContext+"-viewing"); !bytes.Equal(keys.Viewing.PrivateKey[:], want) {
		t.Errorf("Viewing key mismatch: have %x, want %x", keys.Viewing.PrivateKey[:], want)
	}
}

func TestDeriveUserKeysEmptySeed(t *testing.T) {
	if _, err := DeriveUserKeys(nil, DefaultContext); !errors.Is(err, ErrKeyDerivation) {
		t.Fatalf("Expected ErrKeyDerivation, got %v", err)
	}
}

func TestSeedSources(t *testing.T) {
	signature := []byte("authenticator-signature")
	sum := sha256.Sum256(signature)

	fromHardware, err := DeriveFromSource(HardwareBacked{Signature: signature}, DefaultContext)
	if err != nil {
		t.Fatalf("Failed to derive from hardware seed: %v", err)
	}
	direct, err := DeriveUserKeys(sum[:], DefaultContext)
	if err != nil {
		t.Fatalf("Failed to derive keys: %v", err)
	}
	if *fromHardware != *direct {
		t.Error("Hardware-backed seed should be SHA-256 of the signature")
	}

	if _, err := DeriveFromSource(HardwareBacked{}, DefaultContext); !errors.Is(err, ErrKeyDerivation) {
		t.Errorf("Expected ErrKeyDerivation for empty signature, got %v", err)
	}
	if _, err := DeriveFromSource(nil, DefaultContext); !errors.Is(err, ErrKeyDerivation) {
		t.Errorf("Expected ErrKeyDerivation for nil source, got %v", err)
	}

	for _, n := range []int{0, 31, 65} {
		if _, err := NewEphemeralSeed(rand.Reader, n); err == nil {
			t.Errorf("Expected error for %d byte ephemeral seed", n)
		}
	}
	eph, err := NewEphemeralSeed(rand.Reader, 48)
	if err != nil {
		t.Fatalf("Failed to create ephemeral seed: %v", err)
	}
	if _, err := DeriveFromSource(eph, DefaultContext); err != nil {
		t.Errorf("Failed to derive from ephemeral seed: %v", err)
	}
	if eph.Provenance() != "ephemeral" {
		t.Errorf("Unexpected provenance %q", eph.Provenance())
	}
}

func TestMnemonicSeedSource(t *testing.T) {
	m, err := NewMnemonic()
	if err != nil {
		t.Fatalf("Failed to create mnemonic: %v", err)
	}
	first, err := DeriveFromSource(m, DefaultContext)
	if err != nil {
		t.Fatalf("Failed to derive from mnemonic: %v", err)
	}
	// Extra whitespace is normalised away.
	restored, err := DeriveFromSource(Mnemonic{Phrase: "  " + m.Phrase + "\n"}, DefaultContext)
	if err != nil {
		t.Fatalf("Failed to derive from restored mnemonic: %v", err)
	}
	if *first != *restored {
		t.Error("Restored mnemonic should derive the same keys")
	}
	withPass, err := DeriveFromSource(Mnemonic{Phrase: m.Phrase, Passphrase: "x"}, DefaultContext)
	if err != nil {
		t.Fatalf("Failed to derive with passphrase: %v", err)
	}
	if *withPass == *first {
		t.Error("Passphrase should change the derived keys")
	}
	if _, err := DeriveFromSource(Mnemonic{Phrase: "not a valid phrase"}, DefaultContext); !errors.Is(err, ErrKeyDerivation) {
		t.Errorf("Expected ErrKeyDerivation for invalid mnemonic, got %v", err)
	}
}

func TestGenerateKeyPairRejectsZero(t *testing.T) {
	zeros := bytes.NewReader(make([]byte, 32*maxDerivationAttempts))
	if _, err := GenerateKeyPair(zeros); !errors.Is(err, ErrCurveOperation) {
		t.Fatalf("Expected ErrCurveOperation from zero entropy, got %v", err)
	}

	// One zero candidate followed by real entropy succeeds.
	kp, err := GenerateKeyPair(io.MultiReader(bytes.NewReader(make([]byte, 32)), rand.Reader))
	if err != nil {
		t.Fatalf("Failed to generate key pair: %v", err)
	}
	if kp.PrivateKey.PublicKey() != kp.PublicKey {
		t.Error("Public key does not match private key")
	}
}

func TestParseScalarBounds(t *testing.T) {
	order, _ := hex.DecodeString("fffffffffffffffffffffffffffffffebaaedce6af48a03bbfd25e8cd0364141")
	tests := []struct {
		name  string
		input []byte
		ok    bool
	}{
		{"zero", make([]byte, 32), false},
		{"order", order, false},
		{"short", []byte{1}, false},
		{"one", append(make([]byte, 31), 1), true},
	}
	for _, tt := range tests {
		_, err := ParseScalar(tt.input)
		if tt.ok && err != nil {
			t.Errorf("%s: unexpected error %v", tt.name, err)
		}
		if !tt.ok && !errors.Is(err, ErrInvalidFormat) {
			t.Errorf("%s: expected ErrInvalidFormat, got %v", tt.name, err)
		}
	}
}

func TestUserKeysJSON(t *testing.T) {
	keys, err := GenerateUserKeys()
	if err != nil {
		t.Fatalf("Failed to generate keys: %v", err)
	}
	blob, err := json.Marshal(keys)
	if err != nil {
		t.Fatalf("Failed to marshal keys: %v", err)
	}
	var decoded UserKeys
	if err := json.Unmarshal(blob, &decoded); err != nil {
		t.Fatalf("Failed to unmarshal keys: %v", err)
	}
	if decoded != *keys {
		t.Error("Keys changed across JSON encoding")
	}
	if s := fmt.Sprint(keys.Viewing.PrivateKey); s != "Scalar{redacted}" {
		t.Errorf("Private scalar leaked through fmt: %s", s)
	}

	keys.Zero()
	if keys.Spending.PrivateKey != (Scalar{}) || keys.Viewing.PrivateKey != (Scalar{}) {
		t.Error("Zero should wipe private keys")
	}
}
