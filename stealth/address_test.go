// Copyright 2024 The Obsidian Authors
// This file is part of Obsidian.

package stealth

import (
	"bytes"
	"crypto/rand"
	"errors"
	"io"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
)

func TestSharedSecretSymmetry(t *testing.T) {
	for i := 0; i < 32; i++ {
		eph, err := GenerateKeyPair(rand.Reader)
		if err != nil {
			t.Fatalf("Failed to generate ephemeral key: %v", err)
		}
		view, err := GenerateKeyPair(rand.Reader)
		if err != nil {
			t.Fatalf("Failed to generate viewing key: %v", err)
		}
		sender, err := ComputeSharedSecret(eph.PrivateKey, view.PublicKey)
		if err != nil {
			t.Fatalf("Failed to compute sender secret: %v", err)
		}
		recipient, err := ComputeSharedSecret(view.PrivateKey, eph.PublicKey)
		if err != nil {
			t.Fatalf("Failed to compute recipient secret: %v", err)
		}
		if sender != recipient {
			t.Fatalf("Shared secrets differ: %s vs %s", sender.Hex(), recipient.Hex())
		}
	}
}

func TestGenerateStealthAddress(t *testing.T) {
	keys, err := GenerateUserKeys()
	if err != nil {
		t.Fatalf("Failed to generate recipient keys: %v", err)
	}
	sa, err := GenerateStealthAddress(keys.MetaAddress())
	if err != nil {
		t.Fatalf("Failed to generate stealth address: %v", err)
	}
	if sa.Address == (common.Address{}) {
		t.Error("Stealth address is empty")
	}
	if sa.ViewTag != sa.SharedSecret[0] {
		t.Error("View tag should be the first byte of the shared secret")
	}

	// Recipient side recomputes everything from the viewing key.
	addr, secret, err := ComputeStealthAddress(keys.Viewing.PrivateKey, keys.Spending.PublicKey, sa.EphemeralPubKey)
	if err != nil {
		t.Fatalf("Failed to compute stealth address: %v", err)
	}
	if addr != sa.Address {
		t.Errorf("Recomputed address %s doesn't match %s", addr.Hex(), sa.Address.Hex())
	}
	if secret != sa.SharedSecret {
		t.Error("Recipient shared secret doesn't match sender's")
	}

	ok, err := CheckStealthAddress(keys.Viewing.PrivateKey, keys.Spending.PublicKey, sa.EphemeralPubKey, sa.Address)
	if err != nil || !ok {
		t.Errorf("Recipient should recognise the stealth address: ok=%v err=%v", ok, err)
	}
	other, err := GenerateUserKeys()
	if err != nil {
		t.Fatalf("Failed to generate keys: %v", err)
	}
	ok, err = CheckStealthAddress(other.Viewing.PrivateKey, other.Spending.PublicKey, sa.EphemeralPubKey, sa.Address)
	if err != nil || ok {
		t.Errorf("Other keys should not recognise the stealth address: ok=%v err=%v", ok, err)
	}
}

func TestDeriveStealthPrivateKey(t *testing.T) {
	keys, err := GenerateUserKeys()
	if err != nil {
		t.Fatalf("Failed to generate recipient keys: %v", err)
	}
	sa, err := GenerateStealthAddress(keys.MetaAddress())
	if err != nil {
		t.Fatalf("Failed to generate stealth address: %v", err)
	}
	priv, addr, err := DeriveStealthPrivateKey(keys.Viewing.PrivateKey, keys.Spending.PrivateKey, sa.EphemeralPubKey)
	if err != nil {
		t.Fatalf("Failed to derive stealth private key: %v", err)
	}
	if addr != sa.Address {
		t.Errorf("Derived address %s doesn't match stealth address %s", addr.Hex(), sa.Address.Hex())
	}

	key, err := priv.ToECDSA()
	if err != nil {
		t.Fatalf("Failed to convert key: %v", err)
	}
	if crypto.PubkeyToAddress(key.PublicKey) != sa.Address {
		t.Error("go-ethereum address derivation disagrees")
	}
	back, err := ScalarFromECDSA(key)
	if err != nil || back != priv {
		t.Errorf("ECDSA conversion should round trip: %v", err)
	}
}

func TestStealthAddressUniqueness(t *testing.T) {
	keys, err := GenerateUserKeys()
	if err != nil {
		t.Fatalf("Failed to generate keys: %v", err)
	}
	meta := keys.MetaAddress()

	n := 10000
	if testing.Short() {
		n = 1000
	}
	seen := make(map[common.Address]struct{}, n)
	gen := NewGenerator(nil)
	for i := 0; i < n; i++ {
		sa, err := gen.Generate(meta)
		if err != nil {
			t.Fatalf("Failed to generate stealth address %d: %v", i, err)
		}
		if _, dup := seen[sa.Address]; dup {
			t.Fatalf("Duplicate stealth address after %d generations", i)
		}
		seen[sa.Address] = struct{}{}
	}
}

func TestGeneratorEntropy(t *testing.T) {
	keys, err := GenerateUserKeys()
	if err != nil {
		t.Fatalf("Failed to generate keys: %v", err)
	}
	meta := keys.MetaAddress()

	broken := NewGenerator(bytes.NewReader(make([]byte, 4096)))
	if _, err := broken.Generate(meta); !errors.Is(err, ErrCurveOperation) {
		t.Errorf("Expected ErrCurveOperation from zero entropy, got %v", err)
	}

	exhausted := NewGenerator(bytes.NewReader(nil))
	if _, err := exhausted.Generate(meta); err == nil {
		t.Error("Expected error from exhausted entropy")
	}

	recovering := NewGenerator(io.MultiReader(bytes.NewReader(make([]byte, 64)), rand.Reader))
	if _, err := recovering.Generate(meta); err != nil {
		t.Errorf("Zero candidates should be resampled: %v", err)
	}
}

func TestGenerateInvalidMeta(t *testing.T) {
	for _, meta := range []*StealthMetaAddress{nil, {}} {
		_, err := GenerateStealthAddress(meta)
		if !errors.Is(err, ErrInvalidRecipientMetaAddress) {
			t.Errorf("Expected ErrInvalidRecipientMetaAddress, got %v", err)
		}
		if !errors.Is(err, ErrInvalidFormat) {
			t.Errorf("ErrInvalidRecipientMetaAddress should wrap ErrInvalidFormat")
		}
	}
}
