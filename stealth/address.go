// Copyright 2024 The Obsidian Authors
// This file is part of the Obsidian library.

package stealth

import (
	"crypto/rand"
	"errors"
	"io"
	"sync"

	"github.com/ethereum/go-ethereum/common"
)

// maxGenerateAttempts bounds retries when the ECDH or stealth point lands on
// infinity. Reaching it means the entropy source is broken.
const maxGenerateAttempts = 8

// StealthAddress is the sender-side result of one generation.
type StealthAddress struct {
	// Address is the one-time Ethereum address
	Address common.Address `json:"stealthAddress"`
	// EphemeralPubKey is published so the recipient can redo the ECDH
	EphemeralPubKey CompressedPoint `json:"ephemeralPublicKey"`
	// ViewTag is the first byte of the shared secret
	ViewTag byte `json:"viewTag"`
	// SharedSecret keys the metadata cipher. Never published.
	SharedSecret SharedSecret `json:"-"`
}

// Generator derives stealth addresses for recipients. Its entropy source is
// the only shared mutable state and is read under a lock.
type Generator struct {
	mu   sync.Mutex
	rand io.Reader
}

// NewGenerator creates a generator reading from r, or crypto/rand when r is nil.
func NewGenerator(r io.Reader) *Generator {
	if r == nil {
		r = rand.Reader
	}
	return &Generator{rand: r}
}

var defaultGenerator = NewGenerator(nil)

// GenerateStealthAddress derives a fresh stealth address for meta using the
// system CSPRNG.
func GenerateStealthAddress(meta *StealthMetaAddress) (*StealthAddress, error) {
	return defaultGenerator.Generate(meta)
}

// Generate samples an ephemeral key e and returns the stealth address
// P_spend + Keccak256(x(e·V))·G along with E = e·G and the view tag.
// e is wiped before return.
func (g *Generator) Generate(meta *StealthMetaAddress) (*StealthAddress, error) {
	if err := meta.Validate(); err != nil {
		return nil, err
	}
	spend, err := meta.SpendingPubKey.decode()
	if err != nil {
		return nil, ErrInvalidRecipientMetaAddress
	}
	view, err := meta.ViewingPubKey.decode()
	if err != nil {
		return nil, ErrInvalidRecipientMetaAddress
	}

	for attempt := 0; attempt < maxGenerateAttempts; attempt++ {
		eph, err := g.ephemeral()
		if err != nil {
			return nil, err
		}
		secret, err := sharedSecret(eph, view)
		if err != nil {
			eph.Zero()
			if errors.Is(err, ErrCurveOperation) {
				continue
			}
			return nil, err
		}
		stealthPub, err := stealthPublicKey(spend, secret)
		if err != nil {
			eph.Zero()
			secret.Zero()
			continue
		}
		ephPub := eph.PublicKey()
		eph.Zero()

		return &StealthAddress{
			Address:         pubkeyToAddress(stealthPub),
			EphemeralPubKey: ephPub,
			ViewTag:         secret.ViewTag(),
			SharedSecret:    secret,
		}, nil
	}
	return nil, ErrCurveOperation
}

func (g *Generator) ephemeral() (Scalar, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	return sampleScalar(g.rand)
}

// ComputeStealthAddress recomputes the stealth address of an announcement
// from the recipient side. It needs only the viewing key and the public
// spending key.
func ComputeStealthAddress(viewPriv Scalar, spendPub, ephPub CompressedPoint) (common.Address, SharedSecret, error) {
	secret, err := ComputeSharedSecret(viewPriv, ephPub)
	if err != nil {
		return common.Address{}, SharedSecret{}, err
	}
	spend, err := spendPub.decode()
	if err != nil {
		return common.Address{}, SharedSecret{}, err
	}
	stealthPub, err := stealthPublicKey(spend, secret)
	if err != nil {
		return common.Address{}, SharedSecret{}, err
	}
	return pubkeyToAddress(stealthPub), secret, nil
}

// CheckStealthAddress reports whether addr was generated for the owner of
// viewPriv and spendPub.
func CheckStealthAddress(viewPriv Scalar, spendPub, ephPub CompressedPoint, addr common.Address) (bool, error) {
	derived, secret, err := ComputeStealthAddress(viewPriv, spendPub, ephPub)
	secret.Zero()
	if err != nil {
		return false, err
	}
	return derived == addr, nil
}

// DeriveStealthPrivateKey returns the private key controlling the stealth
// address announced with ephPub: spendPriv + Keccak256(x(v·E)) mod n.
func DeriveStealthPrivateKey(viewPriv, spendPriv Scalar, ephPub CompressedPoint) (Scalar, common.Address, error) {
	secret, err := ComputeSharedSecret(viewPriv, ephPub)
	if err != nil {
		return Scalar{}, common.Address{}, err
	}
	defer secret.Zero()

	priv, err := stealthPrivateKey(spendPriv, secret)
	if err != nil {
		return Scalar{}, common.Address{}, err
	}
	addr, err := priv.PublicKey().Address()
	if err != nil {
		priv.Zero()
		return Scalar{}, common.Address{}, err
	}
	return priv, addr, nil
}
