// Copyright 2024 The Obsidian Authors
// This file is part of the Obsidian library.

package stealth

import (
	"crypto/ecdsa"

	"github.com/decred/dcrd/dcrec/secp256k1/v4"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/crypto"
)

const (
	// ScalarLength is the size of a serialized secp256k1 private scalar
	ScalarLength = 32
	// CompressedPointLength is the size of a SEC1 compressed public key
	CompressedPointLength = 33
	// SharedSecretLength is the size of the hashed ECDH secret
	SharedSecretLength = 32
)

// Scalar is a secp256k1 private scalar in big-endian form.
// A valid scalar is nonzero and below the curve order.
type Scalar [ScalarLength]byte

// CompressedPoint is a SEC1 compressed secp256k1 public key.
type CompressedPoint [CompressedPointLength]byte

// SharedSecret is Keccak-256 over the x-coordinate of an ECDH point. The same
// value is the AES-256-GCM key, the source of the view tag and the stealth
// key offset.
type SharedSecret [SharedSecretLength]byte

// ParseScalar validates b as a private scalar.
func ParseScalar(b []byte) (Scalar, error) {
	var s Scalar
	if len(b) != ScalarLength {
		return s, invalidFormat("scalar must be %d bytes, got %d", ScalarLength, len(b))
	}
	copy(s[:], b)
	if !s.Valid() {
		return Scalar{}, invalidFormat("scalar is zero or not below the curve order")
	}
	return s, nil
}

// Valid reports whether s lies in [1, n-1].
func (s Scalar) Valid() bool {
	var k secp256k1.ModNScalar
	overflow := k.SetByteSlice(s[:])
	valid := !overflow && !k.IsZero()
	k.Zero()
	return valid
}

// PublicKey returns the compressed encoding of s·G.
func (s Scalar) PublicKey() CompressedPoint {
	priv := secp256k1.PrivKeyFromBytes(s[:])
	defer priv.Zero()

	var p CompressedPoint
	copy(p[:], priv.PubKey().SerializeCompressed())
	return p
}

// Hex returns the 0x-prefixed hex encoding of the scalar.
func (s Scalar) Hex() string {
	return hexutil.Encode(s[:])
}

// String keeps private scalars out of logs and fmt output.
func (s Scalar) String() string {
	return "Scalar{redacted}"
}

// MarshalText implements encoding.TextMarshaler.
func (s Scalar) MarshalText() ([]byte, error) {
	return hexutil.Bytes(s[:]).MarshalText()
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (s *Scalar) UnmarshalText(input []byte) error {
	var raw [ScalarLength]byte
	if err := hexutil.UnmarshalFixedText("Scalar", input, raw[:]); err != nil {
		return err
	}
	parsed, err := ParseScalar(raw[:])
	if err != nil {
		return err
	}
	*s = parsed
	return nil
}

// ToECDSA converts the scalar for use with go-ethereum signers.
func (s Scalar) ToECDSA() (*ecdsa.PrivateKey, error) {
	return crypto.ToECDSA(s[:])
}

// ScalarFromECDSA extracts the scalar of an ECDSA key.
func ScalarFromECDSA(key *ecdsa.PrivateKey) (Scalar, error) {
	return ParseScalar(crypto.FromECDSA(key))
}

// Zero wipes the scalar in place.
func (s *Scalar) Zero() {
	for i := range s {
		s[i] = 0
	}
}

// ParseCompressedPoint validates b as a compressed point on the curve.
func ParseCompressedPoint(b []byte) (CompressedPoint, error) {
	var p CompressedPoint
	if len(b) != CompressedPointLength {
		return p, invalidFormat("compressed point must be %d bytes, got %d", CompressedPointLength, len(b))
	}
	if b[0] != secp256k1.PubKeyFormatCompressedEven && b[0] != secp256k1.PubKeyFormatCompressedOdd {
		return p, invalidFormat("compressed point prefix 0x%02x", b[0])
	}
	if _, err := secp256k1.ParsePubKey(b); err != nil {
		return p, invalidFormat("point not on curve: %v", err)
	}
	copy(p[:], b)
	return p, nil
}

// ParsePublicKey accepts a compressed or uncompressed public key and returns
// its compressed form.
func ParsePublicKey(b []byte) (CompressedPoint, error) {
	var p CompressedPoint
	switch len(b) {
	case CompressedPointLength:
		return ParseCompressedPoint(b)
	case 65:
		pub, err := secp256k1.ParsePubKey(b)
		if err != nil {
			return p, invalidFormat("public key not on curve: %v", err)
		}
		copy(p[:], pub.SerializeCompressed())
		return p, nil
	default:
		return p, invalidFormat("public key must be 33 or 65 bytes, got %d", len(b))
	}
}

// Hex returns the 0x-prefixed hex encoding of the point.
func (p CompressedPoint) Hex() string {
	return hexutil.Encode(p[:])
}

// String implements fmt.Stringer.
func (p CompressedPoint) String() string {
	return p.Hex()
}

// MarshalText implements encoding.TextMarshaler.
func (p CompressedPoint) MarshalText() ([]byte, error) {
	return hexutil.Bytes(p[:]).MarshalText()
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (p *CompressedPoint) UnmarshalText(input []byte) error {
	var raw [CompressedPointLength]byte
	if err := hexutil.UnmarshalFixedText("CompressedPoint", input, raw[:]); err != nil {
		return err
	}
	parsed, err := ParseCompressedPoint(raw[:])
	if err != nil {
		return err
	}
	*p = parsed
	return nil
}

// Address returns the Ethereum address controlled by the point.
func (p CompressedPoint) Address() (common.Address, error) {
	pub, err := p.decode()
	if err != nil {
		return common.Address{}, err
	}
	return pubkeyToAddress(pub), nil
}

func (p CompressedPoint) decode() (*secp256k1.PublicKey, error) {
	pub, err := secp256k1.ParsePubKey(p[:])
	if err != nil {
		return nil, invalidFormat("point not on curve: %v", err)
	}
	return pub, nil
}

// ViewTag is the first byte of the shared secret.
func (s SharedSecret) ViewTag() byte {
	return s[0]
}

// Hex returns the 0x-prefixed hex encoding of the secret.
func (s SharedSecret) Hex() string {
	return hexutil.Encode(s[:])
}

// Zero wipes the secret in place.
func (s *SharedSecret) Zero() {
	for i := range s {
		s[i] = 0
	}
}

// ComputeSharedSecret hashes the x-coordinate of priv·pub. Sender and
// recipient obtain the same value from (e, V) and (v, E).
func ComputeSharedSecret(priv Scalar, pub CompressedPoint) (SharedSecret, error) {
	point, err := pub.decode()
	if err != nil {
		return SharedSecret{}, err
	}
	return sharedSecret(priv, point)
}

func sharedSecret(priv Scalar, pub *secp256k1.PublicKey) (SharedSecret, error) {
	var k secp256k1.ModNScalar
	if overflow := k.SetByteSlice(priv[:]); overflow || k.IsZero() {
		return SharedSecret{}, invalidFormat("private scalar out of range")
	}
	defer k.Zero()

	var point, result secp256k1.JacobianPoint
	pub.AsJacobian(&point)
	secp256k1.ScalarMultNonConst(&k, &point, &result)
	if isInfinity(&result) {
		return SharedSecret{}, ErrCurveOperation
	}
	result.ToAffine()

	x := result.X.Bytes()
	var secret SharedSecret
	copy(secret[:], crypto.Keccak256(x[:]))
	return secret, nil
}

// stealthPublicKey computes P_spend + h·G.
func stealthPublicKey(spend *secp256k1.PublicKey, secret SharedSecret) (*secp256k1.PublicKey, error) {
	var h secp256k1.ModNScalar
	h.SetBytes((*[32]byte)(&secret))
	defer h.Zero()

	var offset, base, sum secp256k1.JacobianPoint
	secp256k1.ScalarBaseMultNonConst(&h, &offset)
	spend.AsJacobian(&base)
	secp256k1.AddNonConst(&base, &offset, &sum)
	if isInfinity(&sum) {
		return nil, ErrCurveOperation
	}
	sum.ToAffine()
	return secp256k1.NewPublicKey(&sum.X, &sum.Y), nil
}

// stealthPrivateKey computes (spend + h) mod n.
func stealthPrivateKey(spend Scalar, secret SharedSecret) (Scalar, error) {
	var k, h secp256k1.ModNScalar
	if overflow := k.SetByteSlice(spend[:]); overflow || k.IsZero() {
		return Scalar{}, invalidFormat("spending scalar out of range")
	}
	h.SetBytes((*[32]byte)(&secret))
	k.Add(&h)
	defer k.Zero()
	defer h.Zero()

	if k.IsZero() {
		return Scalar{}, ErrCurveOperation
	}
	return Scalar(k.Bytes()), nil
}

func pubkeyToAddress(pub *secp256k1.PublicKey) common.Address {
	return common.BytesToAddress(crypto.Keccak256(pub.SerializeUncompressed()[1:])[12:])
}

func isInfinity(p *secp256k1.JacobianPoint) bool {
	if p.Z.Normalize().IsZero() {
		return true
	}
	return p.X.Normalize().IsZero() && p.Y.Normalize().IsZero()
}
