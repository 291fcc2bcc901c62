// Copyright 2024 The Obsidian Authors
// This file is part of the Obsidian library.

package stealth

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"io"
	"strings"
)

const (
	// NonceLength is the AES-GCM IV size
	NonceLength = 12
	// TagLength is the AES-GCM authentication tag size
	TagLength = 16
	// MinMetadataLength is a view tag, an IV and an empty ciphertext's tag
	MinMetadataLength = 1 + NonceLength + TagLength
)

// EncryptPayload seals plaintext under secret and frames it as announcement
// metadata: viewTag || iv || ciphertext||tag. A fresh random IV is drawn for
// every call.
func EncryptPayload(plaintext []byte, secret SharedSecret) ([]byte, error) {
	return encryptPayload(rand.Reader, plaintext, secret)
}

func encryptPayload(r io.Reader, plaintext []byte, secret SharedSecret) ([]byte, error) {
	aead, err := newAEAD(secret)
	if err != nil {
		return nil, err
	}
	out := make([]byte, 1+NonceLength, 1+NonceLength+len(plaintext)+TagLength)
	out[0] = secret.ViewTag()
	if _, err := io.ReadFull(r, out[1:1+NonceLength]); err != nil {
		return nil, fmt.Errorf("reading iv: %w", err)
	}
	return aead.Seal(out, out[1:1+NonceLength], plaintext, nil), nil
}

// DecryptPayload opens metadata produced by EncryptPayload. Structurally
// short input is ErrInvalidFormat; any authentication failure, including a
// view tag that does not belong to secret, is ErrDecryptionMiss.
func DecryptPayload(metadata []byte, secret SharedSecret) ([]byte, error) {
	if len(metadata) < MinMetadataLength {
		return nil, invalidFormat("metadata must be at least %d bytes, got %d", MinMetadataLength, len(metadata))
	}
	if metadata[0] != secret.ViewTag() {
		return nil, ErrDecryptionMiss
	}
	aead, err := newAEAD(secret)
	if err != nil {
		return nil, err
	}
	nonce := metadata[1 : 1+NonceLength]
	plaintext, err := aead.Open(nil, nonce, metadata[1+NonceLength:], nil)
	if err != nil {
		return nil, ErrDecryptionMiss
	}
	return plaintext, nil
}

func newAEAD(secret SharedSecret) (cipher.AEAD, error) {
	block, err := aes.NewCipher(secret[:])
	if err != nil {
		return nil, err
	}
	return cipher.NewGCM(block)
}

// FormatMetadata renders metadata as 0x-prefixed lower-case hex.
func FormatMetadata(metadata []byte) string {
	return "0x" + hex.EncodeToString(metadata)
}

// ParseMetadata decodes the hex form of announcement metadata. The 0x prefix
// is optional.
func ParseMetadata(s string) ([]byte, error) {
	s = strings.TrimPrefix(strings.TrimPrefix(s, "0x"), "0X")
	if len(s)%2 != 0 {
		return nil, invalidFormat("metadata hex has odd length %d", len(s))
	}
	b, err := hex.DecodeString(s)
	if err != nil {
		return nil, invalidFormat("metadata is not hex: %v", err)
	}
	if len(b) < MinMetadataLength {
		return nil, invalidFormat("metadata must be at least %d bytes, got %d", MinMetadataLength, len(b))
	}
	return b, nil
}

// SealAnnouncement is the sender flow: it derives a stealth address for
// meta and encrypts plaintext under the resulting shared secret. The
// announcement is ready to publish; block coordinates are left zero.
func (g *Generator) SealAnnouncement(meta *StealthMetaAddress, plaintext []byte) (*Announcement, *StealthAddress, error) {
	sa, err := g.Generate(meta)
	if err != nil {
		return nil, nil, err
	}
	metadata, err := EncryptPayload(plaintext, sa.SharedSecret)
	if err != nil {
		sa.SharedSecret.Zero()
		return nil, nil, err
	}
	ann := &Announcement{
		SchemeID:        SchemeID,
		StealthAddress:  sa.Address,
		EphemeralPubKey: append([]byte(nil), sa.EphemeralPubKey[:]...),
		Metadata:        metadata,
	}
	return ann, sa, nil
}

// SealAnnouncement uses the package generator.
func SealAnnouncement(meta *StealthMetaAddress, plaintext []byte) (*Announcement, *StealthAddress, error) {
	return defaultGenerator.SealAnnouncement(meta, plaintext)
}
