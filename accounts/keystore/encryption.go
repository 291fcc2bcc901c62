// Copyright 2024 The Obsidian Authors
// This file is part of the Obsidian library.

// Package keystore encrypts stealth identities at rest. The format follows
// the Web3 secret storage layout: scrypt derives a key from the password,
// AES-128-CTR encrypts the two private scalars and a Keccak-256 MAC guards
// the ciphertext.
package keystore

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/subtle"
	"encoding/hex"
	"errors"
	"fmt"
	"io"

	"github.com/capGoblin/whisper/stealth"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/google/uuid"
	"golang.org/x/crypto/scrypt"
)

const (
	scryptDKLen = 32

	// Key file version
	keyFileVersion = 3

	cipherName = "aes-128-ctr"
	kdfName    = "scrypt"
)

// ScryptParams are the cost parameters of the password KDF.
type ScryptParams struct {
	N int
	R int
	P int
}

var (
	// StandardScrypt is the default, about one second of work on a laptop
	StandardScrypt = ScryptParams{N: 1 << 18, R: 8, P: 1}
	// LightScrypt trades security for speed, for tests and small devices
	LightScrypt = ScryptParams{N: 1 << 12, R: 8, P: 6}
)

var (
	ErrDecryptFailed = errors.New("could not decrypt keys with given password")
	ErrMACMismatch   = errors.New("MAC verification failed")
)

// EncryptedKeysJSON is the on-disk form of an encrypted identity.
type EncryptedKeysJSON struct {
	MetaAddress string     `json:"metaAddress"`
	ID          string     `json:"id"`
	Version     int        `json:"version"`
	Crypto      CryptoJSON `json:"crypto"`
}

// CryptoJSON holds the cipher and KDF parameters.
type CryptoJSON struct {
	Cipher       string           `json:"cipher"`
	CipherText   string           `json:"ciphertext"`
	CipherParams CipherParamsJSON `json:"cipherparams"`
	KDF          string           `json:"kdf"`
	KDFParams    KDFParamsJSON    `json:"kdfparams"`
	MAC          string           `json:"mac"`
}

// CipherParamsJSON holds the AES-CTR IV.
type CipherParamsJSON struct {
	IV string `json:"iv"`
}

// KDFParamsJSON holds the scrypt parameters.
type KDFParamsJSON struct {
	DKLen int    `json:"dklen"`
	N     int    `json:"n"`
	P     int    `json:"p"`
	R     int    `json:"r"`
	Salt  string `json:"salt"`
}

// EncryptUserKeys encrypts both private scalars of keys under password.
func EncryptUserKeys(keys *stealth.UserKeys, password string, params ScryptParams) (*EncryptedKeysJSON, error) {
	if err := keys.Validate(); err != nil {
		return nil, err
	}
	salt, err := randomBytes(32)
	if err != nil {
		return nil, err
	}
	derivedKey, err := scrypt.Key([]byte(password), salt, params.N, params.R, params.P, scryptDKLen)
	if err != nil {
		return nil, err
	}
	iv, err := randomBytes(aes.BlockSize)
	if err != nil {
		return nil, err
	}

	plaintext := make([]byte, 0, 2*stealth.ScalarLength)
	plaintext = append(plaintext, keys.Spending.PrivateKey[:]...)
	plaintext = append(plaintext, keys.Viewing.PrivateKey[:]...)
	defer wipe(plaintext)

	cipherText, err := aesCTRXOR(derivedKey[:16], plaintext, iv)
	if err != nil {
		return nil, err
	}
	mac := crypto.Keccak256(derivedKey[16:32], cipherText)

	return &EncryptedKeysJSON{
		MetaAddress: keys.MetaAddress().String(),
		ID:          uuid.New().String(),
		Version:     keyFileVersion,
		Crypto: CryptoJSON{
			Cipher:       cipherName,
			CipherText:   hex.EncodeToString(cipherText),
			CipherParams: CipherParamsJSON{IV: hex.EncodeToString(iv)},
			KDF:          kdfName,
			KDFParams: KDFParamsJSON{
				DKLen: scryptDKLen,
				N:     params.N,
				P:     params.P,
				R:     params.R,
				Salt:  hex.EncodeToString(salt),
			},
			MAC: hex.EncodeToString(mac),
		},
	}, nil
}

// DecryptUserKeys reverses EncryptUserKeys. The recovered keys must
// reproduce the stored meta-address.
func DecryptUserKeys(enc *EncryptedKeysJSON, password string) (*stealth.UserKeys, error) {
	if enc.Version != keyFileVersion {
		return nil, fmt.Errorf("unsupported key file version: %d", enc.Version)
	}
	if enc.Crypto.Cipher != cipherName {
		return nil, fmt.Errorf("unsupported cipher: %s", enc.Crypto.Cipher)
	}
	if enc.Crypto.KDF != kdfName {
		return nil, fmt.Errorf("unsupported KDF: %s", enc.Crypto.KDF)
	}
	if _, err := uuid.Parse(enc.ID); err != nil {
		return nil, fmt.Errorf("invalid key file id: %w", err)
	}

	kdf := enc.Crypto.KDFParams
	if kdf.DKLen != scryptDKLen {
		return nil, fmt.Errorf("unsupported derived key length: %d", kdf.DKLen)
	}
	salt, err := hex.DecodeString(kdf.Salt)
	if err != nil {
		return nil, err
	}
	derivedKey, err := scrypt.Key([]byte(password), salt, kdf.N, kdf.R, kdf.P, kdf.DKLen)
	if err != nil {
		return nil, err
	}
	cipherText, err := hex.DecodeString(enc.Crypto.CipherText)
	if err != nil {
		return nil, err
	}
	mac, err := hex.DecodeString(enc.Crypto.MAC)
	if err != nil {
		return nil, err
	}
	if subtle.ConstantTimeCompare(mac, crypto.Keccak256(derivedKey[16:32], cipherText)) != 1 {
		return nil, ErrMACMismatch
	}
	if len(cipherText) != 2*stealth.ScalarLength {
		return nil, ErrDecryptFailed
	}
	iv, err := hex.DecodeString(enc.Crypto.CipherParams.IV)
	if err != nil {
		return nil, err
	}
	// The MAC does not cover the iv.
	if len(iv) != aes.BlockSize {
		return nil, fmt.Errorf("%w: invalid iv length %d", ErrDecryptFailed, len(iv))
	}
	plaintext, err := aesCTRXOR(derivedKey[:16], cipherText, iv)
	if err != nil {
		return nil, err
	}
	defer wipe(plaintext)

	spending, err := stealth.ParseScalar(plaintext[:stealth.ScalarLength])
	if err != nil {
		return nil, ErrDecryptFailed
	}
	viewing, err := stealth.ParseScalar(plaintext[stealth.ScalarLength:])
	if err != nil {
		return nil, ErrDecryptFailed
	}
	keys, err := stealth.FromPrivateKeys(spending, viewing)
	if err != nil {
		return nil, err
	}
	if enc.MetaAddress != "" && keys.MetaAddress().String() != enc.MetaAddress {
		keys.Zero()
		return nil, errors.New("meta-address mismatch")
	}
	return keys, nil
}

// aesCTRXOR performs AES-128-CTR encryption/decryption
func aesCTRXOR(key, input, iv []byte) ([]byte, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	stream := cipher.NewCTR(block, iv)
	output := make([]byte, len(input))
	stream.XORKeyStream(output, input)
	return output, nil
}

func randomBytes(n int) ([]byte, error) {
	b := make([]byte, n)
	if _, err := io.ReadFull(rand.Reader, b); err != nil {
		return nil, err
	}
	return b, nil
}

func wipe(b []byte) {
	for i := range b {
		b[i] = 0
	}
}
