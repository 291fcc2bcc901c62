// Copyright 2024 The Obsidian Authors
// This file is part of the Obsidian library.

package stealth

import (
	"errors"
	"fmt"
)

var (
	// ErrInvalidFormat is returned for malformed meta-addresses, keys or
	// announcement metadata. It is terminal and never retried.
	ErrInvalidFormat = errors.New("invalid format")
	// ErrKeyDerivation is returned when a seed cannot be turned into keys
	ErrKeyDerivation = errors.New("key derivation failed")
	// ErrCurveOperation is returned when point arithmetic keeps producing the
	// point at infinity after the retry budget is spent
	ErrCurveOperation = errors.New("curve operation failed")
	// ErrInvalidRecipientMetaAddress is returned by the generator for a
	// meta-address that does not hold two valid public keys
	ErrInvalidRecipientMetaAddress = fmt.Errorf("invalid recipient meta-address: %w", ErrInvalidFormat)
	// ErrDecryptionMiss is returned when AEAD authentication fails. While
	// scanning this is the normal outcome for announcements addressed to
	// somebody else.
	ErrDecryptionMiss = errors.New("decryption miss")
)

func invalidFormat(format string, args ...interface{}) error {
	return fmt.Errorf("%w: %s", ErrInvalidFormat, fmt.Sprintf(format, args...))
}
