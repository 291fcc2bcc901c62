// Copyright 2024 The Obsidian Authors
// This file is part of the Obsidian library.

package ledger

import (
	"context"

	"github.com/capGoblin/whisper/stealth"
	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/log"
)

// RegistryReader resolves addresses through the ERC-6538 registry. It
// implements stealth.Registry.
type RegistryReader struct {
	backend  CallBackend
	registry common.Address
}

var _ stealth.Registry = (*RegistryReader)(nil)

// NewRegistryReader creates a registry reader. A zero address selects the
// canonical deployment.
func NewRegistryReader(backend CallBackend, registry common.Address) *RegistryReader {
	if registry == (common.Address{}) {
		registry = DefaultRegistryAddress
	}
	return &RegistryReader{backend: backend, registry: registry}
}

// LookupMetaAddress implements stealth.Registry.
func (r *RegistryReader) LookupMetaAddress(ctx context.Context, registrant common.Address) (*stealth.StealthMetaAddress, error) {
	data, err := PackMetaAddressOf(registrant)
	if err != nil {
		return nil, err
	}
	out, err := r.backend.CallContract(ctx, ethereum.CallMsg{To: &r.registry, Data: data}, nil)
	if err != nil {
		return nil, err
	}
	meta, err := UnpackMetaAddressOf(out)
	if err != nil {
		return nil, err
	}
	log.Debug("Registry lookup", "registrant", registrant, "registered", meta != nil)
	return meta, nil
}
