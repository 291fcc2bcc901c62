// Copyright 2024 The Obsidian Authors
// This file is part of the Obsidian library.

package stealth

import (
	"context"

	"github.com/ethereum/go-ethereum/common"
)

// AnnouncementSource supplies announcements for a block window. How they are
// obtained (log filters, an indexer, a mirror node) is up to the implementation.
type AnnouncementSource interface {
	// FetchAnnouncements returns announcements in [from, to], inclusive
	FetchAnnouncements(ctx context.Context, from, to uint64) ([]*Announcement, error)
	// LatestBlock returns the current head block number
	LatestBlock(ctx context.Context) (uint64, error)
}

// Publisher submits an announcement and returns the transaction handle.
type Publisher interface {
	Publish(ctx context.Context, ann *Announcement) (common.Hash, error)
}

// Registry resolves an identifier to a registered meta-address. An
// unregistered identifier returns (nil, nil).
type Registry interface {
	LookupMetaAddress(ctx context.Context, identifier common.Address) (*StealthMetaAddress, error)
}

// KeyStore persists one identity. Load returns (nil, nil) when nothing is
// stored.
type KeyStore interface {
	Load() (*UserKeys, error)
	Save(keys *UserKeys) error
	Clear() error
}

// Checkpointer remembers how far each watched meta-address has been scanned.
type Checkpointer interface {
	LastScanned(id common.Address) (uint64, bool, error)
	SetLastScanned(id common.Address, block uint64) error
}

// Inbox receives messages found by continuous scanning.
type Inbox interface {
	Put(owner common.Address, msg *DecryptedMessage) (bool, error)
}

// MemoryKeyStore is a KeyStore that keeps the identity in process memory.
type MemoryKeyStore struct {
	keys *UserKeys
}

// Load implements KeyStore.
func (m *MemoryKeyStore) Load() (*UserKeys, error) {
	if m.keys == nil {
		return nil, nil
	}
	keys := *m.keys
	return &keys, nil
}

// Save implements KeyStore.
func (m *MemoryKeyStore) Save(keys *UserKeys) error {
	if err := keys.Validate(); err != nil {
		return err
	}
	stored := *keys
	m.keys = &stored
	return nil
}

// Clear implements KeyStore.
func (m *MemoryKeyStore) Clear() error {
	if m.keys != nil {
		m.keys.Zero()
		m.keys = nil
	}
	return nil
}
