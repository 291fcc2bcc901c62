// Copyright 2024 The Obsidian Authors
// This file is part of the Obsidian library.

package store

import (
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"slices"
	"time"

	"github.com/capGoblin/whisper/accounts/keystore"
	"github.com/capGoblin/whisper/stealth"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/rlp"
	"github.com/google/uuid"
)

// InboxEntry is a received message plus its local read state. The read flag
// belongs to the caller; the scanner never sets it.
type InboxEntry struct {
	ID              uuid.UUID
	Owner           common.Address
	Content         []byte
	StealthAddress  common.Address
	EphemeralPubKey []byte
	ViewTag         uint8
	BlockNumber     uint64
	TxHash          common.Hash
	LogIndex        uint64
	Timestamp       uint64
	AddressVerified bool
	Read            bool
	ReceivedAt      uint64
}

// Message rebuilds the scanner view of the entry.
func (e *InboxEntry) Message() (*stealth.DecryptedMessage, error) {
	eph, err := stealth.ParsePublicKey(e.EphemeralPubKey)
	if err != nil {
		return nil, err
	}
	return &stealth.DecryptedMessage{
		Content:           string(e.Content),
		Payload:           stealth.DecodePayload(e.Content),
		StealthAddress:    e.StealthAddress,
		EphemeralPubKey:   eph,
		ViewTag:           e.ViewTag,
		BlockNumber:       e.BlockNumber,
		TxHash:            e.TxHash,
		LogIndex:          e.LogIndex,
		Timestamp:         int64(e.Timestamp),
		DecryptionSuccess: true,
		AddressVerified:   e.AddressVerified,
	}, nil
}

// Store implements the checkpoint and inbox persistence used by continuous
// scanning.
type Store struct {
	db *Database
}

// New wraps db.
func New(db *Database) *Store {
	return &Store{db: db}
}

// LastScanned implements stealth.Checkpointer.
func (s *Store) LastScanned(owner common.Address) (uint64, bool, error) {
	data, err := s.db.Get(checkpointKey(owner))
	if errors.Is(err, ErrNotFound) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, err
	}
	if len(data) != 8 {
		return 0, false, fmt.Errorf("corrupt checkpoint for %s", owner.Hex())
	}
	return binary.BigEndian.Uint64(data), true, nil
}

// SetLastScanned implements stealth.Checkpointer.
func (s *Store) SetLastScanned(owner common.Address, block uint64) error {
	return s.db.Put(checkpointKey(owner), encodeBlockNumber(block))
}

// ResetCheckpoint forgets how far owner has been scanned.
func (s *Store) ResetCheckpoint(owner common.Address) error {
	return s.db.Delete(checkpointKey(owner))
}

// Put implements stealth.Inbox. It reports false if the message was
// already stored; the stored read state is left alone in that case.
func (s *Store) Put(owner common.Address, msg *stealth.DecryptedMessage) (bool, error) {
	key := inboxKey(owner, msg.BlockNumber, msg.LogIndex, msg.TxHash)
	exists, err := s.db.Has(key)
	if err != nil || exists {
		return false, err
	}
	entry := &InboxEntry{
		ID:              messageID(owner, msg.TxHash, msg.LogIndex),
		Owner:           owner,
		Content:         []byte(msg.Content),
		StealthAddress:  msg.StealthAddress,
		EphemeralPubKey: msg.EphemeralPubKey[:],
		ViewTag:         msg.ViewTag,
		BlockNumber:     msg.BlockNumber,
		TxHash:          msg.TxHash,
		LogIndex:        msg.LogIndex,
		Timestamp:       uint64(max(msg.Timestamp, 0)),
		AddressVerified: msg.AddressVerified,
		ReceivedAt:      uint64(time.Now().Unix()),
	}
	data, err := rlp.EncodeToBytes(entry)
	if err != nil {
		return false, err
	}
	batch := s.db.NewBatch()
	batch.Put(key, data)
	batch.Put(inboxIDKey(entry.ID), key)
	if err := batch.Write(); err != nil {
		return false, err
	}
	return true, nil
}

// List returns owner's messages newest first.
func (s *Store) List(owner common.Address, unreadOnly bool) ([]*InboxEntry, error) {
	var (
		entries []*InboxEntry
		decErr  error
	)
	err := s.db.Iterate(inboxOwnerPrefix(owner), func(key, value []byte) bool {
		entry := new(InboxEntry)
		if err := rlp.DecodeBytes(value, entry); err != nil {
			decErr = fmt.Errorf("corrupt inbox entry %x: %w", key, err)
			return false
		}
		if !unreadOnly || !entry.Read {
			entries = append(entries, entry)
		}
		return true
	})
	if err != nil {
		return nil, err
	}
	if decErr != nil {
		return nil, decErr
	}
	slices.Reverse(entries)
	return entries, nil
}

// UnreadCount returns how many of owner's messages are unread.
func (s *Store) UnreadCount(owner common.Address) (int, error) {
	unread, err := s.List(owner, true)
	return len(unread), err
}

// Get returns one message by id.
func (s *Store) Get(id uuid.UUID) (*InboxEntry, error) {
	_, entry, err := s.lookup(id)
	return entry, err
}

// MarkRead sets the read flag of a message.
func (s *Store) MarkRead(id uuid.UUID, read bool) error {
	key, entry, err := s.lookup(id)
	if err != nil {
		return err
	}
	if entry.Read == read {
		return nil
	}
	entry.Read = read
	data, err := rlp.EncodeToBytes(entry)
	if err != nil {
		return err
	}
	return s.db.Put(key, data)
}

// Delete removes a message.
func (s *Store) Delete(id uuid.UUID) error {
	key, _, err := s.lookup(id)
	if err != nil {
		return err
	}
	batch := s.db.NewBatch()
	batch.Delete(key)
	batch.Delete(inboxIDKey(id))
	return batch.Write()
}

func (s *Store) lookup(id uuid.UUID) ([]byte, *InboxEntry, error) {
	key, err := s.db.Get(inboxIDKey(id))
	if err != nil {
		return nil, nil, err
	}
	data, err := s.db.Get(key)
	if err != nil {
		return nil, nil, err
	}
	entry := new(InboxEntry)
	if err := rlp.DecodeBytes(data, entry); err != nil {
		return nil, nil, err
	}
	return key, entry, nil
}

// KeyStore keeps the encrypted identity inside the database.
type KeyStore struct {
	db       *Database
	password string
	params   keystore.ScryptParams
}

// NewKeyStore creates a database-backed stealth.KeyStore.
func NewKeyStore(db *Database, password string, params keystore.ScryptParams) *KeyStore {
	return &KeyStore{db: db, password: password, params: params}
}

// Load implements stealth.KeyStore.
func (ks *KeyStore) Load() (*stealth.UserKeys, error) {
	data, err := ks.db.Get(identityKey)
	if errors.Is(err, ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var enc keystore.EncryptedKeysJSON
	if err := json.Unmarshal(data, &enc); err != nil {
		return nil, err
	}
	return keystore.DecryptUserKeys(&enc, ks.password)
}

// Save implements stealth.KeyStore.
func (ks *KeyStore) Save(keys *stealth.UserKeys) error {
	enc, err := keystore.EncryptUserKeys(keys, ks.password, ks.params)
	if err != nil {
		return err
	}
	data, err := json.Marshal(enc)
	if err != nil {
		return err
	}
	return ks.db.Put(identityKey, data)
}

// Clear implements stealth.KeyStore.
func (ks *KeyStore) Clear() error {
	return ks.db.Delete(identityKey)
}
