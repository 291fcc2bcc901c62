// Copyright 2024 The Obsidian Authors
// This file is part of Obsidian.

package store

import (
	"errors"
	"testing"

	"github.com/capGoblin/whisper/accounts/keystore"
	"github.com/capGoblin/whisper/stealth"
	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"
)

func testMessage(t *testing.T, block, index uint64, text string) *stealth.DecryptedMessage {
	t.Helper()
	keys, err := stealth.GenerateUserKeys()
	if err != nil {
		t.Fatalf("Failed to generate keys: %v", err)
	}
	return &stealth.DecryptedMessage{
		Content:           text,
		Payload:           stealth.DecodePayload([]byte(text)),
		StealthAddress:    common.Address{byte(block)},
		EphemeralPubKey:   keys.Viewing.PublicKey,
		ViewTag:           0x42,
		BlockNumber:       block,
		TxHash:            common.Hash{byte(block), byte(index)},
		LogIndex:          index,
		Timestamp:         1700000000,
		DecryptionSuccess: true,
		AddressVerified:   true,
	}
}

func TestDatabaseBasics(t *testing.T) {
	db, err := NewDatabase(t.TempDir())
	if err != nil {
		t.Fatalf("Failed to open database: %v", err)
	}
	defer db.Close()

	if _, err := db.Get([]byte("missing")); !errors.Is(err, ErrNotFound) {
		t.Errorf("Expected ErrNotFound, got %v", err)
	}
	if err := db.Put([]byte("p1"), []byte("a")); err != nil {
		t.Fatalf("Failed to put: %v", err)
	}
	batch := db.NewBatch()
	batch.Put([]byte("p2"), []byte("b"))
	batch.Put([]byte("q1"), []byte("c"))
	if batch.ValueSize() != 6 {
		t.Errorf("Unexpected batch size %d", batch.ValueSize())
	}
	if err := batch.Write(); err != nil {
		t.Fatalf("Failed to write batch: %v", err)
	}

	var keys []string
	if err := db.Iterate([]byte("p"), func(k, v []byte) bool {
		keys = append(keys, string(k))
		return true
	}); err != nil {
		t.Fatalf("Failed to iterate: %v", err)
	}
	if len(keys) != 2 || keys[0] != "p1" || keys[1] != "p2" {
		t.Errorf("Unexpected keys %v", keys)
	}

	if err := db.Delete([]byte("p1")); err != nil {
		t.Fatalf("Failed to delete: %v", err)
	}
	if ok, _ := db.Has([]byte("p1")); ok {
		t.Error("Deleted key still present")
	}
	if err := db.Close(); err != nil {
		t.Fatalf("Failed to close: %v", err)
	}
	if err := db.Close(); err != nil {
		t.Errorf("Closing twice should be a no-op: %v", err)
	}
}

func TestCheckpoints(t *testing.T) {
	s := New(NewMemoryDatabase())
	owner := common.Address{0xaa}

	if _, ok, err := s.LastScanned(owner); ok || err != nil {
		t.Fatalf("Fresh store should have no checkpoint: ok=%v err=%v", ok, err)
	}
	if err := s.SetLastScanned(owner, 1234); err != nil {
		t.Fatalf("Failed to set checkpoint: %v", err)
	}
	if n, ok, err := s.LastScanned(owner); !ok || err != nil || n != 1234 {
		t.Errorf("Unexpected checkpoint %d ok=%v err=%v", n, ok, err)
	}
	if _, ok, _ := s.LastScanned(common.Address{0xbb}); ok {
		t.Error("Checkpoints should be per owner")
	}
	if err := s.ResetCheckpoint(owner); err != nil {
		t.Fatalf("Failed to reset checkpoint: %v", err)
	}
	if _, ok, _ := s.LastScanned(owner); ok {
		t.Error("Checkpoint should be gone after reset")
	}
}

func TestInbox(t *testing.T) {
	s := New(NewMemoryDatabase())
	owner := common.Address{0x01}
	other := common.Address{0x02}

	for i, msg := range []*stealth.DecryptedMessage{
		testMessage(t, 10, 0, "first"),
		testMessage(t, 12, 3, `{"text":"third"}`),
		testMessage(t, 12, 1, "second"),
	} {
		added, err := s.Put(owner, msg)
		if err != nil || !added {
			t.Fatalf("Failed to add message %d: added=%v err=%v", i, added, err)
		}
	}
	if added, err := s.Put(owner, testMessage(t, 10, 0, "first")); err != nil || added {
		t.Errorf("Duplicate message should not be added: added=%v err=%v", added, err)
	}
	if _, err := s.Put(other, testMessage(t, 11, 0, "elsewhere")); err != nil {
		t.Fatalf("Failed to add message: %v", err)
	}

	entries, err := s.List(owner, false)
	if err != nil {
		t.Fatalf("Failed to list inbox: %v", err)
	}
	if len(entries) != 3 {
		t.Fatalf("Expected three messages, got %d", len(entries))
	}
	want := []string{`{"text":"third"}`, "second", "first"}
	for i, e := range entries {
		if string(e.Content) != want[i] {
			t.Errorf("Entry %d: have %q, want %q", i, e.Content, want[i])
		}
	}

	msg, err := entries[0].Message()
	if err != nil {
		t.Fatalf("Failed to rebuild message: %v", err)
	}
	if msg.Payload.Text != "third" || !msg.AddressVerified || msg.ViewTag != 0x42 {
		t.Errorf("Unexpected rebuilt message %+v", msg)
	}

	if n, _ := s.UnreadCount(owner); n != 3 {
		t.Errorf("Expected three unread, got %d", n)
	}
	if err := s.MarkRead(entries[1].ID, true); err != nil {
		t.Fatalf("Failed to mark read: %v", err)
	}
	if n, _ := s.UnreadCount(owner); n != 2 {
		t.Errorf("Expected two unread, got %d", n)
	}
	got, err := s.Get(entries[1].ID)
	if err != nil || !got.Read {
		t.Errorf("Entry should be read: %v", err)
	}

	// Rescanning the same window keeps the read state.
	if _, err := s.Put(owner, testMessage(t, 12, 1, "second")); err != nil {
		t.Fatalf("Failed to re-add: %v", err)
	}
	if got, _ := s.Get(entries[1].ID); !got.Read {
		t.Error("Rescan should not reset read state")
	}

	if err := s.Delete(entries[2].ID); err != nil {
		t.Fatalf("Failed to delete: %v", err)
	}
	if _, err := s.Get(entries[2].ID); !errors.Is(err, ErrNotFound) {
		t.Errorf("Expected ErrNotFound, got %v", err)
	}
	if err := s.MarkRead(uuid.New(), true); !errors.Is(err, ErrNotFound) {
		t.Errorf("Expected ErrNotFound, got %v", err)
	}
}

func TestKeyStore(t *testing.T) {
	db := NewMemoryDatabase()
	ks := NewKeyStore(db, "pw", keystore.LightScrypt)

	if keys, err := ks.Load(); keys != nil || err != nil {
		t.Fatalf("Empty store should load nothing: keys=%v err=%v", keys, err)
	}
	keys, err := stealth.GenerateUserKeys()
	if err != nil {
		t.Fatalf("Failed to generate keys: %v", err)
	}
	if err := ks.Save(keys); err != nil {
		t.Fatalf("Failed to save keys: %v", err)
	}
	loaded, err := ks.Load()
	if err != nil {
		t.Fatalf("Failed to load keys: %v", err)
	}
	if *loaded != *keys {
		t.Error("Loaded keys don't match")
	}
	if _, err := NewKeyStore(db, "nope", keystore.LightScrypt).Load(); err == nil {
		t.Error("Wrong password should fail")
	}
	if err := ks.Clear(); err != nil {
		t.Fatalf("Failed to clear: %v", err)
	}
	if keys, _ := ks.Load(); keys != nil {
		t.Error("Cleared store should load nothing")
	}

	var (
		_ stealth.KeyStore     = ks
		_ stealth.Checkpointer = New(db)
		_ stealth.Inbox        = New(db)
	)
}
