// Copyright 2024 The Obsidian Authors
// This file is part of Obsidian.

package stealth

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
)

// memLedger is an in-memory announcement source and publisher. Every publish
// mines a new block.
type memLedger struct {
	mu   sync.Mutex
	head uint64
	anns []*Announcement
	err  error
}

func (l *memLedger) FetchAnnouncements(ctx context.Context, from, to uint64) ([]*Announcement, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.err != nil {
		return nil, l.err
	}
	var out []*Announcement
	for _, a := range l.anns {
		if a.BlockNumber >= from && a.BlockNumber <= to {
			out = append(out, a)
		}
	}
	return out, nil
}

func (l *memLedger) LatestBlock(ctx context.Context) (uint64, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.head, l.err
}

func (l *memLedger) Publish(ctx context.Context, ann *Announcement) (common.Hash, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.err != nil {
		return common.Hash{}, l.err
	}
	l.head++
	stored := *ann
	stored.BlockNumber = l.head
	stored.TxHash = crypto.Keccak256Hash(ann.Metadata)
	l.anns = append(l.anns, &stored)
	return stored.TxHash, nil
}

func (l *memLedger) mine(n uint64) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.head += n
}

type memRegistry map[common.Address]*StealthMetaAddress

func (r memRegistry) LookupMetaAddress(ctx context.Context, id common.Address) (*StealthMetaAddress, error) {
	return r[id], nil
}

type memStore struct {
	mu          sync.Mutex
	checkpoints map[common.Address]uint64
	inbox       map[common.Hash]*DecryptedMessage
}

func newMemStore() *memStore {
	return &memStore{
		checkpoints: make(map[common.Address]uint64),
		inbox:       make(map[common.Hash]*DecryptedMessage),
	}
}

func (m *memStore) LastScanned(id common.Address) (uint64, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	n, ok := m.checkpoints[id]
	return n, ok, nil
}

func (m *memStore) SetLastScanned(id common.Address, block uint64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.checkpoints[id] = block
	return nil
}

func (m *memStore) Put(owner common.Address, msg *DecryptedMessage) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.inbox[msg.TxHash]; ok {
		return false, nil
	}
	m.inbox[msg.TxHash] = msg
	return true, nil
}

func (m *memStore) size() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.inbox)
}

func newTestService(t *testing.T) (*StealthService, *memLedger, *UserKeys, common.Address) {
	t.Helper()
	ledger := new(memLedger)
	svc := NewStealthService(ServiceConfig{ScanWindow: 100, PollInterval: 10 * time.Millisecond})
	svc.SetSource(ledger)
	svc.SetPublisher(ledger)

	keys, err := GenerateUserKeys()
	if err != nil {
		t.Fatalf("Failed to generate keys: %v", err)
	}
	id, err := svc.RegisterScanner(keys)
	if err != nil {
		t.Fatalf("Failed to register scanner: %v", err)
	}
	return svc, ledger, keys, id
}

func TestServiceSendAndScan(t *testing.T) {
	svc, _, keys, id := newTestService(t)
	ctx := context.Background()

	res, err := svc.SendText(ctx, EncodeMetaAddress(keys), "hello there")
	if err != nil {
		t.Fatalf("Failed to send: %v", err)
	}
	if res.Recipient != EncodeMetaAddress(keys) {
		t.Errorf("Unexpected recipient %s", res.Recipient)
	}

	msgs, err := svc.ScanRecent(ctx, id)
	if err != nil {
		t.Fatalf("Failed to scan: %v", err)
	}
	if len(msgs) != 1 {
		t.Fatalf("Expected one message, got %d", len(msgs))
	}
	if msgs[0].Payload.Text != "hello there" || !msgs[0].AddressVerified {
		t.Errorf("Unexpected message %+v", msgs[0])
	}
	if msgs[0].StealthAddress != res.StealthAddress || msgs[0].TxHash != res.TxHash {
		t.Error("Scanned message should match the send result")
	}

	if _, err := svc.ScanRange(ctx, id, 5, 1); err == nil {
		t.Error("Inverted range should fail")
	}
	if _, err := svc.ScanRecent(ctx, common.Address{1}); !errors.Is(err, ErrScannerNotFound) {
		t.Errorf("Expected ErrScannerNotFound, got %v", err)
	}
}

func TestServiceScanWindow(t *testing.T) {
	svc, ledger, keys, id := newTestService(t)
	ctx := context.Background()

	if _, err := svc.SendText(ctx, EncodeMetaAddress(keys), "old"); err != nil {
		t.Fatalf("Failed to send: %v", err)
	}
	ledger.mine(150)
	if _, err := svc.SendText(ctx, EncodeMetaAddress(keys), "new"); err != nil {
		t.Fatalf("Failed to send: %v", err)
	}
	msgs, err := svc.ScanRecent(ctx, id)
	if err != nil {
		t.Fatalf("Failed to scan: %v", err)
	}
	if len(msgs) != 1 || msgs[0].Payload.Text != "new" {
		t.Fatalf("Only the message inside the window should be found, got %d", len(msgs))
	}
}

func TestServiceResolveRecipient(t *testing.T) {
	svc, _, keys, _ := newTestService(t)
	ctx := context.Background()
	owner := common.HexToAddress("0x00000000000000000000000000000000000000aa")

	if _, err := svc.ResolveRecipient(ctx, owner.Hex()); !errors.Is(err, ErrRegistryRequired) {
		t.Errorf("Expected ErrRegistryRequired, got %v", err)
	}
	svc.SetRegistry(memRegistry{owner: keys.MetaAddress()})

	meta, err := svc.ResolveRecipient(ctx, owner.Hex())
	if err != nil {
		t.Fatalf("Failed to resolve registered address: %v", err)
	}
	if *meta != *keys.MetaAddress() {
		t.Error("Registry lookup returned the wrong meta-address")
	}
	if _, err := svc.ResolveRecipient(ctx, common.Address{2}.Hex()); !errors.Is(err, ErrRecipientUnresolved) {
		t.Errorf("Expected ErrRecipientUnresolved, got %v", err)
	}
	if _, err := svc.ResolveRecipient(ctx, "st:eth:0xdead"); !errors.Is(err, ErrInvalidRecipientMetaAddress) {
		t.Errorf("Expected ErrInvalidRecipientMetaAddress, got %v", err)
	}
	if _, err := svc.ResolveRecipient(ctx, "bob"); !errors.Is(err, ErrInvalidFormat) {
		t.Errorf("Expected ErrInvalidFormat, got %v", err)
	}
}

func TestServiceSendErrors(t *testing.T) {
	ctx := context.Background()
	keys, err := GenerateUserKeys()
	if err != nil {
		t.Fatalf("Failed to generate keys: %v", err)
	}

	bare := NewStealthService(DefaultServiceConfig())
	if _, err := bare.SendText(ctx, EncodeMetaAddress(keys), "hi"); !errors.Is(err, ErrPublisherRequired) {
		t.Errorf("Expected ErrPublisherRequired, got %v", err)
	}
	if _, err := bare.ScanOnce(ctx); !errors.Is(err, ErrSourceRequired) {
		t.Errorf("Expected ErrSourceRequired, got %v", err)
	}

	svc, ledger, _, _ := newTestService(t)
	if _, err := svc.SendText(ctx, EncodeMetaAddress(keys), ""); !errors.Is(err, ErrEmptyMessage) {
		t.Errorf("Expected ErrEmptyMessage, got %v", err)
	}
	if _, err := svc.Send(ctx, EncodeMetaAddress(keys), nil); !errors.Is(err, ErrEmptyMessage) {
		t.Errorf("Expected ErrEmptyMessage for a nil payload, got %v", err)
	}
	transport := errors.New("rpc unavailable")
	ledger.err = transport
	if _, err := svc.SendText(ctx, EncodeMetaAddress(keys), "hi"); !errors.Is(err, transport) {
		t.Errorf("Transport errors should pass through unchanged, got %v", err)
	}
}

func TestServiceRegistry(t *testing.T) {
	svc, _, keys, id := newTestService(t)
	if _, err := svc.RegisterScanner(keys); !errors.Is(err, ErrScannerExists) {
		t.Errorf("Expected ErrScannerExists, got %v", err)
	}
	if ids := svc.ListScanners(); len(ids) != 1 || ids[0] != id {
		t.Errorf("Unexpected scanner list %v", ids)
	}
	if err := svc.UnregisterScanner(id); err != nil {
		t.Fatalf("Failed to unregister scanner: %v", err)
	}
	if err := svc.UnregisterScanner(id); !errors.Is(err, ErrScannerNotFound) {
		t.Errorf("Expected ErrScannerNotFound, got %v", err)
	}
}

func TestServiceScanOnceCheckpoints(t *testing.T) {
	svc, _, keys, id := newTestService(t)
	store := newMemStore()
	svc.SetStore(store, store)
	ctx := context.Background()
	recipient := EncodeMetaAddress(keys)

	if _, err := svc.SendText(ctx, recipient, "first"); err != nil {
		t.Fatalf("Failed to send: %v", err)
	}
	found, err := svc.ScanOnce(ctx)
	if err != nil {
		t.Fatalf("Failed to scan: %v", err)
	}
	if len(found[id]) != 1 || store.size() != 1 {
		t.Fatalf("Expected one new message, got %d (inbox %d)", len(found[id]), store.size())
	}
	if last, ok, _ := store.LastScanned(id); !ok || last != 1 {
		t.Errorf("Checkpoint should be at block 1, got %d (%v)", last, ok)
	}

	found, err = svc.ScanOnce(ctx)
	if err != nil {
		t.Fatalf("Failed to rescan: %v", err)
	}
	if len(found) != 0 {
		t.Errorf("Nothing new should be found, got %d", len(found))
	}

	if _, err := svc.SendText(ctx, recipient, "second"); err != nil {
		t.Fatalf("Failed to send: %v", err)
	}
	found, err = svc.ScanOnce(ctx)
	if err != nil {
		t.Fatalf("Failed to scan: %v", err)
	}
	if len(found[id]) != 1 || found[id][0].Payload.Text != "second" {
		t.Fatalf("Only the second message should be new, got %d", len(found[id]))
	}
	if store.size() != 2 {
		t.Errorf("Inbox should hold two messages, got %d", store.size())
	}
}

func TestServiceAutoScan(t *testing.T) {
	svc, _, keys, _ := newTestService(t)
	store := newMemStore()
	svc.SetStore(store, store)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := svc.StartAutoScan(ctx); err != nil {
		t.Fatalf("Failed to start auto-scan: %v", err)
	}
	if err := svc.StartAutoScan(ctx); !errors.Is(err, ErrAlreadyRunning) {
		t.Errorf("Expected ErrAlreadyRunning, got %v", err)
	}
	if _, err := svc.SendText(ctx, EncodeMetaAddress(keys), "async"); err != nil {
		t.Fatalf("Failed to send: %v", err)
	}

	deadline := time.Now().Add(5 * time.Second)
	for store.size() == 0 {
		if time.Now().After(deadline) {
			t.Fatal("Auto-scan did not pick up the message")
		}
		time.Sleep(5 * time.Millisecond)
	}
	svc.Stop()
	svc.Stop()
}

func TestWindowStart(t *testing.T) {
	tests := []struct{ latest, window, want uint64 }{
		{0, 1000, 0},
		{999, 1000, 0},
		{1000, 1000, 1},
		{5000, 1000, 4001},
		{5000, 0, 0},
	}
	for _, tt := range tests {
		if have := windowStart(tt.latest, tt.window); have != tt.want {
			t.Errorf("windowStart(%d, %d): have %d, want %d", tt.latest, tt.window, have, tt.want)
		}
	}
}
