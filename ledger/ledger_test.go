// Copyright 2024 The Obsidian Authors
// This file is part of Obsidian.

package ledger

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"math/big"
	"sync"
	"testing"

	"github.com/capGoblin/whisper/stealth"
	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
)

// fakeChain mines one block per transaction and turns announce() calls into
// Announcement logs.
type fakeChain struct {
	mu         sync.Mutex
	chainID    *big.Int
	head       uint64
	logs       []types.Log
	txs        []*types.Transaction
	queries    []ethereum.FilterQuery
	headers    int
	nonces     map[common.Address]uint64
	registered map[common.Address][]byte
}

func newFakeChain() *fakeChain {
	return &fakeChain{
		chainID:    big.NewInt(DefaultChainID),
		nonces:     make(map[common.Address]uint64),
		registered: make(map[common.Address][]byte),
	}
}

func (c *fakeChain) BlockNumber(ctx context.Context) (uint64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.head, nil
}

func (c *fakeChain) FilterLogs(ctx context.Context, q ethereum.FilterQuery) ([]types.Log, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.queries = append(c.queries, q)

	var out []types.Log
	for _, lg := range c.logs {
		if lg.BlockNumber < q.FromBlock.Uint64() || lg.BlockNumber > q.ToBlock.Uint64() {
			continue
		}
		if len(q.Addresses) > 0 && lg.Address != q.Addresses[0] {
			continue
		}
		out = append(out, lg)
	}
	return out, nil
}

func (c *fakeChain) HeaderByNumber(ctx context.Context, number *big.Int) (*types.Header, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.headers++
	return &types.Header{Number: new(big.Int).Set(number), Time: 1_700_000_000 + number.Uint64()}, nil
}

func (c *fakeChain) CallContract(ctx context.Context, call ethereum.CallMsg, blockNumber *big.Int) ([]byte, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	method := RegistryABI.Methods["stealthMetaAddressOf"]
	if !bytes.Equal(call.Data[:4], method.ID) {
		return nil, errors.New("execution reverted")
	}
	args, err := method.Inputs.Unpack(call.Data[4:])
	if err != nil {
		return nil, err
	}
	return method.Outputs.Pack(c.registered[args[0].(common.Address)])
}

func (c *fakeChain) ChainID(ctx context.Context) (*big.Int, error) {
	return new(big.Int).Set(c.chainID), nil
}

func (c *fakeChain) PendingNonceAt(ctx context.Context, account common.Address) (uint64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.nonces[account], nil
}

func (c *fakeChain) SuggestGasPrice(ctx context.Context) (*big.Int, error) {
	return big.NewInt(1e9), nil
}

func (c *fakeChain) EstimateGas(ctx context.Context, call ethereum.CallMsg) (uint64, error) {
	return 50_000, nil
}

func (c *fakeChain) SendTransaction(ctx context.Context, tx *types.Transaction) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	from, err := types.Sender(types.LatestSignerForChainID(c.chainID), tx)
	if err != nil {
		return err
	}
	if tx.Nonce() != c.nonces[from] {
		return fmt.Errorf("nonce too low: have %d, want %d", tx.Nonce(), c.nonces[from])
	}
	c.nonces[from]++
	c.txs = append(c.txs, tx)
	c.head++

	data := tx.Data()
	switch {
	case bytes.Equal(data[:4], AnnouncerABI.Methods["announce"].ID):
		args, err := AnnouncerABI.Methods["announce"].Inputs.Unpack(data[4:])
		if err != nil {
			return err
		}
		c.addAnnouncement(*tx.To(), args[0].(*big.Int), args[1].(common.Address), from, args[2].([]byte), args[3].([]byte), tx.Hash())
	case bytes.Equal(data[:4], RegistryABI.Methods["registerKeys"].ID):
		args, err := RegistryABI.Methods["registerKeys"].Inputs.Unpack(data[4:])
		if err != nil {
			return err
		}
		c.registered[from] = args[1].([]byte)
	}
	return nil
}

func (c *fakeChain) addAnnouncement(contract common.Address, scheme *big.Int, stealthAddr, caller common.Address, eph, meta []byte, txHash common.Hash) {
	data, err := AnnouncerABI.Events["Announcement"].Inputs.NonIndexed().Pack(eph, meta)
	if err != nil {
		panic(err)
	}
	c.logs = append(c.logs, types.Log{
		Address: contract,
		Topics: []common.Hash{
			AnnouncementTopic,
			common.BigToHash(scheme),
			common.BytesToHash(stealthAddr.Bytes()),
			common.BytesToHash(caller.Bytes()),
		},
		Data:        data,
		BlockNumber: c.head,
		TxHash:      txHash,
		Index:       uint(len(c.logs)),
	})
}

func newTestPublisher(t *testing.T, chain *fakeChain) *TxPublisher {
	t.Helper()
	key, err := crypto.GenerateKey()
	if err != nil {
		t.Fatalf("Failed to generate key: %v", err)
	}
	pub, err := NewTxPublisher(chain, key, PublisherConfig{})
	if err != nil {
		t.Fatalf("Failed to create publisher: %v", err)
	}
	return pub
}

func TestPublishAndFetch(t *testing.T) {
	ctx := context.Background()
	chain := newFakeChain()
	pub := newTestPublisher(t, chain)

	keys, err := stealth.DeriveUserKeys([]byte("test-seed-1"), stealth.DefaultContext)
	if err != nil {
		t.Fatalf("Failed to derive keys: %v", err)
	}
	ann, sa, err := stealth.SealAnnouncement(keys.MetaAddress(), []byte(`{"text":"hi"}`))
	if err != nil {
		t.Fatalf("Failed to seal announcement: %v", err)
	}
	hash, err := pub.Publish(ctx, ann)
	if err != nil {
		t.Fatalf("Failed to publish: %v", err)
	}
	if hash != chain.txs[0].Hash() {
		t.Errorf("Returned hash %x doesn't match submitted tx %x", hash, chain.txs[0].Hash())
	}
	if to := chain.txs[0].To(); to == nil || *to != DefaultAnnouncerAddress {
		t.Errorf("Announcement sent to %v", to)
	}
	if gas := chain.txs[0].Gas(); gas != 60_000 {
		t.Errorf("Expected gas with headroom 60000, got %d", gas)
	}

	src := NewLogSource(chain, LogSourceConfig{BlockTimes: true})
	latest, err := src.LatestBlock(ctx)
	if err != nil {
		t.Fatalf("Failed to get latest block: %v", err)
	}
	anns, err := src.FetchAnnouncements(ctx, 0, latest)
	if err != nil {
		t.Fatalf("Failed to fetch announcements: %v", err)
	}
	if len(anns) != 1 {
		t.Fatalf("Expected one announcement, got %d", len(anns))
	}
	got := anns[0]
	if got.SchemeID != stealth.SchemeID || got.StealthAddress != sa.Address || got.Caller != pub.From() {
		t.Errorf("Unexpected announcement header %+v", got)
	}
	if !bytes.Equal(got.EphemeralPubKey, ann.EphemeralPubKey) || !bytes.Equal(got.Metadata, ann.Metadata) {
		t.Error("Announcement payload changed in transit")
	}
	if got.BlockNumber != 1 || got.BlockTime != 1_700_000_001 || got.TxHash != hash {
		t.Errorf("Unexpected position block=%d time=%d tx=%x", got.BlockNumber, got.BlockTime, got.TxHash)
	}

	scanner, err := stealth.NewScannerForKeys(keys)
	if err != nil {
		t.Fatalf("Failed to create scanner: %v", err)
	}
	msg, err := scanner.Open(got)
	if err != nil || msg == nil {
		t.Fatalf("Failed to open announcement: msg=%v err=%v", msg, err)
	}
	if msg.Payload.Text != "hi" || !msg.AddressVerified {
		t.Errorf("Unexpected message %+v", msg)
	}
}

func TestLogSourceChunking(t *testing.T) {
	ctx := context.Background()
	chain := newFakeChain()
	chain.head = 2499

	src := NewLogSource(chain, LogSourceConfig{MaxBlockRange: 1000})
	if _, err := src.FetchAnnouncements(ctx, 0, 2499); err != nil {
		t.Fatalf("Failed to fetch: %v", err)
	}
	want := [][2]uint64{{0, 999}, {1000, 1999}, {2000, 2499}}
	if len(chain.queries) != len(want) {
		t.Fatalf("Expected %d queries, got %d", len(want), len(chain.queries))
	}
	for i, q := range chain.queries {
		if q.FromBlock.Uint64() != want[i][0] || q.ToBlock.Uint64() != want[i][1] {
			t.Errorf("Query %d: have [%v, %v], want %v", i, q.FromBlock, q.ToBlock, want[i])
		}
		if len(q.Topics) != 1 || q.Topics[0][0] != AnnouncementTopic {
			t.Errorf("Query %d is not filtered by event topic", i)
		}
	}

	chain.queries = nil
	if _, err := src.FetchAnnouncements(ctx, 7, 7); err != nil {
		t.Fatalf("Failed to fetch: %v", err)
	}
	if len(chain.queries) != 1 {
		t.Errorf("Single block window should take one query, took %d", len(chain.queries))
	}
}

func TestLogSourceDropsForeignLogs(t *testing.T) {
	ctx := context.Background()
	chain := newFakeChain()
	pub := newTestPublisher(t, chain)

	keys, _ := stealth.GenerateUserKeys()
	for i := 0; i < 3; i++ {
		ann, _, err := stealth.SealAnnouncement(keys.MetaAddress(), []byte("msg"))
		if err != nil {
			t.Fatalf("Failed to seal: %v", err)
		}
		if _, err := pub.Publish(ctx, ann); err != nil {
			t.Fatalf("Failed to publish: %v", err)
		}
	}
	chain.logs[1].Removed = true
	chain.logs = append(chain.logs, types.Log{
		Address:     DefaultAnnouncerAddress,
		Topics:      []common.Hash{AnnouncementTopic},
		BlockNumber: 3,
	})

	src := NewLogSource(chain, LogSourceConfig{})
	anns, err := src.FetchAnnouncements(ctx, 0, 3)
	if err != nil {
		t.Fatalf("Failed to fetch: %v", err)
	}
	if len(anns) != 2 || anns[0].BlockNumber != 1 || anns[1].BlockNumber != 3 {
		t.Errorf("Expected announcements from blocks 1 and 3, got %d", len(anns))
	}
	if chain.headers != 0 {
		t.Errorf("Block times disabled but %d headers fetched", chain.headers)
	}
}

func TestUnpackAnnouncementErrors(t *testing.T) {
	if _, err := UnpackAnnouncement(&types.Log{Topics: []common.Hash{{0x01}}}); !errors.Is(err, ErrNotAnnouncement) {
		t.Errorf("Expected ErrNotAnnouncement, got %v", err)
	}
	overflow := &types.Log{Topics: []common.Hash{
		AnnouncementTopic,
		common.HexToHash("0x010000000000000000"),
		{}, {},
	}}
	if _, err := UnpackAnnouncement(overflow); !errors.Is(err, ErrSchemeOverflow) {
		t.Errorf("Expected ErrSchemeOverflow, got %v", err)
	}
	garbage := &types.Log{
		Topics: []common.Hash{AnnouncementTopic, common.BigToHash(big.NewInt(1)), {}, {}},
		Data:   []byte{0x01, 0x02},
	}
	if _, err := UnpackAnnouncement(garbage); err == nil {
		t.Error("Undecodable data should fail")
	}
}

func TestRegistryRoundTrip(t *testing.T) {
	ctx := context.Background()
	chain := newFakeChain()
	pub := newTestPublisher(t, chain)
	reader := NewRegistryReader(chain, common.Address{})

	meta, err := reader.LookupMetaAddress(ctx, pub.From())
	if err != nil || meta != nil {
		t.Fatalf("Unregistered account should resolve to nothing: meta=%v err=%v", meta, err)
	}

	keys, _ := stealth.GenerateUserKeys()
	if _, err := pub.RegisterKeys(ctx, keys.MetaAddress()); err != nil {
		t.Fatalf("Failed to register keys: %v", err)
	}
	if to := chain.txs[0].To(); *to != DefaultRegistryAddress {
		t.Errorf("Registration sent to %v", to)
	}
	meta, err = reader.LookupMetaAddress(ctx, pub.From())
	if err != nil {
		t.Fatalf("Failed to look up meta-address: %v", err)
	}
	if meta == nil || *meta != *keys.MetaAddress() {
		t.Errorf("Registry returned %v, want %v", meta, keys.MetaAddress())
	}

	if _, err := pub.RegisterKeys(ctx, &stealth.StealthMetaAddress{}); !errors.Is(err, stealth.ErrInvalidFormat) {
		t.Errorf("Registering an invalid meta-address should fail, got %v", err)
	}
}

func TestPublisherNonces(t *testing.T) {
	ctx := context.Background()
	chain := newFakeChain()
	pub := newTestPublisher(t, chain)
	keys, _ := stealth.GenerateUserKeys()

	var wg sync.WaitGroup
	errs := make(chan error, 4)
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ann, _, err := stealth.SealAnnouncement(keys.MetaAddress(), []byte("x"))
			if err == nil {
				_, err = pub.Publish(ctx, ann)
			}
			errs <- err
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		if err != nil {
			t.Errorf("Concurrent publish failed: %v", err)
		}
	}
	if n := chain.nonces[pub.From()]; n != 4 {
		t.Errorf("Expected nonce 4 after four publishes, got %d", n)
	}
	if _, err := NewTxPublisher(chain, nil, PublisherConfig{}); !errors.Is(err, ErrNoSigner) {
		t.Errorf("Expected ErrNoSigner, got %v", err)
	}
}

// failingChain fails one step of the transaction flow.
type failingChain struct {
	*fakeChain
	nonceErr, priceErr, estimateErr, sendErr error
}

func (c *failingChain) PendingNonceAt(ctx context.Context, account common.Address) (uint64, error) {
	if c.nonceErr != nil {
		return 0, c.nonceErr
	}
	return c.fakeChain.PendingNonceAt(ctx, account)
}

func (c *failingChain) SuggestGasPrice(ctx context.Context) (*big.Int, error) {
	if c.priceErr != nil {
		return nil, c.priceErr
	}
	return c.fakeChain.SuggestGasPrice(ctx)
}

func (c *failingChain) EstimateGas(ctx context.Context, call ethereum.CallMsg) (uint64, error) {
	if c.estimateErr != nil {
		return 0, c.estimateErr
	}
	return c.fakeChain.EstimateGas(ctx, call)
}

func (c *failingChain) SendTransaction(ctx context.Context, tx *types.Transaction) error {
	if c.sendErr != nil {
		return c.sendErr
	}
	return c.fakeChain.SendTransaction(ctx, tx)
}

func TestPublisherTransportErrors(t *testing.T) {
	ctx := context.Background()
	keys, _ := stealth.GenerateUserKeys()
	ann, _, err := stealth.SealAnnouncement(keys.MetaAddress(), []byte("x"))
	if err != nil {
		t.Fatalf("Failed to seal announcement: %v", err)
	}
	transport := errors.New("connection refused")

	tests := []struct {
		name  string
		chain *failingChain
	}{
		{"nonce", &failingChain{fakeChain: newFakeChain(), nonceErr: transport}},
		{"price", &failingChain{fakeChain: newFakeChain(), priceErr: transport}},
		{"estimate", &failingChain{fakeChain: newFakeChain(), estimateErr: transport}},
		{"send", &failingChain{fakeChain: newFakeChain(), sendErr: transport}},
	}
	for _, tt := range tests {
		key, err := crypto.GenerateKey()
		if err != nil {
			t.Fatalf("Failed to generate key: %v", err)
		}
		pub, err := NewTxPublisher(tt.chain, key, PublisherConfig{})
		if err != nil {
			t.Fatalf("Failed to create publisher: %v", err)
		}
		if _, err := pub.Publish(ctx, ann); err != transport {
			t.Errorf("%s: transport error should be returned unchanged, got %v", tt.name, err)
		}
		if len(tt.chain.txs) != 0 {
			t.Errorf("%s: no transaction should be recorded", tt.name)
		}
	}
}

func TestGasPricer(t *testing.T) {
	ctx := context.Background()
	chain := newFakeChain()

	tests := []struct {
		name   string
		pricer *GasPricer
		want   int64
	}{
		{"node", NewGasPricer(nil, nil, nil), 1e9},
		{"floor", NewGasPricer(nil, big.NewInt(5e9), nil), 5e9},
		{"ceiling", NewGasPricer(nil, nil, big.NewInt(1e8)), 1e8},
		{"fixed", NewGasPricer(big.NewInt(42), big.NewInt(5e9), nil), 42},
	}
	for _, tt := range tests {
		price, err := tt.pricer.Suggest(ctx, chain)
		if err != nil {
			t.Fatalf("%s: failed to suggest: %v", tt.name, err)
		}
		if price.Int64() != tt.want {
			t.Errorf("%s: have %v, want %d", tt.name, price, tt.want)
		}
	}
}

func TestServiceOverLedger(t *testing.T) {
	ctx := context.Background()
	chain := newFakeChain()
	pub := newTestPublisher(t, chain)

	// The recipient registers under its own funded account.
	recipient, _ := stealth.DeriveUserKeys([]byte("test-seed-1"), stealth.DefaultContext)
	if _, err := pub.RegisterKeys(ctx, recipient.MetaAddress()); err != nil {
		t.Fatalf("Failed to register: %v", err)
	}

	svc := stealth.NewStealthService(stealth.DefaultServiceConfig())
	svc.SetSource(NewLogSource(chain, LogSourceConfig{}))
	svc.SetPublisher(pub)
	svc.SetRegistry(NewRegistryReader(chain, common.Address{}))

	res, err := svc.SendText(ctx, pub.From().Hex(), "hello over the ledger")
	if err != nil {
		t.Fatalf("Failed to send: %v", err)
	}
	if res.Recipient != recipient.MetaAddress().String() {
		t.Errorf("Resolved wrong recipient %s", res.Recipient)
	}

	id, err := svc.RegisterScanner(recipient)
	if err != nil {
		t.Fatalf("Failed to register scanner: %v", err)
	}
	msgs, err := svc.ScanRecent(ctx, id)
	if err != nil {
		t.Fatalf("Failed to scan: %v", err)
	}
	if len(msgs) != 1 || msgs[0].Payload.Text != "hello over the ledger" || msgs[0].TxHash != res.TxHash {
		t.Fatalf("Unexpected scan result %v", msgs)
	}
}
