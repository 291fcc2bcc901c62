// Copyright 2024 The Obsidian Authors
// This file is part of the Obsidian library.

package stealth

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/capGoblin/whisper/metrics"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/log"
)

var (
	ErrScannerExists       = errors.New("scanner already exists for this meta-address")
	ErrScannerNotFound     = errors.New("scanner not found for this meta-address")
	ErrSourceRequired      = errors.New("announcement source required")
	ErrPublisherRequired   = errors.New("publisher required")
	ErrRegistryRequired    = errors.New("registry required to resolve plain addresses")
	ErrRecipientUnresolved = errors.New("recipient has no registered meta-address")
	ErrAlreadyRunning      = errors.New("auto-scan already running")
)

// DefaultScanWindow is how many recent blocks ScanRecent covers.
const DefaultScanWindow = 1000

// ServiceConfig tunes the service.
type ServiceConfig struct {
	// ScanWindow is the number of blocks covered by ScanRecent and by the
	// first auto-scan pass of a scanner without a checkpoint
	ScanWindow uint64
	// PollInterval is the auto-scan period
	PollInterval time.Duration
	// Workers bounds parallel scanning; 0 means GOMAXPROCS
	Workers int
}

// DefaultServiceConfig returns the defaults used by the CLI.
func DefaultServiceConfig() ServiceConfig {
	return ServiceConfig{
		ScanWindow:   DefaultScanWindow,
		PollInterval: 15 * time.Second,
	}
}

// SendResult describes a published message.
type SendResult struct {
	TxHash          common.Hash     `json:"transactionHash"`
	StealthAddress  common.Address  `json:"stealthAddress"`
	EphemeralPubKey CompressedPoint `json:"ephemeralPubKey"`
	ViewTag         hexutil.Uint64  `json:"viewTag"`
	Metadata        hexutil.Bytes   `json:"metadata"`
	Recipient       string          `json:"recipient"`
}

// StealthService ties the engine to its collaborators: it resolves
// recipients and publishes on the sending side, and runs registered
// scanners over ledger windows on the receiving side.
type StealthService struct {
	cfg ServiceConfig
	gen *Generator

	mu          sync.RWMutex
	scanners    map[common.Address]*Scanner // keyed by spending public key address
	source      AnnouncementSource
	publisher   Publisher
	registry    Registry
	checkpoints Checkpointer
	inbox       Inbox
	running     bool

	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// NewStealthService creates a new stealth service
func NewStealthService(cfg ServiceConfig) *StealthService {
	if cfg.ScanWindow == 0 {
		cfg.ScanWindow = DefaultScanWindow
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = DefaultServiceConfig().PollInterval
	}
	return &StealthService{
		cfg:      cfg,
		gen:      NewGenerator(nil),
		scanners: make(map[common.Address]*Scanner),
		stopCh:   make(chan struct{}),
	}
}

// SetSource sets where announcements are read from
func (s *StealthService) SetSource(src AnnouncementSource) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.source = src
}

// SetPublisher sets where announcements are submitted
func (s *StealthService) SetPublisher(p Publisher) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.publisher = p
}

// SetRegistry sets the meta-address registry
func (s *StealthService) SetRegistry(r Registry) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.registry = r
}

// SetStore sets checkpoint and inbox persistence for auto-scan
func (s *StealthService) SetStore(cp Checkpointer, inbox Inbox) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.checkpoints = cp
	s.inbox = inbox
}

// RegisterScanner registers a scanner for keys and returns its id, the
// address of the spending public key.
func (s *StealthService) RegisterScanner(keys *UserKeys) (common.Address, error) {
	if keys == nil {
		return common.Address{}, fmt.Errorf("%w: no keys", ErrKeyDerivation)
	}
	scanner, err := NewScannerForKeys(keys)
	if err != nil {
		return common.Address{}, err
	}
	id, err := keys.Spending.PublicKey.Address()
	if err != nil {
		return common.Address{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.scanners[id]; exists {
		return id, ErrScannerExists
	}
	s.scanners[id] = scanner

	log.Info("Stealth scanner registered", "id", id.Hex())
	return id, nil
}

// UnregisterScanner removes a scanner
func (s *StealthService) UnregisterScanner(id common.Address) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.scanners[id]; !exists {
		return ErrScannerNotFound
	}
	delete(s.scanners, id)
	log.Info("Stealth scanner unregistered", "id", id.Hex())
	return nil
}

// GetScanner returns a scanner by id
func (s *StealthService) GetScanner(id common.Address) (*Scanner, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	scanner, exists := s.scanners[id]
	if !exists {
		return nil, ErrScannerNotFound
	}
	return scanner, nil
}

// ListScanners returns all registered scanner ids in ascending order
func (s *StealthService) ListScanners() []common.Address {
	s.mu.RLock()
	defer s.mu.RUnlock()

	ids := make([]common.Address, 0, len(s.scanners))
	for id := range s.scanners {
		ids = append(ids, id)
	}
	slices.SortFunc(ids, func(a, b common.Address) int { return a.Cmp(b) })
	return ids
}

// ResolveRecipient accepts either a formatted meta-address or a 0x address
// registered in the ERC-6538 registry.
func (s *StealthService) ResolveRecipient(ctx context.Context, recipient string) (*StealthMetaAddress, error) {
	recipient = strings.TrimSpace(recipient)
	switch {
	case strings.HasPrefix(recipient, "st:"):
		meta, err := ParseMetaAddress(recipient)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidRecipientMetaAddress, err)
		}
		return meta, nil

	case common.IsHexAddress(recipient):
		s.mu.RLock()
		registry := s.registry
		s.mu.RUnlock()
		if registry == nil {
			return nil, ErrRegistryRequired
		}
		metrics.RecordRegistryLookup()
		meta, err := registry.LookupMetaAddress(ctx, common.HexToAddress(recipient))
		if err != nil {
			return nil, err
		}
		if meta == nil {
			return nil, fmt.Errorf("%w: %s", ErrRecipientUnresolved, recipient)
		}
		return meta, nil
	}
	return nil, invalidFormat("recipient %q is neither a meta-address nor an address", recipient)
}

// Send encrypts payload for recipient and publishes the announcement.
func (s *StealthService) Send(ctx context.Context, recipient string, payload *Payload) (*SendResult, error) {
	s.mu.RLock()
	publisher := s.publisher
	s.mu.RUnlock()
	if publisher == nil {
		return nil, ErrPublisherRequired
	}
	if payload == nil {
		return nil, ErrEmptyMessage
	}

	meta, err := s.ResolveRecipient(ctx, recipient)
	if err != nil {
		return nil, err
	}
	plaintext, err := payload.Encode()
	if err != nil {
		return nil, err
	}
	ann, sa, err := s.gen.SealAnnouncement(meta, plaintext)
	if err != nil {
		return nil, err
	}
	sa.SharedSecret.Zero()

	hash, err := publisher.Publish(ctx, ann)
	if err != nil {
		metrics.RecordPublishError()
		return nil, err
	}
	metrics.RecordMessageSent()
	log.Info("Stealth message published", "tx", hash, "stealth", sa.Address, "viewtag", sa.ViewTag)

	return &SendResult{
		TxHash:          hash,
		StealthAddress:  sa.Address,
		EphemeralPubKey: sa.EphemeralPubKey,
		ViewTag:         hexutil.Uint64(sa.ViewTag),
		Metadata:        ann.Metadata,
		Recipient:       meta.String(),
	}, nil
}

// SendText validates text and sends it as a message payload.
func (s *StealthService) SendText(ctx context.Context, recipient, text string) (*SendResult, error) {
	payload, err := NewTextPayload(text, time.Now().Unix())
	if err != nil {
		return nil, err
	}
	return s.Send(ctx, recipient, payload)
}

// ScanRange scans [from, to] for one registered scanner and returns its
// messages newest first.
func (s *StealthService) ScanRange(ctx context.Context, id common.Address, from, to uint64) ([]*DecryptedMessage, error) {
	scanner, err := s.GetScanner(id)
	if err != nil {
		return nil, err
	}
	src, err := s.getSource()
	if err != nil {
		return nil, err
	}
	if from > to {
		return nil, fmt.Errorf("invalid block range [%d, %d]", from, to)
	}

	start := time.Now()
	anns, err := src.FetchAnnouncements(ctx, from, to)
	if err != nil {
		return nil, err
	}
	msgs, err := scanner.ScanParallel(ctx, anns, s.cfg.Workers)
	if err != nil {
		return nil, err
	}
	SortNewestFirst(msgs)
	metrics.RecordScanTime(time.Since(start))

	log.Debug("Scanned announcement window", "id", id, "from", from, "to", to,
		"announcements", len(anns), "messages", len(msgs), "elapsed", time.Since(start))
	return msgs, nil
}

// ScanRecent scans the last ScanWindow blocks.
func (s *StealthService) ScanRecent(ctx context.Context, id common.Address) ([]*DecryptedMessage, error) {
	src, err := s.getSource()
	if err != nil {
		return nil, err
	}
	latest, err := src.LatestBlock(ctx)
	if err != nil {
		return nil, err
	}
	return s.ScanRange(ctx, id, windowStart(latest, s.cfg.ScanWindow), latest)
}

func (s *StealthService) getSource() (AnnouncementSource, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.source == nil {
		return nil, ErrSourceRequired
	}
	return s.source, nil
}

func windowStart(latest, window uint64) uint64 {
	if window == 0 || latest < window {
		return 0
	}
	return latest - window + 1
}

// StartAutoScan polls the source and scans new blocks for every registered
// scanner, storing messages in the inbox and advancing checkpoints.
func (s *StealthService) StartAutoScan(ctx context.Context) error {
	if _, err := s.getSource(); err != nil {
		return err
	}
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return ErrAlreadyRunning
	}
	s.running = true
	s.mu.Unlock()

	s.wg.Add(1)
	go s.autoScanLoop(ctx)
	log.Info("Stealth auto-scan started", "interval", s.cfg.PollInterval, "window", s.cfg.ScanWindow)
	return nil
}

// Stop stops auto-scanning and waits for the loop to exit
func (s *StealthService) Stop() {
	s.stopOnce.Do(func() { close(s.stopCh) })
	s.wg.Wait()
	log.Info("Stealth service stopped")
}

func (s *StealthService) autoScanLoop(ctx context.Context) {
	defer s.wg.Done()
	defer func() {
		s.mu.Lock()
		s.running = false
		s.mu.Unlock()
	}()

	ticker := time.NewTicker(s.cfg.PollInterval)
	defer ticker.Stop()

	for {
		if _, err := s.ScanOnce(ctx); err != nil && ctx.Err() == nil {
			log.Warn("Auto-scan failed", "err", err)
		}
		select {
		case <-ctx.Done():
			return
		case <-s.stopCh:
			return
		case <-ticker.C:
		}
	}
}

// ScanOnce runs one auto-scan pass: every scanner is advanced from its
// checkpoint (or the recent window) to the head. It returns the new
// messages per scanner.
func (s *StealthService) ScanOnce(ctx context.Context) (map[common.Address][]*DecryptedMessage, error) {
	src, err := s.getSource()
	if err != nil {
		return nil, err
	}
	s.mu.RLock()
	scanners := make(map[common.Address]*Scanner, len(s.scanners))
	for id, scanner := range s.scanners {
		scanners[id] = scanner
	}
	checkpoints, inbox := s.checkpoints, s.inbox
	s.mu.RUnlock()

	if len(scanners) == 0 {
		return nil, nil
	}
	latest, err := src.LatestBlock(ctx)
	if err != nil {
		return nil, err
	}

	// Work out each scanner's start block and fetch the union once.
	starts := make(map[common.Address]uint64, len(scanners))
	lowest := latest + 1
	for id := range scanners {
		start := windowStart(latest, s.cfg.ScanWindow)
		if checkpoints != nil {
			last, ok, err := checkpoints.LastScanned(id)
			if err != nil {
				return nil, err
			}
			if ok {
				start = last + 1
			}
		}
		starts[id] = start
		lowest = min(lowest, start)
	}
	if lowest > latest {
		return nil, nil
	}

	begin := time.Now()
	anns, err := src.FetchAnnouncements(ctx, lowest, latest)
	if err != nil {
		return nil, err
	}

	results := make(map[common.Address][]*DecryptedMessage)
	for id, scanner := range scanners {
		window := anns
		if starts[id] > lowest {
			window = slices.DeleteFunc(slices.Clone(anns), func(a *Announcement) bool {
				return a.BlockNumber < starts[id]
			})
		}
		msgs, err := scanner.ScanParallel(ctx, window, s.cfg.Workers)
		if err != nil {
			return nil, err
		}
		SortNewestFirst(msgs)
		for _, msg := range msgs {
			if inbox == nil {
				break
			}
			added, err := inbox.Put(id, msg)
			if err != nil {
				return nil, err
			}
			if added {
				log.Info("Stealth message received", "scanner", id, "tx", msg.TxHash, "block", msg.BlockNumber)
			}
		}
		if checkpoints != nil {
			if err := checkpoints.SetLastScanned(id, latest); err != nil {
				return nil, err
			}
		}
		if len(msgs) > 0 {
			results[id] = msgs
		}
	}
	metrics.SetLastScannedBlock(latest)
	metrics.RecordScanTime(time.Since(begin))
	return results, nil
}
