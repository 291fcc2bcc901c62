// Copyright 2024 The Obsidian Authors
// This file is part of the Obsidian library.

package stealth

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"iter"
	"runtime"
	"slices"
	"sync"
	"sync/atomic"

	"github.com/capGoblin/whisper/metrics"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/log"
	"golang.org/x/sync/errgroup"
)

// DecryptedMessage is an announcement the scanner proved belongs to its
// viewing key. It is derived on every scan and never stored by the scanner.
type DecryptedMessage struct {
	Content         string          `json:"content"`
	Payload         *Payload        `json:"payload"`
	StealthAddress  common.Address  `json:"stealthAddress"`
	EphemeralPubKey CompressedPoint `json:"ephemeralPubKey"`
	ViewTag         byte            `json:"viewTag"`

	BlockNumber uint64      `json:"blockNumber"`
	TxHash      common.Hash `json:"transactionHash"`
	LogIndex    uint64      `json:"logIndex"`
	Timestamp   int64       `json:"timestamp"`

	DecryptionSuccess bool `json:"decryptionSuccess"`
	// AddressVerified is set when the scanner knows the spending key and the
	// announced stealth address matches the one it recomputed.
	AddressVerified bool `json:"addressVerified"`
}

// ScanStats counts what a scanner has seen since it was created.
type ScanStats struct {
	Scanned    uint64 `json:"scanned"`
	Skipped    uint64 `json:"skipped"`
	Malformed  uint64 `json:"malformed"`
	TagMatches uint64 `json:"tagMatches"`
	Misses     uint64 `json:"misses"`
	Decrypted  uint64 `json:"decrypted"`
}

type scanCounters struct {
	scanned, skipped, malformed, tagMatches, misses, decrypted atomic.Uint64
}

// Scanner recognises announcements addressed to one viewing key. The keys
// are fixed at construction, so a Scanner may be shared between goroutines.
type Scanner struct {
	viewing  Scalar
	spending *CompressedPoint

	stats scanCounters
}

// NewScanner creates a scanner for a viewing key. Without a spending key the
// scanner can decrypt but cannot verify stealth addresses.
func NewScanner(viewing Scalar) (*Scanner, error) {
	if !viewing.Valid() {
		return nil, invalidFormat("viewing key out of range")
	}
	return &Scanner{viewing: viewing}, nil
}

// NewScannerForKeys creates a scanner that also verifies stealth addresses
// against the spending public key.
func NewScannerForKeys(keys *UserKeys) (*Scanner, error) {
	s, err := NewScanner(keys.Viewing.PrivateKey)
	if err != nil {
		return nil, err
	}
	spend := keys.Spending.PublicKey
	s.spending = &spend
	return s, nil
}

// MetaAddress returns the meta-address this scanner watches, or nil if it
// was built from a viewing key alone.
func (s *Scanner) MetaAddress() *StealthMetaAddress {
	if s.spending == nil {
		return nil
	}
	return &StealthMetaAddress{SpendingPubKey: *s.spending, ViewingPubKey: s.viewing.PublicKey()}
}

// Stats returns a snapshot of the scanner counters.
func (s *Scanner) Stats() ScanStats {
	return ScanStats{
		Scanned:    s.stats.scanned.Load(),
		Skipped:    s.stats.skipped.Load(),
		Malformed:  s.stats.malformed.Load(),
		TagMatches: s.stats.tagMatches.Load(),
		Misses:     s.stats.misses.Load(),
		Decrypted:  s.stats.decrypted.Load(),
	}
}

// Open processes one announcement. It returns (nil, nil) when the
// announcement is not for this scanner: a foreign scheme, a view tag
// mismatch or a decryption miss. Malformed input is an ErrInvalidFormat.
// A nil announcement is ignored.
func (s *Scanner) Open(ann *Announcement) (*DecryptedMessage, error) {
	if ann == nil {
		return nil, nil
	}
	s.stats.scanned.Add(1)
	metrics.RecordAnnouncementScanned()

	if ann.SchemeID != SchemeID {
		s.stats.skipped.Add(1)
		metrics.RecordAnnouncementSkipped()
		return nil, nil
	}
	ephPub, err := ParsePublicKey(ann.EphemeralPubKey)
	if err == nil && len(ann.Metadata) < MinMetadataLength {
		err = invalidFormat("metadata must be at least %d bytes, got %d", MinMetadataLength, len(ann.Metadata))
	}
	if err != nil {
		s.stats.malformed.Add(1)
		metrics.RecordInvalidAnnouncement()
		return nil, fmt.Errorf("announcement %s#%d: %w", ann.TxHash.TerminalString(), ann.LogIndex, err)
	}

	secret, err := ComputeSharedSecret(s.viewing, ephPub)
	if err != nil {
		s.stats.malformed.Add(1)
		metrics.RecordInvalidAnnouncement()
		return nil, fmt.Errorf("announcement %s#%d: %w", ann.TxHash.TerminalString(), ann.LogIndex, err)
	}
	defer secret.Zero()

	if ann.Metadata[0] != secret.ViewTag() {
		return nil, nil
	}
	s.stats.tagMatches.Add(1)
	metrics.RecordViewTagMatch()

	plaintext, err := DecryptPayload(ann.Metadata, secret)
	if errors.Is(err, ErrDecryptionMiss) {
		s.stats.misses.Add(1)
		metrics.RecordDecryptionMiss()
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	msg := &DecryptedMessage{
		Content:           string(plaintext),
		Payload:           DecodePayload(plaintext),
		StealthAddress:    ann.StealthAddress,
		EphemeralPubKey:   ephPub,
		ViewTag:           secret.ViewTag(),
		BlockNumber:       ann.BlockNumber,
		TxHash:            ann.TxHash,
		LogIndex:          ann.LogIndex,
		Timestamp:         int64(ann.BlockTime),
		DecryptionSuccess: true,
	}
	if msg.Payload.Timestamp != 0 {
		msg.Timestamp = msg.Payload.Timestamp
	}
	if s.spending != nil {
		spend, err := s.spending.decode()
		if err == nil {
			if pub, err := stealthPublicKey(spend, secret); err == nil {
				msg.AddressVerified = pubkeyToAddress(pub) == ann.StealthAddress
			}
		}
		if !msg.AddressVerified {
			log.Warn("Decrypted announcement with unexpected stealth address",
				"tx", ann.TxHash, "index", ann.LogIndex, "announced", ann.StealthAddress)
		}
	}
	s.stats.decrypted.Add(1)
	metrics.RecordMessageReceived()
	return msg, nil
}

// Scan lazily walks anns and yields every message for this scanner.
// Malformed announcements yield an ErrInvalidFormat error; the consumer may
// keep pulling past them. Breaking out of the loop or cancelling ctx stops
// the walk; a cancelled ctx yields ctx.Err() once.
func (s *Scanner) Scan(ctx context.Context, anns iter.Seq[*Announcement]) iter.Seq2[*DecryptedMessage, error] {
	return func(yield func(*DecryptedMessage, error) bool) {
		for ann := range anns {
			if err := ctx.Err(); err != nil {
				yield(nil, err)
				return
			}
			msg, err := s.Open(ann)
			if err != nil {
				if !yield(nil, err) {
					return
				}
				continue
			}
			if msg != nil && !yield(msg, nil) {
				return
			}
		}
	}
}

// ScanParallel shards anns across workers (GOMAXPROCS when workers <= 0).
// Output order is unspecified; use SortNewestFirst for display. Malformed
// announcements are counted and logged but do not fail the scan; the only
// error is cancellation.
func (s *Scanner) ScanParallel(ctx context.Context, anns []*Announcement, workers int) ([]*DecryptedMessage, error) {
	if workers <= 0 {
		workers = runtime.GOMAXPROCS(0)
	}
	if workers > len(anns) {
		workers = len(anns)
	}
	if workers <= 1 {
		return collect(ctx, s.Scan(ctx, slices.Values(anns)))
	}

	var (
		mu  sync.Mutex
		out []*DecryptedMessage
	)
	g, gctx := errgroup.WithContext(ctx)
	chunk := (len(anns) + workers - 1) / workers
	for start := 0; start < len(anns); start += chunk {
		shard := anns[start:min(start+chunk, len(anns))]
		g.Go(func() error {
			found, err := collect(gctx, s.Scan(gctx, slices.Values(shard)))
			if err != nil {
				return err
			}
			mu.Lock()
			out = append(out, found...)
			mu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return out, nil
}

// collect drains seq, dropping malformed-announcement errors.
func collect(ctx context.Context, seq iter.Seq2[*DecryptedMessage, error]) ([]*DecryptedMessage, error) {
	var out []*DecryptedMessage
	for msg, err := range seq {
		if err != nil {
			if ctxErr := ctx.Err(); ctxErr != nil && errors.Is(err, ctxErr) {
				return nil, err
			}
			log.Debug("Skipping malformed announcement", "err", err)
			continue
		}
		out = append(out, msg)
	}
	return out, nil
}

// Scan is a one-shot helper: it scans anns with viewingPriv and returns the
// matches newest first.
func Scan(ctx context.Context, anns []*Announcement, viewingPriv Scalar) ([]*DecryptedMessage, error) {
	s, err := NewScanner(viewingPriv)
	if err != nil {
		return nil, err
	}
	msgs, err := collect(ctx, s.Scan(ctx, slices.Values(anns)))
	if err != nil {
		return nil, err
	}
	SortNewestFirst(msgs)
	return msgs, nil
}

// SortNewestFirst orders messages by block, then log index, descending.
func SortNewestFirst(msgs []*DecryptedMessage) {
	slices.SortStableFunc(msgs, func(a, b *DecryptedMessage) int {
		if c := cmp.Compare(b.BlockNumber, a.BlockNumber); c != 0 {
			return c
		}
		if c := cmp.Compare(b.LogIndex, a.LogIndex); c != 0 {
			return c
		}
		return cmp.Compare(b.Timestamp, a.Timestamp)
	})
}
