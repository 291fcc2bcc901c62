// Copyright 2024 The Obsidian Authors
// This file is part of the Obsidian library.

package ledger

import (
	"context"
	"errors"
	"math/big"
	"time"

	"github.com/capGoblin/whisper/metrics"
	"github.com/capGoblin/whisper/stealth"
	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/log"
	"golang.org/x/time/rate"
)

const (
	// DefaultMaxBlockRange bounds a single eth_getLogs query.
	DefaultMaxBlockRange = 1000
	// DefaultQueryRate is the number of log queries per second.
	DefaultQueryRate = 5
)

// LogSourceConfig configures a LogSource.
type LogSourceConfig struct {
	Announcer     common.Address
	MaxBlockRange uint64
	QueryRate     float64 // queries per second, <= 0 disables throttling
	BlockTimes    bool    // fetch block headers to fill Announcement.BlockTime
}

// LogSource reads announcements from Announcement event logs. It implements
// stealth.AnnouncementSource.
type LogSource struct {
	backend LogBackend
	cfg     LogSourceConfig
	limiter *rate.Limiter
}

var _ stealth.AnnouncementSource = (*LogSource)(nil)

// NewLogSource creates a log-backed announcement source.
func NewLogSource(backend LogBackend, cfg LogSourceConfig) *LogSource {
	if cfg.Announcer == (common.Address{}) {
		cfg.Announcer = DefaultAnnouncerAddress
	}
	if cfg.MaxBlockRange == 0 {
		cfg.MaxBlockRange = DefaultMaxBlockRange
	}
	limiter := rate.NewLimiter(rate.Inf, 1)
	if cfg.QueryRate > 0 {
		limiter = rate.NewLimiter(rate.Limit(cfg.QueryRate), 1)
	}
	return &LogSource{backend: backend, cfg: cfg, limiter: limiter}
}

// LatestBlock implements stealth.AnnouncementSource.
func (s *LogSource) LatestBlock(ctx context.Context) (uint64, error) {
	return s.backend.BlockNumber(ctx)
}

// FetchAnnouncements implements stealth.AnnouncementSource. The range is split
// into chunks of at most MaxBlockRange blocks; results are in ledger order.
// Logs removed by a reorg and logs that are not announcements are dropped.
func (s *LogSource) FetchAnnouncements(ctx context.Context, from, to uint64) ([]*stealth.Announcement, error) {
	var (
		anns  []*stealth.Announcement
		times = make(map[uint64]uint64)
	)
	for start := from; start <= to; {
		end := min(to, start+s.cfg.MaxBlockRange-1)
		if err := s.limiter.Wait(ctx); err != nil {
			return nil, err
		}
		began := time.Now()
		logs, err := s.backend.FilterLogs(ctx, ethereum.FilterQuery{
			FromBlock: new(big.Int).SetUint64(start),
			ToBlock:   new(big.Int).SetUint64(end),
			Addresses: []common.Address{s.cfg.Announcer},
			Topics:    [][]common.Hash{{AnnouncementTopic}},
		})
		metrics.RecordLogQuery(err)
		if err != nil {
			return nil, err
		}
		log.Trace("Fetched announcement logs", "from", start, "to", end, "logs", len(logs), "elapsed", time.Since(began))

		for i := range logs {
			if logs[i].Removed {
				continue
			}
			ann, err := UnpackAnnouncement(&logs[i])
			if err != nil {
				if !errors.Is(err, ErrNotAnnouncement) {
					log.Debug("Dropping undecodable announcement", "tx", logs[i].TxHash, "index", logs[i].Index, "err", err)
				}
				continue
			}
			if s.cfg.BlockTimes {
				if ann.BlockTime, err = s.blockTime(ctx, times, ann.BlockNumber); err != nil {
					return nil, err
				}
			}
			anns = append(anns, ann)
		}
		if end == to {
			break
		}
		start = end + 1
	}
	return anns, nil
}

func (s *LogSource) blockTime(ctx context.Context, cache map[uint64]uint64, number uint64) (uint64, error) {
	if t, ok := cache[number]; ok {
		return t, nil
	}
	if err := s.limiter.Wait(ctx); err != nil {
		return 0, err
	}
	header, err := s.backend.HeaderByNumber(ctx, new(big.Int).SetUint64(number))
	if err != nil {
		return 0, err
	}
	cache[number] = header.Time
	return header.Time, nil
}
