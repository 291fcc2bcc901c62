// Copyright 2024 The Obsidian Authors
// This file is part of the Obsidian library.

// Package health reports whether the ledger connection, the scan loop and
// the local database are working.
package health

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"
)

// Status represents the overall health of the client
type Status string

const (
	StatusHealthy   Status = "healthy"
	StatusDegraded  Status = "degraded"
	StatusUnhealthy Status = "unhealthy"
)

// checkTimeout bounds a single check
const checkTimeout = 5 * time.Second

// Check represents a single health check
type Check interface {
	Name() string
	Check(ctx context.Context) error
}

// CheckResult represents the result of a health check
type CheckResult struct {
	Name      string        `json:"name"`
	Healthy   bool          `json:"healthy"`
	Critical  bool          `json:"critical"`
	Error     string        `json:"error,omitempty"`
	Duration  time.Duration `json:"duration"`
	Timestamp time.Time     `json:"timestamp"`
}

// Report is the outcome of one Run
type Report struct {
	Status Status         `json:"status"`
	Checks []*CheckResult `json:"checks"`
}

type registered struct {
	check    Check
	critical bool
}

// Monitor runs registered checks. A failing critical check makes the client
// unhealthy; any other failure only degrades it.
type Monitor struct {
	mu     sync.RWMutex
	checks map[string]registered
	last   *Report
}

// New creates a new health monitor
func New() *Monitor {
	return &Monitor{
		checks: make(map[string]registered),
		last:   &Report{Status: StatusHealthy},
	}
}

// Register registers a health check, replacing one of the same name
func (m *Monitor) Register(check Check, critical bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.checks[check.Name()] = registered{check: check, critical: critical}
}

// Run runs all checks concurrently and returns the report sorted by name
func (m *Monitor) Run(ctx context.Context) *Report {
	m.mu.RLock()
	checks := make([]registered, 0, len(m.checks))
	for _, c := range m.checks {
		checks = append(checks, c)
	}
	m.mu.RUnlock()

	results := make([]*CheckResult, len(checks))
	var wg sync.WaitGroup
	for i, c := range checks {
		wg.Add(1)
		go func() {
			defer wg.Done()
			results[i] = run(ctx, c)
		}()
	}
	wg.Wait()
	sort.Slice(results, func(i, j int) bool { return results[i].Name < results[j].Name })

	report := &Report{Status: StatusHealthy, Checks: results}
	for _, r := range results {
		switch {
		case r.Healthy:
		case r.Critical:
			report.Status = StatusUnhealthy
		case report.Status == StatusHealthy:
			report.Status = StatusDegraded
		}
	}

	m.mu.Lock()
	m.last = report
	m.mu.Unlock()
	return report
}

func run(ctx context.Context, c registered) *CheckResult {
	start := time.Now()
	checkCtx, cancel := context.WithTimeout(ctx, checkTimeout)
	defer cancel()

	err := c.check.Check(checkCtx)
	result := &CheckResult{
		Name:      c.check.Name(),
		Healthy:   err == nil,
		Critical:  c.critical,
		Duration:  time.Since(start),
		Timestamp: time.Now(),
	}
	if err != nil {
		result.Error = err.Error()
	}
	return result
}

// GetStatus returns the status of the last run
func (m *Monitor) GetStatus() Status {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.last.Status
}

// LastReport returns the last report
func (m *Monitor) LastReport() *Report {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.last
}

// LedgerCheck fails when the ledger can't be reached or its head has not
// moved for StallAfter.
type LedgerCheck struct {
	LatestBlock func(ctx context.Context) (uint64, error)
	StallAfter  time.Duration

	mu       sync.Mutex
	head     uint64
	headSeen time.Time
}

// Name implements Check
func (c *LedgerCheck) Name() string {
	return "ledger"
}

// Check implements Check
func (c *LedgerCheck) Check(ctx context.Context) error {
	head, err := c.LatestBlock(ctx)
	if err != nil {
		return err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	now := time.Now()
	if head != c.head || c.headSeen.IsZero() {
		c.head, c.headSeen = head, now
		return nil
	}
	if c.StallAfter > 0 && now.Sub(c.headSeen) > c.StallAfter {
		return NewHealthError(fmt.Sprintf("ledger head stuck at %d for %v", head, now.Sub(c.headSeen).Round(time.Second)))
	}
	return nil
}

// ScanLagCheck fails when the scan loop falls more than MaxLag blocks behind
// the ledger head.
type ScanLagCheck struct {
	LatestBlock func(ctx context.Context) (uint64, error)
	LastScanned func() uint64
	MaxLag      uint64
}

// Name implements Check
func (c *ScanLagCheck) Name() string {
	return "scan"
}

// Check implements Check
func (c *ScanLagCheck) Check(ctx context.Context) error {
	head, err := c.LatestBlock(ctx)
	if err != nil {
		return err
	}
	scanned := c.LastScanned()
	if head > scanned && head-scanned > c.MaxLag {
		return NewHealthError(fmt.Sprintf("scan is %d blocks behind", head-scanned))
	}
	return nil
}

// DatabaseCheck probes the local database
type DatabaseCheck struct {
	Probe func() error
}

// Name implements Check
func (c *DatabaseCheck) Name() string {
	return "database"
}

// Check implements Check
func (c *DatabaseCheck) Check(ctx context.Context) error {
	return c.Probe()
}

// HealthError represents a health check error
type HealthError struct {
	message string
}

// NewHealthError creates a new health error
func NewHealthError(msg string) *HealthError {
	return &HealthError{message: msg}
}

// Error implements the error interface
func (e *HealthError) Error() string {
	return e.message
}
