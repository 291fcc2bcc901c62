// Copyright 2024 The Obsidian Authors
// This file is part of the Obsidian library.

// Package metrics keeps process-wide counters for sending and scanning.
package metrics

import (
	"sync"
	"sync/atomic"
	"time"
)

// Metrics is a point-in-time snapshot of the registry.
type Metrics struct {
	// Scanning
	AnnouncementsScanned int64         `json:"announcementsScanned"`
	AnnouncementsSkipped int64         `json:"announcementsSkipped"`
	AnnouncementsInvalid int64         `json:"announcementsInvalid"`
	ViewTagMatches       int64         `json:"viewTagMatches"`
	DecryptionMisses     int64         `json:"decryptionMisses"`
	MessagesReceived     int64         `json:"messagesReceived"`
	LastScannedBlock     int64         `json:"lastScannedBlock"`
	ScanDuration         time.Duration `json:"scanDuration"`

	// Sending
	MessagesSent   int64 `json:"messagesSent"`
	PublishErrors  int64 `json:"publishErrors"`
	RegistryLookup int64 `json:"registryLookups"`

	// Ledger
	LogQueries      int64 `json:"logQueries"`
	LogQueryErrors  int64 `json:"logQueryErrors"`
	RPCRequestTotal int64 `json:"rpcRequests"`

	Uptime time.Duration `json:"uptime"`
}

// Counter is an atomic counter
type Counter struct {
	value int64
}

// NewCounter creates a new counter
func NewCounter() *Counter {
	return &Counter{}
}

// Inc increments the counter
func (c *Counter) Inc() {
	atomic.AddInt64(&c.value, 1)
}

// Add adds a value to the counter
func (c *Counter) Add(n int64) {
	atomic.AddInt64(&c.value, n)
}

// Get returns the current value
func (c *Counter) Get() int64 {
	return atomic.LoadInt64(&c.value)
}

// Reset resets the counter
func (c *Counter) Reset() {
	atomic.StoreInt64(&c.value, 0)
}

// Gauge is an atomic gauge
type Gauge struct {
	value int64
}

// NewGauge creates a new gauge
func NewGauge() *Gauge {
	return &Gauge{}
}

// Set sets the gauge value
func (g *Gauge) Set(v int64) {
	atomic.StoreInt64(&g.value, v)
}

// Get returns the current value
func (g *Gauge) Get() int64 {
	return atomic.LoadInt64(&g.value)
}

// histogramWindow is how many samples a Histogram retains.
const histogramWindow = 1000

// Histogram tracks the distribution of recent samples. Sum and count cover
// every sample ever recorded; min and max cover the retained window.
type Histogram struct {
	mu     sync.RWMutex
	values []int64
	sum    int64
	count  int64
}

// NewHistogram creates a new histogram
func NewHistogram() *Histogram {
	return &Histogram{values: make([]int64, 0, histogramWindow)}
}

// Record records a value
func (h *Histogram) Record(v int64) {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.values = append(h.values, v)
	h.sum += v
	h.count++
	if len(h.values) > histogramWindow {
		h.values = h.values[len(h.values)-histogramWindow:]
	}
}

// Mean returns the mean over all recorded values
func (h *Histogram) Mean() float64 {
	h.mu.RLock()
	defer h.mu.RUnlock()

	if h.count == 0 {
		return 0
	}
	return float64(h.sum) / float64(h.count)
}

// Sum returns the sum of all recorded values
func (h *Histogram) Sum() int64 {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.sum
}

// Min returns the smallest retained value
func (h *Histogram) Min() int64 {
	h.mu.RLock()
	defer h.mu.RUnlock()

	if len(h.values) == 0 {
		return 0
	}
	min := h.values[0]
	for _, v := range h.values[1:] {
		if v < min {
			min = v
		}
	}
	return min
}

// Max returns the largest retained value
func (h *Histogram) Max() int64 {
	h.mu.RLock()
	defer h.mu.RUnlock()

	var max int64
	for _, v := range h.values {
		if v > max {
			max = v
		}
	}
	return max
}

// Count returns the number of recorded values
func (h *Histogram) Count() int64 {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.count
}

// Reset drops all samples
func (h *Histogram) Reset() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.values = h.values[:0]
	h.sum, h.count = 0, 0
}

// MetricsRegistry holds all metrics
type MetricsRegistry struct {
	AnnouncementsScanned *Counter
	AnnouncementsSkipped *Counter
	AnnouncementsInvalid *Counter
	ViewTagMatches       *Counter
	DecryptionMisses     *Counter
	MessagesReceived     *Counter
	LastScannedBlock     *Gauge
	ScanTime             *Histogram

	MessagesSent    *Counter
	PublishErrors   *Counter
	RegistryLookups *Counter

	LogQueries     *Counter
	LogQueryErrors *Counter
	RPCRequests    *Counter

	startTime time.Time
}

// NewMetricsRegistry creates a new metrics registry
func NewMetricsRegistry() *MetricsRegistry {
	return &MetricsRegistry{
		AnnouncementsScanned: NewCounter(),
		AnnouncementsSkipped: NewCounter(),
		AnnouncementsInvalid: NewCounter(),
		ViewTagMatches:       NewCounter(),
		DecryptionMisses:     NewCounter(),
		MessagesReceived:     NewCounter(),
		LastScannedBlock:     NewGauge(),
		ScanTime:             NewHistogram(),
		MessagesSent:         NewCounter(),
		PublishErrors:        NewCounter(),
		RegistryLookups:      NewCounter(),
		LogQueries:           NewCounter(),
		LogQueryErrors:       NewCounter(),
		RPCRequests:          NewCounter(),
		startTime:            time.Now(),
	}
}

// GetMetrics returns a snapshot of current metrics
func (mr *MetricsRegistry) GetMetrics() *Metrics {
	return &Metrics{
		AnnouncementsScanned: mr.AnnouncementsScanned.Get(),
		AnnouncementsSkipped: mr.AnnouncementsSkipped.Get(),
		AnnouncementsInvalid: mr.AnnouncementsInvalid.Get(),
		ViewTagMatches:       mr.ViewTagMatches.Get(),
		DecryptionMisses:     mr.DecryptionMisses.Get(),
		MessagesReceived:     mr.MessagesReceived.Get(),
		LastScannedBlock:     mr.LastScannedBlock.Get(),
		ScanDuration:         time.Duration(mr.ScanTime.Mean()) * time.Millisecond,
		MessagesSent:         mr.MessagesSent.Get(),
		PublishErrors:        mr.PublishErrors.Get(),
		RegistryLookup:       mr.RegistryLookups.Get(),
		LogQueries:           mr.LogQueries.Get(),
		LogQueryErrors:       mr.LogQueryErrors.Get(),
		RPCRequestTotal:      mr.RPCRequests.Get(),
		Uptime:               time.Since(mr.startTime),
	}
}

// Reset resets all metrics
func (mr *MetricsRegistry) Reset() {
	for _, c := range []*Counter{
		mr.AnnouncementsScanned, mr.AnnouncementsSkipped, mr.AnnouncementsInvalid,
		mr.ViewTagMatches, mr.DecryptionMisses, mr.MessagesReceived,
		mr.MessagesSent, mr.PublishErrors, mr.RegistryLookups,
		mr.LogQueries, mr.LogQueryErrors, mr.RPCRequests,
	} {
		c.Reset()
	}
	mr.LastScannedBlock.Set(0)
	mr.ScanTime.Reset()
}

// Global metrics registry
var globalRegistry = NewMetricsRegistry()

// GetGlobalRegistry returns the global metrics registry
func GetGlobalRegistry() *MetricsRegistry {
	return globalRegistry
}

// Convenience functions using global registry

// RecordAnnouncementScanned records an announcement handed to a scanner
func RecordAnnouncementScanned() {
	globalRegistry.AnnouncementsScanned.Inc()
}

// RecordAnnouncementSkipped records an announcement of a foreign scheme
func RecordAnnouncementSkipped() {
	globalRegistry.AnnouncementsSkipped.Inc()
}

// RecordInvalidAnnouncement records a structurally malformed announcement
func RecordInvalidAnnouncement() {
	globalRegistry.AnnouncementsInvalid.Inc()
}

// RecordViewTagMatch records a view tag that matched the viewing key
func RecordViewTagMatch() {
	globalRegistry.ViewTagMatches.Inc()
}

// RecordDecryptionMiss records a view tag match that failed authentication
func RecordDecryptionMiss() {
	globalRegistry.DecryptionMisses.Inc()
}

// RecordMessageReceived records a decrypted message
func RecordMessageReceived() {
	globalRegistry.MessagesReceived.Inc()
}

// SetLastScannedBlock sets the scan checkpoint
func SetLastScannedBlock(n uint64) {
	globalRegistry.LastScannedBlock.Set(int64(n))
}

// RecordScanTime records how long one scan window took
func RecordScanTime(d time.Duration) {
	globalRegistry.ScanTime.Record(d.Milliseconds())
}

// RecordMessageSent records a published announcement
func RecordMessageSent() {
	globalRegistry.MessagesSent.Inc()
}

// RecordPublishError records a failed publish
func RecordPublishError() {
	globalRegistry.PublishErrors.Inc()
}

// RecordRegistryLookup records a registry lookup
func RecordRegistryLookup() {
	globalRegistry.RegistryLookups.Inc()
}

// RecordLogQuery records a log filter query and whether it failed
func RecordLogQuery(err error) {
	globalRegistry.LogQueries.Inc()
	if err != nil {
		globalRegistry.LogQueryErrors.Inc()
	}
}

// RecordRPCRequest records an RPC request
func RecordRPCRequest() {
	globalRegistry.RPCRequests.Inc()
}
