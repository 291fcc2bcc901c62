// Copyright 2024 The Obsidian Authors
// This file is part of the Obsidian library.

package rpc

import (
	"context"
	"fmt"
	"runtime"
	"time"

	"github.com/capGoblin/whisper/backup"
	"github.com/capGoblin/whisper/health"
	"github.com/capGoblin/whisper/metrics"
	"github.com/capGoblin/whisper/params"
	"github.com/ethereum/go-ethereum/common"
)

// AdminBackend interface provides backend methods for admin RPC
type AdminBackend interface {
	Health() *health.Monitor
	// Backups returns the backup manager, or nil if backups are disabled
	Backups() *backup.Manager
	// Scanners returns the ids of the registered scanners
	Scanners() []common.Address
}

// Admin provides admin RPC methods
type Admin struct {
	backend AdminBackend
}

// NewAdmin creates a new admin RPC service
func NewAdmin(backend AdminBackend) *Admin {
	return &Admin{
		backend: backend,
	}
}

// Health runs all health checks and returns the report
func (a *Admin) Health(ctx context.Context) *health.Report {
	return a.backend.Health().Run(ctx)
}

// Metrics returns a snapshot of the client counters
func (a *Admin) Metrics() *metrics.Metrics {
	return metrics.GetGlobalRegistry().GetMetrics()
}

// NodeInfo represents node information
type NodeInfo struct {
	Name       string           `json:"name"`
	Version    string           `json:"version"`
	Standards  []int            `json:"standards"`
	Scanners   []common.Address `json:"scanners"`
	Uptime     string           `json:"uptime"`
	OS         string           `json:"os"`
	Arch       string           `json:"arch"`
	Goroutines int              `json:"goroutines"`
	MemoryMB   uint64           `json:"memoryMB"`
}

// NodeInfo returns node information
func (a *Admin) NodeInfo() *NodeInfo {
	var m runtime.MemStats
	runtime.ReadMemStats(&m)

	return &NodeInfo{
		Name:       params.ClientIdentifier,
		Version:    params.VersionWithMeta,
		Standards:  []int{params.StealthAddressERC, params.RegistryERC},
		Scanners:   a.backend.Scanners(),
		Uptime:     time.Since(startTime).Round(time.Second).String(),
		OS:         runtime.GOOS,
		Arch:       runtime.GOARCH,
		Goroutines: runtime.NumGoroutine(),
		MemoryMB:   m.Alloc / 1024 / 1024,
	}
}

// BackupInfo describes one backup archive
type BackupInfo struct {
	Name    string `json:"name"`
	Size    int64  `json:"size"`
	ModTime int64  `json:"modTime"`
}

// ListBackups lists the available backups, oldest first
func (a *Admin) ListBackups() ([]*BackupInfo, error) {
	mgr := a.backend.Backups()
	if mgr == nil {
		return nil, fmt.Errorf("backups are not configured")
	}
	files, err := mgr.List()
	if err != nil {
		return nil, err
	}
	result := make([]*BackupInfo, 0, len(files))
	for _, f := range files {
		result = append(result, &BackupInfo{Name: f.Name(), Size: f.Size(), ModTime: f.ModTime().Unix()})
	}
	return result, nil
}

// VersionInfo represents version information
type VersionInfo struct {
	Name      string `json:"name"`
	Version   string `json:"version"`
	GitCommit string `json:"gitCommit,omitempty"`
	OS        string `json:"os"`
	Arch      string `json:"arch"`
	GoVersion string `json:"goVersion"`
}

// GitCommit is set by the build
var GitCommit string

// Version returns version information
func (a *Admin) Version() *VersionInfo {
	return &VersionInfo{
		Name:      params.ClientIdentifier,
		Version:   params.VersionWithCommit(GitCommit),
		GitCommit: GitCommit,
		OS:        runtime.GOOS,
		Arch:      runtime.GOARCH,
		GoVersion: runtime.Version(),
	}
}

var startTime = time.Now()
