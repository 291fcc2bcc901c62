// Copyright 2024 The Obsidian Authors
// This file is part of Obsidian.

package main

import (
	"context"
	"errors"
	"time"

	"github.com/capGoblin/whisper/backup"
	"github.com/capGoblin/whisper/config"
	"github.com/capGoblin/whisper/health"
	"github.com/capGoblin/whisper/metrics"
	"github.com/capGoblin/whisper/node"
	whisperrpc "github.com/capGoblin/whisper/rpc"
	"github.com/capGoblin/whisper/shutdown"
	"github.com/capGoblin/whisper/stealth"
	"github.com/capGoblin/whisper/store"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/log"
	"github.com/urfave/cli/v2"
)

const (
	shutdownTimeout = 30 * time.Second
	ledgerStall     = 5 * time.Minute
	maxBackups      = 10
)

// watchCommand scans continuously and stores messages in the inbox
var watchCommand = &cli.Command{
	Name:   "watch",
	Usage:  "Scan new blocks continuously and store messages in the inbox",
	Action: func(ctx *cli.Context) error { return runDaemon(ctx, false) },
}

// serveCommand runs the daemon with the JSON-RPC endpoint
var serveCommand = &cli.Command{
	Name:  "serve",
	Usage: "Run the daemon with the JSON-RPC endpoint",
	Flags: []cli.Flag{
		&cli.StringFlag{Name: "http.addr", Usage: "RPC listen address (overrides the config)"},
		&cli.IntFlag{Name: "http.port", Usage: "RPC listen port (overrides the config)"},
	},
	Action: func(ctx *cli.Context) error { return runDaemon(ctx, true) },
}

// daemonBackend serves the RPC API from the running daemon
type daemonBackend struct {
	svc     *stealth.StealthService
	keys    *stealth.UserKeys
	inbox   *store.Store
	node    *node.Node
	backups *backup.Manager
}

func (b *daemonBackend) Service() *stealth.StealthService { return b.svc }
func (b *daemonBackend) Identity() *stealth.UserKeys      { return b.keys }
func (b *daemonBackend) Health() *health.Monitor          { return b.node.Health() }
func (b *daemonBackend) Backups() *backup.Manager         { return b.backups }
func (b *daemonBackend) Scanners() []common.Address       { return b.svc.ListScanners() }

func (b *daemonBackend) Mailbox() whisperrpc.Mailbox {
	if b.inbox == nil {
		return nil
	}
	return b.inbox
}

// autoScan runs the service's scan loop as a node lifecycle
type autoScan struct {
	svc    *stealth.StealthService
	cancel context.CancelFunc
}

func (a *autoScan) Start() error {
	ctx, cancel := context.WithCancel(context.Background())
	if err := a.svc.StartAutoScan(ctx); err != nil {
		cancel()
		return err
	}
	a.cancel = cancel
	return nil
}

func (a *autoScan) Stop() error {
	if a.cancel != nil {
		a.cancel()
	}
	a.svc.Stop()
	return nil
}

func nodeConfig(ctx *cli.Context, cfg *config.Config, withRPC bool) node.Config {
	var nc node.Config
	if withRPC {
		nc.HTTPHost = cfg.RPC.Address
		nc.HTTPPort = cfg.RPC.Port
		if ctx.IsSet("http.addr") {
			nc.HTTPHost = ctx.String("http.addr")
		}
		if ctx.IsSet("http.port") {
			nc.HTTPPort = ctx.Int("http.port")
		}
		nc.HTTPCors = cfg.RPC.CORS
		nc.HTTPVirtualHosts = cfg.RPC.VHosts
		nc.WSOrigins = cfg.RPC.CORS
	}
	if cfg.Metrics.Enabled {
		nc.MetricsHost = cfg.Metrics.Address
		nc.MetricsPort = cfg.Metrics.Port
	}
	return nc
}

// runDaemon scans continuously until interrupted. With withRPC the
// whisper and admin APIs are served as well.
func runDaemon(ctx *cli.Context, withRPC bool) error {
	cfg := configFrom(ctx)
	sm := shutdown.New(shutdownTimeout)

	db, err := openDatabase(cfg)
	if err != nil {
		return err
	}
	sm.RegisterFunc("database", func(context.Context) error { return db.Close() })

	keys, err := loadIdentity(ctx, cfg, db)
	if err != nil && !(withRPC && errors.Is(err, errNoIdentity)) {
		sm.Shutdown()
		return err
	}

	client, err := dialLedger(ctx, cfg)
	if err != nil {
		sm.Shutdown()
		return err
	}
	sm.RegisterFunc("ledger", func(context.Context) error {
		client.Close()
		return nil
	})

	_, signerErr := loadSigner(cfg)
	svc, source, err := newService(cfg, client, signerErr == nil)
	if err != nil {
		sm.Shutdown()
		return err
	}
	inbox := store.New(db)
	svc.SetStore(inbox, inbox)

	dataDir, _ := cfg.GetDataDir()
	keyFile := ""
	if cfg.Keys.Store == "file" {
		keyFile, _ = cfg.GetKeyFile()
	}
	n := node.New(nodeConfig(ctx, cfg, withRPC))
	n.Health().Register(&health.LedgerCheck{LatestBlock: source.LatestBlock, StallAfter: ledgerStall}, true)
	n.Health().Register(&health.DatabaseCheck{Probe: func() error {
		_, err := db.Has([]byte("health"))
		return err
	}}, true)

	if keys != nil {
		if _, err := svc.RegisterScanner(keys); err != nil {
			sm.Shutdown()
			return err
		}
		sm.RegisterFunc("identity", func(context.Context) error {
			keys.Zero()
			return nil
		})
		n.RegisterLifecycle(&autoScan{svc: svc})
		n.Health().Register(&health.ScanLagCheck{
			LatestBlock: source.LatestBlock,
			LastScanned: func() uint64 { return uint64(metrics.GetGlobalRegistry().LastScannedBlock.Get()) },
			MaxLag:      cfg.Scan.Window,
		}, false)
	} else {
		log.Warn("No identity loaded, serving send-only API")
	}
	if signerErr != nil {
		log.Warn("No transaction signer, sending is disabled", "err", signerErr)
	}

	if withRPC {
		backend := &daemonBackend{
			svc:     svc,
			keys:    keys,
			inbox:   inbox,
			node:    n,
			backups: backup.New(dataDir, keyFile, maxBackups),
		}
		n.RegisterAPIs(whisperrpc.GetAPIs(backend, backend))
	}
	if err := n.Start(); err != nil {
		sm.Shutdown()
		return err
	}
	sm.RegisterFunc("node", func(context.Context) error { return n.Stop() })

	log.Info("Whisper daemon running", "rpc", n.Endpoint("rpc"), "metrics", n.Endpoint("metrics"), "scanners", len(svc.ListScanners()))
	return sm.Run(ctx.Context)
}
