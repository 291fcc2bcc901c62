// Copyright 2024 The Obsidian Authors
// This file is part of Obsidian.

package main

import (
	"crypto/ecdsa"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/capGoblin/whisper/accounts/keystore"
	"github.com/capGoblin/whisper/backup"
	"github.com/capGoblin/whisper/config"
	"github.com/capGoblin/whisper/ledger"
	"github.com/capGoblin/whisper/stealth"
	"github.com/capGoblin/whisper/store"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/urfave/cli/v2"
)

var (
	errNoPassword = errors.New("a key store password is required (--password, --password.file or WHISPER_PASSWORD)")
	errNoIdentity = errors.New("no identity found, create one with 'whisper keys generate'")
)

// readPassword returns the key store password from the flags
func readPassword(ctx *cli.Context) (string, error) {
	if ctx.IsSet(passwordFlag.Name) {
		return ctx.String(passwordFlag.Name), nil
	}
	if path := ctx.String(passwordFileFlag.Name); path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return "", fmt.Errorf("failed to read password file: %w", err)
		}
		return strings.TrimRight(string(data), "\r\n"), nil
	}
	return "", errNoPassword
}

// openDatabase opens the leveldb store under the data directory
func openDatabase(cfg *config.Config) (*store.Database, error) {
	dir, err := cfg.GetDataDir()
	if err != nil {
		return nil, err
	}
	return store.NewDatabase(filepath.Join(dir, backup.DatabaseDir))
}

// openKeyStore returns the configured identity store. db is only used by
// the database-backed store and may be nil otherwise.
func openKeyStore(ctx *cli.Context, cfg *config.Config, db *store.Database) (stealth.KeyStore, error) {
	password, err := readPassword(ctx)
	if err != nil {
		return nil, err
	}
	if cfg.Keys.Store == "db" {
		if db == nil {
			return nil, errors.New("database key store needs an open database")
		}
		return store.NewKeyStore(db, password, cfg.ScryptParams()), nil
	}
	path, err := cfg.GetKeyFile()
	if err != nil {
		return nil, err
	}
	return keystore.NewFileKeyStore(path, password, cfg.ScryptParams()), nil
}

// loadIdentity loads the stored identity, failing if there is none
func loadIdentity(ctx *cli.Context, cfg *config.Config, db *store.Database) (*stealth.UserKeys, error) {
	ks, err := openKeyStore(ctx, cfg, db)
	if err != nil {
		return nil, err
	}
	keys, err := ks.Load()
	if err != nil {
		return nil, fmt.Errorf("failed to load identity: %w", err)
	}
	if keys == nil {
		return nil, errNoIdentity
	}
	return keys, nil
}

// loadSigner reads the transaction signing key
func loadSigner(cfg *config.Config) (*ecdsa.PrivateKey, error) {
	if cfg.Ledger.SignerKey == "" {
		return nil, ledger.ErrNoSigner
	}
	path, err := config.ExpandPath(cfg.Ledger.SignerKey)
	if err != nil {
		return nil, err
	}
	key, err := crypto.LoadECDSA(path)
	if err != nil {
		return nil, fmt.Errorf("failed to load signer key: %w", err)
	}
	return key, nil
}

// newTxPublisher creates a publisher for the configured signer
func newTxPublisher(cfg *config.Config, client ledger.TxBackend) (*ledger.TxPublisher, error) {
	key, err := loadSigner(cfg)
	if err != nil {
		return nil, err
	}
	pcfg, err := cfg.PublisherConfig()
	if err != nil {
		return nil, err
	}
	return ledger.NewTxPublisher(client, key, pcfg)
}

// dialLedger connects to the configured ledger
func dialLedger(ctx *cli.Context, cfg *config.Config) (*ethclient.Client, error) {
	client, err := ledger.Dial(ctx.Context, cfg.Ledger.URL, cfg.Ledger.ChainID)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to %s: %w", cfg.Ledger.URL, err)
	}
	return client, nil
}

// newService wires a stealth service to the ledger. The publisher is only
// attached when withPublisher is set.
func newService(cfg *config.Config, client ledger.Backend, withPublisher bool) (*stealth.StealthService, *ledger.LogSource, error) {
	svc := stealth.NewStealthService(cfg.ServiceConfig())
	source := ledger.NewLogSource(client, cfg.LogSourceConfig())
	svc.SetSource(source)
	svc.SetRegistry(ledger.NewRegistryReader(client, common.HexToAddress(cfg.Ledger.Registry)))
	if withPublisher {
		pub, err := newTxPublisher(cfg, client)
		if err != nil {
			return nil, nil, err
		}
		svc.SetPublisher(pub)
	}
	return svc, source, nil
}
