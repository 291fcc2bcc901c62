// Copyright 2024 The Obsidian Authors
// This file is part of Obsidian.

// whisper is the command-line client for stealth-address messaging.
package main

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"runtime"

	"github.com/capGoblin/whisper/config"
	"github.com/capGoblin/whisper/params"
	whisperrpc "github.com/capGoblin/whisper/rpc"
	"github.com/ethereum/go-ethereum/log"
	"github.com/urfave/cli/v2"
)

var (
	// Git SHA1 commit hash of the release (set via linker flags)
	gitCommit = ""
	gitDate   = ""
)

var (
	configFlag = &cli.StringFlag{
		Name:    "config",
		Usage:   "Configuration file (JSON, or YAML by extension)",
		EnvVars: []string{"WHISPER_CONFIG"},
	}
	dataDirFlag = &cli.StringFlag{
		Name:  "datadir",
		Usage: "Data directory for the database and key file",
	}
	ledgerURLFlag = &cli.StringFlag{
		Name:    "ledger.url",
		Usage:   "JSON-RPC endpoint of the ledger",
		EnvVars: []string{"WHISPER_LEDGER_URL"},
	}
	passwordFlag = &cli.StringFlag{
		Name:    "password",
		Usage:   "Password of the identity key store",
		EnvVars: []string{"WHISPER_PASSWORD"},
	}
	passwordFileFlag = &cli.StringFlag{
		Name:  "password.file",
		Usage: "File holding the identity key store password",
	}
	signerFlag = &cli.StringFlag{
		Name:  "signer",
		Usage: "Hex key file of the account paying for transactions",
	}
	logLevelFlag = &cli.StringFlag{
		Name:  "log.level",
		Usage: "Log level (trace, debug, info, warn, error, crit)",
	}
	logFormatFlag = &cli.StringFlag{
		Name:  "log.format",
		Usage: "Log format (text, json)",
	}
)

func main() {
	if err := newApp().Run(os.Args); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newApp() *cli.App {
	whisperrpc.GitCommit = gitCommit
	return &cli.App{
		Name:                 params.ClientIdentifier,
		Usage:                "private messaging over ERC-5564 stealth addresses",
		Version:              params.VersionWithCommit(gitCommit),
		EnableBashCompletion: true,
		Flags: []cli.Flag{
			configFlag,
			dataDirFlag,
			ledgerURLFlag,
			passwordFlag,
			passwordFileFlag,
			signerFlag,
			logLevelFlag,
			logFormatFlag,
		},
		Before: func(ctx *cli.Context) error {
			cfg, err := loadConfig(ctx)
			if err != nil {
				return err
			}
			ctx.App.Metadata = map[string]interface{}{configKey: cfg}
			return setupLogging(cfg.Logging, ctx.App.ErrWriter)
		},
		Commands: []*cli.Command{
			keysCommand,
			metaAddressCommand,
			sendCommand,
			scanCommand,
			inboxCommand,
			watchCommand,
			serveCommand,
			backupCommand,
			versionCommand,
		},
	}
}

const configKey = "config"

// configFrom returns the configuration loaded before the command ran
func configFrom(ctx *cli.Context) *config.Config {
	return ctx.App.Metadata[configKey].(*config.Config)
}

// loadConfig reads the configuration file, if any, and applies flag
// overrides on top.
func loadConfig(ctx *cli.Context) (*config.Config, error) {
	cfg := config.DefaultConfig()
	if path := ctx.String(configFlag.Name); path != "" {
		loaded, err := config.LoadConfig(path)
		if err != nil {
			return nil, fmt.Errorf("failed to load config: %w", err)
		}
		cfg = loaded
	}
	if ctx.IsSet(dataDirFlag.Name) {
		cfg.DataDir = ctx.String(dataDirFlag.Name)
		if !ctx.IsSet(configFlag.Name) {
			cfg.Keys.File = filepath.Join(cfg.DataDir, "identity.json")
		}
	}
	if ctx.IsSet(ledgerURLFlag.Name) {
		cfg.Ledger.URL = ctx.String(ledgerURLFlag.Name)
	}
	if ctx.IsSet(signerFlag.Name) {
		cfg.Ledger.SignerKey = ctx.String(signerFlag.Name)
	}
	if ctx.IsSet(logLevelFlag.Name) {
		cfg.Logging.Level = ctx.String(logLevelFlag.Name)
	}
	if ctx.IsSet(logFormatFlag.Name) {
		cfg.Logging.Format = ctx.String(logFormatFlag.Name)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// setupLogging installs the root logger. Output goes to the configured file
// or to w.
func setupLogging(cfg config.LoggingConfig, w io.Writer) error {
	lvl, err := log.LvlFromString(cfg.Level)
	if err != nil {
		return err
	}
	useColor := false
	if cfg.File != "" {
		path, err := config.ExpandPath(cfg.File)
		if err != nil {
			return err
		}
		if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
			return err
		}
		f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0600)
		if err != nil {
			return fmt.Errorf("failed to open log file: %w", err)
		}
		w = f
	} else if f, ok := w.(*os.File); ok {
		if info, err := f.Stat(); err == nil && info.Mode()&os.ModeCharDevice != 0 {
			useColor = true
		}
	}
	if cfg.Format == "json" {
		log.SetDefault(log.NewLogger(log.JSONHandlerWithLevel(w, lvl)))
	} else {
		log.SetDefault(log.NewLogger(log.NewTerminalHandlerWithLevel(w, lvl, useColor)))
	}
	return nil
}

// versionCommand prints version information
var versionCommand = &cli.Command{
	Name:  "version",
	Usage: "Print version numbers",
	Action: func(ctx *cli.Context) error {
		w := ctx.App.Writer
		fmt.Fprintln(w, "Whisper")
		fmt.Fprintln(w, "Version:", params.VersionWithMeta)
		if gitCommit != "" {
			fmt.Fprintln(w, "Git Commit:", gitCommit)
		}
		if gitDate != "" {
			fmt.Fprintln(w, "Git Commit Date:", gitDate)
		}
		fmt.Fprintf(w, "Standards: ERC-%d, ERC-%d\n", params.StealthAddressERC, params.RegistryERC)
		fmt.Fprintln(w, "Architecture:", runtime.GOARCH)
		fmt.Fprintln(w, "Go Version:", runtime.Version())
		fmt.Fprintln(w, "Operating System:", runtime.GOOS)
		return nil
	},
}
