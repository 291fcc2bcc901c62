// Copyright 2024 The Obsidian Authors
// This file is part of the Obsidian library.

package config

import (
	"encoding/json"
	"math/big"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/capGoblin/whisper/accounts/keystore"
	"github.com/capGoblin/whisper/ledger"
	"github.com/capGoblin/whisper/stealth"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/log"
	"gopkg.in/yaml.v3"
)

// Config represents the whisper client configuration
type Config struct {
	// Data directory for the database and key file
	DataDir string `json:"dataDir" yaml:"dataDir"`

	// Ledger connection settings
	Ledger LedgerConfig `json:"ledger" yaml:"ledger"`

	// Scan settings
	Scan ScanConfig `json:"scan" yaml:"scan"`

	// Identity storage settings
	Keys KeysConfig `json:"keys" yaml:"keys"`

	// RPC settings
	RPC RPCConfig `json:"rpc" yaml:"rpc"`

	// Logging settings
	Logging LoggingConfig `json:"logging" yaml:"logging"`

	// Metrics settings
	Metrics MetricsConfig `json:"metrics" yaml:"metrics"`
}

// LedgerConfig contains ledger-related settings
type LedgerConfig struct {
	URL           string  `json:"url" yaml:"url"`                     // JSON-RPC endpoint
	ChainID       uint64  `json:"chainId" yaml:"chainId"`             // Expected chain id, 0 = don't check
	Announcer     string  `json:"announcer" yaml:"announcer"`         // ERC-5564 announcer address
	Registry      string  `json:"registry" yaml:"registry"`           // ERC-6538 registry address
	MaxBlockRange uint64  `json:"maxBlockRange" yaml:"maxBlockRange"` // Blocks per log query
	QueryRate     float64 `json:"queryRate" yaml:"queryRate"`         // Log queries per second
	BlockTimes    bool    `json:"blockTimes" yaml:"blockTimes"`       // Fetch block timestamps
	SignerKey     string  `json:"signerKey" yaml:"signerKey"`         // Hex key file paying for transactions
	GasLimit      uint64  `json:"gasLimit" yaml:"gasLimit"`           // 0 = estimate
	GasPrice      string  `json:"gasPrice" yaml:"gasPrice"`           // Fixed gas price in wei
	MinGasPrice   string  `json:"minGasPrice" yaml:"minGasPrice"`     // Gas price floor in wei
	MaxGasPrice   string  `json:"maxGasPrice" yaml:"maxGasPrice"`     // Gas price ceiling in wei
}

// ScanConfig contains scanning settings
type ScanConfig struct {
	Window       uint64 `json:"window" yaml:"window"`             // Blocks covered by a recent scan
	PollInterval int    `json:"pollInterval" yaml:"pollInterval"` // Auto-scan period in seconds
	Workers      int    `json:"workers" yaml:"workers"`           // Parallel scan workers, 0 = GOMAXPROCS
}

// KeysConfig contains identity storage settings
type KeysConfig struct {
	Store   string `json:"store" yaml:"store"`     // "file" or "db"
	File    string `json:"file" yaml:"file"`       // Key file path for the file store
	Scrypt  string `json:"scrypt" yaml:"scrypt"`   // "standard" or "light"
	Context string `json:"context" yaml:"context"` // Key derivation context
}

// RPCConfig contains RPC server settings
type RPCConfig struct {
	Enabled bool     `json:"enabled" yaml:"enabled"` // Enable HTTP RPC
	Address string   `json:"address" yaml:"address"` // Listen address
	Port    int      `json:"port" yaml:"port"`       // Listen port
	CORS    []string `json:"cors" yaml:"cors"`       // CORS domains
	VHosts  []string `json:"vhosts" yaml:"vhosts"`   // Accepted virtual hosts
}

// LoggingConfig contains logging settings
type LoggingConfig struct {
	Level  string `json:"level" yaml:"level"`   // Log level (trace, debug, info, warn, error)
	Format string `json:"format" yaml:"format"` // Log format (json, text)
	File   string `json:"file" yaml:"file"`     // Log file path (empty = stderr)
}

// MetricsConfig contains metrics exporter settings
type MetricsConfig struct {
	Enabled bool   `json:"enabled" yaml:"enabled"` // Serve /metrics
	Address string `json:"address" yaml:"address"` // Listen address
	Port    int    `json:"port" yaml:"port"`       // Listen port
}

// DefaultConfig returns a default configuration
func DefaultConfig() *Config {
	return &Config{
		DataDir: "~/.whisper",
		Ledger: LedgerConfig{
			URL:           ledger.DefaultRPCURL,
			ChainID:       ledger.DefaultChainID,
			Announcer:     ledger.DefaultAnnouncerAddress.Hex(),
			Registry:      ledger.DefaultRegistryAddress.Hex(),
			MaxBlockRange: ledger.DefaultMaxBlockRange,
			QueryRate:     ledger.DefaultQueryRate,
		},
		Scan: ScanConfig{
			Window:       stealth.DefaultScanWindow,
			PollInterval: 15,
		},
		Keys: KeysConfig{
			Store:   "file",
			File:    "~/.whisper/identity.json",
			Scrypt:  "standard",
			Context: stealth.DefaultContext,
		},
		RPC: RPCConfig{
			Enabled: false,
			Address: "localhost",
			Port:    8645,
			CORS:    []string{},
			VHosts:  []string{"localhost"},
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "text",
		},
		Metrics: MetricsConfig{
			Enabled: false,
			Address: "localhost",
			Port:    9645,
		},
	}
}

// LoadConfig loads configuration from a JSON or YAML file. Fields missing
// from the file keep their defaults.
func LoadConfig(path string) (*Config, error) {
	content, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	cfg := DefaultConfig()
	if isYAML(path) {
		err = yaml.Unmarshal(content, cfg)
	} else {
		err = json.Unmarshal(content, cfg)
	}
	if err != nil {
		return nil, err
	}

	return cfg, nil
}

// SaveConfig saves configuration to a JSON or YAML file, by extension
func (c *Config) SaveConfig(path string) error {
	// Create directory if it doesn't exist
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0700); err != nil {
		return err
	}

	var (
		content []byte
		err     error
	)
	if isYAML(path) {
		content, err = yaml.Marshal(c)
	} else {
		content, err = json.MarshalIndent(c, "", "  ")
	}
	if err != nil {
		return err
	}

	return os.WriteFile(path, content, 0600)
}

func isYAML(path string) bool {
	ext := strings.ToLower(filepath.Ext(path))
	return ext == ".yaml" || ext == ".yml"
}

// ExpandPath expands ~ to home directory
func ExpandPath(path string) (string, error) {
	if len(path) > 0 && path[0] == '~' {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", err
		}
		return filepath.Join(home, path[1:]), nil
	}
	return path, nil
}

// Validate validates the configuration
func (c *Config) Validate() error {
	if c.Ledger.URL == "" {
		return ErrMissingURL
	}
	if !common.IsHexAddress(c.Ledger.Announcer) || !common.IsHexAddress(c.Ledger.Registry) {
		return ErrInvalidContract
	}
	for _, price := range []string{c.Ledger.GasPrice, c.Ledger.MinGasPrice, c.Ledger.MaxGasPrice} {
		if _, err := parseWei(price); err != nil {
			return err
		}
	}
	if c.Ledger.MaxBlockRange == 0 {
		c.Ledger.MaxBlockRange = ledger.DefaultMaxBlockRange
	}

	if c.Scan.PollInterval < 1 {
		c.Scan.PollInterval = 1 // Minimum poll interval
		log.Warn("Poll interval too small, using minimum", "seconds", 1)
	}
	if c.Scan.Workers < 0 {
		c.Scan.Workers = 0
	}

	switch c.Keys.Store {
	case "file", "db":
	default:
		return ErrInvalidKeyStore
	}
	switch c.Keys.Scrypt {
	case "", "standard", "light":
	default:
		return ErrInvalidScrypt
	}
	if c.Keys.Context == "" {
		c.Keys.Context = stealth.DefaultContext
	}

	if c.RPC.Enabled && (c.RPC.Port <= 0 || c.RPC.Port > 65535) {
		return ErrInvalidPort
	}
	if c.Metrics.Enabled && (c.Metrics.Port <= 0 || c.Metrics.Port > 65535) {
		return ErrInvalidPort
	}

	switch c.Logging.Format {
	case "", "text", "json":
	default:
		return ErrInvalidLogFormat
	}

	return nil
}

// GetDataDir returns the expanded data directory path
func (c *Config) GetDataDir() (string, error) {
	return ExpandPath(c.DataDir)
}

// GetKeyFile returns the expanded key file path
func (c *Config) GetKeyFile() (string, error) {
	return ExpandPath(c.Keys.File)
}

// GetLogFile returns the expanded log file path
func (c *Config) GetLogFile() (string, error) {
	if c.Logging.File == "" {
		return "", nil
	}
	return ExpandPath(c.Logging.File)
}

// ScryptParams returns the key file KDF cost
func (c *Config) ScryptParams() keystore.ScryptParams {
	if c.Keys.Scrypt == "light" {
		return keystore.LightScrypt
	}
	return keystore.StandardScrypt
}

// ServiceConfig returns the stealth service settings
func (c *Config) ServiceConfig() stealth.ServiceConfig {
	return stealth.ServiceConfig{
		ScanWindow:   c.Scan.Window,
		PollInterval: time.Duration(c.Scan.PollInterval) * time.Second,
		Workers:      c.Scan.Workers,
	}
}

// LogSourceConfig returns the announcement source settings
func (c *Config) LogSourceConfig() ledger.LogSourceConfig {
	return ledger.LogSourceConfig{
		Announcer:     common.HexToAddress(c.Ledger.Announcer),
		MaxBlockRange: c.Ledger.MaxBlockRange,
		QueryRate:     c.Ledger.QueryRate,
		BlockTimes:    c.Ledger.BlockTimes,
	}
}

// PublisherConfig returns the transaction publisher settings
func (c *Config) PublisherConfig() (ledger.PublisherConfig, error) {
	fixed, err := parseWei(c.Ledger.GasPrice)
	if err != nil {
		return ledger.PublisherConfig{}, err
	}
	floor, err := parseWei(c.Ledger.MinGasPrice)
	if err != nil {
		return ledger.PublisherConfig{}, err
	}
	ceiling, err := parseWei(c.Ledger.MaxGasPrice)
	if err != nil {
		return ledger.PublisherConfig{}, err
	}
	cfg := ledger.PublisherConfig{
		Announcer: common.HexToAddress(c.Ledger.Announcer),
		Registry:  common.HexToAddress(c.Ledger.Registry),
		GasLimit:  c.Ledger.GasLimit,
		GasPricer: ledger.NewGasPricer(fixed, floor, ceiling),
	}
	if c.Ledger.ChainID != 0 {
		cfg.ChainID = new(big.Int).SetUint64(c.Ledger.ChainID)
	}
	return cfg, nil
}

// parseWei parses a decimal wei amount; empty means unset
func parseWei(s string) (*big.Int, error) {
	if s == "" {
		return nil, nil
	}
	v, ok := new(big.Int).SetString(s, 10)
	if !ok || v.Sign() < 0 {
		return nil, ErrInvalidGasPrice
	}
	return v, nil
}

// Configuration errors
var (
	ErrInvalidPort      = NewConfigError("invalid port number")
	ErrMissingURL       = NewConfigError("ledger url is required")
	ErrInvalidContract  = NewConfigError("invalid contract address")
	ErrInvalidGasPrice  = NewConfigError("invalid gas price")
	ErrInvalidKeyStore  = NewConfigError("key store must be \"file\" or \"db\"")
	ErrInvalidScrypt    = NewConfigError("scrypt strength must be \"standard\" or \"light\"")
	ErrInvalidLogFormat = NewConfigError("log format must be \"text\" or \"json\"")
)

// ConfigError represents a configuration error
type ConfigError struct {
	message string
}

// NewConfigError creates a new config error
func NewConfigError(msg string) *ConfigError {
	return &ConfigError{message: msg}
}

// Error implements the error interface
func (e *ConfigError) Error() string {
	return e.message
}
