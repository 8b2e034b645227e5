// Package config handles application configuration.
//
// Settings are layered: built-in defaults, then the key = value config file
// in the data directory, then command-line flags.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"time"

	"github.com/btcsuite/btcd/chaincfg"
)

// NetworkType identifies the chain whose address encoding is used.
type NetworkType string

const (
	Mainnet NetworkType = "mainnet"
	Testnet NetworkType = "testnet"
	Regtest NetworkType = "regtest"
)

// Params returns the chain parameters for the network.
func (n NetworkType) Params() (*chaincfg.Params, error) {
	switch n {
	case Mainnet:
		return &chaincfg.MainNetParams, nil
	case Testnet:
		return &chaincfg.TestNet3Params, nil
	case Regtest:
		return &chaincfg.RegressionNetParams, nil
	default:
		return nil, fmt.Errorf("unknown network %q", n)
	}
}

// Scan cache backends.
const (
	CacheBadger = "badger"
	CacheFile   = "file"
)

// Config holds the proxy's runtime configuration.
type Config struct {
	// Core
	Network NetworkType `conf:"network"`
	DataDir string      `conf:"datadir"`

	// HTTP API
	API APIConfig

	// Upstreams
	Indexer IndexerConfig
	Node    NodeConfig

	// Legacy script handling
	Scan     ScanConfig
	Registry RegistryConfig
	Cache    CacheConfig
	Legacy   LegacyConfig

	// Logging
	Log LogConfig

	// Maintenance (not persisted in config file)
	PurgeCache bool
}

// APIConfig holds HTTP API server settings.
type APIConfig struct {
	Addr        string   `conf:"api.addr"`
	Port        int      `conf:"api.port"`
	AllowedIPs  []string `conf:"api.allowed"`
	CORSOrigins []string `conf:"api.cors"` // Allowed CORS origins ("*" = all).
}

// IndexerConfig points at the Esplora-compatible indexer.
type IndexerConfig struct {
	URL     string        `conf:"indexer.url"`
	Timeout time.Duration `conf:"indexer.timeout"`
}

// NodeConfig points at the full node's JSON-RPC interface.
type NodeConfig struct {
	URL         string        `conf:"node.url"`
	User        string        `conf:"node.user"`
	Pass        string        `conf:"node.pass"`
	Timeout     time.Duration `conf:"node.timeout"`      // Per ordinary RPC call.
	ScanTimeout time.Duration `conf:"node.scan_timeout"` // Per scantxoutset run.
}

// ScanConfig holds scanner timing.
type ScanConfig struct {
	Settle time.Duration `conf:"scan.settle"` // Pause between abort and start.
}

// RegistryConfig locates the address → script map.
type RegistryConfig struct {
	File   string `conf:"registry.file"`
	Verify bool   `conf:"registry.verify"`
}

// CacheConfig selects and locates the scan cache store.
type CacheConfig struct {
	Backend string        `conf:"cache.backend"` // badger or file
	Path    string        `conf:"cache.path"`
	TTL     time.Duration `conf:"cache.ttl"`
}

// LegacyConfig controls how scan data is merged.
type LegacyConfig struct {
	AssumeUnindexed bool `conf:"legacy.assume_unindexed"`
	TxConcurrency   int  `conf:"legacy.tx_concurrency"`
}

// LogConfig holds logging settings.
type LogConfig struct {
	Level      string `conf:"log.level"`
	File       string `conf:"log.file"`
	JSON       bool   `conf:"log.json"`
	MaxSizeMB  int    `conf:"log.maxsize"`
	MaxBackups int    `conf:"log.maxbackups"`
}

// =============================================================================
// Directory helpers
// =============================================================================

// DefaultDataDir returns the platform-specific default data directory.
//
//	Linux:   ~/.p2pkproxy
//	macOS:   ~/Library/Application Support/P2PKProxy
//	Windows: %APPDATA%\P2PKProxy
func DefaultDataDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".p2pkproxy"
	}
	switch runtime.GOOS {
	case "darwin":
		return filepath.Join(home, "Library", "Application Support", "P2PKProxy")
	case "windows":
		appData := os.Getenv("APPDATA")
		if appData != "" {
			return filepath.Join(appData, "P2PKProxy")
		}
		return filepath.Join(home, "AppData", "Roaming", "P2PKProxy")
	default:
		return filepath.Join(home, ".p2pkproxy")
	}
}

// resolve makes a relative path relative to the data directory.
func (c *Config) resolve(path string) string {
	if path == "" || filepath.IsAbs(path) {
		return path
	}
	return filepath.Join(c.DataDir, path)
}

// RegistryFile returns the registry file path.
func (c *Config) RegistryFile() string {
	return c.resolve(c.Registry.File)
}

// ScanCachePath returns the scan cache location: a directory for badger,
// a JSON file for the file backend.
func (c *Config) ScanCachePath() string {
	if c.Cache.Path != "" {
		return c.resolve(c.Cache.Path)
	}
	if c.Cache.Backend == CacheFile {
		return filepath.Join(c.DataDir, "p2pk_scan_results.json")
	}
	return filepath.Join(c.DataDir, "scancache")
}

// LogFile returns the log file path, or "" for console only.
func (c *Config) LogFile() string {
	return c.resolve(c.Log.File)
}

// LogsDir returns the logs directory.
func (c *Config) LogsDir() string {
	return filepath.Join(c.DataDir, "logs")
}

// ConfigFile returns the config file path.
func (c *Config) ConfigFile() string {
	return filepath.Join(c.DataDir, "p2pkproxy.conf")
}

// APIListenAddr returns host:port for the API listener.
func (c *Config) APIListenAddr() string {
	return fmt.Sprintf("%s:%d", c.API.Addr, c.API.Port)
}
