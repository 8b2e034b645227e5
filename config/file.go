package config

import (
	"bufio"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// LoadFile loads configuration from a .conf file.
// Format: key = value (one per line, # for comments)
func LoadFile(path string) (map[string]string, error) {
	file, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return make(map[string]string), nil
		}
		return nil, err
	}
	defer file.Close()

	values := make(map[string]string)
	scanner := bufio.NewScanner(file)
	lineNum := 0

	for scanner.Scan() {
		lineNum++
		line := strings.TrimSpace(scanner.Text())

		// Skip empty lines and comments
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}

		parts := strings.SplitN(line, "=", 2)
		if len(parts) != 2 {
			return nil, fmt.Errorf("line %d: invalid format (expected key = value)", lineNum)
		}

		key := strings.TrimSpace(parts[0])
		value := strings.TrimSpace(parts[1])

		// Remove quotes if present
		if len(value) >= 2 {
			if (value[0] == '"' && value[len(value)-1] == '"') ||
				(value[0] == '\'' && value[len(value)-1] == '\'') {
				value = value[1 : len(value)-1]
			}
		}

		values[key] = value
	}

	return values, scanner.Err()
}

// ApplyFileConfig applies file configuration to a Config struct.
func ApplyFileConfig(cfg *Config, values map[string]string) error {
	for key, value := range values {
		if err := setConfigValue(cfg, key, value); err != nil {
			return fmt.Errorf("config key %q: %w", key, err)
		}
	}
	return nil
}

// setConfigValue sets a config value by key.
func setConfigValue(cfg *Config, key, value string) error {
	var err error
	switch key {
	// Core
	case "network":
		cfg.Network = NetworkType(strings.ToLower(value))
	case "datadir":
		cfg.DataDir = value

	// API
	case "api.addr":
		cfg.API.Addr = value
	case "api.port":
		cfg.API.Port, err = strconv.Atoi(value)
	case "api.allowed":
		cfg.API.AllowedIPs = parseStringList(value)
	case "api.cors":
		cfg.API.CORSOrigins = parseStringList(value)

	// Indexer
	case "indexer.url":
		cfg.Indexer.URL = value
	case "indexer.timeout":
		cfg.Indexer.Timeout, err = parseDuration(value)

	// Node
	case "node.url":
		cfg.Node.URL = value
	case "node.user":
		cfg.Node.User = value
	case "node.pass":
		cfg.Node.Pass = value
	case "node.timeout":
		cfg.Node.Timeout, err = parseDuration(value)
	case "node.scan_timeout":
		cfg.Node.ScanTimeout, err = parseDuration(value)

	// Scanner
	case "scan.settle":
		cfg.Scan.Settle, err = parseDuration(value)

	// Registry
	case "registry.file":
		cfg.Registry.File = value
	case "registry.verify":
		cfg.Registry.Verify = parseBool(value)

	// Scan cache
	case "cache.backend":
		cfg.Cache.Backend = value
	case "cache.path":
		cfg.Cache.Path = value
	case "cache.ttl":
		cfg.Cache.TTL, err = parseDuration(value)

	// Merge behaviour
	case "legacy.assume_unindexed":
		cfg.Legacy.AssumeUnindexed = parseBool(value)
	case "legacy.tx_concurrency":
		cfg.Legacy.TxConcurrency, err = strconv.Atoi(value)

	// Logging
	case "log.level":
		cfg.Log.Level = value
	case "log.file":
		cfg.Log.File = value
	case "log.json":
		cfg.Log.JSON = parseBool(value)
	case "log.maxsize":
		cfg.Log.MaxSizeMB, err = strconv.Atoi(value)
	case "log.maxbackups":
		cfg.Log.MaxBackups, err = strconv.Atoi(value)

	default:
		// Unknown keys are ignored
	}
	return err
}

// parseBool parses a boolean value.
func parseBool(s string) bool {
	s = strings.ToLower(s)
	return s == "true" || s == "1" || s == "yes" || s == "on"
}

// parseDuration accepts Go durations ("15s", "10m") or a bare number of
// seconds ("300").
func parseDuration(s string) (time.Duration, error) {
	if secs, err := strconv.ParseFloat(s, 64); err == nil {
		return time.Duration(secs * float64(time.Second)), nil
	}
	return time.ParseDuration(s)
}

// parseStringList parses a comma-separated list.
func parseStringList(s string) []string {
	if s == "" {
		return nil
	}
	parts := strings.Split(s, ",")
	result := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			result = append(result, p)
		}
	}
	return result
}

// WriteDefaultConfig writes a default configuration file.
func WriteDefaultConfig(path string, network NetworkType) error {
	def := Default(network)
	content := `# p2pkproxy configuration
#
# Settings here override built-in defaults; command-line flags override
# this file. Relative paths are resolved against the data directory.

# Network: mainnet, testnet or regtest (selects address encoding)
network = ` + string(network) + `

# Data directory (default: ~/.p2pkproxy)
# datadir = ~/.p2pkproxy

# ============================================================================
# HTTP API
# ============================================================================

api.addr = 127.0.0.1
api.port = ` + strconv.Itoa(def.API.Port) + `
api.allowed = 127.0.0.1
# CORS allowed origins ("*" for all)
# api.cors = http://localhost:5000

# ============================================================================
# Indexer (Esplora / electrs HTTP API)
# ============================================================================

indexer.url = ` + def.Indexer.URL + `
indexer.timeout = 15s

# ============================================================================
# Full node JSON-RPC
# ============================================================================

node.url = ` + def.Node.URL + `
# node.user =
# node.pass =
node.timeout = 30s
# A UTXO set scan can take minutes on mainnet.
node.scan_timeout = 10m

# Pause between aborting a running scan and starting a new one
scan.settle = 300ms

# ============================================================================
# Legacy P2PK data
# ============================================================================

# Address -> raw script map produced by p2pkmap
registry.file = p2pk_map.json
# Check every entry's key and address on load
registry.verify = false

# Scan cache: badger (directory) or file (single JSON file)
cache.backend = badger
# cache.path = scancache
cache.ttl = 300s

# Treat scanned outputs as never indexed by the indexer. Set to false if the
# indexer learns P2PK outputs, to avoid counting them twice.
legacy.assume_unindexed = true
legacy.tx_concurrency = 8

# ============================================================================
# Logging
# ============================================================================

log.level = info
# log.file = logs/p2pkproxy.log
log.json = false
log.maxsize = 100
log.maxbackups = 5
`
	return os.WriteFile(path, []byte(content), 0644)
}
