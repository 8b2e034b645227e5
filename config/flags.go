package config

import (
	"flag"
	"fmt"
	"io"
	"os"
	"strings"
	"time"
)

// Version is reported by --version.
const Version = "0.1.0"

// Flags holds parsed command-line flags.
type Flags struct {
	// Commands
	Help    bool
	Version bool

	// Core
	Network string
	DataDir string
	Config  string

	// API
	APIAddr    string
	APIPort    int
	APIAllowed string
	APICORS    string

	// Upstreams
	IndexerURL string
	NodeURL    string
	NodeUser   string
	NodePass   string

	// Legacy data
	RegistryFile    string
	RegistryVerify  bool
	CacheBackend    string
	CachePath       string
	CacheTTL        time.Duration
	AssumeUnindexed bool
	PurgeCache      bool

	// Logging
	LogLevel string
	LogFile  string
	LogJSON  bool

	// Remaining args
	Args []string

	// Explicitly-set bool flags (for true/false overrides).
	SetRegistryVerify  bool
	SetAssumeUnindexed bool
	SetLogJSON         bool
}

// ParseFlags parses os.Args. On a parse error it prints usage and exits.
func ParseFlags() *Flags {
	f, err := parseFlags(os.Args[1:], os.Stderr)
	if err != nil {
		if err == flag.ErrHelp {
			os.Exit(0)
		}
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
	return f
}

func parseFlags(args []string, output io.Writer) (*Flags, error) {
	f := &Flags{}
	fs := flag.NewFlagSet("p2pkproxyd", flag.ContinueOnError)
	fs.SetOutput(output)

	// Commands
	fs.BoolVar(&f.Help, "help", false, "Show help message")
	fs.BoolVar(&f.Help, "h", false, "Show help message (shorthand)")
	fs.BoolVar(&f.Version, "version", false, "Show version information")
	fs.BoolVar(&f.Version, "v", false, "Show version (shorthand)")

	// Core
	fs.StringVar(&f.Network, "network", "", "Network type (mainnet, testnet or regtest)")
	fs.StringVar(&f.DataDir, "datadir", "", "Data directory path")
	fs.StringVar(&f.Config, "config", "", "Config file path")
	fs.StringVar(&f.Config, "c", "", "Config file path (shorthand)")

	// API
	fs.StringVar(&f.APIAddr, "api-addr", "", "API listen address")
	fs.IntVar(&f.APIPort, "api-port", 0, "API listen port")
	fs.StringVar(&f.APIAllowed, "api-allowed", "", "Allowed IPs for the API")
	fs.StringVar(&f.APICORS, "api-cors", "", "Allowed CORS origins (comma-separated)")

	// Upstreams
	fs.StringVar(&f.IndexerURL, "indexer-url", "", "Indexer base URL")
	fs.StringVar(&f.NodeURL, "node-url", "", "Node JSON-RPC URL")
	fs.StringVar(&f.NodeUser, "node-user", "", "Node RPC user")
	fs.StringVar(&f.NodePass, "node-pass", "", "Node RPC password")

	// Legacy data
	fs.StringVar(&f.RegistryFile, "registry", "", "Address to script map file")
	fs.BoolVar(&f.RegistryVerify, "registry-verify", false, "Verify registry keys and addresses on load")
	fs.StringVar(&f.CacheBackend, "cache-backend", "", "Scan cache backend (badger or file)")
	fs.StringVar(&f.CachePath, "cache-path", "", "Scan cache location")
	fs.DurationVar(&f.CacheTTL, "cache-ttl", 0, "Scan result freshness window")
	fs.BoolVar(&f.AssumeUnindexed, "assume-unindexed", true, "Assume the indexer never lists P2PK outputs")
	fs.BoolVar(&f.PurgeCache, "purge-cache", false, "Drop all cached scan results on startup")

	// Logging
	fs.StringVar(&f.LogLevel, "log-level", "", "Log level (debug, info, warn, error)")
	fs.StringVar(&f.LogFile, "log-file", "", "Log file path")
	fs.BoolVar(&f.LogJSON, "log-json", false, "Output logs as JSON")

	fs.Usage = func() {
		printUsage(output)
	}

	if err := fs.Parse(args); err != nil {
		return nil, err
	}

	f.SetRegistryVerify = isFlagSet(fs, "registry-verify")
	f.SetAssumeUnindexed = isFlagSet(fs, "assume-unindexed")
	f.SetLogJSON = isFlagSet(fs, "log-json")

	f.Args = fs.Args()
	for _, arg := range f.Args {
		if strings.HasPrefix(arg, "-") {
			return nil, fmt.Errorf("flag %q was not parsed (positional argument stopped parsing)", arg)
		}
	}

	return f, nil
}

// ApplyFlags applies command-line flags to a Config struct.
func ApplyFlags(cfg *Config, f *Flags) {
	// Core
	if f.Network != "" {
		cfg.Network = NetworkType(strings.ToLower(f.Network))
	}
	if f.DataDir != "" {
		cfg.DataDir = f.DataDir
	}

	// API
	if f.APIAddr != "" {
		cfg.API.Addr = f.APIAddr
	}
	if f.APIPort != 0 {
		cfg.API.Port = f.APIPort
	}
	if f.APIAllowed != "" {
		cfg.API.AllowedIPs = parseStringList(f.APIAllowed)
	}
	if f.APICORS != "" {
		cfg.API.CORSOrigins = parseStringList(f.APICORS)
	}

	// Upstreams
	if f.IndexerURL != "" {
		cfg.Indexer.URL = f.IndexerURL
	}
	if f.NodeURL != "" {
		cfg.Node.URL = f.NodeURL
	}
	if f.NodeUser != "" {
		cfg.Node.User = f.NodeUser
	}
	if f.NodePass != "" {
		cfg.Node.Pass = f.NodePass
	}

	// Legacy data
	if f.RegistryFile != "" {
		cfg.Registry.File = f.RegistryFile
	}
	if f.SetRegistryVerify {
		cfg.Registry.Verify = f.RegistryVerify
	}
	if f.CacheBackend != "" {
		cfg.Cache.Backend = f.CacheBackend
	}
	if f.CachePath != "" {
		cfg.Cache.Path = f.CachePath
	}
	if f.CacheTTL != 0 {
		cfg.Cache.TTL = f.CacheTTL
	}
	if f.SetAssumeUnindexed {
		cfg.Legacy.AssumeUnindexed = f.AssumeUnindexed
	}
	cfg.PurgeCache = f.PurgeCache

	// Logging
	if f.LogLevel != "" {
		cfg.Log.Level = f.LogLevel
	}
	if f.LogFile != "" {
		cfg.Log.File = f.LogFile
	}
	if f.SetLogJSON {
		cfg.Log.JSON = f.LogJSON
	}
}

// isFlagSet checks if a flag was explicitly set.
func isFlagSet(fs *flag.FlagSet, name string) bool {
	found := false
	fs.Visit(func(f *flag.Flag) {
		if f.Name == name {
			found = true
		}
	})
	return found
}

func printUsage(w io.Writer) {
	usage := `p2pkproxyd - address API proxy that adds legacy P2PK outputs

Usage:
  p2pkproxyd [options]
  p2pkproxyd --help

Commands:
  --help, -h      Show this help message
  --version, -v   Show version information

Core Options:
  --network       Network type: mainnet (default), testnet or regtest
  --datadir       Data directory (default: ~/.p2pkproxy)
  --config, -c    Config file path (default: <datadir>/p2pkproxy.conf)

API Options:
  --api-addr      API listen address (default: 127.0.0.1)
  --api-port      API port (default: 8888)
  --api-allowed   Allowed IPs for the API (comma-separated)
  --api-cors      Allowed CORS origins (comma-separated)

Upstream Options:
  --indexer-url   Esplora-compatible indexer (default: http://127.0.0.1:3002)
  --node-url      Node JSON-RPC URL (mainnet: http://127.0.0.1:8332)
  --node-user     Node RPC user
  --node-pass     Node RPC password

Legacy Data Options:
  --registry          Address to script map (default: <datadir>/p2pk_map.json)
  --registry-verify   Verify registry keys and addresses on load
  --cache-backend     Scan cache backend: badger (default) or file
  --cache-path        Scan cache location
  --cache-ttl         Scan result freshness window (default: 5m)
  --assume-unindexed  Assume the indexer never lists P2PK outputs (default: true)
  --purge-cache       Drop all cached scan results on startup

Logging Options:
  --log-level     Log level: debug, info, warn, error (default: info)
  --log-file      Log file path (default: stdout only)
  --log-json      Output logs as JSON

Examples:
  # Proxy a local electrs and bitcoind
  p2pkproxyd --node-user=user --node-pass=pass

  # Keep the scan cache in the original single-file format
  p2pkproxyd --cache-backend=file --cache-path=p2pk_scan_results.json
`
	fmt.Fprint(w, usage)
}

// Load loads configuration with the following precedence:
// 1. Default values
// 2. Auto-create data dirs + default config (idempotent)
// 3. Config file
// 4. Command-line flags
func Load() (*Config, *Flags, error) {
	flags := ParseFlags()

	if flags.Help {
		printUsage(os.Stdout)
		os.Exit(0)
	}
	if flags.Version {
		fmt.Println("p2pkproxyd version " + Version)
		os.Exit(0)
	}

	cfg, err := LoadWithFlags(flags)
	if err != nil {
		return nil, nil, err
	}
	return cfg, flags, nil
}

// LoadWithFlags builds the configuration from already parsed flags.
func LoadWithFlags(flags *Flags) (*Config, error) {
	// Determine network first (needed for defaults)
	cfg := Default(NetworkType(strings.ToLower(flags.Network)))

	if flags.DataDir != "" {
		cfg.DataDir = flags.DataDir
	}

	if err := EnsureDataDirs(cfg); err != nil {
		return nil, fmt.Errorf("ensuring data dirs: %w", err)
	}

	configPath := flags.Config
	if configPath == "" {
		configPath = cfg.ConfigFile()
	}

	fileValues, err := LoadFile(configPath)
	if err != nil {
		return nil, fmt.Errorf("loading config file: %w", err)
	}
	if err := ApplyFileConfig(cfg, fileValues); err != nil {
		return nil, fmt.Errorf("applying config file: %w", err)
	}

	// Apply flags (highest precedence)
	ApplyFlags(cfg, flags)
	if err := Validate(cfg); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

// EnsureDataDirs creates the data directory structure and a default config
// file if they don't already exist. Safe to call on every startup.
func EnsureDataDirs(cfg *Config) error {
	for _, dir := range []string{cfg.DataDir, cfg.LogsDir()} {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return fmt.Errorf("creating directory %s: %w", dir, err)
		}
	}

	configPath := cfg.ConfigFile()
	if _, err := os.Stat(configPath); os.IsNotExist(err) {
		if err := WriteDefaultConfig(configPath, cfg.Network); err != nil {
			return fmt.Errorf("writing config file: %w", err)
		}
	}
	return nil
}
