package config

import "time"

// DefaultMainnet returns the default configuration for mainnet.
func DefaultMainnet() *Config {
	return &Config{
		Network: Mainnet,
		DataDir: DefaultDataDir(),
		API: APIConfig{
			Addr:       "127.0.0.1",
			Port:       8888,
			AllowedIPs: []string{"127.0.0.1"},
		},
		Indexer: IndexerConfig{
			URL:     "http://127.0.0.1:3002",
			Timeout: 15 * time.Second,
		},
		Node: NodeConfig{
			URL:         "http://127.0.0.1:8332",
			Timeout:     30 * time.Second,
			ScanTimeout: 10 * time.Minute,
		},
		Scan: ScanConfig{
			Settle: 300 * time.Millisecond,
		},
		Registry: RegistryConfig{
			File: "p2pk_map.json",
		},
		Cache: CacheConfig{
			Backend: CacheBadger,
			TTL:     300 * time.Second,
		},
		Legacy: LegacyConfig{
			AssumeUnindexed: true,
			TxConcurrency:   8,
		},
		Log: LogConfig{
			Level:      "info",
			JSON:       false,
			MaxSizeMB:  100,
			MaxBackups: 5,
		},
	}
}

// DefaultTestnet returns the default configuration for testnet.
func DefaultTestnet() *Config {
	cfg := DefaultMainnet()
	cfg.Network = Testnet
	cfg.Node.URL = "http://127.0.0.1:18332"
	return cfg
}

// DefaultRegtest returns the default configuration for regtest.
func DefaultRegtest() *Config {
	cfg := DefaultMainnet()
	cfg.Network = Regtest
	cfg.Node.URL = "http://127.0.0.1:18443"
	return cfg
}

// Default returns the default configuration for the given network.
func Default(network NetworkType) *Config {
	switch network {
	case Testnet:
		return DefaultTestnet()
	case Regtest:
		return DefaultRegtest()
	default:
		return DefaultMainnet()
	}
}
