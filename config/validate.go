package config

import (
	"fmt"
	"net/url"
	"strings"
	"time"
)

// Validate checks the config for obvious operator mistakes.
func Validate(cfg *Config) error {
	if cfg == nil {
		return fmt.Errorf("config is nil")
	}
	if _, err := cfg.Network.Params(); err != nil {
		return fmt.Errorf("network must be %q, %q or %q", Mainnet, Testnet, Regtest)
	}
	if cfg.API.Port < 0 || cfg.API.Port > 65535 {
		return fmt.Errorf("api.port must be in range [0, 65535]")
	}
	if err := validateURL(cfg.Indexer.URL, "indexer.url"); err != nil {
		return err
	}
	if err := validateURL(cfg.Node.URL, "node.url"); err != nil {
		return err
	}

	durations := []struct {
		name string
		d    time.Duration
	}{
		{"indexer.timeout", cfg.Indexer.Timeout},
		{"node.timeout", cfg.Node.Timeout},
		{"node.scan_timeout", cfg.Node.ScanTimeout},
		{"cache.ttl", cfg.Cache.TTL},
	}
	for _, d := range durations {
		if d.d <= 0 {
			return fmt.Errorf("%s must be positive", d.name)
		}
	}
	if cfg.Scan.Settle < 0 {
		return fmt.Errorf("scan.settle must not be negative")
	}

	if cfg.Registry.File == "" {
		return fmt.Errorf("registry.file is required")
	}

	cfg.Cache.Backend = strings.ToLower(strings.TrimSpace(cfg.Cache.Backend))
	switch cfg.Cache.Backend {
	case CacheBadger, CacheFile:
	default:
		return fmt.Errorf("cache.backend must be %q or %q", CacheBadger, CacheFile)
	}

	if cfg.Legacy.TxConcurrency < 1 {
		return fmt.Errorf("legacy.tx_concurrency must be at least 1")
	}
	if cfg.Log.MaxSizeMB < 0 || cfg.Log.MaxBackups < 0 {
		return fmt.Errorf("log.maxsize and log.maxbackups must not be negative")
	}
	return nil
}

func validateURL(raw, field string) error {
	u, err := url.Parse(raw)
	if err != nil {
		return fmt.Errorf("%s: %w", field, err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("%s must be an http(s) URL", field)
	}
	if u.Host == "" {
		return fmt.Errorf("%s has no host", field)
	}
	return nil
}
