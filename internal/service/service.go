// Package service assembles the proxy from configuration so it can be
// embedded in any binary.
package service

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/btcsuite/btcd/chaincfg"
	"github.com/rs/zerolog"

	"github.com/bitever-labs/p2pkproxy/config"
	"github.com/bitever-labs/p2pkproxy/internal/api"
	"github.com/bitever-labs/p2pkproxy/internal/bitcoind"
	"github.com/bitever-labs/p2pkproxy/internal/indexer"
	klog "github.com/bitever-labs/p2pkproxy/internal/log"
	"github.com/bitever-labs/p2pkproxy/internal/proxy"
	"github.com/bitever-labs/p2pkproxy/internal/registry"
	"github.com/bitever-labs/p2pkproxy/internal/rpcclient"
	"github.com/bitever-labs/p2pkproxy/internal/scan"
	"github.com/bitever-labs/p2pkproxy/internal/scancache"
	"github.com/bitever-labs/p2pkproxy/internal/storage"
)

// scanPrefix namespaces scan results inside the Badger store.
var scanPrefix = []byte("scan/")

// gcInterval spaces Badger value log collections.
const gcInterval = 10 * time.Minute

// Service is a fully-initialized proxy.
type Service struct {
	cfg    *config.Config
	params *chaincfg.Params
	logger zerolog.Logger

	// Storage
	db    storage.DB
	cache *scancache.Cache

	// Legacy data
	registry *registry.Registry
	scanner  *scan.Scanner

	// Serving
	proxy     *proxy.Proxy
	apiServer *api.Server

	// Lifecycle
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New creates and initializes a Service. It performs all setup steps
// (logger, registry, cache, node and indexer clients, API) but does not
// bind the listener. Call Start() for that.
func New(cfg *config.Config) (*Service, error) {
	// ── 1. Network ──────────────────────────────────────────────────
	params, err := cfg.Network.Params()
	if err != nil {
		return nil, err
	}

	// ── 2. Init logger ──────────────────────────────────────────────
	logFile := cfg.LogFile()
	if logFile == "" {
		logsDir := cfg.LogsDir()
		if err := os.MkdirAll(logsDir, 0755); err != nil {
			return nil, fmt.Errorf("creating logs dir: %w", err)
		}
		logFile = filepath.Join(logsDir, "p2pkproxy.log")
	}
	err = klog.Init(cfg.Log.Level, cfg.Log.JSON, klog.FileOptions{
		Path:       logFile,
		MaxSizeMB:  cfg.Log.MaxSizeMB,
		MaxBackups: cfg.Log.MaxBackups,
	})
	if err != nil {
		return nil, fmt.Errorf("initializing logger: %w", err)
	}
	logger := klog.WithComponent("service")

	logger.Info().
		Str("network", string(cfg.Network)).
		Str("indexer", cfg.Indexer.URL).
		Str("node", cfg.Node.URL).
		Bool("assume_unindexed", cfg.Legacy.AssumeUnindexed).
		Msg("Starting P2PK proxy")

	// ── 3. Registry ─────────────────────────────────────────────────
	regOpts := []registry.Option{registry.WithLogger(klog.Registry)}
	if cfg.Registry.Verify {
		regOpts = append(regOpts, registry.WithVerify(params))
	}
	reg := registry.New(cfg.RegistryFile(), regOpts...)
	if err := reg.Reload(); err != nil {
		// Not fatal: the file is re-checked on every request.
		logger.Warn().Err(err).Str("path", reg.Path()).Msg("Registry not loaded")
	} else {
		logger.Info().Int("entries", reg.Len()).Str("path", reg.Path()).Msg("Registry loaded")
	}

	// ── 4. Scan cache ───────────────────────────────────────────────
	db, cacheDB, err := openCacheStore(cfg, logger)
	if err != nil {
		return nil, err
	}
	cache := scancache.New(cacheDB,
		scancache.WithTTL(cfg.Cache.TTL),
		scancache.WithLogger(klog.ScanCache),
	)
	if cfg.PurgeCache {
		if err := cache.Purge(); err != nil {
			cache.Close()
			db.Close()
			return nil, fmt.Errorf("purge scan cache: %w", err)
		}
		logger.Info().Msg("Scan cache purged")
	}
	logger.Info().
		Str("backend", cfg.Cache.Backend).
		Str("path", cfg.ScanCachePath()).
		Int("entries", cache.Len()).
		Dur("ttl", cfg.Cache.TTL).
		Msg("Scan cache ready")

	// ── 5. Node ─────────────────────────────────────────────────────
	// Scans get their own transport so a long scan is not cut short by
	// the ordinary per-call timeout.
	auth := rpcclient.WithBasicAuth(cfg.Node.User, cfg.Node.Pass)
	nodeLog := rpcclient.WithLogger(klog.Node)
	node := bitcoind.New(rpcclient.NewWithTimeout(cfg.Node.URL, cfg.Node.Timeout, auth, nodeLog))
	scanNode := bitcoind.New(rpcclient.NewWithTimeout(cfg.Node.URL, cfg.Node.ScanTimeout, auth, nodeLog))
	scanner := scan.New(scanNode,
		scan.WithSettle(cfg.Scan.Settle),
		scan.WithTimeout(cfg.Node.ScanTimeout),
		scan.WithLogger(klog.Scanner),
	)

	// ── 6. Indexer ──────────────────────────────────────────────────
	idx := indexer.New(cfg.Indexer.URL,
		indexer.WithTimeout(cfg.Indexer.Timeout),
		indexer.WithLogger(klog.Indexer),
	)

	// ── 7. Proxy ────────────────────────────────────────────────────
	p := proxy.New(idx, reg, cache, scanner, node,
		proxy.WithParams(params),
		proxy.WithAssumeUnindexed(cfg.Legacy.AssumeUnindexed),
		proxy.WithTxConcurrency(cfg.Legacy.TxConcurrency),
		proxy.WithLogger(klog.Proxy),
	)

	ctx, cancel := context.WithCancel(context.Background())
	s := &Service{
		ctx:      ctx,
		cancel:   cancel,
		cfg:      cfg,
		params:   params,
		logger:   logger,
		db:       db,
		cache:    cache,
		registry: reg,
		scanner:  scanner,
		proxy:    p,
	}

	// ── 8. API ──────────────────────────────────────────────────────
	s.apiServer = api.New(cfg.APIListenAddr(), p, cfg.API,
		api.WithHealth(s.Health),
		api.WithWriteTimeout(cfg.Node.ScanTimeout+cfg.Indexer.Timeout+cfg.Node.Timeout),
		api.WithLogger(klog.API),
	)

	return s, nil
}

// openCacheStore opens the configured backend. The first return value is
// the store to close on shutdown, the second the view the cache uses.
func openCacheStore(cfg *config.Config, logger zerolog.Logger) (storage.DB, storage.DB, error) {
	path := cfg.ScanCachePath()
	switch cfg.Cache.Backend {
	case config.CacheFile:
		db, err := storage.NewFile(path)
		if err != nil {
			return nil, nil, fmt.Errorf("open scan cache file %s: %w", path, err)
		}
		return db, db, nil
	default:
		db, err := openBadger(path, logger)
		if err != nil {
			return nil, nil, fmt.Errorf("open scan cache database at %s: %w", path, err)
		}
		return db, storage.NewPrefixDB(db, scanPrefix), nil
	}
}

// openBadger opens the Badger store at path. A store that cannot be opened
// for any reason other than another process holding it is moved aside and
// replaced with an empty one; the cache only ever holds refetchable scans.
func openBadger(path string, logger zerolog.Logger) (*storage.BadgerDB, error) {
	db, err := storage.NewBadger(path)
	if err == nil || errors.Is(err, storage.ErrLocked) {
		return db, err
	}
	if _, statErr := os.Stat(path); statErr != nil {
		return nil, err
	}

	aside := fmt.Sprintf("%s.corrupt-%d", path, time.Now().Unix())
	if renameErr := os.Rename(path, aside); renameErr != nil {
		return nil, errors.Join(err, renameErr)
	}
	logger.Warn().Err(err).
		Str("path", path).
		Str("moved_to", aside).
		Msg("Scan cache unreadable, starting empty")

	return storage.NewBadger(path)
}

// Start binds the API listener and starts background maintenance.
func (s *Service) Start() error {
	if err := s.apiServer.Start(); err != nil {
		return err
	}

	if bdb, ok := s.db.(*storage.BadgerDB); ok {
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			bdb.RunGC(s.ctx, gcInterval, func(n int, err error) {
				if err != nil {
					s.logger.Warn().Err(err).Msg("Scan cache garbage collection failed")
				} else if n > 0 {
					s.logger.Debug().Int("files", n).Msg("Scan cache value log compacted")
				}
			})
		}()
	}

	s.logger.Info().
		Str("addr", s.apiServer.Addr()).
		Int("registry_entries", s.registry.Len()).
		Msg("Proxy started successfully")
	return nil
}

// Stop shuts down the API and closes the cache store.
func (s *Service) Stop() {
	s.cancel()
	s.wg.Wait()

	if s.apiServer != nil {
		if err := s.apiServer.Stop(); err != nil {
			s.logger.Warn().Err(err).Msg("API shutdown")
		}
	}
	if s.cache != nil {
		s.cache.Close()
	}
	if s.db != nil {
		if err := s.db.Close(); err != nil {
			s.logger.Warn().Err(err).Msg("Closing scan cache store")
		}
	}

	s.logger.Info().Msg("Goodbye!")
}

// APIAddr returns the address the API server is listening on.
func (s *Service) APIAddr() string {
	return s.apiServer.Addr()
}

// Health reports registry and cache state for /healthz.
func (s *Service) Health() api.Health {
	return api.Health{
		Network:          string(s.cfg.Network),
		RegistryEntries:  s.registry.Len(),
		RegistryLoadedAt: s.registry.LoadedAt(),
		CachedScans:      s.cache.Len(),
	}
}

// Proxy exposes the merge engine for embedding binaries.
func (s *Service) Proxy() *proxy.Proxy {
	return s.proxy
}
