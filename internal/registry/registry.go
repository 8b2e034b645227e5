// Package registry holds the address → raw P2PK script mapping produced by
// the offline block scan, and hot-reloads it when the file changes.
package registry

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/btcsuite/btcd/chaincfg"
	"github.com/rs/zerolog"

	"github.com/bitever-labs/p2pkproxy/internal/metrics"
	"github.com/bitever-labs/p2pkproxy/internal/storage"
	"github.com/bitever-labs/p2pkproxy/pkg/p2pk"
)

// ErrEmpty is returned by Reload when the file parsed but held no usable
// entries; the previous snapshot is kept.
var ErrEmpty = errors.New("registry file has no valid entries")

type snapshot struct {
	scripts  map[string]string
	modTime  time.Time
	loadedAt time.Time
}

// Registry is a hot-reloadable, read-mostly address → script map.
type Registry struct {
	path   string
	params *chaincfg.Params
	verify bool
	logger zerolog.Logger

	snap   atomic.Pointer[snapshot]
	loadMu sync.Mutex
}

// Option configures a Registry.
type Option func(*Registry)

// WithVerify makes every entry's key pass a curve check and hash to its
// address before it is accepted.
func WithVerify(params *chaincfg.Params) Option {
	return func(r *Registry) {
		r.verify = true
		r.params = params
	}
}

// WithLogger sets the logger.
func WithLogger(l zerolog.Logger) Option {
	return func(r *Registry) {
		r.logger = l
	}
}

// New creates a registry for path. Nothing is read until Reload.
func New(path string, opts ...Option) *Registry {
	r := &Registry{
		path:   path,
		params: &chaincfg.MainNetParams,
		logger: zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(r)
	}
	r.snap.Store(&snapshot{scripts: map[string]string{}})
	return r
}

// Path returns the registry file path.
func (r *Registry) Path() string {
	return r.path
}

// Lookup returns the raw script hex registered for address.
func (r *Registry) Lookup(address string) (string, bool) {
	script, ok := r.snap.Load().scripts[address]
	return script, ok
}

// Len returns the number of entries in the current snapshot.
func (r *Registry) Len() int {
	return len(r.snap.Load().scripts)
}

// LoadedAt returns when the current snapshot was loaded (zero if never).
func (r *Registry) LoadedAt() time.Time {
	return r.snap.Load().loadedAt
}

// Reload re-reads the file if its modification time advanced since the last
// successful load. Any failure keeps the current snapshot. If another
// goroutine is already reloading, Reload returns immediately.
func (r *Registry) Reload() error {
	if !r.loadMu.TryLock() {
		return nil
	}
	defer r.loadMu.Unlock()

	cur := r.snap.Load()

	info, err := os.Stat(r.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		metrics.RegistryReloads.WithLabelValues("error").Inc()
		return fmt.Errorf("stat registry: %w", err)
	}
	if !info.ModTime().After(cur.modTime) {
		return nil
	}

	scripts, skipped, err := r.parse()
	if err != nil {
		metrics.RegistryReloads.WithLabelValues("error").Inc()
		r.logger.Warn().Err(err).Str("path", r.path).Int("kept", len(cur.scripts)).
			Msg("Registry reload failed, keeping previous entries")
		return err
	}

	r.snap.Store(&snapshot{
		scripts:  scripts,
		modTime:  info.ModTime(),
		loadedAt: time.Now(),
	})
	metrics.RegistryReloads.WithLabelValues("ok").Inc()
	metrics.RegistryEntries.Set(float64(len(scripts)))

	r.logger.Info().
		Str("path", r.path).
		Int("entries", len(scripts)).
		Int("skipped", skipped).
		Msg("Registry loaded")
	return nil
}

func (r *Registry) parse() (map[string]string, int, error) {
	raw, err := os.ReadFile(r.path)
	if err != nil {
		return nil, 0, fmt.Errorf("read registry: %w", err)
	}

	var entries map[string]string
	if err := json.Unmarshal(raw, &entries); err != nil {
		return nil, 0, fmt.Errorf("parse registry: %w", err)
	}

	scripts := make(map[string]string, len(entries))
	skipped := 0
	for addr, scriptHex := range entries {
		if err := r.check(addr, scriptHex); err != nil {
			skipped++
			r.logger.Debug().Err(err).Str("address", addr).Msg("Skipping registry entry")
			continue
		}
		scripts[addr] = scriptHex
	}
	if len(scripts) == 0 && len(entries) > 0 {
		return nil, skipped, ErrEmpty
	}
	return scripts, skipped, nil
}

func (r *Registry) check(addr, scriptHex string) error {
	script, err := p2pk.ParseHex(scriptHex)
	if err != nil {
		return err
	}
	if !r.verify {
		return nil
	}
	if err := p2pk.Verify(script); err != nil {
		return err
	}
	derived, err := p2pk.AddressFromScript(script, r.params)
	if err != nil {
		return err
	}
	if derived != addr {
		return fmt.Errorf("script hashes to %s", derived)
	}
	return nil
}

// WriteFile atomically writes entries in the registry file format.
func WriteFile(path string, entries map[string]string) error {
	body, err := json.MarshalIndent(entries, "", "    ")
	if err != nil {
		return fmt.Errorf("marshal registry: %w", err)
	}
	return storage.WriteFileAtomic(path, body, 0644)
}

// ReadFile reads a registry file without validation. A missing file
// yields an empty map.
func ReadFile(path string) (map[string]string, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return map[string]string{}, nil
		}
		return nil, err
	}
	entries := map[string]string{}
	if err := json.Unmarshal(raw, &entries); err != nil {
		return nil, fmt.Errorf("parse registry: %w", err)
	}
	return entries, nil
}
