// Package scancache keeps scan results per address for a bounded time and
// persists them so a restart does not force every address to be rescanned.
package scancache

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/jellydator/ttlcache/v3"
	"github.com/rs/zerolog"

	"github.com/bitever-labs/p2pkproxy/internal/metrics"
	"github.com/bitever-labs/p2pkproxy/internal/scan"
	"github.com/bitever-labs/p2pkproxy/internal/storage"
)

// DefaultTTL is how long a scan result is served before it is refreshed.
const DefaultTTL = 300 * time.Second

// Entry is the persisted form of a cached scan: the wall-clock time of the
// scan in fractional unix seconds, and its result.
type Entry struct {
	Timestamp float64     `json:"timestamp"`
	Data      scan.Result `json:"data"`
}

// Time returns the entry timestamp as a time.Time.
func (e *Entry) Time() time.Time {
	return time.Unix(0, int64(e.Timestamp*float64(time.Second)))
}

func unixSeconds(t time.Time) float64 {
	return float64(t.UnixNano()) / float64(time.Second)
}

// Cache is a TTL-bounded, persisted address → scan result store.
//
// Reads are served from an in-memory snapshot without taking a lock; the
// ttlcache only drives expiry. Put writes through to the backing DB and
// returns only after the DB has accepted the entry.
type Cache struct {
	db     storage.DB
	ttl    time.Duration
	now    func() time.Time
	logger zerolog.Logger

	hot   *ttlcache.Cache[string, *Entry]
	fresh sync.Map // address → *Entry, mirrors hot
	locks sync.Map // address → *sync.Mutex
}

// Option configures a Cache.
type Option func(*Cache)

// WithTTL sets the freshness window.
func WithTTL(ttl time.Duration) Option {
	return func(c *Cache) {
		if ttl > 0 {
			c.ttl = ttl
		}
	}
}

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(c *Cache) {
		c.now = now
	}
}

// WithLogger sets the logger.
func WithLogger(l zerolog.Logger) Option {
	return func(c *Cache) {
		c.logger = l
	}
}

// New creates a cache over db and loads the fresh entries it holds.
// Unreadable storage and corrupt entries are logged and skipped.
func New(db storage.DB, opts ...Option) *Cache {
	c := &Cache{
		db:     db,
		ttl:    DefaultTTL,
		now:    time.Now,
		logger: zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(c)
	}
	c.hot = ttlcache.New[string, *Entry](
		ttlcache.WithTTL[string, *Entry](c.ttl),
		ttlcache.WithDisableTouchOnHit[string, *Entry](),
	)
	// Eviction callbacks run asynchronously, so only the evicted entry
	// itself is removed, never a newer one stored since.
	c.hot.OnEviction(func(_ context.Context, _ ttlcache.EvictionReason, item *ttlcache.Item[string, *Entry]) {
		c.fresh.CompareAndDelete(item.Key(), item.Value())
	})
	go c.hot.Start()

	c.load()
	return c
}

func (c *Cache) load() {
	var loaded, stale, corrupt int
	now := c.now()

	err := c.db.ForEach(nil, func(key, value []byte) error {
		var e Entry
		if err := json.Unmarshal(value, &e); err != nil {
			corrupt++
			c.logger.Debug().Err(err).Str("address", string(key)).Msg("Skipping corrupt cache entry")
			return nil
		}
		remaining := c.ttl - now.Sub(e.Time())
		if remaining <= 0 {
			stale++
			return nil
		}
		c.set(string(key), &e, remaining)
		loaded++
		return nil
	})
	if err != nil {
		c.logger.Warn().Err(err).Msg("Scan cache storage unreadable, starting empty")
		c.clear()
		return
	}

	c.logger.Info().
		Int("fresh", loaded).
		Int("stale", stale).
		Int("corrupt", corrupt).
		Msg("Scan cache loaded")
}

// Get returns the cached result for address if it is still fresh. The
// returned result is shared and must not be modified.
func (c *Cache) Get(address string) (*scan.Result, bool) {
	v, ok := c.fresh.Load(address)
	if !ok {
		metrics.CacheLookups.WithLabelValues("miss").Inc()
		return nil, false
	}
	e := v.(*Entry)
	if c.now().Sub(e.Time()) >= c.ttl {
		metrics.CacheLookups.WithLabelValues("stale").Inc()
		return nil, false
	}
	metrics.CacheLookups.WithLabelValues("hit").Inc()
	return &e.Data, true
}

// Put stores res for address, timestamped now. On error nothing changes.
func (c *Cache) Put(address string, res *scan.Result) error {
	mu := c.lock(address)
	mu.Lock()
	defer mu.Unlock()

	e := &Entry{Timestamp: unixSeconds(c.now()), Data: *res}
	value, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("encode cache entry: %w", err)
	}
	if err := c.db.Put([]byte(address), value); err != nil {
		return fmt.Errorf("persist cache entry: %w", err)
	}
	c.set(address, e, c.ttl)
	return nil
}

func (c *Cache) set(address string, e *Entry, ttl time.Duration) {
	c.fresh.Store(address, e)
	c.hot.Set(address, e, ttl)
}

func (c *Cache) clear() {
	c.hot.DeleteAll()
	c.fresh.Clear()
}

func (c *Cache) lock(address string) *sync.Mutex {
	mu, _ := c.locks.LoadOrStore(address, &sync.Mutex{})
	return mu.(*sync.Mutex)
}

// Len returns the number of entries held in memory.
func (c *Cache) Len() int {
	return c.hot.Len()
}

// Purge drops every cached result, in memory and on disk.
func (c *Cache) Purge() error {
	c.clear()
	if p, ok := c.db.(interface{ DeleteAll() error }); ok {
		return p.DeleteAll()
	}
	var keys [][]byte
	if err := c.db.ForEach(nil, func(key, _ []byte) error {
		keys = append(keys, key)
		return nil
	}); err != nil {
		return err
	}
	for _, k := range keys {
		if err := c.db.Delete(k); err != nil {
			return err
		}
	}
	return nil
}

// Close stops the expiry loop. The backing DB is owned by the caller.
func (c *Cache) Close() {
	c.hot.Stop()
}
