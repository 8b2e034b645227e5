package storage

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/dgraph-io/badger/v4"
)

// DefaultGCDiscardRatio is the share of stale data a value log file must
// hold before RunGC rewrites it.
const DefaultGCDiscardRatio = 0.5

// BadgerDB is a DB on an embedded Badger store. Scan results are small and
// overwritten every TTL, so the value log accumulates garbage quickly;
// long-running processes should call RunGC.
type BadgerDB struct {
	db *badger.DB
}

// BadgerOption adjusts the options used to open the store.
type BadgerOption func(badger.Options) badger.Options

// WithInMemory keeps the store entirely in memory. The path is ignored.
func WithInMemory() BadgerOption {
	return func(o badger.Options) badger.Options {
		return o.WithDir("").WithValueDir("").WithInMemory(true)
	}
}

// WithValueLogFileSize caps value log files, which bounds how much a single
// GC pass rewrites.
func WithValueLogFileSize(n int64) BadgerOption {
	return func(o badger.Options) badger.Options {
		return o.WithValueLogFileSize(n)
	}
}

// NewBadger opens the store at path. Writes are synced before Put returns.
func NewBadger(path string, opts ...BadgerOption) (*BadgerDB, error) {
	o := badger.DefaultOptions(path).
		WithSyncWrites(true).
		WithValueLogFileSize(64 << 20).
		WithNumVersionsToKeep(1).
		WithLogger(nil)
	for _, opt := range opts {
		o = opt(o)
	}

	db, err := badger.Open(o)
	if err != nil {
		msg := err.Error()
		if strings.Contains(msg, "Cannot acquire directory lock") ||
			strings.Contains(msg, "resource temporarily unavailable") {
			return nil, fmt.Errorf("scan cache at %s (is another p2pkproxyd running?): %w: %w", path, ErrLocked, err)
		}
		return nil, fmt.Errorf("open scan cache at %s: %w", path, err)
	}
	return &BadgerDB{db: db}, nil
}

// Get returns ErrNotFound for a missing key.
func (b *BadgerDB) Get(key []byte) ([]byte, error) {
	var val []byte
	err := b.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(key)
		if err != nil {
			return err
		}
		val, err = item.ValueCopy(nil)
		return err
	})
	switch {
	case errors.Is(err, badger.ErrKeyNotFound):
		return nil, ErrNotFound
	case err != nil:
		return nil, fmt.Errorf("badger get: %w", err)
	}
	return val, nil
}

func (b *BadgerDB) Put(key, value []byte) error {
	if err := b.db.Update(func(txn *badger.Txn) error {
		return txn.Set(key, value)
	}); err != nil {
		return fmt.Errorf("badger put: %w", err)
	}
	return nil
}

func (b *BadgerDB) Delete(key []byte) error {
	if err := b.db.Update(func(txn *badger.Txn) error {
		return txn.Delete(key)
	}); err != nil {
		return fmt.Errorf("badger delete: %w", err)
	}
	return nil
}

func (b *BadgerDB) Has(key []byte) (bool, error) {
	_, err := b.Get(key)
	switch {
	case errors.Is(err, ErrNotFound):
		return false, nil
	case err != nil:
		return false, err
	}
	return true, nil
}

// ForEach visits keys under prefix in key order. Keys and values are
// copies, so fn may keep them.
func (b *BadgerDB) ForEach(prefix []byte, fn func(key, value []byte) error) error {
	return b.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = prefix
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			item := it.Item()
			val, err := item.ValueCopy(nil)
			if err != nil {
				return err
			}
			if err := fn(item.KeyCopy(nil), val); err != nil {
				return err
			}
		}
		return nil
	})
}

// DropPrefix removes every key under prefix without reading the values.
// An empty prefix drops everything.
func (b *BadgerDB) DropPrefix(prefix []byte) error {
	var err error
	if len(prefix) == 0 {
		err = b.db.DropAll()
	} else {
		err = b.db.DropPrefix(prefix)
	}
	if err != nil {
		return fmt.Errorf("badger drop: %w", err)
	}
	return nil
}

// CollectGarbage rewrites value log files until none is worth rewriting.
// It reports how many files were rewritten.
func (b *BadgerDB) CollectGarbage(discardRatio float64) (int, error) {
	n := 0
	for {
		err := b.db.RunValueLogGC(discardRatio)
		switch {
		case err == nil:
			n++
		case errors.Is(err, badger.ErrNoRewrite), errors.Is(err, badger.ErrRejected),
			errors.Is(err, badger.ErrGCInMemoryMode):
			return n, nil
		default:
			return n, fmt.Errorf("badger gc: %w", err)
		}
	}
}

// RunGC collects value log garbage every interval until ctx is done.
// onPass, if set, receives the result of each pass.
func (b *BadgerDB) RunGC(ctx context.Context, interval time.Duration, onPass func(rewritten int, err error)) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := b.CollectGarbage(DefaultGCDiscardRatio)
			if onPass != nil {
				onPass(n, err)
			}
		}
	}
}

func (b *BadgerDB) Close() error {
	return b.db.Close()
}
