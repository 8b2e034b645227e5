// Package storage provides the key/value stores backing the scan cache.
package storage

import "errors"

// ErrNotFound is returned by Get when a key does not exist.
var ErrNotFound = errors.New("key not found")

// ErrLocked is returned when another process holds the store open.
var ErrLocked = errors.New("store is locked by another process")

// DB is the interface for key-value storage.
//
// Implementations must be safe for concurrent use. Put must not return
// before the value is durable for persistent backends.
type DB interface {
	Get(key []byte) ([]byte, error)
	Put(key, value []byte) error
	Delete(key []byte) error
	Has(key []byte) (bool, error)
	// ForEach iterates over all keys with the given prefix.
	// The callback receives a copy of the key and value.
	// Return a non-nil error from fn to stop iteration early.
	ForEach(prefix []byte, fn func(key, value []byte) error) error
	Close() error
}
