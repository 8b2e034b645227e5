package storage

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
)

// ErrNotJSON is returned by FileDB.Put when the value is not a JSON document.
var ErrNotJSON = errors.New("value is not valid JSON")

// FileDB implements DB as a single JSON object file mapping keys to JSON
// values. Every write rewrites the whole file through a temp file and a
// rename, so readers of the file never observe a partial document.
type FileDB struct {
	path string

	mu   sync.RWMutex
	data map[string]json.RawMessage
}

// NewFile opens (or creates on first write) a JSON object file. A missing
// or corrupt file starts out empty; the corrupt file is left in place until
// the first successful write replaces it.
func NewFile(path string) (*FileDB, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("create dir for %s: %w", path, err)
	}

	f := &FileDB{path: path, data: make(map[string]json.RawMessage)}

	raw, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return f, nil
		}
		return nil, fmt.Errorf("read %s: %w", path, err)
	}
	if err := json.Unmarshal(raw, &f.data); err != nil || f.data == nil {
		f.data = make(map[string]json.RawMessage)
	}
	// The file is indented; values are kept compact so Get returns the same
	// bytes before and after a restart.
	for k, v := range f.data {
		f.data[k] = compact(v)
	}
	return f, nil
}

// Path returns the backing file path.
func (f *FileDB) Path() string {
	return f.path
}

// Get retrieves a value by key.
func (f *FileDB) Get(key []byte) ([]byte, error) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	v, ok := f.data[string(key)]
	if !ok {
		return nil, ErrNotFound
	}
	return append([]byte(nil), v...), nil
}

// Put stores a JSON value and rewrites the file before returning.
func (f *FileDB) Put(key, value []byte) error {
	if !json.Valid(value) {
		return ErrNotJSON
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	prev, had := f.data[string(key)]
	f.data[string(key)] = compact(value)
	if err := f.flushLocked(); err != nil {
		if had {
			f.data[string(key)] = prev
		} else {
			delete(f.data, string(key))
		}
		return err
	}
	return nil
}

// Delete removes a key and rewrites the file.
func (f *FileDB) Delete(key []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	prev, had := f.data[string(key)]
	if !had {
		return nil
	}
	delete(f.data, string(key))
	if err := f.flushLocked(); err != nil {
		f.data[string(key)] = prev
		return err
	}
	return nil
}

// Has checks if a key exists.
func (f *FileDB) Has(key []byte) (bool, error) {
	f.mu.RLock()
	_, ok := f.data[string(key)]
	f.mu.RUnlock()
	return ok, nil
}

// ForEach iterates over all keys with the given prefix in key order.
func (f *FileDB) ForEach(prefix []byte, fn func(key, value []byte) error) error {
	p := string(prefix)

	f.mu.RLock()
	keys := make([]string, 0, len(f.data))
	for k := range f.data {
		if strings.HasPrefix(k, p) {
			keys = append(keys, k)
		}
	}
	vals := make(map[string][]byte, len(keys))
	for _, k := range keys {
		vals[k] = append([]byte(nil), f.data[k]...)
	}
	f.mu.RUnlock()

	sort.Strings(keys)
	for _, k := range keys {
		if err := fn([]byte(k), vals[k]); err != nil {
			return err
		}
	}
	return nil
}

// Close is a no-op; every write is already on disk.
func (f *FileDB) Close() error {
	return nil
}

func compact(v []byte) json.RawMessage {
	var buf bytes.Buffer
	if err := json.Compact(&buf, v); err != nil {
		return append(json.RawMessage(nil), v...)
	}
	return buf.Bytes()
}

// flushLocked writes the whole map to disk. Caller holds f.mu.
func (f *FileDB) flushLocked() error {
	body, err := json.MarshalIndent(f.data, "", "    ")
	if err != nil {
		return fmt.Errorf("marshal %s: %w", f.path, err)
	}
	return WriteFileAtomic(f.path, body, 0644)
}

// WriteFileAtomic writes data to a temp file in the same directory, syncs
// it, and renames it over path.
func WriteFileAtomic(path string, data []byte, perm os.FileMode) error {
	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, "."+filepath.Base(path)+".tmp-*")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName) // no-op after a successful rename

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("write temp file: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("sync temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close temp file: %w", err)
	}
	if err := os.Chmod(tmpName, perm); err != nil {
		return fmt.Errorf("chmod temp file: %w", err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		return fmt.Errorf("rename into %s: %w", path, err)
	}
	return nil
}
