package storage

import (
	"bytes"
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"
)

// testDB runs the shared test suite against a DB implementation.
func testDB(t *testing.T, db DB) {
	t.Helper()

	t.Run("PutAndGet", func(t *testing.T) {
		err := db.Put([]byte("key1"), []byte("value1"))
		if err != nil {
			t.Fatalf("Put() error: %v", err)
		}

		val, err := db.Get([]byte("key1"))
		if err != nil {
			t.Fatalf("Get() error: %v", err)
		}
		if !bytes.Equal(val, []byte("value1")) {
			t.Errorf("Get() = %q, want %q", val, "value1")
		}
	})

	t.Run("GetNonexistent", func(t *testing.T) {
		_, err := db.Get([]byte("nonexistent"))
		if !errors.Is(err, ErrNotFound) {
			t.Errorf("Get() for missing key error = %v, want ErrNotFound", err)
		}
	})

	t.Run("Has", func(t *testing.T) {
		db.Put([]byte("exists"), []byte("yes"))

		ok, err := db.Has([]byte("exists"))
		if err != nil {
			t.Fatalf("Has() error: %v", err)
		}
		if !ok {
			t.Error("Has() = false for existing key")
		}

		ok, err = db.Has([]byte("missing"))
		if err != nil {
			t.Fatalf("Has() error: %v", err)
		}
		if ok {
			t.Error("Has() = true for missing key")
		}
	})

	t.Run("Overwrite", func(t *testing.T) {
		db.Put([]byte("ow"), []byte("first"))
		db.Put([]byte("ow"), []byte("second"))

		val, err := db.Get([]byte("ow"))
		if err != nil {
			t.Fatalf("Get() error: %v", err)
		}
		if !bytes.Equal(val, []byte("second")) {
			t.Errorf("Get() after overwrite = %q, want %q", val, "second")
		}
	})

	t.Run("Delete", func(t *testing.T) {
		db.Put([]byte("del"), []byte("value"))

		err := db.Delete([]byte("del"))
		if err != nil {
			t.Fatalf("Delete() error: %v", err)
		}

		ok, _ := db.Has([]byte("del"))
		if ok {
			t.Error("key should be gone after Delete()")
		}

		_, err = db.Get([]byte("del"))
		if err == nil {
			t.Error("Get() after Delete() should return error")
		}
	})

	t.Run("DeleteNonexistent", func(t *testing.T) {
		// Deleting a nonexistent key should not error.
		err := db.Delete([]byte("never-existed"))
		if err != nil {
			t.Errorf("Delete() nonexistent key error: %v", err)
		}
	})

	t.Run("ConcurrentPut", func(t *testing.T) {
		var wg sync.WaitGroup
		for i := 0; i < 16; i++ {
			wg.Add(1)
			go func(i int) {
				defer wg.Done()
				key := []byte{'c', byte(i)}
				if err := db.Put(key, []byte{byte(i)}); err != nil {
					t.Errorf("Put() error: %v", err)
				}
				if _, err := db.Get(key); err != nil {
					t.Errorf("Get() error: %v", err)
				}
			}(i)
		}
		wg.Wait()
	})

	t.Run("EmptyValue", func(t *testing.T) {
		err := db.Put([]byte("empty"), []byte{})
		if err != nil {
			t.Fatalf("Put() empty value error: %v", err)
		}

		val, err := db.Get([]byte("empty"))
		if err != nil {
			t.Fatalf("Get() empty value error: %v", err)
		}
		if len(val) != 0 {
			t.Errorf("expected empty value, got %d bytes", len(val))
		}
	})

	t.Run("BinaryData", func(t *testing.T) {
		key := []byte{0x00, 0x01, 0xFF}
		value := make([]byte, 256)
		for i := range value {
			value[i] = byte(i)
		}

		err := db.Put(key, value)
		if err != nil {
			t.Fatalf("Put() binary error: %v", err)
		}

		got, err := db.Get(key)
		if err != nil {
			t.Fatalf("Get() binary error: %v", err)
		}
		if !bytes.Equal(got, value) {
			t.Error("binary roundtrip failed")
		}
	})

	t.Run("ForEach", func(t *testing.T) {
		db.Put([]byte("prefix/a"), []byte("1"))
		db.Put([]byte("prefix/b"), []byte("2"))
		db.Put([]byte("prefix/c"), []byte("3"))
		db.Put([]byte("other/x"), []byte("4"))

		var count int
		err := db.ForEach([]byte("prefix/"), func(key, value []byte) error {
			count++
			return nil
		})
		if err != nil {
			t.Fatalf("ForEach() error: %v", err)
		}
		if count != 3 {
			t.Errorf("ForEach(prefix/) count = %d, want 3", count)
		}
	})

	t.Run("ForEachEmpty", func(t *testing.T) {
		var count int
		err := db.ForEach([]byte("nonexistent/"), func(key, value []byte) error {
			count++
			return nil
		})
		if err != nil {
			t.Fatalf("ForEach() error: %v", err)
		}
		if count != 0 {
			t.Errorf("ForEach(nonexistent/) count = %d, want 0", count)
		}
	})
}

func TestMemoryDB(t *testing.T) {
	db := NewMemory()
	defer db.Close()
	testDB(t, db)
}

func TestBadgerDB(t *testing.T) {
	dir := t.TempDir()
	db, err := NewBadger(dir)
	if err != nil {
		t.Fatalf("NewBadger() error: %v", err)
	}
	defer db.Close()
	testDB(t, db)
}

func TestBadgerDB_Persistence(t *testing.T) {
	dir := t.TempDir()

	// Write data.
	db1, err := NewBadger(dir)
	if err != nil {
		t.Fatalf("NewBadger() error: %v", err)
	}
	db1.Put([]byte("persist"), []byte("data"))
	db1.Close()

	// Reopen and read.
	db2, err := NewBadger(dir)
	if err != nil {
		t.Fatalf("NewBadger() reopen error: %v", err)
	}
	defer db2.Close()

	val, err := db2.Get([]byte("persist"))
	if err != nil {
		t.Fatalf("Get() after reopen error: %v", err)
	}
	if !bytes.Equal(val, []byte("data")) {
		t.Errorf("persisted value = %q, want %q", val, "data")
	}
}

func TestBadgerDB_LockedByAnotherHandle(t *testing.T) {
	dir := t.TempDir()
	db, err := NewBadger(dir)
	if err != nil {
		t.Fatalf("NewBadger() error: %v", err)
	}
	defer db.Close()

	if _, err := NewBadger(dir); !errors.Is(err, ErrLocked) {
		t.Fatalf("second NewBadger() error = %v, want ErrLocked", err)
	}
}

func TestFileDB_ReloadKeepsValueBytes(t *testing.T) {
	path := filepath.Join(t.TempDir(), "cache.json")
	db, err := NewFile(path)
	if err != nil {
		t.Fatalf("NewFile() error: %v", err)
	}
	in := []byte(`{"timestamp":1,"data":{"chain_stats":{"tx_count":2}}}`)
	if err := db.Put([]byte("k"), in); err != nil {
		t.Fatalf("Put() error: %v", err)
	}
	before, _ := db.Get([]byte("k"))

	reopened, err := NewFile(path)
	if err != nil {
		t.Fatalf("NewFile() reopen error: %v", err)
	}
	after, err := reopened.Get([]byte("k"))
	if err != nil {
		t.Fatalf("Get() after reopen error: %v", err)
	}
	if !bytes.Equal(before, in) || !bytes.Equal(after, in) {
		t.Errorf("value before = %s, after = %s, want %s", before, after, in)
	}
}

func TestFileDB_PutGetPersist(t *testing.T) {
	path := filepath.Join(t.TempDir(), "cache.json")

	db, err := NewFile(path)
	if err != nil {
		t.Fatalf("NewFile() error: %v", err)
	}
	if err := db.Put([]byte("1A1zP1eP5QGefi2DMPTfTL5SLmv7DivfNa"), []byte(`{"timestamp":1}`)); err != nil {
		t.Fatalf("Put() error: %v", err)
	}
	if err := db.Put([]byte("bad"), []byte("not json")); !errors.Is(err, ErrNotJSON) {
		t.Fatalf("Put() non-JSON error = %v, want ErrNotJSON", err)
	}

	reopened, err := NewFile(path)
	if err != nil {
		t.Fatalf("NewFile() reopen error: %v", err)
	}
	val, err := reopened.Get([]byte("1A1zP1eP5QGefi2DMPTfTL5SLmv7DivfNa"))
	if err != nil {
		t.Fatalf("Get() after reopen error: %v", err)
	}
	if string(val) != `{"timestamp":1}` {
		t.Errorf("persisted value = %s", val)
	}
	if ok, _ := reopened.Has([]byte("bad")); ok {
		t.Error("rejected value should not be stored")
	}
}

func TestFileDB_DeleteAndForEach(t *testing.T) {
	db, err := NewFile(filepath.Join(t.TempDir(), "cache.json"))
	if err != nil {
		t.Fatalf("NewFile() error: %v", err)
	}
	for _, k := range []string{"b", "a", "c"} {
		if err := db.Put([]byte(k), []byte(`"`+k+`"`)); err != nil {
			t.Fatalf("Put(%s) error: %v", k, err)
		}
	}
	if err := db.Delete([]byte("c")); err != nil {
		t.Fatalf("Delete() error: %v", err)
	}

	var keys []string
	db.ForEach(nil, func(key, _ []byte) error {
		keys = append(keys, string(key))
		return nil
	})
	if len(keys) != 2 || keys[0] != "a" || keys[1] != "b" {
		t.Errorf("ForEach keys = %v, want [a b]", keys)
	}
}

func TestFileDB_CorruptFileStartsEmpty(t *testing.T) {
	path := filepath.Join(t.TempDir(), "cache.json")
	if err := os.WriteFile(path, []byte("{truncated"), 0644); err != nil {
		t.Fatal(err)
	}

	db, err := NewFile(path)
	if err != nil {
		t.Fatalf("NewFile() on corrupt file error: %v", err)
	}
	if ok, _ := db.Has([]byte("anything")); ok {
		t.Error("corrupt file should load as empty")
	}

	if err := db.Put([]byte("k"), []byte("1")); err != nil {
		t.Fatalf("Put() error: %v", err)
	}
	raw, _ := os.ReadFile(path)
	if !bytes.Contains(raw, []byte(`"k": 1`)) {
		t.Errorf("file not rewritten: %s", raw)
	}
}

func TestWriteFileAtomic_LeavesNoTempFiles(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "out.json")
	if err := WriteFileAtomic(path, []byte("{}"), 0644); err != nil {
		t.Fatalf("WriteFileAtomic() error: %v", err)
	}
	entries, _ := os.ReadDir(dir)
	if len(entries) != 1 {
		t.Errorf("dir has %d entries, want 1", len(entries))
	}
}

func TestBadgerDB_InMemory(t *testing.T) {
	db, err := NewBadger("", WithInMemory())
	if err != nil {
		t.Fatalf("NewBadger(in-memory) error: %v", err)
	}
	defer db.Close()
	testDB(t, db)

	// GC is a no-op without a value log on disk.
	if _, err := db.CollectGarbage(DefaultGCDiscardRatio); err != nil {
		t.Fatalf("CollectGarbage(in-memory) error: %v", err)
	}
}

func TestBadgerDB_DropPrefix(t *testing.T) {
	db, err := NewBadger(t.TempDir())
	if err != nil {
		t.Fatalf("NewBadger() error: %v", err)
	}
	defer db.Close()

	db.Put([]byte("scan/1abc"), []byte("1"))
	db.Put([]byte("scan/1abd"), []byte("2"))
	db.Put([]byte("other"), []byte("3"))

	if err := db.DropPrefix([]byte("scan/")); err != nil {
		t.Fatalf("DropPrefix() error: %v", err)
	}
	if ok, _ := db.Has([]byte("scan/1abc")); ok {
		t.Error("scan/1abc survived DropPrefix")
	}
	if ok, _ := db.Has([]byte("other")); !ok {
		t.Error("other was dropped")
	}

	if err := db.DropPrefix(nil); err != nil {
		t.Fatalf("DropPrefix(nil) error: %v", err)
	}
	if ok, _ := db.Has([]byte("other")); ok {
		t.Error("DropPrefix(nil) left keys behind")
	}
}

func TestBadgerDB_RunGCStopsWithContext(t *testing.T) {
	db, err := NewBadger(t.TempDir(), WithValueLogFileSize(1<<20))
	if err != nil {
		t.Fatalf("NewBadger() error: %v", err)
	}
	defer db.Close()

	for i := 0; i < 50; i++ {
		db.Put([]byte("scan/addr"), bytes.Repeat([]byte("x"), 4096))
	}

	ctx, cancel := context.WithCancel(context.Background())
	passes := make(chan error, 16)
	done := make(chan struct{})
	go func() {
		db.RunGC(ctx, 10*time.Millisecond, func(_ int, err error) {
			select {
			case passes <- err:
			default:
			}
		})
		close(done)
	}()

	select {
	case err := <-passes:
		if err != nil {
			t.Fatalf("GC pass error: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("no GC pass ran")
	}

	cancel()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("RunGC did not return after cancel")
	}
}
