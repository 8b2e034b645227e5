package registry

import (
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/btcsuite/btcd/chaincfg"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	genesisAddr   = "1A1zP1eP5QGefi2DMPTfTL5SLmv7DivfNa"
	genesisScript = "4104678afdb0fe5548271967f1a67130b7105cd6a828e03909a67962e0ea1f61deb649f6bc3f4cef38c4f35504e51ec112de5c384df7ba0b8d578a4c702b6bf11d5fac"
	block1Addr    = "12c6DSiU4Rq3P4ZxziKxzrL5LmMBrzjrJX"
	block1Script  = "410496b538e853519c726a2c91e61ec11600ae1390813a627c66fb8be7947be63c52da7589379515d4e0a604f8141781e62294721166bf621e73a82cbf2342c858eeac"
)

// writeAt writes body to path and stamps it with mtime.
func writeAt(t *testing.T, path, body string, mtime time.Time) {
	t.Helper()
	require.NoError(t, os.WriteFile(path, []byte(body), 0644))
	require.NoError(t, os.Chtimes(path, mtime, mtime))
}

func TestReload_LoadsAndLooksUp(t *testing.T) {
	path := filepath.Join(t.TempDir(), "p2pk_map.json")
	require.NoError(t, WriteFile(path, map[string]string{genesisAddr: genesisScript}))

	r := New(path)
	_, ok := r.Lookup(genesisAddr)
	assert.False(t, ok, "nothing is known before the first reload")

	require.NoError(t, r.Reload())
	script, ok := r.Lookup(genesisAddr)
	require.True(t, ok)
	assert.Equal(t, genesisScript, script)
	assert.Equal(t, 1, r.Len())
	assert.False(t, r.LoadedAt().IsZero())
}

func TestReload_OnlyWhenMtimeAdvances(t *testing.T) {
	path := filepath.Join(t.TempDir(), "p2pk_map.json")
	base := time.Now().Add(-time.Hour)
	writeAt(t, path, `{"`+genesisAddr+`":"`+genesisScript+`"}`, base)

	r := New(path)
	require.NoError(t, r.Reload())
	assert.Equal(t, 1, r.Len())

	// Same mtime: content changes are not picked up.
	writeAt(t, path, `{"`+block1Addr+`":"`+block1Script+`"}`, base)
	require.NoError(t, r.Reload())
	_, ok := r.Lookup(genesisAddr)
	assert.True(t, ok)

	// Newer mtime: whole mapping is replaced.
	writeAt(t, path, `{"`+block1Addr+`":"`+block1Script+`"}`, base.Add(time.Minute))
	require.NoError(t, r.Reload())
	_, ok = r.Lookup(genesisAddr)
	assert.False(t, ok, "entries absent from the new file are gone")
	_, ok = r.Lookup(block1Addr)
	assert.True(t, ok)
}

func TestReload_MalformedKeepsPrevious(t *testing.T) {
	path := filepath.Join(t.TempDir(), "p2pk_map.json")
	base := time.Now().Add(-time.Hour)
	writeAt(t, path, `{"`+genesisAddr+`":"`+genesisScript+`"}`, base)

	r := New(path)
	require.NoError(t, r.Reload())

	writeAt(t, path, `{"truncated`, base.Add(time.Minute))
	assert.Error(t, r.Reload())
	_, ok := r.Lookup(genesisAddr)
	assert.True(t, ok, "previous snapshot survives a bad file")

	// A later good write is still picked up.
	writeAt(t, path, `{"`+block1Addr+`":"`+block1Script+`"}`, base.Add(2*time.Minute))
	require.NoError(t, r.Reload())
	_, ok = r.Lookup(block1Addr)
	assert.True(t, ok)
}

func TestReload_MissingFile(t *testing.T) {
	r := New(filepath.Join(t.TempDir(), "absent.json"))
	assert.NoError(t, r.Reload())
	assert.Equal(t, 0, r.Len())
}

func TestReload_SkipsInvalidEntries(t *testing.T) {
	path := filepath.Join(t.TempDir(), "p2pk_map.json")
	require.NoError(t, WriteFile(path, map[string]string{
		genesisAddr: genesisScript,
		"1Bad":      "76a91400",
		"1NotHex":   "zz",
	}))

	r := New(path)
	require.NoError(t, r.Reload())
	assert.Equal(t, 1, r.Len())
}

func TestReload_AllInvalidKeepsPrevious(t *testing.T) {
	path := filepath.Join(t.TempDir(), "p2pk_map.json")
	base := time.Now().Add(-time.Hour)
	writeAt(t, path, `{"`+genesisAddr+`":"`+genesisScript+`"}`, base)

	r := New(path)
	require.NoError(t, r.Reload())

	writeAt(t, path, `{"1Bad":"00"}`, base.Add(time.Minute))
	assert.ErrorIs(t, r.Reload(), ErrEmpty)
	assert.Equal(t, 1, r.Len())
}

func TestReload_VerifyRejectsMismatchedAddress(t *testing.T) {
	path := filepath.Join(t.TempDir(), "p2pk_map.json")
	require.NoError(t, WriteFile(path, map[string]string{
		genesisAddr: genesisScript,
		block1Addr:  genesisScript, // wrong key for this address
	}))

	r := New(path, WithVerify(&chaincfg.MainNetParams))
	require.NoError(t, r.Reload())
	_, ok := r.Lookup(genesisAddr)
	assert.True(t, ok)
	_, ok = r.Lookup(block1Addr)
	assert.False(t, ok)
}

func TestLookup_ConcurrentWithReload(t *testing.T) {
	path := filepath.Join(t.TempDir(), "p2pk_map.json")
	base := time.Now().Add(-time.Hour)
	writeAt(t, path, `{"`+genesisAddr+`":"`+genesisScript+`"}`, base)

	r := New(path)
	require.NoError(t, r.Reload())

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				r.Lookup(genesisAddr)
				r.Reload()
			}
		}(i)
	}
	writeAt(t, path, `{"`+genesisAddr+`":"`+genesisScript+`","`+block1Addr+`":"`+block1Script+`"}`, base.Add(time.Minute))
	wg.Wait()

	require.NoError(t, r.Reload())
	assert.Equal(t, 2, r.Len())
}

func TestReadFile(t *testing.T) {
	dir := t.TempDir()
	entries, err := ReadFile(filepath.Join(dir, "absent.json"))
	require.NoError(t, err)
	assert.Empty(t, entries)

	path := filepath.Join(dir, "p2pk_map.json")
	require.NoError(t, WriteFile(path, map[string]string{genesisAddr: genesisScript}))
	entries, err = ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, genesisScript, entries[genesisAddr])
}
