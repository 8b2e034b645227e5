// Package mapbuild walks the block chain through a node's JSON-RPC
// interface and collects every P2PK output script, keyed by the address
// the script's public key hashes to.
package mapbuild

import (
	"context"
	"encoding/hex"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/btcsuite/btcd/btcjson"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/bitever-labs/p2pkproxy/pkg/p2pk"
)

const (
	// DefaultWorkers bounds concurrent block fetches.
	DefaultWorkers = 8

	// DefaultProgressEvery is the block interval between progress lines.
	DefaultProgressEvery = 1000
)

// Chain is the subset of node RPC the builder needs.
type Chain interface {
	GetBlockHash(ctx context.Context, height int64) (string, error)
	GetBlockVerboseTx(ctx context.Context, hash string) (*btcjson.GetBlockVerboseTxResult, error)
}

// Stats summarizes a build.
type Stats struct {
	Blocks    int64 // blocks scanned successfully
	Failed    int64 // blocks skipped after an RPC error
	Scripts   int64 // P2PK outputs seen, duplicates included
	Addresses int
	Elapsed   time.Duration
}

// Builder collects P2PK scripts over a height range.
type Builder struct {
	chain    Chain
	params   *chaincfg.Params
	workers  int
	progress int64
	logger   zerolog.Logger
}

// Option configures a Builder.
type Option func(*Builder)

// WithParams sets the network used for address encoding.
func WithParams(params *chaincfg.Params) Option {
	return func(b *Builder) {
		b.params = params
	}
}

// WithWorkers sets how many blocks are fetched concurrently.
func WithWorkers(n int) Option {
	return func(b *Builder) {
		if n > 0 {
			b.workers = n
		}
	}
}

// WithProgressEvery sets the progress logging interval in blocks.
func WithProgressEvery(n int64) Option {
	return func(b *Builder) {
		if n > 0 {
			b.progress = n
		}
	}
}

// WithLogger sets the logger.
func WithLogger(l zerolog.Logger) Option {
	return func(b *Builder) {
		b.logger = l
	}
}

// New creates a Builder.
func New(chain Chain, opts ...Option) *Builder {
	b := &Builder{
		chain:    chain,
		params:   &chaincfg.MainNetParams,
		workers:  DefaultWorkers,
		progress: DefaultProgressEvery,
		logger:   zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Build scans heights [from, to) and returns address → script hex. A block
// that cannot be fetched is logged and skipped. Build only fails when ctx
// is cancelled.
func (b *Builder) Build(ctx context.Context, from, to int64) (map[string]string, Stats, error) {
	if from < 0 || to < from {
		return nil, Stats{}, fmt.Errorf("invalid height range [%d, %d)", from, to)
	}

	start := time.Now()
	var (
		mu      sync.Mutex
		found   = make(map[string]string)
		blocks  atomic.Int64
		failed  atomic.Int64
		scripts atomic.Int64
	)

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(b.workers)

	for height := from; height < to; height++ {
		if gctx.Err() != nil {
			break
		}
		if height%b.progress == 0 {
			mu.Lock()
			n := len(found)
			mu.Unlock()
			b.logger.Info().Int64("height", height).Int("addresses", n).Msg("Scanning blocks")
		}

		g.Go(func() error {
			entries, err := b.block(gctx, height)
			if err != nil {
				if gctx.Err() != nil {
					return gctx.Err()
				}
				failed.Add(1)
				b.logger.Warn().Err(err).Int64("height", height).Msg("Block skipped")
				return nil
			}
			blocks.Add(1)
			scripts.Add(int64(len(entries)))

			mu.Lock()
			for addr, script := range entries {
				found[addr] = script
			}
			mu.Unlock()
			return nil
		})
	}

	err := g.Wait()
	if err == nil {
		err = ctx.Err()
	}

	stats := Stats{
		Blocks:    blocks.Load(),
		Failed:    failed.Load(),
		Scripts:   scripts.Load(),
		Addresses: len(found),
		Elapsed:   time.Since(start),
	}
	if err != nil {
		return nil, stats, err
	}
	return found, stats, nil
}

// block returns the P2PK scripts of one block keyed by address.
func (b *Builder) block(ctx context.Context, height int64) (map[string]string, error) {
	hash, err := b.chain.GetBlockHash(ctx, height)
	if err != nil {
		return nil, err
	}
	blk, err := b.chain.GetBlockVerboseTx(ctx, hash)
	if err != nil {
		return nil, err
	}

	entries := make(map[string]string)
	for _, tx := range blk.Tx {
		for _, out := range tx.Vout {
			script, err := hex.DecodeString(out.ScriptPubKey.Hex)
			if err != nil || !p2pk.IsP2PK(script) {
				continue
			}
			addr, err := p2pk.AddressFromScript(script, b.params)
			if err != nil {
				continue
			}
			entries[addr] = out.ScriptPubKey.Hex
		}
	}
	return entries, nil
}

// Merge adds found to existing and reports how many addresses were new.
func Merge(existing, found map[string]string) int {
	added := 0
	for addr, script := range found {
		if _, ok := existing[addr]; !ok {
			added++
		}
		existing[addr] = script
	}
	return added
}
