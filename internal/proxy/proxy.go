// Package proxy merges the indexer's view of an address with legacy P2PK
// outputs recovered from node scans and the synthetic genesis output.
package proxy

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"github.com/btcsuite/btcd/chaincfg"
	"github.com/rs/zerolog"
	"golang.org/x/sync/singleflight"

	"github.com/bitever-labs/p2pkproxy/internal/bitcoind"
	"github.com/bitever-labs/p2pkproxy/internal/genesis"
	"github.com/bitever-labs/p2pkproxy/internal/indexer"
	"github.com/bitever-labs/p2pkproxy/internal/log"
	"github.com/bitever-labs/p2pkproxy/internal/scan"
)

// DefaultTxConcurrency bounds parallel getrawtransaction lookups per request.
const DefaultTxConcurrency = 8

// ErrIndexerUnavailable is returned when the baseline indexer call fails
// without an HTTP status to pass through.
var ErrIndexerUnavailable = errors.New("indexer unavailable")

// Indexer is the baseline data source.
type Indexer interface {
	Address(ctx context.Context, address string) (*indexer.AddressInfo, error)
	UTXOs(ctx context.Context, address string) ([]json.RawMessage, error)
	Txs(ctx context.Context, address string) ([]json.RawMessage, error)
	Raw(ctx context.Context, path string) (*http.Response, error)
}

// Registry maps addresses to legacy scripts.
type Registry interface {
	Reload() error
	Lookup(address string) (string, bool)
}

// Cache holds recent scan results.
type Cache interface {
	Get(address string) (*scan.Result, bool)
	Put(address string, res *scan.Result) error
}

// Scanner runs node UTXO set scans.
type Scanner interface {
	Scan(ctx context.Context, scriptHex string) (*scan.Result, error)
}

// Node resolves transactions found by scans.
type Node interface {
	GetRawTransaction(ctx context.Context, txid string) (*bitcoind.RawTransaction, error)
	GetBlockHeight(ctx context.Context, hash string) (int64, error)
}

// Proxy answers address queries. It holds no persistent state of its own.
type Proxy struct {
	indexer  Indexer
	registry Registry
	cache    Cache
	scanner  Scanner
	node     Node

	params          *chaincfg.Params
	assumeUnindexed bool
	txConcurrency   int
	logger          zerolog.Logger

	flight singleflight.Group
}

// Option configures a Proxy.
type Option func(*Proxy)

// WithParams sets the network used to derive output addresses.
func WithParams(params *chaincfg.Params) Option {
	return func(p *Proxy) {
		p.params = params
	}
}

// WithAssumeUnindexed controls whether scanned outputs are assumed absent
// from the indexer. When false, scanned outpoints the indexer already lists
// are left out of every merge.
func WithAssumeUnindexed(v bool) Option {
	return func(p *Proxy) {
		p.assumeUnindexed = v
	}
}

// WithTxConcurrency bounds parallel transaction lookups.
func WithTxConcurrency(n int) Option {
	return func(p *Proxy) {
		if n > 0 {
			p.txConcurrency = n
		}
	}
}

// WithLogger sets the logger.
func WithLogger(l zerolog.Logger) Option {
	return func(p *Proxy) {
		p.logger = l
	}
}

// New creates a Proxy.
func New(idx Indexer, reg Registry, cache Cache, scanner Scanner, node Node, opts ...Option) *Proxy {
	p := &Proxy{
		indexer:         idx,
		registry:        reg,
		cache:           cache,
		scanner:         scanner,
		node:            node,
		params:          &chaincfg.MainNetParams,
		assumeUnindexed: true,
		txConcurrency:   DefaultTxConcurrency,
		logger:          zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Stats returns the address summary with genesis and legacy amounts added
// to the confirmed stats.
func (p *Proxy) Stats(ctx context.Context, address string) (*indexer.AddressInfo, error) {
	p.reload()

	info, err := p.indexer.Address(ctx, address)
	if err != nil {
		return nil, baselineErr(err)
	}

	if genesis.IsGenesisAddress(address) {
		info.ChainStats = genesis.AugmentStats(info.ChainStats)
	}

	script, res := p.legacy(ctx, address)
	if res == nil {
		return info, nil
	}

	var indexed map[indexer.Outpoint]struct{}
	if !p.assumeUnindexed {
		indexed = p.indexedOutpoints(ctx, address)
	}
	unspents := contribution(res, indexed)

	var sum int64
	for _, u := range unspents {
		sum += int64(u.Amount)
	}
	info.ChainStats.FundedTxoSum += sum
	info.ChainStats.TxCount += int64(len(unspents))
	info.Scripthash = script
	return info, nil
}

// UTXOs returns the indexer's UTXO list followed by the genesis output (for
// the genesis address) and the scanned legacy outputs.
func (p *Proxy) UTXOs(ctx context.Context, address string) ([]json.RawMessage, error) {
	p.reload()

	baseline, err := p.indexer.UTXOs(ctx, address)
	if err != nil {
		return nil, baselineErr(err)
	}
	known := indexer.Outpoints(baseline)

	var extra []indexer.UTXO
	if genesis.IsGenesisAddress(address) {
		g := genesis.SyntheticUTXO()
		if _, dup := known[indexer.Outpoint{TxID: g.TxID, Vout: g.Vout}]; !dup {
			extra = append(extra, g)
		}
	}

	if _, res := p.legacy(ctx, address); res != nil {
		for _, u := range contribution(res, known) {
			extra = append(extra, indexer.UTXO{
				TxID:  u.TxID,
				Vout:  u.Vout,
				Value: int64(u.Amount),
				Status: indexer.Status{
					Confirmed:   true,
					BlockHeight: u.Height,
				},
			})
		}
	}

	return appendJSON(baseline, extra)
}

// Txs returns the indexer's transaction list followed by the genesis
// coinbase (for the genesis address) and the transactions that created the
// scanned legacy outputs.
func (p *Proxy) Txs(ctx context.Context, address string) ([]json.RawMessage, error) {
	p.reload()

	baseline, err := p.indexer.Txs(ctx, address)
	if err != nil {
		return nil, baselineErr(err)
	}
	known := indexer.TxIDs(baseline)

	var extra []indexer.Tx
	if genesis.IsGenesisAddress(address) {
		if _, dup := known[genesis.TxID]; !dup {
			script, _ := p.registry.Lookup(genesis.Address)
			extra = append(extra, genesis.SyntheticTransaction(script))
		}
	}

	if _, res := p.legacy(ctx, address); res != nil {
		var indexed map[indexer.Outpoint]struct{}
		if !p.assumeUnindexed {
			indexed = p.indexedOutpoints(ctx, address)
		}

		var txids []string
		seen := make(map[string]struct{})
		for _, u := range contribution(res, indexed) {
			if _, dup := known[u.TxID]; dup {
				continue
			}
			if _, dup := seen[u.TxID]; dup {
				continue
			}
			seen[u.TxID] = struct{}{}
			txids = append(txids, u.TxID)
		}
		extra = append(extra, p.resolveTxs(ctx, txids)...)
	}

	return appendJSON(baseline, extra)
}

// Passthrough forwards a GET to the indexer unchanged.
func (p *Proxy) Passthrough(ctx context.Context, path string) (*http.Response, error) {
	p.reload()

	resp, err := p.indexer.Raw(ctx, path)
	if err != nil {
		return nil, baselineErr(err)
	}
	return resp, nil
}

func (p *Proxy) reload() {
	if err := p.registry.Reload(); err != nil {
		p.logger.Warn().Err(err).Msg("Registry reload failed")
	}
}

// legacy returns the registered script and its scan result, or a nil result
// when the address is not registered or no scan data could be obtained.
func (p *Proxy) legacy(ctx context.Context, address string) (string, *scan.Result) {
	script, ok := p.registry.Lookup(address)
	if !ok {
		return "", nil
	}
	if res, ok := p.cache.Get(address); ok {
		return script, res
	}

	// Callers for the same address share one refresh. The refresh itself is
	// detached so a departing caller does not fail the others.
	ch := p.flight.DoChan(address, func() (interface{}, error) {
		if res, ok := p.cache.Get(address); ok {
			return res, nil
		}
		res, err := p.scanner.Scan(context.WithoutCancel(ctx), script)
		if err != nil {
			return nil, err
		}
		if err := p.cache.Put(address, res); err != nil {
			p.logger.Warn().Err(err).Str("address", address).Msg("Failed to persist scan result")
		}
		return res, nil
	})

	select {
	case r := <-ch:
		if r.Err != nil {
			logger := log.WithAddress(p.logger, address)
			logger.Warn().Err(r.Err).Msg("Legacy data unavailable, serving indexer data only")
			return script, nil
		}
		return script, r.Val.(*scan.Result)
	case <-ctx.Done():
		return script, nil
	}
}

// indexedOutpoints returns the outpoints the indexer lists for address. A
// failed fetch yields nil, which excludes nothing.
func (p *Proxy) indexedOutpoints(ctx context.Context, address string) map[indexer.Outpoint]struct{} {
	list, err := p.indexer.UTXOs(ctx, address)
	if err != nil {
		p.logger.Debug().Err(err).Str("address", address).Msg("Could not fetch indexed outpoints")
		return nil
	}
	return indexer.Outpoints(list)
}

// contribution returns the scanned unspents that belong in a merge: the
// genesis coinbase is the genesis handler's, and outpoints in exclude are
// already covered by the indexer.
func contribution(res *scan.Result, exclude map[indexer.Outpoint]struct{}) []scan.Unspent {
	out := make([]scan.Unspent, 0, len(res.Unspents))
	for _, u := range res.Unspents {
		if genesis.IsGenesisTxID(u.TxID) {
			continue
		}
		if _, dup := exclude[indexer.Outpoint{TxID: u.TxID, Vout: u.Vout}]; dup {
			continue
		}
		out = append(out, u)
	}
	return out
}

func baselineErr(err error) error {
	if errors.Is(err, indexer.ErrUnavailable) {
		return fmt.Errorf("%w: %v", ErrIndexerUnavailable, err)
	}
	return err
}

func appendJSON[T any](baseline []json.RawMessage, extra []T) ([]json.RawMessage, error) {
	out := make([]json.RawMessage, 0, len(baseline)+len(extra))
	out = append(out, baseline...)
	for _, e := range extra {
		raw, err := json.Marshal(e)
		if err != nil {
			return nil, fmt.Errorf("encode entry: %w", err)
		}
		out = append(out, raw)
	}
	return out, nil
}
