// Package scan runs node UTXO set scans for single legacy scripts.
//
// The node can only run one scantxoutset at a time, so every scan in the
// process goes through one slot: abort whatever the node is doing, give it
// a moment to settle, start the new scan and wait for the result.
package scan

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/rs/zerolog"
	"golang.org/x/sync/semaphore"

	"github.com/bitever-labs/p2pkproxy/internal/bitcoind"
	"github.com/bitever-labs/p2pkproxy/internal/metrics"
	"github.com/bitever-labs/p2pkproxy/internal/rpcclient"
	"github.com/bitever-labs/p2pkproxy/pkg/p2pk"
)

// Default timings.
const (
	DefaultSettle  = 300 * time.Millisecond
	DefaultTimeout = 10 * time.Minute
)

// rpcInvalidParameter is what bitcoind answers when a scan is already running.
const rpcInvalidParameter = -8

var (
	// ErrNodeUnavailable covers transport, auth and other RPC failures.
	ErrNodeUnavailable = errors.New("node unavailable")

	// ErrAborted is returned when the scan did not complete, either because
	// it was aborted or because another scan held the node.
	ErrAborted = errors.New("scan aborted")

	// ErrMalformedResult is returned for results that fail validation.
	ErrMalformedResult = errors.New("malformed scan result")
)

// Node is the part of the node RPC the scanner needs.
type Node interface {
	ScanTxOutSetAbort(ctx context.Context) (bool, error)
	ScanTxOutSetStart(ctx context.Context, descriptors []string) (*bitcoind.ScanTxOutSetResult, error)
}

// Scanner serializes scantxoutset runs against one node.
type Scanner struct {
	node    Node
	slot    *semaphore.Weighted
	settle  time.Duration
	timeout time.Duration
	logger  zerolog.Logger
}

// Option configures a Scanner.
type Option func(*Scanner)

// WithSettle sets the pause between abort and start.
func WithSettle(d time.Duration) Option {
	return func(s *Scanner) {
		s.settle = d
	}
}

// WithTimeout bounds a single scan once it holds the slot.
func WithTimeout(d time.Duration) Option {
	return func(s *Scanner) {
		if d > 0 {
			s.timeout = d
		}
	}
}

// WithLogger sets the logger.
func WithLogger(l zerolog.Logger) Option {
	return func(s *Scanner) {
		s.logger = l
	}
}

// New creates a Scanner.
func New(node Node, opts ...Option) *Scanner {
	s := &Scanner{
		node:    node,
		slot:    semaphore.NewWeighted(1),
		settle:  DefaultSettle,
		timeout: DefaultTimeout,
		logger:  zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Scan scans the UTXO set for the raw script. ctx only bounds the wait for
// the scan slot: once acquired, the scan runs to completion or until the
// scanner's own timeout, even if the caller goes away.
func (s *Scanner) Scan(ctx context.Context, scriptHex string) (*Result, error) {
	metrics.ScanQueueDepth.Inc()
	err := s.slot.Acquire(ctx, 1)
	metrics.ScanQueueDepth.Dec()
	if err != nil {
		return nil, err
	}
	defer s.slot.Release(1)

	runCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.timeout)
	defer cancel()

	start := time.Now()
	res, err := s.run(runCtx, scriptHex)
	metrics.ScanDuration.Observe(time.Since(start).Seconds())
	metrics.Scans.WithLabelValues(outcome(err)).Inc()

	if err != nil {
		s.logger.Warn().Err(err).Str("script", scriptHex).Dur("elapsed", time.Since(start)).Msg("Scan failed")
		return nil, err
	}
	s.logger.Debug().
		Str("script", scriptHex).
		Int("unspents", len(res.Unspents)).
		Int64("total", int64(res.TotalAmount)).
		Dur("elapsed", time.Since(start)).
		Msg("Scan complete")
	return res, nil
}

func (s *Scanner) run(ctx context.Context, scriptHex string) (*Result, error) {
	if aborted, err := s.node.ScanTxOutSetAbort(ctx); err != nil {
		s.logger.Debug().Err(err).Msg("Abort before scan failed")
	} else if aborted {
		s.logger.Info().Msg("Aborted a running node scan")
	}

	if s.settle > 0 {
		t := time.NewTimer(s.settle)
		select {
		case <-t.C:
		case <-ctx.Done():
			t.Stop()
			return nil, fmt.Errorf("%w: %v", ErrNodeUnavailable, ctx.Err())
		}
	}

	raw, err := s.node.ScanTxOutSetStart(ctx, []string{p2pk.Descriptor(scriptHex)})
	if err != nil {
		return nil, classify(err)
	}
	if !raw.Success {
		return nil, ErrAborted
	}
	return normalize(raw)
}

func classify(err error) error {
	var rpcErr *rpcclient.RPCError
	switch {
	case errors.As(err, &rpcErr) && rpcErr.Code == rpcInvalidParameter &&
		strings.Contains(rpcErr.Message, "in progress"):
		return fmt.Errorf("%w: %v", ErrAborted, err)
	case errors.Is(err, rpcclient.ErrMalformedResponse):
		return fmt.Errorf("%w: %v", ErrMalformedResult, err)
	default:
		return fmt.Errorf("%w: %v", ErrNodeUnavailable, err)
	}
}

func outcome(err error) string {
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, ErrAborted):
		return "aborted"
	case errors.Is(err, ErrMalformedResult):
		return "malformed"
	default:
		return "unavailable"
	}
}

// normalize converts coin amounts to satoshis and validates every entry.
func normalize(raw *bitcoind.ScanTxOutSetResult) (*Result, error) {
	total, err := toAmount(raw.TotalAmount)
	if err != nil {
		return nil, fmt.Errorf("%w: total_amount: %v", ErrMalformedResult, err)
	}

	res := &Result{
		TotalAmount: total,
		Unspents:    make([]Unspent, 0, len(raw.Unspents)),
		Height:      raw.Height,
		BestBlock:   raw.BestBlock,
	}
	for i, u := range raw.Unspents {
		if _, err := chainhash.NewHashFromStr(u.TxID); err != nil || len(u.TxID) != 2*chainhash.HashSize {
			return nil, fmt.Errorf("%w: unspent %d: bad txid %q", ErrMalformedResult, i, u.TxID)
		}
		amount, err := toAmount(u.Amount)
		if err != nil {
			return nil, fmt.Errorf("%w: unspent %d: %v", ErrMalformedResult, i, err)
		}
		if u.Height < 0 || u.Height > math.MaxUint32 {
			return nil, fmt.Errorf("%w: unspent %d: height %d", ErrMalformedResult, i, u.Height)
		}
		res.Unspents = append(res.Unspents, Unspent{
			TxID:   u.TxID,
			Vout:   u.Vout,
			Amount: amount,
			Height: uint32(u.Height),
		})
	}
	return res, nil
}

// toAmount rounds a coin value to satoshis.
func toAmount(coins float64) (btcutil.Amount, error) {
	amt, err := btcutil.NewAmount(coins)
	if err != nil {
		return 0, err
	}
	if amt < 0 {
		return 0, fmt.Errorf("negative amount %v", coins)
	}
	return amt, nil
}
