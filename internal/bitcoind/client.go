// Package bitcoind wraps the node RPC calls the proxy and the registry
// builder depend on.
package bitcoind

import (
	"context"
	"fmt"

	"github.com/btcsuite/btcd/btcjson"

	"github.com/bitever-labs/p2pkproxy/internal/rpcclient"
)

// Caller is the JSON-RPC transport; *rpcclient.Client satisfies it.
type Caller interface {
	Call(ctx context.Context, method string, params []interface{}, result interface{}) error
}

// Client issues typed node RPC calls.
type Client struct {
	rpc Caller
}

// New creates a Client over the given transport.
func New(rpc Caller) *Client {
	return &Client{rpc: rpc}
}

// Dial is a convenience for New(rpcclient.New(...)).
func Dial(endpoint, user, pass string, opts ...rpcclient.Option) *Client {
	opts = append([]rpcclient.Option{rpcclient.WithBasicAuth(user, pass)}, opts...)
	return New(rpcclient.New(endpoint, opts...))
}

// ScanUnspent is one entry of a scantxoutset result.
type ScanUnspent struct {
	TxID         string  `json:"txid"`
	Vout         uint32  `json:"vout"`
	ScriptPubKey string  `json:"scriptPubKey"`
	Desc         string  `json:"desc"`
	Amount       float64 `json:"amount"`
	Coinbase     bool    `json:"coinbase"`
	Height       int64   `json:"height"`
}

// ScanTxOutSetResult is the result of scantxoutset start.
type ScanTxOutSetResult struct {
	Success     bool          `json:"success"`
	TxOuts      int64         `json:"txouts"`
	Height      int64         `json:"height"`
	BestBlock   string        `json:"bestblock"`
	Unspents    []ScanUnspent `json:"unspents"`
	TotalAmount float64       `json:"total_amount"`
}

// RawTransaction is a verbose getrawtransaction result. Some node builds
// report the containing block's height directly.
type RawTransaction struct {
	btcjson.TxRawResult
	BlockHeight int64 `json:"blockheight"`
}

// GetBlockHash returns the hash of the block at height.
func (c *Client) GetBlockHash(ctx context.Context, height int64) (string, error) {
	var hash string
	if err := c.rpc.Call(ctx, "getblockhash", []interface{}{height}, &hash); err != nil {
		return "", fmt.Errorf("getblockhash %d: %w", height, err)
	}
	return hash, nil
}

// GetBlockVerboseTx returns a block with fully decoded transactions
// (verbosity 2).
func (c *Client) GetBlockVerboseTx(ctx context.Context, hash string) (*btcjson.GetBlockVerboseTxResult, error) {
	var blk btcjson.GetBlockVerboseTxResult
	if err := c.rpc.Call(ctx, "getblock", []interface{}{hash, 2}, &blk); err != nil {
		return nil, fmt.Errorf("getblock %s: %w", hash, err)
	}
	return &blk, nil
}

// GetBlockHeight resolves a block hash to its height (verbosity 1).
func (c *Client) GetBlockHeight(ctx context.Context, hash string) (int64, error) {
	var blk btcjson.GetBlockVerboseResult
	if err := c.rpc.Call(ctx, "getblock", []interface{}{hash, 1}, &blk); err != nil {
		return 0, fmt.Errorf("getblock %s: %w", hash, err)
	}
	return blk.Height, nil
}

// ScanTxOutSetAbort aborts the node's running UTXO set scan. It reports
// whether a scan was actually aborted.
func (c *Client) ScanTxOutSetAbort(ctx context.Context) (bool, error) {
	var aborted bool
	if err := c.rpc.Call(ctx, "scantxoutset", []interface{}{"abort"}, &aborted); err != nil {
		return false, fmt.Errorf("scantxoutset abort: %w", err)
	}
	return aborted, nil
}

// ScanTxOutSetStart scans the UTXO set for the given descriptors and
// blocks until the node finishes.
func (c *Client) ScanTxOutSetStart(ctx context.Context, descriptors []string) (*ScanTxOutSetResult, error) {
	var res ScanTxOutSetResult
	if err := c.rpc.Call(ctx, "scantxoutset", []interface{}{"start", descriptors}, &res); err != nil {
		return nil, fmt.Errorf("scantxoutset start: %w", err)
	}
	return &res, nil
}

// GetRawTransaction returns the verbose form of a transaction.
func (c *Client) GetRawTransaction(ctx context.Context, txid string) (*RawTransaction, error) {
	var tx RawTransaction
	if err := c.rpc.Call(ctx, "getrawtransaction", []interface{}{txid, true}, &tx); err != nil {
		return nil, fmt.Errorf("getrawtransaction %s: %w", txid, err)
	}
	return &tx, nil
}
