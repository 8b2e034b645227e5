// Package indexer is a client for the Esplora-compatible address API that
// tracks every standard output type.
package indexer

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/bitever-labs/p2pkproxy/internal/metrics"
)

// DefaultTimeout bounds one indexer request.
const DefaultTimeout = 15 * time.Second

// ErrUnavailable wraps failures to reach the indexer or read its response.
var ErrUnavailable = errors.New("indexer unavailable")

// StatusError is returned when the indexer answers with a non-2xx status.
// The body is kept so it can be passed through to the caller.
type StatusError struct {
	Code        int
	ContentType string
	Body        []byte
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("indexer returned %d: %s", e.Code, strings.TrimSpace(string(e.Body)))
}

// Client talks to one indexer base URL.
type Client struct {
	base   string
	http   *http.Client
	logger zerolog.Logger
}

// Option configures a Client.
type Option func(*Client)

// WithHTTPClient replaces the underlying HTTP client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) {
		c.http = hc
	}
}

// WithLogger sets the logger used for transport failures.
func WithLogger(l zerolog.Logger) Option {
	return func(c *Client) {
		c.logger = l
	}
}

// WithTimeout sets the per-request timeout.
func WithTimeout(d time.Duration) Option {
	return func(c *Client) {
		if d > 0 {
			c.http.Timeout = d
		}
	}
}

// New creates a client for the indexer at base, e.g. http://127.0.0.1:3002.
func New(base string, opts ...Option) *Client {
	c := &Client{
		base:   strings.TrimRight(base, "/"),
		http:   &http.Client{Timeout: DefaultTimeout},
		logger: zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Address fetches the address summary.
func (c *Client) Address(ctx context.Context, address string) (*AddressInfo, error) {
	var info AddressInfo
	if err := c.getJSON(ctx, "address", AddressPath(address, ""), &info); err != nil {
		return nil, err
	}
	return &info, nil
}

// UTXOs fetches the address's unspent outputs. Elements are returned
// verbatim.
func (c *Client) UTXOs(ctx context.Context, address string) ([]json.RawMessage, error) {
	var list []json.RawMessage
	if err := c.getJSON(ctx, "utxo", AddressPath(address, "utxo"), &list); err != nil {
		return nil, err
	}
	return list, nil
}

// Txs fetches the address's transaction list. Elements are returned
// verbatim.
func (c *Client) Txs(ctx context.Context, address string) ([]json.RawMessage, error) {
	var list []json.RawMessage
	if err := c.getJSON(ctx, "txs", AddressPath(address, "txs"), &list); err != nil {
		return nil, err
	}
	return list, nil
}

// Raw performs a GET on path (relative to the base URL, query included) and
// returns the response as is, whatever its status.
func (c *Client) Raw(ctx context.Context, path string) (*http.Response, error) {
	resp, err := c.do(ctx, path)
	metrics.IndexerRequests.WithLabelValues("raw", result(err)).Inc()
	return resp, err
}

func (c *Client) getJSON(ctx context.Context, endpoint, path string, out interface{}) error {
	err := c.fetch(ctx, path, out)
	metrics.IndexerRequests.WithLabelValues(endpoint, result(err)).Inc()
	return err
}

func (c *Client) fetch(ctx context.Context, path string, out interface{}) error {
	resp, err := c.do(ctx, path)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("%w: read %s: %v", ErrUnavailable, path, err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return &StatusError{
			Code:        resp.StatusCode,
			ContentType: resp.Header.Get("Content-Type"),
			Body:        body,
		}
	}
	if err := json.Unmarshal(body, out); err != nil {
		return fmt.Errorf("%w: decode %s: %v", ErrUnavailable, path, err)
	}
	return nil
}

func (c *Client) do(ctx context.Context, path string) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.base+path, nil)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	start := time.Now()
	resp, err := c.http.Do(req)
	if err != nil {
		if ctx.Err() == nil {
			c.logger.Warn().Err(err).
				Str("path", path).
				Dur("elapsed", time.Since(start)).
				Msg("Indexer request failed")
		}
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return resp, nil
}

// AddressPath builds the indexer path for an address sub-resource, e.g.
// AddressPath("1abc", "txs/chain") → /address/1abc/txs/chain.
func AddressPath(address, sub string) string {
	p := "/address/" + url.PathEscape(address)
	if sub != "" {
		p += "/" + sub
	}
	return p
}

func result(err error) string {
	var se *StatusError
	switch {
	case err == nil:
		return "ok"
	case errors.As(err, &se):
		return "status"
	default:
		return "error"
	}
}

// Outpoints extracts the outpoints of verbatim UTXO list elements.
// Elements that do not decode are ignored.
func Outpoints(list []json.RawMessage) map[Outpoint]struct{} {
	out := make(map[Outpoint]struct{}, len(list))
	for _, raw := range list {
		var op Outpoint
		if err := json.Unmarshal(raw, &op); err != nil || op.TxID == "" {
			continue
		}
		out[op] = struct{}{}
	}
	return out
}

// TxIDs extracts the txids of verbatim transaction list elements.
func TxIDs(list []json.RawMessage) map[string]struct{} {
	out := make(map[string]struct{}, len(list))
	for _, raw := range list {
		var tx struct {
			TxID string `json:"txid"`
		}
		if err := json.Unmarshal(raw, &tx); err != nil || tx.TxID == "" {
			continue
		}
		out[tx.TxID] = struct{}{}
	}
	return out
}
