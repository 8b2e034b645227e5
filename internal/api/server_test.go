package api

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bitever-labs/p2pkproxy/config"
	"github.com/bitever-labs/p2pkproxy/internal/indexer"
	"github.com/bitever-labs/p2pkproxy/internal/proxy"
)

type fakeService struct {
	info  *indexer.AddressInfo
	utxos []json.RawMessage
	txs   []json.RawMessage
	err   error

	lastAddress string
	lastPath    string
}

func (f *fakeService) Stats(_ context.Context, address string) (*indexer.AddressInfo, error) {
	f.lastAddress = address
	return f.info, f.err
}

func (f *fakeService) UTXOs(_ context.Context, address string) ([]json.RawMessage, error) {
	f.lastAddress = address
	return f.utxos, f.err
}

func (f *fakeService) Txs(_ context.Context, address string) ([]json.RawMessage, error) {
	f.lastAddress = address
	return f.txs, f.err
}

func (f *fakeService) Passthrough(_ context.Context, path string) (*http.Response, error) {
	f.lastPath = path
	if f.err != nil {
		return nil, f.err
	}
	return &http.Response{
		StatusCode: http.StatusOK,
		Header:     http.Header{"Content-Type": []string{"text/plain"}},
		Body:       io.NopCloser(strings.NewReader("from indexer")),
	}, nil
}

func newFake() *fakeService {
	return &fakeService{
		info: &indexer.AddressInfo{
			Address:    "1abc",
			ChainStats: indexer.Stats{FundedTxoCount: 1, FundedTxoSum: 5000},
			Scripthash: "41ab",
		},
		utxos: []json.RawMessage{json.RawMessage(`{"txid":"aa","vout":0,"value":1}`)},
		txs:   []json.RawMessage{json.RawMessage(`{"txid":"aa"}`)},
	}
}

func serve(t *testing.T, s *Server, method, target string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, target, nil)
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)
	return rec
}

func TestServer_Stats(t *testing.T) {
	svc := newFake()
	s := New("127.0.0.1:0", svc, config.APIConfig{})

	rec := serve(t, s, http.MethodGet, "/api/address/1abc")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))
	assert.Equal(t, "1abc", svc.lastAddress)

	var got map[string]interface{}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &got))
	assert.Equal(t, "41ab", got["scripthash"])
	assert.EqualValues(t, 5000, got["chain_stats"].(map[string]interface{})["funded_txo_sum"])
}

func TestServer_Lists(t *testing.T) {
	svc := newFake()
	s := New("127.0.0.1:0", svc, config.APIConfig{})

	rec := serve(t, s, http.MethodGet, "/api/address/1abc/utxo")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `[{"txid":"aa","vout":0,"value":1}]`, rec.Body.String())

	rec = serve(t, s, http.MethodGet, "/api/address/1abc/txs")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `[{"txid":"aa"}]`, rec.Body.String())
}

func TestServer_EmptyListIsArray(t *testing.T) {
	svc := newFake()
	svc.utxos = []json.RawMessage{}
	s := New("127.0.0.1:0", svc, config.APIConfig{})

	rec := serve(t, s, http.MethodGet, "/api/address/1abc/utxo")
	assert.JSONEq(t, `[]`, rec.Body.String())
}

func TestServer_Passthrough(t *testing.T) {
	svc := newFake()
	s := New("127.0.0.1:0", svc, config.APIConfig{})

	rec := serve(t, s, http.MethodGet, "/api/address/1abc/txs/chain/ff00?limit=5")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "/address/1abc/txs/chain/ff00?limit=5", svc.lastPath)
	assert.Equal(t, "text/plain", rec.Header().Get("Content-Type"))
	assert.Equal(t, "from indexer", rec.Body.String())
}

func TestServer_IndexerStatusPassedThrough(t *testing.T) {
	svc := newFake()
	svc.err = &indexer.StatusError{Code: http.StatusBadRequest, ContentType: "text/plain", Body: []byte("Invalid Bitcoin address")}
	s := New("127.0.0.1:0", svc, config.APIConfig{})

	for _, target := range []string{"/api/address/bad", "/api/address/bad/utxo", "/api/address/bad/txs", "/api/address/bad/txs/mempool"} {
		rec := serve(t, s, http.MethodGet, target)
		assert.Equal(t, http.StatusBadRequest, rec.Code, target)
		assert.Equal(t, "Invalid Bitcoin address", rec.Body.String(), target)
	}
}

func TestServer_IndexerUnavailable(t *testing.T) {
	svc := newFake()
	svc.err = fmt.Errorf("%w: connection refused", proxy.ErrIndexerUnavailable)
	s := New("127.0.0.1:0", svc, config.APIConfig{})

	rec := serve(t, s, http.MethodGet, "/api/address/1abc")
	assert.Equal(t, http.StatusBadGateway, rec.Code)
}

func TestServer_UnexpectedError(t *testing.T) {
	svc := newFake()
	svc.err = fmt.Errorf("boom")
	s := New("127.0.0.1:0", svc, config.APIConfig{})

	rec := serve(t, s, http.MethodGet, "/api/address/1abc/utxo")
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
}

func TestServer_MethodNotAllowed(t *testing.T) {
	s := New("127.0.0.1:0", newFake(), config.APIConfig{})
	rec := serve(t, s, http.MethodPost, "/api/address/1abc")
	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)
}

func TestServer_RequestID(t *testing.T) {
	s := New("127.0.0.1:0", newFake(), config.APIConfig{})

	first := serve(t, s, http.MethodGet, "/api/address/1abc").Header().Get(RequestIDHeader)
	second := serve(t, s, http.MethodGet, "/nowhere").Header().Get(RequestIDHeader)

	_, err := uuid.Parse(first)
	require.NoError(t, err)
	_, err = uuid.Parse(second)
	require.NoError(t, err)
	assert.NotEqual(t, first, second)
}

func TestServer_Health(t *testing.T) {
	loaded := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	s := New("127.0.0.1:0", newFake(), config.APIConfig{}, WithHealth(func() Health {
		return Health{Network: "mainnet", RegistryEntries: 3, RegistryLoadedAt: loaded, CachedScans: 2}
	}))

	rec := serve(t, s, http.MethodGet, "/healthz")
	require.Equal(t, http.StatusOK, rec.Code)

	var h Health
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &h))
	assert.Equal(t, "ok", h.Status)
	assert.Equal(t, 3, h.RegistryEntries)
	assert.Equal(t, 2, h.CachedScans)
	assert.True(t, loaded.Equal(h.RegistryLoadedAt))
}

func TestServer_Metrics(t *testing.T) {
	s := New("127.0.0.1:0", newFake(), config.APIConfig{})
	serve(t, s, http.MethodGet, "/api/address/1abc")

	rec := serve(t, s, http.MethodGet, "/metrics")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "p2pkproxy_http_request_duration_seconds")
}

// --- Live listener ---

func startServer(t *testing.T, cfg config.APIConfig) (*Server, string) {
	t.Helper()
	s := New("127.0.0.1:0", newFake(), cfg)
	require.NoError(t, s.Start())
	t.Cleanup(func() { s.Stop() })
	return s, "http://" + s.Addr()
}

func TestServer_StartStop(t *testing.T) {
	_, base := startServer(t, config.APIConfig{})

	resp, err := http.Get(base + "/api/address/1abc")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

// --- IP filter ---

func TestServer_IPFilter_Allowed(t *testing.T) {
	_, base := startServer(t, config.APIConfig{AllowedIPs: []string{"127.0.0.1"}})

	resp, err := http.Get(base + "/api/address/1abc")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestServer_IPFilter_Blocked(t *testing.T) {
	_, base := startServer(t, config.APIConfig{AllowedIPs: []string{"10.0.0.0/8"}})

	resp, err := http.Get(base + "/api/address/1abc")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)
}

func TestServer_IPFilter_Empty_AllowsAll(t *testing.T) {
	s := New("127.0.0.1:0", newFake(), config.APIConfig{AllowedIPs: nil})
	rec := serve(t, s, http.MethodGet, "/api/address/1abc")
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestParseAllowedIPs(t *testing.T) {
	nets := parseAllowedIPs([]string{"127.0.0.1", "10.0.0.0/8", "::1", "garbage"})
	require.Len(t, nets, 3)
	ones, bits := nets[0].Mask.Size()
	assert.Equal(t, 32, ones)
	assert.Equal(t, 32, bits)
	ones, _ = nets[2].Mask.Size()
	assert.Equal(t, 128, ones)
}

// --- CORS ---

func corsRequest(t *testing.T, s *Server, method, origin string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, "/api/address/1abc", nil)
	req.Header.Set("Origin", origin)
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)
	return rec
}

func TestServer_CORS_WildcardOrigin(t *testing.T) {
	s := New("127.0.0.1:0", newFake(), config.APIConfig{CORSOrigins: []string{"*"}})
	rec := corsRequest(t, s, http.MethodGet, "http://example.com")
	assert.Equal(t, "*", rec.Header().Get("Access-Control-Allow-Origin"))
}

func TestServer_CORS_SpecificOrigin(t *testing.T) {
	s := New("127.0.0.1:0", newFake(), config.APIConfig{CORSOrigins: []string{"http://myapp.com"}})

	rec := corsRequest(t, s, http.MethodGet, "http://myapp.com")
	assert.Equal(t, "http://myapp.com", rec.Header().Get("Access-Control-Allow-Origin"))

	rec = corsRequest(t, s, http.MethodGet, "http://evil.com")
	assert.Empty(t, rec.Header().Get("Access-Control-Allow-Origin"))
}

func TestServer_CORS_Preflight(t *testing.T) {
	s := New("127.0.0.1:0", newFake(), config.APIConfig{CORSOrigins: []string{"*"}})
	rec := corsRequest(t, s, http.MethodOptions, "http://example.com")
	assert.Equal(t, http.StatusNoContent, rec.Code)
	assert.NotEmpty(t, rec.Header().Get("Access-Control-Allow-Methods"))
}

func TestServer_CORS_Disabled(t *testing.T) {
	s := New("127.0.0.1:0", newFake(), config.APIConfig{})
	rec := corsRequest(t, s, http.MethodGet, "http://example.com")
	assert.Empty(t, rec.Header().Get("Access-Control-Allow-Origin"))
}
