// Package api serves the Esplora-compatible address endpoints over HTTP.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/bitever-labs/p2pkproxy/config"
	"github.com/bitever-labs/p2pkproxy/internal/indexer"
	"github.com/bitever-labs/p2pkproxy/internal/log"
	"github.com/bitever-labs/p2pkproxy/internal/metrics"
	"github.com/bitever-labs/p2pkproxy/internal/proxy"
)

// RequestIDHeader carries the per-request id on every response.
const RequestIDHeader = "X-Request-ID"

// DefaultWriteTimeout leaves room for a full UTXO set scan.
const DefaultWriteTimeout = 11 * time.Minute

// Service answers address queries.
type Service interface {
	Stats(ctx context.Context, address string) (*indexer.AddressInfo, error)
	UTXOs(ctx context.Context, address string) ([]json.RawMessage, error)
	Txs(ctx context.Context, address string) ([]json.RawMessage, error)
	Passthrough(ctx context.Context, path string) (*http.Response, error)
}

// Health is the /healthz body.
type Health struct {
	Status           string    `json:"status"`
	Network          string    `json:"network,omitempty"`
	RegistryEntries  int       `json:"registry_entries"`
	RegistryLoadedAt time.Time `json:"registry_loaded_at,omitempty"`
	CachedScans      int       `json:"cached_scans"`
}

// Server is the HTTP API server.
type Server struct {
	addr        string
	svc         Service
	health      func() Health
	server      *http.Server
	logger      zerolog.Logger
	ln          net.Listener
	allowedNets []*net.IPNet // Empty = allow all.
	corsOrigins []string     // Empty = no CORS headers.
}

// Option configures a Server.
type Option func(*Server)

// WithHealth sets the source of the /healthz body.
func WithHealth(fn func() Health) Option {
	return func(s *Server) {
		s.health = fn
	}
}

// WithWriteTimeout overrides the response write timeout.
func WithWriteTimeout(d time.Duration) Option {
	return func(s *Server) {
		if d > 0 {
			s.server.WriteTimeout = d
		}
	}
}

// WithLogger sets the logger.
func WithLogger(l zerolog.Logger) Option {
	return func(s *Server) {
		s.logger = l
	}
}

// New creates a new API server. A zero-value APIConfig allows all IPs and
// disables CORS.
func New(addr string, svc Service, cfg config.APIConfig, opts ...Option) *Server {
	s := &Server{
		addr:        addr,
		svc:         svc,
		health:      func() Health { return Health{} },
		logger:      log.API,
		allowedNets: parseAllowedIPs(cfg.AllowedIPs),
		corsOrigins: cfg.CORSOrigins,
	}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /api/address/{address}", s.handleStats)
	mux.HandleFunc("GET /api/address/{address}/utxo", s.handleUTXOs)
	mux.HandleFunc("GET /api/address/{address}/txs", s.handleTxs)
	mux.HandleFunc("GET /api/address/{address}/{rest...}", s.handlePassthrough)
	mux.HandleFunc("GET /healthz", s.handleHealth)
	mux.Handle("GET /metrics", promhttp.Handler())

	s.server = &http.Server{
		Handler:      s.wrap(mux),
		ReadTimeout:  30 * time.Second,
		WriteTimeout: DefaultWriteTimeout,
	}

	for _, opt := range opts {
		opt(s)
	}
	return s
}

// parseAllowedIPs converts string IP/CIDR entries into net.IPNet.
func parseAllowedIPs(entries []string) []*net.IPNet {
	var nets []*net.IPNet
	for _, entry := range entries {
		_, ipNet, err := net.ParseCIDR(entry)
		if err == nil {
			nets = append(nets, ipNet)
			continue
		}
		// Try as a single IP (add /32 or /128).
		ip := net.ParseIP(entry)
		if ip == nil {
			continue
		}
		bits := 32
		if ip.To4() == nil {
			bits = 128
		}
		nets = append(nets, &net.IPNet{IP: ip, Mask: net.CIDRMask(bits, bits)})
	}
	return nets
}

// Start begins listening and serving in a background goroutine.
// It returns immediately after the listener is bound.
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.addr)
	if err != nil {
		return fmt.Errorf("api listen: %w", err)
	}
	s.ln = ln

	go func() {
		if err := s.server.Serve(ln); err != nil && err != http.ErrServerClosed {
			s.logger.Error().Err(err).Msg("API server error")
		}
	}()

	return nil
}

// Addr returns the listener address (useful when bound to :0).
func (s *Server) Addr() string {
	if s.ln != nil {
		return s.ln.Addr().String()
	}
	return s.addr
}

// Handler returns the server's root handler.
func (s *Server) Handler() http.Handler {
	return s.server.Handler
}

// Stop gracefully shuts down the server.
func (s *Server) Stop() error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return s.server.Shutdown(ctx)
}

// wrap applies IP filtering, CORS, request ids, access logging and metrics
// around the route mux.
func (s *Server) wrap(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		id := uuid.NewString()
		w.Header().Set(RequestIDHeader, id)

		l := s.logger.With().Str("request_id", id).Logger()
		r = r.WithContext(l.WithContext(r.Context()))
		sw := &statusWriter{ResponseWriter: w, code: http.StatusOK}

		defer func() {
			route := r.Pattern
			if route == "" {
				route = "unmatched"
			}
			elapsed := time.Since(start)
			metrics.HTTPRequests.WithLabelValues(route, strconv.Itoa(sw.code)).Observe(elapsed.Seconds())
			l.Debug().
				Str("method", r.Method).
				Str("path", r.URL.Path).
				Str("route", route).
				Int("status", sw.code).
				Dur("duration", elapsed).
				Msg("Request served")
		}()

		if len(s.allowedNets) > 0 {
			host, _, err := net.SplitHostPort(r.RemoteAddr)
			if err != nil {
				http.Error(sw, "forbidden", http.StatusForbidden)
				return
			}
			ip := net.ParseIP(host)
			if ip == nil || !s.isIPAllowed(ip) {
				http.Error(sw, "forbidden", http.StatusForbidden)
				return
			}
		}

		s.setCORSHeaders(sw, r)

		// Handle CORS preflight.
		if r.Method == http.MethodOptions {
			sw.WriteHeader(http.StatusNoContent)
			return
		}

		next.ServeHTTP(sw, r)
	})
}

// isIPAllowed checks whether ip falls within any allowed network.
func (s *Server) isIPAllowed(ip net.IP) bool {
	for _, n := range s.allowedNets {
		if n.Contains(ip) {
			return true
		}
	}
	return false
}

// setCORSHeaders adds CORS headers if the request origin is allowed.
func (s *Server) setCORSHeaders(w http.ResponseWriter, r *http.Request) {
	if len(s.corsOrigins) == 0 {
		return
	}
	origin := r.Header.Get("Origin")
	if origin == "" {
		return
	}
	for _, allowed := range s.corsOrigins {
		if allowed == "*" {
			w.Header().Set("Access-Control-Allow-Origin", "*")
			break
		}
		if allowed == origin {
			w.Header().Set("Access-Control-Allow-Origin", origin)
			w.Header().Set("Vary", "Origin")
			break
		}
	}
	w.Header().Set("Access-Control-Allow-Methods", "GET, OPTIONS")
	w.Header().Set("Access-Control-Allow-Headers", "Content-Type")
	w.Header().Set("Access-Control-Expose-Headers", RequestIDHeader)
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	info, err := s.svc.Stats(r.Context(), r.PathValue("address"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, info)
}

func (s *Server) handleUTXOs(w http.ResponseWriter, r *http.Request) {
	list, err := s.svc.UTXOs(r.Context(), r.PathValue("address"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, list)
}

func (s *Server) handleTxs(w http.ResponseWriter, r *http.Request) {
	list, err := s.svc.Txs(r.Context(), r.PathValue("address"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, list)
}

func (s *Server) handlePassthrough(w http.ResponseWriter, r *http.Request) {
	path := indexer.AddressPath(r.PathValue("address"), r.PathValue("rest"))
	if r.URL.RawQuery != "" {
		path += "?" + r.URL.RawQuery
	}

	resp, err := s.svc.Passthrough(r.Context(), path)
	if err != nil {
		writeError(w, r, err)
		return
	}
	defer resp.Body.Close()

	if ct := resp.Header.Get("Content-Type"); ct != "" {
		w.Header().Set("Content-Type", ct)
	}
	w.WriteHeader(resp.StatusCode)
	if _, err := io.Copy(w, resp.Body); err != nil {
		zerolog.Ctx(r.Context()).Debug().Err(err).Msg("Passthrough copy interrupted")
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	h := s.health()
	if h.Status == "" {
		h.Status = "ok"
	}
	writeJSON(w, h)
}

// writeError maps service errors to HTTP responses. Indexer statuses are
// passed through with their original body.
func writeError(w http.ResponseWriter, r *http.Request, err error) {
	var se *indexer.StatusError
	switch {
	case errors.As(err, &se):
		if se.ContentType != "" {
			w.Header().Set("Content-Type", se.ContentType)
		}
		w.WriteHeader(se.Code)
		w.Write(se.Body)
	case errors.Is(err, proxy.ErrIndexerUnavailable):
		zerolog.Ctx(r.Context()).Warn().Err(err).Str("path", r.URL.Path).Msg("Indexer unavailable")
		http.Error(w, "indexer unavailable", http.StatusBadGateway)
	default:
		zerolog.Ctx(r.Context()).Error().Err(err).Str("path", r.URL.Path).Msg("Request failed")
		http.Error(w, "internal error", http.StatusInternalServerError)
	}
}

func writeJSON(w http.ResponseWriter, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(v)
}

// statusWriter records the status code written by a handler.
type statusWriter struct {
	http.ResponseWriter
	code        int
	wroteHeader bool
}

func (w *statusWriter) WriteHeader(code int) {
	if !w.wroteHeader {
		w.code = code
		w.wroteHeader = true
	}
	w.ResponseWriter.WriteHeader(code)
}

func (w *statusWriter) Write(b []byte) (int, error) {
	w.wroteHeader = true
	return w.ResponseWriter.Write(b)
}

func (w *statusWriter) Unwrap() http.ResponseWriter {
	return w.ResponseWriter
}
