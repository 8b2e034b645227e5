// Package nodetest provides an in-process bitcoind JSON-RPC double for tests.
package nodetest

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
)

// Credentials accepted by the double.
const (
	User = "user"
	Pass = "pass"
)

// Error is returned by a handler to produce a JSON-RPC error object.
type Error struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

func (e *Error) Error() string { return e.Message }

// Handler answers one RPC method.
type Handler func(params []json.RawMessage) (interface{}, *Error)

// Server is a programmable JSON-RPC node.
type Server struct {
	*httptest.Server

	mu       sync.Mutex
	handlers map[string]Handler
	calls    []string
}

// New starts a Server that is closed when the test finishes.
func New(t testing.TB) *Server {
	t.Helper()
	s := &Server{handlers: make(map[string]Handler)}
	s.Server = httptest.NewServer(http.HandlerFunc(s.serve))
	t.Cleanup(s.Server.Close)
	return s
}

// Handle registers fn for method, replacing any previous handler.
func (s *Server) Handle(method string, fn Handler) {
	s.mu.Lock()
	s.handlers[method] = fn
	s.mu.Unlock()
}

// Calls returns the methods invoked so far, in order. Params of
// scantxoutset are folded in as "scantxoutset <action>".
func (s *Server) Calls() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.calls...)
}

// Count returns how many times call was recorded.
func (s *Server) Count(call string) int {
	n := 0
	for _, c := range s.Calls() {
		if c == call {
			n++
		}
	}
	return n
}

func (s *Server) serve(w http.ResponseWriter, r *http.Request) {
	user, pass, ok := r.BasicAuth()
	if !ok || user != User || pass != Pass {
		w.WriteHeader(http.StatusUnauthorized)
		return
	}

	var req struct {
		Method string            `json:"method"`
		Params []json.RawMessage `json:"params"`
		ID     json.RawMessage   `json:"id"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		w.WriteHeader(http.StatusBadRequest)
		return
	}

	call := req.Method
	if req.Method == "scantxoutset" && len(req.Params) > 0 {
		var action string
		json.Unmarshal(req.Params[0], &action)
		call += " " + action
	}

	s.mu.Lock()
	s.calls = append(s.calls, call)
	fn, found := s.handlers[req.Method]
	s.mu.Unlock()

	var (
		result interface{}
		rpcErr *Error
	)
	if !found {
		rpcErr = &Error{Code: -32601, Message: "Method not found"}
	} else {
		result, rpcErr = fn(req.Params)
	}

	w.Header().Set("Content-Type", "application/json")
	if rpcErr != nil {
		w.WriteHeader(http.StatusInternalServerError)
	}
	json.NewEncoder(w).Encode(map[string]interface{}{
		"result": result,
		"error":  rpcErr,
		"id":     req.ID,
	})
}
