// Package dashboardtest provides an in-memory dashboard API for tests.
package dashboardtest

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"

	"github.com/google/uuid"
)

// Call is one request received by the fake dashboard.
type Call struct {
	Method string
	Path   string
	Auth   string
	Body   map[string]interface{}
}

// Server records every call and answers with freshly allocated ids.
type Server struct {
	*httptest.Server

	mu    sync.Mutex
	calls []Call
	fail  map[string]int
}

// NewServer starts the fake dashboard. Its API lives under /api/v1.
func NewServer() *Server {
	s := &Server{fail: map[string]int{}}
	s.Server = httptest.NewServer(http.HandlerFunc(s.handle))
	return s
}

// APIURL is the base URL to give to the dashboard client.
func (s *Server) APIURL() string { return s.URL + "/api/v1" }

// FailWith makes every request to path answer with status.
func (s *Server) FailWith(path string, status int) {
	s.mu.Lock()
	s.fail[path] = status
	s.mu.Unlock()
}

// Calls returns a copy of the calls received so far.
func (s *Server) Calls() []Call {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Call, len(s.calls))
	copy(out, s.calls)
	return out
}

// CallsTo returns the calls made to path, e.g. "/cancel-invocation".
func (s *Server) CallsTo(path string) []Call {
	var out []Call
	for _, c := range s.Calls() {
		if c.Path == path {
			out = append(out, c)
		}
	}
	return out
}

// FailureReports returns the cancel-invocation calls that carry a failure reason.
func (s *Server) FailureReports() []Call {
	var out []Call
	for _, c := range s.CallsTo("/cancel-invocation") {
		if _, ok := c.Body["failure_reason"]; ok {
			out = append(out, c)
		}
	}
	return out
}

// Cancellations returns the cancel-invocation calls without a failure reason.
func (s *Server) Cancellations() []Call {
	var out []Call
	for _, c := range s.CallsTo("/cancel-invocation") {
		if _, ok := c.Body["failure_reason"]; !ok {
			out = append(out, c)
		}
	}
	return out
}

func (s *Server) handle(w http.ResponseWriter, r *http.Request) {
	path := strings.TrimPrefix(r.URL.Path, "/api/v1")
	call := Call{Method: r.Method, Path: path, Auth: r.Header.Get("Authorization")}
	_ = json.NewDecoder(r.Body).Decode(&call.Body)

	s.mu.Lock()
	s.calls = append(s.calls, call)
	status := s.fail[path]
	s.mu.Unlock()

	if status != 0 {
		http.Error(w, "injected failure", status)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	switch path {
	case "/invocation", "/workload":
		_ = json.NewEncoder(w).Encode(uuid.New())
	default:
		w.WriteHeader(http.StatusOK)
	}
}
