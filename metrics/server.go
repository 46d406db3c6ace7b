package metrics

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// StatusFunc reports the live state of the run for the status endpoint.
type StatusFunc func() any

// Routes adds handlers to the status router.
type Routes interface {
	RegisterRoutes(r *mux.Router)
}

// Server exposes Prometheus metrics and run status over HTTP.
type Server struct {
	srv *http.Server
}

// NewServer builds a metrics server on the provided port. A zero port disables it.
func NewServer(port int, status StatusFunc, extra ...Routes) *Server {
	if port == 0 {
		return nil
	}
	return &Server{
		srv: &http.Server{
			Addr:              fmt.Sprintf(":%d", port),
			Handler:           NewRouter(status, extra...),
			ReadHeaderTimeout: 5 * time.Second,
		},
	}
}

// NewRouter wires the metrics and status handlers plus any extra routes.
func NewRouter(status StatusFunc, extra ...Routes) *mux.Router {
	r := mux.NewRouter()
	r.Handle("/metrics", promhttp.Handler()).Methods(http.MethodGet)
	r.HandleFunc("/status", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		var body any = map[string]string{}
		if status != nil {
			body = status()
		}
		if err := json.NewEncoder(w).Encode(body); err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
		}
	}).Methods(http.MethodGet)
	for _, routes := range extra {
		routes.RegisterRoutes(r)
	}
	return r
}

// Start serves metrics until shutdown; returns nil when disabled.
func (s *Server) Start() error {
	if s == nil {
		return nil
	}
	if err := s.srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

// Stop gracefully shuts down the metrics server; no-op when disabled.
func (s *Server) Stop(ctx context.Context) error {
	if s == nil {
		return nil
	}
	return s.srv.Shutdown(ctx)
}
