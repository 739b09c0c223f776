// Package health serves the operational HTTP endpoint: liveness, readiness,
// and Prometheus metrics.
package health

import (
	"context"
	"encoding/json"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/cendern/toothpaste/internal/logging"
	"github.com/cendern/toothpaste/internal/sysinfo"
)

// StatusProvider reports the current device status for /healthz.
type StatusProvider interface {
	// State returns the device-visible state name.
	State() string

	// Ready reports whether the device accepts DATA packets.
	Ready() bool
}

// Server is the operational HTTP endpoint.
type Server struct {
	logger   *slog.Logger
	provider StatusProvider

	server   *http.Server
	listener net.Listener
}

// NewServer creates a health server with the given status provider and the
// metrics gatherer (prometheus.DefaultGatherer when nil).
func NewServer(logger *slog.Logger, provider StatusProvider, gatherer prometheus.Gatherer) *Server {
	if logger == nil {
		logger = logging.NopLogger()
	}
	if gatherer == nil {
		gatherer = prometheus.DefaultGatherer
	}

	s := &Server{
		logger:   logger.With(logging.KeyComponent, "health"),
		provider: provider,
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", s.handleHealthz)
	mux.HandleFunc("/ready", s.handleReady)
	mux.Handle("/metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))

	s.server = &http.Server{
		Handler:           mux,
		ReadTimeout:       10 * time.Second,
		WriteTimeout:      10 * time.Second,
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s
}

// Start begins serving on addr.
func (s *Server) Start(addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	s.listener = ln

	go func() {
		if err := s.server.Serve(ln); err != nil && err != http.ErrServerClosed {
			s.logger.Error("health server stopped", logging.KeyError, err)
		}
	}()

	s.logger.Info("health endpoint listening", logging.KeyAddress, ln.Addr().String())
	return nil
}

// Addr returns the bound address, or "" before Start.
func (s *Server) Addr() string {
	if s.listener == nil {
		return ""
	}
	return s.listener.Addr().String()
}

// Stop shuts the server down.
func (s *Server) Stop() error {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	return s.server.Shutdown(ctx)
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	resp := map[string]any{
		"version": sysinfo.Version,
		"uptime":  sysinfo.Uptime().String(),
	}
	if s.provider != nil {
		resp["state"] = s.provider.State()
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(resp)
}

func (s *Server) handleReady(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	if s.provider != nil && !s.provider.Ready() {
		http.Error(w, "not ready", http.StatusServiceUnavailable)
		return
	}
	w.WriteHeader(http.StatusOK)
}
