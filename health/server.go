package health

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/c360/pointstream/errors"
)

// Server is the operational HTTP listener serving /healthz and /metrics.
type Server struct {
	addr    string
	monitor *Monitor
	logger  *slog.Logger
	srv     *http.Server
}

// NewServer creates the ops listener. An empty address disables it.
func NewServer(addr string, monitor *Monitor, gatherer prometheus.Gatherer, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}

	s := &Server{
		addr:    addr,
		monitor: monitor,
		logger:  logger,
	}
	if addr == "" {
		return s
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", s.handleHealthz)
	mux.Handle("/metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))

	s.srv = &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	return s
}

func (s *Server) handleHealthz(w http.ResponseWriter, _ *http.Request) {
	overall := s.monitor.Overall()

	w.Header().Set("Content-Type", "application/json")
	if !overall.IsHealthy() && !overall.IsDegraded() {
		w.WriteHeader(http.StatusServiceUnavailable)
	}
	if err := json.NewEncoder(w).Encode(overall); err != nil {
		s.logger.Warn("failed to write health response", "error", err)
	}
}

// Start begins serving. Listen failures after startup are logged, not
// returned.
func (s *Server) Start(_ context.Context) error {
	if s.srv == nil {
		return nil
	}

	go func() {
		s.logger.Info("ops listener started", "addr", s.addr)
		if err := s.srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			s.logger.Error("ops listener failed", "error", err)
		}
	}()
	return nil
}

// Stop shuts the listener down gracefully
func (s *Server) Stop(timeout time.Duration) error {
	if s.srv == nil {
		return nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	if err := s.srv.Shutdown(ctx); err != nil {
		return errors.WrapTransient(err, "Server", "Stop", "shutdown listener")
	}
	return nil
}
