// Package observability exposes runtime introspection over HTTP: the
// Prometheus metrics endpoint, a liveness probe, and the aggregated pool
// statistics as JSON.
package observability

import (
	"context"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/stratoml/strato/pkg/logger"
	"github.com/stratoml/strato/pkg/stats"
	"github.com/stratoml/strato/pkg/stratoerrors"
)

// Server serves /metrics, /healthz, and /stats.
type Server struct {
	agg *stats.Aggregator
	srv *http.Server
	log *zap.Logger
}

// NewServer creates an observability server bound to addr. The aggregator
// may be nil, in which case /stats serves an empty snapshot.
func NewServer(addr string, agg *stats.Aggregator) (*Server, error) {
	if addr == "" {
		return nil, stratoerrors.New(stratoerrors.ErrorTypeConfig,
			"observability server requires a listen address")
	}
	if agg == nil {
		agg = stats.NewAggregator()
	}

	s := &Server{
		agg: agg,
		log: logger.With(zap.String("component", "observability")),
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/healthz", s.handleHealth)
	mux.HandleFunc("/stats", s.handleStats)

	s.srv = &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	return s, nil
}

// Start serves until Shutdown. Blocks; run it on its own goroutine.
func (s *Server) Start() error {
	s.log.Info("observability server starting", zap.String("addr", s.srv.Addr))
	if err := s.srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return stratoerrors.Wrap(err, stratoerrors.ErrorTypeInternal,
			"observability server failed")
	}
	return nil
}

// Shutdown stops the server, waiting for in-flight requests up to the
// context deadline.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.srv.Shutdown(ctx)
}

// Handler returns the server's HTTP handler, for mounting in tests or an
// existing mux.
func (s *Server) Handler() http.Handler {
	return s.srv.Handler
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

func (s *Server) handleStats(w http.ResponseWriter, _ *http.Request) {
	raw, err := s.agg.JSON()
	if err != nil {
		s.log.Error("stats serialization failed", zap.Error(err))
		http.Error(w, "stats unavailable", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	_, _ = w.Write(raw)
}
