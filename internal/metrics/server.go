package metrics

import (
	"context"
	"fmt"
	"net/http"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
)

// Server serves /metrics while the long-running store-changes action is
// ingesting the stream.
type Server struct {
	server *http.Server
	logger zerolog.Logger
}

// NewServer creates a metrics server on the given port.
func NewServer(port int, logger zerolog.Logger) *Server {
	if port == 0 {
		port = 2112
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	return &Server{
		server: &http.Server{
			Addr:    fmt.Sprintf(":%d", port),
			Handler: mux,
		},
		logger: logger.With().Str("component", "metrics").Logger(),
	}
}

// Start serves in a goroutine until Stop.
func (s *Server) Start() {
	s.logger.Info().Str("addr", s.server.Addr).Msg("starting metrics server")
	go func() {
		if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			s.logger.Error().Err(err).Msg("metrics server failed")
		}
	}()
}

// Stop gracefully shuts the server down.
func (s *Server) Stop(ctx context.Context) error {
	return s.server.Shutdown(ctx)
}
