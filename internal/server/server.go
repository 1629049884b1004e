package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/rs/zerolog"

	"github.com/quorum-ai/quorum-agent/internal/healthcheck"
	"github.com/quorum-ai/quorum-agent/internal/metrics"
)

// ShutdownTimeout bounds graceful HTTP shutdown and final state writes.
const ShutdownTimeout = 5 * time.Second

// Start launches the HTTP server exposing the health document and metrics.
func Start(ctx context.Context, logger zerolog.Logger, handlers *healthcheck.Handlers, metricsCollector *metrics.Metrics, port int) {
	if port == 0 {
		return
	}

	mux := http.NewServeMux()
	handlers.Register(mux)
	registerMetricsRoute(mux, metricsCollector)
	startServer(ctx, logger, mux, port, "agent")
}

func registerMetricsRoute(mux *http.ServeMux, metricsCollector *metrics.Metrics) {
	if metricsCollector == nil {
		return
	}
	mux.Handle("/metrics", metricsCollector.Handler())
}

func startServer(ctx context.Context, logger zerolog.Logger, handler http.Handler, port int, label string) {
	server := &http.Server{
		Addr:              fmt.Sprintf(":%d", port),
		Handler:           handler,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		logger.Info().Str("server", label).Int("port", port).Msg("http server starting")
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error().Err(err).Str("server", label).Int("port", port).Msg("http server failed")
		}
	}()

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), ShutdownTimeout)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			logger.Error().Err(err).Str("server", label).Int("port", port).Msg("http server shutdown failed")
		}
	}()
}
