package healthcheck

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/rs/zerolog"

	"github.com/quorum-ai/quorum-agent/internal/metrics"
)

// Handlers serves the health endpoints over HTTP.
type Handlers struct {
	logger  zerolog.Logger
	service *Service
	metrics *metrics.Metrics
}

// NewHandlers wires the health service into HTTP handlers. metrics may be nil.
func NewHandlers(service *Service, logger zerolog.Logger, m *metrics.Metrics) *Handlers {
	return &Handlers{
		logger:  logger,
		service: service,
		metrics: m,
	}
}

// Register attaches the health routes to mux.
func (h *Handlers) Register(mux *http.ServeMux) {
	mux.HandleFunc("GET /healthcheck", h.HealthCheck)
	mux.HandleFunc("GET /healthz", h.Healthz)
	mux.HandleFunc("GET /readyz", h.Readyz)
}

// HealthCheck serves the full health document. It always answers 200: the
// document itself carries the health verdict, and monitors must be able to
// read it even when the agent is degraded.
func (h *Handlers) HealthCheck(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	status := h.service.CompleteHealthStatus(r.Context())
	h.metrics.ObserveHealthRequestDuration(time.Since(start))

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	if err := json.NewEncoder(w).Encode(status); err != nil {
		h.logger.Error().Err(err).Msg("failed to encode health status")
	}
}

// Healthz is the liveness probe: 200 when the transaction manager signal is
// healthy, 503 otherwise.
func (h *Handlers) Healthz(w http.ResponseWriter, r *http.Request) {
	status := h.service.CompleteHealthStatus(r.Context())
	if status.IsTMHealthy {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok\n"))
		return
	}
	w.WriteHeader(http.StatusServiceUnavailable)
	w.Write([]byte("unhealthy\n"))
}

// Readyz reports readiness: 200 once the tracker has been initialized.
func (h *Handlers) Readyz(w http.ResponseWriter, r *http.Request) {
	if h.service.Ready() {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ready\n"))
		return
	}
	w.WriteHeader(http.StatusServiceUnavailable)
	w.Write([]byte("not ready\n"))
}
