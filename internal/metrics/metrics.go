package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/quorum-ai/quorum-agent/internal/lifecycle"
)

// Metrics wraps Prometheus collectors for quorum-agent.
type Metrics struct {
	registry               *prometheus.Registry
	transitionsTotal       *prometheus.CounterVec
	stateSaveDuration      prometheus.Histogram
	stateCorruptionTotal   prometheus.Counter
	backupRecoveriesTotal  prometheus.Counter
	healthRequestDuration  prometheus.Histogram
	currentStateGauge      *prometheus.GaugeVec
	alertsTotal            *prometheus.CounterVec
	lastTransitionUnixTime prometheus.Gauge
}

// New initializes a Metrics registry with all collectors registered.
func New() *Metrics {
	registry := prometheus.NewRegistry()
	m := &Metrics{
		registry: registry,
		transitionsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "quorum_agent_transitions_total",
			Help: "Total lifecycle transitions by source and destination state.",
		}, []string{"from_state", "to_state"}),
		stateSaveDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "quorum_agent_state_save_duration_seconds",
			Help:    "Duration of durable state saves in seconds.",
			Buckets: prometheus.DefBuckets,
		}),
		stateCorruptionTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "quorum_agent_state_corruption_total",
			Help: "Total state documents that failed integrity verification.",
		}),
		backupRecoveriesTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "quorum_agent_backup_recoveries_total",
			Help: "Total successful recoveries from backup documents.",
		}),
		healthRequestDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "quorum_agent_health_request_duration_seconds",
			Help:    "Duration of health document requests in seconds.",
			Buckets: []float64{.001, .0025, .005, .01, .025, .05, .1, .25, .5, 1},
		}),
		currentStateGauge: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "quorum_agent_current_state",
			Help: "One-hot gauge of the agent's current lifecycle state.",
		}, []string{"state"}),
		alertsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "quorum_agent_alerts_total",
			Help: "Total alerts emitted by governance space and kind.",
		}, []string{"space", "kind"}),
		lastTransitionUnixTime: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "quorum_agent_last_transition_timestamp",
			Help: "Unix timestamp of the most recent lifecycle transition.",
		}),
	}

	registry.MustRegister(
		m.transitionsTotal,
		m.stateSaveDuration,
		m.stateCorruptionTotal,
		m.backupRecoveriesTotal,
		m.healthRequestDuration,
		m.currentStateGauge,
		m.alertsTotal,
		m.lastTransitionUnixTime,
	)

	return m
}

// Handler returns a Prometheus HTTP handler for this registry.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return promhttp.Handler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// ObserveTransition records one lifecycle transition and updates the
// one-hot current-state gauge.
func (m *Metrics) ObserveTransition(from, to lifecycle.State, at time.Time) {
	if m == nil {
		return
	}
	m.transitionsTotal.WithLabelValues(string(from), string(to)).Inc()
	for _, state := range lifecycle.AllStates() {
		value := 0.0
		if state == to {
			value = 1.0
		}
		m.currentStateGauge.WithLabelValues(string(state)).Set(value)
	}
	m.lastTransitionUnixTime.Set(float64(at.Unix()))
}

// ObserveStateSaveDuration records the duration of a durable save.
func (m *Metrics) ObserveStateSaveDuration(duration time.Duration) {
	if m == nil {
		return
	}
	m.stateSaveDuration.Observe(duration.Seconds())
}

// IncStateCorruption increments the corruption counter.
func (m *Metrics) IncStateCorruption() {
	if m == nil {
		return
	}
	m.stateCorruptionTotal.Inc()
}

// IncBackupRecoveries increments the backup recovery counter.
func (m *Metrics) IncBackupRecoveries() {
	if m == nil {
		return
	}
	m.backupRecoveriesTotal.Inc()
}

// ObserveHealthRequestDuration records the latency of a health request.
func (m *Metrics) ObserveHealthRequestDuration(duration time.Duration) {
	if m == nil {
		return
	}
	m.healthRequestDuration.Observe(duration.Seconds())
}

// IncAlertsTotal increments the alerts counter for the given space/kind.
func (m *Metrics) IncAlertsTotal(space string, kind string) {
	if m == nil {
		return
	}
	m.alertsTotal.WithLabelValues(space, kind).Inc()
}
