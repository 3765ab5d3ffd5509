package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Reject reasons used as the "reason" label on RejectedTotal.
const (
	RejectReasonBadPath         = "bad_path"
	RejectReasonPolicyDenied    = "policy_denied"
	RejectReasonTooManySessions = "too_many_sessions"
	RejectReasonBadOrigin       = "bad_origin"
)

// Process exit outcomes used as the "outcome" label on ProcessExitsTotal.
const (
	ExitOutcomeOK    = "ok"
	ExitOutcomeError = "error"
)

// Metrics holds the relay's Prometheus collectors on a private registry so
// tests can construct independent instances without collector name collisions.
type Metrics struct {
	registry *prometheus.Registry

	SessionsActive prometheus.Gauge
	SessionsTotal  prometheus.Counter
	RejectedTotal  *prometheus.CounterVec

	ProcessSpawnsTotal        prometheus.Counter
	ProcessSpawnFailuresTotal prometheus.Counter
	ProcessExitsTotal         *prometheus.CounterVec

	ChunksForwardedTotal prometheus.Counter
	BytesForwardedTotal  prometheus.Counter
	WriteErrorsTotal     prometheus.Counter
}

func New() *Metrics {
	reg := prometheus.NewRegistry()
	factory := promauto.With(reg)

	return &Metrics{
		registry: reg,

		SessionsActive: factory.NewGauge(prometheus.GaugeOpts{
			Name: "relay_sessions_active",
			Help: "Currently active relay sessions.",
		}),
		SessionsTotal: factory.NewCounter(prometheus.CounterOpts{
			Name: "relay_sessions_total",
			Help: "Relay sessions created.",
		}),
		RejectedTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "relay_rejected_total",
			Help: "Connections rejected before a session was created, by reason.",
		}, []string{"reason"}),

		ProcessSpawnsTotal: factory.NewCounter(prometheus.CounterOpts{
			Name: "relay_process_spawns_total",
			Help: "External processes spawned.",
		}),
		ProcessSpawnFailuresTotal: factory.NewCounter(prometheus.CounterOpts{
			Name: "relay_process_spawn_failures_total",
			Help: "External process spawns that failed at startup.",
		}),
		ProcessExitsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "relay_process_exits_total",
			Help: "External process exits, by outcome.",
		}, []string{"outcome"}),

		ChunksForwardedTotal: factory.NewCounter(prometheus.CounterOpts{
			Name: "relay_chunks_forwarded_total",
			Help: "Media chunks written to process stdin.",
		}),
		BytesForwardedTotal: factory.NewCounter(prometheus.CounterOpts{
			Name: "relay_bytes_forwarded_total",
			Help: "Media bytes written to process stdin.",
		}),
		WriteErrorsTotal: factory.NewCounter(prometheus.CounterOpts{
			Name: "relay_write_errors_total",
			Help: "Failed writes to process stdin.",
		}),
	}
}

// Handler exposes the registry in Prometheus' text exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
