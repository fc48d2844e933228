package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Connection metrics
	ActiveConnections = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "ic_gateway_connections_active",
		Help: "Number of active client WebSocket connections",
	})

	TotalConnections = promauto.NewCounter(prometheus.CounterOpts{
		Name: "ic_gateway_connections_total",
		Help: "Total number of accepted client WebSocket connections",
	})

	ConnectionRejected = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "ic_gateway_connection_rejected_total",
		Help: "Total number of connections rejected before handshake completed",
	}, []string{"reason"})

	// Session metrics
	ActiveSessions = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "ic_gateway_sessions_active",
		Help: "Number of sessions currently in the Registered state",
	})

	SessionsSuperseded = promauto.NewCounter(prometheus.CounterOpts{
		Name: "ic_gateway_sessions_superseded_total",
		Help: "Total number of sessions closed because a newer session claimed the same client key",
	})

	SessionsClosed = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "ic_gateway_sessions_closed_total",
		Help: "Total number of sessions closed, by reason",
	}, []string{"reason"})

	// Poller metrics
	ActivePollers = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "ic_gateway_pollers_active",
		Help: "Number of backends currently being polled",
	})

	PollErrors = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "ic_gateway_poll_errors_total",
		Help: "Total number of failed poll round trips, by backend",
	}, []string{"backend"})

	PollLatency = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "ic_gateway_poll_latency_seconds",
		Help:    "Poll round trip latency in seconds",
		Buckets: prometheus.ExponentialBuckets(0.005, 2, 10),
	}, []string{"backend"})

	// Message metrics
	MessagesRelayed = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "ic_gateway_messages_relayed_total",
		Help: "Total number of envelope messages relayed, by direction",
	}, []string{"direction"})

	InboxDropped = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "ic_gateway_inbox_dropped_total",
		Help: "Total number of outbound messages dropped from a session inbox under backpressure",
	}, []string{"backend"})

	// Backend call metrics
	BackendCallLatency = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "ic_gateway_backend_call_latency_seconds",
		Help:    "Backend RPC latency in seconds",
		Buckets: prometheus.ExponentialBuckets(0.001, 2, 12),
	}, []string{"method", "backend"})

	CircuitBreakerState = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "ic_gateway_circuit_breaker_state",
		Help: "Circuit breaker state (0=closed, 1=open, 2=half-open)",
	}, []string{"backend"})

	// Configuration refresh metrics
	ConfigRefreshErrors = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "ic_gateway_config_refresh_errors_total",
		Help: "Total number of configuration refresh errors",
	}, []string{"config_type"})
)

// IncConnectionRejected increments the connection rejected counter.
func IncConnectionRejected(reason string) {
	ConnectionRejected.WithLabelValues(reason).Inc()
}
