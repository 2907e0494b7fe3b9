package observability

import (
	"strconv"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	registerOnce sync.Once

	httpRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "nettables",
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "Total HTTP requests served by the status router.",
		},
		[]string{"node", "method", "path", "status"},
	)
	httpDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "nettables",
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "HTTP request duration in seconds.",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"node", "method", "path", "status"},
	)
	connectorRaces = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "nettables",
			Subsystem: "connector",
			Name:      "races_total",
			Help:      "Connection races started, by trigger.",
		},
		[]string{"reason"},
	)
	connectorAttempts = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "nettables",
			Subsystem: "connector",
			Name:      "attempts_total",
			Help:      "Resolve and connect attempts finished, by stage and outcome.",
		},
		[]string{"stage", "outcome"},
	)
	decodeErrors = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "nettables",
			Subsystem: "codec",
			Name:      "decode_errors_total",
			Help:      "Messages that failed to decode, by message type.",
		},
		[]string{"message"},
	)
	sessionMessages = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "nettables",
			Subsystem: "session",
			Name:      "messages_total",
			Help:      "Protocol messages sent and received.",
		},
		[]string{"direction", "message"},
	)
	sessionsActive = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "nettables",
			Subsystem: "session",
			Name:      "active",
			Help:      "Sessions past the handshake and not yet closed.",
		},
		[]string{"role"},
	)
)

func RegisterMetrics() {
	registerOnce.Do(func() {
		prometheus.MustRegister(
			httpRequests,
			httpDuration,
			connectorRaces,
			connectorAttempts,
			decodeErrors,
			sessionMessages,
			sessionsActive,
		)
	})
}

func RecordHTTPRequest(node, method, path string, status int, duration time.Duration) {
	RegisterMetrics()
	statusLabel := strconv.Itoa(status)
	httpRequests.WithLabelValues(node, method, path, statusLabel).Inc()
	httpDuration.WithLabelValues(node, method, path, statusLabel).Observe(duration.Seconds())
}

// RecordRace counts a race start. reason is one of start, timeout,
// servers, disconnect.
func RecordRace(reason string) {
	RegisterMetrics()
	connectorRaces.WithLabelValues(reason).Inc()
}

// RecordAttempt counts a finished attempt. stage is resolve or connect;
// outcome is ok, error, or stale.
func RecordAttempt(stage, outcome string) {
	RegisterMetrics()
	connectorAttempts.WithLabelValues(stage, outcome).Inc()
}

func RecordDecodeError(message string) {
	RegisterMetrics()
	decodeErrors.WithLabelValues(message).Inc()
}

func RecordSessionMessage(direction, message string) {
	RegisterMetrics()
	sessionMessages.WithLabelValues(direction, message).Inc()
}

func SessionOpened(role string) {
	RegisterMetrics()
	sessionsActive.WithLabelValues(role).Inc()
}

func SessionClosed(role string) {
	RegisterMetrics()
	sessionsActive.WithLabelValues(role).Dec()
}
