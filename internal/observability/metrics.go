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
			Namespace: "feedctl",
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "Total HTTP requests.",
		},
		[]string{"node", "method", "path", "status"},
	)
	httpDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "feedctl",
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "HTTP request duration in seconds.",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"node", "method", "path", "status"},
	)
	sessionTransitions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "feedctl",
			Subsystem: "session",
			Name:      "transitions_total",
			Help:      "Supervisor phase transitions by target phase.",
		},
		[]string{"phase"},
	)
	connectTimeouts = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "feedctl",
			Subsystem: "session",
			Name:      "connect_timeouts_total",
			Help:      "Connection attempts that exceeded the connect window, by policy.",
		},
		[]string{"policy"},
	)
	transportStatus = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "feedctl",
			Subsystem: "transport",
			Name:      "status_changes_total",
			Help:      "Transport reachability notifications.",
		},
		[]string{"kind", "status"},
	)
	streamEvents = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "feedctl",
			Subsystem: "stream",
			Name:      "events_total",
			Help:      "Decoded inbound events by kind.",
		},
		[]string{"kind"},
	)
	streamDropped = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "feedctl",
			Subsystem: "stream",
			Name:      "dropped_total",
			Help:      "Events dropped because the stream buffer was full.",
		},
	)
	queueDepth = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "feedctl",
			Subsystem: "queue",
			Name:      "depth",
			Help:      "Current number of queued items.",
		},
	)
	serverReachable = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "feedctl",
			Subsystem: "session",
			Name:      "server_reachable",
			Help:      "Server reachability: 1 on, 0 off, -1 unknown.",
		},
	)
	remoteCalls = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "feedctl",
			Subsystem: "remote",
			Name:      "calls_total",
			Help:      "Remote calls by outcome.",
		},
		[]string{"outcome"},
	)
	remoteDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "feedctl",
			Subsystem: "remote",
			Name:      "call_duration_seconds",
			Help:      "Remote call duration in seconds.",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"outcome"},
	)
)

func RegisterMetrics() {
	registerOnce.Do(func() {
		prometheus.MustRegister(
			httpRequests,
			httpDuration,
			sessionTransitions,
			connectTimeouts,
			transportStatus,
			streamEvents,
			streamDropped,
			queueDepth,
			serverReachable,
			remoteCalls,
			remoteDuration,
		)
	})
}

func RecordHTTPRequest(node, method, path string, status int, duration time.Duration) {
	RegisterMetrics()
	statusLabel := strconv.Itoa(status)
	httpRequests.WithLabelValues(node, method, path, statusLabel).Inc()
	httpDuration.WithLabelValues(node, method, path, statusLabel).Observe(duration.Seconds())
}

func RecordSessionTransition(phase string) {
	RegisterMetrics()
	sessionTransitions.WithLabelValues(phase).Inc()
}

func RecordConnectTimeout(policy string) {
	RegisterMetrics()
	connectTimeouts.WithLabelValues(policy).Inc()
}

func RecordTransportStatus(kind, status string) {
	RegisterMetrics()
	transportStatus.WithLabelValues(kind, status).Inc()
}

func RecordStreamEvent(kind string) {
	RegisterMetrics()
	streamEvents.WithLabelValues(kind).Inc()
}

func RecordStreamDropped() {
	RegisterMetrics()
	streamDropped.Inc()
}

func SetQueueDepth(n int) {
	RegisterMetrics()
	queueDepth.Set(float64(n))
}

// SetServerReachable takes nil for unknown.
func SetServerReachable(reachable *bool) {
	RegisterMetrics()
	switch {
	case reachable == nil:
		serverReachable.Set(-1)
	case *reachable:
		serverReachable.Set(1)
	default:
		serverReachable.Set(0)
	}
}

func RecordRemoteCall(outcome string, duration time.Duration) {
	RegisterMetrics()
	remoteCalls.WithLabelValues(outcome).Inc()
	remoteDuration.WithLabelValues(outcome).Observe(duration.Seconds())
}
