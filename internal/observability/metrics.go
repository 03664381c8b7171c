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
			Namespace: "cpsw",
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "Total admin HTTP requests.",
		},
		[]string{"node", "method", "path", "status"},
	)
	httpDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "cpsw",
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "Admin HTTP request duration in seconds.",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"node", "method", "path", "status"},
	)
	srpTransactions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "cpsw",
			Subsystem: "srp",
			Name:      "transactions_total",
			Help:      "SRP transactions by outcome.",
		},
		[]string{"address", "op", "result"},
	)
	srpRetries = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "cpsw",
			Subsystem: "srp",
			Name:      "retries_total",
			Help:      "SRP request retransmissions.",
		},
		[]string{"address", "op"},
	)
	srpRoundTrip = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "cpsw",
			Subsystem: "srp",
			Name:      "round_trip_seconds",
			Help:      "SRP request to matching reply latency.",
			Buckets:   prometheus.ExponentialBuckets(50e-6, 2, 16),
		},
		[]string{"address", "op"},
	)
	transportDatagrams = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "cpsw",
			Subsystem: "transport",
			Name:      "messages_total",
			Help:      "Transport messages by direction.",
		},
		[]string{"module", "direction"},
	)
	transportBytes = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "cpsw",
			Subsystem: "transport",
			Name:      "bytes_total",
			Help:      "Transport payload bytes by direction.",
		},
		[]string{"module", "direction"},
	)
)

func RegisterMetrics() {
	registerOnce.Do(func() {
		prometheus.MustRegister(
			httpRequests, httpDuration,
			srpTransactions, srpRetries, srpRoundTrip,
			transportDatagrams, transportBytes,
			moduleStats,
		)
	})
}

func RecordHTTPRequest(node, method, path string, status int, duration time.Duration) {
	RegisterMetrics()
	statusLabel := strconv.Itoa(status)
	httpRequests.WithLabelValues(node, method, path, statusLabel).Inc()
	httpDuration.WithLabelValues(node, method, path, statusLabel).Observe(duration.Seconds())
}

// ObserveSRPTransaction records one completed or failed SRP transaction.
// retries is the number of retransmissions it took.
func ObserveSRPTransaction(address, op string, rtt time.Duration, retries int, err error) {
	RegisterMetrics()
	result := "ok"
	if err != nil {
		result = "timeout"
	}
	srpTransactions.WithLabelValues(address, op, result).Inc()
	if retries > 0 {
		srpRetries.WithLabelValues(address, op).Add(float64(retries))
	}
	if err == nil {
		srpRoundTrip.WithLabelValues(address, op).Observe(rtt.Seconds())
	}
}

func RecordTransport(module, direction string, bytes int) {
	RegisterMetrics()
	transportDatagrams.WithLabelValues(module, direction).Inc()
	transportBytes.WithLabelValues(module, direction).Add(float64(bytes))
}
