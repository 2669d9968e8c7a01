package observability

import (
	"strconv"
	"sync"
	"time"

	gmprom "github.com/hashicorp/go-metrics/prometheus"
	"github.com/prometheus/client_golang/prometheus"
)

// CodecMetricsExpiration is how long an idle codec series stays exported.
const CodecMetricsExpiration = 10 * time.Minute

var (
	registerOnce sync.Once

	httpRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "wirepack",
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "Total HTTP requests.",
		},
		[]string{"server", "method", "path", "status"},
	)
	httpDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "wirepack",
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "HTTP request duration in seconds.",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"server", "method", "path", "status"},
	)
	httpBodyBytes = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "wirepack",
			Subsystem: "http",
			Name:      "request_body_bytes",
			Help:      "Size of frames posted for decoding.",
			Buckets:   prometheus.ExponentialBuckets(16, 4, 8),
		},
		[]string{"server", "path"},
	)
)

func RegisterMetrics() {
	registerOnce.Do(func() {
		prometheus.MustRegister(httpRequests, httpDuration, httpBodyBytes)
	})
}

func RecordHTTPRequest(server, method, path string, status int, duration time.Duration) {
	RegisterMetrics()
	statusLabel := strconv.Itoa(status)
	httpRequests.WithLabelValues(server, method, path, statusLabel).Inc()
	httpDuration.WithLabelValues(server, method, path, statusLabel).Observe(duration.Seconds())
}

func RecordRequestBody(server, path string, n int) {
	RegisterMetrics()
	httpBodyBytes.WithLabelValues(server, path).Observe(float64(n))
}

// NewCodecSink exports protocol encode/decode metrics through reg. A nil reg
// means the default Prometheus registry, which accepts one sink per process.
func NewCodecSink(reg prometheus.Registerer) (*gmprom.PrometheusSink, error) {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	return gmprom.NewPrometheusSinkFrom(gmprom.PrometheusOpts{
		Expiration: CodecMetricsExpiration,
		Registerer: reg,
	})
}
