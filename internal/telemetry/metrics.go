package telemetry

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics contains the Prometheus collectors for the chat endpoints. All
// methods are safe on a nil receiver so tests can pass a nil *Metrics.
type Metrics struct {
	requests  *prometheus.CounterVec
	fragments prometheus.Counter
	upstream  *prometheus.HistogramVec
}

// NewMetrics registers the collectors on the default registry.
func NewMetrics() *Metrics {
	return &Metrics{
		requests: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "voicegw_chat_requests_total",
				Help: "Total chat requests by delivery mode and outcome",
			},
			[]string{"mode", "outcome"},
		),

		fragments: promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "voicegw_stream_fragments_total",
				Help: "Total upstream SSE fragments delivered to callers",
			},
		),

		upstream: promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "voicegw_upstream_duration_seconds",
				Help:    "Wall time of the upstream completion call",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"mode"},
		),
	}
}

// ObserveRequest records one completed chat request.
func (m *Metrics) ObserveRequest(mode, outcome string, duration time.Duration, fragments int) {
	if m == nil {
		return
	}
	m.requests.WithLabelValues(mode, outcome).Inc()
	m.fragments.Add(float64(fragments))
	m.upstream.WithLabelValues(mode).Observe(duration.Seconds())
}
