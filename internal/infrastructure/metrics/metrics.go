// Package metrics provides Prometheus metrics for the signaling server.
package metrics

import (
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const (
	namespace = "voicebridge"
)

var (
	// ActiveConnections tracks open signaling connections.
	ActiveConnections = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "signal",
			Name:      "active_connections",
			Help:      "Number of open signaling connections",
		},
	)

	// MessagesTotal counts handled signaling messages by type and outcome code.
	MessagesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "signal",
			Name:      "messages_total",
			Help:      "Total signaling messages handled",
		},
		[]string{"type", "code"},
	)

	// DroppedFrames counts frames lost to a full send queue.
	DroppedFrames = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "signal",
			Name:      "dropped_frames_total",
			Help:      "Frames dropped because a client send queue was full",
		},
	)

	AuthTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "auth",
			Name:      "attempts_total",
			Help:      "Authentication attempts by result",
		},
		[]string{"result"},
	)

	// CleanupDuration tracks how long a user sweep takes.
	CleanupDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "lifecycle",
			Name:      "cleanup_duration_seconds",
			Help:      "Duration of per-user resource cleanup",
			Buckets:   []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1},
		},
	)

	// CRMRequestsTotal counts CRM calls by operation and status.
	CRMRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "crm",
			Name:      "requests_total",
			Help:      "Total CRM requests",
		},
		[]string{"operation", "status"},
	)

	CRMRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "crm",
			Name:      "request_duration_seconds",
			Help:      "CRM request duration in seconds",
			Buckets:   []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5},
		},
		[]string{"operation"},
	)

	// NotifierDropped counts call events that never reached the CRM.
	NotifierDropped = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "notifier",
			Name:      "dropped_total",
			Help:      "Call events dropped by reason",
		},
		[]string{"reason"},
	)

	RTPPacketsForwarded = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "relay",
			Name:      "packets_forwarded_total",
			Help:      "RTP packets written to consumers",
		},
	)

	RTPWriteErrors = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "relay",
			Name:      "write_errors_total",
			Help:      "RTP writes that failed and dropped the consumer",
		},
	)

	NotifierQueueDepth = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "notifier",
			Name:      "queue_depth",
			Help:      "Call events waiting for delivery",
		},
	)
)

// RecordMessage counts one handled signaling message.
func RecordMessage(typ, code string) {
	if code == "" {
		code = "ok"
	}
	MessagesTotal.WithLabelValues(typ, code).Inc()
}

// RecordCRMRequest records a CRM call outcome and duration.
func RecordCRMRequest(operation, status string, seconds float64) {
	CRMRequestsTotal.WithLabelValues(operation, status).Inc()
	CRMRequestDuration.WithLabelValues(operation).Observe(seconds)
}

var topologyOnce sync.Once

// RegisterTopology exposes live resource counts. Only the first call registers.
func RegisterTopology(sessions func() int, resources func() map[string]int) {
	topologyOnce.Do(func() {
		promauto.NewGaugeFunc(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Subsystem: "registry",
				Name:      "sessions",
				Help:      "Sessions currently bound",
			},
			func() float64 { return float64(sessions()) },
		)
		for _, kind := range []string{"transport", "producer", "consumer"} {
			kind := kind
			promauto.NewGaugeFunc(
				prometheus.GaugeOpts{
					Namespace:   namespace,
					Subsystem:   "topology",
					Name:        "resources",
					Help:        "Live media resources by kind",
					ConstLabels: prometheus.Labels{"kind": kind},
				},
				func() float64 { return float64(resources()[kind]) },
			)
		}
	})
}

// Handler returns the Prometheus scrape handler.
func Handler() http.Handler {
	return promhttp.Handler()
}
