// Package metrics holds the Prometheus collectors exported by clipreplay.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

var (
	HTTPRequestsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "clipreplay",
		Name:      "http_requests_total",
		Help:      "Total HTTP requests by method, path and status code.",
	}, []string{"method", "path", "status"})

	HTTPRequestDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "clipreplay",
		Name:      "http_request_duration_seconds",
		Help:      "HTTP request duration in seconds.",
		Buckets:   []float64{0.005, 0.01, 0.05, 0.1, 0.5, 1, 5},
	}, []string{"method", "path"})

	StateTransitionsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "clipreplay",
		Name:      "state_transitions_total",
		Help:      "Total playback controller state transitions.",
	}, []string{"from", "to"})

	SegmentTransitionsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "clipreplay",
		Name:      "segment_transitions_total",
		Help:      "Total number of times visible playback moved to another segment.",
	})

	StaleContinuationsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "clipreplay",
		Name:      "stale_continuations_total",
		Help:      "Total async continuations discarded because a newer operation superseded them.",
	})

	HandlesCreatedTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "clipreplay",
		Name:      "media_handles_created_total",
		Help:      "Total media handles created by the pool.",
	})

	HandlesEvictedTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "clipreplay",
		Name:      "media_handles_evicted_total",
		Help:      "Total media handles torn down by pool eviction.",
	})

	HandleFailuresTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "clipreplay",
		Name:      "media_handle_failures_total",
		Help:      "Total media handles that failed to load or start.",
	})

	WSClients = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "clipreplay",
		Name:      "ws_clients",
		Help:      "Number of connected websocket control clients.",
	})
)

func Register(reg prometheus.Registerer) {
	reg.MustRegister(
		HTTPRequestsTotal,
		HTTPRequestDuration,
		StateTransitionsTotal,
		SegmentTransitionsTotal,
		StaleContinuationsTotal,
		HandlesCreatedTotal,
		HandlesEvictedTotal,
		HandleFailuresTotal,
		WSClients,
	)
}
