package main

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// serverMetrics holds the Prometheus metrics the HTTP server records.
// A single instance is created in main and shared by every handler.
type serverMetrics struct {
	uploadsTotal        *prometheus.CounterVec
	chatRequestsTotal   *prometheus.CounterVec
	chatDurationSeconds *prometheus.HistogramVec
	chatActiveStreams   prometheus.Gauge
}

func newServerMetrics(reg prometheus.Registerer) *serverMetrics {
	factory := promauto.With(reg)

	return &serverMetrics{
		uploadsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "docqa",
			Subsystem: "ingest",
			Name:      "uploads_total",
			Help:      "Total number of /api/v1/upload requests, partitioned by outcome.",
		}, []string{"outcome"}),

		chatRequestsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "docqa",
			Subsystem: "chat",
			Name:      "requests_total",
			Help:      "Total number of /api/v1/chat/stream requests completed, partitioned by outcome.",
		}, []string{"outcome"}),

		chatDurationSeconds: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "docqa",
			Subsystem: "chat",
			Name:      "duration_seconds",
			Help:      "Wall-clock duration of /api/v1/chat/stream requests from receipt to stream close.",
			Buckets:   []float64{1, 5, 10, 30, 60, 120, 300},
		}, []string{"outcome"}),

		chatActiveStreams: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: "docqa",
			Subsystem: "chat",
			Name:      "active_streams",
			Help:      "Number of /api/v1/chat/stream SSE streams currently open.",
		}),
	}
}

// observeChat records one completed chat stream's duration and outcome.
func (m *serverMetrics) observeChat(start time.Time, outcome string) {
	m.chatRequestsTotal.WithLabelValues(outcome).Inc()
	m.chatDurationSeconds.WithLabelValues(outcome).Observe(time.Since(start).Seconds())
}
