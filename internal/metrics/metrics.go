// Package metrics registers the server's Prometheus instrumentation.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	ConnectionsCurrent = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "whisper_connections_current",
		Help: "Open WebSocket connections.",
	})

	ConnectionsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "whisper_connections_total",
		Help: "Accepted WebSocket connections since start.",
	})

	ConnectionsRejected = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "whisper_connections_rejected_total",
		Help: "Refused connection attempts by reason.",
	}, []string{"reason"})

	FramesIn = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "whisper_frames_in_total",
		Help: "Inbound frames by type.",
	}, []string{"type"})

	FramesOut = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "whisper_frames_out_total",
		Help: "Outbound frames by type.",
	}, []string{"type"})

	ErrorFrames = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "whisper_error_frames_total",
		Help: "Error frames sent to clients by code.",
	}, []string{"code"})

	RateLimited = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "whisper_rate_limited_total",
		Help: "Frames denied by the rate limiter, by scope and type.",
	}, []string{"scope", "type"})

	MessagesRouted = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "whisper_messages_routed_total",
		Help: "Direct and group envelopes routed, by outcome (live, queued).",
	}, []string{"outcome"})

	PendingFetched = promauto.NewCounter(prometheus.CounterOpts{
		Name: "whisper_pending_fetched_total",
		Help: "Queued messages returned by fetch_pending.",
	})

	PushWakes = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "whisper_push_wakes_total",
		Help: "Wake pushes dispatched, by channel.",
	}, []string{"channel"})

	PushDeduped = promauto.NewCounter(prometheus.CounterOpts{
		Name: "whisper_push_deduped_total",
		Help: "Wake pushes suppressed by the dedup window.",
	})

	CallsActive = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "whisper_calls_active",
		Help: "Calls currently in a non-terminal state.",
	})

	CallsEnded = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "whisper_calls_ended_total",
		Help: "Ended calls by reason.",
	}, []string{"reason"})

	SendQueueOverflows = promauto.NewCounter(prometheus.CounterOpts{
		Name: "whisper_send_queue_overflows_total",
		Help: "Connections closed because their send queue filled.",
	})

	FrameHandleSeconds = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "whisper_frame_handle_seconds",
		Help:    "Handler latency by frame type.",
		Buckets: prometheus.DefBuckets,
	}, []string{"type"})

	ResourceCPUPercent = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "whisper_resource_cpu_percent",
		Help: "Process CPU usage sampled by the resource guard.",
	})

	ResourceMemoryBytes = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "whisper_resource_memory_bytes",
		Help: "Heap in use sampled by the resource guard.",
	})
)

// Handler serves the registry for the /metrics endpoint.
func Handler() http.Handler {
	return promhttp.Handler()
}
