package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

var (
	buildInfo = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name:        "mirrx_server_build_info",
			Help:        "Build information for the mirrx server",
			ConstLabels: prometheus.Labels{"component": "server"},
		},
		[]string{"date", "sha", "version"},
	)

	sessionsActive = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "mirrx_sessions_active",
			Help: "Number of live authenticated peer sessions",
		},
	)

	tokensActive = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "mirrx_tokens_active",
			Help: "Number of issued pairing tokens not yet expired",
		},
	)

	framesIngestedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "mirrx_frames_ingested_total",
			Help: "Total number of screen frames accepted from peers",
		},
	)

	framesDroppedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "mirrx_frames_dropped_total",
			Help: "Total number of buffered frames evicted before delivery",
		},
	)

	framesServedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "mirrx_frames_served_total",
			Help: "Total number of frames delivered to viewers",
		},
	)

	frameBytes = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "mirrx_frame_bytes",
			Help:    "Size distribution of ingested frames",
			Buckets: prometheus.ExponentialBuckets(1024, 4, 8),
		},
	)

	controlEventsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mirrx_control_events_total",
			Help: "Total number of control events relayed, by kind",
		},
		[]string{"kind"},
	)

	controlDroppedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mirrx_control_dropped_total",
			Help: "Total number of control events dropped, by reason",
		},
		[]string{"reason"},
	)
)

// Register registers all broker metrics with r.
func Register(r prometheus.Registerer) {
	r.MustRegister(
		buildInfo,
		sessionsActive,
		tokensActive,
		framesIngestedTotal,
		framesDroppedTotal,
		framesServedTotal,
		frameBytes,
		controlEventsTotal,
		controlDroppedTotal,
	)
}

// SetServerBuildInfo sets the build info metric for the server.
func SetServerBuildInfo(version, sha, date string) {
	buildInfo.WithLabelValues(date, sha, version).Set(1)
}

// SetSessionsActive records the current live session count.
func SetSessionsActive(n int) { sessionsActive.Set(float64(n)) }

// SetTokensActive records the current stored token count.
func SetTokensActive(n int) { tokensActive.Set(float64(n)) }

// RecordFrameIngested counts one accepted frame of the given size.
func RecordFrameIngested(size int) {
	framesIngestedTotal.Inc()
	frameBytes.Observe(float64(size))
}

// RecordFramesDropped counts frames evicted from a session buffer.
func RecordFramesDropped(n int) {
	if n > 0 {
		framesDroppedTotal.Add(float64(n))
	}
}

// RecordFrameServed counts one frame delivered to a viewer.
func RecordFrameServed() { framesServedTotal.Inc() }

// RecordControlEvent counts one relayed control event.
func RecordControlEvent(kind string) { controlEventsTotal.WithLabelValues(kind).Inc() }

// RecordControlDropped counts one dropped control event.
func RecordControlDropped(reason string) { controlDroppedTotal.WithLabelValues(reason).Inc() }
