package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Pull-mode session metrics
	activeSessions = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "speech_relay_active_sessions",
		Help: "Number of pull-mode sessions currently registered",
	})

	sessionsCreated = promauto.NewCounter(prometheus.CounterOpts{
		Name: "speech_relay_sessions_created_total",
		Help: "Total number of pull-mode sessions created",
	})

	sessionsReaped = promauto.NewCounter(prometheus.CounterOpts{
		Name: "speech_relay_sessions_reaped_total",
		Help: "Total number of never-started sessions removed by the janitor",
	})

	// Push-mode relay metrics
	relaysTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "speech_relay_relays_total",
		Help: "Total number of push-mode relays by mode and terminal state",
	}, []string{"mode", "status"}) // mode: "speech" or "responses"; status: "end", "error", "cancelled"

	// Upstream metrics
	upstreamLatency = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "speech_relay_upstream_first_byte_seconds",
		Help:    "Latency until the upstream synthesis response headers arrive",
		Buckets: []float64{0.1, 0.25, 0.5, 1.0, 2.0, 5.0, 10.0},
	})

	// Audio metrics
	audioBytesRelayed = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "speech_relay_audio_bytes_total",
		Help: "Total audio bytes relayed to consumers",
	}, []string{"mode"}) // mode: "push" or "pull"

	// Transcode metrics
	transcodesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "speech_relay_transcodes_total",
		Help: "Total number of transcode operations by path taken",
	}, []string{"path"}) // path: "wav_fast", "generic", "failed"

	// Error metrics
	errorsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "speech_relay_errors_total",
		Help: "Total number of errors",
	}, []string{"type", "component"})
)

// RecordSessionCreated records a new pull-mode session in the registry.
func RecordSessionCreated() {
	activeSessions.Inc()
	sessionsCreated.Inc()
}

// RecordSessionRemoved records a session leaving the registry for any reason.
func RecordSessionRemoved() {
	activeSessions.Dec()
}

// RecordSessionsReaped records sessions evicted by the idle janitor.
func RecordSessionsReaped(n int) {
	if n <= 0 {
		return
	}
	activeSessions.Sub(float64(n))
	sessionsReaped.Add(float64(n))
}

// RecordRelayEnd records the terminal state of a push-mode relay.
func RecordRelayEnd(mode, status string) {
	relaysTotal.WithLabelValues(mode, status).Inc()
}

// RecordUpstreamLatency records time-to-headers for an upstream request.
func RecordUpstreamLatency(seconds float64) {
	upstreamLatency.Observe(seconds)
}

// RecordAudioBytes records audio bytes delivered to a consumer.
func RecordAudioBytes(mode string, n int64) {
	audioBytesRelayed.WithLabelValues(mode).Add(float64(n))
}

// RecordTranscode records a transcode operation and which decode path served it.
func RecordTranscode(path string) {
	transcodesTotal.WithLabelValues(path).Inc()
}

// RecordError records an error
func RecordError(errorType, component string) {
	errorsTotal.WithLabelValues(errorType, component).Inc()
}
