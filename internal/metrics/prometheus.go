package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics contains all Prometheus metrics for the uplink server. A nil
// *Metrics is valid and records nothing.
type Metrics struct {
	// Voice call metrics
	VoiceState        *prometheus.GaugeVec
	VoiceConnects     *prometheus.CounterVec
	VoiceCallDuration prometheus.Histogram
	FramesSent        prometheus.Counter
	ChunksReceived    prometheus.Counter
	ChunksDropped     prometheus.Counter
	Interruptions     prometheus.Counter

	// Text chat metrics
	ChatTurns        *prometheus.CounterVec
	ChatTurnDuration prometheus.Histogram

	// Client metrics
	WebsocketClients prometheus.Gauge

	// HTTP API metrics
	HTTPRequests        *prometheus.CounterVec
	HTTPRequestDuration *prometheus.HistogramVec
}

// NewMetrics creates all metrics and registers them with reg
func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)

	return &Metrics{
		VoiceState: factory.NewGaugeVec(prometheus.GaugeOpts{
			Name: "cress_voice_state",
			Help: "Current voice call state, 1 for the active state",
		}, []string{"state"}),
		VoiceConnects: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "cress_voice_connects_total",
			Help: "Total number of voice connect attempts by outcome",
		}, []string{"outcome"}),
		VoiceCallDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "cress_voice_call_duration_seconds",
			Help:    "Duration of connected voice calls",
			Buckets: prometheus.ExponentialBuckets(1, 2, 12), // 1s to ~1 hour
		}),
		FramesSent: factory.NewCounter(prometheus.CounterOpts{
			Name: "cress_voice_frames_sent_total",
			Help: "Total number of encoded microphone frames sent",
		}),
		ChunksReceived: factory.NewCounter(prometheus.CounterOpts{
			Name: "cress_voice_chunks_received_total",
			Help: "Total number of audio chunks received and scheduled",
		}),
		ChunksDropped: factory.NewCounter(prometheus.CounterOpts{
			Name: "cress_voice_chunks_dropped_total",
			Help: "Total number of audio chunks dropped on decode errors",
		}),
		Interruptions: factory.NewCounter(prometheus.CounterOpts{
			Name: "cress_voice_interruptions_total",
			Help: "Total number of barge-in interruptions",
		}),

		ChatTurns: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "cress_chat_turns_total",
			Help: "Total number of text chat turns by outcome",
		}, []string{"outcome"}),
		ChatTurnDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "cress_chat_turn_duration_seconds",
			Help:    "Duration of streamed text chat turns",
			Buckets: prometheus.ExponentialBuckets(0.25, 2, 10), // 250ms to ~2 minutes
		}),

		WebsocketClients: factory.NewGauge(prometheus.GaugeOpts{
			Name: "cress_websocket_clients",
			Help: "Current number of connected UI clients",
		}),

		HTTPRequests: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "cress_http_requests_total",
			Help: "Total number of HTTP requests",
		}, []string{"method", "endpoint", "status_code"}),
		HTTPRequestDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "cress_http_request_duration_seconds",
			Help:    "Duration of HTTP requests",
			Buckets: prometheus.DefBuckets,
		}, []string{"method", "endpoint"}),
	}
}

// SetVoiceState marks state as the current voice state
func (m *Metrics) SetVoiceState(state string, all []string) {
	if m == nil {
		return
	}
	for _, s := range all {
		v := 0.0
		if s == state {
			v = 1
		}
		m.VoiceState.WithLabelValues(s).Set(v)
	}
}

// RecordVoiceConnect records the outcome of a connect attempt
func (m *Metrics) RecordVoiceConnect(outcome string) {
	if m == nil {
		return
	}
	m.VoiceConnects.WithLabelValues(outcome).Inc()
}

// RecordVoiceCall records the length of a finished call
func (m *Metrics) RecordVoiceCall(d time.Duration) {
	if m == nil {
		return
	}
	m.VoiceCallDuration.Observe(d.Seconds())
}

// RecordFrameSent increments the frames sent counter
func (m *Metrics) RecordFrameSent() {
	if m == nil {
		return
	}
	m.FramesSent.Inc()
}

// RecordChunkReceived increments the chunks received counter
func (m *Metrics) RecordChunkReceived() {
	if m == nil {
		return
	}
	m.ChunksReceived.Inc()
}

// RecordChunkDropped increments the dropped chunks counter
func (m *Metrics) RecordChunkDropped() {
	if m == nil {
		return
	}
	m.ChunksDropped.Inc()
}

// RecordInterruption increments the interruption counter
func (m *Metrics) RecordInterruption() {
	if m == nil {
		return
	}
	m.Interruptions.Inc()
}

// RecordChatTurn records a finished text turn
func (m *Metrics) RecordChatTurn(outcome string, d time.Duration) {
	if m == nil {
		return
	}
	m.ChatTurns.WithLabelValues(outcome).Inc()
	m.ChatTurnDuration.Observe(d.Seconds())
}

// SetWebsocketClients sets the number of connected UI clients
func (m *Metrics) SetWebsocketClients(n int) {
	if m == nil {
		return
	}
	m.WebsocketClients.Set(float64(n))
}

// RecordHTTPRequest records an HTTP request
func (m *Metrics) RecordHTTPRequest(method, endpoint, statusCode string, d time.Duration) {
	if m == nil {
		return
	}
	m.HTTPRequests.WithLabelValues(method, endpoint, statusCode).Inc()
	m.HTTPRequestDuration.WithLabelValues(method, endpoint).Observe(d.Seconds())
}
