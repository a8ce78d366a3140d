package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics contains all Prometheus metrics for the stream session service
type Metrics struct {
	// Session lifecycle metrics
	ActiveSessions  prometheus.Gauge
	SessionsOpened  prometheus.Counter
	SessionsClosed  *prometheus.CounterVec
	SessionDuration prometheus.Histogram
	ConnectionsBusy prometheus.Counter

	// Protocol metrics
	AuthFailures      *prometheus.CounterVec
	ProtocolErrors    *prometheus.CounterVec
	StateNotices      *prometheus.CounterVec
	EpochChanges      prometheus.Counter
	HeartbeatTimeouts prometheus.Counter

	// Media metrics
	FramesSent         *prometheus.CounterVec
	FramesDropped      *prometheus.CounterVec
	BytesSent          prometheus.Counter
	AudioFramesSent    prometheus.Counter
	AudioFramesDropped prometheus.Counter
	AudioUplinkFrames  prometheus.Counter
	BusDepth           prometheus.Gauge

	// Pool metrics
	PoolActiveWorkers *prometheus.GaugeVec
	PoolRejections    *prometheus.CounterVec

	// HTTP API metrics
	HTTPRequests        *prometheus.CounterVec
	HTTPRequestDuration *prometheus.HistogramVec
	HTTPErrors          *prometheus.CounterVec
}

// NewMetrics creates all metrics and registers them with reg.
// Pass prometheus.DefaultRegisterer in production and a fresh registry in tests.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)

	return &Metrics{
		// Session lifecycle metrics
		ActiveSessions: factory.NewGauge(prometheus.GaugeOpts{
			Name: "viewer_active_sessions",
			Help: "Current number of connected viewer sessions",
		}),
		SessionsOpened: factory.NewCounter(prometheus.CounterOpts{
			Name: "viewer_sessions_opened_total",
			Help: "Total number of viewer sessions started",
		}),
		SessionsClosed: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "viewer_sessions_closed_total",
			Help: "Total number of viewer sessions closed, by reason",
		}, []string{"reason"}),
		SessionDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "viewer_session_duration_seconds",
			Help:    "Lifetime of viewer sessions in seconds",
			Buckets: prometheus.ExponentialBuckets(1, 2, 14), // 1s to ~4.5 hours
		}),
		ConnectionsBusy: factory.NewCounter(prometheus.CounterOpts{
			Name: "viewer_connections_rejected_busy_total",
			Help: "Total number of connections turned away because the session pool was full",
		}),

		// Protocol metrics
		AuthFailures: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "viewer_auth_failures_total",
			Help: "Total number of failed authentications, by reason",
		}, []string{"reason"}),
		ProtocolErrors: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "viewer_protocol_errors_total",
			Help: "Total number of malformed or out-of-order commands, by reason",
		}, []string{"reason"}),
		StateNotices: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "viewer_stream_state_notices_total",
			Help: "Total number of STREAM_STATE notices written, by state",
		}, []string{"state"}),
		EpochChanges: factory.NewCounter(prometheus.CounterOpts{
			Name: "viewer_epoch_changes_total",
			Help: "Total number of stream epoch changes across sessions",
		}),
		HeartbeatTimeouts: factory.NewCounter(prometheus.CounterOpts{
			Name: "viewer_heartbeat_timeouts_total",
			Help: "Total number of sessions closed by the liveness watchdog",
		}),

		// Media metrics
		FramesSent: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "viewer_frames_sent_total",
			Help: "Total number of video frames written, by framing",
		}, []string{"framing"}),
		FramesDropped: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "viewer_frames_dropped_total",
			Help: "Total number of video frames dropped, by stage and reason",
		}, []string{"stage", "reason"}),
		BytesSent: factory.NewCounter(prometheus.CounterOpts{
			Name: "viewer_bytes_sent_total",
			Help: "Total number of bytes written to viewers",
		}),
		AudioFramesSent: factory.NewCounter(prometheus.CounterOpts{
			Name: "viewer_audio_frames_sent_total",
			Help: "Total number of downlink audio frames written",
		}),
		AudioFramesDropped: factory.NewCounter(prometheus.CounterOpts{
			Name: "viewer_audio_frames_dropped_total",
			Help: "Total number of downlink audio frames dropped after the offer timeout",
		}),
		AudioUplinkFrames: factory.NewCounter(prometheus.CounterOpts{
			Name: "viewer_audio_uplink_frames_total",
			Help: "Total number of uplink (talkback) audio frames received",
		}),
		BusDepth: factory.NewGauge(prometheus.GaugeOpts{
			Name: "frame_bus_depth",
			Help: "Current number of frames waiting on the frame bus",
		}),

		// Pool metrics
		PoolActiveWorkers: factory.NewGaugeVec(prometheus.GaugeOpts{
			Name: "pool_active_workers",
			Help: "Current number of busy workers, by pool",
		}, []string{"pool"}),
		PoolRejections: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "pool_rejections_total",
			Help: "Total number of rejected worker requests, by pool",
		}, []string{"pool"}),

		// HTTP API metrics
		HTTPRequests: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "Total number of HTTP requests",
		}, []string{"method", "endpoint", "status_code"}),
		HTTPRequestDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "Duration of HTTP requests",
			Buckets: prometheus.DefBuckets,
		}, []string{"method", "endpoint"}),
		HTTPErrors: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "http_errors_total",
			Help: "Total number of HTTP errors",
		}, []string{"method", "endpoint", "error_type"}),
	}
}

// RecordSessionOpened increments the opened counter and the active gauge
func (m *Metrics) RecordSessionOpened() {
	if m == nil {
		return
	}
	m.SessionsOpened.Inc()
	m.ActiveSessions.Inc()
}

// RecordSessionClosed decrements the active gauge and records reason and lifetime
func (m *Metrics) RecordSessionClosed(reason string, durationSeconds float64) {
	if m == nil {
		return
	}
	m.ActiveSessions.Dec()
	m.SessionsClosed.WithLabelValues(reason).Inc()
	m.SessionDuration.Observe(durationSeconds)
}

// RecordBusy counts a connection rejected for lack of workers
func (m *Metrics) RecordBusy() {
	if m == nil {
		return
	}
	m.ConnectionsBusy.Inc()
}

// RecordAuthFailure counts a failed authentication
func (m *Metrics) RecordAuthFailure(reason string) {
	if m == nil {
		return
	}
	m.AuthFailures.WithLabelValues(reason).Inc()
}

// RecordProtocolError counts a protocol error
func (m *Metrics) RecordProtocolError(reason string) {
	if m == nil {
		return
	}
	m.ProtocolErrors.WithLabelValues(reason).Inc()
}

// RecordStateNotice counts a STREAM_STATE notice
func (m *Metrics) RecordStateNotice(state string) {
	if m == nil {
		return
	}
	m.StateNotices.WithLabelValues(state).Inc()
}

// RecordEpochChange counts an epoch bump
func (m *Metrics) RecordEpochChange() {
	if m == nil {
		return
	}
	m.EpochChanges.Inc()
}

// RecordHeartbeatTimeout counts a watchdog close
func (m *Metrics) RecordHeartbeatTimeout() {
	if m == nil {
		return
	}
	m.HeartbeatTimeouts.Inc()
}

// RecordFrameSent counts a written video frame and its bytes
func (m *Metrics) RecordFrameSent(framing string, bytes int) {
	if m == nil {
		return
	}
	m.FramesSent.WithLabelValues(framing).Inc()
	m.BytesSent.Add(float64(bytes))
}

// RecordBytesSent adds non-video bytes written to a viewer
func (m *Metrics) RecordBytesSent(bytes int) {
	if m == nil {
		return
	}
	m.BytesSent.Add(float64(bytes))
}

// RecordFramesDropped counts dropped video frames
func (m *Metrics) RecordFramesDropped(stage, reason string, n int) {
	if m == nil || n <= 0 {
		return
	}
	m.FramesDropped.WithLabelValues(stage, reason).Add(float64(n))
}

// RecordAudioSent counts a written downlink audio frame
func (m *Metrics) RecordAudioSent(bytes int) {
	if m == nil {
		return
	}
	m.AudioFramesSent.Inc()
	m.BytesSent.Add(float64(bytes))
}

// RecordAudioDropped counts a downlink audio frame that could not be queued
func (m *Metrics) RecordAudioDropped() {
	if m == nil {
		return
	}
	m.AudioFramesDropped.Inc()
}

// RecordAudioUplink counts a received talkback frame
func (m *Metrics) RecordAudioUplink() {
	if m == nil {
		return
	}
	m.AudioUplinkFrames.Inc()
}

// SetBusDepth sets the current frame bus depth
func (m *Metrics) SetBusDepth(depth int) {
	if m == nil {
		return
	}
	m.BusDepth.Set(float64(depth))
}

// PoolActive implements pool.Observer
func (m *Metrics) PoolActive(pool string, active int) {
	if m == nil {
		return
	}
	m.PoolActiveWorkers.WithLabelValues(pool).Set(float64(active))
}

// PoolRejected implements pool.Observer
func (m *Metrics) PoolRejected(pool string) {
	if m == nil {
		return
	}
	m.PoolRejections.WithLabelValues(pool).Inc()
}

// RecordHTTPRequest records an HTTP request
func (m *Metrics) RecordHTTPRequest(method, endpoint, statusCode string, durationSeconds float64) {
	if m == nil {
		return
	}
	m.HTTPRequests.WithLabelValues(method, endpoint, statusCode).Inc()
	m.HTTPRequestDuration.WithLabelValues(method, endpoint).Observe(durationSeconds)
}

// RecordHTTPError records an HTTP error
func (m *Metrics) RecordHTTPError(method, endpoint, errorType string) {
	if m == nil {
		return
	}
	m.HTTPErrors.WithLabelValues(method, endpoint, errorType).Inc()
}
