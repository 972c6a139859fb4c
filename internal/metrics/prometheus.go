package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics contains all Prometheus metrics for the relay. A nil *Metrics is
// valid and records nothing.
type Metrics struct {
	registry *prometheus.Registry

	// Capture metrics
	FramesProcessed prometheus.Counter

	// Segmentation metrics
	SegmentsStarted   prometheus.Counter
	SegmentsEmitted   prometheus.Counter
	SegmentsDiscarded prometheus.Counter
	SegmentsForced    prometheus.Counter
	SegmentDuration   prometheus.Histogram
	SegmentSize       prometheus.Histogram
	EncodeFailures    prometheus.Counter

	// Dispatch metrics
	ChunksEnqueued   prometheus.Counter
	ChunksAcked      prometheus.Counter
	DispatchFailures *prometheus.CounterVec
	DispatchResumes  *prometheus.CounterVec
	AckLatency       prometheus.Histogram
	QueueDepth       *prometheus.GaugeVec

	// Result metrics
	TranscriptsReleased prometheus.Counter
	ResultsEmpty        prometheus.Counter
	MalformedResults    prometheus.Counter
	ReorderPending      *prometheus.GaugeVec

	// Session metrics
	ActiveSessions     prometheus.Gauge
	SessionsStarted    prometheus.Counter
	SessionsEnded      *prometheus.CounterVec
	SessionDuration    prometheus.Histogram
	RecordingsComplete prometheus.Counter

	// HTTP API metrics
	HTTPRequests        *prometheus.CounterVec
	HTTPRequestDuration *prometheus.HistogramVec
	HTTPErrors          *prometheus.CounterVec
}

// NewMetrics creates all metrics on a private registry that also carries the
// Go runtime and process collectors
func NewMetrics() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	m := NewMetricsWith(reg)
	m.registry = reg
	return m
}

// NewMetricsWith creates and registers all metrics on reg
func NewMetricsWith(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)

	return &Metrics{
		FramesProcessed: f.NewCounter(prometheus.CounterOpts{
			Name: "relay_frames_processed_total",
			Help: "Total number of audio frames fed to segmenters",
		}),

		SegmentsStarted: f.NewCounter(prometheus.CounterOpts{
			Name: "relay_segments_started_total",
			Help: "Total number of utterances opened by the segmenter",
		}),
		SegmentsEmitted: f.NewCounter(prometheus.CounterOpts{
			Name: "relay_segments_emitted_total",
			Help: "Total number of utterances finalized and assembled",
		}),
		SegmentsDiscarded: f.NewCounter(prometheus.CounterOpts{
			Name: "relay_segments_discarded_total",
			Help: "Total number of utterances dropped for being too short",
		}),
		SegmentsForced: f.NewCounter(prometheus.CounterOpts{
			Name: "relay_segments_forced_total",
			Help: "Total number of utterances cut off at the maximum speech duration",
		}),
		SegmentDuration: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "relay_segment_duration_seconds",
			Help:    "Duration of emitted utterances",
			Buckets: prometheus.ExponentialBuckets(0.25, 2, 9), // 250ms to ~1 minute
		}),
		SegmentSize: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "relay_segment_size_bytes",
			Help:    "Size of encoded utterance payloads",
			Buckets: prometheus.ExponentialBuckets(4096, 2, 12), // 4KB to ~8MB
		}),
		EncodeFailures: f.NewCounter(prometheus.CounterOpts{
			Name: "relay_encode_failures_total",
			Help: "Total number of utterances dropped by the assembler",
		}),

		ChunksEnqueued: f.NewCounter(prometheus.CounterOpts{
			Name: "relay_chunks_enqueued_total",
			Help: "Total number of chunks handed to dispatch queues",
		}),
		ChunksAcked: f.NewCounter(prometheus.CounterOpts{
			Name: "relay_chunks_acked_total",
			Help: "Total number of chunks acknowledged by the remote",
		}),
		DispatchFailures: f.NewCounterVec(prometheus.CounterOpts{
			Name: "relay_dispatch_failures_total",
			Help: "Total number of dispatch halts by error kind",
		}, []string{"kind"}),
		DispatchResumes: f.NewCounterVec(prometheus.CounterOpts{
			Name: "relay_dispatch_resumes_total",
			Help: "Total number of halted queues resumed by policy",
		}, []string{"policy"}),
		AckLatency: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "relay_ack_latency_seconds",
			Help:    "Time from chunk send to acknowledgement",
			Buckets: prometheus.ExponentialBuckets(0.01, 2, 12), // 10ms to ~20s
		}),
		QueueDepth: f.NewGaugeVec(prometheus.GaugeOpts{
			Name: "relay_queue_depth",
			Help: "Chunks waiting for acknowledgement per device",
		}, []string{"device"}),

		TranscriptsReleased: f.NewCounter(prometheus.CounterOpts{
			Name: "relay_transcripts_released_total",
			Help: "Total number of transcripts released in sequence order",
		}),
		ResultsEmpty: f.NewCounter(prometheus.CounterOpts{
			Name: "relay_results_empty_total",
			Help: "Total number of sequence ids resolved without text",
		}),
		MalformedResults: f.NewCounter(prometheus.CounterOpts{
			Name: "relay_malformed_results_total",
			Help: "Total number of transcription events that could not be used",
		}),
		ReorderPending: f.NewGaugeVec(prometheus.GaugeOpts{
			Name: "relay_reorder_pending",
			Help: "Results held back waiting for an earlier sequence id per device",
		}, []string{"device"}),

		ActiveSessions: f.NewGauge(prometheus.GaugeOpts{
			Name: "relay_active_sessions",
			Help: "Current number of active sessions",
		}),
		SessionsStarted: f.NewCounter(prometheus.CounterOpts{
			Name: "relay_sessions_started_total",
			Help: "Total number of sessions started",
		}),
		SessionsEnded: f.NewCounterVec(prometheus.CounterOpts{
			Name: "relay_sessions_ended_total",
			Help: "Total number of sessions ended by outcome",
		}, []string{"outcome"}),
		SessionDuration: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "relay_session_duration_seconds",
			Help:    "Duration of sessions",
			Buckets: prometheus.ExponentialBuckets(1, 2, 14), // 1s to ~4.5 hours
		}),
		RecordingsComplete: f.NewCounter(prometheus.CounterOpts{
			Name: "relay_recordings_complete_total",
			Help: "Total number of recording_complete signals acknowledged",
		}),

		HTTPRequests: f.NewCounterVec(prometheus.CounterOpts{
			Name: "relay_http_requests_total",
			Help: "Total number of HTTP requests",
		}, []string{"method", "endpoint", "status_code"}),
		HTTPRequestDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "relay_http_request_duration_seconds",
			Help:    "Duration of HTTP requests",
			Buckets: prometheus.DefBuckets,
		}, []string{"method", "endpoint"}),
		HTTPErrors: f.NewCounterVec(prometheus.CounterOpts{
			Name: "relay_http_errors_total",
			Help: "Total number of HTTP errors",
		}, []string{"method", "endpoint", "error_type"}),
	}
}

// Handler serves the registry in the Prometheus exposition format. Metrics
// built with NewMetricsWith are served from the default gatherer.
func (m *Metrics) Handler() http.Handler {
	if m == nil || m.registry == nil {
		return promhttp.Handler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// RecordFrame increments the frames processed counter
func (m *Metrics) RecordFrame() {
	if m == nil {
		return
	}
	m.FramesProcessed.Inc()
}

// RecordSegmentStarted increments the segments started counter
func (m *Metrics) RecordSegmentStarted() {
	if m == nil {
		return
	}
	m.SegmentsStarted.Inc()
}

// RecordSegmentEmitted records an assembled utterance
func (m *Metrics) RecordSegmentEmitted(durationSeconds float64, sizeBytes int, forced bool) {
	if m == nil {
		return
	}
	m.SegmentsEmitted.Inc()
	m.SegmentDuration.Observe(durationSeconds)
	m.SegmentSize.Observe(float64(sizeBytes))
	if forced {
		m.SegmentsForced.Inc()
	}
}

// RecordSegmentDiscarded increments the segments discarded counter
func (m *Metrics) RecordSegmentDiscarded() {
	if m == nil {
		return
	}
	m.SegmentsDiscarded.Inc()
}

// RecordEncodeFailure increments the encode failures counter
func (m *Metrics) RecordEncodeFailure() {
	if m == nil {
		return
	}
	m.EncodeFailures.Inc()
}

// RecordChunkEnqueued increments the enqueued counter and sets the queue depth
func (m *Metrics) RecordChunkEnqueued(device string, depth int) {
	if m == nil {
		return
	}
	m.ChunksEnqueued.Inc()
	m.QueueDepth.WithLabelValues(device).Set(float64(depth))
}

// RecordAck records an acknowledged chunk
func (m *Metrics) RecordAck(device string, depth int, latencySeconds float64) {
	if m == nil {
		return
	}
	m.ChunksAcked.Inc()
	m.AckLatency.Observe(latencySeconds)
	m.QueueDepth.WithLabelValues(device).Set(float64(depth))
}

// RecordDispatchFailure increments the failure counter for kind
func (m *Metrics) RecordDispatchFailure(kind string) {
	if m == nil {
		return
	}
	m.DispatchFailures.WithLabelValues(kind).Inc()
}

// RecordResume increments the resume counter for policy
func (m *Metrics) RecordResume(policy string) {
	if m == nil {
		return
	}
	m.DispatchResumes.WithLabelValues(policy).Inc()
}

// RecordRelease records results released by a reorder buffer
func (m *Metrics) RecordRelease(device string, transcripts, empty, pending int) {
	if m == nil {
		return
	}
	m.TranscriptsReleased.Add(float64(transcripts))
	m.ResultsEmpty.Add(float64(empty))
	m.ReorderPending.WithLabelValues(device).Set(float64(pending))
}

// RecordMalformedResult increments the malformed results counter
func (m *Metrics) RecordMalformedResult() {
	if m == nil {
		return
	}
	m.MalformedResults.Inc()
}

// RecordRecordingComplete increments the recording complete counter
func (m *Metrics) RecordRecordingComplete() {
	if m == nil {
		return
	}
	m.RecordingsComplete.Inc()
}

// SetActiveSessions sets the current number of active sessions
func (m *Metrics) SetActiveSessions(count int) {
	if m == nil {
		return
	}
	m.ActiveSessions.Set(float64(count))
}

// RecordSessionStarted increments the sessions started counter
func (m *Metrics) RecordSessionStarted() {
	if m == nil {
		return
	}
	m.SessionsStarted.Inc()
}

// RecordSessionEnded records a finished session and drops its per-device series
func (m *Metrics) RecordSessionEnded(device, outcome string, durationSeconds float64) {
	if m == nil {
		return
	}
	m.SessionsEnded.WithLabelValues(outcome).Inc()
	m.SessionDuration.Observe(durationSeconds)
	m.QueueDepth.DeleteLabelValues(device)
	m.ReorderPending.DeleteLabelValues(device)
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
