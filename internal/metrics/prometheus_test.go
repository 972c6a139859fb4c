package metrics

import (
	"io"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestNilMetricsIsNoop(t *testing.T) {
	var m *Metrics

	// None of these may panic
	m.RecordFrame()
	m.RecordSegmentStarted()
	m.RecordSegmentEmitted(1.5, 4096, true)
	m.RecordSegmentDiscarded()
	m.RecordEncodeFailure()
	m.RecordChunkEnqueued("mic", 1)
	m.RecordAck("mic", 0, 0.2)
	m.RecordDispatchFailure("transport_timeout")
	m.RecordResume("retry")
	m.RecordRelease("mic", 1, 1, 0)
	m.RecordMalformedResult()
	m.RecordRecordingComplete()
	m.SetActiveSessions(1)
	m.RecordSessionStarted()
	m.RecordSessionEnded("mic", "completed", 3)
	m.RecordHTTPRequest("GET", "/health", "200", 0.01)
	m.RecordHTTPError("GET", "/health", "client_error")
}

func TestMetricsRecording(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewMetricsWith(reg)

	m.RecordSegmentEmitted(2, 64000, true)
	m.RecordSegmentEmitted(1, 32000, false)
	m.RecordDispatchFailure("remote_rejection")
	m.RecordDispatchFailure("remote_rejection")
	m.RecordRelease("mic", 3, 1, 2)
	m.RecordChunkEnqueued("mic", 4)

	if got := testutil.ToFloat64(m.SegmentsEmitted); got != 2 {
		t.Errorf("Expected 2 emitted segments, got %v", got)
	}
	if got := testutil.ToFloat64(m.SegmentsForced); got != 1 {
		t.Errorf("Expected 1 forced segment, got %v", got)
	}
	if got := testutil.ToFloat64(m.DispatchFailures.WithLabelValues("remote_rejection")); got != 2 {
		t.Errorf("Expected 2 rejections, got %v", got)
	}
	if got := testutil.ToFloat64(m.TranscriptsReleased); got != 3 {
		t.Errorf("Expected 3 released transcripts, got %v", got)
	}
	if got := testutil.ToFloat64(m.ReorderPending.WithLabelValues("mic")); got != 2 {
		t.Errorf("Expected 2 pending results, got %v", got)
	}
	if got := testutil.ToFloat64(m.QueueDepth.WithLabelValues("mic")); got != 4 {
		t.Errorf("Expected queue depth 4, got %v", got)
	}

	m.RecordSessionEnded("mic", "completed", 10)
	if got := testutil.CollectAndCount(m.QueueDepth); got != 0 {
		t.Errorf("Expected per-device series to be removed, got %d", got)
	}
}

func TestMetricsHandler(t *testing.T) {
	m := NewMetrics()
	m.RecordSessionStarted()

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))

	body, _ := io.ReadAll(rec.Body)
	if !strings.Contains(string(body), "relay_sessions_started_total 1") {
		t.Errorf("Expected sessions counter in exposition, got:\n%s", body)
	}
	if !strings.Contains(string(body), "go_goroutines") {
		t.Error("Expected Go runtime metrics in exposition")
	}
}
