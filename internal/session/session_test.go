package session

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/skypro1111/utterance-relay/internal/audio"
	"github.com/skypro1111/utterance-relay/internal/dispatch"
	"github.com/skypro1111/utterance-relay/internal/fault"
	"github.com/skypro1111/utterance-relay/internal/protocol"
	"github.com/skypro1111/utterance-relay/internal/vad"
)

const (
	testRate      = 8000
	testFrameSize = 80 // 10ms
)

var testLogger = slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelError}))

func testConfig() Config {
	return Config{
		SampleRate:    testRate,
		PreRoll:       100 * time.Millisecond,
		FrameDuration: audio.SamplesDuration(testFrameSize, testRate),
		Detector: vad.DetectorConfig{
			SpeechThreshold:   0.1,
			SilenceThreshold:  0.05,
			Smoothing:         1,
			MinSpeechDuration: 30 * time.Millisecond,
			SilenceDuration:   50 * time.Millisecond,
		},
		Segmenter: vad.SegmenterConfig{
			MinSegmentDuration: 150 * time.Millisecond,
		},
		AckTimeout:   2 * time.Second,
		DrainTimeout: 5 * time.Second,
		Context:      map[string]any{"meeting": "standup"},
	}
}

// script builds a frame sequence on the sample clock
type script struct {
	rate   int
	size   int
	frames []audio.Frame
}

func newScript() *script {
	return &script{rate: testRate, size: testFrameSize}
}

func (sc *script) add(value float32, count int) *script {
	for i := 0; i < count; i++ {
		samples := make([]float32, sc.size)
		for j := range samples {
			samples[j] = value
		}
		offset := audio.SamplesDuration(len(sc.frames)*sc.size, sc.rate)
		sc.frames = append(sc.frames, audio.NewFrame(samples, sc.rate, offset))
	}
	return sc
}

// utterance appends 200ms of speech followed by 100ms of silence
func (sc *script) utterance() *script {
	return sc.add(0.5, 20).add(0, 10)
}

type fakeSource struct {
	device string
	frames []audio.Frame
	err    error
	hold   bool // keep the stream open until cancelled

	mu     sync.Mutex
	closed int
}

func (f *fakeSource) Device() string { return f.device }

func (f *fakeSource) Run(ctx context.Context, out chan<- audio.Frame) error {
	for _, fr := range f.frames {
		select {
		case out <- fr:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	if f.hold {
		<-ctx.Done()
		return ctx.Err()
	}
	return f.err
}

func (f *fakeSource) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed++
	return nil
}

// ackFunc decides the acknowledgement for one chunk. attempt starts at 1.
type ackFunc func(ctx context.Context, seq int64, attempt int) (*protocol.AckBody, error)

type fakeTransport struct {
	codec  protocol.Codec
	events chan *protocol.Envelope
	ack    ackFunc

	mu        sync.Mutex
	chunks    []protocol.ChunkPayload
	attempts  map[int64]int
	completes []protocol.RecordingComplete
	closed    int
	closeOnce sync.Once
}

func newFakeTransport(ack ackFunc) *fakeTransport {
	return &fakeTransport{
		codec:    protocol.JSONCodec{},
		events:   make(chan *protocol.Envelope, 64),
		ack:      ack,
		attempts: make(map[int64]int),
	}
}

func (f *fakeTransport) SendAndAwaitAck(ctx context.Context, event string, payload any) (*protocol.Envelope, error) {
	switch event {
	case protocol.EventAudioChunk:
		p := payload.(protocol.ChunkPayload)
		f.mu.Lock()
		f.chunks = append(f.chunks, p)
		f.attempts[p.SequenceID]++
		attempt := f.attempts[p.SequenceID]
		f.mu.Unlock()

		var body *protocol.AckBody
		if f.ack != nil {
			var err error
			if body, err = f.ack(ctx, p.SequenceID, attempt); err != nil {
				return nil, err
			}
		}
		if body == nil {
			return &protocol.Envelope{Type: protocol.TypeAck, OK: true}, nil
		}
		return protocol.NewAck(f.codec, "ack", body, nil)

	case protocol.EventRecordingComplete:
		f.mu.Lock()
		f.completes = append(f.completes, payload.(protocol.RecordingComplete))
		f.mu.Unlock()
		return &protocol.Envelope{Type: protocol.TypeAck, OK: true}, nil
	}
	return nil, fault.New(fault.KindRemoteRejection, "unknown event "+event)
}

func (f *fakeTransport) Events() <-chan *protocol.Envelope { return f.events }

func (f *fakeTransport) Close() error {
	f.mu.Lock()
	f.closed++
	f.mu.Unlock()
	f.closeOnce.Do(func() { close(f.events) })
	return nil
}

func (f *fakeTransport) push(t *testing.T, tr protocol.TranscriptionReady) {
	env, err := protocol.NewEvent(f.codec, protocol.EventTranscriptionReady, tr)
	if err != nil {
		t.Errorf("Failed to build event: %v", err)
		return
	}
	f.events <- env
}

func (f *fakeTransport) chunkIDs() []int64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	ids := make([]int64, len(f.chunks))
	for i, c := range f.chunks {
		ids[i] = c.SequenceID
	}
	return ids
}

func (f *fakeTransport) completeCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.completes)
}

func inline(text string) ackFunc {
	return func(ctx context.Context, seq int64, attempt int) (*protocol.AckBody, error) {
		return &protocol.AckBody{SequenceID: seq, Inline: true, Transcription: text}, nil
	}
}

func startSession(t *testing.T, cfg Config, src *fakeSource, tr *fakeTransport) *Session {
	t.Helper()

	s, err := New(cfg, src, tr, tr.codec, nil, testLogger)
	if err != nil {
		t.Fatalf("Failed to create session: %v", err)
	}
	if err := s.Start(context.Background()); err != nil {
		t.Fatalf("Failed to start session: %v", err)
	}
	return s
}

func waitDone(t *testing.T, s *Session) {
	t.Helper()
	select {
	case <-s.Done():
	case <-time.After(5 * time.Second):
		t.Fatalf("Session did not finish, stats: %+v", s.Stats())
	}
}

func collect(s *Session) ([]Transcript, []*fault.Error) {
	var ts []Transcript
	for t := range s.Transcripts() {
		ts = append(ts, t)
	}
	var errs []*fault.Error
	for e := range s.Errors() {
		errs = append(errs, e)
	}
	return ts, errs
}

func nextTranscript(t *testing.T, s *Session) Transcript {
	t.Helper()
	select {
	case tr, ok := <-s.Transcripts():
		if !ok {
			t.Fatal("Transcript stream closed")
		}
		return tr
	case <-time.After(5 * time.Second):
		t.Fatal("Timed out waiting for transcript")
	}
	return Transcript{}
}

func nextError(t *testing.T, s *Session) *fault.Error {
	t.Helper()
	select {
	case fe, ok := <-s.Errors():
		if !ok {
			t.Fatal("Error stream closed")
		}
		return fe
	case <-time.After(5 * time.Second):
		t.Fatal("Timed out waiting for error")
	}
	return nil
}

func TestSessionReleasesOutOfOrderResultsInOrder(t *testing.T) {
	var tr *fakeTransport
	tr = newFakeTransport(func(ctx context.Context, seq int64, attempt int) (*protocol.AckBody, error) {
		if seq == 2 {
			// Answer the last chunk first
			go func() {
				for _, id := range []int64{2, 0, 1} {
					tr.push(t, protocol.TranscriptionReady{
						SequenceID:    id,
						Transcription: []string{"alpha", "bravo", "charlie"}[id],
						Success:       true,
					})
				}
			}()
		}
		return &protocol.AckBody{SequenceID: seq}, nil
	})
	src := &fakeSource{device: "mic-0", frames: newScript().add(0, 10).utterance().utterance().utterance().add(0, 5).frames}

	s := startSession(t, testConfig(), src, tr)
	waitDone(t, s)

	if s.Outcome() != OutcomeCompleted {
		t.Fatalf("Expected completed outcome, got %s (err %v)", s.Outcome(), s.Err())
	}

	transcripts, errs := collect(s)
	if len(errs) != 0 {
		t.Errorf("Expected no errors, got %v", errs)
	}
	want := []string{"alpha", "bravo", "charlie"}
	if len(transcripts) != len(want) {
		t.Fatalf("Expected %d transcripts, got %d", len(want), len(transcripts))
	}
	for i, tx := range transcripts {
		if tx.SequenceID != int64(i) || tx.Text != want[i] {
			t.Errorf("Transcript %d: expected (%d, %s), got (%d, %s)", i, i, want[i], tx.SequenceID, tx.Text)
		}
		if tx.SessionID != s.ID {
			t.Errorf("Expected session id %s, got %s", s.ID, tx.SessionID)
		}
	}

	if tr.completeCount() != 1 {
		t.Fatalf("Expected exactly one recording_complete, got %d", tr.completeCount())
	}
	if tr.completes[0].Chunks != 3 || tr.completes[0].SessionID != s.ID {
		t.Errorf("Unexpected recording_complete payload %+v", tr.completes[0])
	}

	tr.mu.Lock()
	for _, c := range tr.chunks {
		if c.Context["meeting"] != "standup" {
			t.Errorf("Expected context on chunk %d, got %v", c.SequenceID, c.Context)
		}
		if _, err := audio.GetWAVInfo(c.Audio); err != nil {
			t.Errorf("Chunk %d is not a valid WAV: %v", c.SequenceID, err)
		}
	}
	tr.mu.Unlock()

	stats := s.Stats()
	if stats.NextSequenceID != 3 || stats.NextExpectedSequenceID != 3 {
		t.Errorf("Expected counters at 3/3, got %d/%d", stats.NextSequenceID, stats.NextExpectedSequenceID)
	}
	if !stats.RecordingComplete {
		t.Error("Expected recording complete in stats")
	}
	if stats.State != StateClosed {
		t.Errorf("Expected closed state, got %s", stats.State)
	}
	if src.closed != 1 {
		t.Errorf("Expected source closed once, got %d", src.closed)
	}
}

func TestSessionTranscriptKeepsArrivalTime(t *testing.T) {
	const gap = 80 * time.Millisecond

	var tr *fakeTransport
	tr = newFakeTransport(func(ctx context.Context, seq int64, attempt int) (*protocol.AckBody, error) {
		if seq == 1 {
			go func() {
				tr.push(t, protocol.TranscriptionReady{SequenceID: 1, Transcription: "second", Success: true})
				time.Sleep(gap)
				tr.push(t, protocol.TranscriptionReady{SequenceID: 0, Transcription: "first", Success: true})
			}()
		}
		return &protocol.AckBody{SequenceID: seq}, nil
	})
	src := &fakeSource{device: "mic-0", frames: newScript().add(0, 10).utterance().utterance().add(0, 5).frames}

	s := startSession(t, testConfig(), src, tr)
	waitDone(t, s)

	transcripts, _ := collect(s)
	if len(transcripts) != 2 {
		t.Fatalf("Expected 2 transcripts, got %d", len(transcripts))
	}
	first, second := transcripts[0], transcripts[1]
	if first.SequenceID != 0 || second.SequenceID != 1 {
		t.Fatalf("Expected sequence 0 then 1, got %d then %d", first.SequenceID, second.SequenceID)
	}
	if first.ReceivedAt.IsZero() || second.ReceivedAt.IsZero() {
		t.Fatal("Expected arrival times on both transcripts")
	}
	// Sequence 1 arrived first and waited in the buffer for sequence 0
	if d := first.ReceivedAt.Sub(second.ReceivedAt); d < gap/2 {
		t.Errorf("Expected sequence 1 stamped at least %v before sequence 0, got %v", gap/2, d)
	}
}

func TestSessionFailedResultDoesNotBlock(t *testing.T) {
	var tr *fakeTransport
	tr = newFakeTransport(func(ctx context.Context, seq int64, attempt int) (*protocol.AckBody, error) {
		go func() {
			if seq == 1 {
				tr.push(t, protocol.TranscriptionReady{SequenceID: seq, Success: false, Error: "model overloaded"})
				return
			}
			tr.push(t, protocol.TranscriptionReady{SequenceID: seq, Transcription: "ok", Success: true})
		}()
		return nil, nil
	})
	src := &fakeSource{device: "mic-0", frames: newScript().add(0, 10).utterance().utterance().utterance().frames}

	s := startSession(t, testConfig(), src, tr)
	waitDone(t, s)

	transcripts, errs := collect(s)
	if len(transcripts) != 2 {
		t.Fatalf("Expected 2 transcripts, got %d", len(transcripts))
	}
	if transcripts[0].SequenceID != 0 || transcripts[1].SequenceID != 2 {
		t.Errorf("Expected ids [0 2], got [%d %d]", transcripts[0].SequenceID, transcripts[1].SequenceID)
	}

	if len(errs) != 1 {
		t.Fatalf("Expected 1 error, got %d", len(errs))
	}
	if errs[0].Kind != fault.KindMalformedResult || errs[0].SequenceID != 1 {
		t.Errorf("Expected malformed_result for sequence 1, got %v", errs[0])
	}
	if s.Outcome() != OutcomeCompleted {
		t.Errorf("Expected completed outcome, got %s", s.Outcome())
	}
}

func TestSessionShortSegmentsNeverEnqueued(t *testing.T) {
	tr := newFakeTransport(inline("words"))
	// A 40ms blip is below the 150ms minimum
	frames := newScript().add(0, 10).add(0.5, 4).add(0, 10).utterance().frames
	src := &fakeSource{device: "mic-0", frames: frames}

	s := startSession(t, testConfig(), src, tr)
	waitDone(t, s)

	ids := tr.chunkIDs()
	if len(ids) != 1 || ids[0] != 0 {
		t.Errorf("Expected only chunk 0 to be sent, got %v", ids)
	}

	stats := s.Stats()
	if stats.Segmenter.Discarded != 1 || stats.Segmenter.Emitted != 1 {
		t.Errorf("Expected 1 discarded and 1 emitted segment, got %+v", stats.Segmenter)
	}
}

func TestSessionFlushesOpenUtteranceAtEndOfStream(t *testing.T) {
	tr := newFakeTransport(inline("trailing words"))
	// Stream ends mid-speech
	src := &fakeSource{device: "mic-0", frames: newScript().add(0, 10).add(0.5, 30).frames}

	s := startSession(t, testConfig(), src, tr)
	waitDone(t, s)

	transcripts, _ := collect(s)
	if len(transcripts) != 1 || transcripts[0].Text != "trailing words" {
		t.Fatalf("Expected the flushed utterance to be transcribed, got %+v", transcripts)
	}
	if tr.completeCount() != 1 {
		t.Errorf("Expected one recording_complete, got %d", tr.completeCount())
	}
}

func TestSessionEncodingFailureConsumesNoSequence(t *testing.T) {
	tr := newFakeTransport(inline("never"))
	sc := newScript()
	sc.rate = 16000
	sc.size = 160 // 10ms at the wrong rate
	src := &fakeSource{device: "mic-0", frames: sc.add(0, 10).utterance().frames}

	s := startSession(t, testConfig(), src, tr)
	waitDone(t, s)

	_, errs := collect(s)
	if len(errs) != 1 || errs[0].Kind != fault.KindEncoding {
		t.Fatalf("Expected one encoding error, got %v", errs)
	}
	if len(tr.chunkIDs()) != 0 {
		t.Errorf("Expected nothing sent, got %v", tr.chunkIDs())
	}
	if s.Stats().NextSequenceID != 0 {
		t.Errorf("Expected no sequence id consumed, got %d", s.Stats().NextSequenceID)
	}
	if s.Outcome() != OutcomeCompleted {
		t.Errorf("Expected completed outcome, got %s", s.Outcome())
	}
}

func TestSessionAckTimeoutHaltsUntilResume(t *testing.T) {
	tr := newFakeTransport(func(ctx context.Context, seq int64, attempt int) (*protocol.AckBody, error) {
		if seq == 1 && attempt == 1 {
			<-ctx.Done()
			return nil, ctx.Err()
		}
		return &protocol.AckBody{SequenceID: seq, Inline: true, Transcription: "utterance"}, nil
	})
	cfg := testConfig()
	cfg.AckTimeout = 50 * time.Millisecond
	src := &fakeSource{device: "mic-0", hold: true, frames: newScript().add(0, 10).utterance().utterance().utterance().frames}

	s := startSession(t, cfg, src, tr)
	defer s.Stop(context.Background())

	if tx := nextTranscript(t, s); tx.SequenceID != 0 {
		t.Fatalf("Expected transcript 0 first, got %d", tx.SequenceID)
	}

	fe := nextError(t, s)
	if fe.Kind != fault.KindTransportTimeout || fe.SequenceID != 1 {
		t.Fatalf("Expected transport_timeout on sequence 1, got %v", fe)
	}

	// Halted: no automatic retry and chunk 2 is held behind the head
	time.Sleep(100 * time.Millisecond)
	if ids := tr.chunkIDs(); len(ids) != 2 {
		t.Errorf("Expected 2 sends while halted, got %v", ids)
	}

	if err := s.Resume(dispatch.PolicySkip); err != nil {
		t.Fatalf("Resume failed: %v", err)
	}
	if tx := nextTranscript(t, s); tx.SequenceID != 2 {
		t.Errorf("Expected transcript 2 after skipping 1, got %d", tx.SequenceID)
	}

	if err := s.Resume(dispatch.PolicyRetry); !errors.Is(err, dispatch.ErrNotHalted) {
		t.Errorf("Expected ErrNotHalted, got %v", err)
	}

	if err := s.Stop(context.Background()); err != nil {
		t.Fatalf("Stop failed: %v", err)
	}
	if s.Outcome() != OutcomeStopped {
		t.Errorf("Expected stopped outcome, got %s", s.Outcome())
	}
	if tr.completeCount() != 0 {
		t.Errorf("Expected no recording_complete on teardown, got %d", tr.completeCount())
	}
}

func TestSessionResumeRetryResendsHead(t *testing.T) {
	tr := newFakeTransport(func(ctx context.Context, seq int64, attempt int) (*protocol.AckBody, error) {
		if seq == 0 && attempt == 1 {
			return nil, fault.New(fault.KindRemoteRejection, "busy")
		}
		return &protocol.AckBody{SequenceID: seq, Inline: true, Transcription: "hello"}, nil
	})
	src := &fakeSource{device: "mic-0", hold: true, frames: newScript().add(0, 10).utterance().frames}

	s := startSession(t, testConfig(), src, tr)
	defer s.Stop(context.Background())

	fe := nextError(t, s)
	if fe.Kind != fault.KindRemoteRejection {
		t.Fatalf("Expected remote_rejection, got %v", fe)
	}

	if err := s.Resume(dispatch.PolicyRetry); err != nil {
		t.Fatalf("Resume failed: %v", err)
	}
	if tx := nextTranscript(t, s); tx.SequenceID != 0 || tx.Text != "hello" {
		t.Errorf("Expected retried transcript 0, got %+v", tx)
	}

	ids := tr.chunkIDs()
	if len(ids) != 2 || ids[0] != 0 || ids[1] != 0 {
		t.Errorf("Expected chunk 0 sent twice, got %v", ids)
	}
}

func TestSessionCaptureFailureIsFatal(t *testing.T) {
	tr := newFakeTransport(nil)
	src := &fakeSource{device: "mic-0", err: errors.New("device unplugged"), frames: newScript().add(0, 5).frames}

	s := startSession(t, testConfig(), src, tr)
	waitDone(t, s)

	if s.Outcome() != OutcomeFailed {
		t.Errorf("Expected failed outcome, got %s", s.Outcome())
	}
	if fault.KindOf(s.Err()) != fault.KindCapture {
		t.Errorf("Expected capture error, got %v", s.Err())
	}
	_, errs := collect(s)
	if len(errs) != 1 || errs[0].Kind != fault.KindCapture {
		t.Errorf("Expected one capture error on the stream, got %v", errs)
	}
	if tr.completeCount() != 0 {
		t.Errorf("Expected no recording_complete after capture failure, got %d", tr.completeCount())
	}
}

func TestSessionStopIsIdempotent(t *testing.T) {
	tr := newFakeTransport(nil)
	src := &fakeSource{device: "mic-0", hold: true}

	s := startSession(t, testConfig(), src, tr)

	for i := 0; i < 3; i++ {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		if err := s.Stop(ctx); err != nil {
			t.Fatalf("Stop %d failed: %v", i, err)
		}
		cancel()
	}

	if tr.closed != 1 {
		t.Errorf("Expected transport closed once, got %d", tr.closed)
	}
	if src.closed != 1 {
		t.Errorf("Expected source closed once, got %d", src.closed)
	}
	if err := s.Resume(dispatch.PolicyRetry); !errors.Is(err, ErrStopped) {
		t.Errorf("Expected ErrStopped after teardown, got %v", err)
	}
	if err := s.Start(context.Background()); !errors.Is(err, ErrAlreadyStarted) {
		t.Errorf("Expected ErrAlreadyStarted, got %v", err)
	}
}

func TestSessionStopBeforeStart(t *testing.T) {
	tr := newFakeTransport(nil)
	s, err := New(testConfig(), &fakeSource{device: "mic-0"}, tr, tr.codec, nil, testLogger)
	if err != nil {
		t.Fatalf("Failed to create session: %v", err)
	}

	if err := s.Stop(context.Background()); err != nil {
		t.Fatalf("Stop failed: %v", err)
	}
	if s.Outcome() != OutcomeStopped {
		t.Errorf("Expected stopped outcome, got %s", s.Outcome())
	}
	if err := s.Start(context.Background()); !errors.Is(err, ErrAlreadyStarted) {
		t.Errorf("Expected ErrAlreadyStarted, got %v", err)
	}
}

func TestSessionCancelledContext(t *testing.T) {
	tr := newFakeTransport(nil)
	src := &fakeSource{device: "mic-0", hold: true}

	s, err := New(testConfig(), src, tr, tr.codec, nil, testLogger)
	if err != nil {
		t.Fatalf("Failed to create session: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	if err := s.Start(ctx); err != nil {
		t.Fatalf("Failed to start session: %v", err)
	}

	cancel()
	waitDone(t, s)

	if s.Outcome() != OutcomeCancelled {
		t.Errorf("Expected cancelled outcome, got %s", s.Outcome())
	}
}

func TestSessionMalformedEvents(t *testing.T) {
	tests := []struct {
		name  string
		event *protocol.Envelope
	}{
		{
			name:  "undecodable payload",
			event: &protocol.Envelope{Type: protocol.TypeEvent, Event: protocol.EventTranscriptionReady, Data: []byte("{not json")},
		},
		{
			name:  "missing payload",
			event: &protocol.Envelope{Type: protocol.TypeEvent, Event: protocol.EventTranscriptionReady},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tr := newFakeTransport(nil)
			src := &fakeSource{device: "mic-0", hold: true}
			s := startSession(t, testConfig(), src, tr)
			defer s.Stop(context.Background())

			tr.events <- tt.event

			fe := nextError(t, s)
			if fe.Kind != fault.KindMalformedResult {
				t.Errorf("Expected malformed_result, got %v", fe)
			}
		})
	}
}

func TestNewSessionValidation(t *testing.T) {
	tr := newFakeTransport(nil)
	src := &fakeSource{device: "mic-0"}

	if _, err := New(testConfig(), nil, tr, nil, nil, nil); err == nil {
		t.Error("Expected error for missing source")
	}

	cfg := testConfig()
	cfg.Detector.SpeechThreshold = 0
	if _, err := New(cfg, src, tr, nil, nil, nil); err == nil {
		t.Error("Expected error for invalid detector config")
	}

	cfg = testConfig()
	cfg.AckTimeout = 0
	if _, err := New(cfg, src, tr, nil, nil, nil); err == nil {
		t.Error("Expected error for zero ack timeout")
	}
}
