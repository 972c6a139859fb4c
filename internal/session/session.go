package session

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/skypro1111/utterance-relay/internal/audio"
	"github.com/skypro1111/utterance-relay/internal/capture"
	"github.com/skypro1111/utterance-relay/internal/dispatch"
	"github.com/skypro1111/utterance-relay/internal/fault"
	"github.com/skypro1111/utterance-relay/internal/metrics"
	"github.com/skypro1111/utterance-relay/internal/protocol"
	"github.com/skypro1111/utterance-relay/internal/reorder"
	"github.com/skypro1111/utterance-relay/internal/transport"
	"github.com/skypro1111/utterance-relay/internal/vad"
)

var (
	// ErrAlreadyStarted is returned by a second Start
	ErrAlreadyStarted = errors.New("session already started")
	// ErrStopped is returned when operating on a finished session
	ErrStopped = errors.New("session stopped")
	// ErrDrainTimeout ends a session whose queue did not empty in time
	ErrDrainTimeout = errors.New("drain timeout expired")
)

// State is the lifecycle state of a session
type State string

const (
	StateCreated  State = "created"
	StateRunning  State = "running"
	StateDraining State = "draining"
	StateClosed   State = "closed"
)

// Outcomes reported when a session ends
const (
	OutcomeCompleted    = "completed"
	OutcomeDrainTimeout = "drain_timeout"
	OutcomeStopped      = "stopped"
	OutcomeCancelled    = "cancelled"
	OutcomeFailed       = "failed"
)

// Config holds per-session pipeline parameters
type Config struct {
	SampleRate       int
	PreRoll          time.Duration
	FrameDuration    time.Duration
	Detector         vad.DetectorConfig
	Segmenter        vad.SegmenterConfig // SampleRate is taken from Config.SampleRate
	AckTimeout       time.Duration
	DrainTimeout     time.Duration // Zero waits for the queue indefinitely
	FrameBuffer      int
	TranscriptBuffer int
	ErrorBuffer      int
	Context          map[string]any // Attached to every chunk
}

// Transcript is one result released in sequence order
type Transcript struct {
	SessionID  string    `json:"session_id"`
	SequenceID int64     `json:"sequence_id"`
	Text       string    `json:"text"`
	ReceivedAt time.Time `json:"received_at"`
}

// Stats represents session statistics
type Stats struct {
	ID                     string               `json:"id"`
	Device                 string               `json:"device"`
	State                  State                `json:"state"`
	Outcome                string               `json:"outcome,omitempty"`
	StartedAt              time.Time            `json:"started_at"`
	Duration               time.Duration        `json:"duration"`
	Frames                 uint64               `json:"frames"`
	NextSequenceID         int64                `json:"next_sequence_id"`
	NextExpectedSequenceID int64                `json:"next_expected_sequence_id"`
	Transcripts            uint64               `json:"transcripts"`
	Errors                 uint64               `json:"errors"`
	RecordingComplete      bool                 `json:"recording_complete"`
	Segmenter              vad.SegmenterStats   `json:"segmenter"`
	Assembler              audio.AssemblerStats `json:"assembler"`
	Queue                  dispatch.Stats       `json:"queue"`
	Reorder                reorder.Stats        `json:"reorder"`
}

// outcome carries queue hook results back to the event loop
type outcome struct {
	result  *reorder.Result
	fault   *fault.Error
	resumed bool
}

// Session runs one capture stream through segmentation, dispatch and
// reordering. All pipeline state except the queue and the reorder buffer is
// owned by a single event loop goroutine.
type Session struct {
	ID        string
	Device    string
	StartedAt time.Time

	config    Config
	source    capture.Source
	transport transport.Transport
	codec     protocol.Codec
	metrics   *metrics.Metrics
	logger    *slog.Logger

	ring      *audio.RingBuffer
	segmenter *vad.Segmenter
	assembler *audio.Assembler
	queue     *dispatch.Queue
	reorder   *reorder.Buffer

	inbox       chan outcome
	transcripts chan Transcript
	errs        chan *fault.Error

	stopCh    chan struct{}
	quit      chan struct{}
	done      chan struct{}
	startOnce sync.Once
	stopOnce  sync.Once

	nextSeq      atomic.Int64
	frames       atomic.Uint64
	released     atomic.Uint64
	errCount     atomic.Uint64
	completeSent atomic.Bool
	completeAck  atomic.Bool

	mu       sync.Mutex
	state    State
	outcome  string
	err      error
	endedAt  time.Time
	segStats vad.SegmenterStats
	asmStats audio.AssemblerStats
}

// New builds a session around src and tr. The session owns both and closes
// them when it ends.
func New(config Config, src capture.Source, tr transport.Transport, codec protocol.Codec,
	m *metrics.Metrics, logger *slog.Logger) (*Session, error) {

	if src == nil || tr == nil {
		return nil, errors.New("source and transport are required")
	}
	if codec == nil {
		codec = protocol.JSONCodec{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	if config.FrameBuffer <= 0 {
		config.FrameBuffer = 256
	}
	if config.TranscriptBuffer <= 0 {
		config.TranscriptBuffer = 64
	}
	if config.ErrorBuffer <= 0 {
		config.ErrorBuffer = 32
	}

	detector, err := vad.NewDetector(config.Detector)
	if err != nil {
		return nil, fmt.Errorf("failed to create detector: %w", err)
	}

	if config.FrameDuration <= 0 {
		return nil, fmt.Errorf("frame duration must be positive, got %v", config.FrameDuration)
	}
	ring := audio.NewRingBuffer(config.PreRoll, config.FrameDuration)

	segConfig := config.Segmenter
	segConfig.SampleRate = config.SampleRate
	segmenter, err := vad.NewSegmenter(segConfig, detector, ring)
	if err != nil {
		return nil, fmt.Errorf("failed to create segmenter: %w", err)
	}

	s := &Session{
		ID:          uuid.NewString(),
		Device:      src.Device(),
		config:      config,
		source:      src,
		transport:   tr,
		codec:       codec,
		metrics:     m,
		ring:        ring,
		segmenter:   segmenter,
		assembler:   audio.NewAssembler(config.SampleRate),
		reorder:     reorder.New(0),
		inbox:       make(chan outcome, 64),
		transcripts: make(chan Transcript, config.TranscriptBuffer),
		errs:        make(chan *fault.Error, config.ErrorBuffer),
		stopCh:      make(chan struct{}),
		quit:        make(chan struct{}),
		done:        make(chan struct{}),
		state:       StateCreated,
	}
	s.logger = logger.With(slog.String("session_id", s.ID), slog.String("device", s.Device))

	s.queue, err = dispatch.New(dispatch.Config{AckTimeout: config.AckTimeout}, tr, dispatch.Hooks{
		OnAck:     s.onAck,
		OnFailure: s.onFailure,
		OnSkip:    s.onSkip,
	}, s.logger)
	if err != nil {
		return nil, fmt.Errorf("failed to create dispatch queue: %w", err)
	}

	return s, nil
}

// Transcripts returns the ordered text stream. It is closed when the session ends.
func (s *Session) Transcripts() <-chan Transcript {
	return s.transcripts
}

// Errors returns structured failures. It is closed when the session ends;
// errors are dropped if nobody reads.
func (s *Session) Errors() <-chan *fault.Error {
	return s.errs
}

// Done is closed once the session has fully torn down
func (s *Session) Done() <-chan struct{} {
	return s.done
}

// Err returns the error that ended the session, if any
func (s *Session) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

// Start attaches the segmenter and launches capture and the event loop
func (s *Session) Start(ctx context.Context) error {
	err := ErrAlreadyStarted
	s.startOnce.Do(func() {
		if err = s.segmenter.Attach(); err != nil {
			s.finalize(OutcomeFailed, err)
			return
		}
		s.mu.Lock()
		s.StartedAt = time.Now()
		s.state = StateRunning
		s.mu.Unlock()

		s.logger.Info("Session started",
			slog.Int("sample_rate", s.config.SampleRate),
			slog.Duration("pre_roll", s.config.PreRoll),
			slog.Duration("ack_timeout", s.config.AckTimeout))
		go s.run(ctx)
	})
	return err
}

// Stop tears the session down without flushing. The open utterance is
// dropped, the in-flight send is cancelled and no further events are
// emitted. It is safe to call more than once; it waits for teardown or ctx.
func (s *Session) Stop(ctx context.Context) error {
	s.stopOnce.Do(func() { close(s.stopCh) })
	s.startOnce.Do(func() { s.finalize(OutcomeStopped, nil) })

	select {
	case <-s.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Resume clears a dispatch halt with the given policy
func (s *Session) Resume(policy dispatch.ResumePolicy) error {
	select {
	case <-s.quit:
		return ErrStopped
	default:
	}

	if err := s.queue.Resume(policy); err != nil {
		return err
	}
	s.metrics.RecordResume(string(policy))
	s.deliver(outcome{resumed: true})
	return nil
}

func (s *Session) run(parent context.Context) {
	ctx, cancel := context.WithCancel(parent)
	defer cancel()

	frames := make(chan audio.Frame, s.config.FrameBuffer)
	srcDone := make(chan error, 1)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		srcDone <- s.source.Run(gctx, frames)
		return nil
	})
	g.Go(func() error {
		defer cancel()
		return s.loop(gctx, frames, srcDone)
	})
	err := g.Wait()

	switch {
	case err == nil:
		s.finalize(OutcomeCompleted, nil)
	case errors.Is(err, errStopRequested):
		s.finalize(OutcomeStopped, nil)
	case errors.Is(err, ErrDrainTimeout):
		s.finalize(OutcomeDrainTimeout, err)
	case parent.Err() != nil:
		s.finalize(OutcomeCancelled, parent.Err())
	default:
		s.finalize(OutcomeFailed, err)
	}
}

var errStopRequested = errors.New("stop requested")

func (s *Session) loop(ctx context.Context, frames <-chan audio.Frame, srcDone <-chan error) error {
	events := s.transport.Events()

	var (
		drainDone  <-chan struct{}
		drainCtx   context.Context
		idleCh     chan error
		completeCh chan error
		completed  bool
	)

	waitIdle := func() {
		ch := make(chan error, 1)
		go func() { ch <- s.queue.WaitIdle(drainCtx) }()
		idleCh = ch
	}

	for {
		select {
		case <-s.stopCh:
			return errStopRequested

		case <-ctx.Done():
			return ctx.Err()

		case f := <-frames:
			s.handleFrame(f)

		case err := <-srcDone:
			srcDone = nil
			s.drainFrames(frames)
			if err != nil {
				if ctx.Err() != nil {
					return ctx.Err()
				}
				fe := fault.Wrap(fault.KindCapture, err, "capture failed")
				s.report(fe)
				return fe
			}

			s.logger.Info("Capture ended, draining")
			s.setState(StateDraining)
			if ev := s.segmenter.Flush(); ev != nil {
				s.handleSegmentEvent(ev)
			}

			var drainCancel context.CancelFunc = func() {}
			drainCtx = ctx
			if s.config.DrainTimeout > 0 {
				drainCtx, drainCancel = context.WithTimeout(ctx, s.config.DrainTimeout)
			}
			defer drainCancel()
			drainDone = drainCtx.Done()
			waitIdle()

		case err := <-idleCh:
			idleCh = nil
			var fe *fault.Error
			switch {
			case err == nil:
				completeCh = make(chan error, 1)
				go func() { completeCh <- s.sendComplete(ctx) }()
			case errors.As(err, &fe):
				s.logger.Warn("Queue halted while draining, waiting for resume",
					slog.Int64("sequence_id", fe.SequenceID),
					slog.String("kind", string(fe.Kind)))
			}
			// Context errors surface through drainDone

		case err := <-completeCh:
			completeCh = nil
			if err != nil {
				fe := classify(err, "recording_complete failed")
				s.report(fe)
				return fe
			}
			completed = true
			if s.resolved() {
				return nil
			}

		case <-drainDone:
			pending := s.nextSeq.Load() - s.reorder.NextExpected()
			s.logger.Warn("Drain timeout expired",
				slog.Int("queued", s.queue.Len()),
				slog.Int64("unresolved", pending),
				slog.Bool("recording_complete", completed))
			return ErrDrainTimeout

		case o := <-s.inbox:
			s.handleOutcome(o)
			if o.resumed && drainCtx != nil && idleCh == nil && completeCh == nil && !completed {
				waitIdle()
			}
			if completed && s.resolved() {
				return nil
			}

		case env, ok := <-events:
			if !ok {
				events = nil
				continue
			}
			s.handleEvent(env)
			if completed && s.resolved() {
				return nil
			}
		}
	}
}

// drainFrames processes frames the source queued before it returned
func (s *Session) drainFrames(frames <-chan audio.Frame) {
	for {
		select {
		case f := <-frames:
			s.handleFrame(f)
		default:
			return
		}
	}
}

func (s *Session) handleFrame(f audio.Frame) {
	s.frames.Add(1)
	s.metrics.RecordFrame()

	if ev := s.segmenter.Process(f); ev != nil {
		s.handleSegmentEvent(ev)
	}

	s.mu.Lock()
	s.segStats = s.segmenter.GetStats()
	s.mu.Unlock()
}

func (s *Session) handleSegmentEvent(ev *vad.SegmentEvent) {
	switch ev.Kind {
	case vad.SegmentStarted:
		s.metrics.RecordSegmentStarted()
		s.logger.Debug("Segment started", slog.Duration("offset", ev.Offset))

	case vad.SegmentDiscarded:
		s.metrics.RecordSegmentDiscarded()
		s.logger.Debug("Segment discarded",
			slog.Int64("duration_ms", ev.Segment.DurationMs()),
			slog.Duration("min_duration", s.config.Segmenter.MinSegmentDuration))

	case vad.SegmentEnded:
		s.enqueueSegment(ev.Segment)
	}
}

// enqueueSegment assembles seg and hands it to the queue. A sequence id is
// consumed only when assembly succeeds.
func (s *Session) enqueueSegment(seg *audio.VoiceSegment) {
	payload, err := s.assembler.Assemble(seg)
	s.mu.Lock()
	s.asmStats = s.assembler.GetStats()
	s.mu.Unlock()

	if err != nil {
		s.metrics.RecordEncodeFailure()
		var fe *fault.Error
		if !errors.As(err, &fe) {
			fe = fault.Wrap(fault.KindEncoding, err, "segment assembly failed")
		}
		s.report(fe)
		return
	}

	seq := s.nextSeq.Load()
	chunk := &dispatch.Chunk{
		SequenceID: seq,
		Audio:      payload.Data,
		Context:    s.config.Context,
		CapturedAt: payload.CapturedAt,
		Duration:   payload.Info.Duration,
	}
	s.nextSeq.Store(seq + 1)

	if err := s.queue.Enqueue(chunk); err != nil {
		s.logger.Warn("Failed to enqueue chunk",
			slog.Int64("sequence_id", seq),
			slog.String("error", err.Error()))
		return
	}

	s.metrics.RecordSegmentEmitted(payload.Info.Duration.Seconds(), len(payload.Data), seg.Forced)
	s.metrics.RecordChunkEnqueued(s.Device, s.queue.Len())
	s.logger.Info("Segment enqueued",
		slog.Int64("sequence_id", seq),
		slog.Int64("duration_ms", seg.DurationMs()),
		slog.Duration("audio_duration", payload.Info.Duration),
		slog.Duration("pre_roll", payload.PreRoll),
		slog.Int("bytes", len(payload.Data)),
		slog.Bool("forced", seg.Forced))
}

func (s *Session) handleOutcome(o outcome) {
	if o.fault != nil {
		s.metrics.RecordDispatchFailure(string(o.fault.Kind))
		s.report(o.fault)
	}
	if o.result != nil {
		s.record(*o.result)
	}
}

func (s *Session) handleEvent(env *protocol.Envelope) {
	if env.Type != protocol.TypeEvent || env.Event != protocol.EventTranscriptionReady {
		s.logger.Debug("Ignoring event", slog.String("type", env.Type), slog.String("event", env.Event))
		return
	}

	now := time.Now()
	var tr protocol.TranscriptionReady
	if err := env.Decode(s.codec, &tr); err != nil {
		s.malformed(fault.Wrap(fault.KindMalformedResult, err, "undecodable transcription_ready"))
		return
	}
	if tr.SequenceID >= s.nextSeq.Load() {
		s.malformed(fault.New(fault.KindMalformedResult,
			fmt.Sprintf("transcription for unknown sequence id %d", tr.SequenceID)))
		return
	}
	if err := tr.Validate(); err != nil {
		fe := fault.Wrap(fault.KindMalformedResult, err, "invalid transcription_ready")
		if tr.SequenceID >= 0 {
			fe.WithSequence(tr.SequenceID)
			s.record(reorder.Result{SequenceID: tr.SequenceID, ReceivedAt: now})
		}
		s.malformed(fe)
		return
	}
	if !tr.Success {
		s.malformed(fault.New(fault.KindMalformedResult,
			fmt.Sprintf("transcription failed: %s", tr.Error)).WithSequence(tr.SequenceID))
		s.record(reorder.Result{SequenceID: tr.SequenceID, ReceivedAt: now})
		return
	}

	s.record(reorder.Result{SequenceID: tr.SequenceID, Text: tr.Transcription, ReceivedAt: now})
}

func (s *Session) malformed(fe *fault.Error) {
	s.metrics.RecordMalformedResult()
	s.report(fe)
}

// record stores a result and emits everything it unblocks
func (s *Session) record(r reorder.Result) {
	if !s.reorder.Record(r) {
		s.logger.Debug("Duplicate result ignored", slog.Int64("sequence_id", r.SequenceID))
		return
	}

	before := s.reorder.GetStats()
	released := s.reorder.Release()
	after := s.reorder.GetStats()
	s.metrics.RecordRelease(s.Device, len(released), int(after.Skipped-before.Skipped), after.Pending)

	for _, res := range released {
		t := Transcript{SessionID: s.ID, SequenceID: res.SequenceID, Text: res.Text, ReceivedAt: res.ReceivedAt}
		select {
		case s.transcripts <- t:
			s.released.Add(1)
		case <-s.stopCh:
			return
		}
	}
}

// resolved reports whether every enqueued sequence id has been released
func (s *Session) resolved() bool {
	return s.reorder.NextExpected() >= s.nextSeq.Load()
}

func (s *Session) report(fe *fault.Error) {
	s.errCount.Add(1)
	s.logger.Warn("Pipeline error",
		slog.String("kind", string(fe.Kind)),
		slog.Int64("sequence_id", fe.SequenceID),
		slog.String("error", fe.Error()))

	select {
	case s.errs <- fe:
	default:
		s.logger.Debug("Error stream full, dropping error", slog.String("kind", string(fe.Kind)))
	}
}

// deliver hands a hook outcome to the loop unless the session is ending
func (s *Session) deliver(o outcome) {
	select {
	case s.inbox <- o:
	case <-s.quit:
	}
}

func (s *Session) onAck(c *dispatch.Chunk, ack *protocol.Envelope, latency time.Duration) {
	s.metrics.RecordAck(s.Device, s.queue.Len(), latency.Seconds())

	if len(ack.Data) == 0 {
		return
	}
	var body protocol.AckBody
	if err := ack.Decode(s.codec, &body); err != nil {
		s.logger.Debug("Ignoring undecodable ack body",
			slog.Int64("sequence_id", c.SequenceID),
			slog.String("error", err.Error()))
		return
	}
	if body.Inline {
		s.deliver(outcome{result: &reorder.Result{SequenceID: c.SequenceID, Text: body.Transcription, ReceivedAt: time.Now()}})
	}
}

func (s *Session) onFailure(c *dispatch.Chunk, err *fault.Error) {
	s.deliver(outcome{fault: err})
}

func (s *Session) onSkip(c *dispatch.Chunk) {
	s.logger.Info("Skipping chunk", slog.Int64("sequence_id", c.SequenceID))
	s.deliver(outcome{result: &reorder.Result{SequenceID: c.SequenceID, ReceivedAt: time.Now()}})
}

func (s *Session) sendComplete(ctx context.Context) error {
	if !s.completeSent.CompareAndSwap(false, true) {
		return nil
	}

	ctx, cancel := context.WithTimeout(ctx, s.config.AckTimeout)
	defer cancel()

	_, err := s.transport.SendAndAwaitAck(ctx, protocol.EventRecordingComplete, protocol.RecordingComplete{
		SessionID: s.ID,
		Device:    s.Device,
		Chunks:    s.nextSeq.Load(),
		Timestamp: time.Now().UnixMilli(),
	})
	if err != nil {
		return err
	}

	s.completeAck.Store(true)
	s.metrics.RecordRecordingComplete()
	s.logger.Info("Recording complete acknowledged", slog.Int64("chunks", s.nextSeq.Load()))
	return nil
}

func classify(err error, message string) *fault.Error {
	var fe *fault.Error
	switch {
	case errors.As(err, &fe):
		return fe
	case errors.Is(err, context.DeadlineExceeded):
		return fault.Wrap(fault.KindTransportTimeout, err, message)
	default:
		return fault.Wrap(fault.KindTransport, err, message)
	}
}

// finalize releases every resource exactly once. The event loop has exited
// (or never ran) when it is called.
func (s *Session) finalize(outcome string, err error) {
	close(s.quit)
	s.queue.Close()

	if cerr := s.transport.Close(); cerr != nil {
		s.logger.Debug("Transport close failed", slog.String("error", cerr.Error()))
	}
	if closer, ok := s.source.(io.Closer); ok {
		if cerr := closer.Close(); cerr != nil {
			s.logger.Debug("Source close failed", slog.String("error", cerr.Error()))
		}
	}
	s.segmenter.Stop()

	close(s.transcripts)
	close(s.errs)

	s.mu.Lock()
	s.state = StateClosed
	s.outcome = outcome
	s.err = err
	s.endedAt = time.Now()
	s.segStats = s.segmenter.GetStats()
	started := s.StartedAt
	s.mu.Unlock()

	duration := time.Duration(0)
	if !started.IsZero() {
		duration = time.Since(started)
	}

	attrs := []any{
		slog.String("outcome", outcome),
		slog.Duration("duration", duration),
		slog.Int64("chunks", s.nextSeq.Load()),
		slog.Uint64("transcripts", s.released.Load()),
		slog.Uint64("errors", s.errCount.Load()),
	}
	if err != nil {
		attrs = append(attrs, slog.String("error", err.Error()))
	}
	s.logger.Info("Session ended", attrs...)

	close(s.done)
}

func (s *Session) setState(state State) {
	s.mu.Lock()
	s.state = state
	s.mu.Unlock()
}

// Outcome returns how the session ended, or "" while it is running
func (s *Session) Outcome() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.outcome
}

// Stats returns a snapshot of the session counters
func (s *Session) Stats() Stats {
	s.mu.Lock()
	stats := Stats{
		ID:        s.ID,
		Device:    s.Device,
		State:     s.state,
		Outcome:   s.outcome,
		StartedAt: s.StartedAt,
		Segmenter: s.segStats,
		Assembler: s.asmStats,
	}
	switch {
	case s.StartedAt.IsZero():
	case s.endedAt.IsZero():
		stats.Duration = time.Since(s.StartedAt)
	default:
		stats.Duration = s.endedAt.Sub(s.StartedAt)
	}
	s.mu.Unlock()

	stats.Frames = s.frames.Load()
	stats.NextSequenceID = s.nextSeq.Load()
	stats.NextExpectedSequenceID = s.reorder.NextExpected()
	stats.Transcripts = s.released.Load()
	stats.Errors = s.errCount.Load()
	stats.RecordingComplete = s.completeAck.Load()
	stats.Queue = s.queue.GetStats()
	stats.Reorder = s.reorder.GetStats()
	return stats
}
