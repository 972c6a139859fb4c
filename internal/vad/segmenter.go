package vad

import (
	"errors"
	"fmt"
	"time"

	"github.com/skypro1111/utterance-relay/internal/audio"
)

// ErrNotIdle is returned when attaching a segmenter that is already running
var ErrNotIdle = errors.New("segmenter is not idle")

// State is the segmenter lifecycle state
type State int

const (
	StateIdle State = iota
	StateListening
	StateVoice
	StateHangover
)

// String returns a human-readable name for the state
func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateListening:
		return "listening"
	case StateVoice:
		return "voice"
	case StateHangover:
		return "hangover"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// SegmentEventKind identifies what a segment event reports
type SegmentEventKind int

const (
	SegmentStarted SegmentEventKind = iota + 1
	SegmentEnded
	SegmentDiscarded
)

// String returns a human-readable name for the event kind
func (k SegmentEventKind) String() string {
	switch k {
	case SegmentStarted:
		return "segment_start"
	case SegmentEnded:
		return "segment_end"
	case SegmentDiscarded:
		return "segment_discarded"
	default:
		return "unknown"
	}
}

// SegmentEvent is emitted by the segmenter on voice entry and on finalization.
// Segment is set for SegmentEnded and SegmentDiscarded.
type SegmentEvent struct {
	Kind    SegmentEventKind
	Offset  time.Duration
	Segment *audio.VoiceSegment
}

// SegmenterConfig holds segmentation parameters
type SegmenterConfig struct {
	SampleRate         int
	MinSegmentDuration time.Duration // Segments shorter than this are discarded
	MaxSpeechDuration  time.Duration // Voice longer than this is cut off; zero disables the cap
	TrailingCapture    time.Duration // Audio kept after speech end before finalizing
}

// Segmenter drives the Idle/Listening/Voice/Hangover state machine.
// It is not safe for concurrent use; the owning session feeds it from a single goroutine.
type Segmenter struct {
	config   SegmenterConfig
	detector *Detector
	ring     *audio.RingBuffer
	now      func() time.Time

	state    State
	current  *audio.VoiceSegment
	trailing time.Duration
	lastEnd  time.Duration

	started   uint64
	emitted   uint64
	discarded uint64
	forced    uint64
}

// SegmenterStats represents segmenter statistics
type SegmenterStats struct {
	State     string        `json:"state"`
	Started   uint64        `json:"started"`
	Emitted   uint64        `json:"emitted"`
	Discarded uint64        `json:"discarded"`
	Forced    uint64        `json:"forced"`
	Detector  DetectorStats `json:"detector"`
}

// NewSegmenter creates a segmenter in the Idle state
func NewSegmenter(config SegmenterConfig, detector *Detector, ring *audio.RingBuffer) (*Segmenter, error) {
	if config.SampleRate <= 0 {
		return nil, fmt.Errorf("sample rate must be positive, got %d", config.SampleRate)
	}
	if detector == nil || ring == nil {
		return nil, errors.New("detector and ring buffer are required")
	}
	if config.MinSegmentDuration < 0 || config.MaxSpeechDuration < 0 || config.TrailingCapture < 0 {
		return nil, errors.New("durations cannot be negative")
	}

	return &Segmenter{
		config:   config,
		detector: detector,
		ring:     ring,
		now:      time.Now,
		state:    StateIdle,
	}, nil
}

// State returns the current state
func (s *Segmenter) State() State {
	return s.state
}

// Attach starts listening. Only valid from Idle.
func (s *Segmenter) Attach() error {
	if s.state != StateIdle {
		return fmt.Errorf("%w: %s", ErrNotIdle, s.state)
	}
	s.reset()
	s.state = StateListening
	return nil
}

// Process feeds one captured frame through the state machine and returns the
// resulting event, if any.
func (s *Segmenter) Process(f audio.Frame) *SegmentEvent {
	s.lastEnd = f.End()

	switch s.state {
	case StateListening:
		s.ring.Push(f)
		ev := s.detector.Process(f)
		if ev.Type == EventSpeechStart {
			return s.enterVoice(ev)
		}

	case StateVoice:
		s.current.Recorded = append(s.current.Recorded, f.Samples...)
		ev := s.detector.Process(f)

		if ev.Type == EventSpeechEnd {
			// The silence run is already recorded; the utterance ended where it began.
			return s.enterHangover(ev.Onset)
		}
		if s.config.MaxSpeechDuration > 0 && f.End()-s.current.Start >= s.config.MaxSpeechDuration {
			s.current.Forced = true
			return s.enterHangover(f.End())
		}

	case StateHangover:
		s.current.Recorded = append(s.current.Recorded, f.Samples...)
		s.trailing += f.Duration()
		if s.trailing >= s.config.TrailingCapture {
			return s.finalize()
		}
	}

	return nil
}

// Flush finalizes an in-flight segment immediately, as when the stream ends.
// It returns nil when no segment is open.
func (s *Segmenter) Flush() *SegmentEvent {
	switch s.state {
	case StateVoice:
		s.current.End = s.lastEnd
		return s.finalize()
	case StateHangover:
		return s.finalize()
	}
	return nil
}

// Stop returns to Idle. An open segment is dropped without being emitted.
func (s *Segmenter) Stop() {
	s.reset()
	s.state = StateIdle
}

func (s *Segmenter) enterVoice(ev Event) *SegmentEvent {
	// The onset frames are already in the ring, so recording starts empty.
	s.current = &audio.VoiceSegment{
		Start:      ev.Onset,
		StartedAt:  s.now(),
		SampleRate: s.config.SampleRate,
		PreRoll:    s.ring.Drain(),
	}
	s.ring.Pause()
	s.state = StateVoice
	s.started++

	return &SegmentEvent{Kind: SegmentStarted, Offset: ev.Offset}
}

func (s *Segmenter) enterHangover(end time.Duration) *SegmentEvent {
	s.current.End = end
	s.trailing = 0
	s.state = StateHangover
	if s.current.Forced {
		s.forced++
	}
	if s.config.TrailingCapture <= 0 {
		return s.finalize()
	}
	return nil
}

func (s *Segmenter) finalize() *SegmentEvent {
	seg := s.current
	seg.EndedAt = s.now()

	s.current = nil
	s.trailing = 0
	s.ring.Clear()
	s.ring.Resume()
	s.detector.Reset()
	s.state = StateListening

	if seg.End-seg.Start < s.config.MinSegmentDuration {
		s.discarded++
		return &SegmentEvent{Kind: SegmentDiscarded, Offset: s.lastEnd, Segment: seg}
	}

	s.emitted++
	return &SegmentEvent{Kind: SegmentEnded, Offset: s.lastEnd, Segment: seg}
}

func (s *Segmenter) reset() {
	s.current = nil
	s.trailing = 0
	s.ring.Clear()
	s.ring.Resume()
	s.detector.Reset()
}

// GetStats returns current segmenter statistics
func (s *Segmenter) GetStats() SegmenterStats {
	return SegmenterStats{
		State:     s.state.String(),
		Started:   s.started,
		Emitted:   s.emitted,
		Discarded: s.discarded,
		Forced:    s.forced,
		Detector:  s.detector.GetStats(),
	}
}
