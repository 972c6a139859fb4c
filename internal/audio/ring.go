package audio

import "time"

// RingBuffer holds the most recent frames of pre-speech audio, bounded by a
// time window rather than a byte size. Storage is a fixed-capacity array
// addressed by head/count, so pushes never allocate.
//
// RingBuffer is not safe for concurrent use; it is owned by a single segmenter.
type RingBuffer struct {
	frames   []Frame
	head     int // index of the oldest frame
	count    int
	window   time.Duration
	buffered time.Duration
	paused   bool

	evicted uint64
	dropped uint64 // frames refused while paused
}

// RingStats represents ring buffer statistics for monitoring
type RingStats struct {
	Frames   int           `json:"frames"`
	Capacity int           `json:"capacity"`
	Buffered time.Duration `json:"buffered"`
	Window   time.Duration `json:"window"`
	Paused   bool          `json:"paused"`
	Evicted  uint64        `json:"evicted"`
	Dropped  uint64        `json:"dropped"`
}

// NewRingBuffer creates a ring buffer holding at most window of audio made of
// frames of frameDuration each. Capacity is floor(window / frameDuration), at least 1.
func NewRingBuffer(window, frameDuration time.Duration) *RingBuffer {
	capacity := 1
	if frameDuration > 0 && window > frameDuration {
		capacity = int(window / frameDuration)
	}
	return &RingBuffer{
		frames: make([]Frame, capacity),
		window: window,
	}
}

// Push appends a frame and evicts the oldest frames until the buffered
// duration fits the window. It reports false if the buffer is paused.
func (r *RingBuffer) Push(f Frame) bool {
	if r.paused {
		r.dropped++
		return false
	}

	if r.count == len(r.frames) {
		r.evictOldest()
	}

	tail := (r.head + r.count) % len(r.frames)
	r.frames[tail] = f
	r.count++
	r.buffered += f.Duration()

	for r.buffered > r.window && r.count > 0 {
		r.evictOldest()
	}
	return true
}

func (r *RingBuffer) evictOldest() {
	oldest := r.frames[r.head]
	r.buffered -= oldest.Duration()
	r.frames[r.head] = Frame{}
	r.head = (r.head + 1) % len(r.frames)
	r.count--
	r.evicted++
}

// Drain returns the buffered frames in chronological order. The buffer
// contents are left untouched.
func (r *RingBuffer) Drain() []Frame {
	out := make([]Frame, r.count)
	for i := 0; i < r.count; i++ {
		out[i] = r.frames[(r.head+i)%len(r.frames)]
	}
	return out
}

// Clear empties the buffer
func (r *RingBuffer) Clear() {
	for i := range r.frames {
		r.frames[i] = Frame{}
	}
	r.head = 0
	r.count = 0
	r.buffered = 0
}

// Pause stops the buffer from accepting frames while an utterance is recorded
func (r *RingBuffer) Pause() { r.paused = true }

// Resume lets the buffer accept frames again
func (r *RingBuffer) Resume() { r.paused = false }

// Paused reports whether pushes are currently refused
func (r *RingBuffer) Paused() bool { return r.paused }

// Len returns the number of buffered frames
func (r *RingBuffer) Len() int { return r.count }

// Cap returns the maximum number of frames the buffer can hold
func (r *RingBuffer) Cap() int { return len(r.frames) }

// Duration returns the total buffered audio duration
func (r *RingBuffer) Duration() time.Duration { return r.buffered }

// Window returns the configured pre-roll window
func (r *RingBuffer) Window() time.Duration { return r.window }

// GetStats returns current ring buffer statistics
func (r *RingBuffer) GetStats() RingStats {
	return RingStats{
		Frames:   r.count,
		Capacity: len(r.frames),
		Buffered: r.buffered,
		Window:   r.window,
		Paused:   r.paused,
		Evicted:  r.evicted,
		Dropped:  r.dropped,
	}
}
