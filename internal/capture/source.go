package capture

import (
	"context"

	"github.com/skypro1111/utterance-relay/internal/audio"
)

// Source produces audio frames for one device. Run blocks until the stream
// ends (returning nil), ctx is cancelled (returning ctx.Err()) or the device
// fails.
type Source interface {
	Device() string
	Run(ctx context.Context, out chan<- audio.Frame) error
}

// framer cuts an arbitrary sample stream into fixed-size frames stamped on
// the sample clock
type framer struct {
	size    int
	rate    int
	pending []float32
	emitted int64
}

func newFramer(size, rate int) *framer {
	return &framer{size: size, rate: rate, pending: make([]float32, 0, size)}
}

func (f *framer) push(samples []float32) []audio.Frame {
	var frames []audio.Frame
	for len(samples) > 0 {
		n := f.size - len(f.pending)
		if n > len(samples) {
			n = len(samples)
		}
		f.pending = append(f.pending, samples[:n]...)
		samples = samples[n:]

		if len(f.pending) == f.size {
			frames = append(frames, f.emit())
		}
	}
	return frames
}

// flush returns the trailing partial frame, if any
func (f *framer) flush() (audio.Frame, bool) {
	if len(f.pending) == 0 {
		return audio.Frame{}, false
	}
	return f.emit(), true
}

func (f *framer) emit() audio.Frame {
	samples := make([]float32, len(f.pending))
	copy(samples, f.pending)
	offset := audio.SamplesDuration(int(f.emitted), f.rate)
	f.emitted += int64(len(samples))
	f.pending = f.pending[:0]
	return audio.NewFrame(samples, f.rate, offset)
}

func send(ctx context.Context, out chan<- audio.Frame, f audio.Frame) error {
	select {
	case out <- f:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
