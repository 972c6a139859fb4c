package capture

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/skypro1111/utterance-relay/internal/audio"
)

// WAVSource replays a 16-bit mono WAV recording as a capture stream
type WAVSource struct {
	Name       string // Device handle; defaults to "file:" + Path
	Path       string
	Data       []byte // Used instead of Path when set
	FrameSize  int    // Samples per frame
	SampleRate int    // Required file rate; zero accepts any
	Realtime   bool   // Pace frames at their own duration
}

// Device returns the device handle
func (w *WAVSource) Device() string {
	if w.Name != "" {
		return w.Name
	}
	return "file:" + w.Path
}

// Run decodes the recording and emits it frame by frame
func (w *WAVSource) Run(ctx context.Context, out chan<- audio.Frame) error {
	if w.FrameSize <= 0 {
		return fmt.Errorf("frame size must be positive, got %d", w.FrameSize)
	}

	data := w.Data
	if data == nil {
		var err error
		data, err = os.ReadFile(w.Path)
		if err != nil {
			return fmt.Errorf("read %s: %w", w.Path, err)
		}
	}

	samples, rate, err := audio.DecodeFloatWAV(data)
	if err != nil {
		return fmt.Errorf("decode %s: %w", w.Device(), err)
	}
	if w.SampleRate > 0 && rate != w.SampleRate {
		return fmt.Errorf("%s is %d Hz, expected %d Hz", w.Device(), rate, w.SampleRate)
	}

	fr := newFramer(w.FrameSize, rate)
	frames := fr.push(samples)
	if last, ok := fr.flush(); ok {
		frames = append(frames, last)
	}

	var ticker *time.Ticker
	if w.Realtime {
		ticker = time.NewTicker(audio.SamplesDuration(w.FrameSize, rate))
		defer ticker.Stop()
	}

	for _, f := range frames {
		if ticker != nil {
			select {
			case <-ticker.C:
			case <-ctx.Done():
				return ctx.Err()
			}
		}
		if err := send(ctx, out, f); err != nil {
			return err
		}
	}
	return nil
}
