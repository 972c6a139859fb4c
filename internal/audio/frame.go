package audio

import (
	"math"
	"time"
)

// Frame is a fixed-size block of mono PCM float samples as delivered by capture.
// Frames are treated as immutable once captured.
type Frame struct {
	Samples    []float32     // Mono samples in [-1, 1]
	SampleRate int           // Sample rate that produced the samples
	Offset     time.Duration // Position of the first sample in the stream
	Level      float64       // Amplitude reported by capture, 0 if not provided
}

// NewFrame creates a frame from samples captured at offset
func NewFrame(samples []float32, sampleRate int, offset time.Duration) Frame {
	return Frame{
		Samples:    samples,
		SampleRate: sampleRate,
		Offset:     offset,
	}
}

// Duration returns the playback duration of the frame
func (f Frame) Duration() time.Duration {
	return SamplesDuration(len(f.Samples), f.SampleRate)
}

// End returns the stream offset just past the last sample
func (f Frame) End() time.Duration {
	return f.Offset + f.Duration()
}

// Amplitude returns the capture-provided level, or the RMS of the samples when
// capture did not supply one
func (f Frame) Amplitude() float64 {
	if f.Level > 0 {
		return f.Level
	}
	return RMS(f.Samples)
}

// RMS calculates the root-mean-square energy of the samples
func RMS(samples []float32) float64 {
	if len(samples) == 0 {
		return 0
	}
	var energy float64
	for _, s := range samples {
		energy += float64(s) * float64(s)
	}
	return math.Sqrt(energy / float64(len(samples)))
}

// SamplesDuration converts a sample count at sampleRate into a duration
func SamplesDuration(samples, sampleRate int) time.Duration {
	if sampleRate <= 0 {
		return 0
	}
	return time.Duration(samples) * time.Second / time.Duration(sampleRate)
}

// DurationSamples converts a duration into a sample count at sampleRate
func DurationSamples(d time.Duration, sampleRate int) int {
	return int(time.Duration(sampleRate) * d / time.Second)
}

// FloatToPCM16 clamps s to [-1, 1] and scales it by 0x7FFF (positive) or 0x8000 (negative)
func FloatToPCM16(s float32) int16 {
	v := float64(s)
	if v > 1 {
		v = 1
	} else if v < -1 {
		v = -1
	}
	if v < 0 {
		return int16(math.Round(v * 0x8000))
	}
	return int16(math.Round(v * 0x7FFF))
}

// PCM16ToFloat is the inverse of FloatToPCM16
func PCM16ToFloat(v int16) float32 {
	if v < 0 {
		return float32(v) / 0x8000
	}
	return float32(v) / 0x7FFF
}

// FloatsToPCM16 converts a float sample slice to PCM-16
func FloatsToPCM16(samples []float32) []int16 {
	out := make([]int16, len(samples))
	for i, s := range samples {
		out[i] = FloatToPCM16(s)
	}
	return out
}

// PCM16ToFloats converts a PCM-16 sample slice to floats
func PCM16ToFloats(samples []int16) []float32 {
	out := make([]float32, len(samples))
	for i, s := range samples {
		out[i] = PCM16ToFloat(s)
	}
	return out
}

// BytesToPCM16 decodes little-endian PCM-16 bytes
func BytesToPCM16(data []byte) []int16 {
	samples := make([]int16, len(data)/2)
	for i := range samples {
		samples[i] = int16(data[i*2]) | int16(data[i*2+1])<<8
	}
	return samples
}
