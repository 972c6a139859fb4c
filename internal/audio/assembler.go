package audio

import (
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/skypro1111/utterance-relay/internal/fault"
)

// VoiceSegment is one finished utterance as produced by the segmenter
type VoiceSegment struct {
	Start      time.Duration // Stream offset where voice was detected
	End        time.Duration // Stream offset where voice ended (silence onset, or the cutoff for forced segments)
	StartedAt  time.Time     // Wall clock at voice entry
	EndedAt    time.Time     // Wall clock at finalization
	SampleRate int
	PreRoll    []Frame   // Pre-roll snapshot taken at voice entry
	Recorded   []float32 // Samples recorded from voice entry until finalization
	Forced     bool      // Cut off by the maximum speech duration
}

// DurationMs returns the voiced duration of the segment in milliseconds
func (s *VoiceSegment) DurationMs() int64 {
	return (s.End - s.Start).Milliseconds()
}

// PreRollSamples returns the number of samples held in the pre-roll frames
func (s *VoiceSegment) PreRollSamples() int {
	n := 0
	for _, f := range s.PreRoll {
		n += len(f.Samples)
	}
	return n
}

// Payload is an encoded segment ready to be wrapped in an outbound chunk
type Payload struct {
	Data       []byte
	Info       *WAVInfo
	PreRoll    time.Duration
	CapturedAt time.Time
}

// Assembler flattens voice segments and encodes them into WAV payloads
type Assembler struct {
	sampleRate int

	assembled uint64
	failed    uint64
}

// AssemblerStats represents assembler statistics
type AssemblerStats struct {
	Assembled uint64 `json:"assembled"`
	Failed    uint64 `json:"failed"`
}

// NewAssembler creates an assembler for audio captured at sampleRate
func NewAssembler(sampleRate int) *Assembler {
	return &Assembler{sampleRate: sampleRate}
}

// Assemble concatenates the pre-roll frames with the recorded samples and
// encodes them. Any malformed input fails the whole segment with a
// fault.KindEncoding error; a partial payload is never returned.
func (a *Assembler) Assemble(seg *VoiceSegment) (*Payload, error) {
	payload, err := a.assemble(seg)
	if err != nil {
		a.failed++
		return nil, fault.Wrap(fault.KindEncoding, err, "segment assembly failed")
	}
	a.assembled++
	return payload, nil
}

func (a *Assembler) assemble(seg *VoiceSegment) (*Payload, error) {
	if seg == nil {
		return nil, errors.New("nil segment")
	}

	rate := seg.SampleRate
	if rate == 0 {
		rate = a.sampleRate
	}
	if rate != a.sampleRate {
		return nil, fmt.Errorf("segment sample rate %d does not match capture rate %d", rate, a.sampleRate)
	}

	preRollCount := seg.PreRollSamples()
	total := preRollCount + len(seg.Recorded)
	if total == 0 {
		return nil, errors.New("segment contains no audio")
	}

	samples := make([]float32, 0, total)
	for i, f := range seg.PreRoll {
		if f.SampleRate != rate {
			return nil, fmt.Errorf("pre-roll frame %d has sample rate %d, expected %d", i, f.SampleRate, rate)
		}
		samples = append(samples, f.Samples...)
	}
	samples = append(samples, seg.Recorded...)

	for i, s := range samples {
		if math.IsNaN(float64(s)) || math.IsInf(float64(s), 0) {
			return nil, fmt.Errorf("non-finite sample at index %d", i)
		}
	}

	data, err := EncodeFloatWAV(samples, rate)
	if err != nil {
		return nil, fmt.Errorf("encode: %w", err)
	}

	// Re-read the header so a payload that disagrees with its own container is never sent.
	info, err := GetWAVInfo(data)
	if err != nil {
		return nil, fmt.Errorf("verify: %w", err)
	}
	if int(info.NumSamples) != total || int(info.SampleRate) != rate {
		return nil, fmt.Errorf("verify: header declares %d samples at %d Hz, expected %d at %d Hz",
			info.NumSamples, info.SampleRate, total, rate)
	}
	if len(data) != WAVHeaderSize+int(info.DataSize) {
		return nil, fmt.Errorf("verify: payload is %d bytes, header declares %d", len(data), WAVHeaderSize+int(info.DataSize))
	}

	capturedAt := seg.EndedAt
	if capturedAt.IsZero() {
		capturedAt = time.Now()
	}

	return &Payload{
		Data:       data,
		Info:       info,
		PreRoll:    SamplesDuration(preRollCount, rate),
		CapturedAt: capturedAt,
	}, nil
}

// GetStats returns current assembler statistics
func (a *Assembler) GetStats() AssemblerStats {
	return AssemblerStats{Assembled: a.assembled, Failed: a.failed}
}
