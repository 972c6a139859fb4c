package vad

import (
	"fmt"
	"time"

	"github.com/skypro1111/utterance-relay/internal/audio"
)

// EventType is the kind of transition reported by the detector
type EventType int

const (
	EventNone EventType = iota
	EventSpeechStart
	EventSpeechEnd
)

// String returns a human-readable name for the event type
func (e EventType) String() string {
	switch e {
	case EventSpeechStart:
		return "speech_start"
	case EventSpeechEnd:
		return "speech_end"
	default:
		return "none"
	}
}

// Event is a detector transition. Onset is the stream offset where the
// sustained run that triggered the event began.
type Event struct {
	Type   EventType
	Offset time.Duration // Stream offset at which the event fired
	Onset  time.Duration
	Level  float64 // Smoothed amplitude at the time of the event
}

// DetectorConfig holds the activity detection parameters
type DetectorConfig struct {
	SpeechThreshold   float64       // Smoothed amplitude at or above which a frame is voiced
	SilenceThreshold  float64       // Smoothed amplitude below which a frame is silent; must be <= SpeechThreshold
	Smoothing         float64       // Weight of the current frame in the moving average, (0, 1]
	MinSpeechDuration time.Duration // Sustained voiced audio required to report speech start
	SilenceDuration   time.Duration // Sustained silence required to report speech end
}

// Detector is an amplitude-based voice activity detector with hysteresis.
// It is not safe for concurrent use.
type Detector struct {
	config DetectorConfig

	speaking  bool
	level     float64
	primed    bool
	voicedRun time.Duration
	silentRun time.Duration

	totalFrames  uint64
	voicedFrames uint64
}

// DetectorStats represents detector statistics
type DetectorStats struct {
	TotalFrames     uint64  `json:"total_frames"`
	VoicedFrames    uint64  `json:"voiced_frames"`
	VoicePercentage float64 `json:"voice_percentage"`
	Speaking        bool    `json:"speaking"`
	Level           float64 `json:"level"`
}

// NewDetector creates a new detector instance
func NewDetector(config DetectorConfig) (*Detector, error) {
	if config.SpeechThreshold <= 0 || config.SpeechThreshold > 1 {
		return nil, fmt.Errorf("speech threshold must be in (0, 1], got %f", config.SpeechThreshold)
	}

	if config.SilenceThreshold < 0 || config.SilenceThreshold > config.SpeechThreshold {
		return nil, fmt.Errorf("silence threshold must be in [0, %f], got %f", config.SpeechThreshold, config.SilenceThreshold)
	}

	if config.Smoothing <= 0 || config.Smoothing > 1 {
		return nil, fmt.Errorf("smoothing must be in (0, 1], got %f", config.Smoothing)
	}

	if config.MinSpeechDuration < 0 || config.SilenceDuration < 0 {
		return nil, fmt.Errorf("durations cannot be negative")
	}

	return &Detector{config: config}, nil
}

// Process classifies one frame and reports a transition if one occurred
func (d *Detector) Process(f audio.Frame) Event {
	amp := f.Amplitude()
	if d.primed {
		d.level = d.config.Smoothing*amp + (1-d.config.Smoothing)*d.level
	} else {
		d.level = amp
		d.primed = true
	}

	dur := f.Duration()
	end := f.End()
	d.totalFrames++

	if !d.speaking {
		if d.level >= d.config.SpeechThreshold {
			d.voicedRun += dur
			d.voicedFrames++
		} else {
			d.voicedRun = 0
		}

		if d.voicedRun > 0 && d.voicedRun >= d.config.MinSpeechDuration {
			onset := end - d.voicedRun
			d.speaking = true
			d.voicedRun = 0
			d.silentRun = 0
			return Event{Type: EventSpeechStart, Offset: end, Onset: onset, Level: d.level}
		}
		return Event{Type: EventNone, Offset: end, Level: d.level}
	}

	if d.level < d.config.SilenceThreshold {
		d.silentRun += dur
	} else {
		d.silentRun = 0
		d.voicedFrames++
	}

	if d.silentRun > 0 && d.silentRun >= d.config.SilenceDuration {
		onset := end - d.silentRun
		d.speaking = false
		d.silentRun = 0
		d.voicedRun = 0
		return Event{Type: EventSpeechEnd, Offset: end, Onset: onset, Level: d.level}
	}
	return Event{Type: EventNone, Offset: end, Level: d.level}
}

// Speaking reports whether the detector currently considers speech active
func (d *Detector) Speaking() bool {
	return d.speaking
}

// Reset clears accumulated detection state without touching statistics
func (d *Detector) Reset() {
	d.speaking = false
	d.level = 0
	d.primed = false
	d.voicedRun = 0
	d.silentRun = 0
}

// GetStats returns current detector statistics
func (d *Detector) GetStats() DetectorStats {
	voicePercentage := float64(0)
	if d.totalFrames > 0 {
		voicePercentage = float64(d.voicedFrames) / float64(d.totalFrames) * 100
	}

	return DetectorStats{
		TotalFrames:     d.totalFrames,
		VoicedFrames:    d.voicedFrames,
		VoicePercentage: voicePercentage,
		Speaking:        d.speaking,
		Level:           d.level,
	}
}
