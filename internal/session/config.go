package session

import (
	"github.com/skypro1111/utterance-relay/internal/config"
	"github.com/skypro1111/utterance-relay/internal/vad"
)

// ConfigFrom derives the per-session pipeline parameters from the service configuration
func ConfigFrom(c *config.Config) Config {
	return Config{
		SampleRate:    c.Audio.SampleRate,
		PreRoll:       c.Audio.GetPreRollDuration(),
		FrameDuration: c.Audio.GetFrameDuration(),
		Detector: vad.DetectorConfig{
			SpeechThreshold:   c.VAD.SpeechThreshold,
			SilenceThreshold:  c.VAD.SilenceThreshold,
			Smoothing:         c.VAD.Smoothing,
			MinSpeechDuration: c.VAD.GetMinSpeechDuration(),
			SilenceDuration:   c.VAD.GetSilenceDuration(),
		},
		Segmenter: vad.SegmenterConfig{
			SampleRate:         c.Audio.SampleRate,
			MinSegmentDuration: c.VAD.GetMinSegmentDuration(),
			MaxSpeechDuration:  c.VAD.GetMaxSpeechDuration(),
			TrailingCapture:    c.VAD.GetTrailingCaptureDuration(),
		},
		AckTimeout:       c.Dispatch.GetAckTimeoutDuration(),
		DrainTimeout:     c.Dispatch.GetDrainTimeoutDuration(),
		FrameBuffer:      c.Capture.FrameBuffer,
		TranscriptBuffer: c.Session.TranscriptBuffer,
		Context:          c.Session.Context,
	}
}
