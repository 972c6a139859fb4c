package session

import (
	"testing"
	"time"

	"github.com/skypro1111/utterance-relay/internal/config"
)

func TestConfigFrom(t *testing.T) {
	c := config.Default()
	c.Session.Context = map[string]any{"room": "a"}

	cfg := ConfigFrom(c)

	if cfg.SampleRate != 48000 || cfg.Segmenter.SampleRate != 48000 {
		t.Errorf("Expected 48kHz, got %d/%d", cfg.SampleRate, cfg.Segmenter.SampleRate)
	}
	if cfg.PreRoll != time.Second {
		t.Errorf("Expected 1s pre-roll, got %v", cfg.PreRoll)
	}
	if cfg.Segmenter.MinSegmentDuration != 300*time.Millisecond {
		t.Errorf("Expected 300ms minimum segment, got %v", cfg.Segmenter.MinSegmentDuration)
	}
	if cfg.Detector.SilenceDuration != 800*time.Millisecond {
		t.Errorf("Expected 800ms silence, got %v", cfg.Detector.SilenceDuration)
	}
	if cfg.AckTimeout != 10*time.Second {
		t.Errorf("Expected 10s ack timeout, got %v", cfg.AckTimeout)
	}
	if cfg.Context["room"] != "a" {
		t.Errorf("Expected context to carry over, got %v", cfg.Context)
	}

	// The defaults must build a working session
	tr := newFakeTransport(nil)
	if _, err := New(cfg, &fakeSource{device: "mic-0"}, tr, nil, nil, testLogger); err != nil {
		t.Errorf("Expected default config to build a session, got %v", err)
	}
}
