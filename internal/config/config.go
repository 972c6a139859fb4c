package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config represents the complete service configuration
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	HTTP      HTTPConfig      `yaml:"http"`
	Audio     AudioConfig     `yaml:"audio"`
	VAD       VADConfig       `yaml:"vad"`
	Dispatch  DispatchConfig  `yaml:"dispatch"`
	Transport TransportConfig `yaml:"transport"`
	Capture   CaptureConfig   `yaml:"capture"`
	Session   SessionConfig   `yaml:"session"`
	Logging   LoggingConfig   `yaml:"logging"`
}

// ServerConfig contains process-level settings
type ServerConfig struct {
	Name            string `yaml:"name"`
	MaxSessions     int    `yaml:"max_sessions"`
	ShutdownTimeout int    `yaml:"shutdown_timeout"` // seconds
}

// HTTPConfig contains HTTP API server configuration
type HTTPConfig struct {
	Port    int    `yaml:"port"`
	Address string `yaml:"address"`
	Enabled bool   `yaml:"enabled"`
}

// AudioConfig contains capture format parameters
type AudioConfig struct {
	SampleRate int `yaml:"sample_rate"`
	FrameSize  int `yaml:"frame_size"` // samples per frame
	PreRollMs  int `yaml:"pre_roll_ms"`
}

// VADConfig contains voice activity detection and segmentation parameters
type VADConfig struct {
	SpeechThreshold   float64 `yaml:"speech_threshold"`
	SilenceThreshold  float64 `yaml:"silence_threshold"`
	Smoothing         float64 `yaml:"smoothing"`
	MinSpeechMs       int     `yaml:"min_speech_ms"`
	SilenceMs         int     `yaml:"silence_ms"`
	MaxSpeechMs       int     `yaml:"max_speech_ms"` // 0 disables the cap
	TrailingCaptureMs int     `yaml:"trailing_capture_ms"`
	MinSegmentMs      int     `yaml:"min_segment_ms"`
}

// DispatchConfig contains outbound queue parameters
type DispatchConfig struct {
	AckTimeoutMs int    `yaml:"ack_timeout_ms"`
	ResumePolicy string `yaml:"resume_policy"`
	DrainTimeout int    `yaml:"drain_timeout"` // seconds
}

// TransportConfig contains transcription service connection parameters
type TransportConfig struct {
	URL            string `yaml:"url"`
	Codec          string `yaml:"codec"`
	APIKey         string `yaml:"api_key"`
	DialTimeout    int    `yaml:"dial_timeout"` // seconds
	ReconnectMinMs int    `yaml:"reconnect_min_ms"`
	ReconnectMaxMs int    `yaml:"reconnect_max_ms"`
	EventBuffer    int    `yaml:"event_buffer"`
}

// CaptureConfig selects and configures the audio source
type CaptureConfig struct {
	Type        string `yaml:"type"` // "udp" or "wav"
	Device      string `yaml:"device"`
	WAVPath     string `yaml:"wav_path"`
	Realtime    bool   `yaml:"realtime"`
	UDPAddress  string `yaml:"udp_address"`
	StreamID    uint32 `yaml:"stream_id"`
	ReadBuffer  int    `yaml:"read_buffer"`
	IdleTimeout int    `yaml:"idle_timeout"` // seconds, 0 waits forever
	FrameBuffer int    `yaml:"frame_buffer"`
}

// SessionConfig contains per-session settings
type SessionConfig struct {
	AutoStart        bool           `yaml:"auto_start"`
	TranscriptBuffer int            `yaml:"transcript_buffer"`
	Context          map[string]any `yaml:"context"` // Opaque object attached to every chunk
}

// LoggingConfig contains logging configuration
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
	Output string `yaml:"output"`
}

// Default returns the baseline configuration that files are layered on
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Name:            "utterance-relay",
			MaxSessions:     16,
			ShutdownTimeout: 10,
		},
		HTTP: HTTPConfig{
			Port:    8080,
			Address: "0.0.0.0",
			Enabled: true,
		},
		Audio: AudioConfig{
			SampleRate: 48000,
			FrameSize:  4096,
			PreRollMs:  1000,
		},
		VAD: VADConfig{
			SpeechThreshold:   0.02,
			SilenceThreshold:  0.01,
			Smoothing:         0.6,
			MinSpeechMs:       150,
			SilenceMs:         800,
			MaxSpeechMs:       30000,
			TrailingCaptureMs: 300,
			MinSegmentMs:      300,
		},
		Dispatch: DispatchConfig{
			AckTimeoutMs: 10000,
			ResumePolicy: "retry",
			DrainTimeout: 30,
		},
		Transport: TransportConfig{
			URL:            "ws://127.0.0.1:9090/ws",
			Codec:          "json",
			DialTimeout:    10,
			ReconnectMinMs: 500,
			ReconnectMaxMs: 30000,
			EventBuffer:    64,
		},
		Capture: CaptureConfig{
			Type:        "udp",
			UDPAddress:  "0.0.0.0:4444",
			ReadBuffer:  1 << 20,
			FrameBuffer: 256,
		},
		Session: SessionConfig{
			AutoStart:        true,
			TranscriptBuffer: 64,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
			Output: "stderr",
		},
	}
}

// Load reads and parses the configuration file on top of Default()
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
	}

	config := Default()
	if err := yaml.Unmarshal(data, config); err != nil {
		return nil, fmt.Errorf("failed to parse config file %s: %w", path, err)
	}

	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return config, nil
}

// Validate performs comprehensive validation of the configuration
func (c *Config) Validate() error {
	if err := c.Server.Validate(); err != nil {
		return fmt.Errorf("server config: %w", err)
	}

	if err := c.HTTP.Validate(); err != nil {
		return fmt.Errorf("http config: %w", err)
	}

	if err := c.Audio.Validate(); err != nil {
		return fmt.Errorf("audio config: %w", err)
	}

	if err := c.VAD.Validate(); err != nil {
		return fmt.Errorf("vad config: %w", err)
	}

	if err := c.Dispatch.Validate(); err != nil {
		return fmt.Errorf("dispatch config: %w", err)
	}

	if err := c.Transport.Validate(); err != nil {
		return fmt.Errorf("transport config: %w", err)
	}

	if err := c.Capture.Validate(); err != nil {
		return fmt.Errorf("capture config: %w", err)
	}

	if err := c.Session.Validate(); err != nil {
		return fmt.Errorf("session config: %w", err)
	}

	if err := c.Logging.Validate(); err != nil {
		return fmt.Errorf("logging config: %w", err)
	}

	return nil
}

// Validate validates server configuration
func (s *ServerConfig) Validate() error {
	if s.Name == "" {
		return fmt.Errorf("name cannot be empty")
	}

	if s.MaxSessions < 1 {
		return fmt.Errorf("max_sessions must be at least 1, got %d", s.MaxSessions)
	}

	if s.ShutdownTimeout < 1 {
		return fmt.Errorf("shutdown_timeout must be at least 1 second, got %d", s.ShutdownTimeout)
	}

	return nil
}

// Validate validates HTTP configuration
func (h *HTTPConfig) Validate() error {
	if h.Enabled {
		if h.Port < 1 || h.Port > 65535 {
			return fmt.Errorf("http port must be between 1 and 65535, got %d", h.Port)
		}

		if h.Address == "" {
			return fmt.Errorf("http address cannot be empty when HTTP is enabled")
		}
	}

	return nil
}

// Validate validates audio configuration
func (a *AudioConfig) Validate() error {
	validRates := map[int]bool{8000: true, 16000: true, 22050: true, 24000: true, 32000: true, 44100: true, 48000: true}
	if !validRates[a.SampleRate] {
		return fmt.Errorf("sample_rate %d is not supported", a.SampleRate)
	}

	if a.FrameSize < 64 || a.FrameSize > 16384 {
		return fmt.Errorf("frame_size must be between 64 and 16384 samples, got %d", a.FrameSize)
	}

	if a.PreRollMs < 0 || a.PreRollMs > 10000 {
		return fmt.Errorf("pre_roll_ms must be between 0 and 10000, got %d", a.PreRollMs)
	}

	return nil
}

// Validate validates VAD configuration
func (v *VADConfig) Validate() error {
	if v.SpeechThreshold <= 0 || v.SpeechThreshold > 1 {
		return fmt.Errorf("speech_threshold must be in (0, 1], got %f", v.SpeechThreshold)
	}

	if v.SilenceThreshold < 0 || v.SilenceThreshold > v.SpeechThreshold {
		return fmt.Errorf("silence_threshold must be between 0 and speech_threshold (%f), got %f",
			v.SpeechThreshold, v.SilenceThreshold)
	}

	if v.Smoothing <= 0 || v.Smoothing > 1 {
		return fmt.Errorf("smoothing must be in (0, 1], got %f", v.Smoothing)
	}

	if v.MinSpeechMs <= 0 {
		return fmt.Errorf("min_speech_ms must be positive, got %d", v.MinSpeechMs)
	}

	if v.SilenceMs <= 0 {
		return fmt.Errorf("silence_ms must be positive, got %d", v.SilenceMs)
	}

	if v.MaxSpeechMs != 0 && v.MaxSpeechMs <= v.MinSpeechMs {
		return fmt.Errorf("max_speech_ms (%d) must be 0 or greater than min_speech_ms (%d)",
			v.MaxSpeechMs, v.MinSpeechMs)
	}

	if v.TrailingCaptureMs < 0 {
		return fmt.Errorf("trailing_capture_ms cannot be negative, got %d", v.TrailingCaptureMs)
	}

	if v.MinSegmentMs < 0 {
		return fmt.Errorf("min_segment_ms cannot be negative, got %d", v.MinSegmentMs)
	}

	return nil
}

// Validate validates dispatch configuration
func (d *DispatchConfig) Validate() error {
	if d.AckTimeoutMs < 1 {
		return fmt.Errorf("ack_timeout_ms must be positive, got %d", d.AckTimeoutMs)
	}

	validPolicies := map[string]bool{"retry": true, "skip": true}
	if !validPolicies[d.ResumePolicy] {
		return fmt.Errorf("resume_policy must be 'retry' or 'skip', got '%s'", d.ResumePolicy)
	}

	if d.DrainTimeout < 0 {
		return fmt.Errorf("drain_timeout cannot be negative, got %d", d.DrainTimeout)
	}

	return nil
}

// Validate validates transport configuration
func (t *TransportConfig) Validate() error {
	if t.URL == "" {
		return fmt.Errorf("url cannot be empty")
	}

	if !strings.HasPrefix(t.URL, "ws://") && !strings.HasPrefix(t.URL, "wss://") {
		return fmt.Errorf("url must use ws:// or wss://, got '%s'", t.URL)
	}

	validCodecs := map[string]bool{"json": true, "msgpack": true}
	if !validCodecs[t.Codec] {
		return fmt.Errorf("codec must be 'json' or 'msgpack', got '%s'", t.Codec)
	}

	if t.DialTimeout < 1 {
		return fmt.Errorf("dial_timeout must be at least 1 second, got %d", t.DialTimeout)
	}

	if t.ReconnectMinMs < 1 {
		return fmt.Errorf("reconnect_min_ms must be positive, got %d", t.ReconnectMinMs)
	}

	if t.ReconnectMaxMs < t.ReconnectMinMs {
		return fmt.Errorf("reconnect_max_ms (%d) must not be less than reconnect_min_ms (%d)",
			t.ReconnectMaxMs, t.ReconnectMinMs)
	}

	if t.EventBuffer < 1 {
		return fmt.Errorf("event_buffer must be at least 1, got %d", t.EventBuffer)
	}

	return nil
}

// Validate validates capture configuration
func (c *CaptureConfig) Validate() error {
	switch c.Type {
	case "udp":
		if c.UDPAddress == "" {
			return fmt.Errorf("udp_address cannot be empty for udp capture")
		}
		if c.ReadBuffer < 0 {
			return fmt.Errorf("read_buffer cannot be negative, got %d", c.ReadBuffer)
		}
	case "wav":
		if c.WAVPath == "" {
			return fmt.Errorf("wav_path cannot be empty for wav capture")
		}
	default:
		return fmt.Errorf("type must be 'udp' or 'wav', got '%s'", c.Type)
	}

	if c.IdleTimeout < 0 {
		return fmt.Errorf("idle_timeout cannot be negative, got %d", c.IdleTimeout)
	}

	if c.FrameBuffer < 1 {
		return fmt.Errorf("frame_buffer must be at least 1, got %d", c.FrameBuffer)
	}

	return nil
}

// Validate validates session configuration
func (s *SessionConfig) Validate() error {
	if s.TranscriptBuffer < 1 {
		return fmt.Errorf("transcript_buffer must be at least 1, got %d", s.TranscriptBuffer)
	}

	return nil
}

// Validate validates logging configuration
func (l *LoggingConfig) Validate() error {
	validLevels := map[string]bool{
		"debug": true, "info": true, "warn": true, "error": true,
	}
	if !validLevels[l.Level] {
		return fmt.Errorf("level must be one of [debug, info, warn, error], got '%s'", l.Level)
	}

	validFormats := map[string]bool{"json": true, "text": true}
	if !validFormats[l.Format] {
		return fmt.Errorf("format must be 'json' or 'text', got '%s'", l.Format)
	}

	// Anything other than stdout/stderr is treated as a file path
	if l.Output == "" {
		return fmt.Errorf("output cannot be empty")
	}

	return nil
}

func millis(ms int) time.Duration {
	return time.Duration(ms) * time.Millisecond
}

// GetShutdownTimeoutDuration returns the shutdown timeout as a time.Duration
func (s *ServerConfig) GetShutdownTimeoutDuration() time.Duration {
	return time.Duration(s.ShutdownTimeout) * time.Second
}

// GetPreRollDuration returns the pre-roll window as a time.Duration
func (a *AudioConfig) GetPreRollDuration() time.Duration {
	return millis(a.PreRollMs)
}

// GetFrameDuration returns the duration of one capture frame
func (a *AudioConfig) GetFrameDuration() time.Duration {
	return time.Duration(a.FrameSize) * time.Second / time.Duration(a.SampleRate)
}

// GetMinSpeechDuration returns the minimum speech duration as a time.Duration
func (v *VADConfig) GetMinSpeechDuration() time.Duration {
	return millis(v.MinSpeechMs)
}

// GetSilenceDuration returns the silence duration as a time.Duration
func (v *VADConfig) GetSilenceDuration() time.Duration {
	return millis(v.SilenceMs)
}

// GetMaxSpeechDuration returns the maximum speech duration as a time.Duration
func (v *VADConfig) GetMaxSpeechDuration() time.Duration {
	return millis(v.MaxSpeechMs)
}

// GetTrailingCaptureDuration returns the trailing capture delay as a time.Duration
func (v *VADConfig) GetTrailingCaptureDuration() time.Duration {
	return millis(v.TrailingCaptureMs)
}

// GetMinSegmentDuration returns the minimum segment duration as a time.Duration
func (v *VADConfig) GetMinSegmentDuration() time.Duration {
	return millis(v.MinSegmentMs)
}

// GetAckTimeoutDuration returns the ack timeout as a time.Duration
func (d *DispatchConfig) GetAckTimeoutDuration() time.Duration {
	return millis(d.AckTimeoutMs)
}

// GetDrainTimeoutDuration returns the drain timeout as a time.Duration
func (d *DispatchConfig) GetDrainTimeoutDuration() time.Duration {
	return time.Duration(d.DrainTimeout) * time.Second
}

// GetDialTimeoutDuration returns the dial timeout as a time.Duration
func (t *TransportConfig) GetDialTimeoutDuration() time.Duration {
	return time.Duration(t.DialTimeout) * time.Second
}

// GetReconnectMinDuration returns the initial reconnect delay as a time.Duration
func (t *TransportConfig) GetReconnectMinDuration() time.Duration {
	return millis(t.ReconnectMinMs)
}

// GetReconnectMaxDuration returns the reconnect delay cap as a time.Duration
func (t *TransportConfig) GetReconnectMaxDuration() time.Duration {
	return millis(t.ReconnectMaxMs)
}

// GetIdleTimeoutDuration returns the capture idle timeout as a time.Duration
func (c *CaptureConfig) GetIdleTimeoutDuration() time.Duration {
	return time.Duration(c.IdleTimeout) * time.Second
}
