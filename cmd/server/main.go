package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"runtime"
	"sync"
	"syscall"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/skypro1111/utterance-relay/internal/capture"
	"github.com/skypro1111/utterance-relay/internal/config"
	"github.com/skypro1111/utterance-relay/internal/fault"
	"github.com/skypro1111/utterance-relay/internal/metrics"
	"github.com/skypro1111/utterance-relay/internal/protocol"
	"github.com/skypro1111/utterance-relay/internal/server"
	"github.com/skypro1111/utterance-relay/internal/session"
	"github.com/skypro1111/utterance-relay/internal/transport"
)

const (
	defaultConfigPath = "configs/config.yaml"
	serviceName       = "utterance-relay"
	serviceVersion    = "1.0.0"
)

var configPath string

var rootCmd = &cobra.Command{
	Use:   serviceName,
	Short: "Segment live audio into utterances and relay them for transcription",
	Long: `utterance-relay captures audio from a UDP stream or a WAV file, cuts it
into utterances with an energy VAD, and sends each utterance over a
websocket to a transcription service. Transcripts are written to stdout
as JSON lines in capture order.`,
	SilenceUsage:  true,
	SilenceErrors: true,
}

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run the relay",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load(configPath)
		if err != nil {
			return err
		}
		if wav, _ := cmd.Flags().GetString("wav"); wav != "" {
			cfg.Capture.Type = "wav"
			cfg.Capture.WAVPath = wav
		}
		return run(cmd.Context(), cfg)
	},
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Show version information",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("%s %s (%s)\n", serviceName, serviceVersion, runtime.Version())
	},
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", defaultConfigPath, "Path to configuration file")
	runCmd.Flags().String("wav", "", "Relay a WAV file instead of the configured capture source")

	rootCmd.AddCommand(runCmd, versionCmd)
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg *config.Config) error {
	logger := initLogger(cfg.Logging)

	logger.Info("Service starting",
		slog.String("service", serviceName),
		slog.String("version", serviceVersion),
		slog.String("config_path", configPath),
	)

	// Configuration summary without the API key
	logger.Info("Configuration loaded",
		slog.String("capture_type", cfg.Capture.Type),
		slog.Int("sample_rate", cfg.Audio.SampleRate),
		slog.Int("frame_size", cfg.Audio.FrameSize),
		slog.Float64("speech_threshold", cfg.VAD.SpeechThreshold),
		slog.Int("silence_ms", cfg.VAD.SilenceMs),
		slog.Int("ack_timeout_ms", cfg.Dispatch.AckTimeoutMs),
		slog.String("resume_policy", cfg.Dispatch.ResumePolicy),
		slog.String("transport_url", cfg.Transport.URL),
		slog.String("codec", cfg.Transport.Codec),
		slog.String("log_level", cfg.Logging.Level),
	)

	appMetrics := metrics.NewMetrics()

	codec, err := protocol.NewCodec(cfg.Transport.Codec)
	if err != nil {
		return err
	}

	sessionMgr, err := session.NewManager(session.ManagerConfig{
		MaxSessions:  cfg.Server.MaxSessions,
		Session:      session.ConfigFrom(cfg),
		Codec:        codec,
		Dial:         dialer(cfg, codec, logger),
		OnTranscript: transcriptWriter(os.Stdout, logger),
		OnError: func(sessionID string, fe *fault.Error) {
			logger.Warn("Session error",
				slog.String("session_id", sessionID),
				slog.String("kind", string(fe.Kind)),
				slog.String("error", fe.Error()))
		},
	}, appMetrics, logger)
	if err != nil {
		return fmt.Errorf("failed to create session manager: %w", err)
	}

	var httpServer *server.HTTPServer
	if cfg.HTTP.Enabled {
		httpServer = server.NewHTTPServer(cfg, sessionMgr, appMetrics, serviceVersion, logger)
		if err := httpServer.Start(); err != nil {
			return err
		}
	}

	g, gctx := errgroup.WithContext(ctx)

	if cfg.Session.AutoStart {
		g.Go(func() error {
			return captureLoop(gctx, cfg, sessionMgr, logger)
		})
	} else {
		logger.Info("Auto start disabled, no capture session opened")
		g.Go(func() error {
			<-gctx.Done()
			return gctx.Err()
		})
	}

	logger.Info("Service started successfully")

	err = g.Wait()
	if ctx.Err() != nil {
		logger.Info("Received shutdown signal")
	}

	logger.Info("Starting graceful shutdown...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.GetShutdownTimeoutDuration())
	defer cancel()

	if httpServer != nil {
		if serr := httpServer.Stop(shutdownCtx); serr != nil {
			logger.Error("Error stopping HTTP server", slog.String("error", serr.Error()))
		}
	}

	if serr := sessionMgr.StopAll(shutdownCtx); serr != nil {
		logger.Error("Error stopping sessions", slog.String("error", serr.Error()))
	}

	logger.Info("Service stopped")

	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

// captureLoop opens a session on the configured source. A WAV file is relayed
// once; a UDP listener is reopened for the next stream each time a session ends.
func captureLoop(ctx context.Context, cfg *config.Config, mgr *session.Manager, logger *slog.Logger) error {
	for {
		src, err := newSource(cfg, logger)
		if err != nil {
			return err
		}

		s, err := mgr.Start(ctx, src)
		if err != nil {
			if c, ok := src.(interface{ Close() error }); ok {
				c.Close()
			}
			return fmt.Errorf("failed to start session: %w", err)
		}

		select {
		case <-s.Done():
		case <-ctx.Done():
			return ctx.Err()
		}

		stats := s.Stats()
		logger.Info("Capture session finished",
			slog.String("session_id", s.ID),
			slog.String("outcome", stats.Outcome),
			slog.Uint64("transcripts", stats.Transcripts),
			slog.Bool("recording_complete", stats.RecordingComplete))

		if stats.Outcome == session.OutcomeFailed {
			return s.Err()
		}
		if cfg.Capture.Type == "wav" {
			// Flush callbacks before returning
			return mgr.Wait(ctx)
		}
	}
}

func newSource(cfg *config.Config, logger *slog.Logger) (capture.Source, error) {
	switch cfg.Capture.Type {
	case "wav":
		return &capture.WAVSource{
			Name:       cfg.Capture.Device,
			Path:       cfg.Capture.WAVPath,
			FrameSize:  cfg.Audio.FrameSize,
			SampleRate: cfg.Audio.SampleRate,
			Realtime:   cfg.Capture.Realtime,
		}, nil
	default:
		return capture.NewUDPSource(capture.UDPConfig{
			Address:     cfg.Capture.UDPAddress,
			StreamID:    cfg.Capture.StreamID,
			ReadBuffer:  cfg.Capture.ReadBuffer,
			IdleTimeout: cfg.Capture.GetIdleTimeoutDuration(),
		}, logger)
	}
}

func dialer(cfg *config.Config, codec protocol.Codec, logger *slog.Logger) session.DialFunc {
	header := http.Header{}
	if cfg.Transport.APIKey != "" {
		header.Set("Authorization", "Bearer "+cfg.Transport.APIKey)
	}

	tc := transport.Config{
		URL:          cfg.Transport.URL,
		Codec:        codec,
		Header:       header,
		DialTimeout:  cfg.Transport.GetDialTimeoutDuration(),
		ReconnectMin: cfg.Transport.GetReconnectMinDuration(),
		ReconnectMax: cfg.Transport.GetReconnectMaxDuration(),
		EventBuffer:  cfg.Transport.EventBuffer,
	}

	return func(ctx context.Context) (transport.Transport, error) {
		return transport.Dial(ctx, tc, logger)
	}
}

// transcriptWriter prints each transcript as one JSON line
func transcriptWriter(w io.Writer, logger *slog.Logger) func(session.Transcript) {
	var mu sync.Mutex
	enc := json.NewEncoder(w)
	return func(t session.Transcript) {
		mu.Lock()
		defer mu.Unlock()
		if err := enc.Encode(t); err != nil {
			logger.Error("Failed to write transcript",
				slog.String("session_id", t.SessionID),
				slog.Int64("sequence_id", t.SequenceID),
				slog.String("error", err.Error()))
		}
	}
}

// initLogger creates and configures the structured logger based on configuration
func initLogger(cfg config.LoggingConfig) *slog.Logger {
	var level slog.Level
	switch cfg.Level {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{
		Level:     level,
		AddSource: level == slog.LevelDebug,
	}

	// Transcripts own stdout, so logs default to stderr
	var output *os.File
	switch cfg.Output {
	case "stdout":
		output = os.Stdout
	case "stderr", "":
		output = os.Stderr
	default:
		file, err := os.OpenFile(cfg.Output, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Failed to open log file %s: %v, falling back to stderr\n", cfg.Output, err)
			output = os.Stderr
		} else {
			output = file
		}
	}

	var handler slog.Handler
	switch cfg.Format {
	case "text":
		handler = slog.NewTextHandler(output, opts)
	default:
		handler = slog.NewJSONHandler(output, opts)
	}

	return slog.New(handler)
}
