// Command mock-transcriber serves the fake transcription service over
// WebSocket so the relay can be run end to end without a real backend.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/skypro1111/utterance-relay/internal/protocol"
	"github.com/skypro1111/utterance-relay/internal/testserver"
)

var opts struct {
	addr      string
	path      string
	codec     string
	minDelay  time.Duration
	maxDelay  time.Duration
	inlineAck bool
	seed      int64
	reject    []int64
	drop      []int64
	fail      []int64
	verbose   bool
}

var rootCmd = &cobra.Command{
	Use:   "mock-transcriber",
	Short: "Fake transcription service for local testing",
	Long: `mock-transcriber accepts audio_chunk emits, acknowledges them and pushes a
transcription_ready event describing each chunk after a random delay, so
results can arrive out of order. Individual sequence ids can be rejected,
left unacknowledged or failed to exercise the relay's error handling.`,
	SilenceUsage: true,
	RunE:         serve,
}

func init() {
	f := rootCmd.Flags()
	f.StringVar(&opts.addr, "addr", "127.0.0.1:9090", "Listen address")
	f.StringVar(&opts.path, "path", "/ws", "WebSocket endpoint path")
	f.StringVar(&opts.codec, "codec", protocol.CodecJSON, "Envelope codec (json or msgpack)")
	f.DurationVar(&opts.minDelay, "min-delay", 50*time.Millisecond, "Minimum transcription delay")
	f.DurationVar(&opts.maxDelay, "max-delay", 500*time.Millisecond, "Maximum transcription delay")
	f.BoolVar(&opts.inlineAck, "inline-ack", false, "Return transcriptions in the ack instead of an event")
	f.Int64Var(&opts.seed, "seed", time.Now().UnixNano(), "Random seed for delays")
	f.Int64SliceVar(&opts.reject, "reject", nil, "Sequence ids to reject")
	f.Int64SliceVar(&opts.drop, "drop", nil, "Sequence ids to leave unacknowledged")
	f.Int64SliceVar(&opts.fail, "fail", nil, "Sequence ids whose transcription fails")
	f.BoolVarP(&opts.verbose, "verbose", "v", false, "Debug logging")
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func serve(cmd *cobra.Command, args []string) error {
	level := slog.LevelInfo
	if opts.verbose {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))

	codec, err := protocol.NewCodec(opts.codec)
	if err != nil {
		return err
	}

	ts := testserver.New(testserver.Config{
		Codec:     codec,
		MinDelay:  opts.minDelay,
		MaxDelay:  opts.maxDelay,
		InlineAck: opts.inlineAck,
		Seed:      opts.seed,
	}, logger)
	for _, id := range opts.reject {
		ts.RejectSequence(id, "rejected by mock")
	}
	for _, id := range opts.drop {
		ts.DropAck(id)
	}
	for _, id := range opts.fail {
		ts.FailSequence(id, "failed by mock")
	}

	mux := http.NewServeMux()
	mux.Handle(opts.path, ts)
	srv := &http.Server{Addr: opts.addr, Handler: mux}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("Mock transcriber listening",
			slog.String("address", opts.addr),
			slog.String("path", opts.path),
			slog.String("codec", codec.Name()))
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	case <-cmd.Context().Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	ts.DisconnectAll()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return err
	}

	logger.Info("Mock transcriber stopped",
		slog.Int("chunks_received", len(ts.Received())),
		slog.Int("recordings_completed", len(ts.Completed())))
	return nil
}
