package capture

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net"
	"testing"
	"time"

	"github.com/skypro1111/utterance-relay/internal/audio"
	"github.com/skypro1111/utterance-relay/internal/protocol"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func collect(out chan audio.Frame) []audio.Frame {
	var frames []audio.Frame
	for {
		select {
		case f := <-out:
			frames = append(frames, f)
		default:
			return frames
		}
	}
}

func TestFramer(t *testing.T) {
	fr := newFramer(4, 8000)

	frames := fr.push([]float32{1, 2, 3})
	if len(frames) != 0 {
		t.Fatalf("Expected no full frame yet, got %d", len(frames))
	}

	frames = fr.push([]float32{4, 5, 6, 7, 8, 9})
	if len(frames) != 2 {
		t.Fatalf("Expected 2 frames, got %d", len(frames))
	}
	if frames[1].Samples[0] != 5 || frames[1].Offset != 500*time.Microsecond {
		t.Errorf("Unexpected second frame %v at %v", frames[1].Samples, frames[1].Offset)
	}

	last, ok := fr.flush()
	if !ok || len(last.Samples) != 1 || last.Samples[0] != 9 {
		t.Errorf("Expected trailing frame [9], got %v", last.Samples)
	}
	if _, ok := fr.flush(); ok {
		t.Error("Expected nothing left after flush")
	}
}

func TestWAVSource(t *testing.T) {
	samples := make([]float32, 1000)
	for i := range samples {
		samples[i] = 0.25
	}
	data, err := audio.EncodeFloatWAV(samples, 8000)
	if err != nil {
		t.Fatalf("EncodeFloatWAV failed: %v", err)
	}

	src := &WAVSource{Name: "mic-1", Data: data, FrameSize: 160, SampleRate: 8000}
	if src.Device() != "mic-1" {
		t.Errorf("Expected device mic-1, got %s", src.Device())
	}

	out := make(chan audio.Frame, 16)
	if err := src.Run(context.Background(), out); err != nil {
		t.Fatalf("Run failed: %v", err)
	}

	frames := collect(out)
	if len(frames) != 7 {
		t.Fatalf("Expected 7 frames (6 full + 1 partial), got %d", len(frames))
	}
	for i, f := range frames[:6] {
		if len(f.Samples) != 160 {
			t.Errorf("Frame %d: expected 160 samples, got %d", i, len(f.Samples))
		}
		if f.Offset != time.Duration(i)*20*time.Millisecond {
			t.Errorf("Frame %d: expected offset %v, got %v", i, time.Duration(i)*20*time.Millisecond, f.Offset)
		}
	}
	if len(frames[6].Samples) != 40 {
		t.Errorf("Expected 40-sample tail, got %d", len(frames[6].Samples))
	}
}

func TestWAVSourceErrors(t *testing.T) {
	out := make(chan audio.Frame, 1)

	wide, _ := audio.EncodeFloatWAV(make([]float32, 320), 16000)
	if err := (&WAVSource{Data: wide, FrameSize: 160, SampleRate: 8000}).Run(context.Background(), out); err == nil {
		t.Error("Expected error for sample rate mismatch")
	}
	if n := len(collect(out)); n != 0 {
		t.Errorf("Expected no frames from a mismatched file, got %d", n)
	}

	if err := (&WAVSource{Data: []byte("junk"), FrameSize: 10}).Run(context.Background(), out); err == nil {
		t.Error("Expected error for invalid WAV")
	}
	if err := (&WAVSource{Path: "/nonexistent/file.wav", FrameSize: 10}).Run(context.Background(), out); err == nil {
		t.Error("Expected error for missing file")
	}
	if err := (&WAVSource{Data: []byte{}, FrameSize: 0}).Run(context.Background(), out); err == nil {
		t.Error("Expected error for zero frame size")
	}
}

func TestWAVSourceCancel(t *testing.T) {
	data, _ := audio.EncodeFloatWAV(make([]float32, 8000), 8000)
	src := &WAVSource{Data: data, FrameSize: 80, Realtime: true}

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	out := make(chan audio.Frame, 1000)
	err := src.Run(ctx, out)
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("Expected deadline exceeded, got %v", err)
	}
	if n := len(collect(out)); n == 0 || n >= 100 {
		t.Errorf("Expected realtime pacing to deliver a partial stream, got %d frames", n)
	}
}

func TestUDPSource(t *testing.T) {
	src, err := NewUDPSource(UDPConfig{Address: "127.0.0.1:0"}, testLogger())
	if err != nil {
		t.Fatalf("NewUDPSource failed: %v", err)
	}

	conn, err := net.DialUDP("udp", nil, src.Addr().(*net.UDPAddr))
	if err != nil {
		t.Fatalf("DialUDP failed: %v", err)
	}
	defer conn.Close()

	pcm := make([]byte, 160) // 80 samples
	packets := [][]byte{}
	add := func(data []byte, err error) {
		if err != nil {
			t.Fatalf("Encode failed: %v", err)
		}
		packets = append(packets, data)
	}
	add(protocol.EncodeAudioPacket(42, 1, 8000, 0.5, pcm))
	add(protocol.EncodeAudioPacket(42, 2, 8000, 0, pcm))
	add(protocol.EncodeAudioPacket(42, 2, 8000, 0, pcm)) // duplicate
	add(protocol.EncodeAudioPacket(7, 3, 8000, 0, pcm))  // other stream
	add([]byte{0xFF, 0x00}, nil)                         // garbage
	add(protocol.EncodeAudioPacket(42, 4, 8000, 0, pcm))
	add(protocol.EncodeEndPacket(42), nil)

	for _, p := range packets {
		if _, err := conn.Write(p); err != nil {
			t.Fatalf("Write failed: %v", err)
		}
	}

	out := make(chan audio.Frame, 16)
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()

	if err := src.Run(ctx, out); err != nil {
		t.Fatalf("Run failed: %v", err)
	}

	frames := collect(out)
	if len(frames) != 3 {
		t.Fatalf("Expected 3 frames, got %d", len(frames))
	}
	if frames[0].Level != 0.5 {
		t.Errorf("Expected level 0.5 on first frame, got %v", frames[0].Level)
	}
	if frames[2].Offset != 20*time.Millisecond {
		t.Errorf("Expected third frame at 20ms, got %v", frames[2].Offset)
	}

	stats := src.GetStatistics()
	if stats.OutOfOrder != 1 || stats.Foreign != 1 || stats.ParseErrors != 1 {
		t.Errorf("Unexpected stats %+v", stats)
	}
	if stats.FramesDelivered != 3 {
		t.Errorf("Expected 3 delivered frames, got %d", stats.FramesDelivered)
	}
}

func TestUDPSourceIdleTimeout(t *testing.T) {
	src, err := NewUDPSource(UDPConfig{Address: "127.0.0.1:0", IdleTimeout: 100 * time.Millisecond}, testLogger())
	if err != nil {
		t.Fatalf("NewUDPSource failed: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()

	if err := src.Run(ctx, make(chan audio.Frame, 1)); err != nil {
		t.Errorf("Expected clean end on idle timeout, got %v", err)
	}
}
