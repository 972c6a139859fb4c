package testserver

import (
	"context"
	"io"
	"log/slog"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/coder/websocket"

	"github.com/skypro1111/utterance-relay/internal/audio"
	"github.com/skypro1111/utterance-relay/internal/protocol"
)

func startServer(t *testing.T, config Config) (*Server, *websocket.Conn) {
	t.Helper()
	srv := New(config, slog.New(slog.NewTextHandler(io.Discard, nil)))
	hs := httptest.NewServer(srv)
	t.Cleanup(hs.Close)

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	conn, _, err := websocket.Dial(ctx, "ws"+strings.TrimPrefix(hs.URL, "http"), nil)
	if err != nil {
		t.Fatalf("Dial failed: %v", err)
	}
	conn.SetReadLimit(1 << 20)
	t.Cleanup(func() { conn.CloseNow() })
	return srv, conn
}

func roundTrip(t *testing.T, conn *websocket.Conn, event string, payload any) *protocol.Envelope {
	t.Helper()
	codec := protocol.JSONCodec{}

	env, err := protocol.NewEmit(codec, event, payload)
	if err != nil {
		t.Fatalf("NewEmit failed: %v", err)
	}
	data, _ := codec.Marshal(env)

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if err := conn.Write(ctx, websocket.MessageText, data); err != nil {
		t.Fatalf("Write failed: %v", err)
	}
	return readEnvelope(t, conn)
}

func readEnvelope(t *testing.T, conn *websocket.Conn) *protocol.Envelope {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()

	_, data, err := conn.Read(ctx)
	if err != nil {
		t.Fatalf("Read failed: %v", err)
	}
	var env protocol.Envelope
	if err := (protocol.JSONCodec{}).Unmarshal(data, &env); err != nil {
		t.Fatalf("Unmarshal failed: %v", err)
	}
	return &env
}

func testWAV(t *testing.T) []byte {
	t.Helper()
	data, err := audio.EncodeFloatWAV(make([]float32, 1600), 16000)
	if err != nil {
		t.Fatalf("EncodeFloatWAV failed: %v", err)
	}
	return data
}

func TestChunkAckedThenTranscribed(t *testing.T) {
	srv, conn := startServer(t, Config{})

	ack := roundTrip(t, conn, protocol.EventAudioChunk, protocol.ChunkPayload{SequenceID: 4, Audio: testWAV(t)})
	if ack.Type != protocol.TypeAck || !ack.OK {
		t.Fatalf("Expected positive ack, got %+v", ack)
	}

	ev := readEnvelope(t, conn)
	if ev.Event != protocol.EventTranscriptionReady {
		t.Fatalf("Expected transcription_ready, got %+v", ev)
	}
	var tr protocol.TranscriptionReady
	if err := ev.Decode(protocol.JSONCodec{}, &tr); err != nil {
		t.Fatalf("Decode failed: %v", err)
	}
	if tr.SequenceID != 4 || !tr.Success {
		t.Errorf("Unexpected result %+v", tr)
	}
	if tr.Transcription != "segment 4: 100ms at 16000 Hz" {
		t.Errorf("Unexpected transcription %q", tr.Transcription)
	}
	if len(srv.Received()) != 1 {
		t.Errorf("Expected 1 received chunk, got %d", len(srv.Received()))
	}
}

func TestInvalidAudioRejected(t *testing.T) {
	_, conn := startServer(t, Config{})

	ack := roundTrip(t, conn, protocol.EventAudioChunk, protocol.ChunkPayload{SequenceID: 0, Audio: []byte("nope")})
	if ack.OK {
		t.Fatal("Expected negative ack for invalid audio")
	}
	if !strings.Contains(ack.Error, "invalid audio") {
		t.Errorf("Unexpected rejection reason %q", ack.Error)
	}
}

func TestRejectIsOneShot(t *testing.T) {
	srv, conn := startServer(t, Config{InlineAck: true})
	srv.RejectSequence(1, "busy")

	first := roundTrip(t, conn, protocol.EventAudioChunk, protocol.ChunkPayload{SequenceID: 1, Audio: testWAV(t)})
	if first.OK || first.Error != "busy" {
		t.Fatalf("Expected rejection, got %+v", first)
	}

	second := roundTrip(t, conn, protocol.EventAudioChunk, protocol.ChunkPayload{SequenceID: 1, Audio: testWAV(t)})
	if !second.OK {
		t.Fatalf("Expected retry to succeed, got %+v", second)
	}
	var body protocol.AckBody
	if err := second.Decode(protocol.JSONCodec{}, &body); err != nil {
		t.Fatalf("Decode failed: %v", err)
	}
	if !body.Inline || body.Transcription == "" {
		t.Errorf("Expected inline transcription, got %+v", body)
	}
}

func TestRecordingComplete(t *testing.T) {
	srv, conn := startServer(t, Config{})

	ack := roundTrip(t, conn, protocol.EventRecordingComplete, protocol.RecordingComplete{SessionID: "s1", Chunks: 3})
	if !ack.OK {
		t.Fatalf("Expected ack, got %+v", ack)
	}
	done := srv.Completed()
	if len(done) != 1 || done[0].SessionID != "s1" || done[0].Chunks != 3 {
		t.Errorf("Unexpected completions %+v", done)
	}
}

func TestUnknownEventRejected(t *testing.T) {
	_, conn := startServer(t, Config{})
	ack := roundTrip(t, conn, "bogus", map[string]any{})
	if ack.OK {
		t.Error("Expected unknown event to be rejected")
	}
}
