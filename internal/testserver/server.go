package testserver

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand"
	"net/http"
	"sync"
	"time"

	"github.com/coder/websocket"

	"github.com/skypro1111/utterance-relay/internal/audio"
	"github.com/skypro1111/utterance-relay/internal/protocol"
)

// Config contains fake service configuration
type Config struct {
	Codec     protocol.Codec
	MinDelay  time.Duration // Lower bound of the transcription delay
	MaxDelay  time.Duration // Upper bound of the transcription delay
	InlineAck bool          // Return the transcription in the ack instead of an event
	Seed      int64
	ReadLimit int64

	// Transcribe produces the text for a chunk. Defaults to a description of the audio.
	Transcribe func(seq int64, info *audio.WAVInfo) string
}

// Server is the fake transcription service. It implements http.Handler.
type Server struct {
	config Config
	logger *slog.Logger

	mu        sync.Mutex
	rng       *rand.Rand
	reject    map[int64]string
	drop      map[int64]bool
	fail      map[int64]string
	received  []protocol.ChunkPayload
	completed []protocol.RecordingComplete
	conns     map[*websocket.Conn]struct{}
	wg        sync.WaitGroup
}

// New creates a fake service
func New(config Config, logger *slog.Logger) *Server {
	if config.Codec == nil {
		config.Codec = protocol.JSONCodec{}
	}
	if config.MaxDelay < config.MinDelay {
		config.MaxDelay = config.MinDelay
	}
	if config.ReadLimit <= 0 {
		config.ReadLimit = 16 << 20
	}
	if config.Transcribe == nil {
		config.Transcribe = describe
	}
	if logger == nil {
		logger = slog.Default()
	}

	return &Server{
		config: config,
		logger: logger,
		rng:    rand.New(rand.NewSource(config.Seed)),
		reject: make(map[int64]string),
		drop:   make(map[int64]bool),
		fail:   make(map[int64]string),
		conns:  make(map[*websocket.Conn]struct{}),
	}
}

func describe(seq int64, info *audio.WAVInfo) string {
	return fmt.Sprintf("segment %d: %v at %d Hz", seq, info.Duration, info.SampleRate)
}

// RejectSequence makes the next ack for id negative
func (s *Server) RejectSequence(id int64, reason string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.reject[id] = reason
}

// DropAck makes the server swallow the next emit for id without acknowledging it
func (s *Server) DropAck(id int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.drop[id] = true
}

// FailSequence makes the transcription result for id unsuccessful
func (s *Server) FailSequence(id int64, reason string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.fail[id] = reason
}

// Received returns every accepted chunk in arrival order
func (s *Server) Received() []protocol.ChunkPayload {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]protocol.ChunkPayload(nil), s.received...)
}

// Completed returns every recording_complete notification received
func (s *Server) Completed() []protocol.RecordingComplete {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]protocol.RecordingComplete(nil), s.completed...)
}

// DisconnectAll drops every open connection without a close handshake
func (s *Server) DisconnectAll() {
	s.mu.Lock()
	conns := make([]*websocket.Conn, 0, len(s.conns))
	for c := range s.conns {
		conns = append(conns, c)
	}
	s.mu.Unlock()

	for _, c := range conns {
		c.CloseNow()
	}
}

// Wait blocks until all scheduled transcription events have been written
func (s *Server) Wait() {
	s.wg.Wait()
}

// ServeHTTP upgrades the request and serves one relay connection
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{InsecureSkipVerify: true})
	if err != nil {
		s.logger.Warn("Accept failed", slog.String("error", err.Error()))
		return
	}
	conn.SetReadLimit(s.config.ReadLimit)

	s.mu.Lock()
	s.conns[conn] = struct{}{}
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		delete(s.conns, conn)
		s.mu.Unlock()
		conn.CloseNow()
	}()

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			return
		}

		var env protocol.Envelope
		if err := s.config.Codec.Unmarshal(data, &env); err != nil {
			s.logger.Warn("Undecodable message", slog.String("error", err.Error()))
			continue
		}
		if env.Type != protocol.TypeEmit {
			continue
		}

		if err := s.handleEmit(ctx, conn, &env); err != nil {
			s.logger.Debug("Connection closing", slog.String("error", err.Error()))
			return
		}
	}
}

func (s *Server) handleEmit(ctx context.Context, conn *websocket.Conn, env *protocol.Envelope) error {
	switch env.Event {
	case protocol.EventAudioChunk:
		return s.handleChunk(ctx, conn, env)

	case protocol.EventRecordingComplete:
		var rc protocol.RecordingComplete
		if err := env.Decode(s.config.Codec, &rc); err != nil {
			return s.ack(ctx, conn, env.ID, nil, err)
		}
		s.mu.Lock()
		s.completed = append(s.completed, rc)
		s.mu.Unlock()
		return s.ack(ctx, conn, env.ID, nil, nil)

	default:
		return s.ack(ctx, conn, env.ID, nil, fmt.Errorf("unknown event %q", env.Event))
	}
}

func (s *Server) handleChunk(ctx context.Context, conn *websocket.Conn, env *protocol.Envelope) error {
	var chunk protocol.ChunkPayload
	if err := env.Decode(s.config.Codec, &chunk); err != nil {
		return s.ack(ctx, conn, env.ID, nil, err)
	}

	info, err := audio.GetWAVInfo(chunk.Audio)
	if err != nil {
		return s.ack(ctx, conn, env.ID, nil, fmt.Errorf("invalid audio: %w", err))
	}

	s.mu.Lock()
	if s.drop[chunk.SequenceID] {
		delete(s.drop, chunk.SequenceID)
		s.mu.Unlock()
		return nil
	}
	if reason, ok := s.reject[chunk.SequenceID]; ok {
		delete(s.reject, chunk.SequenceID)
		s.mu.Unlock()
		return s.ack(ctx, conn, env.ID, nil, errors.New(reason))
	}
	failReason, failed := s.fail[chunk.SequenceID]
	s.received = append(s.received, chunk)
	delay := s.config.MinDelay
	if span := s.config.MaxDelay - s.config.MinDelay; span > 0 {
		delay += time.Duration(s.rng.Int63n(int64(span)))
	}
	s.mu.Unlock()

	result := protocol.TranscriptionReady{SequenceID: chunk.SequenceID, Success: !failed, Error: failReason}
	if !failed {
		result.Transcription = s.config.Transcribe(chunk.SequenceID, info)
	}

	s.logger.Debug("Chunk received",
		slog.Int64("sequence_id", chunk.SequenceID),
		slog.Duration("duration", info.Duration),
		slog.Duration("delay", delay))

	if s.config.InlineAck {
		body := protocol.AckBody{SequenceID: chunk.SequenceID, Inline: true, Transcription: result.Transcription}
		return s.ack(ctx, conn, env.ID, body, nil)
	}

	if err := s.ack(ctx, conn, env.ID, protocol.AckBody{SequenceID: chunk.SequenceID}, nil); err != nil {
		return err
	}

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return
		}
		env, err := protocol.NewEvent(s.config.Codec, protocol.EventTranscriptionReady, result)
		if err == nil {
			err = s.write(ctx, conn, env)
		}
		if err != nil {
			s.logger.Debug("Event not delivered", slog.String("error", err.Error()))
		}
	}()
	return nil
}

func (s *Server) ack(ctx context.Context, conn *websocket.Conn, id string, body any, ackErr error) error {
	env, err := protocol.NewAck(s.config.Codec, id, body, ackErr)
	if err != nil {
		return err
	}
	return s.write(ctx, conn, env)
}

func (s *Server) write(ctx context.Context, conn *websocket.Conn, env *protocol.Envelope) error {
	data, err := s.config.Codec.Marshal(env)
	if err != nil {
		return fmt.Errorf("encode envelope: %w", err)
	}

	msgType := websocket.MessageText
	if s.config.Codec.Binary() {
		msgType = websocket.MessageBinary
	}
	return conn.Write(ctx, msgType, data)
}
