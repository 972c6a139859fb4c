package protocol

import (
	"errors"
	"fmt"

	"github.com/google/uuid"
)

// Event names exchanged with the transcription service
const (
	EventAudioChunk         = "audio_chunk"
	EventRecordingComplete  = "recording_complete"
	EventTranscriptionReady = "transcription_ready"
)

// Envelope types
const (
	TypeEmit  = "emit"
	TypeAck   = "ack"
	TypeEvent = "event"
)

// Envelope is the frame carried by every transport message. Data holds the
// codec-encoded inner payload.
type Envelope struct {
	Type  string `json:"type" msgpack:"type"`
	ID    string `json:"id,omitempty" msgpack:"id,omitempty"`
	Event string `json:"event,omitempty" msgpack:"event,omitempty"`
	OK    bool   `json:"ok,omitempty" msgpack:"ok,omitempty"`
	Error string `json:"error,omitempty" msgpack:"error,omitempty"`
	Data  []byte `json:"data,omitempty" msgpack:"data,omitempty"`
}

// ChunkPayload is one voice segment sent as an audio_chunk emit
type ChunkPayload struct {
	SequenceID int64          `json:"sequenceId" msgpack:"sequenceId"`
	Timestamp  int64          `json:"timestamp" msgpack:"timestamp"` // Capture time, ms since epoch
	Context    map[string]any `json:"context,omitempty" msgpack:"context,omitempty"`
	Audio      []byte         `json:"audio" msgpack:"audio"`
}

// AckBody is the optional body of a successful audio_chunk ack. When Inline
// is set the ack carries the final transcription and no transcription_ready
// event follows for that sequence id.
type AckBody struct {
	SequenceID    int64  `json:"sequenceId" msgpack:"sequenceId"`
	Inline        bool   `json:"inline,omitempty" msgpack:"inline,omitempty"`
	Transcription string `json:"transcription,omitempty" msgpack:"transcription,omitempty"`
}

// TranscriptionReady is the asynchronous result for one chunk
type TranscriptionReady struct {
	SequenceID    int64  `json:"sequenceId" msgpack:"sequenceId"`
	Transcription string `json:"transcription" msgpack:"transcription"`
	Success       bool   `json:"success" msgpack:"success"`
	Error         string `json:"error,omitempty" msgpack:"error,omitempty"`
}

// Validate checks that the event is well-formed enough to be routed
func (t *TranscriptionReady) Validate() error {
	if t.SequenceID < 0 {
		return fmt.Errorf("negative sequence id %d", t.SequenceID)
	}
	if !t.Success && t.Transcription != "" {
		return errors.New("failed result carries a transcription")
	}
	return nil
}

// RecordingComplete marks the end of a session's chunk stream
type RecordingComplete struct {
	SessionID string `json:"sessionId" msgpack:"sessionId"`
	Device    string `json:"device,omitempty" msgpack:"device,omitempty"`
	Chunks    int64  `json:"chunks" msgpack:"chunks"`
	Timestamp int64  `json:"timestamp" msgpack:"timestamp"`
}

// NewEmit wraps v as an emit envelope with a fresh correlation id
func NewEmit(codec Codec, event string, v any) (*Envelope, error) {
	data, err := codec.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("encode %s payload: %w", event, err)
	}
	return &Envelope{Type: TypeEmit, ID: uuid.NewString(), Event: event, Data: data}, nil
}

// NewAck builds the reply to an emit. A non-nil ackErr produces a rejection.
func NewAck(codec Codec, id string, v any, ackErr error) (*Envelope, error) {
	env := &Envelope{Type: TypeAck, ID: id, OK: ackErr == nil}
	if ackErr != nil {
		env.Error = ackErr.Error()
		return env, nil
	}
	if v != nil {
		data, err := codec.Marshal(v)
		if err != nil {
			return nil, fmt.Errorf("encode ack payload: %w", err)
		}
		env.Data = data
	}
	return env, nil
}

// NewEvent wraps v as a server-pushed event envelope
func NewEvent(codec Codec, event string, v any) (*Envelope, error) {
	data, err := codec.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("encode %s payload: %w", event, err)
	}
	return &Envelope{Type: TypeEvent, Event: event, Data: data}, nil
}

// Decode unmarshals the envelope's inner payload into v
func (e *Envelope) Decode(codec Codec, v any) error {
	if len(e.Data) == 0 {
		return errors.New("envelope has no payload")
	}
	if err := codec.Unmarshal(e.Data, v); err != nil {
		return fmt.Errorf("decode %s payload: %w", e.Event, err)
	}
	return nil
}
