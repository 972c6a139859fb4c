package protocol

import (
	"encoding/binary"
	"fmt"
	"math"
)

// Packet constants
const (
	// Packet types
	PacketTypeAudio = 0x02
	PacketTypeEnd   = 0x03

	// Header flags
	FlagLevel = 0x01 // Audio payload carries a float32 amplitude level after the sample rate

	// Packet structure sizes
	HeaderSize             = 8 // 1 + 2 + 4 + 1 bytes
	AudioPayloadHeaderSize = 8 // Sequence (4) + SampleRate (4)
	LevelSize              = 4

	// MaxPacketSize bounds a packet to what a single UDP datagram can carry
	MaxPacketSize = math.MaxUint16
)

// Header represents the 8-byte packet header
// Layout: [PacketType:1][PacketLen:2][StreamID:4][Flags:1]
type Header struct {
	PacketType uint8  // 0x02=Audio, 0x03=End of stream
	PacketLen  uint16 // Total packet size (header + payload)
	StreamID   uint32 // Sender-chosen stream identifier
	Flags      uint8
}

// AudioPayload represents the audio packet payload
// Layout: [Sequence:4][SampleRate:4][Level:4 if FlagLevel][PCM16LE:N]
type AudioPayload struct {
	Sequence   uint32
	SampleRate uint32
	Level      float32 // Zero unless FlagLevel is set
	PCM        []byte  // Little-endian signed 16-bit mono samples
}

// Packet represents a fully parsed packet
type Packet struct {
	Header *Header
	Audio  *AudioPayload // Only set for audio packets
}

// ParseHeader parses the 8-byte packet header
func ParseHeader(data []byte) (*Header, error) {
	if len(data) < HeaderSize {
		return nil, fmt.Errorf("header too short: expected %d bytes, got %d", HeaderSize, len(data))
	}

	header := &Header{
		PacketType: data[0],
		PacketLen:  binary.BigEndian.Uint16(data[1:3]),
		StreamID:   binary.BigEndian.Uint32(data[3:7]),
		Flags:      data[7],
	}

	return header, nil
}

// ParseAudioPayload parses an audio packet payload
func ParseAudioPayload(data []byte, flags uint8) (*AudioPayload, error) {
	minSize := AudioPayloadHeaderSize
	if flags&FlagLevel != 0 {
		minSize += LevelSize
	}
	if len(data) < minSize {
		return nil, fmt.Errorf("audio payload too short: expected at least %d bytes, got %d", minSize, len(data))
	}

	payload := &AudioPayload{
		Sequence:   binary.BigEndian.Uint32(data[0:4]),
		SampleRate: binary.BigEndian.Uint32(data[4:8]),
	}
	if flags&FlagLevel != 0 {
		payload.Level = math.Float32frombits(binary.BigEndian.Uint32(data[8:12]))
	}

	pcm := data[minSize:]
	if len(pcm)%2 != 0 {
		return nil, fmt.Errorf("audio data has odd length %d", len(pcm))
	}
	if len(pcm) > 0 {
		payload.PCM = make([]byte, len(pcm))
		copy(payload.PCM, pcm)
	}

	return payload, nil
}

// ParsePacket parses a complete packet (header + payload)
func ParsePacket(data []byte) (*Packet, error) {
	header, err := ParseHeader(data)
	if err != nil {
		return nil, fmt.Errorf("failed to parse header: %w", err)
	}

	if int(header.PacketLen) != len(data) {
		return nil, fmt.Errorf("packet length mismatch: header says %d bytes, got %d bytes",
			header.PacketLen, len(data))
	}

	if err := ValidateHeader(header); err != nil {
		return nil, fmt.Errorf("invalid header: %w", err)
	}

	packet := &Packet{Header: header}
	if header.PacketType == PacketTypeAudio {
		payload, err := ParseAudioPayload(data[HeaderSize:], header.Flags)
		if err != nil {
			return nil, fmt.Errorf("failed to parse audio payload: %w", err)
		}
		packet.Audio = payload
	}

	return packet, nil
}

// ValidateHeader validates the packet header fields
func ValidateHeader(header *Header) error {
	if !IsValidPacketType(header.PacketType) {
		return fmt.Errorf("invalid packet type: 0x%02x", header.PacketType)
	}

	if header.Flags&^FlagLevel != 0 {
		return fmt.Errorf("unknown flags: 0x%02x", header.Flags)
	}

	if header.PacketLen < HeaderSize {
		return fmt.Errorf("packet length too small: %d (minimum %d)", header.PacketLen, HeaderSize)
	}

	payloadSize := int(header.PacketLen) - HeaderSize
	switch header.PacketType {
	case PacketTypeAudio:
		if payloadSize < AudioPayloadHeaderSize {
			return fmt.Errorf("audio packet payload too small: expected at least %d, got %d",
				AudioPayloadHeaderSize, payloadSize)
		}
	case PacketTypeEnd:
		if payloadSize != 0 {
			return fmt.Errorf("end packet must have no payload, got %d bytes", payloadSize)
		}
	}

	return nil
}

// IsValidPacketType checks if the packet type is valid
func IsValidPacketType(ptype uint8) bool {
	return ptype == PacketTypeAudio || ptype == PacketTypeEnd
}

// EncodeAudioPacket builds an audio packet. A positive level sets FlagLevel.
func EncodeAudioPacket(streamID, seq, sampleRate uint32, level float32, pcm []byte) ([]byte, error) {
	if len(pcm)%2 != 0 {
		return nil, fmt.Errorf("audio data has odd length %d", len(pcm))
	}

	var flags uint8
	payloadSize := AudioPayloadHeaderSize + len(pcm)
	if level > 0 {
		flags |= FlagLevel
		payloadSize += LevelSize
	}

	total := HeaderSize + payloadSize
	if total > MaxPacketSize {
		return nil, fmt.Errorf("packet too large: %d bytes (maximum %d)", total, MaxPacketSize)
	}

	buf := make([]byte, total)
	putHeader(buf, PacketTypeAudio, uint16(total), streamID, flags)
	binary.BigEndian.PutUint32(buf[8:12], seq)
	binary.BigEndian.PutUint32(buf[12:16], sampleRate)

	off := HeaderSize + AudioPayloadHeaderSize
	if flags&FlagLevel != 0 {
		binary.BigEndian.PutUint32(buf[off:off+LevelSize], math.Float32bits(level))
		off += LevelSize
	}
	copy(buf[off:], pcm)

	return buf, nil
}

// EncodeEndPacket builds an end-of-stream packet
func EncodeEndPacket(streamID uint32) []byte {
	buf := make([]byte, HeaderSize)
	putHeader(buf, PacketTypeEnd, HeaderSize, streamID, 0)
	return buf
}

func putHeader(buf []byte, ptype uint8, length uint16, streamID uint32, flags uint8) {
	buf[0] = ptype
	binary.BigEndian.PutUint16(buf[1:3], length)
	binary.BigEndian.PutUint32(buf[3:7], streamID)
	buf[7] = flags
}

// String returns a human-readable representation of the header
func (h *Header) String() string {
	var packetType string

	switch h.PacketType {
	case PacketTypeAudio:
		packetType = "Audio"
	case PacketTypeEnd:
		packetType = "End"
	default:
		packetType = fmt.Sprintf("Unknown(0x%02x)", h.PacketType)
	}

	return fmt.Sprintf("Header{Type:%s, Len:%d, StreamID:%d, Flags:0x%02x}",
		packetType, h.PacketLen, h.StreamID, h.Flags)
}

// String returns a human-readable representation of the audio payload
func (a *AudioPayload) String() string {
	return fmt.Sprintf("AudioPayload{Sequence:%d, SampleRate:%d, Level:%.3f, PCMLen:%d}",
		a.Sequence, a.SampleRate, a.Level, len(a.PCM))
}
