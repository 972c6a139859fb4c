package capture

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/skypro1111/utterance-relay/internal/audio"
	"github.com/skypro1111/utterance-relay/internal/protocol"
)

// UDPConfig contains UDP capture configuration
type UDPConfig struct {
	Address     string        // host:port to listen on
	StreamID    uint32        // Accepted stream; zero latches onto the first stream seen
	ReadBuffer  int           // Socket receive buffer size in bytes
	IdleTimeout time.Duration // End the stream after this long without packets; zero waits forever
}

// UDPSource receives audio packets from a remote capture agent
type UDPSource struct {
	config UDPConfig
	conn   *net.UDPConn
	logger *slog.Logger

	stream  uint32
	lastSeq uint32
	started bool
	offset  int64

	// Statistics
	mu              sync.Mutex
	packetsReceived uint64
	framesDelivered uint64
	parseErrors     uint64
	outOfOrder      uint64
	foreign         uint64
	dropped         uint64
}

// UDPStats represents UDP capture statistics
type UDPStats struct {
	PacketsReceived uint64 `json:"packets_received"`
	FramesDelivered uint64 `json:"frames_delivered"`
	ParseErrors     uint64 `json:"parse_errors"`
	OutOfOrder      uint64 `json:"out_of_order"`
	Foreign         uint64 `json:"foreign"`
	Dropped         uint64 `json:"dropped"`
}

// NewUDPSource binds the listening socket
func NewUDPSource(config UDPConfig, logger *slog.Logger) (*UDPSource, error) {
	if logger == nil {
		logger = slog.Default()
	}

	addr, err := net.ResolveUDPAddr("udp", config.Address)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve UDP address: %w", err)
	}

	conn, err := net.ListenUDP("udp", addr)
	if err != nil {
		return nil, fmt.Errorf("failed to listen on UDP: %w", err)
	}

	if config.ReadBuffer > 0 {
		if err := conn.SetReadBuffer(config.ReadBuffer); err != nil {
			logger.Warn("Failed to set UDP read buffer size",
				slog.Int("buffer_size", config.ReadBuffer),
				slog.String("error", err.Error()),
			)
		}
	}

	return &UDPSource{
		config: config,
		conn:   conn,
		logger: logger.With(slog.String("address", conn.LocalAddr().String())),
		stream: config.StreamID,
	}, nil
}

// Device returns the device handle
func (s *UDPSource) Device() string {
	return "udp:" + s.conn.LocalAddr().String()
}

// Addr returns the bound address
func (s *UDPSource) Addr() net.Addr {
	return s.conn.LocalAddr()
}

// Close releases the socket. Run closes it on return, so this is only needed
// for a source that never ran.
func (s *UDPSource) Close() error {
	return s.conn.Close()
}

// Run receives packets until an end-of-stream packet, the idle timeout or ctx cancellation
func (s *UDPSource) Run(ctx context.Context, out chan<- audio.Frame) error {
	defer s.conn.Close()

	s.logger.Info("UDP capture started")
	buffer := make([]byte, protocol.MaxPacketSize)
	lastPacket := time.Now()

	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		// Short deadlines let the loop notice cancellation and idle timeouts
		if err := s.conn.SetReadDeadline(time.Now().Add(250 * time.Millisecond)); err != nil {
			return fmt.Errorf("failed to set read deadline: %w", err)
		}

		n, remoteAddr, err := s.conn.ReadFromUDP(buffer)
		if err != nil {
			var netErr net.Error
			if errors.As(err, &netErr) && netErr.Timeout() {
				if s.config.IdleTimeout > 0 && time.Since(lastPacket) > s.config.IdleTimeout {
					s.logger.Info("UDP capture idle, ending stream")
					return nil
				}
				continue
			}
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return fmt.Errorf("failed to read UDP packet: %w", err)
		}
		lastPacket = time.Now()

		s.mu.Lock()
		s.packetsReceived++
		s.mu.Unlock()

		done, err := s.handlePacket(buffer[:n], remoteAddr, out)
		if err != nil {
			return err
		}
		if done {
			s.logger.Info("UDP capture ended by sender", slog.String("remote_addr", remoteAddr.String()))
			return nil
		}
	}
}

// handlePacket delivers one packet and reports whether the stream ended
func (s *UDPSource) handlePacket(data []byte, remoteAddr *net.UDPAddr, out chan<- audio.Frame) (bool, error) {
	packet, err := protocol.ParsePacket(data)
	if err != nil {
		s.count(&s.parseErrors)
		s.logger.Warn("Failed to parse packet",
			slog.String("remote_addr", remoteAddr.String()),
			slog.Int("packet_size", len(data)),
			slog.String("error", err.Error()),
		)
		return false, nil
	}

	if s.stream == 0 {
		s.stream = packet.Header.StreamID
		s.logger.Info("Latched onto stream", slog.Uint64("stream_id", uint64(s.stream)))
	}
	if packet.Header.StreamID != s.stream {
		s.count(&s.foreign)
		return false, nil
	}

	if packet.Header.PacketType == protocol.PacketTypeEnd {
		return true, nil
	}

	payload := packet.Audio
	if s.started && payload.Sequence <= s.lastSeq {
		s.count(&s.outOfOrder)
		s.logger.Debug("Dropping stale packet",
			slog.Uint64("sequence", uint64(payload.Sequence)),
			slog.Uint64("last_sequence", uint64(s.lastSeq)),
		)
		return false, nil
	}
	s.started = true
	s.lastSeq = payload.Sequence

	if payload.SampleRate == 0 {
		return false, fmt.Errorf("packet %d declares zero sample rate", payload.Sequence)
	}

	rate := int(payload.SampleRate)
	samples := audio.PCM16ToFloats(audio.BytesToPCM16(payload.PCM))
	frame := audio.NewFrame(samples, rate, audio.SamplesDuration(int(s.offset), rate))
	frame.Level = float64(payload.Level)
	s.offset += int64(len(samples))

	// Never block the socket reader; a full channel drops the frame
	select {
	case out <- frame:
		s.count(&s.framesDelivered)
	default:
		s.count(&s.dropped)
		s.logger.Warn("Frame channel full, dropping frame", slog.Uint64("sequence", uint64(payload.Sequence)))
	}
	return false, nil
}

func (s *UDPSource) count(c *uint64) {
	s.mu.Lock()
	*c++
	s.mu.Unlock()
}

// GetStatistics returns current capture statistics
func (s *UDPSource) GetStatistics() UDPStats {
	s.mu.Lock()
	defer s.mu.Unlock()

	return UDPStats{
		PacketsReceived: s.packetsReceived,
		FramesDelivered: s.framesDelivered,
		ParseErrors:     s.parseErrors,
		OutOfOrder:      s.outOfOrder,
		Foreign:         s.foreign,
		Dropped:         s.dropped,
	}
}
