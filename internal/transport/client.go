package transport

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"net/http"
	"sync"
	"time"

	"github.com/coder/websocket"

	"github.com/skypro1111/utterance-relay/internal/fault"
	"github.com/skypro1111/utterance-relay/internal/protocol"
)

var (
	// ErrDisconnected fails sends whose connection dropped before the ack arrived
	ErrDisconnected = errors.New("transport disconnected")
	// ErrClosed is returned after Close
	ErrClosed = errors.New("transport closed")
)

// Transport is the connection used by a session
type Transport interface {
	SendAndAwaitAck(ctx context.Context, event string, payload any) (*protocol.Envelope, error)
	Events() <-chan *protocol.Envelope
	Close() error
}

// Config contains transport client configuration
type Config struct {
	URL          string
	Codec        protocol.Codec
	Header       http.Header
	DialTimeout  time.Duration
	ReconnectMin time.Duration
	ReconnectMax time.Duration
	EventBuffer  int
	ReadLimit    int64
}

// Client is a reconnecting WebSocket transport
type Client struct {
	config Config
	logger *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
	events chan *protocol.Envelope

	mu      sync.Mutex
	conn    *websocket.Conn
	connCh  chan struct{} // Closed when a connection becomes available
	pending map[string]chan *protocol.Envelope
	closed  bool

	// Statistics
	sent       uint64
	acked      uint64
	rejected   uint64
	reconnects uint64
}

// ClientStats represents client statistics
type ClientStats struct {
	Connected  bool   `json:"connected"`
	Pending    int    `json:"pending"`
	Sent       uint64 `json:"sent"`
	Acked      uint64 `json:"acked"`
	Rejected   uint64 `json:"rejected"`
	Reconnects uint64 `json:"reconnects"`
}

// Dial connects to the service. The first connection attempt must succeed;
// later disconnects are retried in the background until Close.
func Dial(ctx context.Context, config Config, logger *slog.Logger) (*Client, error) {
	if config.URL == "" {
		return nil, fmt.Errorf("url cannot be empty")
	}
	if config.Codec == nil {
		config.Codec = protocol.JSONCodec{}
	}
	if config.DialTimeout <= 0 {
		config.DialTimeout = 10 * time.Second
	}
	if config.ReconnectMin <= 0 {
		config.ReconnectMin = 500 * time.Millisecond
	}
	if config.ReconnectMax < config.ReconnectMin {
		config.ReconnectMax = 30 * time.Second
	}
	if config.EventBuffer <= 0 {
		config.EventBuffer = 64
	}
	if config.ReadLimit <= 0 {
		config.ReadLimit = 1 << 20
	}
	if logger == nil {
		logger = slog.Default()
	}

	c := &Client{
		config:  config,
		logger:  logger.With(slog.String("url", config.URL)),
		events:  make(chan *protocol.Envelope, config.EventBuffer),
		connCh:  make(chan struct{}),
		pending: make(map[string]chan *protocol.Envelope),
	}

	conn, err := c.dial(ctx)
	if err != nil {
		return nil, err
	}

	c.ctx, c.cancel = context.WithCancel(context.Background())
	c.attach(conn)

	c.wg.Add(1)
	go c.run(conn)

	return c, nil
}

func (c *Client) dial(ctx context.Context) (*websocket.Conn, error) {
	dialCtx, cancel := context.WithTimeout(ctx, c.config.DialTimeout)
	defer cancel()

	conn, _, err := websocket.Dial(dialCtx, c.config.URL, &websocket.DialOptions{
		HTTPHeader: c.config.Header,
	})
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", c.config.URL, err)
	}
	conn.SetReadLimit(c.config.ReadLimit)
	return conn, nil
}

func (c *Client) attach(conn *websocket.Conn) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.conn = conn
	close(c.connCh)
}

// detach drops the connection and fails every waiter still expecting an ack on it
func (c *Client) detach(conn *websocket.Conn) {
	c.mu.Lock()
	c.conn = nil
	c.connCh = make(chan struct{})
	waiters := c.pending
	c.pending = make(map[string]chan *protocol.Envelope)
	c.mu.Unlock()

	for _, ch := range waiters {
		close(ch)
	}
	conn.CloseNow()
}

func (c *Client) run(conn *websocket.Conn) {
	defer c.wg.Done()
	defer close(c.events)

	for {
		err := c.readLoop(conn)
		c.detach(conn)
		if c.ctx.Err() != nil {
			return
		}
		c.logger.Warn("Transport disconnected", slog.String("error", err.Error()))

		conn = c.reconnect()
		if conn == nil {
			return
		}
	}
}

// reconnect redials until it succeeds or the client is closed
func (c *Client) reconnect() *websocket.Conn {
	for attempt := 1; ; attempt++ {
		select {
		case <-time.After(c.backoff(attempt)):
		case <-c.ctx.Done():
			return nil
		}

		conn, err := c.dial(c.ctx)
		if err != nil {
			c.logger.Debug("Reconnect failed",
				slog.Int("attempt", attempt),
				slog.String("error", err.Error()))
			continue
		}

		c.mu.Lock()
		c.reconnects++
		c.mu.Unlock()
		c.attach(conn)
		c.logger.Info("Transport reconnected", slog.Int("attempt", attempt))
		return conn
	}
}

// backoff returns the exponential delay before a reconnect attempt
func (c *Client) backoff(attempt int) time.Duration {
	d := time.Duration(float64(c.config.ReconnectMin) * math.Pow(2, float64(attempt-1)))
	if d <= 0 || d > c.config.ReconnectMax {
		d = c.config.ReconnectMax
	}
	return d
}

func (c *Client) readLoop(conn *websocket.Conn) error {
	for {
		_, data, err := conn.Read(c.ctx)
		if err != nil {
			return err
		}

		var env protocol.Envelope
		if err := c.config.Codec.Unmarshal(data, &env); err != nil {
			c.logger.Warn("Dropping undecodable message", slog.String("error", err.Error()))
			continue
		}

		switch env.Type {
		case protocol.TypeAck:
			c.mu.Lock()
			ch, ok := c.pending[env.ID]
			delete(c.pending, env.ID)
			c.mu.Unlock()
			if !ok {
				c.logger.Debug("Ack for unknown emit", slog.String("id", env.ID))
				continue
			}
			ch <- &env

		case protocol.TypeEvent:
			select {
			case c.events <- &env:
			case <-c.ctx.Done():
				return c.ctx.Err()
			}

		default:
			c.logger.Warn("Unexpected message type", slog.String("type", env.Type))
		}
	}
}

// waitConn blocks until a connection is available
func (c *Client) waitConn(ctx context.Context) (*websocket.Conn, error) {
	for {
		c.mu.Lock()
		if c.closed {
			c.mu.Unlock()
			return nil, ErrClosed
		}
		if c.conn != nil {
			conn := c.conn
			c.mu.Unlock()
			return conn, nil
		}
		ch := c.connCh
		c.mu.Unlock()

		select {
		case <-ch:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

// SendAndAwaitAck emits event and waits for the matching ack until ctx is done.
// A negative ack is returned as a fault.KindRemoteRejection error.
func (c *Client) SendAndAwaitAck(ctx context.Context, event string, payload any) (*protocol.Envelope, error) {
	env, err := protocol.NewEmit(c.config.Codec, event, payload)
	if err != nil {
		return nil, err
	}
	data, err := c.config.Codec.Marshal(env)
	if err != nil {
		return nil, fmt.Errorf("encode envelope: %w", err)
	}

	conn, err := c.waitConn(ctx)
	if err != nil {
		return nil, err
	}

	ch := make(chan *protocol.Envelope, 1)
	c.mu.Lock()
	c.pending[env.ID] = ch
	c.sent++
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		delete(c.pending, env.ID)
		c.mu.Unlock()
	}()

	msgType := websocket.MessageText
	if c.config.Codec.Binary() {
		msgType = websocket.MessageBinary
	}
	if err := conn.Write(ctx, msgType, data); err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, fmt.Errorf("write %s: %w", event, err)
	}

	select {
	case ack, ok := <-ch:
		if !ok {
			return nil, ErrDisconnected
		}
		if !ack.OK {
			c.mu.Lock()
			c.rejected++
			c.mu.Unlock()
			return nil, fault.New(fault.KindRemoteRejection, fmt.Sprintf("remote rejected %s: %s", event, ack.Error))
		}
		c.mu.Lock()
		c.acked++
		c.mu.Unlock()
		return ack, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Events returns server-pushed events. The channel closes after Close.
func (c *Client) Events() <-chan *protocol.Envelope {
	return c.events
}

// Connected reports whether a connection is currently up
func (c *Client) Connected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn != nil
}

// Close shuts the connection down and stops reconnecting. Safe to call more than once.
func (c *Client) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	conn := c.conn
	c.mu.Unlock()

	if conn != nil {
		conn.Close(websocket.StatusNormalClosure, "client closed")
	}
	c.cancel()
	c.wg.Wait()
	return nil
}

// GetStats returns current client statistics
func (c *Client) GetStats() ClientStats {
	c.mu.Lock()
	defer c.mu.Unlock()

	return ClientStats{
		Connected:  c.conn != nil,
		Pending:    len(c.pending),
		Sent:       c.sent,
		Acked:      c.acked,
		Rejected:   c.rejected,
		Reconnects: c.reconnects,
	}
}
