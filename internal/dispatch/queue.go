package dispatch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/skypro1111/utterance-relay/internal/fault"
	"github.com/skypro1111/utterance-relay/internal/protocol"
)

var (
	// ErrClosed is returned when using a queue after Close
	ErrClosed = errors.New("dispatch queue closed")
	// ErrNotHalted is returned by Resume when there is nothing to resume
	ErrNotHalted = errors.New("dispatch queue is not halted")
)

// ResumePolicy decides what happens to the failed head chunk on resume
type ResumePolicy string

const (
	// PolicyRetry re-sends the head chunk
	PolicyRetry ResumePolicy = "retry"
	// PolicySkip drops the head chunk and records an empty result for it
	PolicySkip ResumePolicy = "skip"
)

// ParseResumePolicy validates a policy name
func ParseResumePolicy(s string) (ResumePolicy, error) {
	switch ResumePolicy(s) {
	case PolicyRetry, PolicySkip:
		return ResumePolicy(s), nil
	}
	return "", fmt.Errorf("unknown resume policy %q (expected retry or skip)", s)
}

// Chunk is one encoded segment awaiting delivery
type Chunk struct {
	SequenceID int64
	Audio      []byte
	Context    map[string]any
	CapturedAt time.Time
	Duration   time.Duration
}

// Sender delivers an event and waits for its acknowledgement. Implementations
// must return promptly once ctx is done.
type Sender interface {
	SendAndAwaitAck(ctx context.Context, event string, payload any) (*protocol.Envelope, error)
}

// Hooks receive queue outcomes outside the queue lock; any may be nil.
// OnAck and OnFailure run on the queue worker. OnSkip runs on the goroutine
// calling Resume, and nothing is sent until it returns, so acks and skips are
// reported in sequence order.
type Hooks struct {
	OnAck     func(c *Chunk, ack *protocol.Envelope, latency time.Duration)
	OnFailure func(c *Chunk, err *fault.Error)
	OnSkip    func(c *Chunk)
}

// Config holds queue parameters
type Config struct {
	AckTimeout time.Duration
}

// Queue is the single-flight FIFO outbound queue
type Queue struct {
	config Config
	sender Sender
	hooks  Hooks
	logger *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu     sync.Mutex
	items  []*Chunk
	busy   bool
	halted   *fault.Error
	skipping bool // OnSkip in progress; the halt is held until it returns
	closed   bool
	idleCh chan struct{}

	sent    uint64
	acked   uint64
	failed  uint64
	retried uint64
	skipped uint64
}

// Stats represents queue statistics
type Stats struct {
	Pending int    `json:"pending"`
	Busy    bool   `json:"busy"`
	Halted  string `json:"halted,omitempty"`
	Sent    uint64 `json:"sent"`
	Acked   uint64 `json:"acked"`
	Failed  uint64 `json:"failed"`
	Retried uint64 `json:"retried"`
	Skipped uint64 `json:"skipped"`
}

// New creates a queue delivering through sender
func New(config Config, sender Sender, hooks Hooks, logger *slog.Logger) (*Queue, error) {
	if config.AckTimeout <= 0 {
		return nil, fmt.Errorf("ack timeout must be positive, got %v", config.AckTimeout)
	}
	if sender == nil {
		return nil, errors.New("sender cannot be nil")
	}
	if logger == nil {
		logger = slog.Default()
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Queue{
		config: config,
		sender: sender,
		hooks:  hooks,
		logger: logger,
		ctx:    ctx,
		cancel: cancel,
		idleCh: make(chan struct{}),
	}, nil
}

// Enqueue appends a chunk and starts delivery if the queue is idle and not halted
func (q *Queue) Enqueue(c *Chunk) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return ErrClosed
	}
	q.items = append(q.items, c)
	q.startLocked()
	return nil
}

// startLocked launches the worker when there is work it may do. Caller holds q.mu.
func (q *Queue) startLocked() {
	if q.busy || q.halted != nil || q.closed || len(q.items) == 0 {
		return
	}
	q.busy = true
	q.wg.Add(1)
	go q.run()
}

func (q *Queue) run() {
	defer q.wg.Done()

	for {
		q.mu.Lock()
		if q.closed || q.halted != nil || len(q.items) == 0 {
			q.stopLocked()
			q.mu.Unlock()
			return
		}
		head := q.items[0]
		q.sent++
		q.mu.Unlock()

		start := time.Now()
		ack, err := q.send(head)
		latency := time.Since(start)

		q.mu.Lock()
		if q.closed {
			q.stopLocked()
			q.mu.Unlock()
			return
		}
		if err != nil {
			q.halted = err
			q.failed++
			q.mu.Unlock()

			q.logger.Warn("Dispatch halted",
				slog.Int64("sequence_id", head.SequenceID),
				slog.String("kind", string(err.Kind)),
				slog.String("error", err.Error()))
			if q.hooks.OnFailure != nil {
				q.hooks.OnFailure(head, err)
			}
			// Loop back so a Resume issued from the hook is picked up.
			continue
		}
		q.items = q.items[1:]
		q.acked++
		q.mu.Unlock()

		q.logger.Debug("Chunk acknowledged",
			slog.Int64("sequence_id", head.SequenceID),
			slog.Duration("latency", latency))
		if q.hooks.OnAck != nil {
			q.hooks.OnAck(head, ack, latency)
		}
	}
}

// stopLocked clears the busy flag and wakes WaitIdle callers. Caller holds q.mu.
func (q *Queue) stopLocked() {
	q.busy = false
	close(q.idleCh)
	q.idleCh = make(chan struct{})
}

func (q *Queue) send(c *Chunk) (*protocol.Envelope, *fault.Error) {
	ctx, cancel := context.WithTimeout(q.ctx, q.config.AckTimeout)
	defer cancel()

	payload := protocol.ChunkPayload{
		SequenceID: c.SequenceID,
		Timestamp:  c.CapturedAt.UnixMilli(),
		Context:    c.Context,
		Audio:      c.Audio,
	}

	ack, err := q.sender.SendAndAwaitAck(ctx, protocol.EventAudioChunk, payload)
	if err == nil {
		return ack, nil
	}
	return nil, q.classify(err, c.SequenceID)
}

func (q *Queue) classify(err error, seq int64) *fault.Error {
	if errors.Is(err, context.DeadlineExceeded) {
		return fault.Wrap(fault.KindTransportTimeout, err,
			fmt.Sprintf("no acknowledgement within %v", q.config.AckTimeout)).WithSequence(seq)
	}

	var fe *fault.Error
	if errors.As(err, &fe) {
		out := *fe
		return out.WithSequence(seq)
	}
	return fault.Wrap(fault.KindTransport, err, "send failed").WithSequence(seq)
}

// Resume clears a halt. PolicyRetry re-sends the failed head chunk;
// PolicySkip drops it and reports it through OnSkip.
func (q *Queue) Resume(policy ResumePolicy) error {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return ErrClosed
	}
	if q.halted == nil || q.skipping {
		q.mu.Unlock()
		return ErrNotHalted
	}

	head := q.items[0]
	switch policy {
	case PolicyRetry:
		q.retried++
	case PolicySkip:
		q.items = q.items[1:]
		q.skipped++
		if q.hooks.OnSkip != nil {
			// Still halted: a worker finishing OnFailure stops instead of sending the next head.
			q.skipping = true
			q.mu.Unlock()
			q.hooks.OnSkip(head)
			q.mu.Lock()
			q.skipping = false
		}
	default:
		q.mu.Unlock()
		return fmt.Errorf("unknown resume policy %q", policy)
	}

	q.halted = nil
	q.startLocked()
	q.mu.Unlock()

	q.logger.Info("Dispatch resumed",
		slog.String("policy", string(policy)),
		slog.Int64("sequence_id", head.SequenceID))
	return nil
}

// WaitIdle blocks until no send is in flight. It returns the halt error if
// the queue stopped on a failure, ErrClosed if closed with chunks undelivered,
// and nil once every chunk has been acknowledged.
func (q *Queue) WaitIdle(ctx context.Context) error {
	for {
		q.mu.Lock()
		if !q.busy {
			defer q.mu.Unlock()
			switch {
			case q.halted != nil:
				return q.halted
			case q.closed && len(q.items) > 0:
				return ErrClosed
			}
			return nil
		}
		ch := q.idleCh
		q.mu.Unlock()

		select {
		case <-ch:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// IsIdle reports whether no send is in flight
func (q *Queue) IsIdle() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return !q.busy
}

// Len returns the number of chunks not yet acknowledged, including the head
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

// Halted returns the failure that stopped the queue, or nil
func (q *Queue) Halted() *fault.Error {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.halted
}

// Close cancels any in-flight send and drops pending chunks without
// reporting them. It is safe to call more than once.
func (q *Queue) Close() {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return
	}
	q.closed = true
	q.mu.Unlock()

	q.cancel()
	q.wg.Wait()
}

// GetStats returns current queue statistics
func (q *Queue) GetStats() Stats {
	q.mu.Lock()
	defer q.mu.Unlock()

	stats := Stats{
		Pending: len(q.items),
		Busy:    q.busy,
		Sent:    q.sent,
		Acked:   q.acked,
		Failed:  q.failed,
		Retried: q.retried,
		Skipped: q.skipped,
	}
	if q.halted != nil {
		stats.Halted = q.halted.Error()
	}
	return stats
}
