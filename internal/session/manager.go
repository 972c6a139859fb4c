package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/skypro1111/utterance-relay/internal/capture"
	"github.com/skypro1111/utterance-relay/internal/dispatch"
	"github.com/skypro1111/utterance-relay/internal/fault"
	"github.com/skypro1111/utterance-relay/internal/metrics"
	"github.com/skypro1111/utterance-relay/internal/protocol"
	"github.com/skypro1111/utterance-relay/internal/transport"
)

var (
	// ErrDeviceBusy is returned when a device already has an active session
	ErrDeviceBusy = errors.New("device already has an active session")
	// ErrTooManySessions is returned when the session limit is reached
	ErrTooManySessions = errors.New("maximum number of sessions reached")
	// ErrNotFound is returned for an unknown session id
	ErrNotFound = errors.New("session not found")
	// ErrManagerClosed is returned after StopAll
	ErrManagerClosed = errors.New("session manager closed")
)

// DialFunc opens the transport for a new session
type DialFunc func(ctx context.Context) (transport.Transport, error)

// ManagerConfig contains session manager configuration
type ManagerConfig struct {
	MaxSessions  int
	Session      Config
	Codec        protocol.Codec
	Dial         DialFunc
	OnTranscript func(t Transcript)
	OnError      func(sessionID string, err *fault.Error)
}

// Manager tracks active sessions and allows one per device
type Manager struct {
	config  ManagerConfig
	logger  *slog.Logger
	metrics *metrics.Metrics

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu       sync.RWMutex
	sessions map[string]*Session
	devices  map[string]string // device -> session id, "" while the session is being set up
	closed   bool
}

// NewManager creates a new session manager
func NewManager(config ManagerConfig, m *metrics.Metrics, logger *slog.Logger) (*Manager, error) {
	if config.Dial == nil {
		return nil, errors.New("dial function is required")
	}
	if config.MaxSessions <= 0 {
		return nil, fmt.Errorf("max sessions must be positive, got %d", config.MaxSessions)
	}
	if logger == nil {
		logger = slog.Default()
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Manager{
		config:   config,
		logger:   logger,
		metrics:  m,
		ctx:      ctx,
		cancel:   cancel,
		sessions: make(map[string]*Session),
		devices:  make(map[string]string),
	}, nil
}

// Start opens a transport and runs a new session for src. ctx bounds only
// the setup; the session itself lives until its source ends or it is stopped.
func (m *Manager) Start(ctx context.Context, src capture.Source) (*Session, error) {
	device := src.Device()

	m.mu.Lock()
	switch {
	case m.closed:
		m.mu.Unlock()
		return nil, ErrManagerClosed
	case m.hasDevice(device):
		m.mu.Unlock()
		return nil, fmt.Errorf("%w: %s", ErrDeviceBusy, device)
	case len(m.devices) >= m.config.MaxSessions:
		m.mu.Unlock()
		return nil, fmt.Errorf("%w (%d)", ErrTooManySessions, m.config.MaxSessions)
	}
	m.devices[device] = ""
	m.mu.Unlock()

	release := func() {
		m.mu.Lock()
		delete(m.devices, device)
		m.mu.Unlock()
	}

	tr, err := m.config.Dial(ctx)
	if err != nil {
		release()
		return nil, fmt.Errorf("failed to connect transport: %w", err)
	}

	s, err := New(m.config.Session, src, tr, m.config.Codec, m.metrics, m.logger)
	if err != nil {
		tr.Close()
		release()
		return nil, fmt.Errorf("failed to create session: %w", err)
	}

	m.mu.Lock()
	m.sessions[s.ID] = s
	m.devices[device] = s.ID
	active := len(m.sessions)
	m.mu.Unlock()

	m.wg.Add(2)
	go m.forward(s)
	go m.watch(s)

	if err := s.Start(m.ctx); err != nil {
		return nil, fmt.Errorf("failed to start session: %w", err)
	}

	m.metrics.RecordSessionStarted()
	m.metrics.SetActiveSessions(active)
	m.logger.Info("Created new session",
		slog.String("session_id", s.ID),
		slog.String("device", device),
		slog.Int("active_sessions", active))

	return s, nil
}

// hasDevice reports whether device is reserved. Caller holds m.mu.
func (m *Manager) hasDevice(device string) bool {
	_, ok := m.devices[device]
	return ok
}

// forward delivers a session's output to the configured callbacks until
// both streams close
func (m *Manager) forward(s *Session) {
	defer m.wg.Done()

	transcripts, errs := s.Transcripts(), s.Errors()
	for transcripts != nil || errs != nil {
		select {
		case t, ok := <-transcripts:
			if !ok {
				transcripts = nil
				continue
			}
			if m.config.OnTranscript != nil {
				m.config.OnTranscript(t)
			}
		case fe, ok := <-errs:
			if !ok {
				errs = nil
				continue
			}
			if m.config.OnError != nil {
				m.config.OnError(s.ID, fe)
			}
		}
	}
}

// watch removes a session once it has torn down
func (m *Manager) watch(s *Session) {
	defer m.wg.Done()
	<-s.Done()

	m.mu.Lock()
	delete(m.sessions, s.ID)
	if m.devices[s.Device] == s.ID {
		delete(m.devices, s.Device)
	}
	active := len(m.sessions)
	m.mu.Unlock()

	stats := s.Stats()
	m.metrics.RecordSessionEnded(s.Device, stats.Outcome, stats.Duration.Seconds())
	m.metrics.SetActiveSessions(active)

	m.logger.Info("Session removed",
		slog.String("session_id", s.ID),
		slog.String("device", s.Device),
		slog.String("outcome", stats.Outcome),
		slog.Duration("total_duration", stats.Duration),
		slog.Int("active_sessions", active))
}

// Get retrieves an active session by id
func (m *Manager) Get(id string) (*Session, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	s, ok := m.sessions[id]
	return s, ok
}

// GetByDevice retrieves the active session for a device
func (m *Manager) GetByDevice(device string) (*Session, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	s, ok := m.sessions[m.devices[device]]
	return s, ok
}

// List returns a snapshot of all active sessions ordered by start time
func (m *Manager) List() []*Session {
	m.mu.RLock()
	sessions := make([]*Session, 0, len(m.sessions))
	for _, s := range m.sessions {
		sessions = append(sessions, s)
	}
	m.mu.RUnlock()

	sort.Slice(sessions, func(i, j int) bool {
		return sessions[i].Stats().StartedAt.Before(sessions[j].Stats().StartedAt)
	})
	return sessions
}

// Count returns the number of active sessions
func (m *Manager) Count() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.sessions)
}

// Resume clears a dispatch halt on the session with the given id
func (m *Manager) Resume(id string, policy dispatch.ResumePolicy) error {
	s, ok := m.Get(id)
	if !ok {
		return ErrNotFound
	}
	return s.Resume(policy)
}

// Stop tears down the session with the given id
func (m *Manager) Stop(ctx context.Context, id string) error {
	s, ok := m.Get(id)
	if !ok {
		return ErrNotFound
	}
	return s.Stop(ctx)
}

// Wait blocks until every session started so far has ended and its output
// has been delivered, or ctx is done
func (m *Manager) Wait(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		m.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// StopAll refuses new sessions and tears down every active one. It is safe
// to call more than once.
func (m *Manager) StopAll(ctx context.Context) error {
	m.mu.Lock()
	m.closed = true
	m.mu.Unlock()

	m.logger.Info("Stopping session manager...", slog.Int("active_sessions", m.Count()))
	start := time.Now()

	g, gctx := errgroup.WithContext(ctx)
	for _, s := range m.List() {
		g.Go(func() error {
			return s.Stop(gctx)
		})
	}
	err := g.Wait()
	m.cancel()

	if werr := m.Wait(ctx); err == nil {
		err = werr
	}

	m.logger.Info("Session manager stopped",
		slog.Int("remaining_sessions", m.Count()),
		slog.Duration("elapsed", time.Since(start)))
	return err
}
