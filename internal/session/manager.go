package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/google/uuid"

	"github.com/grahama1970/cc-executor/internal/logging"
	"github.com/grahama1970/cc-executor/internal/process"
)

// ErrCapacityExceeded is returned when the concurrent-session ceiling is
// reached. Requests fail fast rather than queue silently.
var ErrCapacityExceeded = errors.New("session limit exceeded")

// ErrNotFound is returned for unknown session ids.
var ErrNotFound = errors.New("session not found")

// ManagerConfig holds the session table tunables.
type ManagerConfig struct {
	MaxSessions     int
	SessionTimeout  time.Duration // idle budget before the sweep forces EXPIRED
	SweepInterval   time.Duration
	OutputBufferCap int
}

// ExpireFunc is invoked for each session the sweep force-expires, after the
// EXPIRED transition, so the caller can kill the owned process group and
// notify observers. The handle is captured before the transition clears it;
// nil when the session never had a process.
type ExpireFunc func(s *Session, h *process.Handle)

// Manager owns the table of live sessions. The table lock is short-held,
// guarding only insert/remove/scan; per-session work serializes through the
// session's own lock so operations on different sessions never block each
// other.
type Manager struct {
	cfg    ManagerConfig
	clock  clock.Clock
	logger logging.Logger

	mu       sync.RWMutex
	sessions map[string]*Session

	onExpire ExpireFunc
}

// NewManager builds a session manager. A nil clk uses the real clock.
func NewManager(cfg ManagerConfig, clk clock.Clock, logger logging.Logger) *Manager {
	if clk == nil {
		clk = clock.New()
	}
	return &Manager{
		cfg:      cfg,
		clock:    clk,
		logger:   logging.OrNop(logger),
		sessions: make(map[string]*Session),
	}
}

// OnExpire registers the sweep callback. Must be set before Run.
func (m *Manager) OnExpire(fn ExpireFunc) { m.onExpire = fn }

// Clock returns the manager's time source, shared with timers that must stay
// consistent with the sweep in tests.
func (m *Manager) Clock() clock.Clock { return m.clock }

// Create inserts a new CREATED session, enforcing the capacity ceiling.
func (m *Manager) Create(command string, timeout, stallTimeout time.Duration, confidence float64) (*Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if len(m.sessions) >= m.cfg.MaxSessions {
		m.logger.Warn("Session limit reached: %d/%d", len(m.sessions), m.cfg.MaxSessions)
		return nil, ErrCapacityExceeded
	}

	s := newSession(uuid.NewString(), command, m.cfg.OutputBufferCap, m.clock.Now())
	s.Timeout = timeout
	s.StallTimeout = stallTimeout
	s.Confidence = confidence
	m.sessions[s.ID] = s

	m.logger.Info("Session created: %s (active: %d/%d)", s.ID, len(m.sessions), m.cfg.MaxSessions)
	return s, nil
}

// Get looks up a session by id.
func (m *Manager) Get(id string) (*Session, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.sessions[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return s, nil
}

// Remove evicts a session from the table.
func (m *Manager) Remove(id string) {
	m.mu.Lock()
	if _, ok := m.sessions[id]; ok {
		delete(m.sessions, id)
		m.logger.Info("Session removed: %s (active: %d/%d)", id, len(m.sessions), m.cfg.MaxSessions)
	}
	m.mu.Unlock()
}

// Active returns the current session count.
func (m *Manager) Active() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.sessions)
}

// Run executes the expiry sweep at a fixed interval until ctx is done.
func (m *Manager) Run(ctx context.Context) {
	ticker := m.clock.Ticker(m.cfg.SweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.Sweep()
		}
	}
}

// Sweep forces EXPIRED on every non-terminal session whose inactivity
// exceeds its budget, then evicts terminal sessions that expired. Returns
// the number of sessions expired.
func (m *Manager) Sweep() int {
	now := m.clock.Now()

	m.mu.RLock()
	candidates := make([]*Session, 0, len(m.sessions))
	for _, s := range m.sessions {
		candidates = append(candidates, s)
	}
	m.mu.RUnlock()

	expired := 0
	for _, s := range candidates {
		budget := s.Timeout
		if budget <= 0 || budget < m.cfg.SessionTimeout {
			budget = m.cfg.SessionTimeout
		}
		if now.Sub(s.LastActivity()) <= budget {
			continue
		}
		proc := s.Process()
		// Serializes against any live control operation on the same session
		// via the session's own lock inside Transition.
		if _, err := s.Transition(EventExpire); err != nil {
			continue // already terminal
		}
		expired++
		m.logger.Info("Expired idle session: %s", s.ID)
		if m.onExpire != nil {
			m.onExpire(s, proc)
		}
		m.Remove(s.ID)
	}
	return expired
}
