// Package session owns the table of live executions. The manager is the sole
// owner of every session; other components hold a session only for the span
// of one operation.
package session

import (
	"fmt"
	"sync"
	"time"

	"github.com/grahama1970/cc-executor/internal/process"
)

// State is a session lifecycle state.
type State string

const (
	StateCreated   State = "CREATED"
	StateRunning   State = "RUNNING"
	StatePaused    State = "PAUSED"
	StateCompleted State = "COMPLETED"
	StateCancelled State = "CANCELLED"
	StateFailed    State = "FAILED"
	StateExpired   State = "EXPIRED"
)

// Terminal reports whether the state admits no further transitions.
func (s State) Terminal() bool {
	switch s {
	case StateCompleted, StateCancelled, StateFailed, StateExpired:
		return true
	}
	return false
}

// Event drives a state transition.
type Event string

const (
	EventStart    Event = "start"
	EventPause    Event = "pause"
	EventResume   Event = "resume"
	EventComplete Event = "complete"
	EventCancel   Event = "cancel"
	EventFail     Event = "fail"
	EventExpire   Event = "expire"
)

// transitions is the full legal state machine:
// CREATED→RUNNING→{PAUSED⇄RUNNING}→{COMPLETED|CANCELLED|FAILED|EXPIRED}.
var transitions = map[State]map[Event]State{
	StateCreated: {
		EventStart:  StateRunning,
		EventFail:   StateFailed, // spawn failure before the process ever ran
		EventCancel: StateCancelled,
		EventExpire: StateExpired,
	},
	StateRunning: {
		EventPause:    StatePaused,
		EventComplete: StateCompleted,
		EventCancel:   StateCancelled,
		EventFail:     StateFailed,
		EventExpire:   StateExpired,
	},
	StatePaused: {
		EventResume: StateRunning,
		EventCancel: StateCancelled,
		EventFail:   StateFailed,
		EventExpire: StateExpired,
		// A paused worker can still drain buffered output to completion.
		EventComplete: StateCompleted,
	},
}

// InvalidTransitionError reports a control event that is illegal in the
// session's current state. The session is left untouched.
type InvalidTransitionError struct {
	SessionID string
	From      State
	Event     Event
}

func (e *InvalidTransitionError) Error() string {
	return fmt.Sprintf("session %s: event %q invalid in state %s", e.SessionID, e.Event, e.From)
}

// Session is one supervised execution bound to a single connection and task.
// All mutation goes through the session's own lock, so two concurrent control
// operations on one session never interleave.
type Session struct {
	ID      string
	Command string

	Timeout      time.Duration
	StallTimeout time.Duration
	Confidence   float64
	Nonce        string

	mu           sync.Mutex
	state        State
	createdAt    time.Time
	startedAt    time.Time
	lastActivity time.Time
	proc         *process.Handle
	buffer       *OutputBuffer
	exitCode     int
	verified     bool
}

func newSession(id, command string, bufferCap int, now time.Time) *Session {
	return &Session{
		ID:           id,
		Command:      command,
		state:        StateCreated,
		createdAt:    now,
		lastActivity: now,
		buffer:       NewOutputBuffer(bufferCap),
	}
}

// Transition applies event if legal, returning the new state. Terminal
// sessions are immutable.
func (s *Session) Transition(event Event) (State, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	next, ok := transitions[s.state][event]
	if !ok {
		return s.state, &InvalidTransitionError{SessionID: s.ID, From: s.state, Event: event}
	}
	s.state = next
	if event == EventStart {
		s.startedAt = s.lastActivity
	}
	if next.Terminal() {
		// Exclusive ownership of the process group ends with the session.
		s.proc = nil
	}
	return next, nil
}

// State returns the current state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Touch records activity (any inbound or outbound byte) at the given time.
func (s *Session) Touch(now time.Time) {
	s.mu.Lock()
	s.lastActivity = now
	s.mu.Unlock()
}

// LastActivity returns the most recent activity timestamp.
func (s *Session) LastActivity() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastActivity
}

// AttachProcess hands the session exclusive ownership of a process group.
func (s *Session) AttachProcess(h *process.Handle) {
	s.mu.Lock()
	s.proc = h
	s.mu.Unlock()
}

// Process returns the owned process handle, nil once terminal.
func (s *Session) Process() *process.Handle {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.proc
}

// AppendOutput records a chunk in the bounded transcript and counts as
// activity.
func (s *Session) AppendOutput(streamName string, data []byte, now time.Time) {
	s.mu.Lock()
	s.buffer.Append(streamName, data)
	s.lastActivity = now
	s.mu.Unlock()
}

// Transcript returns the retained output as a single string, oldest first.
func (s *Session) Transcript() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.buffer.String()
}

// SetResult records the exit code and verification verdict.
func (s *Session) SetResult(exitCode int, verified bool) {
	s.mu.Lock()
	s.exitCode = exitCode
	s.verified = verified
	s.mu.Unlock()
}

// Result returns the recorded exit code and verification verdict.
func (s *Session) Result() (int, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.exitCode, s.verified
}

// Snapshot is a point-in-time view for status queries.
type Snapshot struct {
	ID              string
	State           State
	Elapsed         time.Duration
	LastActivityAge time.Duration
}

// SnapshotAt captures the session status relative to now.
func (s *Session) SnapshotAt(now time.Time) Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()

	started := s.startedAt
	if started.IsZero() {
		started = s.createdAt
	}
	return Snapshot{
		ID:              s.ID,
		State:           s.state,
		Elapsed:         now.Sub(started),
		LastActivityAge: now.Sub(s.lastActivity),
	}
}
