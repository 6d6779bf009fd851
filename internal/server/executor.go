package server

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/grahama1970/cc-executor/internal/classify"
	"github.com/grahama1970/cc-executor/internal/process"
	"github.com/grahama1970/cc-executor/internal/protocol"
	"github.com/grahama1970/cc-executor/internal/session"
	"github.com/grahama1970/cc-executor/internal/stream"
	"github.com/grahama1970/cc-executor/internal/sysload"
	"github.com/grahama1970/cc-executor/internal/timing"
)

var (
	errNoProcess     = errors.New("session has no live process")
	errUnknownAction = errors.New("unknown control action")
)

// monitorTick is how often the watchdog checks timeout, stall, and heartbeat
// conditions while a session runs.
const monitorTick = time.Second

// execution binds one session to its process, its connection, and the timers
// that watch over it.
type execution struct {
	srv       *Server
	conn      *connection
	session   *session.Session
	handle    *process.Handle
	sig       classify.Signature
	estimated bool
}

// startExecution estimates a timeout (unless the caller pinned one), admits a
// session, and spawns the worker. The returned execution has not started its
// run loop yet; the caller responds to the peer first so the execute response
// always precedes the first output event.
func (s *Server) startExecution(conn *connection, params protocol.ExecuteParams) (*execution, error) {
	sig := classify.Classify(params.Command)

	var (
		timeout    time.Duration
		stall      time.Duration
		confidence float64
		estimated  bool
	)
	if params.TimeoutSeconds > 0 {
		timeout = time.Duration(params.TimeoutSeconds) * time.Second
		if timeout < s.cfg.TimeoutFloor {
			timeout = s.cfg.TimeoutFloor
		}
		stall = time.Duration(float64(timeout) * s.cfg.StallRatio)
		confidence = 1.0
	} else {
		est := s.estimator.Estimate(params.Command)
		timeout = est.Timeout
		stall = est.StallTimeout
		confidence = est.Confidence
		estimated = true
	}

	sess, err := s.sessions.Create(params.Command, timeout, stall, confidence)
	if err != nil {
		return nil, err
	}
	sess.Nonce = s.verifier.Issue()

	handle, err := s.supervisor.Spawn(params.Command, []string{
		"CC_EXECUTOR_NONCE=" + sess.Nonce,
	})
	if err != nil {
		_, _ = sess.Transition(session.EventFail)
		s.sessions.Remove(sess.ID)
		return nil, err
	}

	sess.AttachProcess(handle)
	if _, err := sess.Transition(session.EventStart); err != nil {
		// Only reachable if the sweep expired the session between Create and
		// here; kill the group we just made rather than leak it.
		_ = s.supervisor.Cancel(handle)
		s.sessions.Remove(sess.ID)
		return nil, err
	}

	s.metrics.IncrementActiveSessions(context.Background())
	return &execution{
		srv:       s,
		conn:      conn,
		session:   sess,
		handle:    handle,
		sig:       sig,
		estimated: estimated,
	}, nil
}

// run drains the worker to completion and emits exactly one terminal event.
// It owns the whole lifecycle from first output byte to timing record.
func (e *execution) run() {
	ctx := context.Background()
	defer func() {
		e.conn.release(e.session.ID)
		e.srv.sessions.Remove(e.session.ID)
		e.srv.metrics.DecrementActiveSessions(ctx)
	}()

	monitorStop := make(chan struct{})
	go e.monitor(monitorStop)

	// Both pipes must be fully drained before the process is reaped; Wait
	// tears the pipes down.
	drainErr := e.srv.mux.Drain(e.handle.Stdout, e.handle.Stderr, e.emitOutput)
	exitCode, waitErr := e.srv.supervisor.Wait(e.handle)
	close(monitorStop)

	if drainErr != nil {
		e.srv.logger.Warn("Session %s: output drain ended early: %v", e.session.ID, drainErr)
	}

	duration := e.srv.clock.Now().Sub(e.handle.StartedAt)
	transcript := e.session.Transcript()
	verified := e.srv.verifier.Verify(transcript, e.session.Nonce)
	if exitCode == 0 && !verified {
		e.srv.metrics.RecordVerifyFailure(ctx)
	}
	e.session.SetResult(exitCode, verified)

	// A session cancelled or expired mid-flight is already terminal; the
	// failed transition leaves that state in place.
	if waitErr != nil || exitCode < 0 {
		_, _ = e.session.Transition(session.EventFail)
	} else {
		_, _ = e.session.Transition(session.EventComplete)
	}
	finalState := e.session.State()

	e.recordTiming(duration, finalState, exitCode)
	e.srv.metrics.RecordExecution(ctx,
		string(e.sig.Category), string(e.sig.Complexity),
		strings.ToLower(string(finalState)), duration)

	e.conn.notify(protocol.MethodCompleted, protocol.CompletedEvent{
		SessionID: e.session.ID,
		ExitCode:  exitCode,
		Verified:  verified,
	})

	e.srv.logger.Info("Session %s finished: state=%s exit=%d verified=%v duration=%s",
		e.session.ID, finalState, exitCode, verified, duration.Round(time.Millisecond))
}

// emitOutput is the multiplexer sink: record the chunk in the transcript,
// count it, and stream it to the peer in sequence order.
func (e *execution) emitOutput(c stream.Chunk) {
	now := e.srv.clock.Now()
	e.session.AppendOutput(c.Stream, c.Data, now)
	e.srv.metrics.RecordOutputBytes(context.Background(), c.Stream, len(c.Data))

	e.conn.notify(protocol.MethodOutput, protocol.OutputEvent{
		SessionID: e.session.ID,
		Stream:    c.Stream,
		Data:      string(c.Data),
		Seq:       c.Seq,
	})
}

// monitor is the per-session watchdog. While the session runs it enforces the
// overall timeout, raises one stall notice per silent span, and heartbeats
// through quiet periods so the peer can tell silence from death. Paused
// sessions are left alone: a stopped process is silent on purpose.
func (e *execution) monitor(stop <-chan struct{}) {
	ticker := e.srv.clock.Ticker(monitorTick)
	defer ticker.Stop()

	var (
		timedOut      bool
		stallNotified bool
		lastHeartbeat time.Time
	)

	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
		}

		if e.session.State() != session.StateRunning {
			continue
		}
		now := e.srv.clock.Now()

		// The timeout clock runs from spawn and is never reset by output.
		if !timedOut && now.Sub(e.handle.StartedAt) > e.session.Timeout {
			timedOut = true
			e.srv.logger.Warn("Session %s exceeded timeout %s, cancelling",
				e.session.ID, e.session.Timeout)
			e.srv.metrics.RecordTimeout(context.Background(), string(e.sig.Category))
			e.conn.notify(protocol.MethodError, protocol.ErrorEvent{
				SessionID: e.session.ID,
				Code:      protocol.ErrCodeTimeout,
				Message:   fmt.Sprintf("execution exceeded timeout of %s", e.session.Timeout),
			})
			if _, err := e.srv.control(e.session.ID, "cancel"); err != nil {
				e.srv.logger.Warn("Session %s: timeout cancel failed: %v", e.session.ID, err)
			}
			continue
		}

		silence := now.Sub(e.session.LastActivity())

		if silence >= e.session.StallTimeout {
			if !stallNotified {
				stallNotified = true
				e.srv.metrics.RecordStall(context.Background(), string(e.sig.Category))
				e.conn.notify(protocol.MethodStall, protocol.StallEvent{
					SessionID:       e.session.ID,
					InactiveSeconds: silence.Seconds(),
				})
			}
		} else {
			// Output arrived; the next silent span may notify again.
			stallNotified = false
		}

		if silence >= e.srv.cfg.QuietPeriod && now.Sub(lastHeartbeat) >= e.srv.cfg.HeartbeatInterval {
			lastHeartbeat = now
			e.conn.notify(protocol.MethodHeartbeat, protocol.HeartbeatEvent{
				SessionID:      e.session.ID,
				ElapsedSeconds: now.Sub(e.handle.StartedAt).Seconds(),
			})
		}
	}
}

// recordTiming appends exactly one history record per session, success or
// failure, so future estimates learn from both.
func (e *execution) recordTiming(duration time.Duration, finalState session.State, exitCode int) {
	rec := timing.Record{
		Category:   string(e.sig.Category),
		Complexity: string(e.sig.Complexity),
		Subtype:    e.sig.Subtype,
		Duration:   duration.Seconds(),
		Success:    finalState == session.StateCompleted && exitCode == 0,
		Timestamp:  e.srv.clock.Now(),
		Load1:      sysload.Read().Load1,
	}
	if err := e.srv.store.Append(rec); err != nil {
		e.srv.logger.Warn("Failed to record timing for session %s: %v", e.session.ID, err)
	}
}

// control applies a pause, resume, or cancel to a session. The state machine
// transition happens first so an illegal request never signals the process;
// if the signal itself then fails, the transition is rolled back.
func (s *Server) control(sessionID, action string) (session.State, error) {
	sess, err := s.sessions.Get(sessionID)
	if err != nil {
		return "", err
	}
	h := sess.Process()
	if h == nil {
		return "", fmt.Errorf("%w: %s", errNoProcess, sessionID)
	}

	switch action {
	case "pause":
		if !s.supervisor.SupportsPauseResume() {
			return "", process.ErrPauseResumeUnsupported
		}
		state, err := sess.Transition(session.EventPause)
		if err != nil {
			return "", err
		}
		if err := s.supervisor.Pause(h); err != nil {
			_, _ = sess.Transition(session.EventResume)
			return "", err
		}
		return state, nil

	case "resume":
		if !s.supervisor.SupportsPauseResume() {
			return "", process.ErrPauseResumeUnsupported
		}
		state, err := sess.Transition(session.EventResume)
		if err != nil {
			return "", err
		}
		if err := s.supervisor.Resume(h); err != nil {
			_, _ = sess.Transition(session.EventPause)
			return "", err
		}
		return state, nil

	case "cancel":
		// A paused group must be continued before SIGTERM can act on it.
		if sess.State() == session.StatePaused {
			_ = s.supervisor.Resume(h)
		}
		state, err := sess.Transition(session.EventCancel)
		if err != nil {
			return "", err
		}
		if err := s.supervisor.Cancel(h); err != nil {
			return "", err
		}
		return state, nil

	default:
		return "", fmt.Errorf("%w: %q", errUnknownAction, action)
	}
}
