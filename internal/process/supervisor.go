// Package process spawns worker subprocesses into their own process groups
// and owns their lifecycle: pause, resume, cancel, reap.
package process

import (
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"sync"
	"time"

	"github.com/grahama1970/cc-executor/internal/logging"
)

// SpawnReason classifies why a spawn failed.
type SpawnReason string

const (
	SpawnBinaryNotFound   SpawnReason = "binary_not_found"
	SpawnPermissionDenied SpawnReason = "permission_denied"
	SpawnOSFailure        SpawnReason = "os_failure"
)

// SpawnError reports a subprocess that could not start.
type SpawnError struct {
	Reason SpawnReason
	Err    error
}

func (e *SpawnError) Error() string {
	return fmt.Sprintf("spawn failed (%s): %v", e.Reason, e.Err)
}

func (e *SpawnError) Unwrap() error { return e.Err }

// ErrPauseResumeUnsupported is returned on platforms without POSIX
// process-group stop/continue signaling.
var ErrPauseResumeUnsupported = errors.New("pause/resume not supported on this platform")

// Handle is the exclusive reference to one running process group.
type Handle struct {
	PID       int
	PGID      int
	StartedAt time.Time
	Stdout    io.ReadCloser
	Stderr    io.ReadCloser

	cmd      *exec.Cmd
	done     chan struct{}
	waitOnce sync.Once
	exitCode int
	waitErr  error
}

// Done is closed once the process has been reaped.
func (h *Handle) Done() <-chan struct{} { return h.done }

// Supervisor spawns and signals worker process groups.
type Supervisor struct {
	gracePeriod time.Duration
	logger      logging.Logger
}

// NewSupervisor builds a supervisor. gracePeriod is the SIGTERM-to-SIGKILL
// window used by Cancel.
func NewSupervisor(gracePeriod time.Duration, logger logging.Logger) *Supervisor {
	return &Supervisor{
		gracePeriod: gracePeriod,
		logger:      logging.OrNop(logger),
	}
}

// SupportsPauseResume reports whether this platform can stop and continue
// whole process groups.
func (s *Supervisor) SupportsPauseResume() bool {
	return supportsPauseResume
}

// Spawn starts command under the shell in a fresh process group, with stdin
// detached and stdout/stderr piped. extraEnv entries are appended to the
// inherited environment.
func (s *Supervisor) Spawn(command string, extraEnv []string) (*Handle, error) {
	cmd := exec.Command("/bin/sh", "-c", command)
	cmd.Stdin = nil // /dev/null: a worker reading stdin must not deadlock

	env := os.Environ()
	// Force unbuffered output from common interpreters; buffered pipes make
	// the stream look stalled even while the worker is producing.
	env = append(env, "PYTHONUNBUFFERED=1", "NODE_NO_READLINE=1")
	cmd.Env = append(env, extraEnv...)

	setProcessGroup(cmd)

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, &SpawnError{Reason: SpawnOSFailure, Err: err}
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, &SpawnError{Reason: SpawnOSFailure, Err: err}
	}

	if err := cmd.Start(); err != nil {
		return nil, &SpawnError{Reason: classifySpawnErr(err), Err: err}
	}

	pid := cmd.Process.Pid
	h := &Handle{
		PID:       pid,
		PGID:      processGroupID(pid),
		StartedAt: time.Now(),
		Stdout:    stdout,
		Stderr:    stderr,
		cmd:       cmd,
		done:      make(chan struct{}),
	}

	s.logger.Info("Spawned process group: pid=%d pgid=%d command=%.100q", h.PID, h.PGID, command)
	return h, nil
}

func classifySpawnErr(err error) SpawnReason {
	switch {
	case errors.Is(err, exec.ErrNotFound), errors.Is(err, os.ErrNotExist):
		return SpawnBinaryNotFound
	case errors.Is(err, os.ErrPermission):
		return SpawnPermissionDenied
	default:
		return SpawnOSFailure
	}
}

// Wait reaps the process and returns its exit code. It blocks, so it is only
// ever called from a dedicated supervising goroutine, never a control path.
// Safe to call more than once; later calls return the recorded result.
func (s *Supervisor) Wait(h *Handle) (int, error) {
	h.waitOnce.Do(func() {
		err := h.cmd.Wait()
		code := 0
		if err != nil {
			var exitErr *exec.ExitError
			if errors.As(err, &exitErr) {
				code = exitErr.ExitCode()
				err = nil
			} else {
				code = -1
			}
		}
		h.exitCode = code
		h.waitErr = err
		close(h.done)
		s.logger.Info("Process reaped: pid=%d exit=%d", h.PID, code)
	})
	<-h.done
	return h.exitCode, h.waitErr
}

// Pause stops the whole process group.
func (s *Supervisor) Pause(h *Handle) error {
	if !supportsPauseResume {
		return ErrPauseResumeUnsupported
	}
	if err := signalGroupStop(h.PGID); err != nil {
		return fmt.Errorf("pause pgid %d: %w", h.PGID, err)
	}
	s.logger.Info("Paused process group %d", h.PGID)
	return nil
}

// Resume continues a stopped process group.
func (s *Supervisor) Resume(h *Handle) error {
	if !supportsPauseResume {
		return ErrPauseResumeUnsupported
	}
	if err := signalGroupCont(h.PGID); err != nil {
		return fmt.Errorf("resume pgid %d: %w", h.PGID, err)
	}
	s.logger.Info("Resumed process group %d", h.PGID)
	return nil
}

// Cancel terminates the whole group: graceful signal first, then a forced
// kill once the grace period lapses without the process being reaped. It
// returns immediately; the supervising Wait observes the exit.
func (s *Supervisor) Cancel(h *Handle) error {
	if err := terminateGroup(h); err != nil {
		return fmt.Errorf("cancel pgid %d: %w", h.PGID, err)
	}
	s.logger.Info("Sent terminate to process group %d", h.PGID)

	go func() {
		select {
		case <-h.done:
			return
		case <-time.After(s.gracePeriod):
		}
		// Paused processes never act on SIGTERM; continue the group so the
		// kill ladder applies uniformly, then force-kill survivors.
		_ = signalGroupCont(h.PGID)
		if err := killGroup(h); err == nil {
			s.logger.Warn("Force-killed process group %d after %s grace", h.PGID, s.gracePeriod)
		}
	}()
	return nil
}

// Alive reports whether the process still exists in the OS process table.
func (s *Supervisor) Alive(h *Handle) bool {
	select {
	case <-h.done:
		return false
	default:
	}
	return processAlive(h.PID)
}
