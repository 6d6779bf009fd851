//go:build !unix

package process

import "os/exec"

const supportsPauseResume = false

func setProcessGroup(_ *exec.Cmd) {}

func processGroupID(pid int) int { return pid }

func signalGroupStop(int) error { return ErrPauseResumeUnsupported }

func signalGroupCont(int) error { return nil }

// terminateGroup degrades to killing the direct child; descendants are
// cleaned up by the OS job semantics where available.
func terminateGroup(h *Handle) error {
	return h.cmd.Process.Kill()
}

func killGroup(h *Handle) error {
	return h.cmd.Process.Kill()
}

func processAlive(pid int) bool {
	return pid > 0
}
