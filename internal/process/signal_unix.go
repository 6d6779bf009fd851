//go:build unix

package process

import (
	"os/exec"
	"syscall"
)

const supportsPauseResume = true

// setProcessGroup makes the child the leader of a fresh process group so the
// whole subprocess tree can be signaled atomically.
func setProcessGroup(cmd *exec.Cmd) {
	if cmd.SysProcAttr == nil {
		cmd.SysProcAttr = &syscall.SysProcAttr{}
	}
	cmd.SysProcAttr.Setpgid = true
}

func processGroupID(pid int) int {
	pgid, err := syscall.Getpgid(pid)
	if err != nil {
		return pid
	}
	return pgid
}

func signalGroupStop(pgid int) error {
	return syscall.Kill(-pgid, syscall.SIGSTOP)
}

func signalGroupCont(pgid int) error {
	return syscall.Kill(-pgid, syscall.SIGCONT)
}

func terminateGroup(h *Handle) error {
	return syscall.Kill(-h.PGID, syscall.SIGTERM)
}

func killGroup(h *Handle) error {
	return syscall.Kill(-h.PGID, syscall.SIGKILL)
}

func processAlive(pid int) bool {
	if pid <= 0 {
		return false
	}
	return syscall.Kill(pid, 0) == nil
}
