//go:build unix

package agent

import (
	"os"
	"os/exec"
	"syscall"
)

type signal int

const (
	sigTerm signal = iota
	sigKill
	sigStop
	sigCont
)

var unixSignals = map[signal]syscall.Signal{
	sigTerm: syscall.SIGTERM,
	sigKill: syscall.SIGKILL,
	sigStop: syscall.SIGSTOP,
	sigCont: syscall.SIGCONT,
}

// setProcessGroup puts the child in its own process group so signals reach
// everything it spawns.
func setProcessGroup(cmd *exec.Cmd) {
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
}

func signalGroup(p *os.Process, s signal) error {
	if p == nil {
		return os.ErrProcessDone
	}
	return syscall.Kill(-p.Pid, unixSignals[s])
}
