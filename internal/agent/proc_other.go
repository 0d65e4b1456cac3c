//go:build !unix

package agent

import (
	"errors"
	"os"
	"os/exec"
)

type signal int

const (
	sigTerm signal = iota
	sigKill
	sigStop
	sigCont
)

var errSignalUnsupported = errors.New("signal not supported on this platform")

func setProcessGroup(*exec.Cmd) {}

// signalGroup can only kill on platforms without process groups; a failed
// SIGTERM makes callers fall back to kill.
func signalGroup(p *os.Process, s signal) error {
	if p == nil {
		return os.ErrProcessDone
	}
	if s == sigKill {
		return p.Kill()
	}
	return errSignalUnsupported
}
