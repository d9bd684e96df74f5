//go:build !windows

package supervisor

import (
	"os/exec"
	"syscall"
)

// detach starts cmd in its own session.
func detach(cmd *exec.Cmd) {
	cmd.SysProcAttr = &syscall.SysProcAttr{Setsid: true}
}
