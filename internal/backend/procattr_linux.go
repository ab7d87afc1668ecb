//go:build linux

package backend

import (
	"os/exec"
	"syscall"
)

// configureProcess puts the child in its own process group and has the
// kernel kill it if the supervising process dies first.
func configureProcess(cmd *exec.Cmd) {
	cmd.SysProcAttr = &syscall.SysProcAttr{
		Setpgid:   true,
		Pdeathsig: syscall.SIGKILL,
	}
}
