//go:build unix

package converter

import (
	"os/exec"
	"syscall"
)

// configureProcess puts the converter in its own process group so a timeout
// also kills the helpers soffice forks (soffice.bin, oosplash).
func configureProcess(cmd *exec.Cmd) {
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	cmd.Cancel = func() error {
		if cmd.Process == nil {
			return nil
		}
		return syscall.Kill(-cmd.Process.Pid, syscall.SIGKILL)
	}
}
