//go:build !unix

package converter

import "os/exec"

func configureProcess(cmd *exec.Cmd) {}
