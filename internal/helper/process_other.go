//go:build !unix

package helper

import "os/exec"

func setProcessGroup(_ *exec.Cmd) {}

func terminate(cmd *exec.Cmd) error {
	return cmd.Process.Kill()
}
