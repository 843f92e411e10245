//go:build windows
// +build windows

package evm

import "os/exec"

// setProcessGroup is a no-op on Windows; there is no POSIX process-group equivalent wired up here.
func setProcessGroup(cmd *exec.Cmd) {}

// killProcessPlatform terminates cmd's direct child process.
func killProcessPlatform(cmd *exec.Cmd) error {
	return cmd.Process.Kill()
}
