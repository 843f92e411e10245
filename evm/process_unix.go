//go:build !windows
// +build !windows

package evm

import (
	"os/exec"
	"syscall"
)

// setProcessGroup configures cmd so its child runs in its own process group, letting killProcessPlatform signal
// the whole group (geth --dev's console subprocess included) rather than just the direct child.
func setProcessGroup(cmd *exec.Cmd) {
	if cmd.SysProcAttr == nil {
		cmd.SysProcAttr = &syscall.SysProcAttr{}
	}
	cmd.SysProcAttr.Setpgid = true
}

// killProcessPlatform sends SIGKILL to cmd's entire process group.
func killProcessPlatform(cmd *exec.Cmd) error {
	pgid, err := syscall.Getpgid(cmd.Process.Pid)
	if err != nil {
		return cmd.Process.Kill()
	}
	return syscall.Kill(-pgid, syscall.SIGKILL)
}
