package evm

import (
	"context"
	"os/exec"
	"sync/atomic"
	"time"

	"github.com/chainlab/testchain/chainerr"
)

// cooperativeShutdownGrace is how long Stop waits for the process to exit on its own after the cooperative
// shutdown signal (stdin "exit\n" for Geth, SIGINT for Ganache) before forcing it, per spec.md §5.
const cooperativeShutdownGrace = 5 * time.Second

// reapedProcess pairs a spawned child process with the single goroutine that reaps it. exec.Cmd only populates
// ProcessState once Wait returns, so without a goroutine calling Wait for the lifetime of the process, a crash
// between Start and Stop would never be observed. Adapters must spawn one of these immediately after cmd.Start()
// succeeds, and must never call cmd.Wait() themselves.
type reapedProcess struct {
	cmd    *exec.Cmd
	done   chan struct{}
	err    error
	exited atomic.Bool
}

// startReaper spawns the background goroutine that waits for cmd to exit and records the result, so Alive()
// reflects an unsolicited process exit rather than only the Stop path.
func startReaper(cmd *exec.Cmd) *reapedProcess {
	rp := &reapedProcess{cmd: cmd, done: make(chan struct{})}
	go func() {
		rp.err = cmd.Wait()
		rp.exited.Store(true)
		close(rp.done)
	}()
	return rp
}

// waitOrKill waits for rp's process to exit, giving it cooperativeShutdownGrace before forcing termination, and
// then waiting up to ctx's deadline (the configured kill_timeout) before giving up entirely. It never calls
// cmd.Wait() itself; that belongs solely to the reaper goroutine started by startReaper.
func waitOrKill(ctx context.Context, rp *reapedProcess) error {
	if rp == nil {
		return nil
	}

	select {
	case <-rp.done:
		return nil
	case <-time.After(cooperativeShutdownGrace):
	}

	if err := killProcess(rp.cmd); err != nil {
		return chainerr.Wrap(chainerr.KindRuntimeCrash, "failed to force-terminate evm process", err)
	}

	select {
	case <-rp.done:
		return nil
	case <-ctx.Done():
		return chainerr.Wrap(chainerr.KindRuntimeCrash, "evm process did not exit within kill_timeout", ctx.Err())
	}
}

// killProcess forcefully terminates cmd's process group.
func killProcess(cmd *exec.Cmd) error {
	if cmd == nil || cmd.Process == nil {
		return nil
	}
	return killProcessPlatform(cmd)
}

// processAlive reports whether rp's process has not yet been reaped, per the reaper goroutine's atomic flag.
func processAlive(rp *reapedProcess) bool {
	if rp == nil {
		return false
	}
	return !rp.exited.Load()
}
