package evm

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"strings"
	"sync"

	"github.com/chainlab/testchain/accounts"
	"github.com/chainlab/testchain/chainerr"
	"github.com/chainlab/testchain/chaintypes"
	"github.com/chainlab/testchain/config"
	"github.com/chainlab/testchain/evm/rpcclient"
	"github.com/chainlab/testchain/logging"
	"github.com/pkg/errors"
)

// GanacheAdapter drives a single ganache-cli child process.
type GanacheAdapter struct {
	paths  config.EVMPaths
	logger *logging.Logger

	mu      sync.Mutex
	cmd     *exec.Cmd
	proc    *reapedProcess
	rpc     *rpcclient.Client
	outFile *os.File
}

// NewGanacheAdapter creates an Adapter that launches the ganache-cli wrapper located per paths.
func NewGanacheAdapter(paths config.EVMPaths, logger *logging.Logger) *GanacheAdapter {
	return &GanacheAdapter{
		paths:  paths,
		logger: logger.NewSubLogger("evm", "ganache"),
	}
}

var _ Adapter = (*GanacheAdapter)(nil)

// Start coerces ws_port to http_port (spec.md §3/§4.1's Ganache invariant), generates accounts with freshly
// random private keys (so every Start, including a restart after a snapshot operation, yields a new account
// list), spawns ganache-cli, and blocks until the RPC endpoint answers.
func (a *GanacheAdapter) Start(ctx context.Context, cfg chaintypes.ChainConfig) (StartResult, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	cfg.WSPort = cfg.HTTPPort

	accountList, err := accounts.GanacheAccounts(cfg.AccountsRequested)
	if err != nil {
		return StartResult{}, err
	}

	args := []string{
		"--port", fmt.Sprintf("%d", cfg.HTTPPort),
		"--networkId", fmt.Sprintf("%d", cfg.NetworkID),
		"--db", cfg.DBPath,
		"--blockTime", fmt.Sprintf("%d", cfg.BlockMineTimeMs/1000),
	}
	for _, acc := range accountList {
		args = append(args, "--account", fmt.Sprintf("0x%s,%s", acc.PrivKey, acc.Balance.String()))
	}

	cmd := exec.Command(a.paths.GanacheBinary, args...)
	setProcessGroup(cmd)

	if err := attachOutputLog(cmd, cfg.OutputLogPath, &a.outFile); err != nil {
		return StartResult{}, err
	}

	if err := cmd.Start(); err != nil {
		return StartResult{}, chainerr.Wrap(chainerr.KindStartFailure, "failed to spawn ganache-cli", err)
	}

	a.cmd = cmd
	a.proc = startReaper(cmd)
	a.rpc = rpcclient.New(fmt.Sprintf("http://localhost:%d", cfg.HTTPPort))

	if err := readinessProbe(ctx, a.rpc); err != nil {
		_ = killProcess(a.cmd)
		return StartResult{}, err
	}

	return StartResult{Accounts: accountList, Coinbase: accountList[0].Address}, nil
}

// Stop sends a cooperative termination signal, then forces termination after the grace period, per spec.md §5.
func (a *GanacheAdapter) Stop(ctx context.Context) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.cmd == nil || a.cmd.Process == nil {
		return nil
	}

	_ = a.cmd.Process.Signal(os.Interrupt)

	return waitOrKill(ctx, a.proc)
}

// StartMine enables Ganache's automine behavior via its miner_start JSON-RPC method.
func (a *GanacheAdapter) StartMine(ctx context.Context) error {
	return a.rpc.Call(ctx, "miner_start", nil, nil)
}

// StopMine disables automine via miner_stop.
func (a *GanacheAdapter) StopMine(ctx context.Context) error {
	return a.rpc.Call(ctx, "miner_stop", nil, nil)
}

// TakeInternalSnapshot calls Ganache's evm_snapshot, returning the opaque snapshot ID it allocates.
func (a *GanacheAdapter) TakeInternalSnapshot(ctx context.Context) (string, error) {
	var snapshotID string
	if err := a.rpc.Call(ctx, "evm_snapshot", nil, &snapshotID); err != nil {
		return "", chainerr.Wrap(chainerr.KindSnapshotFailure, "evm_snapshot failed", err)
	}
	return snapshotID, nil
}

// RevertInternalSnapshot calls Ganache's evm_revert with the previously returned snapshot ID.
func (a *GanacheAdapter) RevertInternalSnapshot(ctx context.Context, snapshotID string) error {
	var ok bool
	if err := a.rpc.Call(ctx, "evm_revert", []any{snapshotID}, &ok); err != nil {
		return chainerr.Wrap(chainerr.KindSnapshotFailure, "evm_revert failed", err)
	}
	if !ok {
		return chainerr.New(chainerr.KindSnapshotFailure, "evm_revert reported failure")
	}
	return nil
}

// Terminate forces the child process to exit immediately.
func (a *GanacheAdapter) Terminate(ctx context.Context) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.outFile != nil {
		_ = a.outFile.Close()
	}
	if a.cmd == nil || a.cmd.Process == nil {
		return nil
	}
	return killProcess(a.cmd)
}

// Version reports the ganache-cli binary's reported version string.
func (a *GanacheAdapter) Version(ctx context.Context) (string, error) {
	out, err := exec.CommandContext(ctx, a.paths.GanacheBinary, "--version").CombinedOutput()
	if err != nil {
		return "", errors.WithStack(err)
	}
	return strings.TrimSpace(string(out)), nil
}

// Alive reports whether the ganache-cli process is still running.
func (a *GanacheAdapter) Alive() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return processAlive(a.proc)
}
