package evm

import (
	"context"
	"fmt"
	"io"
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

// GethAdapter drives a single `geth --dev` child process.
type GethAdapter struct {
	paths  config.EVMPaths
	logger *logging.Logger

	mu      sync.Mutex
	cmd     *exec.Cmd
	proc    *reapedProcess
	stdin   io.WriteCloser
	rpc     *rpcclient.Client
	outFile *os.File
}

// NewGethAdapter creates an Adapter that launches geth binaries located per paths.
func NewGethAdapter(paths config.EVMPaths, logger *logging.Logger) *GethAdapter {
	return &GethAdapter{
		paths:  paths,
		logger: logger.NewSubLogger("evm", "geth"),
	}
}

var _ Adapter = (*GethAdapter)(nil)

// Start spawns geth in --dev mode with the command line spec.md §4.3 specifies, provisions or discovers
// accounts, and blocks until the RPC endpoint answers.
func (a *GethAdapter) Start(ctx context.Context, cfg chaintypes.ChainConfig) (StartResult, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	dirIsFresh := !dataDirHasKeystore(cfg.DBPath)
	accountList, err := accounts.GethAccounts(a.paths, cfg.DBPath, cfg.AccountsRequested, dirIsFresh)
	if err != nil {
		return StartResult{}, err
	}

	args := []string{
		"--dev",
		"--datadir", cfg.DBPath,
		"--networkid", fmt.Sprintf("%d", cfg.NetworkID),
		"--ipcdisable",
		"--rpc",
		"--rpcport", fmt.Sprintf("%d", cfg.HTTPPort),
		"--rpcapi", "admin,personal,eth,miner,debug,txpool,net",
		"--ws",
		"--wsport", fmt.Sprintf("%d", cfg.WSPort),
		"--wsorigins", "*",
		"--gasprice", "2000000000",
		"--targetgaslimit", "9000000000000",
		"--password", a.paths.GethPasswordFile,
		"--etherbase", accountList[0].Address,
		"--unlock", joinAddresses(accountList),
	}
	if cfg.BlockMineTimeMs > 0 {
		args = append(args, fmt.Sprintf("--dev.period=%d", cfg.BlockMineTimeMs))
	}
	args = append(args, "console")

	cmd := exec.Command(a.paths.GethBinary, args...)
	setProcessGroup(cmd)

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return StartResult{}, chainerr.Wrap(chainerr.KindStartFailure, "failed to open geth stdin", err)
	}

	if err := attachOutputLog(cmd, cfg.OutputLogPath, &a.outFile); err != nil {
		return StartResult{}, err
	}

	if err := cmd.Start(); err != nil {
		return StartResult{}, chainerr.Wrap(chainerr.KindStartFailure, "failed to spawn geth", err)
	}

	a.cmd = cmd
	a.proc = startReaper(cmd)
	a.stdin = stdin
	a.rpc = rpcclient.New(fmt.Sprintf("http://localhost:%d", cfg.HTTPPort))

	if err := readinessProbe(ctx, a.rpc); err != nil {
		_ = killProcess(a.cmd)
		return StartResult{}, err
	}

	return StartResult{Accounts: accountList, Coinbase: accountList[0].Address}, nil
}

// Stop sends the literal string "exit\n" on the child's stdin, waits a 5 second grace period before forcing
// termination, then waits up to ctx's deadline for the process to exit, per spec.md §4.3/§5.
func (a *GethAdapter) Stop(ctx context.Context) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.cmd == nil || a.cmd.Process == nil {
		return nil
	}

	if a.stdin != nil {
		_, _ = io.WriteString(a.stdin, "exit\n")
	}

	return waitOrKill(ctx, a.proc)
}

// StartMine calls the miner_start JSON-RPC method.
func (a *GethAdapter) StartMine(ctx context.Context) error {
	return a.rpc.Call(ctx, "miner_start", []any{1}, nil)
}

// StopMine calls the miner_stop JSON-RPC method.
func (a *GethAdapter) StopMine(ctx context.Context) error {
	return a.rpc.Call(ctx, "miner_stop", nil, nil)
}

// TakeInternalSnapshot is unsupported for Geth; archive-based snapshots are used instead.
func (a *GethAdapter) TakeInternalSnapshot(ctx context.Context) (string, error) {
	return "", chainerr.New(chainerr.KindUnsupported, "geth does not support internal snapshots")
}

// RevertInternalSnapshot is unsupported for Geth.
func (a *GethAdapter) RevertInternalSnapshot(ctx context.Context, snapshotID string) error {
	return chainerr.New(chainerr.KindUnsupported, "geth does not support internal snapshots")
}

// Terminate forces the child process to exit immediately.
func (a *GethAdapter) Terminate(ctx context.Context) error {
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

// Version reports the geth binary's reported version string.
func (a *GethAdapter) Version(ctx context.Context) (string, error) {
	out, err := exec.CommandContext(ctx, a.paths.GethBinary, "version").CombinedOutput()
	if err != nil {
		return "", errors.WithStack(err)
	}
	return strings.TrimSpace(string(out)), nil
}

// Alive reports whether the geth process is still running.
func (a *GethAdapter) Alive() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return processAlive(a.proc)
}

// dataDirHasKeystore reports whether dbPath already contains a keystore subdirectory, meaning accounts were
// provisioned on a previous launch.
func dataDirHasKeystore(dbPath string) bool {
	info, err := os.Stat(dbPath + "/keystore")
	return err == nil && info.IsDir()
}

func joinAddresses(accountList []chaintypes.Account) string {
	addrs := make([]string, len(accountList))
	for i, acc := range accountList {
		addrs[i] = acc.Address
	}
	return strings.Join(addrs, ",")
}

// attachOutputLog wires cmd's stdout/stderr to outputLogPath if non-empty, or discards them otherwise, per
// spec.md §3's output_log_path field.
func attachOutputLog(cmd *exec.Cmd, outputLogPath string, outFile **os.File) error {
	if outputLogPath == "" {
		cmd.Stdout = io.Discard
		cmd.Stderr = io.Discard
		return nil
	}

	f, err := os.OpenFile(outputLogPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return chainerr.Wrap(chainerr.KindStartFailure, "failed to open output log", err)
	}
	cmd.Stdout = f
	cmd.Stderr = f
	*outFile = f
	return nil
}
