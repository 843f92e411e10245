// Package evm implements the EVM Adapter (spec.md §4.3): the polymorphic control surface over a single external
// Geth or Ganache child process, responsible for command construction, spawn, readiness probing, mining
// control, internal snapshots where supported, and termination.
package evm

import (
	"context"
	"time"

	"github.com/chainlab/testchain/chainerr"
	"github.com/chainlab/testchain/chaintypes"
	"github.com/chainlab/testchain/config"
	"github.com/chainlab/testchain/evm/rpcclient"
	"github.com/chainlab/testchain/logging"
)

// StartResult is what a successful Adapter.Start returns: the account list provisioned or discovered for the
// chain, plus the coinbase (first account's address).
type StartResult struct {
	Accounts []chaintypes.Account
	Coinbase string
}

// Adapter is the capability set spec.md §4.3 requires of every EVM implementation.
type Adapter interface {
	// Start spawns the external process, provisions or loads accounts, and blocks until the RPC endpoint answers
	// or ctx's deadline (the configured kill_timeout) elapses.
	Start(ctx context.Context, cfg chaintypes.ChainConfig) (StartResult, error)
	// Stop asks the process to exit cooperatively, then forcefully if it has not exited after a 5 second grace
	// period; ctx's deadline bounds the wait for the forced exit.
	Stop(ctx context.Context) error
	// StartMine enables block production.
	StartMine(ctx context.Context) error
	// StopMine disables block production.
	StopMine(ctx context.Context) error
	// TakeInternalSnapshot requests an EVM-native snapshot (Ganache only); Geth returns a chainerr of kind
	// KindUnsupported.
	TakeInternalSnapshot(ctx context.Context) (string, error)
	// RevertInternalSnapshot restores an EVM-native snapshot taken with TakeInternalSnapshot.
	RevertInternalSnapshot(ctx context.Context, snapshotID string) error
	// Terminate forces the process to exit if it has not already, releasing any OS resources the adapter holds.
	Terminate(ctx context.Context) error
	// Version reports the underlying EVM implementation's version string.
	Version(ctx context.Context) (string, error)
	// Alive reports whether the child process is still running.
	Alive() bool
}

// readinessProbe polls rpcClient.BlockNumber with exponential backoff (initial 100ms, factor 2, cap 2s) until a
// successful response arrives or ctx is done, per spec.md §4.3.
func readinessProbe(ctx context.Context, rpcClient *rpcclient.Client) error {
	const (
		initialBackoff = 100 * time.Millisecond
		maxBackoff     = 2 * time.Second
	)

	backoff := initialBackoff
	for {
		if _, err := rpcClient.BlockNumber(ctx); err == nil {
			return nil
		}

		timer := time.NewTimer(backoff)
		select {
		case <-ctx.Done():
			timer.Stop()
			return chainerr.Wrap(chainerr.KindStartFailure, "readiness probe timed out", ctx.Err())
		case <-timer.C:
		}

		backoff *= 2
		if backoff > maxBackoff {
			backoff = maxBackoff
		}
	}
}

// New dispatches to the Adapter constructor for evmType, per spec.md §9's "tagged variants + a dispatch
// function over inheritance" design note. It is the only place outside this package that needs to know about
// the concrete Adapter implementations.
func New(evmType chaintypes.EVMType, paths config.EVMPaths, logger *logging.Logger) (Adapter, error) {
	switch evmType {
	case chaintypes.EVMGeth:
		return NewGethAdapter(paths, logger), nil
	case chaintypes.EVMGanache:
		return NewGanacheAdapter(paths, logger), nil
	default:
		return nil, chainerr.New(chainerr.KindValidation, "unknown evm type: "+string(evmType))
	}
}
