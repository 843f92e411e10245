// Package worker implements the Chain Worker (spec.md §4.4): the per-chain state machine that owns exactly one
// EVM Adapter instance, serializes every command issued against its chain through a single command queue, and
// emits lifecycle events on the Notification Bus as it transitions between states.
package worker

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/chainlab/testchain/chainerr"
	"github.com/chainlab/testchain/chaintypes"
	"github.com/chainlab/testchain/evm"
	"github.com/chainlab/testchain/logging"
	"github.com/chainlab/testchain/notify"
	"github.com/chainlab/testchain/registry"
	"github.com/chainlab/testchain/utils"
	"github.com/pkg/errors"
)

// SnapshotStore is the subset of the Snapshot Manager's contract a worker needs to take and restore archive
// snapshots, and to resolve a config's seed snapshot_id at launch.
type SnapshotStore interface {
	Take(chainType chaintypes.EVMType, dbPath, description string) (chaintypes.SnapshotDetails, error)
	Restore(details chaintypes.SnapshotDetails, dbPath string) error
	ByID(id string) (chaintypes.SnapshotDetails, error)
}

// crashPollInterval is how often a live worker polls its adapter's Alive() to detect an unexpected EVM exit,
// per spec.md §4.4's "any(live) adapter crash -> failed" transition.
const crashPollInterval = 2 * time.Second

// externalDataFileName is the file name spec.md §6 specifies for write_external_data/read_external_data.
const externalDataFileName = "external.json"

type commandKind int

const (
	cmdStop commandKind = iota
	cmdTakeSnapshot
	cmdRevertSnapshot
	cmdStartMine
	cmdStopMine
)

// command is one serialized instruction fed through the worker's command queue.
type command struct {
	kind        commandKind
	description string
	details     chaintypes.SnapshotDetails
	resultCh    chan commandResult
}

// commandResult carries a command's outcome back to its caller, including the resolved snapshot details for
// take_snapshot so Facade.TakeSnapshot can return them.
type commandResult struct {
	err      error
	snapshot chaintypes.SnapshotDetails
}

// Worker drives one chain's lifecycle state machine. A Worker is used exactly once: Run executes it to
// completion (stopped or failed) and the Worker must then be discarded. The Chain Supervisor constructs a fresh
// Worker (with a fresh Adapter) for each restart attempt.
type Worker struct {
	id       string
	cfg      chaintypes.ChainConfig
	adapter  evm.Adapter
	bus      *notify.Bus
	snapshots SnapshotStore
	registry *registry.Registry
	logger   *logging.Logger
	killTimeout time.Duration
	frontURL string

	cmds    chan command
	stopped chan struct{}

	mu       sync.RWMutex
	status   chaintypes.Status
	accounts []chaintypes.Account
	coinbase string
}

// New constructs a Worker for chain id bound to adapter. cfg must already have its id/ports/path filled in by
// the Resource Allocator.
func New(id string, cfg chaintypes.ChainConfig, adapter evm.Adapter, bus *notify.Bus, snapshots SnapshotStore, reg *registry.Registry, logger *logging.Logger, killTimeout time.Duration, frontURL string) *Worker {
	return &Worker{
		id:          id,
		cfg:         cfg,
		adapter:     adapter,
		bus:         bus,
		snapshots:   snapshots,
		registry:    reg,
		logger:      logger.NewSubLogger("chain", id),
		killTimeout: killTimeout,
		frontURL:    frontURL,
		cmds:        make(chan command, 16),
		stopped:     make(chan struct{}),
		status:      chaintypes.StatusInitializing,
	}
}

// ID returns the chain ID this worker owns.
func (w *Worker) ID() string {
	return w.id
}

// Run executes the worker's full lifecycle: it registers in the registry, starts the adapter, and then
// serializes commands off its queue until it is stopped, crashes, or ctx is cancelled. It unregisters itself
// before returning. The returned bool reports whether the Chain Supervisor's transient restart policy should
// attempt to relaunch this chain (true only for an unexpected crash while live; false for an explicit stop, a
// start failure, or supervisor-driven cancellation), per spec.md §7.
func (w *Worker) Run(ctx context.Context) (error, bool) {
	w.registry.Register(w.id, registry.Entry{DBPath: w.cfg.DBPath, Handle: w})
	defer w.registry.Unregister(w.id)
	defer close(w.stopped)

	if err := w.seedFromSnapshot(); err != nil {
		w.fail(err)
		w.drainPending(err)
		return err, false
	}

	startCtx, cancel := context.WithTimeout(ctx, w.killTimeout)
	result, err := w.adapter.Start(startCtx, w.cfg)
	cancel()
	if err != nil {
		w.fail(err)
		w.drainPending(err)
		return err, false
	}

	w.mu.Lock()
	w.accounts = result.Accounts
	w.coinbase = result.Coinbase
	w.status = chaintypes.StatusActive
	w.mu.Unlock()

	w.bus.PublishChainEvent(w.id, notify.EventStatusChanged, chaintypes.StatusActive)
	w.bus.PublishChainEvent(w.id, notify.EventStarted, w.handleLocked())

	ticker := time.NewTicker(crashPollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			w.terminateForced(ctx.Err())
			w.drainPending(ctx.Err())
			return ctx.Err(), false

		case <-ticker.C:
			if w.Alive() {
				continue
			}
			crashErr := chainerr.New(chainerr.KindRuntimeCrash, "evm process exited unexpectedly")
			w.fail(crashErr)
			w.drainPending(crashErr)
			return crashErr, true

		case cmd := <-w.cmds:
			res, terminal := w.handle(ctx, cmd)
			cmd.resultCh <- res
			if terminal {
				if res.err != nil {
					w.drainPending(res.err)
				} else {
					w.drainPending(chainerr.New(chainerr.KindBusy, "chain worker has stopped"))
				}
				return res.err, false
			}
		}
	}
}

// seedFromSnapshot restores cfg.SnapshotID into the data directory before the adapter is ever started, when one
// was requested, per spec.md §3's "SnapshotID ... data directory is seeded from that snapshot before launch; no
// new accounts created" lifecycle rule.
func (w *Worker) seedFromSnapshot() error {
	if w.cfg.SnapshotID == "" {
		return nil
	}
	details, err := w.snapshots.ByID(w.cfg.SnapshotID)
	if err != nil {
		return chainerr.Wrap(chainerr.KindSnapshotFailure, "failed to resolve seed snapshot", err)
	}
	return w.snapshots.Restore(details, w.cfg.DBPath)
}

// handle dispatches a single queued command, returning its result and whether the worker's loop must exit
// after processing it.
func (w *Worker) handle(ctx context.Context, cmd command) (commandResult, bool) {
	switch cmd.kind {
	case cmdStop:
		return w.handleStop(ctx), true
	case cmdTakeSnapshot:
		return w.handleTakeSnapshot(ctx, cmd.description)
	case cmdRevertSnapshot:
		return w.handleRevertSnapshot(ctx, cmd.details)
	case cmdStartMine:
		return w.handleMineToggle(ctx, true), false
	case cmdStopMine:
		return w.handleMineToggle(ctx, false), false
	default:
		return commandResult{err: errors.Errorf("unknown worker command kind %d", cmd.kind)}, false
	}
}

// handleStop transitions to terminating, stops the adapter cooperatively-then-forcefully, optionally wipes the
// data directory, and emits stopped, per spec.md §4.4's terminating row.
func (w *Worker) handleStop(ctx context.Context) commandResult {
	w.setStatus(chaintypes.StatusTerminating)
	w.bus.PublishChainEvent(w.id, notify.EventStatusChanged, chaintypes.StatusTerminating)

	stopCtx, cancel := context.WithTimeout(ctx, w.killTimeout)
	err := w.adapter.Stop(stopCtx)
	cancel()
	if err != nil {
		w.logger.Warn("adapter stop reported an error", err)
	}

	if w.cfg.CleanOnStop {
		if cleanErr := w.cleanDataDir(); cleanErr != nil {
			w.logger.Warn("failed to clean data directory on stop", cleanErr)
		}
	}

	w.setStatus(chaintypes.StatusStopped)
	w.bus.PublishChainEvent(w.id, notify.EventStopped, w.handleLocked())
	return commandResult{}
}

// handleTakeSnapshot implements the snapshot_taking row: stop, archive, restart, re-probe, per spec.md §4.4.
func (w *Worker) handleTakeSnapshot(ctx context.Context, description string) (commandResult, bool) {
	if w.Status() != chaintypes.StatusActive {
		return commandResult{err: chainerr.New(chainerr.KindBusy, "chain is not active")}, false
	}

	w.setStatus(chaintypes.StatusSnapshotTaking)

	stopCtx, cancel := context.WithTimeout(ctx, w.killTimeout)
	err := w.adapter.Stop(stopCtx)
	cancel()
	if err != nil {
		failErr := chainerr.Wrap(chainerr.KindSnapshotFailure, "failed to stop adapter before snapshot", err)
		w.fail(failErr)
		return commandResult{err: failErr}, true
	}

	details, err := w.snapshots.Take(w.cfg.Type, w.cfg.DBPath, description)
	if err != nil {
		failErr := chainerr.Wrap(chainerr.KindSnapshotFailure, "failed to archive data directory", err)
		w.fail(failErr)
		return commandResult{err: failErr}, true
	}

	if err := w.restartAdapter(ctx); err != nil {
		w.fail(err)
		return commandResult{err: err}, true
	}

	w.bus.PublishChainEvent(w.id, notify.EventSnapshotTaken, details)
	w.bus.PublishChainEvent(w.id, notify.EventStatusChanged, chaintypes.StatusActive)
	w.bus.PublishChainEvent(w.id, notify.EventStarted, w.handleLocked())

	return commandResult{snapshot: details}, false
}

// handleRevertSnapshot implements the snapshot_reverting row: stop, wipe, extract, restart, re-probe.
func (w *Worker) handleRevertSnapshot(ctx context.Context, details chaintypes.SnapshotDetails) (commandResult, bool) {
	if w.Status() != chaintypes.StatusActive {
		return commandResult{err: chainerr.New(chainerr.KindBusy, "chain is not active")}, false
	}

	w.setStatus(chaintypes.StatusSnapshotReverting)

	stopCtx, cancel := context.WithTimeout(ctx, w.killTimeout)
	err := w.adapter.Stop(stopCtx)
	cancel()
	if err != nil {
		failErr := chainerr.Wrap(chainerr.KindSnapshotFailure, "failed to stop adapter before revert", err)
		w.fail(failErr)
		return commandResult{err: failErr}, true
	}

	if err := w.cleanDataDir(); err != nil {
		failErr := chainerr.Wrap(chainerr.KindSnapshotFailure, "failed to clear data directory before revert", err)
		w.fail(failErr)
		return commandResult{err: failErr}, true
	}

	if err := w.snapshots.Restore(details, w.cfg.DBPath); err != nil {
		failErr := chainerr.Wrap(chainerr.KindSnapshotFailure, "failed to extract snapshot archive", err)
		w.fail(failErr)
		return commandResult{err: failErr}, true
	}

	if err := w.restartAdapter(ctx); err != nil {
		w.fail(err)
		return commandResult{err: err}, true
	}

	w.bus.PublishChainEvent(w.id, notify.EventSnapshotReverted, details)
	w.bus.PublishChainEvent(w.id, notify.EventStatusChanged, chaintypes.StatusActive)
	w.bus.PublishChainEvent(w.id, notify.EventStarted, w.handleLocked())

	return commandResult{}, false
}

// restartAdapter re-launches the adapter against the same config and blocks until it reports ready again,
// updating the worker's cached account list from the restart's result.
func (w *Worker) restartAdapter(ctx context.Context) error {
	startCtx, cancel := context.WithTimeout(ctx, w.killTimeout)
	defer cancel()

	result, err := w.adapter.Start(startCtx, w.cfg)
	if err != nil {
		return chainerr.Wrap(chainerr.KindSnapshotFailure, "adapter failed to restart after snapshot operation", err)
	}

	w.mu.Lock()
	w.accounts = result.Accounts
	w.coinbase = result.Coinbase
	w.status = chaintypes.StatusActive
	w.mu.Unlock()
	return nil
}

// handleMineToggle starts or stops block production, only valid while the chain is active.
func (w *Worker) handleMineToggle(ctx context.Context, enable bool) commandResult {
	if w.Status() != chaintypes.StatusActive {
		return commandResult{err: chainerr.New(chainerr.KindBusy, "chain is not active")}
	}
	var err error
	if enable {
		err = w.adapter.StartMine(ctx)
	} else {
		err = w.adapter.StopMine(ctx)
	}
	return commandResult{err: err}
}

// fail transitions the worker to failed and emits error + status_changed on the Notification Bus, per spec.md
// §7's asynchronous error propagation rule.
func (w *Worker) fail(err error) {
	w.setStatus(chaintypes.StatusFailed)
	w.bus.PublishChainEvent(w.id, notify.EventError, err.Error())
	w.bus.PublishChainEvent(w.id, notify.EventStatusChanged, chaintypes.StatusFailed)
}

// terminateForced force-kills the adapter's process without the cooperative stop sequence, used when the
// worker's context is cancelled out from under it (supervisor shutdown).
func (w *Worker) terminateForced(cause error) {
	killCtx, cancel := context.WithTimeout(context.Background(), w.killTimeout)
	defer cancel()
	if err := w.adapter.Terminate(killCtx); err != nil {
		w.logger.Warn("failed to force-terminate adapter on context cancellation", err)
	}
	w.setStatus(chaintypes.StatusStopped)
	w.bus.PublishChainEvent(w.id, notify.EventStopped, w.handleLocked())
}

// drainPending replies to every command still queued when the worker exits so no caller blocks forever,
// matching spec.md §4.4's note that a stop queued during a failing snapshot operation must still be answered.
func (w *Worker) drainPending(cause error) {
	for {
		select {
		case cmd := <-w.cmds:
			cmd.resultCh <- commandResult{err: chainerr.Wrap(chainerr.KindBusy, "chain worker has exited", cause)}
		default:
			return
		}
	}
}

// cleanDataDir removes the chain's data directory entirely, per spec.md §3's clean_on_stop rule and §4.4's
// revert-snapshot wipe step.
func (w *Worker) cleanDataDir() error {
	return utils.DeleteDirectory(w.cfg.DBPath)
}

func (w *Worker) setStatus(status chaintypes.Status) {
	w.mu.Lock()
	w.status = status
	w.mu.Unlock()
}

// Status returns the worker's current lifecycle state.
func (w *Worker) Status() chaintypes.Status {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.status
}

// Alive reports whether the chain is in a live (non-terminal) state and its adapter's process has not exited.
func (w *Worker) Alive() bool {
	w.mu.RLock()
	status := w.status
	w.mu.RUnlock()
	if !status.IsLive() {
		return false
	}
	return w.adapter.Alive()
}

// Details returns the chain's current public view, per spec.md §3's ChainHandle.
func (w *Worker) Details() chaintypes.ChainHandle {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.handleLocked()
}

// handleLocked builds the ChainHandle from state already protected by w.mu. Callers must hold at least a read
// lock, or be running on the single worker goroutine, which is the only writer of that state and calls this
// without taking the lock.
func (w *Worker) handleLocked() chaintypes.ChainHandle {
	return chaintypes.ChainHandle{
		ID:       w.id,
		Type:     w.cfg.Type,
		Status:   w.status,
		Accounts: w.accounts,
		Coinbase: w.coinbase,
		RPCURL:   fmt.Sprintf("http://%s:%d", w.frontURL, w.cfg.HTTPPort),
		WSURL:    fmt.Sprintf("ws://%s:%d", w.frontURL, w.cfg.WSPort),
	}
}

// sendCommand enqueues cmd and waits for its result, unblocking early if ctx is cancelled or the worker has
// already exited.
func (w *Worker) sendCommand(ctx context.Context, cmd command) commandResult {
	select {
	case w.cmds <- cmd:
	case <-w.stopped:
		return commandResult{err: chainerr.New(chainerr.KindBusy, "chain worker has already exited")}
	case <-ctx.Done():
		return commandResult{err: ctx.Err()}
	}

	select {
	case res := <-cmd.resultCh:
		return res
	case <-w.stopped:
		// The worker exited between our send and now. Give drainPending a brief window to answer the command
		// it already holds before giving up, since resultCh may still receive a reply concurrently.
		select {
		case res := <-cmd.resultCh:
			return res
		case <-time.After(time.Second):
			return commandResult{err: chainerr.New(chainerr.KindBusy, "chain worker has already exited")}
		}
	case <-ctx.Done():
		return commandResult{err: ctx.Err()}
	}
}

// Stop asks the worker to terminate its chain. It blocks until the worker confirms the stop or ctx is done.
func (w *Worker) Stop(ctx context.Context) error {
	res := w.sendCommand(ctx, command{kind: cmdStop, resultCh: make(chan commandResult, 1)})
	return res.err
}

// TakeSnapshot asks the worker to archive its data directory, returning the resulting SnapshotDetails.
func (w *Worker) TakeSnapshot(ctx context.Context, description string) (chaintypes.SnapshotDetails, error) {
	res := w.sendCommand(ctx, command{kind: cmdTakeSnapshot, description: description, resultCh: make(chan commandResult, 1)})
	return res.snapshot, res.err
}

// RevertSnapshot asks the worker to restore a previously taken archive snapshot.
func (w *Worker) RevertSnapshot(ctx context.Context, details chaintypes.SnapshotDetails) error {
	res := w.sendCommand(ctx, command{kind: cmdRevertSnapshot, details: details, resultCh: make(chan commandResult, 1)})
	return res.err
}

// StartMine asks the worker to enable block production.
func (w *Worker) StartMine(ctx context.Context) error {
	res := w.sendCommand(ctx, command{kind: cmdStartMine, resultCh: make(chan commandResult, 1)})
	return res.err
}

// StopMine asks the worker to disable block production.
func (w *Worker) StopMine(ctx context.Context) error {
	res := w.sendCommand(ctx, command{kind: cmdStopMine, resultCh: make(chan commandResult, 1)})
	return res.err
}

// WriteExternalData persists opaque client metadata to <db_path>/external.json, per spec.md §6.
func (w *Worker) WriteExternalData(data json.RawMessage) error {
	path := filepath.Join(w.cfg.DBPath, externalDataFileName)
	return errors.WithStack(os.WriteFile(path, data, 0644))
}

// ReadExternalData reads back whatever WriteExternalData last stored, or nil if nothing was ever written.
func (w *Worker) ReadExternalData() (json.RawMessage, error) {
	path := filepath.Join(w.cfg.DBPath, externalDataFileName)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, errors.WithStack(err)
	}
	return data, nil
}
