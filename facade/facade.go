// Package facade implements the Chain Facade (spec.md §4.9): the thin public API — Start, Stop, TakeSnapshot,
// RevertSnapshot, StartMine, StopMine, Details, Alive, Version — that validates requests, delegates allocation
// to the Resource Allocator, asks the Chain Supervisor to spawn a worker, and routes subsequent commands to it
// via the Chain Registry. Grounded on the teacher's Fuzzer struct (fuzzing/fuzzer.go), which plays the same
// orchestrating role over its own sub-components.
package facade

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/chainlab/testchain/allocator"
	"github.com/chainlab/testchain/chainerr"
	"github.com/chainlab/testchain/chaintypes"
	"github.com/chainlab/testchain/config"
	"github.com/chainlab/testchain/evm"
	"github.com/chainlab/testchain/logging"
	"github.com/chainlab/testchain/notify"
	"github.com/chainlab/testchain/registry"
	"github.com/chainlab/testchain/snapshot"
	"github.com/chainlab/testchain/supervisor"
	"github.com/chainlab/testchain/version"
	"github.com/chainlab/testchain/worker"
	"github.com/pkg/errors"
)

// VersionInfo aggregates this manager's own build version with the reported versions of whichever configured
// EVM binaries answered a version query, per SPEC_FULL.md's supplemented version() capability.
type VersionInfo struct {
	Manager string `json:"manager"`
	Geth    string `json:"geth,omitempty"`
	Ganache string `json:"ganache,omitempty"`
}

// Facade is the chain manager's public entry point.
type Facade struct {
	cfg        config.Config
	logger     *logging.Logger
	registry   *registry.Registry
	allocator  *allocator.Allocator
	supervisor *supervisor.Supervisor
	bus        *notify.Bus
	snapshots  *snapshot.Manager
}

// New wires up every Chain Manager sub-component from cfg: the registry, the notification bus, the snapshot
// index (repaired once before returning, per spec.md §3's invariant), the resource allocator, and the
// supervisor. A fatal error here (an unwritable base_path, a corrupt snapshot index) should abort process
// startup, per spec.md §7.
func New(cfg config.Config, logger *logging.Logger) (*Facade, error) {
	reg := registry.New()
	bus := notify.New(0)

	snapshots, err := snapshot.New(cfg.SnapshotBasePath, cfg.SnapshotDBPath, logger)
	if err != nil {
		return nil, errors.Wrap(err, "failed to initialize snapshot manager")
	}
	if err := snapshots.Repair(); err != nil {
		return nil, errors.Wrap(err, "failed to repair snapshot index at startup")
	}

	alloc := allocator.New(cfg, reg, logger)
	sup := supervisor.New(cfg, logger)

	return &Facade{
		cfg:        cfg,
		logger:     logger.NewSubLogger("service", logging.FacadeService),
		registry:   reg,
		allocator:  alloc,
		supervisor: sup,
		bus:        bus,
		snapshots:  snapshots,
	}, nil
}

// Bus exposes the Notification Bus so callers (typically a gateway, out of scope per spec.md §1) can subscribe
// to chain lifecycle events.
func (f *Facade) Bus() *notify.Bus {
	return f.bus
}

// Close releases the snapshot index handle for a Facade that never started any chains (e.g. a CLI invocation
// that only lists or removes snapshots). Callers that started chains should use Shutdown instead.
func (f *Facade) Close() error {
	return f.snapshots.Close()
}

// Start validates cfg, fills in any missing id/ports/path via the Resource Allocator, and asks the Chain
// Supervisor to spawn a worker for it. It returns as soon as the supervisor accepts the chain; it does not wait
// for the started event, per spec.md §4.9.
func (f *Facade) Start(ctx context.Context, cfg chaintypes.ChainConfig) (string, error) {
	if err := f.validate(&cfg); err != nil {
		return "", err
	}

	if cfg.ID == "" {
		id, err := f.allocator.NewID()
		if err != nil {
			return "", errors.Wrap(err, "failed to allocate chain id")
		}
		cfg.ID = id
	} else if f.registry.Has(cfg.ID) {
		return "", chainerr.New(chainerr.KindResourceConflict, "chain id already in use")
	}

	if cfg.DBPath == "" {
		cfg.DBPath = f.allocator.DefaultDBPath(cfg.ID)
	}
	if f.allocator.PathInUse(cfg.DBPath) {
		return "", chainerr.New(chainerr.KindResourceConflict, "port or path are in use")
	}

	if err := f.allocatePorts(&cfg); err != nil {
		return "", err
	}

	adapter, err := evm.New(cfg.Type, f.cfg.Paths, f.logger)
	if err != nil {
		return "", err
	}

	killTimeout := f.supervisor.KillTimeout()
	w := worker.New(cfg.ID, cfg, adapter, f.bus, f.snapshots, f.registry, f.logger, killTimeout, f.cfg.FrontURL)

	factory := func() *worker.Worker {
		freshAdapter, adapterErr := evm.New(cfg.Type, f.cfg.Paths, f.logger)
		if adapterErr != nil {
			// Unreachable in practice: cfg.Type was already validated above and never changes after Start.
			f.logger.Error("failed to rebuild adapter for restart", adapterErr)
			freshAdapter, _ = evm.New(cfg.Type, f.cfg.Paths, f.logger)
		}
		return worker.New(cfg.ID, cfg, freshAdapter, f.bus, f.snapshots, f.registry, f.logger, killTimeout, f.cfg.FrontURL)
	}

	if err := f.supervisor.Spawn(cfg.ID, w, factory); err != nil {
		return "", errors.WithStack(err)
	}

	return cfg.ID, nil
}

// validate checks the static, synchronously-reportable parts of cfg, per spec.md §7's validation error kind,
// and applies the defaults spec.md §3 specifies for fields left at their zero value.
func (f *Facade) validate(cfg *chaintypes.ChainConfig) error {
	switch cfg.Type {
	case chaintypes.EVMGeth, chaintypes.EVMGanache:
	default:
		return chainerr.New(chainerr.KindValidation, "unknown chain type: "+string(cfg.Type))
	}
	if cfg.AccountsRequested < 0 {
		return chainerr.New(chainerr.KindValidation, "accounts_requested must be non-negative")
	}
	if cfg.BlockMineTimeMs < 0 {
		return chainerr.New(chainerr.KindValidation, "block_mine_time_ms must be non-negative")
	}
	if cfg.AccountsRequested == 0 {
		cfg.AccountsRequested = 1
	}
	if cfg.NetworkID == 0 {
		cfg.NetworkID = 999
	}
	return nil
}

// allocatePorts fills in cfg.HTTPPort/WSPort, honoring caller-supplied ports where given and the Ganache
// invariant that ws_port always equals http_port, per spec.md §3/§4.1.
func (f *Facade) allocatePorts(cfg *chaintypes.ChainConfig) error {
	if cfg.Type == chaintypes.EVMGanache && cfg.HTTPPort == 0 {
		cfg.HTTPPort = cfg.WSPort
	}
	if cfg.Type == chaintypes.EVMGanache && cfg.HTTPPort != 0 {
		cfg.WSPort = cfg.HTTPPort
	}

	if cfg.HTTPPort == 0 && cfg.WSPort == 0 {
		httpPort, wsPort, err := f.allocator.AllocatePorts()
		if err != nil {
			return errors.Wrap(err, "failed to allocate ports")
		}
		cfg.HTTPPort = httpPort
		cfg.WSPort = wsPort
		if cfg.Type == chaintypes.EVMGanache {
			cfg.WSPort = cfg.HTTPPort
		}
		return nil
	}

	if cfg.HTTPPort != 0 && f.allocator.PortInUse(cfg.HTTPPort) {
		return chainerr.New(chainerr.KindResourceConflict, "port or path are in use")
	}
	if cfg.WSPort != 0 && cfg.WSPort != cfg.HTTPPort && f.allocator.PortInUse(cfg.WSPort) {
		return chainerr.New(chainerr.KindResourceConflict, "port or path are in use")
	}

	if cfg.HTTPPort == 0 || cfg.WSPort == 0 {
		httpPort, wsPort, err := f.allocator.AllocatePorts()
		if err != nil {
			return errors.Wrap(err, "failed to allocate ports")
		}
		if httpPort == cfg.WSPort || wsPort == cfg.HTTPPort {
			httpPort, wsPort = wsPort, httpPort
		}
		if cfg.HTTPPort == 0 {
			cfg.HTTPPort = httpPort
		} else {
			cfg.WSPort = wsPort
		}
	}
	return nil
}

// workerFor resolves id to its live *worker.Worker via the registry, or a KindValidation "not found" error.
func (f *Facade) workerFor(id string) (*worker.Worker, error) {
	entry, ok := f.registry.Get(id)
	if !ok {
		return nil, chainerr.New(chainerr.KindValidation, "no live chain with id "+id)
	}
	w, ok := entry.Handle.(*worker.Worker)
	if !ok {
		return nil, errors.New("registry entry for chain did not hold a worker handle")
	}
	return w, nil
}

// Stop asks the chain's worker to terminate.
func (f *Facade) Stop(ctx context.Context, id string) error {
	w, err := f.workerFor(id)
	if err != nil {
		return err
	}
	return w.Stop(ctx)
}

// TakeSnapshot asks the chain's worker to archive its data directory.
func (f *Facade) TakeSnapshot(ctx context.Context, id, description string) (chaintypes.SnapshotDetails, error) {
	w, err := f.workerFor(id)
	if err != nil {
		return chaintypes.SnapshotDetails{}, err
	}
	return w.TakeSnapshot(ctx, description)
}

// RevertSnapshot asks the chain's worker to restore a previously taken archive snapshot.
func (f *Facade) RevertSnapshot(ctx context.Context, id string, details chaintypes.SnapshotDetails) error {
	w, err := f.workerFor(id)
	if err != nil {
		return err
	}
	return w.RevertSnapshot(ctx, details)
}

// StartMine asks the chain's worker to enable block production.
func (f *Facade) StartMine(ctx context.Context, id string) error {
	w, err := f.workerFor(id)
	if err != nil {
		return err
	}
	return w.StartMine(ctx)
}

// StopMine asks the chain's worker to disable block production.
func (f *Facade) StopMine(ctx context.Context, id string) error {
	w, err := f.workerFor(id)
	if err != nil {
		return err
	}
	return w.StopMine(ctx)
}

// Details returns the chain's current public view.
func (f *Facade) Details(id string) (chaintypes.ChainHandle, error) {
	w, err := f.workerFor(id)
	if err != nil {
		return chaintypes.ChainHandle{}, err
	}
	return w.Details(), nil
}

// Alive reports whether the chain is currently live.
func (f *Facade) Alive(id string) bool {
	w, err := f.workerFor(id)
	if err != nil {
		return false
	}
	return w.Alive()
}

// WriteExternalData persists opaque client metadata for a live chain, per spec.md §6.
func (f *Facade) WriteExternalData(id string, data json.RawMessage) error {
	w, err := f.workerFor(id)
	if err != nil {
		return err
	}
	return w.WriteExternalData(data)
}

// ReadExternalData reads back whatever WriteExternalData last stored for id.
func (f *Facade) ReadExternalData(id string) (json.RawMessage, error) {
	w, err := f.workerFor(id)
	if err != nil {
		return nil, err
	}
	return w.ReadExternalData()
}

// ListSnapshots returns every described snapshot known to the Snapshot Manager.
func (f *Facade) ListSnapshots() ([]chaintypes.SnapshotDetails, error) {
	return f.snapshots.List()
}

// RemoveSnapshot deletes a described snapshot's archive and index entry.
func (f *Facade) RemoveSnapshot(id string) error {
	return f.snapshots.Remove(id)
}

// Version reports the manager's own build version plus the configured Geth and Ganache binaries' reported
// versions, per SPEC_FULL.md's supplemented version() capability.
func (f *Facade) Version(ctx context.Context) VersionInfo {
	info := VersionInfo{Manager: version.GetInfo().Short()}

	gethAdapter, err := evm.New(chaintypes.EVMGeth, f.cfg.Paths, f.logger)
	if err == nil {
		if v, vErr := gethAdapter.Version(ctx); vErr == nil {
			info.Geth = v
		}
	}

	ganacheAdapter, err := evm.New(chaintypes.EVMGanache, f.cfg.Paths, f.logger)
	if err == nil {
		if v, vErr := ganacheAdapter.Version(ctx); vErr == nil {
			info.Ganache = v
		}
	}

	return info
}

// Shutdown stops the supervisor from spawning or restarting any more workers, asks every currently live chain
// to stop cooperatively (bounded by the configured kill timeout), and closes the snapshot index, per
// SPEC_FULL.md's graceful manager shutdown supplement and spec.md §4.9's teardown design note.
func (f *Facade) Shutdown(ctx context.Context) error {
	ids := f.registry.IDs()

	stopCtx, cancel := context.WithTimeout(ctx, f.supervisor.KillTimeout())
	defer cancel()

	for _, id := range ids {
		if err := f.Stop(stopCtx, id); err != nil {
			f.logger.Warn(fmt.Sprintf("failed to stop chain %s during shutdown: %v", id, err))
		}
	}

	drainCtx, drainCancel := context.WithTimeout(ctx, f.supervisor.KillTimeout()+5*time.Second)
	defer drainCancel()
	if err := f.supervisor.Shutdown(drainCtx); err != nil {
		f.logger.Warn("supervisor did not drain within the kill timeout", err)
	}

	return f.snapshots.Close()
}
