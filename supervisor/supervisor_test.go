package supervisor

import (
	"context"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/chainlab/testchain/chainerr"
	"github.com/chainlab/testchain/chaintypes"
	"github.com/chainlab/testchain/config"
	"github.com/chainlab/testchain/evm"
	"github.com/chainlab/testchain/logging"
	"github.com/chainlab/testchain/notify"
	"github.com/chainlab/testchain/registry"
	"github.com/chainlab/testchain/worker"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// crashingAdapter starts successfully and reports alive until crash() is called (or it is stopped or
// terminated), after which it reports not-alive, simulating an EVM process that exited unexpectedly while the
// chain was active.
type crashingAdapter struct {
	mu      sync.Mutex
	started bool
	alive   bool
}

func (a *crashingAdapter) Start(ctx context.Context, cfg chaintypes.ChainConfig) (evm.StartResult, error) {
	a.mu.Lock()
	a.started = true
	a.alive = true
	a.mu.Unlock()
	return evm.StartResult{}, nil
}
func (a *crashingAdapter) Stop(ctx context.Context) error { a.mu.Lock(); a.alive = false; a.mu.Unlock(); return nil }
func (a *crashingAdapter) StartMine(ctx context.Context) error { return nil }
func (a *crashingAdapter) StopMine(ctx context.Context) error  { return nil }
func (a *crashingAdapter) TakeInternalSnapshot(ctx context.Context) (string, error) {
	return "", chainerr.New(chainerr.KindUnsupported, "n/a")
}
func (a *crashingAdapter) RevertInternalSnapshot(ctx context.Context, snapshotID string) error {
	return chainerr.New(chainerr.KindUnsupported, "n/a")
}
func (a *crashingAdapter) Terminate(ctx context.Context) error     { a.mu.Lock(); a.alive = false; a.mu.Unlock(); return nil }
func (a *crashingAdapter) Version(ctx context.Context) (string, error) { return "fake-1.0", nil }
func (a *crashingAdapter) Alive() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.alive
}

// crash marks the adapter's process as having exited, simulating a crash.
func (a *crashingAdapter) crash() {
	a.mu.Lock()
	a.alive = false
	a.mu.Unlock()
}

type stubSnapshots struct{}

func (stubSnapshots) Take(chaintypes.EVMType, string, string) (chaintypes.SnapshotDetails, error) {
	return chaintypes.SnapshotDetails{}, nil
}
func (stubSnapshots) Restore(chaintypes.SnapshotDetails, string) error { return nil }
func (stubSnapshots) ByID(string) (chaintypes.SnapshotDetails, error)  { return chaintypes.SnapshotDetails{}, nil }

func testCfg() config.Config {
	cfg := config.DefaultConfig()
	cfg.RestartRateLimit = 2
	cfg.RestartRateWindowSeconds = 60
	cfg.KillTimeoutMs = 1000
	return cfg
}

func testLogger() *logging.Logger {
	return logging.NewLogger(zerolog.Disabled, false, make([]io.Writer, 0)...)
}

func newWorkerWithAdapter(t *testing.T, id string, adapter evm.Adapter, bus *notify.Bus, reg *registry.Registry) *worker.Worker {
	t.Helper()
	cfg := chaintypes.ChainConfig{ID: id, Type: chaintypes.EVMGeth, DBPath: t.TempDir()}
	return worker.New(id, cfg, adapter, bus, stubSnapshots{}, reg, testLogger(), time.Second, "localhost")
}

// TestSpawnRestartsOnCrash verifies the supervisor restarts a worker whose adapter crashed after going active,
// invoking the restart factory to obtain a fresh worker bound to the same chain.
func TestSpawnRestartsOnCrash(t *testing.T) {
	bus := notify.New(16)
	reg := registry.New()
	sup := New(testCfg(), testLogger())

	var builtCount int
	var mu sync.Mutex
	adapters := make([]*crashingAdapter, 0)

	makeWorker := func() *worker.Worker {
		mu.Lock()
		builtCount++
		mu.Unlock()
		adapter := &crashingAdapter{}
		mu.Lock()
		adapters = append(adapters, adapter)
		mu.Unlock()
		return newWorkerWithAdapter(t, "c1", adapter, bus, reg)
	}

	_, ch := bus.Subscribe(notify.ChainTopic("c1"))

	first := makeWorker()
	require.NoError(t, sup.Spawn("c1", first, makeWorker))

	waitFor(t, ch, notify.EventStarted)

	mu.Lock()
	adapters[0].crash()
	mu.Unlock()

	// A restart publishes a fresh started event once the replacement worker comes up.
	waitFor(t, ch, notify.EventStarted)

	mu.Lock()
	got := builtCount
	mu.Unlock()
	assert.GreaterOrEqual(t, got, 2, "expected the factory to be invoked again after the crash")

	require.NoError(t, sup.Shutdown(context.Background()))
}

// TestAllowRestartEnforcesRateLimit verifies the sliding-window restart rate limit eventually refuses further
// restarts for a chain that keeps crashing.
func TestAllowRestartEnforcesRateLimit(t *testing.T) {
	cfg := testCfg()
	cfg.RestartRateLimit = 2
	sup := New(cfg, testLogger())

	assert.True(t, sup.allowRestart("x"))
	assert.True(t, sup.allowRestart("x"))
	assert.False(t, sup.allowRestart("x"), "third restart within the window should be refused")
}

// TestShutdownWaitsForLiveWorkers verifies Shutdown blocks until every spawned worker's goroutine has actually
// exited, and that a Stop issued before Shutdown lets it return promptly.
func TestShutdownWaitsForLiveWorkers(t *testing.T) {
	bus := notify.New(16)
	reg := registry.New()
	sup := New(testCfg(), testLogger())

	adapter := &crashingAdapter{}
	w := newWorkerWithAdapter(t, "c2", adapter, bus, reg)

	_, ch := bus.Subscribe(notify.ChainTopic("c2"))
	require.NoError(t, sup.Spawn("c2", w, func() *worker.Worker { return w }))
	waitFor(t, ch, notify.EventStarted)

	require.NoError(t, w.Stop(context.Background()))

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	assert.NoError(t, sup.Shutdown(ctx))
}

// TestSpawnRefusedAfterShutdown verifies the supervisor refuses to spawn new workers once it is draining.
func TestSpawnRefusedAfterShutdown(t *testing.T) {
	sup := New(testCfg(), testLogger())
	require.NoError(t, sup.Shutdown(context.Background()))

	bus := notify.New(16)
	reg := registry.New()
	adapter := &crashingAdapter{}
	w := newWorkerWithAdapter(t, "c3", adapter, bus, reg)

	err := sup.Spawn("c3", w, func() *worker.Worker { return w })
	assert.Error(t, err)
}

func waitFor(t *testing.T, ch <-chan notify.Event, want notify.EventType) {
	t.Helper()
	for {
		select {
		case e := <-ch:
			if e.Type == want {
				return
			}
		case <-time.After(5 * time.Second):
			t.Fatalf("timed out waiting for event %s", want)
		}
	}
}
