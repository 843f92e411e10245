package worker

import (
	"context"
	"io"
	"testing"
	"time"

	"github.com/chainlab/testchain/chainerr"
	"github.com/chainlab/testchain/chaintypes"
	"github.com/chainlab/testchain/evm"
	"github.com/chainlab/testchain/logging"
	"github.com/chainlab/testchain/notify"
	"github.com/chainlab/testchain/registry"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeAdapter is a minimal evm.Adapter double driven entirely by test-controlled fields, so worker tests never
// spawn a real geth/ganache-cli process.
type fakeAdapter struct {
	startErr  error
	alive     bool
	stopCalls int
	mineOn    bool
}

func (f *fakeAdapter) Start(ctx context.Context, cfg chaintypes.ChainConfig) (evm.StartResult, error) {
	if f.startErr != nil {
		return evm.StartResult{}, f.startErr
	}
	f.alive = true
	return evm.StartResult{Coinbase: "0xabc"}, nil
}

func (f *fakeAdapter) Stop(ctx context.Context) error {
	f.stopCalls++
	f.alive = false
	return nil
}

func (f *fakeAdapter) StartMine(ctx context.Context) error { f.mineOn = true; return nil }
func (f *fakeAdapter) StopMine(ctx context.Context) error  { f.mineOn = false; return nil }

func (f *fakeAdapter) TakeInternalSnapshot(ctx context.Context) (string, error) {
	return "", chainerr.New(chainerr.KindUnsupported, "not supported by fake adapter")
}

func (f *fakeAdapter) RevertInternalSnapshot(ctx context.Context, snapshotID string) error {
	return chainerr.New(chainerr.KindUnsupported, "not supported by fake adapter")
}

func (f *fakeAdapter) Terminate(ctx context.Context) error { f.alive = false; return nil }
func (f *fakeAdapter) Version(ctx context.Context) (string, error) { return "fake-1.0", nil }
func (f *fakeAdapter) Alive() bool                                 { return f.alive }

// fakeSnapshots is a SnapshotStore double recording what was asked of it.
type fakeSnapshots struct {
	takeCalls    int
	takeErr      error
	restoreCalls int
	restoreErr   error
	byIDErr      error
}

func (s *fakeSnapshots) Take(chainType chaintypes.EVMType, dbPath, description string) (chaintypes.SnapshotDetails, error) {
	s.takeCalls++
	if s.takeErr != nil {
		return chaintypes.SnapshotDetails{}, s.takeErr
	}
	return chaintypes.SnapshotDetails{ID: "snap-1", ChainType: chainType, Description: description}, nil
}

func (s *fakeSnapshots) Restore(details chaintypes.SnapshotDetails, dbPath string) error {
	s.restoreCalls++
	return s.restoreErr
}

func (s *fakeSnapshots) ByID(id string) (chaintypes.SnapshotDetails, error) {
	if s.byIDErr != nil {
		return chaintypes.SnapshotDetails{}, s.byIDErr
	}
	return chaintypes.SnapshotDetails{ID: id}, nil
}

func testLogger() *logging.Logger {
	return logging.NewLogger(zerolog.Disabled, false, make([]io.Writer, 0)...)
}

func newTestWorker(t *testing.T, adapter *fakeAdapter, snaps *fakeSnapshots) (*Worker, *notify.Bus) {
	t.Helper()
	bus := notify.New(16)
	reg := registry.New()
	cfg := chaintypes.ChainConfig{ID: "1", Type: chaintypes.EVMGeth, DBPath: t.TempDir()}
	w := New("1", cfg, adapter, bus, snaps, reg, testLogger(), time.Second, "localhost")
	return w, bus
}

func waitForEvent(t *testing.T, ch <-chan notify.Event, want notify.EventType) notify.Event {
	t.Helper()
	for {
		select {
		case e := <-ch:
			if e.Type == want {
				return e
			}
		case <-time.After(2 * time.Second):
			t.Fatalf("timed out waiting for event %s", want)
		}
	}
}

// TestRunStartsAndStop verifies a worker transitions to active after a successful start, and to stopped after
// Stop, without the supervisor restart flag being set.
func TestRunStartsAndStop(t *testing.T) {
	adapter := &fakeAdapter{}
	w, bus := newTestWorker(t, adapter, &fakeSnapshots{})
	_, ch := bus.Subscribe(notify.ChainTopic("1"))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	done := make(chan struct {
		err        error
		restartable bool
	}, 1)
	go func() {
		err, restartable := w.Run(ctx)
		done <- struct {
			err        error
			restartable bool
		}{err, restartable}
	}()

	waitForEvent(t, ch, notify.EventStarted)
	assert.Equal(t, chaintypes.StatusActive, w.Status())

	require.NoError(t, w.Stop(context.Background()))
	waitForEvent(t, ch, notify.EventStopped)

	select {
	case result := <-done:
		assert.NoError(t, result.err)
		assert.False(t, result.restartable)
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after Stop")
	}
	assert.Equal(t, chaintypes.StatusStopped, w.Status())
	assert.Equal(t, 1, adapter.stopCalls)
}

// TestRunStartFailureIsNotRestartable verifies an initial adapter.Start failure reports restartable=false, per
// the distinction between start failures and post-active crashes.
func TestRunStartFailureIsNotRestartable(t *testing.T) {
	adapter := &fakeAdapter{startErr: chainerr.New(chainerr.KindStartFailure, "boom")}
	w, _ := newTestWorker(t, adapter, &fakeSnapshots{})

	err, restartable := w.Run(context.Background())
	assert.Error(t, err)
	assert.False(t, restartable)
	assert.Equal(t, chaintypes.StatusFailed, w.Status())
}

// TestTakeSnapshotRoundTrip verifies take_snapshot stops the adapter, archives, and restarts, leaving the chain
// active again and returning the snapshot details to the caller.
func TestTakeSnapshotRoundTrip(t *testing.T) {
	adapter := &fakeAdapter{}
	snaps := &fakeSnapshots{}
	w, bus := newTestWorker(t, adapter, snaps)
	_, ch := bus.Subscribe(notify.ChainTopic("1"))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go w.Run(ctx)

	waitForEvent(t, ch, notify.EventStarted)

	details, err := w.TakeSnapshot(context.Background(), "checkpoint")
	require.NoError(t, err)
	assert.Equal(t, "snap-1", details.ID)
	assert.Equal(t, 1, snaps.takeCalls)
	assert.Equal(t, chaintypes.StatusActive, w.Status())

	require.NoError(t, w.Stop(context.Background()))
}

// TestSnapshotRejectedWhenNotActive verifies take_snapshot/revert_snapshot are refused with KindBusy whenever the
// worker's state is anything other than active, exercising the handler directly since the command queue only
// ever delivers to the loop once the worker has already reached active.
func TestSnapshotRejectedWhenNotActive(t *testing.T) {
	adapter := &fakeAdapter{}
	w, _ := newTestWorker(t, adapter, &fakeSnapshots{})
	w.setStatus(chaintypes.StatusTerminating)

	res, _ := w.handleTakeSnapshot(context.Background(), "x")
	require.Error(t, res.err)
	assert.True(t, chainerr.Is(res.err, chainerr.KindBusy))

	res2, _ := w.handleRevertSnapshot(context.Background(), chaintypes.SnapshotDetails{ID: "snap-1"})
	require.Error(t, res2.err)
	assert.True(t, chainerr.Is(res2.err, chainerr.KindBusy))
}

// TestCommandAfterFailedSnapshotReturnsBusy verifies that once a failed snapshot has ended the worker's loop, a
// command sent afterwards gets a KindBusy reply instead of blocking forever.
func TestCommandAfterFailedSnapshotReturnsBusy(t *testing.T) {
	adapter := &fakeAdapter{}
	snaps := &fakeSnapshots{takeErr: chainerr.New(chainerr.KindSnapshotFailure, "disk full")}
	w, bus := newTestWorker(t, adapter, snaps)
	_, ch := bus.Subscribe(notify.ChainTopic("1"))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go w.Run(ctx)
	waitForEvent(t, ch, notify.EventStarted)

	_, err := w.TakeSnapshot(context.Background(), "x")
	require.Error(t, err)
	assert.True(t, chainerr.Is(err, chainerr.KindSnapshotFailure))

	// The worker's loop has now exited; any further command must come back fast with KindBusy rather than hang.
	stopErr := w.Stop(context.Background())
	require.Error(t, stopErr)
	assert.True(t, chainerr.Is(stopErr, chainerr.KindBusy))
}

// TestWriteReadExternalDataRoundTrips verifies external client metadata survives a write/read round trip.
func TestWriteReadExternalDataRoundTrips(t *testing.T) {
	adapter := &fakeAdapter{}
	w, _ := newTestWorker(t, adapter, &fakeSnapshots{})

	require.NoError(t, w.WriteExternalData([]byte(`{"k":"v"}`)))
	data, err := w.ReadExternalData()
	require.NoError(t, err)
	assert.JSONEq(t, `{"k":"v"}`, string(data))
}

// TestReadExternalDataWithNothingWrittenReturnsNil verifies read_external_data is nil, not an error, before any
// write has happened.
func TestReadExternalDataWithNothingWrittenReturnsNil(t *testing.T) {
	adapter := &fakeAdapter{}
	w, _ := newTestWorker(t, adapter, &fakeSnapshots{})

	data, err := w.ReadExternalData()
	require.NoError(t, err)
	assert.Nil(t, data)
}
