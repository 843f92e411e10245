package facade

import (
	"context"
	"io"
	"net"
	"testing"
	"time"

	"github.com/chainlab/testchain/chainerr"
	"github.com/chainlab/testchain/chaintypes"
	"github.com/chainlab/testchain/config"
	"github.com/chainlab/testchain/logging"
	"github.com/chainlab/testchain/registry"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testLogger() *logging.Logger {
	return logging.NewLogger(zerolog.Disabled, false, make([]io.Writer, 0)...)
}

// testConfig builds a Config rooted entirely under the test's temp dirs, pointing at binary names that do not
// exist on the test machine so any adapter that actually gets spawned fails fast rather than hanging.
func testConfig(t *testing.T) config.Config {
	t.Helper()
	cfg := config.DefaultConfig()
	cfg.BasePath = t.TempDir()
	cfg.SnapshotBasePath = t.TempDir()
	cfg.SnapshotDBPath = t.TempDir()
	cfg.KillTimeoutMs = 2000
	cfg.Paths.GethBinary = "testchain-nonexistent-geth-binary"
	cfg.Paths.GanacheBinary = "testchain-nonexistent-ganache-binary"
	return cfg
}

func newTestFacade(t *testing.T) *Facade {
	t.Helper()
	f, err := New(testConfig(t), testLogger())
	require.NoError(t, err)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = f.Shutdown(ctx)
	})
	return f
}

// TestStartRejectsUnknownChainType verifies an unsupported chain type is reported synchronously as a validation
// error, with no worker ever spawned.
func TestStartRejectsUnknownChainType(t *testing.T) {
	f := newTestFacade(t)
	_, err := f.Start(context.Background(), chaintypes.ChainConfig{Type: "parity"})
	require.Error(t, err)
	assert.True(t, chainerr.Is(err, chainerr.KindValidation))
}

// TestStartRejectsNegativeAccountsRequested verifies a negative accounts_requested is a synchronous validation
// error.
func TestStartRejectsNegativeAccountsRequested(t *testing.T) {
	f := newTestFacade(t)
	_, err := f.Start(context.Background(), chaintypes.ChainConfig{Type: chaintypes.EVMGeth, AccountsRequested: -1})
	require.Error(t, err)
	assert.True(t, chainerr.Is(err, chainerr.KindValidation))
}

// TestStartRejectsDuplicateID verifies requesting an explicit ID already registered is a resource conflict.
func TestStartRejectsDuplicateID(t *testing.T) {
	f := newTestFacade(t)
	f.registry.Register("dup-1", registry.Entry{DBPath: t.TempDir()})

	_, err := f.Start(context.Background(), chaintypes.ChainConfig{Type: chaintypes.EVMGeth, ID: "dup-1"})
	require.Error(t, err)
	assert.True(t, chainerr.Is(err, chainerr.KindResourceConflict))
}

// TestStartRejectsPortAlreadyInUse verifies requesting an explicit HTTP port already bound by another listener
// is a resource conflict.
func TestStartRejectsPortAlreadyInUse(t *testing.T) {
	f := newTestFacade(t)

	ln, err := net.Listen("tcp", ":0")
	require.NoError(t, err)
	defer ln.Close()
	httpPort := ln.Addr().(*net.TCPAddr).Port

	_, err = f.Start(context.Background(), chaintypes.ChainConfig{Type: chaintypes.EVMGeth, HTTPPort: httpPort})
	require.Error(t, err)
	assert.True(t, chainerr.Is(err, chainerr.KindResourceConflict))
}

// TestStartReturnsIDSynchronouslyWithoutWaitingForAdapter verifies Start returns as soon as the supervisor
// accepts the chain, without blocking on the (here doomed-to-fail, since the binary does not exist) adapter
// start, per spec.md §4.9.
func TestStartReturnsIDSynchronouslyWithoutWaitingForAdapter(t *testing.T) {
	f := newTestFacade(t)

	id, err := f.Start(context.Background(), chaintypes.ChainConfig{Type: chaintypes.EVMGeth})
	require.NoError(t, err)
	assert.NotEmpty(t, id)
}

// TestStopOnUnknownChainIsAnError verifies every per-chain operation rejects an unknown chain ID instead of
// panicking or silently succeeding.
func TestStopOnUnknownChainIsAnError(t *testing.T) {
	f := newTestFacade(t)

	assert.Error(t, f.Stop(context.Background(), "does-not-exist"))
	assert.False(t, f.Alive("does-not-exist"))
	_, err := f.Details("does-not-exist")
	assert.Error(t, err)
}

// TestListAndRemoveSnapshotsRoundTrip verifies the facade's snapshot index operations work end to end without
// requiring a live chain, since the snapshot archive/index is disk-backed rather than worker-owned.
func TestListAndRemoveSnapshotsRoundTrip(t *testing.T) {
	f := newTestFacade(t)

	dbPath := t.TempDir()
	details, err := f.snapshots.Take(chaintypes.EVMGeth, dbPath, "manual checkpoint")
	require.NoError(t, err)

	all, err := f.ListSnapshots()
	require.NoError(t, err)
	assert.Len(t, all, 1)
	assert.Equal(t, details.ID, all[0].ID)

	require.NoError(t, f.RemoveSnapshot(details.ID))

	all, err = f.ListSnapshots()
	require.NoError(t, err)
	assert.Len(t, all, 0)
}

// TestVersionAlwaysIncludesManagerVersion verifies Version reports the manager's own build version even when
// neither configured EVM binary is reachable.
func TestVersionAlwaysIncludesManagerVersion(t *testing.T) {
	f := newTestFacade(t)

	info := f.Version(context.Background())
	assert.NotEmpty(t, info.Manager)
	assert.Empty(t, info.Geth, "the configured geth binary does not exist on the test machine")
	assert.Empty(t, info.Ganache, "the configured ganache-cli binary does not exist on the test machine")
}

// TestShutdownWithNoLiveChainsSucceeds verifies Shutdown is a clean no-op when no chain was ever started.
func TestShutdownWithNoLiveChainsSucceeds(t *testing.T) {
	f, err := New(testConfig(t), testLogger())
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	assert.NoError(t, f.Shutdown(ctx))
}
