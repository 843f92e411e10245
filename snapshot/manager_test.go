package snapshot

import (
	"io"
	"os"
	"path/filepath"
	"testing"

	"github.com/chainlab/testchain/chainerr"
	"github.com/chainlab/testchain/chaintypes"
	"github.com/chainlab/testchain/logging"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testLogger() *logging.Logger {
	return logging.NewLogger(zerolog.Disabled, false, make([]io.Writer, 0)...)
}

func newTestManager(t *testing.T) *Manager {
	t.Helper()
	m, err := New(t.TempDir(), t.TempDir(), testLogger())
	require.NoError(t, err)
	t.Cleanup(func() { _ = m.Close() })
	return m
}

func seededDataDir(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "keystore.json"), []byte(`{}`), 0644))
	return dir
}

// TestTakeWithDescriptionIsIndexedAndListed verifies a described snapshot shows up in List/ByID/ByChain.
func TestTakeWithDescriptionIsIndexedAndListed(t *testing.T) {
	m := newTestManager(t)
	dbPath := seededDataDir(t)

	details, err := m.Take(chaintypes.EVMGeth, dbPath, "before migration")
	require.NoError(t, err)
	assert.NotEmpty(t, details.ID)
	assert.Equal(t, "before migration", details.Description)

	fromIndex, err := m.ByID(details.ID)
	require.NoError(t, err)
	assert.Equal(t, details.ID, fromIndex.ID)

	all, err := m.List()
	require.NoError(t, err)
	assert.Len(t, all, 1)

	byChain, err := m.ByChain(chaintypes.EVMGeth)
	require.NoError(t, err)
	assert.Len(t, byChain, 1)

	byOtherChain, err := m.ByChain(chaintypes.EVMGanache)
	require.NoError(t, err)
	assert.Len(t, byOtherChain, 0)
}

// TestTakeWithoutDescriptionIsTransientAndNotListed verifies a transient snapshot's archive exists on disk but
// is excluded from List, per spec.md §4.7.
func TestTakeWithoutDescriptionIsTransientAndNotListed(t *testing.T) {
	m := newTestManager(t)
	dbPath := seededDataDir(t)

	details, err := m.Take(chaintypes.EVMGeth, dbPath, "")
	require.NoError(t, err)

	_, err = os.Stat(details.Path)
	require.NoError(t, err, "transient snapshot's archive must still be written to disk")

	all, err := m.List()
	require.NoError(t, err)
	assert.Len(t, all, 0)

	_, err = m.ByID(details.ID)
	assert.Error(t, err, "a transient snapshot has no index row")
}

// TestRestoreRoundTrip verifies Take followed by Restore into a fresh directory reproduces the archived data.
func TestRestoreRoundTrip(t *testing.T) {
	m := newTestManager(t)
	dbPath := seededDataDir(t)

	details, err := m.Take(chaintypes.EVMGeth, dbPath, "checkpoint")
	require.NoError(t, err)

	restoreDir := filepath.Join(t.TempDir(), "restored")
	require.NoError(t, m.Restore(details, restoreDir))

	data, err := os.ReadFile(filepath.Join(restoreDir, "keystore.json"))
	require.NoError(t, err)
	assert.Equal(t, "{}", string(data))
}

// TestRestoreMissingArchiveFails verifies restoring a snapshot whose archive file was deleted out-of-band
// surfaces a snapshot_failure rather than silently producing an empty data directory.
func TestRestoreMissingArchiveFails(t *testing.T) {
	m := newTestManager(t)
	details := chaintypes.SnapshotDetails{ID: "ghost", Path: filepath.Join(t.TempDir(), "ghost.tgz")}

	err := m.Restore(details, t.TempDir())
	require.Error(t, err)
	assert.True(t, chainerr.Is(err, chainerr.KindSnapshotFailure))
}

// TestRemoveDeletesArchiveAndIndexEntry verifies Remove takes out both the archive file and the index row.
func TestRemoveDeletesArchiveAndIndexEntry(t *testing.T) {
	m := newTestManager(t)
	dbPath := seededDataDir(t)

	details, err := m.Take(chaintypes.EVMGeth, dbPath, "to be removed")
	require.NoError(t, err)

	require.NoError(t, m.Remove(details.ID))

	_, err = os.Stat(details.Path)
	assert.True(t, os.IsNotExist(err))

	_, err = m.ByID(details.ID)
	assert.Error(t, err)
}

// TestRepairRemovesStaleIndexEntries verifies Repair cleans up index rows whose archive file has gone missing
// from disk (e.g. deleted out-of-band), per spec.md §3's invariant and the startup repair-scan supplement.
func TestRepairRemovesStaleIndexEntries(t *testing.T) {
	m := newTestManager(t)
	dbPath := seededDataDir(t)

	details, err := m.Take(chaintypes.EVMGeth, dbPath, "will go stale")
	require.NoError(t, err)

	require.NoError(t, os.Remove(details.Path))

	require.NoError(t, m.Repair())

	_, err = m.ByID(details.ID)
	assert.Error(t, err, "repair should have removed the stale index entry")
}

// TestRepairLeavesHealthyEntriesAlone verifies Repair is a no-op for snapshots whose archive still exists.
func TestRepairLeavesHealthyEntriesAlone(t *testing.T) {
	m := newTestManager(t)
	dbPath := seededDataDir(t)

	details, err := m.Take(chaintypes.EVMGeth, dbPath, "healthy")
	require.NoError(t, err)

	require.NoError(t, m.Repair())

	fromIndex, err := m.ByID(details.ID)
	require.NoError(t, err)
	assert.Equal(t, details.ID, fromIndex.ID)
}
