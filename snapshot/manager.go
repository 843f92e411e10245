// Package snapshot implements the Snapshot Manager (spec.md §4.7, §6): tar+gzip archives of a chain's data
// directory, indexed by a persistent bbolt key/value store keyed by snapshot ID so described snapshots can be
// looked up by ID or by chain type, and garbage-collected when their archive goes missing.
package snapshot

import (
	"encoding/json"
	"math/rand/v2"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/chainlab/testchain/chainerr"
	"github.com/chainlab/testchain/chaintypes"
	"github.com/chainlab/testchain/logging"
	"github.com/chainlab/testchain/utils"
	"github.com/pkg/errors"
	bolt "go.etcd.io/bbolt"
)

// indexBucket is the single bbolt bucket snapshot index rows live in.
var indexBucket = []byte("snapshots")

// Manager owns the archive directory and the bbolt-backed index of described (non-transient) snapshots.
type Manager struct {
	basePath string
	db       *bolt.DB
	logger   *logging.Logger
}

// New opens (creating if necessary) the snapshot archive directory and the bbolt index database under
// dbDir/index.db, per spec.md §6's snapshot_base_path/snapshot_db_path configuration.
func New(basePath, dbDir string, logger *logging.Logger) (*Manager, error) {
	if err := utils.MakeDirectory(basePath); err != nil {
		return nil, errors.Wrap(err, "failed to create snapshot base path")
	}
	if err := utils.MakeDirectory(dbDir); err != nil {
		return nil, errors.Wrap(err, "failed to create snapshot db path")
	}

	db, err := bolt.Open(filepath.Join(dbDir, "index.db"), 0644, &bolt.Options{Timeout: 5 * time.Second})
	if err != nil {
		return nil, errors.Wrap(err, "failed to open snapshot index")
	}

	err = db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(indexBucket)
		return err
	})
	if err != nil {
		_ = db.Close()
		return nil, errors.Wrap(err, "failed to initialize snapshot index bucket")
	}

	return &Manager{
		basePath: basePath,
		db:       db,
		logger:   logger.NewSubLogger("service", logging.SnapshotService),
	}, nil
}

// Close releases the underlying bbolt handle, per spec.md §4.9's process-wide teardown design note.
func (m *Manager) Close() error {
	return errors.WithStack(m.db.Close())
}

// Take archives dbPath into a freshly generated snapshot under basePath. If description is non-empty, an index
// row is inserted; an empty description produces a transient snapshot (archive kept, no index row), per spec.md
// §3.
func (m *Manager) Take(chainType chaintypes.EVMType, dbPath, description string) (chaintypes.SnapshotDetails, error) {
	id, err := m.newSnapshotID()
	if err != nil {
		return chaintypes.SnapshotDetails{}, err
	}

	archivePath := filepath.Join(m.basePath, id+".tgz")
	if err := archiveDir(dbPath, archivePath); err != nil {
		return chaintypes.SnapshotDetails{}, chainerr.Wrap(chainerr.KindSnapshotFailure, "failed to create snapshot archive", err)
	}

	details := chaintypes.SnapshotDetails{
		ID:          id,
		ChainType:   chainType,
		Description: description,
		Path:        archivePath,
		CreatedAt:   time.Now(),
	}

	if description != "" {
		if err := m.insert(details); err != nil {
			return chaintypes.SnapshotDetails{}, err
		}
	}

	return details, nil
}

// Restore extracts the archive referenced by details.Path over dbPath, creating dbPath first if it does not
// exist; existing contents are not cleared. It surfaces a missing_archive failure if the archive file is absent,
// per spec.md §4.7.
func (m *Manager) Restore(details chaintypes.SnapshotDetails, dbPath string) error {
	if _, err := os.Stat(details.Path); err != nil {
		if os.IsNotExist(err) {
			return chainerr.New(chainerr.KindSnapshotFailure, "missing_archive: "+details.Path)
		}
		return chainerr.Wrap(chainerr.KindSnapshotFailure, "failed to stat snapshot archive", err)
	}

	if err := utils.MakeDirectory(dbPath); err != nil {
		return chainerr.Wrap(chainerr.KindSnapshotFailure, "failed to prepare data directory for restore", err)
	}

	if err := extractArchive(details.Path, dbPath); err != nil {
		return chainerr.Wrap(chainerr.KindSnapshotFailure, "failed to extract snapshot archive", err)
	}
	return nil
}

// ByID looks up a described snapshot's details by its ID.
func (m *Manager) ByID(id string) (chaintypes.SnapshotDetails, error) {
	var details chaintypes.SnapshotDetails
	err := m.db.View(func(tx *bolt.Tx) error {
		raw := tx.Bucket(indexBucket).Get([]byte(id))
		if raw == nil {
			return chainerr.New(chainerr.KindSnapshotFailure, "no snapshot indexed with id "+id)
		}
		return json.Unmarshal(raw, &details)
	})
	return details, err
}

// ByChain returns every described snapshot whose ChainType matches chainType.
func (m *Manager) ByChain(chainType chaintypes.EVMType) ([]chaintypes.SnapshotDetails, error) {
	all, err := m.List()
	if err != nil {
		return nil, err
	}
	filtered := make([]chaintypes.SnapshotDetails, 0, len(all))
	for _, details := range all {
		if details.ChainType == chainType {
			filtered = append(filtered, details)
		}
	}
	return filtered, nil
}

// List returns every described snapshot in the index, in no particular order. Archives with no index entry
// (transient snapshots) are intentionally excluded, per spec.md §4.7.
func (m *Manager) List() ([]chaintypes.SnapshotDetails, error) {
	var all []chaintypes.SnapshotDetails
	err := m.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(indexBucket).ForEach(func(_, raw []byte) error {
			var details chaintypes.SnapshotDetails
			if err := json.Unmarshal(raw, &details); err != nil {
				return err
			}
			all = append(all, details)
			return nil
		})
	})
	return all, err
}

// Remove deletes both the archive file and its index entry for snapshotID, in that order, per spec.md §3's
// ordering rule. Between the two steps the index row briefly points at a file that no longer exists, and a
// failure there leaves that stale index entry behind, tolerated and cleaned up by Repair.
func (m *Manager) Remove(snapshotID string) error {
	details, err := m.ByID(snapshotID)
	if err != nil {
		return err
	}

	if err := os.Remove(details.Path); err != nil && !os.IsNotExist(err) {
		return chainerr.Wrap(chainerr.KindSnapshotFailure, "failed to delete snapshot archive", err)
	}

	return m.delete(snapshotID)
}

// Repair scans the index at startup and removes any entry whose archive file no longer exists on disk,
// tolerating (never the reverse) an orphaned archive with no index entry, per spec.md §3's invariant and
// SPEC_FULL.md's startup repair-scan supplement.
func (m *Manager) Repair() error {
	all, err := m.List()
	if err != nil {
		return err
	}

	for _, details := range all {
		if _, statErr := os.Stat(details.Path); statErr != nil && os.IsNotExist(statErr) {
			m.logger.Warn("snapshot", details.ID, "is indexed but its archive is missing; removing stale index entry")
			if delErr := m.delete(details.ID); delErr != nil {
				return delErr
			}
		}
	}
	return nil
}

func (m *Manager) insert(details chaintypes.SnapshotDetails) error {
	raw, err := json.Marshal(details)
	if err != nil {
		return errors.WithStack(err)
	}
	return errors.WithStack(m.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(indexBucket).Put([]byte(details.ID), raw)
	}))
}

func (m *Manager) delete(id string) error {
	return errors.WithStack(m.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(indexBucket).Delete([]byte(id))
	}))
}

// newSnapshotID generates a 64-bit random integer rendered as a decimal string, retrying until no archive with
// that name already exists under basePath, mirroring the allocator's chain ID generation scheme per spec.md §9.
func (m *Manager) newSnapshotID() (string, error) {
	for attempt := 0; attempt < 1000; attempt++ {
		candidate := strconv.FormatUint(rand.Uint64(), 10)
		if _, err := os.Stat(filepath.Join(m.basePath, candidate+".tgz")); os.IsNotExist(err) {
			return candidate, nil
		}
	}
	return "", errors.New("could not find an unused snapshot id after 1000 attempts")
}
