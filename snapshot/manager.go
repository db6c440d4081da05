package snapshot

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/hashicorp/go-hclog"
	"github.com/hashicorp/go-multierror"
	"github.com/masayil/snapstore/delta"
	"github.com/masayil/snapstore/helper/cowfs"
	"github.com/masayil/snapstore/helper/metrics"
	"github.com/masayil/snapstore/snapshotdb"
	"github.com/masayil/snapstore/types"
	"go.uber.org/atomic"
)

const (
	DefaultMaxOpenSnapshots = 16
	DefaultEraEpochCount    = 2000
)

// NullEpoch is the sentinel epoch denoting "no prior snapshot".
var NullEpoch = types.ZeroHash

// Config carries the manager configuration. The zero value is not usable;
// start from DefaultConfig.
type Config struct {
	// SnapshotPath is the root under which committed snapshot directories
	// live. The isolated trie stores live under a sibling directory.
	SnapshotPath string

	// MaxOpenSnapshots bounds concurrently open snapshot databases.
	// Consensus initiated opens wait at the bound; rpc initiated opens
	// fail fast with ErrTooManyOpenSnapshots.
	MaxOpenSnapshots int64

	// IsolateMptTable moves the trie sub-table of snapshots at or above
	// IsolateMptHeight into a separately versioned store.
	IsolateMptTable  bool
	IsolateMptHeight uint64

	// EraEpochCount is the recurring boundary at which the latest isolated
	// trie store is copied out into an era-named directory.
	EraEpochCount uint64

	// ForceCow turns the copy-on-write fallback into a fatal configuration
	// error. Useful to catch a node accidentally provisioned on a
	// filesystem without reflink support.
	ForceCow bool

	// DB tunes the databases backing individual snapshots.
	DB *snapshotdb.Config
}

func DefaultConfig(snapshotPath string) *Config {
	return &Config{
		SnapshotPath:     snapshotPath,
		MaxOpenSnapshots: DefaultMaxOpenSnapshots,
		EraEpochCount:    DefaultEraEpochCount,
		DB:               snapshotdb.DefaultConfig(),
	}
}

// Manager owns the snapshot directories on disk and arbitrates concurrent
// access to them. It is constructed once at node startup and shared by
// reference between consensus execution, state sync and rpc.
type Manager struct {
	logger hclog.Logger

	config *Config

	snapshotPath string
	mptPath      string

	copier *cowfs.Copier

	snapshots    *openTracker[*snapshotdb.DB]
	mptSnapshots *openTracker[*snapshotdb.MptDB]

	// latestMpt is the writable isolated trie store, kept open for the
	// lifetime of the manager.
	latestMpt *snapshotdb.MptDB

	nullSnapshot *snapshotdb.DB

	metrics *Metrics

	// removals tracks background directory removals so Close can wait
	// them out
	removals sync.WaitGroup

	closed atomic.Bool
}

// NewManager creates the snapshot lifecycle manager, sweeping orphan temp
// directories left behind by a previous run and opening (or creating) the
// latest isolated trie store.
func NewManager(logger hclog.Logger, config *Config, m *Metrics) (*Manager, error) {
	logger = logger.Named("snapshot")

	if m == nil {
		m = NilMetrics()
	}

	if config.MaxOpenSnapshots <= 0 {
		config.MaxOpenSnapshots = DefaultMaxOpenSnapshots
	}

	if config.EraEpochCount == 0 {
		config.EraEpochCount = DefaultEraEpochCount
	}

	if config.DB == nil {
		config.DB = snapshotdb.DefaultConfig()
	}

	if config.ForceCow && !cowfs.Supported() {
		return nil, fmt.Errorf("%w: platform has no copy-on-write mechanism", ErrCowCreation)
	}

	snapshotPath := config.SnapshotPath
	if err := os.MkdirAll(snapshotPath, 0o755); err != nil {
		return nil, fmt.Errorf("create snapshot root %s: %w", snapshotPath, err)
	}

	mptPath := filepath.Join(filepath.Dir(snapshotPath), mptSnapshotDir)
	if err := os.MkdirAll(mptPath, 0o755); err != nil {
		return nil, fmt.Errorf("create mpt snapshot root %s: %w", mptPath, err)
	}

	sweepOrphans(logger, snapshotPath)
	sweepOrphans(logger, mptPath)

	mgr := &Manager{
		logger:       logger,
		config:       config,
		snapshotPath: snapshotPath,
		mptPath:      mptPath,
		copier:       cowfs.NewCopier(logger),
		nullSnapshot: snapshotdb.NewNull(logger),
		metrics:      m,
	}

	mgr.snapshots = newOpenTracker[*snapshotdb.DB](
		logger,
		config.MaxOpenSnapshots,
		mgr.fsRemoveSnapshot,
		func(open int64) { metrics.SetGauge(m.openSnapshots, float64(open)) },
	)
	mgr.mptSnapshots = newOpenTracker[*snapshotdb.MptDB](
		logger.Named("mpt"),
		config.MaxOpenSnapshots,
		mgr.fsRemoveSnapshot,
		func(open int64) { metrics.SetGauge(m.openMptSnapshots, float64(open)) },
	)

	latestPath := mgr.latestMptPath()

	var (
		latest *snapshotdb.MptDB
		err    error
	)

	if dirExists(latestPath) {
		latest, err = snapshotdb.OpenMpt(logger, latestPath, false, config.DB)
	} else {
		latest, err = snapshotdb.CreateMpt(logger, latestPath, config.DB)
	}

	if err != nil {
		return nil, err
	}

	mgr.latestMpt = latest

	return mgr, nil
}

// mptTableInCurrentDb reports whether a snapshot at height keeps its trie
// sub-table inline instead of deferring to the isolated store.
func (m *Manager) mptTableInCurrentDb(height uint64) bool {
	if !m.config.IsolateMptTable {
		return true
	}

	return height < m.config.IsolateMptHeight
}

// GetSnapshot returns a shared read handle for the snapshot of epoch. The
// null epoch resolves to the always-available empty snapshot. tryOpen
// selects fail-fast admission for callers off the critical path; those
// callers must treat ErrTooManyOpenSnapshots as retryable.
func (m *Manager) GetSnapshot(epoch types.Hash, tryOpen bool) (*Ref[*snapshotdb.DB], error) {
	if m.closed.Load() {
		return nil, ErrManagerClosed
	}

	if epoch == NullEpoch {
		return newRef(&openHandle[*snapshotdb.DB]{resource: m.nullSnapshot}), nil
	}

	ref, err := m.openSnapshotReadonly(m.snapshotDbPath(epoch), tryOpen, epoch)
	if err != nil {
		return nil, err
	}

	if ref == nil {
		return nil, fmt.Errorf("%w: epoch %s", ErrSnapshotNotFound, epochSummary(epoch))
	}

	return ref, nil
}

// openSnapshotReadonly opens path shared, resolving the isolated trie store
// of the epoch when the table is not inline. A nil, nil return means the
// path does not exist.
func (m *Manager) openSnapshotReadonly(path string, tryOpen bool, epoch types.Hash) (*Ref[*snapshotdb.DB], error) {
	ref, err := m.snapshots.acquireShared(path, tryOpen, func() (*snapshotdb.DB, error) {
		var (
			mpt        *snapshotdb.MptDB
			mptRelease func()
		)

		if m.config.IsolateMptTable {
			mptPath := m.mptSnapshotDbPath(epoch)
			if dirExists(mptPath) {
				mptRef, err := m.openMptSnapshotReadonly(mptPath, tryOpen)
				if err != nil {
					return nil, err
				}

				if mptRef != nil {
					mpt = mptRef.Get()
					mptRelease = mptRef.Release
				}
			} else {
				mpt = m.latestMpt
			}
		}

		metrics.CounterInc(m.metrics.newOpenCount)

		db, err := snapshotdb.Open(m.logger, path, true, m.config.DB, mpt, mptRelease)
		if err != nil {
			// the database never took ownership of the trie store reference
			if mptRelease != nil {
				mptRelease()
			}

			return nil, err
		}

		return db, nil
	})

	if err == nil && ref != nil {
		metrics.CounterInc(m.metrics.sharedOpenCount)
	}

	return ref, err
}

func (m *Manager) openMptSnapshotReadonly(path string, tryOpen bool) (*Ref[*snapshotdb.MptDB], error) {
	return m.mptSnapshots.acquireShared(path, tryOpen, func() (*snapshotdb.MptDB, error) {
		return snapshotdb.OpenMpt(m.logger, path, true, m.config.DB)
	})
}

// openSnapshotWrite opens (or creates) path for exclusive write. Writers
// never coexist with any other opener.
func (m *Manager) openSnapshotWrite(path string, create bool, height uint64) (*Ref[*snapshotdb.DB], error) {
	inline := m.mptTableInCurrentDb(height)

	mpt := m.latestMpt
	if inline {
		mpt = nil
	}

	return m.snapshots.acquireExclusive(path, func() (*snapshotdb.DB, error) {
		if create {
			if dirExists(path) {
				return nil, ErrSnapshotAlreadyExists
			}

			return snapshotdb.Create(m.logger, path, m.config.DB, mpt, inline)
		}

		if !dirExists(path) {
			return nil, ErrSnapshotNotFound
		}

		db, err := snapshotdb.Open(m.logger, path, false, m.config.DB, mpt, nil)
		if err != nil {
			return nil, err
		}

		if !inline {
			// the copied base carried an inline table that now lives in
			// the isolated store
			if err := db.DropMptTable(); err != nil {
				_ = db.Close()

				return nil, err
			}
		}

		return db, nil
	})
}

// CreateSnapshotByMerging derives the snapshot of newEpoch from the one of
// oldEpoch plus the delta accumulated between them.
//
// On success the caller receives the held registry write guard together
// with the metadata of the new snapshot; appending the record and releasing
// the guard is the caller's half of the commit, which keeps the directory
// rename and the registry update linearized as one step.
func (m *Manager) CreateSnapshotByMerging(
	oldEpoch types.Hash,
	newEpoch types.Hash,
	deltaIter delta.Iterator,
	newHeight uint64,
	registry *InfoRegistry,
) (*RegistryTx, *SnapshotInfo, error) {
	if m.closed.Load() {
		return nil, nil, ErrManagerClosed
	}

	m.logger.Debug("new snapshot by merging",
		"old", epochSummary(oldEpoch),
		"new", epochSummary(newEpoch),
		"height", newHeight,
	)

	started := time.Now()

	tempPath := m.mergeTempPath(oldEpoch, newEpoch)
	inline := m.mptTableInCurrentDb(newHeight)

	var (
		root types.Hash
		cow  bool
		err  error
	)

	if oldEpoch == NullEpoch {
		root, err = m.mergeFirstSnapshot(tempPath, deltaIter, newHeight)
	} else {
		root, cow, err = m.mergeIncremental(oldEpoch, tempPath, deltaIter, newHeight)
	}

	if err != nil {
		return nil, nil, err
	}

	if !inline && newHeight%m.config.EraEpochCount == 0 {
		if err := m.migrateLatestMpt(newEpoch, newHeight); err != nil {
			return nil, nil, err
		}
	}

	info := &SnapshotInfo{
		MerkleRoot:  root,
		ParentEpoch: oldEpoch,
		EpochHeight: newHeight,
	}

	finalPath := m.snapshotDbPath(newEpoch)

	// the guard is held across the rename and handed to the caller
	tx := registry.Write()

	if err := os.Rename(tempPath, finalPath); err != nil {
		tx.Release()

		return nil, nil, fmt.Errorf("commit snapshot %s: %w", epochSummary(newEpoch), err)
	}

	metrics.HistogramObserve(m.metrics.mergeSeconds, time.Since(started).Seconds())

	// reflink copies fragment XFS over time; defragment a sampled subset
	// of snapshots
	if cow && newEpoch[types.HashLength-1]&15 == 0 {
		m.copier.DefragmentDir(finalPath)
	}

	return tx, info, nil
}

// mergeFirstSnapshot builds the first ever snapshot: there is nothing to
// copy, the delta alone becomes the state.
func (m *Manager) mergeFirstSnapshot(tempPath string, deltaIter delta.Iterator, height uint64) (types.Hash, error) {
	writeRef, err := m.openSnapshotWrite(tempPath, true, height)
	if err != nil {
		return types.ZeroHash, err
	}

	defer writeRef.Release()

	db := writeRef.Get()

	if err := db.DumpDelta(deltaIter); err != nil {
		return types.ZeroHash, err
	}

	return db.DirectMerge(nil)
}

// mergeIncremental derives the new snapshot from the previous one, through
// a copy-on-write duplication when the filesystem supports it and through a
// full read of the old snapshot otherwise.
func (m *Manager) mergeIncremental(
	oldEpoch types.Hash,
	tempPath string,
	deltaIter delta.Iterator,
	height uint64,
) (types.Hash, bool, error) {
	oldPath := m.snapshotDbPath(oldEpoch)
	if !dirExists(oldPath) {
		return types.ZeroHash, false, fmt.Errorf("%w: epoch %s", ErrSnapshotNotFound, epochSummary(oldEpoch))
	}

	if err := m.copier.TryCowCopy(oldPath, tempPath); err == nil {
		metrics.CounterInc(m.metrics.cowCopyCount)

		root, mergeErr := m.mergeOntoCopy(oldEpoch, tempPath, deltaIter, height)

		return root, true, mergeErr
	} else if m.config.ForceCow {
		return types.ZeroHash, false, fmt.Errorf("%w: %s", ErrCowCreation, err)
	} else if !errors.Is(err, cowfs.ErrUnsupported) {
		m.logger.Warn("cow copy failed, merging through a full read of the old snapshot",
			"old", epochSummary(oldEpoch), "err", err)
	}

	metrics.CounterInc(m.metrics.stdCopyCount)

	root, err := m.mergeAgainstOld(oldEpoch, tempPath, deltaIter, height)

	return root, false, err
}

// copySnapshot duplicates a snapshot directory, preferring copy-on-write.
// Under ForceCow a failed or unsupported clone is fatal instead of falling
// back to a full copy.
func (m *Manager) copySnapshot(oldPath, newPath string) (cowfs.CopyType, error) {
	if m.config.ForceCow {
		if err := m.copier.TryCowCopy(oldPath, newPath); err != nil {
			return cowfs.CopyTypeStd, fmt.Errorf("%w: %s", ErrCowCreation, err)
		}

		metrics.CounterInc(m.metrics.cowCopyCount)

		return cowfs.CopyTypeCow, nil
	}

	copyType, err := m.copier.Copy(oldPath, newPath)
	if err != nil {
		return copyType, fmt.Errorf("%w: %s", ErrCopyFailure, err)
	}

	if copyType == cowfs.CopyTypeCow {
		metrics.CounterInc(m.metrics.cowCopyCount)
	} else {
		metrics.CounterInc(m.metrics.stdCopyCount)
	}

	return copyType, nil
}

// mergeOntoCopy reopens the duplicated directory for write, replaces the
// carried-over delta dump with the new delta and merges directly against
// the old snapshot's read handle.
func (m *Manager) mergeOntoCopy(
	oldEpoch types.Hash,
	tempPath string,
	deltaIter delta.Iterator,
	height uint64,
) (types.Hash, error) {
	writeRef, err := m.openSnapshotWrite(tempPath, false, height)
	if err != nil {
		return types.ZeroHash, err
	}

	defer writeRef.Release()

	db := writeRef.Get()

	if err := db.DropDeltaDump(); err != nil {
		return types.ZeroHash, err
	}

	if err := db.DumpDelta(deltaIter); err != nil {
		return types.ZeroHash, err
	}

	oldRef, err := m.openSnapshotReadonly(m.snapshotDbPath(oldEpoch), false, oldEpoch)
	if err != nil {
		return types.ZeroHash, err
	}

	if oldRef == nil {
		return types.ZeroHash, fmt.Errorf("%w: epoch %s", ErrSnapshotNotFound, epochSummary(oldEpoch))
	}

	defer oldRef.Release()

	return db.DirectMerge(oldRef.Get())
}

// mergeAgainstOld builds a fresh database holding only the delta and folds
// the entire old snapshot in through a read-only open.
func (m *Manager) mergeAgainstOld(
	oldEpoch types.Hash,
	tempPath string,
	deltaIter delta.Iterator,
	height uint64,
) (types.Hash, error) {
	writeRef, err := m.openSnapshotWrite(tempPath, true, height)
	if err != nil {
		return types.ZeroHash, err
	}

	defer writeRef.Release()

	db := writeRef.Get()

	if err := db.DumpDelta(deltaIter); err != nil {
		return types.ZeroHash, err
	}

	oldRef, err := m.openSnapshotReadonly(m.snapshotDbPath(oldEpoch), false, oldEpoch)
	if err != nil {
		return types.ZeroHash, err
	}

	if oldRef == nil {
		return types.ZeroHash, fmt.Errorf("%w: epoch %s", ErrSnapshotNotFound, epochSummary(oldEpoch))
	}

	defer oldRef.Release()

	return db.CopyAndMerge(oldRef.Get())
}

// migrateLatestMpt copies the latest isolated trie store into the
// era-named directory of newEpoch, with the same copy-on-write-or-fallback
// policy as snapshot derivation.
func (m *Manager) migrateLatestMpt(newEpoch types.Hash, height uint64) error {
	m.logger.Debug("copying latest mpt store for era boundary",
		"epoch", epochSummary(newEpoch),
		"height", height,
		"eraEpochCount", m.config.EraEpochCount,
	)

	tempPath := m.mergeTempMptPath(newEpoch)

	if _, err := m.copySnapshot(m.latestMptPath(), tempPath); err != nil {
		return err
	}

	if err := os.Rename(tempPath, m.mptSnapshotDbPath(newEpoch)); err != nil {
		return fmt.Errorf("commit era mpt snapshot %s: %w", epochSummary(newEpoch), err)
	}

	return nil
}

// DestroySnapshot logically deletes the snapshot of epoch, and its isolated
// trie store when one exists. Idempotent: destroying a missing epoch is a
// no-op. With live readers the physical removal is deferred until the last
// handle fully closes.
func (m *Manager) DestroySnapshot(epoch types.Hash) error {
	if m.closed.Load() {
		return ErrManagerClosed
	}

	if epoch == NullEpoch {
		return nil
	}

	metrics.CounterInc(m.metrics.destroyCount)

	// without a live handle the directory is removed in the background
	// right away; with one the removal waits for the last reference
	path := m.snapshotDbPath(epoch)
	if !m.snapshots.destroy(path) && dirExists(path) {
		m.fsRemoveSnapshot(path)
	}

	mptPath := m.mptSnapshotDbPath(epoch)
	if !m.mptSnapshots.destroy(mptPath) && dirExists(mptPath) {
		m.fsRemoveSnapshot(mptPath)
	}

	return nil
}

// fsRemoveSnapshot removes a directory tree on a background goroutine, so
// callers never block on a potentially large tree. Failures are logged and
// otherwise ignored; the orphan sweep of the next start reconciles
// leftovers. Close waits for in-flight removals.
func (m *Manager) fsRemoveSnapshot(path string) {
	m.logger.Debug("removing snapshot directory", "path", path)

	m.removals.Add(1)

	go func() {
		defer m.removals.Done()

		if err := os.RemoveAll(path); err != nil {
			m.logger.Error("failed to remove snapshot directory", "path", path, "err", err)

			return
		}

		m.logger.Debug("removed snapshot directory", "path", path)
	}()
}

// NewTempSnapshotForFullSync creates an exclusively owned snapshot under
// the full-sync temp name of (epoch, root), for a caller that populates it
// by bulk download instead of merging a delta.
func (m *Manager) NewTempSnapshotForFullSync(epoch, root types.Hash, height uint64) (*Ref[*snapshotdb.DB], error) {
	if m.closed.Load() {
		return nil, ErrManagerClosed
	}

	return m.openSnapshotWrite(m.fullSyncTempPath(epoch, root), true, height)
}

// FinalizeFullSyncSnapshot commits a fully downloaded snapshot with the
// same discipline as a merge commit: rename under the registry write lock,
// guard returned to the caller. The caller must have released its write
// handle first.
func (m *Manager) FinalizeFullSyncSnapshot(epoch, root types.Hash, registry *InfoRegistry) (*RegistryTx, error) {
	if m.closed.Load() {
		return nil, ErrManagerClosed
	}

	tempPath := m.fullSyncTempPath(epoch, root)
	finalPath := m.snapshotDbPath(epoch)

	tx := registry.Write()

	if err := os.Rename(tempPath, finalPath); err != nil {
		tx.Release()

		return nil, fmt.Errorf("commit full sync snapshot %s: %w", epochSummary(epoch), err)
	}

	return tx, nil
}

// OpenSnapshots returns the number of genuinely open snapshot databases.
func (m *Manager) OpenSnapshots() int64 {
	return m.snapshots.openCount()
}

// Close shuts the manager down, closing the resources the manager itself
// owns. Callers are expected to release their snapshot handles first.
func (m *Manager) Close() error {
	if !m.closed.CompareAndSwap(false, true) {
		return nil
	}

	m.removals.Wait()

	var result error

	if err := m.latestMpt.Close(); err != nil {
		result = multierror.Append(result, err)
	}

	if err := m.nullSnapshot.Close(); err != nil {
		result = multierror.Append(result, err)
	}

	return result
}
