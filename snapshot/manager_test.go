package snapshot

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/hashicorp/go-hclog"
	"github.com/masayil/snapstore/delta"
	"github.com/masayil/snapstore/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/sha3"
)

func newTestManager(t *testing.T, mutate func(*Config)) *Manager {
	t.Helper()

	config := DefaultConfig(filepath.Join(t.TempDir(), "snapshot_db"))

	if mutate != nil {
		mutate(config)
	}

	mgr, err := NewManager(hclog.NewNullLogger(), config, nil)
	require.NoError(t, err)

	t.Cleanup(func() {
		assert.NoError(t, mgr.Close())
	})

	return mgr
}

func newTestRegistry(t *testing.T) *InfoRegistry {
	t.Helper()

	registry, err := OpenInfoRegistry(hclog.NewNullLogger(), filepath.Join(t.TempDir(), "registry"))
	require.NoError(t, err)

	t.Cleanup(func() {
		assert.NoError(t, registry.Close())
	})

	return registry
}

func epochHash(b byte) types.Hash {
	var h types.Hash

	h[0] = b

	return h
}

func deltaOf(pairs map[string]string, deletes ...string) delta.Iterator {
	changes := delta.NewChanges()

	for k, v := range pairs {
		changes.Set([]byte(k), []byte(v))
	}

	for _, k := range deletes {
		changes.Delete([]byte(k))
	}

	return changes.Iterator()
}

// commitSnapshot runs a merge and completes the caller's half of the commit.
func commitSnapshot(
	t *testing.T,
	mgr *Manager,
	registry *InfoRegistry,
	oldEpoch, newEpoch types.Hash,
	height uint64,
	it delta.Iterator,
) *SnapshotInfo {
	t.Helper()

	tx, info, err := mgr.CreateSnapshotByMerging(oldEpoch, newEpoch, it, height, registry)
	require.NoError(t, err)

	require.NoError(t, tx.Put(newEpoch, info))
	tx.Release()

	return info
}

func keccakOf(chunks ...[]byte) []byte {
	hash := sha3.NewLegacyKeccak256()

	for _, chunk := range chunks {
		hash.Write(chunk)
	}

	return hash.Sum(nil)
}

func TestManagerNullEpoch(t *testing.T) {
	t.Parallel()

	mgr := newTestManager(t, nil)

	ref, err := mgr.GetSnapshot(NullEpoch, false)
	require.NoError(t, err)
	require.NotNil(t, ref)

	db := ref.Get()
	assert.True(t, db.IsNull())

	_, exists, err := db.Get([]byte("anything"))
	require.NoError(t, err)
	assert.False(t, exists)

	// the null snapshot holds no permit
	assert.Equal(t, int64(0), mgr.OpenSnapshots())

	ref.Release()
	ref.Release()
}

func TestManagerSnapshotNotFound(t *testing.T) {
	t.Parallel()

	mgr := newTestManager(t, nil)

	_, err := mgr.GetSnapshot(epochHash(0x99), false)
	assert.ErrorIs(t, err, ErrSnapshotNotFound)
}

func TestManagerBaseMerge(t *testing.T) {
	t.Parallel()

	mgr := newTestManager(t, nil)
	registry := newTestRegistry(t)

	epoch := epochHash(0x01)
	info := commitSnapshot(t, mgr, registry, NullEpoch, epoch, 1, deltaOf(map[string]string{
		"addr1": "balance1",
		"addr2": "balance2",
	}))

	assert.Equal(t, NullEpoch, info.ParentEpoch)
	assert.Equal(t, uint64(1), info.EpochHeight)
	assert.NotEqual(t, types.ZeroHash, info.MerkleRoot)

	stored, exists, err := registry.Get(epoch)
	require.NoError(t, err)
	require.True(t, exists)
	assert.Equal(t, info, stored)

	ref, err := mgr.GetSnapshot(epoch, false)
	require.NoError(t, err)

	defer ref.Release()

	db := ref.Get()
	assert.Equal(t, info.MerkleRoot, db.Root())

	value, exists, err := db.Get([]byte("addr1"))
	require.NoError(t, err)
	require.True(t, exists)
	assert.Equal(t, []byte("balance1"), value)
}

func TestManagerIncrementalMerge(t *testing.T) {
	t.Parallel()

	mgr := newTestManager(t, nil)
	registry := newTestRegistry(t)

	first := epochHash(0x01)
	second := epochHash(0x02)

	commitSnapshot(t, mgr, registry, NullEpoch, first, 1, deltaOf(map[string]string{
		"addr1": "balance1",
		"addr2": "balance2",
	}))

	info := commitSnapshot(t, mgr, registry, first, second, 2, deltaOf(map[string]string{
		"addr1": "balance1'",
		"addr3": "balance3",
	}, "addr2"))

	assert.Equal(t, first, info.ParentEpoch)

	oldRef, err := mgr.GetSnapshot(first, false)
	require.NoError(t, err)

	defer oldRef.Release()

	newRef, err := mgr.GetSnapshot(second, false)
	require.NoError(t, err)

	defer newRef.Release()

	// the new snapshot sees the delta applied
	value, exists, err := newRef.Get().Get([]byte("addr1"))
	require.NoError(t, err)
	require.True(t, exists)
	assert.Equal(t, []byte("balance1'"), value)

	_, exists, err = newRef.Get().Get([]byte("addr2"))
	require.NoError(t, err)
	assert.False(t, exists)

	value, exists, err = newRef.Get().Get([]byte("addr3"))
	require.NoError(t, err)
	require.True(t, exists)
	assert.Equal(t, []byte("balance3"), value)

	// the old snapshot is untouched
	value, exists, err = oldRef.Get().Get([]byte("addr2"))
	require.NoError(t, err)
	require.True(t, exists)
	assert.Equal(t, []byte("balance2"), value)
}

func TestManagerSharedReads(t *testing.T) {
	t.Parallel()

	mgr := newTestManager(t, nil)
	registry := newTestRegistry(t)

	epoch := epochHash(0x01)
	commitSnapshot(t, mgr, registry, NullEpoch, epoch, 1, deltaOf(map[string]string{"k": "v"}))

	first, err := mgr.GetSnapshot(epoch, false)
	require.NoError(t, err)

	second, err := mgr.GetSnapshot(epoch, true)
	require.NoError(t, err)

	assert.Same(t, first.Get(), second.Get())
	assert.Equal(t, int64(1), mgr.OpenSnapshots())

	first.Release()
	second.Release()

	assert.Equal(t, int64(0), mgr.OpenSnapshots())
}

func TestManagerAdmissionLimit(t *testing.T) {
	t.Parallel()

	mgr := newTestManager(t, func(c *Config) {
		c.MaxOpenSnapshots = 1
	})
	registry := newTestRegistry(t)

	first := epochHash(0x01)
	second := epochHash(0x02)

	commitSnapshot(t, mgr, registry, NullEpoch, first, 1, deltaOf(map[string]string{"a": "1"}))
	commitSnapshot(t, mgr, registry, NullEpoch, second, 1, deltaOf(map[string]string{"b": "2"}))

	held, err := mgr.GetSnapshot(first, false)
	require.NoError(t, err)

	_, err = mgr.GetSnapshot(second, true)
	assert.ErrorIs(t, err, ErrTooManyOpenSnapshots)

	held.Release()

	ref, err := mgr.GetSnapshot(second, true)
	require.NoError(t, err)

	ref.Release()
}

func TestManagerOrphanSweep(t *testing.T) {
	t.Parallel()

	root := t.TempDir()
	snapshotPath := filepath.Join(root, "snapshot_db")

	require.NoError(t, os.MkdirAll(snapshotPath, 0o755))

	committed := filepath.Join(snapshotPath, snapshotDirName(epochHash(0x01)))
	mergeOrphan := filepath.Join(snapshotPath, snapshotDirPrefix+mergeTempInfix+"deadbeef")
	syncOrphan := filepath.Join(snapshotPath, snapshotDirPrefix+fullSyncTempInfix+"deadbeef")

	for _, dir := range []string{committed, mergeOrphan, syncOrphan} {
		require.NoError(t, os.MkdirAll(dir, 0o755))
	}

	mgr, err := NewManager(hclog.NewNullLogger(), DefaultConfig(snapshotPath), nil)
	require.NoError(t, err)

	defer mgr.Close()

	assert.DirExists(t, committed)
	assert.NoDirExists(t, mergeOrphan)
	assert.NoDirExists(t, syncOrphan)
}

func TestManagerDestroy(t *testing.T) {
	t.Parallel()

	mgr := newTestManager(t, nil)
	registry := newTestRegistry(t)

	epoch := epochHash(0x01)
	commitSnapshot(t, mgr, registry, NullEpoch, epoch, 1, deltaOf(map[string]string{"k": "v"}))

	// destroying an unknown epoch is a no-op
	require.NoError(t, mgr.DestroySnapshot(epochHash(0x99)))

	ref, err := mgr.GetSnapshot(epoch, false)
	require.NoError(t, err)

	path := mgr.snapshotDbPath(epoch)

	// removal is deferred behind the live reader
	require.NoError(t, mgr.DestroySnapshot(epoch))
	assert.DirExists(t, path)

	// reads through the held reference keep working
	value, exists, err := ref.Get().Get([]byte("k"))
	require.NoError(t, err)
	require.True(t, exists)
	assert.Equal(t, []byte("v"), value)

	ref.Release()

	require.Eventually(t, func() bool {
		return !dirExists(path)
	}, 5*time.Second, 10*time.Millisecond)

	_, err = mgr.GetSnapshot(epoch, false)
	assert.ErrorIs(t, err, ErrSnapshotNotFound)

	require.NoError(t, mgr.DestroySnapshot(epoch))
}

func TestManagerDestroyUnopened(t *testing.T) {
	t.Parallel()

	mgr := newTestManager(t, nil)
	registry := newTestRegistry(t)

	epoch := epochHash(0x01)
	commitSnapshot(t, mgr, registry, NullEpoch, epoch, 1, deltaOf(map[string]string{"k": "v"}))

	path := mgr.snapshotDbPath(epoch)
	require.DirExists(t, path)

	// with no live handle the removal starts right away in the background
	require.NoError(t, mgr.DestroySnapshot(epoch))

	require.Eventually(t, func() bool {
		return !dirExists(path)
	}, 5*time.Second, 10*time.Millisecond)
}

func TestManagerFullSyncFlow(t *testing.T) {
	t.Parallel()

	mgr := newTestManager(t, nil)
	registry := newTestRegistry(t)

	epoch := epochHash(0x0a)

	writeRef, err := mgr.NewTempSnapshotForFullSync(epoch, types.ZeroHash, 100)
	require.NoError(t, err)

	db := writeRef.Get()
	require.NoError(t, db.DumpDelta(deltaOf(map[string]string{
		"addr1": "balance1",
		"addr2": "balance2",
	})))

	root, err := db.DirectMerge(nil)
	require.NoError(t, err)

	writeRef.Release()

	// the downloaded snapshot is not visible until finalized
	_, err = mgr.GetSnapshot(epoch, false)
	require.ErrorIs(t, err, ErrSnapshotNotFound)

	tx, err := mgr.FinalizeFullSyncSnapshot(epoch, types.ZeroHash, registry)
	require.NoError(t, err)

	require.NoError(t, tx.Put(epoch, &SnapshotInfo{
		MerkleRoot:  root,
		ParentEpoch: NullEpoch,
		EpochHeight: 100,
	}))
	tx.Release()

	ref, err := mgr.GetSnapshot(epoch, false)
	require.NoError(t, err)

	defer ref.Release()

	assert.Equal(t, root, ref.Get().Root())
}

func TestManagerIsolatedMptEra(t *testing.T) {
	t.Parallel()

	mgr := newTestManager(t, func(c *Config) {
		c.IsolateMptTable = true
		c.IsolateMptHeight = 0
		c.EraEpochCount = 2
	})
	registry := newTestRegistry(t)

	first := epochHash(0x01)
	second := epochHash(0x02)

	commitSnapshot(t, mgr, registry, NullEpoch, first, 1, deltaOf(map[string]string{
		"addr1": "balance1",
	}))

	// height 2 is an era boundary, the latest trie store is copied out
	commitSnapshot(t, mgr, registry, first, second, 2, deltaOf(map[string]string{
		"addr2": "balance2",
	}))

	require.DirExists(t, mgr.mptSnapshotDbPath(second))
	assert.NoDirExists(t, mgr.mptSnapshotDbPath(first))

	ref, err := mgr.GetSnapshot(second, false)
	require.NoError(t, err)

	defer ref.Release()

	// trie entries resolve through the era store
	entry, exists, err := ref.Get().MptEntry(keccakOf([]byte("addr1")))
	require.NoError(t, err)
	require.True(t, exists)
	assert.Equal(t, keccakOf([]byte("balance1")), entry)

	entry, exists, err = ref.Get().MptEntry(keccakOf([]byte("addr2")))
	require.NoError(t, err)
	require.True(t, exists)
	assert.Equal(t, keccakOf([]byte("balance2")), entry)

	// the snapshot below the era boundary reads through the latest store
	oldRef, err := mgr.GetSnapshot(first, false)
	require.NoError(t, err)

	defer oldRef.Release()

	_, exists, err = oldRef.Get().MptEntry(keccakOf([]byte("addr1")))
	require.NoError(t, err)
	assert.True(t, exists)
}

func TestManagerFailedOpenReleasesMptRef(t *testing.T) {
	t.Parallel()

	mgr := newTestManager(t, func(c *Config) {
		c.IsolateMptTable = true
		c.IsolateMptHeight = 0
		c.EraEpochCount = 2
	})
	registry := newTestRegistry(t)

	first := epochHash(0x01)
	second := epochHash(0x02)

	commitSnapshot(t, mgr, registry, NullEpoch, first, 1, deltaOf(map[string]string{
		"addr1": "balance1",
	}))
	commitSnapshot(t, mgr, registry, first, second, 2, deltaOf(map[string]string{
		"addr2": "balance2",
	}))

	require.DirExists(t, mgr.mptSnapshotDbPath(second))

	// corrupt the snapshot so the open fails after the era trie store
	// reference was already taken
	require.NoError(t, os.Remove(filepath.Join(mgr.snapshotDbPath(second), "CURRENT")))

	_, err := mgr.GetSnapshot(second, false)
	require.Error(t, err)

	// the failed open must hand its trie store reference back
	assert.Zero(t, mgr.mptSnapshots.openCount())
	assert.Zero(t, mgr.snapshots.openCount())
}

func TestManagerTryOpenCoversEraMptStore(t *testing.T) {
	t.Parallel()

	mgr := newTestManager(t, func(c *Config) {
		c.IsolateMptTable = true
		c.IsolateMptHeight = 0
		c.EraEpochCount = 2
		c.MaxOpenSnapshots = 1
	})
	registry := newTestRegistry(t)

	first := epochHash(0x01)
	second := epochHash(0x02)

	// base merges at era boundaries; each one only holds the write permit
	commitSnapshot(t, mgr, registry, NullEpoch, first, 2, deltaOf(map[string]string{
		"addr1": "balance1",
	}))
	commitSnapshot(t, mgr, registry, NullEpoch, second, 4, deltaOf(map[string]string{
		"addr2": "balance2",
	}))

	require.DirExists(t, mgr.mptSnapshotDbPath(first))
	require.DirExists(t, mgr.mptSnapshotDbPath(second))

	// saturate the trie store gate with a different era
	mptRef, err := mgr.openMptSnapshotReadonly(mgr.mptSnapshotDbPath(first), false)
	require.NoError(t, err)
	require.NotNil(t, mptRef)

	defer mptRef.Release()

	// a fail-fast open must not block on the inner trie store acquire
	_, err = mgr.GetSnapshot(second, true)
	assert.ErrorIs(t, err, ErrTooManyOpenSnapshots)
}

func TestManagerClosed(t *testing.T) {
	t.Parallel()

	mgr := newTestManager(t, nil)
	require.NoError(t, mgr.Close())

	_, err := mgr.GetSnapshot(NullEpoch, false)
	assert.ErrorIs(t, err, ErrManagerClosed)

	_, _, err = mgr.CreateSnapshotByMerging(NullEpoch, epochHash(0x01), deltaOf(nil), 1, nil)
	assert.ErrorIs(t, err, ErrManagerClosed)

	assert.ErrorIs(t, mgr.DestroySnapshot(epochHash(0x01)), ErrManagerClosed)
}
