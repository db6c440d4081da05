package snapshot

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/hashicorp/go-hclog"
	"github.com/masayil/snapstore/types"
)

const (
	// snapshotDirPrefix prefixes every snapshot directory name.
	snapshotDirPrefix = "ldb_"

	// mergeTempInfix and fullSyncTempInfix distinguish uncommitted build
	// directories from committed ones, so a crash mid-build never leaves a
	// directory reachable by epoch lookup.
	mergeTempInfix    = "merge_temp_"
	fullSyncTempInfix = "full_sync_temp_"

	// mptSnapshotDir is the sibling root of the isolated trie stores.
	mptSnapshotDir = "mpt_snapshot"
	// latestMptDir is the currently active isolated trie store.
	latestMptDir = "latest"
)

// snapshotDirName maps an epoch to its committed directory name.
func snapshotDirName(epoch types.Hash) string {
	return snapshotDirPrefix + epoch.Hex()
}

func (m *Manager) snapshotDbPath(epoch types.Hash) string {
	return filepath.Join(m.snapshotPath, snapshotDirName(epoch))
}

// mergeTempPath incorporates both the source and the target epoch, so
// concurrent merges for different lineages never collide.
func (m *Manager) mergeTempPath(oldEpoch, newEpoch types.Hash) string {
	return filepath.Join(m.snapshotPath, snapshotDirPrefix+mergeTempInfix+oldEpoch.Hex()+newEpoch.Hex())
}

// fullSyncTempPath is keyed by epoch and expected root, so concurrent full
// sync attempts for different roots never collide.
func (m *Manager) fullSyncTempPath(epoch, root types.Hash) string {
	return filepath.Join(m.snapshotPath, snapshotDirPrefix+fullSyncTempInfix+epoch.Hex()+root.Hex())
}

func (m *Manager) mptSnapshotDbPath(epoch types.Hash) string {
	return filepath.Join(m.mptPath, snapshotDirName(epoch))
}

func (m *Manager) mergeTempMptPath(newEpoch types.Hash) string {
	return filepath.Join(m.mptPath, snapshotDirPrefix+mergeTempInfix+newEpoch.Hex())
}

func (m *Manager) latestMptPath() string {
	return filepath.Join(m.mptPath, latestMptDir)
}

// sweepOrphans removes leftover temp directories from interrupted merges
// and full syncs. A registry entry never points at a temp name, so anything
// matching the temp patterns is garbage by construction.
func sweepOrphans(logger hclog.Logger, root string) {
	entries, err := os.ReadDir(root)
	if err != nil {
		return
	}

	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}

		name := entry.Name()
		if !strings.HasPrefix(name, snapshotDirPrefix+mergeTempInfix) &&
			!strings.HasPrefix(name, snapshotDirPrefix+fullSyncTempInfix) {
			continue
		}

		path := filepath.Join(root, name)

		logger.Info("removing orphan snapshot directory", "path", path)

		if err := os.RemoveAll(path); err != nil {
			logger.Error("failed to remove orphan snapshot directory", "path", path, "err", err)
		}
	}
}

// epochSummary is the short form used in log lines.
func epochSummary(epoch types.Hash) string {
	return fmt.Sprintf("%.10s", epoch.Hex())
}
