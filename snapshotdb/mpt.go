package snapshotdb

import (
	"fmt"

	"github.com/hashicorp/go-hclog"
	"github.com/masayil/snapstore/helper/kvdb"
	"github.com/masayil/snapstore/helper/kvdb/leveldb"
	"go.uber.org/atomic"
)

// MptDB is the isolated trie-table store used above the configured isolation
// height. One writable "latest" instance accumulates trie entries across
// epochs; era-named copies of it are immutable history.
type MptDB struct {
	logger hclog.Logger

	path     string
	readonly bool

	db kvdb.KVBatchStorage

	closed atomic.Bool
}

// CreateMpt creates a fresh isolated trie store at path.
func CreateMpt(logger hclog.Logger, path string, config *Config) (*MptDB, error) {
	store, err := leveldb.NewBuilder(logger, path).
		SetCacheSize(config.CacheSize).
		SetHandles(config.Handles).
		SetNoSync(config.NoSync).
		Build()
	if err != nil {
		return nil, fmt.Errorf("create mpt snapshot db %s: %w", path, err)
	}

	return &MptDB{
		logger: logger,
		path:   path,
		db:     store,
	}, nil
}

// OpenMpt opens an existing isolated trie store.
func OpenMpt(logger hclog.Logger, path string, readonly bool, config *Config) (*MptDB, error) {
	store, err := leveldb.NewBuilder(logger, path).
		SetCacheSize(config.CacheSize).
		SetHandles(config.Handles).
		SetNoSync(config.NoSync).
		SetOpenExisting(true).
		SetReadOnly(readonly).
		Build()
	if err != nil {
		return nil, fmt.Errorf("open mpt snapshot db %s: %w", path, err)
	}

	return &MptDB{
		logger:   logger,
		path:     path,
		readonly: readonly,
		db:       store,
	}, nil
}

func (m *MptDB) Path() string {
	return m.path
}

func (m *MptDB) Readonly() bool {
	return m.readonly
}

// Entry reads a trie node by key.
func (m *MptDB) Entry(key []byte) ([]byte, bool, error) {
	return m.db.Get(append(mptPrefix, key...))
}

// SetEntry writes a trie node.
func (m *MptDB) SetEntry(key, value []byte) error {
	return m.db.Set(append(mptPrefix, key...), value)
}

// DeleteEntry removes a trie node.
func (m *MptDB) DeleteEntry(key []byte) error {
	return m.db.Delete(append(mptPrefix, key...))
}

// Close closes the underlying database. Safe to call once.
func (m *MptDB) Close() error {
	if !m.closed.CompareAndSwap(false, true) {
		return nil
	}

	if err := m.db.Close(); err != nil {
		return fmt.Errorf("close mpt snapshot db %s: %w", m.path, err)
	}

	return nil
}
