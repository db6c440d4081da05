package snapshotdb

import (
	"fmt"

	"github.com/VictoriaMetrics/fastcache"
	"github.com/hashicorp/go-hclog"
	"github.com/hashicorp/go-multierror"
	"github.com/masayil/snapstore/delta"
	"github.com/masayil/snapstore/helper/kvdb"
	"github.com/masayil/snapstore/helper/kvdb/leveldb"
	"github.com/masayil/snapstore/types"
	"go.uber.org/atomic"
	"golang.org/x/crypto/sha3"
)

var (
	// statePrefix keys the committed state table.
	statePrefix = []byte("s:")
	// deltaPrefix keys the dumped delta table, dropped once merged.
	deltaPrefix = []byte("d:")
	// mptPrefix keys the trie sub-table when it lives inline.
	mptPrefix = []byte("m:")

	// metaRootKey holds the merkle root computed at merge time.
	metaRootKey = []byte("meta:root")

	// tombstone marks a deletion inside the delta table; a value byte of
	// deltaValueTag prefixes live values
	deltaTombstoneTag = byte(0x00)
	deltaValueTag     = byte(0x01)
)

const (
	// readCacheSize bounds the fastcache used on the state read path.
	readCacheSize = 32 * 1024 * 1024
)

// Config tunes the databases backing individual snapshots.
type Config struct {
	CacheSize int  // leveldb block cache, MiB
	Handles   int  // leveldb open file handles
	NoSync    bool // skip fsync on writes, only safe for temp databases
}

func DefaultConfig() *Config {
	return &Config{
		CacheSize: leveldb.DefaultCache,
		Handles:   leveldb.DefaultHandles,
		NoSync:    leveldb.DefaultNoSyncFlag,
	}
}

// DB is one open file-backed snapshot database. A snapshot is built under a
// temporary directory, committed by rename, and immutable afterwards.
//
// The trie sub-table lives either inline (mptInline) or in a separate,
// independently versioned MptDB owned by the lifecycle manager. When an
// isolated store was opened just for this snapshot, mptRelease hands its
// reference back on close.
type DB struct {
	logger hclog.Logger

	path     string
	readonly bool

	db    kvdb.KVBatchStorage
	cache *fastcache.Cache

	mpt        *MptDB
	mptInline  bool
	mptRelease func()

	closed atomic.Bool
}

// Create creates a fresh snapshot database at path. The directory must not
// hold a committed snapshot; create is only ever used on temp paths.
func Create(logger hclog.Logger, path string, config *Config, mpt *MptDB, mptInline bool) (*DB, error) {
	store, err := leveldb.NewBuilder(logger, path).
		SetCacheSize(config.CacheSize).
		SetHandles(config.Handles).
		SetNoSync(config.NoSync).
		Build()
	if err != nil {
		return nil, fmt.Errorf("create snapshot db %s: %w", path, err)
	}

	return &DB{
		logger:    logger,
		path:      path,
		db:        store,
		cache:     fastcache.New(readCacheSize),
		mpt:       mpt,
		mptInline: mptInline,
	}, nil
}

// Open opens an existing snapshot database. mptRelease may be nil; when set
// it is invoked exactly once after the underlying database closed.
func Open(
	logger hclog.Logger,
	path string,
	readonly bool,
	config *Config,
	mpt *MptDB,
	mptRelease func(),
) (*DB, error) {
	store, err := leveldb.NewBuilder(logger, path).
		SetCacheSize(config.CacheSize).
		SetHandles(config.Handles).
		SetNoSync(config.NoSync).
		SetOpenExisting(true).
		SetReadOnly(readonly).
		Build()
	if err != nil {
		return nil, fmt.Errorf("open snapshot db %s: %w", path, err)
	}

	db := &DB{
		logger:     logger,
		path:       path,
		readonly:   readonly,
		db:         store,
		cache:      fastcache.New(readCacheSize),
		mpt:        mpt,
		mptRelease: mptRelease,
	}

	// the trie table is inline unless an isolated store was supplied
	db.mptInline = mpt == nil

	return db, nil
}

// NewNull returns the empty snapshot backing the null epoch. It is always
// available, holds no file resources and every read misses.
func NewNull(logger hclog.Logger) *DB {
	return &DB{
		logger:    logger,
		readonly:  true,
		cache:     fastcache.New(1024),
		mptInline: true,
	}
}

// IsNull reports whether this is the empty snapshot of the null epoch.
func (db *DB) IsNull() bool {
	return db.db == nil
}

func (db *DB) Path() string {
	return db.path
}

func (db *DB) Readonly() bool {
	return db.readonly
}

// Root returns the merkle root recorded by the last merge, or ZeroHash for
// a database that has not merged yet.
func (db *DB) Root() types.Hash {
	if db.db == nil {
		return types.ZeroHash
	}

	value, exists, err := db.db.Get(metaRootKey)
	if err != nil || !exists {
		return types.ZeroHash
	}

	return types.BytesToHash(value)
}

// Get reads a key from the committed state table.
func (db *DB) Get(key []byte) ([]byte, bool, error) {
	if db.db == nil {
		// null snapshot
		return nil, false, nil
	}

	stateKey := append(statePrefix, key...)

	if value, ok := db.cache.HasGet(nil, stateKey); ok {
		return value, true, nil
	}

	value, exists, err := db.db.Get(stateKey)
	if err != nil || !exists {
		return nil, false, err
	}

	db.cache.Set(stateKey, value)

	return value, true, nil
}

// MptEntry reads a trie node, from the inline table or the isolated store.
func (db *DB) MptEntry(key []byte) ([]byte, bool, error) {
	if db.db == nil {
		return nil, false, nil
	}

	if db.mptInline {
		return db.db.Get(append(mptPrefix, key...))
	}

	if db.mpt == nil {
		return nil, false, nil
	}

	return db.mpt.Entry(key)
}

// DumpDelta streams the delta iterator into the delta table. The dump is an
// intermediate artifact consumed and dropped by the merge.
func (db *DB) DumpDelta(it delta.Iterator) error {
	batch := db.db.NewBatch()
	count := 0
	pending := 0

	for it.Next() {
		value := it.Value()

		if value == nil {
			batch.Set(append(deltaPrefix, it.Key()...), []byte{deltaTombstoneTag})
		} else {
			tagged := make([]byte, 0, len(value)+1)
			tagged = append(tagged, deltaValueTag)
			tagged = append(tagged, value...)
			batch.Set(append(deltaPrefix, it.Key()...), tagged)
		}

		count++

		if pending++; pending >= flushThreshold {
			if err := batch.Write(); err != nil {
				return fmt.Errorf("dump delta into %s: %w", db.path, err)
			}

			batch = db.db.NewBatch()
			pending = 0
		}
	}

	if err := it.Error(); err != nil {
		return fmt.Errorf("delta iterator: %w", err)
	}

	if err := batch.Write(); err != nil {
		return fmt.Errorf("dump delta into %s: %w", db.path, err)
	}

	db.logger.Debug("dumped delta", "path", db.path, "changes", count)

	return nil
}

// DropDeltaDump removes a delta table carried over from a copied snapshot.
func (db *DB) DropDeltaDump() error {
	return db.dropTable(deltaPrefix)
}

// DropMptTable removes the inline trie table; used when the snapshot defers
// to the isolated store from this epoch on.
func (db *DB) DropMptTable() error {
	db.mptInline = false

	return db.dropTable(mptPrefix)
}

func (db *DB) dropTable(prefix []byte) error {
	it := db.db.NewIterator(prefix, nil)
	defer it.Release()

	batch := db.db.NewBatch()

	for it.Next() {
		batch.Delete(append([]byte{}, it.Key()...))
	}

	if err := it.Error(); err != nil {
		return err
	}

	return batch.Write()
}

// Close closes the underlying database and hands back any isolated trie
// store reference. Safe to call once.
func (db *DB) Close() error {
	if !db.closed.CompareAndSwap(false, true) {
		return nil
	}

	var result error

	if db.db != nil {
		if err := db.db.Close(); err != nil {
			result = multierror.Append(result, fmt.Errorf("close snapshot db %s: %w", db.path, err))
		}
	}

	if db.mptRelease != nil {
		db.mptRelease()
	}

	if db.cache != nil {
		db.cache.Reset()
	}

	return result
}

// keccak computes the keccak-256 digest of the concatenation of chunks.
func keccak(chunks ...[]byte) types.Hash {
	hasher := sha3.NewLegacyKeccak256()

	for _, chunk := range chunks {
		hasher.Write(chunk)
	}

	return types.BytesToHash(hasher.Sum(nil))
}
