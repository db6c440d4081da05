package snapshot

import (
	"encoding/json"
	"fmt"
	"sync"

	"github.com/hashicorp/go-hclog"
	lru "github.com/hashicorp/golang-lru"
	"github.com/masayil/snapstore/helper/kvdb"
	"github.com/masayil/snapstore/helper/kvdb/leveldb"
	"github.com/masayil/snapstore/types"
)

var registryInfoPrefix = []byte("info:")

const registryCacheSize = 128

// SnapshotInfo is the durable metadata of a completed snapshot.
type SnapshotInfo struct {
	MerkleRoot  types.Hash `json:"merkleRoot"`
	ParentEpoch types.Hash `json:"parentEpoch"`
	EpochHeight uint64     `json:"epochHeight"`
}

// InfoRegistry is the durable epoch to SnapshotInfo map. Its write lock is
// the linearization point of every snapshot commit: the manager holds it
// across the final directory rename and hands the guard to the caller, so
// no reader can observe a renamed but unregistered snapshot.
type InfoRegistry struct {
	logger hclog.Logger

	lock sync.RWMutex
	db   kvdb.KVBatchStorage

	cache *lru.Cache
}

// OpenInfoRegistry opens (or creates) the registry database at path.
func OpenInfoRegistry(logger hclog.Logger, path string) (*InfoRegistry, error) {
	db, err := leveldb.NewBuilder(logger, path).Build()
	if err != nil {
		return nil, fmt.Errorf("open snapshot registry %s: %w", path, err)
	}

	cache, err := lru.New(registryCacheSize)
	if err != nil {
		return nil, err
	}

	return &InfoRegistry{
		logger: logger.Named("registry"),
		db:     db,
		cache:  cache,
	}, nil
}

func infoKey(epoch types.Hash) []byte {
	return append(registryInfoPrefix, epoch.Bytes()...)
}

// Get returns the snapshot info of epoch, if registered.
func (r *InfoRegistry) Get(epoch types.Hash) (*SnapshotInfo, bool, error) {
	r.lock.RLock()
	defer r.lock.RUnlock()

	if cached, ok := r.cache.Get(epoch); ok {
		info, _ := cached.(*SnapshotInfo)

		return info, true, nil
	}

	raw, exists, err := r.db.Get(infoKey(epoch))
	if err != nil || !exists {
		return nil, false, err
	}

	info := &SnapshotInfo{}
	if err := json.Unmarshal(raw, info); err != nil {
		return nil, false, fmt.Errorf("decode snapshot info for %s: %w", epoch, err)
	}

	r.cache.Add(epoch, info)

	return info, true, nil
}

// Epochs lists every registered epoch.
func (r *InfoRegistry) Epochs() ([]types.Hash, error) {
	r.lock.RLock()
	defer r.lock.RUnlock()

	it := r.db.NewIterator(registryInfoPrefix, nil)
	defer it.Release()

	var epochs []types.Hash
	for it.Next() {
		epochs = append(epochs, types.BytesToHash(it.Key()[len(registryInfoPrefix):]))
	}

	return epochs, it.Error()
}

// Write acquires the registry write lock and returns the guard. The caller
// appends records through the guard and must release it.
func (r *InfoRegistry) Write() *RegistryTx {
	r.lock.Lock()

	return &RegistryTx{registry: r}
}

// Close closes the registry database.
func (r *InfoRegistry) Close() error {
	r.lock.Lock()
	defer r.lock.Unlock()

	return r.db.Close()
}

// RegistryTx is the held write-lock guard of the registry. It must be
// released exactly once.
type RegistryTx struct {
	registry *InfoRegistry
	done     bool
}

// Put registers info for epoch.
func (tx *RegistryTx) Put(epoch types.Hash, info *SnapshotInfo) error {
	raw, err := json.Marshal(info)
	if err != nil {
		return err
	}

	if err := tx.registry.db.Set(infoKey(epoch), raw); err != nil {
		return fmt.Errorf("persist snapshot info for %s: %w", epoch, err)
	}

	tx.registry.cache.Add(epoch, info)

	return nil
}

// Delete drops the record of epoch.
func (tx *RegistryTx) Delete(epoch types.Hash) error {
	tx.registry.cache.Remove(epoch)

	return tx.registry.db.Delete(infoKey(epoch))
}

// Release drops the write lock. Idempotent.
func (tx *RegistryTx) Release() {
	if !tx.done {
		tx.done = true
		tx.registry.lock.Unlock()
	}
}
