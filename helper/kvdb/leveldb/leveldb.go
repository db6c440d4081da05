package leveldb

import (
	"errors"
	"fmt"

	"github.com/hashicorp/go-hclog"
	"github.com/masayil/snapstore/helper/kvdb"
	"github.com/syndtr/goleveldb/leveldb"
	"github.com/syndtr/goleveldb/leveldb/filter"
	"github.com/syndtr/goleveldb/leveldb/opt"
	"github.com/syndtr/goleveldb/leveldb/util"
)

const (
	// minCache is the minimum memory allocate to leveldb
	// half write, half read
	minCache = 16 // 16 MiB

	// minHandles is the minimum number of files handles to leveldb open files
	minHandles = 16

	DefaultCache               = 64    // 64 MiB, snapshots are read mostly through the snapshotdb cache
	DefaultHandles             = 128   // files handles to leveldb open files
	DefaultBloomKeyBits        = 2048  // bloom filter bits (256 bytes)
	DefaultCompactionTableSize = 4     // 4  MiB
	DefaultCompactionTotalSize = 40    // 40 MiB
	DefaultNoSyncFlag          = false // false - sync write, true - async write
)

type batch struct {
	db    *leveldb.DB
	batch *leveldb.Batch
	size  int // counting batch size
}

func (b *batch) Set(k, v []byte) {
	b.batch.Put(k, v)
	b.size += len(k) + len(v)
}

func (b *batch) Delete(k []byte) {
	b.batch.Delete(k)
	b.size += len(k)
}

func (b *batch) Write() error {
	return b.db.Write(b.batch, nil)
}

// database is the leveldb implementation of the kv storage
type database struct {
	db *leveldb.DB
}

func (kv *database) NewBatch() kvdb.Batch {
	return &batch{db: kv.db, batch: &leveldb.Batch{}}
}

// bytesPrefixRange returns key range that satisfy
// - the given prefix, and
// - the given seek position
func bytesPrefixRange(prefix, start []byte) *util.Range {
	r := util.BytesPrefix(prefix)
	r.Start = append(r.Start, start...)

	return r
}

func (kv *database) NewIterator(prefix, start []byte) kvdb.Iterator {
	return kv.db.NewIterator(bytesPrefixRange(prefix, start), nil)
}

// Set sets the key-value pair in leveldb storage
func (kv *database) Set(p []byte, v []byte) error {
	return kv.db.Put(p, v, nil)
}

func (kv *database) Delete(p []byte) error {
	return kv.db.Delete(p, nil)
}

func (kv *database) Has(p []byte) (bool, error) {
	return kv.db.Has(p, nil)
}

// Get retrieves the key-value pair in leveldb storage
func (kv *database) Get(p []byte) ([]byte, bool, error) {
	data, err := kv.db.Get(p, nil)
	if err != nil {
		if errors.Is(err, leveldb.ErrNotFound) {
			return nil, false, nil
		}

		return nil, false, err
	}

	return data, true, nil
}

// Close closes the leveldb storage instance
func (kv *database) Close() error {
	return kv.db.Close()
}

func max(a, b int) int {
	if a > b {
		return a
	}

	return b
}

type builder struct {
	logger  hclog.Logger
	path    string
	options *opt.Options
}

func (b *builder) SetCacheSize(cacheSize int) Builder {
	cacheSize = max(cacheSize, minCache)

	b.options.BlockCacheCapacity = cacheSize * opt.MiB

	b.logger.Debug("leveldb",
		"BlockCacheCapacity", fmt.Sprintf("%d Mib", cacheSize),
	)

	return b
}

func (b *builder) SetHandles(handles int) Builder {
	b.options.OpenFilesCacheCapacity = max(handles, minHandles)

	b.logger.Debug("leveldb",
		"OpenFilesCacheCapacity", b.options.OpenFilesCacheCapacity,
	)

	return b
}

func (b *builder) SetBloomKeyBits(bloomKeyBits int) Builder {
	b.options.Filter = filter.NewBloomFilter(bloomKeyBits)

	b.logger.Debug("leveldb",
		"BloomFilter bits", bloomKeyBits,
	)

	return b
}

func (b *builder) SetNoSync(noSync bool) Builder {
	b.options.NoSync = noSync

	b.logger.Debug("leveldb",
		"NoSync", noSync,
	)

	return b
}

func (b *builder) SetReadOnly(readOnly bool) Builder {
	b.options.ReadOnly = readOnly

	return b
}

func (b *builder) SetOpenExisting(openExisting bool) Builder {
	b.options.ErrorIfMissing = openExisting

	return b
}

func (b *builder) Build() (kvdb.KVBatchStorage, error) {
	db, err := leveldb.OpenFile(b.path, b.options)
	if err != nil {
		return nil, err
	}

	return &database{db: db}, nil
}
