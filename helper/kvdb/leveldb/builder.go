package leveldb

import (
	"github.com/hashicorp/go-hclog"
	"github.com/masayil/snapstore/helper/kvdb"
	"github.com/syndtr/goleveldb/leveldb/filter"
	"github.com/syndtr/goleveldb/leveldb/opt"
)

type Builder interface {
	// set cache size
	SetCacheSize(int) Builder

	// set handles
	SetHandles(int) Builder

	// set bloom key bits
	SetBloomKeyBits(int) Builder

	// set no sync
	SetNoSync(bool) Builder

	// open the database readonly
	SetReadOnly(bool) Builder

	// fail when the database directory does not exist yet,
	// instead of creating it
	SetOpenExisting(bool) Builder

	// build the storage
	Build() (kvdb.KVBatchStorage, error)
}

// NewBuilder creates a leveldb storage builder. The defaults are sized for
// snapshot databases, which are written once and then only read.
func NewBuilder(logger hclog.Logger, path string) Builder {
	return &builder{
		logger: logger,
		path:   path,
		options: &opt.Options{
			OpenFilesCacheCapacity: minHandles,
			CompactionTableSize:    DefaultCompactionTableSize * opt.MiB,
			CompactionTotalSize:    DefaultCompactionTotalSize * opt.MiB,
			BlockCacheCapacity:     minCache * opt.MiB,
			WriteBuffer:            (DefaultCompactionTableSize * 2) * opt.MiB,
			Filter:                 filter.NewBloomFilter(DefaultBloomKeyBits),
			NoSync:                 DefaultNoSyncFlag,
			BlockSize:              256 * opt.KiB, // default 4kb, but one key-value pair need 0.5kb
			FilterBaseLg:           19,            // 512kb
			DisableSeeksCompaction: true,
		},
	}
}
