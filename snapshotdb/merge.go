package snapshotdb

import (
	"bytes"
	"errors"
	"fmt"

	"github.com/masayil/snapstore/types"
)

var (
	// ErrReadonlyMerge means a merge was attempted on a read handle.
	ErrReadonlyMerge = errors.New("cannot merge into a readonly snapshot")

	// ErrBaseMismatch means the copied base does not belong to the old
	// snapshot handed to the merge.
	ErrBaseMismatch = errors.New("copied snapshot base does not match the old snapshot root")
)

// flushThreshold bounds the number of keys buffered per write batch while
// merging.
const flushThreshold = 4096

// DirectMerge folds the dumped delta table into the state table and computes
// the new merkle root.
//
// In the copy-on-write path the database already holds the full base state
// and old is the read handle of the prior snapshot, used to verify the copied
// base. In the genesis path old is nil and the delta alone becomes the state.
func (db *DB) DirectMerge(old *DB) (types.Hash, error) {
	if db.readonly {
		return types.ZeroHash, ErrReadonlyMerge
	}

	if old != nil {
		if base := db.Root(); base != old.Root() {
			return types.ZeroHash, fmt.Errorf("%w: base %s, old %s",
				ErrBaseMismatch, base, old.Root())
		}
	}

	if err := db.applyDeltaTable(); err != nil {
		return types.ZeroHash, err
	}

	return db.commitRoot()
}

// CopyAndMerge merges by reading the entire old snapshot through its open
// read handle instead of a directory copy. Strictly more expensive in I/O
// than the copy-on-write path, identical in result.
func (db *DB) CopyAndMerge(old *DB) (types.Hash, error) {
	if db.readonly {
		return types.ZeroHash, ErrReadonlyMerge
	}

	if old != nil && old.db != nil {
		it := old.db.NewIterator(statePrefix, nil)
		defer it.Release()

		batch := db.db.NewBatch()
		pending := 0

		for it.Next() {
			key := append([]byte{}, it.Key()...)
			value := append([]byte{}, it.Value()...)

			batch.Set(key, value)

			if db.mptInline {
				stateKey := key[len(statePrefix):]
				batch.Set(append(mptPrefix, keccak(stateKey).Bytes()...), keccak(value).Bytes())
			}

			if pending++; pending >= flushThreshold {
				if err := batch.Write(); err != nil {
					return types.ZeroHash, fmt.Errorf("copy old snapshot state: %w", err)
				}

				batch = db.db.NewBatch()
				pending = 0
			}
		}

		if err := it.Error(); err != nil {
			return types.ZeroHash, fmt.Errorf("read old snapshot %s: %w", old.path, err)
		}

		if err := batch.Write(); err != nil {
			return types.ZeroHash, fmt.Errorf("copy old snapshot state: %w", err)
		}
	}

	if err := db.applyDeltaTable(); err != nil {
		return types.ZeroHash, err
	}

	return db.commitRoot()
}

// applyDeltaTable folds the delta table into the state table, maintaining
// the trie sub-table inline or in the isolated store, and drops the dump.
func (db *DB) applyDeltaTable() error {
	it := db.db.NewIterator(deltaPrefix, nil)
	defer it.Release()

	batch := db.db.NewBatch()
	pending := 0

	for it.Next() {
		stateKey := append([]byte{}, it.Key()[len(deltaPrefix):]...)
		tagged := it.Value()

		// consume the dump as it is applied
		batch.Delete(append([]byte{}, it.Key()...))

		trieKey := keccak(stateKey).Bytes()

		if len(tagged) == 0 || tagged[0] == deltaTombstoneTag {
			batch.Delete(append(statePrefix, stateKey...))

			if db.mptInline {
				batch.Delete(append(mptPrefix, trieKey...))
			} else if db.mpt != nil {
				if err := db.mpt.DeleteEntry(trieKey); err != nil {
					return fmt.Errorf("delete trie entry: %w", err)
				}
			}
		} else {
			value := tagged[1:]
			batch.Set(append(statePrefix, stateKey...), value)

			if db.mptInline {
				batch.Set(append(mptPrefix, trieKey...), keccak(value).Bytes())
			} else if db.mpt != nil {
				if err := db.mpt.SetEntry(trieKey, keccak(value).Bytes()); err != nil {
					return fmt.Errorf("set trie entry: %w", err)
				}
			}
		}

		if pending++; pending >= flushThreshold {
			if err := batch.Write(); err != nil {
				return fmt.Errorf("apply delta into %s: %w", db.path, err)
			}

			batch = db.db.NewBatch()
			pending = 0
		}
	}

	if err := it.Error(); err != nil {
		return fmt.Errorf("iterate delta table: %w", err)
	}

	if err := batch.Write(); err != nil {
		return fmt.Errorf("apply delta into %s: %w", db.path, err)
	}

	// merged values may shadow cached reads from the copied base
	db.cache.Reset()

	return nil
}

// commitRoot hashes the full state table in key order and records the root.
func (db *DB) commitRoot() (types.Hash, error) {
	it := db.db.NewIterator(statePrefix, nil)
	defer it.Release()

	root := types.ZeroHash

	for it.Next() {
		root = keccak(root.Bytes(), it.Key(), it.Value())
	}

	if err := it.Error(); err != nil {
		return types.ZeroHash, fmt.Errorf("hash state table: %w", err)
	}

	if err := db.db.Set(metaRootKey, root.Bytes()); err != nil {
		return types.ZeroHash, fmt.Errorf("record merkle root: %w", err)
	}

	return root, nil
}

// EqualState reports whether two snapshots hold the same state table.
// Used by tests and by full sync verification.
func (db *DB) EqualState(other *DB) (bool, error) {
	left := db.db.NewIterator(statePrefix, nil)
	defer left.Release()

	right := other.db.NewIterator(statePrefix, nil)
	defer right.Release()

	for {
		leftNext, rightNext := left.Next(), right.Next()
		if leftNext != rightNext {
			return false, nil
		}

		if !leftNext {
			break
		}

		if !bytes.Equal(left.Key(), right.Key()) || !bytes.Equal(left.Value(), right.Value()) {
			return false, nil
		}
	}

	if err := left.Error(); err != nil {
		return false, err
	}

	return true, right.Error()
}
