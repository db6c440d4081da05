package snapshot

import "errors"

var (
	// ErrSnapshotNotFound is returned when the requested epoch has no
	// committed snapshot on disk.
	ErrSnapshotNotFound = errors.New("snapshot not found")

	// ErrSnapshotAlreadyExists is returned on a create or open-for-write
	// collision: the path already has an open handle or a committed
	// directory.
	ErrSnapshotAlreadyExists = errors.New("snapshot already exists")

	// ErrSnapshotBusyWrite is returned when a read open hits a path that is
	// exclusively open for write. Completed snapshots are read-only, so the
	// condition clears once the writer commits or aborts.
	ErrSnapshotBusyWrite = errors.New("snapshot is open exclusively for write")

	// ErrTooManyOpenSnapshots is returned by non-blocking opens when the
	// admission gate is saturated. Always recoverable by retrying after
	// other snapshots close.
	ErrTooManyOpenSnapshots = errors.New("too many open snapshots")

	// ErrCowCreation is returned when copy-on-write duplication fails or is
	// unsupported while the configuration mandates it.
	ErrCowCreation = errors.New("copy-on-write snapshot creation failed")

	// ErrCopyFailure is returned when the fallback full copy failed.
	ErrCopyFailure = errors.New("snapshot copy failed")

	// ErrManagerClosed is returned by operations on a closed manager.
	ErrManagerClosed = errors.New("snapshot manager is closed")
)
