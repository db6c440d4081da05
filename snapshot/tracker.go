package snapshot

import (
	"context"
	"fmt"
	"io"
	"os"
	"sync"

	"github.com/hashicorp/go-hclog"
	"go.uber.org/atomic"
	"golang.org/x/sync/semaphore"
)

// Ref is a shared, clone-cheap reference to an open snapshot resource.
// Every Ref must be released exactly once; the underlying resource closes
// when the last reference is gone.
type Ref[T io.Closer] struct {
	handle   *openHandle[T]
	released atomic.Bool
}

func newRef[T io.Closer](h *openHandle[T]) *Ref[T] {
	return &Ref[T]{handle: h}
}

// Get returns the shared resource. The resource must not be used after
// Release.
func (r *Ref[T]) Get() T {
	return r.handle.resource
}

// Release drops this reference. The last release closes the underlying
// resource before returning and, when the path was destroyed while open,
// schedules directory removal.
func (r *Ref[T]) Release() {
	if r.released.CompareAndSwap(false, true) && r.handle.tracker != nil {
		r.handle.release()
	}
}

// openHandle is the refcounted owner of one open resource. refs dropping to
// zero starts teardown; the tracker entry vacates only when teardown
// finishes, which is the window the condition waits below cover.
type openHandle[T io.Closer] struct {
	resource  T
	path      string
	exclusive bool

	refs   atomic.Int64
	remove atomic.Bool

	tracker *openTracker[T]
}

// tryRetain increments the refcount unless teardown already started.
func (h *openHandle[T]) tryRetain() bool {
	for {
		refs := h.refs.Load()
		if refs <= 0 {
			return false
		}

		if h.refs.CAS(refs, refs+1) {
			return true
		}
	}
}

func (h *openHandle[T]) release() {
	if h.refs.Dec() == 0 {
		h.teardown()
	}
}

// teardown closes the resource, vacates the tracker entry and only then
// returns the admission permit, so the open count reflects real OS
// resources rather than live wrappers.
func (h *openHandle[T]) teardown() {
	t := h.tracker

	if err := h.resource.Close(); err != nil {
		t.logger.Error("failed to close snapshot resource", "path", h.path, "err", err)
	}

	t.lock.Lock()
	delete(t.entries, h.path)
	t.cond.Broadcast()
	t.lock.Unlock()

	t.gate.Release(1)
	t.countChanged(t.open.Dec())

	if h.remove.Load() && t.removeFn != nil {
		t.removeFn(h.path)
	}
}

// openTracker is the open-handle cache and admission gate for one resource
// pool. It is instantiated twice, once for snapshot databases and once for
// the isolated trie stores.
//
// entries is guarded by lock for plain lookups; openLock additionally
// serializes every check-then-open sequence so a path is never opened twice
// concurrently.
type openTracker[T io.Closer] struct {
	logger hclog.Logger

	lock    sync.RWMutex
	entries map[string]*openHandle[T]

	// cond is signaled whenever a teardown vacates an entry; waiters hold
	// the write side of lock
	cond *sync.Cond

	openLock sync.Mutex

	gate *semaphore.Weighted
	open atomic.Int64

	// removeFn deletes a directory marked for removal after its handle
	// fully closed
	removeFn func(path string)

	// onCountChange publishes the number of genuinely open resources
	onCountChange func(open int64)
}

func newOpenTracker[T io.Closer](
	logger hclog.Logger,
	maxOpen int64,
	removeFn func(path string),
	onCountChange func(open int64),
) *openTracker[T] {
	t := &openTracker[T]{
		logger:        logger,
		entries:       make(map[string]*openHandle[T]),
		gate:          semaphore.NewWeighted(maxOpen),
		removeFn:      removeFn,
		onCountChange: onCountChange,
	}
	t.cond = sync.NewCond(&t.lock)

	return t
}

func (t *openTracker[T]) countChanged(open int64) {
	if t.onCountChange != nil {
		t.onCountChange(open)
	}
}

func (t *openTracker[T]) lookup(path string) (*openHandle[T], bool) {
	t.lock.RLock()
	defer t.lock.RUnlock()

	h, ok := t.entries[path]

	return h, ok
}

// acquireShared returns a shared reference to the resource at path, opening
// it through open when no live handle exists. A nil, nil return means the
// path does not exist on disk. tryOpen selects fail-fast admission.
func (t *openTracker[T]) acquireShared(
	path string,
	tryOpen bool,
	open func() (T, error),
) (*Ref[T], error) {
	// common case: share an already open handle under the read lock only
	if h, ok := t.lookup(path); ok {
		if h.exclusive {
			return nil, ErrSnapshotBusyWrite
		}

		if h.tryRetain() {
			return newRef(h), nil
		}
		// teardown in flight; fall through and wait it out below
	}

	if !dirExists(path) {
		return nil, nil
	}

	if tryOpen {
		if !t.gate.TryAcquire(1) {
			return nil, ErrTooManyOpenSnapshots
		}
	} else if err := t.gate.Acquire(context.Background(), 1); err != nil {
		return nil, err
	}

	t.openLock.Lock()
	defer t.openLock.Unlock()

	// If the path is still tracked, either share it or wait for the closing
	// handle to vacate the entry: a handle whose refcount reached zero is
	// still closing its files until teardown removes it and signals cond.
	t.lock.Lock()

	for {
		h, ok := t.entries[path]
		if !ok {
			break
		}

		if h.exclusive {
			t.lock.Unlock()
			t.gate.Release(1)

			return nil, ErrSnapshotBusyWrite
		}

		if h.tryRetain() {
			t.lock.Unlock()
			t.gate.Release(1)

			return newRef(h), nil
		}

		t.cond.Wait()
	}

	t.lock.Unlock()

	if !dirExists(path) {
		t.gate.Release(1)

		return nil, nil
	}

	resource, err := open()
	if err != nil {
		t.gate.Release(1)

		return nil, fmt.Errorf("open snapshot %s: %w", path, err)
	}

	h := &openHandle[T]{resource: resource, path: path, tracker: t}
	h.refs.Store(1)

	t.lock.Lock()
	t.entries[path] = h
	t.lock.Unlock()

	// the permit is intentionally kept; teardown returns it when the
	// resource actually closed
	t.countChanged(t.open.Inc())

	return newRef(h), nil
}

// acquireExclusive opens path for write. Writers never coexist with any
// other opener: any tracked entry fails the acquire. Admission is always
// blocking, creation is on the critical path.
func (t *openTracker[T]) acquireExclusive(path string, open func() (T, error)) (*Ref[T], error) {
	if _, ok := t.lookup(path); ok {
		return nil, ErrSnapshotAlreadyExists
	}

	if err := t.gate.Acquire(context.Background(), 1); err != nil {
		return nil, err
	}

	t.openLock.Lock()
	defer t.openLock.Unlock()

	// simultaneous creation fails here
	if _, ok := t.lookup(path); ok {
		t.gate.Release(1)

		return nil, ErrSnapshotAlreadyExists
	}

	resource, err := open()
	if err != nil {
		t.gate.Release(1)

		return nil, err
	}

	h := &openHandle[T]{resource: resource, path: path, exclusive: true, tracker: t}
	h.refs.Store(1)

	t.lock.Lock()
	t.entries[path] = h
	t.lock.Unlock()

	t.countChanged(t.open.Inc())

	return newRef(h), nil
}

// destroy marks the live handle of path for removal-on-last-close and
// reports whether removal was deferred that way. Without a live handle it
// returns false and the caller removes the directory itself.
//
// Completed snapshots are read-only, so a destroy hitting an exclusively
// open path is a programming error, not a recoverable condition.
func (t *openTracker[T]) destroy(path string) bool {
	t.lock.Lock()

	for {
		h, ok := t.entries[path]
		if !ok {
			t.lock.Unlock()

			return false
		}

		if h.exclusive {
			t.lock.Unlock()

			panic(fmt.Sprintf("attempt to destroy snapshot %s while open exclusively for write", path))
		}

		if h.tryRetain() {
			t.lock.Unlock()

			h.remove.Store(true)
			h.release()

			return true
		}

		// the handle is mid-teardown; wait for it to vacate the entry
		t.cond.Wait()
	}
}

// openCount returns the number of genuinely open resources.
func (t *openTracker[T]) openCount() int64 {
	return t.open.Load()
}

func dirExists(path string) bool {
	_, err := os.Stat(path)

	return err == nil
}
