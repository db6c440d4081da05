package snapshot

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/hashicorp/go-hclog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/atomic"
)

type fakeResource struct {
	closed atomic.Bool
}

func (f *fakeResource) Close() error {
	f.closed.Store(true)

	return nil
}

func newTestTracker(maxOpen int64, removeFn func(string)) *openTracker[*fakeResource] {
	return newOpenTracker[*fakeResource](hclog.NewNullLogger(), maxOpen, removeFn, nil)
}

func snapshotDir(t *testing.T, name string) string {
	t.Helper()

	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.MkdirAll(path, 0o755))

	return path
}

func TestTrackerSharesOpenHandle(t *testing.T) {
	t.Parallel()

	tracker := newTestTracker(4, nil)
	path := snapshotDir(t, "ldb_aa")

	opens := 0
	open := func() (*fakeResource, error) {
		opens++

		return &fakeResource{}, nil
	}

	first, err := tracker.acquireShared(path, false, open)
	require.NoError(t, err)
	require.NotNil(t, first)

	second, err := tracker.acquireShared(path, false, open)
	require.NoError(t, err)
	require.NotNil(t, second)

	assert.Equal(t, 1, opens)
	assert.Same(t, first.Get(), second.Get())
	assert.Equal(t, int64(1), tracker.openCount())

	resource := first.Get()

	first.Release()
	assert.False(t, resource.closed.Load())

	second.Release()
	assert.True(t, resource.closed.Load())
	assert.Equal(t, int64(0), tracker.openCount())
}

func TestTrackerMissingPath(t *testing.T) {
	t.Parallel()

	tracker := newTestTracker(4, nil)

	ref, err := tracker.acquireShared(filepath.Join(t.TempDir(), "ldb_missing"), false,
		func() (*fakeResource, error) {
			t.Fatal("open must not run for a missing path")

			return nil, nil
		})

	require.NoError(t, err)
	assert.Nil(t, ref)
}

func TestTrackerExclusiveBlocksShared(t *testing.T) {
	t.Parallel()

	tracker := newTestTracker(4, nil)
	path := snapshotDir(t, "ldb_bb")

	writeRef, err := tracker.acquireExclusive(path, func() (*fakeResource, error) {
		return &fakeResource{}, nil
	})
	require.NoError(t, err)

	_, err = tracker.acquireShared(path, false, func() (*fakeResource, error) {
		return &fakeResource{}, nil
	})
	assert.ErrorIs(t, err, ErrSnapshotBusyWrite)

	_, err = tracker.acquireExclusive(path, func() (*fakeResource, error) {
		return &fakeResource{}, nil
	})
	assert.ErrorIs(t, err, ErrSnapshotAlreadyExists)

	writeRef.Release()

	readRef, err := tracker.acquireShared(path, false, func() (*fakeResource, error) {
		return &fakeResource{}, nil
	})
	require.NoError(t, err)
	require.NotNil(t, readRef)

	readRef.Release()
}

func TestTrackerAdmissionBound(t *testing.T) {
	t.Parallel()

	tracker := newTestTracker(1, nil)

	first := snapshotDir(t, "ldb_01")
	second := snapshotDir(t, "ldb_02")

	open := func() (*fakeResource, error) {
		return &fakeResource{}, nil
	}

	held, err := tracker.acquireShared(first, false, open)
	require.NoError(t, err)
	require.NotNil(t, held)

	// best effort opens fail fast at the bound
	_, err = tracker.acquireShared(second, true, open)
	assert.ErrorIs(t, err, ErrTooManyOpenSnapshots)

	// a blocking open waits for the permit instead
	done := make(chan *Ref[*fakeResource], 1)

	go func() {
		ref, openErr := tracker.acquireShared(second, false, open)
		assert.NoError(t, openErr)

		done <- ref
	}()

	select {
	case <-done:
		t.Fatal("blocking open must wait while the gate is full")
	case <-time.After(50 * time.Millisecond):
	}

	held.Release()

	select {
	case ref := <-done:
		require.NotNil(t, ref)
		ref.Release()
	case <-time.After(time.Second):
		t.Fatal("blocking open did not resume after the permit was returned")
	}
}

func TestTrackerSharedReleaseReturnsSinglePermit(t *testing.T) {
	t.Parallel()

	tracker := newTestTracker(1, nil)
	path := snapshotDir(t, "ldb_cc")

	open := func() (*fakeResource, error) {
		return &fakeResource{}, nil
	}

	first, err := tracker.acquireShared(path, false, open)
	require.NoError(t, err)

	// sharing must not consume a second permit
	second, err := tracker.acquireShared(path, true, open)
	require.NoError(t, err)
	require.NotNil(t, second)

	first.Release()
	second.Release()

	// the single permit is back
	other, err := tracker.acquireShared(snapshotDir(t, "ldb_dd"), true, open)
	require.NoError(t, err)
	require.NotNil(t, other)

	other.Release()
}

func TestTrackerReleaseIsIdempotent(t *testing.T) {
	t.Parallel()

	tracker := newTestTracker(4, nil)
	path := snapshotDir(t, "ldb_ee")

	first, err := tracker.acquireShared(path, false, func() (*fakeResource, error) {
		return &fakeResource{}, nil
	})
	require.NoError(t, err)

	second, err := tracker.acquireShared(path, false, func() (*fakeResource, error) {
		return &fakeResource{}, nil
	})
	require.NoError(t, err)

	resource := first.Get()

	first.Release()
	first.Release()
	assert.False(t, resource.closed.Load())

	second.Release()
	assert.True(t, resource.closed.Load())
}

func TestTrackerDestroy(t *testing.T) {
	t.Parallel()

	removed := make(chan string, 1)
	tracker := newTestTracker(4, func(path string) {
		removed <- path
	})

	path := snapshotDir(t, "ldb_ff")

	ref, err := tracker.acquireShared(path, false, func() (*fakeResource, error) {
		return &fakeResource{}, nil
	})
	require.NoError(t, err)

	// removal is deferred while the handle is live
	assert.True(t, tracker.destroy(path))
	assert.Empty(t, removed)

	resource := ref.Get()
	ref.Release()

	assert.True(t, resource.closed.Load())

	select {
	case got := <-removed:
		assert.Equal(t, path, got)
	case <-time.After(time.Second):
		t.Fatal("directory removal was not requested after the last release")
	}

	// without a live handle the caller owns the removal
	assert.False(t, tracker.destroy(path))
}

func TestTrackerDestroyExclusivePanics(t *testing.T) {
	t.Parallel()

	tracker := newTestTracker(4, nil)
	path := snapshotDir(t, "ldb_gg")

	ref, err := tracker.acquireExclusive(path, func() (*fakeResource, error) {
		return &fakeResource{}, nil
	})
	require.NoError(t, err)

	defer ref.Release()

	assert.Panics(t, func() {
		tracker.destroy(path)
	})
}

func TestTrackerOpenFailureReturnsPermit(t *testing.T) {
	t.Parallel()

	tracker := newTestTracker(1, nil)
	path := snapshotDir(t, "ldb_hh")

	_, err := tracker.acquireShared(path, false, func() (*fakeResource, error) {
		return nil, os.ErrPermission
	})
	require.ErrorIs(t, err, os.ErrPermission)

	// the failed open must not leak its permit
	ref, err := tracker.acquireShared(path, true, func() (*fakeResource, error) {
		return &fakeResource{}, nil
	})
	require.NoError(t, err)
	require.NotNil(t, ref)

	ref.Release()
}
