package lockstore

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vellumlab/vellum/pkg/errdefs"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "locks.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func TestAcquireNewLock(t *testing.T) {
	s := newTestStore(t)

	ok, err := s.Acquire("file1", "session-a")
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestAcquireReentrant(t *testing.T) {
	s := newTestStore(t)

	for i := 0; i < 3; i++ {
		ok, err := s.Acquire("file1", "session-a")
		require.NoError(t, err)
		assert.True(t, ok, "same session must always reacquire")
	}

	status, err := s.Check("file1", "session-b")
	require.NoError(t, err)
	assert.True(t, status.IsLocked)
	assert.Equal(t, "session-a", status.LockedBy)
}

func TestAcquireDeniedWhileFresh(t *testing.T) {
	s := newTestStore(t)

	ok, err := s.Acquire("file1", "session-a")
	require.NoError(t, err)
	require.True(t, ok)

	ok, err = s.Acquire("file1", "session-b")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestStaleTakeover(t *testing.T) {
	s := newTestStore(t)

	now := time.Now()
	s.SetClock(func() time.Time { return now })

	ok, err := s.Acquire("file1", "session-a")
	require.NoError(t, err)
	require.True(t, ok)

	// Advance past the TTL: the lock is takeable.
	now = now.Add(DefaultTTL + time.Second)

	ok, err = s.Acquire("file1", "session-b")
	require.NoError(t, err)
	assert.True(t, ok, "stale lock must be taken over")

	// The previous owner's release now fails with an ownership error.
	_, err = s.Release("file1", "session-a")
	assert.True(t, errdefs.IsConflict(err))
}

func TestReleaseIdempotent(t *testing.T) {
	s := newTestStore(t)

	action, err := s.Release("never-locked", "session-a")
	require.NoError(t, err)
	assert.Equal(t, ReleaseActionAlreadyReleased, action)

	ok, err := s.Acquire("file1", "session-a")
	require.NoError(t, err)
	require.True(t, ok)

	action, err = s.Release("file1", "session-a")
	require.NoError(t, err)
	assert.Equal(t, ReleaseActionReleased, action)

	action, err = s.Release("file1", "session-a")
	require.NoError(t, err)
	assert.Equal(t, ReleaseActionAlreadyReleased, action)
}

func TestReleaseOwnershipMismatch(t *testing.T) {
	s := newTestStore(t)

	ok, err := s.Acquire("file1", "session-a")
	require.NoError(t, err)
	require.True(t, ok)

	_, err = s.Release("file1", "session-b")
	assert.True(t, errdefs.IsConflict(err))
}

func TestCheckOwnLockNotReported(t *testing.T) {
	s := newTestStore(t)

	ok, err := s.Acquire("file1", "session-a")
	require.NoError(t, err)
	require.True(t, ok)

	status, err := s.Check("file1", "session-a")
	require.NoError(t, err)
	assert.False(t, status.IsLocked, "own lock is not a conflict")
}

func TestActiveLocksFiltersStale(t *testing.T) {
	s := newTestStore(t)

	now := time.Now()
	s.SetClock(func() time.Time { return now })

	_, err := s.Acquire("fresh", "session-a")
	require.NoError(t, err)
	_, err = s.Acquire("stale", "session-a")
	require.NoError(t, err)

	// Refresh only one of them after time passes.
	now = now.Add(DefaultTTL - 10*time.Second)
	_, err = s.Acquire("fresh", "session-a")
	require.NoError(t, err)

	now = now.Add(20 * time.Second)

	active, err := s.ActiveLocks("")
	require.NoError(t, err)
	assert.Equal(t, []string{"fresh"}, active)
}

func TestActiveLocksBySession(t *testing.T) {
	s := newTestStore(t)

	_, err := s.Acquire("f1", "session-a")
	require.NoError(t, err)
	_, err = s.Acquire("f2", "session-b")
	require.NoError(t, err)

	active, err := s.ActiveLocks("session-a")
	require.NoError(t, err)
	assert.Equal(t, []string{"f1"}, active)
}

func TestCleanupStale(t *testing.T) {
	s := newTestStore(t)

	now := time.Now()
	s.SetClock(func() time.Time { return now })

	_, err := s.Acquire("f1", "session-a")
	require.NoError(t, err)
	_, err = s.Acquire("f2", "session-b")
	require.NoError(t, err)

	now = now.Add(DefaultTTL + time.Minute)

	purged, err := s.CleanupStale()
	require.NoError(t, err)
	assert.Equal(t, 2, purged)

	active, err := s.ActiveLocks("")
	require.NoError(t, err)
	assert.Empty(t, active)
}

func TestLockSurvivesContentChange(t *testing.T) {
	// The key is the stable ID, so nothing about the lock changes when
	// a file's content hash moves; this documents the contract.
	s := newTestStore(t)

	ok, err := s.Acquire("stable-xyz", "session-a")
	require.NoError(t, err)
	require.True(t, ok)

	// Simulated edit: hash changed, lock key did not.
	status, err := s.Check("stable-xyz", "session-b")
	require.NoError(t, err)
	assert.True(t, status.IsLocked)
	assert.Equal(t, "session-a", status.LockedBy)
}
