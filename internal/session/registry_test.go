package session

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ChamsBouzaiene/mneme/internal/memory"
)

func newSQLiteStore(t *testing.T) *SQLiteStore {
	t.Helper()
	store, err := NewSQLiteStore(context.Background(), filepath.Join(t.TempDir(), "mneme.db"), Codec{})
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return store
}

func TestSQLiteStorePragmas(t *testing.T) {
	store := newSQLiteStore(t)
	ctx := context.Background()

	var mode string
	require.NoError(t, store.db.QueryRowContext(ctx, "PRAGMA journal_mode").Scan(&mode))
	assert.Equal(t, "wal", mode)

	var timeout int
	require.NoError(t, store.db.QueryRowContext(ctx, "PRAGMA busy_timeout").Scan(&timeout))
	assert.Equal(t, 5000, timeout)
}

func TestAcquireCancelledKeepsStoredSession(t *testing.T) {
	store := newSQLiteStore(t)
	ctx := context.Background()

	st := memory.NewState()
	st.LongTerm.Topics["Work"] = "baker"
	require.NoError(t, store.Save(ctx, "s", st))

	cancelled, cancel := context.WithCancel(ctx)
	cancel()

	// the lock is free and ctx is done, so both select cases are ready
	for i := 0; i < 50; i++ {
		reg := NewRegistry(store, zerolog.Nop())
		_, _, err := reg.Acquire(cancelled, "s")
		require.ErrorIs(t, err, context.Canceled)

		h, release, err := reg.Acquire(ctx, "s")
		require.NoError(t, err)
		assert.Equal(t, "baker", h.State.LongTerm.Topics["Work"], "attempt %d", i)
		require.NoError(t, h.Save(ctx))
		release()
	}

	stored, err := store.Load(ctx, "s")
	require.NoError(t, err)
	assert.Equal(t, map[string]string{"Work": "baker"}, stored.LongTerm.Topics)
}

// cancellingStore cancels the caller's context while loading, the way a
// client disconnect does mid-query.
type cancellingStore struct {
	Store
	cancel context.CancelFunc
}

func (s *cancellingStore) Load(ctx context.Context, id string) (*memory.State, error) {
	s.cancel()
	return nil, ctx.Err()
}

func TestAcquireLoadCancelledIsNotCached(t *testing.T) {
	backing := NewFileStore(t.TempDir(), Codec{})
	st := memory.NewState()
	st.LongTerm.Topics["Work"] = "baker"
	require.NoError(t, backing.Save(context.Background(), "s", st))

	ctx, cancel := context.WithCancel(context.Background())
	store := &cancellingStore{Store: backing, cancel: cancel}
	reg := NewRegistry(store, zerolog.Nop())

	_, _, err := reg.Acquire(ctx, "s")
	require.ErrorIs(t, err, context.Canceled)

	// a failed load must not leave an empty state behind
	reg.store = backing
	h, release, err := reg.Acquire(context.Background(), "s")
	require.NoError(t, err)
	defer release()
	assert.Equal(t, "baker", h.State.LongTerm.Topics["Work"])
}

type failingStore struct{ Store }

func (failingStore) Load(context.Context, string) (*memory.State, error) {
	return nil, errors.New("disk on fire")
}

func TestAcquireLoadFailureStartsEmpty(t *testing.T) {
	reg := NewRegistry(failingStore{NewFileStore(t.TempDir(), Codec{})}, zerolog.Nop())
	h, release, err := reg.Acquire(context.Background(), "s")
	require.NoError(t, err)
	defer release()
	assert.Equal(t, memory.NewState(), h.State)
}

func TestEvictIdle(t *testing.T) {
	store := NewFileStore(t.TempDir(), Codec{})
	reg := NewRegistry(store, zerolog.Nop())
	ctx := context.Background()

	// saved session
	h, release, err := reg.Acquire(ctx, "saved")
	require.NoError(t, err)
	next := memory.NewState()
	next.LongTerm.Topics["Work"] = "baker"
	h.Commit(next)
	require.NoError(t, h.Save(ctx))
	release()

	// committed but never saved
	h, release, err = reg.Acquire(ctx, "dirty")
	require.NoError(t, err)
	h.Commit(memory.NewState())
	release()

	// still held
	_, releaseHeld, err := reg.Acquire(ctx, "held")
	require.NoError(t, err)

	assert.Zero(t, reg.EvictIdle(time.Hour), "recently used sessions stay")
	time.Sleep(5 * time.Millisecond)
	assert.Equal(t, 1, reg.EvictIdle(time.Millisecond))
	assert.ElementsMatch(t, []string{"dirty", "held"}, reg.IDs())

	h, release, err = reg.Acquire(ctx, "saved")
	require.NoError(t, err)
	assert.Equal(t, "baker", h.State.LongTerm.Topics["Work"], "reloaded from the store")
	release()
	releaseHeld()
}
