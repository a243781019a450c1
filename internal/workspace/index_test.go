package workspace

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fwdslsh/dispatch-sub014/internal/router"
	"github.com/fwdslsh/dispatch-sub014/internal/store"
)

func newTestIndex(t *testing.T) *Index {
	t.Helper()
	db, err := store.NewDB(filepath.Join(t.TempDir(), "dispatch.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	return NewIndex(db)
}

func descriptor(id, path string, at time.Time) router.Descriptor {
	return router.Descriptor{
		ID:            id,
		Type:          router.TypePTY,
		WorkspacePath: path,
		Title:         "pty " + id,
		CreatedAt:     at,
	}
}

func TestRememberAndList(t *testing.T) {
	idx := newTestIndex(t)
	ctx := context.Background()
	base := time.Now().UTC().Truncate(time.Millisecond)

	require.NoError(t, idx.Remember(ctx, descriptor("s1", "/work/a", base)))
	require.NoError(t, idx.Remember(ctx, descriptor("s2", "/work/a", base.Add(time.Second))))
	require.NoError(t, idx.Remember(ctx, descriptor("s3", "/work/b", base)))

	entries, err := idx.Sessions(ctx, "/work/a")
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, "s1", entries[0].SessionID, "oldest first")
	assert.Equal(t, "s2", entries[1].SessionID)
	assert.Equal(t, base, entries[0].CreatedAt)
}

func TestRemember_Upsert(t *testing.T) {
	idx := newTestIndex(t)
	ctx := context.Background()
	now := time.Now().UTC()

	d := descriptor("s1", "/work/a", now)
	require.NoError(t, idx.Remember(ctx, d))
	d.Title = "renamed"
	require.NoError(t, idx.Remember(ctx, d))

	entries, err := idx.Sessions(ctx, "/work/a")
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "renamed", entries[0].Title)
}

func TestRemove(t *testing.T) {
	idx := newTestIndex(t)
	ctx := context.Background()

	require.NoError(t, idx.Remember(ctx, descriptor("s1", "/work/a", time.Now().UTC())))
	require.NoError(t, idx.Remove(ctx, "/work/a", "s1"))

	entries, err := idx.Sessions(ctx, "/work/a")
	require.NoError(t, err)
	assert.Empty(t, entries)

	// Removing again is not an error.
	require.NoError(t, idx.Remove(ctx, "/work/a", "s1"))
}

func TestSessions_UnknownWorkspaceEmpty(t *testing.T) {
	idx := newTestIndex(t)
	entries, err := idx.Sessions(context.Background(), "/nowhere")
	require.NoError(t, err)
	assert.Empty(t, entries)
}
