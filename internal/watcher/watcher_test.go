package watcher

import (
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

type captured struct {
	sessionID     string
	workspacePath string
	changeCount   int
}

func collectChanges() (ChangeCallback, func() []captured) {
	var mu sync.Mutex
	var got []captured
	cb := func(sessionID, workspacePath string, changeCount int) {
		mu.Lock()
		defer mu.Unlock()
		got = append(got, captured{sessionID, workspacePath, changeCount})
	}
	return cb, func() []captured {
		mu.Lock()
		defer mu.Unlock()
		out := make([]captured, len(got))
		copy(out, got)
		return out
	}
}

func TestWatch_ReportsDebouncedChanges(t *testing.T) {
	cb, changes := collectChanges()
	w := New(cb)
	defer w.Shutdown()

	dir := t.TempDir()
	require.NoError(t, w.Watch("sess-1", dir))

	require.NoError(t, os.WriteFile(filepath.Join(dir, "a.txt"), []byte("one"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "b.txt"), []byte("two"), 0o644))

	require.Eventually(t, func() bool {
		return len(changes()) > 0
	}, 3*time.Second, 20*time.Millisecond)

	got := changes()
	require.Equal(t, "sess-1", got[0].sessionID)
	require.Equal(t, dir, got[0].workspacePath)
	require.GreaterOrEqual(t, got[0].changeCount, 1)
}

func TestWatch_NewSubdirectoryIsWatched(t *testing.T) {
	cb, changes := collectChanges()
	w := New(cb)
	defer w.Shutdown()

	dir := t.TempDir()
	require.NoError(t, w.Watch("sess-1", dir))

	sub := filepath.Join(dir, "pkg")
	require.NoError(t, os.Mkdir(sub, 0o755))

	require.Eventually(t, func() bool {
		return len(changes()) > 0
	}, 3*time.Second, 20*time.Millisecond)

	before := len(changes())
	require.NoError(t, os.WriteFile(filepath.Join(sub, "inner.go"), []byte("package pkg"), 0o644))

	require.Eventually(t, func() bool {
		return len(changes()) > before
	}, 3*time.Second, 20*time.Millisecond)
}

func TestUnwatch_StopsNotifications(t *testing.T) {
	cb, changes := collectChanges()
	w := New(cb)
	defer w.Shutdown()

	dir := t.TempDir()
	require.NoError(t, w.Watch("sess-1", dir))
	w.Unwatch("sess-1")

	require.NoError(t, os.WriteFile(filepath.Join(dir, "late.txt"), []byte("x"), 0o644))
	time.Sleep(2 * debounceInterval)
	require.Empty(t, changes())
}

func TestUnwatch_UnknownSessionIsNoOp(t *testing.T) {
	w := New(nil)
	defer w.Shutdown()
	w.Unwatch("ghost")
}
