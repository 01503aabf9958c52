package daemon

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stackmemory/stackmemory/internal/logging"
)

type eventCollector struct {
	mu     sync.Mutex
	events []Event
}

func (c *eventCollector) handle(ctx context.Context, ev Event) {
	c.mu.Lock()
	c.events = append(c.events, ev)
	c.mu.Unlock()
}

func (c *eventCollector) paths() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []string
	for _, ev := range c.events {
		out = append(out, ev.Path)
	}
	return out
}

func startWatcher(t *testing.T, root string) (*eventCollector, *Dispatcher) {
	t.Helper()
	d := fastDispatcher(t)

	collector := &eventCollector{}
	d.Subscribe(EventFileChange, collector.handle)

	w, err := NewWatcher(root, "ses-test", d, logging.Discard())
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go func() { _ = w.Run(ctx) }()

	// give the watcher a beat to register
	time.Sleep(50 * time.Millisecond)
	return collector, d
}

func TestWatcherEmitsFileChange(t *testing.T) {
	root := t.TempDir()
	collector, _ := startWatcher(t, root)

	path := filepath.Join(root, "main.go")
	require.NoError(t, os.WriteFile(path, []byte("package main\n"), 0o600))

	require.Eventually(t, func() bool {
		for _, p := range collector.paths() {
			if p == path {
				return true
			}
		}
		return false
	}, 3*time.Second, 20*time.Millisecond)
}

func TestWatcherFiltersExtensionsAndIgnoredDirs(t *testing.T) {
	root := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(root, "node_modules"), 0o750))
	collector, _ := startWatcher(t, root)

	require.NoError(t, os.WriteFile(filepath.Join(root, "image.png"), []byte{1}, 0o600))
	require.NoError(t, os.WriteFile(filepath.Join(root, "node_modules", "dep.go"), []byte("x"), 0o600))

	time.Sleep(300 * time.Millisecond)
	assert.Empty(t, collector.paths())
}

func TestWatcherPicksUpNewDirectories(t *testing.T) {
	root := t.TempDir()
	collector, _ := startWatcher(t, root)

	sub := filepath.Join(root, "pkg")
	require.NoError(t, os.MkdirAll(sub, 0o750))
	time.Sleep(100 * time.Millisecond) // watch registration for the new dir

	path := filepath.Join(sub, "pkg.go")
	require.NoError(t, os.WriteFile(path, []byte("package pkg\n"), 0o600))

	require.Eventually(t, func() bool {
		for _, p := range collector.paths() {
			if p == path {
				return true
			}
		}
		return false
	}, 3*time.Second, 20*time.Millisecond)
}

func TestIgnoredMatchesPathSegments(t *testing.T) {
	d := fastDispatcher(t)
	root := t.TempDir()
	w, err := NewWatcher(root, "ses-test", d, logging.Discard())
	require.NoError(t, err)
	t.Cleanup(func() { _ = w.watcher.Close() })

	assert.True(t, w.ignored(filepath.Join(root, ".git", "HEAD")))
	assert.True(t, w.ignored(filepath.Join(root, "a", "node_modules", "b")))
	assert.False(t, w.ignored(filepath.Join(root, "src", "git_helpers")))
	assert.False(t, w.ignored(root))
}
