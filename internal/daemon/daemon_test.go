//go:build !windows

package daemon

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stackmemory/stackmemory/internal/engine"
	"github.com/stackmemory/stackmemory/internal/logging"
	"github.com/stackmemory/stackmemory/internal/storage/sqlite"
	"github.com/stackmemory/stackmemory/internal/types"
)

func TestPidLockSingleInstance(t *testing.T) {
	path := filepath.Join(t.TempDir(), "hooks.pid")

	first := NewPidLock(path)
	require.NoError(t, first.Acquire())

	second := NewPidLock(path)
	err := second.Acquire()
	require.Error(t, err)
	assert.Equal(t, types.CodeConflict, types.CodeOf(err))

	pid, ok := ReadPid(path)
	require.True(t, ok)
	assert.Equal(t, os.Getpid(), pid)

	require.NoError(t, first.Release())
	require.NoError(t, second.Acquire())
	require.NoError(t, second.Release())
}

func TestProcessAlive(t *testing.T) {
	assert.True(t, ProcessAlive(os.Getpid()))
	assert.False(t, ProcessAlive(1<<30))
}

func TestSweepExpiredSessions(t *testing.T) {
	ctx := context.Background()

	store, err := sqlite.New(ctx, ":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	now := time.Now().UTC()
	project := &types.Project{ID: "sweep-test", RootPath: "/tmp/p", CreatedAt: now}
	require.NoError(t, store.CreateProject(ctx, project))

	fresh := &types.Session{
		ID: types.NewID("ses"), ProjectID: project.ID,
		StartedAt: now, LastActiveAt: now, State: types.SessionActive,
	}
	require.NoError(t, store.CreateSession(ctx, fresh))

	stale := &types.Session{
		ID: types.NewID("ses"), ProjectID: project.ID,
		StartedAt:    now.Add(-48 * time.Hour),
		LastActiveAt: now.Add(-30 * time.Hour),
		State:        types.SessionActive,
	}
	require.NoError(t, store.CreateSession(ctx, stale))

	eng := engine.NewWithStore(store, project, fresh, nil, logging.Discard())
	d := &Daemon{
		engine:     eng,
		dispatcher: fastDispatcher(t),
		log:        logging.Discard(),
	}

	require.NoError(t, d.SweepExpiredSessions(ctx))

	got, err := store.GetSession(ctx, stale.ID)
	require.NoError(t, err)
	assert.Equal(t, types.SessionSuspended, got.State)

	got, err = store.GetSession(ctx, fresh.ID)
	require.NoError(t, err)
	assert.Equal(t, types.SessionActive, got.State)
}

func TestDaemonRunAndStop(t *testing.T) {
	ctx := context.Background()

	store, err := sqlite.New(ctx, ":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	now := time.Now().UTC()
	root := t.TempDir()
	project := &types.Project{ID: "daemon-test", RootPath: root, CreatedAt: now}
	require.NoError(t, store.CreateProject(ctx, project))
	session := &types.Session{
		ID: types.NewID("ses"), ProjectID: project.ID,
		StartedAt: now, LastActiveAt: now, State: types.SessionActive,
	}
	require.NoError(t, store.CreateSession(ctx, session))

	eng := engine.NewWithStore(store, project, session, nil, logging.Discard())

	d, err := New(eng, root, logging.Discard())
	require.NoError(t, err)
	d.pidLock = NewPidLock(filepath.Join(t.TempDir(), "hooks.pid"))

	runCtx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- d.Run(runCtx) }()

	time.Sleep(200 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("daemon did not stop")
	}
}

func TestFrameCloseFansOutToHooks(t *testing.T) {
	ctx := context.Background()

	store, err := sqlite.New(ctx, ":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	now := time.Now().UTC()
	root := t.TempDir()
	project := &types.Project{ID: "hook-test", RootPath: root, CreatedAt: now}
	require.NoError(t, store.CreateProject(ctx, project))
	session := &types.Session{
		ID: types.NewID("ses"), ProjectID: project.ID,
		StartedAt: now, LastActiveAt: now, State: types.SessionActive,
	}
	require.NoError(t, store.CreateSession(ctx, session))

	eng := engine.NewWithStore(store, project, session, nil, logging.Discard())
	d, err := New(eng, root, logging.Discard())
	require.NoError(t, err)
	t.Cleanup(d.dispatcher.Close)

	closed := make(chan Event, 1)
	suggested := make(chan Event, 1)
	d.Dispatcher().Subscribe(EventFrameClosed, func(ctx context.Context, ev Event) { closed <- ev })
	d.Dispatcher().Subscribe(EventSuggestionReady, func(ctx context.Context, ev Event) { suggested <- ev })

	frame, err := eng.StartFrame(ctx, "hooked work", types.FrameTask, nil, nil)
	require.NoError(t, err)
	_, err = eng.CloseFrame(ctx, frame.ID, "")
	require.NoError(t, err)

	select {
	case ev := <-closed:
		assert.Equal(t, frame.ID, ev.FrameID)
	case <-time.After(5 * time.Second):
		t.Fatal("frame_closed hook did not fire")
	}
	select {
	case ev := <-suggested:
		assert.NotEmpty(t, ev.Payload["next_step_hint"])
	case <-time.After(5 * time.Second):
		t.Fatal("suggestion_ready hook did not fire")
	}
}
