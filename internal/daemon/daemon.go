// Package daemon is the long-running supervisor: it owns the RPC server,
// the filesystem watcher, the tier migration loop, the expired-session
// sweeper and the lifecycle-hook dispatcher.
package daemon

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/stackmemory/stackmemory/internal/config"
	"github.com/stackmemory/stackmemory/internal/engine"
	"github.com/stackmemory/stackmemory/internal/rpc"
	"github.com/stackmemory/stackmemory/internal/types"
)

// sweepInterval is how often the expired-session sweeper wakes up. The idle
// threshold itself comes from session.stale-after.
const sweepInterval = 5 * time.Minute

// Daemon supervises the background subsystems for one project
type Daemon struct {
	engine     *engine.Engine
	server     *rpc.Server
	dispatcher *Dispatcher
	watcher    *Watcher
	pidLock    *PidLock
	log        *slog.Logger
}

// New wires a daemon around an open engine. The pid file enforces one
// daemon per user; the socket lives under the project root.
func New(eng *engine.Engine, projectRoot string, log *slog.Logger) (*Daemon, error) {
	if log == nil {
		log = slog.Default()
	}

	pidPath, err := config.PidFilePath()
	if err != nil {
		return nil, types.E(types.CodeStoreUnavailable, "cannot resolve pid file path").WithCause(err)
	}

	dispatcher := NewDispatcher(log)
	watcher, err := NewWatcher(projectRoot, eng.Session().ID, dispatcher, log)
	if err != nil {
		return nil, err
	}

	d := &Daemon{
		engine:     eng,
		server:     rpc.NewServer(rpc.SocketPath(projectRoot), eng, log),
		dispatcher: dispatcher,
		watcher:    watcher,
		pidLock:    NewPidLock(pidPath),
		log:        log,
	}

	// Frame closures flow into the hook bus, and each digest's next-step
	// hint doubles as a suggestion event.
	eng.Frames().SetCloseHook(func(frame *types.Frame, digest *types.Digest) {
		d.dispatcher.Publish(Event{
			Type:      EventFrameClosed,
			SessionID: frame.SessionID,
			FrameID:   frame.ID,
			Payload:   map[string]any{"status": string(digest.Status)},
		})
		d.dispatcher.Publish(Event{
			Type:      EventSuggestionReady,
			SessionID: frame.SessionID,
			FrameID:   frame.ID,
			Payload:   map[string]any{"next_step_hint": string(digest.NextStepHint)},
		})
	})

	return d, nil
}

// Dispatcher exposes the hook bus for subscriber registration
func (d *Daemon) Dispatcher() *Dispatcher { return d.dispatcher }

// Run acquires the single-instance lock and drives every background loop
// until ctx is canceled or one loop fails.
func (d *Daemon) Run(ctx context.Context) error {
	if err := d.pidLock.Acquire(); err != nil {
		return err
	}
	defer func() { _ = d.pidLock.Release() }()
	defer d.dispatcher.Close()

	d.dispatcher.Publish(Event{Type: EventSessionStart, SessionID: d.engine.Session().ID})
	d.log.Info("daemon started",
		"project", d.engine.Project().ID, "session", d.engine.Session().ID)

	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error { return d.server.Start(ctx) })
	g.Go(func() error { return d.watcher.Run(ctx) })
	g.Go(func() error {
		d.engine.Tiers().Run(ctx)
		return nil
	})
	g.Go(func() error { return d.sweepLoop(ctx) })

	err := g.Wait()

	d.dispatcher.Publish(Event{Type: EventSessionEnd, SessionID: d.engine.Session().ID})
	d.log.Info("daemon stopped", "error", err)
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return nil
	}
	return err
}

// Stop closes the RPC listener; Run unwinds from there
func (d *Daemon) Stop() {
	d.server.Stop()
}

// sweepLoop suspends sessions idle past the stale threshold and drops their
// in-memory stacks.
func (d *Daemon) sweepLoop(ctx context.Context) error {
	ticker := time.NewTicker(sweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if err := d.SweepExpiredSessions(ctx); err != nil {
				d.log.Warn("session sweep failed", "error", err)
			}
		}
	}
}

// SweepExpiredSessions suspends every session whose last activity is older
// than session.stale-after.
func (d *Daemon) SweepExpiredSessions(ctx context.Context) error {
	cutoff := time.Now().UTC().Add(-config.GetDuration("session.stale-after"))
	stale, err := d.engine.Store().ListSessionsIdleSince(ctx, cutoff)
	if err != nil {
		return err
	}

	for _, session := range stale {
		if err := d.engine.Store().UpdateSessionState(ctx, session.ID, types.SessionSuspended); err != nil {
			d.log.Warn("cannot suspend stale session", "session", session.ID, "error", err)
			continue
		}
		d.engine.Frames().Forget(session.ID)
		d.dispatcher.Publish(Event{Type: EventSessionEnd, SessionID: session.ID})
		d.log.Info("suspended stale session",
			"session", session.ID, "idle_since", session.LastActiveAt)
	}
	return nil
}
