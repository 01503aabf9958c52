package daemon

import (
	"context"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/fsnotify/fsnotify"

	"github.com/stackmemory/stackmemory/internal/config"
	"github.com/stackmemory/stackmemory/internal/types"
)

// Watcher monitors a project tree and publishes file_change events for
// files matching the configured extensions. Ignored directories are never
// descended into.
type Watcher struct {
	root       string
	sessionID  string
	dispatcher *Dispatcher
	watcher    *fsnotify.Watcher
	extensions map[string]bool
	ignore     []string
	log        *slog.Logger
}

// NewWatcher builds a recursive watcher over root. Extension and ignore
// filters come from config.
func NewWatcher(root, sessionID string, dispatcher *Dispatcher, log *slog.Logger) (*Watcher, error) {
	if log == nil {
		log = slog.Default()
	}

	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, types.E(types.CodeStoreUnavailable, "cannot create filesystem watcher").WithCause(err)
	}

	extensions := make(map[string]bool)
	for _, ext := range config.GetStringSlice("daemon.watch-extensions") {
		extensions[strings.ToLower(ext)] = true
	}

	w := &Watcher{
		root:       root,
		sessionID:  sessionID,
		dispatcher: dispatcher,
		watcher:    fsw,
		extensions: extensions,
		ignore:     config.GetStringSlice("daemon.watch-ignore"),
		log:        log,
	}

	if err := w.addRecursive(root); err != nil {
		_ = fsw.Close()
		return nil, err
	}
	return w, nil
}

// addRecursive watches root and every non-ignored subdirectory
func (w *Watcher) addRecursive(root string) error {
	return filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return nil // unreadable entries are skipped, not fatal
		}
		if !d.IsDir() {
			return nil
		}
		if w.ignored(path) {
			return filepath.SkipDir
		}
		if err := w.watcher.Add(path); err != nil {
			w.log.Warn("cannot watch directory", "path", path, "error", err)
		}
		return nil
	})
}

// ignored reports whether any path segment matches the ignore list
func (w *Watcher) ignored(path string) bool {
	rel, err := filepath.Rel(w.root, path)
	if err != nil || rel == "." {
		return false
	}
	for _, segment := range strings.Split(rel, string(filepath.Separator)) {
		for _, ignored := range w.ignore {
			if segment == ignored {
				return true
			}
		}
	}
	return false
}

// interesting reports whether a change to path should become an event
func (w *Watcher) interesting(path string) bool {
	if w.ignored(path) {
		return false
	}
	return w.extensions[strings.ToLower(filepath.Ext(path))]
}

// Run consumes filesystem events until ctx is canceled
func (w *Watcher) Run(ctx context.Context) error {
	defer func() { _ = w.watcher.Close() }()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case ev, ok := <-w.watcher.Events:
			if !ok {
				return nil
			}
			// New directories must be picked up for recursive coverage
			if ev.Op.Has(fsnotify.Create) {
				if info, err := os.Stat(ev.Name); err == nil && info.IsDir() && !w.ignored(ev.Name) {
					if err := w.addRecursive(ev.Name); err != nil {
						w.log.Warn("cannot watch new directory", "path", ev.Name, "error", err)
					}
					continue
				}
			}
			if !ev.Op.Has(fsnotify.Create) && !ev.Op.Has(fsnotify.Write) &&
				!ev.Op.Has(fsnotify.Rename) && !ev.Op.Has(fsnotify.Remove) {
				continue
			}
			if !w.interesting(ev.Name) {
				continue
			}
			w.dispatcher.Publish(Event{
				Type:      EventFileChange,
				SessionID: w.sessionID,
				Path:      ev.Name,
				Payload:   map[string]any{"op": ev.Op.String()},
			})

		case err, ok := <-w.watcher.Errors:
			if !ok {
				return nil
			}
			w.log.Warn("watcher error", "error", err)
		}
	}
}
