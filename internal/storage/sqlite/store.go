// Package sqlite implements the storage interface using SQLite.
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"sync/atomic"
	"time"

	// Import SQLite driver
	sqlite3 "github.com/ncruces/go-sqlite3"
	_ "github.com/ncruces/go-sqlite3/driver"
	_ "github.com/ncruces/go-sqlite3/embed"
	"github.com/tetratelabs/wazero"

	"github.com/stackmemory/stackmemory/internal/types"
)

// Store implements the storage interface using SQLite
type Store struct {
	db     *sql.DB
	dbPath string
	closed atomic.Bool
}

// setupWASMCache configures WASM compilation caching so the embedded SQLite
// runtime compiles once per machine instead of once per process start.
// Falls back to an in-memory cache if the filesystem cache cannot be created.
func setupWASMCache() {
	var cache wazero.CompilationCache
	if userCache, err := os.UserCacheDir(); err == nil {
		dir := filepath.Join(userCache, "stackmemory", "wasm")
		if c, err := wazero.NewCompilationCacheWithDir(dir); err == nil {
			cache = c
		}
	}
	if cache == nil {
		cache = wazero.NewCompilationCache()
	}
	sqlite3.RuntimeConfig = wazero.NewRuntimeConfig().WithCompilationCache(cache)
}

func init() {
	setupWASMCache()
}

// New opens (or creates) the store at path. ":memory:" opens a shared
// in-memory database for tests.
func New(ctx context.Context, path string) (*Store, error) {
	var connStr string
	isInMemory := path == ":memory:" ||
		(strings.HasPrefix(path, "file:") && strings.Contains(path, "mode=memory"))

	switch {
	case path == ":memory:":
		// Shared cache so every pooled connection sees the same data.
		// WAL does not work for in-memory databases.
		connStr = "file:memdb?mode=memory&cache=shared&_txlock=immediate&_pragma=journal_mode(DELETE)&_pragma=foreign_keys(ON)&_pragma=busy_timeout(30000)&_time_format=sqlite"
	case strings.HasPrefix(path, "file:"):
		connStr = path
		if !strings.Contains(path, "_pragma=foreign_keys") {
			connStr += "&_txlock=immediate&_pragma=foreign_keys(ON)&_pragma=busy_timeout(30000)&_time_format=sqlite"
		}
	default:
		if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil {
			return nil, types.E(types.CodeStoreUnavailable, "cannot create store directory").WithCause(err)
		}
		connStr = "file:" + path + "?_txlock=immediate&_pragma=foreign_keys(ON)&_pragma=busy_timeout(30000)&_time_format=sqlite"
	}

	db, err := sql.Open("sqlite3", connStr)
	if err != nil {
		return nil, types.E(types.CodeStoreUnavailable, "cannot open store").WithCause(err)
	}

	if isInMemory {
		// In-memory databases are per-connection without this
		db.SetMaxOpenConns(1)
		db.SetMaxIdleConns(1)
	} else {
		// WAL supports 1 writer + N readers; bound the pool to avoid
		// goroutine pile-up on write lock contention
		db.SetMaxOpenConns(runtime.NumCPU() + 1)
		db.SetMaxIdleConns(2)
		db.SetConnMaxLifetime(0)
		if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
			_ = db.Close()
			return nil, types.E(types.CodeStoreUnavailable, "cannot enable WAL mode").WithCause(err)
		}
	}

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, types.E(types.CodeStoreUnavailable, "cannot reach store").WithCause(err)
	}

	if _, err := db.ExecContext(ctx, schema); err != nil {
		_ = db.Close()
		return nil, types.E(types.CodeStoreUnavailable, "cannot initialize schema").WithCause(err)
	}

	if err := runMigrations(db); err != nil {
		_ = db.Close()
		return nil, err
	}

	absPath := path
	if path != ":memory:" {
		if absPath, err = filepath.Abs(path); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("failed to resolve store path: %w", err)
		}
	}

	return &Store{db: db, dbPath: absPath}, nil
}

// Close checkpoints the WAL and closes the connection pool. Without the
// checkpoint, writes can be stranded in the -wal file between invocations.
func (s *Store) Close() error {
	s.closed.Store(true)
	_, _ = s.db.Exec("PRAGMA wal_checkpoint(TRUNCATE)")
	return s.db.Close()
}

// Path returns the absolute path to the database file
func (s *Store) Path() string {
	return s.dbPath
}

// UnderlyingDB returns the raw connection pool. Do not close it; the Store
// owns the lifecycle.
func (s *Store) UnderlyingDB() *sql.DB {
	return s.db
}

// withTx runs fn inside a BEGIN IMMEDIATE transaction, retrying a bounded
// number of times when the write lock is contended.
func (s *Store) withTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	const maxAttempts = 3
	backoff := 50 * time.Millisecond

	var lastErr error
	for attempt := 0; attempt < maxAttempts; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return types.E(types.CodeTimeout, "store transaction canceled").WithCause(ctx.Err())
			case <-time.After(backoff):
			}
			backoff *= 2
		}

		err := s.runTx(ctx, fn)
		if err == nil {
			return nil
		}
		lastErr = err
		if !isBusy(err) {
			return err
		}
	}
	return types.E(types.CodeStoreUnavailable, "store busy after %d attempts", maxAttempts).WithCause(lastErr)
}

func (s *Store) runTx(ctx context.Context, fn func(tx *sql.Tx) error) (err error) {
	// _txlock=immediate in the connection string makes this BEGIN IMMEDIATE:
	// the write lock is taken up front so competing writers queue instead of
	// deadlocking at commit
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return types.E(types.CodeStoreUnavailable, "cannot begin transaction").WithCause(err)
	}

	defer func() {
		if p := recover(); p != nil {
			_ = tx.Rollback()
			panic(p)
		}
	}()

	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return mapErr(err)
	}
	return nil
}

// isBusy reports whether err is SQLite lock contention
func isBusy(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "database is locked") || strings.Contains(msg, "SQLITE_BUSY")
}

// mapErr translates driver errors into the engine taxonomy
func mapErr(err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, sql.ErrNoRows):
		return types.E(types.CodeNotFound, "record not found").WithCause(err)
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, context.Canceled):
		return types.E(types.CodeTimeout, "store operation timed out").WithCause(err)
	case strings.Contains(err.Error(), "UNIQUE constraint failed"),
		strings.Contains(err.Error(), "PRIMARY KEY constraint failed"):
		return types.E(types.CodeConflict, "record already exists").WithCause(err)
	case strings.Contains(err.Error(), "CHECK constraint failed"):
		return types.E(types.CodeInvalidArgument, "record violates a constraint").WithCause(err)
	default:
		return types.E(types.CodeStoreUnavailable, "store operation failed").WithCause(err)
	}
}
