//go:build !windows

package daemon

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/gofrs/flock"
	"golang.org/x/sys/unix"

	"github.com/stackmemory/stackmemory/internal/types"
)

// PidLock enforces one daemon per user via an exclusive flock on the pid
// file. The lock dies with the process, so a crashed daemon never leaves a
// lock behind; the pid written into the file is advisory, for status output.
type PidLock struct {
	path  string
	flock *flock.Flock
}

// NewPidLock prepares a lock at path without acquiring it
func NewPidLock(path string) *PidLock {
	return &PidLock{path: path, flock: flock.New(path)}
}

// Acquire takes the lock or fails with Conflict naming the running pid
func (p *PidLock) Acquire() error {
	if err := os.MkdirAll(filepath.Dir(p.path), 0o750); err != nil {
		return types.E(types.CodeStoreUnavailable, "cannot create pid directory").WithCause(err)
	}

	locked, err := p.flock.TryLock()
	if err != nil {
		return types.E(types.CodeStoreUnavailable, "cannot lock pid file %s", p.path).WithCause(err)
	}
	if !locked {
		if pid, ok := ReadPid(p.path); ok {
			return types.E(types.CodeConflict, "daemon already running (pid %d)", pid).
				WithDetail("pid", pid)
		}
		return types.E(types.CodeConflict, "daemon already running")
	}

	if err := os.WriteFile(p.path, []byte(fmt.Sprintf("%d\n", os.Getpid())), 0o600); err != nil {
		_ = p.flock.Unlock()
		return types.E(types.CodeStoreUnavailable, "cannot write pid file").WithCause(err)
	}
	return nil
}

// Release drops the lock and removes the pid file
func (p *PidLock) Release() error {
	err := p.flock.Unlock()
	_ = os.Remove(p.path)
	return err
}

// ReadPid reads the advisory pid from a pid file
func ReadPid(path string) (int, bool) {
	data, err := os.ReadFile(path)
	if err != nil {
		return 0, false
	}
	pid, err := strconv.Atoi(strings.TrimSpace(string(data)))
	if err != nil || pid <= 0 {
		return 0, false
	}
	return pid, true
}

// ProcessAlive reports whether a pid refers to a live process we can signal
func ProcessAlive(pid int) bool {
	return unix.Kill(pid, 0) == nil
}
