//go:build !windows

package rpc

import (
	"crypto/sha256"
	"encoding/hex"
	"os"
	"path/filepath"
	"strings"
)

// MaxUnixSocketPath is the maximum length for Unix socket paths.
// macOS has a 104-byte limit (including null terminator), Linux has 108.
// We use 103 to be safe across platforms.
const MaxUnixSocketPath = 103

// tmpDir is where overflow sockets live. $TMPDIR on macOS is far too long
// for socket paths, so /tmp is used unconditionally.
const tmpDir = "/tmp"

// SocketPath returns the daemon socket path for a project root. The natural
// location is <root>/.stackmemory/daemon.sock; when that exceeds the Unix
// socket path limit the socket moves to /tmp/stackmemory-{hash}/daemon.sock,
// with the hash derived from the canonicalized root so the same project
// always maps to the same directory.
func SocketPath(projectRoot string) string {
	natural := filepath.Join(projectRoot, ".stackmemory", "daemon.sock")
	if len(natural) <= MaxUnixSocketPath {
		return natural
	}
	return shortSocketDir(canonicalRoot(projectRoot))
}

func canonicalRoot(root string) string {
	resolved, err := filepath.EvalSymlinks(root)
	if err != nil {
		return filepath.Clean(root)
	}
	return filepath.Clean(resolved)
}

// shortSocketDir returns a socket path in /tmp/stackmemory-{hash}/ using
// 8 hex characters of the root path's SHA256.
func shortSocketDir(canonicalPath string) string {
	hash := sha256.Sum256([]byte(canonicalPath))
	hashStr := hex.EncodeToString(hash[:4])
	return filepath.Join(tmpDir, "stackmemory-"+hashStr, "daemon.sock")
}

// EnsureSocketDir creates the socket's parent directory if needed and
// returns the socket path unchanged. Called by the daemon before listening.
func EnsureSocketDir(socketPath string) (string, error) {
	dir := filepath.Dir(socketPath)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return "", err
	}
	return socketPath, nil
}

// CleanupSocket removes the socket file, and its directory too when it is
// one of ours under /tmp.
func CleanupSocket(socketPath string) error {
	dir := filepath.Dir(socketPath)
	if strings.HasPrefix(dir, filepath.Join(tmpDir, "stackmemory-")) {
		_ = os.Remove(socketPath)
		return os.Remove(dir)
	}
	return os.Remove(socketPath)
}
