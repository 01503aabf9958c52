package tier

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/stackmemory/stackmemory/internal/types"
)

// OfflineEntry is one migration that exhausted its in-band retries
type OfflineEntry struct {
	EntryID  int64               `json:"entry_id"`
	ItemID   string              `json:"item_id"`
	FrameID  string              `json:"frame_id"`
	Band     types.MigrationBand `json:"band"`
	Attempts int                 `json:"attempts"`
	Error    string              `json:"error"`
	FailedAt time.Time           `json:"failed_at"`
}

// OfflineQueue is the on-disk record of abandoned migrations, kept as a
// JSON array so operators can inspect and replay it.
type OfflineQueue struct {
	path string
	mu   sync.Mutex
}

// NewOfflineQueue creates a queue backed by the given file
func NewOfflineQueue(path string) *OfflineQueue {
	return &OfflineQueue{path: path}
}

// Append records an abandoned migration
func (q *OfflineQueue) Append(entry *types.MigrationEntry, cause error) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	entries, err := q.readLocked()
	if err != nil {
		return err
	}

	msg := ""
	if cause != nil {
		msg = cause.Error()
	}
	entries = append(entries, OfflineEntry{
		EntryID:  entry.ID,
		ItemID:   entry.ItemID,
		FrameID:  entry.FrameID,
		Band:     entry.Band,
		Attempts: entry.Attempts,
		Error:    msg,
		FailedAt: time.Now().UTC(),
	})
	return q.writeLocked(entries)
}

// List returns all recorded entries
func (q *OfflineQueue) List() ([]OfflineEntry, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.readLocked()
}

// Clear truncates the queue
func (q *OfflineQueue) Clear() error {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.writeLocked([]OfflineEntry{})
}

func (q *OfflineQueue) readLocked() ([]OfflineEntry, error) {
	data, err := os.ReadFile(q.path)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read offline queue: %w", err)
	}
	if len(data) == 0 {
		return nil, nil
	}
	var entries []OfflineEntry
	if err := json.Unmarshal(data, &entries); err != nil {
		return nil, fmt.Errorf("offline queue is malformed: %w", err)
	}
	return entries, nil
}

// writeLocked writes atomically via a temp file and rename
func (q *OfflineQueue) writeLocked(entries []OfflineEntry) error {
	if err := os.MkdirAll(filepath.Dir(q.path), 0o750); err != nil {
		return fmt.Errorf("failed to create offline queue directory: %w", err)
	}
	data, err := json.MarshalIndent(entries, "", "  ")
	if err != nil {
		return err
	}
	tmp := q.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return fmt.Errorf("failed to write offline queue: %w", err)
	}
	return os.Rename(tmp, q.path)
}
