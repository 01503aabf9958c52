package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/stackmemory/stackmemory/internal/types"
)

// AddAnchor pins a fact to a frame and indexes its text
func (s *Store) AddAnchor(ctx context.Context, anchor *types.Anchor) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		return insertAnchor(ctx, tx, anchor)
	})
}

func insertAnchor(ctx context.Context, tx *sql.Tx, anchor *types.Anchor) error {
	meta, err := json.Marshal(anchor.Metadata)
	if err != nil {
		return types.E(types.CodeInvalidArgument, "anchor metadata is not serializable").WithCause(err)
	}
	if anchor.Metadata == nil {
		meta = []byte("{}")
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO anchors (id, frame_id, type, text, priority, metadata, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`, anchor.ID, anchor.FrameID, anchor.Type, anchor.Text, anchor.Priority, string(meta), anchor.CreatedAt)
	if err != nil {
		return mapErr(err)
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO memory_fts (text, frame_id, kind, ref_id, project_id, session_id)
		SELECT ?, f.id, 'anchor', ?, f.project_id, f.session_id
		FROM frames f WHERE f.id = ?
	`, anchor.Text, anchor.ID, anchor.FrameID)
	if err != nil {
		return mapErr(err)
	}
	return nil
}

// ListAnchors returns a frame's anchors, highest priority first
func (s *Store) ListAnchors(ctx context.Context, frameID string) ([]*types.Anchor, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, frame_id, type, text, priority, metadata, created_at
		FROM anchors WHERE frame_id = ?
		ORDER BY priority DESC, created_at DESC
	`, frameID)
	if err != nil {
		return nil, mapErr(err)
	}
	defer func() { _ = rows.Close() }()
	return collectAnchors(rows)
}

// ListAnchorsForFrames returns anchors across a set of frames, highest
// priority first. The retrieval anchor sweep feeds from this.
func (s *Store) ListAnchorsForFrames(ctx context.Context, frameIDs []string) ([]*types.Anchor, error) {
	if len(frameIDs) == 0 {
		return nil, nil
	}

	placeholders := make([]string, len(frameIDs))
	args := make([]any, len(frameIDs))
	for i, id := range frameIDs {
		placeholders[i] = "?"
		args[i] = id
	}

	// #nosec G201 - placeholders are generated "?" markers
	query := `
		SELECT id, frame_id, type, text, priority, metadata, created_at
		FROM anchors WHERE frame_id IN (` + strings.Join(placeholders, ",") + `)
		ORDER BY priority DESC, created_at DESC
	`
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, mapErr(err)
	}
	defer func() { _ = rows.Close() }()
	return collectAnchors(rows)
}

func collectAnchors(rows *sql.Rows) ([]*types.Anchor, error) {
	var anchors []*types.Anchor
	for rows.Next() {
		var a types.Anchor
		var meta string
		if err := rows.Scan(&a.ID, &a.FrameID, &a.Type, &a.Text, &a.Priority, &meta, &a.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan anchor: %w", err)
		}
		if meta != "" && meta != "{}" {
			if err := json.Unmarshal([]byte(meta), &a.Metadata); err != nil {
				return nil, types.E(types.CodeCorruptRecord, "anchor %s has invalid metadata", a.ID).WithCause(err)
			}
		}
		anchors = append(anchors, &a)
	}
	return anchors, rows.Err()
}
