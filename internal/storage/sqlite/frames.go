package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/stackmemory/stackmemory/internal/types"
)

const frameColumns = `id, session_id, project_id, parent_id, type, name, state, depth,
	constraints, definitions, inputs, outputs, importance, digest, created_at, closed_at`

// CreateFrame inserts a frame row and indexes its name for full-text search
func (s *Store) CreateFrame(ctx context.Context, frame *types.Frame) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		return insertFrame(ctx, tx, frame)
	})
}

func insertFrame(ctx context.Context, tx *sql.Tx, frame *types.Frame) error {
	constraints, definitions, inputs, outputs, err := marshalFrameBlobs(frame)
	if err != nil {
		return err
	}

	var parent any
	if frame.ParentID != "" {
		parent = frame.ParentID
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO frames (id, session_id, project_id, parent_id, type, name, state, depth,
			constraints, definitions, inputs, outputs, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, frame.ID, frame.SessionID, frame.ProjectID, parent, frame.Type, frame.Name,
		frame.State, frame.Depth, constraints, definitions, inputs, outputs, frame.CreatedAt)
	if err != nil {
		return mapErr(err)
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO memory_fts (text, frame_id, kind, ref_id, project_id, session_id)
		VALUES (?, ?, 'frame', ?, ?, ?)
	`, frame.Name, frame.ID, frame.ID, frame.ProjectID, frame.SessionID)
	if err != nil {
		return mapErr(err)
	}
	return nil
}

// GetFrame fetches a frame by id
func (s *Store) GetFrame(ctx context.Context, id string) (*types.Frame, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+frameColumns+` FROM frames WHERE id = ?`, id)
	frame, err := scanFrame(row)
	if err == sql.ErrNoRows {
		return nil, types.E(types.CodeNotFound, "frame %s not found", id)
	}
	if err != nil {
		return nil, mapErr(err)
	}
	return frame, nil
}

// ListActiveFrames returns the open frames of a session ordered by depth,
// which reconstructs the stack root-first after a restart.
func (s *Store) ListActiveFrames(ctx context.Context, sessionID string) ([]*types.Frame, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+frameColumns+` FROM frames
		WHERE session_id = ? AND state = 'active'
		ORDER BY depth, created_at
	`, sessionID)
	if err != nil {
		return nil, mapErr(err)
	}
	defer func() { _ = rows.Close() }()

	var frames []*types.Frame
	for rows.Next() {
		frame, err := scanFrame(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan frame: %w", err)
		}
		frames = append(frames, frame)
	}
	return frames, rows.Err()
}

// GetFramesByIDs fetches a batch of frames keyed by id
func (s *Store) GetFramesByIDs(ctx context.Context, ids []string) (map[string]*types.Frame, error) {
	result := make(map[string]*types.Frame, len(ids))
	if len(ids) == 0 {
		return result, nil
	}

	placeholders := make([]string, len(ids))
	args := make([]any, len(ids))
	for i, id := range ids {
		placeholders[i] = "?"
		args[i] = id
	}

	// #nosec G201 - placeholders are generated "?" markers
	query := `SELECT ` + frameColumns + ` FROM frames WHERE id IN (` + strings.Join(placeholders, ",") + `)`
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, mapErr(err)
	}
	defer func() { _ = rows.Close() }()

	for rows.Next() {
		frame, err := scanFrame(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan frame: %w", err)
		}
		result[frame.ID] = frame
	}
	return result, rows.Err()
}

// closeFrameRow marks a frame closed with its digest and importance.
// Closing an already-closed frame fails Conflict so callers can fall back
// to the stored digest.
func closeFrameRow(ctx context.Context, tx *sql.Tx, frameID string, closedAt time.Time, importance int, digest *types.Digest) error {
	var digestJSON any
	if digest != nil {
		raw, err := json.Marshal(digest)
		if err != nil {
			return types.E(types.CodeInvalidArgument, "digest is not serializable").WithCause(err)
		}
		digestJSON = string(raw)
	}

	res, err := tx.ExecContext(ctx, `
		UPDATE frames
		SET state = 'closed', closed_at = ?, importance = ?, digest = ?
		WHERE id = ? AND state = 'active'
	`, closedAt, importance, digestJSON, frameID)
	if err != nil {
		return mapErr(err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return mapErr(err)
	}
	if n == 0 {
		return types.E(types.CodeConflict, "frame %s is already closed", frameID)
	}
	return nil
}

func marshalFrameBlobs(frame *types.Frame) (constraints, definitions, inputs, outputs string, err error) {
	enc := func(v any, empty string) (string, error) {
		if v == nil {
			return empty, nil
		}
		raw, err := json.Marshal(v)
		if err != nil {
			return "", types.E(types.CodeInvalidArgument, "frame blob is not serializable").WithCause(err)
		}
		return string(raw), nil
	}
	if constraints, err = enc(frame.Constraints, "[]"); err != nil {
		return
	}
	if frame.Constraints == nil {
		constraints = "[]"
	}
	if definitions, err = enc(frame.Definitions, "{}"); err != nil {
		return
	}
	if frame.Definitions == nil {
		definitions = "{}"
	}
	if inputs, err = enc(frame.Inputs, "{}"); err != nil {
		return
	}
	if frame.Inputs == nil {
		inputs = "{}"
	}
	if outputs, err = enc(frame.Outputs, "{}"); err != nil {
		return
	}
	if frame.Outputs == nil {
		outputs = "{}"
	}
	return
}

func scanFrame(sc scanner) (*types.Frame, error) {
	var frame types.Frame
	var parent, digest sql.NullString
	var closedAt sql.NullTime
	var constraints, definitions, inputs, outputs string

	err := sc.Scan(&frame.ID, &frame.SessionID, &frame.ProjectID, &parent,
		&frame.Type, &frame.Name, &frame.State, &frame.Depth,
		&constraints, &definitions, &inputs, &outputs,
		&frame.Importance, &digest, &frame.CreatedAt, &closedAt)
	if err != nil {
		return nil, err
	}

	if parent.Valid {
		frame.ParentID = parent.String
	}
	if closedAt.Valid {
		t := closedAt.Time
		frame.ClosedAt = &t
	}
	if digest.Valid && digest.String != "" {
		var d types.Digest
		if err := json.Unmarshal([]byte(digest.String), &d); err != nil {
			return nil, types.E(types.CodeCorruptRecord, "frame %s has invalid digest", frame.ID).WithCause(err)
		}
		frame.Digest = &d
	}

	if err := json.Unmarshal([]byte(constraints), &frame.Constraints); err != nil {
		return nil, types.E(types.CodeCorruptRecord, "frame %s has invalid constraints", frame.ID).WithCause(err)
	}
	if err := json.Unmarshal([]byte(definitions), &frame.Definitions); err != nil {
		return nil, types.E(types.CodeCorruptRecord, "frame %s has invalid definitions", frame.ID).WithCause(err)
	}
	if err := json.Unmarshal([]byte(inputs), &frame.Inputs); err != nil {
		return nil, types.E(types.CodeCorruptRecord, "frame %s has invalid inputs", frame.ID).WithCause(err)
	}
	if err := json.Unmarshal([]byte(outputs), &frame.Outputs); err != nil {
		return nil, types.E(types.CodeCorruptRecord, "frame %s has invalid outputs", frame.ID).WithCause(err)
	}
	return &frame, nil
}
