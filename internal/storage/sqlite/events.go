package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/stackmemory/stackmemory/internal/types"
)

// AppendEvent appends an event to its frame and returns the assigned row id.
// Event ids are monotonically increasing per database, which gives the
// within-frame ordering guarantee.
func (s *Store) AppendEvent(ctx context.Context, event *types.Event) (int64, error) {
	var id int64
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		var err error
		id, err = insertEvent(ctx, tx, event)
		return err
	})
	if err != nil {
		return 0, err
	}
	return id, nil
}

func insertEvent(ctx context.Context, tx *sql.Tx, event *types.Event) (int64, error) {
	res, err := tx.ExecContext(ctx, `
		INSERT INTO events (frame_id, event_type, payload, created_at)
		VALUES (?, ?, ?, ?)
	`, event.FrameID, event.Type, []byte(event.Payload), event.CreatedAt)
	if err != nil {
		return 0, mapErr(err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, mapErr(err)
	}

	if text := eventSearchText(event); text != "" {
		_, err = tx.ExecContext(ctx, `
			INSERT INTO memory_fts (text, frame_id, kind, ref_id, project_id, session_id)
			SELECT ?, f.id, 'event', ?, f.project_id, f.session_id
			FROM frames f WHERE f.id = ?
		`, text, fmt.Sprintf("%d", id), event.FrameID)
		if err != nil {
			return 0, mapErr(err)
		}
	}
	return id, nil
}

// eventSearchText extracts the human-readable portion of an event payload
// for the full-text index. Payloads without a text field are not indexed.
func eventSearchText(event *types.Event) string {
	if len(event.Payload) == 0 {
		return ""
	}
	var body struct {
		Text    string `json:"text"`
		Message string `json:"message"`
		Summary string `json:"summary"`
	}
	if err := json.Unmarshal(event.Payload, &body); err != nil {
		return ""
	}
	switch {
	case body.Text != "":
		return body.Text
	case body.Message != "":
		return body.Message
	default:
		return body.Summary
	}
}

// ListEvents returns events for a frame in append order. limit <= 0 returns
// everything; limit > 0 returns the most recent entries, still oldest first.
func (s *Store) ListEvents(ctx context.Context, frameID string, limit int) ([]*types.Event, error) {
	query := `
		SELECT id, frame_id, event_type, payload, created_at
		FROM events WHERE frame_id = ? ORDER BY id
	`
	args := []any{frameID}
	if limit > 0 {
		query = `
			SELECT id, frame_id, event_type, payload, created_at FROM (
				SELECT id, frame_id, event_type, payload, created_at
				FROM events WHERE frame_id = ? ORDER BY id DESC LIMIT ?
			) ORDER BY id
		`
		args = append(args, limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, mapErr(err)
	}
	defer func() { _ = rows.Close() }()

	var events []*types.Event
	for rows.Next() {
		var ev types.Event
		var payload []byte
		if err := rows.Scan(&ev.ID, &ev.FrameID, &ev.Type, &payload, &ev.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan event: %w", err)
		}
		if len(payload) > 0 {
			ev.Payload = json.RawMessage(payload)
		}
		events = append(events, &ev)
	}
	return events, rows.Err()
}
