package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/stackmemory/stackmemory/internal/types"
)

// CreateProject registers a project. Fails Conflict when the id exists.
func (s *Store) CreateProject(ctx context.Context, project *types.Project) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO projects (id, root_path, created_at) VALUES (?, ?, ?)
	`, project.ID, project.RootPath, project.CreatedAt)
	if err != nil {
		return mapErr(err)
	}
	return nil
}

// GetProject fetches a project by id
func (s *Store) GetProject(ctx context.Context, id string) (*types.Project, error) {
	var p types.Project
	err := s.db.QueryRowContext(ctx, `
		SELECT id, root_path, created_at FROM projects WHERE id = ?
	`, id).Scan(&p.ID, &p.RootPath, &p.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, types.E(types.CodeNotFound, "project %s not found", id)
	}
	if err != nil {
		return nil, mapErr(err)
	}
	return &p, nil
}

// CreateSession inserts a new session row
func (s *Store) CreateSession(ctx context.Context, session *types.Session) error {
	meta, err := json.Marshal(session.Metadata)
	if err != nil {
		return types.E(types.CodeInvalidArgument, "session metadata is not serializable").WithCause(err)
	}
	if session.Metadata == nil {
		meta = []byte("{}")
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO sessions (id, project_id, branch, started_at, last_active_at, state, metadata)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`, session.ID, session.ProjectID, session.Branch, session.StartedAt, session.LastActiveAt, session.State, string(meta))
	if err != nil {
		return mapErr(err)
	}
	return nil
}

// GetSession fetches a session by id
func (s *Store) GetSession(ctx context.Context, id string) (*types.Session, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, project_id, branch, started_at, last_active_at, state, metadata
		FROM sessions WHERE id = ?
	`, id)
	session, err := scanSession(row)
	if err == sql.ErrNoRows {
		return nil, types.E(types.CodeNotFound, "session %s not found", id)
	}
	if err != nil {
		return nil, mapErr(err)
	}
	return session, nil
}

// ListSessions returns sessions for a project in a given state, most
// recently active first.
func (s *Store) ListSessions(ctx context.Context, projectID string, state types.SessionState, limit int) ([]*types.Session, error) {
	args := []any{projectID, state}
	limitSQL := ""
	if limit > 0 {
		limitSQL = " LIMIT ?"
		args = append(args, limit)
	}

	// #nosec G201 - limit clause is a fixed placeholder
	query := fmt.Sprintf(`
		SELECT id, project_id, branch, started_at, last_active_at, state, metadata
		FROM sessions
		WHERE project_id = ? AND state = ?
		ORDER BY last_active_at DESC
		%s
	`, limitSQL)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, mapErr(err)
	}
	defer func() { _ = rows.Close() }()

	var sessions []*types.Session
	for rows.Next() {
		session, err := scanSession(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan session: %w", err)
		}
		sessions = append(sessions, session)
	}
	return sessions, rows.Err()
}

// TouchSession bumps last_active_at
func (s *Store) TouchSession(ctx context.Context, id string, at time.Time) error {
	res, err := s.db.ExecContext(ctx, `UPDATE sessions SET last_active_at = ? WHERE id = ?`, at, id)
	if err != nil {
		return mapErr(err)
	}
	return requireRow(res, "session", id)
}

// UpdateSessionState transitions a session's lifecycle state
func (s *Store) UpdateSessionState(ctx context.Context, id string, state types.SessionState) error {
	res, err := s.db.ExecContext(ctx, `UPDATE sessions SET state = ? WHERE id = ?`, state, id)
	if err != nil {
		return mapErr(err)
	}
	return requireRow(res, "session", id)
}

// ListSessionsIdleSince returns active sessions whose last activity is
// older than cutoff; the daemon sweeper suspends them.
func (s *Store) ListSessionsIdleSince(ctx context.Context, cutoff time.Time) ([]*types.Session, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, project_id, branch, started_at, last_active_at, state, metadata
		FROM sessions
		WHERE state = 'active' AND last_active_at < ?
		ORDER BY last_active_at
	`, cutoff)
	if err != nil {
		return nil, mapErr(err)
	}
	defer func() { _ = rows.Close() }()

	var sessions []*types.Session
	for rows.Next() {
		session, err := scanSession(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan session: %w", err)
		}
		sessions = append(sessions, session)
	}
	return sessions, rows.Err()
}

// scanner abstracts *sql.Row and *sql.Rows
type scanner interface {
	Scan(dest ...any) error
}

func scanSession(sc scanner) (*types.Session, error) {
	var session types.Session
	var meta string
	err := sc.Scan(&session.ID, &session.ProjectID, &session.Branch,
		&session.StartedAt, &session.LastActiveAt, &session.State, &meta)
	if err != nil {
		return nil, err
	}
	if meta != "" && meta != "{}" {
		if err := json.Unmarshal([]byte(meta), &session.Metadata); err != nil {
			return nil, types.E(types.CodeCorruptRecord, "session %s has invalid metadata", session.ID).WithCause(err)
		}
	}
	return &session, nil
}

// requireRow converts a zero-row update into NotFound
func requireRow(res sql.Result, kind, id string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return mapErr(err)
	}
	if n == 0 {
		return types.E(types.CodeNotFound, "%s %s not found", kind, id)
	}
	return nil
}
