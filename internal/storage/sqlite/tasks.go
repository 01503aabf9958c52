package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/stackmemory/stackmemory/internal/storage"
	"github.com/stackmemory/stackmemory/internal/types"
)

const taskColumns = `id, title, description, status, priority, tags, parent_task_id, progress,
	external_system, external_id, created_at, updated_at, completed_at`

// taskUpdateColumns whitelists the columns UpdateTask may touch
var taskUpdateColumns = map[string]bool{
	"title":           true,
	"description":     true,
	"status":          true,
	"priority":        true,
	"tags":            true,
	"parent_task_id":  true,
	"progress":        true,
	"external_system": true,
	"external_id":     true,
	"completed_at":    true,
}

// CreateTask inserts a task row
func (s *Store) CreateTask(ctx context.Context, task *types.Task) error {
	tags, err := json.Marshal(task.Tags)
	if err != nil {
		return types.E(types.CodeInvalidArgument, "task tags are not serializable").WithCause(err)
	}
	if task.Tags == nil {
		tags = []byte("[]")
	}

	var parent any
	if task.ParentTaskID != "" {
		parent = task.ParentTaskID
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO tasks (id, title, description, status, priority, tags, parent_task_id,
			progress, external_system, external_id, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, task.ID, task.Title, task.Description, task.Status, task.Priority, string(tags),
		parent, task.Progress, task.ExternalSystem, task.ExternalID, task.CreatedAt, task.UpdatedAt)
	return mapErr(err)
}

// GetTask fetches a task by id
func (s *Store) GetTask(ctx context.Context, id string) (*types.Task, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+taskColumns+` FROM tasks WHERE id = ?`, id)
	task, err := scanTask(row)
	if err == sql.ErrNoRows {
		return nil, types.E(types.CodeNotFound, "task %s not found", id)
	}
	if err != nil {
		return nil, mapErr(err)
	}
	return task, nil
}

// UpdateTask applies a partial update. Keys must be column names from the
// whitelist; unknown keys fail InvalidArgument. updated_at is always bumped.
func (s *Store) UpdateTask(ctx context.Context, id string, updates map[string]any) error {
	if len(updates) == 0 {
		return types.E(types.CodeInvalidArgument, "no task fields to update")
	}

	setClauses := make([]string, 0, len(updates)+1)
	args := make([]any, 0, len(updates)+2)
	for col, val := range updates {
		if !taskUpdateColumns[col] {
			return types.E(types.CodeInvalidArgument, "unknown task field %q", col)
		}
		if col == "tags" {
			raw, err := json.Marshal(val)
			if err != nil {
				return types.E(types.CodeInvalidArgument, "task tags are not serializable").WithCause(err)
			}
			val = string(raw)
		}
		setClauses = append(setClauses, col+" = ?")
		args = append(args, val)
	}
	setClauses = append(setClauses, "updated_at = ?")
	args = append(args, time.Now().UTC(), id)

	// #nosec G201 - columns come from the whitelist above
	query := "UPDATE tasks SET " + strings.Join(setClauses, ", ") + " WHERE id = ?"
	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return mapErr(err)
	}
	return requireRow(res, "task", id)
}

// ListTasks returns tasks matching the filter, urgent and newest first
func (s *Store) ListTasks(ctx context.Context, filter storage.TaskFilter) ([]*types.Task, error) {
	var sb strings.Builder
	sb.WriteString(`SELECT ` + taskColumns + ` FROM tasks WHERE 1=1`)
	var args []any

	if filter.Status != "" {
		sb.WriteString(" AND status = ?")
		args = append(args, filter.Status)
	}
	if filter.Priority != "" {
		sb.WriteString(" AND priority = ?")
		args = append(args, filter.Priority)
	}
	if filter.Tag != "" {
		sb.WriteString(" AND EXISTS (SELECT 1 FROM json_each(tasks.tags) WHERE json_each.value = ?)")
		args = append(args, filter.Tag)
	}
	if filter.ParentID != "" {
		sb.WriteString(" AND parent_task_id = ?")
		args = append(args, filter.ParentID)
	}

	sb.WriteString(` ORDER BY CASE priority
		WHEN 'urgent' THEN 0 WHEN 'high' THEN 1 WHEN 'medium' THEN 2 ELSE 3 END,
		created_at DESC`)
	if filter.Limit > 0 {
		sb.WriteString(" LIMIT ?")
		args = append(args, filter.Limit)
	}

	rows, err := s.db.QueryContext(ctx, sb.String(), args...)
	if err != nil {
		return nil, mapErr(err)
	}
	defer func() { _ = rows.Close() }()

	var tasks []*types.Task
	for rows.Next() {
		task, err := scanTask(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan task: %w", err)
		}
		tasks = append(tasks, task)
	}
	return tasks, rows.Err()
}

// GetTaskMetrics aggregates the task store
func (s *Store) GetTaskMetrics(ctx context.Context) (*types.TaskMetrics, error) {
	metrics := &types.TaskMetrics{
		ByStatus:   make(map[types.TaskStatus]int),
		ByPriority: make(map[types.TaskPriority]int),
	}

	rows, err := s.db.QueryContext(ctx, `SELECT status, priority, COUNT(*) FROM tasks GROUP BY status, priority`)
	if err != nil {
		return nil, mapErr(err)
	}
	defer func() { _ = rows.Close() }()

	for rows.Next() {
		var status types.TaskStatus
		var priority types.TaskPriority
		var count int
		if err := rows.Scan(&status, &priority, &count); err != nil {
			return nil, fmt.Errorf("failed to scan task metrics: %w", err)
		}
		metrics.Total += count
		metrics.ByStatus[status] += count
		metrics.ByPriority[priority] += count
	}
	if err := rows.Err(); err != nil {
		return nil, mapErr(err)
	}

	if metrics.Total > 0 {
		metrics.CompletionRate = float64(metrics.ByStatus[types.TaskCompleted]) / float64(metrics.Total)
	}

	var avgHours sql.NullFloat64
	err = s.db.QueryRowContext(ctx, `
		SELECT AVG((julianday(completed_at) - julianday(created_at)) * 24.0)
		FROM tasks WHERE completed_at IS NOT NULL
	`).Scan(&avgHours)
	if err != nil {
		return nil, mapErr(err)
	}
	if avgHours.Valid {
		metrics.AvgCompletionHr = avgHours.Float64
	}
	return metrics, nil
}

// AddTaskDependency records that taskID depends on dependsOnID. The edge is
// rejected when it would close a cycle, since a cyclic dependency graph can
// never unblock.
func (s *Store) AddTaskDependency(ctx context.Context, taskID, dependsOnID string) error {
	if taskID == dependsOnID {
		return types.E(types.CodeInvalidArgument, "task cannot depend on itself")
	}
	return s.withTx(ctx, func(tx *sql.Tx) error {
		var reachable int
		err := tx.QueryRowContext(ctx, `
			WITH RECURSIVE reach(id) AS (
				SELECT depends_on_id FROM task_deps WHERE task_id = ?
				UNION
				SELECT td.depends_on_id FROM task_deps td JOIN reach r ON td.task_id = r.id
			)
			SELECT COUNT(*) FROM reach WHERE id = ?
		`, dependsOnID, taskID).Scan(&reachable)
		if err != nil {
			return mapErr(err)
		}
		if reachable > 0 {
			return types.E(types.CodeConflict, "dependency %s -> %s would create a cycle", taskID, dependsOnID)
		}

		_, err = tx.ExecContext(ctx, `
			INSERT INTO task_deps (task_id, depends_on_id, created_at) VALUES (?, ?, ?)
		`, taskID, dependsOnID, time.Now().UTC())
		return mapErr(err)
	})
}

// GetTaskDependencies returns the ids a task directly depends on
func (s *Store) GetTaskDependencies(ctx context.Context, taskID string) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT depends_on_id FROM task_deps WHERE task_id = ? ORDER BY created_at
	`, taskID)
	if err != nil {
		return nil, mapErr(err)
	}
	defer func() { _ = rows.Close() }()

	var deps []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("failed to scan dependency: %w", err)
		}
		deps = append(deps, id)
	}
	return deps, rows.Err()
}

func scanTask(sc scanner) (*types.Task, error) {
	var task types.Task
	var tags string
	var parent sql.NullString
	var completedAt sql.NullTime

	err := sc.Scan(&task.ID, &task.Title, &task.Description, &task.Status, &task.Priority,
		&tags, &parent, &task.Progress, &task.ExternalSystem, &task.ExternalID,
		&task.CreatedAt, &task.UpdatedAt, &completedAt)
	if err != nil {
		return nil, err
	}

	if parent.Valid {
		task.ParentTaskID = parent.String
	}
	if completedAt.Valid {
		t := completedAt.Time
		task.CompletedAt = &t
	}
	if tags != "" && tags != "[]" {
		if err := json.Unmarshal([]byte(tags), &task.Tags); err != nil {
			return nil, types.E(types.CodeCorruptRecord, "task %s has invalid tags", task.ID).WithCause(err)
		}
	}
	return &task, nil
}
