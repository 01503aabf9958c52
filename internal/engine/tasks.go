package engine

import (
	"context"
	"time"

	"github.com/stackmemory/stackmemory/internal/storage"
	"github.com/stackmemory/stackmemory/internal/types"
)

// CreateTask registers a new task, pending by default
func (e *Engine) CreateTask(ctx context.Context, title, description string,
	priority types.TaskPriority, tags []string, parentID string) (*types.Task, error) {

	if title == "" {
		return nil, types.E(types.CodeInvalidArgument, "task title is required")
	}
	if priority == "" {
		priority = types.TaskPriorityMedium
	}
	if !types.ValidTaskPriority(priority) {
		return nil, types.E(types.CodeInvalidArgument, "invalid task priority %q", priority)
	}
	if parentID != "" {
		if _, err := e.store.GetTask(ctx, parentID); err != nil {
			return nil, err
		}
	}

	now := time.Now().UTC()
	task := &types.Task{
		ID:           types.NewID("tsk"),
		Title:        title,
		Description:  description,
		Status:       types.TaskPending,
		Priority:     priority,
		Tags:         tags,
		ParentTaskID: parentID,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	if err := e.store.CreateTask(ctx, task); err != nil {
		return nil, err
	}
	return task, nil
}

// UpdateTaskStatus transitions a task. Completing sets completed_at and
// progress 100; reopening clears them.
func (e *Engine) UpdateTaskStatus(ctx context.Context, taskID string, status types.TaskStatus) (*types.Task, error) {
	if !types.ValidTaskStatus(status) {
		return nil, types.E(types.CodeInvalidArgument, "invalid task status %q", status)
	}

	updates := map[string]any{"status": status}
	switch status {
	case types.TaskCompleted:
		updates["completed_at"] = time.Now().UTC()
		updates["progress"] = 100
	case types.TaskPending, types.TaskInProgress:
		updates["completed_at"] = nil
	}

	if err := e.store.UpdateTask(ctx, taskID, updates); err != nil {
		return nil, err
	}
	return e.store.GetTask(ctx, taskID)
}

// GetActiveTasks lists tasks that still need work, urgent first
func (e *Engine) GetActiveTasks(ctx context.Context, limit int) ([]*types.Task, error) {
	pending, err := e.store.ListTasks(ctx, storage.TaskFilter{Status: types.TaskPending, Limit: limit})
	if err != nil {
		return nil, err
	}
	inProgress, err := e.store.ListTasks(ctx, storage.TaskFilter{Status: types.TaskInProgress, Limit: limit})
	if err != nil {
		return nil, err
	}
	blocked, err := e.store.ListTasks(ctx, storage.TaskFilter{Status: types.TaskBlocked, Limit: limit})
	if err != nil {
		return nil, err
	}

	out := make([]*types.Task, 0, len(pending)+len(inProgress)+len(blocked))
	out = append(out, inProgress...)
	out = append(out, pending...)
	out = append(out, blocked...)
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// GetTaskMetrics summarizes the task store
func (e *Engine) GetTaskMetrics(ctx context.Context) (*types.TaskMetrics, error) {
	return e.store.GetTaskMetrics(ctx)
}

// AddTaskDependency records that taskID is blocked on dependsOnID
func (e *Engine) AddTaskDependency(ctx context.Context, taskID, dependsOnID string) error {
	if _, err := e.store.GetTask(ctx, taskID); err != nil {
		return err
	}
	if _, err := e.store.GetTask(ctx, dependsOnID); err != nil {
		return err
	}
	return e.store.AddTaskDependency(ctx, taskID, dependsOnID)
}
