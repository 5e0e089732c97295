// ABOUTME: Task entity and store methods for queued plugin work
// ABOUTME: Claim and finish use conditional updates so terminal states are sinks

package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// Task lifecycle errors.
var (
	ErrTaskNotPending    = errors.New("task is not pending")
	ErrTaskNotInProgress = errors.New("task is not in progress")
)

// TaskStatus is the lifecycle state of a task.
type TaskStatus string

// Task statuses.
const (
	TaskStatusPending    TaskStatus = "pending"
	TaskStatusInProgress TaskStatus = "in_progress"
	TaskStatusSuccess    TaskStatus = "success"
	TaskStatusFailed     TaskStatus = "failed"
)

// Terminal reports whether no further transition is allowed.
func (s TaskStatus) Terminal() bool {
	return s == TaskStatusSuccess || s == TaskStatusFailed
}

// Task is a unit of deferred work executed by a plugin against a provider.
type Task struct {
	ID           string
	SessionID    string
	PluginID     string
	PluginName   string // joined from plugins, read-only
	ProviderID   string
	Status       TaskStatus
	Input        map[string]any
	Output       map[string]any
	ErrorMessage *string
	CreatedAt    time.Time
	StartedAt    *time.Time
	FinishedAt   *time.Time
}

// TaskResult is the terminal outcome written by FinishTask.
type TaskResult struct {
	Status       TaskStatus // success or failed
	Output       map[string]any
	ErrorMessage *string
	FinishedAt   time.Time
}

// CreateTask inserts a task. New tasks are always pending.
func (s *SQLiteStore) CreateTask(ctx context.Context, t *Task) error {
	t.Status = TaskStatusPending
	input, err := encodeJSONMap(t.Input)
	if err != nil {
		return fmt.Errorf("encoding task input: %w", err)
	}

	query := `
		INSERT INTO tasks (task_id, session_id, plugin_id, provider_id, status, input_json, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`
	_, err = s.db.ExecContext(ctx, query,
		t.ID,
		t.SessionID,
		t.PluginID,
		t.ProviderID,
		string(t.Status),
		input,
		formatTime(t.CreatedAt),
	)
	if err != nil {
		if isConstraintViolation(err) {
			return fmt.Errorf("inserting task: %w", ErrDuplicate)
		}
		return fmt.Errorf("inserting task: %w", err)
	}

	s.logger.Debug("created task", "id", t.ID, "plugin_id", t.PluginID)
	return nil
}

const taskColumns = `
	t.task_id, t.session_id, t.plugin_id, p.name, t.provider_id, t.status,
	t.input_json, t.output_json, t.error_message, t.created_at, t.started_at, t.finished_at
`

// GetTask retrieves a task by ID.
func (s *SQLiteStore) GetTask(ctx context.Context, id string) (*Task, error) {
	query := `SELECT ` + taskColumns + `
		FROM tasks t JOIN plugins p ON p.plugin_id = t.plugin_id
		WHERE t.task_id = ?
	`
	task, err := scanTask(s.db.QueryRowContext(ctx, query, id))
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	return task, err
}

// ListTasks returns the most recently created tasks, newest first.
func (s *SQLiteStore) ListTasks(ctx context.Context, limit int) ([]*Task, error) {
	if limit <= 0 {
		limit = 100
	}
	query := `SELECT ` + taskColumns + `
		FROM tasks t JOIN plugins p ON p.plugin_id = t.plugin_id
		ORDER BY t.created_at DESC
		LIMIT ?
	`

	rows, err := s.db.QueryContext(ctx, query, limit)
	if err != nil {
		return nil, fmt.Errorf("querying tasks: %w", err)
	}
	defer rows.Close()

	var tasks []*Task
	for rows.Next() {
		task, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		tasks = append(tasks, task)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating tasks: %w", err)
	}
	return tasks, nil
}

// ListPendingTaskIDs returns up to limit pending task IDs, oldest first.
func (s *SQLiteStore) ListPendingTaskIDs(ctx context.Context, limit int) ([]string, error) {
	return s.listIDs(ctx, `
		SELECT task_id FROM tasks
		WHERE status = 'pending'
		ORDER BY created_at
		LIMIT ?
	`, limit)
}

// ClaimTask moves a pending task to in_progress. Returns ErrTaskNotPending
// if another actor already claimed it, ErrNotFound if it doesn't exist.
func (s *SQLiteStore) ClaimTask(ctx context.Context, id string, startedAt time.Time) error {
	result, err := s.db.ExecContext(ctx, `
		UPDATE tasks SET status = 'in_progress', started_at = ?
		WHERE task_id = ? AND status = 'pending'
	`, formatTime(startedAt), id)
	if err != nil {
		return fmt.Errorf("claiming task: %w", err)
	}
	if err := requireOneRow(result, ErrTaskNotPending); err != nil {
		if errors.Is(err, ErrTaskNotPending) && !s.rowExists(ctx, `SELECT 1 FROM tasks WHERE task_id = ?`, id) {
			return ErrNotFound
		}
		return err
	}
	return nil
}

// FinishTask records the terminal outcome of an in_progress task.
func (s *SQLiteStore) FinishTask(ctx context.Context, id string, r TaskResult) error {
	if !r.Status.Terminal() {
		return fmt.Errorf("finishing task with status %q: %w", r.Status, ErrTaskNotInProgress)
	}
	output, err := encodeJSONMap(r.Output)
	if err != nil {
		return fmt.Errorf("encoding task output: %w", err)
	}

	result, err := s.db.ExecContext(ctx, `
		UPDATE tasks SET status = ?, output_json = ?, error_message = ?, finished_at = ?
		WHERE task_id = ? AND status = 'in_progress'
	`, string(r.Status), output, nullString(r.ErrorMessage), formatTime(r.FinishedAt), id)
	if err != nil {
		return fmt.Errorf("finishing task: %w", err)
	}
	return requireOneRow(result, ErrTaskNotInProgress)
}

func scanTask(row rowScanner) (*Task, error) {
	var t Task
	var status, input, output, createdAt string
	var errMsg, startedAt, finishedAt sql.NullString

	err := row.Scan(
		&t.ID,
		&t.SessionID,
		&t.PluginID,
		&t.PluginName,
		&t.ProviderID,
		&status,
		&input,
		&output,
		&errMsg,
		&createdAt,
		&startedAt,
		&finishedAt,
	)
	if err == sql.ErrNoRows {
		return nil, err
	}
	if err != nil {
		return nil, fmt.Errorf("scanning task: %w", err)
	}

	t.Status = TaskStatus(status)
	t.ErrorMessage = stringPtr(errMsg)
	if t.Input, err = decodeJSONMap(input); err != nil {
		return nil, fmt.Errorf("decoding task input: %w", err)
	}
	if t.Output, err = decodeJSONMap(output); err != nil {
		return nil, fmt.Errorf("decoding task output: %w", err)
	}
	if t.CreatedAt, err = parseTime(createdAt); err != nil {
		return nil, fmt.Errorf("parsing created_at: %w", err)
	}
	if t.StartedAt, err = parseNullTime(startedAt); err != nil {
		return nil, fmt.Errorf("parsing started_at: %w", err)
	}
	if t.FinishedAt, err = parseNullTime(finishedAt); err != nil {
		return nil, fmt.Errorf("parsing finished_at: %w", err)
	}
	return &t, nil
}

func (s *SQLiteStore) listIDs(ctx context.Context, query string, limit int) ([]string, error) {
	if limit <= 0 {
		return nil, nil
	}
	rows, err := s.db.QueryContext(ctx, query, limit)
	if err != nil {
		return nil, fmt.Errorf("querying ids: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scanning id: %w", err)
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating ids: %w", err)
	}
	return ids, nil
}

func (s *SQLiteStore) rowExists(ctx context.Context, query string, args ...any) bool {
	var one int
	return s.db.QueryRowContext(ctx, query, args...).Scan(&one) == nil
}
