package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"cloudpasture.io/corral/internal/domain"
)

// ErrTaskTerminal is returned when mutating a task already in a
// terminal status: terminal status is assigned exactly once.
var ErrTaskTerminal = errors.New("task already terminal")

const taskColumns = `id, task_type, status, progress, payload, result, error,
	target_type, target_id, node_id, retry_count, max_retries, created_by,
	created_at, updated_at, started_at, finished_at`

func scanTask(row interface{ Scan(...interface{}) error }) (*domain.Task, error) {
	var (
		t          domain.Task
		payload    string
		result     sql.NullString
		nodeID     sql.NullString
		createdAt  string
		updatedAt  string
		startedAt  sql.NullString
		finishedAt sql.NullString
	)
	err := row.Scan(&t.ID, &t.TaskType, &t.Status, &t.Progress, &payload, &result,
		&t.Error, &t.TargetType, &t.TargetID, &nodeID, &t.RetryCount, &t.MaxRetries,
		&t.CreatedBy, &createdAt, &updatedAt, &startedAt, &finishedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	t.Payload = json.RawMessage(payload)
	if result.Valid {
		t.Result = json.RawMessage(result.String)
	}
	t.NodeID = stringOrEmpty(nodeID)
	t.CreatedAt = parseTime(createdAt)
	t.UpdatedAt = parseTime(updatedAt)
	t.StartedAt = parseTimePtr(startedAt)
	t.FinishedAt = parseTimePtr(finishedAt)
	return &t, nil
}

// CreateTask inserts a task row.
func (s *Store) CreateTask(ctx context.Context, t *domain.Task) error {
	payload := "{}"
	if len(t.Payload) > 0 {
		payload = string(t.Payload)
	}
	var result interface{}
	if len(t.Result) > 0 {
		result = string(t.Result)
	}
	_, err := s.q.ExecContext(ctx, s.rebind(`INSERT INTO tasks
		(id, task_type, status, progress, payload, result, error, target_type,
		 target_id, node_id, retry_count, max_retries, created_by,
		 created_at, updated_at, started_at, finished_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`),
		t.ID, t.TaskType, t.Status, t.Progress, payload, result, t.Error,
		t.TargetType, t.TargetID, nullable(t.NodeID), t.RetryCount, t.MaxRetries,
		t.CreatedBy, fmtTime(t.CreatedAt), fmtTime(t.UpdatedAt),
		fmtTimePtr(t.StartedAt), fmtTimePtr(t.FinishedAt))
	return err
}

// GetTask fetches a task by id.
func (s *Store) GetTask(ctx context.Context, id string) (*domain.Task, error) {
	row := s.q.QueryRowContext(ctx,
		s.rebind(`SELECT `+taskColumns+` FROM tasks WHERE id = ?`), id)
	return scanTask(row)
}

// ListTasks returns a page of tasks filtered by status and/or target.
func (s *Store) ListTasks(ctx context.Context, status, targetType, targetID string, offset, limit int) ([]*domain.Task, int, error) {
	where, args := " WHERE 1=1", []interface{}{}
	if status != "" {
		where += " AND status = ?"
		args = append(args, status)
	}
	if targetType != "" {
		where += " AND target_type = ?"
		args = append(args, targetType)
	}
	if targetID != "" {
		where += " AND target_id = ?"
		args = append(args, targetID)
	}

	var total int
	if err := s.q.QueryRowContext(ctx,
		s.rebind(`SELECT COUNT(*) FROM tasks`+where), args...).Scan(&total); err != nil {
		return nil, 0, err
	}

	args = append(args, limit, offset)
	rows, err := s.q.QueryContext(ctx,
		s.rebind(`SELECT `+taskColumns+` FROM tasks`+where+
			` ORDER BY created_at DESC LIMIT ? OFFSET ?`), args...)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()

	var tasks []*domain.Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, 0, err
		}
		tasks = append(tasks, t)
	}
	return tasks, total, rows.Err()
}

// MarkTaskRunning transitions a pending task to running.
func (s *Store) MarkTaskRunning(ctx context.Context, id string, at time.Time) error {
	res, err := s.q.ExecContext(ctx, s.rebind(`UPDATE tasks SET
		status = ?, started_at = ?, updated_at = ?
		WHERE id = ? AND status = ?`),
		domain.TaskRunning, fmtTime(at), fmtTime(at), id, domain.TaskPending)
	if err != nil {
		return err
	}
	// Retried tasks are already running; not an error.
	if n, _ := res.RowsAffected(); n == 0 {
		return nil
	}
	return nil
}

// UpdateTaskProgress raises progress, never lowering it.
func (s *Store) UpdateTaskProgress(ctx context.Context, id string, progress int) error {
	if progress < 0 {
		progress = 0
	}
	if progress > 100 {
		progress = 100
	}
	_, err := s.q.ExecContext(ctx, s.rebind(`UPDATE tasks SET
		progress = ?, updated_at = ?
		WHERE id = ? AND progress < ? AND status IN (?, ?)`),
		progress, fmtTime(time.Now()), id, progress,
		domain.TaskPending, domain.TaskRunning)
	return err
}

// FinishTask assigns a terminal status exactly once. result may be nil;
// errMsg is stored verbatim for failed tasks.
func (s *Store) FinishTask(ctx context.Context, id string, status domain.TaskStatus, result json.RawMessage, errMsg string) error {
	if !status.Terminal() {
		return fmt.Errorf("status %q is not terminal", status)
	}
	progress := 100
	if status != domain.TaskCompleted {
		// Leave progress where it was on failure/cancel.
		progress = -1
	}
	now := fmtTime(time.Now())

	var res sql.Result
	var err error
	if progress >= 0 {
		res, err = s.q.ExecContext(ctx, s.rebind(`UPDATE tasks SET
			status = ?, progress = ?, result = ?, error = ?, finished_at = ?, updated_at = ?
			WHERE id = ? AND status IN (?, ?)`),
			status, progress, rawOrNil(result), errMsg, now, now,
			id, domain.TaskPending, domain.TaskRunning)
	} else {
		res, err = s.q.ExecContext(ctx, s.rebind(`UPDATE tasks SET
			status = ?, result = ?, error = ?, finished_at = ?, updated_at = ?
			WHERE id = ? AND status IN (?, ?)`),
			status, rawOrNil(result), errMsg, now, now,
			id, domain.TaskPending, domain.TaskRunning)
	}
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		// Either the task does not exist or it is already terminal.
		if _, getErr := s.GetTask(ctx, id); getErr != nil {
			return getErr
		}
		return ErrTaskTerminal
	}
	return nil
}

// IncrementTaskRetry bumps retry_count and reports the new count.
func (s *Store) IncrementTaskRetry(ctx context.Context, id string) (int, error) {
	_, err := s.q.ExecContext(ctx, s.rebind(`UPDATE tasks SET
		retry_count = retry_count + 1, updated_at = ? WHERE id = ?`),
		fmtTime(time.Now()), id)
	if err != nil {
		return 0, err
	}
	t, err := s.GetTask(ctx, id)
	if err != nil {
		return 0, err
	}
	return t.RetryCount, nil
}

// ListUnfinishedTasks returns pending/running tasks older than the
// cutoff; the reconciliation sweep resolves them.
func (s *Store) ListUnfinishedTasks(ctx context.Context, cutoff time.Time) ([]*domain.Task, error) {
	rows, err := s.q.QueryContext(ctx, s.rebind(`SELECT `+taskColumns+`
		FROM tasks WHERE status IN (?, ?) AND created_at < ?
		ORDER BY created_at ASC`),
		domain.TaskPending, domain.TaskRunning, fmtTime(cutoff))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var tasks []*domain.Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		tasks = append(tasks, t)
	}
	return tasks, rows.Err()
}

func rawOrNil(raw json.RawMessage) interface{} {
	if len(raw) == 0 {
		return nil
	}
	return string(raw)
}
