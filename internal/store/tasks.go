package store

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// timeLayout stores timestamps as RFC3339 UTC so lexicographic ordering in
// SQL matches chronological ordering.
const timeLayout = time.RFC3339

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

// Enqueue stores a failed task with attempt count 1 and the first delay of
// the schedule. Returns the task ID.
func (s *Store) Enqueue(kind, payload, lastError string, now time.Time, schedule []time.Duration) (string, error) {
	if len(schedule) == 0 {
		return "", fmt.Errorf("empty retry schedule")
	}
	id := uuid.NewString()
	next := now.Add(schedule[0])
	_, err := s.conn.Exec(
		`INSERT INTO failed_tasks (id, kind, payload, last_error, attempts, status, next_retry_at)
		VALUES (?, ?, ?, ?, 1, ?, ?)`,
		id, kind, payload, lastError, StatusPending, formatTime(next),
	)
	if err != nil {
		return "", fmt.Errorf("enqueueing task: %w", err)
	}
	return id, nil
}

// DequeueDue returns all pending tasks whose next_retry_at is at or before
// now, oldest-due first. Tasks are NOT removed; removal happens only on Ack
// or GiveUp, so a crash between dequeue and processing loses nothing.
func (s *Store) DequeueDue(now time.Time) ([]FailedTask, error) {
	rows, err := s.conn.Query(
		`SELECT id, kind, payload, last_error, attempts, status, next_retry_at, created_at, updated_at
		FROM failed_tasks WHERE status = ? AND next_retry_at <= ?
		ORDER BY next_retry_at ASC`,
		StatusPending, formatTime(now),
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanTasks(rows)
}

// Ack removes a task after its replay succeeded.
func (s *Store) Ack(id string) error {
	_, err := s.conn.Exec("DELETE FROM failed_tasks WHERE id = ?", id)
	return err
}

// Reschedule records another failed attempt. While the schedule has delays
// left, next_retry_at advances to the next (strictly longer) delay. A task
// that exhausts the schedule transitions to dead-letter status instead of
// being dropped. Returns the resulting status.
func (s *Store) Reschedule(id, lastError string, now time.Time, schedule []time.Duration) (string, error) {
	task, err := s.GetTask(id)
	if err != nil {
		return "", err
	}
	if task == nil {
		return "", fmt.Errorf("task %s not found", id)
	}

	attempts := task.Attempts + 1
	if attempts > len(schedule) {
		_, err := s.conn.Exec(
			`UPDATE failed_tasks SET attempts = ?, last_error = ?, status = ?, updated_at = datetime('now')
			WHERE id = ?`,
			attempts, lastError, StatusDead, id,
		)
		if err != nil {
			return "", fmt.Errorf("dead-lettering task: %w", err)
		}
		return StatusDead, nil
	}

	next := now.Add(schedule[attempts-1])
	_, err = s.conn.Exec(
		`UPDATE failed_tasks SET attempts = ?, last_error = ?, next_retry_at = ?, updated_at = datetime('now')
		WHERE id = ?`,
		attempts, lastError, formatTime(next), id,
	)
	if err != nil {
		return "", fmt.Errorf("rescheduling task: %w", err)
	}
	return StatusPending, nil
}

// GiveUp moves a task straight to dead-letter status, bypassing the
// remaining schedule. Used for terminal publish errors discovered on replay.
func (s *Store) GiveUp(id, lastError string) error {
	_, err := s.conn.Exec(
		`UPDATE failed_tasks SET last_error = ?, status = ?, updated_at = datetime('now') WHERE id = ?`,
		lastError, StatusDead, id,
	)
	return err
}

// Requeue resets a dead-lettered task to pending with a fresh attempt
// count, making it immediately due. Operator action.
func (s *Store) Requeue(id string, now time.Time) error {
	res, err := s.conn.Exec(
		`UPDATE failed_tasks SET attempts = 1, status = ?, next_retry_at = ?, updated_at = datetime('now')
		WHERE id = ? AND status = ?`,
		StatusPending, formatTime(now), id, StatusDead,
	)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("no dead-lettered task with id %s", id)
	}
	return nil
}

// GetTask returns a single task by ID, or nil if absent.
func (s *Store) GetTask(id string) (*FailedTask, error) {
	row := s.conn.QueryRow(
		`SELECT id, kind, payload, last_error, attempts, status, next_retry_at, created_at, updated_at
		FROM failed_tasks WHERE id = ?`, id,
	)
	t, err := scanTask(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return t, nil
}

// PendingTasks returns every pending task ordered by next_retry_at.
func (s *Store) PendingTasks() ([]FailedTask, error) {
	return s.tasksByStatus(StatusPending)
}

// DeadTasks returns every dead-lettered task for operator inspection.
func (s *Store) DeadTasks() ([]FailedTask, error) {
	return s.tasksByStatus(StatusDead)
}

func (s *Store) tasksByStatus(status string) ([]FailedTask, error) {
	rows, err := s.conn.Query(
		`SELECT id, kind, payload, last_error, attempts, status, next_retry_at, created_at, updated_at
		FROM failed_tasks WHERE status = ? ORDER BY next_retry_at ASC`, status,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanTasks(rows)
}

// TaskCounts returns pending, due, and dead task counts.
func (s *Store) TaskCounts(now time.Time) (*Counts, error) {
	c := &Counts{}
	err := s.conn.QueryRow(
		`SELECT
			COUNT(CASE WHEN status = 'pending' THEN 1 END),
			COUNT(CASE WHEN status = 'pending' AND next_retry_at <= ? THEN 1 END),
			COUNT(CASE WHEN status = 'dead' THEN 1 END)
		FROM failed_tasks`, formatTime(now),
	).Scan(&c.Pending, &c.Due, &c.Dead)
	if err != nil {
		return nil, err
	}
	return c, nil
}

func scanTasks(rows *sql.Rows) ([]FailedTask, error) {
	var tasks []FailedTask
	for rows.Next() {
		var t FailedTask
		var next string
		if err := rows.Scan(&t.ID, &t.Kind, &t.Payload, &t.LastError, &t.Attempts,
			&t.Status, &next, &t.CreatedAt, &t.UpdatedAt); err != nil {
			return nil, err
		}
		parsed, err := time.Parse(timeLayout, next)
		if err != nil {
			return nil, fmt.Errorf("parsing next_retry_at for %s: %w", t.ID, err)
		}
		t.NextRetryAt = parsed
		tasks = append(tasks, t)
	}
	return tasks, rows.Err()
}

func scanTask(row *sql.Row) (*FailedTask, error) {
	var t FailedTask
	var next string
	if err := row.Scan(&t.ID, &t.Kind, &t.Payload, &t.LastError, &t.Attempts,
		&t.Status, &next, &t.CreatedAt, &t.UpdatedAt); err != nil {
		return nil, err
	}
	parsed, err := time.Parse(timeLayout, next)
	if err != nil {
		return nil, fmt.Errorf("parsing next_retry_at for %s: %w", t.ID, err)
	}
	t.NextRetryAt = parsed
	return &t, nil
}
