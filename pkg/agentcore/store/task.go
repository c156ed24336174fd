package store

import (
	"database/sql"
	"fmt"
)

// UpsertResumableTask enforces the §4.6.1 invariant "at most one running
// row per session_id": any prior running row for sid is transitioned to
// failed (superseded) before the new running row is inserted. Returns the
// new row's id.
func (s *Store) UpsertResumableTask(sessionID, chatID int64, goal string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.Begin()
	if err != nil {
		return 0, fmt.Errorf("begin upsert task: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.Exec(
		`UPDATE resumable_tasks SET status = 'failed' WHERE session_id = ? AND status = 'running'`,
		sessionID,
	); err != nil {
		return 0, fmt.Errorf("superseding prior running task: %w", err)
	}

	res, err := tx.Exec(
		`INSERT INTO resumable_tasks (session_id, chat_id, goal, status, resume_count, created_at)
		 VALUES (?, ?, ?, 'running', 0, ?)`,
		sessionID, chatID, goal, nowUnix(),
	)
	if err != nil {
		return 0, fmt.Errorf("inserting resumable task: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("commit upsert task: %w", err)
	}
	return res.LastInsertId()
}

// CompleteTask transitions a running task to completed. Terminal states are
// absorbing (§4.6.1); completing an already-terminal row is a no-op.
func (s *Store) CompleteTask(taskID int64) error {
	return s.transitionTask(taskID, TaskCompleted)
}

// FailTask transitions a running task to failed.
func (s *Store) FailTask(taskID int64) error {
	return s.transitionTask(taskID, TaskFailed)
}

func (s *Store) transitionTask(taskID int64, status string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.Exec(
		`UPDATE resumable_tasks SET status = ? WHERE id = ? AND status = 'running'`,
		status, taskID,
	)
	if err != nil {
		return fmt.Errorf("transitioning task %d to %s: %w", taskID, status, err)
	}
	return nil
}

// IncrementResumeAndSetResumedAt is the only operation that bumps
// resume_count and stamps resumed_at (§4.6.1); callable only on running rows.
func (s *Store) IncrementResumeAndSetResumedAt(taskID int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.db.Exec(
		`UPDATE resumable_tasks SET resume_count = resume_count + 1, resumed_at = ?
		 WHERE id = ? AND status = 'running'`,
		nowUnix(), taskID,
	)
	if err != nil {
		return fmt.Errorf("incrementing resume count: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("task %d is not running", taskID)
	}
	return nil
}

// ListRunningTasks returns every running task in insertion order, for the
// boot-time sweeper (§4.6.3).
func (s *Store) ListRunningTasks() ([]ResumableTask, error) {
	rows, err := s.db.Query(
		`SELECT id, session_id, chat_id, goal, status, resume_count, created_at, resumed_at
		 FROM resumable_tasks WHERE status = 'running' ORDER BY id ASC`,
	)
	if err != nil {
		return nil, fmt.Errorf("listing running tasks: %w", err)
	}
	defer rows.Close()
	return scanTasks(rows)
}

// GetRunningTaskForSession returns the at-most-one running task bound to a
// session, or nil if there is none.
func (s *Store) GetRunningTaskForSession(sessionID int64) (*ResumableTask, error) {
	row := s.db.QueryRow(
		`SELECT id, session_id, chat_id, goal, status, resume_count, created_at, resumed_at
		 FROM resumable_tasks WHERE session_id = ? AND status = 'running' LIMIT 1`,
		sessionID,
	)
	var t ResumableTask
	var created float64
	var resumed sql.NullFloat64
	if err := row.Scan(&t.ID, &t.SessionID, &t.ChatID, &t.Goal, &t.Status, &t.ResumeCount, &created, &resumed); err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, fmt.Errorf("scanning running task: %w", err)
	}
	t.CreatedAt = fromUnix(created)
	if resumed.Valid {
		ts := fromUnix(resumed.Float64)
		t.ResumedAt = &ts
	}
	return &t, nil
}

func scanTasks(rows *sql.Rows) ([]ResumableTask, error) {
	var tasks []ResumableTask
	for rows.Next() {
		var t ResumableTask
		var created float64
		var resumed sql.NullFloat64
		if err := rows.Scan(&t.ID, &t.SessionID, &t.ChatID, &t.Goal, &t.Status, &t.ResumeCount, &created, &resumed); err != nil {
			return nil, fmt.Errorf("scanning task row: %w", err)
		}
		t.CreatedAt = fromUnix(created)
		if resumed.Valid {
			ts := fromUnix(resumed.Float64)
			t.ResumedAt = &ts
		}
		tasks = append(tasks, t)
	}
	return tasks, rows.Err()
}
