package sqlite

import (
	"database/sql"
	"encoding/json"
	"time"

	"github.com/pica/comics-server/internal/domain"
)

// CreateTask inserts a new queued task row, rejecting a duplicate id
// or an already-active (queued/running/paused) row for the same
// (source, target) pair.
func (s *Store) CreateTask(task *domain.Task) error {
	if existing, err := s.FindActiveByTarget(task.Source, task.Target); err != nil {
		return err
	} else if existing != nil {
		return domain.ErrTaskAlreadyExists
	}

	query := `
		INSERT INTO tasks (id, type, source, target, params, status, progress, total, message, comic_id, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`
	_, err := s.db.Exec(query,
		task.ID, task.Type, task.Source, task.Target, string(task.Params),
		task.Status, task.Progress, task.Total, nullableString(task.Message),
		nullableString(task.ComicID), task.CreatedAt, task.UpdatedAt,
	)
	if err != nil {
		if isUniqueConstraintError(err) {
			return domain.ErrTaskAlreadyExists
		}
		return err
	}
	return nil
}

const taskColumns = `id, type, source, target, params, status, progress, total, message, comic_id, created_at, updated_at`

func scanTask(row *sql.Row) (*domain.Task, error) {
	var t domain.Task
	var params string
	var message, comicID sql.NullString

	err := row.Scan(&t.ID, &t.Type, &t.Source, &t.Target, &params, &t.Status,
		&t.Progress, &t.Total, &message, &comicID, &t.CreatedAt, &t.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, domain.ErrTaskNotFound
	}
	if err != nil {
		return nil, err
	}
	t.Params = json.RawMessage(params)
	if message.Valid {
		t.Message = message.String
	}
	if comicID.Valid {
		t.ComicID = comicID.String
	}
	return &t, nil
}

func scanTaskRows(rows *sql.Rows) ([]*domain.Task, error) {
	var out []*domain.Task
	for rows.Next() {
		var t domain.Task
		var params string
		var message, comicID sql.NullString

		if err := rows.Scan(&t.ID, &t.Type, &t.Source, &t.Target, &params, &t.Status,
			&t.Progress, &t.Total, &message, &comicID, &t.CreatedAt, &t.UpdatedAt); err != nil {
			return nil, err
		}
		t.Params = json.RawMessage(params)
		if message.Valid {
			t.Message = message.String
		}
		if comicID.Valid {
			t.ComicID = comicID.String
		}
		out = append(out, &t)
	}
	return out, rows.Err()
}

// GetTask retrieves a task by id.
func (s *Store) GetTask(id string) (*domain.Task, error) {
	row := s.db.QueryRow("SELECT "+taskColumns+" FROM tasks WHERE id = ?", id)
	return scanTask(row)
}

// ListTasks returns up to limit tasks, newest first.
func (s *Store) ListTasks(limit int) ([]*domain.Task, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.Query("SELECT "+taskColumns+" FROM tasks ORDER BY created_at DESC LIMIT ?", limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanTaskRows(rows)
}

// FindActiveByTarget returns an active task for (source, target), if any.
func (s *Store) FindActiveByTarget(source, target string) (*domain.Task, error) {
	row := s.db.QueryRow(
		"SELECT "+taskColumns+` FROM tasks WHERE source = ? AND target = ?
			AND status IN ('queued','running','paused') LIMIT 1`,
		source, target,
	)
	task, err := scanTask(row)
	if err == domain.ErrTaskNotFound {
		return nil, nil
	}
	return task, err
}

// UpdateTask persists the full row.
func (s *Store) UpdateTask(task *domain.Task) error {
	task.UpdatedAt = time.Now().UnixMilli()
	query := `
		UPDATE tasks SET type=?, source=?, target=?, params=?, status=?,
			progress=?, total=?, message=?, comic_id=?, updated_at=?
		WHERE id=?
	`
	res, err := s.db.Exec(query,
		task.Type, task.Source, task.Target, string(task.Params), task.Status,
		task.Progress, task.Total, nullableString(task.Message), nullableString(task.ComicID),
		task.UpdatedAt, task.ID,
	)
	if err != nil {
		return err
	}
	return checkRowsAffected(res)
}

// UpdateProgress writes progress/total/message with updated_at bumped,
// the write path the rate-limited progress.Reporter calls through.
func (s *Store) UpdateProgress(id string, progress, total int64, message string) error {
	res, err := s.db.Exec(
		"UPDATE tasks SET progress=?, total=?, message=?, updated_at=? WHERE id=?",
		progress, total, nullableString(message), time.Now().UnixMilli(), id,
	)
	if err != nil {
		return err
	}
	return checkRowsAffected(res)
}

// DeleteTask removes a task row.
func (s *Store) DeleteTask(id string) error {
	res, err := s.db.Exec("DELETE FROM tasks WHERE id = ?", id)
	if err != nil {
		return err
	}
	return checkRowsAffected(res)
}

// ListByStatus returns every task row with the given status, oldest
// first (the order boot recovery re-enqueues queued rows in).
func (s *Store) ListByStatus(status string) ([]*domain.Task, error) {
	rows, err := s.db.Query("SELECT "+taskColumns+" FROM tasks WHERE status = ? ORDER BY created_at ASC", status)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanTaskRows(rows)
}

// QueueStats summarizes counts per status.
func (s *Store) QueueStats() (*domain.QueueStats, error) {
	rows, err := s.db.Query("SELECT status, COUNT(*) FROM tasks GROUP BY status")
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	stats := &domain.QueueStats{}
	for rows.Next() {
		var status string
		var count int
		if err := rows.Scan(&status, &count); err != nil {
			return nil, err
		}
		switch status {
		case domain.TaskStatusQueued:
			stats.Queued = count
		case domain.TaskStatusRunning:
			stats.Running = count
		case domain.TaskStatusPaused:
			stats.Paused = count
		case domain.TaskStatusSucceeded:
			stats.Succeeded = count
		case domain.TaskStatusFailed:
			stats.Failed = count
		case domain.TaskStatusCanceled:
			stats.Canceled = count
		}
	}
	return stats, rows.Err()
}

func nullableString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func checkRowsAffected(res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return domain.ErrTaskNotFound
	}
	return nil
}
