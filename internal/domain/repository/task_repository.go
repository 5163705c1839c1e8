package repository

import "github.com/pica/comics-server/internal/domain"

// TaskRepository defines the interface for durable task queue operations.
type TaskRepository interface {
	// CreateTask inserts a new queued task. Returns domain.ErrTaskAlreadyExists
	// if an active (queued/running/paused) task exists for the same
	// (source, target) pair.
	CreateTask(task *domain.Task) error

	// GetTask retrieves a task by id.
	GetTask(id string) (*domain.Task, error)

	// ListTasks returns up to limit tasks, newest first.
	ListTasks(limit int) ([]*domain.Task, error)

	// FindActiveByTarget returns an active task for (source, target), if any.
	FindActiveByTarget(source, target string) (*domain.Task, error)

	// UpdateTask persists the full row.
	UpdateTask(task *domain.Task) error

	// UpdateProgress writes progress/total/message with the row's
	// updatedAt bumped. Used by the rate-limited progress reporter.
	UpdateProgress(id string, progress, total int64, message string) error

	// DeleteTask removes a task row.
	DeleteTask(id string) error

	// ListByStatus returns every task row with the given status.
	ListByStatus(status string) ([]*domain.Task, error)

	// QueueStats summarizes counts per status.
	QueueStats() (*domain.QueueStats, error)
}
