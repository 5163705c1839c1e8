// Package taskstore layers the process-local stop-token registry and
// boot recovery (spec §4.6) on top of the durable repository.Store,
// grounded on the teacher's ReleaseStaleInProgressTasks startup call in
// Cacher.Start — generalized from "release stale in-progress rows" to
// "fail every running row and re-enqueue every queued row", since this
// domain's stop tokens (unlike the teacher's plain retry counters) have
// no persisted representation and are always lost on process death.
package taskstore

import (
	"encoding/json"
	"sync"

	"github.com/pica/comics-server/internal/domain"
	"github.com/pica/comics-server/internal/domain/repository"
	"github.com/pica/comics-server/internal/sources"
	"github.com/pica/comics-server/internal/stoptoken"
)

// Store wraps repository.Store with an in-memory map of stop tokens,
// one per currently active (queued/running/paused) task.
type Store struct {
	repository.Store

	mu     sync.Mutex
	tokens map[string]*stoptoken.Token
}

// New wraps repo with a fresh, empty stop-token registry.
func New(repo repository.Store) *Store {
	return &Store{Store: repo, tokens: map[string]*stoptoken.Token{}}
}

// TokenFor returns the stop token for taskID, creating one if absent.
func (s *Store) TokenFor(taskID string) *stoptoken.Token {
	s.mu.Lock()
	defer s.mu.Unlock()
	tok, ok := s.tokens[taskID]
	if !ok {
		tok = stoptoken.New()
		s.tokens[taskID] = tok
	}
	return tok
}

// DropToken removes a task's stop token once it reaches a terminal
// state or is deleted, so the registry does not grow unbounded.
func (s *Store) DropToken(taskID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.tokens, taskID)
}

// CreateDownloadTask implements the createDownloadTask operation from
// §4.6: rejects a canonical-id collision with an existing library row,
// rejects an already-active task for the same (source,target), and
// otherwise inserts and returns a queued row.
func (s *Store) CreateDownloadTask(source, target string, params json.RawMessage) (*domain.Task, error) {
	canonicalID, err := sources.CanonicalID(source, target)
	if err != nil {
		return nil, err
	}
	if exists, err := s.Exists(canonicalID); err != nil {
		return nil, err
	} else if exists {
		return nil, domain.ErrAlreadyExists
	}
	if existing, err := s.FindActiveByTarget(source, target); err != nil {
		return nil, err
	} else if existing != nil {
		return nil, domain.ErrTaskAlreadyExists
	}

	task := domain.NewTask(source, target, params)
	if err := s.CreateTask(task); err != nil {
		return nil, err
	}
	return task, nil
}

// RecoveredTasks is the result of a boot-recovery pass.
type RecoveredTasks struct {
	FailedRunning int
	Requeued      []*domain.Task
}

// RecoverOnBoot implements §4.6's boot recovery: every running row is
// rewritten to failed/"server restarted"; every queued row is returned
// in created_at ascending order for the scheduler to re-enqueue. Must
// run once, before the process accepts REST traffic.
func RecoverOnBoot(repo repository.Store) (*RecoveredTasks, error) {
	running, err := repo.ListByStatus(domain.TaskStatusRunning)
	if err != nil {
		return nil, err
	}
	for _, t := range running {
		t.Status = domain.TaskStatusFailed
		t.Message = "server restarted"
		if err := repo.UpdateTask(t); err != nil {
			return nil, err
		}
	}

	queued, err := repo.ListByStatus(domain.TaskStatusQueued)
	if err != nil {
		return nil, err
	}

	return &RecoveredTasks{FailedRunning: len(running), Requeued: queued}, nil
}
