// Package scheduler implements the task engine's run loop (spec §4.7):
// an in-memory FIFO queue of task ids, a mutable worker-slot ceiling,
// and the translation of one adapter run's outcome into a terminal
// task state. Grounded on the teacher's Cacher.worker/Start shape in
// internal/service/cacher/cacher.go, generalized from a fixed pool of
// poll-loop goroutines to an explicit FIFO queue with a live-resizable
// concurrency ceiling and a pump re-entered from each task's own
// completion callback.
package scheduler

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/dustin/go-humanize"
	"go.uber.org/zap"

	"github.com/pica/comics-server/internal/commit"
	"github.com/pica/comics-server/internal/domain"
	"github.com/pica/comics-server/internal/policy"
	"github.com/pica/comics-server/internal/progress"
	"github.com/pica/comics-server/internal/sources"
	"github.com/pica/comics-server/internal/stoptoken"
	"github.com/pica/comics-server/internal/taskstore"
)

// Scheduler owns the FIFO queue and worker slots for one process.
type Scheduler struct {
	store      *taskstore.Store
	policy     *policy.Store
	adapters   map[string]sources.Adapter
	storageDir string
	logger     *zap.SugaredLogger

	mu      sync.Mutex
	queue   []string
	running map[string]struct{}
	ctx     context.Context
}

// New builds a Scheduler over store, reading the per-file/per-task
// concurrency ceilings from policyStore and dispatching to adapters
// keyed by source name (domain.SourcePicacg, etc).
func New(store *taskstore.Store, policyStore *policy.Store, adapters map[string]sources.Adapter, storageDir string, logger *zap.SugaredLogger) *Scheduler {
	return &Scheduler{
		store:      store,
		policy:     policyStore,
		adapters:   adapters,
		storageDir: storageDir,
		logger:     logger,
		running:    map[string]struct{}{},
	}
}

// Start runs boot recovery (§4.6) and enqueues every recovered queued
// task, then starts pumping. ctx is handed to every adapter run:
// canceling it aborts the in-flight requests of running tasks, and no
// queued task is started after it is canceled.
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	s.ctx = ctx
	s.mu.Unlock()

	recovered, err := taskstore.RecoverOnBoot(s.store.Store)
	if err != nil {
		return fmt.Errorf("boot recovery failed: %w", err)
	}
	if s.logger != nil {
		s.logger.Infow("boot recovery complete",
			"failedRunning", recovered.FailedRunning,
			"requeued", len(recovered.Requeued))
	}

	s.mu.Lock()
	for _, t := range recovered.Requeued {
		s.queue = append(s.queue, t.ID)
	}
	s.mu.Unlock()

	s.pump()
	return nil
}

// Enqueue appends taskID to the FIFO queue and pumps.
func (s *Scheduler) Enqueue(taskID string) {
	s.mu.Lock()
	s.queue = append(s.queue, taskID)
	s.mu.Unlock()
	s.pump()
}

// removeFromQueue drops taskID from the pending queue if present,
// returning true if it was found.
func (s *Scheduler) removeFromQueue(taskID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i, id := range s.queue {
		if id == taskID {
			s.queue = append(s.queue[:i], s.queue[i+1:]...)
			return true
		}
	}
	return false
}

// pump dequeues tasks while running.size < maxConcurrent and the queue
// is non-empty, spawning runTask for each. It is re-entered from each
// task's own completion.
func (s *Scheduler) pump() {
	for {
		s.mu.Lock()
		if s.ctx != nil && s.ctx.Err() != nil {
			s.mu.Unlock()
			return
		}
		maxConcurrent := s.policy.Get().MaxConcurrent
		if len(s.running) >= maxConcurrent || len(s.queue) == 0 {
			s.mu.Unlock()
			return
		}
		taskID := s.queue[0]
		s.queue = s.queue[1:]
		s.running[taskID] = struct{}{}
		ctx := s.ctx
		s.mu.Unlock()

		if ctx == nil {
			ctx = context.Background()
		}
		go func(id string) {
			s.runTask(ctx, id)
			s.mu.Lock()
			delete(s.running, id)
			s.mu.Unlock()
			s.pump()
		}(taskID)
	}
}

// runTask implements the §4.7 run sequence for one task.
func (s *Scheduler) runTask(ctx context.Context, taskID string) {
	task, err := s.store.GetTask(taskID)
	if err != nil {
		if s.logger != nil {
			s.logger.Errorw("runTask: task vanished before start", "taskId", taskID, "error", err)
		}
		return
	}

	stop := s.store.TokenFor(taskID)
	if stop.Mode() != stoptoken.ModeNone {
		return
	}

	canonicalID, err := sources.CanonicalID(task.Source, task.Target)
	if err == nil {
		if exists, existsErr := s.store.Exists(canonicalID); existsErr == nil && exists {
			task.Status = domain.TaskStatusSucceeded
			task.Message = domain.ErrAlreadyDownloaded.Error()
			task.ComicID = canonicalID
			s.finish(task)
			return
		}
	}

	task.Status = domain.TaskStatusRunning
	if err := s.store.UpdateTask(task); err != nil {
		if s.logger != nil {
			s.logger.Errorw("runTask: failed to mark running", "taskId", taskID, "error", err)
		}
		return
	}

	workDir := filepath.Join(s.storageDir, "tasks", taskID)
	if err := sources.EnsureDir(workDir); err != nil {
		task.Status = domain.TaskStatusFailed
		task.Message = "download failed: " + err.Error()
		s.finish(task)
		return
	}

	adapter, ok := s.adapters[task.Source]
	if !ok {
		task.Status = domain.TaskStatusFailed
		task.Message = "download failed: unknown source " + task.Source
		s.finish(task)
		return
	}

	params, err := task.ParseParams()
	if err != nil {
		task.Status = domain.TaskStatusFailed
		task.Message = "download failed: invalid params: " + err.Error()
		s.finish(task)
		return
	}

	authRecord, err := s.store.Get(task.Source)
	auth := sources.Auth{}
	if err == nil && authRecord != nil {
		_ = parseAuth(authRecord.Payload, &auth)
	}

	reporter := progress.New(taskID, s.store.Store)
	dc, runErr := adapter.Run(ctx, workDir, auth, task.Target, sources.Params{Eps: params.Eps}, reporter, stop)

	// The reporter wrote progress/total straight to the row via
	// UpdateProgress while the adapter ran; task is still the snapshot
	// loaded before Run started, so pull the current counters back in
	// before finish()'s full-row UpdateTask overwrites them with stale
	// (typically zero) values.
	if fresh, err := s.store.GetTask(taskID); err == nil {
		task.Progress = fresh.Progress
		task.Total = fresh.Total
	}

	switch {
	case runErr == nil:
		row, commitErr := commit.Commit(s.store.Store, s.storageDir, workDir, dc, nowMillis())
		if commitErr != nil {
			task.Status = domain.TaskStatusFailed
			task.Message = "download failed: commit: " + commitErr.Error()
			s.finish(task)
			return
		}
		task.Status = domain.TaskStatusSucceeded
		task.Progress = task.Total
		task.ComicID = row.ID
		task.Message = ""
		s.finish(task)
		if s.logger != nil {
			s.logger.Infow("task committed",
				"taskId", task.ID, "comicId", row.ID, "size", humanize.Bytes(uint64(row.Size)))
		}

	case isStopped(runErr, stoptoken.ModePause):
		task.Status = domain.TaskStatusPaused
		task.Message = ""
		s.finish(task)

	case isStopped(runErr, stoptoken.ModeCancel):
		task.Status = domain.TaskStatusCanceled
		task.Message = ""
		_ = removeAll(workDir)
		s.finish(task)

	default:
		task.Status = domain.TaskStatusFailed
		task.Message = "download failed: " + runErr.Error()
		s.finish(task)
	}
}

func (s *Scheduler) finish(task *domain.Task) {
	if err := s.store.UpdateTask(task); err != nil && s.logger != nil {
		s.logger.Errorw("runTask: failed to persist terminal state", "taskId", task.ID, "error", err)
	}
	if domain.IsTerminal(task.Status) {
		s.store.DropToken(task.ID)
	}
}

// Pause implements the "pause" control-plane operation.
func (s *Scheduler) Pause(taskID string) error {
	task, err := s.store.GetTask(taskID)
	if err != nil {
		return err
	}
	switch task.Status {
	case domain.TaskStatusQueued:
		s.removeFromQueue(taskID)
		task.Status = domain.TaskStatusPaused
		return s.store.UpdateTask(task)
	case domain.TaskStatusRunning:
		s.store.TokenFor(taskID).Signal(stoptoken.ModePause)
		return nil
	default:
		return domain.ErrInvalidStateTransition
	}
}

// Resume implements the "resume" control-plane operation.
func (s *Scheduler) Resume(taskID string) error {
	task, err := s.store.GetTask(taskID)
	if err != nil {
		return err
	}
	switch task.Status {
	case domain.TaskStatusPaused, domain.TaskStatusFailed:
		task.Status = domain.TaskStatusQueued
		if err := s.store.UpdateTask(task); err != nil {
			return err
		}
		// A run that ended paused leaves its signaled token behind; the
		// new run needs a fresh one or runTask returns without work.
		s.store.DropToken(taskID)
		s.Enqueue(taskID)
		return nil
	default:
		return domain.ErrInvalidStateTransition
	}
}

// Cancel implements the "cancel" control-plane operation.
func (s *Scheduler) Cancel(taskID string) error {
	task, err := s.store.GetTask(taskID)
	if err != nil {
		return err
	}
	switch task.Status {
	case domain.TaskStatusQueued, domain.TaskStatusPaused, domain.TaskStatusFailed:
		s.removeFromQueue(taskID)
		task.Status = domain.TaskStatusCanceled
		task.Message = ""
		workDir := filepath.Join(s.storageDir, "tasks", taskID)
		_ = removeAll(workDir)
		return s.store.UpdateTask(task)
	case domain.TaskStatusRunning:
		s.store.TokenFor(taskID).Signal(stoptoken.ModeCancel)
		return nil
	default:
		return domain.ErrInvalidStateTransition
	}
}

// Retry implements the "retry" control-plane operation.
func (s *Scheduler) Retry(taskID string) error {
	task, err := s.store.GetTask(taskID)
	if err != nil {
		return err
	}
	switch task.Status {
	case domain.TaskStatusFailed, domain.TaskStatusCanceled, domain.TaskStatusPaused:
		task.Status = domain.TaskStatusQueued
		task.Message = ""
		if err := s.store.UpdateTask(task); err != nil {
			return err
		}
		s.store.DropToken(taskID)
		s.Enqueue(taskID)
		return nil
	default:
		return domain.ErrInvalidStateTransition
	}
}

// Delete implements the "delete" control-plane operation; refuses a
// running task with ErrTaskIsRunning per §4.7.
func (s *Scheduler) Delete(taskID string) error {
	task, err := s.store.GetTask(taskID)
	if err != nil {
		return err
	}
	if task.Status == domain.TaskStatusRunning {
		return domain.ErrTaskIsRunning
	}
	s.removeFromQueue(taskID)
	workDir := filepath.Join(s.storageDir, "tasks", taskID)
	_ = removeAll(workDir)
	s.store.DropToken(taskID)
	return s.store.DeleteTask(taskID)
}

func isStopped(err error, mode stoptoken.Mode) bool {
	var stopped stoptoken.Stopped
	if !errors.As(err, &stopped) {
		return false
	}
	return stopped.Mode == mode
}

func parseAuth(payload []byte, into *sources.Auth) error {
	return json.Unmarshal(payload, into)
}

func removeAll(dir string) error {
	return os.RemoveAll(dir)
}

func nowMillis() int64 {
	return time.Now().UnixMilli()
}
