package scheduler

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/pica/comics-server/internal/domain"
	"github.com/pica/comics-server/internal/policy"
	"github.com/pica/comics-server/internal/progress"
	"github.com/pica/comics-server/internal/sources"
	"github.com/pica/comics-server/internal/stoptoken"
	"github.com/pica/comics-server/internal/taskstore"
)

type fakeStore struct {
	mu     sync.Mutex
	tasks  map[string]*domain.Task
	comics map[string]bool
}

func newFakeStore() *fakeStore {
	return &fakeStore{tasks: map[string]*domain.Task{}, comics: map[string]bool{}}
}

func (f *fakeStore) CreateTask(t *domain.Task) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.tasks[t.ID] = t
	return nil
}
func (f *fakeStore) GetTask(id string) (*domain.Task, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	t, ok := f.tasks[id]
	if !ok {
		return nil, domain.ErrTaskNotFound
	}
	cp := *t
	return &cp, nil
}
func (f *fakeStore) ListTasks(limit int) ([]*domain.Task, error) { return nil, nil }
func (f *fakeStore) FindActiveByTarget(source, target string) (*domain.Task, error) {
	return nil, nil
}
func (f *fakeStore) UpdateTask(t *domain.Task) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	cp := *t
	f.tasks[t.ID] = &cp
	return nil
}
func (f *fakeStore) UpdateProgress(id string, progress, total int64, message string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	t, ok := f.tasks[id]
	if !ok {
		return domain.ErrTaskNotFound
	}
	t.Progress, t.Total, t.Message = progress, total, message
	return nil
}
func (f *fakeStore) DeleteTask(id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.tasks, id)
	return nil
}
func (f *fakeStore) ListByStatus(status string) ([]*domain.Task, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []*domain.Task
	for _, t := range f.tasks {
		if t.Status == status {
			cp := *t
			out = append(out, &cp)
		}
	}
	return out, nil
}
func (f *fakeStore) QueueStats() (*domain.QueueStats, error) { return &domain.QueueStats{}, nil }
func (f *fakeStore) GetByID(id string) (*domain.LibraryRow, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.comics[id] {
		return nil, domain.ErrNotFound
	}
	return &domain.LibraryRow{ID: id}, nil
}
func (f *fakeStore) Exists(id string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.comics[id], nil
}
func (f *fakeStore) Upsert(row *domain.LibraryRow) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.comics[row.ID] = true
	return nil
}
func (f *fakeStore) Put(source string, payload []byte) error { return nil }
func (f *fakeStore) Get(source string) (*domain.AuthRecord, error) {
	return nil, domain.ErrNotFound
}
func (f *fakeStore) Close() error { return nil }
func (f *fakeStore) Ping() error  { return nil }

// fakeAdapter lets tests control the exact outcome of one adapter run.
type fakeAdapter struct {
	mu       sync.Mutex
	started  chan struct{}
	proceed  chan struct{}
	result   sources.DownloadedComic
	err      error
	useStop  bool
	runCount int
}

func newFakeAdapter() *fakeAdapter {
	return &fakeAdapter{started: make(chan struct{}, 8), proceed: make(chan struct{})}
}

func (a *fakeAdapter) Run(ctx context.Context, workDir string, auth sources.Auth, target string, params sources.Params, reporter *progress.Reporter, stop *stoptoken.Token) (sources.DownloadedComic, error) {
	a.mu.Lock()
	a.runCount++
	a.mu.Unlock()
	_ = reporter.SetTotal(1)
	a.started <- struct{}{}
	if a.useStop {
		<-a.proceed
		if err := stop.Stopped(); err != nil {
			return sources.DownloadedComic{}, err
		}
	}
	return a.result, a.err
}

func newTestScheduler(t *testing.T, adapters map[string]sources.Adapter) (*Scheduler, *fakeStore) {
	t.Helper()
	repo := newFakeStore()
	store := taskstore.New(repo)
	polStore := policy.NewStore(policy.Policy{MaxConcurrent: 2, FileConcurrentDefault: 4})
	sched := New(store, polStore, adapters, t.TempDir(), nil)
	return sched, repo
}

func TestRunTaskSucceedsAndCommits(t *testing.T) {
	adapter := newFakeAdapter()
	adapter.result = sources.DownloadedComic{ID: "nhentai1", Title: "t"}
	sched, repo := newTestScheduler(t, map[string]sources.Adapter{"nhentai": adapter})

	task := domain.NewTask("nhentai", "1", nil)
	if err := repo.CreateTask(task); err != nil {
		t.Fatal(err)
	}

	sched.runTask(context.Background(), task.ID)

	got, err := repo.GetTask(task.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.Status != domain.TaskStatusSucceeded {
		t.Fatalf("status = %s, want succeeded", got.Status)
	}
	if got.ComicID != "nhentai1" {
		t.Errorf("comicId = %q", got.ComicID)
	}
	if got.Total <= 0 {
		t.Fatalf("total = %d, want > 0", got.Total)
	}
	if got.Progress != got.Total {
		t.Fatalf("progress = %d, want equal to total %d", got.Progress, got.Total)
	}
}

func TestRunTaskAlreadyDownloadedSkipsAdapter(t *testing.T) {
	adapter := newFakeAdapter()
	sched, repo := newTestScheduler(t, map[string]sources.Adapter{"nhentai": adapter})
	repo.comics["nhentai1"] = true

	task := domain.NewTask("nhentai", "1", nil)
	if err := repo.CreateTask(task); err != nil {
		t.Fatal(err)
	}

	sched.runTask(context.Background(), task.ID)

	got, _ := repo.GetTask(task.ID)
	if got.Status != domain.TaskStatusSucceeded || got.Message != "already downloaded" {
		t.Fatalf("got %+v", got)
	}
	if adapter.runCount != 0 {
		t.Fatalf("adapter should not have run, runCount=%d", adapter.runCount)
	}
}

func TestPauseSignalsRunningTaskAndTransitionsToPaused(t *testing.T) {
	adapter := newFakeAdapter()
	adapter.useStop = true
	sched, repo := newTestScheduler(t, map[string]sources.Adapter{"jm": adapter})

	task := domain.NewTask("jm", "1", nil)
	if err := repo.CreateTask(task); err != nil {
		t.Fatal(err)
	}

	done := make(chan struct{})
	go func() {
		sched.runTask(context.Background(), task.ID)
		close(done)
	}()

	<-adapter.started
	// Mark running so Pause takes the "signal" branch rather than the
	// "not yet running" branch.
	running, _ := repo.GetTask(task.ID)
	running.Status = domain.TaskStatusRunning
	_ = repo.UpdateTask(running)

	if err := sched.Pause(task.ID); err != nil {
		t.Fatalf("Pause: %v", err)
	}
	close(adapter.proceed)
	<-done

	got, _ := repo.GetTask(task.ID)
	if got.Status != domain.TaskStatusPaused {
		t.Fatalf("status = %s, want paused", got.Status)
	}
}

func TestCancelQueuedTaskTransitionsImmediately(t *testing.T) {
	sched, repo := newTestScheduler(t, nil)
	task := domain.NewTask("jm", "1", nil)
	task.Status = domain.TaskStatusQueued
	_ = repo.CreateTask(task)

	if err := sched.Cancel(task.ID); err != nil {
		t.Fatalf("Cancel: %v", err)
	}
	got, _ := repo.GetTask(task.ID)
	if got.Status != domain.TaskStatusCanceled {
		t.Fatalf("status = %s, want canceled", got.Status)
	}
}

func TestDeleteRefusesRunningTask(t *testing.T) {
	sched, repo := newTestScheduler(t, nil)
	task := domain.NewTask("jm", "1", nil)
	task.Status = domain.TaskStatusRunning
	_ = repo.CreateTask(task)

	err := sched.Delete(task.ID)
	if err != domain.ErrTaskIsRunning {
		t.Fatalf("err = %v, want ErrTaskIsRunning", err)
	}
}

func TestRetryRequeuesFailedTask(t *testing.T) {
	adapter := newFakeAdapter()
	adapter.result = sources.DownloadedComic{ID: "jm1"}
	sched, repo := newTestScheduler(t, map[string]sources.Adapter{"jm": adapter})

	task := domain.NewTask("jm", "1", nil)
	task.Status = domain.TaskStatusFailed
	task.Message = "download failed: boom"
	_ = repo.CreateTask(task)

	if err := sched.Retry(task.ID); err != nil {
		t.Fatalf("Retry: %v", err)
	}

	deadline := time.After(2 * time.Second)
	for {
		got, _ := repo.GetTask(task.ID)
		if got.Status == domain.TaskStatusSucceeded {
			break
		}
		select {
		case <-deadline:
			t.Fatalf("task never reached succeeded, last status=%s", got.Status)
		case <-time.After(5 * time.Millisecond):
		}
	}
}
