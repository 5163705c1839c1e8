package taskstore

import (
	"testing"

	"github.com/pica/comics-server/internal/domain"
)

type fakeStore struct {
	tasks  map[string]*domain.Task
	comics map[string]bool
}

func newFakeStore() *fakeStore {
	return &fakeStore{tasks: map[string]*domain.Task{}, comics: map[string]bool{}}
}

func (f *fakeStore) CreateTask(t *domain.Task) error {
	if _, ok := f.tasks[t.ID]; ok {
		return domain.ErrTaskAlreadyExists
	}
	f.tasks[t.ID] = t
	return nil
}
func (f *fakeStore) GetTask(id string) (*domain.Task, error) {
	t, ok := f.tasks[id]
	if !ok {
		return nil, domain.ErrTaskNotFound
	}
	return t, nil
}
func (f *fakeStore) ListTasks(limit int) ([]*domain.Task, error) {
	var out []*domain.Task
	for _, t := range f.tasks {
		out = append(out, t)
	}
	return out, nil
}
func (f *fakeStore) FindActiveByTarget(source, target string) (*domain.Task, error) {
	for _, t := range f.tasks {
		if t.Source == source && t.Target == target && domain.IsActive(t.Status) {
			return t, nil
		}
	}
	return nil, nil
}
func (f *fakeStore) UpdateTask(t *domain.Task) error {
	f.tasks[t.ID] = t
	return nil
}
func (f *fakeStore) UpdateProgress(id string, progress, total int64, message string) error {
	t, ok := f.tasks[id]
	if !ok {
		return domain.ErrTaskNotFound
	}
	t.Progress, t.Total, t.Message = progress, total, message
	return nil
}
func (f *fakeStore) DeleteTask(id string) error {
	delete(f.tasks, id)
	return nil
}
func (f *fakeStore) ListByStatus(status string) ([]*domain.Task, error) {
	var out []*domain.Task
	for _, t := range f.tasks {
		if t.Status == status {
			out = append(out, t)
		}
	}
	return out, nil
}
func (f *fakeStore) QueueStats() (*domain.QueueStats, error) { return &domain.QueueStats{}, nil }
func (f *fakeStore) GetByID(id string) (*domain.LibraryRow, error) {
	if !f.comics[id] {
		return nil, domain.ErrNotFound
	}
	return &domain.LibraryRow{ID: id}, nil
}
func (f *fakeStore) Exists(id string) (bool, error) { return f.comics[id], nil }
func (f *fakeStore) Upsert(row *domain.LibraryRow) error {
	f.comics[row.ID] = true
	return nil
}
func (f *fakeStore) Put(source string, payload []byte) error { return nil }
func (f *fakeStore) Get(source string) (*domain.AuthRecord, error) {
	return nil, domain.ErrNotFound
}
func (f *fakeStore) Close() error { return nil }
func (f *fakeStore) Ping() error  { return nil }

func TestCreateDownloadTaskRejectsExistingLibraryRow(t *testing.T) {
	repo := newFakeStore()
	repo.comics["nhentai177013"] = true
	store := New(repo)

	_, err := store.CreateDownloadTask("nhentai", "177013", nil)
	if err != domain.ErrAlreadyExists {
		t.Fatalf("err = %v, want ErrAlreadyExists", err)
	}
}

func TestCreateDownloadTaskRejectsActiveDuplicate(t *testing.T) {
	repo := newFakeStore()
	store := New(repo)

	if _, err := store.CreateDownloadTask("nhentai", "177013", nil); err != nil {
		t.Fatalf("first create: %v", err)
	}
	if _, err := store.CreateDownloadTask("nhentai", "177013", nil); err != domain.ErrTaskAlreadyExists {
		t.Fatalf("err = %v, want ErrTaskAlreadyExists", err)
	}
}

func TestTokenForIsStablePerTask(t *testing.T) {
	store := New(newFakeStore())
	a := store.TokenFor("t1")
	b := store.TokenFor("t1")
	if a != b {
		t.Fatal("expected the same token instance for repeated calls")
	}
	store.DropToken("t1")
	c := store.TokenFor("t1")
	if c == a {
		t.Fatal("expected a fresh token after DropToken")
	}
}

func TestRecoverOnBootFailsRunningAndListsQueued(t *testing.T) {
	repo := newFakeStore()
	running := domain.NewTask("picacg", "1", nil)
	running.Status = domain.TaskStatusRunning
	repo.tasks[running.ID] = running

	q1 := domain.NewTask("jm", "2", nil)
	q1.Status = domain.TaskStatusQueued
	q1.CreatedAt = 100
	repo.tasks[q1.ID] = q1

	q2 := domain.NewTask("jm", "3", nil)
	q2.Status = domain.TaskStatusQueued
	q2.CreatedAt = 50
	repo.tasks[q2.ID] = q2

	result, err := RecoverOnBoot(repo)
	if err != nil {
		t.Fatalf("RecoverOnBoot: %v", err)
	}
	if result.FailedRunning != 1 {
		t.Errorf("FailedRunning = %d, want 1", result.FailedRunning)
	}
	got, err := repo.GetTask(running.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.Status != domain.TaskStatusFailed || got.Message != "server restarted" {
		t.Errorf("running task not recovered: %+v", got)
	}
	if len(result.Requeued) != 2 {
		t.Fatalf("Requeued = %d, want 2", len(result.Requeued))
	}
}
