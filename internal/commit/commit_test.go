package commit

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/pica/comics-server/internal/domain"
	"github.com/pica/comics-server/internal/sources"
)

type fakeComicRepo struct {
	rows map[string]*domain.LibraryRow
}

func newFakeComicRepo() *fakeComicRepo {
	return &fakeComicRepo{rows: map[string]*domain.LibraryRow{}}
}

func (f *fakeComicRepo) GetByID(id string) (*domain.LibraryRow, error) {
	r, ok := f.rows[id]
	if !ok {
		return nil, domain.ErrNotFound
	}
	return r, nil
}

func (f *fakeComicRepo) Exists(id string) (bool, error) {
	_, ok := f.rows[id]
	return ok, nil
}

func (f *fakeComicRepo) Upsert(row *domain.LibraryRow) error {
	f.rows[row.ID] = row
	return nil
}

func TestCommitRenamesAndInsertsRow(t *testing.T) {
	storageDir := t.TempDir()
	stagingDir := filepath.Join(storageDir, "tasks", "task1")
	pagesDir := filepath.Join(stagingDir, "pages")
	if err := os.MkdirAll(pagesDir, 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(stagingDir, "cover.jpg"), []byte("cover-bytes"), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(pagesDir, "1.jpg"), []byte("page-one"), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(pagesDir, "2.jpg"), []byte("page-two-longer"), 0o644); err != nil {
		t.Fatal(err)
	}

	repo := newFakeComicRepo()
	dc := sources.DownloadedComic{
		ID:             "nhentai177013",
		Title:          "Example",
		Type:           5,
		Tags:           []string{"a", "b"},
		DownloadedJSON: []byte(`{"ok":true}`),
	}

	row, err := Commit(repo, storageDir, stagingDir, dc, 1234)
	if err != nil {
		t.Fatalf("Commit failed: %v", err)
	}

	if _, err := os.Stat(stagingDir); !os.IsNotExist(err) {
		t.Fatalf("expected staging dir gone, got err=%v", err)
	}
	comicDir := filepath.Join(storageDir, "comics", "nhentai177013")
	if _, err := os.Stat(filepath.Join(comicDir, "cover.jpg")); err != nil {
		t.Fatalf("expected cover.jpg under comic dir: %v", err)
	}

	wantSize := int64(len("page-one") + len("page-two-longer"))
	if row.Size != wantSize {
		t.Errorf("Size = %d, want %d", row.Size, wantSize)
	}
	if row.CoverPath != filepath.Join(comicDir, "cover.jpg") {
		t.Errorf("CoverPath = %q", row.CoverPath)
	}

	stored, err := repo.GetByID("nhentai177013")
	if err != nil {
		t.Fatalf("GetByID: %v", err)
	}
	if stored.Title != "Example" {
		t.Errorf("Title = %q", stored.Title)
	}
}

func TestCommitFallsBackToCoverUnderPages(t *testing.T) {
	storageDir := t.TempDir()
	stagingDir := filepath.Join(storageDir, "tasks", "task2")
	pagesDir := filepath.Join(stagingDir, "pages")
	if err := os.MkdirAll(pagesDir, 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(pagesDir, "cover.jpg"), []byte("x"), 0o644); err != nil {
		t.Fatal(err)
	}

	repo := newFakeComicRepo()
	dc := sources.DownloadedComic{ID: "Ht4242"}

	row, err := Commit(repo, storageDir, stagingDir, dc, 1)
	if err != nil {
		t.Fatalf("Commit failed: %v", err)
	}
	want := filepath.Join(storageDir, "comics", "Ht4242", "pages", "cover.jpg")
	if row.CoverPath != want {
		t.Errorf("CoverPath = %q, want %q", row.CoverPath, want)
	}
}

func TestCommitOverwritesExistingDestination(t *testing.T) {
	storageDir := t.TempDir()
	comicDir := filepath.Join(storageDir, "comics", "jm1")
	if err := os.MkdirAll(comicDir, 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(comicDir, "stale.txt"), []byte("old"), 0o644); err != nil {
		t.Fatal(err)
	}

	stagingDir := filepath.Join(storageDir, "tasks", "task3")
	if err := os.MkdirAll(stagingDir, 0o755); err != nil {
		t.Fatal(err)
	}

	repo := newFakeComicRepo()
	dc := sources.DownloadedComic{ID: "jm1"}
	if _, err := Commit(repo, storageDir, stagingDir, dc, 1); err != nil {
		t.Fatalf("Commit failed: %v", err)
	}
	if _, err := os.Stat(filepath.Join(comicDir, "stale.txt")); !os.IsNotExist(err) {
		t.Fatalf("expected stale file replaced, err=%v", err)
	}
}
