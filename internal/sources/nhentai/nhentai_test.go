package nhentai

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"github.com/pica/comics-server/internal/httpfetch"
	"github.com/pica/comics-server/internal/policy"
	"github.com/pica/comics-server/internal/progress"
	"github.com/pica/comics-server/internal/sources"
	"github.com/pica/comics-server/internal/stoptoken"
)

type fakeWriter struct{}

func (fakeWriter) UpdateProgress(taskID string, progress, total int64, message string) error {
	return nil
}

func TestRunFetchesGalleryAndDownloadsPages(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/api/789", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"media_id":"99","title":{"english":"English Title","pretty":"Pretty"},"images":{"cover":{"t":"j"},"pages":[{"t":"j"}]},"tags":[{"name":"tag-x"}]}`)
	})
	mux.HandleFunc("/cover/99/cover.jpg", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("coverbytes"))
	})
	mux.HandleFunc("/page/99/1.jpg", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("pagebytes"))
	})

	srv := httptest.NewServer(mux)
	defer srv.Close()

	a := New(httpfetch.New(srv.Client()), policy.NewStore(policy.Default()))

	auth := sources.Auth{
		"apiBaseUrl":   srv.URL + "/api",
		"coverBaseUrl": srv.URL + "/cover",
		"pageBaseUrl":  srv.URL + "/page",
	}

	workDir := t.TempDir()
	reporter := progress.New("t1", fakeWriter{})
	dc, err := a.Run(context.Background(), workDir, auth, "789", sources.Params{}, reporter, stoptoken.New())
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if dc.ID != "nhentai789" {
		t.Fatalf("id = %q, want nhentai789", dc.ID)
	}
	if dc.Title != "English Title" {
		t.Fatalf("title = %q", dc.Title)
	}
	if len(dc.Tags) != 1 || dc.Tags[0] != "tag-x" {
		t.Fatalf("tags = %v", dc.Tags)
	}
	if _, err := os.Stat(filepath.Join(workDir, "cover.jpg")); err != nil {
		t.Fatalf("cover not downloaded: %v", err)
	}
	if _, err := os.Stat(filepath.Join(workDir, "pages", "1.jpg")); err != nil {
		t.Fatalf("page not downloaded: %v", err)
	}
}
