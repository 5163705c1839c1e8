package htmanga

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

func TestRunScrapesIndexAndGalleryPages(t *testing.T) {
	var srvURL string
	mux := http.NewServeMux()
	mux.HandleFunc("/photos-index-page-1-aid-456.html", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprintf(w, `<html><body>
<h1>Album Title</h1>
<a class="tagshow">tag-a</a>
<div class="cover"><img src="%s/cover.jpg"></div>
</body></html>`, srvURL)
	})
	mux.HandleFunc("/photos-gallery-aid-456.html", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprintf(w, `<html><body><img src="%s/data/page1.jpg"></body></html>`, srvURL)
	})
	mux.HandleFunc("/cover.jpg", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("coverbytes"))
	})
	mux.HandleFunc("/data/page1.jpg", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("pagebytes"))
	})

	srv := httptest.NewServer(mux)
	defer srv.Close()
	srvURL = srv.URL

	a := New(httpfetch.New(srv.Client()), policy.NewStore(policy.Default()))

	auth := sources.Auth{"baseUrl": srv.URL}

	workDir := t.TempDir()
	reporter := progress.New("t1", fakeWriter{})
	dc, err := a.Run(context.Background(), workDir, auth, "456", sources.Params{}, reporter, stoptoken.New())
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if dc.ID != "Ht456" {
		t.Fatalf("id = %q, want Ht456", dc.ID)
	}
	if dc.Title != "Album Title" {
		t.Fatalf("title = %q", dc.Title)
	}
	if len(dc.Tags) != 1 || dc.Tags[0] != "tag-a" {
		t.Fatalf("tags = %v", dc.Tags)
	}
	if _, err := os.Stat(filepath.Join(workDir, "cover.jpg")); err != nil {
		t.Fatalf("cover not downloaded: %v", err)
	}
	if _, err := os.Stat(filepath.Join(workDir, "pages", "1.jpg")); err != nil {
		t.Fatalf("page not downloaded: %v", err)
	}
}
