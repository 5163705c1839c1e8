// Package htmanga implements the htmanga pipeline: two HTML pages (an
// index page for metadata, a gallery page for image URLs) scraped with
// a URL-shape filter instead of a structured API.
package htmanga

import (
	"context"
	"fmt"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/PuerkitoBio/goquery"

	"github.com/pica/comics-server/internal/fanout"
	"github.com/pica/comics-server/internal/httpfetch"
	"github.com/pica/comics-server/internal/policy"
	"github.com/pica/comics-server/internal/progress"
	"github.com/pica/comics-server/internal/sources"
	"github.com/pica/comics-server/internal/stoptoken"
)

// Adapter implements sources.Adapter for htmanga.
type Adapter struct {
	Fetcher *httpfetch.Fetcher
	Policy  *policy.Store
}

func New(fetcher *httpfetch.Fetcher, policyStore *policy.Store) *Adapter {
	return &Adapter{Fetcher: fetcher, Policy: policyStore}
}

func acceptableImageURL(u string) bool {
	lower := strings.ToLower(u)
	if strings.HasSuffix(lower, ".js") || strings.HasSuffix(lower, ".css") {
		return false
	}
	return strings.Contains(u, "/data/") || strings.Contains(lower, "wnimg")
}

func (a *Adapter) fetchDoc(ctx context.Context, uri, cookie string, retries int, stop *stoptoken.Token) (*goquery.Document, []byte, error) {
	var headers map[string]string
	if cookie != "" {
		headers = map[string]string{"Cookie": cookie}
	}
	res, err := a.Fetcher.GetBytesWithRetry(ctx, uri, headers, 25*time.Second, 0, retries, stop)
	if err != nil {
		return nil, nil, err
	}
	doc, parseErr := goquery.NewDocumentFromReader(strings.NewReader(string(res.Body)))
	if parseErr != nil {
		return nil, nil, sources.NewUpstreamError("unparsable HTML", httpfetch.Snippet(res.Body))
	}
	return doc, res.Body, nil
}

func (a *Adapter) Run(ctx context.Context, workDir string, auth sources.Auth, target string, params sources.Params, reporter *progress.Reporter, stop *stoptoken.Token) (sources.DownloadedComic, error) {
	id, err := sources.CanonicalID("htmanga", target)
	if err != nil {
		return sources.DownloadedComic{}, err
	}
	baseURL, err := sources.RequireAuth(auth, "baseUrl")
	if err != nil {
		return sources.DownloadedComic{}, err
	}
	cookie := auth["cookie"]

	digits := sources.DigitsOf(target)
	retries := a.Policy.Get().FileRetries("htmanga")
	base := strings.TrimRight(baseURL, "/")

	indexURL := fmt.Sprintf("%s/photos-index-page-1-aid-%s.html", base, digits)
	indexDoc, _, err := a.fetchDoc(ctx, indexURL, cookie, retries, stop)
	if err != nil {
		return sources.DownloadedComic{}, err
	}

	title := strings.TrimSpace(indexDoc.Find("h1").First().Text())
	if title == "" {
		return sources.DownloadedComic{}, sources.NewUpstreamError("missing title", "")
	}
	var tags []string
	indexDoc.Find(".tag, a.tagshow").Each(func(_ int, s *goquery.Selection) {
		if t := strings.TrimSpace(s.Text()); t != "" {
			tags = append(tags, t)
		}
	})
	coverURL, _ := indexDoc.Find(".cover img, .pic img").First().Attr("src")

	galleryURL := fmt.Sprintf("%s/photos-gallery-aid-%s.html", base, digits)
	galleryDoc, galleryBody, err := a.fetchDoc(ctx, galleryURL, cookie, retries, stop)
	if err != nil {
		return sources.DownloadedComic{}, err
	}

	var pageURLs []string
	seen := map[string]bool{}
	galleryDoc.Find("img").Each(func(_ int, s *goquery.Selection) {
		src, ok := s.Attr("src")
		if !ok {
			src, ok = s.Attr("data-src")
		}
		if !ok || src == "" || !acceptableImageURL(src) || seen[src] {
			return
		}
		seen[src] = true
		pageURLs = append(pageURLs, src)
	})
	if len(pageURLs) == 0 {
		return sources.DownloadedComic{}, sources.NewUpstreamError("no acceptable image urls found", httpfetch.Snippet(galleryBody))
	}

	if err := sources.EnsureDir(filepath.Join(workDir, "pages")); err != nil {
		return sources.DownloadedComic{}, err
	}

	total := int64(len(pageURLs))
	if coverURL != "" {
		total++
	}
	if err := reporter.SetTotal(total); err != nil {
		return sources.DownloadedComic{}, err
	}
	if err := reporter.EnsureProgressAtLeast(int64(sources.CountAlreadyDownloaded(workDir))); err != nil {
		return sources.DownloadedComic{}, err
	}

	if coverURL != "" {
		if _, exists := sources.PageFileExists(workDir, "cover"); !exists {
			if dlErr := a.Fetcher.DownloadToFile(ctx, coverURL, filepath.Join(workDir, "cover.jpg"), nil, 25*time.Second, 0, retries, stop); dlErr != nil {
				return sources.DownloadedComic{}, dlErr
			}
			if advErr := reporter.Advance(1); advErr != nil {
				return sources.DownloadedComic{}, advErr
			}
		}
	}

	type job struct {
		n   int
		uri string
	}
	var jobs []job
	for i, u := range pageURLs {
		jobs = append(jobs, job{n: i + 1, uri: u})
	}

	pagesDir := filepath.Join(workDir, "pages")
	err = fanout.ForEachConcurrent(ctx, jobs, a.Policy.Get().FileConcurrent("htmanga"), func(jobCtx context.Context, j job) error {
		stem := strconv.Itoa(j.n)
		if _, exists := sources.PageFileExists(pagesDir, stem); exists {
			return nil
		}
		ext := filepath.Ext(j.uri)
		if ext == "" {
			ext = ".jpg"
		}
		dst := filepath.Join(pagesDir, stem+ext)
		if dlErr := a.Fetcher.DownloadToFile(jobCtx, j.uri, dst, nil, 5*time.Minute, 0, retries, stop); dlErr != nil {
			return dlErr
		}
		return reporter.Advance(1)
	}, stop, nil)
	if err != nil {
		return sources.DownloadedComic{}, err
	}

	return sources.DownloadedComic{
		ID:             id,
		Title:          title,
		Subtitle:       "",
		Type:           3,
		Tags:           tags,
		Directory:      sources.SafeID(id),
		DownloadedJSON: []byte(`{"scraped":true}`),
	}, nil
}
