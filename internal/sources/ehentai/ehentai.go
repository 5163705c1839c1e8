// Package ehentai implements the ehentai pipeline: HTML scraping of a
// gallery page and its thumbnail/reader pages, with a guard against the
// upstream's 509 image-bandwidth-limit response.
package ehentai

import (
	"context"
	"fmt"
	"math"
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

const perPage = 40

// Adapter implements sources.Adapter for ehentai.
type Adapter struct {
	Fetcher *httpfetch.Fetcher
	Policy  *policy.Store
}

func New(fetcher *httpfetch.Fetcher, policyStore *policy.Store) *Adapter {
	return &Adapter{Fetcher: fetcher, Policy: policyStore}
}

func galleryID(target string) (string, error) {
	idx := strings.Index(target, "/g/")
	if idx < 0 {
		return "", sources.NewArgumentError("target is not a gallery url: " + target)
	}
	rest := target[idx+len("/g/"):]
	rest = strings.TrimPrefix(rest, "/")
	parts := strings.SplitN(rest, "/", 2)
	if len(parts) == 0 || parts[0] == "" {
		return "", sources.NewArgumentError("target has no gallery id: " + target)
	}
	return parts[0], nil
}

func (a *Adapter) fetchDoc(ctx context.Context, uri string, cookie string, retries int, stop *stoptoken.Token) (*goquery.Document, error) {
	var headers map[string]string
	if cookie != "" {
		headers = map[string]string{"Cookie": cookie}
	}
	res, err := a.Fetcher.GetBytesWithRetry(ctx, uri, headers, 25*time.Second, 0, retries, stop)
	if err != nil {
		return nil, err
	}
	if strings.Contains(string(res.Body), "509.gif") {
		return nil, sources.NewUpstreamError("image limit exceeded", "509")
	}
	doc, parseErr := goquery.NewDocumentFromReader(strings.NewReader(string(res.Body)))
	if parseErr != nil {
		return nil, sources.NewUpstreamError("unparsable HTML", httpfetch.Snippet(res.Body))
	}
	return doc, nil
}

func (a *Adapter) Run(ctx context.Context, workDir string, auth sources.Auth, target string, params sources.Params, reporter *progress.Reporter, stop *stoptoken.Token) (sources.DownloadedComic, error) {
	cookie, err := sources.RequireAuth(auth, "cookie")
	if err != nil {
		return sources.DownloadedComic{}, err
	}

	gid, err := galleryID(target)
	if err != nil {
		return sources.DownloadedComic{}, err
	}
	id := gid

	retries := a.Policy.Get().FileRetries("ehentai")

	doc, err := a.fetchDoc(ctx, target, cookie, retries, stop)
	if err != nil {
		return sources.DownloadedComic{}, err
	}

	title := strings.TrimSpace(doc.Find("#gn").First().Text())
	subtitle := strings.TrimSpace(doc.Find("#gj").First().Text())
	if title == "" {
		return sources.DownloadedComic{}, sources.NewUpstreamError("missing #gn title", "")
	}

	var tags []string
	doc.Find(".gt, .gtl").Each(func(_ int, s *goquery.Selection) {
		if t := strings.TrimSpace(s.Text()); t != "" {
			tags = append(tags, t)
		}
	})

	pageCountText := strings.TrimSpace(doc.Find("#gdd").Text())
	pageCount := parseFirstInt(pageCountText)
	if pageCount == 0 {
		doc.Find("td.gdt2").Each(func(_ int, s *goquery.Selection) {
			if pageCount == 0 {
				if n := parseFirstInt(s.Text()); n > 0 {
					pageCount = n
				}
			}
		})
	}
	if pageCount == 0 {
		pageCount = doc.Find(".gdtm, .gdtl").Length()
	}

	coverURL, _ := doc.Find("#gd1 img, .gd1 img").First().Attr("src")

	thumbPageCount := int(math.Ceil(float64(pageCount) / float64(perPage)))
	var readerURLs []string
	readerURLs = append(readerURLs, collectReaderLinks(doc)...)
	for p := 1; p < thumbPageCount; p++ {
		pageDoc, pageErr := a.fetchDoc(ctx, fmt.Sprintf("%s?p=%d", strings.TrimRight(target, "/"), p), cookie, retries, stop)
		if pageErr != nil {
			return sources.DownloadedComic{}, pageErr
		}
		readerURLs = append(readerURLs, collectReaderLinks(pageDoc)...)
	}

	if err := sources.EnsureDir(filepath.Join(workDir, "pages")); err != nil {
		return sources.DownloadedComic{}, err
	}

	total := int64(len(readerURLs))
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
			if dlErr := a.Fetcher.DownloadToFile(ctx, coverURL, filepath.Join(workDir, "cover.jpg"), map[string]string{"Cookie": cookie}, 25*time.Second, 0, retries, stop); dlErr != nil {
				return sources.DownloadedComic{}, dlErr
			}
			if advErr := reporter.Advance(1); advErr != nil {
				return sources.DownloadedComic{}, advErr
			}
		}
	}

	imgURLs := make([]string, len(readerURLs))
	err = fanout.ForEachConcurrent(ctx, readerURLs, a.Policy.Get().FileConcurrent("ehentai"), func(jobCtx context.Context, readerURL string) error {
		idx := indexOf(readerURLs, readerURL)
		readerDoc, readerErr := a.fetchDoc(jobCtx, readerURL, cookie, retries, stop)
		if readerErr != nil {
			return readerErr
		}
		src, ok := readerDoc.Find("#i3 > a > img").First().Attr("src")
		if !ok || src == "" {
			return sources.NewUpstreamError("missing #i3 > a > img", "")
		}
		imgURLs[idx] = src
		return nil
	}, stop, nil)
	if err != nil {
		return sources.DownloadedComic{}, err
	}

	type job struct {
		n   int
		uri string
	}
	var jobs []job
	for i, u := range imgURLs {
		jobs = append(jobs, job{n: i + 1, uri: u})
	}

	pagesDir := filepath.Join(workDir, "pages")
	err = fanout.ForEachConcurrent(ctx, jobs, a.Policy.Get().FileConcurrent("ehentai"), func(jobCtx context.Context, j job) error {
		stem := strconv.Itoa(j.n)
		if _, exists := sources.PageFileExists(pagesDir, stem); exists {
			return nil
		}
		ext := filepath.Ext(j.uri)
		if ext == "" {
			ext = ".jpg"
		}
		dst := filepath.Join(pagesDir, stem+ext)
		if dlErr := a.Fetcher.DownloadToFile(jobCtx, j.uri, dst, map[string]string{"Cookie": cookie}, 5*time.Minute, 0, retries, stop); dlErr != nil {
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
		Subtitle:       subtitle,
		Type:           1,
		Tags:           tags,
		Directory:      sources.SafeID(id),
		DownloadedJSON: []byte(`{"scraped":true}`),
	}, nil
}

func collectReaderLinks(doc *goquery.Document) []string {
	var urls []string
	doc.Find("#gdt a, .gdtm a").Each(func(_ int, s *goquery.Selection) {
		if href, ok := s.Attr("href"); ok && href != "" {
			urls = append(urls, href)
		}
	})
	return urls
}

func parseFirstInt(s string) int {
	var digits strings.Builder
	for _, r := range s {
		if r >= '0' && r <= '9' {
			digits.WriteRune(r)
		} else if digits.Len() > 0 {
			break
		}
	}
	n, _ := strconv.Atoi(digits.String())
	return n
}

func indexOf(items []string, target string) int {
	for i, v := range items {
		if v == target {
			return i
		}
	}
	return -1
}
