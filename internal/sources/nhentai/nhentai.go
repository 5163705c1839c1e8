// Package nhentai implements the simplest of the six pipelines: a
// single unauthenticated-by-default JSON endpoint describing a flat
// (non-chaptered) page list.
package nhentai

import (
	"context"
	"encoding/json"
	"fmt"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/pica/comics-server/internal/fanout"
	"github.com/pica/comics-server/internal/httpfetch"
	"github.com/pica/comics-server/internal/policy"
	"github.com/pica/comics-server/internal/progress"
	"github.com/pica/comics-server/internal/sources"
	"github.com/pica/comics-server/internal/stoptoken"
)

const (
	defaultAPIBase   = "https://nhentai.net/api/gallery"
	defaultCoverBase = "https://t.nhentai.net/galleries"
	defaultPageBase  = "https://i.nhentai.net/galleries"
)

type imageInfo struct {
	T string `json:"t"`
}

type galleryTitle struct {
	English string `json:"english"`
	Pretty  string `json:"pretty"`
}

type galleryTag struct {
	Name string `json:"name"`
}

type galleryResponse struct {
	MediaID json.RawMessage `json:"media_id"`
	Title   galleryTitle    `json:"title"`
	Images  struct {
		Cover imageInfo   `json:"cover"`
		Pages []imageInfo `json:"pages"`
	} `json:"images"`
	Tags []galleryTag `json:"tags"`
}

func extFor(letter string) (string, error) {
	switch letter {
	case "j":
		return "jpg", nil
	case "p":
		return "png", nil
	case "g":
		return "gif", nil
	case "w":
		return "webp", nil
	default:
		return "", sources.NewUpstreamError("unknown image type letter", letter)
	}
}

// Adapter implements sources.Adapter for nhentai.
type Adapter struct {
	Fetcher *httpfetch.Fetcher
	Policy  *policy.Store
}

func New(fetcher *httpfetch.Fetcher, policyStore *policy.Store) *Adapter {
	return &Adapter{Fetcher: fetcher, Policy: policyStore}
}

func (a *Adapter) Run(ctx context.Context, workDir string, auth sources.Auth, target string, params sources.Params, reporter *progress.Reporter, stop *stoptoken.Token) (sources.DownloadedComic, error) {
	id, err := sources.CanonicalID("nhentai", target)
	if err != nil {
		return sources.DownloadedComic{}, err
	}

	apiBase := auth["apiBaseUrl"]
	if apiBase == "" {
		apiBase = defaultAPIBase
	}
	coverBase := auth["coverBaseUrl"]
	if coverBase == "" {
		coverBase = defaultCoverBase
	}
	pageBase := auth["pageBaseUrl"]
	if pageBase == "" {
		pageBase = defaultPageBase
	}

	digits := sources.DigitsOf(target)
	apiURL := fmt.Sprintf("%s/%s", apiBase, digits)

	res, err := a.Fetcher.GetBytesWithRetry(ctx, apiURL, nil, 25*time.Second, 0, a.Policy.Get().FileRetries("nhentai"), stop)
	if err != nil {
		return sources.DownloadedComic{}, err
	}

	var gallery galleryResponse
	if jsonErr := json.Unmarshal(res.Body, &gallery); jsonErr != nil {
		return sources.DownloadedComic{}, sources.NewUpstreamError("non-JSON gallery response", httpfetch.Snippet(res.Body))
	}
	if len(gallery.MediaID) == 0 {
		return sources.DownloadedComic{}, sources.NewUpstreamError("missing media_id", httpfetch.Snippet(res.Body))
	}
	mediaID := strings.Trim(string(gallery.MediaID), `"`)

	if err := sources.EnsureDir(filepath.Join(workDir, "pages")); err != nil {
		return sources.DownloadedComic{}, err
	}

	total := int64(1 + len(gallery.Images.Pages))
	if err := reporter.SetTotal(total); err != nil {
		return sources.DownloadedComic{}, err
	}
	if err := reporter.EnsureProgressAtLeast(int64(sources.CountAlreadyDownloaded(workDir))); err != nil {
		return sources.DownloadedComic{}, err
	}

	type job struct {
		uri  string
		dst  string
		stem string
	}
	var jobs []job

	coverExt, err := extFor(gallery.Images.Cover.T)
	if err != nil {
		return sources.DownloadedComic{}, err
	}
	jobs = append(jobs, job{
		uri:  fmt.Sprintf("%s/%s/cover.%s", coverBase, mediaID, coverExt),
		dst:  filepath.Join(workDir, "cover.jpg"),
		stem: "cover",
	})

	for i, p := range gallery.Images.Pages {
		ext, extErr := extFor(p.T)
		if extErr != nil {
			return sources.DownloadedComic{}, extErr
		}
		n := i + 1
		jobs = append(jobs, job{
			uri:  fmt.Sprintf("%s/%s/%d.%s", pageBase, mediaID, n, ext),
			dst:  filepath.Join(workDir, "pages", fmt.Sprintf("%d.%s", n, ext)),
			stem: strconv.Itoa(n),
		})
	}

	pagesDir := filepath.Join(workDir, "pages")
	retries := a.Policy.Get().FileRetries("nhentai")
	concurrency := a.Policy.Get().FileConcurrent("nhentai")

	err = fanout.ForEachConcurrent(ctx, jobs, concurrency, func(jobCtx context.Context, j job) error {
		checkDir := pagesDir
		if j.stem == "cover" {
			checkDir = workDir
		}
		if _, exists := sources.PageFileExists(checkDir, j.stem); exists {
			return nil
		}
		if downloadErr := a.Fetcher.DownloadToFile(jobCtx, j.uri, j.dst, nil, 5*time.Minute, 0, retries, stop); downloadErr != nil {
			return downloadErr
		}
		return reporter.Advance(1)
	}, stop, nil)
	if err != nil {
		return sources.DownloadedComic{}, err
	}

	title := gallery.Title.English
	if title == "" {
		title = gallery.Title.Pretty
	}
	tags := make([]string, 0, len(gallery.Tags))
	for _, t := range gallery.Tags {
		tags = append(tags, t.Name)
	}

	return sources.DownloadedComic{
		ID:             id,
		Title:          title,
		Subtitle:       "",
		Type:           4,
		Tags:           tags,
		Directory:      sources.SafeID(id),
		DownloadedJSON: res.Body,
	}, nil
}
