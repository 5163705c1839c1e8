// Package picacg implements the picacg pipeline: every request is
// HMAC-SHA256 signed, chapters ("eps") and pages are paginated, and the
// API's native chapter order is reversed to produce display order.
package picacg

import (
	"context"
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
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

type epDoc struct {
	ID    string `json:"_id"`
	Title string `json:"title"`
	Order int    `json:"order"`
}

type epsResponse struct {
	Data struct {
		Eps struct {
			Docs  []epDoc `json:"docs"`
			Page  int     `json:"page"`
			Pages int     `json:"pages"`
		} `json:"eps"`
	} `json:"data"`
}

type mediaRef struct {
	FileServer   string `json:"fileServer"`
	Path         string `json:"path"`
	OriginalName string `json:"originalName"`
}

type pageDoc struct {
	Media mediaRef `json:"media"`
}

type pagesResponse struct {
	Data struct {
		Pages struct {
			Docs  []pageDoc `json:"docs"`
			Page  int       `json:"page"`
			Pages int       `json:"pages"`
		} `json:"pages"`
	} `json:"data"`
}

type albumResponse struct {
	Data struct {
		Comic struct {
			Title      string   `json:"title"`
			Author     string   `json:"author"`
			Categories []string `json:"categories"`
			Tags       []string `json:"tags"`
			Thumb      mediaRef `json:"thumb"`
		} `json:"comic"`
	} `json:"data"`
}

// Adapter implements sources.Adapter for picacg.
type Adapter struct {
	Fetcher *httpfetch.Fetcher
	Policy  *policy.Store
}

func New(fetcher *httpfetch.Fetcher, policyStore *policy.Store) *Adapter {
	return &Adapter{Fetcher: fetcher, Policy: policyStore}
}

func (a *Adapter) Run(ctx context.Context, workDir string, auth sources.Auth, target string, params sources.Params, reporter *progress.Reporter, stop *stoptoken.Token) (sources.DownloadedComic, error) {
	id, err := sources.CanonicalID("picacg", target)
	if err != nil {
		return sources.DownloadedComic{}, err
	}

	apiBase, err := sources.RequireAuth(auth, "apiBaseUrl")
	if err != nil {
		return sources.DownloadedComic{}, err
	}
	apiKey, err := sources.RequireAuth(auth, "apiKey")
	if err != nil {
		return sources.DownloadedComic{}, err
	}
	secretKey, err := sources.RequireAuth(auth, "secretKey")
	if err != nil {
		return sources.DownloadedComic{}, err
	}
	token, err := sources.RequireAuth(auth, "token")
	if err != nil {
		return sources.DownloadedComic{}, err
	}
	appUUID := auth["appUuid"]
	appChannel := auth["appChannel"]
	imageQuality := auth["imageQuality"]
	if imageQuality == "" {
		imageQuality = "original"
	}

	retries := a.Policy.Get().FileRetries("picacg")

	album, err := a.get(ctx, apiBase, "/album/"+target, apiKey, secretKey, token, appUUID, appChannel, imageQuality, retries, stop, &albumResponse{})
	if err != nil {
		return sources.DownloadedComic{}, err
	}
	albumData := album.(*albumResponse)

	var allEps []epDoc
	for page := 1; ; page++ {
		path := fmt.Sprintf("/album/%s/eps?page=%d", target, page)
		res, epsErr := a.get(ctx, apiBase, path, apiKey, secretKey, token, appUUID, appChannel, imageQuality, retries, stop, &epsResponse{})
		if epsErr != nil {
			return sources.DownloadedComic{}, epsErr
		}
		epsData := res.(*epsResponse)
		allEps = append(allEps, epsData.Data.Eps.Docs...)
		if epsData.Data.Eps.Pages <= page {
			break
		}
	}

	// API order is ascending upload order; display order is the reverse.
	display := make([]epDoc, len(allEps))
	for i, e := range allEps {
		display[len(allEps)-1-i] = e
	}

	selected := sources.SelectedEps(len(display), params.Eps)

	type pageJob struct {
		epNo int
		uri  string
		dst  string
		stem string
	}
	var jobs []pageJob

	for _, idx := range selected {
		ep := display[idx]
		epNo := idx + 1
		for page := 1; ; page++ {
			path := fmt.Sprintf("/album/%s/order/%d/pages?page=%d", target, ep.Order, page)
			res, pagesErr := a.get(ctx, apiBase, path, apiKey, secretKey, token, appUUID, appChannel, imageQuality, retries, stop, &pagesResponse{})
			if pagesErr != nil {
				return sources.DownloadedComic{}, pagesErr
			}
			pagesData := res.(*pagesResponse)
			for i, doc := range pagesData.Data.Pages.Docs {
				n := i + 1
				ext := filepath.Ext(doc.Media.OriginalName)
				if ext == "" {
					ext = ".jpg"
				}
				jobs = append(jobs, pageJob{
					epNo: epNo,
					uri:  strings.TrimRight(doc.Media.FileServer, "/") + "/static/" + doc.Media.Path,
					dst:  filepath.Join(workDir, "pages", strconv.Itoa(epNo), fmt.Sprintf("%d%s", n, ext)),
					stem: strconv.Itoa(n),
				})
			}
			if pagesData.Data.Pages.Pages <= page {
				break
			}
		}
	}

	if err := sources.EnsureDir(filepath.Join(workDir, "pages")); err != nil {
		return sources.DownloadedComic{}, err
	}
	if err := reporter.SetTotal(int64(len(jobs) + 1)); err != nil {
		return sources.DownloadedComic{}, err
	}
	if err := reporter.EnsureProgressAtLeast(int64(sources.CountAlreadyDownloaded(workDir))); err != nil {
		return sources.DownloadedComic{}, err
	}

	coverURL := strings.TrimRight(albumData.Data.Comic.Thumb.FileServer, "/") + "/static/" + albumData.Data.Comic.Thumb.Path
	coverDst := filepath.Join(workDir, "cover.jpg")
	if _, exists := sources.PageFileExists(workDir, "cover"); !exists {
		if dlErr := a.Fetcher.DownloadToFile(ctx, coverURL, coverDst, nil, 25*time.Second, 0, retries, stop); dlErr != nil {
			return sources.DownloadedComic{}, dlErr
		}
		if advErr := reporter.Advance(1); advErr != nil {
			return sources.DownloadedComic{}, advErr
		}
	}

	concurrency := a.Policy.Get().FileConcurrent("picacg")
	err = fanout.ForEachConcurrent(ctx, jobs, concurrency, func(jobCtx context.Context, j pageJob) error {
		dir := filepath.Dir(j.dst)
		if _, exists := sources.PageFileExists(dir, j.stem); exists {
			return nil
		}
		if mkErr := sources.EnsureDir(dir); mkErr != nil {
			return mkErr
		}
		if dlErr := a.Fetcher.DownloadToFile(jobCtx, j.uri, j.dst, nil, 5*time.Minute, 0, retries, stop); dlErr != nil {
			return dlErr
		}
		return reporter.Advance(1)
	}, stop, nil)
	if err != nil {
		return sources.DownloadedComic{}, err
	}

	tags := append([]string{}, albumData.Data.Comic.Categories...)
	tags = append(tags, albumData.Data.Comic.Tags...)

	return sources.DownloadedComic{
		ID:             id,
		Title:          albumData.Data.Comic.Title,
		Subtitle:       albumData.Data.Comic.Author,
		Type:           0,
		Tags:           tags,
		Directory:      sources.SafeID(id),
		DownloadedJSON: mustMarshal(albumData),
	}, nil
}

func (a *Adapter) get(ctx context.Context, apiBase, path, apiKey, secretKey, token, appUUID, appChannel, imageQuality string, retries int, stop *stoptoken.Token, into interface{}) (interface{}, error) {
	ts := strconv.FormatInt(time.Now().Unix(), 10)
	nonce := randomNonceHex()
	headers := signedHeaders(path, ts, nonce, apiKey, secretKey, token, appUUID, appChannel, imageQuality)

	res, err := a.Fetcher.GetBytesWithRetry(ctx, apiBase+path, headers, 25*time.Second, 0, retries, stop)
	if err != nil {
		return nil, err
	}
	if jsonErr := json.Unmarshal(res.Body, into); jsonErr != nil {
		return nil, sources.NewUpstreamError("non-JSON response", httpfetch.Snippet(res.Body))
	}
	return into, nil
}

func signedHeaders(path, ts, nonce, apiKey, secretKey, token, appUUID, appChannel, imageQuality string) map[string]string {
	raw := strings.ToLower(path + ts + nonce + "GET" + apiKey)
	mac := hmac.New(sha256.New, []byte(secretKey))
	mac.Write([]byte(raw))
	signature := hex.EncodeToString(mac.Sum(nil))

	return map[string]string{
		"time":          ts,
		"nonce":         nonce,
		"api-key":       apiKey,
		"signature":     signature,
		"tokenparam":    token,
		"image-quality": imageQuality,
		"app-uuid":      appUUID,
		"app-channel":   appChannel,
	}
}

func randomNonceHex() string {
	b := make([]byte, 16)
	_, _ = rand.Read(b)
	return hex.EncodeToString(b)
}

func mustMarshal(v interface{}) []byte {
	b, err := json.Marshal(v)
	if err != nil {
		return []byte("{}")
	}
	return b
}
