// Package hitomi implements the hitomi pipeline: gallery JSON fetched
// from a "ltn." subdomain, then a per-image subdomain/path derived from
// a periodically refreshed gg.js script.
package hitomi

import (
	"context"
	"encoding/json"
	"fmt"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/PuerkitoBio/goquery"

	"github.com/pica/comics-server/internal/fanout"
	"github.com/pica/comics-server/internal/httpfetch"
	"github.com/pica/comics-server/internal/policy"
	"github.com/pica/comics-server/internal/progress"
	"github.com/pica/comics-server/internal/sources"
	"github.com/pica/comics-server/internal/stoptoken"
)

const ggRefreshInterval = time.Minute

type galleryFile struct {
	Name string `json:"name"`
	Hash string `json:"hash"`
}

type galleryTag struct {
	Tag string `json:"tag"`
}

type galleryJSON struct {
	ID    json.RawMessage `json:"id"`
	Title string          `json:"title"`
	Files []galleryFile   `json:"files"`
	Tags  []galleryTag    `json:"tags"`
}

// gg holds the parsed gg.js derivation state.
type gg struct {
	numbers    map[int]bool
	b          string
	initialG   int
}

var (
	caseRe = regexp.MustCompile(`case\s+(\d+)\s*:`)
	bRe    = regexp.MustCompile(`b\s*[:=]\s*["']([^"']+)["']`)
	oRe    = regexp.MustCompile(`\bo\s*=\s*(-?\d+)`)
)

func parseGG(src string) gg {
	g := gg{numbers: map[int]bool{}, initialG: 0}
	for _, m := range caseRe.FindAllStringSubmatch(src, -1) {
		if n, err := strconv.Atoi(m[1]); err == nil {
			g.numbers[n] = true
		}
	}
	if m := bRe.FindStringSubmatch(src); m != nil {
		g.b = m[1]
	}
	if m := oRe.FindStringSubmatch(src); m != nil {
		if n, err := strconv.Atoi(m[1]); err == nil {
			g.initialG = n
		}
	}
	return g
}

// s computes the decimal value of the last two bytes of hash with
// their byte order reversed.
func s(hash string) int {
	if len(hash) < 4 {
		return 0
	}
	last4 := hash[len(hash)-4:]
	reversed := last4[2:4] + last4[0:2]
	n, _ := strconv.ParseInt(reversed, 16, 64)
	return int(n)
}

// mm resolves the subdomain bit for g given the gg.js derivation.
func (g gg) mm(v int) int {
	if g.numbers[v] {
		return ^g.initialG & 1
	}
	return g.initialG
}

func (g gg) subdomainLetter(hash string) byte {
	return byte('a' + g.mm(s(hash)))
}

// path renders "<b><s(hash)>/<hash>.<ext>"; ggB already carries its own
// trailing slash, matching gg.js's own string literal.
func (g gg) path(hash, ext string) string {
	return fmt.Sprintf("%s%d/%s.%s", g.b, s(hash), hash, ext)
}

// webpURL and fallbackURL build the two candidate image URLs for one
// file: webp first (subdomain folded to w1/w2), then the original
// extension behind the plain letter subdomain.
func (g gg) webpURL(baseDomain, hash string) string {
	letter := g.subdomainLetter(hash)
	sub := "w2"
	if letter == 'a' {
		sub = "w1"
	}
	return fmt.Sprintf("https://%s.%s/%s", sub, baseDomain, g.path(hash, "webp"))
}

func (g gg) fallbackURL(baseDomain, hash, ext string) string {
	letter := g.subdomainLetter(hash)
	return fmt.Sprintf("https://%c.%s/%s", letter, baseDomain, g.path(hash, ext))
}

func (g gg) thumbURL(baseDomain, hash string) string {
	letter := g.subdomainLetter(hash)
	sub := string(letter) + "tn"
	return fmt.Sprintf("https://%s.%s/%s", sub, baseDomain, g.path(hash, "webp"))
}

// Adapter implements sources.Adapter for hitomi.
type Adapter struct {
	Fetcher *httpfetch.Fetcher
	Policy  *policy.Store

	mu         sync.Mutex
	gg         gg
	ggFetchedAt time.Time
}

func New(fetcher *httpfetch.Fetcher, policyStore *policy.Store) *Adapter {
	return &Adapter{Fetcher: fetcher, Policy: policyStore}
}

func (a *Adapter) loadGG(ctx context.Context, baseDomain string, retries int, stop *stoptoken.Token) (gg, error) {
	a.mu.Lock()
	fresh := time.Since(a.ggFetchedAt) < ggRefreshInterval && a.gg.b != ""
	cached := a.gg
	a.mu.Unlock()
	if fresh {
		return cached, nil
	}

	res, err := a.Fetcher.GetBytesWithRetry(ctx, "https://ltn."+baseDomain+"/gg.js", nil, 25*time.Second, 0, retries, stop)
	if err != nil {
		return gg{}, err
	}
	parsed := parseGG(string(res.Body))
	if parsed.b == "" {
		return gg{}, sources.NewUpstreamError("unparsable gg.js", httpfetch.Snippet(res.Body))
	}

	a.mu.Lock()
	a.gg = parsed
	a.ggFetchedAt = time.Now()
	a.mu.Unlock()
	return parsed, nil
}

// fetchCoverBlockURL fetches /galleryblock/{id}.html and extracts the
// cover image src from its first <img>. The gg.js-derived thumbURL is
// used as a fallback when the block page is missing the tag or the
// fetch itself fails with a non-fatal upstream error.
func (a *Adapter) fetchCoverBlockURL(ctx context.Context, baseDomain, digits string, retries int, stop *stoptoken.Token, fallback string) string {
	res, err := a.Fetcher.GetBytesWithRetry(ctx, fmt.Sprintf("https://ltn.%s/galleryblock/%s.html", baseDomain, digits), nil, 25*time.Second, 0, retries, stop)
	if err != nil {
		return fallback
	}
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(string(res.Body)))
	if err != nil {
		return fallback
	}
	src, ok := doc.Find("img").First().Attr("src")
	if !ok || src == "" {
		return fallback
	}
	if strings.HasPrefix(src, "//") {
		src = "https:" + src
	}
	return src
}

func (a *Adapter) Run(ctx context.Context, workDir string, auth sources.Auth, target string, params sources.Params, reporter *progress.Reporter, stop *stoptoken.Token) (sources.DownloadedComic, error) {
	id, err := sources.CanonicalID("hitomi", target)
	if err != nil {
		return sources.DownloadedComic{}, err
	}
	baseDomain, err := sources.RequireAuth(auth, "baseDomain")
	if err != nil {
		return sources.DownloadedComic{}, err
	}

	digits := sources.DigitsOf(target)
	retries := a.Policy.Get().FileRetries("hitomi")

	res, err := a.Fetcher.GetBytesWithRetry(ctx, fmt.Sprintf("https://ltn.%s/galleries/%s.js", baseDomain, digits), nil, 25*time.Second, 0, retries, stop)
	if err != nil {
		return sources.DownloadedComic{}, err
	}
	body := res.Body
	if idx := indexOfByte(body, '{'); idx >= 0 {
		body = body[idx:]
	}

	var gallery galleryJSON
	if jsonErr := json.Unmarshal(body, &gallery); jsonErr != nil {
		return sources.DownloadedComic{}, sources.NewUpstreamError("non-JSON gallery script", httpfetch.Snippet(body))
	}
	if len(gallery.Files) == 0 {
		return sources.DownloadedComic{}, sources.NewUpstreamError("gallery has no files", "")
	}

	ggState, err := a.loadGG(ctx, baseDomain, retries, stop)
	if err != nil {
		return sources.DownloadedComic{}, err
	}

	tags := make([]string, 0, len(gallery.Tags))
	for _, t := range gallery.Tags {
		tags = append(tags, t.Tag)
	}

	if err := sources.EnsureDir(filepath.Join(workDir, "pages")); err != nil {
		return sources.DownloadedComic{}, err
	}

	fallbackCoverURL := ggState.thumbURL(baseDomain, gallery.Files[0].Hash)
	coverURL := a.fetchCoverBlockURL(ctx, baseDomain, digits, retries, stop, fallbackCoverURL)
	total := int64(len(gallery.Files) + 1)
	if err := reporter.SetTotal(total); err != nil {
		return sources.DownloadedComic{}, err
	}
	if err := reporter.EnsureProgressAtLeast(int64(sources.CountAlreadyDownloaded(workDir))); err != nil {
		return sources.DownloadedComic{}, err
	}

	if _, exists := sources.PageFileExists(workDir, "cover"); !exists {
		if dlErr := a.Fetcher.DownloadToFile(ctx, coverURL, filepath.Join(workDir, "cover.jpg"), nil, 25*time.Second, 0, retries, stop); dlErr != nil {
			return sources.DownloadedComic{}, dlErr
		}
		if advErr := reporter.Advance(1); advErr != nil {
			return sources.DownloadedComic{}, advErr
		}
	}

	type job struct {
		n    int
		hash string
		ext  string
	}
	var jobs []job
	for i, f := range gallery.Files {
		ext := strings.TrimPrefix(filepath.Ext(f.Name), ".")
		if ext == "" {
			ext = "jpg"
		}
		jobs = append(jobs, job{n: i + 1, hash: f.Hash, ext: ext})
	}

	pagesDir := filepath.Join(workDir, "pages")
	err = fanout.ForEachConcurrent(ctx, jobs, a.Policy.Get().FileConcurrent("hitomi"), func(jobCtx context.Context, j job) error {
		stem := strconv.Itoa(j.n)
		if _, exists := sources.PageFileExists(pagesDir, stem); exists {
			return nil
		}
		dst := filepath.Join(pagesDir, stem+".webp")
		webpErr := a.Fetcher.DownloadToFile(jobCtx, ggState.webpURL(baseDomain, j.hash), dst, nil, 5*time.Minute, 0, 0, stop)
		if webpErr != nil {
			fallback := filepath.Join(pagesDir, stem+"."+j.ext)
			if fbErr := a.Fetcher.DownloadToFile(jobCtx, ggState.fallbackURL(baseDomain, j.hash, j.ext), fallback, nil, 5*time.Minute, 0, retries, stop); fbErr != nil {
				return fbErr
			}
		}
		return reporter.Advance(1)
	}, stop, nil)
	if err != nil {
		return sources.DownloadedComic{}, err
	}

	return sources.DownloadedComic{
		ID:             id,
		Title:          gallery.Title,
		Subtitle:       "",
		Type:           5,
		Tags:           tags,
		Directory:      sources.SafeID(id),
		DownloadedJSON: body,
	}, nil
}

func indexOfByte(b []byte, target byte) int {
	for i, c := range b {
		if c == target {
			return i
		}
	}
	return -1
}
