// Package sources defines the contract every per-source download
// pipeline implements, plus the helpers shared across all six adapters:
// canonical id derivation, the filesystem-safe escaping of that id, and
// the resume-floor scan of a staging directory.
package sources

import (
	"context"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"

	"github.com/pica/comics-server/internal/domain"
	"github.com/pica/comics-server/internal/progress"
	"github.com/pica/comics-server/internal/stoptoken"
)

// DownloadedComic is the adapter-to-commit contract: everything an
// adapter learns about a comic during a run, to be persisted as the
// library row's metadata once the staging directory is committed.
type DownloadedComic struct {
	ID             string
	Title          string
	Subtitle       string
	Type           int
	Tags           []string
	Directory      string
	DownloadedJSON []byte
}

// Auth is the opaque, source-specific credential map pulled verbatim
// from the auth store. Adapters pick the keys they need and return an
// ArgumentError naming the missing key.
type Auth map[string]string

// Params is the parsed task params (see domain.TaskParams): currently
// only the optional chapter selection is shared across adapters.
type Params struct {
	Eps []int
}

// Adapter is implemented once per upstream source. Run must never
// write outside workDir, must call progress.SetTotal once work is
// known, must call progress.EnsureProgressAtLeast(CountAlreadyDownloaded(workDir))
// before starting new transfers so a resumed run does not redo
// completed files, and must propagate stoptoken.Stopped unchanged.
type Adapter interface {
	Run(ctx context.Context, workDir string, auth Auth, target string, params Params, reporter *progress.Reporter, stop *stoptoken.Token) (DownloadedComic, error)
}

// ArgumentError marks a failure that must never be retried: a bad
// scheme, a bad id, or a missing required auth key.
type ArgumentError struct{ msg string }

func (e *ArgumentError) Error() string { return e.msg }

// NewMissingAuthError reports a missing auth key as an ArgumentError in
// the spec's required "missing auth.<key>" shape.
func NewMissingAuthError(key string) error {
	return &ArgumentError{msg: "missing auth." + key}
}

// NewArgumentError wraps an arbitrary non-retryable argument problem.
func NewArgumentError(msg string) error { return &ArgumentError{msg: msg} }

// UpstreamError marks an "upstream invariant broken" failure: a
// non-JSON body from a JSON endpoint, a missing required field, an
// image-limit guard, or a descramble failure. Snippet is pre-truncated
// to <=240 chars so it is safe to embed directly into a task message.
type UpstreamError struct {
	msg     string
	Snippet string
}

func (e *UpstreamError) Error() string {
	if e.Snippet != "" {
		return e.msg + ": " + e.Snippet
	}
	return e.msg
}

// NewUpstreamError builds an UpstreamError carrying an optional body
// snippet for diagnostics.
func NewUpstreamError(msg, snippet string) error {
	return &UpstreamError{msg: msg, Snippet: snippet}
}

// RequireAuth fetches key from auth, or returns NewMissingAuthError(key).
func RequireAuth(auth Auth, key string) (string, error) {
	v, ok := auth[key]
	if !ok || v == "" {
		return "", NewMissingAuthError(key)
	}
	return v, nil
}

// SafeID replaces every character not in [A-Za-z0-9._-] with '_', the
// mapping from a canonical comic id to its on-disk directory name.
func SafeID(id string) string {
	return domain.SafeID(id)
}

var digitsRe = regexp.MustCompile(`\d+`)

// DigitsOf extracts the first run of digits in s, used by the sources
// whose canonical id is a fixed prefix plus the numeric target.
func DigitsOf(s string) string {
	return digitsRe.FindString(s)
}

// CanonicalID implements the per-source id table from §4.5: jm, hitomi,
// htmanga and nhentai prefix the numeric target; picacg's id is the
// opaque target verbatim; ehentai's id is the gallery id taken from the
// /g/<gid>/ segment of the gallery URL.
func CanonicalID(source, target string) (string, error) {
	switch source {
	case "picacg":
		if target == "" {
			return "", NewArgumentError("empty target")
		}
		return target, nil
	case "jm":
		d := DigitsOf(target)
		if d == "" {
			return "", NewArgumentError("target has no numeric id: " + target)
		}
		return "jm" + d, nil
	case "hitomi":
		d := DigitsOf(target)
		if d == "" {
			return "", NewArgumentError("target has no numeric id: " + target)
		}
		return "hitomi" + d, nil
	case "htmanga":
		d := DigitsOf(target)
		if d == "" {
			return "", NewArgumentError("target has no numeric id: " + target)
		}
		return "Ht" + d, nil
	case "nhentai":
		d := DigitsOf(target)
		if d == "" {
			return "", NewArgumentError("target has no numeric id: " + target)
		}
		return "nhentai" + d, nil
	case "ehentai":
		m := regexp.MustCompile(`/g/(\d+)`).FindStringSubmatch(target)
		if m == nil {
			return "", NewArgumentError("target has no gallery id: " + target)
		}
		return m[1], nil
	default:
		return "", NewArgumentError("unknown source: " + source)
	}
}

// CountAlreadyDownloaded walks workDir/pages (and checks for a
// pre-existing cover.jpg) and returns the number of non-empty files
// already on disk, used to raise the resume floor before new transfers
// start so a resumed task does not redo completed work.
func CountAlreadyDownloaded(workDir string) int {
	n := 0
	if info, err := os.Stat(filepath.Join(workDir, "cover.jpg")); err == nil && info.Size() > 0 {
		n++
	}
	pagesDir := filepath.Join(workDir, "pages")
	filepath.WalkDir(pagesDir, func(path string, d os.DirEntry, err error) error {
		if err != nil || d.IsDir() {
			return nil
		}
		if info, statErr := d.Info(); statErr == nil && info.Size() > 0 {
			n++
		}
		return nil
	})
	return n
}

// PageFileExists reports whether a page file with the given base name
// (extension-agnostic) is already present and non-empty under dir, used
// by jobs to skip already-completed transfers on resume.
func PageFileExists(dir string, baseName string) (string, bool) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return "", false
	}
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		name := e.Name()
		stem := strings.TrimSuffix(name, filepath.Ext(name))
		if stem != baseName {
			continue
		}
		info, err := e.Info()
		if err != nil || info.Size() == 0 {
			continue
		}
		return filepath.Join(dir, name), true
	}
	return "", false
}

// SelectedEps filters the ordered chapter index list [0,n) down to
// params.Eps when non-empty, preserving ascending order; an empty or
// nil Eps means "all chapters".
func SelectedEps(n int, eps []int) []int {
	if len(eps) == 0 {
		out := make([]int, n)
		for i := range out {
			out[i] = i
		}
		return out
	}
	want := map[int]bool{}
	for _, e := range eps {
		want[e] = true
	}
	var out []int
	for i := 0; i < n; i++ {
		if want[i] {
			out = append(out, i)
		}
	}
	return out
}

// EnsureDir creates dir (and parents) if absent.
func EnsureDir(dir string) error {
	return os.MkdirAll(dir, 0o755)
}

// ExtFromContentType maps a handful of common image content types to a
// file extension, falling back to "jpg" for any image/* type we don't
// special-case and erroring for anything that isn't an image.
func ExtFromContentType(contentType string) (string, error) {
	ct := strings.ToLower(strings.SplitN(contentType, ";", 2)[0])
	ct = strings.TrimSpace(ct)
	switch ct {
	case "image/jpeg", "image/jpg":
		return "jpg", nil
	case "image/png":
		return "png", nil
	case "image/gif":
		return "gif", nil
	case "image/webp":
		return "webp", nil
	}
	if strings.HasPrefix(ct, "image/") {
		return "jpg", nil
	}
	return "", NewUpstreamError("non-image content-type", ct)
}

// FormatEpDir returns the chapter subdirectory name for a 1-based
// display-order chapter number.
func FormatEpDir(epNo int) string {
	return strconv.Itoa(epNo)
}

// WriteFileAtomic writes data to a temp file in dst's directory and
// renames it into place, so a job that fails or is canceled mid-write
// never leaves a half-written page file behind under its final name.
func WriteFileAtomic(dst string, data []byte) error {
	if err := EnsureDir(filepath.Dir(dst)); err != nil {
		return err
	}
	tmp := dst + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, dst)
}
