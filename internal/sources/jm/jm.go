// Package jm implements the jm pipeline: a token-signed, AES-encrypted
// JSON API plus a per-image horizontal-band descrambling step.
package jm

import (
	"bytes"
	"context"
	"crypto/aes"
	"crypto/md5"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"image"
	"image/draw"
	_ "image/gif"
	"image/jpeg"
	_ "image/png"
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

const defaultScrambleID = 220980

type albumResponse struct {
	Name     string          `json:"name"`
	Author   string          `json:"author"`
	Tags     []string        `json:"tags"`
	Chapters []chapterRef    `json:"chapters"`
	Images   json.RawMessage `json:"images"`
}

type chapterRef struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

type chapterResponse struct {
	Images []string `json:"images"`
}

// Adapter implements sources.Adapter for jm.
type Adapter struct {
	Fetcher *httpfetch.Fetcher
	Policy  *policy.Store
}

func New(fetcher *httpfetch.Fetcher, policyStore *policy.Store) *Adapter {
	return &Adapter{Fetcher: fetcher, Policy: policyStore}
}

func (a *Adapter) Run(ctx context.Context, workDir string, auth sources.Auth, target string, params sources.Params, reporter *progress.Reporter, stop *stoptoken.Token) (sources.DownloadedComic, error) {
	id, err := sources.CanonicalID("jm", target)
	if err != nil {
		return sources.DownloadedComic{}, err
	}

	apiBase, err := sources.RequireAuth(auth, "apiBaseUrl")
	if err != nil {
		return sources.DownloadedComic{}, err
	}
	imgBase, err := sources.RequireAuth(auth, "imgBaseUrl")
	if err != nil {
		return sources.DownloadedComic{}, err
	}
	appVersion, err := sources.RequireAuth(auth, "appVersion")
	if err != nil {
		return sources.DownloadedComic{}, err
	}
	tokenSecret, err := sources.RequireAuth(auth, "tokenSecret")
	if err != nil {
		return sources.DownloadedComic{}, err
	}
	dataSecret, err := sources.RequireAuth(auth, "dataSecret")
	if err != nil {
		return sources.DownloadedComic{}, err
	}

	scrambleID := defaultScrambleID
	if s := auth["scrambleId"]; s != "" {
		if n, convErr := strconv.Atoi(s); convErr == nil {
			scrambleID = n
		}
	}

	retries := a.Policy.Get().FileRetries("jm")
	digits := sources.DigitsOf(target)

	album, err := a.fetchDecrypted(ctx, apiBase+"/album?id="+digits, tokenSecret, dataSecret, appVersion, retries, stop, &albumResponse{})
	if err != nil {
		return sources.DownloadedComic{}, err
	}
	albumData := album.(*albumResponse)

	type chapterWork struct {
		chapterID string
		epNo      int
		images    []string
	}
	var chapters []chapterWork

	if len(albumData.Chapters) == 0 {
		var flat []string
		if len(albumData.Images) > 0 {
			if jsonErr := json.Unmarshal(albumData.Images, &flat); jsonErr != nil {
				return sources.DownloadedComic{}, sources.NewUpstreamError("malformed images list", string(albumData.Images))
			}
		}
		chapters = []chapterWork{{chapterID: digits, epNo: 0, images: flat}}
	} else {
		selected := sources.SelectedEps(len(albumData.Chapters), params.Eps)
		displayOrder := make([]chapterRef, len(albumData.Chapters))
		for i, c := range albumData.Chapters {
			displayOrder[len(albumData.Chapters)-1-i] = c
		}
		for _, idx := range selected {
			ref := displayOrder[idx]
			chResp, chErr := a.fetchDecrypted(ctx, apiBase+"/chapter?id="+ref.ID, tokenSecret, dataSecret, appVersion, retries, stop, &chapterResponse{})
			if chErr != nil {
				return sources.DownloadedComic{}, chErr
			}
			chapters = append(chapters, chapterWork{
				chapterID: ref.ID,
				epNo:      idx + 1,
				images:    chResp.(*chapterResponse).Images,
			})
		}
	}

	total := int64(0)
	for _, c := range chapters {
		total += int64(len(c.images))
	}
	if err := sources.EnsureDir(filepath.Join(workDir, "pages")); err != nil {
		return sources.DownloadedComic{}, err
	}
	if err := reporter.SetTotal(total); err != nil {
		return sources.DownloadedComic{}, err
	}
	if err := reporter.EnsureProgressAtLeast(int64(sources.CountAlreadyDownloaded(workDir))); err != nil {
		return sources.DownloadedComic{}, err
	}

	type job struct {
		chapterID string
		pic       string
		dst       string
		stem      string
		dir       string
	}
	var jobs []job
	for _, c := range chapters {
		var dir string
		if len(albumData.Chapters) == 0 {
			dir = filepath.Join(workDir, "pages")
		} else {
			dir = filepath.Join(workDir, "pages", strconv.Itoa(c.epNo))
		}
		for _, pic := range c.images {
			stem := strings.TrimSuffix(pic, filepath.Ext(pic))
			jobs = append(jobs, job{
				chapterID: c.chapterID,
				pic:       pic,
				dst:       filepath.Join(dir, pic),
				stem:      stem,
				dir:       dir,
			})
		}
	}

	concurrency := a.Policy.Get().FileConcurrent("jm")
	chapterIDInt, _ := strconv.Atoi(digits)

	err = fanout.ForEachConcurrent(ctx, jobs, concurrency, func(jobCtx context.Context, j job) error {
		if _, exists := sources.PageFileExists(j.dir, j.stem); exists {
			return nil
		}
		if mkErr := sources.EnsureDir(j.dir); mkErr != nil {
			return mkErr
		}

		uri := imgBase + "/media/photos/" + j.chapterID + "/" + j.pic
		res, getErr := a.Fetcher.GetBytesWithRetry(jobCtx, uri, nil, 5*time.Minute, 0, retries, stop)
		if getErr != nil {
			return getErr
		}
		if _, extErr := sources.ExtFromContentType(res.ContentType); extErr != nil {
			return extErr
		}

		chID := chapterIDInt
		if n, convErr := strconv.Atoi(j.chapterID); convErr == nil {
			chID = n
		}
		n := segmentCount(chID, j.pic, scrambleID)
		out, descrambleErr := descramble(res.Body, n)
		if descrambleErr != nil {
			return descrambleErr
		}
		if writeErr := writeFile(j.dst, out); writeErr != nil {
			return writeErr
		}
		return reporter.Advance(1)
	}, stop, nil)
	if err != nil {
		return sources.DownloadedComic{}, err
	}

	return sources.DownloadedComic{
		ID:             id,
		Title:          albumData.Name,
		Subtitle:       albumData.Author,
		Type:           2,
		Tags:           albumData.Tags,
		Directory:      sources.SafeID(id),
		DownloadedJSON: mustMarshal(albumData),
	}, nil
}

func (a *Adapter) fetchDecrypted(ctx context.Context, uri, tokenSecret, dataSecret, appVersion string, retries int, stop *stoptoken.Token, into interface{}) (interface{}, error) {
	ts := strconv.FormatInt(time.Now().Unix(), 10)
	token := md5Hex(ts + tokenSecret)
	headers := map[string]string{
		"token":      token,
		"tokenparam": ts + "," + appVersion,
	}

	res, err := a.Fetcher.GetBytesWithRetry(ctx, uri, headers, 25*time.Second, 0, retries, stop)
	if err != nil {
		return nil, err
	}

	decoded, err := base64.StdEncoding.DecodeString(strings.TrimSpace(string(res.Body)))
	if err != nil {
		return nil, sources.NewUpstreamError("non-base64 response", httpfetch.Snippet(res.Body))
	}

	key := []byte(md5Hex(ts + dataSecret))[:16]
	plain, err := decryptECB(decoded, key)
	if err != nil {
		return nil, sources.NewUpstreamError("decrypt failed", err.Error())
	}

	trimmed := trimToLastBrace(plain)
	if jsonErr := json.Unmarshal(trimmed, into); jsonErr != nil {
		return nil, sources.NewUpstreamError("non-JSON decrypted response", httpfetch.Snippet(trimmed))
	}
	return into, nil
}

func md5Hex(s string) string {
	sum := md5.Sum([]byte(s))
	return hex.EncodeToString(sum[:])
}

func decryptECB(ciphertext, key []byte) ([]byte, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	if len(ciphertext)%block.BlockSize() != 0 {
		return nil, fmt.Errorf("ciphertext is not a multiple of the block size")
	}
	plain := make([]byte, len(ciphertext))
	bs := block.BlockSize()
	for i := 0; i < len(ciphertext); i += bs {
		block.Decrypt(plain[i:i+bs], ciphertext[i:i+bs])
	}
	return pkcs7Unpad(plain, bs)
}

func pkcs7Unpad(data []byte, blockSize int) ([]byte, error) {
	if len(data) == 0 || len(data)%blockSize != 0 {
		return data, nil
	}
	pad := int(data[len(data)-1])
	if pad == 0 || pad > blockSize || pad > len(data) {
		return data, nil
	}
	return data[:len(data)-pad], nil
}

// trimToLastBrace strips anything after the last '}' or ']', the
// right-trim of decrypted padding noise the spec requires before
// handing the buffer to the JSON decoder.
func trimToLastBrace(b []byte) []byte {
	last := bytes.LastIndexAny(b, "}]")
	if last < 0 {
		return b
	}
	return b[:last+1]
}

// segmentCount derives N per §4.5.3's three-branch rule.
func segmentCount(chapterID int, pictureName string, scrambleID int) int {
	if chapterID < scrambleID {
		return 0
	}
	if chapterID < 268850 {
		return 10
	}
	h := md5Hex(strconv.Itoa(chapterID) + pictureName)
	c := int(h[len(h)-1])
	if chapterID > 421926 {
		return (c%8)*2 + 2
	}
	return (c%10)*2 + 2
}

// descramble reconstructs the original image from n horizontal bands
// stacked in reverse order, re-encoding the result as JPEG. n<=1 is a
// no-op re-encode.
func descramble(raw []byte, n int) ([]byte, error) {
	img, _, err := image.Decode(bytes.NewReader(raw))
	if err != nil {
		return nil, sources.NewUpstreamError("unreadable image", err.Error())
	}
	if n <= 1 {
		return encodeJPEG(img)
	}

	bounds := img.Bounds()
	w, h := bounds.Dx(), bounds.Dy()
	bandHeight := h / n
	residual := h % n

	out := image.NewRGBA(bounds)
	destY := 0
	for band := n - 1; band >= 0; band-- {
		srcY0 := band * bandHeight
		height := bandHeight
		if band == n-1 {
			height += residual
		}
		srcRect := image.Rect(0, srcY0, w, srcY0+height)
		dstRect := image.Rect(0, destY, w, destY+height)
		draw.Draw(out, dstRect, img, srcRect.Min, draw.Src)
		destY += height
	}
	return encodeJPEG(out)
}

func encodeJPEG(img image.Image) ([]byte, error) {
	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, img, &jpeg.Options{Quality: 92}); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func writeFile(dst string, data []byte) error {
	return sources.WriteFileAtomic(dst, data)
}

func mustMarshal(v interface{}) []byte {
	b, err := json.Marshal(v)
	if err != nil {
		return []byte("{}")
	}
	return b
}
