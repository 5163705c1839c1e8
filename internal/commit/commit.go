// Package commit implements the rename-then-insert sequence (spec §4.8)
// that publishes a task's staging directory as a library entry,
// modeled on the teacher's Downloader finalization step
// (file.MarkCached + files.Update) generalized from "mark row cached"
// to "rename staging dir into place and insert the library row".
package commit

import (
	"encoding/json"
	"os"
	"path/filepath"

	"github.com/pica/comics-server/internal/domain"
	"github.com/pica/comics-server/internal/domain/repository"
	"github.com/pica/comics-server/internal/sources"
)

// Commit moves stagingDir (<storage>/tasks/<taskId>/) to its final
// library location (<storage>/comics/<safeId>/), computes its on-disk
// size, resolves a cover path, and upserts the library row. It returns
// the committed LibraryRow.
func Commit(comics repository.ComicRepository, storageDir string, stagingDir string, dc sources.DownloadedComic, nowMillis int64) (*domain.LibraryRow, error) {
	safeID := sources.SafeID(dc.ID)
	comicDir := filepath.Join(storageDir, "comics", safeID)

	if _, err := os.Stat(comicDir); err == nil {
		if rmErr := os.RemoveAll(comicDir); rmErr != nil {
			return nil, rmErr
		}
	}
	if err := os.MkdirAll(filepath.Dir(comicDir), 0o755); err != nil {
		return nil, err
	}
	if err := os.Rename(stagingDir, comicDir); err != nil {
		return nil, err
	}

	size, err := dirSize(filepath.Join(comicDir, "pages"))
	if err != nil {
		return nil, err
	}

	coverPath := ""
	if p := filepath.Join(comicDir, "cover.jpg"); fileExists(p) {
		coverPath = p
	} else if p := filepath.Join(comicDir, "pages", "cover.jpg"); fileExists(p) {
		coverPath = p
	}

	metaJSON, err := json.Marshal(dc)
	if err != nil {
		return nil, err
	}

	row := &domain.LibraryRow{
		ID:        dc.ID,
		Title:     dc.Title,
		Subtitle:  dc.Subtitle,
		Type:      dc.Type,
		Tags:      dc.Tags,
		Directory: safeID,
		Time:      nowMillis,
		Size:      size,
		MetaJSON:  string(metaJSON),
		CoverPath: coverPath,
	}
	if err := comics.Upsert(row); err != nil {
		return nil, err
	}
	return row, nil
}

func fileExists(p string) bool {
	info, err := os.Stat(p)
	return err == nil && !info.IsDir()
}

func dirSize(dir string) (int64, error) {
	var total int64
	err := filepath.WalkDir(dir, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			if os.IsNotExist(err) {
				return nil
			}
			return err
		}
		if d.IsDir() {
			return nil
		}
		info, err := d.Info()
		if err != nil {
			return err
		}
		total += info.Size()
		return nil
	})
	if err != nil && !os.IsNotExist(err) {
		return 0, err
	}
	return total, nil
}
