package sqlite

import (
	"database/sql"
	"encoding/json"

	"github.com/pica/comics-server/internal/domain"
)

const comicColumns = `id, title, subtitle, type, tags, directory, time, size, meta_json, cover_path`

func scanComic(row *sql.Row) (*domain.LibraryRow, error) {
	var r domain.LibraryRow
	var tags string
	var coverPath sql.NullString

	err := row.Scan(&r.ID, &r.Title, &r.Subtitle, &r.Type, &tags, &r.Directory,
		&r.Time, &r.Size, &r.MetaJSON, &coverPath)
	if err == sql.ErrNoRows {
		return nil, domain.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(tags), &r.Tags); err != nil {
		return nil, err
	}
	if coverPath.Valid {
		r.CoverPath = coverPath.String
	}
	return &r, nil
}

// GetByID retrieves a committed library row by canonical id.
func (s *Store) GetByID(id string) (*domain.LibraryRow, error) {
	row := s.db.QueryRow("SELECT "+comicColumns+" FROM comics WHERE id = ?", id)
	return scanComic(row)
}

// Exists reports whether a library row is already committed for id.
func (s *Store) Exists(id string) (bool, error) {
	var n int
	err := s.db.QueryRow("SELECT COUNT(*) FROM comics WHERE id = ?", id).Scan(&n)
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// Upsert inserts or replaces the library row for row.ID, the write path
// commit uses once a staging directory has been renamed into place.
func (s *Store) Upsert(row *domain.LibraryRow) error {
	tags, err := json.Marshal(row.Tags)
	if err != nil {
		return err
	}
	if row.MetaJSON == "" {
		row.MetaJSON = "{}"
	}
	_, err = s.db.Exec(`
		INSERT INTO comics (id, title, subtitle, type, tags, directory, time, size, meta_json, cover_path)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			title=excluded.title, subtitle=excluded.subtitle, type=excluded.type,
			tags=excluded.tags, directory=excluded.directory, time=excluded.time,
			size=excluded.size, meta_json=excluded.meta_json, cover_path=excluded.cover_path
	`, row.ID, row.Title, row.Subtitle, row.Type, string(tags), row.Directory,
		row.Time, row.Size, row.MetaJSON, nullableString(row.CoverPath))
	return err
}
