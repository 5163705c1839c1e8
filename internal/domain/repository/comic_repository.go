package repository

import "github.com/pica/comics-server/internal/domain"

// ComicRepository defines the interface for the committed library table.
type ComicRepository interface {
	// GetByID retrieves a library row by canonical id.
	GetByID(id string) (*domain.LibraryRow, error)

	// Exists reports whether a library row exists for id.
	Exists(id string) (bool, error)

	// Upsert inserts or replaces a library row (the commit's INSERT OR REPLACE).
	Upsert(row *domain.LibraryRow) error
}
