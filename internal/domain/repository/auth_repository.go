package repository

import "github.com/pica/comics-server/internal/domain"

// AuthRepository stores verbatim per-source credential blobs.
type AuthRepository interface {
	Put(source string, payload []byte) error
	Get(source string) (*domain.AuthRecord, error)
}
