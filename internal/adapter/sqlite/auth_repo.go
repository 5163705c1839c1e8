package sqlite

import (
	"database/sql"
	"encoding/json"
	"time"

	"github.com/pica/comics-server/internal/domain"
)

// Put stores the verbatim credential payload for source, overwriting any
// prior value (a fresh push always wins, since upstream sessions expire
// without notice and the client is expected to re-push on failure).
func (s *Store) Put(source string, payload []byte) error {
	if !json.Valid(payload) {
		return domain.ErrInvalidInput
	}
	_, err := s.db.Exec(`
		INSERT INTO auth_sessions (source, payload, updated_at)
		VALUES (?, ?, ?)
		ON CONFLICT(source) DO UPDATE SET payload=excluded.payload, updated_at=excluded.updated_at
	`, source, string(payload), time.Now().UnixMilli())
	return err
}

// Get retrieves the stored credential record for source.
func (s *Store) Get(source string) (*domain.AuthRecord, error) {
	var payload string
	var updatedAt int64
	err := s.db.QueryRow("SELECT payload, updated_at FROM auth_sessions WHERE source = ?", source).
		Scan(&payload, &updatedAt)
	if err == sql.ErrNoRows {
		return nil, domain.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &domain.AuthRecord{
		Source:    source,
		Payload:   json.RawMessage(payload),
		UpdatedAt: updatedAt,
	}, nil
}
