package domain

import "encoding/json"

// AuthRecord is a verbatim, plaintext credential blob stored per source
// for the REST control plane's PUT/GET /auth/{source} endpoints.
type AuthRecord struct {
	Source    string
	Payload   json.RawMessage
	UpdatedAt int64
}
