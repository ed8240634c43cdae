package models

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// Request types recorded in the api_requests ledger.
const (
	RequestTypeOAuthToken = "oauth_token"
	RequestTypeSearch     = "search"
)

// APIRequest is one row of the append-only upstream request ledger. One row
// is written per attempt, success or failure; application logic never updates
// or deletes rows.
type APIRequest struct {
	ID            uuid.UUID       `json:"id" db:"id"`
	RequestType   string          `json:"request_type" db:"request_type"`
	Endpoint      string          `json:"endpoint" db:"endpoint"`
	StatusCode    *int            `json:"status_code" db:"status_code"`
	DurationMS    int             `json:"duration_ms" db:"duration_ms"`
	RequestParams json.RawMessage `json:"request_params" db:"request_params"`
	ErrorMessage  string          `json:"error_message" db:"error_message"`
	JobID         string          `json:"job_id" db:"job_id"`
	CreatedAt     time.Time       `json:"created_at" db:"created_at"`
}
