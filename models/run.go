package models

import (
	"encoding/json"
	"fmt"
	"time"
)

// ScanMode selects which collection job a run performs.
type ScanMode string

const (
	// ScanIncremental fetches recently published listings only. Absence from
	// an incremental scan is never evidence of delisting.
	ScanIncremental ScanMode = "daily_new_listings"
	// ScanFull enumerates every listing for a market and is the only mode
	// authoritative for deactivation.
	ScanFull ScanMode = "weekly_full_scan"
)

// ParseScanMode maps a job-type string to a ScanMode.
func ParseScanMode(s string) (ScanMode, error) {
	switch ScanMode(s) {
	case ScanIncremental, ScanFull:
		return ScanMode(s), nil
	}
	return "", fmt.Errorf("unknown job type: %q", s)
}

type RunStatus string

const (
	RunStatusRunning   RunStatus = "running"
	RunStatusCompleted RunStatus = "completed"
	RunStatusFailed    RunStatus = "failed"
)

// CollectionRun is the persisted record of one job run.
type CollectionRun struct {
	ID           int64           `json:"id" db:"id"`
	JobID        string          `json:"job_id" db:"job_id"`
	JobType      ScanMode        `json:"job_type" db:"job_type"`
	Market       string          `json:"market" db:"market"`
	StartedAt    time.Time       `json:"started_at" db:"started_at"`
	FinishedAt   *time.Time      `json:"finished_at" db:"finished_at"`
	Status       RunStatus       `json:"status" db:"status"`
	ErrorMessage string          `json:"error_message" db:"error_message"`
	Metadata     json.RawMessage `json:"metadata" db:"metadata"`
}

// RunSummary is the terminal output of one job run. All counters are reported
// even on partial failure so operators can tell a clean run from a degraded one.
type RunSummary struct {
	JobID       string   `json:"job_id"`
	JobType     ScanMode `json:"job_type"`
	Market      string   `json:"market"`
	Pages       int      `json:"pages"`
	Processed   int      `json:"processed"`
	New         int      `json:"new"`
	Updated     int      `json:"updated"`
	Republished int      `json:"republished"`
	Deactivated int      `json:"deactivated"`
	Skipped     int      `json:"skipped"`
	Failed      int      `json:"failed"`
	APICalls    int64    `json:"api_calls"`
	StartedAt   time.Time `json:"started_at"`
	FinishedAt  time.Time `json:"finished_at"`
	FatalError  string   `json:"fatal_error,omitempty"`
}

// ToJSON returns the summary as JSON metadata for the run record and archive.
func (s *RunSummary) ToJSON() json.RawMessage {
	data, _ := json.Marshal(s)
	return data
}
