package models

import (
	"time"

	"github.com/google/uuid"
)

const (
	AnalysisStatusPending    = "pending"
	AnalysisStatusProcessing = "processing"
	AnalysisStatusDone       = "done"
	AnalysisStatusFailed     = "failed"
)

// SamplingParams records the frame sampling configuration of an attempt.
// Informational only; the tier list in config is authoritative.
type SamplingParams struct {
	Rate             string `json:"fps"`
	MaxFrames        int    `json:"frames"`
	Width            int    `json:"width"`
	HighDetailFrames int    `json:"high_detail_frames"`
	Tier             int    `json:"tier"`
}

// Analysis is one attempt (or cached result) of analysing a specific video.
// At most one analysis per video may be pending or processing at any time.
type Analysis struct {
	ID           uuid.UUID      `db:"id"            json:"id"`
	VideoID      int64          `db:"video_id"      json:"video_id"`
	Status       string         `db:"status"        json:"status"`
	Version      int            `db:"version"       json:"version"`
	Model        string         `db:"model"         json:"model"`
	Params       SamplingParams `db:"params"        json:"params"`
	Report       *Report        `db:"report"        json:"report,omitempty"`
	ErrorMessage *string        `db:"error_message" json:"error_message,omitempty"`
	StartedAt    *time.Time     `db:"started_at"    json:"started_at,omitempty"`
	CompletedAt  *time.Time     `db:"completed_at"  json:"completed_at,omitempty"`
	CreatedAt    time.Time      `db:"created_at"    json:"created_at"`
	UpdatedAt    time.Time      `db:"updated_at"    json:"updated_at"`
}

// IsActive reports whether the analysis still blocks new work on its video.
func (a *Analysis) IsActive() bool {
	return a.Status == AnalysisStatusPending || a.Status == AnalysisStatusProcessing
}

// CacheableAt reports whether a done analysis can be served for the given version.
func (a *Analysis) CacheableAt(version int) bool {
	return a.Status == AnalysisStatusDone && a.Version == version && a.Report.Usable()
}
