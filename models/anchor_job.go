package models

import "time"

// AnchorJobStatus is the state of a persisted unit of anchoring work.
type AnchorJobStatus string

const (
	AnchorJobQueued  AnchorJobStatus = "queued"
	AnchorJobRunning AnchorJobStatus = "running"
	AnchorJobDone    AnchorJobStatus = "done"
	AnchorJobFailed  AnchorJobStatus = "failed"
)

// AnchorJob is keyed by report ID; there is at most one per report.
type AnchorJob struct {
	ReportID   string          `json:"report_id" db:"report_id"`
	Status     AnchorJobStatus `json:"status" db:"status"`
	Attempts   int             `json:"attempts" db:"attempts"`
	LastError  *string         `json:"last_error" db:"last_error"`
	LeaseUntil *time.Time      `json:"lease_until" db:"lease_until"`
	LastTx     *string         `json:"last_tx,omitempty" db:"last_tx"` // most recent ledger write sent
	CreatedAt  time.Time       `json:"created_at" db:"created_at"`
	UpdatedAt  time.Time       `json:"updated_at" db:"updated_at"`
}
