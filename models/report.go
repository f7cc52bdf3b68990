package models

import (
	"time"
)

// ReportStatus is the primary lifecycle state of a report.
type ReportStatus string

const (
	StatusPending  ReportStatus = "pending"
	StatusVerified ReportStatus = "verified"
)

// Report represents a row of the reports table
type Report struct {
	ID           string       `json:"id" db:"id"`
	SubmitterID  string       `json:"submitter_id" db:"submitter_id"`
	Latitude     float64      `json:"latitude" db:"latitude"`
	Longitude    float64      `json:"longitude" db:"longitude"`
	Description  string       `json:"description" db:"description"`
	Severity     int          `json:"severity" db:"severity"`
	Label        *string      `json:"label" db:"label"`
	Confidence   float64      `json:"confidence" db:"confidence"`
	EvidenceURL  *string      `json:"evidence_url" db:"-"`
	Status       ReportStatus `json:"status" db:"status"`
	AnchorFailed bool         `json:"anchor_failed" db:"anchor_failed"`
	CreatedAt    time.Time    `json:"created_at" db:"created_at"`
}

// EvidenceRef associates a report with one stored image
type EvidenceRef struct {
	ReportID string `json:"report_id" db:"report_id"`
	Locator  string `json:"locator" db:"locator"`
}

// LedgerAnchor is written once, when anchoring of a report succeeded
type LedgerAnchor struct {
	ReportID    string    `json:"report_id" db:"report_id"`
	ContentHash string    `json:"content_hash" db:"content_hash"`
	LedgerRef   string    `json:"ledger_ref" db:"ledger_ref"`
	AnchoredAt  time.Time `json:"anchored_at" db:"anchored_at"`
}

// StatusChange is one append-only row of a report's lifecycle history
type StatusChange struct {
	ID         int64         `json:"id" db:"id"`
	ReportID   string        `json:"report_id" db:"report_id"`
	FromStatus *ReportStatus `json:"from_status" db:"from_status"`
	ToStatus   ReportStatus  `json:"to_status" db:"to_status"`
	Actor      string        `json:"actor" db:"actor"`
	ChangedAt  time.Time     `json:"changed_at" db:"changed_at"`
}

// ReportFilter narrows ListReports. Zero values mean "no filter".
type ReportFilter struct {
	Status       ReportStatus
	Since        *time.Time
	Until        *time.Time
	Latitude     *float64
	Longitude    *float64
	RadiusKm     float64
	AnchorFailed *bool
	Limit        int
	Offset       int
}

// HasLocation reports whether the filter carries a complete location clause.
func (f ReportFilter) HasLocation() bool {
	return f.Latitude != nil && f.Longitude != nil && f.RadiusKm > 0
}

// ReportWithAnchor is returned by the read endpoints
type ReportWithAnchor struct {
	Report Report        `json:"report"`
	Anchor *LedgerAnchor `json:"anchor"`
}

// HealthResponse represents the health check response
type HealthResponse struct {
	Status     string         `json:"status"`
	Service    string         `json:"service"`
	Timestamp  string         `json:"timestamp"`
	Database   string         `json:"database"`
	AnchorJobs map[string]int `json:"anchor_jobs,omitempty"`
}

// AnchorStatus is the anchor of a report as returned by the API, with the
// result of checking the reference against the ledger.
type AnchorStatus struct {
	LedgerAnchor
	VerifiedOnLedger bool   `json:"verified_on_ledger"`
	VerifyError      string `json:"verify_error,omitempty"`
}

// ReportsResponse is one page of ListReports
type ReportsResponse struct {
	Reports []Report `json:"reports"`
	Count   int      `json:"count"`
	Limit   int      `json:"limit"`
	Offset  int      `json:"offset"`
}
