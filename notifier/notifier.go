package notifier

import (
	"context"
	"time"

	"aquaguardian/models"
)

// Notifier is the external alerting channel for escalations.
type Notifier interface {
	Notify(ctx context.Context, report *models.Report) error
}

// Escalation is the payload sent to authorities
type Escalation struct {
	ReportID    string    `json:"report_id"`
	Label       string    `json:"label"`
	Confidence  float64   `json:"confidence"`
	Severity    int       `json:"severity"`
	Latitude    float64   `json:"latitude"`
	Longitude   float64   `json:"longitude"`
	Description string    `json:"description"`
	EvidenceURL string    `json:"evidence_url,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
	EscalatedAt time.Time `json:"escalated_at"`
}

// NewEscalation builds the payload for a classified report.
func NewEscalation(r *models.Report) Escalation {
	e := Escalation{
		ReportID:    r.ID,
		Confidence:  r.Confidence,
		Severity:    r.Severity,
		Latitude:    r.Latitude,
		Longitude:   r.Longitude,
		Description: r.Description,
		CreatedAt:   r.CreatedAt,
		EscalatedAt: time.Now().UTC(),
	}
	if r.Label != nil {
		e.Label = *r.Label
	}
	if r.EvidenceURL != nil {
		e.EvidenceURL = *r.EvidenceURL
	}
	return e
}
