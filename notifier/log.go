package notifier

import (
	"context"

	"github.com/apex/log"

	"aquaguardian/models"
)

// LogNotifier writes escalations to the service log
type LogNotifier struct{}

func NewLogNotifier() *LogNotifier {
	return &LogNotifier{}
}

func (n *LogNotifier) Notify(ctx context.Context, report *models.Report) error {
	e := NewEscalation(report)
	log.WithFields(log.Fields{
		"report_id":  e.ReportID,
		"label":      e.Label,
		"confidence": e.Confidence,
		"severity":   e.Severity,
		"latitude":   e.Latitude,
		"longitude":  e.Longitude,
	}).Warn("High-confidence pollution detected, authorities alerted")
	return nil
}
