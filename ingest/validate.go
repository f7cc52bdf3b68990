package ingest

import (
	"fmt"
	"math"
	"strings"
	"unicode/utf8"

	"aquaguardian/area"
)

const maxSubmitterIDLength = 255

// Submission is the citizen input to Submit.
type Submission struct {
	SubmitterID string
	Latitude    float64
	Longitude   float64
	Description string
	Severity    int
	Image       []byte
}

// Limits bound the accepted input.
type Limits struct {
	SeverityMin          int
	SeverityMax          int
	MaxDescriptionLength int
	MaxImageBytes        int64
}

// Validate checks s against the limits and returns the trimmed submission.
func (l Limits) Validate(s Submission) (Submission, error) {
	s.SubmitterID = strings.TrimSpace(s.SubmitterID)
	s.Description = strings.TrimSpace(s.Description)

	if s.SubmitterID == "" {
		return s, &ValidationError{Field: "user_id", Message: "is required"}
	}
	if len(s.SubmitterID) > maxSubmitterIDLength {
		return s, &ValidationError{Field: "user_id", Message: fmt.Sprintf("must be at most %d characters", maxSubmitterIDLength)}
	}
	if s.Description == "" {
		return s, &ValidationError{Field: "description", Message: "is required"}
	}
	if !utf8.ValidString(s.Description) {
		return s, &ValidationError{Field: "description", Message: "must be valid UTF-8"}
	}
	if l.MaxDescriptionLength > 0 && utf8.RuneCountInString(s.Description) > l.MaxDescriptionLength {
		return s, &ValidationError{Field: "description", Message: fmt.Sprintf("must be at most %d characters", l.MaxDescriptionLength)}
	}
	if !area.ValidCoordinates(s.Latitude, s.Longitude) {
		if math.IsNaN(s.Latitude) || s.Latitude < -90 || s.Latitude > 90 {
			return s, &ValidationError{Field: "latitude", Message: "must be within [-90, 90]"}
		}
		return s, &ValidationError{Field: "longitude", Message: "must be within [-180, 180]"}
	}
	if s.Severity < l.SeverityMin || s.Severity > l.SeverityMax {
		return s, &ValidationError{Field: "severity", Message: fmt.Sprintf("must be within [%d, %d]", l.SeverityMin, l.SeverityMax)}
	}
	if l.MaxImageBytes > 0 && int64(len(s.Image)) > l.MaxImageBytes {
		return s, &ValidationError{Field: "file", Message: fmt.Sprintf("must be at most %d bytes", l.MaxImageBytes)}
	}
	return s, nil
}
