package classifier

import (
	"context"
	"math"
	"strings"
)

// Degradation reasons, used as metric labels.
const (
	ReasonNoImage           = "no_image"
	ReasonUndecodable       = "undecodable"
	ReasonNoLabel           = "no_label"
	ReasonInvalidConfidence = "invalid_confidence"
	ReasonZeroConfidence    = "zero_confidence"
	ReasonError             = "error"
	ReasonTimeout           = "timeout"
)

// Result of classifying one image. Label is nil exactly when Confidence is 0.
type Result struct {
	Label      *string `json:"label"`
	Confidence float64 `json:"confidence"`
}

// Degraded is the result stored when classification was skipped or failed.
func Degraded() Result {
	return Result{}
}

// IsDegraded reports whether r carries no classification.
func (r Result) IsDegraded() bool {
	return r.Label == nil
}

// Classifier is the external image classification capability.
type Classifier interface {
	// Classify never fails for malformed images; it returns Degraded instead.
	// Errors are reserved for transport failures.
	Classify(ctx context.Context, image []byte) (Result, error)
}

// Normalize turns raw model output into a Result. Anything that is not a
// real label with a confidence in (0, 1] degrades, and the reason is
// returned for metrics.
func Normalize(label *string, confidence float64) (Result, string) {
	if label == nil {
		return Degraded(), ReasonNoLabel
	}
	l := strings.TrimSpace(*label)
	if l == "" || strings.EqualFold(l, "unknown") {
		return Degraded(), ReasonNoLabel
	}
	if math.IsNaN(confidence) || math.IsInf(confidence, 0) || confidence > 1 || confidence < 0 {
		return Degraded(), ReasonInvalidConfidence
	}
	if confidence == 0 {
		return Degraded(), ReasonZeroConfidence
	}
	return Result{Label: &l, Confidence: confidence}, ""
}

// Disabled never classifies; every report is stored unclassified.
type Disabled struct{}

func (Disabled) Classify(ctx context.Context, image []byte) (Result, error) {
	return Degraded(), nil
}
