package classifier

import (
	"context"
	"crypto/sha256"
	"encoding/binary"

	imgprep "aquaguardian/image"
)

// Labels produced by the pollution model.
var Labels = []string{"plastic", "sewage", "oil_spill", "chemical", "algal_bloom", "clean_water"}

// StubClassifier is a deterministic, no-network classifier for CI and local
// end-to-end runs. The label depends on the image bytes. A positive
// Confidence is returned as is; otherwise it is derived from the bytes too.
type StubClassifier struct {
	Confidence float64
	MaxDim     int
}

func NewStubClassifier(confidence float64, maxDim int) *StubClassifier {
	return &StubClassifier{Confidence: confidence, MaxDim: maxDim}
}

func (s *StubClassifier) Classify(ctx context.Context, image []byte) (Result, error) {
	if err := ctx.Err(); err != nil {
		return Degraded(), err
	}
	if _, err := imgprep.PrepareForClassification(image, s.MaxDim); err != nil {
		return Degraded(), nil
	}

	sum := sha256.Sum256(image)
	label := Labels[int(sum[0])%len(Labels)]
	confidence := s.Confidence
	if confidence <= 0 {
		// 0.50 .. 0.99 in hundredths
		confidence = 0.5 + float64(binary.BigEndian.Uint16(sum[1:3])%50)/100
	}
	res, _ := Normalize(&label, confidence)
	return res, nil
}
