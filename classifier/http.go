package classifier

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"time"

	"github.com/apex/log"

	imgprep "aquaguardian/image"
)

// HTTPClassifier calls the model service, which accepts a multipart "file"
// upload and answers {"class": string|null, "confidence": number}.
type HTTPClassifier struct {
	url        string
	maxDim     int
	httpClient *http.Client
}

type predictResponse struct {
	Class      *string  `json:"class"`
	Confidence *float64 `json:"confidence"`
}

func NewHTTPClassifier(url string, maxDim int, timeout time.Duration) *HTTPClassifier {
	return &HTTPClassifier{
		url:    url,
		maxDim: maxDim,
		httpClient: &http.Client{
			Timeout: timeout,
		},
	}
}

func (c *HTTPClassifier) Classify(ctx context.Context, image []byte) (Result, error) {
	prepared, err := imgprep.PrepareForClassification(image, c.maxDim)
	if err != nil {
		log.Warnf("Classifier input rejected: %v", err)
		return Degraded(), nil
	}

	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	part, err := mw.CreateFormFile("file", "report.jpg")
	if err != nil {
		return Degraded(), fmt.Errorf("failed to create form file: %w", err)
	}
	if _, err := part.Write(prepared); err != nil {
		return Degraded(), fmt.Errorf("failed to write form file: %w", err)
	}
	if err := mw.Close(); err != nil {
		return Degraded(), fmt.Errorf("failed to close multipart body: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url, &body)
	if err != nil {
		return Degraded(), fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", mw.FormDataContentType())

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return Degraded(), fmt.Errorf("failed to call classifier: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return Degraded(), fmt.Errorf("failed to read classifier response: %w", err)
	}
	if resp.StatusCode == http.StatusUnprocessableEntity || resp.StatusCode == http.StatusBadRequest {
		log.Warnf("Classifier rejected image with status %d: %s", resp.StatusCode, string(respBody))
		return Degraded(), nil
	}
	if resp.StatusCode != http.StatusOK {
		return Degraded(), fmt.Errorf("classifier returned status %d: %s", resp.StatusCode, string(respBody))
	}

	var pr predictResponse
	if err := json.Unmarshal(respBody, &pr); err != nil {
		return Degraded(), fmt.Errorf("failed to decode classifier response: %w", err)
	}
	if pr.Confidence == nil {
		return Degraded(), errors.New("classifier response has no confidence")
	}
	res, _ := Normalize(pr.Class, *pr.Confidence)
	return res, nil
}
