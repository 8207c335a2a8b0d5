package mediatool

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/clipforge/clipforge/internal/config"
	"github.com/clipforge/clipforge/internal/errors"
)

// HTTPClassifier calls the external content analysis service synchronously.
type HTTPClassifier struct {
	endpoint   string
	httpClient *http.Client
}

// NewHTTPClassifier builds a classifier client.
func NewHTTPClassifier(cfg config.AnalysisConfig) *HTTPClassifier {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 5 * time.Minute
	}
	return &HTTPClassifier{
		endpoint:   cfg.Endpoint,
		httpClient: &http.Client{Timeout: timeout},
	}
}

type analyzeRequest struct {
	TranscriptRef string          `json:"transcript_ref"`
	Segments      json.RawMessage `json:"segments"`
}

type analyzeResponse struct {
	Suggestions []Suggestion `json:"suggestions"`
}

// Analyze implements Classifier. Service-side failures are transient; a
// rejection of the payload is permanent.
func (c *HTTPClassifier) Analyze(ctx context.Context, transcriptRef, segmentsJSON string) ([]Suggestion, error) {
	segments := json.RawMessage(segmentsJSON)
	if segmentsJSON == "" {
		segments = json.RawMessage("[]")
	}
	body, err := json.Marshal(analyzeRequest{TranscriptRef: transcriptRef, Segments: segments})
	if err != nil {
		return nil, errors.NewPermanent("failed to encode analysis request", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint+"/v1/analyze", bytes.NewReader(body))
	if err != nil {
		return nil, errors.NewPermanent("failed to build analysis request", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, errors.NewTransient("analysis service unreachable", err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
	case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500:
		return nil, errors.NewTransient(fmt.Sprintf("analysis service returned %d", resp.StatusCode), nil)
	default:
		return nil, errors.NewPermanent(fmt.Sprintf("analysis service returned %d", resp.StatusCode), nil)
	}

	var decoded analyzeResponse
	if err := json.NewDecoder(resp.Body).Decode(&decoded); err != nil {
		return nil, errors.NewTransient("malformed analysis response", err)
	}
	return decoded.Suggestions, nil
}
