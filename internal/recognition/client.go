package recognition

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/hashicorp/go-hclog"

	"github.com/clipforge/clipforge/internal/blobstore"
	"github.com/clipforge/clipforge/internal/config"
	"github.com/clipforge/clipforge/internal/errors"
	"github.com/clipforge/clipforge/internal/retry"
)

// Client submits audio to the external recognition service. The upload is
// chunked so that very large audio tracks never need a single long-lived
// request; the service answers asynchronously through the callback receiver.
type Client struct {
	endpoint    string
	callbackURL string
	chunkSize   int64
	ttl         time.Duration
	httpClient  *http.Client
	store       *CorrelationStore
	blobs       blobstore.Store
	policy      retry.Policy
	logger      hclog.Logger
}

// NewClient builds a recognition client from the recognition config section.
func NewClient(cfg config.RecognitionConfig, store *CorrelationStore, blobs blobstore.Store, logger hclog.Logger) *Client {
	policy := retry.DefaultPolicy()
	if cfg.UploadAttempts > 0 {
		policy.MaxAttempts = cfg.UploadAttempts
	}
	return &Client{
		endpoint:    cfg.Endpoint,
		callbackURL: cfg.CallbackURL,
		chunkSize:   cfg.ChunkSize,
		ttl:         cfg.CorrelationTTL,
		httpClient:  &http.Client{Timeout: 2 * time.Minute},
		store:       store,
		blobs:       blobs,
		policy:      policy,
		logger:      logger.Named("recognition-client"),
	}
}

type uploadSession struct {
	UploadID string `json:"upload_id"`
}

// Submit registers a callback correlation, uploads the audio in chunks and
// commits the upload. On success the work unit is parked: the result arrives
// later through the callback receiver under the returned correlation id.
func (c *Client) Submit(ctx context.Context, workUnitID, audioRef string) (string, error) {
	corr, err := c.store.Create(ctx, workUnitID, c.ttl)
	if err != nil {
		return "", errors.NewTransient("failed to register callback correlation", err)
	}

	rc, err := c.blobs.Open(ctx, audioRef)
	if err != nil {
		return "", errors.NewPermanent(fmt.Sprintf("audio blob %s not readable", audioRef), err)
	}
	defer rc.Close()

	audio, err := io.ReadAll(rc)
	if err != nil {
		return "", errors.NewTransient("failed to read audio blob", err)
	}

	uploadErr := c.policy.Do(ctx, c.logger, "recognition_upload", func() error {
		return c.upload(ctx, corr.ID, audio)
	})
	if uploadErr != nil {
		// The correlation will never be delivered; drop it so the poller does
		// not wait out the full TTL.
		if purgeErr := c.store.Purge(ctx, corr.ID); purgeErr != nil {
			c.logger.Warn("failed to purge correlation after upload failure",
				"correlation_id", corr.ID, "error", purgeErr)
		}
		return "", uploadErr
	}

	c.logger.Info("recognition submission accepted",
		"work_unit_id", workUnitID, "correlation_id", corr.ID, "bytes", len(audio))
	return corr.ID, nil
}

// upload runs one full begin/chunks/commit cycle. Any failure aborts the
// whole cycle; the retry policy restarts it from the beginning.
func (c *Client) upload(ctx context.Context, correlationID string, audio []byte) error {
	session, err := c.begin(ctx, correlationID)
	if err != nil {
		return err
	}

	total := int64(len(audio))
	for offset := int64(0); offset < total; offset += c.chunkSize {
		end := offset + c.chunkSize
		if end > total {
			end = total
		}
		if err := c.putChunk(ctx, session.UploadID, audio[offset:end], offset, end-1, total); err != nil {
			return err
		}
	}
	return c.commit(ctx, session.UploadID)
}

func (c *Client) begin(ctx context.Context, correlationID string) (*uploadSession, error) {
	body, _ := json.Marshal(map[string]string{
		"correlation_id": correlationID,
		"callback_url":   c.callbackURL,
	})
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint+"/v1/uploads", bytes.NewReader(body))
	if err != nil {
		return nil, errors.NewPermanent("failed to build upload request", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, errors.NewTransient("recognition service unreachable", err)
	}
	defer resp.Body.Close()

	if err := classifyStatus(resp.StatusCode, "upload_begin"); err != nil {
		return nil, err
	}

	var session uploadSession
	if err := json.NewDecoder(resp.Body).Decode(&session); err != nil {
		return nil, errors.NewTransient("malformed upload session response", err)
	}
	if session.UploadID == "" {
		return nil, errors.NewTransient("upload session response missing upload_id", nil)
	}
	return &session, nil
}

func (c *Client) putChunk(ctx context.Context, uploadID string, chunk []byte, start, end, total int64) error {
	url := fmt.Sprintf("%s/v1/uploads/%s", c.endpoint, uploadID)
	req, err := http.NewRequestWithContext(ctx, http.MethodPut, url, bytes.NewReader(chunk))
	if err != nil {
		return errors.NewPermanent("failed to build chunk request", err)
	}
	req.Header.Set("Content-Type", "application/octet-stream")
	req.Header.Set("Content-Range", fmt.Sprintf("bytes %d-%d/%d", start, end, total))

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return errors.NewTransient("chunk upload failed", err)
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)

	return classifyStatus(resp.StatusCode, "upload_chunk")
}

func (c *Client) commit(ctx context.Context, uploadID string) error {
	url := fmt.Sprintf("%s/v1/uploads/%s/complete", c.endpoint, uploadID)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, nil)
	if err != nil {
		return errors.NewPermanent("failed to build commit request", err)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return errors.NewTransient("upload commit failed", err)
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)

	return classifyStatus(resp.StatusCode, "upload_commit")
}

// classifyStatus maps recognition service status codes onto the error
// taxonomy: 5xx and 429 are transient, other 4xx are permanent.
func classifyStatus(status int, op string) error {
	switch {
	case status >= 200 && status < 300:
		return nil
	case status == http.StatusTooManyRequests || status >= 500:
		return errors.NewTransient(fmt.Sprintf("%s: recognition service returned %d", op, status), nil)
	default:
		return errors.NewPermanent(fmt.Sprintf("%s: recognition service returned %d", op, status), nil)
	}
}
