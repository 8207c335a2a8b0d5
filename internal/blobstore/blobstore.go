// Package blobstore defines the opaque object storage contract used by the
// pipeline. The real backend lives outside this repository; the pipeline
// only moves refs around.
package blobstore

import (
	"context"
	"io"
	"time"
)

// Store is the blob store surface consumed by the pipeline.
type Store interface {
	// Put stores the stream under key and returns an opaque ref.
	Put(ctx context.Context, key string, r io.Reader) (string, error)
	// Open reads back a previously stored blob.
	Open(ctx context.Context, ref string) (io.ReadCloser, error)
	// GetURL returns a signed URL valid for ttl.
	GetURL(ctx context.Context, ref string, ttl time.Duration) (string, error)
	// Delete removes the blob.
	Delete(ctx context.Context, ref string) error
}
