package blobstore

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"sync"
	"time"
)

// Memory is an in-memory Store used by tests and single-node development.
type Memory struct {
	mu    sync.RWMutex
	blobs map[string][]byte
}

// NewMemory creates an empty in-memory store.
func NewMemory() *Memory {
	return &Memory{blobs: make(map[string][]byte)}
}

// Put stores the stream under key; the ref is "mem://" plus the key.
func (m *Memory) Put(ctx context.Context, key string, r io.Reader) (string, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return "", err
	}
	ref := "mem://" + key
	m.mu.Lock()
	m.blobs[ref] = data
	m.mu.Unlock()
	return ref, nil
}

// Open reads back a stored blob.
func (m *Memory) Open(ctx context.Context, ref string) (io.ReadCloser, error) {
	m.mu.RLock()
	data, ok := m.blobs[ref]
	m.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("blob not found: %s", ref)
	}
	return io.NopCloser(bytes.NewReader(data)), nil
}

// GetURL returns a fake signed URL.
func (m *Memory) GetURL(ctx context.Context, ref string, ttl time.Duration) (string, error) {
	m.mu.RLock()
	_, ok := m.blobs[ref]
	m.mu.RUnlock()
	if !ok {
		return "", fmt.Errorf("blob not found: %s", ref)
	}
	return ref + "?expires=" + time.Now().Add(ttl).Format(time.RFC3339), nil
}

// Delete removes a blob; deleting a missing ref is not an error.
func (m *Memory) Delete(ctx context.Context, ref string) error {
	m.mu.Lock()
	delete(m.blobs, ref)
	m.mu.Unlock()
	return nil
}

// Len reports the number of stored blobs.
func (m *Memory) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.blobs)
}
