package blobstore

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"
)

// Filesystem stores blobs under a root directory; refs are "file://" plus the
// absolute path. Single-node deployments mount the root on shared storage.
type Filesystem struct {
	root string
}

// NewFilesystem creates the root directory if needed.
func NewFilesystem(root string) (*Filesystem, error) {
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(abs, 0o755); err != nil {
		return nil, fmt.Errorf("create blobstore root: %w", err)
	}
	return &Filesystem{root: abs}, nil
}

// Put writes the stream to a file under the root. Writes go through a temp
// file and a rename so readers never observe a partial blob.
func (f *Filesystem) Put(ctx context.Context, key string, r io.Reader) (string, error) {
	path, err := f.keyPath(key)
	if err != nil {
		return "", err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return "", err
	}

	tmp, err := os.CreateTemp(filepath.Dir(path), ".partial-*")
	if err != nil {
		return "", err
	}
	if _, err := io.Copy(tmp, r); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return "", err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return "", err
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		os.Remove(tmp.Name())
		return "", err
	}
	return "file://" + path, nil
}

// Open reads back a stored blob.
func (f *Filesystem) Open(ctx context.Context, ref string) (io.ReadCloser, error) {
	path, err := f.refPath(ref)
	if err != nil {
		return nil, err
	}
	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("blob not found: %s", ref)
	}
	return file, nil
}

// GetURL returns the ref itself: filesystem blobs are reachable only to
// co-located processes, no signing applies.
func (f *Filesystem) GetURL(ctx context.Context, ref string, ttl time.Duration) (string, error) {
	path, err := f.refPath(ref)
	if err != nil {
		return "", err
	}
	if _, err := os.Stat(path); err != nil {
		return "", fmt.Errorf("blob not found: %s", ref)
	}
	return ref, nil
}

// Delete removes a blob; deleting a missing ref is not an error.
func (f *Filesystem) Delete(ctx context.Context, ref string) error {
	path, err := f.refPath(ref)
	if err != nil {
		return err
	}
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}

func (f *Filesystem) keyPath(key string) (string, error) {
	if key == "" || strings.Contains(key, "..") {
		return "", fmt.Errorf("invalid blob key: %s", key)
	}
	path := filepath.Join(f.root, filepath.Clean("/"+key))
	if !strings.HasPrefix(path, f.root+string(filepath.Separator)) {
		return "", fmt.Errorf("key escapes blobstore root: %s", key)
	}
	return path, nil
}

func (f *Filesystem) refPath(ref string) (string, error) {
	path := strings.TrimPrefix(ref, "file://")
	if path == ref {
		return "", fmt.Errorf("not a filesystem ref: %s", ref)
	}
	path = filepath.Clean(path)
	if !strings.HasPrefix(path, f.root+string(filepath.Separator)) {
		return "", fmt.Errorf("ref outside blobstore root: %s", ref)
	}
	return path, nil
}
