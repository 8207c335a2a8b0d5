package blobstore

import (
	"context"
	"io"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemoryRoundTrip(t *testing.T) {
	store := NewMemory()
	ctx := context.Background()

	ref, err := store.Put(ctx, "audio/unit-1.wav", strings.NewReader("payload"))
	require.NoError(t, err)
	assert.Equal(t, "mem://audio/unit-1.wav", ref)

	rc, err := store.Open(ctx, ref)
	require.NoError(t, err)
	data, err := io.ReadAll(rc)
	require.NoError(t, err)
	rc.Close()
	assert.Equal(t, "payload", string(data))

	require.NoError(t, store.Delete(ctx, ref))
	_, err = store.Open(ctx, ref)
	assert.Error(t, err)
}

func TestFilesystemRoundTrip(t *testing.T) {
	store, err := NewFilesystem(t.TempDir())
	require.NoError(t, err)
	ctx := context.Background()

	ref, err := store.Put(ctx, "clips/unit-1/clip-0.mp4", strings.NewReader("clip-bytes"))
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(ref, "file://"))

	rc, err := store.Open(ctx, ref)
	require.NoError(t, err)
	data, err := io.ReadAll(rc)
	require.NoError(t, err)
	rc.Close()
	assert.Equal(t, "clip-bytes", string(data))

	url, err := store.GetURL(ctx, ref, time.Minute)
	require.NoError(t, err)
	assert.Equal(t, ref, url)

	require.NoError(t, store.Delete(ctx, ref))
	_, err = store.Open(ctx, ref)
	assert.Error(t, err)
	require.NoError(t, store.Delete(ctx, ref), "double delete is fine")
}

func TestFilesystemRejectsEscapingKeys(t *testing.T) {
	store, err := NewFilesystem(t.TempDir())
	require.NoError(t, err)

	_, err = store.Put(context.Background(), "../outside", strings.NewReader("x"))
	assert.Error(t, err)

	_, err = store.Open(context.Background(), "file:///etc/passwd")
	assert.Error(t, err)
}
