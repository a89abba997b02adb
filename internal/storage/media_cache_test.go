package storage

import (
	"bytes"
	"image"
	"image/png"
	"io"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tvboxd/internal/models"
)

func newTestCache(t *testing.T, maxEntries int) *MediaCache {
	t.Helper()
	cache, err := NewMediaCache(t.TempDir(), maxEntries, nil)
	require.NoError(t, err)
	return cache
}

func TestMediaCache_PutGetRoundTrip(t *testing.T) {
	cache := newTestCache(t, 10)
	payload := []byte("video bytes")

	meta, err := cache.Put("item-a", "video/mp4", payload, "")
	require.NoError(t, err)
	assert.Equal(t, ComputeDigest(payload), meta.Digest)
	assert.Equal(t, int64(len(payload)), meta.FileSize)
	assert.False(t, meta.Verified)

	file, gotMeta, err := cache.Get("item-a")
	require.NoError(t, err)
	defer file.Close()

	data, err := io.ReadAll(file)
	require.NoError(t, err)
	assert.Equal(t, payload, data)
	assert.Equal(t, meta.Digest, gotMeta.Digest)
	assert.Equal(t, ComputeDigest(data), gotMeta.Digest)
}

func TestMediaCache_PutIdempotent(t *testing.T) {
	cache := newTestCache(t, 10)
	payload := []byte("same bytes")
	digest := ComputeDigest(payload)

	_, err := cache.Put("item-a", "video/mp4", payload, digest)
	require.NoError(t, err)
	_, err = cache.Put("item-a", "video/mp4", payload, digest)
	require.NoError(t, err)

	entries, _ := cache.Stats()
	assert.Equal(t, 1, entries)
	assert.True(t, cache.Has("item-a", digest))
}

func TestMediaCache_PutRejectsDigestMismatch(t *testing.T) {
	cache := newTestCache(t, 10)

	_, err := cache.Put("item-a", "video/mp4", []byte("tampered"), "deadbeef")
	require.Error(t, err)
	assert.True(t, models.IsIntegrityError(err))

	// Nothing persisted.
	assert.False(t, cache.Has("item-a", ""))
	_, _, err = cache.Get("item-a")
	assert.ErrorIs(t, err, models.ErrNotCached)
}

func TestMediaCache_HasWithExpectedDigest(t *testing.T) {
	cache := newTestCache(t, 10)
	payload := []byte("content")
	d1 := ComputeDigest(payload)

	_, err := cache.Put("item-a", "image/png", payload, "")
	require.NoError(t, err)

	assert.True(t, cache.Has("item-a", ""))
	assert.True(t, cache.Has("item-a", d1))
	// Manifest now declares a different digest: cached entry is a miss and
	// the item needs a fresh network fetch.
	assert.False(t, cache.Has("item-a", "0123456789abcdef"))
	assert.False(t, cache.Has("item-missing", ""))
}

func TestMediaCache_GetMiss(t *testing.T) {
	cache := newTestCache(t, 10)

	_, _, err := cache.Get("nope")
	assert.ErrorIs(t, err, models.ErrNotCached)
}

func TestMediaCache_EvictsOldestOverCapacity(t *testing.T) {
	cache := newTestCache(t, 2)

	_, err := cache.Put("old", "video/mp4", []byte("1"), "")
	require.NoError(t, err)

	// Backdate the first entry so ordering is unambiguous.
	cache.mu.Lock()
	cache.index["old"].CachedAt = time.Now().Add(-time.Hour)
	cache.mu.Unlock()

	_, err = cache.Put("mid", "video/mp4", []byte("2"), "")
	require.NoError(t, err)
	_, err = cache.Put("new", "video/mp4", []byte("3"), "")
	require.NoError(t, err)

	entries, _ := cache.Stats()
	assert.Equal(t, 2, entries)
	assert.False(t, cache.Has("old", ""))
	assert.True(t, cache.Has("mid", ""))
	assert.True(t, cache.Has("new", ""))
}

func TestMediaCache_EvictExpired(t *testing.T) {
	cache := newTestCache(t, 10)

	_, err := cache.Put("opportunistic", "image/png", []byte("a"), "")
	require.NoError(t, err)
	verified, err := cache.Put("confirmed", "image/png", []byte("b"), ComputeDigest([]byte("b")))
	require.NoError(t, err)
	assert.True(t, verified.Verified)

	// Age both entries past the TTL.
	cache.mu.Lock()
	for _, meta := range cache.index {
		meta.CachedAt = time.Now().Add(-time.Hour)
	}
	cache.mu.Unlock()

	removed := cache.EvictExpired(30 * time.Minute)
	assert.Equal(t, 1, removed)

	// Confirmed-integrity blobs are retained until explicit eviction.
	assert.True(t, cache.Has("confirmed", ""))
	assert.False(t, cache.Has("opportunistic", ""))
}

func TestMediaCache_Clear(t *testing.T) {
	cache := newTestCache(t, 10)

	_, err := cache.Put("item-a", "video/mp4", []byte("x"), "")
	require.NoError(t, err)

	require.NoError(t, cache.Clear())

	entries, totalBytes := cache.Stats()
	assert.Equal(t, 0, entries)
	assert.Equal(t, int64(0), totalBytes)
	assert.False(t, cache.Has("item-a", ""))
}

func TestMediaCache_ScanRebuildsIndex(t *testing.T) {
	dir := t.TempDir()

	cache, err := NewMediaCache(dir, 10, nil)
	require.NoError(t, err)
	payload := []byte("persisted")
	_, err = cache.Put("item-a", "video/mp4", payload, "")
	require.NoError(t, err)

	// Reopen from the same directory: the index is rebuilt from sidecars.
	reopened, err := NewMediaCache(dir, 10, nil)
	require.NoError(t, err)
	assert.True(t, reopened.Has("item-a", ComputeDigest(payload)))

	file, _, err := reopened.Get("item-a")
	require.NoError(t, err)
	defer file.Close()
	data, err := io.ReadAll(file)
	require.NoError(t, err)
	assert.Equal(t, payload, data)
}

func TestMediaCache_ProbesImageDimensions(t *testing.T) {
	cache := newTestCache(t, 10)

	var buf bytes.Buffer
	require.NoError(t, png.Encode(&buf, image.NewRGBA(image.Rect(0, 0, 3, 2))))

	meta, err := cache.Put("pic", "image/png", buf.Bytes(), "")
	require.NoError(t, err)
	assert.Equal(t, 3, meta.Width)
	assert.Equal(t, 2, meta.Height)
}

func TestMediaCache_BlobPath(t *testing.T) {
	cache := newTestCache(t, 10)

	_, err := cache.BlobPath("missing")
	assert.ErrorIs(t, err, models.ErrNotCached)

	_, err = cache.Put("item-a", "video/mp4", []byte("x"), "")
	require.NoError(t, err)

	path, err := cache.BlobPath("item-a")
	require.NoError(t, err)
	assert.Contains(t, path, "item-a.mp4")
}
