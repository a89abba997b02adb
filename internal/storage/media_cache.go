package storage

import (
	"bytes"
	"encoding/json"
	"fmt"
	"image"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	// Decoders registered so cached image dimensions can be probed.
	_ "image/gif"
	_ "image/jpeg"
	_ "image/png"

	_ "golang.org/x/image/bmp"
	_ "golang.org/x/image/webp"

	"tvboxd/internal/models"
)

// MediaCache is the durable, content-addressable cache of media blobs with
// integrity verification. Entries are bounded by a maximum count; under
// capacity pressure the oldest-cachedAt entry is evicted first. Blobs whose
// digest was confirmed against the manifest are retained indefinitely;
// opportunistic entries are subject to soft TTL expiry via EvictExpired.
//
// Both the synchronizer's preloader and the playback scheduler write into
// the cache. Writes are keyed by content ID and last-writer-wins per key,
// which is safe because bytes for a given id+digest are idempotent.
type MediaCache struct {
	sandbox    *Sandbox
	logger     *slog.Logger
	maxEntries int

	mu    sync.Mutex
	index map[string]*CachedMediaMetadata
}

// NewMediaCache creates a MediaCache rooted at baseDir and rebuilds the
// in-memory index from the sidecar files found on disk.
func NewMediaCache(baseDir string, maxEntries int, logger *slog.Logger) (*MediaCache, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if maxEntries < 1 {
		maxEntries = 1
	}

	sandbox, err := NewSandbox(baseDir)
	if err != nil {
		return nil, fmt.Errorf("creating sandbox: %w", err)
	}
	if err := sandbox.MkdirAll("media"); err != nil {
		return nil, fmt.Errorf("creating media directory: %w", err)
	}

	c := &MediaCache{
		sandbox:    sandbox,
		logger:     logger,
		maxEntries: maxEntries,
		index:      make(map[string]*CachedMediaMetadata),
	}

	if err := c.scan(); err != nil {
		return nil, fmt.Errorf("scanning media cache: %w", err)
	}

	logger.Info("media cache opened",
		slog.String("dir", sandbox.BaseDir()),
		slog.Int("entries", len(c.index)),
	)

	return c, nil
}

// scan rebuilds the index from sidecar files. Unreadable or invalid
// sidecars are skipped; their blobs will be refetched on demand.
func (c *MediaCache) scan() error {
	mediaDir, err := c.sandbox.ResolvePath("media")
	if err != nil {
		return err
	}

	return filepath.Walk(mediaDir, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return nil
		}
		if info.IsDir() || filepath.Ext(path) != ".json" {
			return nil
		}

		data, err := os.ReadFile(path)
		if err != nil {
			return nil
		}

		var meta CachedMediaMetadata
		if err := json.Unmarshal(data, &meta); err != nil || meta.ContentID == "" {
			return nil
		}

		c.index[meta.ContentID] = &meta
		return nil
	})
}

// Has reports whether an entry exists for contentID and, when
// expectedDigest is non-empty, whether the stored digest matches it.
// A digest mismatch is a miss: the caller must refetch from the source.
func (c *MediaCache) Has(contentID, expectedDigest string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	meta, ok := c.index[contentID]
	if !ok {
		return false
	}
	if expectedDigest != "" && !strings.EqualFold(meta.Digest, expectedDigest) {
		return false
	}
	return true
}

// Get returns an open read handle and metadata for cached bytes.
// It never refetches; a missing entry returns models.ErrNotCached.
func (c *MediaCache) Get(contentID string) (*os.File, *CachedMediaMetadata, error) {
	c.mu.Lock()
	meta, ok := c.index[contentID]
	c.mu.Unlock()

	if !ok {
		return nil, nil, models.ErrNotCached
	}

	file, err := c.sandbox.OpenFile(meta.RelativeBlobPath(), os.O_RDONLY, 0)
	if err != nil {
		// Sidecar without blob: drop the stale index entry.
		c.mu.Lock()
		delete(c.index, contentID)
		c.mu.Unlock()
		return nil, nil, models.ErrNotCached
	}

	return file, meta, nil
}

// BlobPath returns the absolute filesystem path of a cached blob so the
// render surface can play it directly. Returns models.ErrNotCached on miss.
func (c *MediaCache) BlobPath(contentID string) (string, error) {
	c.mu.Lock()
	meta, ok := c.index[contentID]
	c.mu.Unlock()

	if !ok {
		return "", models.ErrNotCached
	}
	return c.sandbox.ResolvePath(meta.RelativeBlobPath())
}

// Put persists media bytes under contentID. The digest is computed over the
// bytes; if expectedDigest is non-empty and mismatched the write is
// rejected with an IntegrityError and nothing is persisted. Writing an
// entry for an existing id atomically replaces it. When the cache is over
// capacity the oldest entries are evicted after the write.
func (c *MediaCache) Put(contentID, contentType string, data []byte, expectedDigest string) (*CachedMediaMetadata, error) {
	digest := ComputeDigest(data)
	if expectedDigest != "" && !strings.EqualFold(digest, expectedDigest) {
		return nil, &models.IntegrityError{ContentID: contentID, Expected: expectedDigest, Actual: digest}
	}

	meta := &CachedMediaMetadata{
		ContentID:   contentID,
		Digest:      digest,
		Verified:    expectedDigest != "",
		ContentType: contentType,
		FileSize:    int64(len(data)),
		CachedAt:    time.Now().UTC(),
	}

	if strings.HasPrefix(contentType, "image/") {
		if cfg, _, err := image.DecodeConfig(bytes.NewReader(data)); err == nil {
			meta.Width = cfg.Width
			meta.Height = cfg.Height
		}
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	// Replacing an entry may change the blob extension; remove old files
	// first so an orphaned blob cannot linger next to the new one.
	if old, ok := c.index[contentID]; ok && old.RelativeBlobPath() != meta.RelativeBlobPath() {
		_ = c.sandbox.Remove(old.RelativeBlobPath())
	}

	if err := c.sandbox.AtomicWrite(meta.RelativeBlobPath(), data); err != nil {
		return nil, fmt.Errorf("writing media blob: %w", err)
	}

	metaJSON, err := json.MarshalIndent(meta, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("marshaling metadata: %w", err)
	}
	if err := c.sandbox.AtomicWrite(meta.RelativeMetadataPath(), metaJSON); err != nil {
		_ = c.sandbox.Remove(meta.RelativeBlobPath())
		return nil, fmt.Errorf("writing metadata: %w", err)
	}

	c.index[contentID] = meta
	c.evictOverCapacityLocked()

	return meta, nil
}

// evictOverCapacityLocked removes the oldest entries until the cache fits
// maxEntries. Caller holds c.mu.
func (c *MediaCache) evictOverCapacityLocked() {
	if len(c.index) <= c.maxEntries {
		return
	}

	entries := make([]*CachedMediaMetadata, 0, len(c.index))
	for _, meta := range c.index {
		entries = append(entries, meta)
	}
	sort.Slice(entries, func(i, j int) bool {
		return entries[i].CachedAt.Before(entries[j].CachedAt)
	})

	for _, meta := range entries[:len(entries)-c.maxEntries] {
		c.removeLocked(meta)
		c.logger.Debug("evicted cache entry over capacity",
			slog.String("content_id", meta.ContentID),
			slog.Time("cached_at", meta.CachedAt),
		)
	}
}

// removeLocked deletes an entry's files and index record. Caller holds c.mu.
func (c *MediaCache) removeLocked(meta *CachedMediaMetadata) {
	_ = c.sandbox.Remove(meta.RelativeBlobPath())
	_ = c.sandbox.Remove(meta.RelativeMetadataPath())
	delete(c.index, meta.ContentID)
}

// EvictExpired removes opportunistic (unverified) entries older than ttl
// and returns the number removed. Verified blobs are never expired by time;
// the cache is correctness-bounded by digest, not age.
func (c *MediaCache) EvictExpired(ttl time.Duration) int {
	cutoff := time.Now().Add(-ttl)

	c.mu.Lock()
	defer c.mu.Unlock()

	removed := 0
	for _, meta := range c.index {
		if meta.Verified {
			continue
		}
		if meta.CachedAt.Before(cutoff) {
			c.removeLocked(meta)
			removed++
		}
	}

	if removed > 0 {
		c.logger.Info("expired cache entries evicted", slog.Int("count", removed))
	}
	return removed
}

// Clear wipes all cache entries. Used on explicit device reset.
func (c *MediaCache) Clear() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if err := c.sandbox.RemoveAll("media"); err != nil {
		return fmt.Errorf("clearing media cache: %w", err)
	}
	if err := c.sandbox.MkdirAll("media"); err != nil {
		return fmt.Errorf("recreating media directory: %w", err)
	}

	c.index = make(map[string]*CachedMediaMetadata)
	return nil
}

// Stats returns the current entry count and total cached bytes.
func (c *MediaCache) Stats() (entries int, totalBytes int64) {
	c.mu.Lock()
	defer c.mu.Unlock()

	for _, meta := range c.index {
		totalBytes += meta.FileSize
	}
	return len(c.index), totalBytes
}
