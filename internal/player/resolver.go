package player

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"tvboxd/internal/httpclient"
	"tvboxd/internal/models"
	"tvboxd/internal/storage"
	"tvboxd/internal/urlutil"
)

// MediaResolver turns a playlist item into a local file path the surface can
// render from.
type MediaResolver interface {
	Resolve(ctx context.Context, item models.PlaylistItem) (string, error)
}

// CacheResolver resolves media through the local cache, downloading on miss.
type CacheResolver struct {
	cache  *storage.MediaCache
	client *httpclient.Client
	logger *slog.Logger
}

// NewCacheResolver creates a resolver backed by cache and client.
func NewCacheResolver(cache *storage.MediaCache, client *httpclient.Client, logger *slog.Logger) *CacheResolver {
	return &CacheResolver{
		cache:  cache,
		client: client,
		logger: logger.With(slog.String("component", "resolver")),
	}
}

// Resolve returns a local path for the item's media. Cache hits are served
// directly; misses (including digest mismatches against the stored copy)
// trigger a download. A failed cache write degrades to a throwaway temp
// file so one bad disk never stops playback.
func (r *CacheResolver) Resolve(ctx context.Context, item models.PlaylistItem) (string, error) {
	// Pre-provisioned media referenced by file:// plays straight off disk.
	if urlutil.IsFileURL(item.SourceURL) {
		path, err := urlutil.FilePathFromURL(item.SourceURL)
		if err != nil {
			return "", fmt.Errorf("resolving local media %s: %w", item.ID, err)
		}
		if _, err := os.Stat(path); err != nil {
			return "", fmt.Errorf("local media %s missing: %w", item.ID, err)
		}
		return path, nil
	}

	if r.cache.Has(item.ID, item.Digest) {
		path, err := r.cache.BlobPath(item.ID)
		if err == nil {
			return path, nil
		}
		r.logger.Warn("cache index entry unusable, refetching",
			slog.String("content_id", item.ID),
			slog.String("error", err.Error()),
		)
	}

	data, contentType, err := r.client.Download(ctx, item.SourceURL)
	if err != nil {
		return "", fmt.Errorf("downloading media %s: %w", item.ID, err)
	}

	if _, err := r.cache.Put(item.ID, contentType, data, item.Digest); err != nil {
		if models.IsIntegrityError(err) {
			return "", fmt.Errorf("media %s failed integrity check: %w", item.ID, err)
		}

		// Cache I/O trouble: fall back to a temp file outside the cache.
		r.logger.Warn("cache write failed, using temp file",
			slog.String("content_id", item.ID),
			slog.String("error", err.Error()),
		)
		return writeTempMedia(item.ID, data)
	}

	return r.cache.BlobPath(item.ID)
}

func writeTempMedia(contentID string, data []byte) (string, error) {
	f, err := os.CreateTemp("", "tvboxd-media-*")
	if err != nil {
		return "", fmt.Errorf("creating temp media file: %w", err)
	}
	if _, err := f.Write(data); err != nil {
		f.Close()
		os.Remove(f.Name())
		return "", fmt.Errorf("writing temp media file: %w", err)
	}
	if err := f.Close(); err != nil {
		os.Remove(f.Name())
		return "", err
	}
	return filepath.Clean(f.Name()), nil
}
