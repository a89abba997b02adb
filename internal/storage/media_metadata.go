package storage

import (
	"crypto/sha256"
	"encoding/hex"
	"path/filepath"
	"strings"
	"time"
)

// CachedMediaMetadata is stored alongside each cached media blob as a JSON
// sidecar. The blob lives at media/{shard}/{contentID}{ext} and the sidecar
// at media/{shard}/{contentID}.json.
type CachedMediaMetadata struct {
	// ContentID matches the playlist item's opaque content identifier.
	ContentID string `json:"content_id"`

	// Digest is the SHA-256 hex digest computed over the stored bytes.
	Digest string `json:"digest"`

	// Verified is true when the manifest declared a digest for this
	// content and the stored bytes matched it. Verified blobs are kept
	// indefinitely; unverified (opportunistic) entries are subject to
	// soft TTL expiry.
	Verified bool `json:"verified"`

	// ContentType is the MIME type reported when the media was fetched.
	ContentType string `json:"content_type,omitempty"`

	// FileSize is the size of the cached blob in bytes.
	FileSize int64 `json:"file_size,omitempty"`

	// Width and Height are probed at put-time for images, when decodable.
	Width  int `json:"width,omitempty"`
	Height int `json:"height,omitempty"`

	// CachedAt is when the blob was written. Eviction under capacity
	// pressure removes the oldest CachedAt first.
	CachedAt time.Time `json:"cached_at"`
}

// RelativeBlobPath returns the blob path relative to the sandbox root.
func (m *CachedMediaMetadata) RelativeBlobPath() string {
	return filepath.Join("media", shardFor(m.ContentID), m.ContentID+extensionFromContentType(m.ContentType))
}

// RelativeMetadataPath returns the sidecar path relative to the sandbox root.
func (m *CachedMediaMetadata) RelativeMetadataPath() string {
	return filepath.Join("media", shardFor(m.ContentID), m.ContentID+".json")
}

// shardFor returns the shard directory for a content ID. Two leading
// characters keep any single directory from accumulating too many files.
func shardFor(contentID string) string {
	if len(contentID) < 2 {
		return "00"
	}
	return strings.ToLower(contentID[:2])
}

// ComputeDigest returns the SHA-256 hex digest of the given bytes.
func ComputeDigest(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// extensionFromContentType returns the file extension for a media content type.
func extensionFromContentType(contentType string) string {
	contentType = strings.Split(contentType, ";")[0]
	contentType = strings.TrimSpace(strings.ToLower(contentType))

	switch contentType {
	case "video/mp4":
		return ".mp4"
	case "video/webm":
		return ".webm"
	case "video/ogg":
		return ".ogv"
	case "video/quicktime":
		return ".mov"
	case "image/png":
		return ".png"
	case "image/jpeg", "image/jpg":
		return ".jpg"
	case "image/gif":
		return ".gif"
	case "image/webp":
		return ".webp"
	case "image/bmp":
		return ".bmp"
	default:
		return ".bin"
	}
}
