package manifest

import (
	"encoding/json"
	"path"
	"strings"

	"tvboxd/internal/models"
)

// rawItem accepts the field-name variants different server versions emit for
// a playlist entry. Older backends used uuid/file_url/duration, newer ones
// content_id/url/display_seconds; the box accepts all of them.
type rawItem struct {
	ID        string `json:"id"`
	UUID      string `json:"uuid"`
	ContentID string `json:"content_id"`

	URL       string `json:"url"`
	FileURL   string `json:"file_url"`
	SourceURL string `json:"source_url"`

	Kind      string `json:"kind"`
	Type      string `json:"type"`
	MediaType string `json:"media_type"`

	DisplaySeconds  *float64 `json:"display_seconds"`
	Duration        *float64 `json:"duration"`
	DurationSeconds *float64 `json:"duration_seconds"`

	Sequence *int `json:"sequence"`
	Order    *int `json:"order"`
	Position *int `json:"position"`

	Digest   string `json:"digest"`
	SHA256   string `json:"sha256"`
	Checksum string `json:"checksum"`
}

// rawManifest is the wire shape of a manifest response. Servers emit either
// {"version": N, "items": [...]} or a bare array of items.
type rawManifest struct {
	Version int64     `json:"version"`
	Items   []rawItem `json:"items"`
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}

func firstFloat(values ...*float64) float64 {
	for _, v := range values {
		if v != nil {
			return *v
		}
	}
	return 0
}

func firstInt(fallback int, values ...*int) int {
	for _, v := range values {
		if v != nil {
			return *v
		}
	}
	return fallback
}

// normalizeKind maps the server's media type string to a MediaKind. It
// tolerates MIME types ("video/mp4") as well as bare kind words.
func normalizeKind(raw string) models.MediaKind {
	k := strings.ToLower(strings.TrimSpace(raw))
	switch {
	case k == "video" || strings.HasPrefix(k, "video/"):
		return models.MediaKindVideo
	case k == "image" || k == "picture" || strings.HasPrefix(k, "image/"):
		return models.MediaKindImage
	case k == "announcement":
		// Announcements are rendered as timed images.
		return models.MediaKindImage
	default:
		return models.MediaKind(k)
	}
}

// inferKindFromURL guesses the media kind from the URL's file extension when
// the server omits a type entirely.
func inferKindFromURL(rawURL string) models.MediaKind {
	ext := strings.ToLower(path.Ext(rawURL))
	if i := strings.IndexByte(ext, '?'); i >= 0 {
		ext = ext[:i]
	}
	switch ext {
	case ".mp4", ".webm", ".ogv", ".mov", ".mkv":
		return models.MediaKindVideo
	case ".png", ".jpg", ".jpeg", ".gif", ".webp", ".bmp":
		return models.MediaKindImage
	default:
		return ""
	}
}

// normalizeItem converts a raw wire item into a PlaylistItem. It returns
// false when the item is malformed beyond repair (no usable ID or URL, or an
// unrecognizable media kind).
func normalizeItem(raw rawItem, position int) (models.PlaylistItem, bool) {
	id := firstNonEmpty(raw.ID, raw.UUID, raw.ContentID)
	url := firstNonEmpty(raw.URL, raw.FileURL, raw.SourceURL)
	if id == "" || url == "" {
		return models.PlaylistItem{}, false
	}

	kind := normalizeKind(firstNonEmpty(raw.Kind, raw.Type, raw.MediaType))
	if kind == "" {
		kind = inferKindFromURL(url)
	}
	if !kind.Valid() {
		return models.PlaylistItem{}, false
	}

	return models.PlaylistItem{
		ID:             id,
		Kind:           kind,
		SourceURL:      url,
		DisplaySeconds: int(firstFloat(raw.DisplaySeconds, raw.Duration, raw.DurationSeconds)),
		Sequence:       firstInt(position, raw.Sequence, raw.Order, raw.Position),
		Digest:         strings.ToLower(firstNonEmpty(raw.Digest, raw.SHA256, raw.Checksum)),
	}, true
}

// parseManifest decodes a manifest response body, normalizes every item, and
// drops malformed entries. The returned slice is sorted by sequence with the
// original order preserved across equal sequence numbers. The second return
// value counts dropped items.
func parseManifest(data []byte) (*models.Manifest, int, error) {
	var raw rawManifest
	if err := json.Unmarshal(data, &raw); err != nil {
		// Some servers return a bare item array.
		var items []rawItem
		if arrErr := json.Unmarshal(data, &items); arrErr != nil {
			return nil, 0, err
		}
		raw.Items = items
	}

	m := &models.Manifest{
		Version: raw.Version,
		Items:   make([]models.PlaylistItem, 0, len(raw.Items)),
	}

	dropped := 0
	for i, r := range raw.Items {
		item, ok := normalizeItem(r, i)
		if !ok {
			dropped++
			continue
		}
		m.Items = append(m.Items, item)
	}

	m.SortItems()
	return m, dropped, nil
}
