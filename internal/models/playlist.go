// Package models defines the domain types and device-local database models
// for tvboxd.
package models

import (
	"sort"
	"time"
)

// MediaKind discriminates how a playlist item is rendered.
type MediaKind string

const (
	// MediaKindVideo plays until the media reports its natural end.
	MediaKindVideo MediaKind = "video"

	// MediaKindImage displays for a fixed number of seconds.
	MediaKindImage MediaKind = "image"
)

// Valid reports whether the kind is a known media kind.
func (k MediaKind) Valid() bool {
	return k == MediaKindVideo || k == MediaKindImage
}

// PlaylistItem is one entry of a manifest.
//
// Items are immutable once part of a committed Manifest: the synchronizer
// replaces the whole sequence wholesale on every successful fetch and
// never mutates entries in place.
type PlaylistItem struct {
	// ID is the opaque content identifier, unique within a manifest.
	ID string `json:"id"`

	// Kind selects the playback mode.
	Kind MediaKind `json:"kind"`

	// SourceURL is the absolute URL the media is fetched from.
	SourceURL string `json:"source_url"`

	// DisplaySeconds is the display duration for images. For videos the
	// duration comes from the decoded media, never from this field.
	DisplaySeconds int `json:"display_seconds,omitempty"`

	// Sequence defines canonical playback order. Unique within a
	// manifest; gaps are allowed.
	Sequence int `json:"sequence"`

	// Digest is an optional SHA-256 hex digest used to validate cached bytes.
	Digest string `json:"digest,omitempty"`
}

// Manifest is a versioned, ordered sequence of playlist items.
//
// A Manifest is an immutable snapshot: the playback scheduler holds a
// reference to exactly one committed Manifest at a time and switches to a
// newer one only at a transition boundary.
type Manifest struct {
	// Version is a monotonic marker for change detection.
	Version int64 `json:"version"`

	// FetchedAt is when this manifest was fetched from the server.
	FetchedAt time.Time `json:"fetched_at"`

	// Items is the ordered playback sequence.
	Items []PlaylistItem `json:"items"`
}

// SortItems orders items by Sequence. The sort is stable so ties keep the
// original server array order.
func (m *Manifest) SortItems() {
	sort.SliceStable(m.Items, func(i, j int) bool {
		return m.Items[i].Sequence < m.Items[j].Sequence
	})
}

// ItemCount returns the number of items in the manifest.
func (m *Manifest) ItemCount() int {
	if m == nil {
		return 0
	}
	return len(m.Items)
}

// IsEmpty reports whether the manifest has no playable items. An empty
// manifest is a valid (if degenerate) result, distinct from a fetch error.
func (m *Manifest) IsEmpty() bool {
	return m.ItemCount() == 0
}

// Clamp bounds an item index to the manifest, wrapping negative values to
// zero and indexes past the end to the last item. Returns 0 for an empty
// manifest.
func (m *Manifest) Clamp(index int) int {
	n := m.ItemCount()
	if n == 0 || index < 0 {
		return 0
	}
	if index >= n {
		return n - 1
	}
	return index
}

// Item returns the item at index. The caller must bound the index first.
func (m *Manifest) Item(index int) PlaylistItem {
	return m.Items[index]
}
