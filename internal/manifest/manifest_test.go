package manifest

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tvboxd/internal/httpclient"
	"tvboxd/internal/models"
)

type memoryManifestRepo struct {
	snapshot *models.Manifest
	replaces int
}

func (m *memoryManifestRepo) Load(ctx context.Context) (*models.Manifest, error) {
	return m.snapshot, nil
}

func (m *memoryManifestRepo) Replace(ctx context.Context, manifest *models.Manifest) error {
	m.snapshot = manifest
	m.replaces++
	return nil
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestClient() *httpclient.Client {
	cfg := httpclient.DefaultConfig()
	cfg.RetryAttempts = 0
	cfg.Logger = discardLogger()
	return httpclient.New(cfg)
}

func TestParseManifestNormalizesFieldVariants(t *testing.T) {
	// Three generations of server payloads mixed in one manifest.
	body := `{
		"version": 12,
		"items": [
			{"id": "a", "url": "http://cdn/a.mp4", "kind": "video", "display_seconds": 0, "sequence": 2, "digest": "AABB"},
			{"uuid": "b", "file_url": "http://cdn/b.png", "type": "image", "duration": 7, "order": 1, "sha256": "ccdd"},
			{"content_id": "c", "source_url": "http://cdn/c.jpg", "media_type": "image/jpeg", "duration_seconds": 5, "position": 3, "checksum": "eeff"}
		]
	}`

	m, dropped, err := parseManifest([]byte(body))
	require.NoError(t, err)
	assert.Zero(t, dropped)
	require.Equal(t, 3, m.ItemCount())
	assert.Equal(t, int64(12), m.Version)

	// Sorted by sequence regardless of which alias carried it.
	assert.Equal(t, "b", m.Items[0].ID)
	assert.Equal(t, "a", m.Items[1].ID)
	assert.Equal(t, "c", m.Items[2].ID)

	assert.Equal(t, models.MediaKindImage, m.Items[0].Kind)
	assert.Equal(t, 7, m.Items[0].DisplaySeconds)
	assert.Equal(t, "ccdd", m.Items[0].Digest)
	assert.Equal(t, "aabb", m.Items[1].Digest)
}

func TestParseManifestDropsMalformedItems(t *testing.T) {
	body := `{
		"version": 3,
		"items": [
			{"id": "good", "url": "http://cdn/good.mp4", "kind": "video"},
			{"id": "no-url", "kind": "video"},
			{"url": "http://cdn/no-id.png", "kind": "image"},
			{"id": "bad-kind", "url": "http://cdn/x.xyz", "kind": "audio"}
		]
	}`

	m, dropped, err := parseManifest([]byte(body))
	require.NoError(t, err)
	assert.Equal(t, 3, dropped)
	require.Equal(t, 1, m.ItemCount())
	assert.Equal(t, "good", m.Items[0].ID)
}

func TestParseManifestInfersKindFromExtension(t *testing.T) {
	body := `{"items": [
		{"id": "v", "url": "http://cdn/clip.webm"},
		{"id": "i", "url": "http://cdn/poster.jpeg"}
	]}`

	m, dropped, err := parseManifest([]byte(body))
	require.NoError(t, err)
	assert.Zero(t, dropped)
	require.Equal(t, 2, m.ItemCount())
	assert.Equal(t, models.MediaKindVideo, m.Items[0].Kind)
	assert.Equal(t, models.MediaKindImage, m.Items[1].Kind)
}

func TestParseManifestAnnouncementRendersAsImage(t *testing.T) {
	body := `{"items": [
		{"id": "promo", "url": "http://cdn/promo.png", "kind": "announcement", "display_seconds": 15}
	]}`

	m, dropped, err := parseManifest([]byte(body))
	require.NoError(t, err)
	assert.Zero(t, dropped)
	require.Equal(t, 1, m.ItemCount())
	assert.Equal(t, models.MediaKindImage, m.Items[0].Kind)
	assert.Equal(t, 15, m.Items[0].DisplaySeconds)
}

func TestParseManifestBareArray(t *testing.T) {
	body := `[{"id": "a", "url": "http://cdn/a.png", "kind": "image"}]`

	m, dropped, err := parseManifest([]byte(body))
	require.NoError(t, err)
	assert.Zero(t, dropped)
	assert.Equal(t, 1, m.ItemCount())
}

func TestParseManifestStableOrderForEqualSequence(t *testing.T) {
	body := `{"items": [
		{"id": "first", "url": "http://cdn/1.png", "kind": "image", "sequence": 5},
		{"id": "second", "url": "http://cdn/2.png", "kind": "image", "sequence": 5},
		{"id": "third", "url": "http://cdn/3.png", "kind": "image", "sequence": 5}
	]}`

	m, _, err := parseManifest([]byte(body))
	require.NoError(t, err)
	assert.Equal(t, "first", m.Items[0].ID)
	assert.Equal(t, "second", m.Items[1].ID)
	assert.Equal(t, "third", m.Items[2].ID)
}

func TestFetchPersistsManifest(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/devices/dev-1/manifest", r.URL.Path)
		w.Write([]byte(`{"version": 8, "items": [{"id": "a", "url": "http://cdn/a.mp4", "kind": "video"}]}`))
	}))
	defer srv.Close()

	repo := &memoryManifestRepo{}
	s := NewSynchronizer(repo, newTestClient(), srv.URL, discardLogger())

	m, err := s.Fetch(context.Background(), "dev-1")
	require.NoError(t, err)
	assert.Equal(t, int64(8), m.Version)
	assert.False(t, m.FetchedAt.IsZero())

	require.NotNil(t, repo.snapshot)
	assert.Equal(t, int64(8), repo.snapshot.Version)
	assert.Same(t, m, s.Current())
}

func TestFetchEmptyManifestIsValid(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"version": 2, "items": []}`))
	}))
	defer srv.Close()

	repo := &memoryManifestRepo{}
	s := NewSynchronizer(repo, newTestClient(), srv.URL, discardLogger())

	m, err := s.Fetch(context.Background(), "dev-1")
	require.NoError(t, err)
	assert.True(t, m.IsEmpty())
	assert.Equal(t, 1, repo.replaces)
}

func TestFetchFailurePreservesSnapshot(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	previous := &models.Manifest{Version: 4, Items: []models.PlaylistItem{
		{ID: "keep", Kind: models.MediaKindImage, SourceURL: "http://cdn/keep.png"},
	}}
	repo := &memoryManifestRepo{snapshot: previous}
	s := NewSynchronizer(repo, newTestClient(), srv.URL, discardLogger())

	_, err := s.LoadCached(context.Background())
	require.NoError(t, err)

	_, err = s.Fetch(context.Background(), "dev-1")
	require.Error(t, err)

	// Both the in-memory and persisted snapshots survive the failure.
	assert.Same(t, previous, s.Current())
	assert.Same(t, previous, repo.snapshot)
	assert.Zero(t, repo.replaces)
}

func TestFetchAuthFailure(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
	}))
	defer srv.Close()

	s := NewSynchronizer(&memoryManifestRepo{}, newTestClient(), srv.URL, discardLogger())

	_, err := s.Fetch(context.Background(), "dev-1")
	assert.ErrorIs(t, err, models.ErrAuth)
}

func TestFetchBlockedDevice(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusLocked)
	}))
	defer srv.Close()

	s := NewSynchronizer(&memoryManifestRepo{}, newTestClient(), srv.URL, discardLogger())

	_, err := s.Fetch(context.Background(), "dev-1")
	require.Error(t, err)
	assert.True(t, models.IsBlocked(err))
}

func TestLoadCachedWithoutSnapshot(t *testing.T) {
	s := NewSynchronizer(&memoryManifestRepo{}, newTestClient(), "http://unused", discardLogger())

	_, err := s.LoadCached(context.Background())
	assert.ErrorIs(t, err, models.ErrNoManifest)
}
