// Package manifest keeps the device's playlist in sync with the signage
// server. A fetched manifest is validated, normalized, and persisted before
// it replaces the in-memory snapshot; a failed fetch never disturbs the
// last good snapshot, so the box keeps playing through server outages.
package manifest

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"tvboxd/internal/httpclient"
	"tvboxd/internal/models"
	"tvboxd/internal/repository"
)

// Synchronizer fetches, normalizes, and persists playlist manifests.
type Synchronizer struct {
	repo    repository.ManifestRepository
	client  *httpclient.Client
	logger  *slog.Logger
	baseURL string

	mu      sync.RWMutex
	current *models.Manifest
}

// NewSynchronizer creates a Synchronizer for the device at baseURL.
func NewSynchronizer(repo repository.ManifestRepository, client *httpclient.Client, baseURL string, logger *slog.Logger) *Synchronizer {
	return &Synchronizer{
		repo:    repo,
		client:  client,
		logger:  logger.With(slog.String("component", "manifest")),
		baseURL: baseURL,
	}
}

// LoadCached restores the last persisted manifest snapshot into memory.
// Returns models.ErrNoManifest when nothing has ever been persisted.
func (s *Synchronizer) LoadCached(ctx context.Context) (*models.Manifest, error) {
	m, err := s.repo.Load(ctx)
	if err != nil {
		return nil, fmt.Errorf("loading cached manifest: %w", err)
	}
	if m == nil {
		return nil, models.ErrNoManifest
	}

	s.mu.Lock()
	s.current = m
	s.mu.Unlock()

	s.logger.Info("restored cached manifest",
		slog.Int64("version", m.Version),
		slog.Int("items", m.ItemCount()),
		slog.Time("fetched_at", m.FetchedAt),
	)
	return m, nil
}

// Fetch pulls the manifest for deviceID from the server, normalizes it, and
// persists the result. The in-memory and persisted snapshots are only
// replaced after the response parses cleanly; any failure leaves the
// previous snapshot untouched. An empty manifest is a valid result.
func (s *Synchronizer) Fetch(ctx context.Context, deviceID string) (*models.Manifest, error) {
	url := fmt.Sprintf("%s/api/devices/%s/manifest", s.baseURL, deviceID)

	resp, err := s.client.Get(ctx, url)
	if err != nil {
		return nil, fmt.Errorf("fetching manifest: %w", err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return nil, fmt.Errorf("manifest fetch rejected with status %d: %w", resp.StatusCode, models.ErrAuth)
	case resp.StatusCode == http.StatusLocked:
		return nil, &models.BlockedError{Reason: "device blocked by server"}
	case resp.StatusCode < 200 || resp.StatusCode >= 300:
		return nil, fmt.Errorf("manifest fetch failed with status %d", resp.StatusCode)
	}

	data, err := readBody(resp)
	if err != nil {
		return nil, fmt.Errorf("reading manifest response: %w", err)
	}

	m, dropped, err := parseManifest(data)
	if err != nil {
		return nil, fmt.Errorf("parsing manifest: %w", err)
	}
	m.FetchedAt = time.Now().UTC()

	if dropped > 0 {
		s.logger.Warn("dropped malformed manifest items",
			slog.Int("dropped", dropped),
			slog.Int("kept", m.ItemCount()),
		)
	}

	if err := s.repo.Replace(ctx, m); err != nil {
		return nil, fmt.Errorf("persisting manifest: %w", err)
	}

	s.mu.Lock()
	s.current = m
	s.mu.Unlock()

	s.logger.Info("manifest synchronized",
		slog.Int64("version", m.Version),
		slog.Int("items", m.ItemCount()),
	)
	return m, nil
}

// Current returns the in-memory manifest snapshot, or nil when none has been
// loaded or fetched yet. The returned manifest is shared and must not be
// mutated by callers.
func (s *Synchronizer) Current() *models.Manifest {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.current
}

func readBody(resp *http.Response) ([]byte, error) {
	const maxManifestSize = 8 << 20 // 8 MiB is far beyond any real playlist
	return io.ReadAll(io.LimitReader(resp.Body, maxManifestSize))
}
