package maintenance

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tvboxd/internal/storage"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestNewRunnerWiresJobs(t *testing.T) {
	cache, err := storage.NewMediaCache(t.TempDir(), 10, discardLogger())
	require.NoError(t, err)

	resync := func(ctx context.Context) error { return nil }

	r, err := New(cache, time.Minute, 5*time.Minute, resync, discardLogger())
	require.NoError(t, err)

	r.Start()
	r.Stop()
}

func TestEvictExpiredJob(t *testing.T) {
	cache, err := storage.NewMediaCache(t.TempDir(), 10, discardLogger())
	require.NoError(t, err)

	// An opportunistic entry (no digest confirmation) that is already stale.
	_, err = cache.Put("old", "image/png", []byte("bytes"), "")
	require.NoError(t, err)

	r, err := New(cache, 0, 0, nil, discardLogger())
	require.NoError(t, err)

	r.evictExpired()

	entries, _ := cache.Stats()
	assert.Zero(t, entries)
}

func TestEverySchedule(t *testing.T) {
	assert.Equal(t, "@every 5m0s", everySchedule(5*time.Minute))
	assert.Equal(t, "@every 1m0s", everySchedule(time.Second))
}
