package testutil

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tvboxd/internal/models"
)

func TestSampleManifest(t *testing.T) {
	m := SampleManifest(3, 5)

	assert.Equal(t, int64(3), m.Version)
	require.Len(t, m.Items, 5)

	seen := make(map[string]bool)
	for i, item := range m.Items {
		assert.Equal(t, i, item.Sequence)
		assert.Equal(t, models.MediaKindVideo, item.Kind)
		assert.True(t, item.Kind.Valid())
		assert.NotEmpty(t, item.SourceURL)
		assert.False(t, seen[item.ID], "duplicate id %s", item.ID)
		seen[item.ID] = true
	}
}

func TestSampleImageCarriesDuration(t *testing.T) {
	item := SampleImage(2, 15)

	assert.Equal(t, models.MediaKindImage, item.Kind)
	assert.Equal(t, 15, item.DisplaySeconds)
	assert.Equal(t, 2, item.Sequence)
}
