// Package testutil provides test utilities including sample data generation.
package testutil

import (
	"fmt"
	"time"

	"tvboxd/internal/models"
)

// Fictional campaign names for generated sample content.
// NEVER use real brand names in test data.
var campaigns = []string{
	"SummerSale",
	"MenuBoard",
	"WelcomeLoop",
	"ProductSpotlight",
	"EventPromo",
	"SeasonalGreeting",
	"StoreHours",
	"BrandReel",
}

// SampleVideo returns a video playlist item with deterministic fields
// derived from n.
func SampleVideo(n int) models.PlaylistItem {
	campaign := campaigns[n%len(campaigns)]
	return models.PlaylistItem{
		ID:        fmt.Sprintf("video-%03d", n),
		Kind:      models.MediaKindVideo,
		SourceURL: fmt.Sprintf("https://cdn.signage.test/%s/clip-%03d.mp4", campaign, n),
		Sequence:  n,
	}
}

// SampleImage returns an image playlist item with the given display duration.
func SampleImage(n, displaySeconds int) models.PlaylistItem {
	campaign := campaigns[n%len(campaigns)]
	return models.PlaylistItem{
		ID:             fmt.Sprintf("image-%03d", n),
		Kind:           models.MediaKindImage,
		SourceURL:      fmt.Sprintf("https://cdn.signage.test/%s/slide-%03d.png", campaign, n),
		DisplaySeconds: displaySeconds,
		Sequence:       n,
	}
}

// SampleManifest returns a manifest of n video items in sequence order.
func SampleManifest(version int64, n int) *models.Manifest {
	items := make([]models.PlaylistItem, 0, n)
	for i := 0; i < n; i++ {
		items = append(items, SampleVideo(i))
	}
	return &models.Manifest{
		Version:   version,
		FetchedAt: time.Now(),
		Items:     items,
	}
}
