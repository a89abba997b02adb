package repository

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"gorm.io/gorm"

	"tvboxd/internal/models"
)

// manifestRepo implements ManifestRepository using GORM.
type manifestRepo struct {
	db *gorm.DB
}

// NewManifestRepository creates a new ManifestRepository.
func NewManifestRepository(db *gorm.DB) ManifestRepository {
	return &manifestRepo{db: db}
}

// Load returns the last-known-good manifest, or nil if none was ever stored.
func (r *manifestRepo) Load(ctx context.Context) (*models.Manifest, error) {
	var record models.ManifestRecord
	if err := r.db.WithContext(ctx).First(&record).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, fmt.Errorf("loading manifest snapshot: %w", err)
	}

	var items []models.PlaylistItem
	if err := json.Unmarshal([]byte(record.ItemsJSON), &items); err != nil {
		return nil, fmt.Errorf("decoding manifest snapshot: %w", err)
	}

	return &models.Manifest{
		Version:   record.Version,
		FetchedAt: record.FetchedAt,
		Items:     items,
	}, nil
}

// Replace atomically swaps the single snapshot row for the given manifest.
func (r *manifestRepo) Replace(ctx context.Context, manifest *models.Manifest) error {
	itemsJSON, err := json.Marshal(manifest.Items)
	if err != nil {
		return fmt.Errorf("encoding manifest snapshot: %w", err)
	}

	err = r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("1 = 1").Delete(&models.ManifestRecord{}).Error; err != nil {
			return err
		}
		return tx.Create(&models.ManifestRecord{
			Version:   manifest.Version,
			FetchedAt: manifest.FetchedAt,
			ItemsJSON: string(itemsJSON),
		}).Error
	})
	if err != nil {
		return fmt.Errorf("replacing manifest snapshot: %w", err)
	}
	return nil
}
