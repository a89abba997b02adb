package repository

import (
	"context"
	"errors"
	"fmt"

	"gorm.io/gorm"

	"tvboxd/internal/models"
)

// identityRepo implements IdentityRepository using GORM.
type identityRepo struct {
	db *gorm.DB
}

// NewIdentityRepository creates a new IdentityRepository.
func NewIdentityRepository(db *gorm.DB) IdentityRepository {
	return &identityRepo{db: db}
}

// Load returns the persisted identity, or nil if none exists.
func (r *identityRepo) Load(ctx context.Context) (*models.DeviceIdentity, error) {
	var identity models.DeviceIdentity
	if err := r.db.WithContext(ctx).First(&identity).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, fmt.Errorf("loading device identity: %w", err)
	}
	return &identity, nil
}

// Save stores or replaces the single identity row.
func (r *identityRepo) Save(ctx context.Context, identity *models.DeviceIdentity) error {
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("1 = 1").Delete(&models.DeviceIdentity{}).Error; err != nil {
			return err
		}
		identity.ID = 0
		return tx.Create(identity).Error
	})
	if err != nil {
		return fmt.Errorf("saving device identity: %w", err)
	}
	return nil
}
