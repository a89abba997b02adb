// Package repository provides persistence for the device-local state.
package repository

import (
	"context"

	"tvboxd/internal/models"
)

// IdentityRepository persists the durable device credential.
type IdentityRepository interface {
	// Load returns the persisted identity, or nil if the device has not
	// registered yet.
	Load(ctx context.Context) (*models.DeviceIdentity, error)

	// Save stores or replaces the identity. At most one row exists.
	Save(ctx context.Context, identity *models.DeviceIdentity) error
}

// ManifestRepository persists the last-known-good manifest snapshot.
type ManifestRepository interface {
	// Load returns the last successfully persisted manifest, or nil if
	// none has ever been stored.
	Load(ctx context.Context) (*models.Manifest, error)

	// Replace atomically stores the manifest as the new last-known-good
	// snapshot. It is only called after a fetch validated; a fetch
	// failure never reaches this method, so the prior snapshot survives.
	Replace(ctx context.Context, manifest *models.Manifest) error
}
