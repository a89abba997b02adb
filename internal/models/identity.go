package models

import "time"

// DeviceIdentity is the durable device credential, persisted once after a
// successful registration and reused across restarts. There is at most one
// row; clearing the media cache never touches it.
type DeviceIdentity struct {
	ID uint `gorm:"primaryKey" json:"-"`

	// DeviceUUID is the locally generated stable UUID sent at registration.
	DeviceUUID string `gorm:"size:36;uniqueIndex;not null" json:"device_uuid"`

	// DeviceID is the server-assigned device identifier.
	DeviceID string `gorm:"size:64;not null" json:"device_id"`

	// Token is the long-lived bearer credential for manifest fetches and
	// the live update channel. Redacted from logs.
	Token string `gorm:"size:512;not null" json:"-"`

	// Name is the display name this device registered under.
	Name string `gorm:"size:255" json:"name"`

	// TenantID is the tenant the device belongs to.
	TenantID string `gorm:"size:64" json:"tenant_id"`

	RegisteredAt time.Time `json:"registered_at"`
	UpdatedAt    time.Time `json:"updated_at"`
}

// TableName returns the table name for DeviceIdentity.
func (DeviceIdentity) TableName() string {
	return "device_identity"
}

// ManifestRecord is the persisted last-known-good manifest. A single row
// that is atomically replaced after every successful fetch and never
// cleared on fetch failure.
type ManifestRecord struct {
	ID uint `gorm:"primaryKey" json:"-"`

	Version   int64     `gorm:"not null" json:"version"`
	FetchedAt time.Time `gorm:"not null" json:"fetched_at"`

	// ItemsJSON is the serialized ordered item sequence.
	ItemsJSON string `gorm:"type:text;not null" json:"-"`

	UpdatedAt time.Time `json:"updated_at"`
}

// TableName returns the table name for ManifestRecord.
func (ManifestRecord) TableName() string {
	return "manifest_snapshot"
}
