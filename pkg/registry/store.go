package registry

import (
	"context"

	"nas-connector/pkg/models"
)

// Store persists device records. Load returns common.ErrDeviceNotFound for
// unknown identities.
type Store interface {
	// Load retrieves a device by identity
	Load(ctx context.Context, identity string) (*models.Device, error)
	// Save stores or updates a device
	Save(ctx context.Context, dev *models.Device) error
	// Delete removes a device, returning common.ErrDeviceNotFound if absent
	Delete(ctx context.Context, identity string) error
	// List returns all devices ordered by identity
	List(ctx context.Context) ([]*models.Device, error)
}
