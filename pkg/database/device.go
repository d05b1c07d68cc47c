package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"nas-connector/pkg/common"
	"nas-connector/pkg/models"
	"nas-connector/pkg/registry"
)

// DeviceStore implements registry.Store on the devices table.
type DeviceStore struct {
	db *DB
}

var _ registry.Store = (*DeviceStore)(nil)

func NewDeviceStore(db *DB) *DeviceStore {
	return &DeviceStore{db: db}
}

func (s *DeviceStore) Load(ctx context.Context, identity string) (*models.Device, error) {
	var dev models.Device
	err := s.db.NewSelect().
		Model(&dev).
		Where("identity = ?", identity).
		Scan(ctx)

	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, common.ErrDeviceNotFound
		}
		return nil, fmt.Errorf("error loading device %s: %w", identity, err)
	}

	return &dev, nil
}

func (s *DeviceStore) Save(ctx context.Context, dev *models.Device) error {
	_, err := s.db.NewInsert().
		Model(dev).
		On("CONFLICT (identity) DO UPDATE").
		Set("name = EXCLUDED.name").
		Set("username = EXCLUDED.username").
		Set("password = EXCLUDED.password").
		Set("working_address = EXCLUDED.working_address").
		Set("resolved_at = EXCLUDED.resolved_at").
		Set("session_token = EXCLUDED.session_token").
		Set("session_address = EXCLUDED.session_address").
		Set("state = EXCLUDED.state").
		Set("reason = EXCLUDED.reason").
		Set("updated_at = EXCLUDED.updated_at").
		Exec(ctx)

	if err != nil {
		return fmt.Errorf("error upserting device: %w", err)
	}

	return nil
}

func (s *DeviceStore) Delete(ctx context.Context, identity string) error {
	res, err := s.db.NewDelete().
		Model((*models.Device)(nil)).
		Where("identity = ?", identity).
		Exec(ctx)

	if err != nil {
		return fmt.Errorf("error removing device: %w", err)
	}

	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return common.ErrDeviceNotFound
	}

	return nil
}

func (s *DeviceStore) List(ctx context.Context) ([]*models.Device, error) {
	var devices []*models.Device
	err := s.db.NewSelect().
		Model(&devices).
		Order("identity ASC").
		Scan(ctx)

	if err != nil {
		return nil, fmt.Errorf("error listing devices: %w", err)
	}

	return devices, nil
}
