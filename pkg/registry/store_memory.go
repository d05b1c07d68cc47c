package registry

import (
	"context"
	"sort"
	"sync"

	"nas-connector/pkg/common"
	"nas-connector/pkg/models"
)

type memoryStore struct {
	mu      sync.RWMutex
	devices map[string]models.Device
}

func NewMemoryStore() Store {
	return &memoryStore{
		devices: make(map[string]models.Device),
	}
}

func (s *memoryStore) Load(_ context.Context, identity string) (*models.Device, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	dev, ok := s.devices[identity]
	if !ok {
		return nil, common.ErrDeviceNotFound
	}
	return &dev, nil
}

func (s *memoryStore) Save(_ context.Context, dev *models.Device) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.devices[dev.Identity] = *dev
	return nil
}

func (s *memoryStore) Delete(_ context.Context, identity string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.devices[identity]; !ok {
		return common.ErrDeviceNotFound
	}
	delete(s.devices, identity)
	return nil
}

func (s *memoryStore) List(_ context.Context) ([]*models.Device, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	devices := make([]*models.Device, 0, len(s.devices))
	for _, dev := range s.devices {
		dev := dev
		devices = append(devices, &dev)
	}
	sort.Slice(devices, func(i, j int) bool { return devices[i].Identity < devices[j].Identity })
	return devices, nil
}
