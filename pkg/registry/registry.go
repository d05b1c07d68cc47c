// Package registry holds the per-device records keyed by identity and
// serializes every mutating operation on a single device.
package registry

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/benbjohnson/clock"

	"nas-connector/pkg/common"
	"nas-connector/pkg/models"
)

// Registry wraps a Store with one lock per identity. Operations on different
// devices never contend.
type Registry struct {
	store Store
	clock clock.Clock

	mu    sync.Mutex
	locks map[string]*deviceLock
}

// deviceLock is dropped from the map when its last holder or waiter is done.
type deviceLock struct {
	sync.Mutex
	refs int
}

func New(store Store, clk clock.Clock) *Registry {
	if clk == nil {
		clk = clock.New()
	}
	return &Registry{
		store: store,
		clock: clk,
		locks: make(map[string]*deviceLock),
	}
}

func (r *Registry) lock(identity string) func() {
	r.mu.Lock()
	l, ok := r.locks[identity]
	if !ok {
		l = &deviceLock{}
		r.locks[identity] = l
	}
	l.refs++
	r.mu.Unlock()

	l.Lock()
	return func() {
		l.Unlock()

		r.mu.Lock()
		l.refs--
		if l.refs == 0 {
			delete(r.locks, identity)
		}
		r.mu.Unlock()
	}
}

// Add registers a new device. An existing identity yields
// common.ErrDuplicateDevice and leaves the stored record untouched.
func (r *Registry) Add(ctx context.Context, dev *models.Device) error {
	if !models.ValidIdentity(dev.Identity) {
		return fmt.Errorf("%w: %q", common.ErrInvalidIdentity, dev.Identity)
	}
	unlock := r.lock(dev.Identity)
	defer unlock()

	_, err := r.store.Load(ctx, dev.Identity)
	switch {
	case err == nil:
		return fmt.Errorf("%w: %s", common.ErrDuplicateDevice, dev.Identity)
	case !errors.Is(err, common.ErrDeviceNotFound):
		return err
	}

	now := r.clock.Now()
	dev.CreatedAt = now
	dev.UpdatedAt = now
	if dev.State == "" {
		dev.State = models.StateResolving
	}
	return r.store.Save(ctx, dev)
}

// Get returns a snapshot of the device record.
func (r *Registry) Get(ctx context.Context, identity string) (*models.Device, error) {
	return r.store.Load(ctx, identity)
}

func (r *Registry) List(ctx context.Context) ([]*models.Device, error) {
	return r.store.List(ctx)
}

// Update runs fn on the device while holding its lock and saves the record
// afterwards, also when fn fails, so that state transitions and cache
// invalidations made before the failure are kept. The error of fn is
// returned unchanged.
func (r *Registry) Update(ctx context.Context, identity string, fn func(dev *models.Device) error) error {
	unlock := r.lock(identity)
	defer unlock()

	dev, err := r.store.Load(ctx, identity)
	if err != nil {
		return err
	}

	fnErr := fn(dev)
	dev.UpdatedAt = r.clock.Now()
	if err := r.store.Save(context.WithoutCancel(ctx), dev); err != nil {
		return errors.Join(fnErr, fmt.Errorf("save device %s: %w", identity, err))
	}
	return fnErr
}

// Remove deletes the device and returns the record as it was stored.
func (r *Registry) Remove(ctx context.Context, identity string) (*models.Device, error) {
	unlock := r.lock(identity)
	defer unlock()

	dev, err := r.store.Load(ctx, identity)
	if err != nil {
		return nil, err
	}
	if err := r.store.Delete(ctx, identity); err != nil {
		return nil, err
	}
	return dev, nil
}
