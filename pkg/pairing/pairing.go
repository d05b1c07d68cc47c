// Package pairing runs the interactive device setup flow: discover the
// device in the background, log in with the user's credentials, then
// register it unless the identity is already known.
package pairing

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/google/uuid"

	"nas-connector/pkg/common"
	"nas-connector/pkg/models"
	"nas-connector/pkg/race"
)

// ErrNotLoggedIn is returned by Finalize before a successful Login.
var ErrNotLoggedIn = errors.New("pairing has no successful login")

const eventBuffer = 32

type Kind string

const (
	KindProgress Kind = "progress"
	KindInvalid  Kind = "invalid"
	KindSuccess  Kind = "success"
	KindError    Kind = "error"
)

// Event is sent on the channel returned by Discover. Every discovery ends
// with exactly one event whose Kind is not KindProgress, also when it is
// cancelled (KindError with context.Canceled). Progress events are dropped
// while the reader lags behind.
type Event struct {
	Kind     Kind
	Progress race.Progress
	Address  string
	Err      error
}

func (e Event) Terminal() bool {
	return e.Kind != KindProgress
}

type Enumerator interface {
	Enumerate(ctx context.Context, identity string) (models.CandidateSet, error)
}

type Racer interface {
	Race(ctx context.Context, candidates []models.Candidate, progress chan<- race.Progress) (models.Candidate, error)
}

type Authenticator interface {
	LoginAt(ctx context.Context, dev *models.Device, address string) (string, error)
}

type Registrar interface {
	Add(ctx context.Context, dev *models.Device) error
}

// pairingSession holds the tentative state of one flow.
type pairingSession struct {
	id        string
	identity  string
	address   string
	device    *models.Device
	expiresAt time.Time
	cancel    context.CancelFunc
}

type Orchestrator struct {
	enumerator Enumerator
	racer      Racer
	auth       Authenticator
	registrar  Registrar
	clock      clock.Clock
	ttl        time.Duration
	logger     *slog.Logger

	mu       sync.Mutex
	sessions map[string]*pairingSession
}

func NewOrchestrator(enumerator Enumerator, racer Racer, auth Authenticator, registrar Registrar, clk clock.Clock, ttl time.Duration, logger *slog.Logger) *Orchestrator {
	if clk == nil {
		clk = clock.New()
	}
	return &Orchestrator{
		enumerator: enumerator,
		racer:      racer,
		auth:       auth,
		registrar:  registrar,
		clock:      clk,
		ttl:        ttl,
		logger:     logger,
		sessions:   make(map[string]*pairingSession),
	}
}

// Discover starts resolving identity in the background and returns at once.
// The channel is closed after the terminal event.
func (o *Orchestrator) Discover(identity string) (string, <-chan Event) {
	o.Prune()

	ctx, cancel := context.WithCancel(context.Background())
	ps := &pairingSession{
		id:        uuid.NewString(),
		identity:  identity,
		expiresAt: o.clock.Now().Add(o.ttl),
		cancel:    cancel,
	}

	o.mu.Lock()
	o.sessions[ps.id] = ps
	o.mu.Unlock()

	events := make(chan Event, eventBuffer)
	go o.discover(ctx, ps, events)

	o.logger.Info("Pairing started", "pairing", ps.id, "identity", identity)
	return ps.id, events
}

func (o *Orchestrator) discover(ctx context.Context, ps *pairingSession, events chan<- Event) {
	defer close(events)

	// Only this goroutine sends, so keeping the last slot free for the
	// terminal event means finish never blocks. Progress that would take
	// that slot is dropped.
	progressEvent := func(p race.Progress) {
		if len(events) < cap(events)-1 {
			events <- Event{Kind: KindProgress, Progress: p}
		}
	}
	finish := func(e Event) {
		if ctx.Err() != nil {
			e = Event{Kind: KindError, Err: ctx.Err()}
		}
		events <- e
	}

	set, err := o.enumerator.Enumerate(ctx, ps.identity)
	if err != nil {
		if errors.Is(err, common.ErrInvalidIdentity) {
			finish(Event{Kind: KindInvalid, Err: err})
		} else {
			finish(Event{Kind: KindError, Err: err})
		}
		return
	}

	progress := make(chan race.Progress)
	forwarded := make(chan struct{})
	go func() {
		defer close(forwarded)
		for p := range progress {
			progressEvent(p)
		}
	}()

	winner, err := o.racer.Race(ctx, set.Candidates, progress)
	close(progress)
	<-forwarded

	if err != nil {
		o.logger.Info("Pairing discovery failed", "pairing", ps.id, "error", err)
		finish(Event{Kind: KindError, Err: err})
		return
	}

	o.mu.Lock()
	ps.address = winner.Address
	o.mu.Unlock()

	o.logger.Info("Pairing discovered device", "pairing", ps.id, "address", winner.Address, "origin", winner.Origin)
	finish(Event{Kind: KindSuccess, Address: winner.Address})
}

func (o *Orchestrator) get(id string) (*pairingSession, error) {
	o.mu.Lock()
	defer o.mu.Unlock()

	ps, ok := o.sessions[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", common.ErrPairingNotFound, id)
	}
	if !o.clock.Now().Before(ps.expiresAt) {
		o.drop(ps)
		return nil, fmt.Errorf("%w: %s expired", common.ErrPairingNotFound, id)
	}
	return ps, nil
}

// drop must be called with o.mu held.
func (o *Orchestrator) drop(ps *pairingSession) {
	ps.cancel()
	delete(o.sessions, ps.id)
}

// Login submits credentials against address, or against the discovered
// address when address is empty. Errors match common.ErrBlocked,
// common.ErrInvalidCredentials or something else.
func (o *Orchestrator) Login(ctx context.Context, id, username, password, address string) (string, error) {
	ps, err := o.get(id)
	if err != nil {
		return "", err
	}

	o.mu.Lock()
	if address == "" {
		address = ps.address
	}
	identity := ps.identity
	o.mu.Unlock()
	if address == "" {
		return "", fmt.Errorf("%w: no address for pairing %s", common.ErrUnreachable, id)
	}

	dev := &models.Device{
		Identity: identity,
		Username: username,
		Password: password,
		State:    models.StateResolving,
	}
	token, err := o.auth.LoginAt(ctx, dev, address)
	if err != nil {
		return "", err
	}

	o.mu.Lock()
	dev.WorkingAddress = address
	dev.ResolvedAt = o.clock.Now()
	ps.address = address
	ps.device = dev
	o.mu.Unlock()
	return token, nil
}

// Finalize registers the paired device under name. The flow ends here on
// success and on a duplicate identity; the latter leaves the registry as it
// was.
func (o *Orchestrator) Finalize(ctx context.Context, id, name string) (*models.Device, error) {
	ps, err := o.get(id)
	if err != nil {
		return nil, err
	}

	o.mu.Lock()
	dev := ps.device
	o.mu.Unlock()
	if dev == nil {
		return nil, fmt.Errorf("%w: %s", ErrNotLoggedIn, id)
	}
	dev.Name = name

	err = o.registrar.Add(ctx, dev)
	if err != nil && !errors.Is(err, common.ErrDuplicateDevice) {
		return nil, err
	}

	o.mu.Lock()
	o.drop(ps)
	o.mu.Unlock()

	if err != nil {
		o.logger.Warn("Pairing rejected duplicate device", "pairing", id, "identity", dev.Identity)
		return nil, err
	}
	o.logger.Info("Device paired", "pairing", id, "identity", dev.Identity, "address", dev.WorkingAddress)
	return dev, nil
}

// Cancel abandons the flow and stops a running discovery.
func (o *Orchestrator) Cancel(id string) error {
	o.mu.Lock()
	defer o.mu.Unlock()

	ps, ok := o.sessions[id]
	if !ok {
		return fmt.Errorf("%w: %s", common.ErrPairingNotFound, id)
	}
	o.drop(ps)
	return nil
}

// Prune drops expired flows.
func (o *Orchestrator) Prune() {
	o.mu.Lock()
	defer o.mu.Unlock()

	now := o.clock.Now()
	for _, ps := range o.sessions {
		if !now.Before(ps.expiresAt) {
			o.drop(ps)
		}
	}
}
