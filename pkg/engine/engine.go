// Package engine wires the resolution and session components together and
// exposes them per device identity. Every mutating operation on one device
// runs under that device's registry lock.
package engine

import (
	"context"
	"log/slog"
	"net/url"

	"github.com/benbjohnson/clock"

	"nas-connector/pkg/config"
	"nas-connector/pkg/fetch"
	"nas-connector/pkg/lookup"
	"nas-connector/pkg/models"
	"nas-connector/pkg/probe"
	"nas-connector/pkg/race"
	"nas-connector/pkg/registry"
	"nas-connector/pkg/resolver"
	"nas-connector/pkg/session"
	"nas-connector/pkg/state"
)

type Engine struct {
	registry   *registry.Registry
	states     *state.Machine
	enumerator *lookup.Enumerator
	prober     *probe.Prober
	racer      *race.Racer
	resolver   *resolver.Resolver
	sessions   *session.Manager
	client     *fetch.Client
	settings   config.Settings
	logger     *slog.Logger
}

// New builds an Engine from settings. transport is an outline-sdk transport
// config string, already resolved (see config.ResolveTransport).
func New(settings config.Settings, transport string, store registry.Store, clk clock.Clock, logger *slog.Logger) (*Engine, error) {
	if clk == nil {
		clk = clock.New()
	}

	client, err := fetch.NewClient(transport)
	if err != nil {
		return nil, err
	}

	enumerator, err := lookup.NewEnumerator(client, lookup.Config{
		Domain:        settings.LookupDomain,
		MarkerPattern: settings.LookupMarkerPattern,
		DDNSTemplate:  settings.DDNSTemplate,
		InvalidErrnos: settings.InvalidErrnos,
		Timeout:       settings.LookupTimeout,
		BaseURL:       settings.LookupURL,
	}, logger)
	if err != nil {
		return nil, err
	}

	states := state.NewMachine(logger)
	prober := probe.NewProber(client, settings.ProbePath, logger)
	racer := race.NewRacer(prober, settings.ProbeTimeout, logger)
	res := resolver.New(enumerator, prober, racer, states, clk, resolver.Config{
		RevalidateInterval: settings.RevalidateInterval,
		ProbeTimeout:       settings.ProbeTimeout,
	}, logger)
	sessions := session.NewManager(client, res, states, session.Config{
		LoginPath:           settings.LoginPath,
		Timeout:             settings.APITimeout,
		SessionInvalidCodes: settings.SessionInvalidCodes,
	}, logger)

	return &Engine{
		registry:   registry.New(store, clk),
		states:     states,
		enumerator: enumerator,
		prober:     prober,
		racer:      racer,
		resolver:   res,
		sessions:   sessions,
		client:     client,
		settings:   settings,
		logger:     logger,
	}, nil
}

func (e *Engine) Registry() *registry.Registry { return e.registry }
func (e *Engine) States() *state.Machine { return e.states }
func (e *Engine) Enumerator() *lookup.Enumerator { return e.enumerator }
func (e *Engine) Racer() *race.Racer { return e.racer }
func (e *Engine) Sessions() *session.Manager { return e.sessions }
func (e *Engine) Settings() config.Settings { return e.settings }

// Close releases idle connections of the shared HTTP client.
func (e *Engine) Close() {
	e.client.CloseIdleConnections()
}

// ResolveAddress returns a reachable address for the device, revalidating or
// re-resolving its cached one as needed. force skips the cache.
func (e *Engine) ResolveAddress(ctx context.Context, identity string, force bool) (string, error) {
	var address string
	err := e.registry.Update(ctx, identity, func(dev *models.Device) error {
		var err error
		address, err = e.resolver.Resolve(ctx, dev, force)
		return err
	})
	return address, err
}

// EnsureSession returns a session token valid for the device's current
// working address.
func (e *Engine) EnsureSession(ctx context.Context, identity string) (string, error) {
	var token string
	err := e.registry.Update(ctx, identity, func(dev *models.Device) error {
		var err error
		token, err = e.sessions.EnsureSession(ctx, dev)
		return err
	})
	return token, err
}

// Call performs an authenticated API call against the device and decodes
// the data field of the response into out.
func (e *Engine) Call(ctx context.Context, identity, path string, params url.Values, out any) error {
	return e.registry.Update(ctx, identity, func(dev *models.Device) error {
		return e.sessions.Call(ctx, dev, path, params, out)
	})
}

// SetCredentials replaces the stored credentials. The old session is dropped
// and the device goes back to Resolving until the next login.
func (e *Engine) SetCredentials(ctx context.Context, identity, username, password string) error {
	return e.registry.Update(ctx, identity, func(dev *models.Device) error {
		dev.Username = username
		dev.Password = password
		dev.ClearSession()
		e.states.Reset(dev)
		return nil
	})
}

// Availability is the availability signal of the device as last observed.
func (e *Engine) Availability(ctx context.Context, identity string) (models.Availability, error) {
	dev, err := e.registry.Get(ctx, identity)
	if err != nil {
		return models.Availability{}, err
	}
	return state.Availability(dev), nil
}

// Remove unregisters the device and destroys its session.
func (e *Engine) Remove(ctx context.Context, identity string) error {
	dev, err := e.registry.Remove(ctx, identity)
	if err != nil {
		return err
	}
	if dev.SessionToken != "" {
		e.logger.Info("Session destroyed", "identity", identity, "address", dev.SessionAddress)
	}
	dev.ClearSession()
	return nil
}
