// Package resolver keeps the working address of each device and decides when
// a cheap revalidation is enough and when a full resolution must run.
package resolver

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/benbjohnson/clock"

	"nas-connector/pkg/common"
	"nas-connector/pkg/models"
	"nas-connector/pkg/probe"
	"nas-connector/pkg/race"
	"nas-connector/pkg/state"
)

// DefaultRevalidateInterval bounds how long a cached address is trusted
// without a full resolution.
const DefaultRevalidateInterval = 10 * time.Minute

type Enumerator interface {
	Enumerate(ctx context.Context, identity string) (models.CandidateSet, error)
}

type Prober interface {
	Probe(ctx context.Context, address string, timeout time.Duration) probe.Outcome
}

type Racer interface {
	Race(ctx context.Context, candidates []models.Candidate, progress chan<- race.Progress) (models.Candidate, error)
}

// Config for a Resolver.
type Config struct {
	RevalidateInterval time.Duration
	ProbeTimeout       time.Duration
}

// Resolver implements the working-address cache policy. Callers must
// serialize calls for the same device.
type Resolver struct {
	enumerator Enumerator
	prober     Prober
	racer      Racer
	states     *state.Machine
	clock      clock.Clock
	config     Config
	logger     *slog.Logger
}

// New creates a Resolver. A nil clk uses the wall clock.
func New(enumerator Enumerator, prober Prober, racer Racer, states *state.Machine, clk clock.Clock, cfg Config, logger *slog.Logger) *Resolver {
	if clk == nil {
		clk = clock.New()
	}
	if cfg.RevalidateInterval <= 0 {
		cfg.RevalidateInterval = DefaultRevalidateInterval
	}
	return &Resolver{
		enumerator: enumerator,
		prober:     prober,
		racer:      racer,
		states:     states,
		clock:      clk,
		config:     cfg,
		logger:     logger,
	}
}

// Stale reports whether dev needs a full resolution regardless of probes.
func (r *Resolver) Stale(dev *models.Device) bool {
	return dev.WorkingAddress == "" || r.clock.Since(dev.ResolvedAt) > r.config.RevalidateInterval
}

// Resolve returns a reachable address for dev, updating its cache fields and
// connectivity state. Errors match common.ErrBlocked or common.ErrUnreachable.
func (r *Resolver) Resolve(ctx context.Context, dev *models.Device, force bool) (string, error) {
	logger := r.logger.With("identity", dev.Identity)

	if !force && !r.Stale(dev) {
		switch r.prober.Probe(ctx, dev.WorkingAddress, r.config.ProbeTimeout) {
		case probe.Reachable:
			r.states.Apply(dev, state.Reachable)
			return dev.WorkingAddress, nil
		case probe.Blocked:
			r.states.Apply(dev, state.Blocked)
			return "", fmt.Errorf("%w: %s", common.ErrBlocked, dev.WorkingAddress)
		default:
			// A single miss does not prove the address moved, but there is
			// no cheaper fallback than a full resolution.
			logger.Info("Cached address failed revalidation", "address", dev.WorkingAddress)
		}
	}

	return r.resolveFull(ctx, dev, logger)
}

func (r *Resolver) resolveFull(ctx context.Context, dev *models.Device, logger *slog.Logger) (string, error) {
	logger.Debug("Running full resolution", "cached", dev.WorkingAddress, "resolvedAt", dev.ResolvedAt)

	set, err := r.enumerator.Enumerate(ctx, dev.Identity)
	if err != nil {
		logger.Warn("Candidate lookup failed", "error", err)
		r.states.Apply(dev, state.Unreachable)
		return "", fmt.Errorf("%w: %w", common.ErrUnreachable, err)
	}

	winner, err := r.racer.Race(ctx, set.Candidates, nil)
	if err != nil {
		if errors.Is(err, common.ErrBlocked) {
			r.states.Apply(dev, state.Blocked)
			return "", err
		}
		logger.Warn("No candidate reachable", "candidates", set.Addresses(), "error", err)
		r.states.Apply(dev, state.Unreachable)
		return "", fmt.Errorf("%w: %w", common.ErrUnreachable, err)
	}

	if dev.WorkingAddress != winner.Address {
		logger.Info("Working address changed", "from", dev.WorkingAddress, "to", winner.Address, "origin", winner.Origin)
	}
	r.Store(dev, winner.Address)
	r.states.Apply(dev, state.Reachable)
	return winner.Address, nil
}

// Store records address as freshly resolved. A session issued by another
// address is dropped.
func (r *Resolver) Store(dev *models.Device, address string) {
	if dev.SessionToken != "" && dev.SessionAddress != address {
		dev.ClearSession()
	}
	dev.WorkingAddress = address
	dev.ResolvedAt = r.clock.Now()
}
