// Package probe checks whether a single candidate address reaches the device.
package probe

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"nas-connector/pkg/fetch"
)

// Outcome is the result of probing one address.
type Outcome int

const (
	Unreachable Outcome = iota
	Reachable
	// Blocked means the address is right but the device denied our origin.
	Blocked
)

func (o Outcome) String() string {
	switch o {
	case Reachable:
		return "reachable"
	case Blocked:
		return "blocked"
	default:
		return "unreachable"
	}
}

// Fetcher is the subset of fetch.Client used by the prober.
type Fetcher interface {
	Do(ctx context.Context, req fetch.Request) (*fetch.Result, error)
}

// Prober fetches a cheap static resource under a candidate address.
type Prober struct {
	fetcher Fetcher
	path    string
	logger  *slog.Logger
}

// NewProber returns a Prober fetching path relative to each address.
func NewProber(fetcher Fetcher, path string, logger *slog.Logger) *Prober {
	return &Prober{fetcher: fetcher, path: path, logger: logger}
}

// Probe performs one bounded fetch against address.
func (p *Prober) Probe(ctx context.Context, address string, timeout time.Duration) Outcome {
	target, err := fetch.JoinURL(address, p.path)
	if err != nil {
		p.logger.Debug("Probe skipped", "address", address, "error", err)
		return Unreachable
	}

	start := time.Now()
	res, err := p.fetcher.Do(ctx, fetch.Request{URL: target, Timeout: timeout})
	if err != nil {
		p.logger.Debug("Probe failed", "address", address, "duration", time.Since(start), "error", err)
		return Unreachable
	}

	switch res.StatusCode {
	case http.StatusOK:
		p.logger.Debug("Probe succeeded", "address", address, "duration", time.Since(start))
		return Reachable
	case http.StatusForbidden:
		p.logger.Warn("Probe blocked by device access control", "address", address)
		return Blocked
	default:
		p.logger.Debug("Probe unexpected status", "address", address, "status", res.StatusCode)
		return Unreachable
	}
}
