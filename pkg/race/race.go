// Package race probes every candidate address concurrently and returns the
// first one that answers.
package race

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"nas-connector/pkg/common"
	"nas-connector/pkg/models"
	"nas-connector/pkg/probe"
)

// Status is the per-candidate progress reported to interactive callers.
type Status string

const (
	StatusTesting Status = "testing"
	StatusSuccess Status = "success"
	StatusFailed  Status = "failed"
	StatusBlocked Status = "blocked"
)

// Progress is one progress notification.
type Progress struct {
	Candidate models.Candidate
	Status    Status
}

// Prober checks a single address.
type Prober interface {
	Probe(ctx context.Context, address string, timeout time.Duration) probe.Outcome
}

// Racer runs concurrent probes with an independent timeout each.
type Racer struct {
	prober  Prober
	timeout time.Duration
	logger  *slog.Logger
}

// NewRacer returns a Racer bounding every probe by timeout.
func NewRacer(prober Prober, timeout time.Duration, logger *slog.Logger) *Racer {
	return &Racer{prober: prober, timeout: timeout, logger: logger}
}

type result struct {
	candidate models.Candidate
	outcome   probe.Outcome
}

// Race probes all candidates and returns the first Reachable one. Slower
// probes are cancelled and their results dropped. With no reachable
// candidate it returns common.ErrBlocked if any probe was blocked, and
// common.ErrNoneReachable otherwise.
//
// progress may be nil. Every send happens before Race returns.
func (r *Racer) Race(ctx context.Context, candidates []models.Candidate, progress chan<- Progress) (models.Candidate, error) {
	if len(candidates) == 0 {
		return models.Candidate{}, fmt.Errorf("%w: empty candidate set", common.ErrNoneReachable)
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	emit := func(c models.Candidate, s Status) {
		if progress == nil {
			return
		}
		select {
		case progress <- Progress{Candidate: c, Status: s}:
		case <-ctx.Done():
		}
	}

	// Each probe owns one slot; nothing else is shared with the goroutines.
	results := make(chan result, len(candidates))
	for _, c := range candidates {
		emit(c, StatusTesting)
		go func(c models.Candidate) {
			results <- result{candidate: c, outcome: r.prober.Probe(ctx, c.Address, r.timeout)}
		}(c)
	}

	blocked := 0
	for received := 0; received < len(candidates); received++ {
		var res result
		select {
		case res = <-results:
		case <-ctx.Done():
			return models.Candidate{}, fmt.Errorf("%w: %v", common.ErrNoneReachable, ctx.Err())
		}

		switch res.outcome {
		case probe.Reachable:
			r.logger.Debug("Race won", "address", res.candidate.Address, "origin", res.candidate.Origin)
			emit(res.candidate, StatusSuccess)
			return res.candidate, nil
		case probe.Blocked:
			blocked++
			emit(res.candidate, StatusBlocked)
		default:
			emit(res.candidate, StatusFailed)
		}
	}

	if blocked > 0 {
		return models.Candidate{}, fmt.Errorf("%w: %d of %d candidates denied access", common.ErrBlocked, blocked, len(candidates))
	}
	return models.Candidate{}, fmt.Errorf("%w: %d candidates tried", common.ErrNoneReachable, len(candidates))
}
