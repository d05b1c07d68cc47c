// Package monitor revalidates every registered device on a fixed interval
// with a bounded pool of workers, keeping availability current between API
// calls.
package monitor

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/benbjohnson/clock"

	"nas-connector/pkg/models"
)

type Checker interface {
	ResolveAddress(ctx context.Context, identity string, force bool) (string, error)
}

type Lister interface {
	List(ctx context.Context) ([]*models.Device, error)
}

// Result of checking one device.
type Result struct {
	Identity string
	Address  string
	Err      error
}

type Monitor struct {
	checker  Checker
	lister   Lister
	workers  int
	interval time.Duration
	clock    clock.Clock
	logger   *slog.Logger
}

func New(checker Checker, lister Lister, workers int, interval time.Duration, clk clock.Clock, logger *slog.Logger) *Monitor {
	if clk == nil {
		clk = clock.New()
	}
	if workers < 1 {
		workers = 1
	}
	return &Monitor{
		checker:  checker,
		lister:   lister,
		workers:  workers,
		interval: interval,
		clock:    clk,
		logger:   logger,
	}
}

// CheckAll resolves every registered device once.
func (m *Monitor) CheckAll(ctx context.Context) ([]Result, error) {
	devices, err := m.lister.List(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to list devices: %w", err)
	}

	jobs := make(chan string, len(devices))
	results := make(chan Result, len(devices))

	var wg sync.WaitGroup
	for i := 0; i < m.workers; i++ {
		wg.Add(1)
		go m.worker(ctx, &wg, jobs, results)
	}

	for _, dev := range devices {
		jobs <- dev.Identity
	}
	close(jobs)

	go func() {
		wg.Wait()
		close(results)
	}()

	out := make([]Result, 0, len(devices))
	for res := range results {
		out = append(out, res)
	}
	return out, nil
}

func (m *Monitor) worker(ctx context.Context, wg *sync.WaitGroup, jobs <-chan string, results chan<- Result) {
	defer wg.Done()
	for identity := range jobs {
		address, err := m.checker.ResolveAddress(ctx, identity, false)
		if err != nil {
			m.logger.Warn("Device check failed", "identity", identity, "error", err)
		} else {
			m.logger.Debug("Device checked", "identity", identity, "address", address)
		}
		results <- Result{Identity: identity, Address: address, Err: err}
	}
}

// Run checks all devices immediately and then once per interval until ctx
// is done. onResult, if not nil, receives every result.
func (m *Monitor) Run(ctx context.Context, onResult func(Result)) error {
	ticker := m.clock.Ticker(m.interval)
	defer ticker.Stop()

	for {
		results, err := m.CheckAll(ctx)
		if err != nil {
			m.logger.Error("Monitor round failed", "error", err)
		}
		if onResult != nil {
			for _, res := range results {
				onResult(res)
			}
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}
