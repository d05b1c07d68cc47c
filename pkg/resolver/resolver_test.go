package resolver

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"nas-connector/pkg/common"
	"nas-connector/pkg/fetch"
	"nas-connector/pkg/lookup"
	"nas-connector/pkg/models"
	"nas-connector/pkg/probe"
	"nas-connector/pkg/race"
	"nas-connector/pkg/state"
)

type fakeEnumerator struct {
	set   models.CandidateSet
	err   error
	calls int
}

func (f *fakeEnumerator) Enumerate(_ context.Context, identity string) (models.CandidateSet, error) {
	f.calls++
	if f.err != nil {
		return models.CandidateSet{}, f.err
	}
	return f.set, nil
}

type fakeProber struct {
	mu       sync.Mutex
	outcomes map[string]probe.Outcome
	calls    []string
}

func (f *fakeProber) Probe(_ context.Context, address string, _ time.Duration) probe.Outcome {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, address)
	return f.outcomes[address]
}

type fixture struct {
	clock     *clock.Mock
	enum      *fakeEnumerator
	cheap     *fakeProber
	racing    *fakeProber
	resolver  *Resolver
	lanAddr   string
	ddnsAddr  string
	candidate []models.Candidate
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	f := &fixture{
		clock:    clock.NewMock(),
		lanAddr:  "http://10.0.0.5:8000/",
		ddnsAddr: "http://abc123.nas-ddns.net:8000/",
	}
	f.clock.Set(time.Date(2026, 10, 16, 12, 0, 0, 0, time.UTC))
	f.candidate = []models.Candidate{
		{Address: f.lanAddr, Origin: models.OriginLAN},
		{Address: f.ddnsAddr, Origin: models.OriginDDNS},
	}
	f.enum = &fakeEnumerator{set: models.CandidateSet{Identity: "abc123", Candidates: f.candidate}}
	f.cheap = &fakeProber{outcomes: map[string]probe.Outcome{}}
	f.racing = &fakeProber{outcomes: map[string]probe.Outcome{f.lanAddr: probe.Reachable}}
	racer := race.NewRacer(f.racing, time.Second, logger)
	f.resolver = New(f.enum, f.cheap, racer, state.NewMachine(logger), f.clock,
		Config{RevalidateInterval: 10 * time.Minute, ProbeTimeout: time.Second}, logger)
	return f
}

func (f *fixture) cached(age time.Duration) *models.Device {
	return &models.Device{
		Identity:       "abc123",
		WorkingAddress: f.lanAddr,
		ResolvedAt:     f.clock.Now().Add(-age),
		State:          models.StateAvailable,
	}
}

func TestResolveWithoutCacheRunsFullResolution(t *testing.T) {
	f := newFixture(t)
	dev := &models.Device{Identity: "abc123"}

	addr, err := f.resolver.Resolve(context.Background(), dev, false)
	require.NoError(t, err)

	assert.Equal(t, f.lanAddr, addr)
	assert.Equal(t, f.lanAddr, dev.WorkingAddress)
	assert.Equal(t, f.clock.Now(), dev.ResolvedAt)
	assert.Equal(t, models.StateAvailable, dev.State)
	assert.Equal(t, 1, f.enum.calls)
	assert.Empty(t, f.cheap.calls)
}

func TestResolveFreshCacheUsesSingleProbe(t *testing.T) {
	f := newFixture(t)
	f.cheap.outcomes[f.lanAddr] = probe.Reachable
	dev := f.cached(9 * time.Minute)
	resolvedAt := dev.ResolvedAt

	addr, err := f.resolver.Resolve(context.Background(), dev, false)
	require.NoError(t, err)

	assert.Equal(t, f.lanAddr, addr)
	assert.Equal(t, []string{f.lanAddr}, f.cheap.calls)
	assert.Equal(t, 0, f.enum.calls)
	assert.Empty(t, f.racing.calls)
	assert.Equal(t, resolvedAt, dev.ResolvedAt)
}

func TestResolveStaleCacheRunsFullResolution(t *testing.T) {
	f := newFixture(t)
	f.cheap.outcomes[f.lanAddr] = probe.Reachable
	dev := f.cached(11 * time.Minute)

	addr, err := f.resolver.Resolve(context.Background(), dev, false)
	require.NoError(t, err)

	assert.Equal(t, f.lanAddr, addr)
	assert.Equal(t, 1, f.enum.calls)
	assert.Equal(t, f.clock.Now(), dev.ResolvedAt)

	// Fresh again: the next call is a cheap revalidation.
	f.clock.Add(5 * time.Minute)
	_, err = f.resolver.Resolve(context.Background(), dev, false)
	require.NoError(t, err)
	assert.Equal(t, 1, f.enum.calls)
	assert.Equal(t, []string{f.lanAddr}, f.cheap.calls)

	// And stale once the interval has passed since the full resolution.
	f.clock.Add(6 * time.Minute)
	assert.True(t, f.resolver.Stale(dev))
	_, err = f.resolver.Resolve(context.Background(), dev, false)
	require.NoError(t, err)
	assert.Equal(t, 2, f.enum.calls)
}

func TestResolveCachedMissFallsBack(t *testing.T) {
	f := newFixture(t)
	f.cheap.outcomes[f.lanAddr] = probe.Unreachable
	f.racing.outcomes = map[string]probe.Outcome{f.ddnsAddr: probe.Reachable}
	dev := f.cached(time.Minute)
	dev.SessionToken = "old"
	dev.SessionAddress = f.lanAddr

	addr, err := f.resolver.Resolve(context.Background(), dev, false)
	require.NoError(t, err)

	assert.Equal(t, f.ddnsAddr, addr)
	assert.Equal(t, 1, f.enum.calls)
	assert.Empty(t, dev.SessionToken, "session bound to the old address must be dropped")
	assert.Empty(t, dev.SessionAddress)
}

func TestResolveCachedBlockedDoesNotTryOthers(t *testing.T) {
	f := newFixture(t)
	f.cheap.outcomes[f.lanAddr] = probe.Blocked
	dev := f.cached(time.Minute)

	_, err := f.resolver.Resolve(context.Background(), dev, false)
	assert.ErrorIs(t, err, common.ErrBlocked)
	assert.Equal(t, 0, f.enum.calls)
	assert.Equal(t, models.StateBlocked, dev.State)
	assert.Equal(t, f.lanAddr, dev.WorkingAddress)
}

func TestResolveForce(t *testing.T) {
	f := newFixture(t)
	f.cheap.outcomes[f.lanAddr] = probe.Reachable
	dev := f.cached(time.Minute)

	_, err := f.resolver.Resolve(context.Background(), dev, true)
	require.NoError(t, err)
	assert.Empty(t, f.cheap.calls)
	assert.Equal(t, 1, f.enum.calls)
}

func TestResolveFullFailures(t *testing.T) {
	tests := []struct {
		name      string
		enumErr   error
		outcomes  map[string]probe.Outcome
		want      error
		alsoMatch error
		state     models.ConnectivityState
	}{
		{
			name:      "invalid identity",
			enumErr:   fmt.Errorf("%w: abc123", common.ErrInvalidIdentity),
			want:      common.ErrUnreachable,
			alsoMatch: common.ErrInvalidIdentity,
			state:     models.StateUnreachable,
		},
		{
			name:      "lookup network failure",
			enumErr:   fmt.Errorf("%w: timeout", common.ErrNetwork),
			want:      common.ErrUnreachable,
			alsoMatch: common.ErrNetwork,
			state:     models.StateUnreachable,
		},
		{
			name:      "none reachable",
			outcomes:  map[string]probe.Outcome{},
			want:      common.ErrUnreachable,
			alsoMatch: common.ErrNoneReachable,
			state:     models.StateUnreachable,
		},
		{
			name:     "blocked",
			outcomes: map[string]probe.Outcome{"http://abc123.nas-ddns.net:8000/": probe.Blocked},
			want:     common.ErrBlocked,
			state:    models.StateBlocked,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t)
			f.enum.err = tt.enumErr
			if tt.outcomes != nil {
				f.racing.outcomes = tt.outcomes
			}
			dev := &models.Device{Identity: "abc123"}

			_, err := f.resolver.Resolve(context.Background(), dev, false)
			require.Error(t, err)
			assert.ErrorIs(t, err, tt.want)
			if tt.alsoMatch != nil {
				assert.ErrorIs(t, err, tt.alsoMatch)
			}
			assert.Equal(t, tt.state, dev.State)
			assert.Empty(t, dev.WorkingAddress)
		})
	}
}

type pageFetcher struct{ body string }

func (p pageFetcher) Do(context.Context, fetch.Request) (*fetch.Result, error) {
	return &fetch.Result{StatusCode: 200, Body: []byte(p.body)}, nil
}

func TestResolveEndToEndScenario(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	enum, err := lookup.NewEnumerator(pageFetcher{
		body: `<script>var serverInfo = {"lan_ips_http":["http://10.0.0.5:8000/"],"wan_ip_http":null,"relay_url":null,"errno":0};</script>`,
	}, lookup.Config{
		Domain:        "relay.example",
		MarkerPattern: `var\s+serverInfo\s*=\s*`,
		DDNSTemplate:  "http://%s.nas-ddns.net:8000/",
	}, logger)
	require.NoError(t, err)

	racing := &fakeProber{outcomes: map[string]probe.Outcome{"http://10.0.0.5:8000/": probe.Reachable}}
	r := New(enum, &fakeProber{}, race.NewRacer(racing, time.Second, logger), state.NewMachine(logger), nil, Config{}, logger)

	dev := &models.Device{Identity: "abc123"}
	addr, err := r.Resolve(context.Background(), dev, false)
	require.NoError(t, err)
	assert.Equal(t, "http://10.0.0.5:8000/", addr)
	assert.Equal(t, models.StateAvailable, dev.State)
}
