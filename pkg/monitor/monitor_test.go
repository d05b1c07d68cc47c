package monitor

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"nas-connector/pkg/common"
	"nas-connector/pkg/models"
)

var discard = slog.New(slog.NewTextHandler(io.Discard, nil))

type fakeLister struct {
	devices []*models.Device
	err     error
}

func (f fakeLister) List(context.Context) ([]*models.Device, error) {
	return f.devices, f.err
}

type fakeChecker struct {
	mu       sync.Mutex
	calls    map[string]int
	inFlight atomic.Int32
	maxSeen  atomic.Int32
}

func (f *fakeChecker) ResolveAddress(_ context.Context, identity string, force bool) (string, error) {
	n := f.inFlight.Add(1)
	defer f.inFlight.Add(-1)
	for {
		seen := f.maxSeen.Load()
		if n <= seen || f.maxSeen.CompareAndSwap(seen, n) {
			break
		}
	}
	time.Sleep(2 * time.Millisecond)

	f.mu.Lock()
	if f.calls == nil {
		f.calls = make(map[string]int)
	}
	f.calls[identity]++
	f.mu.Unlock()

	if force {
		return "", errors.New("unexpected forced resolution")
	}
	if identity == "blocked" {
		return "", common.ErrBlocked
	}
	return "http://" + identity + ":8000/", nil
}

func (f *fakeChecker) count(identity string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[identity]
}

func devices(ids ...string) []*models.Device {
	out := make([]*models.Device, len(ids))
	for i, id := range ids {
		out[i] = &models.Device{Identity: id}
	}
	return out
}

func TestCheckAll(t *testing.T) {
	checker := &fakeChecker{}
	m := New(checker, fakeLister{devices: devices("a", "b", "c", "d", "e", "blocked")}, 2, time.Minute, nil, discard)

	results, err := m.CheckAll(context.Background())
	require.NoError(t, err)
	require.Len(t, results, 6)

	sort.Slice(results, func(i, j int) bool { return results[i].Identity < results[j].Identity })
	assert.Equal(t, "http://a:8000/", results[0].Address)
	assert.ErrorIs(t, results[2].Err, common.ErrBlocked)
	assert.LessOrEqual(t, checker.maxSeen.Load(), int32(2), "worker pool bounds concurrency")
}

func TestCheckAllListError(t *testing.T) {
	m := New(&fakeChecker{}, fakeLister{err: errors.New("db down")}, 1, time.Minute, nil, discard)
	_, err := m.CheckAll(context.Background())
	assert.Error(t, err)
}

func TestRunTicks(t *testing.T) {
	clk := clock.NewMock()
	checker := &fakeChecker{}
	m := New(checker, fakeLister{devices: devices("a")}, 1, time.Minute, clk, discard)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	rounds := make(chan Result, 10)
	done := make(chan error, 1)
	go func() { done <- m.Run(ctx, func(r Result) { rounds <- r }) }()

	waitResult := func() {
		t.Helper()
		select {
		case <-rounds:
		case <-time.After(5 * time.Second):
			t.Fatal("no monitor round")
		}
	}

	waitResult()
	// Give Run time to block on the ticker before advancing the mock clock.
	time.Sleep(20 * time.Millisecond)
	clk.Add(time.Minute)
	waitResult()
	assert.Equal(t, 2, checker.count("a"))

	cancel()
	select {
	case err := <-done:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not stop")
	}
}
