package engine

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"github.com/benbjohnson/clock"
	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"nas-connector/pkg/common"
	"nas-connector/pkg/config"
	"nas-connector/pkg/models"
	"nas-connector/pkg/registry"
	"nas-connector/pkg/state"
)

type testEnv struct {
	engine  *Engine
	nas     *httptest.Server
	blocked atomic.Bool
	logins  atomic.Int32
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	env := &testEnv{}

	env.nas = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if env.blocked.Load() {
			w.WriteHeader(http.StatusForbidden)
			return
		}
		switch r.URL.Path {
		case "/favicon.ico":
			w.WriteHeader(http.StatusOK)
		case "/api/auth/login":
			if r.FormValue("password") != "secret" {
				fmt.Fprint(w, `{"error_code":5001}`)
				return
			}
			n := env.logins.Add(1)
			fmt.Fprintf(w, `{"sid":"sid-%d"}`, n)
		case "/api/system/info":
			fmt.Fprintf(w, `{"error_code":0,"data":{"model":"NAS-2","sid":%q}}`, r.URL.Query().Get("sid"))
		default:
			http.NotFound(w, r)
		}
	}))
	t.Cleanup(env.nas.Close)

	relay := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/abc123" {
			fmt.Fprint(w, `<script>var serverInfo = {"errno":4};</script>`)
			return
		}
		fmt.Fprintf(w, `<script>var serverInfo = {"lan_ips_http":[%q],"wan_ip_http":null,"relay_url":null,"errno":0};</script>`, env.nas.URL)
	}))
	t.Cleanup(relay.Close)

	v := viper.New()
	v.Set("lookup.url", relay.URL+"/%s")
	v.Set("ddns.template", "http://127.0.0.1:1/%s/")
	v.Set("probe.timeout", "1s")
	v.Set("api.timeout", "2s")
	settings, err := config.Load(v)
	require.NoError(t, err)

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	e, err := New(settings, "", registry.NewMemoryStore(), clock.New(), logger)
	require.NoError(t, err)
	t.Cleanup(e.Close)
	env.engine = e

	require.NoError(t, e.Registry().Add(context.Background(), &models.Device{
		Identity: "abc123",
		Username: "admin",
		Password: "secret",
	}))
	return env
}

func TestResolveAddressPersists(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	address, err := env.engine.ResolveAddress(ctx, "abc123", false)
	require.NoError(t, err)
	assert.Equal(t, env.nas.URL+"/", address)

	dev, err := env.engine.Registry().Get(ctx, "abc123")
	require.NoError(t, err)
	assert.Equal(t, address, dev.WorkingAddress)
	assert.False(t, dev.ResolvedAt.IsZero())

	availability, err := env.engine.Availability(ctx, "abc123")
	require.NoError(t, err)
	assert.True(t, availability.Available)
}

func TestCallEndToEnd(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	var info struct {
		Model string `json:"model"`
		SID   string `json:"sid"`
	}
	require.NoError(t, env.engine.Call(ctx, "abc123", "api/system/info", nil, &info))
	assert.Equal(t, "NAS-2", info.Model)
	assert.Equal(t, "sid-1", info.SID)

	require.NoError(t, env.engine.Call(ctx, "abc123", "api/system/info", nil, &info))
	assert.Equal(t, int32(1), env.logins.Load(), "session is reused")

	token, err := env.engine.EnsureSession(ctx, "abc123")
	require.NoError(t, err)
	assert.Equal(t, "sid-1", token)
}

func TestBlockedAvailability(t *testing.T) {
	env := newTestEnv(t)
	env.blocked.Store(true)
	ctx := context.Background()

	_, err := env.engine.ResolveAddress(ctx, "abc123", false)
	require.ErrorIs(t, err, common.ErrBlocked)

	availability, err := env.engine.Availability(ctx, "abc123")
	require.NoError(t, err)
	assert.False(t, availability.Available)
	assert.Equal(t, state.ReasonBlocked, availability.Reason)
	assert.Contains(t, availability.Reason, "access-control blocklist")
}

func TestSetCredentials(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	_, err := env.engine.EnsureSession(ctx, "abc123")
	require.NoError(t, err)

	require.NoError(t, env.engine.SetCredentials(ctx, "abc123", "admin", "wrong"))
	dev, err := env.engine.Registry().Get(ctx, "abc123")
	require.NoError(t, err)
	assert.Empty(t, dev.SessionToken)
	assert.Equal(t, models.StateResolving, dev.State)

	_, err = env.engine.EnsureSession(ctx, "abc123")
	require.ErrorIs(t, err, common.ErrInvalidCredentials)

	availability, err := env.engine.Availability(ctx, "abc123")
	require.NoError(t, err)
	assert.Equal(t, state.ReasonInvalidCredentials, availability.Reason)
}

func TestRemoveDestroysSession(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	_, err := env.engine.EnsureSession(ctx, "abc123")
	require.NoError(t, err)

	require.NoError(t, env.engine.Remove(ctx, "abc123"))

	_, err = env.engine.EnsureSession(ctx, "abc123")
	assert.ErrorIs(t, err, common.ErrDeviceNotFound)
	_, err = env.engine.Availability(ctx, "abc123")
	assert.ErrorIs(t, err, common.ErrDeviceNotFound)
	assert.ErrorIs(t, env.engine.Remove(ctx, "abc123"), common.ErrDeviceNotFound)
}

func TestUnknownIdentityUnreachable(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	require.NoError(t, env.engine.Registry().Add(ctx, &models.Device{Identity: "zzz999"}))

	_, err := env.engine.ResolveAddress(ctx, "zzz999", false)
	require.ErrorIs(t, err, common.ErrUnreachable)
	assert.ErrorIs(t, err, common.ErrInvalidIdentity)

	dev, err := env.engine.Registry().Get(ctx, "zzz999")
	require.NoError(t, err)
	assert.Equal(t, models.StateUnreachable, dev.State)
}
