package probe

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"nas-connector/pkg/fetch"
)

func TestProbe(t *testing.T) {
	portal := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	defer portal.Close()

	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/ok/favicon.ico":
		case "/deny/favicon.ico":
			w.WriteHeader(http.StatusForbidden)
		case "/moved/favicon.ico":
			http.Redirect(w, r, portal.URL+"/login", http.StatusFound)
		case "/slow/favicon.ico":
			time.Sleep(300 * time.Millisecond)
		default:
			http.NotFound(w, r)
		}
	}))
	defer ts.Close()

	c, err := fetch.NewClient("")
	require.NoError(t, err)
	p := NewProber(c, "favicon.ico", slog.New(slog.NewTextHandler(io.Discard, nil)))

	tests := []struct {
		name    string
		address string
		want    Outcome
	}{
		{"ok", ts.URL + "/ok/", Reachable},
		{"forbidden", ts.URL + "/deny/", Blocked},
		{"redirect", ts.URL + "/moved/", Unreachable},
		{"not found", ts.URL + "/missing/", Unreachable},
		{"timeout", ts.URL + "/slow/", Unreachable},
		{"refused", "http://127.0.0.1:1/", Unreachable},
		{"garbage", "not a url", Unreachable},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := p.Probe(context.Background(), tt.address, 100*time.Millisecond)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestOutcomeString(t *testing.T) {
	assert.Equal(t, "reachable", Reachable.String())
	assert.Equal(t, "blocked", Blocked.String())
	assert.Equal(t, "unreachable", Unreachable.String())
}
