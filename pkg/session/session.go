// Package session owns the authenticated sid of each device: it logs in,
// detects expired sessions in API responses and logs in again transparently.
package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"slices"
	"time"

	"nas-connector/pkg/common"
	"nas-connector/pkg/fetch"
	"nas-connector/pkg/models"
	"nas-connector/pkg/state"
)

type Fetcher interface {
	Do(ctx context.Context, req fetch.Request) (*fetch.Result, error)
}

type Resolver interface {
	Resolve(ctx context.Context, dev *models.Device, force bool) (string, error)
}

// Config for a Manager.
type Config struct {
	LoginPath           string
	Timeout             time.Duration
	SessionInvalidCodes []int
}

// APIError is a nonzero error_code returned by an authenticated call.
type APIError struct {
	Path string
	Code int
}

func (e *APIError) Error() string {
	return fmt.Sprintf("api %s: error code %d", e.Path, e.Code)
}

type loginResponse struct {
	SID       string `json:"sid"`
	ErrorCode int    `json:"error_code"`
}

type apiResponse struct {
	ErrorCode int             `json:"error_code"`
	Data      json.RawMessage `json:"data"`
}

// Manager performs logins and authenticated calls. Callers must serialize
// calls for the same device.
type Manager struct {
	fetcher  Fetcher
	resolver Resolver
	states   *state.Machine
	config   Config
	logger   *slog.Logger
}

// NewManager creates a Manager.
func NewManager(fetcher Fetcher, resolver Resolver, states *state.Machine, cfg Config, logger *slog.Logger) *Manager {
	if len(cfg.SessionInvalidCodes) == 0 {
		cfg.SessionInvalidCodes = common.DefaultSessionInvalidCodes
	}
	return &Manager{
		fetcher:  fetcher,
		resolver: resolver,
		states:   states,
		config:   cfg,
		logger:   logger,
	}
}

// Login resolves the working address of dev and logs in against it.
func (m *Manager) Login(ctx context.Context, dev *models.Device) (string, error) {
	address, err := m.resolver.Resolve(ctx, dev, false)
	if err != nil {
		return "", err
	}
	return m.LoginAt(ctx, dev, address)
}

// LoginAt submits the stored credentials of dev to address. On success the
// sid is stored on dev bound to address.
func (m *Manager) LoginAt(ctx context.Context, dev *models.Device, address string) (string, error) {
	target, err := fetch.JoinURL(address, m.config.LoginPath)
	if err != nil {
		return "", fmt.Errorf("%w: %v", common.ErrProtocol, err)
	}

	res, err := m.fetcher.Do(ctx, fetch.Request{
		Method: http.MethodPost,
		URL:    target,
		Form: url.Values{
			"account":      {dev.Username},
			"password":     {dev.Password},
			"otp_bypass":   {"1"},
			"keep_session": {"1"},
		},
		Timeout: m.config.Timeout,
	})
	if err != nil {
		m.states.Apply(dev, state.Unreachable)
		return "", fmt.Errorf("%w: %w: login: %v", common.ErrUnreachable, common.ErrNetwork, err)
	}

	switch res.StatusCode {
	case http.StatusOK:
	case http.StatusForbidden:
		m.states.Apply(dev, state.Blocked)
		return "", fmt.Errorf("%w: login at %s", common.ErrBlocked, address)
	default:
		return "", fmt.Errorf("%w: login status %d", common.ErrProtocol, res.StatusCode)
	}

	var lr loginResponse
	if err := json.Unmarshal(res.Body, &lr); err != nil {
		return "", fmt.Errorf("%w: decode login response: %v", common.ErrProtocol, err)
	}

	switch {
	case lr.ErrorCode == common.CodeInvalidCredentials:
		m.states.Apply(dev, state.InvalidCredentials)
		return "", common.ErrInvalidCredentials
	case lr.ErrorCode != 0:
		return "", fmt.Errorf("%w: login error code %d", common.ErrProtocol, lr.ErrorCode)
	case lr.SID == "":
		return "", fmt.Errorf("%w: no sid in login response", common.ErrProtocol)
	}

	dev.SessionToken = lr.SID
	dev.SessionAddress = address
	m.states.Apply(dev, state.LoginSucceeded)
	m.logger.Info("Logged in", "identity", dev.Identity, "address", address)
	return lr.SID, nil
}

// EnsureSession returns a sid valid for the current working address,
// logging in if the stored one was issued elsewhere or is missing.
func (m *Manager) EnsureSession(ctx context.Context, dev *models.Device) (string, error) {
	address, err := m.resolver.Resolve(ctx, dev, false)
	if err != nil {
		return "", err
	}
	if dev.HasSessionFor(address) {
		return dev.SessionToken, nil
	}
	return m.LoginAt(ctx, dev, address)
}

// Call performs an authenticated GET of path and decodes the data field of
// the response into out (which may be nil). An expired session triggers one
// re-login and one retry; if either fails the error wraps
// common.ErrTerminalAuth.
func (m *Manager) Call(ctx context.Context, dev *models.Device, path string, params url.Values, out any) error {
	token, err := m.EnsureSession(ctx, dev)
	if err != nil {
		return err
	}

	err = m.call(ctx, dev, token, path, params, out)
	if !errors.Is(err, common.ErrSessionExpired) {
		return err
	}

	m.logger.Info("Session expired, logging in again", "identity", dev.Identity, "path", path)
	dev.ClearSession()
	token, err = m.Login(ctx, dev)
	if err != nil {
		return fmt.Errorf("%w: re-login: %w", common.ErrTerminalAuth, err)
	}

	err = m.call(ctx, dev, token, path, params, out)
	if errors.Is(err, common.ErrSessionExpired) {
		dev.ClearSession()
		return fmt.Errorf("%w: %w", common.ErrTerminalAuth, err)
	}
	return err
}

func (m *Manager) call(ctx context.Context, dev *models.Device, token, path string, params url.Values, out any) error {
	target, err := fetch.JoinURL(dev.SessionAddress, path)
	if err != nil {
		return err
	}

	query := url.Values{}
	for k, vs := range params {
		query[k] = append([]string(nil), vs...)
	}
	query.Set("sid", token)

	res, err := m.fetcher.Do(ctx, fetch.Request{URL: target, Query: query, Timeout: m.config.Timeout})
	if err != nil {
		m.states.Apply(dev, state.Unreachable)
		return fmt.Errorf("%w: %w: %s: %v", common.ErrUnreachable, common.ErrNetwork, path, err)
	}

	switch res.StatusCode {
	case http.StatusOK:
	case http.StatusForbidden:
		m.states.Apply(dev, state.Blocked)
		return fmt.Errorf("%w: %s", common.ErrBlocked, path)
	default:
		return fmt.Errorf("api %s: status %d", path, res.StatusCode)
	}

	var ar apiResponse
	if err := json.Unmarshal(res.Body, &ar); err != nil {
		return fmt.Errorf("api %s: decode response: %w", path, err)
	}
	if slices.Contains(m.config.SessionInvalidCodes, ar.ErrorCode) {
		return fmt.Errorf("%w: %s returned %d", common.ErrSessionExpired, path, ar.ErrorCode)
	}
	if ar.ErrorCode != 0 {
		return &APIError{Path: path, Code: ar.ErrorCode}
	}

	if out != nil && len(ar.Data) > 0 {
		if err := json.Unmarshal(ar.Data, out); err != nil {
			return fmt.Errorf("api %s: decode data: %w", path, err)
		}
	}
	return nil
}
