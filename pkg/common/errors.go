// Package common defines the sentinel errors and protocol constants shared by
// the resolution, session and pairing layers. Callers match them with errors.Is.
package common

import "errors"

var (
	// Lookup service errors.
	ErrInvalidIdentity = errors.New("invalid or unregistered device identity")
	ErrNetwork         = errors.New("network failure")
	ErrParseFailure    = errors.New("malformed lookup payload")

	// Reachability errors.
	ErrBlocked       = errors.New("blocked by device access control")
	ErrNoneReachable = errors.New("no candidate reachable")
	ErrUnreachable   = errors.New("device unreachable")

	// Authentication errors.
	ErrInvalidCredentials = errors.New("invalid credentials")
	ErrProtocol           = errors.New("unexpected authentication response")
	ErrSessionExpired     = errors.New("session expired")
	ErrTerminalAuth       = errors.New("authentication failed")

	// Registry errors.
	ErrDeviceNotFound  = errors.New("device not found")
	ErrDuplicateDevice = errors.New("device already registered")
	ErrPairingNotFound = errors.New("pairing session not found")
)

// API error codes returned in the error_code field of NAS responses.
const (
	CodeInvalidCredentials = 5001
)

// DefaultSessionInvalidCodes are the error codes that mean the sid is no
// longer accepted by the device.
var DefaultSessionInvalidCodes = []int{256, 5000, 5001, 5053}
