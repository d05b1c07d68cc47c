// Package state owns the connectivity state of each device and turns
// resolution and login outcomes into the availability seen by the driver.
package state

import (
	"log/slog"
	"sync"

	"nas-connector/pkg/models"
)

// Outcome is a concrete result reported by the resolver or session manager.
type Outcome int

const (
	Reachable Outcome = iota
	LoginSucceeded
	Unreachable
	Blocked
	InvalidCredentials
)

func (o Outcome) String() string {
	switch o {
	case Reachable:
		return "reachable"
	case LoginSucceeded:
		return "login succeeded"
	case Unreachable:
		return "unreachable"
	case Blocked:
		return "blocked"
	case InvalidCredentials:
		return "invalid credentials"
	}
	return "unknown"
}

// Reasons shown to the user for each unavailable condition.
const (
	ReasonResolving          = "Resolving device address"
	ReasonUnreachable        = "Device is not reachable on any known network path"
	ReasonBlocked            = "Access denied by the device: remove this system's network address from the device's access-control blocklist"
	ReasonInvalidCredentials = "Invalid username or password, update the device credentials"
)

// Listener is notified after an externally visible change.
type Listener func(identity string, state models.ConnectivityState, availability models.Availability)

// Machine applies outcomes to device records. It holds no per-device state
// itself; the state lives on models.Device and is only written here.
type Machine struct {
	logger *slog.Logger

	mu        sync.RWMutex
	listeners []Listener
}

// NewMachine creates a Machine.
func NewMachine(logger *slog.Logger) *Machine {
	return &Machine{logger: logger}
}

// Subscribe registers l for availability changes.
func (m *Machine) Subscribe(l Listener) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.listeners = append(m.listeners, l)
}

// Apply moves dev to the state implied by outcome and reports whether it changed.
func (m *Machine) Apply(dev *models.Device, outcome Outcome) bool {
	from := current(dev)
	to, reason := next(from, outcome)

	if to == from && reason == dev.Reason {
		return false
	}

	dev.State = to
	dev.Reason = reason
	if to != from {
		m.logger.Info("Connectivity state changed",
			"identity", dev.Identity,
			"from", from,
			"to", to,
			"outcome", outcome)
	}

	availability := Availability(dev)
	m.mu.RLock()
	listeners := append([]Listener(nil), m.listeners...)
	m.mu.RUnlock()
	for _, l := range listeners {
		l(dev.Identity, to, availability)
	}
	return true
}

// Reset puts dev back in Resolving, as after pairing or a credentials change.
func (m *Machine) Reset(dev *models.Device) {
	dev.State = models.StateResolving
	dev.Reason = ReasonResolving
}

// next is the transition function. Blocked is only left on a concrete
// success, and Available is only entered on one.
func next(from models.ConnectivityState, outcome Outcome) (models.ConnectivityState, string) {
	switch outcome {
	case Reachable, LoginSucceeded:
		return models.StateAvailable, ""
	case Blocked:
		return models.StateBlocked, ReasonBlocked
	case InvalidCredentials:
		return models.StateUnreachable, ReasonInvalidCredentials
	default:
		if from == models.StateBlocked {
			return models.StateBlocked, ReasonBlocked
		}
		return models.StateUnreachable, ReasonUnreachable
	}
}

func current(dev *models.Device) models.ConnectivityState {
	if dev.State == "" {
		return models.StateResolving
	}
	return dev.State
}

// Availability is the driver facing view of dev.
func Availability(dev *models.Device) models.Availability {
	switch current(dev) {
	case models.StateAvailable:
		return models.Availability{Available: true}
	case models.StateResolving:
		return models.Availability{Available: false, Reason: ReasonResolving}
	default:
		return models.Availability{Available: false, Reason: dev.Reason}
	}
}
