/*
Package models defines the data structures shared by the nas-connector
packages: the persisted device record, the candidate addresses produced by a
lookup, and the connectivity state exposed to the driver layer.

Core Types:

Device is the per-device record, keyed by the cloud identity:

	type Device struct {
		Identity       string            // Opaque id known to the lookup service
		Name           string            // Display name chosen at pairing
		Username       string            // Account used for login
		Password       string            // Password used for login
		WorkingAddress string            // Last resolved base URL
		ResolvedAt     time.Time         // Time of the last full resolution
		SessionToken   string            // sid returned by the device
		SessionAddress string            // Address the sid was issued by
		State          ConnectivityState // Resolving, Available, Blocked, Unreachable
		Reason         string            // Human readable reason for State
	}

Candidate is one address hypothesis with its Origin (lan, ddns, wan, relay).
A CandidateSet is built fresh on every full resolution and is never persisted.

Invariants:
  - WorkingAddress, when set, was confirmed reachable at ResolvedAt or later.
  - SessionToken is only used against SessionAddress; a new WorkingAddress
    invalidates it.
  - State is only mutated by package state.

Thread Safety:

The structures are not safe for concurrent use. The registry serializes all
mutating operations on a single device.
*/
package models
