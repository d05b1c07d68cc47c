package models

import (
	"time"

	"github.com/uptrace/bun"
)

// Device is the per-device record owned by the registry. It replaces ambient
// per-device flags with explicit fields.
type Device struct {
	bun.BaseModel `bun:"table:devices,alias:d"`

	Identity string `bun:",pk"`
	Name     string
	Username string `bun:",notnull"`
	Password string `bun:",notnull"`

	// WorkingAddress was confirmed reachable at ResolvedAt or later by a
	// cheap revalidation.
	WorkingAddress string
	ResolvedAt     time.Time `bun:",nullzero"`

	// SessionToken is only valid against SessionAddress.
	SessionToken   string
	SessionAddress string

	State  ConnectivityState `bun:",notnull,default:'resolving'"`
	Reason string

	CreatedAt time.Time `bun:",nullzero,notnull,default:current_timestamp"`
	UpdatedAt time.Time `bun:",nullzero,notnull,default:current_timestamp"`
}

// HasSessionFor reports whether the stored token was issued by address.
func (d *Device) HasSessionFor(address string) bool {
	return d.SessionToken != "" && d.SessionAddress == address
}

// ClearSession drops the session token and the address it was bound to.
func (d *Device) ClearSession() {
	d.SessionToken = ""
	d.SessionAddress = ""
}
