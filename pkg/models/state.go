package models

// ConnectivityState is the externally observed availability state of a device.
type ConnectivityState string

const (
	StateResolving   ConnectivityState = "resolving"
	StateAvailable   ConnectivityState = "available"
	StateBlocked     ConnectivityState = "blocked"
	StateUnreachable ConnectivityState = "unreachable"
)

// Availability is the signal consumed by the driver layer.
type Availability struct {
	Available bool
	Reason    string
}
