// Package command routes outbound commands to device sessions, tracks
// acknowledgment, and applies the expiry and single-retry policy.
package command

import (
	"time"

	"github.com/c360/fieldgate/registry"
)

// DeliveryState tracks a command through its lifecycle. Pending and Sent are
// live; the rest are terminal.
type DeliveryState string

// Delivery states.
const (
	StatePending   DeliveryState = "pending"
	StateSent      DeliveryState = "sent"
	StateAcked     DeliveryState = "acked"
	StateExpired   DeliveryState = "expired"
	StateFailed    DeliveryState = "failed"
	StateCancelled DeliveryState = "cancelled"
)

// Terminal reports whether the state is final.
func (s DeliveryState) Terminal() bool {
	switch s {
	case StateAcked, StateExpired, StateFailed, StateCancelled:
		return true
	}
	return false
}

// Command is one outbound instruction for a device. Immutable once
// submitted; the dispatcher owns it until a terminal state.
type Command struct {
	ID        string                 `json:"id"`
	DeviceID  registry.DeviceID      `json:"device_id"`
	Name      string                 `json:"name"`
	Params    map[string]interface{} `json:"params,omitempty"`
	CreatedAt time.Time              `json:"created_at"`
	ExpiresAt time.Time              `json:"expires_at"`
}

// Result is the terminal outcome reported to the submitter.
type Result struct {
	ID    string
	State DeliveryState
	Err   error
}

// Handle lets the submitter await a command's terminal state.
type Handle struct {
	id   string
	done chan Result
}

// ID returns the command id, usable with Cancel.
func (h *Handle) ID() string { return h.id }

// Done returns a channel that delivers exactly one terminal Result.
func (h *Handle) Done() <-chan Result { return h.done }
