// README: Booking aggregate, lifecycle states and the transition edge table.
package booking

import (
	"time"

	"movzz/internal/types"
)

type State string

const (
	StateNone             State = ""
	StateSearching        State = "SEARCHING"
	StateConfirmed        State = "CONFIRMED"
	StateFailed           State = "FAILED"
	StateCancelled        State = "CANCELLED"
	StateCompleted        State = "COMPLETED"
	StateManualEscalation State = "MANUAL_ESCALATION"
)

type TransportMode string

const (
	ModeCab  TransportMode = "cab"
	ModeBike TransportMode = "bike"
	ModeAuto TransportMode = "auto"
)

func (m TransportMode) Valid() bool {
	switch m {
	case ModeCab, ModeBike, ModeAuto:
		return true
	}
	return false
}

type Booking struct {
	ID                 types.ID      `json:"id"`
	UserID             types.ID      `json:"user_id"`
	UserPhone          string        `json:"-"`
	State              State         `json:"state"`
	RecoveryAttempts   int           `json:"recovery_attempts"`
	CompensationIssued bool          `json:"compensation_issued"`
	Version            int           `json:"version"`
	Pickup             types.Point   `json:"pickup"`
	Dropoff            types.Point   `json:"dropoff"`
	PickupAddress      string        `json:"pickup_address,omitempty"`
	DropoffAddress     string        `json:"dropoff_address,omitempty"`
	TransportMode      TransportMode `json:"transport_mode"`
	ProviderID         *string       `json:"provider_id,omitempty"`
	FailureReason      *string       `json:"failure_reason,omitempty"`
	FareEstimate       types.Money   `json:"fare_estimate"`
	CreatedAt          time.Time     `json:"created_at"`
	UpdatedAt          time.Time     `json:"updated_at"`
}

// Event is one row of the state audit trail.
type Event struct {
	ID        int64
	BookingID types.ID
	FromState State
	ToState   State
	Reason    string
	Actor     string
	CreatedAt time.Time
}

// Metadata describes why a transition is requested.
type Metadata struct {
	Reason     string
	ProviderID *string
	Actor      string
}

// AllowedTransitions represents the booking state flow as code. States that
// are missing from the map are terminal.
var AllowedTransitions = map[State][]State{
	StateSearching: {StateConfirmed, StateFailed, StateCancelled, StateManualEscalation},
	StateConfirmed: {StateCompleted, StateCancelled},
}

func CanTransition(from, to State) bool {
	next, ok := AllowedTransitions[from]
	if !ok {
		return false
	}
	for _, s := range next {
		if s == to {
			return true
		}
	}
	return false
}

func (s State) Terminal() bool {
	_, ok := AllowedTransitions[s]
	return !ok
}
