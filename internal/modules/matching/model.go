// README: Provider candidates kept in the matching pool.
package matching

import (
	"time"

	"movzz/internal/modules/booking"
	"movzz/internal/types"
)

// Candidate is an online provider waiting for a booking.
type Candidate struct {
	ID       types.ID              `json:"id"`
	Mode     booking.TransportMode `json:"mode"`
	Position types.Point           `json:"position"`
	JoinTime time.Time             `json:"join_time"`
}

// Nearby is a pool member returned by a radius query, nearest first.
type Nearby struct {
	ID         types.ID
	DistanceKm float64
}

const (
	// selectPoolSize is how many nearby providers are sampled before claiming.
	selectPoolSize = 10
	// claimAttempts bounds how many sampled providers FindProvider tries to claim.
	claimAttempts = 5
	// candidateTTL expires provider records of clients that vanished without going offline.
	candidateTTL = 12 * time.Hour
)
