// README: Compensation credit issued to a user for a failed or escalated booking.
package compensation

import (
	"time"

	"movzz/internal/types"
)

type Credit struct {
	ID        int64       `json:"id"`
	BookingID types.ID    `json:"booking_id"`
	UserID    types.ID    `json:"user_id"`
	UserPhone string      `json:"-"`
	Amount    types.Money `json:"amount"`
	Reason    string      `json:"reason"`
	CreatedAt time.Time   `json:"created_at"`
}

const ReasonBookingUnresolved = "booking_unresolved"
