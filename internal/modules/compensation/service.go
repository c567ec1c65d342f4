// README: Compensation issuer; records the credit and tells the user by SMS.
package compensation

import (
	"context"
	"fmt"
	"log"

	"movzz/internal/clock"
	"movzz/internal/types"
)

type Notifier interface {
	Enqueue(ctx context.Context, phone, body string) error
}

type Service struct {
	store  Store
	sms    Notifier
	clock  clock.Clock
	amount types.Money
}

// NewService credits amountPaise INR per unresolved booking. sms may be nil.
func NewService(store Store, sms Notifier, clk clock.Clock, amountPaise int64) *Service {
	if amountPaise <= 0 {
		amountPaise = 10000
	}
	return &Service{store: store, sms: sms, clock: clk, amount: types.Money{Amount: amountPaise, Currency: "INR"}}
}

// IssueCompensation is safe to call more than once for a booking: only the
// first call writes a credit and sends the SMS.
func (s *Service) IssueCompensation(ctx context.Context, userID types.ID, userPhone string, bookingID types.ID) error {
	c := &Credit{
		BookingID: bookingID,
		UserID:    userID,
		UserPhone: userPhone,
		Amount:    s.amount,
		Reason:    ReasonBookingUnresolved,
		CreatedAt: s.clock.Now(),
	}
	inserted, err := s.store.Insert(ctx, c)
	if err != nil {
		return err
	}
	if !inserted {
		log.Printf("[compensation] booking %s already credited", bookingID)
		return nil
	}
	log.Printf("[compensation] credited %s %d paise for booking %s", userID, s.amount.Amount, bookingID)

	if s.sms == nil || userPhone == "" {
		return nil
	}
	if err := s.sms.Enqueue(ctx, userPhone, Message(s.amount, bookingID)); err != nil {
		// the credit stands even if the user is not told about it
		log.Printf("[compensation] booking %s: sms: %v", bookingID, err)
	}
	return nil
}

func (s *Service) ListByUser(ctx context.Context, userID types.ID) ([]Credit, error) {
	return s.store.ListByUser(ctx, userID)
}

// Message renders the SMS sent with a credit.
func Message(amount types.Money, bookingID types.ID) string {
	return fmt.Sprintf("MOVZZ: we could not find you a ride for booking %s. A credit of Rs %d.%02d has been added to your account.",
		shortID(bookingID), amount.Amount/100, amount.Amount%100)
}

func shortID(id types.ID) string {
	s := string(id)
	if len(s) > 8 {
		return s[:8]
	}
	return s
}
