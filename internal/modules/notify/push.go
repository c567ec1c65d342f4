// README: Optional FCM push of booking state changes to the user's topic.
package notify

import (
	"context"
	"fmt"
	"log"
	"strings"

	"firebase.google.com/go/v4/messaging"

	"movzz/internal/modules/booking"
	"movzz/internal/types"
)

// MessageSender is the part of *messaging.Client the push notifier needs.
type MessageSender interface {
	Send(ctx context.Context, msg *messaging.Message) (string, error)
}

// PushNotifier sends to topic user_<id>; the mobile app subscribes its
// device token to that topic after login.
type PushNotifier struct {
	client MessageSender
}

func NewPushNotifier(client MessageSender) *PushNotifier {
	return &PushNotifier{client: client}
}

func PushTopic(userID types.ID) string {
	return "user_" + string(userID)
}

func (p *PushNotifier) Notify(ctx context.Context, userID types.ID, b booking.Booking) error {
	msg := &messaging.Message{
		Topic: PushTopic(userID),
		Data: map[string]string{
			"type":       EventStateChanged,
			"booking_id": string(b.ID),
			"state":      string(b.State),
		},
		Notification: &messaging.Notification{
			Title: "Booking update",
			Body:  pushBody(b),
		},
		Android: &messaging.AndroidConfig{
			Priority: "high",
		},
	}
	id, err := p.client.Send(ctx, msg)
	if err != nil {
		return fmt.Errorf("fcm send to %s: %w", msg.Topic, err)
	}
	log.Printf("[notify] fcm booking=%s state=%s message_id=%s", b.ID, b.State, id)
	return nil
}

func pushBody(b booking.Booking) string {
	switch b.State {
	case booking.StateSearching:
		return "Looking for a ride near you."
	case booking.StateConfirmed:
		return "Your ride is confirmed."
	case booking.StateFailed:
		return "We could not find a ride. A credit has been added to your account."
	case booking.StateManualEscalation:
		return "Our team is looking into your booking."
	case booking.StateCompleted:
		return "Trip completed. Thanks for riding."
	case booking.StateCancelled:
		return "Your booking was cancelled."
	}
	return "Booking is now " + strings.ToLower(string(b.State)) + "."
}
