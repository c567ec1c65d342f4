// README: SMS dispatch through the sms-dispatch queue; the handler hands messages to a Sender.
package sms

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"
	"time"

	"movzz/internal/queue"
)

const QueueDispatch = "sms-dispatch"

var ErrBadMessage = errors.New("invalid sms")

type Message struct {
	Phone string `json:"phone"`
	Body  string `json:"body"`
}

// Sender delivers one message. Errors are retried by the queue.
type Sender interface {
	Send(ctx context.Context, m Message) error
}

// LogSender writes messages to the log instead of a gateway.
type LogSender struct{}

func (LogSender) Send(_ context.Context, m Message) error {
	log.Printf("[sms] to=%s body=%q", maskPhone(m.Phone), m.Body)
	return nil
}

type Scheduler interface {
	Enqueue(ctx context.Context, queue string, payload any, delay time.Duration) (string, error)
}

type Service struct {
	jobs   Scheduler
	sender Sender
}

func NewService(jobs Scheduler, sender Sender) *Service {
	if sender == nil {
		sender = LogSender{}
	}
	return &Service{jobs: jobs, sender: sender}
}

// Enqueue schedules delivery and returns without waiting for the gateway.
func (s *Service) Enqueue(ctx context.Context, phone, body string) error {
	m := Message{Phone: strings.TrimSpace(phone), Body: body}
	if err := m.validate(); err != nil {
		return err
	}
	if _, err := s.jobs.Enqueue(ctx, QueueDispatch, m, 0); err != nil {
		return fmt.Errorf("enqueue sms: %w", err)
	}
	return nil
}

// HandleDispatch is registered on the sms-dispatch queue.
func (s *Service) HandleDispatch(ctx context.Context, job *queue.Job) error {
	var m Message
	if err := job.Decode(&m); err != nil {
		return err
	}
	if err := m.validate(); err != nil {
		return queue.Permanent(err)
	}
	return s.sender.Send(ctx, m)
}

func (m Message) validate() error {
	if m.Phone == "" {
		return fmt.Errorf("%w: phone is required", ErrBadMessage)
	}
	if strings.TrimSpace(m.Body) == "" {
		return fmt.Errorf("%w: body is required", ErrBadMessage)
	}
	return nil
}

func maskPhone(p string) string {
	if len(p) <= 4 {
		return p
	}
	return strings.Repeat("*", len(p)-4) + p[len(p)-4:]
}
