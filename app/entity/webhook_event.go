package entity

import "time"

type WebhookEventStatus string

const (
	WebhookEventReceived  WebhookEventStatus = "received"
	WebhookEventProcessed WebhookEventStatus = "processed"
	WebhookEventFailed    WebhookEventStatus = "failed"
)

// WebhookEvent is the durable record of a signature-verified provider notification.
type WebhookEvent struct {
	ID uint64

	Provider  Provider
	EventID   string
	EventType string
	OrderID   *string

	EventJSON   string
	PayloadJSON string

	Status    WebhookEventStatus
	Attempts  int32
	NextAt    *time.Time
	LastError *string

	ProcessedAt *time.Time
	CreatedAt   time.Time
	UpdatedAt   time.Time
}
