package entity

import "time"

const (
	PaymentEventCreated                = "payment_created"
	PaymentEventCheckoutCreated        = "checkout_created"
	PaymentEventCompleted              = "payment_completed"
	PaymentEventFailed                 = "payment_failed"
	PaymentEventCanceled               = "payment_canceled"
	PaymentEventRefunded               = "payment_refunded"
	PaymentEventRenewed                = "subscription_renewed"
	PaymentEventReconciliationConflict = "reconciliation_conflict"
)

type PaymentEvent struct {
	ID uint64

	OrderID string

	EventType string

	OldStatus *PaymentStatus
	NewStatus PaymentStatus

	ProviderEventID *string
	PayloadJSON     *string

	CreatedAt time.Time
}
