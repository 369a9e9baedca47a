// Package persistence defines the storage contract the payment service is written against.
package persistence

import (
	"context"
	"errors"
	"time"

	"github.com/shopspring/decimal"
	"github.com/vibast-solutions/ms-go-proxy-payments/app/entity"
)

var (
	ErrPaymentNotFound          = errors.New("payment not found")
	ErrPaymentAlreadyExists     = errors.New("payment already exists")
	ErrTransactionAlreadyExists = errors.New("transaction already exists")
	ErrWebhookEventNotFound     = errors.New("webhook event not found")
)

type PaymentFilter struct {
	UserID   string
	Status   entity.PaymentStatus
	Provider entity.Provider
	Type     entity.PaymentType
	Limit    int32
	Offset   int32
}

// Gateway is the persistence boundary for payments, ledgers and plans.
//
// Find/Get methods return (nil, nil) when nothing matches. Mark* methods are
// conditional writes and report whether this call performed the transition.
type Gateway interface {
	CreatePayment(ctx context.Context, payment *entity.Payment) error
	UpdatePayment(ctx context.Context, userID, orderID string, patch entity.PaymentPatch) error
	MarkPaymentCompleted(ctx context.Context, userID, orderID string, at time.Time) (bool, error)
	MarkPaymentFailed(ctx context.Context, userID, orderID, reason string) (bool, error)
	MarkPaymentCanceled(ctx context.Context, userID, orderID, reason string) (bool, error)
	MarkPaymentRefunded(ctx context.Context, userID, orderID string) (bool, error)
	GetPaymentByOrderID(ctx context.Context, userID, orderID string) (*entity.Payment, error)
	FindPaymentByOrderID(ctx context.Context, orderID string) (*entity.Payment, error)
	FindPaymentByProviderReference(ctx context.Context, provider entity.Provider, reference string) (*entity.Payment, error)
	ListPayments(ctx context.Context, filter PaymentFilter) ([]*entity.Payment, error)
	ListPendingPayments(ctx context.Context, updatedBefore time.Time, limit int32) ([]*entity.Payment, error)

	CreatePaymentEvent(ctx context.Context, event *entity.PaymentEvent) error

	CreateTransactionRecord(ctx context.Context, tx *entity.Transaction) error
	ListTransactions(ctx context.Context, orderID string) ([]*entity.Transaction, error)

	UpdateUserWalletBalance(ctx context.Context, userID string, delta decimal.Decimal, currency, reference string) (bool, error)
	ListWallets(ctx context.Context, userID string) ([]*entity.Wallet, error)

	GetProxyPlan(ctx context.Context, userID, planType string) (*entity.ProxyPlan, error)
	FindProxyPlanBySubscription(ctx context.Context, subscriptionID string) (*entity.ProxyPlan, error)
	SaveProxyPlan(ctx context.Context, plan *entity.ProxyPlan) error
	ListProxyPlans(ctx context.Context, userID string) ([]*entity.ProxyPlan, error)

	RecordWebhookEvent(ctx context.Context, event *entity.WebhookEvent) (bool, error)
	FindWebhookEvent(ctx context.Context, provider entity.Provider, eventID string) (*entity.WebhookEvent, error)
	UpdateWebhookEvent(ctx context.Context, event *entity.WebhookEvent) error
	ListDueWebhookEvents(ctx context.Context, now time.Time, limit int32) ([]*entity.WebhookEvent, error)

	// WithinTx runs fn against a Gateway bound to a single transaction.
	// fn's error rolls the transaction back.
	WithinTx(ctx context.Context, fn func(Gateway) error) error
}
