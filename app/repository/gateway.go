package repository

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
	"github.com/vibast-solutions/ms-go-proxy-payments/app/entity"
	"github.com/vibast-solutions/ms-go-proxy-payments/app/persistence"
)

type TxBeginner interface {
	BeginTx(ctx context.Context, opts *sql.TxOptions) (*sql.Tx, error)
}

// Gateway implements persistence.Gateway on top of MySQL.
type Gateway struct {
	beginner TxBeginner

	payments      *PaymentRepository
	events        *PaymentEventRepository
	transactions  *TransactionRepository
	wallets       *WalletRepository
	plans         *ProxyPlanRepository
	webhookEvents *WebhookEventRepository
}

var _ persistence.Gateway = (*Gateway)(nil)

func NewGateway(db *sql.DB) *Gateway {
	return newGateway(db, db)
}

func newGateway(db DBTX, beginner TxBeginner) *Gateway {
	return &Gateway{
		beginner:      beginner,
		payments:      NewPaymentRepository(db),
		events:        NewPaymentEventRepository(db),
		transactions:  NewTransactionRepository(db),
		wallets:       NewWalletRepository(db),
		plans:         NewProxyPlanRepository(db),
		webhookEvents: NewWebhookEventRepository(db),
	}
}

func (g *Gateway) WithinTx(ctx context.Context, fn func(persistence.Gateway) error) error {
	if g.beginner == nil {
		return fn(g)
	}

	tx, err := g.beginner.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}

	if err := fn(newGateway(tx, nil)); err != nil {
		_ = tx.Rollback()
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit transaction: %w", err)
	}
	return nil
}

func (g *Gateway) CreatePayment(ctx context.Context, payment *entity.Payment) error {
	return g.payments.Create(ctx, payment)
}

func (g *Gateway) UpdatePayment(ctx context.Context, userID, orderID string, patch entity.PaymentPatch) error {
	return g.payments.Update(ctx, userID, orderID, patch)
}

func (g *Gateway) MarkPaymentCompleted(ctx context.Context, userID, orderID string, at time.Time) (bool, error) {
	return g.payments.Transition(ctx, userID, orderID, entity.PaymentStatusPending, entity.PaymentStatusCompleted, nil, &at)
}

func (g *Gateway) MarkPaymentFailed(ctx context.Context, userID, orderID, reason string) (bool, error) {
	return g.payments.Transition(ctx, userID, orderID, entity.PaymentStatusPending, entity.PaymentStatusFailed, &reason, nil)
}

func (g *Gateway) MarkPaymentCanceled(ctx context.Context, userID, orderID, reason string) (bool, error) {
	return g.payments.Transition(ctx, userID, orderID, entity.PaymentStatusPending, entity.PaymentStatusCanceled, &reason, nil)
}

func (g *Gateway) MarkPaymentRefunded(ctx context.Context, userID, orderID string) (bool, error) {
	return g.payments.Transition(ctx, userID, orderID, entity.PaymentStatusCompleted, entity.PaymentStatusRefunded, nil, nil)
}

func (g *Gateway) GetPaymentByOrderID(ctx context.Context, userID, orderID string) (*entity.Payment, error) {
	return g.payments.FindByUserOrderID(ctx, userID, orderID)
}

func (g *Gateway) FindPaymentByOrderID(ctx context.Context, orderID string) (*entity.Payment, error) {
	return g.payments.FindByOrderID(ctx, orderID)
}

func (g *Gateway) FindPaymentByProviderReference(ctx context.Context, provider entity.Provider, reference string) (*entity.Payment, error) {
	return g.payments.FindByProviderReference(ctx, provider, reference)
}

func (g *Gateway) ListPayments(ctx context.Context, filter persistence.PaymentFilter) ([]*entity.Payment, error) {
	return g.payments.List(ctx, filter)
}

func (g *Gateway) ListPendingPayments(ctx context.Context, updatedBefore time.Time, limit int32) ([]*entity.Payment, error) {
	return g.payments.ListPending(ctx, updatedBefore, limit)
}

func (g *Gateway) CreatePaymentEvent(ctx context.Context, event *entity.PaymentEvent) error {
	return g.events.Create(ctx, event)
}

func (g *Gateway) CreateTransactionRecord(ctx context.Context, tx *entity.Transaction) error {
	return g.transactions.Create(ctx, tx)
}

func (g *Gateway) ListTransactions(ctx context.Context, orderID string) ([]*entity.Transaction, error) {
	return g.transactions.ListByOrderID(ctx, orderID)
}

func (g *Gateway) UpdateUserWalletBalance(ctx context.Context, userID string, delta decimal.Decimal, currency, reference string) (bool, error) {
	return g.wallets.ApplyDelta(ctx, userID, delta, currency, reference)
}

func (g *Gateway) ListWallets(ctx context.Context, userID string) ([]*entity.Wallet, error) {
	return g.wallets.ListByUserID(ctx, userID)
}

func (g *Gateway) GetProxyPlan(ctx context.Context, userID, planType string) (*entity.ProxyPlan, error) {
	return g.plans.FindByUserAndType(ctx, userID, planType)
}

func (g *Gateway) FindProxyPlanBySubscription(ctx context.Context, subscriptionID string) (*entity.ProxyPlan, error) {
	return g.plans.FindBySubscriptionID(ctx, subscriptionID)
}

func (g *Gateway) SaveProxyPlan(ctx context.Context, plan *entity.ProxyPlan) error {
	return g.plans.Save(ctx, plan)
}

func (g *Gateway) ListProxyPlans(ctx context.Context, userID string) ([]*entity.ProxyPlan, error) {
	return g.plans.ListByUserID(ctx, userID)
}

func (g *Gateway) RecordWebhookEvent(ctx context.Context, event *entity.WebhookEvent) (bool, error) {
	return g.webhookEvents.Create(ctx, event)
}

func (g *Gateway) FindWebhookEvent(ctx context.Context, provider entity.Provider, eventID string) (*entity.WebhookEvent, error) {
	return g.webhookEvents.FindByEventID(ctx, provider, eventID)
}

func (g *Gateway) UpdateWebhookEvent(ctx context.Context, event *entity.WebhookEvent) error {
	return g.webhookEvents.Update(ctx, event)
}

func (g *Gateway) ListDueWebhookEvents(ctx context.Context, now time.Time, limit int32) ([]*entity.WebhookEvent, error) {
	return g.webhookEvents.ListDue(ctx, now, limit)
}
