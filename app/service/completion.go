package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
	"github.com/vibast-solutions/ms-go-proxy-payments/app/entity"
	"github.com/vibast-solutions/ms-go-proxy-payments/app/lock"
	"github.com/vibast-solutions/ms-go-proxy-payments/app/persistence"
)

const defaultPlanDuration = 30 * 24 * time.Hour

// statusChange is a provider-reported status to converge a payment to.
type statusChange struct {
	status          entity.PaymentStatus
	reason          string
	source          string
	providerEventID string

	// amount is what the provider reports as charged; nil when unknown.
	amount   *decimal.Decimal
	currency string
}

// reportedAmount treats an amount without a currency as unknown.
func reportedAmount(amount decimal.Decimal, currency string) (*decimal.Decimal, string) {
	currency = strings.ToUpper(strings.TrimSpace(currency))
	if currency == "" {
		return nil, ""
	}
	return &amount, currency
}

// verify polls the provider for a pending payment under the order lock.
// When another worker holds the lock the stored record is returned unchanged.
func (s *PaymentService) verify(ctx context.Context, payment *entity.Payment, source string) (*entity.Payment, error) {
	if payment.Status != entity.PaymentStatusPending || payment.ProviderPaymentID == nil {
		return payment, nil
	}

	release, err := s.lockOrder(ctx, payment.OrderID)
	if err != nil {
		if errors.Is(err, lock.ErrLockBusy) {
			return payment, nil
		}
		return nil, err
	}
	defer func() { _ = release(context.WithoutCancel(ctx)) }()

	providerClient, err := s.providerReg.Get(payment.Provider)
	if err != nil {
		return nil, ErrProviderUnsupported
	}

	result, err := providerClient.VerifyPayment(ctx, *payment.ProviderPaymentID)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrProviderFailed, err)
	}
	if result == nil || !result.Success {
		reason := "provider returned no result"
		if result != nil && result.Error != "" {
			reason = result.Error
		}
		return payment, fmt.Errorf("%w: %s", ErrProviderFailed, reason)
	}

	if ref := result.Metadata["payment_intent"]; ref != "" && payment.ProviderReference == nil {
		if err := s.patchReferences(ctx, payment, ref, ""); err != nil {
			return nil, err
		}
	}
	if sub := result.Metadata["subscription"]; sub != "" && payment.ProviderSubscriptionID == nil {
		if err := s.patchReferences(ctx, payment, "", sub); err != nil {
			return nil, err
		}
	}

	if result.Status == entity.PaymentStatusPending || result.Status == "" {
		return payment, nil
	}

	amount, currency := reportedAmount(result.Amount, result.Currency)
	return s.applyStatus(ctx, payment, statusChange{
		status:   result.Status,
		reason:   "provider reported " + string(result.Status),
		source:   source,
		amount:   amount,
		currency: currency,
	})
}

// applyStatus is the single convergence point for checkout, verify, webhook and job paths.
//
// The status write is conditional on the stored status, and the ledger effects of a
// transition run in the same transaction, so only the caller that moves the row
// credits the wallet or activates the plan. Requests that would move a terminal
// payment anywhere not allowed are logged as reconciliation conflicts and ignored.
func (s *PaymentService) applyStatus(ctx context.Context, payment *entity.Payment, change statusChange) (*entity.Payment, error) {
	if change.status == "" || change.status == entity.PaymentStatusPending || change.status == payment.Status {
		return payment, nil
	}
	if !payment.Status.CanTransition(change.status) {
		s.recordConflict(ctx, payment, change)
		return payment, nil
	}

	now := s.now()
	applied := false
	err := s.gateway.WithinTx(ctx, func(tx persistence.Gateway) error {
		var (
			ok  bool
			err error
		)
		switch change.status {
		case entity.PaymentStatusCompleted:
			ok, err = tx.MarkPaymentCompleted(ctx, payment.UserID, payment.OrderID, now)
		case entity.PaymentStatusFailed:
			ok, err = tx.MarkPaymentFailed(ctx, payment.UserID, payment.OrderID, change.reason)
		case entity.PaymentStatusCanceled:
			ok, err = tx.MarkPaymentCanceled(ctx, payment.UserID, payment.OrderID, change.reason)
		case entity.PaymentStatusRefunded:
			ok, err = tx.MarkPaymentRefunded(ctx, payment.UserID, payment.OrderID)
		default:
			return fmt.Errorf("unsupported status %q", change.status)
		}
		if err != nil || !ok {
			return err
		}
		applied = true

		switch change.status {
		case entity.PaymentStatusCompleted:
			if err := s.settleCompleted(ctx, tx, payment, s.chargedAmount(payment, change), now); err != nil {
				return err
			}
		case entity.PaymentStatusRefunded:
			if err := s.settleRefunded(ctx, tx, payment, now); err != nil {
				return err
			}
		}

		return tx.CreatePaymentEvent(ctx, &entity.PaymentEvent{
			OrderID:         payment.OrderID,
			EventType:       eventTypeFor(change.status),
			OldStatus:       statusPtr(payment.Status),
			NewStatus:       change.status,
			ProviderEventID: normalizeOptionalString(change.providerEventID),
			PayloadJSON:     sourcePayload(change),
			CreatedAt:       now,
		})
	})
	if err != nil {
		return nil, err
	}

	current, err := s.gateway.GetPaymentByOrderID(ctx, payment.UserID, payment.OrderID)
	if err != nil {
		return nil, err
	}
	if current == nil {
		return nil, ErrPaymentNotFound
	}

	if applied {
		s.logger.WithFields(logrus.Fields{
			"order_id": payment.OrderID,
			"from":     payment.Status,
			"to":       change.status,
			"source":   change.source,
		}).Info("payment status changed")
	} else if current.Status != change.status {
		s.recordConflict(ctx, current, change)
	}

	return current, nil
}

// chargedAmount is the amount to book for a completion: the provider-reported charge
// when it is known and in the payment currency, the requested amount otherwise.
func (s *PaymentService) chargedAmount(payment *entity.Payment, change statusChange) decimal.Decimal {
	if change.amount == nil || change.amount.IsNegative() {
		return payment.Amount
	}
	if change.currency != payment.Currency {
		s.logger.WithFields(logrus.Fields{
			"order_id":          payment.OrderID,
			"currency":          payment.Currency,
			"reported_currency": change.currency,
		}).Warn("provider reported a different currency, booking the requested amount")
		return payment.Amount
	}
	return *change.amount
}

// settleCompleted books the charge and applies its side effect. A zero charge, such as a
// subscription trial, books no transaction; the plan is still activated.
func (s *PaymentService) settleCompleted(ctx context.Context, tx persistence.Gateway, payment *entity.Payment, charged decimal.Decimal, now time.Time) error {
	if !charged.Equal(payment.Amount) {
		s.logger.WithFields(logrus.Fields{
			"order_id":  payment.OrderID,
			"requested": payment.Amount.StringFixed(2),
			"charged":   charged.StringFixed(2),
		}).Info("booking provider charged amount")
	}

	txType := entity.TransactionTypeDeposit
	if payment.Type == entity.PaymentTypeProxyPurchase {
		txType = entity.TransactionTypePurchase
	}

	if charged.IsPositive() {
		if err := tx.CreateTransactionRecord(ctx, &entity.Transaction{
			OrderID:   payment.OrderID,
			UserID:    payment.UserID,
			Type:      txType,
			Amount:    charged,
			Currency:  payment.Currency,
			Provider:  payment.Provider,
			CreatedAt: now,
		}); err != nil && !errors.Is(err, persistence.ErrTransactionAlreadyExists) {
			return err
		}
	}

	switch payment.Type {
	case entity.PaymentTypeWalletDeposit:
		if !charged.IsPositive() {
			return nil
		}
		_, err := tx.UpdateUserWalletBalance(ctx, payment.UserID, charged, payment.Currency, "deposit:"+payment.OrderID)
		return err
	case entity.PaymentTypeProxyPurchase:
		return s.activatePlan(ctx, tx, payment, now)
	}
	return nil
}

// settleRefunded reverses what the completion booked. Nothing is reversed when nothing was charged.
func (s *PaymentService) settleRefunded(ctx context.Context, tx persistence.Gateway, payment *entity.Payment, now time.Time) error {
	booked, err := bookedCharge(ctx, tx, payment.OrderID)
	if err != nil {
		return err
	}

	if booked.IsPositive() {
		if err := tx.CreateTransactionRecord(ctx, &entity.Transaction{
			OrderID:   payment.OrderID,
			UserID:    payment.UserID,
			Type:      entity.TransactionTypeRefund,
			Amount:    booked.Neg(),
			Currency:  payment.Currency,
			Provider:  payment.Provider,
			CreatedAt: now,
		}); err != nil && !errors.Is(err, persistence.ErrTransactionAlreadyExists) {
			return err
		}
	}

	switch payment.Type {
	case entity.PaymentTypeWalletDeposit:
		if !booked.IsPositive() {
			return nil
		}
		_, err := tx.UpdateUserWalletBalance(ctx, payment.UserID, booked.Neg(), payment.Currency, "refund:"+payment.OrderID)
		return err
	case entity.PaymentTypeProxyPurchase:
		if payment.PlanType == nil {
			return nil
		}
		current, err := tx.GetProxyPlan(ctx, payment.UserID, *payment.PlanType)
		if err != nil || current == nil || current.LastOrderID != payment.OrderID {
			return err
		}
		current.Status = entity.ProxyPlanInactive
		current.AutoRenew = false
		current.RenewsAt = nil
		current.UpdatedAt = now
		return tx.SaveProxyPlan(ctx, current)
	}
	return nil
}

func bookedCharge(ctx context.Context, tx persistence.Gateway, orderID string) (decimal.Decimal, error) {
	items, err := tx.ListTransactions(ctx, orderID)
	if err != nil {
		return decimal.Zero, err
	}
	for _, item := range items {
		if item.Type == entity.TransactionTypeDeposit || item.Type == entity.TransactionTypePurchase {
			return item.Amount, nil
		}
	}
	return decimal.Zero, nil
}

func (s *PaymentService) activatePlan(ctx context.Context, tx persistence.Gateway, payment *entity.Payment, now time.Time) error {
	if payment.PlanType == nil {
		return fmt.Errorf("%w: purchase %s has no plan type", ErrInvalidPlan, payment.OrderID)
	}

	current, err := tx.GetProxyPlan(ctx, payment.UserID, *payment.PlanType)
	if err != nil {
		return err
	}

	start := now
	if current != nil && current.Status == entity.ProxyPlanActive && current.ExpiresAt != nil && current.ExpiresAt.After(now) {
		start = *current.ExpiresAt
	}
	expiresAt := start.Add(s.planDuration(payment))

	next := current
	if next == nil {
		next = &entity.ProxyPlan{
			UserID:    payment.UserID,
			PlanType:  *payment.PlanType,
			CreatedAt: now,
		}
	}
	if payment.PlanTier != nil {
		next.PlanTier = *payment.PlanTier
	}
	if bandwidth, err := strconv.ParseInt(payment.Metadata[metadataBandwidthGB], 10, 64); err == nil {
		next.BandwidthGB = bandwidth
	}
	next.Status = entity.ProxyPlanActive
	next.ExpiresAt = &expiresAt
	// Only a provider subscription renews. Recurring requests degraded to one-time do not.
	next.AutoRenew = payment.Recurring && payment.ProviderSubscriptionID != nil
	next.RenewsAt = nil
	if next.AutoRenew {
		next.RenewsAt = &expiresAt
	}
	next.SubscriptionID = payment.ProviderSubscriptionID
	next.CancelAtPeriodEnd = false
	next.CancelAt = nil
	next.LastOrderID = payment.OrderID
	next.UpdatedAt = now

	return tx.SaveProxyPlan(ctx, next)
}

func (s *PaymentService) planDuration(payment *entity.Payment) time.Duration {
	if days, err := strconv.Atoi(payment.Metadata[metadataDurationDays]); err == nil && days > 0 {
		return time.Duration(days) * 24 * time.Hour
	}
	if payment.PlanType != nil && payment.PlanTier != nil {
		if tier, err := s.catalog.Lookup(*payment.PlanType, *payment.PlanTier); err == nil && tier.DurationDays > 0 {
			return tier.Duration()
		}
	}
	return defaultPlanDuration
}

// recordConflict notes a provider report that disagrees with a terminal local state. Local state wins.
func (s *PaymentService) recordConflict(ctx context.Context, payment *entity.Payment, change statusChange) {
	s.logger.WithFields(logrus.Fields{
		"order_id":  payment.OrderID,
		"local":     payment.Status,
		"requested": change.status,
		"source":    change.source,
	}).Warn("reconciliation conflict: keeping local payment status")

	s.recordEvent(ctx, s.gateway, &entity.PaymentEvent{
		OrderID:         payment.OrderID,
		EventType:       entity.PaymentEventReconciliationConflict,
		OldStatus:       statusPtr(payment.Status),
		NewStatus:       change.status,
		ProviderEventID: normalizeOptionalString(change.providerEventID),
		PayloadJSON:     sourcePayload(change),
		CreatedAt:       s.now(),
	})
}

func (s *PaymentService) patchReferences(ctx context.Context, payment *entity.Payment, reference, subscriptionID string) error {
	patch := entity.PaymentPatch{
		ProviderReference:      normalizeOptionalString(reference),
		ProviderSubscriptionID: normalizeOptionalString(subscriptionID),
	}
	if patch.ProviderReference == nil && patch.ProviderSubscriptionID == nil {
		return nil
	}
	if err := s.gateway.UpdatePayment(ctx, payment.UserID, payment.OrderID, patch); err != nil {
		return err
	}
	if patch.ProviderReference != nil {
		payment.ProviderReference = patch.ProviderReference
	}
	if patch.ProviderSubscriptionID != nil {
		payment.ProviderSubscriptionID = patch.ProviderSubscriptionID
	}
	return nil
}

// lockOrder takes the per-order lock. Lock backend outages degrade to running unlocked;
// the conditional status write still decides the winner.
func (s *PaymentService) lockOrder(ctx context.Context, orderID string) (lock.Release, error) {
	release, err := s.locker.Acquire(ctx, "order:"+orderID)
	if err == nil {
		return release, nil
	}
	if errors.Is(err, lock.ErrLockBusy) {
		return nil, err
	}

	s.logger.WithError(err).WithField("order_id", orderID).Warn("order lock unavailable, continuing without it")
	return func(context.Context) error { return nil }, nil
}

func eventTypeFor(status entity.PaymentStatus) string {
	switch status {
	case entity.PaymentStatusCompleted:
		return entity.PaymentEventCompleted
	case entity.PaymentStatusFailed:
		return entity.PaymentEventFailed
	case entity.PaymentStatusCanceled:
		return entity.PaymentEventCanceled
	case entity.PaymentStatusRefunded:
		return entity.PaymentEventRefunded
	}
	return "payment_" + strings.ToLower(string(status))
}

func sourcePayload(change statusChange) *string {
	body := map[string]string{"source": change.source}
	if change.reason != "" {
		body["reason"] = change.reason
	}
	encoded, err := json.Marshal(body)
	if err != nil {
		return nil
	}
	value := string(encoded)
	return &value
}
