package service

import (
	"context"
	"errors"
	"strings"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"github.com/vibast-solutions/ms-go-proxy-payments/app/entity"
	"github.com/vibast-solutions/ms-go-proxy-payments/app/persistence"
	"github.com/vibast-solutions/ms-go-proxy-payments/app/provider"
)

// applyRenewal books a paid subscription cycle as its own completed purchase and extends the plan.
// The provider's invoice id is the payment id, so a repeated renewal is a no-op.
func (s *PaymentService) applyRenewal(ctx context.Context, code entity.Provider, event *provider.WebhookEvent) error {
	invoiceID := strings.TrimSpace(event.PaymentID)
	if invoiceID == "" || strings.TrimSpace(event.SubscriptionID) == "" {
		return nil
	}

	existing, err := s.gateway.FindPaymentByProviderReference(ctx, code, invoiceID)
	if err != nil {
		return err
	}
	if existing != nil {
		return nil
	}

	current, origin, err := s.subscriptionPlan(ctx, event)
	if err != nil {
		return err
	}
	if current == nil {
		s.logger.WithFields(logrus.Fields{
			"provider":        code,
			"subscription_id": event.SubscriptionID,
		}).Warn("renewal for an unknown subscription, ignoring")
		return nil
	}

	now := s.now()
	amount := event.Amount
	currency := strings.ToUpper(strings.TrimSpace(event.Currency))
	if currency == "" && origin != nil {
		amount = origin.Amount
		currency = origin.Currency
	}

	renewal := &entity.Payment{
		OrderID:                uuid.NewString(),
		UserID:                 current.UserID,
		Provider:               code,
		Type:                   entity.PaymentTypeProxyPurchase,
		Status:                 entity.PaymentStatusCompleted,
		Amount:                 amount,
		Currency:               currency,
		PlanType:               stringPtr(current.PlanType),
		PlanTier:               stringPtr(current.PlanTier),
		Recurring:              true,
		ProviderPaymentID:      stringPtr(invoiceID),
		ProviderReference:      normalizeOptionalString(event.PaymentReference),
		ProviderSubscriptionID: stringPtr(event.SubscriptionID),
		Metadata: map[string]string{
			"renewal_of": current.LastOrderID,
		},
		CompletedAt: &now,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if origin != nil {
		renewal.UserEmail = origin.UserEmail
		renewal.RecurringInterval = origin.RecurringInterval
		renewal.RecurringIntervalCount = origin.RecurringIntervalCount
		for _, key := range []string{metadataBandwidthGB, metadataDurationDays} {
			if v, ok := origin.Metadata[key]; ok {
				renewal.Metadata[key] = v
			}
		}
	}

	err = s.gateway.WithinTx(ctx, func(tx persistence.Gateway) error {
		if err := tx.CreatePayment(ctx, renewal); err != nil {
			return err
		}
		if renewal.Amount.IsPositive() {
			if err := tx.CreateTransactionRecord(ctx, &entity.Transaction{
				OrderID:   renewal.OrderID,
				UserID:    renewal.UserID,
				Type:      entity.TransactionTypePurchase,
				Amount:    renewal.Amount,
				Currency:  renewal.Currency,
				Provider:  renewal.Provider,
				CreatedAt: now,
			}); err != nil {
				return err
			}
		}

		base := now
		if current.ExpiresAt != nil && current.ExpiresAt.After(now) {
			base = *current.ExpiresAt
		}
		expiresAt := base.Add(s.planDuration(renewal))
		if event.PeriodEnd != nil && event.PeriodEnd.After(now) {
			expiresAt = *event.PeriodEnd
		}

		current.Status = entity.ProxyPlanActive
		current.ExpiresAt = &expiresAt
		current.RenewsAt = &expiresAt
		current.AutoRenew = true
		current.SubscriptionID = stringPtr(event.SubscriptionID)
		current.LastOrderID = renewal.OrderID
		current.UpdatedAt = now
		if err := tx.SaveProxyPlan(ctx, current); err != nil {
			return err
		}

		return tx.CreatePaymentEvent(ctx, &entity.PaymentEvent{
			OrderID:         renewal.OrderID,
			EventType:       entity.PaymentEventRenewed,
			NewStatus:       entity.PaymentStatusCompleted,
			ProviderEventID: normalizeOptionalString(event.ID),
			CreatedAt:       now,
		})
	})
	if errors.Is(err, persistence.ErrPaymentAlreadyExists) || errors.Is(err, persistence.ErrTransactionAlreadyExists) {
		return nil
	}
	if err != nil {
		return err
	}

	s.logger.WithFields(logrus.Fields{
		"order_id":        renewal.OrderID,
		"subscription_id": event.SubscriptionID,
		"user_id":         renewal.UserID,
	}).Info("subscription renewed")
	return nil
}

// applyCancellation ends a plan's subscription, either now or at the end of the paid period.
func (s *PaymentService) applyCancellation(ctx context.Context, code entity.Provider, event *provider.WebhookEvent) error {
	if strings.TrimSpace(event.SubscriptionID) == "" {
		return nil
	}

	current, _, err := s.subscriptionPlan(ctx, event)
	if err != nil {
		return err
	}
	if current == nil {
		s.logger.WithFields(logrus.Fields{
			"provider":        code,
			"subscription_id": event.SubscriptionID,
		}).Warn("cancellation for an unknown subscription, ignoring")
		return nil
	}

	now := s.now()
	current.AutoRenew = false
	current.RenewsAt = nil
	current.UpdatedAt = now

	if event.CancelAtPeriodEnd {
		current.CancelAtPeriodEnd = true
		current.CancelAt = event.CancelAt
		if current.CancelAt == nil {
			current.CancelAt = current.ExpiresAt
		}
	} else {
		cancelAt := now
		if event.CancelAt != nil {
			cancelAt = *event.CancelAt
		}
		current.Status = entity.ProxyPlanCanceled
		current.CancelAtPeriodEnd = false
		current.CancelAt = &cancelAt
		current.ExpiresAt = &cancelAt
	}

	if err := s.gateway.SaveProxyPlan(ctx, current); err != nil {
		return err
	}

	s.logger.WithFields(logrus.Fields{
		"user_id":              current.UserID,
		"plan_type":            current.PlanType,
		"subscription_id":      event.SubscriptionID,
		"cancel_at_period_end": event.CancelAtPeriodEnd,
	}).Info("subscription canceled")
	return nil
}

// applyResumption undoes a cancellation scheduled for the period end.
// Plans that were canceled outright stay canceled.
func (s *PaymentService) applyResumption(ctx context.Context, code entity.Provider, event *provider.WebhookEvent) error {
	if strings.TrimSpace(event.SubscriptionID) == "" {
		return nil
	}

	current, _, err := s.subscriptionPlan(ctx, event)
	if err != nil {
		return err
	}
	if current == nil || !current.CancelAtPeriodEnd || current.Status != entity.ProxyPlanActive {
		return nil
	}

	current.CancelAtPeriodEnd = false
	current.CancelAt = nil
	current.AutoRenew = true
	current.RenewsAt = current.ExpiresAt
	current.UpdatedAt = s.now()
	if err := s.gateway.SaveProxyPlan(ctx, current); err != nil {
		return err
	}

	s.logger.WithFields(logrus.Fields{
		"provider":        code,
		"user_id":         current.UserID,
		"plan_type":       current.PlanType,
		"subscription_id": event.SubscriptionID,
	}).Info("subscription resumed")
	return nil
}

// subscriptionPlan finds the plan a subscription event refers to, falling back to the
// order id carried in the subscription metadata. The originating payment is returned when known.
func (s *PaymentService) subscriptionPlan(ctx context.Context, event *provider.WebhookEvent) (*entity.ProxyPlan, *entity.Payment, error) {
	var origin *entity.Payment
	if event.OrderID != "" {
		payment, err := s.gateway.FindPaymentByOrderID(ctx, event.OrderID)
		if err != nil {
			return nil, nil, err
		}
		origin = payment
	}

	current, err := s.gateway.FindProxyPlanBySubscription(ctx, event.SubscriptionID)
	if err != nil {
		return nil, nil, err
	}
	if current == nil && origin != nil && origin.PlanType != nil {
		current, err = s.gateway.GetProxyPlan(ctx, origin.UserID, *origin.PlanType)
		if err != nil {
			return nil, nil, err
		}
	}
	return current, origin, nil
}
