package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"github.com/vibast-solutions/ms-go-proxy-payments/app/entity"
	"github.com/vibast-solutions/ms-go-proxy-payments/app/lock"
	"github.com/vibast-solutions/ms-go-proxy-payments/app/provider"
)

const defaultWebhookMaxAttempts = int32(10)

type handleWebhookRequest interface {
	GetProvider() string
	GetSignature() string
	GetPayload() []byte
}

// HandleWebhook verifies a provider notification, records it durably and applies it.
//
// Nothing is written when verification fails. Once recorded, processing errors are
// kept on the record for the replay job and the call still succeeds.
func (s *PaymentService) HandleWebhook(ctx context.Context, req handleWebhookRequest) (*entity.WebhookEvent, error) {
	providerClient, err := s.resolveProvider(req.GetProvider())
	if err != nil {
		return nil, err
	}

	payload := req.GetPayload()
	event, err := providerClient.HandleWebhook(ctx, payload, strings.TrimSpace(req.GetSignature()))
	if err != nil {
		s.logger.WithError(err).WithField("provider", providerClient.Code()).Warn("webhook rejected")
		return nil, fmt.Errorf("%w: %w", ErrWebhookRejected, err)
	}
	if event == nil {
		return nil, fmt.Errorf("%w: empty event", ErrWebhookRejected)
	}
	if strings.TrimSpace(event.ID) == "" {
		event.ID = uuid.NewString()
	}

	eventJSON, err := json.Marshal(event)
	if err != nil {
		return nil, err
	}

	now := s.now()
	record := &entity.WebhookEvent{
		Provider:    providerClient.Code(),
		EventID:     event.ID,
		EventType:   event.Type,
		OrderID:     normalizeOptionalString(event.OrderID),
		EventJSON:   string(eventJSON),
		PayloadJSON: string(payload),
		Status:      entity.WebhookEventReceived,
		NextAt:      &now,
		CreatedAt:   now,
		UpdatedAt:   now,
	}

	inserted, err := s.gateway.RecordWebhookEvent(ctx, record)
	if err != nil {
		return nil, err
	}
	if !inserted {
		existing, err := s.gateway.FindWebhookEvent(ctx, record.Provider, record.EventID)
		if err != nil {
			return nil, err
		}
		if existing == nil {
			return nil, fmt.Errorf("webhook event %s/%s vanished after duplicate insert", record.Provider, record.EventID)
		}
		if existing.Status != entity.WebhookEventReceived {
			return existing, nil
		}
		record = existing
	}

	if err := s.processWebhookRecord(ctx, record, event); err != nil {
		return nil, err
	}
	return record, nil
}

// processWebhookRecord applies an event and stores the outcome on its record.
// The returned error is only about persisting that outcome.
func (s *PaymentService) processWebhookRecord(ctx context.Context, record *entity.WebhookEvent, event *provider.WebhookEvent) error {
	now := s.now()
	processErr := s.applyWebhookEvent(ctx, record.Provider, event)

	record.UpdatedAt = now
	if processErr == nil {
		record.Status = entity.WebhookEventProcessed
		record.ProcessedAt = &now
		record.NextAt = nil
		record.LastError = nil
		return s.gateway.UpdateWebhookEvent(ctx, record)
	}

	if errors.Is(processErr, lock.ErrLockBusy) {
		// Another worker holds the order. Retry without spending an attempt.
		next := now.Add(5 * time.Second)
		record.NextAt = &next
		return s.gateway.UpdateWebhookEvent(ctx, record)
	}

	s.recordWebhookFailure(record, processErr, now)
	s.logger.WithError(processErr).WithFields(logrus.Fields{
		"provider": record.Provider,
		"event_id": record.EventID,
		"attempts": record.Attempts,
	}).Warn("webhook processing failed")
	return s.gateway.UpdateWebhookEvent(ctx, record)
}

func (s *PaymentService) recordWebhookFailure(record *entity.WebhookEvent, processErr error, now time.Time) {
	maxAttempts := s.paymentsCfg.WebhookMaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = defaultWebhookMaxAttempts
	}

	record.Attempts++
	errMsg := truncate(processErr.Error(), 1024)
	record.LastError = &errMsg

	if record.Attempts >= maxAttempts {
		record.Status = entity.WebhookEventFailed
		record.NextAt = nil
		return
	}

	retryInterval := s.paymentsCfg.WebhookRetryInterval
	if retryInterval <= 0 {
		retryInterval = 5 * time.Minute
	}
	next := now.Add(retryInterval)
	record.NextAt = &next
}

func (s *PaymentService) applyWebhookEvent(ctx context.Context, code entity.Provider, event *provider.WebhookEvent) error {
	switch event.Kind {
	case provider.EventKindRenewal:
		return s.applyRenewal(ctx, code, event)
	case provider.EventKindCancellation:
		return s.applyCancellation(ctx, code, event)
	case provider.EventKindResumption:
		return s.applyResumption(ctx, code, event)
	}

	if event.Status == "" {
		return nil
	}

	payment, err := s.findWebhookPayment(ctx, code, event)
	if err != nil {
		return err
	}
	if payment == nil {
		s.logger.WithFields(logrus.Fields{
			"provider":   code,
			"event_id":   event.ID,
			"payment_id": event.PaymentID,
			"order_id":   event.OrderID,
		}).Warn("webhook references an unknown payment, ignoring")
		return nil
	}

	release, err := s.lockOrder(ctx, payment.OrderID)
	if err != nil {
		return err
	}
	defer func() { _ = release(context.WithoutCancel(ctx)) }()

	if err := s.patchReferences(ctx, payment, missingRef(payment.ProviderReference, event.PaymentReference), missingRef(payment.ProviderSubscriptionID, event.SubscriptionID)); err != nil {
		return err
	}

	amount, currency := reportedAmount(event.Amount, event.Currency)
	if event.Status != entity.PaymentStatusCompleted {
		amount, currency = nil, ""
	}
	_, err = s.applyStatus(ctx, payment, statusChange{
		status:          event.Status,
		reason:          webhookReason(event),
		source:          "webhook",
		providerEventID: event.ID,
		amount:          amount,
		currency:        currency,
	})
	return err
}

func (s *PaymentService) findWebhookPayment(ctx context.Context, code entity.Provider, event *provider.WebhookEvent) (*entity.Payment, error) {
	if event.OrderID != "" {
		payment, err := s.gateway.FindPaymentByOrderID(ctx, event.OrderID)
		if err != nil || payment != nil {
			if payment != nil && payment.Provider != code {
				return nil, nil
			}
			return payment, err
		}
	}

	for _, ref := range []string{event.PaymentID, event.PaymentReference} {
		if strings.TrimSpace(ref) == "" {
			continue
		}
		payment, err := s.gateway.FindPaymentByProviderReference(ctx, code, ref)
		if err != nil || payment != nil {
			return payment, err
		}
	}
	return nil, nil
}

func missingRef(current *string, candidate string) string {
	if current != nil {
		return ""
	}
	return candidate
}

func webhookReason(event *provider.WebhookEvent) string {
	if reason := strings.TrimSpace(event.Metadata["failure_reason"]); reason != "" {
		return reason
	}
	return "provider event " + event.Type
}
