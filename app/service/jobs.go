package service

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/vibast-solutions/ms-go-proxy-payments/app/entity"
	"github.com/vibast-solutions/ms-go-proxy-payments/app/provider"
)

// RunReconcileBatch verifies pending payments that have not moved for a while.
func (s *PaymentService) RunReconcileBatch(ctx context.Context) error {
	staleAfter := s.paymentsCfg.ReconcileStaleAfter
	if staleAfter <= 0 {
		staleAfter = 15 * time.Minute
	}
	items, err := s.gateway.ListPendingPayments(ctx, s.now().Add(-staleAfter), s.batchSize())
	if err != nil {
		return err
	}

	var firstErr error
	for _, payment := range items {
		if payment == nil || payment.ProviderPaymentID == nil {
			continue
		}
		if _, err := s.verify(ctx, payment, "reconcile"); err != nil {
			firstErr = keepFirstErr(firstErr, fmt.Errorf("reconcile %s: %w", payment.OrderID, err))
		}
	}

	return firstErr
}

// RunReplayWebhooksBatch reprocesses recorded webhook events whose retry time has come.
func (s *PaymentService) RunReplayWebhooksBatch(ctx context.Context) error {
	items, err := s.gateway.ListDueWebhookEvents(ctx, s.now(), s.batchSize())
	if err != nil {
		return err
	}

	var firstErr error
	for _, record := range items {
		if record == nil {
			continue
		}

		event := &provider.WebhookEvent{}
		if err := json.Unmarshal([]byte(record.EventJSON), event); err != nil {
			s.recordWebhookFailure(record, fmt.Errorf("decode stored event: %w", err), s.now())
			record.Status = entity.WebhookEventFailed
			record.NextAt = nil
			firstErr = keepFirstErr(firstErr, s.gateway.UpdateWebhookEvent(ctx, record))
			continue
		}
		event.RawData = []byte(record.PayloadJSON)

		if err := s.processWebhookRecord(ctx, record, event); err != nil {
			firstErr = keepFirstErr(firstErr, err)
		}
	}

	return firstErr
}

// RunExpirePendingBatch cancels pending payments older than the pending timeout.
// Each one is verified first so a payment that was paid is completed instead.
func (s *PaymentService) RunExpirePendingBatch(ctx context.Context) error {
	timeout := s.paymentsCfg.PendingTimeout
	if timeout <= 0 {
		timeout = 24 * time.Hour
	}
	items, err := s.gateway.ListPendingPayments(ctx, s.now().Add(-timeout), s.batchSize())
	if err != nil {
		return err
	}

	var firstErr error
	for _, payment := range items {
		if payment == nil {
			continue
		}

		current, err := s.verify(ctx, payment, "expire")
		if err != nil {
			firstErr = keepFirstErr(firstErr, fmt.Errorf("expire %s: %w", payment.OrderID, err))
			continue
		}
		if current.Status != entity.PaymentStatusPending {
			continue
		}

		if _, err := s.applyStatus(ctx, current, statusChange{
			status: entity.PaymentStatusCanceled,
			reason: "payment expired",
			source: "expire",
		}); err != nil {
			firstErr = keepFirstErr(firstErr, err)
		}
	}

	return firstErr
}

func keepFirstErr(current error, next error) error {
	if current != nil {
		return current
	}
	return next
}
