package provider

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stripe/stripe-go/v80"
	"github.com/stripe/stripe-go/v80/client"
	"github.com/stripe/stripe-go/v80/webhook"
	"github.com/vibast-solutions/ms-go-proxy-payments/app/entity"
)

var minorUnitsPerMajor = decimal.NewFromInt(100)

type StripeConfig struct {
	SecretKey        string
	WebhookSecret    string
	WebhookTolerance time.Duration
	HTTPTimeout      time.Duration
}

// stripeAPI is the subset of the Stripe client the adapter calls.
type stripeAPI interface {
	NewCheckoutSession(params *stripe.CheckoutSessionParams) (*stripe.CheckoutSession, error)
	GetCheckoutSession(id string, params *stripe.CheckoutSessionParams) (*stripe.CheckoutSession, error)
	NewPrice(params *stripe.PriceParams) (*stripe.Price, error)
}

type stripeClientAPI struct {
	api *client.API
}

func (c stripeClientAPI) NewCheckoutSession(params *stripe.CheckoutSessionParams) (*stripe.CheckoutSession, error) {
	return c.api.CheckoutSessions.New(params)
}

func (c stripeClientAPI) GetCheckoutSession(id string, params *stripe.CheckoutSessionParams) (*stripe.CheckoutSession, error) {
	return c.api.CheckoutSessions.Get(id, params)
}

func (c stripeClientAPI) NewPrice(params *stripe.PriceParams) (*stripe.Price, error) {
	return c.api.Prices.New(params)
}

type StripeProvider struct {
	cfg StripeConfig
	api stripeAPI
}

func NewStripeProvider(cfg StripeConfig) (*StripeProvider, error) {
	if strings.TrimSpace(cfg.SecretKey) == "" {
		return nil, fmt.Errorf("%w: stripe secret key is empty", ErrNotConfigured)
	}
	timeout := cfg.HTTPTimeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}

	backends := stripe.NewBackends(&http.Client{Timeout: timeout})
	return newStripeProvider(cfg, stripeClientAPI{api: client.New(cfg.SecretKey, backends)})
}

func newStripeProvider(cfg StripeConfig, api stripeAPI) (*StripeProvider, error) {
	if api == nil {
		return nil, fmt.Errorf("%w: stripe client is nil", ErrNotConfigured)
	}
	if strings.TrimSpace(cfg.WebhookSecret) == "" {
		return nil, fmt.Errorf("%w: stripe webhook secret is empty", ErrNotConfigured)
	}
	if cfg.WebhookTolerance <= 0 {
		cfg.WebhookTolerance = webhook.DefaultTolerance
	}
	return &StripeProvider{cfg: cfg, api: api}, nil
}

func (p *StripeProvider) Code() entity.Provider {
	return entity.ProviderStripe
}

func (p *StripeProvider) CreateOneTimePayment(ctx context.Context, customer Customer, metadata PaymentMetadata, successURL, cancelURL string) (*PaymentResult, error) {
	if reason := validatePaymentMetadata(metadata); reason != "" {
		return failedResult(reason), nil
	}

	refs := referenceMetadata(customer, metadata)
	params := p.sessionParams(ctx, customer, metadata, refs, successURL, cancelURL)
	params.Mode = stripe.String(string(stripe.CheckoutSessionModePayment))
	params.LineItems = []*stripe.CheckoutSessionLineItemParams{
		{
			PriceData: &stripe.CheckoutSessionLineItemPriceDataParams{
				Currency:   stripe.String(strings.ToLower(metadata.Currency)),
				UnitAmount: stripe.Int64(ToMinorUnits(metadata.Amount)),
				ProductData: &stripe.CheckoutSessionLineItemPriceDataProductDataParams{
					Name: stripe.String(productName(metadata)),
				},
			},
			Quantity: stripe.Int64(1),
		},
	}
	params.PaymentIntentData = &stripe.CheckoutSessionPaymentIntentDataParams{Metadata: refs}

	session, err := p.api.NewCheckoutSession(params)
	if err != nil {
		return failedResult("stripe checkout session: " + stripeErrorMessage(err)), nil
	}
	return sessionResult(session), nil
}

func (p *StripeProvider) CreateRecurringPayment(ctx context.Context, customer Customer, metadata RecurringMetadata, successURL, cancelURL string) (*PaymentResult, error) {
	if reason := validateRecurringMetadata(metadata); reason != "" {
		return failedResult(reason), nil
	}

	priceParams := &stripe.PriceParams{
		Currency:   stripe.String(strings.ToLower(metadata.Currency)),
		UnitAmount: stripe.Int64(ToMinorUnits(metadata.Amount)),
		Recurring: &stripe.PriceRecurringParams{
			Interval:      stripe.String(metadata.Interval),
			IntervalCount: stripe.Int64(int64(metadata.IntervalCount)),
		},
		ProductData: &stripe.PriceProductDataParams{
			Name: stripe.String(productName(metadata.PaymentMetadata)),
		},
	}
	priceParams.Context = ctx

	price, err := p.api.NewPrice(priceParams)
	if err != nil {
		return failedResult("stripe price: " + stripeErrorMessage(err)), nil
	}

	refs := referenceMetadata(customer, metadata.PaymentMetadata)
	params := p.sessionParams(ctx, customer, metadata.PaymentMetadata, refs, successURL, cancelURL)
	params.Mode = stripe.String(string(stripe.CheckoutSessionModeSubscription))
	params.LineItems = []*stripe.CheckoutSessionLineItemParams{
		{
			Price:    stripe.String(price.ID),
			Quantity: stripe.Int64(1),
		},
	}
	params.SubscriptionData = &stripe.CheckoutSessionSubscriptionDataParams{Metadata: refs}
	if metadata.TrialPeriodDays > 0 {
		params.SubscriptionData.TrialPeriodDays = stripe.Int64(int64(metadata.TrialPeriodDays))
	}

	session, err := p.api.NewCheckoutSession(params)
	if err != nil {
		return failedResult("stripe checkout session: " + stripeErrorMessage(err)), nil
	}
	return sessionResult(session), nil
}

func (p *StripeProvider) VerifyPayment(ctx context.Context, paymentID string) (*VerificationResult, error) {
	paymentID = strings.TrimSpace(paymentID)
	if paymentID == "" {
		return &VerificationResult{Success: false, Error: "payment id is required"}, nil
	}

	params := &stripe.CheckoutSessionParams{}
	params.Context = ctx
	session, err := p.api.GetCheckoutSession(paymentID, params)
	if err != nil {
		return &VerificationResult{Success: false, Error: "stripe checkout session: " + stripeErrorMessage(err)}, nil
	}

	metadata := make(map[string]string, len(session.Metadata)+3)
	for k, v := range session.Metadata {
		metadata[k] = v
	}
	if session.PaymentIntent != nil && session.PaymentIntent.ID != "" {
		metadata["payment_intent"] = session.PaymentIntent.ID
	}
	if session.Subscription != nil && session.Subscription.ID != "" {
		metadata["subscription"] = session.Subscription.ID
	}
	if session.PaymentStatus != "" {
		metadata["payment_status"] = string(session.PaymentStatus)
	}

	return &VerificationResult{
		Success:  true,
		Status:   mapStripeSessionStatus(string(session.Status), string(session.PaymentStatus)),
		Amount:   FromMinorUnits(session.AmountTotal),
		Currency: strings.ToUpper(string(session.Currency)),
		Metadata: metadata,
	}, nil
}

func (p *StripeProvider) HandleWebhook(_ context.Context, payload []byte, signature string) (*WebhookEvent, error) {
	if strings.TrimSpace(signature) == "" {
		return nil, ErrSignatureMissing
	}

	event, err := webhook.ConstructEventWithOptions(payload, signature, p.cfg.WebhookSecret, webhook.ConstructEventOptions{
		Tolerance:                p.cfg.WebhookTolerance,
		IgnoreAPIVersionMismatch: true,
	})
	if err != nil {
		if errors.Is(err, webhook.ErrNotSigned) ||
			errors.Is(err, webhook.ErrInvalidHeader) ||
			errors.Is(err, webhook.ErrNoValidSignature) ||
			errors.Is(err, webhook.ErrTooOld) {
			return nil, fmt.Errorf("%w: %v", ErrSignatureInvalid, err)
		}
		return nil, fmt.Errorf("stripe event: %w", err)
	}

	out := &WebhookEvent{
		ID:      event.ID,
		Type:    string(event.Type),
		Kind:    EventKindPayment,
		RawData: payload,
	}
	if event.Data == nil {
		return out, nil
	}
	raw := event.Data.Raw

	switch event.Type {
	case "checkout.session.completed", "checkout.session.async_payment_succeeded":
		var session stripe.CheckoutSession
		if err := json.Unmarshal(raw, &session); err != nil {
			return nil, fmt.Errorf("stripe checkout session: %w", err)
		}
		assignSessionFields(out, &session)
		out.Status = entity.PaymentStatusCompleted
		if session.PaymentStatus == stripe.CheckoutSessionPaymentStatusUnpaid {
			out.Status = entity.PaymentStatusPending
		}
	case "checkout.session.async_payment_failed":
		var session stripe.CheckoutSession
		if err := json.Unmarshal(raw, &session); err != nil {
			return nil, fmt.Errorf("stripe checkout session: %w", err)
		}
		assignSessionFields(out, &session)
		out.Status = entity.PaymentStatusFailed
	case "checkout.session.expired":
		var session stripe.CheckoutSession
		if err := json.Unmarshal(raw, &session); err != nil {
			return nil, fmt.Errorf("stripe checkout session: %w", err)
		}
		assignSessionFields(out, &session)
		out.Status = entity.PaymentStatusCanceled
	case "payment_intent.succeeded", "payment_intent.payment_failed":
		var intent stripe.PaymentIntent
		if err := json.Unmarshal(raw, &intent); err != nil {
			return nil, fmt.Errorf("stripe payment intent: %w", err)
		}
		out.PaymentID = intent.ID
		out.PaymentReference = intent.ID
		out.Amount = FromMinorUnits(intent.Amount)
		out.Currency = strings.ToUpper(string(intent.Currency))
		assignReferenceMetadata(out, intent.Metadata)
		out.Status = entity.PaymentStatusCompleted
		if event.Type == "payment_intent.payment_failed" {
			out.Status = entity.PaymentStatusFailed
		}
	case "charge.refunded":
		var charge stripe.Charge
		if err := json.Unmarshal(raw, &charge); err != nil {
			return nil, fmt.Errorf("stripe charge: %w", err)
		}
		if charge.PaymentIntent != nil {
			out.PaymentID = charge.PaymentIntent.ID
			out.PaymentReference = charge.PaymentIntent.ID
		}
		out.Amount = FromMinorUnits(charge.AmountRefunded)
		out.Currency = strings.ToUpper(string(charge.Currency))
		assignReferenceMetadata(out, charge.Metadata)
		// Partial refunds leave the payment completed.
		if charge.Refunded {
			out.Status = entity.PaymentStatusRefunded
		}
	case "invoice.paid":
		var invoice stripe.Invoice
		if err := json.Unmarshal(raw, &invoice); err != nil {
			return nil, fmt.Errorf("stripe invoice: %w", err)
		}
		assignInvoiceFields(out, &invoice)
	case "customer.subscription.deleted", "customer.subscription.updated":
		var subscription stripe.Subscription
		if err := json.Unmarshal(raw, &subscription); err != nil {
			return nil, fmt.Errorf("stripe subscription: %w", err)
		}
		assignSubscriptionFields(out, &subscription, event.Type == "customer.subscription.deleted", event.Data.PreviousAttributes)
	}

	return out, nil
}

func (p *StripeProvider) sessionParams(
	ctx context.Context,
	customer Customer,
	metadata PaymentMetadata,
	refs map[string]string,
	successURL, cancelURL string,
) *stripe.CheckoutSessionParams {
	params := &stripe.CheckoutSessionParams{
		SuccessURL:        stripe.String(successURL),
		CancelURL:         stripe.String(cancelURL),
		ClientReferenceID: stripe.String(metadata.OrderID),
		Metadata:          refs,
	}
	if email := strings.TrimSpace(customer.Email); email != "" {
		params.CustomerEmail = stripe.String(email)
	}
	params.Context = ctx
	return params
}

// ToMinorUnits converts a major-unit amount to Stripe's integer minor units.
func ToMinorUnits(amount decimal.Decimal) int64 {
	return amount.Mul(minorUnitsPerMajor).Round(0).IntPart()
}

// FromMinorUnits converts Stripe's integer minor units back to major units.
func FromMinorUnits(minor int64) decimal.Decimal {
	return decimal.New(minor, -2)
}

func mapStripeSessionStatus(status, paymentStatus string) entity.PaymentStatus {
	switch status {
	case string(stripe.CheckoutSessionStatusComplete):
		if paymentStatus == string(stripe.CheckoutSessionPaymentStatusUnpaid) {
			return entity.PaymentStatusPending
		}
		return entity.PaymentStatusCompleted
	case string(stripe.CheckoutSessionStatusExpired):
		return entity.PaymentStatusCanceled
	default:
		return entity.PaymentStatusPending
	}
}

func sessionResult(session *stripe.CheckoutSession) *PaymentResult {
	if session == nil || strings.TrimSpace(session.URL) == "" {
		return failedResult("stripe checkout session has no redirect url")
	}
	result := &PaymentResult{
		Success:     true,
		RedirectURL: session.URL,
		PaymentID:   session.ID,
	}
	if session.PaymentIntent != nil {
		result.ProviderReference = session.PaymentIntent.ID
	}
	if session.Subscription != nil {
		result.SubscriptionID = session.Subscription.ID
	}
	return result
}

func stripeErrorMessage(err error) string {
	var stripeErr *stripe.Error
	if errors.As(err, &stripeErr) && strings.TrimSpace(stripeErr.Msg) != "" {
		return stripeErr.Msg
	}
	return err.Error()
}

func assignSessionFields(event *WebhookEvent, session *stripe.CheckoutSession) {
	event.PaymentID = session.ID
	event.Amount = FromMinorUnits(session.AmountTotal)
	event.Currency = strings.ToUpper(string(session.Currency))
	if session.PaymentIntent != nil {
		event.PaymentReference = session.PaymentIntent.ID
	}
	if session.Subscription != nil {
		event.SubscriptionID = session.Subscription.ID
	}
	assignReferenceMetadata(event, session.Metadata)
	if event.OrderID == "" {
		event.OrderID = strings.TrimSpace(session.ClientReferenceID)
	}
}

func assignInvoiceFields(event *WebhookEvent, invoice *stripe.Invoice) {
	if invoice.BillingReason != stripe.InvoiceBillingReasonSubscriptionCycle {
		return
	}

	event.Kind = EventKindRenewal
	event.Status = entity.PaymentStatusCompleted
	event.PaymentID = invoice.ID
	event.Amount = FromMinorUnits(invoice.AmountPaid)
	event.Currency = strings.ToUpper(string(invoice.Currency))
	if invoice.Subscription != nil {
		event.SubscriptionID = invoice.Subscription.ID
	}
	if invoice.PaymentIntent != nil {
		event.PaymentReference = invoice.PaymentIntent.ID
	}
	if invoice.SubscriptionDetails != nil {
		assignReferenceMetadata(event, invoice.SubscriptionDetails.Metadata)
	}
	if invoice.Lines != nil {
		for _, line := range invoice.Lines.Data {
			if line != nil && line.Period != nil && line.Period.End > 0 {
				end := time.Unix(line.Period.End, 0).UTC()
				if event.PeriodEnd == nil || end.After(*event.PeriodEnd) {
					event.PeriodEnd = &end
				}
			}
		}
	}
}

func assignSubscriptionFields(event *WebhookEvent, subscription *stripe.Subscription, deleted bool, previous map[string]interface{}) {
	event.SubscriptionID = subscription.ID
	event.PaymentID = subscription.ID
	assignReferenceMetadata(event, subscription.Metadata)

	if deleted {
		event.Kind = EventKindCancellation
		// canceled_at is when cancellation was requested, ended_at when access stops.
		at := time.Now().UTC()
		switch {
		case subscription.EndedAt > 0:
			at = time.Unix(subscription.EndedAt, 0).UTC()
		case subscription.CanceledAt > 0:
			at = time.Unix(subscription.CanceledAt, 0).UTC()
		}
		event.CancelAt = &at
		return
	}

	if !subscription.CancelAtPeriodEnd {
		if subscription.CancelAt == 0 && wasScheduledToCancel(previous) {
			event.Kind = EventKindResumption
		}
		return
	}
	event.Kind = EventKindCancellation
	event.CancelAtPeriodEnd = true
	cancelAt := subscription.CancelAt
	if cancelAt == 0 {
		cancelAt = subscription.CurrentPeriodEnd
	}
	if cancelAt > 0 {
		at := time.Unix(cancelAt, 0).UTC()
		event.CancelAt = &at
	}
}

func wasScheduledToCancel(previous map[string]interface{}) bool {
	if flag, ok := previous["cancel_at_period_end"].(bool); ok && flag {
		return true
	}
	at, ok := previous["cancel_at"]
	return ok && at != nil
}

func assignReferenceMetadata(event *WebhookEvent, metadata map[string]string) {
	if len(metadata) == 0 {
		return
	}
	if event.Metadata == nil {
		event.Metadata = make(map[string]string, len(metadata))
	}
	for k, v := range metadata {
		event.Metadata[k] = v
	}
	if v := strings.TrimSpace(metadata["order_id"]); v != "" {
		event.OrderID = v
	}
	if v := strings.TrimSpace(metadata["user_id"]); v != "" {
		event.UserID = v
	}
}
