package provider

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"github.com/vibast-solutions/ms-go-proxy-payments/app/entity"
)

var (
	ErrNotConfigured    = errors.New("provider is not configured")
	ErrInvalidSignature = errors.New("invalid webhook signature")
	ErrSignatureMissing = fmt.Errorf("%w: signature is missing", ErrInvalidSignature)
	ErrSignatureInvalid = fmt.Errorf("%w: signature does not match", ErrInvalidSignature)
)

var currencyPattern = regexp.MustCompile(`^[A-Za-z]{3}$`)

type Customer struct {
	UserID string
	Email  string
	Name   string
}

type PaymentMetadata struct {
	OrderID     string
	Type        entity.PaymentType
	Amount      decimal.Decimal
	Currency    string
	Description string
	PlanType    string
	PlanTier    string
	Extra       map[string]string
}

type RecurringMetadata struct {
	PaymentMetadata
	Interval        string
	IntervalCount   int32
	TrialPeriodDays int32
}

// PaymentResult is the outcome of creating a checkout at the provider.
// Provider-side failures are reported with Success false and a readable Error.
type PaymentResult struct {
	Success           bool
	RedirectURL       string
	PaymentID         string
	ProviderReference string
	SubscriptionID    string
	Error             string
}

type VerificationResult struct {
	Success  bool
	Status   entity.PaymentStatus
	Amount   decimal.Decimal
	Currency string
	Metadata map[string]string
	Error    string
}

type EventKind string

const (
	EventKindPayment      EventKind = "payment"
	EventKindRenewal      EventKind = "renewal"
	EventKindCancellation EventKind = "cancellation"
	EventKindResumption   EventKind = "resumption"
)

// WebhookEvent is a verified provider notification in provider-neutral form.
// Status is empty when the event has no bearing on payment state.
type WebhookEvent struct {
	ID        string               `json:"id"`
	Type      string               `json:"type"`
	Kind      EventKind            `json:"kind"`
	PaymentID string               `json:"payment_id"`
	Status    entity.PaymentStatus `json:"status,omitempty"`

	OrderID  string          `json:"order_id,omitempty"`
	UserID   string          `json:"user_id,omitempty"`
	Amount   decimal.Decimal `json:"amount"`
	Currency string          `json:"currency,omitempty"`

	PaymentReference  string     `json:"payment_reference,omitempty"`
	SubscriptionID    string     `json:"subscription_id,omitempty"`
	CancelAtPeriodEnd bool       `json:"cancel_at_period_end,omitempty"`
	CancelAt          *time.Time `json:"cancel_at,omitempty"`
	PeriodEnd         *time.Time `json:"period_end,omitempty"`

	Metadata map[string]string `json:"metadata,omitempty"`
	RawData  []byte            `json:"-"`
}

type Provider interface {
	Code() entity.Provider
	CreateOneTimePayment(ctx context.Context, customer Customer, metadata PaymentMetadata, successURL, cancelURL string) (*PaymentResult, error)
	CreateRecurringPayment(ctx context.Context, customer Customer, metadata RecurringMetadata, successURL, cancelURL string) (*PaymentResult, error)
	VerifyPayment(ctx context.Context, paymentID string) (*VerificationResult, error)
	HandleWebhook(ctx context.Context, payload []byte, signature string) (*WebhookEvent, error)
}

func validatePaymentMetadata(metadata PaymentMetadata) string {
	if !metadata.Amount.IsPositive() {
		return "amount must be greater than zero"
	}
	if !currencyPattern.MatchString(strings.TrimSpace(metadata.Currency)) {
		return "currency must be a three letter ISO code"
	}
	return ""
}

func validateRecurringMetadata(metadata RecurringMetadata) string {
	if reason := validatePaymentMetadata(metadata.PaymentMetadata); reason != "" {
		return reason
	}
	switch metadata.Interval {
	case "day", "week", "month", "year":
	default:
		return "interval must be one of day, week, month, year"
	}
	if metadata.IntervalCount < 1 {
		return "interval count must be at least 1"
	}
	if metadata.TrialPeriodDays < 0 {
		return "trial period days must not be negative"
	}
	return ""
}

func failedResult(reason string) *PaymentResult {
	return &PaymentResult{Success: false, Error: reason}
}

// referenceMetadata is the order context attached to every provider checkout.
func referenceMetadata(customer Customer, metadata PaymentMetadata) map[string]string {
	out := make(map[string]string, len(metadata.Extra)+6)
	for k, v := range metadata.Extra {
		out[k] = v
	}
	out["order_id"] = metadata.OrderID
	out["user_id"] = customer.UserID
	out["type"] = string(metadata.Type)
	if metadata.PlanType != "" {
		out["plan_type"] = metadata.PlanType
	}
	if metadata.PlanTier != "" {
		out["plan_tier"] = metadata.PlanTier
	}
	return out
}

func productName(metadata PaymentMetadata) string {
	if name := strings.TrimSpace(metadata.Description); name != "" {
		return name
	}
	switch metadata.Type {
	case entity.PaymentTypeWalletDeposit:
		return "Wallet deposit"
	case entity.PaymentTypeProxyPurchase:
		return strings.TrimSpace("Proxy plan " + metadata.PlanType + " " + metadata.PlanTier)
	}
	return "payment"
}
