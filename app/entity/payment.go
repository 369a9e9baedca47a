package entity

import (
	"time"

	"github.com/shopspring/decimal"
)

type Provider string

const (
	ProviderStripe    Provider = "stripe"
	ProviderCryptomus Provider = "cryptomus"
)

func (p Provider) Valid() bool {
	return p == ProviderStripe || p == ProviderCryptomus
}

type PaymentType string

const (
	PaymentTypeWalletDeposit PaymentType = "wallet_deposit"
	PaymentTypeProxyPurchase PaymentType = "proxy_purchase"
)

func (t PaymentType) Valid() bool {
	return t == PaymentTypeWalletDeposit || t == PaymentTypeProxyPurchase
}

type PaymentStatus string

const (
	PaymentStatusPending   PaymentStatus = "pending"
	PaymentStatusCompleted PaymentStatus = "completed"
	PaymentStatusFailed    PaymentStatus = "failed"
	PaymentStatusCanceled  PaymentStatus = "canceled"
	PaymentStatusRefunded  PaymentStatus = "refunded"
)

func (s PaymentStatus) Valid() bool {
	switch s {
	case PaymentStatusPending, PaymentStatusCompleted, PaymentStatusFailed, PaymentStatusCanceled, PaymentStatusRefunded:
		return true
	}
	return false
}

// CanTransition reports whether a payment may move from s to next.
// Pending resolves once; completed may only be refunded.
func (s PaymentStatus) CanTransition(next PaymentStatus) bool {
	switch s {
	case PaymentStatusPending:
		return next == PaymentStatusCompleted || next == PaymentStatusFailed || next == PaymentStatusCanceled
	case PaymentStatusCompleted:
		return next == PaymentStatusRefunded
	}
	return false
}

type Payment struct {
	ID uint64

	OrderID   string
	UserID    string
	UserEmail string

	Provider Provider
	Type     PaymentType
	Status   PaymentStatus

	Amount   decimal.Decimal
	Currency string

	PlanType *string
	PlanTier *string

	Recurring              bool
	RecurringInterval      *string
	RecurringIntervalCount *int32
	TrialPeriodDays        *int32

	ProviderPaymentID      *string
	ProviderReference      *string
	ProviderSubscriptionID *string
	CheckoutURL            *string

	FailureReason *string

	Metadata map[string]string

	CompletedAt *time.Time
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// PaymentPatch carries provider references written back after checkout creation.
// Nil fields are left untouched.
type PaymentPatch struct {
	ProviderPaymentID      *string
	ProviderReference      *string
	ProviderSubscriptionID *string
	CheckoutURL            *string
	Metadata               map[string]string
}
