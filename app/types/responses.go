package types

import "time"

type Payment struct {
	OrderID                string            `json:"order_id"`
	UserID                 string            `json:"user_id"`
	UserEmail              string            `json:"user_email,omitempty"`
	Provider               string            `json:"provider"`
	Type                   string            `json:"type"`
	Status                 string            `json:"status"`
	Amount                 string            `json:"amount"`
	Currency               string            `json:"currency"`
	PlanType               string            `json:"plan_type,omitempty"`
	PlanTier               string            `json:"plan_tier,omitempty"`
	Recurring              bool              `json:"recurring"`
	RecurringInterval      string            `json:"recurring_interval,omitempty"`
	RecurringIntervalCount int32             `json:"recurring_interval_count,omitempty"`
	TrialPeriodDays        int32             `json:"trial_period_days,omitempty"`
	ProviderPaymentID      string            `json:"provider_payment_id,omitempty"`
	ProviderReference      string            `json:"provider_reference,omitempty"`
	ProviderSubscriptionID string            `json:"provider_subscription_id,omitempty"`
	CheckoutURL            string            `json:"checkout_url,omitempty"`
	FailureReason          string            `json:"failure_reason,omitempty"`
	Metadata               map[string]string `json:"metadata,omitempty"`
	CompletedAt            *time.Time        `json:"completed_at,omitempty"`
	CreatedAt              time.Time         `json:"created_at"`
	UpdatedAt              time.Time         `json:"updated_at"`
}

type PaymentResponse struct {
	Payment *Payment `json:"payment"`
}

type ListPaymentsResponse struct {
	Payments []*Payment `json:"payments"`
}

type Transaction struct {
	OrderID   string    `json:"order_id"`
	Type      string    `json:"type"`
	Amount    string    `json:"amount"`
	Currency  string    `json:"currency"`
	Provider  string    `json:"provider"`
	CreatedAt time.Time `json:"created_at"`
}

type ListTransactionsResponse struct {
	Transactions []*Transaction `json:"transactions"`
}

type WalletBalance struct {
	Currency  string    `json:"currency"`
	Balance   string    `json:"balance"`
	UpdatedAt time.Time `json:"updated_at"`
}

type WalletResponse struct {
	UserID   string           `json:"user_id"`
	Balances []*WalletBalance `json:"balances"`
}

type ProxyPlan struct {
	PlanType          string     `json:"plan_type"`
	PlanTier          string     `json:"plan_tier"`
	BandwidthGB       int64      `json:"bandwidth_gb"`
	Status            string     `json:"status"`
	ExpiresAt         *time.Time `json:"expires_at,omitempty"`
	RenewsAt          *time.Time `json:"renews_at,omitempty"`
	AutoRenew         bool       `json:"auto_renew"`
	SubscriptionID    string     `json:"subscription_id,omitempty"`
	CancelAtPeriodEnd bool       `json:"cancel_at_period_end"`
	CancelAt          *time.Time `json:"cancel_at,omitempty"`
	LastOrderID       string     `json:"last_order_id"`
	UpdatedAt         time.Time  `json:"updated_at"`
}

type PlansResponse struct {
	UserID string       `json:"user_id"`
	Plans  []*ProxyPlan `json:"plans"`
}

type WebhookResponse struct {
	Received bool   `json:"received"`
	EventID  string `json:"event_id"`
	Status   string `json:"status"`
}

// ErrorResponse optionally carries the payment a failed checkout left behind.
type ErrorResponse struct {
	Error   string   `json:"error"`
	Payment *Payment `json:"payment,omitempty"`
}

type HealthResponse struct {
	Status string `json:"status"`
}
