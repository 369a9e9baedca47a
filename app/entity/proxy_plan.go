package entity

import "time"

type ProxyPlanStatus string

const (
	ProxyPlanActive   ProxyPlanStatus = "active"
	ProxyPlanInactive ProxyPlanStatus = "inactive"
	ProxyPlanCanceled ProxyPlanStatus = "canceled"
)

type ProxyPlan struct {
	ID uint64

	UserID   string
	PlanType string
	PlanTier string

	BandwidthGB int64
	Status      ProxyPlanStatus

	ExpiresAt *time.Time
	RenewsAt  *time.Time
	AutoRenew bool

	SubscriptionID    *string
	CancelAtPeriodEnd bool
	CancelAt          *time.Time

	LastOrderID string

	CreatedAt time.Time
	UpdatedAt time.Time
}
