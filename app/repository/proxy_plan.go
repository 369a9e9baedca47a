package repository

import (
	"context"
	"database/sql"

	"github.com/vibast-solutions/ms-go-proxy-payments/app/entity"
)

const proxyPlanColumns = `id, user_id, plan_type, plan_tier, bandwidth_gb, status,
		expires_at, renews_at, auto_renew, subscription_id, cancel_at_period_end, cancel_at,
		last_order_id, created_at, updated_at`

type ProxyPlanRepository struct {
	db DBTX
}

func NewProxyPlanRepository(db DBTX) *ProxyPlanRepository {
	return &ProxyPlanRepository{db: db}
}

// Save upserts the plan keyed by (user_id, plan_type).
func (r *ProxyPlanRepository) Save(ctx context.Context, plan *entity.ProxyPlan) error {
	query := `
		INSERT INTO proxy_plans (
			user_id, plan_type, plan_tier, bandwidth_gb, status,
			expires_at, renews_at, auto_renew, subscription_id, cancel_at_period_end, cancel_at,
			last_order_id, created_at, updated_at
		)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON DUPLICATE KEY UPDATE
			plan_tier = VALUES(plan_tier),
			bandwidth_gb = VALUES(bandwidth_gb),
			status = VALUES(status),
			expires_at = VALUES(expires_at),
			renews_at = VALUES(renews_at),
			auto_renew = VALUES(auto_renew),
			subscription_id = VALUES(subscription_id),
			cancel_at_period_end = VALUES(cancel_at_period_end),
			cancel_at = VALUES(cancel_at),
			last_order_id = VALUES(last_order_id),
			updated_at = VALUES(updated_at)
	`

	result, err := r.db.ExecContext(ctx, query,
		plan.UserID,
		plan.PlanType,
		plan.PlanTier,
		plan.BandwidthGB,
		string(plan.Status),
		nullableTimeValue(plan.ExpiresAt),
		nullableTimeValue(plan.RenewsAt),
		plan.AutoRenew,
		nullableStringValue(plan.SubscriptionID),
		plan.CancelAtPeriodEnd,
		nullableTimeValue(plan.CancelAt),
		plan.LastOrderID,
		plan.CreatedAt,
		plan.UpdatedAt,
	)
	if err != nil {
		return err
	}

	if plan.ID == 0 {
		if id, err := result.LastInsertId(); err == nil && id > 0 {
			plan.ID = uint64(id)
		}
	}

	return nil
}

func (r *ProxyPlanRepository) FindByUserAndType(ctx context.Context, userID, planType string) (*entity.ProxyPlan, error) {
	query := `SELECT ` + proxyPlanColumns + ` FROM proxy_plans WHERE user_id = ? AND plan_type = ? LIMIT 1`
	return r.findOne(ctx, query, userID, planType)
}

func (r *ProxyPlanRepository) FindBySubscriptionID(ctx context.Context, subscriptionID string) (*entity.ProxyPlan, error) {
	query := `SELECT ` + proxyPlanColumns + ` FROM proxy_plans WHERE subscription_id = ? LIMIT 1`
	return r.findOne(ctx, query, subscriptionID)
}

func (r *ProxyPlanRepository) ListByUserID(ctx context.Context, userID string) ([]*entity.ProxyPlan, error) {
	query := `SELECT ` + proxyPlanColumns + ` FROM proxy_plans WHERE user_id = ? ORDER BY id ASC`

	rows, err := r.db.QueryContext(ctx, query, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	plans := make([]*entity.ProxyPlan, 0)
	for rows.Next() {
		item := &entity.ProxyPlan{}
		if err := scanProxyPlan(rows, item); err != nil {
			return nil, err
		}
		plans = append(plans, item)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	return plans, nil
}

func (r *ProxyPlanRepository) findOne(ctx context.Context, query string, args ...interface{}) (*entity.ProxyPlan, error) {
	plan := &entity.ProxyPlan{}
	if err := scanProxyPlan(r.db.QueryRowContext(ctx, query, args...), plan); err == sql.ErrNoRows {
		return nil, nil
	} else if err != nil {
		return nil, err
	}
	return plan, nil
}

func scanProxyPlan(scan rowScanner, plan *entity.ProxyPlan) error {
	var (
		status         string
		expiresAt      sql.NullTime
		renewsAt       sql.NullTime
		subscriptionID sql.NullString
		cancelAt       sql.NullTime
	)

	err := scan.Scan(
		&plan.ID,
		&plan.UserID,
		&plan.PlanType,
		&plan.PlanTier,
		&plan.BandwidthGB,
		&status,
		&expiresAt,
		&renewsAt,
		&plan.AutoRenew,
		&subscriptionID,
		&plan.CancelAtPeriodEnd,
		&cancelAt,
		&plan.LastOrderID,
		&plan.CreatedAt,
		&plan.UpdatedAt,
	)
	if err != nil {
		return err
	}

	plan.Status = entity.ProxyPlanStatus(status)
	plan.ExpiresAt = timePtrFromNull(expiresAt)
	plan.RenewsAt = timePtrFromNull(renewsAt)
	plan.SubscriptionID = stringPtrFromNull(subscriptionID)
	plan.CancelAt = timePtrFromNull(cancelAt)

	return nil
}
