package repository

import (
	"context"
	"database/sql"
	"strings"
	"time"

	"github.com/vibast-solutions/ms-go-proxy-payments/app/entity"
	"github.com/vibast-solutions/ms-go-proxy-payments/app/persistence"
)

const paymentColumns = `id, order_id, user_id, user_email, provider, payment_type, status,
		amount, currency, plan_type, plan_tier,
		recurring, recurring_interval, recurring_interval_count, trial_period_days,
		provider_payment_id, provider_reference, provider_subscription_id, checkout_url,
		failure_reason, metadata_json, completed_at, created_at, updated_at`

type PaymentRepository struct {
	db DBTX
}

func NewPaymentRepository(db DBTX) *PaymentRepository {
	return &PaymentRepository{db: db}
}

func (r *PaymentRepository) Create(ctx context.Context, payment *entity.Payment) error {
	metadataJSON, err := serializeMetadata(payment.Metadata)
	if err != nil {
		return err
	}

	query := `
		INSERT INTO payments (
			order_id, user_id, user_email, provider, payment_type, status,
			amount, currency, plan_type, plan_tier,
			recurring, recurring_interval, recurring_interval_count, trial_period_days,
			provider_payment_id, provider_reference, provider_subscription_id, checkout_url,
			failure_reason, metadata_json, completed_at, created_at, updated_at
		)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`

	result, err := r.db.ExecContext(ctx, query,
		payment.OrderID,
		payment.UserID,
		payment.UserEmail,
		string(payment.Provider),
		string(payment.Type),
		string(payment.Status),
		payment.Amount,
		payment.Currency,
		nullableStringValue(payment.PlanType),
		nullableStringValue(payment.PlanTier),
		payment.Recurring,
		nullableStringValue(payment.RecurringInterval),
		nullableInt32Value(payment.RecurringIntervalCount),
		nullableInt32Value(payment.TrialPeriodDays),
		nullableStringValue(payment.ProviderPaymentID),
		nullableStringValue(payment.ProviderReference),
		nullableStringValue(payment.ProviderSubscriptionID),
		nullableStringValue(payment.CheckoutURL),
		nullableStringValue(payment.FailureReason),
		metadataJSON,
		nullableTimeValue(payment.CompletedAt),
		payment.CreatedAt,
		payment.UpdatedAt,
	)
	if err != nil {
		if isDuplicateEntryError(err) {
			return persistence.ErrPaymentAlreadyExists
		}
		return err
	}

	id, err := result.LastInsertId()
	if err != nil {
		return err
	}
	payment.ID = uint64(id)
	return nil
}

// Update applies the non-nil fields of patch. The checkout URL is only written once.
func (r *PaymentRepository) Update(ctx context.Context, userID, orderID string, patch entity.PaymentPatch) error {
	sets := make([]string, 0, 6)
	args := make([]interface{}, 0, 8)

	if patch.ProviderPaymentID != nil {
		sets = append(sets, "provider_payment_id = ?")
		args = append(args, *patch.ProviderPaymentID)
	}
	if patch.ProviderReference != nil {
		sets = append(sets, "provider_reference = ?")
		args = append(args, *patch.ProviderReference)
	}
	if patch.ProviderSubscriptionID != nil {
		sets = append(sets, "provider_subscription_id = ?")
		args = append(args, *patch.ProviderSubscriptionID)
	}
	if patch.CheckoutURL != nil {
		sets = append(sets, "checkout_url = COALESCE(checkout_url, ?)")
		args = append(args, *patch.CheckoutURL)
	}
	if patch.Metadata != nil {
		metadataJSON, err := serializeMetadata(patch.Metadata)
		if err != nil {
			return err
		}
		sets = append(sets, "metadata_json = ?")
		args = append(args, metadataJSON)
	}
	if len(sets) == 0 {
		return nil
	}

	sets = append(sets, "updated_at = ?")
	args = append(args, nowUTC(), orderID, userID)

	query := "UPDATE payments SET " + strings.Join(sets, ", ") + " WHERE order_id = ? AND user_id = ?"
	result, err := r.db.ExecContext(ctx, query, args...)
	if err != nil {
		return err
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return persistence.ErrPaymentNotFound
	}

	return nil
}

// Transition moves a payment from one status to another only if it still holds from.
func (r *PaymentRepository) Transition(
	ctx context.Context,
	userID, orderID string,
	from, to entity.PaymentStatus,
	reason *string,
	completedAt *time.Time,
) (bool, error) {
	query := `
		UPDATE payments SET
			status = ?,
			failure_reason = COALESCE(?, failure_reason),
			completed_at = COALESCE(?, completed_at),
			updated_at = ?
		WHERE order_id = ? AND user_id = ? AND status = ?
	`

	result, err := r.db.ExecContext(ctx, query,
		string(to),
		nullableStringValue(reason),
		nullableTimeValue(completedAt),
		nowUTC(),
		orderID,
		userID,
		string(from),
	)
	if err != nil {
		return false, err
	}
	return affectedOne(result)
}

func (r *PaymentRepository) FindByOrderID(ctx context.Context, orderID string) (*entity.Payment, error) {
	query := `SELECT ` + paymentColumns + ` FROM payments WHERE order_id = ? LIMIT 1`
	return r.findOne(ctx, query, orderID)
}

func (r *PaymentRepository) FindByUserOrderID(ctx context.Context, userID, orderID string) (*entity.Payment, error) {
	query := `SELECT ` + paymentColumns + ` FROM payments WHERE order_id = ? AND user_id = ? LIMIT 1`
	return r.findOne(ctx, query, orderID, userID)
}

func (r *PaymentRepository) FindByProviderReference(ctx context.Context, provider entity.Provider, reference string) (*entity.Payment, error) {
	query := `
		SELECT ` + paymentColumns + `
		FROM payments
		WHERE provider = ? AND (provider_payment_id = ? OR provider_reference = ?)
		ORDER BY id ASC
		LIMIT 1
	`
	return r.findOne(ctx, query, string(provider), reference, reference)
}

func (r *PaymentRepository) List(ctx context.Context, filter persistence.PaymentFilter) ([]*entity.Payment, error) {
	query := `SELECT ` + paymentColumns + ` FROM payments`

	conditions := make([]string, 0, 4)
	args := make([]interface{}, 0, 6)

	if strings.TrimSpace(filter.UserID) != "" {
		conditions = append(conditions, "user_id = ?")
		args = append(args, filter.UserID)
	}
	if filter.Status != "" {
		conditions = append(conditions, "status = ?")
		args = append(args, string(filter.Status))
	}
	if filter.Provider != "" {
		conditions = append(conditions, "provider = ?")
		args = append(args, string(filter.Provider))
	}
	if filter.Type != "" {
		conditions = append(conditions, "payment_type = ?")
		args = append(args, string(filter.Type))
	}

	if len(conditions) > 0 {
		query += " WHERE " + strings.Join(conditions, " AND ")
	}

	query += " ORDER BY id DESC LIMIT ? OFFSET ?"
	args = append(args, filter.Limit, filter.Offset)

	return r.findMany(ctx, query, args...)
}

func (r *PaymentRepository) ListPending(ctx context.Context, updatedBefore time.Time, limit int32) ([]*entity.Payment, error) {
	query := `
		SELECT ` + paymentColumns + `
		FROM payments
		WHERE status = ?
		  AND updated_at <= ?
		ORDER BY updated_at ASC
		LIMIT ?
	`
	return r.findMany(ctx, query, string(entity.PaymentStatusPending), updatedBefore, limit)
}

func (r *PaymentRepository) findOne(ctx context.Context, query string, args ...interface{}) (*entity.Payment, error) {
	payment := &entity.Payment{}
	if err := scanPayment(r.db.QueryRowContext(ctx, query, args...), payment); err == sql.ErrNoRows {
		return nil, nil
	} else if err != nil {
		return nil, err
	}
	return payment, nil
}

func (r *PaymentRepository) findMany(ctx context.Context, query string, args ...interface{}) ([]*entity.Payment, error) {
	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	payments := make([]*entity.Payment, 0)
	for rows.Next() {
		item := &entity.Payment{}
		if err := scanPayment(rows, item); err != nil {
			return nil, err
		}
		payments = append(payments, item)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	return payments, nil
}

func scanPayment(scan rowScanner, payment *entity.Payment) error {
	var (
		provider               string
		paymentType            string
		status                 string
		planType               sql.NullString
		planTier               sql.NullString
		recurringInterval      sql.NullString
		recurringIntervalCount sql.NullInt32
		trialPeriodDays        sql.NullInt32
		providerPaymentID      sql.NullString
		providerReference      sql.NullString
		providerSubscriptionID sql.NullString
		checkoutURL            sql.NullString
		failureReason          sql.NullString
		metadataJSON           string
		completedAt            sql.NullTime
	)

	err := scan.Scan(
		&payment.ID,
		&payment.OrderID,
		&payment.UserID,
		&payment.UserEmail,
		&provider,
		&paymentType,
		&status,
		&payment.Amount,
		&payment.Currency,
		&planType,
		&planTier,
		&payment.Recurring,
		&recurringInterval,
		&recurringIntervalCount,
		&trialPeriodDays,
		&providerPaymentID,
		&providerReference,
		&providerSubscriptionID,
		&checkoutURL,
		&failureReason,
		&metadataJSON,
		&completedAt,
		&payment.CreatedAt,
		&payment.UpdatedAt,
	)
	if err != nil {
		return err
	}

	payment.Provider = entity.Provider(provider)
	payment.Type = entity.PaymentType(paymentType)
	payment.Status = entity.PaymentStatus(status)
	payment.PlanType = stringPtrFromNull(planType)
	payment.PlanTier = stringPtrFromNull(planTier)
	payment.RecurringInterval = stringPtrFromNull(recurringInterval)
	payment.RecurringIntervalCount = int32PtrFromNull(recurringIntervalCount)
	payment.TrialPeriodDays = int32PtrFromNull(trialPeriodDays)
	payment.ProviderPaymentID = stringPtrFromNull(providerPaymentID)
	payment.ProviderReference = stringPtrFromNull(providerReference)
	payment.ProviderSubscriptionID = stringPtrFromNull(providerSubscriptionID)
	payment.CheckoutURL = stringPtrFromNull(checkoutURL)
	payment.FailureReason = stringPtrFromNull(failureReason)
	payment.CompletedAt = timePtrFromNull(completedAt)

	metadata, err := parseMetadata(metadataJSON)
	if err != nil {
		return err
	}
	payment.Metadata = metadata

	return nil
}
