package repository

import (
	"context"
	"database/sql"
	"time"

	"github.com/vibast-solutions/ms-go-proxy-payments/app/entity"
	"github.com/vibast-solutions/ms-go-proxy-payments/app/persistence"
)

const webhookEventColumns = `id, provider, event_id, event_type, order_id, event_json, payload_json,
		status, attempts, next_at, last_error, processed_at, created_at, updated_at`

type WebhookEventRepository struct {
	db DBTX
}

func NewWebhookEventRepository(db DBTX) *WebhookEventRepository {
	return &WebhookEventRepository{db: db}
}

// Create inserts the event and reports false when (provider, event_id) was already recorded.
func (r *WebhookEventRepository) Create(ctx context.Context, event *entity.WebhookEvent) (bool, error) {
	query := `
		INSERT INTO webhook_events (
			provider, event_id, event_type, order_id, event_json, payload_json,
			status, attempts, next_at, last_error, processed_at, created_at, updated_at
		)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`

	result, err := r.db.ExecContext(ctx, query,
		string(event.Provider),
		event.EventID,
		event.EventType,
		nullableStringValue(event.OrderID),
		event.EventJSON,
		event.PayloadJSON,
		string(event.Status),
		event.Attempts,
		nullableTimeValue(event.NextAt),
		nullableStringValue(event.LastError),
		nullableTimeValue(event.ProcessedAt),
		event.CreatedAt,
		event.UpdatedAt,
	)
	if err != nil {
		if isDuplicateEntryError(err) {
			return false, nil
		}
		return false, err
	}

	id, err := result.LastInsertId()
	if err != nil {
		return false, err
	}
	event.ID = uint64(id)

	return true, nil
}

func (r *WebhookEventRepository) Update(ctx context.Context, event *entity.WebhookEvent) error {
	query := `
		UPDATE webhook_events SET
			order_id = ?,
			status = ?,
			attempts = ?,
			next_at = ?,
			last_error = ?,
			processed_at = ?,
			updated_at = ?
		WHERE id = ?
	`

	result, err := r.db.ExecContext(ctx, query,
		nullableStringValue(event.OrderID),
		string(event.Status),
		event.Attempts,
		nullableTimeValue(event.NextAt),
		nullableStringValue(event.LastError),
		nullableTimeValue(event.ProcessedAt),
		event.UpdatedAt,
		event.ID,
	)
	if err != nil {
		return err
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return persistence.ErrWebhookEventNotFound
	}

	return nil
}

func (r *WebhookEventRepository) FindByEventID(ctx context.Context, provider entity.Provider, eventID string) (*entity.WebhookEvent, error) {
	query := `SELECT ` + webhookEventColumns + ` FROM webhook_events WHERE provider = ? AND event_id = ? LIMIT 1`

	event := &entity.WebhookEvent{}
	if err := scanWebhookEvent(r.db.QueryRowContext(ctx, query, string(provider), eventID), event); err == sql.ErrNoRows {
		return nil, nil
	} else if err != nil {
		return nil, err
	}

	return event, nil
}

func (r *WebhookEventRepository) ListDue(ctx context.Context, now time.Time, limit int32) ([]*entity.WebhookEvent, error) {
	query := `
		SELECT ` + webhookEventColumns + `
		FROM webhook_events
		WHERE status = ?
		  AND next_at IS NOT NULL
		  AND next_at <= ?
		ORDER BY next_at ASC
		LIMIT ?
	`

	rows, err := r.db.QueryContext(ctx, query, string(entity.WebhookEventReceived), now, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	events := make([]*entity.WebhookEvent, 0)
	for rows.Next() {
		item := &entity.WebhookEvent{}
		if err := scanWebhookEvent(rows, item); err != nil {
			return nil, err
		}
		events = append(events, item)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	return events, nil
}

func scanWebhookEvent(scan rowScanner, event *entity.WebhookEvent) error {
	var (
		provider    string
		status      string
		orderID     sql.NullString
		nextAt      sql.NullTime
		lastError   sql.NullString
		processedAt sql.NullTime
	)

	err := scan.Scan(
		&event.ID,
		&provider,
		&event.EventID,
		&event.EventType,
		&orderID,
		&event.EventJSON,
		&event.PayloadJSON,
		&status,
		&event.Attempts,
		&nextAt,
		&lastError,
		&processedAt,
		&event.CreatedAt,
		&event.UpdatedAt,
	)
	if err != nil {
		return err
	}

	event.Provider = entity.Provider(provider)
	event.Status = entity.WebhookEventStatus(status)
	event.OrderID = stringPtrFromNull(orderID)
	event.NextAt = timePtrFromNull(nextAt)
	event.LastError = stringPtrFromNull(lastError)
	event.ProcessedAt = timePtrFromNull(processedAt)

	return nil
}
