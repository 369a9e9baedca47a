package repository

import (
	"context"

	"github.com/vibast-solutions/ms-go-proxy-payments/app/entity"
	"github.com/vibast-solutions/ms-go-proxy-payments/app/persistence"
)

type TransactionRepository struct {
	db DBTX
}

func NewTransactionRepository(db DBTX) *TransactionRepository {
	return &TransactionRepository{db: db}
}

func (r *TransactionRepository) Create(ctx context.Context, tx *entity.Transaction) error {
	query := `
		INSERT INTO transactions (order_id, user_id, transaction_type, amount, currency, provider, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`

	result, err := r.db.ExecContext(ctx, query,
		tx.OrderID,
		tx.UserID,
		string(tx.Type),
		tx.Amount,
		tx.Currency,
		string(tx.Provider),
		tx.CreatedAt,
	)
	if err != nil {
		if isDuplicateEntryError(err) {
			return persistence.ErrTransactionAlreadyExists
		}
		return err
	}

	id, err := result.LastInsertId()
	if err != nil {
		return err
	}
	tx.ID = uint64(id)

	return nil
}

func (r *TransactionRepository) ListByOrderID(ctx context.Context, orderID string) ([]*entity.Transaction, error) {
	query := `
		SELECT id, order_id, user_id, transaction_type, amount, currency, provider, created_at
		FROM transactions
		WHERE order_id = ?
		ORDER BY id ASC
	`

	rows, err := r.db.QueryContext(ctx, query, orderID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	items := make([]*entity.Transaction, 0)
	for rows.Next() {
		var txType, provider string
		item := &entity.Transaction{}
		if err := rows.Scan(
			&item.ID,
			&item.OrderID,
			&item.UserID,
			&txType,
			&item.Amount,
			&item.Currency,
			&provider,
			&item.CreatedAt,
		); err != nil {
			return nil, err
		}
		item.Type = entity.TransactionType(txType)
		item.Provider = entity.Provider(provider)
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	return items, nil
}
