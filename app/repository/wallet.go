package repository

import (
	"context"

	"github.com/shopspring/decimal"
	"github.com/vibast-solutions/ms-go-proxy-payments/app/entity"
)

type WalletRepository struct {
	db DBTX
}

func NewWalletRepository(db DBTX) *WalletRepository {
	return &WalletRepository{db: db}
}

// ApplyDelta books delta against the user's wallet once per reference.
// It reports false when the reference was already booked.
// Callers run it inside a transaction so the ledger row and the balance move together.
func (r *WalletRepository) ApplyDelta(ctx context.Context, userID string, delta decimal.Decimal, currency, reference string) (bool, error) {
	now := nowUTC()

	_, err := r.db.ExecContext(ctx, `
		INSERT INTO wallet_entries (user_id, currency, delta, reference, created_at)
		VALUES (?, ?, ?, ?, ?)
	`, userID, currency, delta, reference, now)
	if err != nil {
		if isDuplicateEntryError(err) {
			return false, nil
		}
		return false, err
	}

	_, err = r.db.ExecContext(ctx, `
		INSERT INTO wallets (user_id, currency, balance, updated_at)
		VALUES (?, ?, ?, ?)
		ON DUPLICATE KEY UPDATE balance = balance + VALUES(balance), updated_at = VALUES(updated_at)
	`, userID, currency, delta, now)
	if err != nil {
		return false, err
	}

	return true, nil
}

func (r *WalletRepository) ListByUserID(ctx context.Context, userID string) ([]*entity.Wallet, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT user_id, currency, balance, updated_at
		FROM wallets
		WHERE user_id = ?
		ORDER BY currency ASC
	`, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	wallets := make([]*entity.Wallet, 0)
	for rows.Next() {
		item := &entity.Wallet{}
		if err := rows.Scan(&item.UserID, &item.Currency, &item.Balance, &item.UpdatedAt); err != nil {
			return nil, err
		}
		wallets = append(wallets, item)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	return wallets, nil
}
