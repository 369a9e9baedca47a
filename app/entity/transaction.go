package entity

import (
	"time"

	"github.com/shopspring/decimal"
)

type TransactionType string

const (
	TransactionTypeDeposit  TransactionType = "deposit"
	TransactionTypePurchase TransactionType = "purchase"
	TransactionTypeRefund   TransactionType = "refund"
)

type Transaction struct {
	ID uint64

	OrderID  string
	UserID   string
	Type     TransactionType
	Amount   decimal.Decimal
	Currency string
	Provider Provider

	CreatedAt time.Time
}

type Wallet struct {
	UserID    string
	Balance   decimal.Decimal
	Currency  string
	UpdatedAt time.Time
}
