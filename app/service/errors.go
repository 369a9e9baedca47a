package service

import "errors"

var (
	ErrInvalidRequest       = errors.New("invalid request")
	ErrInvalidAmount        = errors.New("amount must be greater than zero with at most 2 decimal places")
	ErrInvalidCurrency      = errors.New("currency must be a three letter ISO code")
	ErrInvalidPlan          = errors.New("unknown plan type or tier")
	ErrPaymentNotFound      = errors.New("payment not found")
	ErrPaymentAlreadyExists = errors.New("payment already exists")
	ErrProviderUnsupported  = errors.New("provider is not supported")
	ErrProviderFailed       = errors.New("payment provider request failed")
	ErrWebhookRejected      = errors.New("webhook rejected")
)
