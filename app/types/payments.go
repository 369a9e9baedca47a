package types

import (
	"errors"
	"io"
	"strconv"
	"strings"

	"github.com/labstack/echo/v4"
	"github.com/shopspring/decimal"
)

const (
	defaultListLimit = int32(100)
	maxListLimit     = int32(500)
	maxWebhookBody   = 1 << 20
)

type CreateDepositRequest struct {
	UserID      string          `json:"user_id"`
	UserEmail   string          `json:"user_email"`
	Provider    string          `json:"provider"`
	Amount      decimal.Decimal `json:"amount"`
	Currency    string          `json:"currency"`
	Description string          `json:"description"`
}

func NewCreateDepositRequestFromContext(ctx echo.Context) (*CreateDepositRequest, error) {
	var body CreateDepositRequest
	if err := ctx.Bind(&body); err != nil {
		return nil, err
	}

	body.UserID = strings.TrimSpace(body.UserID)
	body.UserEmail = strings.TrimSpace(body.UserEmail)
	body.Provider = strings.ToLower(strings.TrimSpace(body.Provider))
	body.Currency = strings.ToUpper(strings.TrimSpace(body.Currency))
	body.Description = strings.TrimSpace(body.Description)

	return &body, nil
}

func (r *CreateDepositRequest) Validate() error {
	if r.UserID == "" {
		return errors.New("user_id is required")
	}
	if r.Provider == "" {
		return errors.New("provider is required")
	}
	if !r.Amount.IsPositive() {
		return errors.New("amount must be > 0")
	}
	if !r.Amount.Equal(r.Amount.Truncate(2)) {
		return errors.New("amount must have at most 2 decimal places")
	}
	if len(r.Currency) != 3 {
		return errors.New("currency must be 3 letters")
	}
	return nil
}

func (r *CreateDepositRequest) GetUserID() string          { return r.UserID }
func (r *CreateDepositRequest) GetUserEmail() string       { return r.UserEmail }
func (r *CreateDepositRequest) GetProvider() string        { return r.Provider }
func (r *CreateDepositRequest) GetAmount() decimal.Decimal { return r.Amount }
func (r *CreateDepositRequest) GetCurrency() string        { return r.Currency }
func (r *CreateDepositRequest) GetDescription() string     { return r.Description }

type CreatePurchaseRequest struct {
	UserID          string `json:"user_id"`
	UserEmail       string `json:"user_email"`
	Provider        string `json:"provider"`
	PlanType        string `json:"plan_type"`
	PlanTier        string `json:"plan_tier"`
	Recurring       bool   `json:"recurring"`
	TrialPeriodDays int32  `json:"trial_period_days"`
}

func NewCreatePurchaseRequestFromContext(ctx echo.Context) (*CreatePurchaseRequest, error) {
	var body CreatePurchaseRequest
	if err := ctx.Bind(&body); err != nil {
		return nil, err
	}

	body.UserID = strings.TrimSpace(body.UserID)
	body.UserEmail = strings.TrimSpace(body.UserEmail)
	body.Provider = strings.ToLower(strings.TrimSpace(body.Provider))
	body.PlanType = strings.ToLower(strings.TrimSpace(body.PlanType))
	body.PlanTier = strings.ToLower(strings.TrimSpace(body.PlanTier))

	return &body, nil
}

func (r *CreatePurchaseRequest) Validate() error {
	if r.UserID == "" {
		return errors.New("user_id is required")
	}
	if r.Provider == "" {
		return errors.New("provider is required")
	}
	if r.PlanType == "" || r.PlanTier == "" {
		return errors.New("plan_type and plan_tier are required")
	}
	if r.TrialPeriodDays < 0 {
		return errors.New("trial_period_days must be >= 0")
	}
	if r.TrialPeriodDays > 0 && !r.Recurring {
		return errors.New("trial_period_days requires a recurring purchase")
	}
	return nil
}

func (r *CreatePurchaseRequest) GetUserID() string         { return r.UserID }
func (r *CreatePurchaseRequest) GetUserEmail() string      { return r.UserEmail }
func (r *CreatePurchaseRequest) GetProvider() string       { return r.Provider }
func (r *CreatePurchaseRequest) GetPlanType() string       { return r.PlanType }
func (r *CreatePurchaseRequest) GetPlanTier() string       { return r.PlanTier }
func (r *CreatePurchaseRequest) GetRecurring() bool        { return r.Recurring }
func (r *CreatePurchaseRequest) GetTrialPeriodDays() int32 { return r.TrialPeriodDays }

// PaymentLookupRequest addresses a single payment owned by a user.
// The user id may come from the query string or a JSON body.
type PaymentLookupRequest struct {
	OrderID string `json:"-"`
	UserID  string `json:"user_id"`
}

func NewPaymentLookupRequestFromContext(ctx echo.Context) (*PaymentLookupRequest, error) {
	req := &PaymentLookupRequest{}
	if ctx.Request().Method != "GET" && ctx.Request().ContentLength > 0 {
		if err := ctx.Bind(req); err != nil && !errors.Is(err, io.EOF) {
			return nil, err
		}
	}

	req.OrderID = strings.TrimSpace(ctx.Param("order_id"))
	if userID := strings.TrimSpace(ctx.QueryParam("user_id")); userID != "" {
		req.UserID = userID
	}
	req.UserID = strings.TrimSpace(req.UserID)

	return req, nil
}

func (r *PaymentLookupRequest) Validate() error {
	if r.OrderID == "" {
		return errors.New("order_id is required")
	}
	if r.UserID == "" {
		return errors.New("user_id is required")
	}
	return nil
}

type ListPaymentsRequest struct {
	UserID   string
	Status   string
	Provider string
	Type     string
	Limit    int32
	Offset   int32
}

func NewListPaymentsRequestFromContext(ctx echo.Context) (*ListPaymentsRequest, error) {
	req := &ListPaymentsRequest{
		UserID:   strings.TrimSpace(ctx.QueryParam("user_id")),
		Status:   strings.ToLower(strings.TrimSpace(ctx.QueryParam("status"))),
		Provider: strings.ToLower(strings.TrimSpace(ctx.QueryParam("provider"))),
		Type:     strings.ToLower(strings.TrimSpace(ctx.QueryParam("type"))),
		Limit:    defaultListLimit,
	}

	if limitRaw := strings.TrimSpace(ctx.QueryParam("limit")); limitRaw != "" {
		limit, err := strconv.ParseInt(limitRaw, 10, 32)
		if err != nil {
			return nil, err
		}
		req.Limit = int32(limit)
	}

	if offsetRaw := strings.TrimSpace(ctx.QueryParam("offset")); offsetRaw != "" {
		offset, err := strconv.ParseInt(offsetRaw, 10, 32)
		if err != nil {
			return nil, err
		}
		req.Offset = int32(offset)
	}

	return req, nil
}

func (r *ListPaymentsRequest) Validate() error {
	if r.UserID == "" {
		return errors.New("user_id is required")
	}
	if r.Limit <= 0 || r.Limit > maxListLimit {
		return errors.New("limit must be between 1 and 500")
	}
	if r.Offset < 0 {
		return errors.New("offset must be >= 0")
	}
	return nil
}

func (r *ListPaymentsRequest) GetUserID() string   { return r.UserID }
func (r *ListPaymentsRequest) GetStatus() string   { return r.Status }
func (r *ListPaymentsRequest) GetProvider() string { return r.Provider }
func (r *ListPaymentsRequest) GetType() string     { return r.Type }
func (r *ListPaymentsRequest) GetLimit() int32     { return r.Limit }
func (r *ListPaymentsRequest) GetOffset() int32    { return r.Offset }

type UserRequest struct {
	UserID string
}

func NewUserRequestFromContext(ctx echo.Context) (*UserRequest, error) {
	return &UserRequest{UserID: strings.TrimSpace(ctx.Param("user_id"))}, nil
}

func (r *UserRequest) Validate() error {
	if r.UserID == "" {
		return errors.New("user_id is required")
	}
	return nil
}

// HandleWebhookRequest carries the raw provider notification. The payload is kept
// byte for byte since both providers sign the exact body they sent.
type HandleWebhookRequest struct {
	Provider  string
	Signature string
	Payload   []byte
}

func NewHandleWebhookRequestFromContext(ctx echo.Context) (*HandleWebhookRequest, error) {
	rawBody, err := io.ReadAll(io.LimitReader(ctx.Request().Body, maxWebhookBody))
	if err != nil {
		return nil, err
	}

	signature := strings.TrimSpace(ctx.Request().Header.Get("Stripe-Signature"))
	if signature == "" {
		signature = strings.TrimSpace(ctx.Request().Header.Get("sign"))
	}

	return &HandleWebhookRequest{
		Provider:  strings.ToLower(strings.TrimSpace(ctx.Param("provider"))),
		Signature: signature,
		Payload:   rawBody,
	}, nil
}

func (r *HandleWebhookRequest) Validate() error {
	if r.Provider == "" {
		return errors.New("provider is required")
	}
	if len(r.Payload) == 0 {
		return errors.New("payload is required")
	}
	return nil
}

func (r *HandleWebhookRequest) GetProvider() string  { return r.Provider }
func (r *HandleWebhookRequest) GetSignature() string { return r.Signature }
func (r *HandleWebhookRequest) GetPayload() []byte   { return r.Payload }
