package types

import (
	"bytes"
	"net/http/httptest"
	"testing"

	"github.com/labstack/echo/v4"
	"github.com/shopspring/decimal"
)

func TestNewCreateDepositRequestFromContextNormalizes(t *testing.T) {
	e := echo.New()
	req := httptest.NewRequest("POST", "/payments/deposits", bytes.NewBufferString(`{"user_id":" user-1 ","provider":"Stripe","amount":"50.00","currency":"usd"}`))
	req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	rec := httptest.NewRecorder()
	ctx := e.NewContext(req, rec)

	parsed, err := NewCreateDepositRequestFromContext(ctx)
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	if parsed.GetUserID() != "user-1" || parsed.GetProvider() != "stripe" || parsed.GetCurrency() != "USD" {
		t.Fatalf("unexpected normalization: %+v", parsed)
	}
	if !parsed.GetAmount().Equal(decimal.NewFromInt(50)) {
		t.Fatalf("expected amount 50, got %s", parsed.GetAmount())
	}
	if err := parsed.Validate(); err != nil {
		t.Fatalf("expected valid request, got %v", err)
	}
}

func TestNewCreateDepositRequestFromContextAcceptsNumericAmount(t *testing.T) {
	e := echo.New()
	req := httptest.NewRequest("POST", "/payments/deposits", bytes.NewBufferString(`{"user_id":"u","provider":"cryptomus","amount":12.34,"currency":"USD"}`))
	req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	ctx := e.NewContext(req, httptest.NewRecorder())

	parsed, err := NewCreateDepositRequestFromContext(ctx)
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	if parsed.GetAmount().String() != "12.34" {
		t.Fatalf("expected 12.34, got %s", parsed.GetAmount())
	}
}

func TestCreateDepositValidate(t *testing.T) {
	cases := []struct {
		name string
		req  CreateDepositRequest
	}{
		{"missing user", CreateDepositRequest{Provider: "stripe", Amount: decimal.NewFromInt(1), Currency: "USD"}},
		{"missing provider", CreateDepositRequest{UserID: "u", Amount: decimal.NewFromInt(1), Currency: "USD"}},
		{"zero amount", CreateDepositRequest{UserID: "u", Provider: "stripe", Currency: "USD"}},
		{"negative amount", CreateDepositRequest{UserID: "u", Provider: "stripe", Amount: decimal.NewFromInt(-5), Currency: "USD"}},
		{"sub cent amount", CreateDepositRequest{UserID: "u", Provider: "stripe", Amount: decimal.RequireFromString("0.004"), Currency: "USD"}},
		{"bad currency", CreateDepositRequest{UserID: "u", Provider: "stripe", Amount: decimal.NewFromInt(1), Currency: "US"}},
	}
	for _, tc := range cases {
		if err := tc.req.Validate(); err == nil {
			t.Fatalf("%s: expected validation error", tc.name)
		}
	}

	trailingZeros := CreateDepositRequest{UserID: "u", Provider: "stripe", Amount: decimal.RequireFromString("12.500"), Currency: "USD"}
	if err := trailingZeros.Validate(); err != nil {
		t.Fatalf("expected 12.500 to be accepted, got %v", err)
	}
}

func TestCreatePurchaseValidate(t *testing.T) {
	req := &CreatePurchaseRequest{UserID: "u", Provider: "stripe", PlanType: "residential"}
	if err := req.Validate(); err == nil {
		t.Fatal("expected plan_tier validation error")
	}

	req.PlanTier = "pro"
	req.TrialPeriodDays = 7
	if err := req.Validate(); err == nil {
		t.Fatal("expected trial without recurring to be rejected")
	}

	req.Recurring = true
	if err := req.Validate(); err != nil {
		t.Fatalf("expected valid purchase, got %v", err)
	}
}

func TestNewPaymentLookupRequestFromContext(t *testing.T) {
	e := echo.New()
	req := httptest.NewRequest("GET", "/payments/ord-1?user_id=user-1", nil)
	ctx := e.NewContext(req, httptest.NewRecorder())
	ctx.SetParamNames("order_id")
	ctx.SetParamValues("ord-1")

	parsed, err := NewPaymentLookupRequestFromContext(ctx)
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	if parsed.OrderID != "ord-1" || parsed.UserID != "user-1" {
		t.Fatalf("unexpected lookup: %+v", parsed)
	}
	if err := parsed.Validate(); err != nil {
		t.Fatalf("expected valid lookup, got %v", err)
	}
}

func TestNewPaymentLookupRequestFromContextReadsBody(t *testing.T) {
	e := echo.New()
	req := httptest.NewRequest("POST", "/payments/ord-1/verify", bytes.NewBufferString(`{"user_id":"user-2"}`))
	req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	ctx := e.NewContext(req, httptest.NewRecorder())
	ctx.SetParamNames("order_id")
	ctx.SetParamValues("ord-1")

	parsed, err := NewPaymentLookupRequestFromContext(ctx)
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	if parsed.UserID != "user-2" {
		t.Fatalf("expected user from body, got %q", parsed.UserID)
	}
}

func TestNewListPaymentsRequestFromContextAndValidate(t *testing.T) {
	e := echo.New()
	req := httptest.NewRequest("GET", "/payments?user_id=u1&status=Completed&provider=stripe&limit=20&offset=3", nil)
	ctx := e.NewContext(req, httptest.NewRecorder())

	parsed, err := NewListPaymentsRequestFromContext(ctx)
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	if parsed.GetStatus() != "completed" || parsed.GetProvider() != "stripe" {
		t.Fatalf("unexpected filters: %+v", parsed)
	}
	if parsed.GetLimit() != 20 || parsed.GetOffset() != 3 {
		t.Fatalf("unexpected paging: %+v", parsed)
	}
	if err := parsed.Validate(); err != nil {
		t.Fatalf("expected valid list request, got %v", err)
	}
}

func TestListPaymentsValidateLimits(t *testing.T) {
	req := &ListPaymentsRequest{UserID: "u1", Limit: 501}
	if err := req.Validate(); err == nil {
		t.Fatal("expected limit validation error")
	}
	req.Limit = 10
	req.Offset = -1
	if err := req.Validate(); err == nil {
		t.Fatal("expected offset validation error")
	}
}

func TestNewListPaymentsRequestFromContextRejectsBadLimit(t *testing.T) {
	e := echo.New()
	req := httptest.NewRequest("GET", "/payments?user_id=u1&limit=abc", nil)
	ctx := e.NewContext(req, httptest.NewRecorder())

	if _, err := NewListPaymentsRequestFromContext(ctx); err == nil {
		t.Fatal("expected parse error")
	}
}

func TestNewHandleWebhookRequestFromContextKeepsRawBody(t *testing.T) {
	e := echo.New()
	body := `{"id":"evt_1", "type":"checkout.session.completed"}`
	req := httptest.NewRequest("POST", "/webhooks/stripe", bytes.NewBufferString(body))
	req.Header.Set("Stripe-Signature", "t=1,v1=abc")
	ctx := e.NewContext(req, httptest.NewRecorder())
	ctx.SetParamNames("provider")
	ctx.SetParamValues("Stripe")

	parsed, err := NewHandleWebhookRequestFromContext(ctx)
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	if parsed.GetProvider() != "stripe" || parsed.GetSignature() != "t=1,v1=abc" {
		t.Fatalf("unexpected webhook request: %+v", parsed)
	}
	if string(parsed.GetPayload()) != body {
		t.Fatalf("expected raw body to be preserved, got %q", parsed.GetPayload())
	}
	if err := parsed.Validate(); err != nil {
		t.Fatalf("expected valid webhook request, got %v", err)
	}
}

func TestNewHandleWebhookRequestFromContextUsesSignHeader(t *testing.T) {
	e := echo.New()
	req := httptest.NewRequest("POST", "/webhooks/cryptomus", bytes.NewBufferString(`{"uuid":"u1"}`))
	req.Header.Set("sign", "deadbeef")
	ctx := e.NewContext(req, httptest.NewRecorder())
	ctx.SetParamNames("provider")
	ctx.SetParamValues("cryptomus")

	parsed, err := NewHandleWebhookRequestFromContext(ctx)
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	if parsed.GetSignature() != "deadbeef" {
		t.Fatalf("expected sign header, got %q", parsed.GetSignature())
	}
}

func TestHandleWebhookValidateRequiresPayload(t *testing.T) {
	req := &HandleWebhookRequest{Provider: "stripe"}
	if err := req.Validate(); err == nil {
		t.Fatal("expected payload validation error")
	}
}
