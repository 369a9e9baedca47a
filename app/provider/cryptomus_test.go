package provider

import (
	"context"
	"crypto/hmac"
	"crypto/md5"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/vibast-solutions/ms-go-proxy-payments/app/entity"
)

const (
	testCryptomusMerchant = "merchant-uuid"
	testCryptomusKey      = "payment-key"
)

type cryptomusCall struct {
	path string
	body map[string]interface{}
}

func newCryptomusTestServer(t *testing.T, status int, response string, calls *[]cryptomusCall) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		raw, _ := io.ReadAll(r.Body)

		if r.Method != http.MethodPost {
			t.Errorf("unexpected method: %s", r.Method)
		}
		if r.Header.Get("merchant") != testCryptomusMerchant {
			t.Errorf("unexpected merchant header: %q", r.Header.Get("merchant"))
		}
		sum := md5.Sum([]byte(base64.StdEncoding.EncodeToString(raw) + testCryptomusKey))
		if r.Header.Get("sign") != hex.EncodeToString(sum[:]) {
			t.Errorf("unexpected sign header: %q", r.Header.Get("sign"))
		}

		var body map[string]interface{}
		_ = json.Unmarshal(raw, &body)
		*calls = append(*calls, cryptomusCall{path: r.URL.Path, body: body})

		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		_, _ = w.Write([]byte(response))
	}))
	t.Cleanup(srv.Close)
	return srv
}

func newTestCryptomusProvider(t *testing.T, baseURL string) *CryptomusProvider {
	t.Helper()
	p, err := NewCryptomusProvider(CryptomusConfig{
		MerchantID:  testCryptomusMerchant,
		PaymentKey:  testCryptomusKey,
		BaseURL:     baseURL,
		CallbackURL: "https://api.example.com/webhooks/cryptomus",
	})
	if err != nil {
		t.Fatalf("new cryptomus provider: %v", err)
	}
	return p
}

func signCryptomusWebhook(canonical string) string {
	mac := hmac.New(sha256.New, []byte(testCryptomusKey))
	_, _ = mac.Write([]byte(canonical))
	return hex.EncodeToString(mac.Sum(nil))
}

func TestNewCryptomusProviderRequiresCredentials(t *testing.T) {
	if _, err := NewCryptomusProvider(CryptomusConfig{PaymentKey: "k"}); !errors.Is(err, ErrNotConfigured) {
		t.Fatalf("expected ErrNotConfigured for missing merchant, got %v", err)
	}
	if _, err := NewCryptomusProvider(CryptomusConfig{MerchantID: "m"}); !errors.Is(err, ErrNotConfigured) {
		t.Fatalf("expected ErrNotConfigured for missing payment key, got %v", err)
	}
	p, err := NewCryptomusProvider(CryptomusConfig{MerchantID: "m", PaymentKey: "k"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if p.cfg.BaseURL != DefaultCryptomusBaseURL {
		t.Fatalf("expected default base url, got %s", p.cfg.BaseURL)
	}
}

func TestCryptomusRequestSign(t *testing.T) {
	body := []byte(`{"amount":"15.00","currency":"USD","order_id":"1"}`)
	sum := md5.Sum([]byte(base64.StdEncoding.EncodeToString(body) + "secret"))
	if got := cryptomusRequestSign(body, "secret"); got != hex.EncodeToString(sum[:]) {
		t.Fatalf("unexpected signature: %s", got)
	}
}

func TestCryptomusCreateOneTimePayment(t *testing.T) {
	var calls []cryptomusCall
	srv := newCryptomusTestServer(t, http.StatusOK, `{"state":0,"result":{
		"uuid":"uuid-1","order_id":"order-1","amount":"50.00","currency":"USD",
		"url":"https://pay.cryptomus.com/pay/uuid-1","payment_status":"check","status":"check"
	}}`, &calls)
	p := newTestCryptomusProvider(t, srv.URL)

	result, err := p.CreateOneTimePayment(context.Background(),
		Customer{UserID: "user-1", Email: "user@example.com"},
		PaymentMetadata{
			OrderID:     "order-1",
			Type:        entity.PaymentTypeWalletDeposit,
			Amount:      decimal.RequireFromString("50"),
			Currency:    "usd",
			Description: "Wallet top-up",
		},
		"https://app.example.com/success?orderId=order-1",
		"https://app.example.com/cancel?orderId=order-1",
	)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !result.Success || result.PaymentID != "uuid-1" || result.RedirectURL != "https://pay.cryptomus.com/pay/uuid-1" {
		t.Fatalf("unexpected result: %+v", result)
	}
	if result.ProviderReference != "order-1" {
		t.Fatalf("unexpected provider reference: %s", result.ProviderReference)
	}

	if len(calls) != 1 || calls[0].path != "/payment" {
		t.Fatalf("unexpected calls: %+v", calls)
	}
	body := calls[0].body
	if body["amount"] != "50.00" || body["currency"] != "USD" || body["order_id"] != "order-1" {
		t.Fatalf("unexpected request body: %+v", body)
	}
	if body["lifetime"] != float64(3600) {
		t.Fatalf("unexpected lifetime: %v", body["lifetime"])
	}
	if body["url_callback"] != "https://api.example.com/webhooks/cryptomus" {
		t.Fatalf("unexpected callback url: %v", body["url_callback"])
	}

	var additional map[string]string
	if err := json.Unmarshal([]byte(body["additional_data"].(string)), &additional); err != nil {
		t.Fatalf("additional_data is not json: %v", err)
	}
	if additional["user_id"] != "user-1" || additional["email"] != "user@example.com" || additional["description"] != "Wallet top-up" {
		t.Fatalf("unexpected additional data: %+v", additional)
	}
}

func TestCryptomusRecurringDegradesToOneTime(t *testing.T) {
	var calls []cryptomusCall
	srv := newCryptomusTestServer(t, http.StatusOK, `{"state":0,"result":{
		"uuid":"uuid-2","order_id":"order-2","amount":"27.50","currency":"USD",
		"url":"https://pay.cryptomus.com/pay/uuid-2","payment_status":"check"
	}}`, &calls)
	p := newTestCryptomusProvider(t, srv.URL)

	extra := map[string]string{"source": "dashboard"}
	result, err := p.CreateRecurringPayment(context.Background(), Customer{UserID: "user-1"}, RecurringMetadata{
		PaymentMetadata: PaymentMetadata{
			OrderID:  "order-2",
			Type:     entity.PaymentTypeProxyPurchase,
			Amount:   decimal.RequireFromString("27.50"),
			Currency: "USD",
			PlanType: "isp",
			PlanTier: "starter",
			Extra:    extra,
		},
		Interval:        "month",
		IntervalCount:   1,
		TrialPeriodDays: 3,
	}, "https://s", "https://c")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !result.Success || result.RedirectURL == "" {
		t.Fatalf("expected redirect url, got %+v", result)
	}
	if len(calls) != 1 || calls[0].path != "/payment" {
		t.Fatalf("expected a single one-time payment call, got %+v", calls)
	}
	if _, ok := extra["requested_interval"]; ok {
		t.Fatal("caller metadata must not be mutated")
	}

	var additional map[string]string
	_ = json.Unmarshal([]byte(calls[0].body["additional_data"].(string)), &additional)
	if additional["plan_type"] != "isp" || additional["requested_interval"] != "1 month" {
		t.Fatalf("unexpected additional data: %+v", additional)
	}
}

func TestCryptomusCreatePaymentProviderFailure(t *testing.T) {
	var calls []cryptomusCall
	srv := newCryptomusTestServer(t, http.StatusUnprocessableEntity, `{"state":1,"message":"The amount field is invalid"}`, &calls)
	p := newTestCryptomusProvider(t, srv.URL)

	result, err := p.CreateOneTimePayment(context.Background(), Customer{UserID: "user-1"}, PaymentMetadata{
		OrderID:  "order-3",
		Amount:   decimal.RequireFromString("1"),
		Currency: "USD",
	}, "s", "c")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result.Success || !strings.Contains(result.Error, "The amount field is invalid") {
		t.Fatalf("unexpected result: %+v", result)
	}
}

func TestCryptomusVerifyPayment(t *testing.T) {
	var calls []cryptomusCall
	srv := newCryptomusTestServer(t, http.StatusOK, `{"state":0,"result":{
		"uuid":"uuid-1","order_id":"order-1","amount":"50.00","currency":"USD",
		"payer_amount":"0.00081","payer_currency":"BTC","network":"btc","txid":"abc",
		"payment_status":"paid","status":"paid","is_final":true,
		"additional_data":"{\"user_id\":\"user-1\"}"
	}}`, &calls)
	p := newTestCryptomusProvider(t, srv.URL)

	result, err := p.VerifyPayment(context.Background(), "uuid-1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !result.Success || result.Status != entity.PaymentStatusCompleted {
		t.Fatalf("unexpected result: %+v", result)
	}
	if !result.Amount.Equal(decimal.RequireFromString("50")) || result.Currency != "USD" {
		t.Fatalf("unexpected amount: %s %s", result.Amount, result.Currency)
	}
	if result.Metadata["network"] != "btc" || result.Metadata["payer_currency"] != "BTC" || result.Metadata["user_id"] != "user-1" {
		t.Fatalf("unexpected metadata: %+v", result.Metadata)
	}
	if len(calls) != 1 || calls[0].path != "/payment/info" || calls[0].body["uuid"] != "uuid-1" {
		t.Fatalf("unexpected calls: %+v", calls)
	}
}

func TestMapCryptomusStatus(t *testing.T) {
	cases := map[string]entity.PaymentStatus{
		"paid":         entity.PaymentStatusCompleted,
		"paid_over":    entity.PaymentStatusCompleted,
		"fail":         entity.PaymentStatusFailed,
		"failed":       entity.PaymentStatusFailed,
		"wrong_amount": entity.PaymentStatusFailed,
		"system_fail":  entity.PaymentStatusFailed,
		"cancel":       entity.PaymentStatusCanceled,
		"canceled":     entity.PaymentStatusCanceled,
		"refunded":     entity.PaymentStatusRefunded,
		"refund_paid":  entity.PaymentStatusRefunded,
		"check":        entity.PaymentStatusPending,
		"process":      entity.PaymentStatusPending,
		"":             entity.PaymentStatusPending,
	}
	for input, want := range cases {
		if got := mapCryptomusStatus(input); got != want {
			t.Fatalf("mapCryptomusStatus(%q) = %s, want %s", input, got, want)
		}
	}
}

const cryptomusCanonicalPayload = `{"additional_data":"{\"user_id\":\"user-1\"}","amount":"50.00","currency":"USD","is_final":true,"order_id":"order-1","status":"paid","type":"payment","uuid":"uuid-1"}`

func TestCryptomusHandleWebhook(t *testing.T) {
	p := newTestCryptomusProvider(t, "")
	sign := signCryptomusWebhook(cryptomusCanonicalPayload)
	payload := []byte(`{"type":"payment","uuid":"uuid-1","order_id":"order-1","amount":"50.00","currency":"USD","status":"paid","is_final":true,"additional_data":"{\"user_id\":\"user-1\"}","sign":"` + sign + `"}`)

	event, err := p.HandleWebhook(context.Background(), payload, "")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if event.ID != "uuid-1:paid" || event.PaymentID != "uuid-1" || event.Status != entity.PaymentStatusCompleted {
		t.Fatalf("unexpected event: %+v", event)
	}
	if event.OrderID != "order-1" || event.UserID != "user-1" {
		t.Fatalf("unexpected references: %+v", event)
	}
	if !event.Amount.Equal(decimal.RequireFromString("50")) {
		t.Fatalf("unexpected amount: %s", event.Amount)
	}

	headerPayload := []byte(`{"uuid":"uuid-1","type":"payment","order_id":"order-1","status":"paid","amount":"50.00","currency":"USD","is_final":true,"additional_data":"{\"user_id\":\"user-1\"}"}`)
	if _, err := p.HandleWebhook(context.Background(), headerPayload, sign); err != nil {
		t.Fatalf("expected header signature to verify: %v", err)
	}
}

func TestCryptomusHandleWebhookRejectsBadSignatures(t *testing.T) {
	p := newTestCryptomusProvider(t, "")
	sign := signCryptomusWebhook(cryptomusCanonicalPayload)

	unsigned := []byte(`{"type":"payment","uuid":"uuid-1","order_id":"order-1","amount":"50.00","currency":"USD","status":"paid"}`)
	if _, err := p.HandleWebhook(context.Background(), unsigned, ""); !errors.Is(err, ErrSignatureMissing) {
		t.Fatalf("expected ErrSignatureMissing, got %v", err)
	}

	tampered := []byte(`{"type":"payment","uuid":"uuid-1","order_id":"order-1","amount":"5000.00","currency":"USD","status":"paid","is_final":true,"additional_data":"{\"user_id\":\"user-1\"}","sign":"` + sign + `"}`)
	if _, err := p.HandleWebhook(context.Background(), tampered, ""); !errors.Is(err, ErrSignatureInvalid) {
		t.Fatalf("expected ErrSignatureInvalid, got %v", err)
	}

	if _, err := p.HandleWebhook(context.Background(), []byte("not json"), "abc"); !errors.Is(err, ErrInvalidSignature) {
		t.Fatalf("expected ErrInvalidSignature for malformed payload, got %v", err)
	}
}
