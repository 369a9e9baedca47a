package provider

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/md5"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
	"github.com/vibast-solutions/ms-go-proxy-payments/app/entity"
	"github.com/vibast-solutions/ms-go-proxy-payments/app/factory"
)

const (
	DefaultCryptomusBaseURL = "https://api.cryptomus.com/v1"

	cryptomusPaymentLifetime = 3600
)

type CryptomusConfig struct {
	MerchantID  string
	PaymentKey  string
	BaseURL     string
	CallbackURL string
	HTTPTimeout time.Duration
}

type CryptomusProvider struct {
	cfg    CryptomusConfig
	client *http.Client
	logger logrus.FieldLogger
}

type cryptomusPaymentRequest struct {
	Amount         string `json:"amount"`
	Currency       string `json:"currency"`
	OrderID        string `json:"order_id"`
	URLCallback    string `json:"url_callback,omitempty"`
	URLReturn      string `json:"url_return,omitempty"`
	URLSuccess     string `json:"url_success,omitempty"`
	Lifetime       int    `json:"lifetime"`
	AdditionalData string `json:"additional_data,omitempty"`
}

type cryptomusPayment struct {
	UUID           string  `json:"uuid"`
	OrderID        string  `json:"order_id"`
	Amount         string  `json:"amount"`
	PaymentAmount  *string `json:"payment_amount"`
	PayerAmount    *string `json:"payer_amount"`
	PayerCurrency  *string `json:"payer_currency"`
	Currency       string  `json:"currency"`
	Network        *string `json:"network"`
	Address        *string `json:"address"`
	TxID           *string `json:"txid"`
	PaymentStatus  string  `json:"payment_status"`
	Status         string  `json:"status"`
	URL            string  `json:"url"`
	IsFinal        bool    `json:"is_final"`
	AdditionalData *string `json:"additional_data"`
}

type cryptomusResponse struct {
	State   int               `json:"state"`
	Message string            `json:"message"`
	Result  *cryptomusPayment `json:"result"`
}

func NewCryptomusProvider(cfg CryptomusConfig) (*CryptomusProvider, error) {
	if strings.TrimSpace(cfg.MerchantID) == "" {
		return nil, fmt.Errorf("%w: cryptomus merchant id is empty", ErrNotConfigured)
	}
	if strings.TrimSpace(cfg.PaymentKey) == "" {
		return nil, fmt.Errorf("%w: cryptomus payment key is empty", ErrNotConfigured)
	}
	if strings.TrimSpace(cfg.BaseURL) == "" {
		cfg.BaseURL = DefaultCryptomusBaseURL
	}
	cfg.BaseURL = strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/")

	timeout := cfg.HTTPTimeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}

	return &CryptomusProvider{
		cfg:    cfg,
		client: &http.Client{Timeout: timeout},
		logger: factory.NewModuleLogger("cryptomus-provider"),
	}, nil
}

func (p *CryptomusProvider) Code() entity.Provider {
	return entity.ProviderCryptomus
}

func (p *CryptomusProvider) CreateOneTimePayment(ctx context.Context, customer Customer, metadata PaymentMetadata, successURL, cancelURL string) (*PaymentResult, error) {
	if reason := validatePaymentMetadata(metadata); reason != "" {
		return failedResult(reason), nil
	}

	additional := referenceMetadata(customer, metadata)
	additional["description"] = productName(metadata)
	if customer.Email != "" {
		additional["email"] = customer.Email
	}
	additionalJSON, err := json.Marshal(additional)
	if err != nil {
		return nil, err
	}

	request := cryptomusPaymentRequest{
		Amount:         metadata.Amount.StringFixed(2),
		Currency:       strings.ToUpper(strings.TrimSpace(metadata.Currency)),
		OrderID:        metadata.OrderID,
		URLCallback:    p.cfg.CallbackURL,
		URLReturn:      cancelURL,
		URLSuccess:     successURL,
		Lifetime:       cryptomusPaymentLifetime,
		AdditionalData: string(additionalJSON),
	}

	payment, reason := p.call(ctx, "/payment", request)
	if reason != "" {
		return failedResult(reason), nil
	}
	if strings.TrimSpace(payment.URL) == "" {
		return failedResult("cryptomus payment has no redirect url"), nil
	}

	return &PaymentResult{
		Success:           true,
		RedirectURL:       payment.URL,
		PaymentID:         payment.UUID,
		ProviderReference: payment.OrderID,
	}, nil
}

// CreateRecurringPayment creates a one-time payment for the first period.
// Cryptomus exposes no subscription primitive here, so the interval and trial are dropped.
func (p *CryptomusProvider) CreateRecurringPayment(ctx context.Context, customer Customer, metadata RecurringMetadata, successURL, cancelURL string) (*PaymentResult, error) {
	if reason := validateRecurringMetadata(metadata); reason != "" {
		return failedResult(reason), nil
	}

	p.logger.WithFields(logrus.Fields{
		"order_id":          metadata.OrderID,
		"interval":          metadata.Interval,
		"interval_count":    metadata.IntervalCount,
		"trial_period_days": metadata.TrialPeriodDays,
	}).Warn("cryptomus has no recurring payments, creating one-time payment")

	oneTime := metadata.PaymentMetadata
	oneTime.Extra = make(map[string]string, len(metadata.Extra)+1)
	for k, v := range metadata.Extra {
		oneTime.Extra[k] = v
	}
	oneTime.Extra["requested_interval"] = fmt.Sprintf("%d %s", metadata.IntervalCount, metadata.Interval)

	return p.CreateOneTimePayment(ctx, customer, oneTime, successURL, cancelURL)
}

func (p *CryptomusProvider) VerifyPayment(ctx context.Context, paymentID string) (*VerificationResult, error) {
	paymentID = strings.TrimSpace(paymentID)
	if paymentID == "" {
		return &VerificationResult{Success: false, Error: "payment id is required"}, nil
	}

	payment, reason := p.call(ctx, "/payment/info", map[string]string{"uuid": paymentID})
	if reason != "" {
		return &VerificationResult{Success: false, Error: reason}, nil
	}

	status := payment.PaymentStatus
	if status == "" {
		status = payment.Status
	}

	metadata := map[string]string{
		"provider_status": status,
	}
	if payment.OrderID != "" {
		metadata["order_id"] = payment.OrderID
	}
	setOptional(metadata, "network", payment.Network)
	setOptional(metadata, "payer_amount", payment.PayerAmount)
	setOptional(metadata, "payer_currency", payment.PayerCurrency)
	setOptional(metadata, "payment_amount", payment.PaymentAmount)
	setOptional(metadata, "address", payment.Address)
	setOptional(metadata, "txid", payment.TxID)
	if payment.AdditionalData != nil {
		for k, v := range parseAdditionalData(*payment.AdditionalData) {
			if _, exists := metadata[k]; !exists {
				metadata[k] = v
			}
		}
	}

	result := &VerificationResult{
		Success:  true,
		Status:   mapCryptomusStatus(status),
		Metadata: metadata,
	}
	// Currency is only reported alongside an amount that parsed.
	if amount, err := decimal.NewFromString(strings.TrimSpace(payment.Amount)); err == nil {
		result.Amount = amount
		result.Currency = strings.ToUpper(payment.Currency)
	}
	return result, nil
}

func (p *CryptomusProvider) HandleWebhook(_ context.Context, payload []byte, signature string) (*WebhookEvent, error) {
	var body map[string]interface{}
	decoder := json.NewDecoder(bytes.NewReader(payload))
	decoder.UseNumber()
	if err := decoder.Decode(&body); err != nil {
		return nil, fmt.Errorf("%w: payload is not a json object", ErrSignatureInvalid)
	}

	signature = strings.TrimSpace(signature)
	if signature == "" {
		if s, ok := body["sign"].(string); ok {
			signature = strings.TrimSpace(s)
		}
	}
	if signature == "" {
		return nil, ErrSignatureMissing
	}

	delete(body, "sign")
	expected, err := cryptomusWebhookSign(body, p.cfg.PaymentKey)
	if err != nil {
		return nil, err
	}
	if !hmac.Equal([]byte(expected), []byte(strings.ToLower(signature))) {
		return nil, ErrSignatureInvalid
	}

	uuid := stringField(body, "uuid")
	status := stringField(body, "status")
	if status == "" {
		status = stringField(body, "payment_status")
	}
	eventType := stringField(body, "type")
	if eventType == "" {
		eventType = "payment"
	}

	out := &WebhookEvent{
		ID:               uuid + ":" + status,
		Type:             eventType,
		Kind:             EventKindPayment,
		PaymentID:        uuid,
		PaymentReference: stringField(body, "order_id"),
		Status:           mapCryptomusStatus(status),
		OrderID:          stringField(body, "order_id"),
		Metadata:         map[string]string{"provider_status": status},
		RawData:          payload,
	}
	if amount, err := decimal.NewFromString(stringField(body, "amount")); err == nil {
		out.Amount = amount
		out.Currency = strings.ToUpper(stringField(body, "currency"))
	}
	for _, key := range []string{"network", "payer_currency", "payer_amount", "payment_amount", "txid", "from"} {
		if v := stringField(body, key); v != "" {
			out.Metadata[key] = v
		}
	}
	additional := parseAdditionalData(stringField(body, "additional_data"))
	for k, v := range additional {
		if _, exists := out.Metadata[k]; !exists {
			out.Metadata[k] = v
		}
	}
	out.UserID = additional["user_id"]
	if out.OrderID == "" {
		out.OrderID = additional["order_id"]
	}

	return out, nil
}

// call posts a signed request and returns the result or a readable failure reason.
func (p *CryptomusProvider) call(ctx context.Context, path string, request interface{}) (*cryptomusPayment, string) {
	body, err := marshalNoEscape(request)
	if err != nil {
		return nil, "cryptomus request encoding: " + err.Error()
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.cfg.BaseURL+path, bytes.NewReader(body))
	if err != nil {
		return nil, "cryptomus request: " + err.Error()
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("merchant", p.cfg.MerchantID)
	req.Header.Set("sign", cryptomusRequestSign(body, p.cfg.PaymentKey))

	resp, err := p.client.Do(req)
	if err != nil {
		return nil, "cryptomus request failed: " + err.Error()
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, "cryptomus response: " + err.Error()
	}

	var decoded cryptomusResponse
	decodeErr := json.Unmarshal(raw, &decoded)
	if resp.StatusCode >= 400 || decodeErr != nil || decoded.State != 0 || decoded.Result == nil {
		message := strings.TrimSpace(decoded.Message)
		if message == "" {
			message = strings.TrimSpace(string(raw))
		}
		if message == "" {
			message = http.StatusText(resp.StatusCode)
		}
		return nil, fmt.Sprintf("cryptomus request failed: path=%s status=%d message=%s", path, resp.StatusCode, message)
	}

	return decoded.Result, ""
}

// cryptomusRequestSign signs outbound requests: md5(base64(body) + paymentKey).
func cryptomusRequestSign(body []byte, paymentKey string) string {
	encoded := base64.StdEncoding.EncodeToString(body)
	sum := md5.Sum([]byte(encoded + paymentKey))
	return hex.EncodeToString(sum[:])
}

// cryptomusWebhookSign signs inbound notifications: hex hmac-sha256 over the key-sorted JSON body.
func cryptomusWebhookSign(body map[string]interface{}, paymentKey string) (string, error) {
	canonical, err := marshalNoEscape(body)
	if err != nil {
		return "", err
	}
	mac := hmac.New(sha256.New, []byte(paymentKey))
	_, _ = mac.Write(canonical)
	return hex.EncodeToString(mac.Sum(nil)), nil
}

func marshalNoEscape(v interface{}) ([]byte, error) {
	var buf bytes.Buffer
	encoder := json.NewEncoder(&buf)
	encoder.SetEscapeHTML(false)
	if err := encoder.Encode(v); err != nil {
		return nil, err
	}
	return bytes.TrimRight(buf.Bytes(), "\n"), nil
}

func mapCryptomusStatus(status string) entity.PaymentStatus {
	switch strings.ToLower(strings.TrimSpace(status)) {
	case "paid", "paid_over":
		return entity.PaymentStatusCompleted
	case "fail", "failed", "system_fail", "wrong_amount":
		return entity.PaymentStatusFailed
	case "cancel", "canceled", "cancelled":
		return entity.PaymentStatusCanceled
	case "refunded", "refund_paid":
		return entity.PaymentStatusRefunded
	default:
		return entity.PaymentStatusPending
	}
}

func parseAdditionalData(raw string) map[string]string {
	out := map[string]string{}
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return out
	}

	var decoded map[string]interface{}
	decoder := json.NewDecoder(strings.NewReader(raw))
	decoder.UseNumber()
	if err := decoder.Decode(&decoded); err != nil {
		return out
	}
	for k, v := range decoded {
		if s := stringValue(v); s != "" {
			out[k] = s
		}
	}
	return out
}

func stringField(body map[string]interface{}, key string) string {
	return stringValue(body[key])
}

func stringValue(v interface{}) string {
	switch t := v.(type) {
	case string:
		return strings.TrimSpace(t)
	case json.Number:
		return t.String()
	case bool:
		if t {
			return "true"
		}
		return "false"
	}
	return ""
}

func setOptional(metadata map[string]string, key string, value *string) {
	if value == nil {
		return
	}
	if v := strings.TrimSpace(*value); v != "" {
		metadata[key] = v
	}
}
