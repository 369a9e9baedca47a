package service

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
	"github.com/vibast-solutions/ms-go-proxy-payments/app/entity"
	"github.com/vibast-solutions/ms-go-proxy-payments/app/factory"
	"github.com/vibast-solutions/ms-go-proxy-payments/app/lock"
	"github.com/vibast-solutions/ms-go-proxy-payments/app/persistence"
	"github.com/vibast-solutions/ms-go-proxy-payments/app/plan"
	"github.com/vibast-solutions/ms-go-proxy-payments/app/provider"
	"github.com/vibast-solutions/ms-go-proxy-payments/config"
)

const (
	defaultListLimit = int32(100)
	defaultBatchSize = int32(100)

	metadataBandwidthGB  = "bandwidth_gb"
	metadataDurationDays = "duration_days"
)

var currencyPattern = regexp.MustCompile(`^[A-Z]{3}$`)

type createDepositRequest interface {
	GetUserID() string
	GetUserEmail() string
	GetProvider() string
	GetAmount() decimal.Decimal
	GetCurrency() string
	GetDescription() string
}

type createPurchaseRequest interface {
	GetUserID() string
	GetUserEmail() string
	GetProvider() string
	GetPlanType() string
	GetPlanTier() string
	GetRecurring() bool
	GetTrialPeriodDays() int32
}

type listPaymentsRequest interface {
	GetUserID() string
	GetStatus() string
	GetProvider() string
	GetType() string
	GetLimit() int32
	GetOffset() int32
}

type PaymentService struct {
	gateway     persistence.Gateway
	providerReg *provider.Registry
	catalog     *plan.Catalog
	locker      lock.Locker
	paymentsCfg config.PaymentsConfig
	baseURL     string
	logger      logrus.FieldLogger
	now         func() time.Time
}

func NewPaymentService(
	gateway persistence.Gateway,
	providerReg *provider.Registry,
	catalog *plan.Catalog,
	locker lock.Locker,
	paymentsCfg config.PaymentsConfig,
	baseURL string,
) *PaymentService {
	if catalog == nil {
		catalog = plan.DefaultCatalog()
	}
	if locker == nil {
		locker = lock.NoopLocker{}
	}

	return &PaymentService{
		gateway:     gateway,
		providerReg: providerReg,
		catalog:     catalog,
		locker:      locker,
		paymentsCfg: paymentsCfg,
		baseURL:     strings.TrimRight(strings.TrimSpace(baseURL), "/"),
		logger:      factory.NewModuleLogger("payment-service"),
		now:         func() time.Time { return time.Now().UTC() },
	}
}

// CreateDeposit opens a wallet top-up checkout with the requested provider.
// A rejected provider call leaves the payment failed and returns it alongside ErrProviderFailed.
func (s *PaymentService) CreateDeposit(ctx context.Context, req createDepositRequest) (*entity.Payment, error) {
	userID := strings.TrimSpace(req.GetUserID())
	if userID == "" {
		return nil, fmt.Errorf("%w: user_id is required", ErrInvalidRequest)
	}
	amount := req.GetAmount()
	if !amount.IsPositive() || !amount.Equal(amount.Truncate(2)) {
		return nil, ErrInvalidAmount
	}
	currency := strings.ToUpper(strings.TrimSpace(req.GetCurrency()))
	if !currencyPattern.MatchString(currency) {
		return nil, ErrInvalidCurrency
	}
	providerClient, err := s.resolveProvider(req.GetProvider())
	if err != nil {
		return nil, err
	}

	now := s.now()
	payment := &entity.Payment{
		OrderID:   uuid.NewString(),
		UserID:    userID,
		UserEmail: strings.TrimSpace(req.GetUserEmail()),
		Provider:  providerClient.Code(),
		Type:      entity.PaymentTypeWalletDeposit,
		Status:    entity.PaymentStatusPending,
		Amount:    amount,
		Currency:  currency,
		Metadata:  map[string]string{},
		CreatedAt: now,
		UpdatedAt: now,
	}
	if description := strings.TrimSpace(req.GetDescription()); description != "" {
		payment.Metadata["description"] = description
	}

	if err := s.createPending(ctx, payment); err != nil {
		return nil, err
	}

	metadata := provider.PaymentMetadata{
		OrderID:     payment.OrderID,
		Type:        payment.Type,
		Amount:      payment.Amount,
		Currency:    payment.Currency,
		Description: payment.Metadata["description"],
	}
	result, callErr := providerClient.CreateOneTimePayment(
		ctx,
		customerOf(payment),
		metadata,
		s.successURL(payment),
		s.cancelURL(payment),
	)

	return s.finishCheckout(ctx, payment, result, callErr)
}

// CreatePurchase opens a checkout for a catalog proxy plan, as a subscription when recurring is requested.
func (s *PaymentService) CreatePurchase(ctx context.Context, req createPurchaseRequest) (*entity.Payment, error) {
	userID := strings.TrimSpace(req.GetUserID())
	if userID == "" {
		return nil, fmt.Errorf("%w: user_id is required", ErrInvalidRequest)
	}
	if req.GetTrialPeriodDays() < 0 {
		return nil, fmt.Errorf("%w: trial_period_days must not be negative", ErrInvalidRequest)
	}
	tier, err := s.catalog.Lookup(req.GetPlanType(), req.GetPlanTier())
	if err != nil {
		if errors.Is(err, plan.ErrUnknownPlan) {
			return nil, ErrInvalidPlan
		}
		return nil, err
	}
	providerClient, err := s.resolveProvider(req.GetProvider())
	if err != nil {
		return nil, err
	}

	now := s.now()
	payment := &entity.Payment{
		OrderID:   uuid.NewString(),
		UserID:    userID,
		UserEmail: strings.TrimSpace(req.GetUserEmail()),
		Provider:  providerClient.Code(),
		Type:      entity.PaymentTypeProxyPurchase,
		Status:    entity.PaymentStatusPending,
		Amount:    tier.Price,
		Currency:  tier.Currency,
		PlanType:  stringPtr(tier.PlanType),
		PlanTier:  stringPtr(tier.Tier),
		Recurring: req.GetRecurring(),
		Metadata: map[string]string{
			metadataBandwidthGB:  strconv.FormatInt(tier.BandwidthGB, 10),
			metadataDurationDays: strconv.Itoa(tier.DurationDays),
		},
		CreatedAt: now,
		UpdatedAt: now,
	}
	if payment.Recurring {
		payment.RecurringInterval = stringPtr(tier.Interval)
		payment.RecurringIntervalCount = normalizeOptionalInt32(tier.IntervalCount)
		payment.TrialPeriodDays = normalizeOptionalInt32(req.GetTrialPeriodDays())
	}

	if err := s.createPending(ctx, payment); err != nil {
		return nil, err
	}

	metadata := provider.PaymentMetadata{
		OrderID:     payment.OrderID,
		Type:        payment.Type,
		Amount:      payment.Amount,
		Currency:    payment.Currency,
		Description: tier.Name,
		PlanType:    tier.PlanType,
		PlanTier:    tier.Tier,
	}

	var (
		result  *provider.PaymentResult
		callErr error
	)
	if payment.Recurring {
		result, callErr = providerClient.CreateRecurringPayment(ctx, customerOf(payment), provider.RecurringMetadata{
			PaymentMetadata: metadata,
			Interval:        tier.Interval,
			IntervalCount:   tier.IntervalCount,
			TrialPeriodDays: req.GetTrialPeriodDays(),
		}, s.successURL(payment), s.cancelURL(payment))
	} else {
		result, callErr = providerClient.CreateOneTimePayment(ctx, customerOf(payment), metadata, s.successURL(payment), s.cancelURL(payment))
	}

	return s.finishCheckout(ctx, payment, result, callErr)
}

// VerifyPayment asks the provider for the current state of a pending payment and converges the local record.
// Non-pending payments are returned as stored.
func (s *PaymentService) VerifyPayment(ctx context.Context, userID, orderID string) (*entity.Payment, error) {
	payment, err := s.GetPayment(ctx, userID, orderID)
	if err != nil {
		return nil, err
	}
	return s.verify(ctx, payment, "verify")
}

func (s *PaymentService) GetPayment(ctx context.Context, userID, orderID string) (*entity.Payment, error) {
	userID = strings.TrimSpace(userID)
	orderID = strings.TrimSpace(orderID)
	if userID == "" || orderID == "" {
		return nil, fmt.Errorf("%w: user_id and order_id are required", ErrInvalidRequest)
	}

	payment, err := s.gateway.GetPaymentByOrderID(ctx, userID, orderID)
	if err != nil {
		return nil, err
	}
	if payment == nil {
		return nil, ErrPaymentNotFound
	}
	return payment, nil
}

// ListTransactions returns the ledger rows booked for one of the user's payments.
func (s *PaymentService) ListTransactions(ctx context.Context, userID, orderID string) ([]*entity.Transaction, error) {
	payment, err := s.GetPayment(ctx, userID, orderID)
	if err != nil {
		return nil, err
	}
	return s.gateway.ListTransactions(ctx, payment.OrderID)
}

func (s *PaymentService) ListPayments(ctx context.Context, req listPaymentsRequest) ([]*entity.Payment, error) {
	limit := req.GetLimit()
	if limit <= 0 {
		limit = defaultListLimit
	}
	if req.GetOffset() < 0 {
		return nil, fmt.Errorf("%w: offset must not be negative", ErrInvalidRequest)
	}

	filter := persistence.PaymentFilter{
		UserID:   strings.TrimSpace(req.GetUserID()),
		Status:   entity.PaymentStatus(strings.ToLower(strings.TrimSpace(req.GetStatus()))),
		Provider: entity.Provider(strings.ToLower(strings.TrimSpace(req.GetProvider()))),
		Type:     entity.PaymentType(strings.ToLower(strings.TrimSpace(req.GetType()))),
		Limit:    limit,
		Offset:   req.GetOffset(),
	}
	if filter.Status != "" && !filter.Status.Valid() {
		return nil, fmt.Errorf("%w: unknown status %q", ErrInvalidRequest, filter.Status)
	}
	if filter.Provider != "" && !filter.Provider.Valid() {
		return nil, fmt.Errorf("%w: unknown provider %q", ErrInvalidRequest, filter.Provider)
	}
	if filter.Type != "" && !filter.Type.Valid() {
		return nil, fmt.Errorf("%w: unknown type %q", ErrInvalidRequest, filter.Type)
	}

	return s.gateway.ListPayments(ctx, filter)
}

func (s *PaymentService) GetWallet(ctx context.Context, userID string) ([]*entity.Wallet, error) {
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return nil, fmt.Errorf("%w: user_id is required", ErrInvalidRequest)
	}
	return s.gateway.ListWallets(ctx, userID)
}

func (s *PaymentService) ListPlans(ctx context.Context, userID string) ([]*entity.ProxyPlan, error) {
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return nil, fmt.Errorf("%w: user_id is required", ErrInvalidRequest)
	}
	return s.gateway.ListProxyPlans(ctx, userID)
}

func (s *PaymentService) resolveProvider(code string) (provider.Provider, error) {
	providerCode := entity.Provider(strings.ToLower(strings.TrimSpace(code)))
	if !providerCode.Valid() {
		return nil, ErrProviderUnsupported
	}

	providerClient, err := s.providerReg.Get(providerCode)
	if err != nil {
		if errors.Is(err, provider.ErrProviderNotSupported) {
			return nil, ErrProviderUnsupported
		}
		return nil, err
	}
	return providerClient, nil
}

func (s *PaymentService) createPending(ctx context.Context, payment *entity.Payment) error {
	if err := s.gateway.CreatePayment(ctx, payment); err != nil {
		if errors.Is(err, persistence.ErrPaymentAlreadyExists) {
			return ErrPaymentAlreadyExists
		}
		return err
	}

	s.recordEvent(ctx, s.gateway, &entity.PaymentEvent{
		OrderID:   payment.OrderID,
		EventType: entity.PaymentEventCreated,
		NewStatus: payment.Status,
		CreatedAt: payment.CreatedAt,
	})
	return nil
}

// finishCheckout stores the provider references of a created checkout, or fails the payment with the provider's reason.
func (s *PaymentService) finishCheckout(ctx context.Context, payment *entity.Payment, result *provider.PaymentResult, callErr error) (*entity.Payment, error) {
	if callErr != nil || result == nil || !result.Success {
		reason := "provider returned no result"
		switch {
		case callErr != nil:
			reason = callErr.Error()
		case result != nil && strings.TrimSpace(result.Error) != "":
			reason = result.Error
		}
		reason = truncate(reason, 1024)

		failed, err := s.applyStatus(ctx, payment, statusChange{
			status: entity.PaymentStatusFailed,
			reason: reason,
			source: "checkout",
		})
		if err != nil {
			return nil, err
		}
		s.logger.WithFields(logrus.Fields{
			"order_id": payment.OrderID,
			"provider": payment.Provider,
		}).Warnf("checkout creation failed: %s", reason)
		return failed, fmt.Errorf("%w: %s", ErrProviderFailed, reason)
	}

	patch := entity.PaymentPatch{
		ProviderPaymentID:      normalizeOptionalString(result.PaymentID),
		ProviderReference:      normalizeOptionalString(result.ProviderReference),
		ProviderSubscriptionID: normalizeOptionalString(result.SubscriptionID),
		CheckoutURL:            normalizeOptionalString(result.RedirectURL),
	}
	if err := s.gateway.UpdatePayment(ctx, payment.UserID, payment.OrderID, patch); err != nil {
		return nil, err
	}

	s.recordEvent(ctx, s.gateway, &entity.PaymentEvent{
		OrderID:   payment.OrderID,
		EventType: entity.PaymentEventCheckoutCreated,
		OldStatus: statusPtr(payment.Status),
		NewStatus: payment.Status,
		CreatedAt: s.now(),
	})

	updated, err := s.gateway.GetPaymentByOrderID(ctx, payment.UserID, payment.OrderID)
	if err != nil {
		return nil, err
	}
	if updated == nil {
		return nil, ErrPaymentNotFound
	}
	return updated, nil
}

func (s *PaymentService) successURL(payment *entity.Payment) string {
	query := url.Values{}
	query.Set("orderId", payment.OrderID)
	if payment.PlanType != nil {
		query.Set("planType", *payment.PlanType)
	}
	if payment.PlanTier != nil {
		query.Set("planTier", *payment.PlanTier)
	}
	return s.baseURL + s.paymentsCfg.SuccessPath + "?" + query.Encode()
}

func (s *PaymentService) cancelURL(payment *entity.Payment) string {
	query := url.Values{}
	query.Set("orderId", payment.OrderID)
	return s.baseURL + s.paymentsCfg.CancelPath + "?" + query.Encode()
}

// recordEvent appends to the audit trail. Audit failures never fail the operation.
func (s *PaymentService) recordEvent(ctx context.Context, gateway persistence.Gateway, event *entity.PaymentEvent) {
	if err := gateway.CreatePaymentEvent(ctx, event); err != nil {
		s.logger.WithError(err).WithField("order_id", event.OrderID).Warn("failed to record payment event")
	}
}

func (s *PaymentService) batchSize() int32 {
	if s.paymentsCfg.JobBatchSize > 0 {
		return s.paymentsCfg.JobBatchSize
	}
	return defaultBatchSize
}

func customerOf(payment *entity.Payment) provider.Customer {
	return provider.Customer{
		UserID: payment.UserID,
		Email:  payment.UserEmail,
	}
}

func stringPtr(v string) *string {
	return &v
}

func statusPtr(v entity.PaymentStatus) *entity.PaymentStatus {
	return &v
}

func normalizeOptionalString(v string) *string {
	trimmed := strings.TrimSpace(v)
	if trimmed == "" {
		return nil
	}
	return &trimmed
}

func normalizeOptionalInt32(v int32) *int32 {
	if v <= 0 {
		return nil
	}
	n := v
	return &n
}

func truncate(value string, max int) string {
	if len(value) <= max {
		return value
	}
	return value[:max]
}
