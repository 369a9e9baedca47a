package service

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"github.com/vibast-solutions/ms-go-proxy-payments/app/entity"
	"github.com/vibast-solutions/ms-go-proxy-payments/app/lock"
	"github.com/vibast-solutions/ms-go-proxy-payments/app/persistence"
	"github.com/vibast-solutions/ms-go-proxy-payments/app/plan"
	"github.com/vibast-solutions/ms-go-proxy-payments/app/provider"
	"github.com/vibast-solutions/ms-go-proxy-payments/config"
)

type memState struct {
	nextID       uint64
	writes       int
	payments     map[string]*entity.Payment
	events       []*entity.PaymentEvent
	transactions map[string]*entity.Transaction
	wallets      map[string]*entity.Wallet
	walletRefs   map[string]bool
	plans        map[string]*entity.ProxyPlan
	webhooks     map[string]*entity.WebhookEvent
}

func newMemState() *memState {
	return &memState{
		nextID:       1,
		payments:     map[string]*entity.Payment{},
		transactions: map[string]*entity.Transaction{},
		wallets:      map[string]*entity.Wallet{},
		walletRefs:   map[string]bool{},
		plans:        map[string]*entity.ProxyPlan{},
		webhooks:     map[string]*entity.WebhookEvent{},
	}
}

func (s *memState) clone() *memState {
	out := newMemState()
	out.nextID = s.nextID
	out.writes = s.writes
	for k, v := range s.payments {
		c := *v
		out.payments[k] = &c
	}
	for _, v := range s.events {
		c := *v
		out.events = append(out.events, &c)
	}
	for k, v := range s.transactions {
		c := *v
		out.transactions[k] = &c
	}
	for k, v := range s.wallets {
		c := *v
		out.wallets[k] = &c
	}
	for k, v := range s.walletRefs {
		out.walletRefs[k] = v
	}
	for k, v := range s.plans {
		c := *v
		out.plans[k] = &c
	}
	for k, v := range s.webhooks {
		c := *v
		out.webhooks[k] = &c
	}
	return out
}

// memGateway is an in-memory persistence.Gateway with real rollback semantics.
type memGateway struct {
	mu    *sync.Mutex
	txMu  *sync.Mutex
	state *memState
	inTx  bool

	failTransactions error
}

func newMemGateway() *memGateway {
	return &memGateway{mu: &sync.Mutex{}, txMu: &sync.Mutex{}, state: newMemState()}
}

func (g *memGateway) writes() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.state.writes
}

func (g *memGateway) payment(orderID string) *entity.Payment {
	g.mu.Lock()
	defer g.mu.Unlock()
	p, ok := g.state.payments[orderID]
	if !ok {
		return nil
	}
	c := *p
	return &c
}

func (g *memGateway) transactionsFor(orderID string) []*entity.Transaction {
	g.mu.Lock()
	defer g.mu.Unlock()
	items := make([]*entity.Transaction, 0)
	for _, tx := range g.state.transactions {
		if tx.OrderID == orderID {
			c := *tx
			items = append(items, &c)
		}
	}
	sort.Slice(items, func(i, j int) bool { return items[i].ID < items[j].ID })
	return items
}

func (g *memGateway) eventsOfType(eventType string) []*entity.PaymentEvent {
	g.mu.Lock()
	defer g.mu.Unlock()
	items := make([]*entity.PaymentEvent, 0)
	for _, e := range g.state.events {
		if e.EventType == eventType {
			items = append(items, e)
		}
	}
	return items
}

func (g *memGateway) walletBalance(userID, currency string) decimal.Decimal {
	g.mu.Lock()
	defer g.mu.Unlock()
	if w, ok := g.state.wallets[userID+"|"+currency]; ok {
		return w.Balance
	}
	return decimal.Zero
}

func (g *memGateway) webhook(provider entity.Provider, eventID string) *entity.WebhookEvent {
	g.mu.Lock()
	defer g.mu.Unlock()
	w, ok := g.state.webhooks[string(provider)+"|"+eventID]
	if !ok {
		return nil
	}
	c := *w
	return &c
}

func (g *memGateway) plan(userID, planType string) *entity.ProxyPlan {
	g.mu.Lock()
	defer g.mu.Unlock()
	p, ok := g.state.plans[userID+"|"+planType]
	if !ok {
		return nil
	}
	c := *p
	return &c
}

func (g *memGateway) CreatePayment(_ context.Context, payment *entity.Payment) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if _, ok := g.state.payments[payment.OrderID]; ok {
		return persistence.ErrPaymentAlreadyExists
	}
	if payment.ProviderPaymentID != nil {
		for _, p := range g.state.payments {
			if p.Provider == payment.Provider && p.ProviderPaymentID != nil && *p.ProviderPaymentID == *payment.ProviderPaymentID {
				return persistence.ErrPaymentAlreadyExists
			}
		}
	}
	payment.ID = g.state.nextID
	g.state.nextID++
	c := *payment
	c.Metadata = copyMetadata(payment.Metadata)
	g.state.payments[payment.OrderID] = &c
	g.state.writes++
	return nil
}

func (g *memGateway) UpdatePayment(_ context.Context, userID, orderID string, patch entity.PaymentPatch) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	p, ok := g.state.payments[orderID]
	if !ok || p.UserID != userID {
		return persistence.ErrPaymentNotFound
	}
	if patch.ProviderPaymentID != nil {
		p.ProviderPaymentID = patch.ProviderPaymentID
	}
	if patch.ProviderReference != nil {
		p.ProviderReference = patch.ProviderReference
	}
	if patch.ProviderSubscriptionID != nil {
		p.ProviderSubscriptionID = patch.ProviderSubscriptionID
	}
	if patch.CheckoutURL != nil && p.CheckoutURL == nil {
		p.CheckoutURL = patch.CheckoutURL
	}
	if len(patch.Metadata) > 0 && p.Metadata == nil {
		p.Metadata = map[string]string{}
	}
	for k, v := range patch.Metadata {
		p.Metadata[k] = v
	}
	g.state.writes++
	return nil
}

func (g *memGateway) transition(userID, orderID string, from, to entity.PaymentStatus, reason *string, at *time.Time) (bool, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	p, ok := g.state.payments[orderID]
	if !ok || p.UserID != userID || p.Status != from {
		return false, nil
	}
	p.Status = to
	if reason != nil {
		p.FailureReason = reason
	}
	if at != nil {
		p.CompletedAt = at
	}
	g.state.writes++
	return true, nil
}

func (g *memGateway) MarkPaymentCompleted(_ context.Context, userID, orderID string, at time.Time) (bool, error) {
	return g.transition(userID, orderID, entity.PaymentStatusPending, entity.PaymentStatusCompleted, nil, &at)
}

func (g *memGateway) MarkPaymentFailed(_ context.Context, userID, orderID, reason string) (bool, error) {
	return g.transition(userID, orderID, entity.PaymentStatusPending, entity.PaymentStatusFailed, &reason, nil)
}

func (g *memGateway) MarkPaymentCanceled(_ context.Context, userID, orderID, reason string) (bool, error) {
	return g.transition(userID, orderID, entity.PaymentStatusPending, entity.PaymentStatusCanceled, &reason, nil)
}

func (g *memGateway) MarkPaymentRefunded(_ context.Context, userID, orderID string) (bool, error) {
	return g.transition(userID, orderID, entity.PaymentStatusCompleted, entity.PaymentStatusRefunded, nil, nil)
}

func (g *memGateway) GetPaymentByOrderID(_ context.Context, userID, orderID string) (*entity.Payment, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	p, ok := g.state.payments[orderID]
	if !ok || p.UserID != userID {
		return nil, nil
	}
	c := *p
	return &c, nil
}

func (g *memGateway) FindPaymentByOrderID(_ context.Context, orderID string) (*entity.Payment, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	p, ok := g.state.payments[orderID]
	if !ok {
		return nil, nil
	}
	c := *p
	return &c, nil
}

func (g *memGateway) FindPaymentByProviderReference(_ context.Context, provider entity.Provider, reference string) (*entity.Payment, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	for _, p := range g.state.payments {
		if p.Provider != provider {
			continue
		}
		if (p.ProviderPaymentID != nil && *p.ProviderPaymentID == reference) || (p.ProviderReference != nil && *p.ProviderReference == reference) {
			c := *p
			return &c, nil
		}
	}
	return nil, nil
}

func (g *memGateway) ListPayments(_ context.Context, filter persistence.PaymentFilter) ([]*entity.Payment, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	items := make([]*entity.Payment, 0)
	for _, p := range g.state.payments {
		if filter.UserID != "" && p.UserID != filter.UserID {
			continue
		}
		if filter.Status != "" && p.Status != filter.Status {
			continue
		}
		if filter.Provider != "" && p.Provider != filter.Provider {
			continue
		}
		if filter.Type != "" && p.Type != filter.Type {
			continue
		}
		c := *p
		items = append(items, &c)
	}
	sort.Slice(items, func(i, j int) bool { return items[i].ID > items[j].ID })
	start := int(filter.Offset)
	if start > len(items) {
		return []*entity.Payment{}, nil
	}
	end := start + int(filter.Limit)
	if filter.Limit <= 0 || end > len(items) {
		end = len(items)
	}
	return items[start:end], nil
}

func (g *memGateway) ListPendingPayments(_ context.Context, updatedBefore time.Time, limit int32) ([]*entity.Payment, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	items := make([]*entity.Payment, 0)
	for _, p := range g.state.payments {
		if p.Status == entity.PaymentStatusPending && !p.UpdatedAt.After(updatedBefore) {
			c := *p
			items = append(items, &c)
		}
	}
	sort.Slice(items, func(i, j int) bool { return items[i].ID < items[j].ID })
	if limit > 0 && len(items) > int(limit) {
		items = items[:limit]
	}
	return items, nil
}

func (g *memGateway) CreatePaymentEvent(_ context.Context, event *entity.PaymentEvent) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	event.ID = g.state.nextID
	g.state.nextID++
	c := *event
	g.state.events = append(g.state.events, &c)
	g.state.writes++
	return nil
}

func (g *memGateway) CreateTransactionRecord(_ context.Context, tx *entity.Transaction) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.failTransactions != nil {
		return g.failTransactions
	}
	key := tx.OrderID + "|" + string(tx.Type)
	if _, ok := g.state.transactions[key]; ok {
		return persistence.ErrTransactionAlreadyExists
	}
	tx.ID = g.state.nextID
	g.state.nextID++
	c := *tx
	g.state.transactions[key] = &c
	g.state.writes++
	return nil
}

func (g *memGateway) ListTransactions(_ context.Context, orderID string) ([]*entity.Transaction, error) {
	return g.transactionsFor(orderID), nil
}

func (g *memGateway) UpdateUserWalletBalance(_ context.Context, userID string, delta decimal.Decimal, currency, reference string) (bool, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.state.walletRefs[reference] {
		return false, nil
	}
	g.state.walletRefs[reference] = true
	key := userID + "|" + currency
	w, ok := g.state.wallets[key]
	if !ok {
		w = &entity.Wallet{UserID: userID, Currency: currency, Balance: decimal.Zero}
		g.state.wallets[key] = w
	}
	w.Balance = w.Balance.Add(delta)
	g.state.writes++
	return true, nil
}

func (g *memGateway) ListWallets(_ context.Context, userID string) ([]*entity.Wallet, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	items := make([]*entity.Wallet, 0)
	for _, w := range g.state.wallets {
		if w.UserID == userID {
			c := *w
			items = append(items, &c)
		}
	}
	sort.Slice(items, func(i, j int) bool { return items[i].Currency < items[j].Currency })
	return items, nil
}

func (g *memGateway) GetProxyPlan(_ context.Context, userID, planType string) (*entity.ProxyPlan, error) {
	return g.plan(userID, planType), nil
}

func (g *memGateway) FindProxyPlanBySubscription(_ context.Context, subscriptionID string) (*entity.ProxyPlan, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	for _, p := range g.state.plans {
		if p.SubscriptionID != nil && *p.SubscriptionID == subscriptionID {
			c := *p
			return &c, nil
		}
	}
	return nil, nil
}

func (g *memGateway) SaveProxyPlan(_ context.Context, p *entity.ProxyPlan) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	key := p.UserID + "|" + p.PlanType
	if existing, ok := g.state.plans[key]; ok {
		p.ID = existing.ID
	} else {
		p.ID = g.state.nextID
		g.state.nextID++
	}
	c := *p
	g.state.plans[key] = &c
	g.state.writes++
	return nil
}

func (g *memGateway) ListProxyPlans(_ context.Context, userID string) ([]*entity.ProxyPlan, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	items := make([]*entity.ProxyPlan, 0)
	for _, p := range g.state.plans {
		if p.UserID == userID {
			c := *p
			items = append(items, &c)
		}
	}
	sort.Slice(items, func(i, j int) bool { return items[i].PlanType < items[j].PlanType })
	return items, nil
}

func (g *memGateway) RecordWebhookEvent(_ context.Context, event *entity.WebhookEvent) (bool, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	key := string(event.Provider) + "|" + event.EventID
	if _, ok := g.state.webhooks[key]; ok {
		return false, nil
	}
	event.ID = g.state.nextID
	g.state.nextID++
	c := *event
	g.state.webhooks[key] = &c
	g.state.writes++
	return true, nil
}

func (g *memGateway) FindWebhookEvent(_ context.Context, provider entity.Provider, eventID string) (*entity.WebhookEvent, error) {
	return g.webhook(provider, eventID), nil
}

func (g *memGateway) UpdateWebhookEvent(_ context.Context, event *entity.WebhookEvent) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	key := string(event.Provider) + "|" + event.EventID
	if _, ok := g.state.webhooks[key]; !ok {
		return persistence.ErrWebhookEventNotFound
	}
	c := *event
	g.state.webhooks[key] = &c
	g.state.writes++
	return nil
}

func (g *memGateway) ListDueWebhookEvents(_ context.Context, now time.Time, limit int32) ([]*entity.WebhookEvent, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	items := make([]*entity.WebhookEvent, 0)
	for _, w := range g.state.webhooks {
		if w.Status == entity.WebhookEventReceived && w.NextAt != nil && !w.NextAt.After(now) {
			c := *w
			items = append(items, &c)
		}
	}
	sort.Slice(items, func(i, j int) bool { return items[i].ID < items[j].ID })
	if limit > 0 && len(items) > int(limit) {
		items = items[:limit]
	}
	return items, nil
}

func (g *memGateway) WithinTx(_ context.Context, fn func(persistence.Gateway) error) error {
	if g.inTx {
		return fn(g)
	}

	g.txMu.Lock()
	defer g.txMu.Unlock()

	g.mu.Lock()
	snapshot := g.state.clone()
	g.mu.Unlock()

	tx := &memGateway{mu: g.mu, txMu: g.txMu, state: g.state, inTx: true, failTransactions: g.failTransactions}
	if err := fn(tx); err != nil {
		g.mu.Lock()
		*g.state = *snapshot
		g.mu.Unlock()
		return err
	}
	return nil
}

var _ persistence.Gateway = (*memGateway)(nil)

type fakeProvider struct {
	mu   sync.Mutex
	code entity.Provider

	createResult *provider.PaymentResult
	createErr    error
	verifyResult *provider.VerificationResult
	verifyErr    error
	webhookEvent *provider.WebhookEvent
	webhookErr   error

	oneTimeCalls   int
	recurringCalls int
	verifyCalls    int
	lastMetadata   provider.PaymentMetadata
	lastRecurring  provider.RecurringMetadata
	lastCustomer   provider.Customer
	lastSuccessURL string
	lastCancelURL  string
}

func newFakeProvider(code entity.Provider) *fakeProvider {
	return &fakeProvider{
		code: code,
		createResult: &provider.PaymentResult{
			Success:     true,
			RedirectURL: "https://checkout.example.com/session",
			PaymentID:   "sess_1",
		},
	}
}

func (p *fakeProvider) Code() entity.Provider {
	return p.code
}

func (p *fakeProvider) CreateOneTimePayment(_ context.Context, customer provider.Customer, metadata provider.PaymentMetadata, successURL, cancelURL string) (*provider.PaymentResult, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.oneTimeCalls++
	p.lastCustomer = customer
	p.lastMetadata = metadata
	p.lastSuccessURL = successURL
	p.lastCancelURL = cancelURL
	return p.createResult, p.createErr
}

func (p *fakeProvider) CreateRecurringPayment(_ context.Context, customer provider.Customer, metadata provider.RecurringMetadata, successURL, cancelURL string) (*provider.PaymentResult, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.recurringCalls++
	p.lastCustomer = customer
	p.lastRecurring = metadata
	p.lastMetadata = metadata.PaymentMetadata
	p.lastSuccessURL = successURL
	p.lastCancelURL = cancelURL
	return p.createResult, p.createErr
}

func (p *fakeProvider) VerifyPayment(context.Context, string) (*provider.VerificationResult, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.verifyCalls++
	return p.verifyResult, p.verifyErr
}

// HandleWebhook returns the configured event. Events without an id take the payload as id.
func (p *fakeProvider) HandleWebhook(_ context.Context, payload []byte, _ string) (*provider.WebhookEvent, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.webhookErr != nil {
		return nil, p.webhookErr
	}
	if p.webhookEvent == nil {
		return nil, nil
	}
	c := *p.webhookEvent
	if c.ID == "" {
		c.ID = string(payload)
	}
	return &c, nil
}

func (p *fakeProvider) setWebhookEvent(event *provider.WebhookEvent) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.webhookEvent = event
	p.webhookErr = nil
}

func (p *fakeProvider) setVerifyResult(result *provider.VerificationResult) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.verifyResult = result
	p.verifyErr = nil
}

type busyLocker struct{}

func (busyLocker) Acquire(context.Context, string) (lock.Release, error) {
	return nil, lock.ErrLockBusy
}

type depositRequest struct {
	userID   string
	email    string
	provider string
	amount   decimal.Decimal
	currency string
}

func (r depositRequest) GetUserID() string          { return r.userID }
func (r depositRequest) GetUserEmail() string       { return r.email }
func (r depositRequest) GetProvider() string        { return r.provider }
func (r depositRequest) GetAmount() decimal.Decimal { return r.amount }
func (r depositRequest) GetCurrency() string        { return r.currency }
func (r depositRequest) GetDescription() string     { return "" }

type purchaseRequest struct {
	userID    string
	provider  string
	planType  string
	planTier  string
	recurring bool
	trialDays int32
}

func (r purchaseRequest) GetUserID() string         { return r.userID }
func (r purchaseRequest) GetUserEmail() string      { return "buyer@example.com" }
func (r purchaseRequest) GetProvider() string       { return r.provider }
func (r purchaseRequest) GetPlanType() string       { return r.planType }
func (r purchaseRequest) GetPlanTier() string       { return r.planTier }
func (r purchaseRequest) GetRecurring() bool        { return r.recurring }
func (r purchaseRequest) GetTrialPeriodDays() int32 { return r.trialDays }

type webhookRequest struct {
	provider  string
	signature string
	payload   []byte
}

func (r webhookRequest) GetProvider() string  { return r.provider }
func (r webhookRequest) GetSignature() string { return r.signature }
func (r webhookRequest) GetPayload() []byte   { return r.payload }

type listRequest struct {
	userID string
	status string
	limit  int32
}

func (r listRequest) GetUserID() string   { return r.userID }
func (r listRequest) GetStatus() string   { return r.status }
func (r listRequest) GetProvider() string { return "" }
func (r listRequest) GetType() string     { return "" }
func (r listRequest) GetLimit() int32     { return r.limit }
func (r listRequest) GetOffset() int32    { return 0 }

var testNow = time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)

func newServiceForTest(gateway *memGateway, providers ...provider.Provider) *PaymentService {
	svc := NewPaymentService(
		gateway,
		provider.NewRegistry(providers...),
		plan.DefaultCatalog(),
		lock.NoopLocker{},
		config.PaymentsConfig{
			SuccessPath:          "/dashboard/payments/success",
			CancelPath:           "/dashboard/payments/cancel",
			WebhookMaxAttempts:   3,
			WebhookRetryInterval: time.Minute,
			PendingTimeout:       time.Hour,
			ReconcileStaleAfter:  10 * time.Minute,
			JobBatchSize:         50,
		},
		"https://proxies.example.com/",
	)
	svc.now = func() time.Time { return testNow }
	return svc
}

func copyMetadata(src map[string]string) map[string]string {
	dst := make(map[string]string, len(src))
	for k, v := range src {
		dst[k] = v
	}
	return dst
}
