package mapper

import (
	"time"

	"github.com/vibast-solutions/ms-go-proxy-payments/app/entity"
	"github.com/vibast-solutions/ms-go-proxy-payments/app/types"
)

func PaymentToResponse(item *entity.Payment) *types.Payment {
	if item == nil {
		return nil
	}

	return &types.Payment{
		OrderID:                item.OrderID,
		UserID:                 item.UserID,
		UserEmail:              item.UserEmail,
		Provider:               string(item.Provider),
		Type:                   string(item.Type),
		Status:                 string(item.Status),
		Amount:                 item.Amount.StringFixed(2),
		Currency:               item.Currency,
		PlanType:               derefString(item.PlanType),
		PlanTier:               derefString(item.PlanTier),
		Recurring:              item.Recurring,
		RecurringInterval:      derefString(item.RecurringInterval),
		RecurringIntervalCount: derefInt32(item.RecurringIntervalCount),
		TrialPeriodDays:        derefInt32(item.TrialPeriodDays),
		ProviderPaymentID:      derefString(item.ProviderPaymentID),
		ProviderReference:      derefString(item.ProviderReference),
		ProviderSubscriptionID: derefString(item.ProviderSubscriptionID),
		CheckoutURL:            derefString(item.CheckoutURL),
		FailureReason:          derefString(item.FailureReason),
		Metadata:               cloneMetadata(item.Metadata),
		CompletedAt:            utcPtr(item.CompletedAt),
		CreatedAt:              item.CreatedAt.UTC(),
		UpdatedAt:              item.UpdatedAt.UTC(),
	}
}

func PaymentsToResponse(items []*entity.Payment) []*types.Payment {
	result := make([]*types.Payment, 0, len(items))
	for _, item := range items {
		if mapped := PaymentToResponse(item); mapped != nil {
			result = append(result, mapped)
		}
	}
	return result
}

func TransactionsToResponse(items []*entity.Transaction) []*types.Transaction {
	result := make([]*types.Transaction, 0, len(items))
	for _, item := range items {
		if item == nil {
			continue
		}
		result = append(result, &types.Transaction{
			OrderID:   item.OrderID,
			Type:      string(item.Type),
			Amount:    item.Amount.StringFixed(2),
			Currency:  item.Currency,
			Provider:  string(item.Provider),
			CreatedAt: item.CreatedAt.UTC(),
		})
	}
	return result
}

func WalletsToResponse(userID string, items []*entity.Wallet) *types.WalletResponse {
	balances := make([]*types.WalletBalance, 0, len(items))
	for _, item := range items {
		if item == nil {
			continue
		}
		balances = append(balances, &types.WalletBalance{
			Currency:  item.Currency,
			Balance:   item.Balance.StringFixed(2),
			UpdatedAt: item.UpdatedAt.UTC(),
		})
	}
	return &types.WalletResponse{UserID: userID, Balances: balances}
}

func PlansToResponse(userID string, items []*entity.ProxyPlan) *types.PlansResponse {
	plans := make([]*types.ProxyPlan, 0, len(items))
	for _, item := range items {
		if item == nil {
			continue
		}
		plans = append(plans, &types.ProxyPlan{
			PlanType:          item.PlanType,
			PlanTier:          item.PlanTier,
			BandwidthGB:       item.BandwidthGB,
			Status:            string(item.Status),
			ExpiresAt:         utcPtr(item.ExpiresAt),
			RenewsAt:          utcPtr(item.RenewsAt),
			AutoRenew:         item.AutoRenew,
			SubscriptionID:    derefString(item.SubscriptionID),
			CancelAtPeriodEnd: item.CancelAtPeriodEnd,
			CancelAt:          utcPtr(item.CancelAt),
			LastOrderID:       item.LastOrderID,
			UpdatedAt:         item.UpdatedAt.UTC(),
		})
	}
	return &types.PlansResponse{UserID: userID, Plans: plans}
}

func WebhookEventToResponse(item *entity.WebhookEvent) *types.WebhookResponse {
	if item == nil {
		return &types.WebhookResponse{Received: true}
	}
	return &types.WebhookResponse{
		Received: true,
		EventID:  item.EventID,
		Status:   string(item.Status),
	}
}

func derefString(value *string) string {
	if value == nil {
		return ""
	}
	return *value
}

func derefInt32(value *int32) int32 {
	if value == nil {
		return 0
	}
	return *value
}

func utcPtr(value *time.Time) *time.Time {
	if value == nil {
		return nil
	}
	t := value.UTC()
	return &t
}

func cloneMetadata(in map[string]string) map[string]string {
	if len(in) == 0 {
		return nil
	}
	out := make(map[string]string, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}
