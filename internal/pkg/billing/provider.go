package billing

import (
	"context"
	"strings"
	"time"

	"github.com/MarvinHauser/Sketchly/app/models"
)

// Provider subscription status values as reported by the billing provider.
const (
	SubscriptionStatusActive   = "active"
	SubscriptionStatusTrialing = "trialing"
	SubscriptionStatusPastDue  = "past_due"
	SubscriptionStatusPaused   = "paused"
	SubscriptionStatusCanceled = "canceled"
)

// SubscriptionSnapshot is a read-only view of a provider subscription.
type SubscriptionSnapshot struct {
	ID                 string
	CustomerID         string
	Status             string
	PriceID            string
	BillingCycle       string
	CurrentPeriodStart *time.Time
	CurrentPeriodEnd   *time.Time
	NextBilledAt       *time.Time
	CreatedAt          time.Time
	CustomData         map[string]string
}

// IsActiveLike reports whether the subscription entitles the customer.
func (s *SubscriptionSnapshot) IsActiveLike() bool {
	switch s.Status {
	case SubscriptionStatusActive, SubscriptionStatusTrialing:
		return true
	default:
		return false
	}
}

// TransactionSnapshot is a read-only view of a provider transaction.
type TransactionSnapshot struct {
	ID             string
	CustomerID     string
	SubscriptionID string
	Status         string
	AmountCents    int64
	CreatedAt      time.Time
}

// ListSubscriptionsParams filters provider subscription listings.
type ListSubscriptionsParams struct {
	Status       string
	UpdatedAfter *time.Time
}

// ListTransactionsParams filters provider transaction listings.
type ListTransactionsParams struct {
	CustomerID   string
	CreatedAfter *time.Time
}

// Provider is the read-only interface to the external billing provider. This
// engine never issues writes against the provider.
type Provider interface {
	GetSubscription(ctx context.Context, subscriptionID string) (*SubscriptionSnapshot, error)
	ListSubscriptions(ctx context.Context, params ListSubscriptionsParams) ([]SubscriptionSnapshot, error)
	ListTransactions(ctx context.Context, params ListTransactionsParams) ([]TransactionSnapshot, error)
}

// MapTransactionStatus converts a provider transaction status to a local
// payment record status.
func MapTransactionStatus(providerStatus string) string {
	switch strings.ToLower(strings.TrimSpace(providerStatus)) {
	case "completed", "paid", "billed":
		return models.PaymentStatusSuccess
	case "refunded", "partially_refunded":
		return models.PaymentStatusRefunded
	case "payment_failed", "failed", "declined":
		return models.PaymentStatusFailed
	case "canceled", "cancelled":
		return models.PaymentStatusCancelled
	default:
		return models.PaymentStatusPending
	}
}
