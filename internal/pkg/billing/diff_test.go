package billing

import (
	"testing"
	"time"

	"github.com/MarvinHauser/Sketchly/app/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func activeProAccount(now time.Time) *models.Account {
	start := now.AddDate(0, -1, 0)
	end := now.AddDate(0, 0, 14)
	return &models.Account{
		ID:                     42,
		Email:                  "pro@example.com",
		ProviderCustomerID:     strPtr("ctm_100"),
		ProviderSubscriptionID: strPtr("sub_100"),
		PlanID:                 "pro",
		PriceID:                strPtr("pri_pro_monthly"),
		Status:                 models.AccountStatusActive,
		CreditBalance:          5000,
		BillingCycle:           models.BillingCycleMonth,
		SubscriptionStart:      &start,
		SubscriptionEnd:        &end,
		NextBillingAt:          &end,
	}
}

func matchingSnapshot(acc *models.Account) *SubscriptionSnapshot {
	return &SubscriptionSnapshot{
		ID:                 *acc.ProviderSubscriptionID,
		CustomerID:         *acc.ProviderCustomerID,
		Status:             SubscriptionStatusActive,
		PriceID:            *acc.PriceID,
		BillingCycle:       acc.BillingCycle,
		CurrentPeriodStart: acc.SubscriptionStart,
		CurrentPeriodEnd:   acc.SubscriptionEnd,
		NextBilledAt:       acc.NextBillingAt,
	}
}

func TestCalculateInSyncAccountOnlyStamps(t *testing.T) {
	now := time.Now()
	acc := activeProAccount(now)
	ext := ExternalState{Subscription: matchingSnapshot(acc)}

	cs := Calculate(acc, ext, DefaultConfig(), now)

	assert.False(t, cs.Substantive())
	assert.Empty(t, cs.NewPayments)
	assert.Empty(t, cs.NewRenewals)
	assert.Len(t, cs.Updates, 3)
	assert.Contains(t, cs.Updates, "last_reconcile_check_at")
	assert.Equal(t, 0, cs.Updates["webhook_failures"])
	assert.Equal(t, false, cs.Updates["requires_manual_review"])
}

func TestCalculateCanceledSubscriptionTombstones(t *testing.T) {
	now := time.Now()
	acc := activeProAccount(now)
	sub := matchingSnapshot(acc)
	sub.Status = SubscriptionStatusCanceled
	ext := ExternalState{Subscription: sub}

	cs := Calculate(acc, ext, DefaultConfig(), now)

	require.True(t, cs.Substantive())
	assert.Equal(t, models.AccountStatusInactive, cs.Updates["status"])
	assert.Equal(t, "free", cs.Updates["plan_id"])
	assert.Equal(t, int64(0), cs.Updates["credit_balance"])
	assert.Nil(t, cs.Updates["provider_subscription_id"])
	assert.Nil(t, cs.Updates["provider_customer_id"])
	assert.Nil(t, cs.Updates["price_id"])
	assert.Contains(t, cs.Tags, "tombstoned:subscription_canceled")
	// Terminal rule: no renewal or payment may be stacked on a tombstone.
	assert.Empty(t, cs.NewRenewals)
	assert.Empty(t, cs.NewPayments)
}

func TestCalculateMissingSubscriptionTombstones(t *testing.T) {
	now := time.Now()
	acc := activeProAccount(now)
	ext := ExternalState{SubscriptionMissing: true}

	cs := Calculate(acc, ext, DefaultConfig(), now)

	assert.Equal(t, models.AccountStatusInactive, cs.Updates["status"])
	assert.Contains(t, cs.Tags, "tombstoned:subscription_missing")
	assert.Contains(t, cs.Updates, "last_reconcile_check_at")
}

func TestCalculateTombstoneIsIdempotent(t *testing.T) {
	now := time.Now()
	// Account already downgraded: no refs, free plan, zero balance.
	acc := &models.Account{
		ID:     42,
		Email:  "gone@example.com",
		PlanID: "free",
		Status: models.AccountStatusInactive,
	}
	cs := Calculate(acc, ExternalState{}, DefaultConfig(), now)

	assert.False(t, cs.Substantive())
}

func TestCalculateActivationRestoresCreditsOnce(t *testing.T) {
	now := time.Now()
	cfg := DefaultConfig()
	acc := activeProAccount(now)
	acc.Status = models.AccountStatusInactive
	grace := now.Add(-time.Hour)
	acc.GracePeriodEnd = &grace

	cs := Calculate(acc, ExternalState{Subscription: matchingSnapshot(acc)}, cfg, now)

	assert.Equal(t, models.AccountStatusActive, cs.Updates["status"])
	assert.Nil(t, cs.Updates["grace_period_end"])
	require.Len(t, cs.NewRenewals, 1)
	assert.Equal(t, models.RenewalReasonActivationRecovery, cs.NewRenewals[0].Reason)
	assert.Equal(t, int64(5000), cs.NewRenewals[0].Amount)
	assert.Equal(t, int64(5000), cs.CreditDelta)

	// Same drift seen again within the dedup window must not double-credit.
	acc.TokenRenewals = append(acc.TokenRenewals, models.TokenRenewal{
		AccountID:  acc.ID,
		Reason:     models.RenewalReasonActivationRecovery,
		Amount:     5000,
		OccurredAt: now,
	})
	cs2 := Calculate(acc, ExternalState{Subscription: matchingSnapshot(acc)}, cfg, now.Add(time.Minute))
	assert.Empty(t, cs2.NewRenewals)
	assert.Zero(t, cs2.CreditDelta)
}

func TestCalculatePastDueOpensGracePeriodOnce(t *testing.T) {
	now := time.Now()
	cfg := DefaultConfig()
	acc := activeProAccount(now)
	sub := matchingSnapshot(acc)
	sub.Status = SubscriptionStatusPastDue
	ext := ExternalState{Subscription: sub}

	cs := Calculate(acc, ext, cfg, now)

	assert.Equal(t, models.AccountStatusPastDue, cs.Updates["status"])
	deadline, ok := cs.Updates["grace_period_end"].(time.Time)
	require.True(t, ok)
	assert.WithinDuration(t, now.Add(cfg.GracePeriod()), deadline, time.Second)

	// Second pass after the first one applied: status already past_due with
	// an open grace period. The deadline must not move.
	acc.Status = models.AccountStatusPastDue
	acc.GracePeriodEnd = &deadline
	cs2 := Calculate(acc, ext, cfg, now.Add(time.Hour))
	assert.NotContains(t, cs2.Updates, "grace_period_end")
	assert.False(t, cs2.Substantive())
}

func TestCalculatePlanChange(t *testing.T) {
	now := time.Now()
	cfg := DefaultConfig()

	t.Run("upgrade credits new plan", func(t *testing.T) {
		acc := activeProAccount(now)
		acc.PlanID = "starter"
		acc.PriceID = strPtr("pri_starter_monthly")
		sub := matchingSnapshot(acc)
		sub.PriceID = "pri_pro_monthly"

		cs := Calculate(acc, ExternalState{Subscription: sub}, cfg, now)

		assert.Equal(t, "pri_pro_monthly", cs.Updates["price_id"])
		assert.Equal(t, "pro", cs.Updates["plan_id"])
		require.Len(t, cs.NewRenewals, 1)
		assert.Equal(t, models.RenewalReasonPlanChangeRecovery, cs.NewRenewals[0].Reason)
		assert.Equal(t, int64(5000), cs.NewRenewals[0].Amount)
	})

	t.Run("recent renewal suppresses credits but not plan", func(t *testing.T) {
		acc := activeProAccount(now)
		acc.PlanID = "starter"
		acc.PriceID = strPtr("pri_starter_monthly")
		acc.TokenRenewals = []models.TokenRenewal{{
			AccountID:  acc.ID,
			Reason:     models.RenewalReasonPlanChangeRecovery,
			Amount:     5000,
			OccurredAt: now.Add(-time.Hour),
		}}
		sub := matchingSnapshot(acc)
		sub.PriceID = "pri_pro_monthly"

		cs := Calculate(acc, ExternalState{Subscription: sub}, cfg, now)

		assert.Equal(t, "pro", cs.Updates["plan_id"])
		assert.Empty(t, cs.NewRenewals)
	})

	t.Run("unmapped price keeps plan", func(t *testing.T) {
		acc := activeProAccount(now)
		sub := matchingSnapshot(acc)
		sub.PriceID = "pri_mystery_yearly"

		cs := Calculate(acc, ExternalState{Subscription: sub}, cfg, now)

		assert.Equal(t, "pri_mystery_yearly", cs.Updates["price_id"])
		assert.NotContains(t, cs.Updates, "plan_id")
		assert.Contains(t, cs.Tags, "unmapped_price")
		assert.Empty(t, cs.NewRenewals)
	})
}

func TestCalculateMissedRenewal(t *testing.T) {
	now := time.Now()
	cfg := DefaultConfig()
	acc := activeProAccount(now)
	sub := matchingSnapshot(acc)
	newEnd := acc.SubscriptionEnd.AddDate(0, 1, 0)
	newStart := *acc.SubscriptionEnd
	sub.CurrentPeriodEnd = &newEnd
	sub.CurrentPeriodStart = &newStart

	cs := Calculate(acc, ExternalState{Subscription: sub}, cfg, now)

	require.Len(t, cs.NewRenewals, 1)
	assert.Equal(t, models.RenewalReasonMissedRenewal, cs.NewRenewals[0].Reason)
	assert.Equal(t, int64(5000), cs.NewRenewals[0].Amount)
	assert.Equal(t, &newEnd, cs.Updates["subscription_end"])
	assert.Equal(t, &newStart, cs.Updates["subscription_start"])

	// Once applied, the bounds match and nothing further is credited.
	acc.SubscriptionStart = &newStart
	acc.SubscriptionEnd = &newEnd
	acc.TokenRenewals = cs.NewRenewals
	cs2 := Calculate(acc, ExternalState{Subscription: sub}, cfg, now.Add(time.Minute))
	assert.False(t, cs2.Substantive())
}

func TestCalculateNextBillingDateSync(t *testing.T) {
	now := time.Now()
	acc := activeProAccount(now)
	sub := matchingSnapshot(acc)
	shifted := acc.NextBillingAt.Add(48 * time.Hour)
	sub.NextBilledAt = &shifted

	cs := Calculate(acc, ExternalState{Subscription: sub}, DefaultConfig(), now)

	assert.Equal(t, &shifted, cs.Updates["next_billing_at"])
	assert.Contains(t, cs.Tags, "next_billing_synced")
}

func TestCalculateTransactionBackfill(t *testing.T) {
	now := time.Now()
	acc := activeProAccount(now)
	acc.PaymentRecords = []models.PaymentRecord{{
		AccountID:             acc.ID,
		ProviderTransactionID: "txn_known",
		Status:                models.PaymentStatusSuccess,
	}}
	ext := ExternalState{
		Subscription: matchingSnapshot(acc),
		Transactions: []TransactionSnapshot{
			{ID: "txn_known", CustomerID: "ctm_100", Status: "completed", AmountCents: 2900, CreatedAt: now.Add(-time.Hour)},
			{ID: "txn_new", CustomerID: "ctm_100", Status: "completed", AmountCents: 2900, CreatedAt: now.Add(-time.Minute)},
		},
	}

	cs := Calculate(acc, ext, DefaultConfig(), now)

	require.Len(t, cs.NewPayments, 1)
	p := cs.NewPayments[0]
	assert.Equal(t, "txn_new", p.ProviderTransactionID)
	assert.Equal(t, models.PaymentStatusSuccess, p.Status)
	assert.True(t, p.Reconciled)
	assert.False(t, p.WebhookReceived)
	assert.Equal(t, acc.CreditBalance, p.CreditsSnapshot)
}

func TestCalculateRefundDowngradesActiveAccount(t *testing.T) {
	now := time.Now()
	acc := activeProAccount(now)
	ext := ExternalState{
		Subscription: matchingSnapshot(acc),
		Transactions: []TransactionSnapshot{
			{ID: "txn_refund", CustomerID: "ctm_100", Status: "refunded", AmountCents: 2900, CreatedAt: now.Add(-time.Hour)},
		},
	}

	cs := Calculate(acc, ext, DefaultConfig(), now)

	require.Len(t, cs.NewPayments, 1)
	assert.Equal(t, models.PaymentStatusRefunded, cs.NewPayments[0].Status)
	assert.Equal(t, models.AccountStatusInactive, cs.Updates["status"])
	assert.Contains(t, cs.Tags, "tombstoned:refund_downgrade")
}

func TestMapTransactionStatus(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"completed", models.PaymentStatusSuccess},
		{"PAID", models.PaymentStatusSuccess},
		{"billed", models.PaymentStatusSuccess},
		{"refunded", models.PaymentStatusRefunded},
		{"payment_failed", models.PaymentStatusFailed},
		{"declined", models.PaymentStatusFailed},
		{"canceled", models.PaymentStatusCancelled},
		{"something_else", models.PaymentStatusPending},
		{"", models.PaymentStatusPending},
	}
	for _, tt := range tests {
		if got := MapTransactionStatus(tt.in); got != tt.want {
			t.Errorf("MapTransactionStatus(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}
