package billing

import (
	"time"

	"github.com/MarvinHauser/Sketchly/app/models"
	"github.com/MarvinHauser/Sketchly/internal/pkg/plans"
)

// ExternalState is the provider-side view of one account, fetched through
// the gateway before the calculator runs.
type ExternalState struct {
	// Subscription is nil when the account has no subscription reference or
	// the provider no longer knows the subscription.
	Subscription *SubscriptionSnapshot
	// SubscriptionMissing is true when the account references a subscription
	// the provider returned not-found for.
	SubscriptionMissing bool
	// Transactions holds the provider transactions from the trailing window.
	Transactions []TransactionSnapshot
}

// rule inspects local vs. external state and appends its partial diff to cs.
// Returning true stops the remaining rules; the stamp still applies.
type rule func(acc *models.Account, ext ExternalState, cfg Config, now time.Time, cs *ChangeSet) (stop bool)

var rules = []rule{
	ruleSubscriptionMissing,
	ruleStatusTransition,
	rulePlanChange,
	ruleMissedRenewal,
	ruleNextBillingDate,
	ruleTransactionBackfill,
}

// Calculate computes the diff between an account (with payment and renewal
// history preloaded) and its external state. It is pure: calling it twice
// with no new external activity yields only the timestamp/flag stamp the
// second time.
func Calculate(acc *models.Account, ext ExternalState, cfg Config, now time.Time) *ChangeSet {
	cs := NewChangeSet()
	for _, r := range rules {
		if r(acc, ext, cfg, now, cs) {
			break
		}
	}
	stampChecked(cs, now)
	return cs
}

// ruleSubscriptionMissing tombstones accounts whose subscription the
// provider no longer knows. Terminal for the run.
func ruleSubscriptionMissing(acc *models.Account, ext ExternalState, _ Config, _ time.Time, cs *ChangeSet) bool {
	if !ext.SubscriptionMissing {
		return false
	}
	applyTombstone(acc, cs, "subscription_missing")
	return true
}

// ruleStatusTransition aligns the local status with the provider's.
func ruleStatusTransition(acc *models.Account, ext ExternalState, cfg Config, now time.Time, cs *ChangeSet) bool {
	sub := ext.Subscription
	if sub == nil {
		return false
	}

	switch {
	case sub.IsActiveLike() && acc.Status != models.AccountStatusActive:
		cs.Set("status", models.AccountStatusActive)
		cs.Tag("activated")
		if acc.GracePeriodEnd != nil {
			cs.Set("grace_period_end", nil)
			cs.Tag("grace_period_cleared")
		}
		plan, ok := plans.ByPriceID(sub.PriceID)
		if ok && plan.MonthlyCredits > 0 &&
			!acc.HasRecentRenewal(models.RenewalReasonActivationRecovery, cfg.RenewalDedupWindow, now) {
			cs.AddRenewal(models.TokenRenewal{
				AccountID:  acc.ID,
				Reason:     models.RenewalReasonActivationRecovery,
				Amount:     plan.MonthlyCredits,
				OccurredAt: now,
			})
			cs.Tag("credits_restored")
		}

	case sub.Status == SubscriptionStatusCanceled && acc.Status != models.AccountStatusInactive:
		applyTombstone(acc, cs, "subscription_canceled")
		return true

	case sub.Status == SubscriptionStatusPastDue && acc.Status != models.AccountStatusPastDue:
		cs.Set("status", models.AccountStatusPastDue)
		cs.Tag("marked_past_due")
		// A grace period is opened only when none is already open.
		if acc.GracePeriodEnd == nil {
			cs.Set("grace_period_end", now.Add(cfg.GracePeriod()))
			cs.Tag("grace_period_opened")
		}
	}
	return false
}

// rulePlanChange follows provider-side price changes.
func rulePlanChange(acc *models.Account, ext ExternalState, cfg Config, now time.Time, cs *ChangeSet) bool {
	sub := ext.Subscription
	if sub == nil || sub.PriceID == "" {
		return false
	}
	stored := ""
	if acc.PriceID != nil {
		stored = *acc.PriceID
	}
	if sub.PriceID == stored {
		return false
	}

	cs.Set("price_id", sub.PriceID)
	plan, ok := plans.ByPriceID(sub.PriceID)
	if !ok {
		// Price not in the catalog: record it but leave the plan untouched
		// for a human to sort out.
		cs.Tag("unmapped_price")
		return false
	}
	cs.Set("plan_id", string(plan.ID))
	cs.Tag("plan_changed")

	if plan.MonthlyCredits > 0 &&
		!acc.HasRecentRenewal(models.RenewalReasonPlanChangeRecovery, cfg.RenewalDedupWindow, now) {
		cs.AddRenewal(models.TokenRenewal{
			AccountID:  acc.ID,
			Reason:     models.RenewalReasonPlanChangeRecovery,
			Amount:     plan.MonthlyCredits,
			OccurredAt: now,
		})
		cs.Tag("plan_change_credits")
	}
	return false
}

// ruleMissedRenewal detects billing periods that rolled over without a
// webhook and credits the missed allotment.
func ruleMissedRenewal(acc *models.Account, ext ExternalState, cfg Config, now time.Time, cs *ChangeSet) bool {
	sub := ext.Subscription
	if sub == nil || !sub.IsActiveLike() || sub.CurrentPeriodEnd == nil {
		return false
	}

	rolled := acc.SubscriptionEnd != nil && sub.CurrentPeriodEnd.After(*acc.SubscriptionEnd)
	if rolled &&
		!acc.HasRecentRenewal(models.RenewalReasonMissedRenewal, cfg.RenewalDedupWindow, now) {
		cs.AddRenewal(models.TokenRenewal{
			AccountID:  acc.ID,
			Reason:     models.RenewalReasonMissedRenewal,
			Amount:     plans.CreditsFor(acc.PlanID),
			OccurredAt: now,
		})
		cs.Tag("missed_renewal_credited")
	}

	if !timesEqual(acc.SubscriptionEnd, sub.CurrentPeriodEnd) {
		cs.Set("subscription_end", sub.CurrentPeriodEnd)
	}
	if sub.CurrentPeriodStart != nil && !timesEqual(acc.SubscriptionStart, sub.CurrentPeriodStart) {
		cs.Set("subscription_start", sub.CurrentPeriodStart)
	}
	return false
}

// ruleNextBillingDate syncs the stored next-billing date.
func ruleNextBillingDate(acc *models.Account, ext ExternalState, _ Config, _ time.Time, cs *ChangeSet) bool {
	sub := ext.Subscription
	if sub == nil {
		return false
	}
	if !timesEqual(acc.NextBillingAt, sub.NextBilledAt) {
		cs.Set("next_billing_at", sub.NextBilledAt)
		cs.Tag("next_billing_synced")
	}
	return false
}

// ruleTransactionBackfill appends payment records for provider transactions
// that never reached us via webhook.
func ruleTransactionBackfill(acc *models.Account, ext ExternalState, _ Config, _ time.Time, cs *ChangeSet) bool {
	refundSeen := false
	for _, txn := range ext.Transactions {
		if txn.ID == "" || acc.HasPaymentWithTransactionID(txn.ID) {
			continue
		}
		status := MapTransactionStatus(txn.Status)
		cs.AddPayment(models.PaymentRecord{
			AccountID:             acc.ID,
			ProviderTransactionID: txn.ID,
			AmountCents:           txn.AmountCents,
			PaidAt:                txn.CreatedAt,
			CreditsSnapshot:       acc.CreditBalance,
			Status:                status,
			WebhookReceived:       false,
			Reconciled:            true,
		})
		cs.Tag("payment_backfilled:" + txn.ID)
		if status == models.PaymentStatusRefunded {
			refundSeen = true
		}
	}

	// A refund on a currently active account is treated like a provider-side
	// cancellation.
	if refundSeen && acc.Status == models.AccountStatusActive {
		applyTombstone(acc, cs, "refund_downgrade")
	}
	return false
}

// stampChecked always runs, even when no other field changes, so a verified
// no-drift account is distinguishable from one never checked.
func stampChecked(cs *ChangeSet, now time.Time) {
	cs.Set("last_reconcile_check_at", now)
	cs.Set("webhook_failures", 0)
	cs.Set("requires_manual_review", false)
}

// applyTombstone downgrades the account to the free/inactive state with
// cleared external references. Accounts are never deleted.
func applyTombstone(acc *models.Account, cs *ChangeSet, reason string) {
	cs.Set("status", models.AccountStatusInactive)
	cs.Set("plan_id", string(plans.PlanFree))
	cs.Set("credit_balance", int64(0))
	cs.Set("provider_subscription_id", nil)
	cs.Set("provider_customer_id", nil)
	cs.Set("price_id", nil)
	cs.Set("next_billing_at", nil)
	if acc.GracePeriodEnd != nil {
		cs.Set("grace_period_end", nil)
	}
	cs.Tag("tombstoned:" + reason)
}

func timesEqual(a, b *time.Time) bool {
	if a == nil || b == nil {
		return a == b
	}
	return a.Equal(*b)
}
