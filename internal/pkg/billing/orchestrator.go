package billing

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/MarvinHauser/Sketchly/app/models"
	"github.com/MarvinHauser/Sketchly/internal/pkg/metrics/counter"
	"github.com/MarvinHauser/Sketchly/internal/pkg/plans"
	"github.com/gofiber/fiber/v2/log"
	"gorm.io/gorm"
)

// Orchestrator drives one reconciliation run: lost-user recovery, the paged
// full sync and the follow-up sweeps, all under the lock and the breaker.
type Orchestrator struct {
	repo     Repository
	provider Provider
	applier  *Applier
	lock     *LockManager
	breaker  *Breaker
	cfg      Config

	mu        sync.Mutex
	running   bool
	lastMode  Mode
	lastRunAt *time.Time
}

// RunStatus is the admin-facing view of the orchestrator.
type RunStatus struct {
	Running    bool       `json:"running"`
	Mode       Mode       `json:"mode"`
	ErrorCount int        `json:"error_count"`
	LastRunAt  *time.Time `json:"last_run_at,omitempty"`
}

func NewOrchestrator(repo Repository, provider Provider, applier *Applier, lock *LockManager, cfg Config) *Orchestrator {
	return &Orchestrator{
		repo:     repo,
		provider: provider,
		applier:  applier,
		lock:     lock,
		breaker:  NewBreaker(cfg.ErrorThreshold),
		cfg:      cfg,
	}
}

// IsRunning reports whether a run is currently active in this process.
func (o *Orchestrator) IsRunning() bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.running
}

// Status returns the current run state for the admin surface.
func (o *Orchestrator) Status() RunStatus {
	o.mu.Lock()
	defer o.mu.Unlock()
	return RunStatus{
		Running:    o.running,
		Mode:       o.lastMode,
		ErrorCount: o.breaker.Errors(),
		LastRunAt:  o.lastRunAt,
	}
}

// Run executes one reconciliation pass. When another run holds the lock the
// pass is skipped; that is not an error.
func (o *Orchestrator) Run(ctx context.Context, mode Mode) error {
	acquired, err := o.lock.Acquire(ctx)
	if err != nil {
		return fmt.Errorf("acquire reconcile lock: %w", err)
	}
	if !acquired {
		log.Infof("[Reconciler] Another run holds the lock, skipping (mode=%s)", mode)
		return nil
	}

	o.setRunning(true, mode)
	defer func() {
		// The lock must go back even when a stage panicked mid-run.
		if rerr := o.lock.Release(context.Background()); rerr != nil {
			log.Errorf("[Reconciler] Failed to release lock: %v", rerr)
		}
		o.setRunning(false, mode)
	}()

	start := time.Now()
	o.breaker.Reset()
	log.Infof("[Reconciler] Run starting (mode=%s)", mode)

	o.recoverLostUsers(ctx)

	if mode != ModeEmergency {
		if !o.breaker.ShouldStop() {
			o.fullSync(ctx)
		}
		if !o.breaker.ShouldStop() {
			o.sweepExpiredGrace(ctx)
		}
		if !o.breaker.ShouldStop() {
			o.sweepActiveAccounts(ctx)
		}
		if !o.breaker.ShouldStop() {
			o.sweepRecentTransactions(ctx)
		}
	}

	errCount := o.breaker.Errors()
	if o.breaker.ShouldStop() {
		log.Warnf("[Reconciler] Run ended early after %d errors (mode=%s, took=%s)",
			errCount, mode, time.Since(start))
	} else {
		o.breaker.Reset()
		log.Infof("[Reconciler] Run completed (mode=%s, took=%s)", mode, time.Since(start))
	}
	if err := counter.RecordRun(string(mode), errCount); err != nil {
		log.Debugf("[Reconciler] Run counter update failed: %v", err)
	}
	return nil
}

func (o *Orchestrator) setRunning(running bool, mode Mode) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.running = running
	o.lastMode = mode
	if running {
		now := time.Now()
		o.lastRunAt = &now
	}
}

// fullSync paginates all externally linked accounts in fixed-size batches.
// Accounts within a batch are processed concurrently; the breaker is checked
// between batches.
func (o *Orchestrator) fullSync(ctx context.Context) {
	offset := 0
	for {
		accounts, err := o.repo.ListLinkedAccounts(offset, o.cfg.BatchSize)
		if err != nil {
			log.Errorf("[Reconciler] Listing linked accounts failed at offset %d: %v", offset, err)
			o.breaker.Record()
			return
		}
		if len(accounts) == 0 {
			return
		}

		o.processBatch(ctx, accounts)

		if o.breaker.ShouldStop() {
			log.Warnf("[Reconciler] Circuit breaker tripped, stopping pagination at offset %d", offset)
			return
		}
		offset += len(accounts)
	}
}

// processBatch fans the batch out concurrently. One account's failure never
// aborts its siblings; every outcome is collected before returning.
func (o *Orchestrator) processBatch(ctx context.Context, accounts []models.Account) {
	var wg sync.WaitGroup
	for i := range accounts {
		account := accounts[i]
		wg.Add(1)
		go func() {
			defer wg.Done()
			defer func() {
				if r := recover(); r != nil {
					log.Errorf("[Reconciler] Panic processing account %d: %v", account.ID, r)
					o.breaker.Record()
				}
			}()
			if err := o.processAccount(ctx, &account); err != nil {
				log.Errorf("[Reconciler] Account %d failed: %v", account.ID, err)
				o.breaker.Record()
			}
		}()
	}
	wg.Wait()
}

// processAccount fetches the provider view, computes the diff and applies it.
func (o *Orchestrator) processAccount(ctx context.Context, account *models.Account) error {
	ext, err := o.fetchExternalState(ctx, account)
	if err != nil {
		return fmt.Errorf("fetch external state: %w", err)
	}
	cs := Calculate(account, ext, o.cfg, time.Now())
	return o.applier.Apply(ctx, account, cs)
}

func (o *Orchestrator) fetchExternalState(ctx context.Context, account *models.Account) (ExternalState, error) {
	var ext ExternalState

	if account.ProviderSubscriptionID != nil {
		sub, err := o.provider.GetSubscription(ctx, *account.ProviderSubscriptionID)
		switch {
		case errors.Is(err, ErrNotFound):
			ext.SubscriptionMissing = true
		case err != nil:
			return ext, err
		default:
			ext.Subscription = sub
		}
	}

	if account.ProviderCustomerID != nil {
		since := time.Now().AddDate(0, 0, -o.cfg.TransactionLookbackDays)
		txns, err := o.provider.ListTransactions(ctx, ListTransactionsParams{
			CustomerID:   *account.ProviderCustomerID,
			CreatedAfter: &since,
		})
		if err != nil {
			return ext, err
		}
		ext.Transactions = txns
	}

	return ext, nil
}

// recoverLostUsers repairs accounts that never received their first webhook:
// recently updated active subscriptions are matched back to local accounts
// via custom-data hints and back-filled.
func (o *Orchestrator) recoverLostUsers(ctx context.Context) {
	since := time.Now().AddDate(0, 0, -o.cfg.LostUserLookbackDays)
	subs, err := o.provider.ListSubscriptions(ctx, ListSubscriptionsParams{
		Status:       SubscriptionStatusActive,
		UpdatedAfter: &since,
	})
	if err != nil {
		log.Errorf("[Reconciler] Lost-user subscription listing failed: %v", err)
		o.breaker.Record()
		return
	}

	recovered := 0
	for i := range subs {
		if o.breaker.ShouldStop() {
			log.Warnf("[Reconciler] Circuit breaker tripped during lost-user recovery")
			return
		}
		done, err := o.recoverLostUser(ctx, &subs[i])
		if err != nil {
			log.Errorf("[Reconciler] Lost-user recovery for subscription %s failed: %v", subs[i].ID, err)
			o.breaker.Record()
			continue
		}
		if done {
			recovered++
		}
	}
	if recovered > 0 {
		log.Infof("[Reconciler] Lost-user recovery linked %d accounts", recovered)
		if err := counter.AddRecovered(recovered); err != nil {
			log.Debugf("[Reconciler] Recovery counter update failed: %v", err)
		}
	}
}

func (o *Orchestrator) recoverLostUser(ctx context.Context, sub *SubscriptionSnapshot) (bool, error) {
	if !sub.IsActiveLike() {
		return false, nil
	}

	account, err := o.resolveLostAccount(sub)
	if err != nil {
		return false, err
	}
	if account == nil {
		return false, nil
	}

	now := time.Now()
	// Already correctly linked and billed into the future: nothing to repair.
	if account.ProviderSubscriptionID != nil && *account.ProviderSubscriptionID == sub.ID &&
		account.NextBillingAt != nil && account.NextBillingAt.After(now) {
		return false, nil
	}

	cs := NewChangeSet()
	cs.Set("provider_customer_id", sub.CustomerID)
	cs.Set("provider_subscription_id", sub.ID)
	cs.Set("status", models.AccountStatusActive)
	cs.Set("billing_cycle", normalizeCycle(sub.BillingCycle))
	if sub.CurrentPeriodStart != nil {
		cs.Set("subscription_start", sub.CurrentPeriodStart)
	}
	if sub.CurrentPeriodEnd != nil {
		cs.Set("subscription_end", sub.CurrentPeriodEnd)
	}
	cs.Set("next_billing_at", sub.NextBilledAt)
	cs.Tag("lost_user_recovered:" + sub.ID)

	if sub.PriceID != "" {
		cs.Set("price_id", sub.PriceID)
		plan, ok := plans.ByPriceID(sub.PriceID)
		if ok {
			cs.Set("plan_id", string(plan.ID))
			if plan.MonthlyCredits > 0 &&
				!account.HasRecentRenewal(models.RenewalReasonLostUserRecovery, o.cfg.RenewalDedupWindow, now) {
				cs.AddRenewal(models.TokenRenewal{
					AccountID:  account.ID,
					Reason:     models.RenewalReasonLostUserRecovery,
					Amount:     plan.MonthlyCredits,
					OccurredAt: now,
				})
			}
		} else {
			cs.Tag("unmapped_price")
		}
	}

	// Subscriptions younger than a week almost certainly never had their
	// first payment webhook; synthesize the record.
	recoveredTxnID := "rcv_" + sub.ID
	if now.Sub(sub.CreatedAt) <= 7*24*time.Hour && !account.HasPaymentWithTransactionID(recoveredTxnID) {
		cs.AddPayment(models.PaymentRecord{
			AccountID:             account.ID,
			ProviderTransactionID: recoveredTxnID,
			PaidAt:                sub.CreatedAt,
			CreditsSnapshot:       account.CreditBalance,
			Status:                models.PaymentStatusSuccess,
			WebhookReceived:       false,
			Reconciled:            true,
		})
		cs.Tag("recovered_payment")
	}

	stampChecked(cs, now)
	if err := o.applier.Apply(ctx, account, cs); err != nil {
		return false, err
	}
	return true, nil
}

// resolveLostAccount matches a subscription to a local account via the
// account-id hint first, then the email hint.
func (o *Orchestrator) resolveLostAccount(sub *SubscriptionSnapshot) (*models.Account, error) {
	if hint := sub.CustomData["account_id"]; hint != "" {
		id, err := strconv.ParseUint(hint, 10, 64)
		if err == nil {
			account, ferr := o.repo.FindAccountByID(uint(id))
			if ferr == nil {
				return account, nil
			}
			if !errors.Is(ferr, gorm.ErrRecordNotFound) {
				return nil, ferr
			}
		}
	}
	if hint := sub.CustomData["email"]; hint != "" {
		account, err := o.repo.FindAccountByEmail(hint)
		if err == nil {
			return account, nil
		}
		if !errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, err
		}
	}
	return nil, nil
}

// sweepExpiredGrace downgrades accounts whose grace period ran out without a
// recovery.
func (o *Orchestrator) sweepExpiredGrace(ctx context.Context) {
	now := time.Now()
	accounts, err := o.repo.ListExpiredGraceAccounts(now, o.cfg.SweepLimit)
	if err != nil {
		log.Errorf("[Reconciler] Expired-grace listing failed: %v", err)
		o.breaker.Record()
		return
	}
	for i := range accounts {
		if o.breaker.ShouldStop() {
			return
		}
		account := &accounts[i]
		cs := NewChangeSet()
		applyTombstone(account, cs, "grace_period_expired")
		stampChecked(cs, now)
		if err := o.applier.Apply(ctx, account, cs); err != nil {
			log.Errorf("[Reconciler] Grace expiry downgrade for account %d failed: %v", account.ID, err)
			o.breaker.Record()
		}
	}
	if len(accounts) > 0 {
		log.Infof("[Reconciler] Grace sweep handled %d accounts", len(accounts))
	}
}

// sweepActiveAccounts revalidates active accounts against the provider.
func (o *Orchestrator) sweepActiveAccounts(ctx context.Context) {
	accounts, err := o.repo.ListActiveAccounts(o.cfg.SweepLimit)
	if err != nil {
		log.Errorf("[Reconciler] Active-account listing failed: %v", err)
		o.breaker.Record()
		return
	}
	for i := range accounts {
		if o.breaker.ShouldStop() {
			return
		}
		if err := o.processAccount(ctx, &accounts[i]); err != nil {
			log.Errorf("[Reconciler] Active validation for account %d failed: %v", accounts[i].ID, err)
			o.breaker.Record()
		}
	}
}

// sweepRecentTransactions reconciles every account implicated by a provider
// transaction from the last 24 hours.
func (o *Orchestrator) sweepRecentTransactions(ctx context.Context) {
	since := time.Now().Add(-24 * time.Hour)
	txns, err := o.provider.ListTransactions(ctx, ListTransactionsParams{CreatedAfter: &since})
	if err != nil {
		log.Errorf("[Reconciler] Recent-transaction listing failed: %v", err)
		o.breaker.Record()
		return
	}

	seen := make(map[string]struct{}, len(txns))
	for _, txn := range txns {
		if o.breaker.ShouldStop() {
			return
		}
		if txn.CustomerID == "" {
			continue
		}
		if _, done := seen[txn.CustomerID]; done {
			continue
		}
		seen[txn.CustomerID] = struct{}{}

		account, err := o.repo.FindAccountByCustomerID(txn.CustomerID)
		if err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				continue
			}
			log.Errorf("[Reconciler] Customer lookup %s failed: %v", txn.CustomerID, err)
			o.breaker.Record()
			continue
		}
		if err := o.processAccount(ctx, account); err != nil {
			log.Errorf("[Reconciler] Transaction sweep for account %d failed: %v", account.ID, err)
			o.breaker.Record()
		}
	}
}

func normalizeCycle(cycle string) string {
	switch cycle {
	case models.BillingCycleMonth, models.BillingCycleYear:
		return cycle
	default:
		return models.BillingCycleUnknown
	}
}
