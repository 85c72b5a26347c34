package billing

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/MarvinHauser/Sketchly/app/models"
	"gorm.io/gorm"
)

// memLeaseStore is an in-memory LeaseStore. TTL expiry is not simulated; the
// lock manager's own expiry check covers staleness.
type memLeaseStore struct {
	mu   sync.Mutex
	data []byte
}

func (s *memLeaseStore) Create(_ context.Context, data []byte, _ time.Duration) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.data != nil {
		return false, nil
	}
	s.data = append([]byte(nil), data...)
	return true, nil
}

func (s *memLeaseStore) Get(_ context.Context) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.data == nil {
		return nil, nil
	}
	return append([]byte(nil), s.data...), nil
}

func (s *memLeaseStore) Delete(_ context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.data = nil
	return nil
}

// fakeProvider serves canned snapshots.
type fakeProvider struct {
	mu       sync.Mutex
	subs     map[string]SubscriptionSnapshot
	listSubs []SubscriptionSnapshot
	txns     []TransactionSnapshot

	getErrs  []error // popped once per GetSubscription call
	getCalls int
}

func (p *fakeProvider) GetSubscription(_ context.Context, id string) (*SubscriptionSnapshot, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.getCalls++
	if len(p.getErrs) > 0 {
		err := p.getErrs[0]
		p.getErrs = p.getErrs[1:]
		if err != nil {
			return nil, err
		}
	}
	if sub, ok := p.subs[id]; ok {
		out := sub
		return &out, nil
	}
	return nil, ErrNotFound
}

func (p *fakeProvider) ListSubscriptions(_ context.Context, _ ListSubscriptionsParams) ([]SubscriptionSnapshot, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]SubscriptionSnapshot(nil), p.listSubs...), nil
}

func (p *fakeProvider) ListTransactions(_ context.Context, params ListTransactionsParams) ([]TransactionSnapshot, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	var out []TransactionSnapshot
	for _, txn := range p.txns {
		if params.CustomerID != "" && txn.CustomerID != params.CustomerID {
			continue
		}
		out = append(out, txn)
	}
	return out, nil
}

type appliedChange struct {
	accountID uint
	cs        *ChangeSet
}

// fakeRepo is an in-memory Repository recording every applied ChangeSet.
type fakeRepo struct {
	mu             sync.Mutex
	accounts       []*models.Account
	applied        []appliedChange
	applyFailures  int
	applyErr       error
	manualReviewed map[uint]string
	hasWork        bool
	listCalls      int
}

func newFakeRepo(accounts ...*models.Account) *fakeRepo {
	return &fakeRepo{accounts: accounts, manualReviewed: map[uint]string{}}
}

func (r *fakeRepo) ListLinkedAccounts(offset, limit int) ([]models.Account, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.listCalls++
	var linked []models.Account
	for _, acc := range r.accounts {
		if acc.HasProviderLinkage() {
			linked = append(linked, *acc)
		}
	}
	if offset >= len(linked) {
		return nil, nil
	}
	end := offset + limit
	if end > len(linked) {
		end = len(linked)
	}
	return linked[offset:end], nil
}

func (r *fakeRepo) ListExpiredGraceAccounts(now time.Time, _ int) ([]models.Account, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []models.Account
	for _, acc := range r.accounts {
		if acc.GracePeriodEnd != nil && acc.GracePeriodEnd.Before(now) && acc.Status != models.AccountStatusInactive {
			out = append(out, *acc)
		}
	}
	return out, nil
}

func (r *fakeRepo) ListActiveAccounts(_ int) ([]models.Account, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []models.Account
	for _, acc := range r.accounts {
		if acc.Status == models.AccountStatusActive {
			out = append(out, *acc)
		}
	}
	return out, nil
}

func (r *fakeRepo) FindAccountByID(id uint) (*models.Account, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, acc := range r.accounts {
		if acc.ID == id {
			return acc, nil
		}
	}
	return nil, gorm.ErrRecordNotFound
}

func (r *fakeRepo) FindAccountByEmail(email string) (*models.Account, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, acc := range r.accounts {
		if strings.EqualFold(acc.Email, email) {
			return acc, nil
		}
	}
	return nil, gorm.ErrRecordNotFound
}

func (r *fakeRepo) FindAccountByCustomerID(customerID string) (*models.Account, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, acc := range r.accounts {
		if acc.ProviderCustomerID != nil && *acc.ProviderCustomerID == customerID {
			return acc, nil
		}
	}
	return nil, gorm.ErrRecordNotFound
}

func (r *fakeRepo) HasReconcileWork(_ time.Time) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.hasWork, nil
}

func (r *fakeRepo) ApplyChangeSet(_ context.Context, account *models.Account, cs *ChangeSet) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.applyFailures > 0 {
		r.applyFailures--
		return r.applyErr
	}
	r.applied = append(r.applied, appliedChange{accountID: account.ID, cs: cs})
	// Later stages of the same run re-read accounts, so new history rows
	// must become visible like they would in the database.
	for _, stored := range r.accounts {
		if stored.ID != account.ID {
			continue
		}
		for _, p := range cs.NewPayments {
			if !stored.HasPaymentWithTransactionID(p.ProviderTransactionID) {
				stored.PaymentRecords = append(stored.PaymentRecords, p)
			}
		}
		stored.TokenRenewals = append(stored.TokenRenewals, cs.NewRenewals...)
	}
	return nil
}

func (r *fakeRepo) MarkManualReview(_ context.Context, accountID uint, note string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.manualReviewed[accountID] = note
	return nil
}

func (r *fakeRepo) appliedFor(accountID uint) []*ChangeSet {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []*ChangeSet
	for _, a := range r.applied {
		if a.accountID == accountID {
			out = append(out, a.cs)
		}
	}
	return out
}

func testConfig() Config {
	cfg := DefaultConfig()
	cfg.BatchSize = 2
	cfg.MaxApplyRetries = 2
	cfg.ApplyRetryBaseDelay = time.Millisecond
	cfg.RateLimitMaxRequests = 100
	cfg.RateLimitWindow = time.Second
	cfg.RateLimitRetryDelay = time.Millisecond
	cfg.SweepLimit = 50
	return cfg
}

func newTestOrchestrator(repo Repository, provider Provider, cfg Config) (*Orchestrator, *memLeaseStore) {
	store := &memLeaseStore{}
	lock := NewLockManager(store, cfg.LockTTL)
	applier := NewApplier(repo, cfg)
	applier.sleep = func(context.Context, time.Duration) error { return nil }
	return NewOrchestrator(repo, provider, applier, lock, cfg), store
}

func strPtr(s string) *string { return &s }

func timePtr(t time.Time) *time.Time { return &t }
