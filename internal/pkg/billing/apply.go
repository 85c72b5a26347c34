package billing

import (
	"context"
	"fmt"
	"time"

	"github.com/MarvinHauser/Sketchly/app/models"
	"github.com/MarvinHauser/Sketchly/internal/pkg/metrics/counter"
	"github.com/gofiber/fiber/v2/log"
)

// Applier commits ChangeSets with bounded retries and manual-review
// escalation when the store keeps failing.
type Applier struct {
	repo       Repository
	maxRetries int
	baseDelay  time.Duration

	sleep func(ctx context.Context, d time.Duration) error
}

func NewApplier(repo Repository, cfg Config) *Applier {
	return &Applier{
		repo:       repo,
		maxRetries: cfg.MaxApplyRetries,
		baseDelay:  cfg.ApplyRetryBaseDelay,
		sleep:      sleepContext,
	}
}

// Apply commits the ChangeSet, retrying with exponential backoff. After the
// retries are exhausted the account is flagged for manual review; a failure
// of that escalation write is propagated to the caller.
func (a *Applier) Apply(ctx context.Context, account *models.Account, cs *ChangeSet) error {
	var lastErr error
	for attempt := 0; attempt < a.maxRetries; attempt++ {
		if attempt > 0 {
			delay := a.baseDelay * (1 << attempt)
			log.Warnf("[Apply] Retry %d/%d for account %d in %s: %v",
				attempt, a.maxRetries-1, account.ID, delay, lastErr)
			if err := a.sleep(ctx, delay); err != nil {
				return err
			}
		}
		lastErr = a.repo.ApplyChangeSet(ctx, account, cs)
		if lastErr == nil {
			return nil
		}
	}

	log.Errorf("[Apply] Account %d exhausted %d attempts, escalating to manual review: %v",
		account.ID, a.maxRetries, lastErr)
	note := fmt.Sprintf("apply failed after %d attempts: %v", a.maxRetries, lastErr)
	if err := a.repo.MarkManualReview(ctx, account.ID, note); err != nil {
		return fmt.Errorf("manual review escalation for account %d failed: %v (apply error: %w)",
			account.ID, err, lastErr)
	}
	if cerr := counter.AddManualReview(); cerr != nil {
		log.Debugf("[Apply] Manual-review counter update failed: %v", cerr)
	}
	return fmt.Errorf("account %d escalated to manual review: %w", account.ID, lastErr)
}
