package billing

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/gofiber/fiber/v2/log"
)

// Gateway throttles and retries all calls to the billing provider. It is the
// only path by which the engine talks to the provider.
type Gateway struct {
	inner Provider

	mu     sync.Mutex
	window []time.Time

	maxRequests int
	windowLen   time.Duration
	retryDelay  time.Duration

	now   func() time.Time
	sleep func(ctx context.Context, d time.Duration) error
}

// NewGateway wraps a provider with a sliding-window rate limiter.
func NewGateway(inner Provider, cfg Config) *Gateway {
	return &Gateway{
		inner:       inner,
		maxRequests: cfg.RateLimitMaxRequests,
		windowLen:   cfg.RateLimitWindow,
		retryDelay:  cfg.RateLimitRetryDelay,
		now:         time.Now,
		sleep:       sleepContext,
	}
}

var _ Provider = (*Gateway)(nil)

func (g *Gateway) GetSubscription(ctx context.Context, subscriptionID string) (*SubscriptionSnapshot, error) {
	var out *SubscriptionSnapshot
	err := g.call(ctx, func() error {
		var callErr error
		out, callErr = g.inner.GetSubscription(ctx, subscriptionID)
		return callErr
	})
	return out, err
}

func (g *Gateway) ListSubscriptions(ctx context.Context, params ListSubscriptionsParams) ([]SubscriptionSnapshot, error) {
	var out []SubscriptionSnapshot
	err := g.call(ctx, func() error {
		var callErr error
		out, callErr = g.inner.ListSubscriptions(ctx, params)
		return callErr
	})
	return out, err
}

func (g *Gateway) ListTransactions(ctx context.Context, params ListTransactionsParams) ([]TransactionSnapshot, error) {
	var out []TransactionSnapshot
	err := g.call(ctx, func() error {
		var callErr error
		out, callErr = g.inner.ListTransactions(ctx, params)
		return callErr
	})
	return out, err
}

// call admits the invocation through the rate limiter. On a provider-signaled
// rate limit it backs off once and retries, then surfaces the error.
func (g *Gateway) call(ctx context.Context, fn func() error) error {
	if err := g.waitForSlot(ctx); err != nil {
		return err
	}
	err := fn()
	if !errors.Is(err, ErrRateLimited) {
		return err
	}

	log.Warnf("[Gateway] Provider rate limited, backing off %s before retry", g.retryDelay)
	if serr := g.sleep(ctx, g.retryDelay); serr != nil {
		return serr
	}
	if serr := g.waitForSlot(ctx); serr != nil {
		return serr
	}
	return fn()
}

// waitForSlot blocks until the sliding window has room for one more request.
// Bounded loop: each iteration sleeps until the oldest timestamp ages out.
func (g *Gateway) waitForSlot(ctx context.Context) error {
	for {
		g.mu.Lock()
		now := g.now()
		cutoff := now.Add(-g.windowLen)
		kept := g.window[:0]
		for _, t := range g.window {
			if t.After(cutoff) {
				kept = append(kept, t)
			}
		}
		g.window = kept

		if len(g.window) < g.maxRequests {
			g.window = append(g.window, now)
			g.mu.Unlock()
			return nil
		}

		wait := g.window[0].Add(g.windowLen).Sub(now)
		g.mu.Unlock()

		if wait <= 0 {
			wait = time.Millisecond
		}
		if err := g.sleep(ctx, wait); err != nil {
			return err
		}
	}
}

func sleepContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
