package counter

import (
	"context"
	"strconv"

	"github.com/MarvinHauser/Sketchly/internal/pkg/cache"
)

const runCountersKey = "reconcile:counters:runs"

// RecordRun increments the persistent run counters in Redis. Counters are
// best effort; a failed increment never affects the run itself.
func RecordRun(mode string, errors int) error {
	ctx := context.Background()
	rdb := cache.GetClient()

	pipe := rdb.Pipeline()
	pipe.HIncrBy(ctx, runCountersKey, "runs_total", 1)
	pipe.HIncrBy(ctx, runCountersKey, "runs_"+mode, 1)
	if errors > 0 {
		pipe.HIncrBy(ctx, runCountersKey, "errors_total", int64(errors))
	}
	_, err := pipe.Exec(ctx)
	return err
}

// AddRecovered increments the lost-user recovery counter.
func AddRecovered(n int) error {
	if n <= 0 {
		return nil
	}
	ctx := context.Background()
	return cache.GetClient().HIncrBy(ctx, runCountersKey, "accounts_recovered", int64(n)).Err()
}

// AddManualReview increments the manual-review escalation counter.
func AddManualReview() error {
	ctx := context.Background()
	return cache.GetClient().HIncrBy(ctx, runCountersKey, "manual_reviews", 1).Err()
}

// Snapshot reads all run counters.
func Snapshot() (map[string]int64, error) {
	ctx := context.Background()
	data, err := cache.GetClient().HGetAll(ctx, runCountersKey).Result()
	if err != nil {
		return nil, err
	}
	out := make(map[string]int64, len(data))
	for field, raw := range data {
		n, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			continue
		}
		out[field] = n
	}
	return out, nil
}

// Reset clears all run counters (admin surface).
func Reset() error {
	ctx := context.Background()
	return cache.GetClient().Del(ctx, runCountersKey).Err()
}
