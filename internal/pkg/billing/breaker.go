package billing

import "sync"

// Breaker counts per-account processing errors within one run and halts
// further batch work once the threshold is exceeded.
type Breaker struct {
	mu        sync.Mutex
	errors    int
	threshold int
}

func NewBreaker(threshold int) *Breaker {
	return &Breaker{threshold: threshold}
}

// Record increments the run-scoped error counter.
func (b *Breaker) Record() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.errors++
}

// ShouldStop reports whether the error count has exceeded the threshold.
func (b *Breaker) ShouldStop() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.errors > b.threshold
}

// Errors returns the current error count.
func (b *Breaker) Errors() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.errors
}

// Reset zeroes the counter at run start and after successful completion.
func (b *Breaker) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.errors = 0
}
