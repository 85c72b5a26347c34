package billing

import (
	"context"
	"encoding/json"
	"time"

	"github.com/gofiber/fiber/v2/log"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

const lockKey = "reconcile:lock"

// Lease is the exclusive-access token stored in the lease store. A crashed
// holder self-heals after the TTL expires.
type Lease struct {
	Holder     string    `json:"holder"`
	AcquiredAt time.Time `json:"acquired_at"`
	ExpiresAt  time.Time `json:"expires_at"`
}

// LeaseStore is a shared location supporting atomic create-if-absent and
// delete. Redis backs it in production; tests use an in-memory store.
type LeaseStore interface {
	// Create stores the lease only if none exists, returning whether it won.
	Create(ctx context.Context, data []byte, ttl time.Duration) (bool, error)
	// Get returns the current lease payload, or nil when none exists.
	Get(ctx context.Context) ([]byte, error)
	Delete(ctx context.Context) error
}

type redisLeaseStore struct {
	client *redis.Client
	key    string
}

// NewRedisLeaseStore creates a lease store on the shared Redis instance.
func NewRedisLeaseStore(client *redis.Client) LeaseStore {
	return &redisLeaseStore{client: client, key: lockKey}
}

func (s *redisLeaseStore) Create(ctx context.Context, data []byte, ttl time.Duration) (bool, error) {
	return s.client.SetNX(ctx, s.key, data, ttl).Result()
}

func (s *redisLeaseStore) Get(ctx context.Context) ([]byte, error) {
	data, err := s.client.Get(ctx, s.key).Bytes()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return data, nil
}

func (s *redisLeaseStore) Delete(ctx context.Context) error {
	return s.client.Del(ctx, s.key).Err()
}

// LockManager hands out the single reconciliation lease. At most one Acquire
// succeeds per TTL window.
type LockManager struct {
	store  LeaseStore
	holder string
	ttl    time.Duration

	now func() time.Time
}

func NewLockManager(store LeaseStore, ttl time.Duration) *LockManager {
	return &LockManager{
		store:  store,
		holder: uuid.New().String(),
		ttl:    ttl,
		now:    time.Now,
	}
}

// Acquire attempts to take the lease. A held, unexpired lease is not an
// error: it returns false to signal that another run is active. Stale or
// corrupted leases are removed and acquisition is retried once.
func (l *LockManager) Acquire(ctx context.Context) (bool, error) {
	ok, err := l.tryCreate(ctx)
	if err != nil || ok {
		return ok, err
	}

	raw, err := l.store.Get(ctx)
	if err != nil {
		return false, err
	}
	if raw == nil {
		// Lease vanished between create and read; try once more.
		return l.tryCreate(ctx)
	}

	var existing Lease
	if uerr := json.Unmarshal(raw, &existing); uerr != nil {
		log.Warnf("[Lock] Replacing corrupted lease: %v", uerr)
		if derr := l.store.Delete(ctx); derr != nil {
			return false, derr
		}
		return l.tryCreate(ctx)
	}

	if existing.ExpiresAt.Before(l.now()) {
		log.Warnf("[Lock] Removing stale lease held by %s (expired %s)", existing.Holder, existing.ExpiresAt)
		if derr := l.store.Delete(ctx); derr != nil {
			return false, derr
		}
		return l.tryCreate(ctx)
	}

	return false, nil
}

// Release deletes the lease only while still held by this manager.
func (l *LockManager) Release(ctx context.Context) error {
	raw, err := l.store.Get(ctx)
	if err != nil {
		return err
	}
	if raw == nil {
		return nil
	}
	var existing Lease
	if err := json.Unmarshal(raw, &existing); err != nil {
		// Corrupted lease; leave it for the next Acquire to replace.
		return nil
	}
	if existing.Holder != l.holder {
		return nil
	}
	return l.store.Delete(ctx)
}

func (l *LockManager) tryCreate(ctx context.Context) (bool, error) {
	now := l.now()
	lease := Lease{
		Holder:     l.holder,
		AcquiredAt: now,
		ExpiresAt:  now.Add(l.ttl),
	}
	data, err := json.Marshal(lease)
	if err != nil {
		return false, err
	}
	return l.store.Create(ctx, data, l.ttl)
}
