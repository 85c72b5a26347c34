package billing

import (
	"strconv"
	"time"

	"github.com/MarvinHauser/Sketchly/internal/pkg/env"
	"github.com/go-playground/validator/v10"
)

// Mode selects how aggressively the scheduler drives reconciliation.
type Mode string

const (
	ModeNormal     Mode = "normal"
	ModeAggressive Mode = "aggressive"
	ModeEmergency  Mode = "emergency"
)

// Config carries the operational knobs of the reconciliation engine.
type Config struct {
	Mode Mode `validate:"oneof=normal aggressive emergency"`

	BatchSize            int           `validate:"min=1,max=500"`
	GracePeriodDays      int           `validate:"min=1"`
	MaxApplyRetries      int           `validate:"min=1"`
	ApplyRetryBaseDelay  time.Duration `validate:"min=1ms"`
	ErrorThreshold       int           `validate:"min=1"`
	RateLimitWindow      time.Duration `validate:"min=1s"`
	RateLimitMaxRequests int           `validate:"min=1"`
	RateLimitRetryDelay  time.Duration `validate:"min=1ms"`
	LockTTL              time.Duration `validate:"min=1m"`

	LostUserLookbackDays    int `validate:"min=1"`
	TransactionLookbackDays int `validate:"min=1"`
	RenewalDedupWindow      time.Duration
	SweepLimit              int `validate:"min=1"`

	LostUserInterval        time.Duration `validate:"min=1m"`
	FullSyncInterval        time.Duration `validate:"min=1m"`
	ConditionalSyncInterval time.Duration `validate:"min=1m"`
}

// DefaultConfig returns the reference defaults.
func DefaultConfig() Config {
	return Config{
		Mode:                    ModeNormal,
		BatchSize:               20,
		GracePeriodDays:         7,
		MaxApplyRetries:         3,
		ApplyRetryBaseDelay:     500 * time.Millisecond,
		ErrorThreshold:          3,
		RateLimitWindow:         60 * time.Second,
		RateLimitMaxRequests:    50,
		RateLimitRetryDelay:     5 * time.Second,
		LockTTL:                 30 * time.Minute,
		LostUserLookbackDays:    2,
		TransactionLookbackDays: 7,
		RenewalDedupWindow:      24 * time.Hour,
		SweepLimit:              200,
		LostUserInterval:        20 * time.Minute,
		FullSyncInterval:        4 * time.Hour,
		ConditionalSyncInterval: 6 * time.Hour,
	}
}

// ConfigFromEnv builds a Config from environment variables, falling back to
// the defaults for anything unset or unparsable.
func ConfigFromEnv() Config {
	cfg := DefaultConfig()
	cfg.Mode = Mode(env.GetEnv("RECONCILE_MODE", string(cfg.Mode)))
	cfg.BatchSize = getEnvInt("RECONCILE_BATCH_SIZE", cfg.BatchSize)
	cfg.GracePeriodDays = getEnvInt("RECONCILE_GRACE_PERIOD_DAYS", cfg.GracePeriodDays)
	cfg.MaxApplyRetries = getEnvInt("RECONCILE_MAX_APPLY_RETRIES", cfg.MaxApplyRetries)
	cfg.ErrorThreshold = getEnvInt("RECONCILE_ERROR_THRESHOLD", cfg.ErrorThreshold)
	cfg.RateLimitMaxRequests = getEnvInt("RECONCILE_RATE_LIMIT_MAX_REQUESTS", cfg.RateLimitMaxRequests)
	cfg.RateLimitWindow = getEnvDuration("RECONCILE_RATE_LIMIT_WINDOW", cfg.RateLimitWindow)
	cfg.LockTTL = getEnvDuration("RECONCILE_LOCK_TTL", cfg.LockTTL)
	cfg.LostUserInterval = getEnvDuration("RECONCILE_LOST_USER_INTERVAL", cfg.LostUserInterval)
	cfg.FullSyncInterval = getEnvDuration("RECONCILE_FULL_SYNC_INTERVAL", cfg.FullSyncInterval)
	cfg.ConditionalSyncInterval = getEnvDuration("RECONCILE_CONDITIONAL_SYNC_INTERVAL", cfg.ConditionalSyncInterval)
	return cfg
}

// Validate checks the configuration before the engine starts.
func (c Config) Validate() error {
	v := validator.New()
	return v.Struct(c)
}

// GracePeriod returns the grace period as a duration.
func (c Config) GracePeriod() time.Duration {
	return time.Duration(c.GracePeriodDays) * 24 * time.Hour
}

func getEnvInt(key string, def int) int {
	raw := env.GetEnv(key, "")
	if raw == "" {
		return def
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return def
	}
	return n
}

func getEnvDuration(key string, def time.Duration) time.Duration {
	raw := env.GetEnv(key, "")
	if raw == "" {
		return def
	}
	d, err := time.ParseDuration(raw)
	if err != nil {
		return def
	}
	return d
}
