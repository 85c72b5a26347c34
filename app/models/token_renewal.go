package models

import "time"

// Token renewal reason tags. Renewals with the same reason are deduplicated
// per account within a 24 hour window by the change calculator.
const (
	RenewalReasonActivationRecovery = "activation_recovery"
	RenewalReasonPlanChangeRecovery = "plan_change_recovery"
	RenewalReasonMissedRenewal      = "missed_renewal_recovery"
	RenewalReasonLostUserRecovery   = "lost_user_recovery"
)

// TokenRenewal records a credit top-up tied to a plan or billing event.
type TokenRenewal struct {
	ID         uint      `gorm:"primaryKey" json:"id"`
	AccountID  uint      `gorm:"not null;index:idx_token_renewals_account_reason,priority:1" json:"account_id"`
	Reason     string    `gorm:"type:varchar(50);not null;index:idx_token_renewals_account_reason,priority:2" json:"reason"`
	Amount     int64     `gorm:"not null;default:0" json:"amount"`
	OccurredAt time.Time `gorm:"type:timestamp;not null;index" json:"occurred_at"`
	CreatedAt  time.Time `gorm:"autoCreateTime" json:"created_at"`
}
