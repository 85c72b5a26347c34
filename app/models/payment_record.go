package models

import "time"

// Payment record status constants, mapped from provider transaction states.
const (
	PaymentStatusPending   = "pending"
	PaymentStatusSuccess   = "success"
	PaymentStatusFailed    = "failed"
	PaymentStatusRefunded  = "refunded"
	PaymentStatusCancelled = "cancelled"
)

// PaymentRecord stores one payment on an account. The provider transaction id
// is unique per account so reconciliation backfills can never duplicate a
// payment that the webhook path already recorded.
type PaymentRecord struct {
	ID                    uint      `gorm:"primaryKey" json:"id"`
	AccountID             uint      `gorm:"not null;index:ux_payment_records_account_txn,unique,priority:1" json:"account_id"`
	ProviderTransactionID string    `gorm:"type:varchar(191);not null;index:ux_payment_records_account_txn,unique,priority:2" json:"provider_transaction_id"`
	AmountCents           int64     `gorm:"not null;default:0" json:"amount_cents"`
	PaidAt                time.Time `gorm:"type:timestamp;not null" json:"paid_at"`
	CreditsSnapshot       int64     `gorm:"not null;default:0" json:"credits_snapshot"`
	Status                string    `gorm:"type:varchar(32);not null;default:'pending';index" json:"status"`
	FailureReason         string    `gorm:"type:text" json:"failure_reason,omitempty"`
	WebhookReceived       bool      `gorm:"not null;default:false" json:"webhook_received"`
	Reconciled            bool      `gorm:"not null;default:false" json:"reconciled"`
	CreatedAt             time.Time `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt             time.Time `gorm:"autoUpdateTime" json:"updated_at"`
}
