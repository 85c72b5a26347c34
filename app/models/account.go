package models

import (
	"time"

	"github.com/go-playground/validator/v10"
	"gorm.io/gorm"
)

// Account status constants. Status only changes through reconciliation or the
// webhook ingress path.
const (
	AccountStatusInactive = "inactive"
	AccountStatusActive   = "active"
	AccountStatusPastDue  = "past_due"
)

// Billing cycle constants carried on the account.
const (
	BillingCycleMonth   = "month"
	BillingCycleYear    = "year"
	BillingCycleUnknown = "unknown"
)

// Account is the local record of a user's plan, credits and subscription
// linkage. Provider references are nullable: an account without external
// linkage simply has nil refs, never placeholder strings.
type Account struct {
	ID                     uint       `gorm:"primaryKey" json:"id"`
	Email                  string     `gorm:"uniqueIndex;type:varchar(200)" json:"email" validate:"required,email,max=200"`
	ProviderCustomerID     *string    `gorm:"type:varchar(191);index" json:"provider_customer_id,omitempty"`
	ProviderSubscriptionID *string    `gorm:"type:varchar(191);index" json:"provider_subscription_id,omitempty"`
	PlanID                 string     `gorm:"type:varchar(50);not null;default:'free'" json:"plan_id"`
	PriceID                *string    `gorm:"type:varchar(191)" json:"price_id,omitempty"`
	Status                 string     `gorm:"type:varchar(32);not null;default:'inactive';index" json:"status" validate:"oneof=inactive active past_due"`
	CreditBalance          int64      `gorm:"not null;default:0" json:"credit_balance"`
	BillingCycle           string     `gorm:"type:varchar(16);not null;default:'unknown'" json:"billing_cycle"`
	SubscriptionStart      *time.Time `gorm:"type:timestamp;default:null" json:"subscription_start,omitempty"`
	SubscriptionEnd        *time.Time `gorm:"type:timestamp;default:null" json:"subscription_end,omitempty"`
	NextBillingAt          *time.Time `gorm:"type:timestamp;default:null" json:"next_billing_at,omitempty"`
	GracePeriodEnd         *time.Time `gorm:"type:timestamp;default:null;index" json:"grace_period_end,omitempty"`
	WebhookFailures        int        `gorm:"not null;default:0" json:"webhook_failures"`
	LastWebhookAt          *time.Time `gorm:"type:timestamp;default:null" json:"last_webhook_at,omitempty"`
	LastReconcileCheckAt   *time.Time `gorm:"type:timestamp;default:null;index" json:"last_reconcile_check_at,omitempty"`
	RequiresManualReview   bool       `gorm:"not null;default:false;index" json:"requires_manual_review"`
	PaymentRecords         []PaymentRecord    `gorm:"foreignKey:AccountID" json:"payment_records,omitempty"`
	TokenRenewals          []TokenRenewal     `gorm:"foreignKey:AccountID" json:"token_renewals,omitempty"`
	AuditNotes             []AccountAuditNote `gorm:"foreignKey:AccountID" json:"-"`
	CreatedAt              time.Time          `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt              time.Time          `gorm:"autoUpdateTime" json:"updated_at"`
	DeletedAt              gorm.DeletedAt     `gorm:"index" json:"-"`
}

func (a *Account) Validate() error {
	v := validator.New()
	return v.Struct(a)
}

// HasProviderLinkage reports whether the account references any external
// billing object.
func (a *Account) HasProviderLinkage() bool {
	return a.ProviderCustomerID != nil || a.ProviderSubscriptionID != nil
}

// HasPaymentWithTransactionID reports whether a payment record with the given
// provider transaction id already exists on the (preloaded) account.
func (a *Account) HasPaymentWithTransactionID(txnID string) bool {
	for i := range a.PaymentRecords {
		if a.PaymentRecords[i].ProviderTransactionID == txnID {
			return true
		}
	}
	return false
}

// HasRecentRenewal reports whether a token renewal with the given reason was
// recorded within the window before now on the (preloaded) account.
func (a *Account) HasRecentRenewal(reason string, window time.Duration, now time.Time) bool {
	cutoff := now.Add(-window)
	for i := range a.TokenRenewals {
		r := &a.TokenRenewals[i]
		if r.Reason == reason && r.OccurredAt.After(cutoff) {
			return true
		}
	}
	return false
}

// FindAccountByID loads an account with its payment and renewal history.
func FindAccountByID(db *gorm.DB, id uint) (*Account, error) {
	var account Account
	err := db.Preload("PaymentRecords").Preload("TokenRenewals").First(&account, id).Error
	if err != nil {
		return nil, err
	}
	return &account, nil
}

// FindAccountByEmail loads an account by email with history preloaded.
func FindAccountByEmail(db *gorm.DB, email string) (*Account, error) {
	var account Account
	err := db.Preload("PaymentRecords").Preload("TokenRenewals").
		Where("email = ?", email).First(&account).Error
	if err != nil {
		return nil, err
	}
	return &account, nil
}
