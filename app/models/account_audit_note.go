package models

import "time"

// AccountAuditNote is an append-only audit trail entry on an account. Notes
// are never updated or deleted.
type AccountAuditNote struct {
	ID        uint      `gorm:"primaryKey" json:"id"`
	AccountID uint      `gorm:"not null;index" json:"account_id"`
	Note      string    `gorm:"type:text;not null" json:"note"`
	CreatedAt time.Time `gorm:"autoCreateTime;index" json:"created_at"`
}
