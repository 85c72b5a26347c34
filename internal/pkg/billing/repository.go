package billing

import (
	"context"
	"fmt"
	"time"

	"github.com/MarvinHauser/Sketchly/app/models"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// Repository provides DB operations used by the reconciliation engine.
type Repository interface {
	ListLinkedAccounts(offset, limit int) ([]models.Account, error)
	ListExpiredGraceAccounts(now time.Time, limit int) ([]models.Account, error)
	ListActiveAccounts(limit int) ([]models.Account, error)
	FindAccountByID(id uint) (*models.Account, error)
	FindAccountByEmail(email string) (*models.Account, error)
	FindAccountByCustomerID(customerID string) (*models.Account, error)
	HasReconcileWork(now time.Time) (bool, error)
	ApplyChangeSet(ctx context.Context, account *models.Account, cs *ChangeSet) error
	MarkManualReview(ctx context.Context, accountID uint, note string) error
}

type gormRepository struct {
	db *gorm.DB
}

// NewRepository creates a reconciliation repository backed by GORM.
func NewRepository(db *gorm.DB) Repository {
	return &gormRepository{db: db}
}

func (r *gormRepository) ListLinkedAccounts(offset, limit int) ([]models.Account, error) {
	var accounts []models.Account
	err := r.db.
		Preload("PaymentRecords").Preload("TokenRenewals").
		Where("provider_customer_id IS NOT NULL OR provider_subscription_id IS NOT NULL").
		Order("id").
		Offset(offset).Limit(limit).
		Find(&accounts).Error
	return accounts, err
}

func (r *gormRepository) ListExpiredGraceAccounts(now time.Time, limit int) ([]models.Account, error) {
	var accounts []models.Account
	err := r.db.
		Preload("PaymentRecords").Preload("TokenRenewals").
		Where("grace_period_end IS NOT NULL AND grace_period_end < ? AND status <> ?", now, models.AccountStatusInactive).
		Order("grace_period_end").
		Limit(limit).
		Find(&accounts).Error
	return accounts, err
}

func (r *gormRepository) ListActiveAccounts(limit int) ([]models.Account, error) {
	var accounts []models.Account
	err := r.db.
		Preload("PaymentRecords").Preload("TokenRenewals").
		Where("status = ?", models.AccountStatusActive).
		Order("last_reconcile_check_at IS NOT NULL, last_reconcile_check_at").
		Limit(limit).
		Find(&accounts).Error
	return accounts, err
}

func (r *gormRepository) FindAccountByID(id uint) (*models.Account, error) {
	return models.FindAccountByID(r.db, id)
}

func (r *gormRepository) FindAccountByEmail(email string) (*models.Account, error) {
	return models.FindAccountByEmail(r.db, email)
}

func (r *gormRepository) FindAccountByCustomerID(customerID string) (*models.Account, error) {
	var account models.Account
	err := r.db.
		Preload("PaymentRecords").Preload("TokenRenewals").
		Where("provider_customer_id = ?", customerID).
		First(&account).Error
	if err != nil {
		return nil, err
	}
	return &account, nil
}

// HasReconcileWork is the cheap existence check gating conditional runs:
// webhook failures, flagged accounts, stale checks, or entitled accounts
// whose last webhook is old.
func (r *gormRepository) HasReconcileWork(now time.Time) (bool, error) {
	staleCheck := now.Add(-24 * time.Hour)
	staleWebhook := now.Add(-6 * time.Hour)

	var ids []uint
	err := r.db.Model(&models.Account{}).
		Where("webhook_failures > 0").
		Or("requires_manual_review = ?", true).
		Or("provider_subscription_id IS NOT NULL AND (last_reconcile_check_at IS NULL OR last_reconcile_check_at < ?)", staleCheck).
		Or("status IN ? AND (last_webhook_at IS NULL OR last_webhook_at < ?)",
			[]string{models.AccountStatusActive, models.AccountStatusPastDue}, staleWebhook).
		Limit(1).
		Pluck("id", &ids).Error
	if err != nil {
		return false, err
	}
	return len(ids) > 0, nil
}

// ApplyChangeSet commits one ChangeSet atomically: field updates, payment
// backfills, token renewals and a single audit note.
func (r *gormRepository) ApplyChangeSet(ctx context.Context, account *models.Account, cs *ChangeSet) error {
	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		updates := make(map[string]interface{}, len(cs.Updates)+1)
		for column, value := range cs.Updates {
			updates[column] = value
		}
		if _, set := updates["credit_balance"]; !set && cs.CreditDelta != 0 {
			updates["credit_balance"] = gorm.Expr("credit_balance + ?", cs.CreditDelta)
		}
		if len(updates) > 0 {
			if err := tx.Model(&models.Account{}).Where("id = ?", account.ID).Updates(updates).Error; err != nil {
				return fmt.Errorf("update account %d: %w", account.ID, err)
			}
		}

		if len(cs.NewPayments) > 0 {
			payments := make([]models.PaymentRecord, len(cs.NewPayments))
			copy(payments, cs.NewPayments)
			for i := range payments {
				payments[i].AccountID = account.ID
			}
			// Unique (account_id, provider_transaction_id) guards against a
			// concurrent webhook writing the same payment.
			if err := tx.Clauses(clause.OnConflict{
				Columns: []clause.Column{
					{Name: "account_id"},
					{Name: "provider_transaction_id"},
				},
				DoNothing: true,
			}).Create(&payments).Error; err != nil {
				return fmt.Errorf("backfill payments for account %d: %w", account.ID, err)
			}
		}

		if len(cs.NewRenewals) > 0 {
			renewals := make([]models.TokenRenewal, len(cs.NewRenewals))
			copy(renewals, cs.NewRenewals)
			for i := range renewals {
				renewals[i].AccountID = account.ID
			}
			if err := tx.Create(&renewals).Error; err != nil {
				return fmt.Errorf("record renewals for account %d: %w", account.ID, err)
			}
		}

		if summary := cs.Summary(); summary != "" {
			note := models.AccountAuditNote{
				AccountID: account.ID,
				Note:      "reconciled: " + summary,
			}
			if err := tx.Create(&note).Error; err != nil {
				return fmt.Errorf("append audit note for account %d: %w", account.ID, err)
			}
		}
		return nil
	})
}

// MarkManualReview flags an account for a human after apply retries are
// exhausted. Deliberately a separate write: it is the last line of defense.
func (r *gormRepository) MarkManualReview(ctx context.Context, accountID uint, note string) error {
	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Model(&models.Account{}).Where("id = ?", accountID).
			Update("requires_manual_review", true).Error; err != nil {
			return err
		}
		return tx.Create(&models.AccountAuditNote{
			AccountID: accountID,
			Note:      "manual review: " + note,
		}).Error
	})
}
