package billing

import (
	"strings"

	"github.com/MarvinHauser/Sketchly/app/models"
)

// stampColumns are the always-on updates from the final calculator rule. A
// ChangeSet whose updates contain nothing else is non-substantive: it only
// proves the account was checked.
var stampColumns = map[string]struct{}{
	"last_reconcile_check_at": {},
	"webhook_failures":        {},
	"requires_manual_review":  {},
}

// ChangeSet is the diff computed by the change calculator and applied
// atomically by the applier.
type ChangeSet struct {
	Updates     map[string]interface{}
	NewPayments []models.PaymentRecord
	NewRenewals []models.TokenRenewal
	Tags        []string

	// CreditDelta accumulates token renewals. It is ignored when Updates
	// sets credit_balance directly (tombstone).
	CreditDelta int64
}

func NewChangeSet() *ChangeSet {
	return &ChangeSet{Updates: map[string]interface{}{}}
}

// Set records a field update by column name.
func (cs *ChangeSet) Set(column string, value interface{}) {
	cs.Updates[column] = value
}

// Tag appends a human-readable summary tag.
func (cs *ChangeSet) Tag(tag string) {
	cs.Tags = append(cs.Tags, tag)
}

// AddRenewal records a token renewal event and its credit effect.
func (cs *ChangeSet) AddRenewal(r models.TokenRenewal) {
	cs.NewRenewals = append(cs.NewRenewals, r)
	cs.CreditDelta += r.Amount
}

// AddPayment records a payment backfill.
func (cs *ChangeSet) AddPayment(p models.PaymentRecord) {
	cs.NewPayments = append(cs.NewPayments, p)
}

// Substantive reports whether the ChangeSet does anything beyond the
// timestamp/flag stamp.
func (cs *ChangeSet) Substantive() bool {
	if len(cs.NewPayments) > 0 || len(cs.NewRenewals) > 0 || cs.CreditDelta != 0 {
		return true
	}
	for column := range cs.Updates {
		if _, stamp := stampColumns[column]; !stamp {
			return true
		}
	}
	return false
}

// Summary joins the tags into the audit note body.
func (cs *ChangeSet) Summary() string {
	return strings.Join(cs.Tags, ", ")
}
