package plans

import "strings"

type PlanID string

const (
	PlanFree    PlanID = "free"
	PlanStarter PlanID = "starter"
	PlanPro     PlanID = "pro"
)

// Plan describes one purchasable tier and its monthly credit allotment.
type Plan struct {
	ID             PlanID
	PriceID        string
	MonthlyCredits int64
	Rank           int
}

// catalog maps provider price ids to internal plans. Price ids follow the
// provider's "pri_" scheme and are stable per environment.
var catalog = []Plan{
	{ID: PlanFree, PriceID: "", MonthlyCredits: 50, Rank: 0},
	{ID: PlanStarter, PriceID: "pri_starter_monthly", MonthlyCredits: 1000, Rank: 1},
	{ID: PlanPro, PriceID: "pri_pro_monthly", MonthlyCredits: 5000, Rank: 2},
}

// ByPriceID resolves a provider price id to its plan. Unknown price ids fall
// back to the free plan with ok=false so callers can decide how to react.
func ByPriceID(priceID string) (Plan, bool) {
	ref := strings.TrimSpace(priceID)
	if ref == "" {
		return catalog[0], false
	}
	for _, p := range catalog {
		if p.PriceID == ref {
			return p, true
		}
	}
	return catalog[0], false
}

// ByID resolves an internal plan id, defaulting to free.
func ByID(id string) Plan {
	normalized := PlanID(strings.ToLower(strings.TrimSpace(id)))
	for _, p := range catalog {
		if p.ID == normalized {
			return p
		}
	}
	return catalog[0]
}

// CreditsFor returns the monthly credit allotment of a plan id.
func CreditsFor(id string) int64 {
	return ByID(id).MonthlyCredits
}

// Rank orders plans for comparison; higher rank wins.
func Rank(id string) int {
	return ByID(id).Rank
}
