package billing

import "errors"

var (
	// ErrNotFound is returned when the provider has no record for the
	// requested id. It is not a failure: a missing subscription drives the
	// tombstone rule.
	ErrNotFound = errors.New("billing: provider record not found")

	// ErrRateLimited is returned when the provider rejects a call for rate
	// limiting. The gateway absorbs it once before surfacing.
	ErrRateLimited = errors.New("billing: provider rate limited")
)
