package ledger

import (
	"fmt"
	"time"
)

// QuotaPolicy is the free-tier entitlement policy: how many generations a
// free account gets per reset period, and where the period boundary falls.
// The boundary is local midnight in a fixed reference zone so every account
// resets at the same instant regardless of the caller's timezone.
type QuotaPolicy struct {
	// Limit is the number of generations allowed per period for free accounts.
	Limit int

	// zone is the fixed reference zone whose midnight marks the boundary.
	zone *time.Location
}

// NewQuotaPolicy creates a policy with the given per-period limit and a
// fixed reference zone at the given offset in hours east of UTC.
func NewQuotaPolicy(limit, utcOffsetHours int) QuotaPolicy {
	name := fmt.Sprintf("UTC+%d", utcOffsetHours)
	if utcOffsetHours < 0 {
		name = fmt.Sprintf("UTC%d", utcOffsetHours)
	}
	return QuotaPolicy{
		Limit: limit,
		zone:  time.FixedZone(name, utcOffsetHours*3600),
	}
}

// Boundary returns the most recent period boundary at or before now: today's
// midnight in the reference zone, as an absolute instant. Resets are pinned
// to this instant (never to "now") so repeated resets within one period are
// idempotent and the marker doesn't drift.
func (p QuotaPolicy) Boundary(now time.Time) time.Time {
	local := now.In(p.zone)
	y, m, d := local.Date()
	return time.Date(y, m, d, 0, 0, 0, 0, p.zone)
}

// ResetDue reports whether an account's counter should be reset: true when
// it has never been reset or its marker predates the given boundary.
func ResetDue(lastResetAt *time.Time, boundary time.Time) bool {
	return lastResetAt == nil || lastResetAt.Before(boundary)
}

// CanConsume reports whether the account may spend one more generation.
// Callers must apply any due reset first.
func (p QuotaPolicy) CanConsume(a *Account) bool {
	return a.IsPremium || a.UsageCount < p.Limit
}

// Remaining returns how many free generations the account has left in the
// current period, and whether the account is unmetered. Premium accounts
// report (0, true); free accounts report (max(0, limit-used), false).
func (p QuotaPolicy) Remaining(a *Account) (int, bool) {
	if a.IsPremium {
		return 0, true
	}
	left := p.Limit - a.UsageCount
	if left < 0 {
		left = 0
	}
	return left, false
}
