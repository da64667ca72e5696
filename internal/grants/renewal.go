package grants

import "time"

// CalculateExpiry applies the renewal policy to a grant's current expiry.
//
//   - renewal <= 0: existing is returned unchanged (possibly nil).
//   - existing nil or already past: now + renewal.
//   - existing in the future: existing + renewal.
//
// The result never moves backwards for a positive renewal period.
func CalculateExpiry(existing *time.Time, renewal time.Duration, now time.Time) *time.Time {
	if renewal <= 0 {
		return existing
	}

	var next time.Time
	if existing == nil || existing.Before(now) {
		next = now.Add(renewal)
	} else {
		next = existing.Add(renewal)
	}
	next = next.UTC()
	return &next
}
