package hipaa

import "time"

// DefaultRetention is how long a finished session stays readable.
const DefaultRetention = 24 * time.Hour

// RetentionPolicy fixes the readable window of a terminal session. Purging
// expired rows is left to an external job.
type RetentionPolicy struct {
	Window time.Duration `json:"window"`
}

// NewRetentionPolicy returns a policy with the given window, or the default
// when window is not positive.
func NewRetentionPolicy(window time.Duration) RetentionPolicy {
	if window <= 0 {
		window = DefaultRetention
	}
	return RetentionPolicy{Window: window}
}

// ExpiryFor returns the expiry of a session that reached a terminal state at t.
func (p RetentionPolicy) ExpiryFor(t time.Time) time.Time {
	return t.Add(p.Window).UTC()
}

// Expired reports whether expiresAt has passed at now. A nil expiry never
// expires.
func (p RetentionPolicy) Expired(expiresAt *time.Time, now time.Time) bool {
	return expiresAt != nil && !now.Before(*expiresAt)
}
