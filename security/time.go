package security

import "time"

// DefaultClockSkewGracePeriod is the default grace applied to expiry checks.
// It absorbs NTP drift between this server and token holders without
// extending token lifetime in any meaningful way.
const DefaultClockSkewGracePeriod = 5 * time.Second

// IsExpiredAt reports whether a record with the given expiry is expired at
// the supplied instant, with a clock-skew grace period. Each request
// evaluates all of its expiry checks against a single instant; callers pass
// that instant rather than reading the clock again.
// A zero expiresAt means no expiration.
func IsExpiredAt(expiresAt, now time.Time, gracePeriod time.Duration) bool {
	if expiresAt.IsZero() {
		return false
	}
	return now.After(expiresAt.Add(gracePeriod))
}
