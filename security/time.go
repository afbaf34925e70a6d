package security

import "time"

// IsExpired reports whether expiresAt has passed.
// A zero expiry means the entry never expires. There is no clock-skew grace:
// an entry one millisecond past its expiry is already absent to every reader.
func IsExpired(expiresAt time.Time) bool {
	return IsExpiredAt(expiresAt, time.Now())
}

// IsExpiredAt reports whether expiresAt has passed relative to now.
// Split out so sweepers and tests can pin the reference time.
func IsExpiredAt(expiresAt, now time.Time) bool {
	if expiresAt.IsZero() {
		return false
	}
	return now.After(expiresAt)
}
