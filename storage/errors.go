package storage

import "errors"

// Sentinel errors returned by storage implementations.
// Callers match them with errors.Is.
var (
	// ErrClientNotFound indicates the client ID does not resolve to a registered client
	ErrClientNotFound = errors.New("client not found")

	// ErrCsrfNotFound indicates the CSRF token is unknown, expired, or already consumed
	ErrCsrfNotFound = errors.New("csrf token not found")

	// ErrCodeNotFound indicates the authorization code is unknown or already redeemed
	ErrCodeNotFound = errors.New("authorization code not found")

	// ErrCodeExpired indicates the authorization code existed but its expiry has passed
	ErrCodeExpired = errors.New("authorization code expired")

	// ErrTokenNotFound indicates the token value is unknown, already rotated, or of the wrong kind
	ErrTokenNotFound = errors.New("token not found")

	// ErrTokenExpired indicates the token existed but its expiry has passed
	ErrTokenExpired = errors.New("token expired")

	// ErrCapacityExceeded indicates a capacity-bounded store is full.
	// Existing entries are never evicted to make room; callers should back off.
	ErrCapacityExceeded = errors.New("capacity exceeded")
)
