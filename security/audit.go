package security

import (
	"crypto/sha256"
	"encoding/hex"
	"log/slog"
	"time"
)

// Auditor handles security event logging with PII protection.
type Auditor struct {
	logger  *slog.Logger
	enabled bool
}

// NewAuditor creates a new security auditor
func NewAuditor(logger *slog.Logger, enabled bool) *Auditor {
	if logger == nil {
		logger = slog.Default()
	}
	return &Auditor{
		logger:  logger,
		enabled: enabled,
	}
}

// Event represents a security audit event
type Event struct {
	Type      string
	ClientID  string
	SessionID string
	IPAddress string
	Details   map[string]any
	Timestamp time.Time
}

// LogEvent logs a security event with hashed session identifiers
func (a *Auditor) LogEvent(event Event) {
	if !a.enabled {
		return
	}

	event.Timestamp = time.Now()

	a.logger.Info("security_audit",
		"event_type", event.Type,
		"client_id", event.ClientID,
		"session_id_hash", hashForLogging(event.SessionID),
		"ip_address", event.IPAddress,
		"details", event.Details,
		"timestamp", event.Timestamp,
	)
}

// LogClientRegistered logs when a new client is registered
func (a *Auditor) LogClientRegistered(clientID, clientType, ipAddress string) {
	a.LogEvent(Event{
		Type:      "client_registered",
		ClientID:  clientID,
		IPAddress: ipAddress,
		Details: map[string]any{
			"client_type": clientType,
		},
	})
}

// LogConsentApproved logs a successful consent approval
func (a *Auditor) LogConsentApproved(clientID, ipAddress, scope string) {
	a.LogEvent(Event{
		Type:      "consent_approved",
		ClientID:  clientID,
		IPAddress: ipAddress,
		Details: map[string]any{
			"scope": scope,
		},
	})
}

// LogTokenIssued logs when a token pair is issued
func (a *Auditor) LogTokenIssued(clientID, ipAddress, scope string) {
	a.LogEvent(Event{
		Type:      "token_issued",
		ClientID:  clientID,
		IPAddress: ipAddress,
		Details: map[string]any{
			"scope": scope,
		},
	})
}

// LogTokenRotated logs a refresh token rotation
func (a *Auditor) LogTokenRotated(clientID, ipAddress string) {
	a.LogEvent(Event{
		Type:      "token_rotated",
		ClientID:  clientID,
		IPAddress: ipAddress,
	})
}

// LogAuthFailure logs an authentication or authorization failure
func (a *Auditor) LogAuthFailure(clientID, ipAddress, reason string) {
	a.LogEvent(Event{
		Type:      "auth_failure",
		ClientID:  clientID,
		IPAddress: ipAddress,
		Details: map[string]any{
			"reason": reason,
		},
	})
}

// LogCsrfRejected logs a consent submission with a dead CSRF token
func (a *Auditor) LogCsrfRejected(clientID, ipAddress string) {
	a.LogEvent(Event{
		Type:      "csrf_rejected",
		ClientID:  clientID,
		IPAddress: ipAddress,
	})
}

// LogSessionOpened logs when the broker admits a new session
func (a *Auditor) LogSessionOpened(sessionID, ipAddress string, authenticated bool) {
	a.LogEvent(Event{
		Type:      "session_opened",
		SessionID: sessionID,
		IPAddress: ipAddress,
		Details: map[string]any{
			"authenticated": authenticated,
		},
	})
}

// LogSessionClosed logs an explicit session close
func (a *Auditor) LogSessionClosed(sessionID, ipAddress, reason string) {
	a.LogEvent(Event{
		Type:      "session_closed",
		SessionID: sessionID,
		IPAddress: ipAddress,
		Details: map[string]any{
			"reason": reason,
		},
	})
}

// LogCapacityExceeded logs a registration or session rejected for capacity
func (a *Auditor) LogCapacityExceeded(resource, ipAddress string) {
	a.LogEvent(Event{
		Type:      "capacity_exceeded",
		IPAddress: ipAddress,
		Details: map[string]any{
			"resource": resource,
		},
	})
}

// LogRateLimitExceeded logs an admission gate rejection
func (a *Auditor) LogRateLimitExceeded(ipAddress string) {
	a.LogEvent(Event{
		Type:      "rate_limit_exceeded",
		IPAddress: ipAddress,
	})
}

// hashForLogging creates a SHA256 hash of sensitive data for logging
func hashForLogging(sensitive string) string {
	if sensitive == "" {
		return "<empty>"
	}
	hash := sha256.Sum256([]byte(sensitive))
	return hex.EncodeToString(hash[:])[:16]
}
