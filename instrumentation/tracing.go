package instrumentation

import (
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// Common span attribute keys
//
// SECURITY WARNING: Never log actual sensitive values (access tokens, refresh
// tokens, authorization codes, client secrets, CSRF tokens) in traces or
// metrics. Only log metadata such as token kinds, expiry times, and
// validation results.
const (
	// OAuth flow attributes
	AttrClientID    = "oauth.client_id"   // Client identifier (non-secret)
	AttrClientType  = "oauth.client_type" // Client type (public/confidential)
	AttrScope       = "oauth.scope"       // Requested scopes
	AttrGrantType   = "oauth.grant_type"  // OAuth grant type
	AttrPKCEPresent = "oauth.pkce"        // Whether a code challenge was recorded (boolean)
	AttrTokenKind   = "oauth.token_kind"  //nolint:gosec // Token kind (access/refresh) - NOT the value
	AttrError       = "oauth.error"       // Error code

	// Session attributes
	AttrSessionNew    = "session.new"    // Whether the call created a session (boolean)
	AttrSessionMethod = "session.method" // HTTP method on the protocol endpoint

	// Storage attributes
	AttrStorageOperation = "storage.operation"
	AttrStorageResult    = "storage.result"

	// Sweep attributes
	AttrSweepTarget  = "sweep.target"
	AttrSweepRemoved = "sweep.removed"

	// HTTP attributes (in addition to standard semantic conventions)
	AttrHTTPEndpoint   = "http.endpoint"
	AttrHTTPMethod     = "http.method"
	AttrHTTPStatusCode = "http.status_code"

	// Security attributes
	AttrClientIP = "security.client_ip"
)

// RecordError records an error on a span with proper status codes (nil-safe)
func RecordError(span trace.Span, err error) {
	if span != nil && err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
}

// SetSpanSuccess marks a span as successful (nil-safe)
func SetSpanSuccess(span trace.Span) {
	if span != nil {
		span.SetStatus(codes.Ok, "")
	}
}

// SetSpanError sets an error status on a span (nil-safe)
func SetSpanError(span trace.Span, message string) {
	if span != nil {
		span.SetStatus(codes.Error, message)
	}
}

// SetSpanAttributes sets attributes on a span (nil-safe)
func SetSpanAttributes(span trace.Span, attrs ...attribute.KeyValue) {
	if span != nil {
		span.SetAttributes(attrs...)
	}
}

// AddHTTPAttributes adds HTTP request attributes to a span (nil-safe)
func AddHTTPAttributes(span trace.Span, method, endpoint string, statusCode int) {
	SetSpanAttributes(span,
		attribute.String(AttrHTTPMethod, method),
		attribute.String(AttrHTTPEndpoint, endpoint),
		attribute.Int(AttrHTTPStatusCode, statusCode),
	)
}

// AddStorageAttributes adds storage operation attributes to a span (nil-safe)
func AddStorageAttributes(span trace.Span, operation, result string) {
	SetSpanAttributes(span,
		attribute.String(AttrStorageOperation, operation),
		attribute.String(AttrStorageResult, result),
	)
}
