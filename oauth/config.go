package oauth

import (
	"log/slog"
	"strings"
	"time"
)

// Default lifetimes and bounds for the in-memory authorization server.
const (
	// DefaultAuthorizationCodeTTL is how long an issued code may be redeemed.
	DefaultAuthorizationCodeTTL = 10 * time.Minute

	// DefaultAccessTokenTTL is the access token lifetime.
	DefaultAccessTokenTTL = 1 * time.Hour

	// DefaultRefreshTokenTTL is the refresh token lifetime.
	DefaultRefreshTokenTTL = 30 * 24 * time.Hour

	// DefaultCsrfTokenTTL is how long a rendered consent form stays valid.
	DefaultCsrfTokenTTL = 10 * time.Minute

	// DefaultMaxRedirectURIs bounds redirect_uris in a registration request.
	DefaultMaxRedirectURIs = 10

	// DefaultMaxRedirectURILength bounds each redirect URI in bytes.
	DefaultMaxRedirectURILength = 2000
)

// Config holds the authorization server configuration
type Config struct {
	// Issuer is the authorization server's base URL (e.g., "https://vin.example.com").
	// All advertised endpoints are derived from it.
	Issuer string

	// Resource is the protected resource identifier for RFC 9728 metadata.
	// Defaults to Issuer + "/mcp".
	Resource string

	// SupportedScopes lists the scopes advertised in discovery metadata.
	SupportedScopes []string

	// TTLs holds the lifetimes of transient artifacts (secure defaults applied).
	TTLs TTLConfig

	// Limits holds request-shape bounds (secure defaults applied).
	Limits LimitConfig

	// RateLimit configures the per-IP admission gate on OAuth endpoints.
	RateLimit RateLimitConfig

	// Logger for structured logging (optional, uses default if not provided)
	Logger *slog.Logger
}

// TTLConfig holds the lifetimes of transient authorization artifacts
type TTLConfig struct {
	// AuthorizationCode is how long an issued code may be redeemed.
	AuthorizationCode time.Duration

	// AccessToken is the access token lifetime.
	AccessToken time.Duration

	// RefreshToken is the refresh token lifetime.
	RefreshToken time.Duration

	// CsrfToken is how long a rendered consent form stays valid.
	CsrfToken time.Duration
}

// LimitConfig holds request-shape bounds
type LimitConfig struct {
	// MaxRedirectURIs bounds redirect_uris in a registration request.
	MaxRedirectURIs int

	// MaxRedirectURILength bounds each redirect URI in bytes.
	MaxRedirectURILength int
}

// RateLimitConfig holds admission gate configuration
type RateLimitConfig struct {
	// Rate is requests per second allowed per IP. Zero disables limiting.
	Rate int

	// Burst is the maximum burst size allowed per IP.
	Burst int

	// TrustProxy enables trusting X-Forwarded-For and X-Real-IP headers.
	// Only enable behind a trusted reverse proxy.
	TrustProxy bool

	// TrustedProxyCount is how many trailing X-Forwarded-For hops belong to
	// trusted infrastructure when TrustProxy is set.
	TrustedProxyCount int
}

// applySecureDefaults fills zero-valued fields and warns about risky settings.
func (c *Config) applySecureDefaults(logger *slog.Logger) {
	if c.TTLs.AuthorizationCode <= 0 {
		c.TTLs.AuthorizationCode = DefaultAuthorizationCodeTTL
	}
	if c.TTLs.AccessToken <= 0 {
		c.TTLs.AccessToken = DefaultAccessTokenTTL
	}
	if c.TTLs.RefreshToken <= 0 {
		c.TTLs.RefreshToken = DefaultRefreshTokenTTL
	}
	if c.TTLs.CsrfToken <= 0 {
		c.TTLs.CsrfToken = DefaultCsrfTokenTTL
	}
	if c.Limits.MaxRedirectURIs <= 0 {
		c.Limits.MaxRedirectURIs = DefaultMaxRedirectURIs
	}
	if c.Limits.MaxRedirectURILength <= 0 {
		c.Limits.MaxRedirectURILength = DefaultMaxRedirectURILength
	}
	c.Issuer = strings.TrimSuffix(c.Issuer, "/")
	if c.Resource == "" {
		c.Resource = c.Issuer + "/mcp"
	}
	if strings.HasPrefix(c.Issuer, "http://") && !isLoopbackIssuer(c.Issuer) {
		logger.Warn("issuer uses plain http on a non-loopback host; tokens travel in cleartext",
			"issuer", c.Issuer)
	}
	if c.RateLimit.Rate <= 0 {
		logger.Warn("admission gate disabled; OAuth endpoints accept unlimited requests per IP")
	}
	if c.RateLimit.TrustProxy && c.RateLimit.TrustedProxyCount <= 0 {
		c.RateLimit.TrustedProxyCount = 1
	}
}

func isLoopbackIssuer(issuer string) bool {
	rest := strings.TrimPrefix(issuer, "http://")
	host := rest
	if i := strings.IndexAny(rest, ":/"); i >= 0 {
		host = rest[:i]
	}
	return host == "localhost" || host == "127.0.0.1" || host == "::1" || host == "[::1]"
}
