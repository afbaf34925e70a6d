package storage

import (
	"context"
	"time"
)

// TokenKind distinguishes access tokens from refresh tokens.
type TokenKind string

const (
	// TokenKindAccess is a bearer token presented on protected endpoints
	TokenKindAccess TokenKind = "access"

	// TokenKindRefresh is a single-use token redeemed for a fresh token pair
	TokenKindRefresh TokenKind = "refresh"
)

// ClientStore defines the interface for managing OAuth client registrations.
// All methods accept context.Context for tracing and cancellation.
type ClientStore interface {
	// SaveClient saves a registered client.
	// Returns ErrCapacityExceeded when the registry is full.
	SaveClient(ctx context.Context, client *Client) error

	// GetClient retrieves a client by ID
	GetClient(ctx context.Context, clientID string) (*Client, error)

	// ValidateClientSecret validates a client's secret
	ValidateClientSecret(ctx context.Context, clientID, clientSecret string) error

	// ListClients lists all registered clients (for admin purposes)
	ListClients(ctx context.Context) ([]*Client, error)
}

// CsrfStore defines the interface for the single-use tokens guarding the
// consent form.
type CsrfStore interface {
	// SaveCsrfToken saves a freshly minted CSRF token
	SaveCsrfToken(ctx context.Context, token *CsrfToken) error

	// ConsumeCsrfToken atomically deletes the token and reports whether it was
	// live. The delete happens whether or not the caller's later checks pass,
	// so a replayed token fails even when the first submission failed too.
	// Returns ErrCsrfNotFound if the token is unknown, expired, or already
	// consumed.
	ConsumeCsrfToken(ctx context.Context, token string) error
}

// CodeStore defines the interface for managing authorization codes.
type CodeStore interface {
	// SaveAuthorizationCode saves an issued authorization code
	SaveAuthorizationCode(ctx context.Context, code *AuthorizationCode) error

	// ConsumeAuthorizationCode atomically retrieves and deletes a code.
	// A code leaves the store on its first redemption attempt regardless of
	// whether the caller's subsequent client, redirect URI, or PKCE checks
	// pass. Returns ErrCodeNotFound for an unknown or already-consumed code
	// and ErrCodeExpired for one whose expiry has passed (it is deleted).
	ConsumeAuthorizationCode(ctx context.Context, code string) (*AuthorizationCode, error)
}

// TokenStore defines the interface for managing access and refresh tokens.
type TokenStore interface {
	// SaveToken saves a token record
	SaveToken(ctx context.Context, token *Token) error

	// GetToken retrieves a token by value and kind. An expired token is
	// reported as ErrTokenExpired; a token of a different kind is reported
	// as ErrTokenNotFound.
	GetToken(ctx context.Context, value string, kind TokenKind) (*Token, error)

	// ConsumeRefreshToken atomically retrieves and deletes a refresh token.
	// This is the rotation primitive: once consumed, replaying the same
	// value yields ErrTokenNotFound.
	ConsumeRefreshToken(ctx context.Context, value string) (*Token, error)

	// DeleteToken removes a token by value
	DeleteToken(ctx context.Context, value string) error
}

// Client represents a registered OAuth client
type Client struct {
	ClientID                string
	ClientSecretHash        string // bcrypt hash, empty for public clients
	ClientType              string // "public" or "confidential"
	RedirectURIs            []string
	TokenEndpointAuthMethod string
	GrantTypes              []string
	ResponseTypes           []string
	ClientName              string
	Scopes                  []string
	CreatedAt               time.Time
}

// CsrfToken represents a single-use token bound to one rendered consent form
type CsrfToken struct {
	Token     string
	CreatedAt time.Time
	ExpiresAt time.Time
}

// AuthorizationCode represents an issued authorization code.
// A code is redeemable only by the client it was minted for, against the
// exact redirect URI recorded here.
type AuthorizationCode struct {
	Code                string
	ClientID            string
	RedirectURI         string
	Scope               string
	CodeChallenge       string
	CodeChallengeMethod string
	CreatedAt           time.Time
	ExpiresAt           time.Time
}

// Token represents an issued access or refresh token
type Token struct {
	Value     string
	Kind      TokenKind
	ClientID  string
	Scope     string
	CreatedAt time.Time
	ExpiresAt time.Time
}
