package oauth

import (
	"context"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"strings"
	"time"

	"golang.org/x/crypto/bcrypt"
	"golang.org/x/oauth2"

	"github.com/giantswarm/mcp-vinreport/instrumentation"
	"github.com/giantswarm/mcp-vinreport/security"
	"github.com/giantswarm/mcp-vinreport/storage"
)

// Server implements the OAuth 2.1 authorization server logic against the
// storage interfaces. It is transport-agnostic; Handler adapts it to HTTP.
type Server struct {
	clientStore storage.ClientStore
	csrfStore   storage.CsrfStore
	codeStore   storage.CodeStore
	tokenStore  storage.TokenStore
	auditor     *security.Auditor
	metrics     *instrumentation.Metrics
	logger      *slog.Logger
	config      *Config
}

// NewServer creates a new authorization server
func NewServer(
	clientStore storage.ClientStore,
	csrfStore storage.CsrfStore,
	codeStore storage.CodeStore,
	tokenStore storage.TokenStore,
	config *Config,
	logger *slog.Logger,
) (*Server, error) {
	if clientStore == nil {
		return nil, fmt.Errorf("client store is required")
	}
	if csrfStore == nil {
		return nil, fmt.Errorf("csrf store is required")
	}
	if codeStore == nil {
		return nil, fmt.Errorf("code store is required")
	}
	if tokenStore == nil {
		return nil, fmt.Errorf("token store is required")
	}
	if config == nil {
		config = &Config{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	if config.Logger != nil {
		logger = config.Logger
	}
	if config.Issuer == "" {
		return nil, fmt.Errorf("issuer is required")
	}

	config.applySecureDefaults(logger)

	return &Server{
		clientStore: clientStore,
		csrfStore:   csrfStore,
		codeStore:   codeStore,
		tokenStore:  tokenStore,
		config:      config,
		logger:      logger,
	}, nil
}

// SetAuditor attaches a security auditor (optional)
func (s *Server) SetAuditor(aud *security.Auditor) {
	s.auditor = aud
}

// Auditor returns the attached security auditor, or nil
func (s *Server) Auditor() *security.Auditor {
	return s.auditor
}

// SetMetrics attaches pre-built metrics instruments (optional)
func (s *Server) SetMetrics(m *instrumentation.Metrics) {
	s.metrics = m
}

// Config returns the effective configuration after secure defaults
func (s *Server) Config() *Config {
	return s.config
}

// GetClient retrieves a client by ID (for use by handler)
func (s *Server) GetClient(ctx context.Context, clientID string) (*storage.Client, error) {
	return s.clientStore.GetClient(ctx, clientID)
}

// generateRandomToken generates a cryptographically secure random token
// For PKCE verifiers, clients use oauth2.GenerateVerifier(); reusing it here
// keeps all opaque tokens at the same entropy
func generateRandomToken() string {
	return oauth2.GenerateVerifier()
}

// ==================== Dynamic Client Registration (RFC 7591) ====================

// RegisterClient registers a new OAuth client.
// Returns the stored client and the plaintext secret (empty for public clients).
func (s *Server) RegisterClient(ctx context.Context, req *ClientRegistrationRequest, clientIP string) (*storage.Client, string, error) {
	if len(req.RedirectURIs) == 0 {
		return nil, "", ErrInvalidRequest("redirect_uris is required")
	}
	if len(req.RedirectURIs) > s.config.Limits.MaxRedirectURIs {
		return nil, "", ErrInvalidRequest(fmt.Sprintf("at most %d redirect_uris are allowed", s.config.Limits.MaxRedirectURIs))
	}
	for _, uri := range req.RedirectURIs {
		if len(uri) > s.config.Limits.MaxRedirectURILength {
			return nil, "", ErrInvalidRedirectURI(fmt.Sprintf("redirect_uri exceeds %d bytes", s.config.Limits.MaxRedirectURILength))
		}
		if err := validateRedirectURISecurity(uri, s.config.Issuer); err != nil {
			return nil, "", ErrInvalidRedirectURI(err.Error())
		}
	}

	clientType := req.ClientType
	if clientType == "" {
		if req.TokenEndpointAuthMethod == "none" {
			clientType = "public"
		} else {
			clientType = "confidential"
		}
	}
	if clientType != "public" && clientType != "confidential" {
		return nil, "", ErrInvalidRequest(fmt.Sprintf("unknown client_type: %s", clientType))
	}

	clientID := generateRandomToken()

	var clientSecret string
	var clientSecretHash string
	if clientType == "confidential" {
		clientSecret = generateRandomToken()
		hash, err := bcrypt.GenerateFromPassword([]byte(clientSecret), bcrypt.DefaultCost)
		if err != nil {
			return nil, "", ErrServerError("failed to hash client secret")
		}
		clientSecretHash = string(hash)
	}

	client := &storage.Client{
		ClientID:                clientID,
		ClientSecretHash:        clientSecretHash,
		ClientType:              clientType,
		RedirectURIs:            req.RedirectURIs,
		TokenEndpointAuthMethod: "client_secret_basic",
		GrantTypes:              []string{"authorization_code", "refresh_token"},
		ResponseTypes:           []string{"code"},
		ClientName:              req.ClientName,
		Scopes:                  strings.Fields(req.Scope),
		CreatedAt:               time.Now(),
	}
	if clientType == "public" {
		client.TokenEndpointAuthMethod = "none"
	}

	if err := s.clientStore.SaveClient(ctx, client); err != nil {
		if errors.Is(err, storage.ErrCapacityExceeded) {
			if s.auditor != nil {
				s.auditor.LogCapacityExceeded("client_registry", clientIP)
			}
			if s.metrics != nil {
				s.metrics.RecordCapacityExceeded(ctx, "client_registry")
			}
			return nil, "", ErrCapacityExceeded("client registry is full")
		}
		return nil, "", ErrServerError("failed to save client")
	}

	if s.auditor != nil {
		s.auditor.LogClientRegistered(clientID, clientType, clientIP)
	}
	if s.metrics != nil {
		s.metrics.RecordClientRegistration(ctx, clientType)
	}

	s.logger.Info("Registered new OAuth client",
		"client_name", req.ClientName,
		"client_type", clientType,
		"client_ip", clientIP)

	return client, clientSecret, nil
}

// ==================== Authorization Endpoint ====================

// Authorize validates an authorization request and prepares the consent page.
// No server-side state is kept for the request itself; every parameter is
// round-tripped through the consent form under a single-use CSRF token.
func (s *Server) Authorize(ctx context.Context, clientID, redirectURI, responseType, scope, state, codeChallenge, codeChallengeMethod string) (*ConsentData, error) {
	if clientID == "" {
		return nil, ErrInvalidRequest("client_id is required")
	}
	if redirectURI == "" {
		return nil, ErrInvalidRequest("redirect_uri is required")
	}

	client, err := s.clientStore.GetClient(ctx, clientID)
	if err != nil {
		if s.auditor != nil {
			s.auditor.LogAuthFailure(clientID, "", "unknown_client")
		}
		return nil, ErrUnauthorizedClient("unknown client")
	}

	if err := s.validateRedirectURI(client, redirectURI); err != nil {
		if s.auditor != nil {
			s.auditor.LogAuthFailure(clientID, "", "invalid_redirect_uri")
		}
		return nil, ErrInvalidRedirectURI(err.Error())
	}

	if responseType != "code" {
		return nil, ErrInvalidRequest(fmt.Sprintf("unsupported response_type: %s", responseType))
	}

	// PKCE is mandatory (OAuth 2.1), S256 only
	if codeChallenge == "" {
		if s.auditor != nil {
			s.auditor.LogAuthFailure(clientID, "", "missing_pkce_parameters")
		}
		return nil, ErrInvalidRequest("code_challenge is required")
	}
	if codeChallengeMethod != "S256" {
		if s.auditor != nil {
			s.auditor.LogAuthFailure(clientID, "", fmt.Sprintf("invalid_pkce_method: %s", codeChallengeMethod))
		}
		return nil, ErrInvalidRequest("code_challenge_method must be S256")
	}
	if err := validateChallengeFormat(codeChallenge); err != nil {
		return nil, ErrInvalidRequest(err.Error())
	}

	csrfToken := generateRandomToken()
	now := time.Now()
	if err := s.csrfStore.SaveCsrfToken(ctx, &storage.CsrfToken{
		Token:     csrfToken,
		CreatedAt: now,
		ExpiresAt: now.Add(s.config.TTLs.CsrfToken),
	}); err != nil {
		return nil, ErrServerError("failed to save csrf token")
	}

	if s.metrics != nil {
		s.metrics.RecordConsentRendered(ctx, clientID)
	}

	return &ConsentData{
		CsrfToken:           csrfToken,
		ClientID:            clientID,
		ClientName:          client.ClientName,
		RedirectURI:         redirectURI,
		Scope:               scope,
		State:               state,
		CodeChallenge:       codeChallenge,
		CodeChallengeMethod: codeChallengeMethod,
	}, nil
}

// Approve consumes the consent form submission and mints an authorization code.
// The CSRF token is consumed before anything else is checked, so a replayed
// form fails even when the first submission was itself rejected.
// Returns the redirect URL carrying the code and the client's state.
func (s *Server) Approve(ctx context.Context, consent *ConsentData, clientIP string) (string, error) {
	if err := s.csrfStore.ConsumeCsrfToken(ctx, consent.CsrfToken); err != nil {
		if s.auditor != nil {
			s.auditor.LogCsrfRejected(consent.ClientID, clientIP)
		}
		if s.metrics != nil {
			s.metrics.RecordCsrfRejected(ctx)
		}
		return "", ErrCsrfMismatch("csrf token is missing, expired, or already used")
	}

	// The form parameters round-tripped through the browser; re-validate all
	// of them as if this were a fresh authorization request
	client, err := s.clientStore.GetClient(ctx, consent.ClientID)
	if err != nil {
		if s.auditor != nil {
			s.auditor.LogAuthFailure(consent.ClientID, clientIP, "unknown_client")
		}
		return "", ErrUnauthorizedClient("unknown client")
	}
	if err := s.validateRedirectURI(client, consent.RedirectURI); err != nil {
		if s.auditor != nil {
			s.auditor.LogAuthFailure(consent.ClientID, clientIP, "invalid_redirect_uri")
		}
		return "", ErrInvalidRedirectURI(err.Error())
	}
	if consent.CodeChallenge == "" || consent.CodeChallengeMethod != "S256" {
		return "", ErrInvalidRequest("code_challenge with method S256 is required")
	}
	if err := validateChallengeFormat(consent.CodeChallenge); err != nil {
		return "", ErrInvalidRequest(err.Error())
	}

	code := generateRandomToken()
	now := time.Now()
	if err := s.codeStore.SaveAuthorizationCode(ctx, &storage.AuthorizationCode{
		Code:                code,
		ClientID:            consent.ClientID,
		RedirectURI:         consent.RedirectURI,
		Scope:               consent.Scope,
		CodeChallenge:       consent.CodeChallenge,
		CodeChallengeMethod: consent.CodeChallengeMethod,
		CreatedAt:           now,
		ExpiresAt:           now.Add(s.config.TTLs.AuthorizationCode),
	}); err != nil {
		return "", ErrServerError("failed to save authorization code")
	}

	if s.auditor != nil {
		s.auditor.LogConsentApproved(consent.ClientID, clientIP, consent.Scope)
	}
	if s.metrics != nil {
		s.metrics.RecordConsentApproved(ctx, consent.ClientID)
	}

	redirect, err := url.Parse(consent.RedirectURI)
	if err != nil {
		return "", ErrInvalidRedirectURI("redirect_uri is not a valid URL")
	}
	query := redirect.Query()
	query.Set("code", code)
	if consent.State != "" {
		query.Set("state", consent.State)
	}
	redirect.RawQuery = query.Encode()

	return redirect.String(), nil
}

// ==================== Token Endpoint ====================

// ExchangeAuthorizationCode redeems an authorization code for a token pair.
// The code is consumed atomically before any validation runs against it, so
// a failed redemption attempt burns the code just like a successful one.
func (s *Server) ExchangeAuthorizationCode(ctx context.Context, code, clientID, clientSecret, redirectURI, codeVerifier, clientIP string) (*TokenResponse, error) {
	authCode, err := s.codeStore.ConsumeAuthorizationCode(ctx, code)
	if err != nil {
		if s.auditor != nil {
			s.auditor.LogAuthFailure(clientID, clientIP, "invalid_authorization_code")
		}
		return nil, ErrInvalidGrant("authorization code is invalid or expired")
	}

	if authCode.ClientID != clientID {
		if s.auditor != nil {
			s.auditor.LogAuthFailure(clientID, clientIP, "authorization_code_client_mismatch")
		}
		return nil, ErrInvalidGrant("authorization code was issued to another client")
	}

	client, err := s.clientStore.GetClient(ctx, clientID)
	if err != nil {
		return nil, ErrInvalidGrant("unknown client")
	}
	if client.ClientType == "confidential" {
		if err := s.clientStore.ValidateClientSecret(ctx, clientID, clientSecret); err != nil {
			if s.auditor != nil {
				s.auditor.LogAuthFailure(clientID, clientIP, "client_authentication_failed")
			}
			return nil, ErrInvalidClient("client authentication failed")
		}
	}

	if authCode.RedirectURI != redirectURI {
		if s.auditor != nil {
			s.auditor.LogAuthFailure(clientID, clientIP, "redirect_uri_mismatch")
		}
		return nil, ErrInvalidGrant("redirect_uri does not match the authorization request")
	}

	if err := validatePKCE(authCode.CodeChallenge, codeVerifier); err != nil {
		if s.auditor != nil {
			s.auditor.LogAuthFailure(clientID, clientIP, fmt.Sprintf("pkce_validation_failed: %v", err))
		}
		if s.metrics != nil {
			s.metrics.RecordPKCEFailed(ctx)
		}
		return nil, ErrInvalidGrant(fmt.Sprintf("PKCE validation failed: %v", err))
	}

	resp, err := s.issueTokenPair(ctx, clientID, authCode.Scope)
	if err != nil {
		return nil, err
	}

	if s.auditor != nil {
		s.auditor.LogTokenIssued(clientID, clientIP, authCode.Scope)
	}
	if s.metrics != nil {
		s.metrics.RecordCodeExchange(ctx, clientID, true)
	}

	return resp, nil
}

// RefreshAccessToken rotates a refresh token into a fresh token pair.
// Client checks run against a read of the token record; the token is only
// consumed once the caller has proven it may rotate it, so a third party
// submitting a stolen token value with bad credentials cannot burn the
// legitimate client's token. Consumption itself is atomic, so concurrent
// rotations still yield exactly one winner.
func (s *Server) RefreshAccessToken(ctx context.Context, refreshToken, clientID, clientSecret, clientIP string) (*TokenResponse, error) {
	token, err := s.tokenStore.GetToken(ctx, refreshToken, storage.TokenKindRefresh)
	if err != nil {
		if s.auditor != nil {
			s.auditor.LogAuthFailure(clientID, clientIP, "invalid_refresh_token")
		}
		return nil, ErrInvalidGrant("refresh token is invalid or expired")
	}

	if clientID != "" && token.ClientID != clientID {
		if s.auditor != nil {
			s.auditor.LogAuthFailure(clientID, clientIP, "refresh_token_client_mismatch")
		}
		return nil, ErrInvalidGrant("refresh token was issued to another client")
	}

	client, err := s.clientStore.GetClient(ctx, token.ClientID)
	if err != nil {
		return nil, ErrInvalidGrant("unknown client")
	}
	if client.ClientType == "confidential" {
		if err := s.clientStore.ValidateClientSecret(ctx, token.ClientID, clientSecret); err != nil {
			if s.auditor != nil {
				s.auditor.LogAuthFailure(token.ClientID, clientIP, "client_authentication_failed")
			}
			return nil, ErrInvalidClient("client authentication failed")
		}
	}

	if _, err := s.tokenStore.ConsumeRefreshToken(ctx, refreshToken); err != nil {
		// Lost a race against a concurrent rotation of the same token
		return nil, ErrInvalidGrant("refresh token is invalid or expired")
	}

	resp, err := s.issueTokenPair(ctx, token.ClientID, token.Scope)
	if err != nil {
		return nil, err
	}

	if s.auditor != nil {
		s.auditor.LogTokenRotated(token.ClientID, clientIP)
	}
	if s.metrics != nil {
		s.metrics.RecordTokenRotation(ctx, token.ClientID)
	}

	s.logger.Info("Refresh token rotated", "client_id", token.ClientID)

	return resp, nil
}

// issueTokenPair mints and stores a new access and refresh token pair
func (s *Server) issueTokenPair(ctx context.Context, clientID, scope string) (*TokenResponse, error) {
	accessToken := generateRandomToken()
	refreshToken := generateRandomToken()
	now := time.Now()

	if err := s.tokenStore.SaveToken(ctx, &storage.Token{
		Value:     accessToken,
		Kind:      storage.TokenKindAccess,
		ClientID:  clientID,
		Scope:     scope,
		CreatedAt: now,
		ExpiresAt: now.Add(s.config.TTLs.AccessToken),
	}); err != nil {
		return nil, ErrServerError("failed to save access token")
	}
	if err := s.tokenStore.SaveToken(ctx, &storage.Token{
		Value:     refreshToken,
		Kind:      storage.TokenKindRefresh,
		ClientID:  clientID,
		Scope:     scope,
		CreatedAt: now,
		ExpiresAt: now.Add(s.config.TTLs.RefreshToken),
	}); err != nil {
		return nil, ErrServerError("failed to save refresh token")
	}

	return &TokenResponse{
		AccessToken:  accessToken,
		TokenType:    "Bearer",
		ExpiresIn:    int64(s.config.TTLs.AccessToken / time.Second),
		RefreshToken: refreshToken,
		Scope:        scope,
	}, nil
}

// ==================== Bearer Validation ====================

// ValidateAccessToken checks a bearer token and returns its record.
// An expired token is indistinguishable from an unknown one.
func (s *Server) ValidateAccessToken(ctx context.Context, accessToken string) (*storage.Token, error) {
	token, err := s.tokenStore.GetToken(ctx, accessToken, storage.TokenKindAccess)
	if err != nil {
		return nil, ErrInvalidToken("access token is invalid or expired")
	}
	return token, nil
}

// ==================== Validation Helpers ====================

// validateRedirectURI validates that a redirect URI is registered and secure
func (s *Server) validateRedirectURI(client *storage.Client, redirectURI string) error {
	found := false
	for _, uri := range client.RedirectURIs {
		if uri == redirectURI {
			found = true
			break
		}
	}
	if !found {
		return fmt.Errorf("redirect URI not registered for client")
	}
	return validateRedirectURISecurity(redirectURI, s.config.Issuer)
}

// validateRedirectURISecurity performs security validation on redirect URIs
// per OAuth 2.0 Security Best Current Practice
func validateRedirectURISecurity(redirectURI, serverIssuer string) error {
	parsed, err := url.Parse(redirectURI)
	if err != nil {
		return fmt.Errorf("invalid redirect_uri format: %w", err)
	}

	// OAuth 2.0 Security BCP Section 4.1.3: redirect_uri MUST NOT contain fragments
	if parsed.Fragment != "" {
		return fmt.Errorf("redirect_uri must not contain fragments")
	}

	scheme := strings.ToLower(parsed.Scheme)
	if scheme == "" {
		return fmt.Errorf("redirect_uri must be absolute")
	}

	dangerousSchemes := []string{"javascript", "data", "file", "vbscript", "about"}
	for _, dangerous := range dangerousSchemes {
		if scheme == dangerous {
			return fmt.Errorf("redirect_uri scheme '%s' is not allowed", scheme)
		}
	}

	if scheme == "http" {
		hostname := strings.ToLower(parsed.Hostname())
		isLoopback := hostname == "localhost" || hostname == "127.0.0.1" ||
			hostname == "::1" || hostname == "[::1]"
		if !isLoopback {
			if serverParsed, err := url.Parse(serverIssuer); err == nil && serverParsed.Scheme == "https" {
				return fmt.Errorf("redirect_uri must use HTTPS in production (got %s://)", scheme)
			}
		}
	}
	// Custom schemes (myapp://, etc.) are allowed for native/mobile apps

	return nil
}

// validateChallengeFormat checks the code_challenge shape per RFC 7636:
// 43-128 characters from the base64url alphabet
func validateChallengeFormat(challenge string) error {
	if len(challenge) < 43 || len(challenge) > 128 {
		return fmt.Errorf("code_challenge must be 43-128 characters (RFC 7636)")
	}
	for _, ch := range challenge {
		if (ch < 'A' || ch > 'Z') && (ch < 'a' || ch > 'z') && (ch < '0' || ch > '9') &&
			ch != '-' && ch != '.' && ch != '_' && ch != '~' {
			return fmt.Errorf("code_challenge contains invalid characters (must be [A-Za-z0-9-._~])")
		}
	}
	return nil
}

// validatePKCE validates the PKCE code verifier against the challenge per RFC 7636.
// Only the S256 method is supported.
func validatePKCE(challenge, verifier string) error {
	if verifier == "" {
		return fmt.Errorf("code_verifier is required")
	}

	// RFC 7636: code_verifier must be 43-128 characters
	if len(verifier) < 43 {
		return fmt.Errorf("code_verifier must be at least 43 characters (RFC 7636)")
	}
	if len(verifier) > 128 {
		return fmt.Errorf("code_verifier must be at most 128 characters (RFC 7636)")
	}

	// RFC 7636: code_verifier can only contain [A-Z] / [a-z] / [0-9] / "-" / "." / "_" / "~"
	for _, ch := range verifier {
		if (ch < 'A' || ch > 'Z') && (ch < 'a' || ch > 'z') && (ch < '0' || ch > '9') &&
			ch != '-' && ch != '.' && ch != '_' && ch != '~' {
			return fmt.Errorf("code_verifier contains invalid characters (must be [A-Za-z0-9-._~])")
		}
	}

	hash := sha256.Sum256([]byte(verifier))
	computedChallenge := base64.RawURLEncoding.EncodeToString(hash[:])

	// Constant-time comparison to prevent timing attacks
	if subtle.ConstantTimeCompare([]byte(computedChallenge), []byte(challenge)) != 1 {
		return fmt.Errorf("code_verifier does not match code_challenge")
	}

	return nil
}
