package oauth

import (
	"context"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"net/http"
	"net/url"
	"strings"
	"testing"
	"time"

	"golang.org/x/oauth2"

	"github.com/giantswarm/mcp-vinreport/storage/memory"
)

const testIssuer = "https://vin.example.com"

func newTestServer(t *testing.T) *Server {
	t.Helper()
	return newTestServerWithCapacity(t, 0)
}

func newTestServerWithCapacity(t *testing.T, maxClients int) *Server {
	t.Helper()

	var store *memory.Store
	if maxClients > 0 {
		store = memory.NewWithCapacity(maxClients)
	} else {
		store = memory.New()
	}

	srv, err := NewServer(store, store, store, store, &Config{Issuer: testIssuer}, nil)
	if err != nil {
		t.Fatalf("NewServer() error = %v", err)
	}
	return srv
}

func registerTestClient(t *testing.T, srv *Server, authMethod string) (clientID, clientSecret string) {
	t.Helper()

	client, secret, err := srv.RegisterClient(context.Background(), &ClientRegistrationRequest{
		RedirectURIs:            []string{"https://client.example.com/callback"},
		TokenEndpointAuthMethod: authMethod,
		ClientName:              "Test Client",
	}, "203.0.113.7")
	if err != nil {
		t.Fatalf("RegisterClient() error = %v", err)
	}
	return client.ClientID, secret
}

func pkcePair() (verifier, challenge string) {
	verifier = oauth2.GenerateVerifier()
	hash := sha256.Sum256([]byte(verifier))
	return verifier, base64.RawURLEncoding.EncodeToString(hash[:])
}

// obtainCode runs the authorize + approve steps and extracts the code
func obtainCode(t *testing.T, srv *Server, clientID, challenge string) string {
	t.Helper()
	ctx := context.Background()

	consent, err := srv.Authorize(ctx, clientID, "https://client.example.com/callback", "code", "report:read", "xyz", challenge, "S256")
	if err != nil {
		t.Fatalf("Authorize() error = %v", err)
	}

	redirectURL, err := srv.Approve(ctx, consent, "203.0.113.7")
	if err != nil {
		t.Fatalf("Approve() error = %v", err)
	}

	parsed, err := url.Parse(redirectURL)
	if err != nil {
		t.Fatalf("redirect URL parse error = %v", err)
	}
	code := parsed.Query().Get("code")
	if code == "" {
		t.Fatal("redirect URL carries no code")
	}
	return code
}

func assertOAuthError(t *testing.T, err error, wantCode string, wantStatus int) {
	t.Helper()
	oauthErr := &OAuthError{}
	if !errors.As(err, &oauthErr) {
		t.Fatalf("error = %v, want *OAuthError", err)
	}
	if oauthErr.Code != wantCode {
		t.Errorf("error code = %q, want %q", oauthErr.Code, wantCode)
	}
	if oauthErr.Status != wantStatus {
		t.Errorf("error status = %d, want %d", oauthErr.Status, wantStatus)
	}
}

// ============================================================
// Client Registration Tests
// ============================================================

func TestRegisterClient_PublicClient(t *testing.T) {
	srv := newTestServer(t)

	client, secret, err := srv.RegisterClient(context.Background(), &ClientRegistrationRequest{
		RedirectURIs:            []string{"https://client.example.com/callback"},
		TokenEndpointAuthMethod: "none",
	}, "203.0.113.7")
	if err != nil {
		t.Fatalf("RegisterClient() error = %v", err)
	}

	if client.ClientType != "public" {
		t.Errorf("ClientType = %q, want %q", client.ClientType, "public")
	}
	if secret != "" {
		t.Error("public client should get no secret")
	}
	if client.TokenEndpointAuthMethod != "none" {
		t.Errorf("TokenEndpointAuthMethod = %q, want %q", client.TokenEndpointAuthMethod, "none")
	}
}

func TestRegisterClient_ConfidentialClient(t *testing.T) {
	srv := newTestServer(t)

	client, secret, err := srv.RegisterClient(context.Background(), &ClientRegistrationRequest{
		RedirectURIs: []string{"https://client.example.com/callback"},
	}, "203.0.113.7")
	if err != nil {
		t.Fatalf("RegisterClient() error = %v", err)
	}

	if client.ClientType != "confidential" {
		t.Errorf("ClientType = %q, want %q", client.ClientType, "confidential")
	}
	if secret == "" {
		t.Error("confidential client should get a secret")
	}
	if client.ClientSecretHash == "" {
		t.Error("stored client should carry a secret hash")
	}
	if strings.Contains(client.ClientSecretHash, secret) {
		t.Error("secret must not be stored in plaintext")
	}
}

func TestRegisterClient_MissingRedirectURIs(t *testing.T) {
	srv := newTestServer(t)

	_, _, err := srv.RegisterClient(context.Background(), &ClientRegistrationRequest{}, "203.0.113.7")
	assertOAuthError(t, err, ErrorCodeInvalidRequest, http.StatusBadRequest)
}

func TestRegisterClient_TooManyRedirectURIs(t *testing.T) {
	srv := newTestServer(t)

	uris := make([]string, DefaultMaxRedirectURIs+1)
	for i := range uris {
		uris[i] = "https://client.example.com/cb"
	}

	_, _, err := srv.RegisterClient(context.Background(), &ClientRegistrationRequest{RedirectURIs: uris}, "203.0.113.7")
	assertOAuthError(t, err, ErrorCodeInvalidRequest, http.StatusBadRequest)
}

func TestRegisterClient_OversizedRedirectURI(t *testing.T) {
	srv := newTestServer(t)

	long := "https://client.example.com/" + strings.Repeat("a", DefaultMaxRedirectURILength)
	_, _, err := srv.RegisterClient(context.Background(), &ClientRegistrationRequest{RedirectURIs: []string{long}}, "203.0.113.7")
	assertOAuthError(t, err, ErrorCodeInvalidRedirectURI, http.StatusBadRequest)
}

func TestRegisterClient_DangerousRedirectScheme(t *testing.T) {
	srv := newTestServer(t)

	_, _, err := srv.RegisterClient(context.Background(), &ClientRegistrationRequest{
		RedirectURIs: []string{"javascript:alert(1)"},
	}, "203.0.113.7")
	assertOAuthError(t, err, ErrorCodeInvalidRedirectURI, http.StatusBadRequest)
}

func TestRegisterClient_CapacityExceeded(t *testing.T) {
	srv := newTestServerWithCapacity(t, 2)
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		if _, _, err := srv.RegisterClient(ctx, &ClientRegistrationRequest{
			RedirectURIs: []string{"https://client.example.com/callback"},
		}, "203.0.113.7"); err != nil {
			t.Fatalf("RegisterClient() #%d error = %v", i, err)
		}
	}

	_, _, err := srv.RegisterClient(ctx, &ClientRegistrationRequest{
		RedirectURIs: []string{"https://client.example.com/callback"},
	}, "203.0.113.7")
	assertOAuthError(t, err, ErrorCodeCapacityExceeded, http.StatusServiceUnavailable)
}

// ============================================================
// Authorization Endpoint Tests
// ============================================================

func TestAuthorize_MissingClientID(t *testing.T) {
	srv := newTestServer(t)
	_, challenge := pkcePair()

	_, err := srv.Authorize(context.Background(), "", "https://client.example.com/callback", "code", "", "xyz", challenge, "S256")
	assertOAuthError(t, err, ErrorCodeInvalidRequest, http.StatusBadRequest)
}

func TestAuthorize_MissingRedirectURI(t *testing.T) {
	srv := newTestServer(t)
	clientID, _ := registerTestClient(t, srv, "none")
	_, challenge := pkcePair()

	_, err := srv.Authorize(context.Background(), clientID, "", "code", "", "xyz", challenge, "S256")
	assertOAuthError(t, err, ErrorCodeInvalidRequest, http.StatusBadRequest)
}

func TestAuthorize_UnknownClient(t *testing.T) {
	srv := newTestServer(t)
	_, challenge := pkcePair()

	_, err := srv.Authorize(context.Background(), "no-such-client", "https://client.example.com/callback", "code", "", "xyz", challenge, "S256")
	assertOAuthError(t, err, ErrorCodeUnauthorizedClient, http.StatusBadRequest)
}

func TestAuthorize_UnregisteredRedirectURI(t *testing.T) {
	srv := newTestServer(t)
	clientID, _ := registerTestClient(t, srv, "none")
	_, challenge := pkcePair()

	_, err := srv.Authorize(context.Background(), clientID, "https://evil.example.com/steal", "code", "", "xyz", challenge, "S256")
	assertOAuthError(t, err, ErrorCodeInvalidRedirectURI, http.StatusBadRequest)
}

func TestAuthorize_PKCERequired(t *testing.T) {
	srv := newTestServer(t)
	clientID, _ := registerTestClient(t, srv, "none")

	_, err := srv.Authorize(context.Background(), clientID, "https://client.example.com/callback", "code", "", "xyz", "", "")
	assertOAuthError(t, err, ErrorCodeInvalidRequest, http.StatusBadRequest)
}

func TestAuthorize_PlainPKCERejected(t *testing.T) {
	srv := newTestServer(t)
	clientID, _ := registerTestClient(t, srv, "none")
	_, challenge := pkcePair()

	_, err := srv.Authorize(context.Background(), clientID, "https://client.example.com/callback", "code", "", "xyz", challenge, "plain")
	assertOAuthError(t, err, ErrorCodeInvalidRequest, http.StatusBadRequest)
}

func TestAuthorize_IssuesCsrfToken(t *testing.T) {
	srv := newTestServer(t)
	clientID, _ := registerTestClient(t, srv, "none")
	_, challenge := pkcePair()

	consent, err := srv.Authorize(context.Background(), clientID, "https://client.example.com/callback", "code", "report:read", "xyz", challenge, "S256")
	if err != nil {
		t.Fatalf("Authorize() error = %v", err)
	}
	if consent.CsrfToken == "" {
		t.Error("ConsentData carries no CSRF token")
	}
	if consent.State != "xyz" {
		t.Errorf("State = %q, want %q", consent.State, "xyz")
	}
}

// ============================================================
// Consent Approval Tests
// ============================================================

func TestApprove_RedirectCarriesCodeAndState(t *testing.T) {
	srv := newTestServer(t)
	clientID, _ := registerTestClient(t, srv, "none")
	_, challenge := pkcePair()

	consent, err := srv.Authorize(context.Background(), clientID, "https://client.example.com/callback", "code", "", "client-state", challenge, "S256")
	if err != nil {
		t.Fatalf("Authorize() error = %v", err)
	}

	redirectURL, err := srv.Approve(context.Background(), consent, "203.0.113.7")
	if err != nil {
		t.Fatalf("Approve() error = %v", err)
	}

	parsed, err := url.Parse(redirectURL)
	if err != nil {
		t.Fatalf("redirect URL parse error = %v", err)
	}
	if parsed.Host != "client.example.com" {
		t.Errorf("redirect host = %q, want %q", parsed.Host, "client.example.com")
	}
	if parsed.Query().Get("code") == "" {
		t.Error("redirect URL carries no code")
	}
	if got := parsed.Query().Get("state"); got != "client-state" {
		t.Errorf("state = %q, want %q", got, "client-state")
	}
}

func TestApprove_CsrfSingleUse(t *testing.T) {
	srv := newTestServer(t)
	clientID, _ := registerTestClient(t, srv, "none")
	_, challenge := pkcePair()

	consent, err := srv.Authorize(context.Background(), clientID, "https://client.example.com/callback", "code", "", "xyz", challenge, "S256")
	if err != nil {
		t.Fatalf("Authorize() error = %v", err)
	}

	if _, err := srv.Approve(context.Background(), consent, "203.0.113.7"); err != nil {
		t.Fatalf("Approve() first use error = %v", err)
	}

	_, err = srv.Approve(context.Background(), consent, "203.0.113.7")
	assertOAuthError(t, err, ErrorCodeCsrfMismatch, http.StatusForbidden)
}

func TestApprove_CsrfConsumedEvenWhenValidationFails(t *testing.T) {
	srv := newTestServer(t)
	clientID, _ := registerTestClient(t, srv, "none")
	_, challenge := pkcePair()

	consent, err := srv.Authorize(context.Background(), clientID, "https://client.example.com/callback", "code", "", "xyz", challenge, "S256")
	if err != nil {
		t.Fatalf("Authorize() error = %v", err)
	}

	// Tamper with the round-tripped redirect URI: the submission fails, but
	// the CSRF token is consumed anyway
	tampered := *consent
	tampered.RedirectURI = "https://evil.example.com/steal"
	_, err = srv.Approve(context.Background(), &tampered, "203.0.113.7")
	assertOAuthError(t, err, ErrorCodeInvalidRedirectURI, http.StatusBadRequest)

	// Replaying the original, untampered form fails on the CSRF check
	_, err = srv.Approve(context.Background(), consent, "203.0.113.7")
	assertOAuthError(t, err, ErrorCodeCsrfMismatch, http.StatusForbidden)
}

// ============================================================
// Code Exchange Tests
// ============================================================

func TestExchangeAuthorizationCode_Success(t *testing.T) {
	srv := newTestServer(t)
	clientID, _ := registerTestClient(t, srv, "none")
	verifier, challenge := pkcePair()
	code := obtainCode(t, srv, clientID, challenge)

	resp, err := srv.ExchangeAuthorizationCode(context.Background(), code, clientID, "", "https://client.example.com/callback", verifier, "203.0.113.7")
	if err != nil {
		t.Fatalf("ExchangeAuthorizationCode() error = %v", err)
	}

	if resp.AccessToken == "" || resp.RefreshToken == "" {
		t.Error("token response missing access or refresh token")
	}
	if resp.TokenType != "Bearer" {
		t.Errorf("TokenType = %q, want %q", resp.TokenType, "Bearer")
	}
	if resp.ExpiresIn != int64(DefaultAccessTokenTTL/time.Second) {
		t.Errorf("ExpiresIn = %d, want %d", resp.ExpiresIn, int64(DefaultAccessTokenTTL/time.Second))
	}
	if resp.Scope != "report:read" {
		t.Errorf("Scope = %q, want %q", resp.Scope, "report:read")
	}

	if _, err := srv.ValidateAccessToken(context.Background(), resp.AccessToken); err != nil {
		t.Errorf("ValidateAccessToken() on fresh token error = %v", err)
	}
}

func TestExchangeAuthorizationCode_SingleUse(t *testing.T) {
	srv := newTestServer(t)
	clientID, _ := registerTestClient(t, srv, "none")
	verifier, challenge := pkcePair()
	code := obtainCode(t, srv, clientID, challenge)

	if _, err := srv.ExchangeAuthorizationCode(context.Background(), code, clientID, "", "https://client.example.com/callback", verifier, "203.0.113.7"); err != nil {
		t.Fatalf("ExchangeAuthorizationCode() first use error = %v", err)
	}

	_, err := srv.ExchangeAuthorizationCode(context.Background(), code, clientID, "", "https://client.example.com/callback", verifier, "203.0.113.7")
	assertOAuthError(t, err, ErrorCodeInvalidGrant, http.StatusBadRequest)
}

func TestExchangeAuthorizationCode_ShortVerifierBurnsCode(t *testing.T) {
	srv := newTestServer(t)
	clientID, _ := registerTestClient(t, srv, "none")
	verifier, challenge := pkcePair()
	code := obtainCode(t, srv, clientID, challenge)

	// A verifier like "abc" fails PKCE before hashing even happens
	_, err := srv.ExchangeAuthorizationCode(context.Background(), code, clientID, "", "https://client.example.com/callback", "abc", "203.0.113.7")
	assertOAuthError(t, err, ErrorCodeInvalidGrant, http.StatusBadRequest)

	// The failed attempt consumed the code; the correct verifier is too late
	_, err = srv.ExchangeAuthorizationCode(context.Background(), code, clientID, "", "https://client.example.com/callback", verifier, "203.0.113.7")
	assertOAuthError(t, err, ErrorCodeInvalidGrant, http.StatusBadRequest)
}

func TestExchangeAuthorizationCode_WrongVerifier(t *testing.T) {
	srv := newTestServer(t)
	clientID, _ := registerTestClient(t, srv, "none")
	_, challenge := pkcePair()
	code := obtainCode(t, srv, clientID, challenge)

	wrongVerifier, _ := pkcePair()
	_, err := srv.ExchangeAuthorizationCode(context.Background(), code, clientID, "", "https://client.example.com/callback", wrongVerifier, "203.0.113.7")
	assertOAuthError(t, err, ErrorCodeInvalidGrant, http.StatusBadRequest)
}

func TestExchangeAuthorizationCode_ClientMismatch(t *testing.T) {
	srv := newTestServer(t)
	clientID, _ := registerTestClient(t, srv, "none")
	otherClientID, _ := registerTestClient(t, srv, "none")
	verifier, challenge := pkcePair()
	code := obtainCode(t, srv, clientID, challenge)

	_, err := srv.ExchangeAuthorizationCode(context.Background(), code, otherClientID, "", "https://client.example.com/callback", verifier, "203.0.113.7")
	assertOAuthError(t, err, ErrorCodeInvalidGrant, http.StatusBadRequest)

	// The mismatch attempt burned the code for the rightful client too
	_, err = srv.ExchangeAuthorizationCode(context.Background(), code, clientID, "", "https://client.example.com/callback", verifier, "203.0.113.7")
	assertOAuthError(t, err, ErrorCodeInvalidGrant, http.StatusBadRequest)
}

func TestExchangeAuthorizationCode_RedirectMismatch(t *testing.T) {
	srv := newTestServer(t)
	clientID, _ := registerTestClient(t, srv, "none")
	verifier, challenge := pkcePair()
	code := obtainCode(t, srv, clientID, challenge)

	_, err := srv.ExchangeAuthorizationCode(context.Background(), code, clientID, "", "https://client.example.com/other", verifier, "203.0.113.7")
	assertOAuthError(t, err, ErrorCodeInvalidGrant, http.StatusBadRequest)
}

func TestExchangeAuthorizationCode_ConfidentialClientAuth(t *testing.T) {
	srv := newTestServer(t)
	clientID, clientSecret := registerTestClient(t, srv, "client_secret_basic")
	verifier, challenge := pkcePair()
	code := obtainCode(t, srv, clientID, challenge)

	_, err := srv.ExchangeAuthorizationCode(context.Background(), code, clientID, "wrong-secret", "https://client.example.com/callback", verifier, "203.0.113.7")
	assertOAuthError(t, err, ErrorCodeInvalidClient, http.StatusUnauthorized)

	// The code is burned regardless of the authentication failure
	_, err = srv.ExchangeAuthorizationCode(context.Background(), code, clientID, clientSecret, "https://client.example.com/callback", verifier, "203.0.113.7")
	assertOAuthError(t, err, ErrorCodeInvalidGrant, http.StatusBadRequest)
}

// ============================================================
// Refresh Rotation Tests
// ============================================================

func TestRefreshAccessToken_Rotation(t *testing.T) {
	srv := newTestServer(t)
	clientID, _ := registerTestClient(t, srv, "none")
	verifier, challenge := pkcePair()
	code := obtainCode(t, srv, clientID, challenge)

	first, err := srv.ExchangeAuthorizationCode(context.Background(), code, clientID, "", "https://client.example.com/callback", verifier, "203.0.113.7")
	if err != nil {
		t.Fatalf("ExchangeAuthorizationCode() error = %v", err)
	}

	second, err := srv.RefreshAccessToken(context.Background(), first.RefreshToken, clientID, "", "203.0.113.7")
	if err != nil {
		t.Fatalf("RefreshAccessToken() error = %v", err)
	}

	if second.AccessToken == first.AccessToken {
		t.Error("rotation returned the same access token")
	}
	if second.RefreshToken == first.RefreshToken {
		t.Error("rotation returned the same refresh token")
	}
	if second.Scope != first.Scope {
		t.Errorf("rotated scope = %q, want %q", second.Scope, first.Scope)
	}

	// The consumed refresh token is dead
	_, err = srv.RefreshAccessToken(context.Background(), first.RefreshToken, clientID, "", "203.0.113.7")
	assertOAuthError(t, err, ErrorCodeInvalidGrant, http.StatusBadRequest)

	// The rotated pair works
	if _, err := srv.ValidateAccessToken(context.Background(), second.AccessToken); err != nil {
		t.Errorf("ValidateAccessToken() on rotated token error = %v", err)
	}
	if _, err := srv.RefreshAccessToken(context.Background(), second.RefreshToken, clientID, "", "203.0.113.7"); err != nil {
		t.Errorf("RefreshAccessToken() on rotated refresh token error = %v", err)
	}
}

func TestRefreshAccessToken_AccessTokenRejected(t *testing.T) {
	srv := newTestServer(t)
	clientID, _ := registerTestClient(t, srv, "none")
	verifier, challenge := pkcePair()
	code := obtainCode(t, srv, clientID, challenge)

	resp, err := srv.ExchangeAuthorizationCode(context.Background(), code, clientID, "", "https://client.example.com/callback", verifier, "203.0.113.7")
	if err != nil {
		t.Fatalf("ExchangeAuthorizationCode() error = %v", err)
	}

	// An access token presented as a refresh token is invalid_grant
	_, err = srv.RefreshAccessToken(context.Background(), resp.AccessToken, clientID, "", "203.0.113.7")
	assertOAuthError(t, err, ErrorCodeInvalidGrant, http.StatusBadRequest)
}

func TestRefreshAccessToken_ClientMismatch(t *testing.T) {
	srv := newTestServer(t)
	clientID, _ := registerTestClient(t, srv, "none")
	otherClientID, _ := registerTestClient(t, srv, "none")
	verifier, challenge := pkcePair()
	code := obtainCode(t, srv, clientID, challenge)

	resp, err := srv.ExchangeAuthorizationCode(context.Background(), code, clientID, "", "https://client.example.com/callback", verifier, "203.0.113.7")
	if err != nil {
		t.Fatalf("ExchangeAuthorizationCode() error = %v", err)
	}

	_, err = srv.RefreshAccessToken(context.Background(), resp.RefreshToken, otherClientID, "", "203.0.113.7")
	assertOAuthError(t, err, ErrorCodeInvalidGrant, http.StatusBadRequest)
}

func TestRefreshAccessToken_FailedClientAuthDoesNotBurn(t *testing.T) {
	srv := newTestServer(t)
	clientID, clientSecret := registerTestClient(t, srv, "client_secret_basic")
	verifier, challenge := pkcePair()
	code := obtainCode(t, srv, clientID, challenge)

	resp, err := srv.ExchangeAuthorizationCode(context.Background(), code, clientID, clientSecret, "https://client.example.com/callback", verifier, "203.0.113.7")
	if err != nil {
		t.Fatalf("ExchangeAuthorizationCode() error = %v", err)
	}

	_, err = srv.RefreshAccessToken(context.Background(), resp.RefreshToken, clientID, "wrong-secret", "203.0.113.7")
	assertOAuthError(t, err, ErrorCodeInvalidClient, http.StatusUnauthorized)

	// A third party guessing at the secret must not burn the token;
	// the rightful client can still rotate it
	if _, err := srv.RefreshAccessToken(context.Background(), resp.RefreshToken, clientID, clientSecret, "203.0.113.7"); err != nil {
		t.Errorf("RefreshAccessToken() after failed auth attempt error = %v", err)
	}
}

// ============================================================
// Bearer Validation Tests
// ============================================================

func TestValidateAccessToken_Unknown(t *testing.T) {
	srv := newTestServer(t)

	_, err := srv.ValidateAccessToken(context.Background(), "never-issued")
	assertOAuthError(t, err, ErrorCodeInvalidToken, http.StatusUnauthorized)
}

// ============================================================
// PKCE Helper Tests
// ============================================================

func TestValidatePKCE(t *testing.T) {
	verifier, challenge := pkcePair()

	if err := validatePKCE(challenge, verifier); err != nil {
		t.Errorf("validatePKCE() with matching pair error = %v", err)
	}
	if err := validatePKCE(challenge, ""); err == nil {
		t.Error("validatePKCE() with empty verifier should fail")
	}
	if err := validatePKCE(challenge, "abc"); err == nil {
		t.Error("validatePKCE() with short verifier should fail")
	}
	if err := validatePKCE(challenge, strings.Repeat("a", 129)); err == nil {
		t.Error("validatePKCE() with oversized verifier should fail")
	}
	if err := validatePKCE(challenge, strings.Repeat("a", 42)+"!"); err == nil {
		t.Error("validatePKCE() with invalid characters should fail")
	}

	otherVerifier := oauth2.GenerateVerifier()
	if err := validatePKCE(challenge, otherVerifier); err == nil {
		t.Error("validatePKCE() with non-matching verifier should fail")
	}
}
