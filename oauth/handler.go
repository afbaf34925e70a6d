package oauth

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/giantswarm/mcp-vinreport/instrumentation"
	"github.com/giantswarm/mcp-vinreport/security"
)

const (
	tokenTypeBearer = "Bearer"

	// maxRegistrationBodySize bounds the registration request body
	maxRegistrationBodySize = 1 << 20 // 1 MB
)

// Handler adapts the authorization server to HTTP. It owns request parsing,
// the admission gate, CORS, and the mapping from typed errors to OAuth wire
// responses.
type Handler struct {
	server  *Server
	gate    *security.Gate
	logger  *slog.Logger
	tracer  trace.Tracer
	metrics *instrumentation.Metrics
}

// NewHandler creates a new HTTP handler for the authorization server
func NewHandler(server *Server, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{
		server: server,
		logger: logger,
	}
}

// SetGate attaches the per-IP admission gate (optional)
func (h *Handler) SetGate(gate *security.Gate) {
	h.gate = gate
}

// SetInstrumentation attaches tracing and metrics (optional)
func (h *Handler) SetInstrumentation(inst *instrumentation.Instrumentation) {
	if inst == nil {
		return
	}
	h.tracer = inst.Tracer("oauth")
	h.metrics = inst.Metrics()
}

// RegisterRoutes registers all OAuth endpoints on the mux.
// Discovery metadata is served at the RFC well-known paths and, for clients
// that resolve them relative to the issuer path, at unprefixed mirrors.
func (h *Handler) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("/.well-known/oauth-protected-resource", h.ServeProtectedResourceMetadata)
	mux.HandleFunc("/oauth-protected-resource", h.ServeProtectedResourceMetadata)
	mux.HandleFunc("/.well-known/oauth-authorization-server", h.ServeAuthorizationServerMetadata)
	mux.HandleFunc("/oauth-authorization-server", h.ServeAuthorizationServerMetadata)
	mux.HandleFunc("/oauth/register", h.ServeClientRegistration)
	mux.HandleFunc("/oauth/authorize", h.ServeAuthorization)
	mux.HandleFunc("/oauth/approve", h.ServeApproval)
	mux.HandleFunc("/oauth/token", h.ServeToken)
}

// ResourceMetadataURL returns the protected resource metadata URL advertised
// in WWW-Authenticate challenges
func (h *Handler) ResourceMetadataURL() string {
	return h.server.Config().Issuer + "/.well-known/oauth-protected-resource"
}

// ==================== Discovery Endpoints ====================

// ServeProtectedResourceMetadata handles RFC 9728 protected resource metadata
func (h *Handler) ServeProtectedResourceMetadata(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	h.setCORSHeaders(w, r)
	cfg := h.server.Config()

	metadata := ProtectedResourceMetadata{
		Resource:               cfg.Resource,
		AuthorizationServers:   []string{cfg.Issuer},
		BearerMethodsSupported: []string{"header"},
		ScopesSupported:        cfg.SupportedScopes,
	}
	h.writeJSON(w, http.StatusOK, metadata)
}

// ServeAuthorizationServerMetadata handles RFC 8414 authorization server metadata
func (h *Handler) ServeAuthorizationServerMetadata(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	h.setCORSHeaders(w, r)
	cfg := h.server.Config()

	metadata := AuthorizationServerMetadata{
		Issuer:                            cfg.Issuer,
		AuthorizationEndpoint:             cfg.Issuer + "/oauth/authorize",
		TokenEndpoint:                     cfg.Issuer + "/oauth/token",
		RegistrationEndpoint:              cfg.Issuer + "/oauth/register",
		ScopesSupported:                   cfg.SupportedScopes,
		ResponseTypesSupported:            []string{"code"},
		GrantTypesSupported:               []string{"authorization_code", "refresh_token"},
		TokenEndpointAuthMethodsSupported: []string{"client_secret_basic", "client_secret_post", "none"},
		CodeChallengeMethodsSupported:     []string{"S256"},
	}
	h.writeJSON(w, http.StatusOK, metadata)
}

// ==================== Client Registration (RFC 7591) ====================

// ServeClientRegistration handles dynamic client registration
func (h *Handler) ServeClientRegistration(w http.ResponseWriter, r *http.Request) {
	startTime := time.Now()
	ctx := r.Context()

	var span trace.Span
	if h.tracer != nil {
		ctx, span = h.tracer.Start(ctx, "oauth.http.client_registration")
		defer span.End()
	}

	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	h.setCORSHeaders(w, r)

	clientIP, ok := h.checkGate(w, r, "register")
	if !ok {
		h.recordHTTPMetrics("register", http.MethodPost, http.StatusTooManyRequests, startTime)
		instrumentation.SetSpanError(span, "rate limited")
		return
	}

	var req ClientRegistrationRequest
	r.Body = http.MaxBytesReader(w, r.Body, maxRegistrationBodySize)
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.recordHTTPMetrics("register", http.MethodPost, http.StatusBadRequest, startTime)
		instrumentation.RecordError(span, err)
		h.writeError(w, ErrInvalidRequest("Failed to parse registration request"))
		return
	}

	client, clientSecret, err := h.server.RegisterClient(ctx, &req, clientIP)
	if err != nil {
		status := h.writeError(w, err)
		h.recordHTTPMetrics("register", http.MethodPost, status, startTime)
		instrumentation.RecordError(span, err)
		instrumentation.SetSpanError(span, "registration failed")
		return
	}

	instrumentation.SetSpanAttributes(span,
		attribute.String(instrumentation.AttrClientID, client.ClientID),
		attribute.String(instrumentation.AttrClientType, client.ClientType),
	)
	instrumentation.SetSpanSuccess(span)
	h.recordHTTPMetrics("register", http.MethodPost, http.StatusCreated, startTime)

	resp := ClientRegistrationResponse{
		ClientID:                client.ClientID,
		ClientSecret:            clientSecret,
		ClientIDIssuedAt:        client.CreatedAt.Unix(),
		RedirectURIs:            client.RedirectURIs,
		TokenEndpointAuthMethod: client.TokenEndpointAuthMethod,
		GrantTypes:              client.GrantTypes,
		ResponseTypes:           client.ResponseTypes,
		ClientName:              client.ClientName,
		Scope:                   strings.Join(client.Scopes, " "),
		ClientType:              client.ClientType,
	}
	h.writeJSON(w, http.StatusCreated, resp)
}

// ==================== Authorization + Consent ====================

// ServeAuthorization handles GET /oauth/authorize and renders the consent page
func (h *Handler) ServeAuthorization(w http.ResponseWriter, r *http.Request) {
	startTime := time.Now()
	ctx := r.Context()

	var span trace.Span
	if h.tracer != nil {
		ctx, span = h.tracer.Start(ctx, "oauth.http.authorization")
		defer span.End()
	}

	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	if _, ok := h.checkGate(w, r, "authorize"); !ok {
		h.recordHTTPMetrics("authorize", http.MethodGet, http.StatusTooManyRequests, startTime)
		instrumentation.SetSpanError(span, "rate limited")
		return
	}

	query := r.URL.Query()
	consent, err := h.server.Authorize(ctx,
		query.Get("client_id"),
		query.Get("redirect_uri"),
		query.Get("response_type"),
		query.Get("scope"),
		query.Get("state"),
		query.Get("code_challenge"),
		query.Get("code_challenge_method"),
	)
	if err != nil {
		status := h.writeError(w, err)
		h.recordHTTPMetrics("authorize", http.MethodGet, status, startTime)
		instrumentation.RecordError(span, err)
		instrumentation.SetSpanError(span, "authorization request rejected")
		return
	}

	instrumentation.SetSpanAttributes(span, attribute.String(instrumentation.AttrClientID, consent.ClientID))
	instrumentation.SetSpanSuccess(span)
	h.recordHTTPMetrics("authorize", http.MethodGet, http.StatusOK, startTime)

	security.SetConsentPageHeaders(w, h.server.Config().Issuer)
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	if err := renderConsentPage(w, consent); err != nil {
		h.logger.Error("Failed to render consent page", "error", err)
	}
}

// ServeApproval handles POST /oauth/approve, the consent form submission
func (h *Handler) ServeApproval(w http.ResponseWriter, r *http.Request) {
	startTime := time.Now()
	ctx := r.Context()

	var span trace.Span
	if h.tracer != nil {
		ctx, span = h.tracer.Start(ctx, "oauth.http.approval")
		defer span.End()
	}

	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	clientIP, ok := h.checkGate(w, r, "approve")
	if !ok {
		h.recordHTTPMetrics("approve", http.MethodPost, http.StatusTooManyRequests, startTime)
		instrumentation.SetSpanError(span, "rate limited")
		return
	}

	if err := r.ParseForm(); err != nil {
		h.recordHTTPMetrics("approve", http.MethodPost, http.StatusBadRequest, startTime)
		instrumentation.RecordError(span, err)
		h.writeError(w, ErrInvalidRequest("Failed to parse approval form"))
		return
	}

	consent := &ConsentData{
		CsrfToken:           r.FormValue("csrf"),
		ClientID:            r.FormValue("client_id"),
		RedirectURI:         r.FormValue("redirect_uri"),
		Scope:               r.FormValue("scope"),
		State:               r.FormValue("state"),
		CodeChallenge:       r.FormValue("code_challenge"),
		CodeChallengeMethod: r.FormValue("code_challenge_method"),
	}

	redirectURL, err := h.server.Approve(ctx, consent, clientIP)
	if err != nil {
		status := h.writeError(w, err)
		h.recordHTTPMetrics("approve", http.MethodPost, status, startTime)
		instrumentation.RecordError(span, err)
		instrumentation.SetSpanError(span, "approval rejected")
		return
	}

	instrumentation.SetSpanAttributes(span, attribute.String(instrumentation.AttrClientID, consent.ClientID))
	instrumentation.SetSpanSuccess(span)
	h.recordHTTPMetrics("approve", http.MethodPost, http.StatusFound, startTime)

	http.Redirect(w, r, redirectURL, http.StatusFound)
}

// ==================== Token Endpoint ====================

// ServeToken handles POST /oauth/token, dispatching on grant_type
func (h *Handler) ServeToken(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	h.setCORSHeaders(w, r)

	if err := r.ParseForm(); err != nil {
		h.writeError(w, ErrInvalidRequest("Failed to parse request"))
		return
	}

	grantType := r.FormValue("grant_type")
	switch grantType {
	case "authorization_code":
		h.handleAuthorizationCodeGrant(w, r)
	case "refresh_token":
		h.handleRefreshTokenGrant(w, r)
	default:
		h.writeError(w, ErrUnsupportedGrantType(fmt.Sprintf("Grant type %q not supported", grantType)))
	}
}

func (h *Handler) handleAuthorizationCodeGrant(w http.ResponseWriter, r *http.Request) {
	startTime := time.Now()
	ctx := r.Context()

	var span trace.Span
	if h.tracer != nil {
		ctx, span = h.tracer.Start(ctx, "oauth.http.token_exchange")
		defer span.End()
	}

	clientIP, ok := h.checkGate(w, r, "token")
	if !ok {
		h.recordHTTPMetrics("token", http.MethodPost, http.StatusTooManyRequests, startTime)
		instrumentation.SetSpanError(span, "rate limited")
		return
	}

	code := r.FormValue("code")
	redirectURI := r.FormValue("redirect_uri")
	codeVerifier := r.FormValue("code_verifier")
	clientID, clientSecret := h.clientCredentials(r)

	if code == "" {
		h.recordHTTPMetrics("token", http.MethodPost, http.StatusBadRequest, startTime)
		instrumentation.SetSpanError(span, "code missing")
		h.writeError(w, ErrInvalidRequest("Required parameter 'code' missing"))
		return
	}

	instrumentation.SetSpanAttributes(span,
		attribute.String(instrumentation.AttrClientID, clientID),
		attribute.String(instrumentation.AttrGrantType, "authorization_code"),
		attribute.Bool(instrumentation.AttrPKCEPresent, codeVerifier != ""),
	)

	tokenResponse, err := h.server.ExchangeAuthorizationCode(ctx, code, clientID, clientSecret, redirectURI, codeVerifier, clientIP)
	if err != nil {
		h.logger.Warn("Token exchange failed", "client_id", clientID, "ip", clientIP, "error", err)
		status := h.writeError(w, err)
		h.recordHTTPMetrics("token", http.MethodPost, status, startTime)
		instrumentation.RecordError(span, err)
		instrumentation.SetSpanError(span, "code exchange failed")
		return
	}

	h.logger.Info("Token exchange successful", "client_id", clientID, "ip", clientIP)
	h.recordHTTPMetrics("token", http.MethodPost, http.StatusOK, startTime)
	instrumentation.SetSpanSuccess(span)

	h.writeTokenResponse(w, tokenResponse)
}

func (h *Handler) handleRefreshTokenGrant(w http.ResponseWriter, r *http.Request) {
	startTime := time.Now()
	ctx := r.Context()

	var span trace.Span
	if h.tracer != nil {
		ctx, span = h.tracer.Start(ctx, "oauth.http.token_refresh")
		defer span.End()
	}

	clientIP, ok := h.checkGate(w, r, "token")
	if !ok {
		h.recordHTTPMetrics("token", http.MethodPost, http.StatusTooManyRequests, startTime)
		instrumentation.SetSpanError(span, "rate limited")
		return
	}

	refreshToken := r.FormValue("refresh_token")
	clientID, clientSecret := h.clientCredentials(r)

	if refreshToken == "" {
		h.recordHTTPMetrics("token", http.MethodPost, http.StatusBadRequest, startTime)
		instrumentation.SetSpanError(span, "refresh_token missing")
		h.writeError(w, ErrInvalidRequest("refresh_token is required"))
		return
	}

	instrumentation.SetSpanAttributes(span,
		attribute.String(instrumentation.AttrClientID, clientID),
		attribute.String(instrumentation.AttrGrantType, "refresh_token"),
	)

	tokenResponse, err := h.server.RefreshAccessToken(ctx, refreshToken, clientID, clientSecret, clientIP)
	if err != nil {
		h.logger.Warn("Token refresh failed", "client_id", clientID, "ip", clientIP, "error", err)
		status := h.writeError(w, err)
		h.recordHTTPMetrics("token", http.MethodPost, status, startTime)
		instrumentation.RecordError(span, err)
		instrumentation.SetSpanError(span, "token refresh failed")
		return
	}

	h.recordHTTPMetrics("token", http.MethodPost, http.StatusOK, startTime)
	instrumentation.SetSpanSuccess(span)

	h.writeTokenResponse(w, tokenResponse)
}

// clientCredentials extracts client credentials from the Authorization header
// (client_secret_basic) or the form body (client_secret_post / public clients)
func (h *Handler) clientCredentials(r *http.Request) (clientID, clientSecret string) {
	if basicID, basicSecret, ok := r.BasicAuth(); ok && basicID != "" {
		return basicID, basicSecret
	}
	return r.FormValue("client_id"), r.FormValue("client_secret")
}

// ==================== Response Helpers ====================

// checkGate runs the admission gate for the request.
// Returns the client IP and whether the request may proceed; on rejection the
// 429 response has already been written.
func (h *Handler) checkGate(w http.ResponseWriter, r *http.Request, endpoint string) (string, bool) {
	cfg := h.server.Config()
	clientIP := security.GetClientIP(r, cfg.RateLimit.TrustProxy, cfg.RateLimit.TrustedProxyCount)
	if h.gate == nil || h.gate.Allow(clientIP) {
		return clientIP, true
	}

	h.logger.Warn("Rate limit exceeded", "ip", clientIP, "endpoint", endpoint)
	if aud := h.server.Auditor(); aud != nil {
		aud.LogRateLimitExceeded(clientIP)
	}
	if h.metrics != nil {
		h.metrics.RecordRateLimitExceeded(r.Context(), endpoint)
	}
	h.writeError(w, ErrRateLimitExceeded("Too many requests"))
	return clientIP, false
}

func (h *Handler) writeTokenResponse(w http.ResponseWriter, token *TokenResponse) {
	security.SetSecurityHeaders(w, h.server.Config().Issuer)
	h.writeJSON(w, http.StatusOK, token)
}

// writeError maps an error onto an OAuth wire response and returns the HTTP
// status it wrote. Unrecognized errors become opaque server_error responses.
func (h *Handler) writeError(w http.ResponseWriter, err error) int {
	oauthErr := &OAuthError{}
	if !errors.As(err, &oauthErr) {
		oauthErr = ErrServerError("Internal server error")
	}

	security.SetSecurityHeaders(w, h.server.Config().Issuer)

	// RFC 6750: 401 responses carry a Bearer challenge pointing clients at
	// the protected resource metadata
	if oauthErr.Status == http.StatusUnauthorized {
		w.Header().Set("WWW-Authenticate", h.formatWWWAuthenticate(oauthErr.Code, oauthErr.Description))
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(oauthErr.Status)
	_ = json.NewEncoder(w).Encode(ErrorResponse{
		Error:            oauthErr.Code,
		ErrorDescription: oauthErr.Description,
	})
	return oauthErr.Status
}

// formatWWWAuthenticate formats the WWW-Authenticate header value per RFC 6750
// and RFC 9728, including the resource_metadata URL for discovery
func (h *Handler) formatWWWAuthenticate(errCode, errorDesc string) string {
	params := []string{
		fmt.Sprintf(`resource_metadata="%s"`, h.ResourceMetadataURL()),
	}

	if errCode != "" {
		params = append(params, fmt.Sprintf(`error="%s"`, errCode))
	}
	if errorDesc != "" {
		// Escape backslashes first, then quotes (order matters)
		escapedDesc := strings.ReplaceAll(errorDesc, `\`, `\\`)
		escapedDesc = strings.ReplaceAll(escapedDesc, `"`, `\"`)
		params = append(params, fmt.Sprintf(`error_description="%s"`, escapedDesc))
	}

	return tokenTypeBearer + " " + strings.Join(params, ", ")
}

func (h *Handler) writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		h.logger.Error("Failed to encode response", "error", err)
	}
}

func (h *Handler) setCORSHeaders(w http.ResponseWriter, r *http.Request) {
	origin := r.Header.Get("Origin")
	if origin == "" {
		return
	}
	w.Header().Set("Access-Control-Allow-Origin", origin)
	w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
	w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization, mcp-session-id")
	w.Header().Set("Access-Control-Expose-Headers", "mcp-session-id, WWW-Authenticate")
	w.Header().Set("Vary", "Origin")
}

// ServePreflightRequest handles CORS preflight requests
func (h *Handler) ServePreflightRequest(w http.ResponseWriter, r *http.Request) {
	h.setCORSHeaders(w, r)
	w.Header().Set("Access-Control-Max-Age", "86400")
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) recordHTTPMetrics(endpoint, method string, status int, startTime time.Time) {
	if h.metrics == nil {
		return
	}
	h.metrics.RecordHTTPRequest(context.Background(), method, endpoint, status, float64(time.Since(startTime).Milliseconds()))
}
