package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/giantswarm/mcp-vinreport/instrumentation"
	"github.com/giantswarm/mcp-vinreport/security"
	"github.com/giantswarm/mcp-vinreport/storage"
)

// SessionIDHeader is the HTTP header carrying the session identifier.
// Matching is case-insensitive per the HTTP spec; Go canonicalizes it.
const SessionIDHeader = "Mcp-Session-Id"

// maxMessageBodySize bounds a single JSON-RPC message
const maxMessageBodySize = 4 << 20 // 4 MB

// TokenValidator checks bearer tokens presented on /mcp.
// Implemented by the authorization server.
type TokenValidator interface {
	ValidateAccessToken(ctx context.Context, accessToken string) (*storage.Token, error)
}

// HandlerConfig holds the session handler configuration
type HandlerConfig struct {
	// Issuer is the service base URL, used for security headers
	Issuer string

	// ResourceMetadataURL is advertised in WWW-Authenticate challenges so
	// clients can discover the authorization server
	ResourceMetadataURL string

	// TrustProxy enables trusting X-Forwarded-For and X-Real-IP headers
	TrustProxy bool

	// TrustedProxyCount is how many trailing proxy hops are trusted
	TrustedProxyCount int
}

// Handler serves the /mcp endpoint: JSON-RPC dispatch into the session
// broker, with optional bearer verification for clients that present one.
type Handler struct {
	broker    *Broker
	validator TokenValidator
	config    HandlerConfig
	logger    *slog.Logger
	tracer    trace.Tracer
	metrics   *instrumentation.Metrics
}

// NewHandler creates the /mcp HTTP handler
func NewHandler(broker *Broker, validator TokenValidator, config HandlerConfig, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{
		broker:    broker,
		validator: validator,
		config:    config,
		logger:    logger,
	}
}

// SetInstrumentation attaches tracing and metrics (optional)
func (h *Handler) SetInstrumentation(inst *instrumentation.Instrumentation) {
	if inst == nil {
		return
	}
	h.tracer = inst.Tracer("session")
	h.metrics = inst.Metrics()
}

// RegisterRoutes registers the /mcp endpoint on the mux
func (h *Handler) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("/mcp", h.ServeMCP)
}

// ServeMCP dispatches on HTTP method.
// POST carries JSON-RPC messages; DELETE closes a session; GET is answered
// for protocol compatibility but standalone streams are not offered.
func (h *Handler) ServeMCP(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodPost:
		h.handlePost(w, r)
	case http.MethodGet:
		h.handleGet(w, r)
	case http.MethodDelete:
		h.handleDelete(w, r)
	case http.MethodOptions:
		h.handlePreflight(w, r)
	default:
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
	}
}

func (h *Handler) handlePost(w http.ResponseWriter, r *http.Request) {
	startTime := time.Now()
	ctx := r.Context()

	var span trace.Span
	if h.tracer != nil {
		ctx, span = h.tracer.Start(ctx, "session.http.dispatch")
		defer span.End()
	}

	token, ok := h.authenticate(w, r)
	if !ok {
		h.recordHTTPMetrics(http.MethodPost, http.StatusUnauthorized, startTime)
		instrumentation.SetSpanError(span, "authentication failed")
		return
	}

	clientID := ""
	if token != nil {
		clientID = token.ClientID
	}
	clientIP := security.GetClientIP(r, h.config.TrustProxy, h.config.TrustedProxyCount)

	message, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxMessageBodySize))
	if err != nil {
		h.recordHTTPMetrics(http.MethodPost, http.StatusBadRequest, startTime)
		instrumentation.RecordError(span, err)
		h.writeError(w, "invalid_request", "Failed to read request body", http.StatusBadRequest)
		return
	}

	sessionID := r.Header.Get(SessionIDHeader)
	if sessionID != "" {
		if _, err := h.broker.Get(ctx, sessionID); err != nil {
			// Unknown or idle-expired id: the client recovers by getting a
			// fresh session, announced through the response header
			sessionID = ""
		}
	}

	opened := false
	if sessionID == "" {
		sess, err := h.broker.Open(ctx, clientID, clientIP)
		if err != nil {
			status := http.StatusServiceUnavailable
			h.recordHTTPMetrics(http.MethodPost, status, startTime)
			instrumentation.RecordError(span, err)
			instrumentation.SetSpanError(span, "session admission failed")
			h.writeError(w, "capacity_exceeded", "Too many concurrent sessions", status)
			return
		}
		sessionID = sess.ID
		opened = true
	}

	instrumentation.SetSpanAttributes(span,
		attribute.Bool(instrumentation.AttrSessionNew, opened),
		attribute.String(instrumentation.AttrClientID, clientID),
	)

	response, err := h.broker.Dispatch(ctx, sessionID, message)
	if errors.Is(err, ErrSessionNotFound) && !opened {
		// Swept away between the lookup and the dispatch; recover once
		sess, openErr := h.broker.Open(ctx, clientID, clientIP)
		if openErr != nil {
			status := http.StatusServiceUnavailable
			h.recordHTTPMetrics(http.MethodPost, status, startTime)
			instrumentation.RecordError(span, openErr)
			h.writeError(w, "capacity_exceeded", "Too many concurrent sessions", status)
			return
		}
		sessionID = sess.ID
		opened = true
		response, err = h.broker.Dispatch(ctx, sessionID, message)
	}
	if err != nil {
		if errors.Is(err, ErrSessionNotFound) {
			h.recordHTTPMetrics(http.MethodPost, http.StatusNotFound, startTime)
			instrumentation.SetSpanError(span, "session not found")
			h.writeError(w, "session_not_found", "Unknown or expired session", http.StatusNotFound)
			return
		}
		h.recordHTTPMetrics(http.MethodPost, http.StatusInternalServerError, startTime)
		instrumentation.RecordError(span, err)
		instrumentation.SetSpanError(span, "dispatch failed")
		h.writeError(w, "server_error", "Failed to process message", http.StatusInternalServerError)
		return
	}

	w.Header().Set(SessionIDHeader, sessionID)
	instrumentation.SetSpanSuccess(span)

	if response == nil {
		h.recordHTTPMetrics(http.MethodPost, http.StatusAccepted, startTime)
		w.WriteHeader(http.StatusAccepted)
		return
	}

	h.recordHTTPMetrics(http.MethodPost, http.StatusOK, startTime)
	w.Header().Set("Content-Type", "application/json")
	if _, err := w.Write(response); err != nil {
		h.logger.Debug("Failed to write response", "session_id", sessionID, "error", err)
	}
}

// handleGet answers protocol-mandated GETs. Standalone server-to-client
// streams are not offered, so a live session gets 405 and anything else 400
// or 404.
func (h *Handler) handleGet(w http.ResponseWriter, r *http.Request) {
	startTime := time.Now()
	ctx := r.Context()

	if _, ok := h.authenticate(w, r); !ok {
		h.recordHTTPMetrics(http.MethodGet, http.StatusUnauthorized, startTime)
		return
	}

	sessionID := r.Header.Get(SessionIDHeader)
	if sessionID == "" {
		h.recordHTTPMetrics(http.MethodGet, http.StatusBadRequest, startTime)
		h.writeError(w, "invalid_request", fmt.Sprintf("%s header is required", SessionIDHeader), http.StatusBadRequest)
		return
	}

	if _, err := h.broker.Get(ctx, sessionID); err != nil {
		h.recordHTTPMetrics(http.MethodGet, http.StatusNotFound, startTime)
		h.writeError(w, "session_not_found", "Unknown or expired session", http.StatusNotFound)
		return
	}

	h.recordHTTPMetrics(http.MethodGet, http.StatusMethodNotAllowed, startTime)
	h.writeError(w, "invalid_request", "Standalone streams are not supported", http.StatusMethodNotAllowed)
}

func (h *Handler) handleDelete(w http.ResponseWriter, r *http.Request) {
	startTime := time.Now()
	ctx := r.Context()

	if _, ok := h.authenticate(w, r); !ok {
		h.recordHTTPMetrics(http.MethodDelete, http.StatusUnauthorized, startTime)
		return
	}

	clientIP := security.GetClientIP(r, h.config.TrustProxy, h.config.TrustedProxyCount)

	sessionID := r.Header.Get(SessionIDHeader)
	if sessionID == "" {
		h.recordHTTPMetrics(http.MethodDelete, http.StatusBadRequest, startTime)
		h.writeError(w, "invalid_request", fmt.Sprintf("%s header is required", SessionIDHeader), http.StatusBadRequest)
		return
	}

	if err := h.broker.Close(ctx, sessionID, clientIP); err != nil {
		h.recordHTTPMetrics(http.MethodDelete, http.StatusNotFound, startTime)
		h.writeError(w, "session_not_found", "Unknown or expired session", http.StatusNotFound)
		return
	}

	h.recordHTTPMetrics(http.MethodDelete, http.StatusNoContent, startTime)
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) handlePreflight(w http.ResponseWriter, r *http.Request) {
	origin := r.Header.Get("Origin")
	if origin != "" {
		w.Header().Set("Access-Control-Allow-Origin", origin)
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, DELETE, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization, "+SessionIDHeader)
		w.Header().Set("Access-Control-Expose-Headers", SessionIDHeader)
		w.Header().Set("Access-Control-Max-Age", "86400")
		w.Header().Set("Vary", "Origin")
	}
	w.WriteHeader(http.StatusNoContent)
}

// authenticate validates the bearer token on the request, if one is
// presented. Requests without an Authorization header pass through with a nil
// token; session creation without a credential is intentional for this
// service. A presented token that fails verification is rejected, and the 401
// response with its Bearer challenge has been written.
func (h *Handler) authenticate(w http.ResponseWriter, r *http.Request) (*storage.Token, bool) {
	authHeader := r.Header.Get("Authorization")
	if authHeader == "" {
		return nil, true
	}

	const prefix = "Bearer "
	if !strings.HasPrefix(authHeader, prefix) {
		h.writeUnauthorized(w, "Malformed Authorization header")
		return nil, false
	}

	token, err := h.validator.ValidateAccessToken(r.Context(), strings.TrimPrefix(authHeader, prefix))
	if err != nil {
		h.writeUnauthorized(w, "Access token is invalid or expired")
		return nil, false
	}
	return token, true
}

func (h *Handler) writeUnauthorized(w http.ResponseWriter, description string) {
	challenge := fmt.Sprintf(`Bearer resource_metadata="%s", error="invalid_token"`, h.config.ResourceMetadataURL)
	w.Header().Set("WWW-Authenticate", challenge)
	h.writeError(w, "invalid_token", description, http.StatusUnauthorized)
}

func (h *Handler) writeError(w http.ResponseWriter, code, description string, status int) {
	security.SetSecurityHeaders(w, h.config.Issuer)
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]string{
		"error":             code,
		"error_description": description,
	})
}

func (h *Handler) recordHTTPMetrics(method string, status int, startTime time.Time) {
	if h.metrics == nil {
		return
	}
	h.metrics.RecordHTTPRequest(context.Background(), method, "mcp", status, float64(time.Since(startTime).Milliseconds()))
}
