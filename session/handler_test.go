package session

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/giantswarm/mcp-vinreport/storage"
)

// staticValidator accepts exactly one bearer token
type staticValidator struct {
	accept string
}

func (v *staticValidator) ValidateAccessToken(_ context.Context, accessToken string) (*storage.Token, error) {
	if accessToken != v.accept {
		return nil, storage.ErrTokenNotFound
	}
	return &storage.Token{
		Value:    accessToken,
		Kind:     storage.TokenKindAccess,
		ClientID: "client-1",
	}, nil
}

func newTestHandler(broker *Broker) *Handler {
	return NewHandler(broker, &staticValidator{accept: "good-token"}, HandlerConfig{
		Issuer:              "https://vin.example.com",
		ResourceMetadataURL: "https://vin.example.com/.well-known/oauth-protected-resource",
	}, nil)
}

func doRequest(handler *Handler, method, bearer, sessionID string, body string) *httptest.ResponseRecorder {
	var reader *strings.Reader
	if body == "" {
		reader = strings.NewReader("")
	} else {
		reader = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, "/mcp", reader)
	if bearer != "" {
		req.Header.Set("Authorization", "Bearer "+bearer)
	}
	if sessionID != "" {
		req.Header.Set(SessionIDHeader, sessionID)
	}
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	handler.ServeMCP(rec, req)
	return rec
}

func TestServeMCP_AnonymousPostOpensSession(t *testing.T) {
	broker := NewBroker(testFactory())
	handler := newTestHandler(broker)

	// No Authorization header at all: the bearer is optional
	rec := doRequest(handler, http.MethodPost, "", "", string(pingMessage(1)))

	require.Equal(t, http.StatusOK, rec.Code, "body: %s", rec.Body.String())
	assert.NotEmpty(t, rec.Header().Get(SessionIDHeader))
	assert.Equal(t, 1, broker.Count())
}

func TestServeMCP_InvalidBearer(t *testing.T) {
	broker := NewBroker(testFactory())
	handler := newTestHandler(broker)

	// A presented token that fails verification is rejected outright
	rec := doRequest(handler, http.MethodPost, "bad-token", "", string(pingMessage(1)))

	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	challenge := rec.Header().Get("WWW-Authenticate")
	assert.True(t, strings.HasPrefix(challenge, "Bearer "), "WWW-Authenticate = %q", challenge)
	assert.Contains(t, challenge, "resource_metadata=")
	assert.Contains(t, rec.Body.String(), "invalid_token")
	assert.Equal(t, 0, broker.Count())
}

func TestServeMCP_PostWithoutSessionOpensOne(t *testing.T) {
	broker := NewBroker(testFactory())
	handler := newTestHandler(broker)

	rec := doRequest(handler, http.MethodPost, "good-token", "", string(pingMessage(1)))

	require.Equal(t, http.StatusOK, rec.Code, "body: %s", rec.Body.String())
	assert.NotEmpty(t, rec.Header().Get(SessionIDHeader))
	assert.Equal(t, 1, broker.Count())
}

func TestServeMCP_EachBarePostOpensDistinctSession(t *testing.T) {
	broker := NewBroker(testFactory())
	handler := newTestHandler(broker)

	first := doRequest(handler, http.MethodPost, "good-token", "", string(pingMessage(1)))
	second := doRequest(handler, http.MethodPost, "good-token", "", string(pingMessage(2)))

	require.Equal(t, http.StatusOK, first.Code)
	require.Equal(t, http.StatusOK, second.Code)

	firstID := first.Header().Get(SessionIDHeader)
	secondID := second.Header().Get(SessionIDHeader)
	assert.NotEmpty(t, firstID)
	assert.NotEmpty(t, secondID)
	assert.NotEqual(t, firstID, secondID)
	assert.Equal(t, 2, broker.Count())
}

func TestServeMCP_PostWithSessionReusesIt(t *testing.T) {
	broker := NewBroker(testFactory())
	handler := newTestHandler(broker)

	first := doRequest(handler, http.MethodPost, "good-token", "", string(pingMessage(1)))
	require.Equal(t, http.StatusOK, first.Code)
	sessionID := first.Header().Get(SessionIDHeader)

	second := doRequest(handler, http.MethodPost, "good-token", sessionID, string(pingMessage(2)))
	require.Equal(t, http.StatusOK, second.Code)
	assert.Equal(t, sessionID, second.Header().Get(SessionIDHeader))
	assert.Equal(t, 1, broker.Count())
}

func TestServeMCP_PostWithUnknownSessionOpensFreshOne(t *testing.T) {
	broker := NewBroker(testFactory())
	handler := newTestHandler(broker)

	rec := doRequest(handler, http.MethodPost, "good-token", "no-such-session", string(pingMessage(1)))

	require.Equal(t, http.StatusOK, rec.Code, "body: %s", rec.Body.String())
	freshID := rec.Header().Get(SessionIDHeader)
	assert.NotEmpty(t, freshID)
	assert.NotEqual(t, "no-such-session", freshID)
	assert.Equal(t, 1, broker.Count())
}

func TestServeMCP_PostRecoversAfterIdleExpiry(t *testing.T) {
	broker := NewBrokerWithConfig(testFactory(), DefaultMaxSessions, 20*time.Millisecond, nil)
	handler := newTestHandler(broker)

	first := doRequest(handler, http.MethodPost, "good-token", "", string(pingMessage(1)))
	require.Equal(t, http.StatusOK, first.Code)
	staleID := first.Header().Get(SessionIDHeader)

	time.Sleep(40 * time.Millisecond)

	// The expired id is replaced rather than rejected
	second := doRequest(handler, http.MethodPost, "good-token", staleID, string(pingMessage(2)))
	require.Equal(t, http.StatusOK, second.Code, "body: %s", second.Body.String())
	assert.NotEqual(t, staleID, second.Header().Get(SessionIDHeader))
	assert.Equal(t, 1, broker.Count())
}

func TestServeMCP_CapacityExceeded(t *testing.T) {
	broker := NewBrokerWithConfig(testFactory(), 1, DefaultIdleTTL, nil)
	handler := newTestHandler(broker)

	first := doRequest(handler, http.MethodPost, "good-token", "", string(pingMessage(1)))
	require.Equal(t, http.StatusOK, first.Code)

	second := doRequest(handler, http.MethodPost, "good-token", "", string(pingMessage(2)))
	assert.Equal(t, http.StatusServiceUnavailable, second.Code)
	assert.Contains(t, second.Body.String(), "capacity_exceeded")
}

func TestServeMCP_Delete(t *testing.T) {
	broker := NewBroker(testFactory())
	handler := newTestHandler(broker)

	opened := doRequest(handler, http.MethodPost, "good-token", "", string(pingMessage(1)))
	require.Equal(t, http.StatusOK, opened.Code)
	sessionID := opened.Header().Get(SessionIDHeader)

	deleted := doRequest(handler, http.MethodDelete, "good-token", sessionID, "")
	assert.Equal(t, http.StatusNoContent, deleted.Code)
	assert.Equal(t, 0, broker.Count())

	again := doRequest(handler, http.MethodDelete, "good-token", sessionID, "")
	assert.Equal(t, http.StatusNotFound, again.Code)
}

func TestServeMCP_DeleteWithoutSessionHeader(t *testing.T) {
	handler := newTestHandler(NewBroker(testFactory()))

	rec := doRequest(handler, http.MethodDelete, "good-token", "", "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestServeMCP_GetWithoutSessionHeader(t *testing.T) {
	handler := newTestHandler(NewBroker(testFactory()))

	rec := doRequest(handler, http.MethodGet, "good-token", "", "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestServeMCP_GetUnknownSession(t *testing.T) {
	handler := newTestHandler(NewBroker(testFactory()))

	rec := doRequest(handler, http.MethodGet, "good-token", "no-such-session", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Contains(t, rec.Body.String(), "session_not_found")
}
