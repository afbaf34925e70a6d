package memory

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/crypto/bcrypt"

	"github.com/giantswarm/mcp-vinreport/instrumentation"
	"github.com/giantswarm/mcp-vinreport/internal/util"
	"github.com/giantswarm/mcp-vinreport/security"
	"github.com/giantswarm/mcp-vinreport/storage"
)

const (
	// tokenLogLength is the number of characters to include when logging
	// token and code values. Enough uniqueness for debugging while keeping
	// logs safe to retain.
	tokenLogLength = 8

	// DefaultMaxClients bounds the client registry. Registration fails
	// closed once the bound is reached.
	DefaultMaxClients = 100
)

// dummyBcryptHash is compared against when a client has no stored secret so
// that secret validation takes the same time whether or not the client exists.
var dummyBcryptHash = func() []byte {
	h, err := bcrypt.GenerateFromPassword([]byte("mcp-vinreport-dummy"), bcrypt.DefaultCost)
	if err != nil {
		panic(fmt.Sprintf("bcrypt dummy hash: %v", err))
	}
	return h
}()

// Store is an in-memory implementation of all storage interfaces.
// It implements ClientStore, CsrfStore, CodeStore, and TokenStore.
type Store struct {
	mu sync.RWMutex

	clients    map[string]*storage.Client
	csrfTokens map[string]*storage.CsrfToken
	authCodes  map[string]*storage.AuthorizationCode
	tokens     map[string]*storage.Token

	maxClients int

	// Instrumentation
	instrumentation *instrumentation.Instrumentation
	tracer          trace.Tracer
	meter           metric.Meter

	// Atomic counters for metrics (lock-free access during metric collection)
	clientsCountAtomic atomic.Int64
	csrfCountAtomic    atomic.Int64
	codesCountAtomic   atomic.Int64
	tokensCountAtomic  atomic.Int64

	logger *slog.Logger
}

// Compile-time interface checks to ensure Store implements all storage interfaces
var (
	_ storage.ClientStore = (*Store)(nil)
	_ storage.CsrfStore   = (*Store)(nil)
	_ storage.CodeStore   = (*Store)(nil)
	_ storage.TokenStore  = (*Store)(nil)
)

// New creates a new in-memory store with the default client registry bound.
func New() *Store {
	return NewWithCapacity(DefaultMaxClients)
}

// NewWithCapacity creates a new in-memory store with a custom client registry
// bound. maxClients 0 or negative uses the default.
func NewWithCapacity(maxClients int) *Store {
	if maxClients <= 0 {
		maxClients = DefaultMaxClients
	}

	return &Store{
		clients:    make(map[string]*storage.Client),
		csrfTokens: make(map[string]*storage.CsrfToken),
		authCodes:  make(map[string]*storage.AuthorizationCode),
		tokens:     make(map[string]*storage.Token),
		maxClients: maxClients,
		logger:     slog.Default(),
	}
}

// SetLogger sets a custom logger
func (s *Store) SetLogger(logger *slog.Logger) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.logger = logger
}

// SetInstrumentation sets OpenTelemetry instrumentation for the store
func (s *Store) SetInstrumentation(inst *instrumentation.Instrumentation) {
	s.mu.Lock()
	s.instrumentation = inst
	if inst != nil {
		s.tracer = inst.Tracer("storage")
		s.meter = inst.Meter("storage")
	}

	s.clientsCountAtomic.Store(int64(len(s.clients)))
	s.csrfCountAtomic.Store(int64(len(s.csrfTokens)))
	s.codesCountAtomic.Store(int64(len(s.authCodes)))
	s.tokensCountAtomic.Store(int64(len(s.tokens)))
	s.mu.Unlock()

	if inst != nil {
		err := inst.RegisterStoreSizeCallbacks(
			func() int64 { return s.clientsCountAtomic.Load() },
			func() int64 { return s.csrfCountAtomic.Load() },
			func() int64 { return s.codesCountAtomic.Load() },
			func() int64 { return s.tokensCountAtomic.Load() },
		)
		if err != nil {
			s.logger.Warn("Failed to register store size callbacks", "error", err)
		}
	}
}

// ============================================================
// ClientStore Implementation
// ============================================================

// SaveClient saves a registered client, enforcing the registry bound.
// Existing clients are never evicted to make room for new ones.
func (s *Store) SaveClient(ctx context.Context, client *storage.Client) error {
	ctx, span := s.startStorageSpan(ctx, "save_client")
	defer span.End()

	startTime := time.Now()
	var err error

	defer func() {
		s.recordStorageOperation(ctx, span, "save_client", err, startTime)
	}()

	if client == nil || client.ClientID == "" {
		err = fmt.Errorf("invalid client")
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	_, existed := s.clients[client.ClientID]
	if !existed && len(s.clients) >= s.maxClients {
		err = fmt.Errorf("%w: client registry full (%d clients)", storage.ErrCapacityExceeded, len(s.clients))
		return err
	}

	s.clients[client.ClientID] = client

	if !existed {
		s.clientsCountAtomic.Add(1)
	}

	s.logger.Debug("Saved client", "client_id", client.ClientID)
	return nil
}

// GetClient retrieves a client by ID
func (s *Store) GetClient(ctx context.Context, clientID string) (*storage.Client, error) {
	ctx, span := s.startStorageSpan(ctx, "get_client")
	defer span.End()

	startTime := time.Now()
	var err error

	defer func() {
		s.recordStorageOperation(ctx, span, "get_client", err, startTime)
	}()

	s.mu.RLock()
	defer s.mu.RUnlock()

	client, ok := s.clients[clientID]
	if !ok {
		err = fmt.Errorf("%w: %s", storage.ErrClientNotFound, clientID)
		return nil, err
	}

	return client, nil
}

// ValidateClientSecret validates a client's secret against its bcrypt hash.
// Comparison runs against a dummy hash when the client is unknown or public
// so the failure path is constant-time either way.
func (s *Store) ValidateClientSecret(ctx context.Context, clientID, clientSecret string) error {
	ctx, span := s.startStorageSpan(ctx, "validate_client_secret")
	defer span.End()

	startTime := time.Now()
	var err error

	defer func() {
		s.recordStorageOperation(ctx, span, "validate_client_secret", err, startTime)
	}()

	s.mu.RLock()
	client, ok := s.clients[clientID]
	s.mu.RUnlock()

	hash := dummyBcryptHash
	if ok && client.ClientSecretHash != "" {
		hash = []byte(client.ClientSecretHash)
	}

	compareErr := bcrypt.CompareHashAndPassword(hash, []byte(clientSecret))
	if !ok {
		err = fmt.Errorf("%w: %s", storage.ErrClientNotFound, clientID)
		return err
	}
	if client.ClientSecretHash == "" || compareErr != nil {
		err = fmt.Errorf("invalid client secret")
		return err
	}

	return nil
}

// ListClients lists all registered clients
func (s *Store) ListClients(ctx context.Context) ([]*storage.Client, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	clients := make([]*storage.Client, 0, len(s.clients))
	for _, client := range s.clients {
		clients = append(clients, client)
	}
	return clients, nil
}

// ClientCount returns the number of registered clients
func (s *Store) ClientCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.clients)
}

// ============================================================
// CsrfStore Implementation
// ============================================================

// SaveCsrfToken saves a freshly minted CSRF token
func (s *Store) SaveCsrfToken(ctx context.Context, token *storage.CsrfToken) error {
	ctx, span := s.startStorageSpan(ctx, "save_csrf_token")
	defer span.End()

	startTime := time.Now()
	var err error

	defer func() {
		s.recordStorageOperation(ctx, span, "save_csrf_token", err, startTime)
	}()

	if token == nil || token.Token == "" {
		err = fmt.Errorf("invalid csrf token")
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	_, existed := s.csrfTokens[token.Token]
	s.csrfTokens[token.Token] = token
	if !existed {
		s.csrfCountAtomic.Add(1)
	}

	return nil
}

// ConsumeCsrfToken atomically deletes a CSRF token and reports whether it was
// live. The delete is unconditional: a token is gone after its first
// submission whether or not the approval it guarded succeeds.
func (s *Store) ConsumeCsrfToken(ctx context.Context, token string) error {
	ctx, span := s.startStorageSpan(ctx, "consume_csrf_token")
	defer span.End()

	startTime := time.Now()
	var err error

	defer func() {
		s.recordStorageOperation(ctx, span, "consume_csrf_token", err, startTime)
	}()

	s.mu.Lock()
	defer s.mu.Unlock()

	entry, ok := s.csrfTokens[token]
	if ok {
		delete(s.csrfTokens, token)
		s.csrfCountAtomic.Add(-1)
	}

	if !ok {
		err = storage.ErrCsrfNotFound
		return err
	}
	if security.IsExpired(entry.ExpiresAt) {
		err = fmt.Errorf("%w: expired", storage.ErrCsrfNotFound)
		return err
	}

	return nil
}

// ============================================================
// CodeStore Implementation
// ============================================================

// SaveAuthorizationCode saves an issued authorization code
func (s *Store) SaveAuthorizationCode(ctx context.Context, code *storage.AuthorizationCode) error {
	ctx, span := s.startStorageSpan(ctx, "save_authorization_code")
	defer span.End()

	startTime := time.Now()
	var err error

	defer func() {
		s.recordStorageOperation(ctx, span, "save_authorization_code", err, startTime)
	}()

	if code == nil || code.Code == "" {
		err = fmt.Errorf("invalid authorization code")
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	_, existed := s.authCodes[code.Code]
	s.authCodes[code.Code] = code
	if !existed {
		s.codesCountAtomic.Add(1)
	}

	s.logger.Debug("Saved authorization code",
		"code", util.SafeTruncate(code.Code, tokenLogLength),
		"client_id", code.ClientID)
	return nil
}

// ConsumeAuthorizationCode atomically retrieves and deletes an authorization
// code. The code leaves the store on its first redemption attempt; the
// caller's client, redirect URI, and PKCE checks run afterwards against the
// returned record.
func (s *Store) ConsumeAuthorizationCode(ctx context.Context, code string) (*storage.AuthorizationCode, error) {
	ctx, span := s.startStorageSpan(ctx, "consume_authorization_code")
	defer span.End()

	startTime := time.Now()
	var err error

	defer func() {
		s.recordStorageOperation(ctx, span, "consume_authorization_code", err, startTime)
	}()

	s.mu.Lock()
	defer s.mu.Unlock()

	entry, ok := s.authCodes[code]
	if ok {
		delete(s.authCodes, code)
		s.codesCountAtomic.Add(-1)
	}

	if !ok {
		err = storage.ErrCodeNotFound
		return nil, err
	}
	if security.IsExpired(entry.ExpiresAt) {
		err = fmt.Errorf("%w: %s", storage.ErrCodeExpired, util.SafeTruncate(code, tokenLogLength))
		return nil, err
	}

	return entry, nil
}

// ============================================================
// TokenStore Implementation
// ============================================================

// SaveToken saves a token record
func (s *Store) SaveToken(ctx context.Context, token *storage.Token) error {
	ctx, span := s.startStorageSpan(ctx, "save_token")
	defer span.End()

	startTime := time.Now()
	var err error

	defer func() {
		s.recordStorageOperation(ctx, span, "save_token", err, startTime)
	}()

	if token == nil || token.Value == "" {
		err = fmt.Errorf("invalid token")
		return err
	}
	if token.Kind != storage.TokenKindAccess && token.Kind != storage.TokenKindRefresh {
		err = fmt.Errorf("invalid token kind: %s", token.Kind)
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	_, existed := s.tokens[token.Value]
	s.tokens[token.Value] = token
	if !existed {
		s.tokensCountAtomic.Add(1)
	}

	s.logger.Debug("Saved token",
		"kind", string(token.Kind),
		"token", util.SafeTruncate(token.Value, tokenLogLength),
		"client_id", token.ClientID,
		"expires_at", token.ExpiresAt)
	return nil
}

// GetToken retrieves a token by value and kind with a strict expiry check
func (s *Store) GetToken(ctx context.Context, value string, kind storage.TokenKind) (*storage.Token, error) {
	ctx, span := s.startStorageSpan(ctx, "get_token")
	defer span.End()

	startTime := time.Now()
	var err error

	defer func() {
		s.recordStorageOperation(ctx, span, "get_token", err, startTime)
	}()

	s.mu.RLock()
	token, ok := s.tokens[value]
	s.mu.RUnlock()

	if !ok || token.Kind != kind {
		err = storage.ErrTokenNotFound
		return nil, err
	}
	if security.IsExpired(token.ExpiresAt) {
		err = fmt.Errorf("%w: %s", storage.ErrTokenExpired, util.SafeTruncate(value, tokenLogLength))
		return nil, err
	}

	return token, nil
}

// ConsumeRefreshToken atomically retrieves and deletes a refresh token.
// Once consumed, replaying the same value yields ErrTokenNotFound, which is
// what makes rotation single-use.
func (s *Store) ConsumeRefreshToken(ctx context.Context, value string) (*storage.Token, error) {
	ctx, span := s.startStorageSpan(ctx, "consume_refresh_token")
	defer span.End()

	startTime := time.Now()
	var err error

	defer func() {
		s.recordStorageOperation(ctx, span, "consume_refresh_token", err, startTime)
	}()

	s.mu.Lock()
	defer s.mu.Unlock()

	token, ok := s.tokens[value]
	if !ok || token.Kind != storage.TokenKindRefresh {
		err = fmt.Errorf("%w: refresh token not found or already rotated", storage.ErrTokenNotFound)
		return nil, err
	}

	delete(s.tokens, value)
	s.tokensCountAtomic.Add(-1)

	if security.IsExpired(token.ExpiresAt) {
		err = fmt.Errorf("%w: %s", storage.ErrTokenExpired, util.SafeTruncate(value, tokenLogLength))
		return nil, err
	}

	return token, nil
}

// DeleteToken removes a token by value
func (s *Store) DeleteToken(ctx context.Context, value string) error {
	ctx, span := s.startStorageSpan(ctx, "delete_token")
	defer span.End()

	startTime := time.Now()
	var err error

	defer func() {
		s.recordStorageOperation(ctx, span, "delete_token", err, startTime)
	}()

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, existed := s.tokens[value]; existed {
		delete(s.tokens, value)
		s.tokensCountAtomic.Add(-1)
	}

	return nil
}

// ============================================================
// Sweeping
// ============================================================

// SweepName identifies the store to the sweeper
func (s *Store) SweepName() string {
	return "oauth-stores"
}

// SweepExpired removes every CSRF token, authorization code, and token whose
// expiry has passed relative to now, returning the number of entries
// reclaimed. Advisory only: every read path re-checks expiry itself.
func (s *Store) SweepExpired(ctx context.Context, now time.Time) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	removed := 0

	for key, entry := range s.csrfTokens {
		if security.IsExpiredAt(entry.ExpiresAt, now) {
			delete(s.csrfTokens, key)
			s.csrfCountAtomic.Add(-1)
			removed++
		}
	}

	for key, entry := range s.authCodes {
		if security.IsExpiredAt(entry.ExpiresAt, now) {
			delete(s.authCodes, key)
			s.codesCountAtomic.Add(-1)
			removed++
		}
	}

	for key, entry := range s.tokens {
		if security.IsExpiredAt(entry.ExpiresAt, now) {
			delete(s.tokens, key)
			s.tokensCountAtomic.Add(-1)
			removed++
		}
	}

	if removed > 0 {
		s.logger.Debug("Swept expired OAuth entries",
			"removed", removed,
			"csrf_remaining", len(s.csrfTokens),
			"codes_remaining", len(s.authCodes),
			"tokens_remaining", len(s.tokens))
	}

	return removed
}

// ============================================================
// Instrumentation Helpers
// ============================================================

// startStorageSpan starts a new span for a storage operation
func (s *Store) startStorageSpan(ctx context.Context, operation string) (context.Context, trace.Span) {
	if s.tracer == nil {
		return ctx, trace.SpanFromContext(ctx)
	}

	ctx, span := s.tracer.Start(ctx, fmt.Sprintf("storage.%s", operation),
		trace.WithAttributes(
			attribute.String("operation", operation),
		))

	return ctx, span
}

// recordStorageOperation records metrics for a storage operation and sets span status
func (s *Store) recordStorageOperation(ctx context.Context, span trace.Span, operation string, err error, startTime time.Time) {
	if s.instrumentation == nil {
		return
	}

	durationMs := float64(time.Since(startTime).Milliseconds())
	result := "success"
	if err != nil {
		result = "error"
		if span != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
	} else if span != nil {
		span.SetStatus(codes.Ok, "")
	}

	s.instrumentation.Metrics().RecordStorageOperation(ctx, operation, result, durationMs)
}
