package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/mark3labs/mcp-go/server"

	"github.com/giantswarm/mcp-vinreport/instrumentation"
	"github.com/giantswarm/mcp-vinreport/security"
)

const (
	// DefaultMaxSessions bounds concurrent sessions; admission fails closed
	DefaultMaxSessions = 100

	// DefaultIdleTTL is how long a session survives without traffic.
	// Every dispatched message renews the deadline.
	DefaultIdleTTL = 30 * time.Minute
)

var (
	// ErrBrokerFull is returned when the broker is at capacity
	ErrBrokerFull = errors.New("session broker is at capacity")

	// ErrSessionNotFound is returned for an unknown or expired session ID
	ErrSessionNotFound = errors.New("session not found")
)

// ServerFactory builds the MCP server instance backing one session.
// Each session gets its own instance so per-session protocol state
// (initialization, negotiated capabilities) never leaks across sessions.
type ServerFactory func() *server.MCPServer

// Session is one live MCP session. Message dispatch is serialized by the
// session's mutex; concurrent POSTs to the same session queue up.
type Session struct {
	ID        string
	ClientID  string
	CreatedAt time.Time

	mu         sync.Mutex
	mcpServer  *server.MCPServer
	lastActive time.Time
}

// Broker owns the session table behind /mcp
type Broker struct {
	mu       sync.RWMutex
	sessions map[string]*Session

	factory     ServerFactory
	maxSessions int
	idleTTL     time.Duration
	logger      *slog.Logger
	auditor     *security.Auditor
	metrics     *instrumentation.Metrics
}

// NewBroker creates a broker with default capacity and idle TTL
func NewBroker(factory ServerFactory) *Broker {
	return NewBrokerWithConfig(factory, DefaultMaxSessions, DefaultIdleTTL, nil)
}

// NewBrokerWithConfig creates a broker with explicit bounds
func NewBrokerWithConfig(factory ServerFactory, maxSessions int, idleTTL time.Duration, logger *slog.Logger) *Broker {
	if maxSessions <= 0 {
		maxSessions = DefaultMaxSessions
	}
	if idleTTL <= 0 {
		idleTTL = DefaultIdleTTL
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Broker{
		sessions:    make(map[string]*Session),
		factory:     factory,
		maxSessions: maxSessions,
		idleTTL:     idleTTL,
		logger:      logger,
	}
}

// SetAuditor attaches a security auditor (optional)
func (b *Broker) SetAuditor(aud *security.Auditor) {
	b.auditor = aud
}

// SetInstrumentation attaches metrics and registers the active-session gauge
func (b *Broker) SetInstrumentation(inst *instrumentation.Instrumentation) {
	if inst == nil {
		return
	}
	b.metrics = inst.Metrics()
	if err := inst.RegisterSessionCountCallback(func() int64 {
		return int64(b.Count())
	}); err != nil {
		b.logger.Warn("Failed to register session gauge", "error", err)
	}
}

// Open creates a new session for the given client.
// Fails closed with ErrBrokerFull when the table is at capacity; no existing
// session is evicted to make room.
func (b *Broker) Open(ctx context.Context, clientID, clientIP string) (*Session, error) {
	b.mu.Lock()
	if len(b.sessions) >= b.maxSessions {
		b.mu.Unlock()
		if b.auditor != nil {
			b.auditor.LogCapacityExceeded("sessions", clientIP)
		}
		if b.metrics != nil {
			b.metrics.RecordCapacityExceeded(ctx, "sessions")
		}
		return nil, fmt.Errorf("%w: %d sessions", ErrBrokerFull, b.maxSessions)
	}

	now := time.Now()
	sess := &Session{
		ID:         uuid.NewString(),
		ClientID:   clientID,
		CreatedAt:  now,
		mcpServer:  b.factory(),
		lastActive: now,
	}
	b.sessions[sess.ID] = sess
	b.mu.Unlock()

	if b.auditor != nil {
		b.auditor.LogSessionOpened(sess.ID, clientIP, clientID != "")
	}
	if b.metrics != nil {
		b.metrics.RecordSessionOpened(ctx, clientID != "")
	}
	b.logger.Info("Opened MCP session", "session_id", sess.ID, "client_id", clientID)

	return sess, nil
}

// Get returns a live session by ID. An idle-expired session is removed and
// reported as not found; being 1ms past the idle deadline is enough.
func (b *Broker) Get(ctx context.Context, id string) (*Session, error) {
	b.mu.RLock()
	sess, exists := b.sessions[id]
	var deadline time.Time
	if exists {
		sess.mu.Lock()
		deadline = sess.lastActive.Add(b.idleTTL)
		sess.mu.Unlock()
	}
	b.mu.RUnlock()

	if !exists {
		return nil, ErrSessionNotFound
	}
	if security.IsExpired(deadline) {
		b.remove(ctx, id, "expired")
		return nil, ErrSessionNotFound
	}
	return sess, nil
}

// Dispatch routes one JSON-RPC message to the session's MCP server.
// The call renews the session's idle deadline and is serialized against other
// messages for the same session.
func (b *Broker) Dispatch(ctx context.Context, id string, message json.RawMessage) (json.RawMessage, error) {
	sess, err := b.Get(ctx, id)
	if err != nil {
		return nil, err
	}

	startTime := time.Now()

	sess.mu.Lock()
	sess.lastActive = time.Now()
	response := sess.mcpServer.HandleMessage(ctx, message)
	sess.mu.Unlock()

	if b.metrics != nil {
		b.metrics.RecordSessionDispatch(ctx, float64(time.Since(startTime).Milliseconds()))
	}

	if response == nil {
		// Notification: nothing to send back
		return nil, nil
	}
	body, err := json.Marshal(response)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal response: %w", err)
	}
	return body, nil
}

// Close terminates a session explicitly
func (b *Broker) Close(ctx context.Context, id, clientIP string) error {
	b.mu.Lock()
	_, exists := b.sessions[id]
	if exists {
		delete(b.sessions, id)
	}
	b.mu.Unlock()

	if !exists {
		return ErrSessionNotFound
	}

	if b.auditor != nil {
		b.auditor.LogSessionClosed(id, clientIP, "client_request")
	}
	if b.metrics != nil {
		b.metrics.RecordSessionClosed(ctx, "client_request")
	}
	b.logger.Info("Closed MCP session", "session_id", id)

	return nil
}

// Count returns the number of live sessions
func (b *Broker) Count() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.sessions)
}

// remove deletes a session and records why
func (b *Broker) remove(ctx context.Context, id, reason string) {
	b.mu.Lock()
	_, exists := b.sessions[id]
	if exists {
		delete(b.sessions, id)
	}
	b.mu.Unlock()

	if !exists {
		return
	}
	if b.metrics != nil {
		b.metrics.RecordSessionClosed(ctx, reason)
	}
	b.logger.Debug("Removed MCP session", "session_id", id, "reason", reason)
}

// CloseAll tears down every live session. Used at shutdown; individual
// sessions are closed through Close.
func (b *Broker) CloseAll(ctx context.Context) int {
	b.mu.Lock()
	ids := make([]string, 0, len(b.sessions))
	for id := range b.sessions {
		ids = append(ids, id)
	}
	b.sessions = make(map[string]*Session)
	b.mu.Unlock()

	for range ids {
		if b.metrics != nil {
			b.metrics.RecordSessionClosed(ctx, "shutdown")
		}
	}
	if len(ids) > 0 {
		b.logger.Info("Closed all MCP sessions", "count", len(ids))
	}
	return len(ids)
}

// SweepName identifies the broker to the sweeper
func (b *Broker) SweepName() string {
	return "sessions"
}

// SweepExpired removes idle-expired sessions and returns how many went away
func (b *Broker) SweepExpired(ctx context.Context, now time.Time) int {
	b.mu.Lock()
	var expired []string
	for id, sess := range b.sessions {
		sess.mu.Lock()
		deadline := sess.lastActive.Add(b.idleTTL)
		sess.mu.Unlock()
		if security.IsExpiredAt(deadline, now) {
			expired = append(expired, id)
			delete(b.sessions, id)
		}
	}
	b.mu.Unlock()

	for range expired {
		if b.metrics != nil {
			b.metrics.RecordSessionClosed(ctx, "expired")
		}
	}
	if len(expired) > 0 {
		b.logger.Debug("Swept expired sessions", "count", len(expired))
	}
	return len(expired)
}
