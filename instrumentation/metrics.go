package instrumentation

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// Metrics holds all metric instruments for the service
type Metrics struct {
	// HTTP Layer Metrics
	HTTPRequestsTotal   metric.Int64Counter
	HTTPRequestDuration metric.Float64Histogram

	// OAuth Flow Metrics
	ClientRegistered  metric.Int64Counter
	ConsentRendered   metric.Int64Counter
	ConsentApproved   metric.Int64Counter
	CodeExchanged     metric.Int64Counter
	TokenRotated      metric.Int64Counter
	PKCEFailed        metric.Int64Counter
	CsrfRejected      metric.Int64Counter
	RateLimitExceeded metric.Int64Counter
	CapacityExceeded  metric.Int64Counter

	// Session Metrics
	SessionsOpened   metric.Int64Counter
	SessionsClosed   metric.Int64Counter
	SessionsActive   metric.Int64ObservableGauge
	SessionDispatch  metric.Int64Counter
	SessionDispatchD metric.Float64Histogram

	// Storage Metrics
	StorageOperationTotal    metric.Int64Counter
	StorageOperationDuration metric.Float64Histogram
	StorageSizeClients       metric.Int64ObservableGauge
	StorageSizeCsrfTokens    metric.Int64ObservableGauge
	StorageSizeCodes         metric.Int64ObservableGauge
	StorageSizeTokens        metric.Int64ObservableGauge

	// Sweeper Metrics
	SweepRuns    metric.Int64Counter
	SweepRemoved metric.Int64Counter

	// Report Cache Metrics
	ReportCacheHits   metric.Int64Counter
	ReportCacheMisses metric.Int64Counter
}

// newMetrics creates and registers all metric instruments
func newMetrics(inst *Instrumentation) (*Metrics, error) {
	m := &Metrics{}

	httpMeter := inst.Meter("http")
	serverMeter := inst.Meter("server")
	sessionMeter := inst.Meter("session")
	storageMeter := inst.Meter("storage")
	sweepMeter := inst.Meter("sweep")
	reportMeter := inst.Meter("report")

	var err error

	// HTTP Layer Metrics
	m.HTTPRequestsTotal, err = httpMeter.Int64Counter(
		"vinreport.http.requests.total",
		metric.WithDescription("Total number of HTTP requests"),
		metric.WithUnit("{request}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create http.requests.total counter: %w", err)
	}

	m.HTTPRequestDuration, err = httpMeter.Float64Histogram(
		"vinreport.http.request.duration",
		metric.WithDescription("HTTP request duration in milliseconds"),
		metric.WithUnit("ms"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create http.request.duration histogram: %w", err)
	}

	// OAuth Flow Metrics
	m.ClientRegistered, err = serverMeter.Int64Counter(
		"vinreport.oauth.client.registered",
		metric.WithDescription("Number of clients registered"),
		metric.WithUnit("{client}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create client.registered counter: %w", err)
	}

	m.ConsentRendered, err = serverMeter.Int64Counter(
		"vinreport.oauth.consent.rendered",
		metric.WithDescription("Number of consent pages rendered"),
		metric.WithUnit("{page}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create consent.rendered counter: %w", err)
	}

	m.ConsentApproved, err = serverMeter.Int64Counter(
		"vinreport.oauth.consent.approved",
		metric.WithDescription("Number of consent approvals that minted a code"),
		metric.WithUnit("{approval}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create consent.approved counter: %w", err)
	}

	m.CodeExchanged, err = serverMeter.Int64Counter(
		"vinreport.oauth.code.exchanged",
		metric.WithDescription("Number of authorization codes exchanged for tokens"),
		metric.WithUnit("{exchange}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create code.exchanged counter: %w", err)
	}

	m.TokenRotated, err = serverMeter.Int64Counter(
		"vinreport.oauth.token.rotated",
		metric.WithDescription("Number of refresh token rotations"),
		metric.WithUnit("{rotation}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create token.rotated counter: %w", err)
	}

	m.PKCEFailed, err = serverMeter.Int64Counter(
		"vinreport.oauth.pkce.validation_failed",
		metric.WithDescription("Number of PKCE validation failures"),
		metric.WithUnit("{failure}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create pkce.validation_failed counter: %w", err)
	}

	m.CsrfRejected, err = serverMeter.Int64Counter(
		"vinreport.oauth.csrf.rejected",
		metric.WithDescription("Number of consent submissions rejected for a dead CSRF token"),
		metric.WithUnit("{rejection}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create csrf.rejected counter: %w", err)
	}

	m.RateLimitExceeded, err = serverMeter.Int64Counter(
		"vinreport.gate.rejections",
		metric.WithDescription("Number of admission gate rejections"),
		metric.WithUnit("{rejection}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create gate.rejections counter: %w", err)
	}

	m.CapacityExceeded, err = serverMeter.Int64Counter(
		"vinreport.capacity.exceeded",
		metric.WithDescription("Number of requests rejected because a bounded registry was full"),
		metric.WithUnit("{rejection}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create capacity.exceeded counter: %w", err)
	}

	// Session Metrics
	m.SessionsOpened, err = sessionMeter.Int64Counter(
		"vinreport.sessions.opened",
		metric.WithDescription("Number of protocol sessions opened"),
		metric.WithUnit("{session}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create sessions.opened counter: %w", err)
	}

	m.SessionsClosed, err = sessionMeter.Int64Counter(
		"vinreport.sessions.closed",
		metric.WithDescription("Number of protocol sessions closed"),
		metric.WithUnit("{session}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create sessions.closed counter: %w", err)
	}

	m.SessionsActive, err = sessionMeter.Int64ObservableGauge(
		"vinreport.sessions.active",
		metric.WithDescription("Number of live protocol sessions"),
		metric.WithUnit("{session}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create sessions.active gauge: %w", err)
	}

	m.SessionDispatch, err = sessionMeter.Int64Counter(
		"vinreport.sessions.dispatch.total",
		metric.WithDescription("Number of calls dispatched into session contexts"),
		metric.WithUnit("{call}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create sessions.dispatch.total counter: %w", err)
	}

	m.SessionDispatchD, err = sessionMeter.Float64Histogram(
		"vinreport.sessions.dispatch.duration",
		metric.WithDescription("Session dispatch duration in milliseconds"),
		metric.WithUnit("ms"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create sessions.dispatch.duration histogram: %w", err)
	}

	// Storage Metrics
	m.StorageOperationTotal, err = storageMeter.Int64Counter(
		"vinreport.storage.operation.total",
		metric.WithDescription("Total number of storage operations"),
		metric.WithUnit("{operation}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create storage.operation.total counter: %w", err)
	}

	m.StorageOperationDuration, err = storageMeter.Float64Histogram(
		"vinreport.storage.operation.duration",
		metric.WithDescription("Storage operation duration in milliseconds"),
		metric.WithUnit("ms"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create storage.operation.duration histogram: %w", err)
	}

	m.StorageSizeClients, err = storageMeter.Int64ObservableGauge(
		"vinreport.storage.size.clients",
		metric.WithDescription("Number of registered clients"),
		metric.WithUnit("{client}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create storage.size.clients gauge: %w", err)
	}

	m.StorageSizeCsrfTokens, err = storageMeter.Int64ObservableGauge(
		"vinreport.storage.size.csrf_tokens",
		metric.WithDescription("Number of live CSRF tokens"),
		metric.WithUnit("{token}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create storage.size.csrf_tokens gauge: %w", err)
	}

	m.StorageSizeCodes, err = storageMeter.Int64ObservableGauge(
		"vinreport.storage.size.codes",
		metric.WithDescription("Number of outstanding authorization codes"),
		metric.WithUnit("{code}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create storage.size.codes gauge: %w", err)
	}

	m.StorageSizeTokens, err = storageMeter.Int64ObservableGauge(
		"vinreport.storage.size.tokens",
		metric.WithDescription("Number of live access and refresh tokens"),
		metric.WithUnit("{token}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create storage.size.tokens gauge: %w", err)
	}

	// Sweeper Metrics
	m.SweepRuns, err = sweepMeter.Int64Counter(
		"vinreport.sweep.runs",
		metric.WithDescription("Number of sweep passes executed"),
		metric.WithUnit("{run}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create sweep.runs counter: %w", err)
	}

	m.SweepRemoved, err = sweepMeter.Int64Counter(
		"vinreport.sweep.removed",
		metric.WithDescription("Number of expired entries reclaimed by the sweeper"),
		metric.WithUnit("{entry}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create sweep.removed counter: %w", err)
	}

	// Report Cache Metrics
	m.ReportCacheHits, err = reportMeter.Int64Counter(
		"vinreport.report.cache.hits",
		metric.WithDescription("Number of report cache hits"),
		metric.WithUnit("{hit}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create report.cache.hits counter: %w", err)
	}

	m.ReportCacheMisses, err = reportMeter.Int64Counter(
		"vinreport.report.cache.misses",
		metric.WithDescription("Number of report cache misses"),
		metric.WithUnit("{miss}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create report.cache.misses counter: %w", err)
	}

	return m, nil
}

// Helper methods for common metric recording patterns

// RecordHTTPRequest records an HTTP request metric
func (m *Metrics) RecordHTTPRequest(ctx context.Context, method, endpoint string, statusCode int, durationMs float64) {
	attrs := []attribute.KeyValue{
		attribute.String("method", method),
		attribute.String("endpoint", endpoint),
		attribute.Int("status", statusCode),
	}

	m.HTTPRequestsTotal.Add(ctx, 1, metric.WithAttributes(attrs...))
	m.HTTPRequestDuration.Record(ctx, durationMs, metric.WithAttributes(attribute.String("endpoint", endpoint)))
}

// RecordClientRegistration records a client registration
func (m *Metrics) RecordClientRegistration(ctx context.Context, clientType string) {
	m.ClientRegistered.Add(ctx, 1, metric.WithAttributes(
		attribute.String("client_type", clientType),
	))
}

// RecordConsentRendered records a rendered consent page
func (m *Metrics) RecordConsentRendered(ctx context.Context, clientID string) {
	m.ConsentRendered.Add(ctx, 1, metric.WithAttributes(
		attribute.String("client_id", clientID),
	))
}

// RecordConsentApproved records a consent approval
func (m *Metrics) RecordConsentApproved(ctx context.Context, clientID string) {
	m.ConsentApproved.Add(ctx, 1, metric.WithAttributes(
		attribute.String("client_id", clientID),
	))
}

// RecordCodeExchange records an authorization code exchange
func (m *Metrics) RecordCodeExchange(ctx context.Context, clientID string, pkce bool) {
	m.CodeExchanged.Add(ctx, 1, metric.WithAttributes(
		attribute.String("client_id", clientID),
		attribute.Bool("pkce", pkce),
	))
}

// RecordTokenRotation records a refresh token rotation
func (m *Metrics) RecordTokenRotation(ctx context.Context, clientID string) {
	m.TokenRotated.Add(ctx, 1, metric.WithAttributes(
		attribute.String("client_id", clientID),
	))
}

// RecordPKCEFailed records a PKCE validation failure
func (m *Metrics) RecordPKCEFailed(ctx context.Context) {
	m.PKCEFailed.Add(ctx, 1)
}

// RecordCsrfRejected records a rejected consent submission
func (m *Metrics) RecordCsrfRejected(ctx context.Context) {
	m.CsrfRejected.Add(ctx, 1)
}

// RecordRateLimitExceeded records an admission gate rejection
func (m *Metrics) RecordRateLimitExceeded(ctx context.Context, endpoint string) {
	m.RateLimitExceeded.Add(ctx, 1, metric.WithAttributes(
		attribute.String("endpoint", endpoint),
	))
}

// RecordCapacityExceeded records a capacity rejection for the named registry
func (m *Metrics) RecordCapacityExceeded(ctx context.Context, resource string) {
	m.CapacityExceeded.Add(ctx, 1, metric.WithAttributes(
		attribute.String("resource", resource),
	))
}

// RecordSessionOpened records a session admission
func (m *Metrics) RecordSessionOpened(ctx context.Context, authenticated bool) {
	m.SessionsOpened.Add(ctx, 1, metric.WithAttributes(
		attribute.Bool("authenticated", authenticated),
	))
}

// RecordSessionClosed records a session teardown with its cause
func (m *Metrics) RecordSessionClosed(ctx context.Context, reason string) {
	m.SessionsClosed.Add(ctx, 1, metric.WithAttributes(
		attribute.String("reason", reason),
	))
}

// RecordSessionDispatch records a call dispatched into a session context
func (m *Metrics) RecordSessionDispatch(ctx context.Context, durationMs float64) {
	m.SessionDispatch.Add(ctx, 1)
	m.SessionDispatchD.Record(ctx, durationMs)
}

// RecordStorageOperation records a storage operation
func (m *Metrics) RecordStorageOperation(ctx context.Context, operation, result string, durationMs float64) {
	attrs := []attribute.KeyValue{
		attribute.String("operation", operation),
		attribute.String("result", result),
	}

	m.StorageOperationTotal.Add(ctx, 1, metric.WithAttributes(attrs...))
	m.StorageOperationDuration.Record(ctx, durationMs, metric.WithAttributes(
		attribute.String("operation", operation),
	))
}

// RecordSweep records one sweep pass over a target
func (m *Metrics) RecordSweep(ctx context.Context, target string, removed int) {
	m.SweepRuns.Add(ctx, 1, metric.WithAttributes(
		attribute.String("target", target),
	))
	m.SweepRemoved.Add(ctx, int64(removed), metric.WithAttributes(
		attribute.String("target", target),
	))
}

// RecordReportCacheLookup records a report cache hit or miss
func (m *Metrics) RecordReportCacheLookup(ctx context.Context, hit bool) {
	if hit {
		m.ReportCacheHits.Add(ctx, 1)
	} else {
		m.ReportCacheMisses.Add(ctx, 1)
	}
}
