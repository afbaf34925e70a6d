// Package instrumentation provides OpenTelemetry tracing and metrics for
// mcp-vinreport.
//
// It wraps the OpenTelemetry SDK behind a single Instrumentation type that
// hands out named tracers and meters per layer ("http", "server", "storage",
// "session", "sweep") and a Metrics holder with the pre-built instruments the
// service records: OAuth flow counters, admission gate rejections, session
// lifecycle, sweeper reclaim counts, and report cache hits.
//
// When disabled the package falls back to no-op providers with zero overhead,
// so call sites never need to guard their recording calls.
package instrumentation
