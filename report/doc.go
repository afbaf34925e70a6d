// Package report defines the report producer contract consumed by MCP
// sessions, a TTL cache shared across sessions, and the per-session MCP
// server factory exposing the vehicle_report tool.
//
// The session broker never touches the producer; it only hands out MCP
// server instances built here.
package report
