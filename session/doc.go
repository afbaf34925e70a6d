// Package session implements the MCP session broker behind the /mcp endpoint.
//
// Each POST without an mcp-session-id header opens a fresh session with its
// own MCP server instance; subsequent requests address that session through
// the header. Sessions are process-local, capacity-bounded (admission fails
// closed when full), serialized per session, and reaped after an idle period.
package session
