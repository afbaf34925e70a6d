// Package oauth implements the authorization server embedded in the
// VIN-reporting service: dynamic client registration (RFC 7591), the
// authorization-code grant with mandatory PKCE (RFC 7636), refresh token
// rotation, a CSRF-protected consent page, and RFC 8414 / RFC 9728 discovery
// metadata.
//
// The consent step is unauthenticated: the service has no user login, so the
// server never trusts session state to recover authorization parameters. The
// consent form round-trips every parameter verbatim, guarded by a single-use
// CSRF token.
//
// Server holds the business logic against the storage interfaces; Handler is
// the HTTP adapter that parses requests, runs the admission gate, and maps
// typed errors onto OAuth wire responses.
package oauth
