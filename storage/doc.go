// Package storage provides interfaces and record types for OAuth client, flow,
// and token persistence.
//
// The storage package defines the core storage interfaces used throughout mcp-vinreport:
//   - ClientStore: Manages registered OAuth clients
//   - CsrfStore: Manages single-use CSRF tokens guarding the consent form
//   - CodeStore: Manages single-use authorization codes
//   - TokenStore: Manages access and refresh tokens
//
// Every read path checks entry expiry itself and reports an expired entry as
// absent. Sweeping only reclaims memory; correctness never depends on a sweep
// having run.
//
// Implementations are provided in subpackages:
//   - storage/memory: In-memory storage, the only backend this service ships
package storage
