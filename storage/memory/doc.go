// Package memory provides the in-memory implementation of all storage
// interfaces.
//
// All four stores (clients, CSRF tokens, authorization codes, tokens) are
// process-wide mutable state with no external persistence. A process restart
// discards everything; clients re-authenticate from scratch.
//
// Each lookup checks expiry itself and reports stale entries as absent. The
// store exposes Sweep methods that the sweeper calls on a fixed interval to
// reclaim the memory of entries the read paths already treat as gone.
package memory
