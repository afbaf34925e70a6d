// Package security provides the security building blocks shared by the OAuth
// endpoints and the session broker: per-IP admission control, secure response
// headers, audit logging with hashed PII, client IP extraction, and expiry
// checks.
//
// Expiry checks are strict. An entry whose expiry is any amount in the past is
// treated as absent by every read path, so a store entry can never be observed
// alive after its recorded expiry regardless of when the sweeper last ran.
package security
