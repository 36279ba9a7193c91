// Package authgate provides the core authentication state machine for a
// two-track login system: a legacy three-step flow (credentials, one-time
// PIN, geolocation plausibility) with rotating refresh tokens, and a
// delegated OIDC flow verified against externally published key material.
//
// The package owns the security-sensitive state — pending login sessions,
// the PIN ledger, unlock codes, and a rolling security event log backed by
// Redis — and drives lockout and recovery decisions from it. User records
// themselves live behind the narrow [UserStore] interface; PIN and unlock
// code delivery goes through [Notifier]. Both are supplied by the caller.
//
// Engine methods are safe for concurrent use after construction through
// [Builder.Build]. Mutations to a single user's PIN, pending session,
// refresh token, and lockout state are serialized per user: attempt
// counters are decremented inside Redis transactions, and refresh rotation
// holds an in-process per-user lock so a replayed token can never race a
// legitimate rotation.
//
// All expiry decisions compare stored timestamps against the injected
// [Clock]; the engine runs no background timers.
package authgate
