// Package flows contains pure-function orchestrators for the session
// manager's request-path operations.
//
// Each flow function (RunVerify, RunRefresh) accepts a typed dependency
// struct and returns a result with a classified failure kind instead of
// performing side effects of its own. This design enables exhaustive unit
// testing with mock dependencies and keeps the Manager type thin.
//
// # Architecture boundaries
//
// Flow functions coordinate calls to the token codec, the handshake cache,
// the claims engine, and the auth core client. They do NOT own any of these
// resources — ownership stays with the Manager.
//
// # What this package must NOT do
//
//   - Hold mutable state between calls.
//   - Import sessionkit (to avoid import cycles).
//   - Decide HTTP status codes — that mapping belongs to the transport layer.
package flows
