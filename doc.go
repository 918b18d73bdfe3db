// Package sessionkit is the session-management core of an authentication SDK:
// signed access tokens verified locally, rotating single-use refresh tokens
// with reuse (theft) detection, and pluggable claims evaluated against the
// token payload on every protected request.
//
// The package is designed for concurrent server workloads: Manager methods
// are safe to call from multiple goroutines after initialization through
// [Builder.Build]. A [Session] is a per-request container and is not safe
// for concurrent use.
//
// # Architecture boundaries
//
// sessionkit is the public surface. It exposes [Manager], [Builder],
// [Config], [Session], and value types (SessionTokens, SessionInformation,
// VerifyOptions). Flow orchestration, audit dispatch, and metric storage
// live under internal/ and are never exported. Durable session records and
// signing keys are owned by the remote auth core reached through the core
// package; this package never persists a session itself, only references it
// by handle.
//
// # What this package must NOT do
//
//   - Depend on any concrete web framework; requests and responses reach it
//     through the transport package's capability interfaces.
//   - Cache a [Session] beyond one request's lifetime.
//   - Report a down auth core as "not logged in" — that is
//     [ErrCoreUnavailable], never [ErrUnauthorised].
//
// # Performance contract
//
// GetSession is the hot path. With a warm handshake cache it completes
// without any auth core round trip unless a claim validator requests a
// refetch. RefreshSession and the revoke operations are allowed one core
// round trip per call.
package sessionkit
