// Package middleware exposes net/http adapters for session verification and
// refresh built on top of the transport package.
//
// # Guards
//
//   - [VerifySession] — verifies the access token, runs claim validation,
//     and injects the session into the request context.
//   - [OptionalSession] — same, but a missing token passes through with no
//     session in context.
//   - [RefreshHandler] — the token-rotation endpoint.
//
// # Architecture boundaries
//
// This package translates net/http values into the transport package's
// capability interfaces. It does NOT implement verification logic itself —
// all decisions are delegated through transport to the Manager.
//
// # What this package must NOT do
//
//   - Parse or create tokens directly (delegates to the Manager).
//   - Talk to the auth core (the Manager handles I/O).
//   - Make authorization decisions beyond pass/reject from verification.
package middleware
