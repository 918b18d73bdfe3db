// Package transport binds the session manager to HTTP without depending on
// any concrete web framework. Requests and responses are consumed through
// narrow capability interfaces ([Request], [Response]); the middleware
// package provides the net/http implementation, and other frameworks can
// supply their own.
//
// # Responsibilities
//
//   - Extract tokens from cookies or headers per the configured transfer
//     method.
//   - Drive [VerifySession] and [RefreshSession], attaching newly minted
//     token material to the response.
//   - Apply the default anti-CSRF policy: safe methods (GET, HEAD, OPTIONS,
//     TRACE) skip the check unless the caller says otherwise.
//   - Map the public error taxonomy onto HTTP statuses via [WriteError],
//     clearing session cookies when the session is gone.
//
// # Architecture boundaries
//
// This package translates HTTP semantics into Manager calls. It makes no
// authentication decisions of its own and never touches the auth core
// directly.
package transport
