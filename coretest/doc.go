// Package coretest is a Redis-backed implementation of the auth core
// protocol the SDK talks to. It exists for integration testing and local
// development: point a [core.Client] at a [Server] and every SDK operation
// runs against real durable state, including single-use refresh rotation,
// theft detection, and signing-key rotation.
//
// The store keeps one JSON record per session handle, the current and
// previous refresh-token hashes in dedicated keys, and a per-user handle
// index. Refresh rotation and revocation are Lua scripts, so they stay
// atomic under concurrent refreshes of the same session.
//
// # What this package must NOT do
//
//   - Be used as a production auth core.
//   - Import the sessionkit root package (the SDK tests import coretest,
//     not the other way around).
package coretest
