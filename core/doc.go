// Package core is the HTTP+JSON client for the remote auth core service that
// durably stores session records, signing keys, and handshake parameters.
// Every call except POST /session/refresh is idempotent; refresh is an
// explicitly single-use exchange.
package core
