// Package token encodes, decodes, signs and verifies access tokens, and
// caches the signing-key material (handshake info) fetched from the auth core
// with time-boxed validity and single-flight refresh.
package token
