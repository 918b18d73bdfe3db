package token

import (
	"context"
	"crypto/ed25519"
	"encoding/base64"
	"errors"
	"sync"
	"time"
)

// AntiCsrfMode selects how forged cross-site requests are rejected.
type AntiCsrfMode string

const (
	// AntiCsrfViaToken requires a per-session random token, delivered out of
	// band, to match on every protected request.
	AntiCsrfViaToken AntiCsrfMode = "VIA_TOKEN"
	// AntiCsrfViaCustomHeader only requires the presence of a fixed custom
	// header. Cheaper but weaker; intended for same-site API clients.
	AntiCsrfViaCustomHeader AntiCsrfMode = "VIA_CUSTOM_HEADER"
	// AntiCsrfNone disables the check. Only acceptable when the access token
	// is never carried as an ambient credential (i.e. not cookie-based).
	AntiCsrfNone AntiCsrfMode = "NONE"
)

// KeyInfo is one signing key as published by the auth core. PublicKey is a
// base64 (std) encoded raw ed25519 public key.
type KeyInfo struct {
	ID        string `json:"keyId"`
	PublicKey string `json:"publicKey"`
	CreatedAt int64  `json:"createdAt"`
	ExpiresAt int64  `json:"expiryTime"`
}

// Decode parses the raw ed25519 public key.
func (k KeyInfo) Decode() (ed25519.PublicKey, error) {
	raw, err := base64.StdEncoding.DecodeString(k.PublicKey)
	if err != nil {
		return nil, err
	}
	if len(raw) != ed25519.PublicKeySize {
		return nil, errors.New("token: invalid ed25519 public key length")
	}
	return ed25519.PublicKey(raw), nil
}

// HandshakeInfo is the cached protocol parameters shared by every session:
// anti-CSRF mode, token validity windows, and the ordered signing-key list
// (newest first). Rotation only appends newer keys; expired keys are retained
// just long enough to verify tokens issued before rotation completed.
type HandshakeInfo struct {
	AntiCsrf                AntiCsrfMode  `json:"antiCsrf"`
	AccessTokenValidity     time.Duration `json:"accessTokenValidity"`
	RefreshTokenValidity    time.Duration `json:"refreshTokenValidity"`
	AccessTokenBlacklisting bool          `json:"accessTokenBlacklistingEnabled"`
	SigningKeys             []KeyInfo     `json:"jwtSigningPublicKeyList"`
}

// LiveKeys returns the keys usable for verification at now: every non-expired
// key, plus expired keys still inside grace so that tokens signed just before
// a rotation completed keep verifying.
func (h HandshakeInfo) LiveKeys(now time.Time, grace time.Duration) []KeyInfo {
	cutoff := now.Add(-grace).UnixMilli()
	out := make([]KeyInfo, 0, len(h.SigningKeys))
	for _, k := range h.SigningKeys {
		if k.ExpiresAt > cutoff {
			out = append(out, k)
		}
	}
	return out
}

// FetchFunc retrieves fresh handshake info from the auth core.
type FetchFunc func(ctx context.Context) (HandshakeInfo, error)

type pendingFetch struct {
	done chan struct{}
	info HandshakeInfo
	err  error
}

// HandshakeCache holds the last fetched HandshakeInfo with a validity window.
// Concurrent callers hitting a miss (or forcing a refresh) collapse into a
// single upstream fetch; the others wait on the shared pending result instead
// of issuing duplicate requests.
type HandshakeCache struct {
	fetch    FetchFunc
	validity time.Duration
	now      func() time.Time

	mu        sync.Mutex
	cached    *HandshakeInfo
	fetchedAt time.Time
	pending   *pendingFetch
}

// NewHandshakeCache builds a cache around fetch. validity bounds how long a
// snapshot is served without revalidation; now is the injectable time source.
func NewHandshakeCache(fetch FetchFunc, validity time.Duration, now func() time.Time) *HandshakeCache {
	if now == nil {
		now = time.Now
	}
	if validity <= 0 {
		validity = time.Hour
	}
	return &HandshakeCache{fetch: fetch, validity: validity, now: now}
}

// Get returns the cached snapshot, fetching when missing, stale, or when
// forceRefresh bypasses the window once. Callers arriving while a fetch is in
// flight share its result.
func (c *HandshakeCache) Get(ctx context.Context, forceRefresh bool) (HandshakeInfo, error) {
	c.mu.Lock()
	if !forceRefresh && c.cached != nil && c.now().Sub(c.fetchedAt) < c.validity {
		info := *c.cached
		c.mu.Unlock()
		return info, nil
	}

	if p := c.pending; p != nil {
		c.mu.Unlock()
		select {
		case <-p.done:
			return p.info, p.err
		case <-ctx.Done():
			return HandshakeInfo{}, ctx.Err()
		}
	}

	p := &pendingFetch{done: make(chan struct{})}
	c.pending = p
	c.mu.Unlock()

	info, err := c.fetch(ctx)

	c.mu.Lock()
	if err == nil {
		snapshot := info
		c.cached = &snapshot
		c.fetchedAt = c.now()
	}
	c.pending = nil
	c.mu.Unlock()

	p.info, p.err = info, err
	close(p.done)
	return info, err
}

// Cached returns the last snapshot without fetching.
func (c *HandshakeCache) Cached() (HandshakeInfo, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.cached == nil {
		return HandshakeInfo{}, false
	}
	return *c.cached, true
}
