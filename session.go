package sessionkit

import (
	"context"
	"fmt"

	"github.com/sessionkit/sessionkit/claims"
)

// Session is the live view of one verified or freshly minted session. It is
// a per-request container: create it, use it, drop it. It is not safe for
// concurrent use and must never be cached across requests.
//
// Mutating methods go through the manager's [Implementation] table, so
// overrides apply to them as well.
type Session struct {
	manager *Manager

	handle        string
	userID        string
	payload       claims.Payload
	accessToken   string
	antiCsrfToken string
	timeCreated   int64 // epoch ms
	expiry        int64 // epoch ms

	// newTokens is set when this operation minted token material the client
	// does not have yet. The transport layer attaches it to the response.
	newTokens *SessionTokens
}

// Handle returns the stable session identifier. It survives refreshes and
// payload changes; only revocation ends it.
func (s *Session) Handle() string { return s.handle }

// UserID returns the user this session authenticates.
func (s *Session) UserID() string { return s.userID }

// AccessToken returns the current serialized access token.
func (s *Session) AccessToken() string { return s.accessToken }

// AntiCsrfToken returns the anti-CSRF pair token, empty unless the auth core
// runs in VIA_TOKEN mode.
func (s *Session) AntiCsrfToken() string { return s.antiCsrfToken }

// TimeCreated returns the access token's mint time, epoch ms.
func (s *Session) TimeCreated() int64 { return s.timeCreated }

// Expiry returns the access token's expiry, epoch ms.
func (s *Session) Expiry() int64 { return s.expiry }

// Payload returns a copy of the claim payload carried in the access token.
func (s *Session) Payload() claims.Payload {
	return claims.Clone(s.payload)
}

// PayloadValue reads a single top-level payload key.
func (s *Session) PayloadValue(key string) (any, bool) {
	v, ok := s.payload[key]
	return v, ok
}

// NewTokens returns the token material minted by the operation that produced
// this session, or nil when the client already holds the current tokens.
func (s *Session) NewTokens() *SessionTokens {
	return s.newTokens
}

// MergeIntoPayload merges an update into this session's claim payload and
// re-signs the access token in place. A nil value deletes its key. The
// session's local view and NewTokens are updated so the transport layer can
// hand the fresh token to the client.
func (s *Session) MergeIntoPayload(ctx context.Context, update claims.Payload) error {
	merged := claims.Merge(s.payload, update)

	res, err := s.manager.impl.RegenerateAccessToken(ctx, s.accessToken, merged)
	if err != nil {
		return err
	}

	s.payload = res.Payload
	if res.AccessToken != nil {
		s.accessToken = res.AccessToken.Token
		s.expiry = res.AccessToken.Expiry
		s.timeCreated = res.AccessToken.CreatedTime
		if s.newTokens == nil {
			s.newTokens = &SessionTokens{AntiCsrfToken: s.antiCsrfToken}
		}
		s.newTokens.AccessToken = *res.AccessToken
	}
	return nil
}

// SetClaimValue fetch-free: stamps a claim value into the payload through
// [Session.MergeIntoPayload].
func (s *Session) SetClaimValue(ctx context.Context, c claims.Claim, value any) error {
	update := c.AddToPayload(claims.Payload{}, value)
	return s.MergeIntoPayload(ctx, update)
}

// FetchAndSetClaim refetches a claim's value for this session's user and
// stamps it into the payload. A fetch miss leaves the payload unchanged.
func (s *Session) FetchAndSetClaim(ctx context.Context, c claims.Claim) error {
	value, ok, err := c.Fetch(ctx, s.userID)
	if err != nil {
		return fmt.Errorf("claim fetch: %w", err)
	}
	if !ok {
		return nil
	}
	return s.SetClaimValue(ctx, c, value)
}

// RemoveClaim deletes a claim's entry from the payload.
func (s *Session) RemoveClaim(ctx context.Context, c claims.Claim) error {
	update := c.RemoveFromPayload(claims.Payload{})
	return s.MergeIntoPayload(ctx, update)
}

// AssertClaims runs validators against this session's payload, refetching
// and re-signing when a validator requests it. A rejection returns
// *[InvalidClaimsError].
func (s *Session) AssertClaims(ctx context.Context, validators []claims.Validator) error {
	run, err := claims.RunValidators(ctx, s.userID, s.payload, validators)
	if err != nil {
		return fmt.Errorf("claim fetch: %w", err)
	}

	if run.Updated {
		s.manager.metrics.Inc(MetricClaimRefetched)
		res, err := s.manager.impl.RegenerateAccessToken(ctx, s.accessToken, run.Payload)
		if err != nil {
			return err
		}
		s.payload = res.Payload
		if res.AccessToken != nil {
			s.accessToken = res.AccessToken.Token
			s.expiry = res.AccessToken.Expiry
			s.timeCreated = res.AccessToken.CreatedTime
			if s.newTokens == nil {
				s.newTokens = &SessionTokens{AntiCsrfToken: s.antiCsrfToken}
			}
			s.newTokens.AccessToken = *res.AccessToken
		}
	}

	if run.Failure != nil {
		s.manager.metrics.Inc(MetricClaimInvalid)
		return &InvalidClaimsError{Errors: []claims.ValidationError{*run.Failure}}
	}
	return nil
}

// SessionData reads the opaque server-side blob for this session.
func (s *Session) SessionData(ctx context.Context) (map[string]any, error) {
	return s.manager.impl.GetSessionData(ctx, s.handle)
}

// UpdateSessionData replaces the opaque server-side blob for this session.
func (s *Session) UpdateSessionData(ctx context.Context, data map[string]any) error {
	return s.manager.impl.UpdateSessionData(ctx, s.handle, data)
}

// Revoke deletes the session record. The in-hand access token keeps
// verifying locally until it expires; revocation takes full effect at the
// next refresh.
func (s *Session) Revoke(ctx context.Context) error {
	_, err := s.manager.impl.RevokeSession(ctx, s.handle)
	return err
}
