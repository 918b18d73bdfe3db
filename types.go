package sessionkit

import (
	"context"

	"github.com/sessionkit/sessionkit/claims"
)

// TokenInfo is a minted token plus its validity window, epochs in ms.
type TokenInfo struct {
	Token       string
	Expiry      int64
	CreatedTime int64
}

// SessionTokens is the token material minted by a create, refresh, or
// regenerate operation. RefreshToken is nil when only the access token was
// reissued. The transport layer turns this into cookies or headers; callers
// integrating without the transport package attach it themselves.
type SessionTokens struct {
	AccessToken   TokenInfo
	RefreshToken  *TokenInfo
	AntiCsrfToken string
}

// SessionInformation is the durable record for one session handle as stored
// by the auth core. Epochs in ms.
type SessionInformation struct {
	SessionHandle      string
	UserID             string
	SessionData        map[string]any
	AccessTokenPayload claims.Payload
	Expiry             int64
	TimeCreated        int64
}

// VerifyOptions tunes a single GetSession call. The zero value means:
// anti-CSRF checking on, session required, config-default validators.
type VerifyOptions struct {
	// AntiCsrfCheck disables the anti-CSRF comparison when set to false.
	// Nil means enabled. Only safe-method routes should disable it.
	AntiCsrfCheck *bool

	// SessionRequired, when set to false, makes a missing token a
	// (nil, nil) outcome instead of ErrUnauthorised. A token that is
	// present but invalid still fails.
	SessionRequired *bool

	// OverrideDefaultValidators replaces the configured default validator
	// list for this call. Nil keeps the defaults; an empty non-nil slice
	// disables claim validation entirely.
	OverrideDefaultValidators []claims.Validator
}

func (o VerifyOptions) antiCsrfCheck() bool {
	return o.AntiCsrfCheck == nil || *o.AntiCsrfCheck
}

func (o VerifyOptions) sessionRequired() bool {
	return o.SessionRequired == nil || *o.SessionRequired
}

// CreateSessionInput is the input for [Manager.CreateNewSession].
type CreateSessionInput struct {
	UserID string

	// AccessTokenPayload seeds the claim payload carried inside the access
	// token. Configured claim builders run on top of it.
	AccessTokenPayload claims.Payload

	// SessionData is the opaque blob stored only on the auth core, never
	// inside the token.
	SessionData map[string]any
}

// GetSessionInput carries the request-derived material for a single
// [Manager.GetSession] verification.
type GetSessionInput struct {
	AccessToken         string
	AntiCsrfToken       string
	CustomHeaderPresent bool
	Options             VerifyOptions
}

// RefreshSessionInput is the input for [Manager.RefreshSession].
type RefreshSessionInput struct {
	RefreshToken  string
	AntiCsrfToken string
}

// RegenerateResult is returned by [Manager.RegenerateAccessToken].
// AccessToken is nil when the core updated the durable payload but chose not
// to reissue a token (the next refresh picks the change up).
type RegenerateResult struct {
	SessionHandle string
	UserID        string
	Payload       claims.Payload
	AccessToken   *TokenInfo
}

// ClaimBuilder transforms the payload of a session being created, typically
// by fetching a claim value for the user and stamping it in.
type ClaimBuilder func(ctx context.Context, userID string, payload claims.Payload) (claims.Payload, error)

// WithClaim returns a ClaimBuilder that fetches the claim's value for the
// user and adds it to the payload. A fetch miss leaves the payload untouched;
// a fetch error aborts session creation.
func WithClaim(c claims.Claim) ClaimBuilder {
	return func(ctx context.Context, userID string, payload claims.Payload) (claims.Payload, error) {
		value, ok, err := c.Fetch(ctx, userID)
		if err != nil {
			return nil, err
		}
		if !ok {
			return payload, nil
		}
		return c.AddToPayload(payload, value), nil
	}
}
