package flows

import (
	"context"
	"crypto/subtle"
	"errors"

	"github.com/sessionkit/sessionkit/claims"
	"github.com/sessionkit/sessionkit/core"
	"github.com/sessionkit/sessionkit/token"
)

// VerifyFailureKind classifies getSession failures for root-level mapping.
type VerifyFailureKind int

const (
	VerifyFailureNone VerifyFailureKind = iota
	VerifyFailureUnauthorised
	VerifyFailureTryRefresh
	VerifyFailureInvalidClaims
	VerifyFailureClaimFetch
	VerifyFailureCoreUnavailable
)

// VerifyResult carries either the verified token (possibly regenerated after
// claim refetches) or failure metadata.
type VerifyResult struct {
	Failure      VerifyFailureKind
	Err          error
	Token        *token.AccessToken
	ClaimFailure *claims.ValidationError
}

// VerifyDeps captures the verify flow dependencies.
type VerifyDeps struct {
	GetHandshake func(ctx context.Context, forceRefresh bool) (token.HandshakeInfo, error)
	Decode       func(tokenStr string, hs token.HandshakeInfo) (*token.AccessToken, error)

	// Regenerate re-signs the in-hand token with an updated payload after
	// claim refetches. Called at most once per verify pass.
	Regenerate func(ctx context.Context, at *token.AccessToken, payload claims.Payload) (*token.AccessToken, error)

	// AntiCsrfCheck enables the per-mode check; CustomHeaderPresent reports
	// the VIA_CUSTOM_HEADER signal extracted by the transport layer.
	AntiCsrfCheck       bool
	ProvidedAntiCsrf    string
	CustomHeaderPresent bool

	Validators []claims.Validator

	OnForcedKeyRefresh func()
	OnClaimRefetched   func()
	Warn               func(string, ...any)
}

// RunVerify executes the protected-request state machine: decode and verify
// the access token (with a single forced key-cache refresh on an unrecognized
// signature), apply the anti-CSRF check for the configured mode, then run the
// claim validators.
func RunVerify(ctx context.Context, rawAccessToken string, deps VerifyDeps) VerifyResult {
	hs, err := deps.GetHandshake(ctx, false)
	if err != nil {
		return VerifyResult{Failure: VerifyFailureCoreUnavailable, Err: err}
	}

	at, decodeErr := deps.Decode(rawAccessToken, hs)

	var tokenErr *token.Error
	if errors.As(decodeErr, &tokenErr) && tokenErr.Kind == token.KindSignatureInvalid {
		// The local key list may be stale after a rotation. One forced
		// refresh, then one retry; never more per verification.
		if deps.OnForcedKeyRefresh != nil {
			deps.OnForcedKeyRefresh()
		}
		hs, err = deps.GetHandshake(ctx, true)
		if err != nil {
			return VerifyResult{Failure: VerifyFailureCoreUnavailable, Err: err}
		}
		at, decodeErr = deps.Decode(rawAccessToken, hs)
	}

	if decodeErr != nil {
		if errors.As(decodeErr, &tokenErr) && tokenErr.Kind == token.KindExpired {
			return VerifyResult{Failure: VerifyFailureTryRefresh, Err: decodeErr, Token: at}
		}
		return VerifyResult{Failure: VerifyFailureUnauthorised, Err: decodeErr}
	}

	if deps.AntiCsrfCheck {
		switch hs.AntiCsrf {
		case token.AntiCsrfViaToken:
			if !antiCsrfTokenMatches(at.AntiCsrfToken, deps.ProvidedAntiCsrf) {
				return VerifyResult{
					Failure: VerifyFailureUnauthorised,
					Err:     errors.New("anti-csrf token mismatch"),
				}
			}
		case token.AntiCsrfViaCustomHeader:
			if !deps.CustomHeaderPresent {
				return VerifyResult{
					Failure: VerifyFailureUnauthorised,
					Err:     errors.New("anti-csrf custom header missing"),
				}
			}
		}
	}

	if len(deps.Validators) == 0 {
		return VerifyResult{Token: at}
	}

	run, err := claims.RunValidators(ctx, at.UserID, at.Payload, deps.Validators)
	if err != nil {
		return VerifyResult{Failure: VerifyFailureClaimFetch, Err: err, Token: at}
	}

	if run.Updated {
		if deps.OnClaimRefetched != nil {
			deps.OnClaimRefetched()
		}
		regenerated, err := deps.Regenerate(ctx, at, run.Payload)
		switch {
		case err == nil:
			at = regenerated
		case errors.Is(err, core.ErrUnavailable):
			return VerifyResult{Failure: VerifyFailureCoreUnavailable, Err: err, Token: at}
		default:
			return VerifyResult{Failure: VerifyFailureUnauthorised, Err: err, Token: at}
		}
	}

	if run.Failure != nil {
		return VerifyResult{
			Failure:      VerifyFailureInvalidClaims,
			Token:        at,
			ClaimFailure: run.Failure,
		}
	}

	return VerifyResult{Token: at}
}

func antiCsrfTokenMatches(expected, provided string) bool {
	if expected == "" || provided == "" {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(expected), []byte(provided)) == 1
}
