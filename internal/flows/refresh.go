package flows

import (
	"context"
	"errors"

	"github.com/sessionkit/sessionkit/core"
)

// RefreshFailureKind classifies refresh flow failures for root-level mapping.
type RefreshFailureKind int

const (
	RefreshFailureNone RefreshFailureKind = iota
	RefreshFailureNoToken
	RefreshFailureTheft
	RefreshFailureUnauthorised
	RefreshFailureCoreUnavailable
)

// RefreshResult carries either the rotated token pair or failure metadata.
// On theft the compromised session identity is included so the caller can
// revoke the whole chain and alert.
type RefreshResult struct {
	Failure       RefreshFailureKind
	Err           error
	SessionHandle string
	UserID        string
	Response      *core.CreateOrRefreshResponse
}

// RefreshDeps captures refresh flow dependencies.
type RefreshDeps struct {
	// Exchange performs the single-use rotation against the auth core. The
	// call is destructive: it must never be retried after a timeout, since
	// the core may already have rotated the token.
	Exchange func(ctx context.Context, refreshToken, antiCsrfToken string) (*core.CreateOrRefreshResponse, error)

	ProvidedAntiCsrf string

	OnTheft func(sessionHandle, userID string)
	Warn    func(string, ...any)
}

// RunRefresh exchanges a refresh token for a new pair. Outcomes: success,
// theft (the token was already consumed — reuse implies compromise),
// unauthorised (session revoked or unknown), or core unavailable.
func RunRefresh(ctx context.Context, refreshToken string, deps RefreshDeps) RefreshResult {
	if refreshToken == "" {
		return RefreshResult{
			Failure: RefreshFailureNoToken,
			Err:     errors.New("no refresh token provided"),
		}
	}

	out, err := deps.Exchange(ctx, refreshToken, deps.ProvidedAntiCsrf)
	if err == nil {
		return RefreshResult{
			SessionHandle: out.Session.Handle,
			UserID:        out.Session.UserID,
			Response:      out,
		}
	}

	var theft *core.TheftError
	switch {
	case errors.As(err, &theft):
		if deps.OnTheft != nil {
			deps.OnTheft(theft.SessionHandle, theft.UserID)
		}
		return RefreshResult{
			Failure:       RefreshFailureTheft,
			Err:           err,
			SessionHandle: theft.SessionHandle,
			UserID:        theft.UserID,
		}
	case errors.Is(err, core.ErrUnavailable):
		return RefreshResult{Failure: RefreshFailureCoreUnavailable, Err: err}
	case errors.Is(err, core.ErrUnauthorised):
		return RefreshResult{Failure: RefreshFailureUnauthorised, Err: err}
	default:
		// A misbehaving core is a down dependency, not an invalid session.
		if deps.Warn != nil {
			deps.Warn("sessionkit: unexpected refresh response from auth core")
		}
		return RefreshResult{Failure: RefreshFailureCoreUnavailable, Err: err}
	}
}
