package sessionkit

import (
	"errors"
	"fmt"
	"strings"

	"github.com/sessionkit/sessionkit/claims"
)

var (
	// ErrUnauthorised reports that no valid session exists for the request:
	// missing or malformed token, failed anti-CSRF check, or a session the
	// auth core no longer recognizes. The caller should treat the user as
	// logged out.
	ErrUnauthorised = errors.New("unauthorised")

	// ErrTryRefreshToken reports that the access token has expired but the
	// session may still be alive. The caller should route the client to the
	// refresh endpoint rather than logging it out.
	ErrTryRefreshToken = errors.New("try refresh token")

	// ErrCoreUnavailable reports that the auth core could not be reached or
	// answered outside its protocol. It is never folded into
	// ErrUnauthorised: an unreachable backend says nothing about whether
	// the session is valid.
	ErrCoreUnavailable = errors.New("auth core unavailable")

	// ErrSessionNotFound reports that a session handle does not refer to a
	// live session record.
	ErrSessionNotFound = errors.New("session does not exist")
)

// TokenTheftError reports refresh-token reuse: an already-consumed refresh
// token was presented again, which implies either a replayed request or a
// stolen token. The compromised session identity is included so callers can
// revoke the whole chain and alert the user.
type TokenTheftError struct {
	SessionHandle string
	UserID        string
}

func (e *TokenTheftError) Error() string {
	return fmt.Sprintf("token theft detected for session %s (user %s)", e.SessionHandle, e.UserID)
}

// InvalidClaimsError reports that the session is authenticated but one or
// more claim validators rejected its payload (for example an email-verified
// requirement not met). It maps to the configured invalid-claim HTTP status,
// not to 401.
//
// An error returned by a claim's fetch function is not an InvalidClaimsError
// and is not part of the session taxonomy at all: it propagates wrapped as
// "claim fetch: ..." so the caller sees its own failure, and the transport
// layer writes it as an internal error.
type InvalidClaimsError struct {
	Errors []claims.ValidationError
}

func (e *InvalidClaimsError) Error() string {
	ids := make([]string, len(e.Errors))
	for i, ve := range e.Errors {
		ids[i] = ve.ValidatorID
	}
	return "invalid claims: " + strings.Join(ids, ", ")
}
