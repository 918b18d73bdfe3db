package transport

import (
	"context"
	"errors"
	"net/http"

	sessionkit "github.com/sessionkit/sessionkit"
)

// VerifySession extracts tokens from the request, verifies them through the
// manager, and attaches any regenerated token material to the response.
//
// Outcomes follow [sessionkit.Manager.GetSession], with one addition: when
// the options mark the session optional and no token is present, the result
// is (nil, nil) and the response is untouched.
func VerifySession(ctx context.Context, mgr *sessionkit.Manager, req Request, resp Response, opts sessionkit.VerifyOptions) (*sessionkit.Session, error) {
	cfg := mgr.Config()

	input := sessionkit.GetSessionInput{
		AccessToken:         extractAccessToken(cfg, req),
		AntiCsrfToken:       req.GetHeader(cfg.Cookie.AntiCsrfHeaderName),
		CustomHeaderPresent: req.GetHeader(cfg.Cookie.CustomRequestHeaderName) != "",
		Options:             opts,
	}

	// Safe methods carry no state-changing intent, so they skip the
	// anti-CSRF comparison unless the caller asked for it explicitly.
	if opts.AntiCsrfCheck == nil && isSafeMethod(req.Method()) {
		off := false
		input.Options.AntiCsrfCheck = &off
	}

	s, err := mgr.GetSession(ctx, input)
	if err != nil {
		return nil, err
	}
	if s == nil {
		return nil, nil
	}

	if s.NewTokens() != nil {
		attachTokens(cfg, resp, s.UserID(), s.Payload(), s.NewTokens())
	}
	return s, nil
}

// RefreshSession exchanges the request's refresh token for a rotated pair
// and attaches it to the response. On theft the whole session is revoked and
// the cookies cleared before the error is returned; on an unauthorised
// outcome the cookies are cleared so the client stops presenting dead
// tokens.
func RefreshSession(ctx context.Context, mgr *sessionkit.Manager, req Request, resp Response) (*sessionkit.Session, error) {
	cfg := mgr.Config()

	s, err := mgr.RefreshSession(ctx, sessionkit.RefreshSessionInput{
		RefreshToken:  extractRefreshToken(cfg, req),
		AntiCsrfToken: req.GetHeader(cfg.Cookie.AntiCsrfHeaderName),
	})
	if err != nil {
		var theft *sessionkit.TokenTheftError
		switch {
		case errors.As(err, &theft):
			// Best effort: the refresh already failed, revocation closing
			// the compromised chain matters more than its own error.
			_, _ = mgr.RevokeSession(ctx, theft.SessionHandle)
			clearTokens(cfg, resp)
		case errors.Is(err, sessionkit.ErrUnauthorised):
			clearTokens(cfg, resp)
		}
		return nil, err
	}

	attachTokens(cfg, resp, s.UserID(), s.Payload(), s.NewTokens())
	return s, nil
}

// Revoke revokes the session and clears its cookies from the response.
func Revoke(ctx context.Context, mgr *sessionkit.Manager, resp Response, s *sessionkit.Session) error {
	if err := s.Revoke(ctx); err != nil {
		return err
	}
	clearTokens(mgr.Config(), resp)
	return nil
}

// WriteError maps the public error taxonomy onto an HTTP response:
//
//   - ErrUnauthorised, *TokenTheftError → SessionExpiredStatusCode, cookies cleared
//   - ErrTryRefreshToken → SessionExpiredStatusCode, cookies kept
//   - *InvalidClaimsError → InvalidClaimStatusCode with validator details
//   - ErrCoreUnavailable → 503
//
// Unrecognized errors map to 500. It reports whether the error was one of
// the session taxonomy, so callers can fall through to their own handler.
func WriteError(mgr *sessionkit.Manager, resp Response, err error) bool {
	cfg := mgr.Config()

	var invalidClaims *sessionkit.InvalidClaimsError
	var theft *sessionkit.TokenTheftError

	switch {
	case errors.Is(err, sessionkit.ErrTryRefreshToken):
		resp.SetStatusCode(cfg.SessionExpiredStatusCode)
		_ = resp.SendJSON(map[string]string{"message": "try refresh token"})
	case errors.As(err, &theft), errors.Is(err, sessionkit.ErrUnauthorised):
		clearTokens(cfg, resp)
		resp.SetStatusCode(cfg.SessionExpiredStatusCode)
		_ = resp.SendJSON(map[string]string{"message": "unauthorised"})
	case errors.As(err, &invalidClaims):
		resp.SetStatusCode(cfg.InvalidClaimStatusCode)
		_ = resp.SendJSON(map[string]any{
			"message":               "invalid claim",
			"claimValidationErrors": invalidClaims.Errors,
		})
	case errors.Is(err, sessionkit.ErrCoreUnavailable):
		resp.SetStatusCode(http.StatusServiceUnavailable)
		_ = resp.SendJSON(map[string]string{"message": "service unavailable"})
	default:
		resp.SetStatusCode(http.StatusInternalServerError)
		_ = resp.SendJSON(map[string]string{"message": "internal error"})
		return false
	}
	return true
}

func isSafeMethod(method string) bool {
	switch method {
	case http.MethodGet, http.MethodHead, http.MethodOptions, http.MethodTrace:
		return true
	}
	return false
}
