package middleware

import (
	"context"
	"net/http"

	sessionkit "github.com/sessionkit/sessionkit"
	"github.com/sessionkit/sessionkit/transport"
)

type sessionContextKey struct{}

// SessionFromContext returns the session injected by [VerifySession] or
// [OptionalSession]. Under OptionalSession the second result is false when
// the request carried no token.
func SessionFromContext(ctx context.Context) (*sessionkit.Session, bool) {
	s, ok := ctx.Value(sessionContextKey{}).(*sessionkit.Session)
	return s, ok
}

// VerifySession returns middleware that verifies the request's session with
// the given options and injects it into the request context. Failures are
// written by transport.WriteError and the wrapped handler never runs.
func VerifySession(mgr *sessionkit.Manager, opts sessionkit.VerifyOptions) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			resp := &httpResponse{w: w}
			ctx := sessionkit.WithClientIP(r.Context(), r.RemoteAddr)

			s, err := transport.VerifySession(ctx, mgr, httpRequest{r: r}, resp, opts)
			if err != nil {
				transport.WriteError(mgr, resp, err)
				return
			}

			if s != nil {
				ctx = context.WithValue(ctx, sessionContextKey{}, s)
			}
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// RequireSession is [VerifySession] with default options: session required,
// anti-CSRF per method, config-default validators.
func RequireSession(mgr *sessionkit.Manager) func(http.Handler) http.Handler {
	return VerifySession(mgr, sessionkit.VerifyOptions{})
}

// OptionalSession verifies a session when one is presented but lets
// token-less requests through. A present-but-invalid token still fails.
func OptionalSession(mgr *sessionkit.Manager) func(http.Handler) http.Handler {
	required := false
	return VerifySession(mgr, sessionkit.VerifyOptions{SessionRequired: &required})
}
