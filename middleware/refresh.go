package middleware

import (
	"net/http"

	sessionkit "github.com/sessionkit/sessionkit"
	"github.com/sessionkit/sessionkit/transport"
)

// RefreshHandler returns the token-rotation endpoint. Mount it at the
// configured refresh path (default /auth/session/refresh), POST only.
func RefreshHandler(mgr *sessionkit.Manager) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}

		resp := &httpResponse{w: w}
		ctx := sessionkit.WithClientIP(r.Context(), r.RemoteAddr)

		if _, err := transport.RefreshSession(ctx, mgr, httpRequest{r: r}, resp); err != nil {
			transport.WriteError(mgr, resp, err)
			return
		}

		_ = resp.SendJSON(map[string]string{"status": "OK"})
	})
}

// LogoutHandler returns an endpoint that revokes the calling session and
// clears its cookies. Wrap it with [RequireSession].
func LogoutHandler(mgr *sessionkit.Manager) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		s, ok := SessionFromContext(r.Context())
		if !ok {
			http.Error(w, "unauthorised", http.StatusUnauthorized)
			return
		}

		resp := &httpResponse{w: w}
		if err := transport.Revoke(r.Context(), mgr, resp, s); err != nil {
			transport.WriteError(mgr, resp, err)
			return
		}

		_ = resp.SendJSON(map[string]string{"status": "OK"})
	})
}
