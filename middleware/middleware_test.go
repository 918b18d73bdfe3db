package middleware

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	sessionkit "github.com/sessionkit/sessionkit"
	"github.com/sessionkit/sessionkit/coretest"
)

func newMiddlewareTest(t *testing.T) *sessionkit.Manager {
	t.Helper()

	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis: %v", err)
	}
	t.Cleanup(mr.Close)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })

	core := httptest.NewServer(coretest.NewServer(rdb, coretest.Config{}).Handler())
	t.Cleanup(core.Close)

	cfg := sessionkit.DefaultConfig()
	cfg.Core.BaseURL = core.URL

	mgr, err := sessionkit.New().WithConfig(cfg).Build()
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	t.Cleanup(mgr.Close)
	return mgr
}

func newSession(t *testing.T, mgr *sessionkit.Manager, userID string) *sessionkit.Session {
	t.Helper()
	s, err := mgr.CreateNewSession(context.Background(), sessionkit.CreateSessionInput{UserID: userID})
	if err != nil {
		t.Fatalf("create session: %v", err)
	}
	return s
}

// authedRequest builds a request carrying the session's cookie and anti-CSRF
// header the way a browser client would after login.
func authedRequest(t *testing.T, mgr *sessionkit.Manager, s *sessionkit.Session, method, target string) *http.Request {
	t.Helper()
	cfg := mgr.Config()

	req := httptest.NewRequest(method, target, nil)
	req.AddCookie(&http.Cookie{Name: cfg.Cookie.AccessTokenName, Value: s.AccessToken()})
	if s.AntiCsrfToken() != "" {
		req.Header.Set(cfg.Cookie.AntiCsrfHeaderName, s.AntiCsrfToken())
	}
	return req
}

func responseCookie(t *testing.T, rec *httptest.ResponseRecorder, name string) *http.Cookie {
	t.Helper()
	for _, c := range rec.Result().Cookies() {
		if c.Name == name {
			return c
		}
	}
	return nil
}

func TestRequireSessionInjectsSession(t *testing.T) {
	mgr := newMiddlewareTest(t)
	s := newSession(t, mgr, "user-1")

	var sawHandle, sawUser string
	handler := RequireSession(mgr)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got, ok := SessionFromContext(r.Context())
		if !ok {
			t.Fatal("no session in context")
		}
		sawHandle = got.Handle()
		sawUser = got.UserID()
		w.WriteHeader(http.StatusOK)
	}))

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, authedRequest(t, mgr, s, http.MethodPost, "/protected"))

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body %s", rec.Code, rec.Body.String())
	}
	if sawHandle != s.Handle() || sawUser != "user-1" {
		t.Fatalf("context session = %s/%s", sawHandle, sawUser)
	}
}

func TestRequireSessionRejectsMissingToken(t *testing.T) {
	mgr := newMiddlewareTest(t)
	cfg := mgr.Config()

	handler := RequireSession(mgr)(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {
		t.Fatal("handler ran without a session")
	}))

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/protected", nil))

	if rec.Code != cfg.SessionExpiredStatusCode {
		t.Fatalf("status = %d, want %d", rec.Code, cfg.SessionExpiredStatusCode)
	}
	if ct := rec.Header().Get("Content-Type"); ct != "application/json" {
		t.Fatalf("content type = %q", ct)
	}

	var body map[string]string
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode body: %v", err)
	}
	if body["message"] != "unauthorised" {
		t.Fatalf("body = %v", body)
	}

	// Unauthorised responses clear stale cookies on the client.
	access := responseCookie(t, rec, cfg.Cookie.AccessTokenName)
	if access == nil || access.Value != "" {
		t.Fatalf("access deletion cookie = %+v", access)
	}
}

func TestRequireSessionRejectsAntiCsrfMissing(t *testing.T) {
	mgr := newMiddlewareTest(t)
	cfg := mgr.Config()
	s := newSession(t, mgr, "user-1")

	handler := RequireSession(mgr)(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {
		t.Fatal("handler ran despite missing anti-CSRF header")
	}))

	req := httptest.NewRequest(http.MethodPost, "/protected", nil)
	req.AddCookie(&http.Cookie{Name: cfg.Cookie.AccessTokenName, Value: s.AccessToken()})

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	if rec.Code != cfg.SessionExpiredStatusCode {
		t.Fatalf("status = %d, want %d", rec.Code, cfg.SessionExpiredStatusCode)
	}
}

func TestOptionalSession(t *testing.T) {
	mgr := newMiddlewareTest(t)
	cfg := mgr.Config()

	var present bool
	handler := OptionalSession(mgr)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, present = SessionFromContext(r.Context())
		w.WriteHeader(http.StatusOK)
	}))

	// Anonymous request passes through without a session.
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/feed", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("anonymous status = %d", rec.Code)
	}
	if present {
		t.Fatal("anonymous request carried a session")
	}

	// A presented session is verified and injected.
	s := newSession(t, mgr, "user-1")
	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, authedRequest(t, mgr, s, http.MethodGet, "/feed"))
	if rec.Code != http.StatusOK {
		t.Fatalf("authed status = %d", rec.Code)
	}
	if !present {
		t.Fatal("session missing from context")
	}

	// A present-but-garbage token still fails.
	req := httptest.NewRequest(http.MethodGet, "/feed", nil)
	req.AddCookie(&http.Cookie{Name: cfg.Cookie.AccessTokenName, Value: "not-a-token"})
	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	if rec.Code != cfg.SessionExpiredStatusCode {
		t.Fatalf("garbage token status = %d, want %d", rec.Code, cfg.SessionExpiredStatusCode)
	}
}

func TestRefreshHandlerRotatesTokens(t *testing.T) {
	mgr := newMiddlewareTest(t)
	cfg := mgr.Config()
	s := newSession(t, mgr, "user-1")
	refreshToken := s.NewTokens().RefreshToken.Token

	handler := RefreshHandler(mgr)

	req := httptest.NewRequest(http.MethodPost, cfg.Cookie.RefreshPath, nil)
	req.AddCookie(&http.Cookie{Name: cfg.Cookie.RefreshTokenName, Value: refreshToken})
	req.Header.Set(cfg.Cookie.AntiCsrfHeaderName, s.AntiCsrfToken())

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body %s", rec.Code, rec.Body.String())
	}

	var body map[string]string
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode body: %v", err)
	}
	if body["status"] != "OK" {
		t.Fatalf("body = %v", body)
	}

	access := responseCookie(t, rec, cfg.Cookie.AccessTokenName)
	if access == nil || access.Value == "" || access.Value == s.AccessToken() {
		t.Fatalf("rotated access cookie = %+v", access)
	}
	refresh := responseCookie(t, rec, cfg.Cookie.RefreshTokenName)
	if refresh == nil || refresh.Value == "" || refresh.Value == refreshToken {
		t.Fatalf("rotated refresh cookie = %+v", refresh)
	}
	if refresh.Path != cfg.Cookie.RefreshPath {
		t.Fatalf("refresh cookie path = %q, want %q", refresh.Path, cfg.Cookie.RefreshPath)
	}
	if front := rec.Header().Get(cfg.Cookie.FrontTokenHeaderName); front == "" {
		t.Fatal("front token header missing")
	}
}

func TestRefreshHandlerMethodNotAllowed(t *testing.T) {
	mgr := newMiddlewareTest(t)

	rec := httptest.NewRecorder()
	RefreshHandler(mgr).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, mgr.Config().Cookie.RefreshPath, nil))
	if rec.Code != http.StatusMethodNotAllowed {
		t.Fatalf("status = %d, want %d", rec.Code, http.StatusMethodNotAllowed)
	}
}

func TestRefreshHandlerClearsCookiesOnDeadToken(t *testing.T) {
	mgr := newMiddlewareTest(t)
	cfg := mgr.Config()
	s := newSession(t, mgr, "user-1")
	if _, err := mgr.RevokeSession(context.Background(), s.Handle()); err != nil {
		t.Fatalf("revoke: %v", err)
	}

	req := httptest.NewRequest(http.MethodPost, cfg.Cookie.RefreshPath, nil)
	req.AddCookie(&http.Cookie{Name: cfg.Cookie.RefreshTokenName, Value: s.NewTokens().RefreshToken.Token})
	req.Header.Set(cfg.Cookie.AntiCsrfHeaderName, s.AntiCsrfToken())

	rec := httptest.NewRecorder()
	RefreshHandler(mgr).ServeHTTP(rec, req)
	if rec.Code != cfg.SessionExpiredStatusCode {
		t.Fatalf("status = %d, want %d", rec.Code, cfg.SessionExpiredStatusCode)
	}

	refresh := responseCookie(t, rec, cfg.Cookie.RefreshTokenName)
	if refresh == nil || refresh.Value != "" {
		t.Fatalf("refresh deletion cookie = %+v", refresh)
	}
	if refresh.MaxAge >= 0 && !refresh.Expires.IsZero() && refresh.Expires.Unix() > 0 {
		t.Fatalf("refresh cookie not expired: %+v", refresh)
	}
}

func TestLogoutHandlerRevokesSession(t *testing.T) {
	mgr := newMiddlewareTest(t)
	cfg := mgr.Config()
	s := newSession(t, mgr, "user-1")

	handler := RequireSession(mgr)(LogoutHandler(mgr))

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, authedRequest(t, mgr, s, http.MethodPost, "/auth/logout"))
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body %s", rec.Code, rec.Body.String())
	}

	access := responseCookie(t, rec, cfg.Cookie.AccessTokenName)
	if access == nil || access.Value != "" {
		t.Fatalf("access deletion cookie = %+v", access)
	}

	if _, err := mgr.GetSessionInformation(context.Background(), s.Handle()); !errors.Is(err, sessionkit.ErrSessionNotFound) {
		t.Fatalf("session after logout: %v", err)
	}
}

func TestHTTPRequestAdapterIgnoresEmptyCookie(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.AddCookie(&http.Cookie{Name: "sAccessToken", Value: ""})

	q := httpRequest{r: req}
	if _, ok := q.GetCookie("sAccessToken"); ok {
		t.Fatal("empty cookie reported as present")
	}
	if _, ok := q.GetCookie("missing"); ok {
		t.Fatal("missing cookie reported as present")
	}
}
