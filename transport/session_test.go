package transport

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	sessionkit "github.com/sessionkit/sessionkit"
	"github.com/sessionkit/sessionkit/claims"
	"github.com/sessionkit/sessionkit/coretest"
)

type fakeRequest struct {
	method  string
	headers map[string]string
	cookies map[string]string
}

func (r *fakeRequest) Method() string { return r.method }

func (r *fakeRequest) GetHeader(name string) string { return r.headers[name] }

func (r *fakeRequest) GetCookie(name string) (string, bool) {
	v, ok := r.cookies[name]
	return v, ok
}

type fakeResponse struct {
	headers map[string]string
	cookies map[string]SetCookie
	status  int
	body    any
}

func newFakeResponse() *fakeResponse {
	return &fakeResponse{
		headers: make(map[string]string),
		cookies: make(map[string]SetCookie),
	}
}

func (r *fakeResponse) SetHeader(name, value string) { r.headers[name] = value }

func (r *fakeResponse) SetCookie(cookie SetCookie) { r.cookies[cookie.Name] = cookie }

func (r *fakeResponse) SetStatusCode(code int) { r.status = code }

func (r *fakeResponse) SendJSON(body any) error {
	r.body = body
	return nil
}

func newTransportTest(t *testing.T, configure func(*sessionkit.Config)) *sessionkit.Manager {
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
	if configure != nil {
		configure(&cfg)
	}

	mgr, err := sessionkit.New().WithConfig(cfg).Build()
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	t.Cleanup(mgr.Close)
	return mgr
}

func createSession(t *testing.T, mgr *sessionkit.Manager, userID string) *sessionkit.Session {
	t.Helper()
	s, err := mgr.CreateNewSession(context.Background(), sessionkit.CreateSessionInput{UserID: userID})
	if err != nil {
		t.Fatalf("create session: %v", err)
	}
	return s
}

func TestVerifySessionFromCookies(t *testing.T) {
	mgr := newTransportTest(t, nil)
	ctx := context.Background()
	s := createSession(t, mgr, "user-1")
	cfg := mgr.Config()

	req := &fakeRequest{
		method: http.MethodPost,
		headers: map[string]string{
			cfg.Cookie.AntiCsrfHeaderName: s.AntiCsrfToken(),
		},
		cookies: map[string]string{
			cfg.Cookie.AccessTokenName: s.AccessToken(),
		},
	}
	resp := newFakeResponse()

	got, err := VerifySession(ctx, mgr, req, resp, sessionkit.VerifyOptions{})
	if err != nil {
		t.Fatalf("verify: %v", err)
	}
	if got.UserID() != "user-1" {
		t.Fatalf("session = %+v", got)
	}
	if len(resp.cookies) != 0 {
		t.Fatalf("plain verification wrote cookies: %v", resp.cookies)
	}
}

func TestVerifySessionSafeMethodSkipsAntiCsrf(t *testing.T) {
	mgr := newTransportTest(t, nil)
	ctx := context.Background()
	s := createSession(t, mgr, "user-1")
	cfg := mgr.Config()

	// GET without the anti-CSRF header passes by default.
	req := &fakeRequest{
		method:  http.MethodGet,
		headers: map[string]string{},
		cookies: map[string]string{cfg.Cookie.AccessTokenName: s.AccessToken()},
	}
	if _, err := VerifySession(ctx, mgr, req, newFakeResponse(), sessionkit.VerifyOptions{}); err != nil {
		t.Fatalf("safe-method verify: %v", err)
	}

	// POST without it does not.
	req.method = http.MethodPost
	_, err := VerifySession(ctx, mgr, req, newFakeResponse(), sessionkit.VerifyOptions{})
	if !errors.Is(err, sessionkit.ErrUnauthorised) {
		t.Fatalf("unsafe-method verify err = %v", err)
	}

	// An explicit opt-in forces the check even on GET.
	req.method = http.MethodGet
	on := true
	_, err = VerifySession(ctx, mgr, req, newFakeResponse(), sessionkit.VerifyOptions{AntiCsrfCheck: &on})
	if !errors.Is(err, sessionkit.ErrUnauthorised) {
		t.Fatalf("forced check err = %v", err)
	}
}

func TestVerifySessionOptional(t *testing.T) {
	mgr := newTransportTest(t, nil)
	optional := false

	s, err := VerifySession(context.Background(), mgr,
		&fakeRequest{method: http.MethodGet},
		newFakeResponse(),
		sessionkit.VerifyOptions{SessionRequired: &optional})
	if err != nil || s != nil {
		t.Fatalf("optional verify = %v, %v; want nil, nil", s, err)
	}
}

func TestRefreshSessionAttachesCookies(t *testing.T) {
	mgr := newTransportTest(t, nil)
	ctx := context.Background()
	s := createSession(t, mgr, "user-1")
	cfg := mgr.Config()

	req := &fakeRequest{
		method:  http.MethodPost,
		headers: map[string]string{},
		cookies: map[string]string{
			cfg.Cookie.RefreshTokenName: s.NewTokens().RefreshToken.Token,
		},
	}
	resp := newFakeResponse()

	refreshed, err := RefreshSession(ctx, mgr, req, resp)
	if err != nil {
		t.Fatalf("refresh: %v", err)
	}

	access, ok := resp.cookies[cfg.Cookie.AccessTokenName]
	if !ok || access.Value != refreshed.AccessToken() {
		t.Fatalf("access cookie = %+v", access)
	}
	if access.Path != cfg.Cookie.AccessPath || !access.HTTPOnly {
		t.Fatalf("access cookie attributes = %+v", access)
	}

	refresh, ok := resp.cookies[cfg.Cookie.RefreshTokenName]
	if !ok || refresh.Value == "" || refresh.Value == s.NewTokens().RefreshToken.Token {
		t.Fatalf("refresh cookie = %+v", refresh)
	}
	if refresh.Path != cfg.Cookie.RefreshPath {
		t.Fatalf("refresh cookie path = %q, want %q", refresh.Path, cfg.Cookie.RefreshPath)
	}

	if resp.headers[cfg.Cookie.AntiCsrfHeaderName] == "" {
		t.Fatal("anti-csrf header missing")
	}

	front := resp.headers[cfg.Cookie.FrontTokenHeaderName]
	raw, err := base64.StdEncoding.DecodeString(front)
	if err != nil {
		t.Fatalf("front token not base64: %v", err)
	}
	var ft struct {
		UserID string `json:"uid"`
		Expiry int64  `json:"ate"`
	}
	if err := json.Unmarshal(raw, &ft); err != nil {
		t.Fatalf("front token not json: %v", err)
	}
	if ft.UserID != "user-1" || ft.Expiry == 0 {
		t.Fatalf("front token = %+v", ft)
	}
}

func TestRefreshSessionTheftClearsAndRevokes(t *testing.T) {
	mgr := newTransportTest(t, nil)
	ctx := context.Background()
	s := createSession(t, mgr, "user-1")
	cfg := mgr.Config()
	firstRefresh := s.NewTokens().RefreshToken.Token

	req := &fakeRequest{
		method:  http.MethodPost,
		headers: map[string]string{},
		cookies: map[string]string{cfg.Cookie.RefreshTokenName: firstRefresh},
	}
	if _, err := RefreshSession(ctx, mgr, req, newFakeResponse()); err != nil {
		t.Fatalf("first refresh: %v", err)
	}

	resp := newFakeResponse()
	_, err := RefreshSession(ctx, mgr, req, resp)
	var theft *sessionkit.TokenTheftError
	if !errors.As(err, &theft) {
		t.Fatalf("reuse err = %v, want theft", err)
	}

	// Deletion cookies: empty value, zero expiry.
	for _, name := range []string{cfg.Cookie.AccessTokenName, cfg.Cookie.RefreshTokenName} {
		c, ok := resp.cookies[name]
		if !ok || c.Value != "" || c.Expiry != 0 {
			t.Fatalf("cookie %q not cleared: %+v", name, c)
		}
	}
	if resp.headers[cfg.Cookie.FrontTokenHeaderName] != "remove" {
		t.Fatalf("front token header = %q", resp.headers[cfg.Cookie.FrontTokenHeaderName])
	}

	// The compromised session is gone.
	if _, err := mgr.GetSessionInformation(ctx, theft.SessionHandle); !errors.Is(err, sessionkit.ErrSessionNotFound) {
		t.Fatalf("post-theft info err = %v", err)
	}
}

func TestHeaderTransfer(t *testing.T) {
	mgr := newTransportTest(t, func(cfg *sessionkit.Config) {
		cfg.Cookie.TransferMethod = sessionkit.TransferHeader
	})
	ctx := context.Background()
	s := createSession(t, mgr, "user-1")
	cfg := mgr.Config()

	// Access token rides the Authorization header.
	req := &fakeRequest{
		method: http.MethodPost,
		headers: map[string]string{
			"Authorization":               "Bearer " + s.AccessToken(),
			cfg.Cookie.AntiCsrfHeaderName: s.AntiCsrfToken(),
		},
	}
	if _, err := VerifySession(ctx, mgr, req, newFakeResponse(), sessionkit.VerifyOptions{}); err != nil {
		t.Fatalf("header verify: %v", err)
	}

	// Refresh reads and writes dedicated headers, no cookies.
	refreshReq := &fakeRequest{
		method: http.MethodPost,
		headers: map[string]string{
			cfg.Cookie.RefreshTokenHeaderName: s.NewTokens().RefreshToken.Token,
		},
	}
	resp := newFakeResponse()
	refreshed, err := RefreshSession(ctx, mgr, refreshReq, resp)
	if err != nil {
		t.Fatalf("header refresh: %v", err)
	}
	if len(resp.cookies) != 0 {
		t.Fatalf("header transfer wrote cookies: %v", resp.cookies)
	}
	if resp.headers[headerAccessToken] != refreshed.AccessToken() {
		t.Fatalf("access header = %q", resp.headers[headerAccessToken])
	}
	if resp.headers[cfg.Cookie.RefreshTokenHeaderName] == "" {
		t.Fatal("refresh header missing")
	}
}

func TestWriteErrorMapping(t *testing.T) {
	mgr := newTransportTest(t, nil)
	cfg := mgr.Config()

	cases := []struct {
		name       string
		err        error
		wantStatus int
		wantKnown  bool
		cleared    bool
	}{
		{"try refresh", sessionkit.ErrTryRefreshToken, cfg.SessionExpiredStatusCode, true, false},
		{"unauthorised", sessionkit.ErrUnauthorised, cfg.SessionExpiredStatusCode, true, true},
		{"theft", &sessionkit.TokenTheftError{SessionHandle: "h", UserID: "u"}, cfg.SessionExpiredStatusCode, true, true},
		{"invalid claims", &sessionkit.InvalidClaimsError{
			Errors: []claims.ValidationError{{ValidatorID: "email-verified"}},
		}, cfg.InvalidClaimStatusCode, true, false},
		{"core down", sessionkit.ErrCoreUnavailable, http.StatusServiceUnavailable, true, false},
		{"claim fetch failure", fmt.Errorf("claim fetch: %w", errors.New("directory down")), http.StatusInternalServerError, false, false},
		{"unknown", errors.New("boom"), http.StatusInternalServerError, false, false},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			resp := newFakeResponse()
			known := WriteError(mgr, resp, tc.err)
			if known != tc.wantKnown {
				t.Fatalf("known = %v, want %v", known, tc.wantKnown)
			}
			if resp.status != tc.wantStatus {
				t.Fatalf("status = %d, want %d", resp.status, tc.wantStatus)
			}
			if resp.body == nil {
				t.Fatal("no body written")
			}
			if cleared := len(resp.cookies) > 0; cleared != tc.cleared {
				t.Fatalf("cookies cleared = %v, want %v", cleared, tc.cleared)
			}
		})
	}
}

func TestWriteErrorInvalidClaimsBody(t *testing.T) {
	mgr := newTransportTest(t, nil)

	resp := newFakeResponse()
	WriteError(mgr, resp, &sessionkit.InvalidClaimsError{
		Errors: []claims.ValidationError{{
			ValidatorID: "email-verified",
			Reason:      map[string]any{"message": "wrong value"},
		}},
	})

	body, ok := resp.body.(map[string]any)
	if !ok {
		t.Fatalf("body = %T", resp.body)
	}
	if body["message"] != "invalid claim" {
		t.Fatalf("message = %v", body["message"])
	}
	ves, ok := body["claimValidationErrors"].([]claims.ValidationError)
	if !ok || len(ves) != 1 || ves[0].ValidatorID != "email-verified" {
		t.Fatalf("claim errors = %v", body["claimValidationErrors"])
	}
}
