package sessionkit

import (
	"context"
	"errors"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"github.com/sessionkit/sessionkit/claims"
	"github.com/sessionkit/sessionkit/coretest"
)

// newManagerTest stands up a real auth core (miniredis-backed) and builds a
// manager against it.
func newManagerTest(t *testing.T, configure func(*Builder)) *Manager {
	t.Helper()

	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis: %v", err)
	}
	t.Cleanup(mr.Close)

	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })

	core := httptest.NewServer(coretest.NewServer(rdb, coretest.Config{APIKey: "test-key"}).Handler())
	t.Cleanup(core.Close)

	builder := New()
	builder.config.Core.BaseURL = core.URL
	builder.config.Core.APIKey = "test-key"
	if configure != nil {
		configure(builder)
	}

	mgr, err := builder.Build()
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	t.Cleanup(mgr.Close)
	return mgr
}

func createTestSession(t *testing.T, mgr *Manager, userID string) *Session {
	t.Helper()
	s, err := mgr.CreateNewSession(context.Background(), CreateSessionInput{UserID: userID})
	if err != nil {
		t.Fatalf("create session: %v", err)
	}
	return s
}

func TestCreateAndGetSession(t *testing.T) {
	mgr := newManagerTest(t, nil)
	ctx := context.Background()

	created, err := mgr.CreateNewSession(ctx, CreateSessionInput{
		UserID:             "user-1",
		AccessTokenPayload: claims.Payload{"tier": "pro"},
		SessionData:        map[string]any{"device": "laptop"},
	})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if created.UserID() != "user-1" || created.Handle() == "" {
		t.Fatalf("session = %+v", created)
	}
	tokens := created.NewTokens()
	if tokens == nil || tokens.RefreshToken == nil || tokens.AccessToken.Token == "" {
		t.Fatalf("new tokens = %+v", tokens)
	}
	if tokens.AntiCsrfToken == "" {
		t.Fatal("anti-csrf token missing in VIA_TOKEN mode")
	}

	got, err := mgr.GetSession(ctx, GetSessionInput{
		AccessToken:   created.AccessToken(),
		AntiCsrfToken: created.AntiCsrfToken(),
	})
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Handle() != created.Handle() || got.UserID() != "user-1" {
		t.Fatalf("verified session = %+v", got)
	}
	if v, _ := got.PayloadValue("tier"); v != "pro" {
		t.Fatalf("payload tier = %v", v)
	}
	if got.NewTokens() != nil {
		t.Fatal("plain verification must not mint tokens")
	}

	if n := mgr.Metrics().Value(MetricSessionCreated); n != 1 {
		t.Fatalf("session created counter = %d", n)
	}
	if n := mgr.Metrics().Value(MetricGetSessionSuccess); n != 1 {
		t.Fatalf("get session counter = %d", n)
	}
}

func TestGetSessionAntiCsrf(t *testing.T) {
	mgr := newManagerTest(t, nil)
	ctx := context.Background()
	s := createTestSession(t, mgr, "user-1")

	// Wrong pair token is unauthorised.
	_, err := mgr.GetSession(ctx, GetSessionInput{
		AccessToken:   s.AccessToken(),
		AntiCsrfToken: "wrong",
	})
	if !errors.Is(err, ErrUnauthorised) {
		t.Fatalf("err = %v, want unauthorised", err)
	}

	// The check can be disabled per call for safe-method routes.
	off := false
	if _, err := mgr.GetSession(ctx, GetSessionInput{
		AccessToken: s.AccessToken(),
		Options:     VerifyOptions{AntiCsrfCheck: &off},
	}); err != nil {
		t.Fatalf("get with check disabled: %v", err)
	}
}

func TestGetSessionOptional(t *testing.T) {
	mgr := newManagerTest(t, nil)
	ctx := context.Background()

	if _, err := mgr.GetSession(ctx, GetSessionInput{}); !errors.Is(err, ErrUnauthorised) {
		t.Fatalf("missing required token err = %v", err)
	}

	optional := false
	s, err := mgr.GetSession(ctx, GetSessionInput{
		Options: VerifyOptions{SessionRequired: &optional},
	})
	if err != nil || s != nil {
		t.Fatalf("optional missing token = %v, %v; want nil, nil", s, err)
	}

	// A token that is present but garbage still fails, even when optional.
	_, err = mgr.GetSession(ctx, GetSessionInput{
		AccessToken: "garbage",
		Options:     VerifyOptions{SessionRequired: &optional},
	})
	if !errors.Is(err, ErrUnauthorised) {
		t.Fatalf("garbage token err = %v", err)
	}
}

func TestRefreshRotationAndTheft(t *testing.T) {
	sink := NewChannelSink(16)
	mgr := newManagerTest(t, func(b *Builder) {
		b.WithAuditSink(sink)
	})
	ctx := context.Background()
	s := createTestSession(t, mgr, "user-1")
	firstRefresh := s.NewTokens().RefreshToken.Token

	refreshed, err := mgr.RefreshSession(ctx, RefreshSessionInput{RefreshToken: firstRefresh})
	if err != nil {
		t.Fatalf("refresh: %v", err)
	}
	if refreshed.Handle() != s.Handle() {
		t.Fatal("refresh must keep the session handle")
	}
	tokens := refreshed.NewTokens()
	if tokens == nil || tokens.RefreshToken == nil || tokens.RefreshToken.Token == firstRefresh {
		t.Fatalf("refresh tokens = %+v", tokens)
	}

	// Replaying the consumed token is theft, with the compromised identity.
	_, err = mgr.RefreshSession(ctx, RefreshSessionInput{RefreshToken: firstRefresh})
	var theft *TokenTheftError
	if !errors.As(err, &theft) {
		t.Fatalf("reuse err = %v, want theft", err)
	}
	if theft.SessionHandle != s.Handle() || theft.UserID != "user-1" {
		t.Fatalf("theft identity = %+v", theft)
	}
	if n := mgr.Metrics().Value(MetricTheftDetected); n != 1 {
		t.Fatalf("theft counter = %d", n)
	}

	// The whole chain is dead afterwards.
	_, err = mgr.RefreshSession(ctx, RefreshSessionInput{RefreshToken: tokens.RefreshToken.Token})
	if !errors.Is(err, ErrUnauthorised) {
		t.Fatalf("post-theft refresh err = %v", err)
	}

	// Close flushes the dispatcher, so every emitted event is in the sink.
	mgr.Close()
	var sawTheft bool
drain:
	for {
		select {
		case ev := <-sink.Events():
			if ev.EventType == EventTokenTheftDetected && ev.SessionHandle == s.Handle() {
				sawTheft = true
			}
		default:
			break drain
		}
	}
	if !sawTheft {
		t.Fatal("theft audit event not emitted")
	}
}

func TestExpiredAccessTokenMapsToTryRefresh(t *testing.T) {
	// Freeze the manager's clock past the token's validity while the core
	// mints with real time.
	future := time.Now().Add(2 * time.Hour)
	mgr := newManagerTest(t, func(b *Builder) {
		b.WithClock(func() time.Time { return future })
	})
	ctx := context.Background()
	s := createTestSession(t, mgr, "user-1")

	_, err := mgr.GetSession(ctx, GetSessionInput{
		AccessToken:   s.AccessToken(),
		AntiCsrfToken: s.AntiCsrfToken(),
	})
	if !errors.Is(err, ErrTryRefreshToken) {
		t.Fatalf("err = %v, want try refresh", err)
	}
	if n := mgr.Metrics().Value(MetricTryRefresh); n != 1 {
		t.Fatalf("try refresh counter = %d", n)
	}
}

func TestCoreDownIsNeverUnauthorised(t *testing.T) {
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis: %v", err)
	}
	t.Cleanup(mr.Close)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })

	core := httptest.NewServer(coretest.NewServer(rdb, coretest.Config{}).Handler())

	builder := New()
	builder.config.Core.BaseURL = core.URL
	mgr, err := builder.Build()
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	t.Cleanup(mgr.Close)

	ctx := context.Background()
	s := createTestSession(t, mgr, "user-1")
	refreshToken := s.NewTokens().RefreshToken.Token

	core.Close()

	// Refresh needs the core; its absence must not read as a logout.
	_, err = mgr.RefreshSession(ctx, RefreshSessionInput{RefreshToken: refreshToken})
	if !errors.Is(err, ErrCoreUnavailable) {
		t.Fatalf("refresh err = %v, want core unavailable", err)
	}
	if errors.Is(err, ErrUnauthorised) {
		t.Fatal("core outage must never map to unauthorised")
	}

	// Local verification still works off the cached handshake.
	if _, err := mgr.GetSession(ctx, GetSessionInput{
		AccessToken:   s.AccessToken(),
		AntiCsrfToken: s.AntiCsrfToken(),
	}); err != nil {
		t.Fatalf("cached verification: %v", err)
	}
}

func TestClaimValidationOnGetSession(t *testing.T) {
	verified := atomic.Bool{}
	emailClaim := claims.NewPrimitiveClaim("email-verified", func(context.Context, string) (any, bool, error) {
		return verified.Load(), true, nil
	})

	mgr := newManagerTest(t, func(b *Builder) {
		b.WithClaims(emailClaim)
		b.WithClaimBuilders(WithClaim(emailClaim))
		b.WithDefaultValidators(emailClaim.HasValue(true, ""))
	})
	ctx := context.Background()
	s := createTestSession(t, mgr, "user-1")

	// Unverified email: session is authenticated but claims reject it.
	_, err := mgr.GetSession(ctx, GetSessionInput{
		AccessToken:   s.AccessToken(),
		AntiCsrfToken: s.AntiCsrfToken(),
	})
	var invalid *InvalidClaimsError
	if !errors.As(err, &invalid) {
		t.Fatalf("err = %v, want invalid claims", err)
	}
	if len(invalid.Errors) != 1 || invalid.Errors[0].ValidatorID != "email-verified" {
		t.Fatalf("claim errors = %+v", invalid.Errors)
	}
	if errors.Is(err, ErrUnauthorised) {
		t.Fatal("claim rejection must not read as unauthorised")
	}

	// Per-call override can drop the requirement.
	got, err := mgr.GetSession(ctx, GetSessionInput{
		AccessToken:   s.AccessToken(),
		AntiCsrfToken: s.AntiCsrfToken(),
		Options:       VerifyOptions{OverrideDefaultValidators: []claims.Validator{}},
	})
	if err != nil {
		t.Fatalf("get with override: %v", err)
	}

	// After verification flips server-side, a freshness requirement forces a
	// refetch on the next pass and the token is re-signed. Shifting the
	// claim's clock makes the stamped value stale.
	verified.Store(true)
	emailClaim.Now = func() time.Time { return time.Now().Add(10 * time.Minute) }
	fresh := emailClaim.HasFreshValue(true, 300, "")
	got, err = mgr.GetSession(ctx, GetSessionInput{
		AccessToken:   got.AccessToken(),
		AntiCsrfToken: got.AntiCsrfToken(),
		Options:       VerifyOptions{OverrideDefaultValidators: []claims.Validator{fresh}},
	})
	if err != nil {
		t.Fatalf("get after flip: %v", err)
	}
	if got.NewTokens() == nil || got.NewTokens().AccessToken.Token == s.AccessToken() {
		t.Fatal("refetch should regenerate the access token")
	}
	if n := mgr.Metrics().Value(MetricClaimRefetched); n == 0 {
		t.Fatal("claim refetch counter not incremented")
	}
}

func TestSessionPayloadMutation(t *testing.T) {
	mgr := newManagerTest(t, nil)
	ctx := context.Background()
	s := createTestSession(t, mgr, "user-1")
	original := s.AccessToken()

	if err := s.MergeIntoPayload(ctx, claims.Payload{"role": "admin"}); err != nil {
		t.Fatalf("merge: %v", err)
	}
	if v, _ := s.PayloadValue("role"); v != "admin" {
		t.Fatalf("role = %v", v)
	}
	if s.AccessToken() == original {
		t.Fatal("merge should re-sign the access token")
	}
	if s.NewTokens() == nil || s.NewTokens().AccessToken.Token != s.AccessToken() {
		t.Fatal("NewTokens should carry the re-signed token")
	}

	// The durable record saw the change too.
	info, err := mgr.GetSessionInformation(ctx, s.Handle())
	if err != nil {
		t.Fatalf("info: %v", err)
	}
	if info.AccessTokenPayload["role"] != "admin" {
		t.Fatalf("durable payload = %v", info.AccessTokenPayload)
	}

	// The re-signed token verifies.
	got, err := mgr.GetSession(ctx, GetSessionInput{
		AccessToken:   s.AccessToken(),
		AntiCsrfToken: s.AntiCsrfToken(),
	})
	if err != nil {
		t.Fatalf("get re-signed: %v", err)
	}
	if v, _ := got.PayloadValue("role"); v != "admin" {
		t.Fatalf("verified role = %v", v)
	}

	// Deleting a key travels as a nil value.
	if err := s.MergeIntoPayload(ctx, claims.Payload{"role": nil}); err != nil {
		t.Fatalf("delete merge: %v", err)
	}
	if _, ok := s.PayloadValue("role"); ok {
		t.Fatal("nil merge should remove the key")
	}
}

func TestMergeIntoAccessTokenPayloadByHandle(t *testing.T) {
	mgr := newManagerTest(t, nil)
	ctx := context.Background()
	s := createTestSession(t, mgr, "user-1")

	if err := mgr.MergeIntoAccessTokenPayload(ctx, s.Handle(), claims.Payload{"tier": "pro"}); err != nil {
		t.Fatalf("merge: %v", err)
	}
	if err := mgr.MergeIntoAccessTokenPayload(ctx, s.Handle(), claims.Payload{"extra": 1.0}); err != nil {
		t.Fatalf("second merge: %v", err)
	}

	info, err := mgr.GetSessionInformation(ctx, s.Handle())
	if err != nil {
		t.Fatalf("info: %v", err)
	}
	if info.AccessTokenPayload["tier"] != "pro" || info.AccessTokenPayload["extra"] != 1.0 {
		t.Fatalf("payload = %v", info.AccessTokenPayload)
	}

	// The live access token is untouched until refresh or regeneration.
	got, err := mgr.GetSession(ctx, GetSessionInput{
		AccessToken:   s.AccessToken(),
		AntiCsrfToken: s.AntiCsrfToken(),
	})
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if _, ok := got.PayloadValue("tier"); ok {
		t.Fatal("live token payload must not change until re-signing")
	}

	if err := mgr.MergeIntoAccessTokenPayload(ctx, "no-such-handle", claims.Payload{"x": 1}); !errors.Is(err, ErrSessionNotFound) {
		t.Fatalf("missing handle err = %v", err)
	}
}

func TestRevocationLifecycle(t *testing.T) {
	mgr := newManagerTest(t, nil)
	ctx := context.Background()

	s1 := createTestSession(t, mgr, "user-1")
	s2 := createTestSession(t, mgr, "user-1")
	s3 := createTestSession(t, mgr, "user-2")

	existed, err := mgr.RevokeSession(ctx, s1.Handle())
	if err != nil || !existed {
		t.Fatalf("revoke = %v, %v", existed, err)
	}
	existed, err = mgr.RevokeSession(ctx, s1.Handle())
	if err != nil || existed {
		t.Fatalf("second revoke = %v, %v; want false, nil", existed, err)
	}

	if _, err := mgr.GetSessionInformation(ctx, s1.Handle()); !errors.Is(err, ErrSessionNotFound) {
		t.Fatalf("revoked info err = %v", err)
	}

	handles, err := mgr.GetAllSessionHandlesForUser(ctx, "user-1")
	if err != nil {
		t.Fatalf("handles: %v", err)
	}
	if len(handles) != 1 || handles[0] != s2.Handle() {
		t.Fatalf("handles = %v", handles)
	}

	revoked, err := mgr.RevokeAllSessionsForUser(ctx, "user-1")
	if err != nil {
		t.Fatalf("revoke all: %v", err)
	}
	if len(revoked) != 1 || revoked[0] != s2.Handle() {
		t.Fatalf("revoked = %v", revoked)
	}

	// The other user's session is untouched.
	if _, err := mgr.GetSessionInformation(ctx, s3.Handle()); err != nil {
		t.Fatalf("other user info: %v", err)
	}

	// A revoked session's access token keeps verifying locally until expiry;
	// the refresh path is where revocation bites.
	if _, err := mgr.GetSession(ctx, GetSessionInput{
		AccessToken:   s2.AccessToken(),
		AntiCsrfToken: s2.AntiCsrfToken(),
	}); err != nil {
		t.Fatalf("revoked token local verify: %v", err)
	}
	_, err = mgr.RefreshSession(ctx, RefreshSessionInput{
		RefreshToken: s2.NewTokens().RefreshToken.Token,
	})
	if !errors.Is(err, ErrUnauthorised) {
		t.Fatalf("revoked refresh err = %v", err)
	}
}

func TestSessionDataRoundTrip(t *testing.T) {
	mgr := newManagerTest(t, nil)
	ctx := context.Background()
	s, err := mgr.CreateNewSession(ctx, CreateSessionInput{
		UserID:      "user-1",
		SessionData: map[string]any{"theme": "light"},
	})
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	data, err := s.SessionData(ctx)
	if err != nil {
		t.Fatalf("data: %v", err)
	}
	if data["theme"] != "light" {
		t.Fatalf("data = %v", data)
	}

	if err := s.UpdateSessionData(ctx, map[string]any{"theme": "dark"}); err != nil {
		t.Fatalf("update: %v", err)
	}
	data, err = mgr.GetSessionData(ctx, s.Handle())
	if err != nil {
		t.Fatalf("get data: %v", err)
	}
	if data["theme"] != "dark" {
		t.Fatalf("data = %v", data)
	}

	if _, err := mgr.GetSessionData(ctx, "no-such-handle"); !errors.Is(err, ErrSessionNotFound) {
		t.Fatalf("missing data err = %v", err)
	}
}

func TestValidateClaimsForSessionHandle(t *testing.T) {
	roleClaim := claims.NewPrimitiveClaim("role", func(context.Context, string) (any, bool, error) {
		return "member", true, nil
	})
	mgr := newManagerTest(t, func(b *Builder) {
		b.WithClaims(roleClaim)
	})
	ctx := context.Background()
	s := createTestSession(t, mgr, "user-1")

	failures, err := mgr.ValidateClaimsForSessionHandle(ctx, s.Handle(), []claims.Validator{
		roleClaim.HasValue("admin", "admin-check"),
	})
	if err != nil {
		t.Fatalf("validate: %v", err)
	}
	if len(failures) != 1 || failures[0].ValidatorID != "admin-check" {
		t.Fatalf("failures = %+v", failures)
	}

	// The refetched value was persisted onto the durable record.
	info, err := mgr.GetSessionInformation(ctx, s.Handle())
	if err != nil {
		t.Fatalf("info: %v", err)
	}
	if _, ok := roleClaim.ValueFromPayload(info.AccessTokenPayload); !ok {
		t.Fatal("refetched claim not persisted")
	}

	failures, err = mgr.ValidateClaimsForSessionHandle(ctx, s.Handle(), []claims.Validator{
		roleClaim.HasValue("member", "member-check"),
	})
	if err != nil || len(failures) != 0 {
		t.Fatalf("passing validate = %+v, %v", failures, err)
	}
}

func TestOverrideWrapsAllCallers(t *testing.T) {
	var calls atomic.Int64
	mgr := newManagerTest(t, func(b *Builder) {
		b.WithOverride(func(base Implementation) Implementation {
			original := base.RevokeSession
			base.RevokeSession = func(ctx context.Context, handle string) (bool, error) {
				calls.Add(1)
				return original(ctx, handle)
			}
			return base
		})
	})
	ctx := context.Background()

	s := createTestSession(t, mgr, "user-1")
	if _, err := mgr.RevokeSession(ctx, s.Handle()); err != nil {
		t.Fatalf("manager revoke: %v", err)
	}

	// Session.Revoke goes through the same table.
	s2 := createTestSession(t, mgr, "user-1")
	if err := s2.Revoke(ctx); err != nil {
		t.Fatalf("session revoke: %v", err)
	}

	if n := calls.Load(); n != 2 {
		t.Fatalf("override calls = %d, want 2", n)
	}
}

func TestBuilderValidation(t *testing.T) {
	if _, err := New().Build(); err == nil {
		t.Fatal("build without a core location should fail")
	}

	b := New()
	b.config.Core.BaseURL = "http://localhost:3567"
	b.config.Token.ClockSkewLeeway = 5 * time.Minute
	if _, err := b.Build(); err == nil {
		t.Fatal("oversized leeway should be rejected")
	}

	c := claims.NewPrimitiveClaim("role", nil)
	b = New()
	b.config.Core.BaseURL = "http://localhost:3567"
	b.WithDefaultValidators(c.HasValue("a", "dup"), c.HasValue("b", "dup"))
	if _, err := b.Build(); err == nil {
		t.Fatal("duplicate validator ids should be rejected")
	}

	b = New()
	b.config.Core.BaseURL = "http://localhost:3567"
	b.WithClaims(claims.NewPrimitiveClaim("role", nil), claims.NewPrimitiveClaim("role", nil))
	if _, err := b.Build(); err == nil {
		t.Fatal("duplicate claim keys should be rejected")
	}

	b = New()
	b.config.Core.BaseURL = "http://localhost:3567"
	if _, err := b.Build(); err != nil {
		t.Fatalf("valid build: %v", err)
	}
	if _, err := b.Build(); err == nil {
		t.Fatal("second build on the same builder should fail")
	}
}

// requireKeyValidator passes when a payload key is present. It has no backing
// claim, so nothing can be refetched for it.
type requireKeyValidator struct {
	key string
}

func (v requireKeyValidator) ID() string { return "require-" + v.key }

func (v requireKeyValidator) BackingClaim() claims.Claim { return nil }

func (v requireKeyValidator) ShouldRefetch(claims.Payload) bool { return false }

func (v requireKeyValidator) Validate(payload claims.Payload) claims.ValidationResult {
	if _, ok := payload[v.key]; ok {
		return claims.ValidationResult{Valid: true}
	}
	return claims.ValidationResult{
		Valid:  false,
		Reason: map[string]any{"message": "wrong value", "key": v.key},
	}
}

func TestPayloadOnlyDefaultValidator(t *testing.T) {
	mgr := newManagerTest(t, func(b *Builder) {
		b.WithDefaultValidators(requireKeyValidator{key: "tier"})
	})
	ctx := context.Background()

	s, err := mgr.CreateNewSession(ctx, CreateSessionInput{
		UserID:             "user-1",
		AccessTokenPayload: claims.Payload{"tier": "pro"},
	})
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	if _, err := mgr.GetSession(ctx, GetSessionInput{
		AccessToken:   s.AccessToken(),
		AntiCsrfToken: s.AntiCsrfToken(),
	}); err != nil {
		t.Fatalf("get with key present: %v", err)
	}

	bare := createTestSession(t, mgr, "user-2")
	_, err = mgr.GetSession(ctx, GetSessionInput{
		AccessToken:   bare.AccessToken(),
		AntiCsrfToken: bare.AntiCsrfToken(),
	})
	var invalid *InvalidClaimsError
	if !errors.As(err, &invalid) {
		t.Fatalf("get without key: %v", err)
	}
	if len(invalid.Errors) != 1 || invalid.Errors[0].ValidatorID != "require-tier" {
		t.Fatalf("validation errors = %+v", invalid.Errors)
	}
}
