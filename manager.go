package sessionkit

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/sessionkit/sessionkit/claims"
	"github.com/sessionkit/sessionkit/core"
	internalaudit "github.com/sessionkit/sessionkit/internal/audit"
	"github.com/sessionkit/sessionkit/internal/flows"
	"github.com/sessionkit/sessionkit/token"
)

// Manager is the session-management engine. Construct it through
// [Builder.Build]; a zero Manager is not usable. All methods are safe for
// concurrent use.
//
// Every operation delegates through the [Implementation] table, so overrides
// registered at build time apply uniformly whether an operation is invoked
// directly, through the transport layer, or via a [Session] method.
type Manager struct {
	config    Config
	core      *core.Client
	codec     *token.Codec
	handshake *token.HandshakeCache
	registry  *claims.Registry
	impl      Implementation
	audit     *internalaudit.Dispatcher
	metrics   *Metrics
	now       func() time.Time
}

// Config returns a copy of the validated configuration the manager was built
// with.
func (m *Manager) Config() Config {
	return cloneConfig(m.config)
}

// Claims returns the claim registry populated at build time.
func (m *Manager) Claims() *claims.Registry {
	return m.registry
}

// Metrics returns the in-process metrics instance.
func (m *Manager) Metrics() *Metrics {
	return m.metrics
}

// MetricsSnapshot deep-copies every counter and histogram. Exporters call it
// on each collection cycle.
func (m *Manager) MetricsSnapshot() MetricsSnapshot {
	return m.metrics.SnapshotNow()
}

// AuditDropped returns the number of audit events dropped under dispatcher
// backpressure.
func (m *Manager) AuditDropped() uint64 {
	if m.audit == nil {
		return 0
	}
	return m.audit.Dropped()
}

// Close flushes and stops the audit dispatcher. The manager must not be used
// after Close.
func (m *Manager) Close() {
	if m.audit != nil {
		m.audit.Close()
	}
}

// CreateNewSession allocates a session on the auth core for the given user
// and returns its first token set. Configured claim builders run on top of
// the caller-supplied payload before the session is minted.
func (m *Manager) CreateNewSession(ctx context.Context, input CreateSessionInput) (*Session, error) {
	return m.impl.CreateNewSession(ctx, input)
}

// GetSession verifies an access token locally and runs claim validation.
// Outcomes: a live [Session]; (nil, nil) when the token is absent and the
// options mark the session optional; [ErrTryRefreshToken] when expired;
// [ErrUnauthorised]; *[InvalidClaimsError]; or [ErrCoreUnavailable].
func (m *Manager) GetSession(ctx context.Context, input GetSessionInput) (*Session, error) {
	return m.impl.GetSession(ctx, input)
}

// RefreshSession exchanges a refresh token for a rotated token pair. The
// exchange is single-use: presenting an already-consumed token fails with
// *[TokenTheftError], and the caller must revoke the session.
//
// The exchange is destructive on the core side, so it is never retried after
// a timeout; a timeout surfaces as [ErrCoreUnavailable].
func (m *Manager) RefreshSession(ctx context.Context, input RefreshSessionInput) (*Session, error) {
	return m.impl.RefreshSession(ctx, input)
}

// RegenerateAccessToken re-signs an in-hand access token with a replaced
// payload, keeping the session handle and expiry policy. No refresh round
// trip happens and the refresh token is untouched.
func (m *Manager) RegenerateAccessToken(ctx context.Context, accessToken string, payload claims.Payload) (*RegenerateResult, error) {
	return m.impl.RegenerateAccessToken(ctx, accessToken, payload)
}

// RevokeSession deletes one session record. It reports whether the handle
// existed; revoking an already-gone session is a successful no-op.
func (m *Manager) RevokeSession(ctx context.Context, sessionHandle string) (bool, error) {
	return m.impl.RevokeSession(ctx, sessionHandle)
}

// RevokeMultipleSessions deletes the given session records and returns the
// handles that actually existed.
func (m *Manager) RevokeMultipleSessions(ctx context.Context, sessionHandles []string) ([]string, error) {
	return m.impl.RevokeMultipleSessions(ctx, sessionHandles)
}

// RevokeAllSessionsForUser deletes every session belonging to a user and
// returns the revoked handles.
func (m *Manager) RevokeAllSessionsForUser(ctx context.Context, userID string) ([]string, error) {
	return m.impl.RevokeAllSessionsForUser(ctx, userID)
}

// GetSessionInformation fetches the durable record for a handle. A dead
// handle fails with [ErrSessionNotFound].
func (m *Manager) GetSessionInformation(ctx context.Context, sessionHandle string) (*SessionInformation, error) {
	return m.impl.GetSessionInformation(ctx, sessionHandle)
}

// GetAllSessionHandlesForUser lists the live session handles for a user.
func (m *Manager) GetAllSessionHandlesForUser(ctx context.Context, userID string) ([]string, error) {
	return m.impl.GetAllSessionHandlesForUser(ctx, userID)
}

// GetSessionData reads the opaque server-side data blob for a handle. The
// blob lives only on the auth core and is never cached.
func (m *Manager) GetSessionData(ctx context.Context, sessionHandle string) (map[string]any, error) {
	return m.impl.GetSessionData(ctx, sessionHandle)
}

// UpdateSessionData replaces the opaque server-side data blob for a handle.
func (m *Manager) UpdateSessionData(ctx context.Context, sessionHandle string, data map[string]any) error {
	return m.impl.UpdateSessionData(ctx, sessionHandle, data)
}

// MergeIntoAccessTokenPayload merges an update into the durable claim
// payload for a handle. A nil value in the update deletes that key. Live
// access tokens keep their old payload until the next refresh or
// regeneration.
func (m *Manager) MergeIntoAccessTokenPayload(ctx context.Context, sessionHandle string, update claims.Payload) error {
	return m.impl.MergeIntoAccessTokenPayload(ctx, sessionHandle, update)
}

// UpdateAccessTokenPayload replaces the durable claim payload for a handle.
func (m *Manager) UpdateAccessTokenPayload(ctx context.Context, sessionHandle string, payload claims.Payload) error {
	return m.impl.UpdateAccessTokenPayload(ctx, sessionHandle, payload)
}

// ValidateClaimsForSessionHandle runs an explicit validator list against the
// durable payload of a handle, persisting any refetched claim values. It
// returns the validation failures; an empty result means all validators
// passed.
func (m *Manager) ValidateClaimsForSessionHandle(ctx context.Context, sessionHandle string, validators []claims.Validator) ([]claims.ValidationError, error) {
	return m.impl.ValidateClaimsForSessionHandle(ctx, sessionHandle, validators)
}

func (m *Manager) baseImplementation() Implementation {
	return Implementation{
		CreateNewSession:      m.createNewSessionBase,
		GetSession:            m.getSessionBase,
		RefreshSession:        m.refreshSessionBase,
		RegenerateAccessToken: m.regenerateAccessTokenBase,

		RevokeSession:            m.revokeSessionBase,
		RevokeMultipleSessions:   m.revokeMultipleSessionsBase,
		RevokeAllSessionsForUser: m.revokeAllSessionsForUserBase,

		GetSessionInformation:       m.getSessionInformationBase,
		GetAllSessionHandlesForUser: m.getAllSessionHandlesForUserBase,

		GetSessionData:              m.getSessionDataBase,
		UpdateSessionData:           m.updateSessionDataBase,
		MergeIntoAccessTokenPayload: m.mergeIntoAccessTokenPayloadBase,
		UpdateAccessTokenPayload:    m.updateAccessTokenPayloadBase,

		ValidateClaimsForSessionHandle: m.validateClaimsForSessionHandleBase,
	}
}

/*
====================================
BASE IMPLEMENTATIONS
====================================
*/

func (m *Manager) createNewSessionBase(ctx context.Context, input CreateSessionInput) (*Session, error) {
	if input.UserID == "" {
		return nil, errors.New("userID must not be empty")
	}

	payload := claims.Clone(input.AccessTokenPayload)
	var err error
	for _, build := range m.config.ClaimBuilders {
		payload, err = build(ctx, input.UserID, payload)
		if err != nil {
			return nil, fmt.Errorf("claim builder: %w", err)
		}
	}

	hs, err := m.handshake.Get(ctx, false)
	if err != nil {
		return nil, m.coreFailure(err)
	}

	resp, err := m.core.CreateSession(ctx, core.CreateSessionRequest{
		UserID:             input.UserID,
		UserDataInJWT:      payload,
		UserDataInDatabase: input.SessionData,
		EnableAntiCsrf:     hs.AntiCsrf == token.AntiCsrfViaToken,
	})
	if err != nil {
		return nil, m.coreFailure(err)
	}

	m.metrics.Inc(MetricSessionCreated)
	m.emitAudit(ctx, AuditEvent{
		EventType:     EventSessionCreated,
		UserID:        resp.Session.UserID,
		SessionHandle: resp.Session.Handle,
		Success:       true,
	})

	return m.sessionFromCreateOrRefresh(resp), nil
}

func (m *Manager) getSessionBase(ctx context.Context, input GetSessionInput) (*Session, error) {
	start := m.now()

	if input.AccessToken == "" {
		if !input.Options.sessionRequired() {
			return nil, nil
		}
		m.metrics.Inc(MetricGetSessionUnauthorised)
		return nil, ErrUnauthorised
	}

	validators := m.config.DefaultValidators
	if input.Options.OverrideDefaultValidators != nil {
		validators = input.Options.OverrideDefaultValidators
	}

	res := flows.RunVerify(ctx, input.AccessToken, flows.VerifyDeps{
		GetHandshake:        m.handshake.Get,
		Decode:              m.codec.DecodeAndVerify,
		Regenerate:          m.regenerateToken,
		AntiCsrfCheck:       input.Options.antiCsrfCheck(),
		ProvidedAntiCsrf:    input.AntiCsrfToken,
		CustomHeaderPresent: input.CustomHeaderPresent,
		Validators:          validators,
		OnForcedKeyRefresh:  func() { m.metrics.Inc(MetricHandshakeForcedRefresh) },
		OnClaimRefetched:    func() { m.metrics.Inc(MetricClaimRefetched) },
		Warn:                m.config.Warn,
	})

	switch res.Failure {
	case flows.VerifyFailureNone:
	case flows.VerifyFailureTryRefresh:
		m.metrics.Inc(MetricTryRefresh)
		return nil, ErrTryRefreshToken
	case flows.VerifyFailureUnauthorised:
		m.metrics.Inc(MetricGetSessionUnauthorised)
		return nil, ErrUnauthorised
	case flows.VerifyFailureInvalidClaims:
		m.metrics.Inc(MetricClaimInvalid)
		m.emitAudit(ctx, AuditEvent{
			EventType:     EventClaimRejected,
			UserID:        res.Token.UserID,
			SessionHandle: res.Token.SessionHandle,
			Error:         res.ClaimFailure.ValidatorID,
		})
		return nil, &InvalidClaimsError{Errors: []claims.ValidationError{*res.ClaimFailure}}
	case flows.VerifyFailureClaimFetch:
		return nil, fmt.Errorf("claim fetch: %w", res.Err)
	case flows.VerifyFailureCoreUnavailable:
		return nil, m.coreFailure(res.Err)
	}

	m.metrics.Inc(MetricGetSessionSuccess)
	m.metrics.Observe(MetricVerifyLatency, m.now().Sub(start))

	s := m.sessionFromToken(res.Token)
	if res.Token.Raw != input.AccessToken {
		// Claim refetches produced a regenerated token; the transport layer
		// must hand the new one back to the client.
		s.newTokens = &SessionTokens{
			AccessToken: TokenInfo{
				Token:       res.Token.Raw,
				Expiry:      res.Token.Expiry,
				CreatedTime: res.Token.TimeCreated,
			},
		}
	}
	return s, nil
}

func (m *Manager) refreshSessionBase(ctx context.Context, input RefreshSessionInput) (*Session, error) {
	hs, err := m.handshake.Get(ctx, false)
	if err != nil {
		return nil, m.coreFailure(err)
	}

	res := flows.RunRefresh(ctx, input.RefreshToken, flows.RefreshDeps{
		Exchange: func(ctx context.Context, refreshToken, antiCsrfToken string) (*core.CreateOrRefreshResponse, error) {
			return m.core.RefreshSession(ctx, core.RefreshSessionRequest{
				RefreshToken:   refreshToken,
				AntiCsrfToken:  antiCsrfToken,
				EnableAntiCsrf: hs.AntiCsrf == token.AntiCsrfViaToken,
			})
		},
		ProvidedAntiCsrf: input.AntiCsrfToken,
		OnTheft: func(sessionHandle, userID string) {
			m.metrics.Inc(MetricTheftDetected)
			m.emitAudit(ctx, AuditEvent{
				EventType:     EventTokenTheftDetected,
				UserID:        userID,
				SessionHandle: sessionHandle,
			})
		},
		Warn: m.config.Warn,
	})

	switch res.Failure {
	case flows.RefreshFailureNone:
	case flows.RefreshFailureTheft:
		return nil, &TokenTheftError{SessionHandle: res.SessionHandle, UserID: res.UserID}
	case flows.RefreshFailureNoToken, flows.RefreshFailureUnauthorised:
		m.metrics.Inc(MetricRefreshUnauthorised)
		return nil, ErrUnauthorised
	case flows.RefreshFailureCoreUnavailable:
		return nil, m.coreFailure(res.Err)
	}

	m.metrics.Inc(MetricRefreshSuccess)
	m.emitAudit(ctx, AuditEvent{
		EventType:     EventSessionRefreshed,
		UserID:        res.UserID,
		SessionHandle: res.SessionHandle,
		Success:       true,
	})

	return m.sessionFromCreateOrRefresh(res.Response), nil
}

func (m *Manager) regenerateAccessTokenBase(ctx context.Context, accessToken string, payload claims.Payload) (*RegenerateResult, error) {
	resp, err := m.core.RegenerateAccessToken(ctx, core.RegenerateRequest{
		AccessToken:   accessToken,
		UserDataInJWT: payload,
	})
	if err != nil {
		return nil, m.coreFailure(err)
	}

	m.metrics.Inc(MetricAccessTokenRegenerated)

	out := &RegenerateResult{
		SessionHandle: resp.Session.Handle,
		UserID:        resp.Session.UserID,
		Payload:       claims.Clone(resp.Session.UserDataInJWT),
	}
	if resp.AccessToken != nil {
		out.AccessToken = &TokenInfo{
			Token:       resp.AccessToken.Token,
			Expiry:      resp.AccessToken.Expiry,
			CreatedTime: resp.AccessToken.CreatedTime,
		}
	}
	return out, nil
}

func (m *Manager) revokeSessionBase(ctx context.Context, sessionHandle string) (bool, error) {
	revoked, err := m.core.RevokeSessions(ctx, core.RevokeRequest{SessionHandles: []string{sessionHandle}})
	if err != nil {
		return false, m.coreFailure(err)
	}
	if len(revoked) == 0 {
		return false, nil
	}

	m.metrics.Inc(MetricSessionRevoked)
	m.emitAudit(ctx, AuditEvent{
		EventType:     EventSessionRevoked,
		SessionHandle: sessionHandle,
		Success:       true,
	})
	return true, nil
}

func (m *Manager) revokeMultipleSessionsBase(ctx context.Context, sessionHandles []string) ([]string, error) {
	if len(sessionHandles) == 0 {
		return nil, nil
	}

	revoked, err := m.core.RevokeSessions(ctx, core.RevokeRequest{SessionHandles: sessionHandles})
	if err != nil {
		return nil, m.coreFailure(err)
	}

	for _, handle := range revoked {
		m.metrics.Inc(MetricSessionRevoked)
		m.emitAudit(ctx, AuditEvent{
			EventType:     EventSessionRevoked,
			SessionHandle: handle,
			Success:       true,
		})
	}
	return revoked, nil
}

func (m *Manager) revokeAllSessionsForUserBase(ctx context.Context, userID string) ([]string, error) {
	revoked, err := m.core.RevokeSessions(ctx, core.RevokeRequest{UserID: userID})
	if err != nil {
		return nil, m.coreFailure(err)
	}

	for _, handle := range revoked {
		m.metrics.Inc(MetricSessionRevoked)
		m.emitAudit(ctx, AuditEvent{
			EventType:     EventSessionRevoked,
			UserID:        userID,
			SessionHandle: handle,
			Success:       true,
		})
	}
	return revoked, nil
}

func (m *Manager) getSessionInformationBase(ctx context.Context, sessionHandle string) (*SessionInformation, error) {
	info, err := m.core.GetSessionInformation(ctx, sessionHandle)
	if err != nil {
		return nil, m.handleFailure(err)
	}
	return &SessionInformation{
		SessionHandle:      info.SessionHandle,
		UserID:             info.UserID,
		SessionData:        info.SessionData,
		AccessTokenPayload: claims.Clone(info.Payload),
		Expiry:             info.Expiry,
		TimeCreated:        info.TimeCreated,
	}, nil
}

func (m *Manager) getAllSessionHandlesForUserBase(ctx context.Context, userID string) ([]string, error) {
	handles, err := m.core.GetSessionHandlesForUser(ctx, userID)
	if err != nil {
		return nil, m.coreFailure(err)
	}
	return handles, nil
}

func (m *Manager) getSessionDataBase(ctx context.Context, sessionHandle string) (map[string]any, error) {
	data, err := m.core.GetSessionData(ctx, sessionHandle)
	if err != nil {
		return nil, m.handleFailure(err)
	}
	return data, nil
}

func (m *Manager) updateSessionDataBase(ctx context.Context, sessionHandle string, data map[string]any) error {
	if err := m.core.UpdateSessionData(ctx, sessionHandle, data); err != nil {
		return m.handleFailure(err)
	}
	return nil
}

func (m *Manager) mergeIntoAccessTokenPayloadBase(ctx context.Context, sessionHandle string, update claims.Payload) error {
	info, err := m.impl.GetSessionInformation(ctx, sessionHandle)
	if err != nil {
		return err
	}
	merged := claims.Merge(info.AccessTokenPayload, update)
	return m.impl.UpdateAccessTokenPayload(ctx, sessionHandle, merged)
}

func (m *Manager) updateAccessTokenPayloadBase(ctx context.Context, sessionHandle string, payload claims.Payload) error {
	if err := m.core.UpdateSessionPayload(ctx, sessionHandle, payload); err != nil {
		return m.handleFailure(err)
	}
	return nil
}

func (m *Manager) validateClaimsForSessionHandleBase(ctx context.Context, sessionHandle string, validators []claims.Validator) ([]claims.ValidationError, error) {
	info, err := m.impl.GetSessionInformation(ctx, sessionHandle)
	if err != nil {
		return nil, err
	}

	run, err := claims.RunValidators(ctx, info.UserID, info.AccessTokenPayload, validators)
	if err != nil {
		return nil, fmt.Errorf("claim fetch: %w", err)
	}

	if run.Updated {
		m.metrics.Inc(MetricClaimRefetched)
		if err := m.impl.UpdateAccessTokenPayload(ctx, sessionHandle, run.Payload); err != nil {
			return nil, err
		}
	}

	if run.Failure != nil {
		m.metrics.Inc(MetricClaimInvalid)
		return []claims.ValidationError{*run.Failure}, nil
	}
	return nil, nil
}

/*
====================================
INTERNAL HELPERS
====================================
*/

// regenerateToken re-signs the in-hand token after claim refetches during
// verification. The returned view keeps the old token fields when the core
// updates only the durable payload.
func (m *Manager) regenerateToken(ctx context.Context, at *token.AccessToken, payload claims.Payload) (*token.AccessToken, error) {
	resp, err := m.core.RegenerateAccessToken(ctx, core.RegenerateRequest{
		AccessToken:   at.Raw,
		UserDataInJWT: payload,
	})
	if err != nil {
		return nil, err
	}

	m.metrics.Inc(MetricAccessTokenRegenerated)

	out := *at
	out.Payload = claims.Clone(resp.Session.UserDataInJWT)
	if resp.AccessToken != nil {
		out.Raw = resp.AccessToken.Token
		out.Expiry = resp.AccessToken.Expiry
		out.TimeCreated = resp.AccessToken.CreatedTime
	}
	return &out, nil
}

func (m *Manager) sessionFromCreateOrRefresh(resp *core.CreateOrRefreshResponse) *Session {
	return &Session{
		manager:       m,
		handle:        resp.Session.Handle,
		userID:        resp.Session.UserID,
		payload:       claims.Clone(resp.Session.UserDataInJWT),
		accessToken:   resp.AccessToken.Token,
		antiCsrfToken: resp.AntiCsrfToken,
		timeCreated:   resp.AccessToken.CreatedTime,
		expiry:        resp.AccessToken.Expiry,
		newTokens: &SessionTokens{
			AccessToken: TokenInfo{
				Token:       resp.AccessToken.Token,
				Expiry:      resp.AccessToken.Expiry,
				CreatedTime: resp.AccessToken.CreatedTime,
			},
			RefreshToken: &TokenInfo{
				Token:       resp.RefreshToken.Token,
				Expiry:      resp.RefreshToken.Expiry,
				CreatedTime: resp.RefreshToken.CreatedTime,
			},
			AntiCsrfToken: resp.AntiCsrfToken,
		},
	}
}

func (m *Manager) sessionFromToken(at *token.AccessToken) *Session {
	return &Session{
		manager:       m,
		handle:        at.SessionHandle,
		userID:        at.UserID,
		payload:       claims.Clone(at.Payload),
		accessToken:   at.Raw,
		antiCsrfToken: at.AntiCsrfToken,
		timeCreated:   at.TimeCreated,
		expiry:        at.Expiry,
	}
}

// coreFailure maps core client errors onto the public error taxonomy. A core
// that cannot be reached, or answers outside its protocol, is a down
// dependency; only an explicit core verdict becomes ErrUnauthorised.
func (m *Manager) coreFailure(err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, core.ErrUnauthorised):
		return ErrUnauthorised
	default:
		m.metrics.Inc(MetricCoreUnavailable)
		return fmt.Errorf("%w: %v", ErrCoreUnavailable, err)
	}
}

// handleFailure is coreFailure for handle-scoped lookups, where the core's
// negative verdict means the record is gone rather than the caller being
// logged out.
func (m *Manager) handleFailure(err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, core.ErrUnauthorised):
		return ErrSessionNotFound
	default:
		m.metrics.Inc(MetricCoreUnavailable)
		return fmt.Errorf("%w: %v", ErrCoreUnavailable, err)
	}
}

func (m *Manager) emitAudit(ctx context.Context, event AuditEvent) {
	if m.audit == nil {
		return
	}
	event.Timestamp = m.now()
	if event.IP == "" {
		event.IP = clientIPFromContext(ctx)
	}
	m.audit.Emit(ctx, event)
}
