package coretest

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/sessionkit/sessionkit/claims"
	"github.com/sessionkit/sessionkit/token"
)

// Protocol status strings, mirrored from the SDK's core package.
const (
	statusOK                  = "OK"
	statusUnauthorised        = "UNAUTHORISED"
	statusTokenTheftDetected  = "TOKEN_THEFT_DETECTED"
	statusSessionDoesNotExist = "SESSION_DOES_NOT_EXIST"
)

// Config tunes the test core's protocol behavior.
type Config struct {
	AntiCsrf             token.AntiCsrfMode
	AccessTokenValidity  time.Duration
	RefreshTokenValidity time.Duration
	KeyRotation          time.Duration
	APIKey               string
	RedisPrefix          string

	// Now overrides the time source in tests.
	Now func() time.Time

	Logger zerolog.Logger
}

// Server implements the auth core protocol over a Redis-backed store. Mount
// [Server.Handler] and point a core.Client at it.
type Server struct {
	cfg   Config
	store *Store
	keys  *KeyManager
	codec *token.Codec
	log   zerolog.Logger
	now   func() time.Time
}

// NewServer wires a server on the given Redis client.
func NewServer(client redis.UniversalClient, cfg Config) *Server {
	if cfg.AntiCsrf == "" {
		cfg.AntiCsrf = token.AntiCsrfViaToken
	}
	if cfg.AccessTokenValidity <= 0 {
		cfg.AccessTokenValidity = time.Hour
	}
	if cfg.RefreshTokenValidity <= 0 {
		cfg.RefreshTokenValidity = 100 * 24 * time.Hour
	}
	now := cfg.Now
	if now == nil {
		now = time.Now
	}

	return &Server{
		cfg:   cfg,
		store: NewStore(client, cfg.RedisPrefix, now),
		keys:  NewKeyManager(client, cfg.RedisPrefix, cfg.KeyRotation, 2*time.Hour, now),
		codec: token.NewCodec(0, now),
		log:   cfg.Logger,
		now:   now,
	}
}

// Handler returns the protocol endpoint mux.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/session", s.auth(s.handleSession))
	mux.HandleFunc("/session/refresh", s.auth(s.handleRefresh))
	mux.HandleFunc("/session/regenerate", s.auth(s.handleRegenerate))
	mux.HandleFunc("/session/remove", s.auth(s.handleRemove))
	mux.HandleFunc("/session/info", s.auth(s.handleInfo))
	mux.HandleFunc("/session/user", s.auth(s.handleUser))
	mux.HandleFunc("/session/data", s.auth(s.handleData))
	mux.HandleFunc("/jwt/payload", s.auth(s.handlePayload))
	return mux
}

func (s *Server) auth(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if s.cfg.APIKey != "" && r.Header.Get("Api-Key") != s.cfg.APIKey {
			http.Error(w, "invalid api key", http.StatusUnauthorized)
			return
		}
		next(w, r)
	}
}

func (s *Server) handleSession(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		s.handleHandshake(w, r)
	case http.MethodPost:
		s.handleCreate(w, r)
	default:
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
	}
}

func (s *Server) handleHandshake(w http.ResponseWriter, r *http.Request) {
	keys, err := s.keys.PublicKeys(r.Context())
	if err != nil {
		s.fail(w, err)
		return
	}

	s.send(w, map[string]any{
		"status":                         statusOK,
		"antiCsrf":                       s.cfg.AntiCsrf,
		"accessTokenValidity":            s.cfg.AccessTokenValidity.Milliseconds(),
		"refreshTokenValidity":           s.cfg.RefreshTokenValidity.Milliseconds(),
		"accessTokenBlacklistingEnabled": false,
		"jwtSigningPublicKeyList":        keys,
	})
}

func (s *Server) handleCreate(w http.ResponseWriter, r *http.Request) {
	var req struct {
		UserID             string         `json:"userId"`
		UserDataInJWT      claims.Payload `json:"userDataInJWT"`
		UserDataInDatabase map[string]any `json:"userDataInDatabase"`
		EnableAntiCsrf     bool           `json:"enableAntiCsrf"`
	}
	if !s.decode(w, r, &req) {
		return
	}
	if req.UserID == "" {
		http.Error(w, "userId required", http.StatusBadRequest)
		return
	}

	rec, refreshToken, err := s.store.CreateSession(r.Context(), req.UserID, req.UserDataInJWT, req.UserDataInDatabase, s.cfg.RefreshTokenValidity)
	if err != nil {
		s.fail(w, err)
		return
	}

	antiCsrf := ""
	if req.EnableAntiCsrf && s.cfg.AntiCsrf == token.AntiCsrfViaToken {
		antiCsrf = uuid.NewString()
	}

	s.sendTokenPair(w, r, rec, refreshToken, antiCsrf)
	s.log.Info().Str("user_id", rec.UserID).Str("handle", rec.Handle).Msg("session created")
}

func (s *Server) handleRefresh(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var req struct {
		RefreshToken   string `json:"refreshToken"`
		AntiCsrfToken  string `json:"antiCsrfToken"`
		EnableAntiCsrf bool   `json:"enableAntiCsrf"`
	}
	if !s.decode(w, r, &req) {
		return
	}

	rec, nextToken, err := s.store.RotateRefresh(r.Context(), req.RefreshToken)
	switch {
	case err == nil:
	case errors.Is(err, ErrRefreshReuse):
		// The compromised chain is closed server-side; the SDK decides how
		// loudly to alert.
		handle, userID := "", ""
		if rec != nil {
			handle, userID = rec.Handle, rec.UserID
			_, _ = s.store.Revoke(r.Context(), []string{rec.Handle})
		}
		s.log.Warn().Str("handle", handle).Str("user_id", userID).Msg("refresh token reuse")
		s.send(w, map[string]any{
			"status":  statusTokenTheftDetected,
			"session": map[string]any{"handle": handle, "userId": userID, "userDataInJWT": claims.Payload{}},
		})
		return
	case errors.Is(err, ErrRefreshInvalid), errors.Is(err, ErrSessionNotFound):
		s.send(w, map[string]any{"status": statusUnauthorised})
		return
	default:
		s.fail(w, err)
		return
	}

	antiCsrf := ""
	if req.EnableAntiCsrf && s.cfg.AntiCsrf == token.AntiCsrfViaToken {
		antiCsrf = uuid.NewString()
	}

	s.sendTokenPair(w, r, rec, nextToken, antiCsrf)
	s.log.Debug().Str("handle", rec.Handle).Msg("session refreshed")
}

func (s *Server) handleRegenerate(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var req struct {
		AccessToken   string         `json:"accessToken"`
		UserDataInJWT claims.Payload `json:"userDataInJWT"`
	}
	if !s.decode(w, r, &req) {
		return
	}

	at, err := s.verifyAccessToken(r, req.AccessToken)
	if err != nil {
		s.send(w, map[string]any{"status": statusUnauthorised})
		return
	}

	if err := s.store.UpdatePayload(r.Context(), at.SessionHandle, req.UserDataInJWT); err != nil {
		if errors.Is(err, ErrSessionNotFound) {
			s.send(w, map[string]any{"status": statusUnauthorised})
			return
		}
		s.fail(w, err)
		return
	}

	// Re-sign in place: same handle, same expiry, fresh payload.
	key, err := s.keys.Current(r.Context())
	if err != nil {
		s.fail(w, err)
		return
	}
	signed, err := s.codec.SignAndEncode(token.SignInput{
		SessionHandle: at.SessionHandle,
		UserID:        at.UserID,
		Payload:       req.UserDataInJWT,
		AntiCsrfToken: at.AntiCsrfToken,
		Expiry:        time.UnixMilli(at.Expiry),
		IssuedAt:      s.now(),
		Key:           key,
	})
	if err != nil {
		s.fail(w, err)
		return
	}

	s.send(w, map[string]any{
		"status": statusOK,
		"session": map[string]any{
			"handle":        at.SessionHandle,
			"userId":        at.UserID,
			"userDataInJWT": req.UserDataInJWT,
		},
		"accessToken": map[string]any{
			"token":       signed,
			"expiry":      at.Expiry,
			"createdTime": s.now().UnixMilli(),
		},
	})
}

func (s *Server) handleRemove(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var req struct {
		SessionHandles []string `json:"sessionHandles"`
		UserID         string   `json:"userId"`
	}
	if !s.decode(w, r, &req) {
		return
	}

	var revoked []string
	var err error
	if req.UserID != "" {
		revoked, err = s.store.RevokeAllForUser(r.Context(), req.UserID)
	} else {
		revoked, err = s.store.Revoke(r.Context(), req.SessionHandles)
	}
	if err != nil {
		s.fail(w, err)
		return
	}

	if revoked == nil {
		revoked = []string{}
	}
	s.send(w, map[string]any{
		"status":                statusOK,
		"sessionHandlesRevoked": revoked,
	})
}

func (s *Server) handleInfo(w http.ResponseWriter, r *http.Request) {
	rec, ok := s.lookup(w, r)
	if !ok {
		return
	}

	s.send(w, map[string]any{
		"status":             statusOK,
		"sessionHandle":      rec.Handle,
		"userId":             rec.UserID,
		"userDataInDatabase": rec.SessionData,
		"userDataInJWT":      rec.Payload,
		"expiry":             rec.ExpiresAt,
		"timeCreated":        rec.CreatedAt,
	})
}

func (s *Server) handleUser(w http.ResponseWriter, r *http.Request) {
	userID := r.URL.Query().Get("userId")
	handles, err := s.store.HandlesForUser(r.Context(), userID)
	if err != nil {
		s.fail(w, err)
		return
	}
	if handles == nil {
		handles = []string{}
	}
	s.send(w, map[string]any{
		"status":         statusOK,
		"sessionHandles": handles,
	})
}

func (s *Server) handleData(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		rec, ok := s.lookup(w, r)
		if !ok {
			return
		}
		s.send(w, map[string]any{
			"status":             statusOK,
			"userDataInDatabase": rec.SessionData,
		})
	case http.MethodPut:
		var req struct {
			SessionHandle      string         `json:"sessionHandle"`
			UserDataInDatabase map[string]any `json:"userDataInDatabase"`
		}
		if !s.decode(w, r, &req) {
			return
		}
		if err := s.store.UpdateSessionData(r.Context(), req.SessionHandle, req.UserDataInDatabase); err != nil {
			s.storeFailure(w, err)
			return
		}
		s.send(w, map[string]any{"status": statusOK})
	default:
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
	}
}

func (s *Server) handlePayload(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPut {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var req struct {
		SessionHandle string         `json:"sessionHandle"`
		UserDataInJWT claims.Payload `json:"userDataInJWT"`
	}
	if !s.decode(w, r, &req) {
		return
	}
	if err := s.store.UpdatePayload(r.Context(), req.SessionHandle, req.UserDataInJWT); err != nil {
		s.storeFailure(w, err)
		return
	}
	s.send(w, map[string]any{"status": statusOK})
}

/*
====================================
HELPERS
====================================
*/

func (s *Server) sendTokenPair(w http.ResponseWriter, r *http.Request, rec *Record, refreshToken, antiCsrf string) {
	key, err := s.keys.Current(r.Context())
	if err != nil {
		s.fail(w, err)
		return
	}

	now := s.now()
	accessExpiry := now.Add(s.cfg.AccessTokenValidity)

	signed, err := s.codec.SignAndEncode(token.SignInput{
		SessionHandle: rec.Handle,
		UserID:        rec.UserID,
		Payload:       rec.Payload,
		AntiCsrfToken: antiCsrf,
		Expiry:        accessExpiry,
		IssuedAt:      now,
		Key:           key,
	})
	if err != nil {
		s.fail(w, err)
		return
	}

	body := map[string]any{
		"status": statusOK,
		"session": map[string]any{
			"handle":        rec.Handle,
			"userId":        rec.UserID,
			"userDataInJWT": rec.Payload,
		},
		"accessToken": map[string]any{
			"token":       signed,
			"expiry":      accessExpiry.UnixMilli(),
			"createdTime": now.UnixMilli(),
		},
		"refreshToken": map[string]any{
			"token":       refreshToken,
			"expiry":      rec.ExpiresAt,
			"createdTime": now.UnixMilli(),
		},
	}
	if antiCsrf != "" {
		body["antiCsrfToken"] = antiCsrf
	}
	s.send(w, body)
}

func (s *Server) verifyAccessToken(r *http.Request, raw string) (*token.AccessToken, error) {
	keys, err := s.keys.PublicKeys(r.Context())
	if err != nil {
		return nil, err
	}
	hs := token.HandshakeInfo{
		AntiCsrf:    s.cfg.AntiCsrf,
		SigningKeys: keys,
	}
	at, err := s.codec.DecodeAndVerify(raw, hs)
	if err != nil {
		// An expired token may still be regenerated; only signature or
		// structure failures are rejected.
		var terr *token.Error
		if errors.As(err, &terr) && terr.Kind == token.KindExpired && at != nil {
			return at, nil
		}
		return nil, err
	}
	return at, nil
}

func (s *Server) lookup(w http.ResponseWriter, r *http.Request) (*Record, bool) {
	handle := r.URL.Query().Get("sessionHandle")
	rec, err := s.store.Get(r.Context(), handle)
	if errors.Is(err, ErrSessionNotFound) {
		s.send(w, map[string]any{"status": statusSessionDoesNotExist})
		return nil, false
	}
	if err != nil {
		s.fail(w, err)
		return nil, false
	}
	return rec, true
}

func (s *Server) storeFailure(w http.ResponseWriter, err error) {
	if errors.Is(err, ErrSessionNotFound) {
		s.send(w, map[string]any{"status": statusSessionDoesNotExist})
		return
	}
	s.fail(w, err)
}

func (s *Server) decode(w http.ResponseWriter, r *http.Request, out any) bool {
	if err := json.NewDecoder(r.Body).Decode(out); err != nil {
		http.Error(w, "malformed body", http.StatusBadRequest)
		return false
	}
	return true
}

func (s *Server) send(w http.ResponseWriter, body any) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(body)
}

func (s *Server) fail(w http.ResponseWriter, err error) {
	s.log.Error().Err(err).Msg("core operation failed")
	http.Error(w, "internal error", http.StatusInternalServerError)
}
