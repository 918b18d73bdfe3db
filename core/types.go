package core

import (
	"time"

	"github.com/sessionkit/sessionkit/claims"
	"github.com/sessionkit/sessionkit/token"
)

// Protocol status strings returned by the auth core.
const (
	StatusOK                  = "OK"
	StatusUnauthorised        = "UNAUTHORISED"
	StatusTokenTheftDetected  = "TOKEN_THEFT_DETECTED"
	StatusSessionDoesNotExist = "SESSION_DOES_NOT_EXIST"
)

// SessionWire is the durable session identity as it travels on the wire.
type SessionWire struct {
	Handle        string         `json:"handle"`
	UserID        string         `json:"userId"`
	UserDataInJWT claims.Payload `json:"userDataInJWT"`
}

// TokenWire is a minted token plus its window, epochs in ms.
type TokenWire struct {
	Token       string `json:"token"`
	Expiry      int64  `json:"expiry"`
	CreatedTime int64  `json:"createdTime"`
}

// CreateSessionRequest is the body of POST /session.
type CreateSessionRequest struct {
	UserID             string         `json:"userId"`
	UserDataInJWT      claims.Payload `json:"userDataInJWT"`
	UserDataInDatabase map[string]any `json:"userDataInDatabase"`
	EnableAntiCsrf     bool           `json:"enableAntiCsrf"`
}

// CreateOrRefreshResponse is shared by POST /session and POST /session/refresh.
type CreateOrRefreshResponse struct {
	Status        string      `json:"status"`
	Session       SessionWire `json:"session"`
	AccessToken   TokenWire   `json:"accessToken"`
	RefreshToken  TokenWire   `json:"refreshToken"`
	AntiCsrfToken string      `json:"antiCsrfToken,omitempty"`
}

// RefreshSessionRequest is the body of POST /session/refresh.
type RefreshSessionRequest struct {
	RefreshToken   string `json:"refreshToken"`
	AntiCsrfToken  string `json:"antiCsrfToken,omitempty"`
	EnableAntiCsrf bool   `json:"enableAntiCsrf"`
}

// RegenerateRequest is the body of POST /session/regenerate: re-sign an
// in-hand access token carrying an updated payload, same handle and expiry
// policy, no refresh round trip.
type RegenerateRequest struct {
	AccessToken   string         `json:"accessToken"`
	UserDataInJWT claims.Payload `json:"userDataInJWT"`
}

// RegenerateResponse is the result of POST /session/regenerate.
type RegenerateResponse struct {
	Status      string      `json:"status"`
	Session     SessionWire `json:"session"`
	AccessToken *TokenWire  `json:"accessToken,omitempty"`
}

// RevokeRequest is the body of POST /session/remove. Exactly one of
// SessionHandles or UserID is set.
type RevokeRequest struct {
	SessionHandles []string `json:"sessionHandles,omitempty"`
	UserID         string   `json:"userId,omitempty"`
}

// RevokeResponse lists the handles actually revoked. A handle already gone is
// simply absent; revocation is idempotent.
type RevokeResponse struct {
	Status                string   `json:"status"`
	SessionHandlesRevoked []string `json:"sessionHandlesRevoked"`
}

// SessionInformation is the full durable record for one handle.
type SessionInformation struct {
	Status        string         `json:"status"`
	SessionHandle string         `json:"sessionHandle"`
	UserID        string         `json:"userId"`
	SessionData   map[string]any `json:"userDataInDatabase"`
	Payload       claims.Payload `json:"userDataInJWT"`
	Expiry        int64          `json:"expiry"`
	TimeCreated   int64          `json:"timeCreated"`
}

// handshakeWire is GET /session as it appears on the wire, validity in ms.
type handshakeWire struct {
	Status                  string             `json:"status"`
	AntiCsrf                token.AntiCsrfMode `json:"antiCsrf"`
	AccessTokenValidity     int64              `json:"accessTokenValidity"`
	RefreshTokenValidity    int64              `json:"refreshTokenValidity"`
	AccessTokenBlacklisting bool               `json:"accessTokenBlacklistingEnabled"`
	SigningKeys             []token.KeyInfo    `json:"jwtSigningPublicKeyList"`
}

func (w handshakeWire) toHandshakeInfo() token.HandshakeInfo {
	return token.HandshakeInfo{
		AntiCsrf:                w.AntiCsrf,
		AccessTokenValidity:     time.Duration(w.AccessTokenValidity) * time.Millisecond,
		RefreshTokenValidity:    time.Duration(w.RefreshTokenValidity) * time.Millisecond,
		AccessTokenBlacklisting: w.AccessTokenBlacklisting,
		SigningKeys:             w.SigningKeys,
	}
}
