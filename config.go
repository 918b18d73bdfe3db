package sessionkit

import (
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/sessionkit/sessionkit/claims"
	"github.com/sessionkit/sessionkit/core"
)

// Config defines a public type used by sessionkit APIs.
//
// Config instances are intended to be configured during initialization and
// then treated as immutable. [Builder.Build] validates and deep-copies the
// config; later mutation of the caller's copy has no effect.
type Config struct {
	Core    CoreConfig
	Cookie  CookieConfig
	Token   TokenConfig
	Audit   AuditConfig
	Metrics MetricsConfig

	// SessionExpiredStatusCode is written by the transport layer for
	// unauthorised and try-refresh outcomes. Default 401.
	SessionExpiredStatusCode int

	// InvalidClaimStatusCode is written by the transport layer when claim
	// validation rejects an otherwise valid session. Default 403.
	InvalidClaimStatusCode int

	// DefaultValidators run on every GetSession unless the call overrides
	// them via VerifyOptions.
	DefaultValidators []claims.Validator

	// ClaimBuilders run during CreateNewSession, after the caller-supplied
	// payload is applied.
	ClaimBuilders []ClaimBuilder

	// Warn receives non-fatal diagnostics (unexpected core responses,
	// audit-buffer overflow). Nil disables them.
	Warn func(format string, args ...any)
}

/*
====================================
CORE CONFIG
====================================
*/

// CoreConfig locates the auth core that owns session records and signing
// keys.
type CoreConfig struct {
	BaseURL        string
	APIKey         string
	RequestTimeout time.Duration
}

/*
====================================
COOKIE / TRANSPORT CONFIG
====================================
*/

// TransferMethod selects how tokens travel between client and server.
type TransferMethod string

const (
	// TransferCookie carries tokens in HTTP cookies. This is the default
	// and requires an anti-CSRF mode on the auth core.
	TransferCookie TransferMethod = "cookie"

	// TransferHeader carries the access token in the Authorization header
	// and the refresh token in a dedicated header. Header transfer is not
	// CSRF-prone, so the core may run with anti-CSRF NONE.
	TransferHeader TransferMethod = "header"
)

// CookieConfig names the cookies and headers the transport layer reads and
// writes, and the attributes stamped on every Set-Cookie.
type CookieConfig struct {
	AccessTokenName  string // default "sAccessToken"
	RefreshTokenName string // default "sRefreshToken"

	AntiCsrfHeaderName      string // default "anti-csrf"
	CustomRequestHeaderName string // default "rid"
	RefreshTokenHeaderName  string // default "st-refresh-token", header transfer only
	FrontTokenHeaderName    string // default "front-token"

	Domain      string
	AccessPath  string // default "/"
	RefreshPath string // default "/auth/session/refresh"; scopes the refresh cookie
	Secure      bool
	SameSite    http.SameSite

	TransferMethod TransferMethod
}

/*
====================================
TOKEN CONFIG
====================================
*/

// TokenConfig tunes local token verification and the handshake cache.
type TokenConfig struct {
	// ClockSkewLeeway is the tolerance applied to expiry and issued-at
	// comparisons. Default 5s, capped at 2m.
	ClockSkewLeeway time.Duration

	// HandshakeValidity bounds how long cached signing keys and protocol
	// parameters are trusted before a background refetch. Default 1h.
	HandshakeValidity time.Duration

	// SigningKeyGrace keeps rotated-out signing keys verifiable for a
	// window, so tokens minted just before a rotation still pass. Zero
	// uses the codec default (2h).
	SigningKeyGrace time.Duration
}

/*
====================================
AUDIT / METRICS CONFIG
====================================
*/

// AuditConfig controls the asynchronous audit event dispatcher.
type AuditConfig struct {
	Enabled    bool
	BufferSize int
	DropIfFull bool
}

// MetricsConfig controls the in-process atomic metrics system.
type MetricsConfig struct {
	Enabled                 bool
	EnableLatencyHistograms bool
}

// DefaultConfig returns the configuration a fresh [Builder] starts from.
// Callers adjust the fields they care about and pass the result to
// [Builder.WithConfig].
func DefaultConfig() Config {
	return defaultConfig()
}

func defaultConfig() Config {
	return Config{
		Core: CoreConfig{
			RequestTimeout: 10 * time.Second,
		},
		Cookie: CookieConfig{
			AccessTokenName:         "sAccessToken",
			RefreshTokenName:        "sRefreshToken",
			AntiCsrfHeaderName:      "anti-csrf",
			CustomRequestHeaderName: "rid",
			RefreshTokenHeaderName:  "st-refresh-token",
			FrontTokenHeaderName:    "front-token",
			AccessPath:              "/",
			RefreshPath:             "/auth/session/refresh",
			Secure:                  true,
			SameSite:                http.SameSiteLaxMode,
			TransferMethod:          TransferCookie,
		},
		Token: TokenConfig{
			ClockSkewLeeway:   5 * time.Second,
			HandshakeValidity: time.Hour,
		},
		Audit: AuditConfig{
			Enabled:    false,
			BufferSize: 256,
			DropIfFull: true,
		},
		Metrics: MetricsConfig{
			Enabled: true,
		},
		SessionExpiredStatusCode: http.StatusUnauthorized,
		InvalidClaimStatusCode:   http.StatusForbidden,
	}
}

func cloneConfig(cfg Config) Config {
	out := cfg
	out.DefaultValidators = append([]claims.Validator(nil), cfg.DefaultValidators...)
	out.ClaimBuilders = append([]ClaimBuilder(nil), cfg.ClaimBuilders...)
	return out
}

// Validate checks internal consistency. Builder.Build calls it; it is
// exported so configs can be checked at load time.
func (c *Config) Validate() error {
	if c.SessionExpiredStatusCode < 100 || c.SessionExpiredStatusCode > 599 {
		return errors.New("SessionExpiredStatusCode must be a valid HTTP status")
	}
	if c.InvalidClaimStatusCode < 100 || c.InvalidClaimStatusCode > 599 {
		return errors.New("InvalidClaimStatusCode must be a valid HTTP status")
	}

	if c.Token.ClockSkewLeeway < 0 || c.Token.ClockSkewLeeway > 2*time.Minute {
		return errors.New("Token.ClockSkewLeeway must be between 0 and 2m")
	}
	if c.Token.HandshakeValidity <= 0 || c.Token.HandshakeValidity > 24*time.Hour {
		return errors.New("Token.HandshakeValidity must be between 0 and 24h")
	}
	if c.Token.SigningKeyGrace < 0 {
		return errors.New("Token.SigningKeyGrace must not be negative")
	}

	switch c.Cookie.TransferMethod {
	case TransferCookie, TransferHeader:
	default:
		return errors.New("Cookie.TransferMethod must be cookie or header")
	}
	if c.Cookie.AccessTokenName == "" || c.Cookie.RefreshTokenName == "" {
		return errors.New("Cookie token names must not be empty")
	}
	if !strings.HasPrefix(c.Cookie.RefreshPath, "/") {
		return errors.New("Cookie.RefreshPath must be an absolute path")
	}
	if c.Cookie.SameSite == http.SameSiteNoneMode && !c.Cookie.Secure {
		return errors.New("SameSite=None requires Secure cookies")
	}

	if c.Core.RequestTimeout < 0 {
		return errors.New("Core.RequestTimeout must not be negative")
	}

	seen := make(map[string]struct{}, len(c.DefaultValidators))
	for _, v := range c.DefaultValidators {
		if v == nil {
			return errors.New("DefaultValidators must not contain nil")
		}
		if _, dup := seen[v.ID()]; dup {
			return errors.New("DefaultValidators contains duplicate validator id " + v.ID())
		}
		seen[v.ID()] = struct{}{}
	}

	return nil
}

// coreClientConfig maps the public config onto the core package's client
// config.
func (c *Config) coreClientConfig() core.Config {
	return core.Config{
		BaseURL: c.Core.BaseURL,
		APIKey:  c.Core.APIKey,
		Timeout: c.Core.RequestTimeout,
	}
}
