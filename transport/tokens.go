package transport

import (
	"encoding/base64"
	"encoding/json"
	"strings"

	sessionkit "github.com/sessionkit/sessionkit"
	"github.com/sessionkit/sessionkit/claims"
)

// headerAccessToken carries the rotated access token back to the client
// under header transfer.
const headerAccessToken = "st-access-token"

func extractAccessToken(cfg sessionkit.Config, req Request) string {
	switch cfg.Cookie.TransferMethod {
	case sessionkit.TransferHeader:
		return bearerToken(req.GetHeader("Authorization"))
	default:
		v, _ := req.GetCookie(cfg.Cookie.AccessTokenName)
		return v
	}
}

func extractRefreshToken(cfg sessionkit.Config, req Request) string {
	switch cfg.Cookie.TransferMethod {
	case sessionkit.TransferHeader:
		return req.GetHeader(cfg.Cookie.RefreshTokenHeaderName)
	default:
		v, _ := req.GetCookie(cfg.Cookie.RefreshTokenName)
		return v
	}
}

func bearerToken(value string) string {
	const bearer = "Bearer "
	if !strings.HasPrefix(value, bearer) {
		return ""
	}
	return value[len(bearer):]
}

// attachTokens writes freshly minted token material to the response: cookies
// or headers for the tokens themselves, plus the anti-CSRF and front-token
// headers the client side consumes.
func attachTokens(cfg sessionkit.Config, resp Response, userID string, payload claims.Payload, tokens *sessionkit.SessionTokens) {
	if tokens == nil {
		return
	}

	switch cfg.Cookie.TransferMethod {
	case sessionkit.TransferHeader:
		resp.SetHeader(headerAccessToken, tokens.AccessToken.Token)
		if tokens.RefreshToken != nil {
			resp.SetHeader(cfg.Cookie.RefreshTokenHeaderName, tokens.RefreshToken.Token)
		}
	default:
		resp.SetCookie(SetCookie{
			Name:     cfg.Cookie.AccessTokenName,
			Value:    tokens.AccessToken.Token,
			Domain:   cfg.Cookie.Domain,
			Path:     cfg.Cookie.AccessPath,
			Expiry:   tokens.AccessToken.Expiry,
			Secure:   cfg.Cookie.Secure,
			HTTPOnly: true,
			SameSite: cfg.Cookie.SameSite,
		})
		if tokens.RefreshToken != nil {
			// The refresh cookie is scoped to the refresh endpoint so it
			// never rides along on ordinary requests.
			resp.SetCookie(SetCookie{
				Name:     cfg.Cookie.RefreshTokenName,
				Value:    tokens.RefreshToken.Token,
				Domain:   cfg.Cookie.Domain,
				Path:     cfg.Cookie.RefreshPath,
				Expiry:   tokens.RefreshToken.Expiry,
				Secure:   cfg.Cookie.Secure,
				HTTPOnly: true,
				SameSite: cfg.Cookie.SameSite,
			})
		}
	}

	if tokens.AntiCsrfToken != "" {
		resp.SetHeader(cfg.Cookie.AntiCsrfHeaderName, tokens.AntiCsrfToken)
	}
	resp.SetHeader(cfg.Cookie.FrontTokenHeaderName, encodeFrontToken(userID, tokens.AccessToken.Expiry, payload))
}

// clearTokens removes session cookies after revocation, theft, or a failed
// refresh. Header transfer has nothing to clear server-side.
func clearTokens(cfg sessionkit.Config, resp Response) {
	if cfg.Cookie.TransferMethod == sessionkit.TransferHeader {
		resp.SetHeader(cfg.Cookie.FrontTokenHeaderName, "remove")
		return
	}

	resp.SetCookie(SetCookie{
		Name:     cfg.Cookie.AccessTokenName,
		Domain:   cfg.Cookie.Domain,
		Path:     cfg.Cookie.AccessPath,
		Secure:   cfg.Cookie.Secure,
		HTTPOnly: true,
		SameSite: cfg.Cookie.SameSite,
	})
	resp.SetCookie(SetCookie{
		Name:     cfg.Cookie.RefreshTokenName,
		Domain:   cfg.Cookie.Domain,
		Path:     cfg.Cookie.RefreshPath,
		Secure:   cfg.Cookie.Secure,
		HTTPOnly: true,
		SameSite: cfg.Cookie.SameSite,
	})
	resp.SetHeader(cfg.Cookie.FrontTokenHeaderName, "remove")
}

// frontToken is the readable session summary exposed to browser code. It is
// informational, not authoritative; the signed access token remains the only
// thing the server trusts.
type frontToken struct {
	UserID            string         `json:"uid"`
	AccessTokenExpiry int64          `json:"ate"`
	UserPayload       claims.Payload `json:"up"`
}

func encodeFrontToken(userID string, expiry int64, payload claims.Payload) string {
	raw, err := json.Marshal(frontToken{
		UserID:            userID,
		AccessTokenExpiry: expiry,
		UserPayload:       payload,
	})
	if err != nil {
		return ""
	}
	return base64.StdEncoding.EncodeToString(raw)
}
