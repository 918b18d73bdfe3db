package token

import (
	"crypto/ed25519"
	"errors"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/sessionkit/sessionkit/claims"
)

// defaultKeyGrace is how long an expired signing key is still accepted, so
// tokens signed just before a rotation completed keep verifying.
const defaultKeyGrace = 2 * time.Hour

// SigningKey is the private half used by the auth core to mint tokens.
type SigningKey struct {
	ID      string
	Private ed25519.PrivateKey
}

// AccessToken is the verified, decoded view of an access token. Instances are
// immutable; a refresh or payload mutation always produces a new one.
type AccessToken struct {
	Raw           string
	SessionHandle string
	UserID        string
	Payload       claims.Payload
	AntiCsrfToken string
	KeyID         string
	Expiry        int64 // epoch ms
	TimeCreated   int64 // epoch ms
}

type accessClaims struct {
	SessionHandle string         `json:"sessionHandle"`
	Payload       claims.Payload `json:"userData,omitempty"`
	AntiCsrfToken string         `json:"antiCsrfToken,omitempty"`
	jwt.RegisteredClaims
}

// SignInput is everything SignAndEncode needs. The output is deterministic
// given the input; the codec supplies no timestamps of its own.
type SignInput struct {
	SessionHandle string
	UserID        string
	Payload       claims.Payload
	AntiCsrfToken string
	Expiry        time.Time
	IssuedAt      time.Time
	Key           SigningKey
}

// Codec signs and verifies access tokens against a rotating key list.
type Codec struct {
	// Leeway is the clock-skew tolerance applied to expiry and issued-at
	// comparisons.
	Leeway time.Duration

	// KeyGrace bounds how long expired signing keys remain usable for
	// verification. Zero means defaultKeyGrace.
	KeyGrace time.Duration

	// Now is the single process-wide time source. Overridden in tests.
	Now func() time.Time
}

// NewCodec returns a codec with the given leeway and time source.
func NewCodec(leeway time.Duration, now func() time.Time) *Codec {
	if now == nil {
		now = time.Now
	}
	return &Codec{Leeway: leeway, Now: now}
}

// SignAndEncode serializes and signs an access token. It fails with
// *EncodingError only when a claim value cannot be marshalled or the key is
// unusable.
func (c *Codec) SignAndEncode(in SignInput) (string, error) {
	if len(in.Key.Private) != ed25519.PrivateKeySize {
		return "", &EncodingError{Err: errors.New("invalid ed25519 private key")}
	}

	tokenClaims := accessClaims{
		SessionHandle: in.SessionHandle,
		Payload:       in.Payload,
		AntiCsrfToken: in.AntiCsrfToken,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   in.UserID,
			ExpiresAt: jwt.NewNumericDate(in.Expiry),
			IssuedAt:  jwt.NewNumericDate(in.IssuedAt),
		},
	}

	tok := jwt.NewWithClaims(jwt.SigningMethodEdDSA, tokenClaims)
	if in.Key.ID != "" {
		tok.Header["kid"] = in.Key.ID
	}

	signed, err := tok.SignedString(in.Key.Private)
	if err != nil {
		return "", &EncodingError{Err: err}
	}
	return signed, nil
}

// DecodeAndVerify checks tokenStr against the handshake key list, newest
// first, stopping at the first key that verifies. An expired token with a
// valid signature returns the decoded token together with a KindExpired
// error, so the caller can route it to the refresh path. "No key matched"
// and "bad signature" are both KindSignatureInvalid.
func (c *Codec) DecodeAndVerify(tokenStr string, hs HandshakeInfo) (*AccessToken, error) {
	grace := c.KeyGrace
	if grace <= 0 {
		grace = defaultKeyGrace
	}
	keys := hs.LiveKeys(c.Now(), grace)
	if len(keys) == 0 {
		return nil, &Error{Kind: KindSignatureInvalid, Err: errors.New("no live signing keys")}
	}

	parser := jwt.NewParser(
		jwt.WithValidMethods([]string{jwt.SigningMethodEdDSA.Alg()}),
		jwt.WithLeeway(c.Leeway),
		jwt.WithTimeFunc(c.Now),
	)

	for _, keyInfo := range keys {
		pub, err := keyInfo.Decode()
		if err != nil {
			continue
		}

		parsed := &accessClaims{}
		_, err = parser.ParseWithClaims(tokenStr, parsed, func(*jwt.Token) (any, error) {
			return pub, nil
		})
		switch {
		case err == nil:
			return c.buildAccessToken(tokenStr, keyInfo.ID, parsed)
		case errors.Is(err, jwt.ErrTokenMalformed):
			return nil, &Error{Kind: KindMalformed, Err: err}
		case errors.Is(err, jwt.ErrTokenExpired):
			// Signature verified; expiry is past leeway.
			at, buildErr := c.buildAccessToken(tokenStr, keyInfo.ID, parsed)
			if buildErr != nil {
				return nil, buildErr
			}
			return at, &Error{Kind: KindExpired, Err: err}
		case errors.Is(err, jwt.ErrTokenSignatureInvalid):
			continue
		default:
			return nil, &Error{Kind: KindMalformed, Err: err}
		}
	}

	return nil, &Error{Kind: KindSignatureInvalid}
}

func (c *Codec) buildAccessToken(raw, keyID string, parsed *accessClaims) (*AccessToken, error) {
	if parsed.SessionHandle == "" || parsed.Subject == "" {
		return nil, &Error{Kind: KindMalformed, Err: errors.New("missing session fields")}
	}
	payload := parsed.Payload
	if payload == nil {
		payload = claims.Payload{}
	}
	at := &AccessToken{
		Raw:           raw,
		SessionHandle: parsed.SessionHandle,
		UserID:        parsed.Subject,
		Payload:       payload,
		AntiCsrfToken: parsed.AntiCsrfToken,
		KeyID:         keyID,
	}
	if parsed.ExpiresAt != nil {
		at.Expiry = parsed.ExpiresAt.Time.UnixMilli()
	}
	if parsed.IssuedAt != nil {
		at.TimeCreated = parsed.IssuedAt.Time.UnixMilli()
	}
	return at, nil
}
