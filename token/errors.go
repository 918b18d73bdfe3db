package token

import "fmt"

// ErrorKind classifies verification failures. The distinction between an
// unknown key and a bad signature is deliberately not exposed; both are
// KindSignatureInvalid so rotation state never leaks to an attacker.
type ErrorKind int

const (
	// KindMalformed means the token could not be parsed at all.
	KindMalformed ErrorKind = iota
	// KindExpired means the token parsed and verified but is past its expiry
	// (beyond leeway).
	KindExpired
	// KindSignatureInvalid means no configured key verified the signature.
	KindSignatureInvalid
)

// Error is a verification failure with a classified kind.
type Error struct {
	Kind ErrorKind
	Err  error
}

func (e *Error) Error() string {
	switch e.Kind {
	case KindExpired:
		return "token: expired"
	case KindSignatureInvalid:
		return "token: signature invalid"
	default:
		if e.Err != nil {
			return fmt.Sprintf("token: malformed: %v", e.Err)
		}
		return "token: malformed"
	}
}

func (e *Error) Unwrap() error { return e.Err }

// EncodingError reports a failure to serialize or sign a token, typically a
// claim value that cannot be represented as JSON.
type EncodingError struct {
	Err error
}

func (e *EncodingError) Error() string { return fmt.Sprintf("token: encoding failed: %v", e.Err) }
func (e *EncodingError) Unwrap() error { return e.Err }
