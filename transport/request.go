package transport

import "net/http"

// Request is the read side of an HTTP exchange, reduced to the capabilities
// session verification needs.
type Request interface {
	Method() string
	GetHeader(name string) string
	GetCookie(name string) (string, bool)
}

// Response is the write side of an HTTP exchange. Implementations must
// tolerate SetCookie being called more than once for the same cookie name;
// the last write wins.
type Response interface {
	SetHeader(name, value string)
	SetCookie(cookie SetCookie)
	SetStatusCode(code int)
	SendJSON(body any) error
}

// SetCookie is a framework-neutral Set-Cookie instruction. Expiry is epoch
// ms; zero means a deletion cookie (expired in the past, empty value).
type SetCookie struct {
	Name     string
	Value    string
	Domain   string
	Path     string
	Expiry   int64
	Secure   bool
	HTTPOnly bool
	SameSite http.SameSite
}
