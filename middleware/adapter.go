package middleware

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/sessionkit/sessionkit/transport"
)

type httpRequest struct {
	r *http.Request
}

func (q httpRequest) Method() string {
	return q.r.Method
}

func (q httpRequest) GetHeader(name string) string {
	return q.r.Header.Get(name)
}

func (q httpRequest) GetCookie(name string) (string, bool) {
	c, err := q.r.Cookie(name)
	if err != nil || c.Value == "" {
		return "", false
	}
	return c.Value, true
}

// httpResponse defers the status write until the JSON body goes out, so
// headers and cookies set by the error path still make it onto the wire.
type httpResponse struct {
	w      http.ResponseWriter
	status int
}

func (p *httpResponse) SetHeader(name, value string) {
	p.w.Header().Set(name, value)
}

func (p *httpResponse) SetCookie(cookie transport.SetCookie) {
	c := &http.Cookie{
		Name:     cookie.Name,
		Value:    cookie.Value,
		Domain:   cookie.Domain,
		Path:     cookie.Path,
		Secure:   cookie.Secure,
		HttpOnly: cookie.HTTPOnly,
		SameSite: cookie.SameSite,
	}
	if cookie.Expiry > 0 {
		c.Expires = time.UnixMilli(cookie.Expiry)
	} else {
		// Deletion cookie.
		c.MaxAge = -1
		c.Expires = time.Unix(0, 0)
	}
	http.SetCookie(p.w, c)
}

func (p *httpResponse) SetStatusCode(code int) {
	p.status = code
}

func (p *httpResponse) SendJSON(body any) error {
	p.w.Header().Set("Content-Type", "application/json")
	if p.status != 0 {
		p.w.WriteHeader(p.status)
		p.status = 0
	}
	return json.NewEncoder(p.w).Encode(body)
}
