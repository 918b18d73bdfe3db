package core

import (
	"errors"
	"fmt"
	"strings"
)

// ErrUnavailable means the auth core could not be reached or answered with a
// server failure. Callers must surface this distinctly; a down dependency is
// not an invalid session.
var ErrUnavailable = errors.New("core: auth core unavailable")

// ErrUnauthorised means the core rejected the referenced session: the handle
// is unknown or the session was explicitly revoked.
var ErrUnauthorised = errors.New("core: session unauthorised")

// TheftError reports refresh-token reuse: the core saw a token it had already
// consumed, which implies credential compromise for the whole session chain.
type TheftError struct {
	SessionHandle string
	UserID        string
}

func (e *TheftError) Error() string {
	return fmt.Sprintf("core: token theft detected (session %s)", e.SessionHandle)
}

// StatusError conveys an unexpected HTTP failure from the core.
type StatusError struct {
	Code int
	Body string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("core: http %d: %s", e.Code, strings.TrimSpace(e.Body))
}
