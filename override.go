package sessionkit

import (
	"context"
	"errors"

	"github.com/sessionkit/sessionkit/claims"
)

// Implementation is the function table behind every [Manager] operation.
// Manager methods delegate through it, so replacing a field changes behavior
// for every caller, including the transport layer and [Session] methods.
//
// Overrides compose: each [Override] receives the table built so far and
// returns a new one, usually keeping a copy of the original to delegate to.
type Implementation struct {
	CreateNewSession      func(ctx context.Context, input CreateSessionInput) (*Session, error)
	GetSession            func(ctx context.Context, input GetSessionInput) (*Session, error)
	RefreshSession        func(ctx context.Context, input RefreshSessionInput) (*Session, error)
	RegenerateAccessToken func(ctx context.Context, accessToken string, payload claims.Payload) (*RegenerateResult, error)

	RevokeSession            func(ctx context.Context, sessionHandle string) (bool, error)
	RevokeMultipleSessions   func(ctx context.Context, sessionHandles []string) ([]string, error)
	RevokeAllSessionsForUser func(ctx context.Context, userID string) ([]string, error)

	GetSessionInformation       func(ctx context.Context, sessionHandle string) (*SessionInformation, error)
	GetAllSessionHandlesForUser func(ctx context.Context, userID string) ([]string, error)

	GetSessionData              func(ctx context.Context, sessionHandle string) (map[string]any, error)
	UpdateSessionData           func(ctx context.Context, sessionHandle string, data map[string]any) error
	MergeIntoAccessTokenPayload func(ctx context.Context, sessionHandle string, update claims.Payload) error
	UpdateAccessTokenPayload    func(ctx context.Context, sessionHandle string, payload claims.Payload) error

	ValidateClaimsForSessionHandle func(ctx context.Context, sessionHandle string, validators []claims.Validator) ([]claims.ValidationError, error)
}

// Override rewrites an [Implementation]. Registered via
// [Builder.WithOverride]; applied in registration order at build time, each
// seeing the table produced by the previous one.
type Override func(Implementation) Implementation

func applyOverrides(base Implementation, overrides []Override) Implementation {
	impl := base
	for _, ov := range overrides {
		if ov == nil {
			continue
		}
		impl = ov(impl)
	}
	return impl
}

// checkImplementation rejects a table with nil entries. An override that
// drops a field would otherwise turn into a nil-deref on some later request.
func checkImplementation(impl Implementation) error {
	missing := ""
	switch {
	case impl.CreateNewSession == nil:
		missing = "CreateNewSession"
	case impl.GetSession == nil:
		missing = "GetSession"
	case impl.RefreshSession == nil:
		missing = "RefreshSession"
	case impl.RegenerateAccessToken == nil:
		missing = "RegenerateAccessToken"
	case impl.RevokeSession == nil:
		missing = "RevokeSession"
	case impl.RevokeMultipleSessions == nil:
		missing = "RevokeMultipleSessions"
	case impl.RevokeAllSessionsForUser == nil:
		missing = "RevokeAllSessionsForUser"
	case impl.GetSessionInformation == nil:
		missing = "GetSessionInformation"
	case impl.GetAllSessionHandlesForUser == nil:
		missing = "GetAllSessionHandlesForUser"
	case impl.GetSessionData == nil:
		missing = "GetSessionData"
	case impl.UpdateSessionData == nil:
		missing = "UpdateSessionData"
	case impl.MergeIntoAccessTokenPayload == nil:
		missing = "MergeIntoAccessTokenPayload"
	case impl.UpdateAccessTokenPayload == nil:
		missing = "UpdateAccessTokenPayload"
	case impl.ValidateClaimsForSessionHandle == nil:
		missing = "ValidateClaimsForSessionHandle"
	}
	if missing != "" {
		return errors.New("override produced nil Implementation." + missing)
	}
	return nil
}
