package claims

import (
	"context"
	"encoding/json"
)

// Payload is a snapshot of the claim payload carried inside an access token.
// Values must stay JSON-representable; a nil value at a key marks the key for
// deletion when the payload is merged.
type Payload map[string]any

// Claim is a fetchable fact keyed by a unique string. Claims are stateless and
// shared across sessions.
type Claim interface {
	// Key returns the payload key owned by this claim.
	Key() string

	// Fetch resolves the current value of the claim for a user. The second
	// return value reports whether a value exists; when false the payload is
	// left untouched.
	Fetch(ctx context.Context, userID string) (any, bool, error)

	// AddToPayload returns a copy of payload with the claim value merged in.
	AddToPayload(payload Payload, value any) Payload

	// RemoveFromPayload returns a copy of payload with the claim marked for
	// removal (nil value, deleted on merge).
	RemoveFromPayload(payload Payload) Payload
}

// ValidationResult is the outcome of a single validator run.
type ValidationResult struct {
	Valid  bool
	Reason map[string]any
}

// ValidationError identifies the validator that rejected a payload, with a
// structured reason suitable for driving differentiated client behavior.
type ValidationError struct {
	ValidatorID string         `json:"id"`
	Reason      map[string]any `json:"reason,omitempty"`
}

// Validator checks one assertion against a payload snapshot. Validators are
// pure over the payload plus caller context; ShouldRefetch lets a validator
// request a fresh claim value before Validate runs.
type Validator interface {
	ID() string

	// BackingClaim returns the claim to refetch, or nil when the validator is
	// payload-only.
	BackingClaim() Claim

	ShouldRefetch(payload Payload) bool
	Validate(payload Payload) ValidationResult
}

// Clone returns a shallow copy of payload. A nil payload clones to an empty one.
func Clone(payload Payload) Payload {
	out := make(Payload, len(payload))
	for k, v := range payload {
		out[k] = v
	}
	return out
}

// Merge applies update onto base, shallow, last-write-wins. A nil value in
// update deletes the key; this is how claim removal travels through
// mergeIntoAccessTokenPayload.
func Merge(base, update Payload) Payload {
	out := Clone(base)
	for k, v := range update {
		if v == nil {
			delete(out, k)
			continue
		}
		out[k] = v
	}
	return out
}

// epochMillis extracts a millisecond timestamp that may have survived a JSON
// round trip as float64 or json.Number.
func epochMillis(v any) (int64, bool) {
	switch t := v.(type) {
	case int64:
		return t, true
	case int:
		return int64(t), true
	case float64:
		return int64(t), true
	case json.Number:
		n, err := t.Int64()
		if err != nil {
			return 0, false
		}
		return n, true
	default:
		return 0, false
	}
}
