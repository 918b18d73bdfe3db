package claims

import (
	"context"
	"reflect"
	"time"
)

// FetchValueFunc resolves the current claim value for a user. The boolean
// reports presence; (nil, false, nil) means "leave the payload as-is".
type FetchValueFunc func(ctx context.Context, userID string) (any, bool, error)

// PrimitiveClaim stores a single comparable value under its key as
// {"v": value, "t": fetchedAtEpochMs}. It is the base shape for boolean and
// enum-style claims such as email-verified or 2FA-completed.
type PrimitiveClaim struct {
	key        string
	fetchValue FetchValueFunc

	// Now is the time source for the fetched-at stamp and freshness checks.
	// Overridden in tests.
	Now func() time.Time
}

// NewPrimitiveClaim builds a PrimitiveClaim for key. fetch may be nil for
// claims whose value is only ever written explicitly.
func NewPrimitiveClaim(key string, fetch FetchValueFunc) *PrimitiveClaim {
	return &PrimitiveClaim{
		key:        key,
		fetchValue: fetch,
		Now:        time.Now,
	}
}

// Key implements Claim.
func (c *PrimitiveClaim) Key() string { return c.key }

// Fetch implements Claim.
func (c *PrimitiveClaim) Fetch(ctx context.Context, userID string) (any, bool, error) {
	if c.fetchValue == nil {
		return nil, false, nil
	}
	return c.fetchValue(ctx, userID)
}

// AddToPayload implements Claim.
func (c *PrimitiveClaim) AddToPayload(payload Payload, value any) Payload {
	out := Clone(payload)
	out[c.key] = map[string]any{
		"v": value,
		"t": c.Now().UnixMilli(),
	}
	return out
}

// RemoveFromPayload implements Claim.
func (c *PrimitiveClaim) RemoveFromPayload(payload Payload) Payload {
	out := Clone(payload)
	out[c.key] = nil
	return out
}

// ValueFromPayload returns the stored value, or ok=false when the claim is
// absent.
func (c *PrimitiveClaim) ValueFromPayload(payload Payload) (any, bool) {
	v, _, ok := c.entry(payload)
	return v, ok
}

func (c *PrimitiveClaim) entry(payload Payload) (value any, fetchedAtMs int64, ok bool) {
	raw, present := payload[c.key]
	if !present || raw == nil {
		return nil, 0, false
	}
	entry, isMap := raw.(map[string]any)
	if !isMap {
		return nil, 0, false
	}
	value, present = entry["v"]
	if !present {
		return nil, 0, false
	}
	fetchedAtMs, _ = epochMillis(entry["t"])
	return value, fetchedAtMs, true
}

// HasValue returns a validator that passes iff the stored value equals
// expected. Refetch is requested only when the claim is absent. id defaults to
// the claim key.
func (c *PrimitiveClaim) HasValue(expected any, id string) Validator {
	if id == "" {
		id = c.key
	}
	return &primitiveValidator{
		id:    id,
		claim: c,
		shouldRefetch: func(payload Payload) bool {
			_, ok := c.ValueFromPayload(payload)
			return !ok
		},
		validate: func(payload Payload) ValidationResult {
			actual, _ := c.ValueFromPayload(payload)
			if valuesEqual(actual, expected) {
				return ValidationResult{Valid: true}
			}
			return ValidationResult{
				Valid: false,
				Reason: map[string]any{
					"message":       "wrong value",
					"expectedValue": expected,
					"actualValue":   actual,
				},
			}
		},
	}
}

// HasFreshValue returns a validator that passes iff the stored value equals
// expected and was fetched no more than maxAgeSeconds ago. Absent and stale
// both request a refetch, but validate distinguishes them: absent reports
// "wrong value" while stale reports "expired". id defaults to key+"-fresh-val".
func (c *PrimitiveClaim) HasFreshValue(expected any, maxAgeSeconds int64, id string) Validator {
	if id == "" {
		id = c.key + "-fresh-val"
	}
	return &primitiveValidator{
		id:    id,
		claim: c,
		shouldRefetch: func(payload Payload) bool {
			_, fetchedAt, ok := c.entry(payload)
			if !ok {
				return true
			}
			return fetchedAt < c.Now().UnixMilli()-maxAgeSeconds*1000
		},
		validate: func(payload Payload) ValidationResult {
			actual, fetchedAt, ok := c.entry(payload)
			if !ok || !valuesEqual(actual, expected) {
				return ValidationResult{
					Valid: false,
					Reason: map[string]any{
						"message":       "wrong value",
						"expectedValue": expected,
						"actualValue":   actual,
					},
				}
			}
			ageSeconds := float64(c.Now().UnixMilli()-fetchedAt) / 1000
			if ageSeconds > float64(maxAgeSeconds) {
				return ValidationResult{
					Valid: false,
					Reason: map[string]any{
						"message":         "expired",
						"ageInSeconds":    ageSeconds,
						"maxAgeInSeconds": maxAgeSeconds,
					},
				}
			}
			return ValidationResult{Valid: true}
		},
	}
}

// valuesEqual compares claim values structurally. Interface equality would
// panic when both operands hold the same non-comparable type, e.g. a
// slice-valued claim.
func valuesEqual(a, b any) bool {
	return reflect.DeepEqual(a, b)
}

type primitiveValidator struct {
	id            string
	claim         Claim
	shouldRefetch func(Payload) bool
	validate      func(Payload) ValidationResult
}

func (v *primitiveValidator) ID() string                         { return v.id }
func (v *primitiveValidator) BackingClaim() Claim                { return v.claim }
func (v *primitiveValidator) ShouldRefetch(payload Payload) bool { return v.shouldRefetch(payload) }
func (v *primitiveValidator) Validate(payload Payload) ValidationResult {
	return v.validate(payload)
}
