package claims

import "context"

// RunResult carries the outcome of a validator pass. Payload is the possibly
// updated snapshot; Updated reports whether any refetch changed it, so the
// caller can regenerate the access token once for the whole pass instead of
// once per claim.
type RunResult struct {
	Payload Payload
	Updated bool
	Failure *ValidationError
}

// RunValidators evaluates validators in declaration order against payload.
// For each validator that requests a refetch and has a backing claim, the
// claim value is fetched and merged before Validate runs. The pass
// short-circuits on the first invalid result; fetch errors abort the pass.
func RunValidators(ctx context.Context, userID string, payload Payload, validators []Validator) (RunResult, error) {
	current := Clone(payload)
	updated := false

	for _, v := range validators {
		if claim := v.BackingClaim(); claim != nil && v.ShouldRefetch(current) {
			value, found, err := claim.Fetch(ctx, userID)
			if err != nil {
				return RunResult{Payload: current, Updated: updated}, err
			}
			if found {
				current = claim.AddToPayload(current, value)
				updated = true
			}
		}

		res := v.Validate(current)
		if !res.Valid {
			return RunResult{
				Payload: current,
				Updated: updated,
				Failure: &ValidationError{ValidatorID: v.ID(), Reason: res.Reason},
			}, nil
		}
	}

	return RunResult{Payload: current, Updated: updated}, nil
}
