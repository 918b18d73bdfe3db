package claims

import "fmt"

// ConfigurationError reports an invalid claim registration. It is returned at
// startup, never at request time.
type ConfigurationError struct {
	Key     string
	Message string
}

func (e *ConfigurationError) Error() string {
	return fmt.Sprintf("claims: %s (key %q)", e.Message, e.Key)
}

// Registry holds claims in registration order. Registration order is the
// deterministic evaluation order for claim builders at session creation.
type Registry struct {
	order []Claim
	byKey map[string]Claim
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{byKey: make(map[string]Claim)}
}

// Register adds a claim. Two distinct claims may not collide on key; a
// collision is a *ConfigurationError.
func (r *Registry) Register(c Claim) error {
	if c == nil {
		return &ConfigurationError{Message: "nil claim"}
	}
	key := c.Key()
	if key == "" {
		return &ConfigurationError{Message: "empty claim key"}
	}
	if _, exists := r.byKey[key]; exists {
		return &ConfigurationError{Key: key, Message: "duplicate claim key"}
	}
	r.byKey[key] = c
	r.order = append(r.order, c)
	return nil
}

// Get returns the claim registered under key.
func (r *Registry) Get(key string) (Claim, bool) {
	c, ok := r.byKey[key]
	return c, ok
}

// Claims returns the registered claims in registration order.
func (r *Registry) Claims() []Claim {
	out := make([]Claim, len(r.order))
	copy(out, r.order)
	return out
}
