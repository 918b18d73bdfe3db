package coretest

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/sessionkit/sessionkit/token"
)

// storedKey is a signing keypair at rest. Private is base64 of the raw
// ed25519 private key; it never leaves the core.
type storedKey struct {
	ID        string `json:"id"`
	Public    string `json:"public"`
	Private   string `json:"private"`
	CreatedAt int64  `json:"createdAt"` // epoch ms
	ExpiresAt int64  `json:"expiresAt"` // epoch ms
}

// KeyManager owns the rotating ed25519 signing-key list. Keys live in a
// single Redis value, newest first; rotation prepends and expired keys are
// pruned once past the retention window.
type KeyManager struct {
	redis     redis.UniversalClient
	prefix    string
	rotation  time.Duration
	retention time.Duration
	now       func() time.Time
}

// NewKeyManager creates a manager rotating keys every rotation interval and
// retaining rotated-out keys for retention (so old tokens keep verifying).
func NewKeyManager(client redis.UniversalClient, prefix string, rotation, retention time.Duration, now func() time.Time) *KeyManager {
	if prefix == "" {
		prefix = "sk"
	}
	if rotation <= 0 {
		rotation = 24 * time.Hour
	}
	if retention <= 0 {
		retention = 2 * time.Hour
	}
	if now == nil {
		now = time.Now
	}
	return &KeyManager{
		redis:     client,
		prefix:    prefix,
		rotation:  rotation,
		retention: retention,
		now:       now,
	}
}

func (m *KeyManager) key() string {
	return m.prefix + ":signing-keys"
}

// Current returns the active signing key, rotating first when the newest key
// has expired or no key exists yet.
func (m *KeyManager) Current(ctx context.Context) (token.SigningKey, error) {
	keys, err := m.ensure(ctx)
	if err != nil {
		return token.SigningKey{}, err
	}

	raw, err := base64.StdEncoding.DecodeString(keys[0].Private)
	if err != nil || len(raw) != ed25519.PrivateKeySize {
		return token.SigningKey{}, errors.New("corrupt stored signing key")
	}
	return token.SigningKey{ID: keys[0].ID, Private: ed25519.PrivateKey(raw)}, nil
}

// PublicKeys returns the published key list, newest first, in handshake
// form.
func (m *KeyManager) PublicKeys(ctx context.Context) ([]token.KeyInfo, error) {
	keys, err := m.ensure(ctx)
	if err != nil {
		return nil, err
	}

	out := make([]token.KeyInfo, 0, len(keys))
	for _, k := range keys {
		out = append(out, token.KeyInfo{
			ID:        k.ID,
			PublicKey: k.Public,
			CreatedAt: k.CreatedAt,
			ExpiresAt: k.ExpiresAt,
		})
	}
	return out, nil
}

// ensure loads the key list, rotating and pruning as needed, and persists
// any change.
func (m *KeyManager) ensure(ctx context.Context) ([]storedKey, error) {
	keys, err := m.load(ctx)
	if err != nil {
		return nil, err
	}

	nowMs := m.now().UnixMilli()
	changed := false

	if len(keys) == 0 || keys[0].ExpiresAt <= nowMs {
		fresh, err := m.generate()
		if err != nil {
			return nil, err
		}
		keys = append([]storedKey{fresh}, keys...)
		changed = true
	}

	cutoff := m.now().Add(-m.retention).UnixMilli()
	pruned := keys[:0]
	for _, k := range keys {
		if k.ExpiresAt > cutoff {
			pruned = append(pruned, k)
		} else {
			changed = true
		}
	}
	keys = pruned

	if changed {
		if err := m.save(ctx, keys); err != nil {
			return nil, err
		}
	}
	return keys, nil
}

func (m *KeyManager) generate() (storedKey, error) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return storedKey{}, err
	}

	now := m.now()
	return storedKey{
		ID:        uuid.NewString(),
		Public:    base64.StdEncoding.EncodeToString(pub),
		Private:   base64.StdEncoding.EncodeToString(priv),
		CreatedAt: now.UnixMilli(),
		ExpiresAt: now.Add(m.rotation).UnixMilli(),
	}, nil
}

func (m *KeyManager) load(ctx context.Context) ([]storedKey, error) {
	data, err := m.redis.Get(ctx, m.key()).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrRedisUnavailable, err)
	}

	var keys []storedKey
	if err := json.Unmarshal(data, &keys); err != nil {
		return nil, fmt.Errorf("corrupt signing-key list: %w", err)
	}
	return keys, nil
}

func (m *KeyManager) save(ctx context.Context, keys []storedKey) error {
	data, err := json.Marshal(keys)
	if err != nil {
		return err
	}
	if err := m.redis.Set(ctx, m.key(), data, 0).Err(); err != nil {
		return fmt.Errorf("%w: %v", ErrRedisUnavailable, err)
	}
	return nil
}
