package coretest

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/sessionkit/sessionkit/claims"
)

var (
	// ErrRedisUnavailable wraps every Redis transport failure.
	ErrRedisUnavailable = errors.New("redis unavailable")

	// ErrSessionNotFound is returned when a handle has no live record.
	ErrSessionNotFound = errors.New("session not found")

	// ErrRefreshInvalid is returned when a refresh token matches neither the
	// current nor the previous hash for its session.
	ErrRefreshInvalid = errors.New("invalid refresh token")

	// ErrRefreshReuse is returned when an already-consumed refresh token is
	// presented again.
	ErrRefreshReuse = errors.New("refresh token reuse detected")
)

const (
	rotateStatusNotFound int64 = 0
	rotateStatusExpired  int64 = 1
	rotateStatusReuse    int64 = 2
	rotateStatusRotated  int64 = 3
)

// rotateRefreshScript is the single-use rotation CAS. The current hash moves
// to the previous-hash key so a replay of the consumed token is
// distinguishable from a random bad token.
const rotateRefreshScript = `
local cur = redis.call("GET", KEYS[1])
if not cur then
  return {0}
end

local ttl = redis.call("PTTL", KEYS[1])
if ttl <= 0 then
  return {1}
end

if cur == ARGV[1] then
  redis.call("SET", KEYS[1], ARGV[2], "PX", ttl)
  redis.call("SET", KEYS[2], ARGV[1], "PX", ttl)
  return {3}
end

local prev = redis.call("GET", KEYS[2])
if prev and prev == ARGV[1] then
  return {2}
end

return {0}
`

var rotateRefreshLua = redis.NewScript(rotateRefreshScript)

// deleteSessionScript removes a session record, its refresh hashes, and its
// user-index entry. Returns whether the record existed; deletion is
// idempotent.
const deleteSessionScript = `
local existed = redis.call("EXISTS", KEYS[1])
redis.call("DEL", KEYS[1], KEYS[2], KEYS[3])
redis.call("SREM", KEYS[4], ARGV[1])
return existed
`

var deleteSessionLua = redis.NewScript(deleteSessionScript)

// Record is the durable per-handle session state.
type Record struct {
	Handle      string         `json:"handle"`
	UserID      string         `json:"userId"`
	Payload     claims.Payload `json:"userDataInJWT"`
	SessionData map[string]any `json:"userDataInDatabase"`
	CreatedAt   int64          `json:"createdAt"` // epoch ms
	ExpiresAt   int64          `json:"expiresAt"` // epoch ms
}

// Store persists session records, refresh-token hashes, and the per-user
// handle index in Redis.
type Store struct {
	redis  redis.UniversalClient
	prefix string
	now    func() time.Time
}

// NewStore creates a store on the given Redis client. prefix namespaces
// every key; now overrides the time source in tests (nil means time.Now).
func NewStore(client redis.UniversalClient, prefix string, now func() time.Time) *Store {
	if prefix == "" {
		prefix = "sk"
	}
	if now == nil {
		now = time.Now
	}
	return &Store{redis: client, prefix: prefix, now: now}
}

func (s *Store) sessionKey(handle string) string {
	return s.prefix + ":sess:" + handle
}

func (s *Store) refreshKey(handle string) string {
	return s.prefix + ":rt:" + handle
}

func (s *Store) prevRefreshKey(handle string) string {
	return s.prefix + ":rtprev:" + handle
}

func (s *Store) userKey(userID string) string {
	return s.prefix + ":user:" + userID
}

// CreateSession allocates a new handle, stores the record, and arms the
// first refresh token. The returned refresh token is handle-qualified so the
// exchange can find its session without an index lookup.
func (s *Store) CreateSession(ctx context.Context, userID string, payload claims.Payload, sessionData map[string]any, sessionTTL time.Duration) (*Record, string, error) {
	now := s.now()
	rec := &Record{
		Handle:      uuid.NewString(),
		UserID:      userID,
		Payload:     claims.Clone(payload),
		SessionData: sessionData,
		CreatedAt:   now.UnixMilli(),
		ExpiresAt:   now.Add(sessionTTL).UnixMilli(),
	}

	refreshToken, refreshHash := newRefreshToken(rec.Handle)

	data, err := json.Marshal(rec)
	if err != nil {
		return nil, "", err
	}

	_, err = s.redis.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Set(ctx, s.sessionKey(rec.Handle), data, sessionTTL)
		pipe.Set(ctx, s.refreshKey(rec.Handle), refreshHash, sessionTTL)
		pipe.SAdd(ctx, s.userKey(userID), rec.Handle)
		return nil
	})
	if err != nil {
		return nil, "", fmt.Errorf("%w: %v", ErrRedisUnavailable, err)
	}

	return rec, refreshToken, nil
}

// Get reads the record for a handle.
func (s *Store) Get(ctx context.Context, handle string) (*Record, error) {
	data, err := s.redis.Get(ctx, s.sessionKey(handle)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrSessionNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrRedisUnavailable, err)
	}

	var rec Record
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, fmt.Errorf("corrupt session record: %w", err)
	}
	if rec.ExpiresAt <= s.now().UnixMilli() {
		return nil, ErrSessionNotFound
	}
	return &rec, nil
}

// RotateRefresh atomically consumes a refresh token and arms its successor.
// On success the new refresh token and the session record are returned.
// Reuse of a consumed token fails with ErrRefreshReuse; anything else
// invalid fails with ErrRefreshInvalid.
func (s *Store) RotateRefresh(ctx context.Context, refreshToken string) (*Record, string, error) {
	handle, hash, ok := splitRefreshToken(refreshToken)
	if !ok {
		return nil, "", ErrRefreshInvalid
	}

	nextToken, nextHash := newRefreshToken(handle)

	res, err := rotateRefreshLua.Run(ctx, s.redis,
		[]string{s.refreshKey(handle), s.prevRefreshKey(handle)},
		hash, nextHash,
	).Int64Slice()
	if err != nil {
		return nil, "", fmt.Errorf("%w: %v", ErrRedisUnavailable, err)
	}

	status := rotateStatusNotFound
	if len(res) > 0 {
		status = res[0]
	}

	switch status {
	case rotateStatusRotated:
	case rotateStatusReuse:
		return s.recordForTheft(ctx, handle)
	case rotateStatusExpired, rotateStatusNotFound:
		return nil, "", ErrRefreshInvalid
	default:
		return nil, "", ErrRefreshInvalid
	}

	rec, err := s.Get(ctx, handle)
	if err != nil {
		return nil, "", err
	}
	return rec, nextToken, nil
}

// recordForTheft loads whatever identity is still available so the protocol
// layer can report whose session was compromised, then reports reuse.
func (s *Store) recordForTheft(ctx context.Context, handle string) (*Record, string, error) {
	rec, err := s.Get(ctx, handle)
	if err != nil {
		return nil, "", fmt.Errorf("%w: %v", ErrRefreshReuse, err)
	}
	return rec, "", ErrRefreshReuse
}

// UpdateSessionData replaces the opaque data blob on a record.
func (s *Store) UpdateSessionData(ctx context.Context, handle string, data map[string]any) error {
	return s.updateRecord(ctx, handle, func(rec *Record) {
		rec.SessionData = data
	})
}

// UpdatePayload replaces the claim payload on a record.
func (s *Store) UpdatePayload(ctx context.Context, handle string, payload claims.Payload) error {
	return s.updateRecord(ctx, handle, func(rec *Record) {
		rec.Payload = claims.Clone(payload)
	})
}

func (s *Store) updateRecord(ctx context.Context, handle string, mutate func(*Record)) error {
	key := s.sessionKey(handle)

	// Optimistic CAS over the record blob; retried a few times under
	// concurrent writers.
	for attempt := 0; attempt < 5; attempt++ {
		err := s.redis.Watch(ctx, func(tx *redis.Tx) error {
			data, err := tx.Get(ctx, key).Bytes()
			if errors.Is(err, redis.Nil) {
				return ErrSessionNotFound
			}
			if err != nil {
				return fmt.Errorf("%w: %v", ErrRedisUnavailable, err)
			}

			var rec Record
			if err := json.Unmarshal(data, &rec); err != nil {
				return fmt.Errorf("corrupt session record: %w", err)
			}
			if rec.ExpiresAt <= s.now().UnixMilli() {
				return ErrSessionNotFound
			}

			mutate(&rec)

			updated, err := json.Marshal(&rec)
			if err != nil {
				return err
			}

			ttl := time.Duration(rec.ExpiresAt-s.now().UnixMilli()) * time.Millisecond
			_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
				pipe.Set(ctx, key, updated, ttl)
				return nil
			})
			return err
		}, key)

		if errors.Is(err, redis.TxFailedErr) {
			continue
		}
		return err
	}
	return fmt.Errorf("%w: record update contention", ErrRedisUnavailable)
}

// Revoke deletes the given handles and returns those that existed.
func (s *Store) Revoke(ctx context.Context, handles []string) ([]string, error) {
	revoked := make([]string, 0, len(handles))
	for _, handle := range handles {
		rec, err := s.Get(ctx, handle)
		userKey := s.userKey("")
		if err == nil {
			userKey = s.userKey(rec.UserID)
		} else if !errors.Is(err, ErrSessionNotFound) {
			return nil, err
		}

		existed, err := deleteSessionLua.Run(ctx, s.redis,
			[]string{s.sessionKey(handle), s.refreshKey(handle), s.prevRefreshKey(handle), userKey},
			handle,
		).Int64()
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrRedisUnavailable, err)
		}
		if existed == 1 {
			revoked = append(revoked, handle)
		}
	}
	return revoked, nil
}

// RevokeAllForUser deletes every session belonging to a user.
func (s *Store) RevokeAllForUser(ctx context.Context, userID string) ([]string, error) {
	handles, err := s.HandlesForUser(ctx, userID)
	if err != nil {
		return nil, err
	}
	return s.Revoke(ctx, handles)
}

// HandlesForUser lists the live handles indexed for a user, dropping index
// entries whose record has already expired away.
func (s *Store) HandlesForUser(ctx context.Context, userID string) ([]string, error) {
	members, err := s.redis.SMembers(ctx, s.userKey(userID)).Result()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrRedisUnavailable, err)
	}

	live := make([]string, 0, len(members))
	for _, handle := range members {
		exists, err := s.redis.Exists(ctx, s.sessionKey(handle)).Result()
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrRedisUnavailable, err)
		}
		if exists == 1 {
			live = append(live, handle)
		} else {
			_ = s.redis.SRem(ctx, s.userKey(userID), handle).Err()
		}
	}
	return live, nil
}

// newRefreshToken mints a handle-qualified opaque token and the hash stored
// server-side. Only the hash ever touches Redis.
func newRefreshToken(handle string) (token, hash string) {
	secret := uuid.NewString() + uuid.NewString()
	token = handle + "." + secret
	return token, hashRefreshSecret(secret)
}

func splitRefreshToken(token string) (handle, hash string, ok bool) {
	idx := strings.IndexByte(token, '.')
	if idx <= 0 || idx == len(token)-1 {
		return "", "", false
	}
	return token[:idx], hashRefreshSecret(token[idx+1:]), true
}

func hashRefreshSecret(secret string) string {
	sum := sha256.Sum256([]byte(secret))
	return hex.EncodeToString(sum[:])
}
