// Package redisstore keeps PKCE state, login failure counters and refresh
// records in Redis.
package redisstore

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"qazna.org/authcore/internal/auth"
)

var (
	_ auth.KV           = (*Store)(nil)
	_ auth.CounterStore = (*Store)(nil)
	_ auth.RefreshStore = (*Store)(nil)
)

var (
	casScript = redis.NewScript(`
local current = redis.call('GET', KEYS[1])
if current ~= ARGV[1] then
  return 0
end
if tonumber(ARGV[3]) > 0 then
  redis.call('SET', KEYS[1], ARGV[2], 'PX', ARGV[3])
else
  redis.call('SET', KEYS[1], ARGV[2])
end
return 1
`)

	incrScript = redis.NewScript(`
local n = redis.call('INCR', KEYS[1])
if n == 1 and tonumber(ARGV[1]) > 0 then
  redis.call('PEXPIRE', KEYS[1], ARGV[1])
end
return n
`)

	revokeScript = redis.NewScript(`
if redis.call('HGET', KEYS[1], 'revoked') == '0' then
  redis.call('HSET', KEYS[1], 'revoked', '1')
  return 1
end
return 0
`)

	// KEYS: old record, new record, principal index.
	// ARGV: principal_id, provider, expires_at, created_at, ttl ms, new fingerprint.
	rotateScript = redis.NewScript(`
if redis.call('HGET', KEYS[1], 'revoked') ~= '0' then
  return 0
end
if redis.call('EXISTS', KEYS[2]) == 1 then
  return -1
end
redis.call('HSET', KEYS[1], 'revoked', '1')
redis.call('HSET', KEYS[2], 'principal_id', ARGV[1], 'provider', ARGV[2],
  'expires_at', ARGV[3], 'created_at', ARGV[4], 'revoked', '0')
redis.call('PEXPIRE', KEYS[2], ARGV[5])
redis.call('SADD', KEYS[3], ARGV[6])
redis.call('PEXPIRE', KEYS[3], ARGV[5])
return 1
`)
)

// Store wraps any go-redis client, including cluster and sentinel clients.
type Store struct {
	client redis.UniversalClient
	prefix string
}

type Option func(*Store)

// WithPrefix namespaces every key written by the store.
func WithPrefix(prefix string) Option {
	return func(s *Store) { s.prefix = prefix }
}

func New(client redis.UniversalClient, opts ...Option) *Store {
	s := &Store{client: client}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *Store) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

func (s *Store) key(k string) string { return s.prefix + k }

func (s *Store) Put(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	if err := s.client.Set(ctx, s.key(key), value, ttl).Err(); err != nil {
		return fmt.Errorf("redis put: %w", err)
	}
	return nil
}

func (s *Store) Get(ctx context.Context, key string) ([]byte, error) {
	val, err := s.client.Get(ctx, s.key(key)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, auth.ErrNotFound
		}
		return nil, fmt.Errorf("redis get: %w", err)
	}
	return val, nil
}

// Delete relies on DEL returning the number of keys removed, so only one
// concurrent caller sees 1.
func (s *Store) Delete(ctx context.Context, key string) (bool, error) {
	n, err := s.client.Del(ctx, s.key(key)).Result()
	if err != nil {
		return false, fmt.Errorf("redis delete: %w", err)
	}
	return n == 1, nil
}

func (s *Store) CompareAndSwap(ctx context.Context, key string, expected, value []byte, ttl time.Duration) (bool, error) {
	if expected == nil {
		ok, err := s.client.SetNX(ctx, s.key(key), value, ttl).Result()
		if err != nil {
			return false, fmt.Errorf("redis cas: %w", err)
		}
		return ok, nil
	}
	res, err := casScript.Run(ctx, s.client, []string{s.key(key)}, expected, value, ttl.Milliseconds()).Int()
	if err != nil {
		return false, fmt.Errorf("redis cas: %w", err)
	}
	return res == 1, nil
}

func (s *Store) Incr(ctx context.Context, key string, window time.Duration) (int64, error) {
	n, err := incrScript.Run(ctx, s.client, []string{s.key(key)}, window.Milliseconds()).Int64()
	if err != nil {
		return 0, fmt.Errorf("redis incr: %w", err)
	}
	return n, nil
}

func (s *Store) Count(ctx context.Context, key string) (int64, error) {
	n, err := s.client.Get(ctx, s.key(key)).Int64()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return 0, nil
		}
		return 0, fmt.Errorf("redis count: %w", err)
	}
	return n, nil
}

func (s *Store) Reset(ctx context.Context, key string) error {
	if err := s.client.Del(ctx, s.key(key)).Err(); err != nil {
		return fmt.Errorf("redis reset: %w", err)
	}
	return nil
}

func (s *Store) refreshKey(fingerprint string) string {
	return s.key("refresh:" + fingerprint)
}

func (s *Store) principalKey(principalID int64) string {
	return s.key("refresh-principal:" + strconv.FormatInt(principalID, 10))
}

func refreshTTL(rec auth.RefreshRecord) time.Duration {
	ttl := time.Until(rec.ExpiresAt)
	if ttl < time.Second {
		ttl = time.Second
	}
	return ttl
}

func (s *Store) CreateRefresh(ctx context.Context, rec auth.RefreshRecord) error {
	ttl := refreshTTL(rec)
	revoked := "0"
	if rec.Revoked {
		revoked = "1"
	}
	key := s.refreshKey(rec.Fingerprint)
	set := s.principalKey(rec.PrincipalID)
	_, err := s.client.TxPipelined(ctx, func(p redis.Pipeliner) error {
		p.HSet(ctx, key, map[string]any{
			"principal_id": strconv.FormatInt(rec.PrincipalID, 10),
			"provider":     rec.Provider,
			"expires_at":   rec.ExpiresAt.UTC().Format(time.RFC3339Nano),
			"created_at":   rec.CreatedAt.UTC().Format(time.RFC3339Nano),
			"revoked":      revoked,
		})
		p.PExpire(ctx, key, ttl)
		p.SAdd(ctx, set, rec.Fingerprint)
		p.PExpire(ctx, set, ttl)
		return nil
	})
	if err != nil {
		return fmt.Errorf("redis create refresh: %w", err)
	}
	return nil
}

func (s *Store) FindRefresh(ctx context.Context, fingerprint string) (auth.RefreshRecord, error) {
	fields, err := s.client.HGetAll(ctx, s.refreshKey(fingerprint)).Result()
	if err != nil {
		return auth.RefreshRecord{}, fmt.Errorf("redis find refresh: %w", err)
	}
	if len(fields) == 0 {
		return auth.RefreshRecord{}, auth.ErrNotFound
	}
	rec := auth.RefreshRecord{
		Fingerprint: fingerprint,
		Provider:    fields["provider"],
		Revoked:     fields["revoked"] != "0",
	}
	if rec.PrincipalID, err = strconv.ParseInt(fields["principal_id"], 10, 64); err != nil {
		return auth.RefreshRecord{}, fmt.Errorf("decode refresh principal: %w", err)
	}
	if rec.ExpiresAt, err = time.Parse(time.RFC3339Nano, fields["expires_at"]); err != nil {
		return auth.RefreshRecord{}, fmt.Errorf("decode refresh expiry: %w", err)
	}
	if rec.CreatedAt, err = time.Parse(time.RFC3339Nano, fields["created_at"]); err != nil {
		return auth.RefreshRecord{}, fmt.Errorf("decode refresh creation: %w", err)
	}
	return rec, nil
}

func (s *Store) RevokeRefresh(ctx context.Context, fingerprint string) (bool, error) {
	n, err := revokeScript.Run(ctx, s.client, []string{s.refreshKey(fingerprint)}).Int()
	if err != nil {
		return false, fmt.Errorf("redis revoke refresh: %w", err)
	}
	return n == 1, nil
}

// RotateRefresh revokes the old record and writes its successor inside one
// script, so the pair never exists half-rotated.
func (s *Store) RotateRefresh(ctx context.Context, oldFingerprint string, next auth.RefreshRecord) (bool, error) {
	keys := []string{
		s.refreshKey(oldFingerprint),
		s.refreshKey(next.Fingerprint),
		s.principalKey(next.PrincipalID),
	}
	n, err := rotateScript.Run(ctx, s.client, keys,
		strconv.FormatInt(next.PrincipalID, 10),
		next.Provider,
		next.ExpiresAt.UTC().Format(time.RFC3339Nano),
		next.CreatedAt.UTC().Format(time.RFC3339Nano),
		refreshTTL(next).Milliseconds(),
		next.Fingerprint,
	).Int()
	if err != nil {
		return false, fmt.Errorf("redis rotate refresh: %w", err)
	}
	if n < 0 {
		return false, auth.ErrConflict
	}
	return n == 1, nil
}

func (s *Store) RevokeAllRefresh(ctx context.Context, principalID int64, provider string) (int, error) {
	members, err := s.client.SMembers(ctx, s.principalKey(principalID)).Result()
	if err != nil {
		return 0, fmt.Errorf("redis list refresh: %w", err)
	}
	revoked := 0
	for _, fp := range members {
		if provider != "" {
			got, err := s.client.HGet(ctx, s.refreshKey(fp), "provider").Result()
			if errors.Is(err, redis.Nil) {
				continue
			}
			if err != nil {
				return revoked, fmt.Errorf("redis read refresh: %w", err)
			}
			if got != provider {
				continue
			}
		}
		won, err := s.RevokeRefresh(ctx, fp)
		if err != nil {
			return revoked, err
		}
		if won {
			revoked++
		}
	}
	return revoked, nil
}
