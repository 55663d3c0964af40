package redisstore

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"

	"qazna.org/authcore/internal/auth"
)

func newStore(t *testing.T) (*Store, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return New(client, WithPrefix("test:")), mr
}

func TestKVPutGetExpire(t *testing.T) {
	s, mr := newStore(t)
	ctx := context.Background()

	require.NoError(t, s.Put(ctx, "pkce:abc", []byte("payload"), time.Minute))
	require.True(t, mr.Exists("test:pkce:abc"))

	got, err := s.Get(ctx, "pkce:abc")
	require.NoError(t, err)
	require.Equal(t, []byte("payload"), got)

	mr.FastForward(2 * time.Minute)
	_, err = s.Get(ctx, "pkce:abc")
	require.ErrorIs(t, err, auth.ErrNotFound)
}

func TestKVDeleteSingleWinner(t *testing.T) {
	s, _ := newStore(t)
	ctx := context.Background()
	require.NoError(t, s.Put(ctx, "pkce:once", []byte("v"), time.Minute))

	var (
		wg   sync.WaitGroup
		wins atomic.Int32
	)
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ok, err := s.Delete(ctx, "pkce:once")
			if err == nil && ok {
				wins.Add(1)
			}
		}()
	}
	wg.Wait()
	require.Equal(t, int32(1), wins.Load())
}

func TestKVCompareAndSwap(t *testing.T) {
	s, _ := newStore(t)
	ctx := context.Background()

	ok, err := s.CompareAndSwap(ctx, "k", nil, []byte("one"), time.Minute)
	require.NoError(t, err)
	require.True(t, ok)

	ok, err = s.CompareAndSwap(ctx, "k", nil, []byte("again"), time.Minute)
	require.NoError(t, err)
	require.False(t, ok, "create-only swap must fail on an existing key")

	ok, err = s.CompareAndSwap(ctx, "k", []byte("stale"), []byte("two"), time.Minute)
	require.NoError(t, err)
	require.False(t, ok)

	ok, err = s.CompareAndSwap(ctx, "k", []byte("one"), []byte("two"), 0)
	require.NoError(t, err)
	require.True(t, ok)

	got, err := s.Get(ctx, "k")
	require.NoError(t, err)
	require.Equal(t, []byte("two"), got)
}

func TestCounterWindow(t *testing.T) {
	s, mr := newStore(t)
	ctx := context.Background()
	key := "login-failures:ada|10.0.0.1"

	for want := int64(1); want <= 3; want++ {
		n, err := s.Incr(ctx, key, 5*time.Minute)
		require.NoError(t, err)
		require.Equal(t, want, n)
	}
	n, err := s.Count(ctx, key)
	require.NoError(t, err)
	require.Equal(t, int64(3), n)

	// the window starts with the first failure
	mr.FastForward(5*time.Minute + time.Second)
	n, err = s.Count(ctx, key)
	require.NoError(t, err)
	require.Zero(t, n)

	_, err = s.Incr(ctx, key, 5*time.Minute)
	require.NoError(t, err)
	require.NoError(t, s.Reset(ctx, key))
	n, err = s.Count(ctx, key)
	require.NoError(t, err)
	require.Zero(t, n)
}

func TestRefreshLifecycle(t *testing.T) {
	s, _ := newStore(t)
	ctx := context.Background()
	now := time.Now().UTC().Truncate(time.Second)

	rec := auth.RefreshRecord{
		Fingerprint: "fp-1",
		PrincipalID: 42,
		Provider:    "google",
		ExpiresAt:   now.Add(time.Hour),
		CreatedAt:   now,
	}
	require.NoError(t, s.CreateRefresh(ctx, rec))

	got, err := s.FindRefresh(ctx, "fp-1")
	require.NoError(t, err)
	require.Equal(t, int64(42), got.PrincipalID)
	require.Equal(t, "google", got.Provider)
	require.True(t, got.ExpiresAt.Equal(rec.ExpiresAt))
	require.True(t, got.CreatedAt.Equal(rec.CreatedAt))
	require.False(t, got.Revoked)

	won, err := s.RevokeRefresh(ctx, "fp-1")
	require.NoError(t, err)
	require.True(t, won)

	won, err = s.RevokeRefresh(ctx, "fp-1")
	require.NoError(t, err)
	require.False(t, won)

	got, err = s.FindRefresh(ctx, "fp-1")
	require.NoError(t, err)
	require.True(t, got.Revoked)

	won, err = s.RevokeRefresh(ctx, "missing")
	require.NoError(t, err)
	require.False(t, won)

	_, err = s.FindRefresh(ctx, "missing")
	require.ErrorIs(t, err, auth.ErrNotFound)
}

func TestRevokeAllRefreshFiltersProvider(t *testing.T) {
	s, _ := newStore(t)
	ctx := context.Background()
	now := time.Now().UTC()

	for fp, provider := range map[string]string{"a": "local", "b": "google", "c": "google"} {
		require.NoError(t, s.CreateRefresh(ctx, auth.RefreshRecord{
			Fingerprint: fp, PrincipalID: 7, Provider: provider,
			ExpiresAt: now.Add(time.Hour), CreatedAt: now,
		}))
	}

	n, err := s.RevokeAllRefresh(ctx, 7, "google")
	require.NoError(t, err)
	require.Equal(t, 2, n)

	local, err := s.FindRefresh(ctx, "a")
	require.NoError(t, err)
	require.False(t, local.Revoked)

	n, err = s.RevokeAllRefresh(ctx, 7, "")
	require.NoError(t, err)
	require.Equal(t, 1, n)
}

func TestRotateRefreshSwapsRecords(t *testing.T) {
	s, _ := newStore(t)
	ctx := context.Background()
	now := time.Now().UTC().Truncate(time.Second)
	rec := func(fp string) auth.RefreshRecord {
		return auth.RefreshRecord{
			Fingerprint: fp, PrincipalID: 9, Provider: "local",
			ExpiresAt: now.Add(time.Hour), CreatedAt: now,
		}
	}
	require.NoError(t, s.CreateRefresh(ctx, rec("old")))

	won, err := s.RotateRefresh(ctx, "old", rec("new"))
	require.NoError(t, err)
	require.True(t, won)

	old, err := s.FindRefresh(ctx, "old")
	require.NoError(t, err)
	require.True(t, old.Revoked)
	next, err := s.FindRefresh(ctx, "new")
	require.NoError(t, err)
	require.False(t, next.Revoked)
	require.Equal(t, int64(9), next.PrincipalID)
	require.True(t, next.ExpiresAt.Equal(now.Add(time.Hour)))

	// A retired or unknown predecessor writes nothing.
	won, err = s.RotateRefresh(ctx, "old", rec("late"))
	require.NoError(t, err)
	require.False(t, won)
	_, err = s.FindRefresh(ctx, "late")
	require.ErrorIs(t, err, auth.ErrNotFound)

	won, err = s.RotateRefresh(ctx, "missing", rec("orphan"))
	require.NoError(t, err)
	require.False(t, won)

	// The successor is indexed for bulk revocation.
	n, err := s.RevokeAllRefresh(ctx, 9, "")
	require.NoError(t, err)
	require.Equal(t, 1, n)
}
