package ratelimit

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/bwmarrin/snowflake"
	redis "github.com/redis/go-redis/v9"
	"github.com/smallbiznis/melodia/internal/config"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newClient(t *testing.T) (*redis.Client, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return client, mr
}

func TestTokenBucketBurst(t *testing.T) {
	client, _ := newClient(t)
	bucket := NewTokenBucket(client)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		res, err := bucket.Allow(ctx, "bucket:a", 0.01, 3)
		require.NoError(t, err)
		assert.True(t, res.Allowed, "request %d", i)
		assert.Equal(t, 3, res.Limit)
	}

	res, err := bucket.Allow(ctx, "bucket:a", 0.01, 3)
	require.NoError(t, err)
	assert.False(t, res.Allowed)
	assert.Greater(t, res.RetryAfter, time.Duration(0))

	res, err = bucket.Allow(ctx, "bucket:b", 0.01, 3)
	require.NoError(t, err)
	assert.True(t, res.Allowed, "buckets are per key")
}

func TestTokenBucketValidation(t *testing.T) {
	client, _ := newClient(t)
	bucket := NewTokenBucket(client)

	_, err := bucket.Allow(context.Background(), "", 1, 1)
	assert.Error(t, err)
	_, err = bucket.Allow(context.Background(), "k", 0, 1)
	assert.Error(t, err)

	var nilBucket *TokenBucket
	_, err = nilBucket.Allow(context.Background(), "k", 1, 1)
	assert.ErrorIs(t, err, ErrNotConfigured)
}

func TestLockerExclusive(t *testing.T) {
	client, mr := newClient(t)
	locker := NewLocker(client)
	ctx := context.Background()

	token, ok, err := locker.TryLock(ctx, "lock:a", time.Minute)
	require.NoError(t, err)
	require.True(t, ok)

	_, ok, err = locker.TryLock(ctx, "lock:a", time.Minute)
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, locker.Release(ctx, "lock:a", "someone-else"))
	assert.True(t, mr.Exists("lock:a"), "foreign token must not release")

	require.NoError(t, locker.Release(ctx, "lock:a", token))
	assert.False(t, mr.Exists("lock:a"))
}

func TestWithLock(t *testing.T) {
	client, mr := newClient(t)
	locker := NewLocker(client)
	ctx := context.Background()

	errInner := errors.New("inner")
	err := locker.WithLock(ctx, "lock:b", time.Minute, func(ctx context.Context) error {
		assert.True(t, mr.Exists("lock:b"))

		nested := locker.WithLock(ctx, "lock:b", time.Minute, func(context.Context) error { return nil })
		assert.ErrorIs(t, nested, ErrLockHeld)
		return errInner
	})
	assert.ErrorIs(t, err, errInner)
	assert.False(t, mr.Exists("lock:b"))
}

func TestCreationLimiterNilAllowsAll(t *testing.T) {
	limiter := NewCreationLimiter(config.Config{CreateRatePerSec: 1, CreateRateBurst: 1}, nil)
	assert.Nil(t, limiter)
	assert.False(t, limiter.Enabled())

	res, err := limiter.Allow(context.Background(), snowflake.ID(1))
	require.NoError(t, err)
	assert.True(t, res.Allowed)

	called := false
	require.NoError(t, limiter.WithUserLock(context.Background(), snowflake.ID(1), func(context.Context) error {
		called = true
		return nil
	}))
	assert.True(t, called)
}

func TestCreationLimiterPerUser(t *testing.T) {
	client, _ := newClient(t)
	limiter := NewCreationLimiter(config.Config{CreateRatePerSec: 0.001, CreateRateBurst: 1}, client)
	ctx := context.Background()

	res, err := limiter.Allow(ctx, snowflake.ID(1))
	require.NoError(t, err)
	assert.True(t, res.Allowed)

	res, err = limiter.Allow(ctx, snowflake.ID(1))
	require.NoError(t, err)
	assert.False(t, res.Allowed)

	res, err = limiter.Allow(ctx, snowflake.ID(2))
	require.NoError(t, err)
	assert.True(t, res.Allowed)
}
