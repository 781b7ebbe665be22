package ratelimit

import (
	"context"
	"fmt"
	"time"

	"github.com/bwmarrin/snowflake"
	redis "github.com/redis/go-redis/v9"
	"github.com/smallbiznis/melodia/internal/config"
)

const (
	keyCreateBucket = "melodia:rl:create:%s"
	keyCreateLock   = "melodia:lock:create:%s"

	createLockTTL = 30 * time.Second
)

// CreationLimiter guards request creation per user: a token bucket bounds
// the rate and a short lock serializes concurrent submissions. A nil
// limiter allows everything.
type CreationLimiter struct {
	bucket *TokenBucket
	locker *Locker
	rate   float64
	burst  int
}

func NewCreationLimiter(cfg config.Config, client *redis.Client) *CreationLimiter {
	if client == nil {
		return nil
	}
	return &CreationLimiter{
		bucket: NewTokenBucket(client),
		locker: NewLocker(client),
		rate:   cfg.CreateRatePerSec,
		burst:  cfg.CreateRateBurst,
	}
}

func (l *CreationLimiter) Enabled() bool {
	return l != nil
}

func (l *CreationLimiter) Allow(ctx context.Context, userID snowflake.ID) (*RateLimitResult, error) {
	if !l.Enabled() || l.rate <= 0 || l.burst <= 0 {
		return &RateLimitResult{Allowed: true}, nil
	}
	return l.bucket.Allow(ctx, fmt.Sprintf(keyCreateBucket, userID), l.rate, l.burst)
}

// WithUserLock runs fn while holding the user's creation lock.
func (l *CreationLimiter) WithUserLock(ctx context.Context, userID snowflake.ID, fn func(ctx context.Context) error) error {
	if !l.Enabled() {
		return fn(ctx)
	}
	return l.locker.WithLock(ctx, fmt.Sprintf(keyCreateLock, userID), createLockTTL, fn)
}
