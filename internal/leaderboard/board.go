// Package leaderboard serves ranked period boards. Redis sorted sets mirror
// the stat_buckets table; the table stays authoritative and is read directly
// when redis is disabled or a board has not been mirrored yet.
package leaderboard

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/bwmarrin/snowflake"
	redis "github.com/redis/go-redis/v9"
	"github.com/smallbiznis/melodia/internal/cache"
	fanoutdomain "github.com/smallbiznis/melodia/internal/fanout/domain"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const (
	defaultLimit = 10
	maxLimit     = 100
	fallbackTTL  = 30 * time.Second
	keyPrefix    = "melodia:lb"
)

var (
	ErrInvalidPeriod = errors.New("invalid_period")
	ErrInvalidStat   = errors.New("invalid_stat")
	ErrInvalidKey    = errors.New("invalid_period_key")
)

type Entry struct {
	Rank   int          `json:"rank"`
	UserID snowflake.ID `json:"user_id"`
	Score  int64        `json:"score"`
}

type Params struct {
	fx.In

	DB     *gorm.DB
	Log    *zap.Logger
	Repo   fanoutdomain.Repository
	Client *redis.Client `optional:"true"`
}

type Board struct {
	db     *gorm.DB
	log    *zap.Logger
	repo   fanoutdomain.Repository
	client *redis.Client
	cache  *cache.Cache[[]Entry]
}

func New(p Params) *Board {
	return &Board{
		db:     p.DB,
		log:    p.Log.Named("leaderboard"),
		repo:   p.Repo,
		client: p.Client,
		cache:  cache.NewTTLCache[[]Entry](fallbackTTL),
	}
}

// Key is the redis sorted set holding one board.
func Key(period fanoutdomain.PeriodType, periodKey string, stat fanoutdomain.StatName) string {
	return fmt.Sprintf("%s:%s:%s:%s", keyPrefix, period, periodKey, stat)
}

// retention keeps a board around for a while after its period closes.
func retention(period fanoutdomain.PeriodType) time.Duration {
	switch period {
	case fanoutdomain.PeriodDay:
		return 8 * 24 * time.Hour
	case fanoutdomain.PeriodWeek:
		return 60 * 24 * time.Hour
	case fanoutdomain.PeriodMonth:
		return 400 * 24 * time.Hour
	}
	return 0
}

// Apply mirrors committed bucket increments into the sorted sets.
func (b *Board) Apply(ctx context.Context, increments []fanoutdomain.Increment) error {
	for _, inc := range increments {
		b.cache.DeletePrefix(cache.Key(string(inc.PeriodType), inc.PeriodKey, string(inc.StatName)))
	}
	if b.client == nil || len(increments) == 0 {
		return nil
	}

	_, err := b.client.Pipelined(ctx, func(pipe redis.Pipeliner) error {
		for _, inc := range increments {
			key := Key(inc.PeriodType, inc.PeriodKey, inc.StatName)
			pipe.ZIncrBy(ctx, key, float64(inc.Delta), inc.UserID.String())
			if ttl := retention(inc.PeriodType); ttl > 0 {
				pipe.Expire(ctx, key, ttl)
			}
		}
		return nil
	})
	return err
}

// Top returns the highest scoring users of a board, best first. Ties keep
// the lower user id first on the database path.
func (b *Board) Top(ctx context.Context, period fanoutdomain.PeriodType, periodKey string, stat fanoutdomain.StatName, limit int) ([]Entry, error) {
	if err := validate(period, periodKey, stat); err != nil {
		return nil, err
	}
	if limit <= 0 {
		limit = defaultLimit
	}
	if limit > maxLimit {
		limit = maxLimit
	}

	if b.client != nil {
		entries, err := b.topFromRedis(ctx, Key(period, periodKey, stat), limit)
		switch {
		case err != nil:
			b.log.Warn("leaderboard redis read failed, using database",
				zap.String("period", string(period)),
				zap.String("period_key", periodKey),
				zap.Error(err),
			)
		case len(entries) > 0:
			return entries, nil
		}
	}

	cacheKey := cache.Key(string(period), periodKey, string(stat), strconv.Itoa(limit))
	if entries, ok := b.cache.Get(cacheKey); ok {
		return entries, nil
	}
	buckets, err := b.repo.TopBuckets(ctx, b.db, period, periodKey, stat, limit)
	if err != nil {
		return nil, err
	}
	entries := toEntries(buckets)
	b.cache.Set(cacheKey, entries)
	return entries, nil
}

func (b *Board) topFromRedis(ctx context.Context, key string, limit int) ([]Entry, error) {
	members, err := b.client.ZRevRangeWithScores(ctx, key, 0, int64(limit-1)).Result()
	if err != nil {
		return nil, err
	}
	entries := make([]Entry, 0, len(members))
	for i, member := range members {
		raw, ok := member.Member.(string)
		if !ok {
			continue
		}
		userID, err := snowflake.ParseString(raw)
		if err != nil {
			continue
		}
		entries = append(entries, Entry{Rank: i + 1, UserID: userID, Score: int64(member.Score)})
	}
	return entries, nil
}

// Rebuild replaces a board's sorted set with the table contents and returns
// the number of members written.
func (b *Board) Rebuild(ctx context.Context, period fanoutdomain.PeriodType, periodKey string, stat fanoutdomain.StatName) (int, error) {
	if err := validate(period, periodKey, stat); err != nil {
		return 0, err
	}
	b.cache.DeletePrefix(cache.Key(string(period), periodKey, string(stat)))
	if b.client == nil {
		return 0, nil
	}

	buckets, err := b.repo.TopBuckets(ctx, b.db, period, periodKey, stat, 0)
	if err != nil {
		return 0, err
	}

	key := Key(period, periodKey, stat)
	_, err = b.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Del(ctx, key)
		if len(buckets) == 0 {
			return nil
		}
		members := make([]redis.Z, 0, len(buckets))
		for _, bucket := range buckets {
			members = append(members, redis.Z{Score: float64(bucket.Count), Member: bucket.UserID.String()})
		}
		pipe.ZAdd(ctx, key, members...)
		if ttl := retention(period); ttl > 0 {
			pipe.Expire(ctx, key, ttl)
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	return len(buckets), nil
}

// RebuildCurrent rebuilds every board of the periods containing now.
func (b *Board) RebuildCurrent(ctx context.Context, now time.Time) (int, error) {
	keys := fanoutdomain.KeysFor(now)
	var (
		total int
		errs  []error
	)
	for _, period := range fanoutdomain.PeriodTypes {
		for _, stat := range fanoutdomain.StatNames {
			n, err := b.Rebuild(ctx, period, keys.Key(period), stat)
			if err != nil {
				errs = append(errs, fmt.Errorf("%s/%s: %w", period, stat, err))
				continue
			}
			total += n
		}
	}
	return total, errors.Join(errs...)
}

func validate(period fanoutdomain.PeriodType, periodKey string, stat fanoutdomain.StatName) error {
	if !period.Valid() {
		return ErrInvalidPeriod
	}
	if !stat.Valid() {
		return ErrInvalidStat
	}
	if periodKey == "" {
		return ErrInvalidKey
	}
	return nil
}

func toEntries(buckets []fanoutdomain.StatBucket) []Entry {
	entries := make([]Entry, 0, len(buckets))
	for i, bucket := range buckets {
		entries = append(entries, Entry{Rank: i + 1, UserID: bucket.UserID, Score: bucket.Count})
	}
	return entries
}
