package domain

import (
	"context"
	"time"

	"github.com/bwmarrin/snowflake"
	generationdomain "github.com/smallbiznis/melodia/internal/generation/domain"
	"gorm.io/gorm"
)

// Service applies the aggregates of a new song exactly once per song id.
type Service interface {
	OnSongCreated(ctx context.Context, songID snowflake.ID) (Result, error)
	UserStats(ctx context.Context, userID snowflake.ID) (*UserStats, error)
}

// Mirror receives applied increments after commit. It is rebuildable, so
// failures are only logged.
type Mirror interface {
	Apply(ctx context.Context, increments []Increment) error
}

type Repository interface {
	FindSong(ctx context.Context, db *gorm.DB, id snowflake.ID) (*generationdomain.Song, error)
	FindTask(ctx context.Context, db *gorm.DB, id snowflake.ID) (*generationdomain.Task, error)
	UserExists(ctx context.Context, db *gorm.DB, id snowflake.ID) (bool, error)
	InsertReceipt(ctx context.Context, db *gorm.DB, receipt *Receipt) (bool, error)
	LockTask(ctx context.Context, db *gorm.DB, id snowflake.ID) (*generationdomain.Task, error)
	CompleteTask(ctx context.Context, db *gorm.DB, task *generationdomain.Task, now time.Time) error
	IncrementUserStats(ctx context.Context, db *gorm.DB, userID snowflake.ID, dedications, donations int64, now time.Time) error
	UpsertBucket(ctx context.Context, db *gorm.DB, inc Increment, now time.Time) error
	UserStats(ctx context.Context, db *gorm.DB, userID snowflake.ID) (*UserStats, error)
	// TopBuckets returns all buckets of the board when limit <= 0.
	TopBuckets(ctx context.Context, db *gorm.DB, period PeriodType, key string, stat StatName, limit int) ([]StatBucket, error)
}
