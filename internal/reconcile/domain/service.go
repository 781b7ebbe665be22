package domain

import (
	"context"
	"time"

	"github.com/bwmarrin/snowflake"
	generationdomain "github.com/smallbiznis/melodia/internal/generation/domain"
	"gorm.io/gorm"
)

// StatusFetcher queries the provider for one task.
type StatusFetcher interface {
	FetchStatus(ctx context.Context, externalTaskID string) (*StatusUpdate, error)
}

// SongCreatedHandler is notified once per newly written song.
type SongCreatedHandler interface {
	OnSongCreated(ctx context.Context, songID snowflake.ID) error
}

// FailureHandler is notified when a task fails for good.
type FailureHandler interface {
	OnTaskFailed(ctx context.Context, task *generationdomain.Task, reason string) error
}

type Service interface {
	// PollOnce never calls the provider for a task in a terminal status.
	PollOnce(ctx context.Context, taskID snowflake.ID) (generationdomain.Status, error)
	OnStatusPushed(ctx context.Context, update StatusUpdate) (generationdomain.Status, error)
	// ListDueTasks leases due tasks to the caller so concurrent pollers do
	// not pick the same rows.
	ListDueTasks(ctx context.Context, now time.Time, limit int) ([]generationdomain.Task, error)
}

type Repository interface {
	FindTask(ctx context.Context, db *gorm.DB, id snowflake.ID) (*generationdomain.Task, error)
	FindTaskByExternalID(ctx context.Context, db *gorm.DB, externalID string) (*generationdomain.Task, error)
	LockTask(ctx context.Context, db *gorm.DB, id snowflake.ID) (*generationdomain.Task, error)
	// RecordExternalID sets the external id only while none is recorded.
	RecordExternalID(ctx context.Context, db *gorm.DB, id snowflake.ID, externalID string) (bool, error)
	// LockDueTasks selects pollable tasks with FOR UPDATE SKIP LOCKED; call
	// it inside a transaction.
	LockDueTasks(ctx context.Context, db *gorm.DB, now time.Time, limit int) ([]generationdomain.Task, error)
	LeaseTasks(ctx context.Context, db *gorm.DB, ids []snowflake.ID, until time.Time) error
	InsertSongIfAbsent(ctx context.Context, db *gorm.DB, song *generationdomain.Song) (bool, error)
	FindSongByExternalID(ctx context.Context, db *gorm.DB, externalID string) (*generationdomain.Song, error)
	SaveTaskStatus(ctx context.Context, db *gorm.DB, task *generationdomain.Task) error
	RequestFlags(ctx context.Context, db *gorm.DB, requestID snowflake.ID) (hasDedication bool, donation int64, err error)
}
