package domain

import (
	"context"
	"time"

	"github.com/bwmarrin/snowflake"
	generationdomain "github.com/smallbiznis/melodia/internal/generation/domain"
	"gorm.io/gorm"
)

// Provider starts a generation job and returns its external handle.
type Provider interface {
	StartGeneration(ctx context.Context, req StartRequest) (string, error)
}

type Service interface {
	// Enqueue creates the task, starts the provider job within the dispatch
	// deadline and attaches the task to the request.
	Enqueue(ctx context.Context, req EnqueueRequest) (snowflake.ID, error)
}

// RetryableError is implemented by provider errors that may succeed on a
// later attempt.
type RetryableError interface {
	Retryable() bool
}

type Repository interface {
	FindByRequest(ctx context.Context, db *gorm.DB, requestID snowflake.ID) (*generationdomain.Task, error)
	Insert(ctx context.Context, db *gorm.DB, task *generationdomain.Task) error
	SetExternalID(ctx context.Context, db *gorm.DB, taskID snowflake.ID, externalID string, nextPollAt, now time.Time) (bool, error)
	MarkFailed(ctx context.Context, db *gorm.DB, taskID snowflake.ID, reason string, now time.Time) (bool, error)
}
