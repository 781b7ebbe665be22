package domain

import (
	"context"
	"time"

	"github.com/bwmarrin/snowflake"
	"gorm.io/gorm"
)

// Service owns the request state machine. Payment status only moves
// pending->success or pending->failed; MarkFailed is the terminal exit used
// after a credit spend.
type Service interface {
	Create(ctx context.Context, req CreateRequest) (*CreateResult, error)
	MarkPaymentSuccess(ctx context.Context, requestID snowflake.ID) (Transition, error)
	MarkPaymentFailed(ctx context.Context, requestID snowflake.ID, reason string) (Transition, error)
	MarkFailed(ctx context.Context, requestID snowflake.ID, reason string) error
	ClaimDispatch(ctx context.Context, requestID snowflake.ID) (bool, error)
	// ReclaimDispatch takes over a claim that is older than staleBefore and
	// never produced a task.
	ReclaimDispatch(ctx context.Context, requestID snowflake.ID, staleBefore time.Time) (bool, error)
	AttachTask(ctx context.Context, requestID, taskID snowflake.ID) error
	Get(ctx context.Context, requestID snowflake.ID) (*Request, error)
	Status(ctx context.Context, requestID, userID snowflake.ID) (*StatusView, error)
	List(ctx context.Context, req ListRequest) (*ListResponse, error)
	ListStaleUndispatched(ctx context.Context, olderThan time.Time, limit int) ([]Request, error)
}

type Repository interface {
	Insert(ctx context.Context, db *gorm.DB, req *Request) error
	FindByID(ctx context.Context, db *gorm.DB, id snowflake.ID) (*Request, error)
	SetCheckout(ctx context.Context, db *gorm.DB, id snowflake.ID, sessionID, checkoutURL string, now time.Time) error
	TransitionPayment(ctx context.Context, db *gorm.DB, id snowflake.ID, to PaymentStatus, reason *string, now time.Time) (bool, error)
	MarkFailed(ctx context.Context, db *gorm.DB, id snowflake.ID, reason string, now time.Time) (bool, error)
	ClaimDispatch(ctx context.Context, db *gorm.DB, id snowflake.ID, now time.Time) (bool, error)
	ReclaimDispatch(ctx context.Context, db *gorm.DB, id snowflake.ID, staleBefore, now time.Time) (bool, error)
	AttachTask(ctx context.Context, db *gorm.DB, id, taskID snowflake.ID, now time.Time) (bool, error)
	ListByUser(ctx context.Context, db *gorm.DB, userID snowflake.ID, beforeID snowflake.ID, limit int) ([]Request, error)
	ListStaleUndispatched(ctx context.Context, db *gorm.DB, olderThan time.Time, limit int) ([]Request, error)
	FindTaskByRequest(ctx context.Context, db *gorm.DB, requestID snowflake.ID) (*Task, error)
	ListSongs(ctx context.Context, db *gorm.DB, ids []snowflake.ID) ([]Song, error)
}
