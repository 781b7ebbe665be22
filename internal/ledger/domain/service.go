package domain

import (
	"context"
	"time"

	"github.com/bwmarrin/snowflake"
	"gorm.io/gorm"
)

// Service mutates user credit balances. Every mutation is a locked
// read-modify-write of the user row plus one Entry.
type Service interface {
	Spend(ctx context.Context, userID snowflake.ID, amount int64, sourceID string) (SpendResult, error)
	// SpendTx joins the caller's transaction and does not retry.
	SpendTx(ctx context.Context, tx *gorm.DB, userID snowflake.ID, amount int64, sourceID string) (SpendResult, error)
	Refund(ctx context.Context, userID snowflake.ID, amount int64, sourceID string) (int64, error)
	// GrantIfAbsent credits amount once per period marker. Replays of the
	// same or an older marker are no-ops.
	GrantIfAbsent(ctx context.Context, userID snowflake.ID, periodMarker time.Time, amount int64) (GrantResult, error)
	Balance(ctx context.Context, userID snowflake.ID) (int64, error)
	Account(ctx context.Context, userID snowflake.ID) (*Account, error)
	Entries(ctx context.Context, userID snowflake.ID, limit int) ([]Entry, error)
}
