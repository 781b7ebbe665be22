package domain

import (
	"time"

	"github.com/bwmarrin/snowflake"
)

type SourceType string

const (
	SourceTypeSpend             SourceType = "spend"
	SourceTypeRefund            SourceType = "refund"
	SourceTypeSubscriptionGrant SourceType = "subscription_grant"
)

// Entry is one applied balance delta. (UserID, SourceType, SourceID) is
// unique, which makes every mutation idempotent per source.
type Entry struct {
	ID           snowflake.ID `gorm:"primaryKey"`
	UserID       snowflake.ID
	SourceType   SourceType
	SourceID     string
	Delta        int64
	BalanceAfter int64
	CreatedAt    time.Time
}

func (Entry) TableName() string { return "credit_ledger_entries" }

// Account is the ledger view of a user row.
type Account struct {
	ID                       snowflake.ID
	CustomerID               *string
	CreditsBalance           int64
	LastSubPeriodCreditGrant *time.Time
	SubscriptionActive       bool
}

func (Account) TableName() string { return "users" }

type SpendResult struct {
	NewBalance int64
	// Replayed is true when the same source was already charged.
	Replayed bool
}

type GrantResult struct {
	Granted    bool
	NewBalance int64
}
