package domain

import (
	"time"

	"github.com/bwmarrin/snowflake"
	"gorm.io/datatypes"
)

// EventRecord is a received gateway webhook. (Provider, ProviderEventID) is
// unique; ProcessedAt is set once the event was applied.
type EventRecord struct {
	ID              snowflake.ID   `json:"id" gorm:"primaryKey"`
	Provider        string         `json:"provider" gorm:"type:text;not null"`
	ProviderEventID string         `json:"provider_event_id" gorm:"type:text;not null"`
	EventType       string         `json:"event_type" gorm:"type:text;not null"`
	RequestID       *snowflake.ID  `json:"request_id"`
	UserID          *snowflake.ID  `json:"user_id"`
	Payload         datatypes.JSON `json:"payload" gorm:"type:jsonb;not null"`
	ReceivedAt      time.Time      `json:"received_at" gorm:"not null"`
	ProcessedAt     *time.Time     `json:"processed_at"`
}

func (EventRecord) TableName() string { return "payment_events" }

const (
	EventTypeCheckoutCompleted   = "checkout_completed"
	EventTypeCheckoutExpired     = "checkout_expired"
	EventTypePaymentFailed       = "payment_failed"
	EventTypeSubscriptionRenewed = "subscription_renewed"
)

type Outcome string

const (
	OutcomeSuccess Outcome = "success"
	OutcomeFailed  Outcome = "failed"
	OutcomeNone    Outcome = ""
)

// PaymentEvent is the canonical payment event parsed by adapters.
type PaymentEvent struct {
	Provider        string
	ProviderEventID string
	Type            string
	Outcome         Outcome
	RequestID       snowflake.ID
	UserID          snowflake.ID
	SessionID       string
	Reason          string
	// PeriodStart is the subscription period a renewal covers.
	PeriodStart time.Time
	OccurredAt  time.Time
	RawPayload  []byte
}

type AdapterConfig struct {
	Provider string
	Config   map[string]any
}

type LineItem struct {
	Code        string
	Description string
	Amount      int64
}

type CheckoutRequest struct {
	RequestID  snowflake.ID
	UserID     snowflake.ID
	CustomerID string
	Breakdown  []LineItem
	Currency   string
}

func (r CheckoutRequest) Total() int64 {
	var total int64
	for _, item := range r.Breakdown {
		total += item.Amount
	}
	return total
}

type CheckoutSession struct {
	SessionID string
	URL       string
}
