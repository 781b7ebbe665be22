package domain

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
	"gorm.io/datatypes"
)

type SongPaymentType string

const (
	SongPaymentCredit               SongPaymentType = "credit"
	SongPaymentSubscriptionDiscount SongPaymentType = "subscription_discount"
	SongPaymentOnetime              SongPaymentType = "onetime"
)

type AddOnPaymentType string

const (
	AddOnNoPayment AddOnPaymentType = "no_payment"
	AddOnOnetime   AddOnPaymentType = "onetime"
)

type PaymentStatus string

const (
	PaymentPending PaymentStatus = "pending"
	PaymentSuccess PaymentStatus = "success"
	PaymentFailed  PaymentStatus = "failed"
)

// Status is the client-facing request status.
type Status string

const (
	StatusProcessing Status = "processing"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
)

type TaskStatus string

const (
	TaskProcessing TaskStatus = "processing"
	TaskPartial    TaskStatus = "partial"
	TaskCompleted  TaskStatus = "completed"
	TaskFailed     TaskStatus = "failed"
)

func (s TaskStatus) IsTerminal() bool {
	return s == TaskCompleted || s == TaskFailed
}

type Dedication struct {
	Recipient string `json:"recipient"`
	Message   string `json:"message,omitempty"`
}

// Input holds the generation parameters submitted by the user. Donation
// amounts are minor units.
type Input struct {
	Prompt         string      `json:"prompt"`
	Title          string      `json:"title,omitempty"`
	Style          string      `json:"style,omitempty"`
	Lyrics         string      `json:"lyrics,omitempty"`
	Instrumental   bool        `json:"instrumental,omitempty"`
	Dedication     *Dedication `json:"dedication,omitempty"`
	DonationAmount int64       `json:"donation_amount,omitempty"`
}

func (in Input) HasDedication() bool {
	return in.Dedication != nil && strings.TrimSpace(in.Dedication.Recipient) != ""
}

// Request is one user submission and the unit of payment.
type Request struct {
	ID                      snowflake.ID     `gorm:"primaryKey" json:"id"`
	UserID                  snowflake.ID     `json:"user_id"`
	UserGenerationInput     datatypes.JSON   `json:"user_generation_input"`
	SongPaymentType         SongPaymentType  `json:"song_payment_type"`
	DedicationPaymentType   AddOnPaymentType `json:"dedication_payment_type"`
	AruncaCuBaniPaymentType AddOnPaymentType `json:"arunca_cu_bani_payment_type"`
	AruncaCuBaniAmountToPay int64            `json:"arunca_cu_bani_amount_to_pay"`
	CreditsSpent            int64            `json:"credits_spent"`
	AmountTotal             int64            `json:"amount_total"`
	Currency                string           `json:"currency"`
	PaymentStatus           PaymentStatus    `json:"payment_status"`
	PaymentSessionID        *string          `json:"payment_session_id,omitempty"`
	CheckoutURL             *string          `json:"checkout_url,omitempty"`
	TaskID                  *snowflake.ID    `json:"task_id,omitempty"`
	DispatchClaimedAt       *time.Time       `json:"dispatch_claimed_at,omitempty"`
	Error                   *string          `json:"error,omitempty"`
	CreatedAt               time.Time        `json:"created_at"`
	UpdatedAt               time.Time        `json:"updated_at"`
}

func (Request) TableName() string { return "generation_requests" }

// Input decodes the stored generation parameters.
func (r *Request) Input() (Input, error) {
	var in Input
	if len(r.UserGenerationInput) == 0 {
		return in, ErrInvalidInput
	}
	if err := json.Unmarshal(r.UserGenerationInput, &in); err != nil {
		return in, fmt.Errorf("%w: %v", ErrInvalidInput, err)
	}
	return in, nil
}

// Task tracks one dispatched provider job. SongIDs is append-only.
type Task struct {
	ID                 snowflake.ID `gorm:"primaryKey"`
	UserID             snowflake.ID
	RequestID          snowflake.ID
	ExternalID         *string
	Status             TaskStatus
	SongIDs            datatypes.JSONSlice[snowflake.ID] `gorm:"column:song_ids"`
	NextPollAt         *time.Time
	PollAttempts       int
	DispatchDeadlineAt *time.Time
	Error              *string
	CreatedAt          time.Time
	UpdatedAt          time.Time
}

func (Task) TableName() string { return "generate_song_tasks" }

// TaskErrDispatchDeadline is the error recorded on a task whose start call
// outlived the dispatch deadline. Only such a task accepts a late result.
const TaskErrDispatchDeadline = "dispatch deadline exceeded"

func (t *Task) FailedOnDispatchDeadline() bool {
	return t.Status == TaskFailed && t.Error != nil && *t.Error == TaskErrDispatchDeadline
}

func (t *Task) HasSong(id snowflake.ID) bool {
	for _, existing := range t.SongIDs {
		if existing == id {
			return true
		}
	}
	return false
}

// Song is one generated artifact. Rows are immutable apart from StorageURL,
// which is written at most once.
type Song struct {
	ID             snowflake.ID `gorm:"primaryKey" json:"id"`
	ExternalID     string       `json:"external_id"`
	TaskID         snowflake.ID `json:"task_id"`
	ExternalTaskID string       `json:"external_task_id"`
	UserID         snowflake.ID `json:"user_id"`
	AudioURL       string       `json:"audio_url"`
	StreamAudioURL string       `json:"stream_audio_url"`
	ImageURL       string       `json:"image_url"`
	StorageURL     *string      `json:"storage_url,omitempty"`
	Prompt         string       `json:"prompt"`
	ModelName      string       `json:"model_name"`
	Title          string       `json:"title"`
	Tags           string       `json:"tags"`
	Duration       float64      `json:"duration"`
	CreateTime     *time.Time   `json:"create_time,omitempty"`
	HasDedication  bool         `json:"has_dedication"`
	DonationValue  int64        `json:"donation_value"`
	CreatedAt      time.Time    `json:"created_at"`
}

func (Song) TableName() string { return "songs" }

type CreateRequest struct {
	UserID snowflake.ID
	Input  Input
}

type CreateResult struct {
	RequestID     snowflake.ID  `json:"request_id"`
	PaymentStatus PaymentStatus `json:"payment_status"`
	CheckoutURL   string        `json:"checkout_url,omitempty"`
	SessionID     string        `json:"session_id,omitempty"`
}

// Transition reports a conditional payment status write. Changed is true
// only for the write that moved the request out of pending.
type Transition struct {
	Changed bool
	Request *Request
}

type SongView struct {
	ID             string  `json:"id"`
	Title          string  `json:"title"`
	AudioURL       string  `json:"audio_url"`
	StreamAudioURL string  `json:"stream_audio_url,omitempty"`
	ImageURL       string  `json:"image_url,omitempty"`
	StorageURL     string  `json:"storage_url,omitempty"`
	Duration       float64 `json:"duration"`
}

type StatusView struct {
	Status Status     `json:"status"`
	Songs  []SongView `json:"songs,omitempty"`
	Error  string     `json:"error,omitempty"`
}

type ListRequest struct {
	UserID    snowflake.ID
	PageToken string
	PageSize  int
}

type ListResponse struct {
	Requests      []Request `json:"requests"`
	NextPageToken string    `json:"next_page_token,omitempty"`
	HasMore       bool      `json:"has_more"`
}
