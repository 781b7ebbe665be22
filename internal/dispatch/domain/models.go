package domain

import (
	"time"

	"github.com/bwmarrin/snowflake"
	generationdomain "github.com/smallbiznis/melodia/internal/generation/domain"
)

type EnqueueRequest struct {
	UserID           snowflake.ID
	RequestID        snowflake.ID
	Params           generationdomain.Input
	ScheduleDelay    time.Duration
	DispatchDeadline time.Duration
}

// StartRequest is what the provider receives. CallbackURL is empty when
// the provider should only be polled.
type StartRequest struct {
	TaskID      snowflake.ID
	Params      generationdomain.Input
	CallbackURL string
}
