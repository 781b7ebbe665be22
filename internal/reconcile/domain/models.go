package domain

import (
	"time"

	"github.com/bwmarrin/snowflake"
	generationdomain "github.com/smallbiznis/melodia/internal/generation/domain"
)

// Provider status vocabulary.
const (
	ProviderPending             = "PENDING"
	ProviderTextSuccess         = "TEXT_SUCCESS"
	ProviderFirstSuccess        = "FIRST_SUCCESS"
	ProviderSuccess             = "SUCCESS"
	ProviderCreateTaskFailed    = "CREATE_TASK_FAILED"
	ProviderGenerateAudioFailed = "GENERATE_AUDIO_FAILED"
	ProviderCallbackException   = "CALLBACK_EXCEPTION"
	ProviderSensitiveWordError  = "SENSITIVE_WORD_ERROR"
)

// Track is one generated song as reported by the provider.
type Track struct {
	ID             string
	AudioURL       string
	StreamAudioURL string
	ImageURL       string
	Prompt         string
	ModelName      string
	Title          string
	Tags           string
	Duration       float64
	CreateTime     *time.Time
}

// StatusUpdate is a provider status observation, polled or pushed.
type StatusUpdate struct {
	ExternalTaskID string
	// TaskID is the internal task id carried by the callback URL. It finds
	// the task when its external id was never recorded.
	TaskID         snowflake.ID
	Status         string
	Tracks         []Track
	ErrorMessage   string
}

type Mapping struct {
	Status generationdomain.Status
	// TaskStatus is the task row status the observation maps to.
	TaskStatus generationdomain.TaskStatus
	Known      bool
}

// MapProviderStatus maps the provider vocabulary onto the internal one.
// Unknown values stay processing and are never treated as completed.
func MapProviderStatus(status string) Mapping {
	switch status {
	case ProviderSuccess:
		return Mapping{Status: generationdomain.StatusCompleted, TaskStatus: generationdomain.TaskCompleted, Known: true}
	case ProviderCreateTaskFailed, ProviderGenerateAudioFailed, ProviderCallbackException, ProviderSensitiveWordError:
		return Mapping{Status: generationdomain.StatusFailed, TaskStatus: generationdomain.TaskFailed, Known: true}
	case ProviderFirstSuccess:
		return Mapping{Status: generationdomain.StatusProcessing, TaskStatus: generationdomain.TaskPartial, Known: true}
	case ProviderPending, ProviderTextSuccess:
		return Mapping{Status: generationdomain.StatusProcessing, TaskStatus: generationdomain.TaskProcessing, Known: true}
	default:
		return Mapping{Status: generationdomain.StatusProcessing, TaskStatus: generationdomain.TaskProcessing, Known: false}
	}
}
