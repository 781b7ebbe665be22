package domain

import (
	"testing"

	generationdomain "github.com/smallbiznis/melodia/internal/generation/domain"
	"github.com/stretchr/testify/assert"
)

func TestMapProviderStatus(t *testing.T) {
	cases := map[string]Mapping{
		"SUCCESS":               {Status: generationdomain.StatusCompleted, TaskStatus: generationdomain.TaskCompleted, Known: true},
		"CREATE_TASK_FAILED":    {Status: generationdomain.StatusFailed, TaskStatus: generationdomain.TaskFailed, Known: true},
		"GENERATE_AUDIO_FAILED": {Status: generationdomain.StatusFailed, TaskStatus: generationdomain.TaskFailed, Known: true},
		"CALLBACK_EXCEPTION":    {Status: generationdomain.StatusFailed, TaskStatus: generationdomain.TaskFailed, Known: true},
		"SENSITIVE_WORD_ERROR":  {Status: generationdomain.StatusFailed, TaskStatus: generationdomain.TaskFailed, Known: true},
		"PENDING":               {Status: generationdomain.StatusProcessing, TaskStatus: generationdomain.TaskProcessing, Known: true},
		"TEXT_SUCCESS":          {Status: generationdomain.StatusProcessing, TaskStatus: generationdomain.TaskProcessing, Known: true},
		"FIRST_SUCCESS":         {Status: generationdomain.StatusProcessing, TaskStatus: generationdomain.TaskPartial, Known: true},
	}
	for in, want := range cases {
		assert.Equal(t, want, MapProviderStatus(in), in)
	}
}

func TestMapProviderStatusUnknownNeverCompletes(t *testing.T) {
	for _, in := range []string{"", "success", "COMPLETE", "SUCCESS ", "DONE", "FAILED"} {
		got := MapProviderStatus(in)
		assert.False(t, got.Known, in)
		assert.Equal(t, generationdomain.StatusProcessing, got.Status, in)
		assert.NotEqual(t, generationdomain.TaskCompleted, got.TaskStatus, in)
	}
}
