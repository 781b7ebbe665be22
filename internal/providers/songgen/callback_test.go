package songgen

import (
	"encoding/json"
	"testing"

	"github.com/smallbiznis/melodia/internal/config"
	reconciledomain "github.com/smallbiznis/melodia/internal/reconcile/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestVerifyCallbackToken(t *testing.T) {
	client := NewClient(config.ProviderConfig{CallbackToken: "tok"}, nil)
	assert.NoError(t, client.VerifyCallbackToken("tok"))
	assert.ErrorIs(t, client.VerifyCallbackToken("nope"), ErrInvalidCallbackToken)
	assert.ErrorIs(t, client.VerifyCallbackToken(""), ErrInvalidCallbackToken)

	unset := NewClient(config.ProviderConfig{}, nil)
	assert.ErrorIs(t, unset.VerifyCallbackToken(""), ErrInvalidCallbackToken)
}

func TestCallbackStatusUpdate(t *testing.T) {
	cases := []struct {
		name   string
		body   string
		status string
		tracks int
	}{
		{
			name:   "complete",
			body:   `{"code":200,"msg":"ok","data":{"callbackType":"complete","task_id":"ext-1","data":[{"id":"a","audioUrl":"https://cdn/a.mp3","createTime":1751544000000},{"id":"b","audioUrl":"https://cdn/b.mp3"}]}}`,
			status: reconciledomain.ProviderSuccess,
			tracks: 2,
		},
		{
			name:   "first track",
			body:   `{"code":200,"msg":"ok","data":{"callbackType":"first","task_id":"ext-1","data":[{"id":"a"}]}}`,
			status: reconciledomain.ProviderFirstSuccess,
			tracks: 1,
		},
		{
			name:   "lyrics only",
			body:   `{"code":200,"msg":"ok","data":{"callbackType":"text","task_id":"ext-1"}}`,
			status: reconciledomain.ProviderTextSuccess,
		},
		{
			name:   "provider error",
			body:   `{"code":501,"msg":"audio generation failed","data":{"callbackType":"error","task_id":"ext-1"}}`,
			status: reconciledomain.ProviderCallbackException,
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			var payload CallbackPayload
			require.NoError(t, json.Unmarshal([]byte(tc.body), &payload))

			update, err := payload.StatusUpdate()
			require.NoError(t, err)
			assert.Equal(t, "ext-1", update.ExternalTaskID)
			assert.Equal(t, tc.status, update.Status)
			assert.Len(t, update.Tracks, tc.tracks)
		})
	}
}

func TestCallbackWithoutTaskID(t *testing.T) {
	_, err := CallbackPayload{Code: 200}.StatusUpdate()
	assert.ErrorIs(t, err, ErrInvalidCallback)
}
