package songgen

import (
	"crypto/subtle"
	"errors"
	"strings"

	reconciledomain "github.com/smallbiznis/melodia/internal/reconcile/domain"
)

var (
	ErrInvalidCallbackToken = errors.New("invalid_callback_token")
	ErrInvalidCallback      = errors.New("invalid_callback")
)

const (
	callbackText     = "text"
	callbackFirst    = "first"
	callbackComplete = "complete"
	callbackError    = "error"
)

// CallbackPayload is the body the provider pushes to CallbackURL.
type CallbackPayload struct {
	Code int    `json:"code"`
	Msg  string `json:"msg"`
	Data struct {
		CallbackType string         `json:"callbackType"`
		TaskID       string         `json:"task_id"`
		Data         []TrackPayload `json:"data"`
	} `json:"data"`
}

// VerifyCallbackToken checks the shared token of a push. Pushes are
// rejected outright when no token is configured.
func (c *Client) VerifyCallbackToken(token string) error {
	if c.token == "" || token == "" {
		return ErrInvalidCallbackToken
	}
	if subtle.ConstantTimeCompare([]byte(c.token), []byte(token)) != 1 {
		return ErrInvalidCallbackToken
	}
	return nil
}

// StatusUpdate maps a push onto the record-info status vocabulary.
func (p CallbackPayload) StatusUpdate() (*reconciledomain.StatusUpdate, error) {
	taskID := strings.TrimSpace(p.Data.TaskID)
	if taskID == "" {
		return nil, ErrInvalidCallback
	}

	update := &reconciledomain.StatusUpdate{
		ExternalTaskID: taskID,
		Tracks:         ToTracks(p.Data.Data),
	}
	switch {
	case p.Code != codeOK || strings.EqualFold(p.Data.CallbackType, callbackError):
		update.Status = reconciledomain.ProviderCallbackException
		update.ErrorMessage = p.Msg
	case strings.EqualFold(p.Data.CallbackType, callbackComplete):
		update.Status = reconciledomain.ProviderSuccess
	case strings.EqualFold(p.Data.CallbackType, callbackFirst):
		update.Status = reconciledomain.ProviderFirstSuccess
	case strings.EqualFold(p.Data.CallbackType, callbackText):
		update.Status = reconciledomain.ProviderTextSuccess
	default:
		update.Status = reconciledomain.ProviderPending
	}
	return update, nil
}
