package server

import (
	"errors"
	"net/http"
	"strings"

	"github.com/bwmarrin/snowflake"
	"github.com/gin-gonic/gin"
	generationdomain "github.com/smallbiznis/melodia/internal/generation/domain"
	"github.com/smallbiznis/melodia/internal/providers/songgen"
	reconciledomain "github.com/smallbiznis/melodia/internal/reconcile/domain"
	"go.uber.org/zap"
)

// HandleGenerationCallback applies a provider status push. It runs the same
// reconciliation as polling, so a push and a poll of the same status
// converge on one result.
func (s *Server) HandleGenerationCallback(c *gin.Context) {
	if s.callbacks == nil {
		AbortWithError(c, ErrNotFound)
		return
	}
	if err := s.callbacks.VerifyCallbackToken(c.Query("token")); err != nil {
		AbortWithError(c, err)
		return
	}

	var payload songgen.CallbackPayload
	if err := c.ShouldBindJSON(&payload); err != nil {
		AbortWithError(c, invalidRequestError())
		return
	}
	update, err := payload.StatusUpdate()
	if err != nil {
		AbortWithError(c, err)
		return
	}
	if raw := strings.TrimSpace(c.Query("task_id")); raw != "" {
		taskID, err := snowflake.ParseString(raw)
		if err != nil {
			AbortWithError(c, newValidationError("task_id", "invalid_task_id", "invalid task id"))
			return
		}
		update.TaskID = taskID
	}

	status, err := s.reconciler.OnStatusPushed(c.Request.Context(), *update)
	if errors.Is(err, reconciledomain.ErrMissingArtifacts) {
		// parked for the poller; a redelivery would not carry tracks either
		c.JSON(http.StatusAccepted, gin.H{"status": generationdomain.StatusProcessing})
		return
	}
	if err != nil {
		s.log.Warn("generation callback not applied",
			zap.String("external_task_id", update.ExternalTaskID),
			zap.String("provider_status", update.Status),
			zap.Error(err),
		)
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"status": status})
}
