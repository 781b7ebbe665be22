package service

import (
	"context"
	"errors"
	"fmt"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/melodia/internal/clock"
	"github.com/smallbiznis/melodia/internal/dispatch/domain"
	generationdomain "github.com/smallbiznis/melodia/internal/generation/domain"
	obsmetrics "github.com/smallbiznis/melodia/internal/observability/metrics"
	"github.com/smallbiznis/melodia/pkg/db"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const (
	outcomeDispatched       = "dispatched"
	outcomeAlreadyAttached  = "already_dispatched"
	outcomeRetryable        = "retryable"
	outcomeTerminal         = "terminal"
	outcomeDeadlineExceeded = "deadline_exceeded"
)

type Params struct {
	fx.In

	DB         *gorm.DB
	Log        *zap.Logger
	GenID      *snowflake.Node
	Clock      clock.Clock
	Repo       domain.Repository
	Provider   domain.Provider
	Requests   generationdomain.Service
	ObsMetrics *obsmetrics.Metrics `optional:"true"`
}

type Service struct {
	db         *gorm.DB
	log        *zap.Logger
	genID      *snowflake.Node
	clock      clock.Clock
	repo       domain.Repository
	provider   domain.Provider
	requests   generationdomain.Service
	obsMetrics *obsmetrics.Metrics
}

func NewService(p Params) domain.Service {
	c := p.Clock
	if c == nil {
		c = clock.SystemClock{}
	}
	return &Service{
		db:         p.DB,
		log:        p.Log.Named("dispatch.service"),
		genID:      p.GenID,
		clock:      c,
		repo:       p.Repo,
		provider:   p.Provider,
		requests:   p.Requests,
		obsMetrics: p.ObsMetrics,
	}
}

func (s *Service) Enqueue(ctx context.Context, req domain.EnqueueRequest) (snowflake.ID, error) {
	if req.UserID == 0 || req.RequestID == 0 {
		return 0, domain.ErrInvalidRequest
	}
	if req.DispatchDeadline <= 0 {
		return 0, fmt.Errorf("%w: dispatch deadline must be positive", domain.ErrInvalidRequest)
	}

	log := s.log.With(
		zap.String("request_id", req.RequestID.String()),
		zap.String("user_id", req.UserID.String()),
	)

	task, err := s.loadOrCreateTask(ctx, req)
	if err != nil {
		return 0, err
	}
	switch {
	case task.ExternalID != nil:
		// Started by an earlier attempt; only the attach may be missing.
		if err := s.requests.AttachTask(ctx, req.RequestID, task.ID); err != nil {
			return 0, err
		}
		s.obsMetrics.RecordDispatch(ctx, outcomeAlreadyAttached)
		return task.ID, nil
	case task.Status.IsTerminal():
		return 0, fmt.Errorf("%w: %s", domain.ErrDispatchTerminal, deref(task.Error))
	}

	callCtx, cancel := context.WithTimeout(ctx, req.DispatchDeadline)
	externalID, err := s.provider.StartGeneration(callCtx, domain.StartRequest{
		TaskID: task.ID,
		Params: req.Params,
	})
	deadlineHit := errors.Is(callCtx.Err(), context.DeadlineExceeded) && ctx.Err() == nil
	cancel()

	if err != nil {
		return 0, s.handleStartError(ctx, log, task, err, deadlineHit)
	}

	now := s.clock.Now()
	if _, err := s.repo.SetExternalID(ctx, s.db, task.ID, externalID, now.Add(req.ScheduleDelay), now); err != nil {
		return 0, err
	}
	if err := s.requests.AttachTask(ctx, req.RequestID, task.ID); err != nil {
		return 0, err
	}

	s.obsMetrics.RecordDispatch(ctx, outcomeDispatched)
	log.Info("generation dispatched",
		zap.String("task_id", task.ID.String()),
		zap.String("external_id", externalID),
	)
	return task.ID, nil
}

func (s *Service) handleStartError(ctx context.Context, log *zap.Logger, task *generationdomain.Task, err error, deadlineHit bool) error {
	var retryable domain.RetryableError
	switch {
	case deadlineHit:
		s.failTask(ctx, log, task.ID, generationdomain.TaskErrDispatchDeadline)
		s.obsMetrics.RecordDispatch(ctx, outcomeDeadlineExceeded)
		log.Warn("dispatch deadline exceeded", zap.String("task_id", task.ID.String()), zap.Error(err))
		return fmt.Errorf("%w: %w", domain.ErrDispatchTerminal, domain.ErrDeadlineExceeded)
	case ctx.Err() != nil:
		// The caller went away; leave the task for recovery.
		s.obsMetrics.RecordDispatch(ctx, outcomeRetryable)
		return fmt.Errorf("%w: %w", domain.ErrDispatchRetryable, ctx.Err())
	case errors.As(err, &retryable) && retryable.Retryable():
		s.obsMetrics.RecordDispatch(ctx, outcomeRetryable)
		log.Warn("dispatch failed, will retry", zap.String("task_id", task.ID.String()), zap.Error(err))
		return fmt.Errorf("%w: %w", domain.ErrDispatchRetryable, err)
	default:
		reason := "dispatch rejected: " + err.Error()
		s.failTask(ctx, log, task.ID, reason)
		s.obsMetrics.RecordDispatch(ctx, outcomeTerminal)
		log.Warn("dispatch rejected", zap.String("task_id", task.ID.String()), zap.Error(err))
		return fmt.Errorf("%w: %w", domain.ErrDispatchTerminal, err)
	}
}

func (s *Service) failTask(ctx context.Context, log *zap.Logger, taskID snowflake.ID, reason string) {
	if _, err := s.repo.MarkFailed(ctx, s.db, taskID, reason, s.clock.Now()); err != nil {
		log.Error("failed to mark task failed", zap.String("task_id", taskID.String()), zap.Error(err))
	}
}

// loadOrCreateTask reuses the request's task so a retried dispatch never
// creates a second row.
func (s *Service) loadOrCreateTask(ctx context.Context, req domain.EnqueueRequest) (*generationdomain.Task, error) {
	existing, err := s.repo.FindByRequest(ctx, s.db, req.RequestID)
	if err != nil || existing != nil {
		return existing, err
	}

	now := s.clock.Now()
	deadline := now.Add(req.DispatchDeadline)
	task := &generationdomain.Task{
		ID:                 s.genID.Generate(),
		UserID:             req.UserID,
		RequestID:          req.RequestID,
		Status:             generationdomain.TaskProcessing,
		SongIDs:            []snowflake.ID{},
		DispatchDeadlineAt: &deadline,
		CreatedAt:          now,
		UpdatedAt:          now,
	}
	if err := s.repo.Insert(ctx, s.db, task); err != nil {
		if !db.IsDuplicateKeyErr(err) {
			return nil, err
		}
		return s.repo.FindByRequest(ctx, s.db, req.RequestID)
	}
	return task, nil
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
