package scheduler

import (
	"context"
	"errors"
	"time"

	obsmetrics "github.com/smallbiznis/melodia/internal/observability/metrics"
	reconciledomain "github.com/smallbiznis/melodia/internal/reconcile/domain"
	"go.uber.org/zap"
)

// PollTasksJob leases due tasks and polls each once. Anomalies are logged
// by the reconciler and do not fail the job.
func (s *Scheduler) PollTasksJob(ctx context.Context) error {
	run := jobRunFromContext(ctx)

	lockStart := time.Now()
	tasks, err := s.reconciler.ListDueTasks(ctx, s.clock.Now(), s.cfg.BatchSize)
	s.metrics.ObserveDBLockWait(obsmetrics.LockResourceDueTasks, time.Since(lockStart))
	if err != nil {
		return err
	}
	if len(tasks) == 0 {
		s.metrics.IncBatchDeferred(JobPollTasks, obsmetrics.SchedulerBatchDeferredReasonSkipLockedEmpty)
		return nil
	}

	var jobErr error
	for _, task := range tasks {
		if err := ctx.Err(); err != nil {
			return errors.Join(jobErr, err)
		}
		status, err := s.reconciler.PollOnce(ctx, task.ID)
		switch {
		case err == nil:
			run.AddProcessed(1)
			s.logger(ctx).Debug("task polled",
				zap.String("task_id", task.ID.String()),
				zap.String("status", string(status)),
			)
		case errors.Is(err, reconciledomain.ErrMissingArtifacts):
			run.AddProcessed(1)
		default:
			jobErr = errors.Join(jobErr, err)
			s.logItemError(ctx, "poll task failed", JobPollTasks, err, zap.String("task_id", task.ID.String()))
		}
	}
	s.metrics.AddBatchProcessed(JobPollTasks, obsmetrics.LockResourceDueTasks, len(tasks))
	return jobErr
}

// DispatchRecoveryJob re-dispatches paid requests that never got a task and
// compensates the ones past the give-up window.
func (s *Scheduler) DispatchRecoveryJob(ctx context.Context) error {
	out, err := s.recoverer.RecoverStale(ctx)
	processed := out.Redispatched + out.Compensated + out.Deferred
	jobRunFromContext(ctx).AddProcessed(processed)
	s.metrics.AddBatchProcessed(JobDispatchRecovery, obsmetrics.LockResourceStaleRequests, processed)
	if processed > 0 {
		s.logger(ctx).Info("stale requests recovered",
			zap.Int("redispatched", out.Redispatched),
			zap.Int("compensated", out.Compensated),
			zap.Int("deferred", out.Deferred),
		)
	}
	return err
}

func (s *Scheduler) MirrorStorageJob(ctx context.Context) error {
	out, err := s.mirror.MirrorPending(ctx, s.cfg.BatchSize)
	jobRunFromContext(ctx).AddProcessed(out.Stored)
	s.metrics.AddBatchProcessed(JobMirrorStorage, obsmetrics.LockResourceSongsWithoutMirror, out.Stored)
	return err
}

// LeaderboardRebuildJob rewrites the boards of the current periods from the
// bucket table, repairing any increment the mirror missed.
func (s *Scheduler) LeaderboardRebuildJob(ctx context.Context) error {
	n, err := s.board.RebuildCurrent(ctx, s.clock.Now())
	jobRunFromContext(ctx).AddProcessed(n)
	return err
}
