package scheduler

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/smallbiznis/melodia/internal/clock"
	"github.com/smallbiznis/melodia/internal/leaderboard"
	obsmetrics "github.com/smallbiznis/melodia/internal/observability/metrics"
	"github.com/smallbiznis/melodia/internal/pipeline"
	reconciledomain "github.com/smallbiznis/melodia/internal/reconcile/domain"
	"github.com/smallbiznis/melodia/internal/storage"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

var ErrInvalidConfig = errors.New("invalid_scheduler_config")

const (
	JobPollTasks          = "poll_tasks"
	JobDispatchRecovery   = "dispatch_recovery"
	JobMirrorStorage      = "mirror_storage"
	JobLeaderboardRebuild = "leaderboard_rebuild"
)

const pushTimeout = 5 * time.Second

// DispatchRecoverer takes over paid requests whose dispatch never finished.
type DispatchRecoverer interface {
	RecoverStale(ctx context.Context) (pipeline.RecoveryResult, error)
}

type Params struct {
	fx.In

	Log        *zap.Logger
	GenID      *snowflake.Node
	Clock      clock.Clock
	Config     Config `optional:"true"`
	Reconciler reconciledomain.Service
	Recoverer  DispatchRecoverer
	Mirror     *storage.Mirror              `optional:"true"`
	Board      *leaderboard.Board           `optional:"true"`
	Metrics    *obsmetrics.SchedulerMetrics `optional:"true"`
	Pusher     obsmetrics.Pusher            `optional:"true"`
	Gatherer   prometheus.Gatherer          `optional:"true"`
}

type Scheduler struct {
	log        *zap.Logger
	cfg        Config
	genID      *snowflake.Node
	clock      clock.Clock
	reconciler reconciledomain.Service
	recoverer  DispatchRecoverer
	mirror     *storage.Mirror
	board      *leaderboard.Board
	metrics    *obsmetrics.SchedulerMetrics
	pusher     obsmetrics.Pusher
	gatherer   prometheus.Gatherer
}

func New(p Params) (*Scheduler, error) {
	if p.Log == nil || p.GenID == nil || p.Reconciler == nil || p.Recoverer == nil {
		return nil, ErrInvalidConfig
	}
	c := p.Clock
	if c == nil {
		c = clock.SystemClock{}
	}
	gatherer := p.Gatherer
	if gatherer == nil {
		gatherer = prometheus.DefaultGatherer
	}
	return &Scheduler{
		log:        p.Log.Named("scheduler").With(zap.String("component", "scheduler")),
		cfg:        p.Config.withDefaults(),
		genID:      p.GenID,
		clock:      c,
		reconciler: p.Reconciler,
		recoverer:  p.Recoverer,
		mirror:     p.Mirror,
		board:      p.Board,
		metrics:    p.Metrics,
		pusher:     p.Pusher,
		gatherer:   gatherer,
	}, nil
}

func (s *Scheduler) runJob(
	parent context.Context,
	name string,
	batchSize int,
	timeout time.Duration,
	fn func(ctx context.Context) error,
) error {
	start := s.clock.Now()
	ctx, cancel := context.WithTimeout(parent, timeout)
	defer cancel()

	ctx, run, owner := s.ensureJobRun(ctx, name, batchSize)
	if owner {
		s.logJobStart(ctx, run)
	}
	log := s.logger(ctx).With(
		zap.String("job", name),
		zap.String("run_id", run.runID),
	)
	s.metrics.IncJobRun(name)

	err := fn(ctx)
	s.metrics.ObserveJobDuration(name, s.clock.Now().Sub(start))
	if owner {
		if err != nil && run.errorCount == 0 {
			run.IncError()
		}
		s.logJobFinish(ctx, run)
	}
	if err == nil {
		return nil
	}

	// deadline is a soft timeout; unfinished work is picked up next tick
	isTimeout := errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled)
	if isTimeout {
		s.metrics.IncJobTimeout(name)
	}
	s.metrics.IncJobError(name, err)
	if isTimeout {
		log.Warn("job timed out",
			zap.Duration("timeout", timeout),
			zap.Error(err),
		)
		return nil
	}

	return fmt.Errorf("%s: %w", name, err)
}

func (s *Scheduler) RunOnce(parent context.Context) error {
	var err error

	jobs := []struct {
		Name    string
		Enabled bool
		Run     func(context.Context) error
	}{
		{JobPollTasks, s.isJobEnabled(JobPollTasks), s.PollTasksJob},
		{JobDispatchRecovery, s.isJobEnabled(JobDispatchRecovery), s.DispatchRecoveryJob},
		{JobMirrorStorage, s.mirror.Enabled() && s.isJobEnabled(JobMirrorStorage), s.MirrorStorageJob},
		{JobLeaderboardRebuild, s.board != nil && s.isJobEnabled(JobLeaderboardRebuild), s.LeaderboardRebuildJob},
	}

	for _, job := range jobs {
		if job.Enabled {
			err = errors.Join(err, s.runJob(parent, job.Name, s.cfg.BatchSize, s.cfg.JobTimeout, job.Run))
		}
	}

	s.pushMetrics(parent)
	return err
}

func (s *Scheduler) RunForever(ctx context.Context) {
	ticker := time.NewTicker(s.cfg.RunInterval)
	defer ticker.Stop()
	nextRun := time.Now().Add(s.cfg.RunInterval)

	for {
		runLag := time.Since(nextRun)
		if runLag > 0 {
			s.metrics.ObserveRunLoopLag(runLag)
		}
		if err := s.RunOnce(ctx); err != nil {
			s.log.Warn("scheduler run failed", zap.Error(err))
		}
		nextRun = nextRun.Add(s.cfg.RunInterval)

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func (s *Scheduler) pushMetrics(parent context.Context) {
	if s.pusher == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.WithoutCancel(parent), pushTimeout)
	defer cancel()
	if err := s.pusher.Push(ctx, s.gatherer); err != nil {
		s.log.Warn("metrics push failed", zap.Error(err))
	}
}

func (s *Scheduler) isJobEnabled(jobName string) bool {
	// An empty list enables every job (monolith mode).
	if len(s.cfg.EnabledJobs) == 0 {
		return true
	}
	for _, enabled := range s.cfg.EnabledJobs {
		if strings.EqualFold(enabled, jobName) {
			return true
		}
	}
	return false
}
