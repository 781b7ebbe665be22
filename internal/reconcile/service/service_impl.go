package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/melodia/internal/clock"
	"github.com/smallbiznis/melodia/internal/config"
	generationdomain "github.com/smallbiznis/melodia/internal/generation/domain"
	obsmetrics "github.com/smallbiznis/melodia/internal/observability/metrics"
	"github.com/smallbiznis/melodia/internal/reconcile/domain"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const (
	sourcePoll = "poll"
	sourcePush = "push"

	defaultLease = 2 * time.Minute
)

type Params struct {
	fx.In

	DB         *gorm.DB
	Log        *zap.Logger
	GenID      *snowflake.Node
	Clock      clock.Clock
	Config     config.Config
	Repo       domain.Repository
	Fetcher    domain.StatusFetcher
	Songs      domain.SongCreatedHandler `optional:"true"`
	Failures   domain.FailureHandler     `optional:"true"`
	ObsMetrics *obsmetrics.Metrics       `optional:"true"`
}

type Service struct {
	db          *gorm.DB
	log         *zap.Logger
	genID       *snowflake.Node
	clock       clock.Clock
	repo        domain.Repository
	fetcher     domain.StatusFetcher
	songs       domain.SongCreatedHandler
	failures    domain.FailureHandler
	obsMetrics  *obsmetrics.Metrics
	maxAttempts int
	backoffBase time.Duration
	backoffMax  time.Duration
}

func NewService(p Params) domain.Service {
	c := p.Clock
	if c == nil {
		c = clock.SystemClock{}
	}
	base := p.Config.Dispatch.PollBackoffBase
	if base <= 0 {
		base = 15 * time.Second
	}
	limit := p.Config.Dispatch.PollBackoffLimit
	if limit < base {
		limit = base
	}
	return &Service{
		db:          p.DB,
		log:         p.Log.Named("reconcile.service"),
		genID:       p.GenID,
		clock:       c,
		repo:        p.Repo,
		fetcher:     p.Fetcher,
		songs:       p.Songs,
		failures:    p.Failures,
		obsMetrics:  p.ObsMetrics,
		maxAttempts: p.Config.Dispatch.MaxPollAttempts,
		backoffBase: base,
		backoffMax:  limit,
	}
}

func (s *Service) PollOnce(ctx context.Context, taskID snowflake.ID) (generationdomain.Status, error) {
	if taskID == 0 {
		return "", domain.ErrInvalidTask
	}
	task, err := s.repo.FindTask(ctx, s.db, taskID)
	if err != nil {
		return "", err
	}
	if task == nil {
		return "", domain.ErrTaskNotFound
	}
	if task.Status.IsTerminal() {
		return statusOf(task.Status), nil
	}
	if task.ExternalID == nil {
		return "", domain.ErrNotDispatched
	}

	update, err := s.fetcher.FetchStatus(ctx, *task.ExternalID)
	if err != nil {
		// count the failed poll so a dead provider still hits the attempt limit
		if status, backoffErr := s.applyProgress(ctx, task.ID, task.Status, sourcePoll); backoffErr != nil {
			s.log.Warn("failed to record poll attempt", zap.String("task_id", task.ID.String()), zap.Error(backoffErr))
		} else if status == generationdomain.StatusFailed {
			return status, nil
		}
		return "", fmt.Errorf("fetch status: %w", err)
	}
	if update.ExternalTaskID == "" {
		update.ExternalTaskID = *task.ExternalID
	}
	return s.apply(ctx, task.ID, *update, sourcePoll)
}

func (s *Service) OnStatusPushed(ctx context.Context, update domain.StatusUpdate) (generationdomain.Status, error) {
	update.ExternalTaskID = strings.TrimSpace(update.ExternalTaskID)
	if update.ExternalTaskID == "" {
		return "", domain.ErrInvalidTask
	}
	task, err := s.repo.FindTaskByExternalID(ctx, s.db, update.ExternalTaskID)
	if err != nil {
		return "", err
	}
	if task == nil {
		task, err = s.adoptTask(ctx, update)
		if err != nil {
			return "", err
		}
	}
	return s.apply(ctx, task.ID, update, sourcePush)
}

// adoptTask resolves a push through the internal task id of the callback
// URL. This is the only way to reach a task whose start call timed out
// before the provider answered with its id.
func (s *Service) adoptTask(ctx context.Context, update domain.StatusUpdate) (*generationdomain.Task, error) {
	if update.TaskID == 0 {
		return nil, domain.ErrTaskNotFound
	}
	task, err := s.repo.FindTask(ctx, s.db, update.TaskID)
	if err != nil {
		return nil, err
	}
	if task == nil {
		return nil, domain.ErrTaskNotFound
	}
	if task.ExternalID != nil {
		if *task.ExternalID != update.ExternalTaskID {
			return nil, domain.ErrTaskNotFound
		}
		return task, nil
	}
	recorded, err := s.repo.RecordExternalID(ctx, s.db, task.ID, update.ExternalTaskID)
	if err != nil {
		return nil, err
	}
	if !recorded {
		// another push recorded an id first; it must be this one
		return s.adoptTask(ctx, domain.StatusUpdate{ExternalTaskID: update.ExternalTaskID, TaskID: update.TaskID})
	}
	s.log.Info("external id recorded from push",
		zap.String("task_id", task.ID.String()),
		zap.String("external_task_id", update.ExternalTaskID),
	)
	return task, nil
}

func (s *Service) ListDueTasks(ctx context.Context, now time.Time, limit int) ([]generationdomain.Task, error) {
	if limit <= 0 {
		limit = 50
	}
	var tasks []generationdomain.Task
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var err error
		tasks, err = s.repo.LockDueTasks(ctx, tx, now, limit)
		if err != nil || len(tasks) == 0 {
			return err
		}
		ids := make([]snowflake.ID, 0, len(tasks))
		for _, task := range tasks {
			ids = append(ids, task.ID)
		}
		return s.repo.LeaseTasks(ctx, tx, ids, now.Add(defaultLease))
	})
	return tasks, err
}

func (s *Service) apply(ctx context.Context, taskID snowflake.ID, update domain.StatusUpdate, source string) (generationdomain.Status, error) {
	mapping := domain.MapProviderStatus(update.Status)
	log := s.log.With(
		zap.String("task_id", taskID.String()),
		zap.String("external_task_id", update.ExternalTaskID),
		zap.String("provider_status", update.Status),
		zap.String("source", source),
	)
	if !mapping.Known {
		log.Warn("unknown provider status, keeping task processing")
	}

	switch mapping.TaskStatus {
	case generationdomain.TaskCompleted:
		return s.applyCompleted(ctx, log, taskID, update, source)
	case generationdomain.TaskFailed:
		return s.applyFailed(ctx, log, taskID, update, source)
	default:
		return s.applyProgress(ctx, taskID, mapping.TaskStatus, source)
	}
}

// applyCompleted writes the songs and appends their ids before flipping the
// task, all in one transaction. A failed task stays failed unless it failed
// on the dispatch deadline, which still accepts a late result.
func (s *Service) applyCompleted(ctx context.Context, log *zap.Logger, taskID snowflake.ID, update domain.StatusUpdate, source string) (generationdomain.Status, error) {
	if len(update.Tracks) == 0 {
		log.Error("provider reported success without tracks, leaving task as-is")
		s.park(ctx, log, taskID)
		return generationdomain.StatusProcessing, domain.ErrMissingArtifacts
	}

	var (
		created  []snowflake.ID
		status   generationdomain.TaskStatus
		rejected bool
	)
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		task, err := s.repo.LockTask(ctx, tx, taskID)
		if err != nil {
			return err
		}
		if task == nil {
			return domain.ErrTaskNotFound
		}
		status = task.Status
		if task.Status == generationdomain.TaskCompleted {
			return nil
		}
		if task.Status == generationdomain.TaskFailed && !task.FailedOnDispatchDeadline() {
			rejected = true
			return nil
		}

		hasDedication, donation, err := s.repo.RequestFlags(ctx, tx, task.RequestID)
		if err != nil {
			return err
		}

		now := s.clock.Now()
		for i, track := range update.Tracks {
			if strings.TrimSpace(track.ID) == "" {
				continue
			}
			song := &generationdomain.Song{
				ID:             s.genID.Generate(),
				ExternalID:     track.ID,
				TaskID:         task.ID,
				ExternalTaskID: update.ExternalTaskID,
				UserID:         task.UserID,
				AudioURL:       track.AudioURL,
				StreamAudioURL: track.StreamAudioURL,
				ImageURL:       track.ImageURL,
				Prompt:         track.Prompt,
				ModelName:      track.ModelName,
				Title:          track.Title,
				Tags:           track.Tags,
				Duration:       track.Duration,
				CreateTime:     track.CreateTime,
				CreatedAt:      now,
			}
			// add-ons belong to the request, so only the first track carries them
			if i == 0 {
				song.HasDedication = hasDedication
				song.DonationValue = donation
			}
			inserted, err := s.repo.InsertSongIfAbsent(ctx, tx, song)
			if err != nil {
				return err
			}
			if !inserted {
				existing, err := s.repo.FindSongByExternalID(ctx, tx, track.ID)
				if err != nil {
					return err
				}
				if existing == nil {
					return fmt.Errorf("song %s vanished after conflict", track.ID)
				}
				song = existing
			} else {
				created = append(created, song.ID)
			}
			if !task.HasSong(song.ID) {
				task.SongIDs = append(task.SongIDs, song.ID)
			}
		}
		if len(task.SongIDs) == 0 {
			return domain.ErrMissingArtifacts
		}

		task.Status = generationdomain.TaskCompleted
		task.Error = nil
		task.NextPollAt = nil
		task.UpdatedAt = now
		status = task.Status
		return s.repo.SaveTaskStatus(ctx, tx, task)
	})
	if errors.Is(err, domain.ErrMissingArtifacts) {
		log.Error("provider tracks carried no ids, leaving task as-is")
		s.park(ctx, log, taskID)
		return generationdomain.StatusProcessing, err
	}
	if err != nil {
		return "", err
	}
	if rejected {
		log.Warn("result for a failed task ignored")
		return generationdomain.StatusFailed, nil
	}

	if len(created) > 0 {
		s.obsMetrics.RecordTaskTransition(ctx, string(generationdomain.TaskCompleted), source)
		log.Info("task completed", zap.Int("songs", len(created)))
	}
	for _, songID := range created {
		if s.songs == nil {
			break
		}
		if err := s.songs.OnSongCreated(ctx, songID); err != nil {
			log.Error("song fan-out failed", zap.String("song_id", songID.String()), zap.Error(err))
		}
	}
	return statusOf(status), nil
}

func (s *Service) applyFailed(ctx context.Context, log *zap.Logger, taskID snowflake.ID, update domain.StatusUpdate, source string) (generationdomain.Status, error) {
	reason := fmt.Sprintf("generation failed: %s", update.Status)
	if msg := strings.TrimSpace(update.ErrorMessage); msg != "" {
		reason = fmt.Sprintf("generation failed: %s: %s", update.Status, msg)
	}

	task, changed, err := s.failTask(ctx, taskID, reason)
	if err != nil {
		return "", err
	}
	if !changed {
		return statusOf(task.Status), nil
	}

	s.obsMetrics.RecordTaskTransition(ctx, string(generationdomain.TaskFailed), source)
	log.Warn("task failed", zap.String("reason", reason))
	s.notifyFailure(ctx, log, task, reason)
	return generationdomain.StatusFailed, nil
}

func (s *Service) applyProgress(ctx context.Context, taskID snowflake.ID, next generationdomain.TaskStatus, source string) (generationdomain.Status, error) {
	var status generationdomain.TaskStatus
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		task, err := s.repo.LockTask(ctx, tx, taskID)
		if err != nil {
			return err
		}
		if task == nil {
			return domain.ErrTaskNotFound
		}
		status = task.Status
		if task.Status.IsTerminal() {
			return nil
		}
		now := s.clock.Now()
		if source == sourcePoll {
			task.PollAttempts++
		}
		nextPoll := now.Add(s.delay(task.PollAttempts))
		task.Status = next
		task.NextPollAt = &nextPoll
		task.UpdatedAt = now
		status = task.Status
		return s.repo.SaveTaskStatus(ctx, tx, task)
	})
	if err != nil {
		return "", err
	}

	if source == sourcePoll && !status.IsTerminal() {
		return s.enforceMaxAttempts(ctx, taskID)
	}
	return statusOf(status), nil
}

func (s *Service) enforceMaxAttempts(ctx context.Context, taskID snowflake.ID) (generationdomain.Status, error) {
	task, err := s.repo.FindTask(ctx, s.db, taskID)
	if err != nil {
		return "", err
	}
	if task == nil {
		return "", domain.ErrTaskNotFound
	}
	if s.maxAttempts <= 0 || task.PollAttempts < s.maxAttempts || task.Status.IsTerminal() {
		return statusOf(task.Status), nil
	}

	reason := fmt.Sprintf("generation timed out after %d polls", task.PollAttempts)
	failed, changed, err := s.failTask(ctx, taskID, reason)
	if err != nil {
		return "", err
	}
	if changed {
		log := s.log.With(zap.String("task_id", taskID.String()))
		s.obsMetrics.RecordTaskTransition(ctx, string(generationdomain.TaskFailed), "timeout")
		log.Warn("task exceeded poll attempts", zap.Int("attempts", task.PollAttempts))
		s.notifyFailure(ctx, log, failed, reason)
	}
	return statusOf(failed.Status), nil
}

func (s *Service) failTask(ctx context.Context, taskID snowflake.ID, reason string) (*generationdomain.Task, bool, error) {
	var (
		task    *generationdomain.Task
		changed bool
	)
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var err error
		task, err = s.repo.LockTask(ctx, tx, taskID)
		if err != nil {
			return err
		}
		if task == nil {
			return domain.ErrTaskNotFound
		}
		if task.Status.IsTerminal() {
			return nil
		}
		task.Status = generationdomain.TaskFailed
		task.Error = &reason
		task.NextPollAt = nil
		task.UpdatedAt = s.clock.Now()
		changed = true
		return s.repo.SaveTaskStatus(ctx, tx, task)
	})
	return task, changed, err
}

func (s *Service) notifyFailure(ctx context.Context, log *zap.Logger, task *generationdomain.Task, reason string) {
	if s.failures == nil {
		return
	}
	if err := s.failures.OnTaskFailed(ctx, task, reason); err != nil {
		log.Error("task failure handler failed", zap.Error(err))
	}
}

// park stops polling a task without touching its status.
func (s *Service) park(ctx context.Context, log *zap.Logger, taskID snowflake.ID) {
	err := s.db.WithContext(ctx).Exec(
		`UPDATE generate_song_tasks SET next_poll_at = NULL WHERE id = ? AND status NOT IN (?, ?)`,
		taskID, generationdomain.TaskCompleted, generationdomain.TaskFailed,
	).Error
	if err != nil {
		log.Error("failed to park task", zap.Error(err))
	}
}

func (s *Service) delay(attempts int) time.Duration {
	d := s.backoffBase
	for i := 1; i < attempts && d < s.backoffMax; i++ {
		d *= 2
	}
	if d > s.backoffMax {
		d = s.backoffMax
	}
	return d
}

func statusOf(status generationdomain.TaskStatus) generationdomain.Status {
	switch status {
	case generationdomain.TaskCompleted:
		return generationdomain.StatusCompleted
	case generationdomain.TaskFailed:
		return generationdomain.StatusFailed
	default:
		return generationdomain.StatusProcessing
	}
}
