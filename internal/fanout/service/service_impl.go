package service

import (
	"context"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/melodia/internal/clock"
	"github.com/smallbiznis/melodia/internal/fanout/domain"
	obsmetrics "github.com/smallbiznis/melodia/internal/observability/metrics"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

type Params struct {
	fx.In

	DB         *gorm.DB
	Log        *zap.Logger
	Clock      clock.Clock
	Repo       domain.Repository
	Mirror     domain.Mirror       `optional:"true"`
	ObsMetrics *obsmetrics.Metrics `optional:"true"`
}

type Service struct {
	db         *gorm.DB
	log        *zap.Logger
	clock      clock.Clock
	repo       domain.Repository
	mirror     domain.Mirror
	obsMetrics *obsmetrics.Metrics
}

func NewService(p Params) domain.Service {
	c := p.Clock
	if c == nil {
		c = clock.SystemClock{}
	}
	return &Service{
		db:         p.DB,
		log:        p.Log.Named("fanout.service"),
		clock:      c,
		repo:       p.Repo,
		mirror:     p.Mirror,
		obsMetrics: p.ObsMetrics,
	}
}

// OnSongCreated applies the song's aggregates. Missing song, task or user
// rows are integrity anomalies: they are logged and skipped, never retried.
func (s *Service) OnSongCreated(ctx context.Context, songID snowflake.ID) (domain.Result, error) {
	if songID == 0 {
		return domain.Result{}, domain.ErrInvalidSong
	}
	log := s.log.With(zap.String("song_id", songID.String()))

	song, err := s.repo.FindSong(ctx, s.db, songID)
	if err != nil {
		return domain.Result{}, err
	}
	if song == nil {
		log.Error("fan-out skipped: song not found")
		return domain.Result{}, nil
	}
	log = log.With(zap.String("task_id", song.TaskID.String()), zap.String("user_id", song.UserID.String()))

	task, err := s.repo.FindTask(ctx, s.db, song.TaskID)
	if err != nil {
		return domain.Result{}, err
	}
	if task == nil {
		log.Error("fan-out skipped: task not found")
		return domain.Result{}, nil
	}
	exists, err := s.repo.UserExists(ctx, s.db, song.UserID)
	if err != nil {
		return domain.Result{}, err
	}
	if !exists {
		log.Error("fan-out skipped: user not found")
		return domain.Result{}, nil
	}

	var dedications, donations int64
	if song.HasDedication {
		dedications = 1
	}
	if song.DonationValue > 0 {
		donations = song.DonationValue
	}
	increments := domain.Increments(song.UserID, song.CreatedAt, song.HasDedication, song.DonationValue)

	applied := false
	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		now := s.clock.Now()
		inserted, err := s.repo.InsertReceipt(ctx, tx, &domain.Receipt{
			SongID:    song.ID,
			TaskID:    song.TaskID,
			UserID:    song.UserID,
			AppliedAt: now,
		})
		if err != nil || !inserted {
			return err
		}

		locked, err := s.repo.LockTask(ctx, tx, song.TaskID)
		if err != nil {
			return err
		}
		if locked != nil {
			if !locked.HasSong(song.ID) {
				locked.SongIDs = append(locked.SongIDs, song.ID)
			}
			if err := s.repo.CompleteTask(ctx, tx, locked, now); err != nil {
				return err
			}
		}

		if err := s.repo.IncrementUserStats(ctx, tx, song.UserID, dedications, donations, now); err != nil {
			return err
		}
		for _, inc := range increments {
			if err := s.repo.UpsertBucket(ctx, tx, inc, now); err != nil {
				return err
			}
		}
		applied = true
		return nil
	})
	if err != nil {
		return domain.Result{}, err
	}

	s.obsMetrics.RecordFanout(ctx, applied)
	if !applied {
		log.Debug("fan-out already applied")
		return domain.Result{}, nil
	}

	if s.mirror != nil {
		if err := s.mirror.Apply(ctx, increments); err != nil {
			log.Warn("leaderboard mirror update failed", zap.Error(err))
		}
	}
	log.Info("fan-out applied", zap.Int("buckets", len(increments)))
	return domain.Result{Applied: true, Increments: increments}, nil
}

func (s *Service) UserStats(ctx context.Context, userID snowflake.ID) (*domain.UserStats, error) {
	stats, err := s.repo.UserStats(ctx, s.db, userID)
	if err != nil {
		return nil, err
	}
	if stats == nil {
		return &domain.UserStats{}, nil
	}
	return stats, nil
}
