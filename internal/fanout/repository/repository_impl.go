package repository

import (
	"context"
	"errors"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/melodia/internal/fanout/domain"
	generationdomain "github.com/smallbiznis/melodia/internal/generation/domain"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

type repo struct{}

func Provide() domain.Repository {
	return &repo{}
}

func (r *repo) FindSong(ctx context.Context, db *gorm.DB, id snowflake.ID) (*generationdomain.Song, error) {
	var song generationdomain.Song
	err := db.WithContext(ctx).Where("id = ?", id).Take(&song).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &song, nil
}

func (r *repo) FindTask(ctx context.Context, db *gorm.DB, id snowflake.ID) (*generationdomain.Task, error) {
	return takeTask(db.WithContext(ctx).Where("id = ?", id))
}

func (r *repo) LockTask(ctx context.Context, db *gorm.DB, id snowflake.ID) (*generationdomain.Task, error) {
	return takeTask(db.WithContext(ctx).Clauses(clause.Locking{Strength: "UPDATE"}).Where("id = ?", id))
}

func takeTask(q *gorm.DB) (*generationdomain.Task, error) {
	var task generationdomain.Task
	err := q.Take(&task).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &task, nil
}

func (r *repo) UserExists(ctx context.Context, db *gorm.DB, id snowflake.ID) (bool, error) {
	var count int64
	err := db.WithContext(ctx).Raw(`SELECT COUNT(1) FROM users WHERE id = ?`, id).Scan(&count).Error
	return count > 0, err
}

// InsertReceipt reports false when the song was already applied.
func (r *repo) InsertReceipt(ctx context.Context, db *gorm.DB, receipt *domain.Receipt) (bool, error) {
	res := db.WithContext(ctx).Exec(
		`INSERT INTO fanout_receipts (song_id, task_id, user_id, applied_at)
		 VALUES (?, ?, ?, ?)
		 ON CONFLICT (song_id) DO NOTHING`,
		receipt.SongID, receipt.TaskID, receipt.UserID, receipt.AppliedAt,
	)
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected > 0, nil
}

func (r *repo) CompleteTask(ctx context.Context, db *gorm.DB, task *generationdomain.Task, now time.Time) error {
	return db.WithContext(ctx).
		Model(&generationdomain.Task{}).
		Where("id = ?", task.ID).
		Updates(map[string]any{
			"status":       generationdomain.TaskCompleted,
			"song_ids":     task.SongIDs,
			"next_poll_at": nil,
			"updated_at":   now,
		}).Error
}

func (r *repo) IncrementUserStats(ctx context.Context, db *gorm.DB, userID snowflake.ID, dedications, donations int64, now time.Time) error {
	return db.WithContext(ctx).Exec(
		`UPDATE users
		 SET num_songs_generated = num_songs_generated + 1,
		     num_dedications_given = num_dedications_given + ?,
		     sum_donations_total = sum_donations_total + ?,
		     updated_at = ?
		 WHERE id = ?`,
		dedications, donations, now, userID,
	).Error
}

func (r *repo) UpsertBucket(ctx context.Context, db *gorm.DB, inc domain.Increment, now time.Time) error {
	return db.WithContext(ctx).Exec(
		`INSERT INTO stat_buckets (period_type, period_key, stat_name, user_id, count, last_updated)
		 VALUES (?, ?, ?, ?, ?, ?)
		 ON CONFLICT (period_type, period_key, stat_name, user_id)
		 DO UPDATE SET count = stat_buckets.count + excluded.count, last_updated = excluded.last_updated`,
		inc.PeriodType, inc.PeriodKey, inc.StatName, inc.UserID, inc.Delta, now,
	).Error
}

func (r *repo) UserStats(ctx context.Context, db *gorm.DB, userID snowflake.ID) (*domain.UserStats, error) {
	var rows []domain.UserStats
	err := db.WithContext(ctx).Raw(
		`SELECT num_songs_generated, num_dedications_given, sum_donations_total FROM users WHERE id = ?`,
		userID,
	).Scan(&rows).Error
	if err != nil {
		return nil, err
	}
	if len(rows) == 0 {
		return nil, nil
	}
	return &rows[0], nil
}

func (r *repo) TopBuckets(ctx context.Context, db *gorm.DB, period domain.PeriodType, key string, stat domain.StatName, limit int) ([]domain.StatBucket, error) {
	q := db.WithContext(ctx).
		Where("period_type = ? AND period_key = ? AND stat_name = ?", period, key, stat).
		Order("count DESC, user_id ASC")
	if limit > 0 {
		q = q.Limit(limit)
	}
	var buckets []domain.StatBucket
	err := q.Find(&buckets).Error
	return buckets, err
}
