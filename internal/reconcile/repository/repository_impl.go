package repository

import (
	"context"
	"errors"
	"time"

	"github.com/bwmarrin/snowflake"
	generationdomain "github.com/smallbiznis/melodia/internal/generation/domain"
	"github.com/smallbiznis/melodia/internal/reconcile/domain"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

type repo struct{}

func Provide() domain.Repository {
	return &repo{}
}

func (r *repo) FindTask(ctx context.Context, db *gorm.DB, id snowflake.ID) (*generationdomain.Task, error) {
	return takeTask(db.WithContext(ctx).Where("id = ?", id))
}

func (r *repo) FindTaskByExternalID(ctx context.Context, db *gorm.DB, externalID string) (*generationdomain.Task, error) {
	return takeTask(db.WithContext(ctx).Where("external_id = ?", externalID))
}

func (r *repo) LockTask(ctx context.Context, db *gorm.DB, id snowflake.ID) (*generationdomain.Task, error) {
	return takeTask(db.WithContext(ctx).
		Clauses(clause.Locking{Strength: "UPDATE"}).
		Where("id = ?", id))
}

func (r *repo) RecordExternalID(ctx context.Context, db *gorm.DB, id snowflake.ID, externalID string) (bool, error) {
	res := db.WithContext(ctx).Exec(
		`UPDATE generate_song_tasks SET external_id = ? WHERE id = ? AND external_id IS NULL`,
		externalID, id,
	)
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected > 0, nil
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

func (r *repo) LockDueTasks(ctx context.Context, db *gorm.DB, now time.Time, limit int) ([]generationdomain.Task, error) {
	var tasks []generationdomain.Task
	err := db.WithContext(ctx).Raw(
		`SELECT * FROM generate_song_tasks
		 WHERE status IN (?, ?)
		   AND external_id IS NOT NULL
		   AND next_poll_at IS NOT NULL
		   AND next_poll_at <= ?
		 ORDER BY next_poll_at ASC
		 LIMIT ?
		 FOR UPDATE SKIP LOCKED`,
		generationdomain.TaskProcessing, generationdomain.TaskPartial, now, limit,
	).Scan(&tasks).Error
	return tasks, err
}

func (r *repo) LeaseTasks(ctx context.Context, db *gorm.DB, ids []snowflake.ID, until time.Time) error {
	if len(ids) == 0 {
		return nil
	}
	return db.WithContext(ctx).Exec(
		`UPDATE generate_song_tasks SET next_poll_at = ? WHERE id IN ?`,
		until, ids,
	).Error
}

func (r *repo) InsertSongIfAbsent(ctx context.Context, db *gorm.DB, song *generationdomain.Song) (bool, error) {
	res := db.WithContext(ctx).
		Clauses(clause.OnConflict{Columns: []clause.Column{{Name: "external_id"}}, DoNothing: true}).
		Create(song)
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected > 0, nil
}

func (r *repo) FindSongByExternalID(ctx context.Context, db *gorm.DB, externalID string) (*generationdomain.Song, error) {
	var song generationdomain.Song
	err := db.WithContext(ctx).Where("external_id = ?", externalID).Take(&song).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &song, nil
}

func (r *repo) SaveTaskStatus(ctx context.Context, db *gorm.DB, task *generationdomain.Task) error {
	return db.WithContext(ctx).
		Model(&generationdomain.Task{}).
		Where("id = ?", task.ID).
		Updates(map[string]any{
			"status":        task.Status,
			"song_ids":      task.SongIDs,
			"next_poll_at":  task.NextPollAt,
			"poll_attempts": task.PollAttempts,
			"error":         task.Error,
			"updated_at":    task.UpdatedAt,
		}).Error
}

func (r *repo) RequestFlags(ctx context.Context, db *gorm.DB, requestID snowflake.ID) (bool, int64, error) {
	var row struct {
		DedicationPaymentType   generationdomain.AddOnPaymentType
		AruncaCuBaniPaymentType generationdomain.AddOnPaymentType
		AruncaCuBaniAmountToPay int64
	}
	err := db.WithContext(ctx).Raw(
		`SELECT dedication_payment_type, arunca_cu_bani_payment_type, arunca_cu_bani_amount_to_pay
		 FROM generation_requests WHERE id = ?`,
		requestID,
	).Scan(&row).Error
	if err != nil {
		return false, 0, err
	}
	var donation int64
	if row.AruncaCuBaniPaymentType == generationdomain.AddOnOnetime {
		donation = row.AruncaCuBaniAmountToPay
	}
	return row.DedicationPaymentType == generationdomain.AddOnOnetime, donation, nil
}
