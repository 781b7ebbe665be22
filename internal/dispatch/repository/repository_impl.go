package repository

import (
	"context"
	"errors"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/melodia/internal/dispatch/domain"
	generationdomain "github.com/smallbiznis/melodia/internal/generation/domain"
	"gorm.io/gorm"
)

type repo struct{}

func Provide() domain.Repository {
	return &repo{}
}

func (r *repo) FindByRequest(ctx context.Context, db *gorm.DB, requestID snowflake.ID) (*generationdomain.Task, error) {
	var task generationdomain.Task
	err := db.WithContext(ctx).Where("request_id = ?", requestID).Take(&task).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &task, nil
}

func (r *repo) Insert(ctx context.Context, db *gorm.DB, task *generationdomain.Task) error {
	return db.WithContext(ctx).Create(task).Error
}

// SetExternalID records the provider handle once.
func (r *repo) SetExternalID(ctx context.Context, db *gorm.DB, taskID snowflake.ID, externalID string, nextPollAt, now time.Time) (bool, error) {
	res := db.WithContext(ctx).Exec(
		`UPDATE generate_song_tasks
		 SET external_id = ?, next_poll_at = ?, updated_at = ?
		 WHERE id = ? AND external_id IS NULL`,
		externalID, nextPollAt, now, taskID,
	)
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected > 0, nil
}

func (r *repo) MarkFailed(ctx context.Context, db *gorm.DB, taskID snowflake.ID, reason string, now time.Time) (bool, error) {
	res := db.WithContext(ctx).Exec(
		`UPDATE generate_song_tasks
		 SET status = ?, error = ?, next_poll_at = NULL, updated_at = ?
		 WHERE id = ? AND status NOT IN (?, ?)`,
		generationdomain.TaskFailed, reason, now, taskID,
		generationdomain.TaskCompleted, generationdomain.TaskFailed,
	)
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected > 0, nil
}
