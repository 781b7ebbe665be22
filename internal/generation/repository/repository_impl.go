package repository

import (
	"context"
	"errors"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/melodia/internal/generation/domain"
	"gorm.io/gorm"
)

type repo struct{}

func Provide() domain.Repository {
	return &repo{}
}

func (r *repo) Insert(ctx context.Context, db *gorm.DB, req *domain.Request) error {
	return db.WithContext(ctx).Create(req).Error
}

func (r *repo) FindByID(ctx context.Context, db *gorm.DB, id snowflake.ID) (*domain.Request, error) {
	var item domain.Request
	err := db.WithContext(ctx).Where("id = ?", id).Take(&item).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &item, nil
}

func (r *repo) SetCheckout(ctx context.Context, db *gorm.DB, id snowflake.ID, sessionID, checkoutURL string, now time.Time) error {
	return db.WithContext(ctx).Exec(
		`UPDATE generation_requests
		 SET payment_session_id = ?, checkout_url = ?, updated_at = ?
		 WHERE id = ? AND payment_session_id IS NULL`,
		sessionID, checkoutURL, now, id,
	).Error
}

// TransitionPayment moves a pending request to the target status. It
// reports false when the request was not pending anymore.
func (r *repo) TransitionPayment(ctx context.Context, db *gorm.DB, id snowflake.ID, to domain.PaymentStatus, reason *string, now time.Time) (bool, error) {
	res := db.WithContext(ctx).Exec(
		`UPDATE generation_requests
		 SET payment_status = ?, error = COALESCE(?, error), updated_at = ?
		 WHERE id = ? AND payment_status = ?`,
		to, reason, now, id, domain.PaymentPending,
	)
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected > 0, nil
}

func (r *repo) MarkFailed(ctx context.Context, db *gorm.DB, id snowflake.ID, reason string, now time.Time) (bool, error) {
	res := db.WithContext(ctx).Exec(
		`UPDATE generation_requests
		 SET payment_status = ?, error = ?, updated_at = ?
		 WHERE id = ? AND (payment_status <> ? OR error IS NULL)`,
		domain.PaymentFailed, reason, now, id, domain.PaymentFailed,
	)
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected > 0, nil
}

func (r *repo) ClaimDispatch(ctx context.Context, db *gorm.DB, id snowflake.ID, now time.Time) (bool, error) {
	res := db.WithContext(ctx).Exec(
		`UPDATE generation_requests
		 SET dispatch_claimed_at = ?, updated_at = ?
		 WHERE id = ? AND payment_status = ? AND dispatch_claimed_at IS NULL AND task_id IS NULL`,
		now, now, id, domain.PaymentSuccess,
	)
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected > 0, nil
}

func (r *repo) ReclaimDispatch(ctx context.Context, db *gorm.DB, id snowflake.ID, staleBefore, now time.Time) (bool, error) {
	res := db.WithContext(ctx).Exec(
		`UPDATE generation_requests
		 SET dispatch_claimed_at = ?, updated_at = ?
		 WHERE id = ? AND payment_status = ? AND task_id IS NULL
		   AND (dispatch_claimed_at IS NULL OR dispatch_claimed_at < ?)`,
		now, now, id, domain.PaymentSuccess, staleBefore,
	)
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected > 0, nil
}

func (r *repo) AttachTask(ctx context.Context, db *gorm.DB, id, taskID snowflake.ID, now time.Time) (bool, error) {
	res := db.WithContext(ctx).Exec(
		`UPDATE generation_requests
		 SET task_id = ?, updated_at = ?
		 WHERE id = ? AND task_id IS NULL`,
		taskID, now, id,
	)
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected > 0, nil
}

func (r *repo) ListByUser(ctx context.Context, db *gorm.DB, userID snowflake.ID, beforeID snowflake.ID, limit int) ([]domain.Request, error) {
	query := db.WithContext(ctx).Where("user_id = ?", userID)
	if beforeID != 0 {
		query = query.Where("id < ?", beforeID)
	}
	var items []domain.Request
	err := query.Order("id DESC").Limit(limit).Find(&items).Error
	return items, err
}

func (r *repo) ListStaleUndispatched(ctx context.Context, db *gorm.DB, olderThan time.Time, limit int) ([]domain.Request, error) {
	var items []domain.Request
	err := db.WithContext(ctx).Raw(
		`SELECT * FROM generation_requests
		 WHERE payment_status = ? AND task_id IS NULL
		   AND ((dispatch_claimed_at IS NULL AND updated_at < ?) OR dispatch_claimed_at < ?)
		 ORDER BY created_at ASC
		 LIMIT ?`,
		domain.PaymentSuccess, olderThan, olderThan, limit,
	).Scan(&items).Error
	return items, err
}

func (r *repo) FindTaskByRequest(ctx context.Context, db *gorm.DB, requestID snowflake.ID) (*domain.Task, error) {
	var task domain.Task
	err := db.WithContext(ctx).Where("request_id = ?", requestID).Take(&task).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &task, nil
}

func (r *repo) ListSongs(ctx context.Context, db *gorm.DB, ids []snowflake.ID) ([]domain.Song, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	var songs []domain.Song
	err := db.WithContext(ctx).Where("id IN ?", ids).Order("id ASC").Find(&songs).Error
	return songs, err
}
