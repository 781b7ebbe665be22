package storage

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/bwmarrin/snowflake"
	generationdomain "github.com/smallbiznis/melodia/internal/generation/domain"
	"github.com/smallbiznis/melodia/internal/observability/tracing"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const defaultMirrorBatch = 20

// DownloadError is a failed fetch of a provider audio URL.
type DownloadError struct {
	StatusCode int
	URL        string
}

func (e *DownloadError) Error() string {
	return fmt.Sprintf("download %s: status %d", e.URL, e.StatusCode)
}

// Upstream marks download failures as provider-side for scheduler metrics.
func (e *DownloadError) Upstream() bool { return true }

type MirrorParams struct {
	fx.In

	DB         *gorm.DB
	Log        *zap.Logger
	Store      ObjectStore  `optional:"true"`
	HTTPClient *http.Client `optional:"true"`
}

type Mirror struct {
	db     *gorm.DB
	log    *zap.Logger
	store  ObjectStore
	client *http.Client
}

func NewMirror(p MirrorParams) *Mirror {
	client := p.HTTPClient
	if client == nil {
		client = tracing.WrapHTTPClient(&http.Client{Timeout: 2 * time.Minute})
	}
	return &Mirror{
		db:     p.DB,
		log:    p.Log.Named("storage.mirror"),
		store:  p.Store,
		client: client,
	}
}

func (m *Mirror) Enabled() bool {
	return m != nil && m.store != nil
}

type MirrorResult struct {
	Stored  int
	Skipped int
}

// MirrorPending copies up to limit songs that have no storage copy yet.
// Each failure is reported and the song is retried on a later run.
func (m *Mirror) MirrorPending(ctx context.Context, limit int) (MirrorResult, error) {
	var out MirrorResult
	if m.store == nil {
		return out, ErrNotAvailable
	}
	if limit <= 0 {
		limit = defaultMirrorBatch
	}

	var songs []generationdomain.Song
	err := m.db.WithContext(ctx).
		Where("storage_url IS NULL AND audio_url <> ''").
		Order("created_at ASC").
		Limit(limit).
		Find(&songs).Error
	if err != nil {
		return out, err
	}

	var errs []error
	for i := range songs {
		stored, err := m.mirrorSong(ctx, &songs[i])
		if err != nil {
			errs = append(errs, fmt.Errorf("song %s: %w", songs[i].ID, err))
			continue
		}
		if stored {
			out.Stored++
		} else {
			out.Skipped++
		}
	}
	return out, errors.Join(errs...)
}

func (m *Mirror) mirrorSong(ctx context.Context, song *generationdomain.Song) (bool, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, song.AudioURL, nil)
	if err != nil {
		return false, err
	}
	resp, err := m.client.Do(req)
	if err != nil {
		return false, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return false, &DownloadError{StatusCode: resp.StatusCode, URL: song.AudioURL}
	}

	url, err := m.store.Put(ctx, ObjectKey(song.UserID, song.ID, song.Title), resp.Body)
	if err != nil {
		return false, err
	}
	return m.setStorageURL(ctx, song.ID, url)
}

// setStorageURL writes the URL only while none is set.
func (m *Mirror) setStorageURL(ctx context.Context, songID snowflake.ID, url string) (bool, error) {
	res := m.db.WithContext(ctx).Exec(
		`UPDATE songs SET storage_url = ? WHERE id = ? AND storage_url IS NULL`,
		url, songID,
	)
	if res.Error != nil {
		return false, res.Error
	}
	if res.RowsAffected == 0 {
		m.log.Debug("song already mirrored", zap.String("song_id", songID.String()))
		return false, nil
	}
	return true, nil
}
