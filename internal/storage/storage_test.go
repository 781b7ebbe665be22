package storage

import (
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/melodia/internal/dbtest"
	generationdomain "github.com/smallbiznis/melodia/internal/generation/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

func TestObjectKey(t *testing.T) {
	assert.Equal(t, "songs/7/vara-la-mare-42.mp3", ObjectKey(7, 42, "Vara la mare!"))
	assert.Equal(t, "songs/7/song-42.mp3", ObjectKey(7, 42, "  "))
}

func TestFileStorePut(t *testing.T) {
	dir := t.TempDir()
	store, err := NewFileStore(dir, "https://media.test/")
	require.NoError(t, err)

	url, err := store.Put(context.Background(), "songs/1/a-2.mp3", strings.NewReader("ID3"))
	require.NoError(t, err)
	assert.Equal(t, "https://media.test/songs/1/a-2.mp3", url)

	data, err := os.ReadFile(filepath.Join(dir, "songs", "1", "a-2.mp3"))
	require.NoError(t, err)
	assert.Equal(t, "ID3", string(data))

	for _, key := range []string{"", "/etc/passwd", "../outside.mp3", "songs/../../x"} {
		_, err := store.Put(context.Background(), key, strings.NewReader("x"))
		assert.ErrorIs(t, err, ErrInvalidKey, key)
	}

	_, err = NewFileStore(" ", "")
	assert.ErrorIs(t, err, ErrNotAvailable)
}

type mirrorFixture struct {
	mirror *Mirror
	db     *gorm.DB
	node   *snowflake.Node
	dir    string
	hits   atomic.Int32
}

func setupMirror(t *testing.T) (*mirrorFixture, *httptest.Server) {
	t.Helper()
	f := &mirrorFixture{db: dbtest.Open(t), node: dbtest.Node(t), dir: t.TempDir()}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		f.hits.Add(1)
		if strings.HasSuffix(r.URL.Path, "/missing.mp3") {
			http.NotFound(w, r)
			return
		}
		_, _ = w.Write([]byte("audio:" + r.URL.Path))
	}))
	t.Cleanup(srv.Close)

	store, err := NewFileStore(f.dir, "")
	require.NoError(t, err)
	f.mirror = NewMirror(MirrorParams{DB: f.db, Log: zap.NewNop(), Store: store, HTTPClient: srv.Client()})
	return f, srv
}

func (f *mirrorFixture) seedSong(t *testing.T, audioURL string) *generationdomain.Song {
	t.Helper()
	song := &generationdomain.Song{
		ID:             f.node.Generate(),
		ExternalID:     "trk-" + f.node.Generate().String(),
		TaskID:         f.node.Generate(),
		ExternalTaskID: "ext-task",
		UserID:         99,
		AudioURL:       audioURL,
		Title:          "Marea Neagra",
		CreatedAt:      time.Date(2025, 7, 3, 12, 0, 0, 0, time.UTC),
	}
	require.NoError(t, f.db.Create(song).Error)
	return song
}

func TestMirrorPendingStoresOnce(t *testing.T) {
	f, srv := setupMirror(t)
	ctx := context.Background()
	song := f.seedSong(t, srv.URL+"/a.mp3")

	out, err := f.mirror.MirrorPending(ctx, 10)
	require.NoError(t, err)
	assert.Equal(t, MirrorResult{Stored: 1}, out)

	var got generationdomain.Song
	require.NoError(t, f.db.Where("id = ?", song.ID).Take(&got).Error)
	require.NotNil(t, got.StorageURL)
	assert.Contains(t, *got.StorageURL, "songs/99/marea-neagra-"+song.ID.String()+".mp3")

	data, err := os.ReadFile(filepath.Join(f.dir, ObjectKey(99, song.ID, song.Title)))
	require.NoError(t, err)
	assert.Equal(t, "audio:/a.mp3", string(data))

	out, err = f.mirror.MirrorPending(ctx, 10)
	require.NoError(t, err)
	assert.Equal(t, MirrorResult{}, out)
	assert.Equal(t, int32(1), f.hits.Load())
}

func TestMirrorSetStorageURLOnlyOnce(t *testing.T) {
	f, srv := setupMirror(t)
	song := f.seedSong(t, srv.URL+"/a.mp3")

	stored, err := f.mirror.setStorageURL(context.Background(), song.ID, "https://first")
	require.NoError(t, err)
	assert.True(t, stored)
	stored, err = f.mirror.setStorageURL(context.Background(), song.ID, "https://second")
	require.NoError(t, err)
	assert.False(t, stored)

	var got generationdomain.Song
	require.NoError(t, f.db.Where("id = ?", song.ID).Take(&got).Error)
	assert.Equal(t, "https://first", *got.StorageURL)
}

func TestMirrorDownloadFailureIsReported(t *testing.T) {
	f, srv := setupMirror(t)
	f.seedSong(t, srv.URL+"/missing.mp3")
	ok := f.seedSong(t, srv.URL+"/b.mp3")

	out, err := f.mirror.MirrorPending(context.Background(), 10)
	require.Error(t, err)
	var dlErr *DownloadError
	require.ErrorAs(t, err, &dlErr)
	assert.Equal(t, http.StatusNotFound, dlErr.StatusCode)
	assert.Equal(t, 1, out.Stored)

	var got generationdomain.Song
	require.NoError(t, f.db.Where("id = ?", ok.ID).Take(&got).Error)
	assert.NotNil(t, got.StorageURL)
}

func TestMirrorWithoutStore(t *testing.T) {
	m := NewMirror(MirrorParams{DB: dbtest.Open(t), Log: zap.NewNop()})
	assert.False(t, m.Enabled())
	_, err := m.MirrorPending(context.Background(), 1)
	assert.ErrorIs(t, err, ErrNotAvailable)
}
