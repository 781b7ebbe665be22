// Package storage keeps durable copies of generated audio. Provider URLs
// expire, so completed songs are copied into an ObjectStore and the copy's
// URL is written to songs.storage_url once.
package storage

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/bwmarrin/snowflake"
	"github.com/gosimple/slug"
)

var (
	ErrInvalidKey   = errors.New("invalid_object_key")
	ErrNotAvailable = errors.New("storage_not_available")
)

// ObjectStore writes an object and returns the URL it is served from.
type ObjectStore interface {
	Put(ctx context.Context, key string, body io.Reader) (string, error)
}

// ObjectKey names a song's audio object: songs/<user>/<slug(title)>-<id>.mp3.
func ObjectKey(userID, songID snowflake.ID, title string) string {
	name := slug.Make(title)
	if name == "" {
		name = "song"
	}
	return fmt.Sprintf("songs/%s/%s-%s.mp3", userID, name, songID)
}

// FileStore writes objects below a local directory.
type FileStore struct {
	dir     string
	baseURL string
}

func NewFileStore(dir, publicBaseURL string) (*FileStore, error) {
	dir = strings.TrimSpace(dir)
	if dir == "" {
		return nil, ErrNotAvailable
	}
	abs, err := filepath.Abs(dir)
	if err != nil {
		return nil, err
	}
	return &FileStore{dir: abs, baseURL: strings.TrimRight(publicBaseURL, "/")}, nil
}

// Put writes through a temp file and renames it into place, so readers never
// see a partial object.
func (s *FileStore) Put(ctx context.Context, key string, body io.Reader) (string, error) {
	path, err := s.path(key)
	if err != nil {
		return "", err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return "", err
	}

	tmp, err := os.CreateTemp(filepath.Dir(path), ".upload-*")
	if err != nil {
		return "", err
	}
	defer os.Remove(tmp.Name())

	if _, err := io.Copy(tmp, &ctxReader{ctx: ctx, r: body}); err != nil {
		_ = tmp.Close()
		return "", err
	}
	if err := tmp.Close(); err != nil {
		return "", err
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		return "", err
	}
	return s.URL(key), nil
}

func (s *FileStore) URL(key string) string {
	if s.baseURL == "" {
		return "file://" + filepath.ToSlash(filepath.Join(s.dir, key))
	}
	return s.baseURL + "/" + key
}

func (s *FileStore) path(key string) (string, error) {
	key = strings.TrimSpace(key)
	if key == "" || strings.HasPrefix(key, "/") {
		return "", ErrInvalidKey
	}
	path := filepath.Join(s.dir, filepath.FromSlash(key))
	if !strings.HasPrefix(path, s.dir+string(filepath.Separator)) {
		return "", ErrInvalidKey
	}
	return path, nil
}

type ctxReader struct {
	ctx context.Context
	r   io.Reader
}

func (r *ctxReader) Read(p []byte) (int, error) {
	if err := r.ctx.Err(); err != nil {
		return 0, err
	}
	return r.r.Read(p)
}
