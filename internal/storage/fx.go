package storage

import (
	"github.com/smallbiznis/melodia/internal/config"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

var Module = fx.Module("storage",
	fx.Provide(newObjectStore),
	fx.Provide(NewMirror),
)

// newObjectStore returns nil when mirroring is off; the mirror job then
// reports the store as unavailable.
func newObjectStore(cfg config.Config, log *zap.Logger) ObjectStore {
	if !cfg.Storage.MirrorEnabled {
		return nil
	}
	store, err := NewFileStore(cfg.Storage.Dir, cfg.Storage.PublicBaseURL)
	if err != nil {
		log.Warn("storage mirror disabled", zap.String("dir", cfg.Storage.Dir), zap.Error(err))
		return nil
	}
	return store
}
