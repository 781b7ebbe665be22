package generation

import (
	"github.com/smallbiznis/melodia/internal/generation/repository"
	"github.com/smallbiznis/melodia/internal/generation/service"
	"go.uber.org/fx"
)

var Module = fx.Module("generation.service",
	fx.Provide(repository.Provide),
	fx.Provide(service.NewService),
)
