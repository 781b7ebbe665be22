package fanout

import (
	"github.com/smallbiznis/melodia/internal/fanout/repository"
	"github.com/smallbiznis/melodia/internal/fanout/service"
	"go.uber.org/fx"
)

var Module = fx.Module("fanout.service",
	fx.Provide(repository.Provide),
	fx.Provide(service.NewService),
)
