package leaderboard

import (
	fanoutdomain "github.com/smallbiznis/melodia/internal/fanout/domain"
	"go.uber.org/fx"
)

var Module = fx.Module("leaderboard",
	fx.Provide(New),
	fx.Provide(func(b *Board) fanoutdomain.Mirror { return b }),
)
