package compensation

import "go.uber.org/fx"

var Module = fx.Module("compensation",
	fx.Provide(New),
)
