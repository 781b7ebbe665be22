package pipeline

import (
	paymentdomain "github.com/smallbiznis/melodia/internal/payment/domain"
	reconciledomain "github.com/smallbiznis/melodia/internal/reconcile/domain"
	"go.uber.org/fx"
)

var Module = fx.Module("pipeline",
	fx.Provide(New),
	fx.Provide(
		func(p *Pipeline) paymentdomain.EventHandler { return p },
		func(p *Pipeline) reconciledomain.FailureHandler { return p },
		func(p *Pipeline) reconciledomain.SongCreatedHandler { return p },
	),
)
