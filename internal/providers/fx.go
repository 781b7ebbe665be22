// Package providers bundles the outbound integrations: the card payment
// gateway and the song generation provider.
package providers

import (
	"github.com/smallbiznis/melodia/internal/payment"
	"github.com/smallbiznis/melodia/internal/providers/songgen"
	"go.uber.org/fx"
)

var Module = fx.Module("providers",
	payment.Module,
	songgen.Module,
)
