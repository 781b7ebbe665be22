package payment

import (
	"net/http"
	"time"

	"github.com/smallbiznis/melodia/internal/config"
	"github.com/smallbiznis/melodia/internal/observability/tracing"
	"github.com/smallbiznis/melodia/internal/payment/adapters"
	"github.com/smallbiznis/melodia/internal/payment/adapters/adyen"
	"github.com/smallbiznis/melodia/internal/payment/adapters/stripe"
	paymentdomain "github.com/smallbiznis/melodia/internal/payment/domain"
	"github.com/smallbiznis/melodia/internal/payment/repository"
	"github.com/smallbiznis/melodia/internal/payment/webhook"
	"go.uber.org/fx"
)

var Module = fx.Module("payment.service",
	fx.Provide(repository.Provide),
	fx.Provide(func(cfg config.Config) *adapters.Registry {
		registry := adapters.NewRegistry(stripe.NewFactory(), adyen.NewFactory())
		registry.ConfigureFromGateway(cfg.Gateway)
		return registry
	}),
	fx.Provide(func(cfg config.Config) paymentdomain.Gateway {
		return stripe.NewCheckoutClient(stripe.CheckoutConfig{
			SecretKey:  cfg.Gateway.SecretKey,
			APIBase:    cfg.Gateway.APIBase,
			SuccessURL: cfg.Gateway.SuccessURL,
			CancelURL:  cfg.Gateway.CancelURL,
		}, tracing.WrapHTTPClient(&http.Client{Timeout: 15 * time.Second}))
	}),
	fx.Provide(webhook.NewService),
)
