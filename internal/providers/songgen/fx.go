package songgen

import (
	"net/http"
	"time"

	"github.com/smallbiznis/melodia/internal/config"
	dispatchdomain "github.com/smallbiznis/melodia/internal/dispatch/domain"
	"github.com/smallbiznis/melodia/internal/observability/tracing"
	reconciledomain "github.com/smallbiznis/melodia/internal/reconcile/domain"
	"go.uber.org/fx"
)

var Module = fx.Module("songgen",
	fx.Provide(func(cfg config.Config) *Client {
		httpClient := tracing.WrapHTTPClient(&http.Client{Timeout: 30 * time.Second})
		return NewClient(cfg.Provider, httpClient)
	}),
	fx.Provide(func(c *Client) dispatchdomain.Provider { return c }),
	fx.Provide(func(c *Client) reconciledomain.StatusFetcher { return c }),
)
