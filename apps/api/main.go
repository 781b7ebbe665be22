// Command api serves the HTTP surface without the background scheduler.
package main

import (
	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/melodia/internal/clock"
	"github.com/smallbiznis/melodia/internal/compensation"
	"github.com/smallbiznis/melodia/internal/config"
	"github.com/smallbiznis/melodia/internal/dispatch"
	"github.com/smallbiznis/melodia/internal/fanout"
	"github.com/smallbiznis/melodia/internal/generation"
	"github.com/smallbiznis/melodia/internal/leaderboard"
	"github.com/smallbiznis/melodia/internal/ledger"
	"github.com/smallbiznis/melodia/internal/observability"
	"github.com/smallbiznis/melodia/internal/pipeline"
	"github.com/smallbiznis/melodia/internal/providers"
	"github.com/smallbiznis/melodia/internal/ratelimit"
	"github.com/smallbiznis/melodia/internal/reconcile"
	"github.com/smallbiznis/melodia/internal/redisclient"
	"github.com/smallbiznis/melodia/internal/server"
	"github.com/smallbiznis/melodia/pkg/db"
	"go.uber.org/fx"
)

func main() {
	app := fx.New(
		config.Module,
		observability.Module,
		fx.Provide(RegisterSnowflake),
		db.Module,
		clock.Module,
		redisclient.Module,
		ratelimit.Module,

		// Request path: creation, payment webhooks and provider callbacks
		providers.Module,
		ledger.Module,
		generation.Module,
		dispatch.Module,
		reconcile.Module,
		fanout.Module,
		leaderboard.Module,
		compensation.Module,
		pipeline.Module,

		server.Module,
	)
	app.Run()
}

func RegisterSnowflake(cfg config.Config) (*snowflake.Node, error) {
	return snowflake.NewNode(cfg.NodeID)
}
