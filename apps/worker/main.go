// Command worker runs the scheduler jobs: task polling, dispatch recovery,
// storage mirroring and leaderboard rebuilds.
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
	"github.com/smallbiznis/melodia/internal/migration"
	"github.com/smallbiznis/melodia/internal/observability"
	obsmetrics "github.com/smallbiznis/melodia/internal/observability/metrics"
	"github.com/smallbiznis/melodia/internal/pipeline"
	"github.com/smallbiznis/melodia/internal/providers"
	"github.com/smallbiznis/melodia/internal/ratelimit"
	"github.com/smallbiznis/melodia/internal/reconcile"
	"github.com/smallbiznis/melodia/internal/redisclient"
	"github.com/smallbiznis/melodia/internal/scheduler"
	"github.com/smallbiznis/melodia/internal/storage"
	"github.com/smallbiznis/melodia/pkg/db"
	"go.uber.org/fx"
)

func main() {
	app := fx.New(
		config.Module,
		observability.Module,
		fx.Provide(RegisterSnowflake),
		db.Module,
		migration.Module,
		clock.Module,
		redisclient.Module,
		ratelimit.Module,

		// Domain services required by the jobs
		providers.Module,
		ledger.Module,
		generation.Module,
		dispatch.Module,
		reconcile.Module,
		fanout.Module,
		leaderboard.Module,
		compensation.Module,
		pipeline.Module,
		storage.Module,

		// No server module; metrics leave the process through the pusher
		fx.Provide(obsmetrics.NewPusher),
		scheduler.Module,
	)
	app.Run()
}

func RegisterSnowflake(cfg config.Config) (*snowflake.Node, error) {
	return snowflake.NewNode(cfg.NodeID)
}
