package main

import (
	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/meterline/internal/balance"
	"github.com/smallbiznis/meterline/internal/clock"
	"github.com/smallbiznis/meterline/internal/config"
	"github.com/smallbiznis/meterline/internal/ledger"
	"github.com/smallbiznis/meterline/internal/logger"
	"github.com/smallbiznis/meterline/internal/migration"
	"github.com/smallbiznis/meterline/internal/orchestrator"
	"github.com/smallbiznis/meterline/internal/queue"
	"github.com/smallbiznis/meterline/internal/server"
	"github.com/smallbiznis/meterline/pkg/db"
	"github.com/smallbiznis/meterline/pkg/telemetry"
	"go.uber.org/fx"
)

// The orchestrator claims pending ledger rows into batches and fans them
// out as per-organization billing jobs.
func main() {
	app := fx.New(
		config.Module,
		logger.Module,
		telemetry.Module,
		fx.Provide(RegisterSnowflake),
		db.Module,
		migration.Module,
		clock.Module,
		queue.Module,
		server.Module,

		ledger.Module,
		balance.Module,
		orchestrator.Module,
	)
	app.Run()
}

func RegisterSnowflake() *snowflake.Node {
	node, err := snowflake.NewNode(1)
	if err != nil {
		panic(err)
	}
	return node
}
