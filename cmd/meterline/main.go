package main

import (
	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/meterline/internal/balance"
	"github.com/smallbiznis/meterline/internal/clock"
	"github.com/smallbiznis/meterline/internal/config"
	"github.com/smallbiznis/meterline/internal/decoder"
	"github.com/smallbiznis/meterline/internal/envelope"
	"github.com/smallbiznis/meterline/internal/ledger"
	"github.com/smallbiznis/meterline/internal/logger"
	"github.com/smallbiznis/meterline/internal/migration"
	"github.com/smallbiznis/meterline/internal/objectstore"
	"github.com/smallbiznis/meterline/internal/orchestrator"
	"github.com/smallbiznis/meterline/internal/pricing"
	"github.com/smallbiznis/meterline/internal/queue"
	"github.com/smallbiznis/meterline/internal/server"
	"github.com/smallbiznis/meterline/internal/settlement"
	"github.com/smallbiznis/meterline/pkg/db"
	"github.com/smallbiznis/meterline/pkg/telemetry"
	"go.uber.org/fx"
)

// The monolith runs all three workers in one process: archive decoding,
// batch orchestration, and balance settlement.
func main() {
	app := fx.New(
		// Core infrastructure
		config.Module,
		logger.Module,
		telemetry.Module,
		fx.Provide(RegisterSnowflake),
		db.Module,
		migration.Module,
		clock.Module,
		queue.Module,
		server.Module,

		// Pipeline
		ledger.Module,
		pricing.Module,
		envelope.Module,
		objectstore.Module,
		balance.Module,
		decoder.Module,
		orchestrator.Module,
		settlement.Module,
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
