package main

import (
	"github.com/bwmarrin/snowflake"
	"github.com/cloudmeter/quota/internal/account"
	"github.com/cloudmeter/quota/internal/clock"
	"github.com/cloudmeter/quota/internal/config"
	"github.com/cloudmeter/quota/internal/engine"
	"github.com/cloudmeter/quota/internal/ledger"
	"github.com/cloudmeter/quota/internal/logger"
	"github.com/cloudmeter/quota/internal/migration"
	"github.com/cloudmeter/quota/internal/rating"
	"github.com/cloudmeter/quota/internal/tariff"
	"github.com/cloudmeter/quota/internal/usage"
	"github.com/cloudmeter/quota/pkg/db"
	"go.uber.org/fx"
)

func main() {
	app := fx.New(
		config.Module,
		logger.Module,
		fx.Provide(RegisterSnowflake),
		db.Module,
		clock.Module,
		migration.Module,

		account.Module,
		tariff.Module,
		usage.Module,
		rating.Module,
		ledger.Module,

		engine.Module,
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
