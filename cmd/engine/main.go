package main

import (
	"log"

	"go.uber.org/fx"
	"go.uber.org/fx/fxevent"
	"go.uber.org/zap"

	pkgasynq "promo-engine/pkg/asynq"
	"promo-engine/pkg/config"
	"promo-engine/pkg/db"
	"promo-engine/pkg/gen"
	"promo-engine/pkg/httpapi"
	"promo-engine/pkg/kafka"
	"promo-engine/pkg/kvcache"
	"promo-engine/pkg/logger"
	"promo-engine/pkg/redis"
	"promo-engine/pkg/server"
	"promo-engine/services/award"
	"promo-engine/services/campaign"
	"promo-engine/services/dispatch"
	"promo-engine/services/engine"
	"promo-engine/services/grant"
	"promo-engine/services/indicator"
	"promo-engine/services/ingest"
	"promo-engine/services/sweep"
)

func main() {
	opts := []fx.Option{
		config.Module,
		logger.Module,
		db.Module,
		redis.Module,
		kvcache.Module,
		gen.Module,
		pkgasynq.Client,
		pkgasynq.Server,
		kafka.Module,
		award.Module,
		campaign.Module,
		indicator.Module,
		grant.Module,
		engine.Module,
		dispatch.Module,
		ingest.Module,
		sweep.Module,
		server.ProvideHTTPServer,
		httpapi.Module,
		fxLogger,
	}

	if err := fx.ValidateApp(opts...); err != nil {
		log.Fatalf("fx validation failed: %v", err)
	}

	app := fx.New(opts...)

	app.Run()
}

var fxLogger = fx.WithLogger(func(cfg *config.Config, logger *zap.Logger) fxevent.Logger {
	return fxevent.NopLogger
})
