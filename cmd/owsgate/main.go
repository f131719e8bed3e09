package main

import (
	"context"
	"database/sql"
	"os"
	"os/signal"
	"syscall"

	_ "github.com/lib/pq"

	"github.com/owsgate/owsgate/internal/api"
	"github.com/owsgate/owsgate/internal/app/server"
	"github.com/owsgate/owsgate/internal/capabilities"
	"github.com/owsgate/owsgate/internal/core/config"
	"github.com/owsgate/owsgate/internal/core/httpclient"
	"github.com/owsgate/owsgate/internal/events"
	"github.com/owsgate/owsgate/internal/harvest"
	"github.com/owsgate/owsgate/internal/logger"
	"github.com/owsgate/owsgate/internal/mask"
	"github.com/owsgate/owsgate/internal/proxy"
	"github.com/owsgate/owsgate/internal/registry"
	"github.com/owsgate/owsgate/internal/secure"
)

var Version = "dev"

func main() {
	os.Exit(run())
}

func run() int {
	cfg := config.FromEnv()

	log := logger.Build(logger.Config{
		Level:     cfg.LogLevel,
		Console:   cfg.LogConsole,
		Component: "owsgate",
	}, os.Stdout)

	log.Info().Str("addr", cfg.Addr).Str("version", Version).Msg("starting")

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	db, err := sql.Open("postgres", cfg.DatabaseURL)
	if err != nil {
		log.Error().Err(err).Msg("open database failed")
		return 1
	}
	defer db.Close()
	if err := registry.Migrate(ctx, db); err != nil {
		log.Error().Err(err).Msg("migrate failed")
		return 1
	}

	client, err := httpclient.NewOutbound(cfg.OutboundProxyURL, cfg.OutboundTimeout)
	if err != nil {
		log.Error().Err(err).Msg("outbound client setup failed")
		return 1
	}

	var pub registry.Publisher
	if cfg.Events.Enabled {
		producer, err := events.NewProducer(cfg.Events.BrokerList(), cfg.Events.Topic, log)
		if err != nil {
			log.Error().Err(err).Msg("event producer setup failed")
			return 1
		}
		defer producer.Close()
		pub = producer
	}

	fetcher := capabilities.NewFetcher(client, cfg.CapabilitiesLimit, log)
	store := registry.NewStore(db, log)
	reg := registry.New(store, fetcher, 0, pub, log)
	eval := secure.NewEvaluator(cfg.CellResolution, log)

	blocked, err := mask.ParseHexColor(cfg.MaskColor)
	if err != nil {
		log.Error().Err(err).Msg("invalid mask color")
		return 1
	}
	maskStore, err := mask.NewStore(ctx, cfg.RedisAddr, cfg.MaskCacheSize, cfg.MaskCacheTTL, log)
	if err != nil {
		log.Warn().Err(err).Msg("shared mask cache unreachable, using the local cache only")
		maskStore, _ = mask.NewStore(ctx, "", cfg.MaskCacheSize, cfg.MaskCacheTTL, log)
	}
	defer maskStore.Close()
	masker := mask.NewEngine(maskStore, blocked, 0, cfg.CaptionMinFontSize, cfg.CaptionMaxFontSize)

	invoker := proxy.NewInvoker(client, cfg.MaxPOSTURILength, 0, log)
	proxyH := proxy.NewHandler(reg, eval, invoker, masker, cfg.GroupHeader, cfg.DefaultCRSCode, log)

	harvestStore := harvest.NewStore(db, cfg.HarvestWorkers)
	harvester := harvest.New(harvestStore, client, cfg.HarvestPageSize, pub, log)
	apiH := api.NewHandler(reg, harvester, log)

	runner := events.NewRunner(cfg.Events, reg, eval, log)
	if err := runner.Start(ctx); err != nil {
		log.Error().Err(err).Msg("event consumer setup failed")
		return 1
	}
	defer runner.Stop()

	if err := server.Run(ctx, cfg, log, server.Handlers{Proxy: proxyH, API: apiH}); err != nil {
		log.Error().Err(err).Msg("server exited with error")
		return 1
	}
	log.Info().Msg("server stopped")
	return 0
}
