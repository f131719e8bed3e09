// Command harvester runs a single catalogue harvest from the command line,
// outside the HTTP service. Useful for cron driven harvesting.
package main

import (
	"context"
	"database/sql"
	"flag"
	"os"
	"os/signal"
	"syscall"
	"time"

	_ "github.com/lib/pq"

	"github.com/owsgate/owsgate/internal/capabilities"
	"github.com/owsgate/owsgate/internal/core/config"
	"github.com/owsgate/owsgate/internal/core/httpclient"
	"github.com/owsgate/owsgate/internal/harvest"
	"github.com/owsgate/owsgate/internal/logger"
	"github.com/owsgate/owsgate/internal/ogc"
	"github.com/owsgate/owsgate/internal/registry"
	"github.com/owsgate/owsgate/internal/task"
)

func main() {
	os.Exit(run())
}

func run() int {
	ident := flag.String("ident", "", "identifier of the registered catalogue service")
	flag.Parse()

	cfg := config.FromEnv()
	log := logger.Build(logger.Config{
		Level:     cfg.LogLevel,
		Console:   cfg.LogConsole,
		Component: "harvester",
	}, os.Stdout)

	if *ident == "" {
		log.Error().Msg("-ident is required")
		return 2
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	db, err := sql.Open("postgres", cfg.DatabaseURL)
	if err != nil {
		log.Error().Err(err).Msg("open database failed")
		return 1
	}
	defer db.Close()

	client, err := httpclient.NewOutbound(cfg.OutboundProxyURL, cfg.OutboundTimeout)
	if err != nil {
		log.Error().Err(err).Msg("outbound client setup failed")
		return 1
	}

	fetcher := capabilities.NewFetcher(client, cfg.CapabilitiesLimit, log)
	reg := registry.New(registry.NewStore(db, log), fetcher, 0, nil, log)

	snap, err := reg.Snapshot(ctx, *ident)
	if err != nil {
		log.Error().Err(err).Str("ident", *ident).Msg("service lookup failed")
		return 1
	}
	if snap.Service.Type != ogc.ServiceCSW {
		log.Error().Str("ident", *ident).Str("type", string(snap.Service.Type)).
			Msg("only catalogue services can be harvested")
		return 2
	}
	var cred *httpclient.Credentials
	if snap.Service.AuthCredentialID != nil {
		stored, err := reg.Credential(ctx, *snap.Service.AuthCredentialID)
		if err != nil {
			log.Error().Err(err).Msg("credential lookup failed")
			return 1
		}
		cred = &httpclient.Credentials{
			Type:     httpclient.AuthType(stored.Type),
			Username: stored.Username,
			Password: stored.Password,
			Token:    stored.Token,
		}
	}

	prog := &task.Progress{}
	done := make(chan struct{})
	go func() {
		t := time.NewTicker(10 * time.Second)
		defer t.Stop()
		for {
			select {
			case <-done:
				return
			case <-t.C:
				st := prog.Snapshot()
				log.Info().Str("phase", string(st.Phase)).
					Int("done", st.Done).Int("total", st.Total).Msg("harvest progress")
			}
		}
	}()

	h := harvest.New(harvest.NewStore(db, cfg.HarvestWorkers), client, cfg.HarvestPageSize, nil, log)
	err = h.Run(ctx, snap.Service, cred, prog)
	close(done)
	if err != nil {
		log.Error().Err(err).Str("ident", *ident).Msg("harvest failed")
		return 1
	}

	st := prog.Snapshot()
	log.Info().Str("ident", *ident).Int("records", st.Done).
		Dur("took", st.Duration).Msg("harvest complete")
	return 0
}
