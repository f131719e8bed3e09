// Package server assembles the HTTP surfaces and runs them until the
// context is cancelled.
package server

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"

	"github.com/owsgate/owsgate/internal/api"
	"github.com/owsgate/owsgate/internal/core/config"
	"github.com/owsgate/owsgate/internal/core/observability"
	imw "github.com/owsgate/owsgate/internal/middleware"
	"github.com/owsgate/owsgate/internal/proxy"
)

// Handlers carries the wired request handlers. Construction of their
// dependencies (database, caches, broker) happens in the command.
type Handlers struct {
	Proxy *proxy.Handler
	API   *api.Handler
}

// Run serves the proxy and management API on cfg.Addr and the Prometheus
// endpoint on cfg.MetricsAddr. It blocks until ctx is cancelled or a
// listener fails.
func Run(ctx context.Context, cfg config.Config, log zerolog.Logger, h Handlers) error {
	r := chi.NewRouter()
	r.Use(imw.Recover(log))
	r.Use(imw.RequestID())
	r.Use(imw.Logging(log))

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})

	h.Proxy.Routes(r)
	r.Route("/api", h.API.Routes)

	srv := &http.Server{
		Addr:              cfg.Addr,
		Handler:           r,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      60 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	metricsMux := http.NewServeMux()
	metricsMux.Handle(cfg.MetricsPath, observability.Handler())
	metricsSrv := &http.Server{
		Addr:              cfg.MetricsAddr,
		Handler:           metricsMux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 2)
	go func() {
		log.Info().Str("addr", cfg.Addr).Msg("http listen")
		if err := srv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()
	go func() {
		log.Info().Str("addr", cfg.MetricsAddr).Str("path", cfg.MetricsPath).Msg("metrics listen")
		if err := metricsSrv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
		_ = metricsSrv.Shutdown(shutdownCtx)
		return nil
	case err := <-errCh:
		return err
	}
}
