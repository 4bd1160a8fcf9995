package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/local/docpdf/internal/metrics"
	"github.com/local/docpdf/internal/orchestrator"
)

const (
	version       = "1.0.0"
	shutdownGrace = 15 * time.Second
)

func newServeCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API and the cleanup service",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd.Context(), ctx)
		},
	}
}

func runServe(parent context.Context, cc *commandContext) error {
	if parent == nil {
		parent = context.Background()
	}
	ctx, stop := signal.NotifyContext(parent, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg := cc.config
	comp, err := cc.build(ctx, true)
	if err != nil {
		return err
	}
	defer comp.close()

	metrics.Init()
	comp.sweeper.Start()

	api := orchestrator.NewServer(comp.flow, comp.store, comp.sweeper, comp.health, orchestrator.ServerOptions{
		APIKey:         cfg.Server.APIKey,
		MaxUploadBytes: cfg.Server.MaxUploadBytes,
		Version:        version,
	})
	srv := &http.Server{Addr: cfg.Addr(), Handler: api.Handler(), ReadHeaderTimeout: 10 * time.Second}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		log.Info().Str("addr", srv.Addr).Str("version", version).Msg("HTTP server listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		log.Info().Msg("shutting down")

		sctx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
		defer cancel()
		if err := comp.sweeper.Stop(sctx); err != nil {
			log.Warn().Err(err).Msg("cleanup service did not stop in time")
		}
		if err := srv.Shutdown(sctx); err != nil {
			log.Warn().Err(err).Msg("http shutdown")
		}

		// background conversions may run up to the converter timeout
		dctx, dcancel := context.WithTimeout(context.Background(), cfg.Converter.Timeout+shutdownGrace)
		defer dcancel()
		if err := comp.flow.Wait(dctx); err != nil {
			log.Warn().Err(err).Msg("conversion jobs still running at shutdown")
		}
		log.Info().Msg("shutdown complete")
		return nil
	})
	return g.Wait()
}
