package main

import (
	"context"
	"fmt"
	"os"
	"strings"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/local/docpdf/internal/cleanup"
	"github.com/local/docpdf/internal/config"
	"github.com/local/docpdf/internal/converter"
	"github.com/local/docpdf/internal/jobs"
	logpkg "github.com/local/docpdf/internal/logger"
	"github.com/local/docpdf/internal/orchestrator"
	"github.com/local/docpdf/internal/staging"
	"github.com/local/docpdf/internal/statuscheck"
)

type commandContext struct {
	configFlag *string
	config     config.Config
}

func newCommandContext(configFlag *string) *commandContext {
	return &commandContext{configFlag: configFlag}
}

// init loads .env and the configuration, then sets up logging. Only serve
// logs to stdout; the one-shot commands keep stdout for their tables.
func (c *commandContext) init(cmd *cobra.Command) error {
	_ = godotenv.Load()
	if path := strings.TrimSpace(*c.configFlag); path != "" {
		if err := os.Setenv("CONFIG_FILE", path); err != nil {
			return err
		}
	}
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	c.config = cfg

	out := os.Stderr
	if cmd.Name() == "serve" || cmd.Name() == "docpdf" {
		out = os.Stdout
	}
	return logpkg.Init(logpkg.Options{
		Level:        cfg.Logging.Level,
		Pretty:       cfg.Logging.Pretty,
		File:         cfg.Logging.File,
		MaxSizeMB:    cfg.Logging.MaxSizeMB,
		MaxBackups:   cfg.Logging.MaxBackups,
		MaxAgeDays:   cfg.Logging.MaxAgeDays,
		Compress:     cfg.Logging.Compress,
		SendToAxiom:  cfg.Axiom.Send && cfg.Axiom.APIKey != "",
		AxiomAPIKey:  cfg.Axiom.APIKey,
		AxiomOrgID:   cfg.Axiom.OrgID,
		AxiomDataset: cfg.Axiom.Dataset,
		AxiomFlush:   cfg.Axiom.FlushInterval,
		Out:          out,
	})
}

// components is the wired service graph.
type components struct {
	store     *staging.Store
	converter *converter.LibreOffice
	registry  jobs.Store
	mirror    *orchestrator.S3Mirror
	flow      *orchestrator.Workflow
	sweeper   *cleanup.Sweeper
	health    *statuscheck.Checker
}

// build wires the service. External backends (Redis, S3) are only connected
// when withBackends is set; one-shot commands run against local state.
func (c *commandContext) build(ctx context.Context, withBackends bool) (*components, error) {
	cfg := c.config
	store, err := staging.NewStore(cfg.Storage.UploadDir, cfg.Storage.OutputDir)
	if err != nil {
		return nil, err
	}

	comp := &components{
		store: store,
		converter: converter.NewLibreOffice(converter.Options{
			BinaryPath:      cfg.Converter.SofficePath,
			Timeout:         cfg.Converter.Timeout,
			IsolatedProfile: cfg.Converter.IsolatedProfile,
		}),
		registry: jobs.NewMemoryStore(),
	}

	hopts := statuscheck.Options{
		SofficePath: cfg.Converter.SofficePath,
		UploadDir:   cfg.Storage.UploadDir,
		OutputDir:   cfg.Storage.OutputDir,
	}
	if withBackends && cfg.Redis.URL != "" {
		rs, err := jobs.NewRedisStore(cfg.Redis.URL, cfg.Cleanup.JobRetention)
		if err != nil {
			return nil, fmt.Errorf("job registry: %w", err)
		}
		comp.registry = rs
		hopts.Redis = rs
		log.Info().Msg("job registry backed by redis")
	}
	if withBackends && cfg.S3.Bucket != "" {
		m, err := orchestrator.NewS3Mirror(ctx, cfg.S3.Bucket, cfg.S3.Prefix)
		if err != nil {
			comp.close()
			return nil, fmt.Errorf("s3 mirror: %w", err)
		}
		comp.mirror = m
		hopts.Bucket = m
		log.Info().Str("bucket", cfg.S3.Bucket).Msg("mirroring converted files to s3")
	}

	deps := orchestrator.Dependencies{Staging: store, Converter: comp.converter, Jobs: comp.registry}
	if comp.mirror != nil {
		deps.Mirror = comp.mirror
	}
	comp.flow = orchestrator.New(deps, orchestrator.Options{MaxConcurrent: cfg.Converter.MaxConcurrent})
	comp.sweeper = cleanup.New(store, comp.registry, cleanup.Options{
		Enabled:      cfg.Cleanup.Enabled,
		Interval:     cfg.Cleanup.Interval,
		Expiry:       cfg.Cleanup.FileExpiry,
		RetryDelay:   cfg.Cleanup.RetryDelay,
		JobRetention: cfg.Cleanup.JobRetention,
	})
	comp.health = statuscheck.New(hopts)
	return comp, nil
}

func (c *components) close() {
	if c.registry != nil {
		if err := c.registry.Close(); err != nil {
			log.Warn().Err(err).Msg("closing job registry")
		}
	}
}
