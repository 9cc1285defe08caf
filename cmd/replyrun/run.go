package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/sawpanic/replyrun/internal/cache"
	"github.com/sawpanic/replyrun/internal/config"
	httpstatus "github.com/sawpanic/replyrun/internal/interfaces/http"
	"github.com/sawpanic/replyrun/internal/ledger"
	"github.com/sawpanic/replyrun/internal/metrics"
	"github.com/sawpanic/replyrun/internal/platform"
	"github.com/sawpanic/replyrun/internal/scheduler"
	"github.com/sawpanic/replyrun/internal/tags"
)

func newRunCmd() *cobra.Command {
	var mode config.Mode

	runCmd := &cobra.Command{
		Use:   "run",
		Short: "Run the reply loop",
		Long: `Run the search and reply loop.

single-shot performs one cycle and exits 0 whether or not it replied.
continuous keeps going until SIGINT or SIGTERM, which ends any wait at once.
Configuration or storage failures exit 1.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			if cmd.Flags().Changed("mode") {
				cfg.Mode = mode
			}
			if err := cfg.Validate(); err != nil {
				return err
			}
			return runLoop(cmd.Context(), cfg)
		},
	}

	runCmd.Flags().Var(&mode, "mode", "Operating mode (single-shot|continuous)")
	return runCmd
}

func runLoop(parent context.Context, cfg *config.Config) error {
	ctx, stop := signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
	defer stop()

	safe := cfg.Redacted()
	log.Info().
		Str("mode", string(safe.Mode)).
		Str("base_url", safe.Platform.BaseURL).
		Str("ledger", safe.Ledger.Backend).
		Str("postgres_dsn", safe.Ledger.PostgresDSN).
		Str("region", safe.Region).
		Str("version", version).
		Msg("Starting replyrun")

	book, err := ledger.Open(ctx, cfg.Ledger)
	if err != nil {
		return err
	}
	defer func() {
		if err := book.Close(); err != nil {
			log.Warn().Err(err).Msg("Closing ledger failed")
		}
	}()

	client := platform.NewClientFromConfig(cfg)
	reg := metrics.NewRegistry()

	opts := []scheduler.Option{scheduler.WithMetrics(reg)}
	if cfg.Region != "" {
		tagCache, err := cache.New(cfg.Tags.RedisAddr)
		if err != nil {
			return &config.ConfigError{Field: "tags.redis_addr", Reason: err.Error()}
		}
		resolver := tags.NewResolver(client, tagCache, cfg.Region, cfg.Tags.TTL)
		opts = append(opts, scheduler.WithTags(resolver))
	}

	loop, err := scheduler.New(scheduler.ConfigFrom(cfg), client, book, opts...)
	if err != nil {
		return err
	}

	if cfg.Metrics.Addr != "" {
		server := httpstatus.NewServer(
			httpstatus.DefaultServerConfig(cfg.Metrics.Addr),
			httpstatus.NewStatusHandler(loop, client, version),
			reg,
		)
		go func() {
			if err := server.Start(); err != nil {
				log.Error().Err(err).Msg("Status server failed")
			}
		}()
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := server.Shutdown(shutdownCtx); err != nil {
				log.Warn().Err(err).Msg("Status server shutdown failed")
			}
		}()
	}

	return loop.Run(ctx)
}
