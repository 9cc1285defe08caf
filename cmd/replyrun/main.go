package main

import (
	"context"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/sawpanic/replyrun/internal/config"
)

const (
	appName = "replyrun"
	version = "v1.0.0"
)

var (
	configPath string
	envFile    string
	logLevel   string
)

func main() {
	zerolog.TimeFieldFormat = time.RFC3339
	setupLogging("info", "auto")

	if err := newRootCmd().ExecuteContext(context.Background()); err != nil {
		log.Error().Err(err).Msg("command failed")
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:     appName,
		Short:   "Scheduled reply agent",
		Version: version,
		Long: `replyrun searches the platform for posts matching a query and replies to
posts it has not answered before, pacing itself inside the API quotas.

Run 'replyrun run --mode single-shot' for one pass (cron friendly) or
'replyrun run' to keep polling until interrupted.`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "replyrun.yaml", "Path to the YAML configuration")
	rootCmd.PersistentFlags().StringVar(&envFile, "env-file", ".env", "Dotenv file with credentials (ignored when missing)")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "Log level override (debug|info|warn|error)")

	rootCmd.AddCommand(newRunCmd())
	rootCmd.AddCommand(newLedgerCmd())
	rootCmd.AddCommand(newConfigCmd())
	return rootCmd
}

// loadConfig reads the configuration and reconfigures logging from it
func loadConfig() (*config.Config, error) {
	cfg, err := config.Load(configPath, envFile)
	if err != nil {
		return nil, err
	}
	if logLevel != "" {
		cfg.Log.Level = logLevel
	}
	setupLogging(cfg.Log.Level, cfg.Log.Format)
	return cfg, nil
}

// setupLogging uses a console writer on a terminal and JSON lines otherwise
func setupLogging(level, format string) {
	lvl, err := zerolog.ParseLevel(strings.ToLower(level))
	if err != nil || level == "" {
		lvl = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(lvl)

	console := format == "console" || (format == "auto" && term.IsTerminal(int(os.Stderr.Fd())))
	if console {
		log.Logger = zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.Kitchen}).With().Timestamp().Logger()
		return
	}
	log.Logger = zerolog.New(os.Stderr).With().Timestamp().Str("app", appName).Logger()
}

func printf(cmd *cobra.Command, format string, args ...interface{}) {
	fmt.Fprintf(cmd.OutOrStdout(), format, args...)
}
