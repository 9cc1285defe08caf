package main

import (
	"github.com/spf13/cobra"

	"github.com/sawpanic/replyrun/internal/config"
)

func newConfigCmd() *cobra.Command {
	configCmd := &cobra.Command{
		Use:   "config",
		Short: "Configuration helpers",
	}

	validateCmd := &cobra.Command{
		Use:   "validate",
		Short: "Load and validate the configuration without calling the platform",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			if err := cfg.Validate(); err != nil {
				return err
			}

			safe := cfg.Redacted()
			printf(cmd, "configuration OK\n")
			printf(cmd, "  mode:            %s\n", cfg.Mode)
			printf(cmd, "  query:           %s\n", cfg.Query)
			printf(cmd, "  reply texts:     %d\n", len(cfg.Texts))
			printf(cmd, "  reply interval:  %s\n", cfg.ReplyInterval())
			printf(cmd, "  search interval: %s\n", cfg.SearchInterval())
			printf(cmd, "  ledger:          %s %s\n", safe.Ledger.Backend, ledgerTarget(safe.Ledger))
			printf(cmd, "  app key:         %s\n", safe.Credentials.AppKey)
			return nil
		},
	}

	configCmd.AddCommand(validateCmd)
	return configCmd
}

func ledgerTarget(l config.LedgerConfig) string {
	switch l.Backend {
	case "file":
		return l.Path
	case "redis":
		return l.RedisAddr + " " + l.RedisKey
	case "postgres":
		return l.PostgresDSN
	default:
		return ""
	}
}
