// Command lesd is the les daemon: it maintains the persistent file-name
// index and serves queries over a local socket. See spec.md §6 for its
// minimal external CLI surface.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"les/internal/config"
	"les/internal/daemon"
	"les/internal/logging"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	v := viper.New()
	v.SetEnvPrefix("LES")
	v.AutomaticEnv()

	cmd := &cobra.Command{
		Use:   "lesd",
		Short: "local file-name search daemon",
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := v.BindPFlags(cmd.Flags()); err != nil {
				return err
			}
			if cfgFile := v.GetString("config"); cfgFile != "" {
				v.SetConfigFile(cfgFile)
				if err := v.ReadInConfig(); err != nil {
					return fmt.Errorf("lesd: read config file: %w", err)
				}
			}

			cfg, err := config.LoadDaemonConfig(v)
			if err != nil {
				return err
			}

			level := parseLevel(cfg.LogLevel)
			logger := logging.New(logging.Config{Format: cfg.LogFormat, Level: level})

			return daemon.Run(context.Background(), cfg, logger)
		},
	}

	flags := cmd.Flags()
	flags.StringSlice("roots", nil, "root directory to index (repeatable; defaults to /)")
	flags.StringSlice("exclude", nil, "substring excluded from scanning and queries (repeatable)")
	flags.String("db-path", config.DefaultDBPath, "path to the entry store database file")
	flags.String("socket", config.DefaultSocket, "path to the unix socket to bind")
	flags.Bool("rebuild", false, "clear the store and index and perform a full rescan at startup")
	flags.Int("scan-workers", config.DefaultWorkers, "number of concurrent scan workers")
	flags.String("log-format", "text", "log output format: text or json")
	flags.String("log-level", "info", "minimum log level: debug, info, warn, error")
	flags.Int("shutdown-grace", 5, "seconds to wait for in-flight requests to drain on shutdown")
	flags.String("config", "", "optional path to a TOML/YAML config file")

	return cmd
}

func parseLevel(s string) slog.Level {
	switch s {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
