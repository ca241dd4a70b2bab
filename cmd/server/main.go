package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/osusync/pbt-server/internal/app"
	"github.com/osusync/pbt-server/internal/config"
	"github.com/osusync/pbt-server/internal/log"
)

var (
	configFile string
	listenAddr string
	logLevel   string
)

var rootCmd = &cobra.Command{
	Use:   "pbt-server",
	Short: "Bridge between Bancho IRC and per-user Sync websocket sessions",
	RunE: func(cmd *cobra.Command, args []string) error {
		bootstrap := log.New(logLevel, "")

		cfg, path, err := config.Load(bootstrap, configFile)
		if err != nil {
			return fmt.Errorf("load config: %w", err)
		}
		if listenAddr != "" {
			cfg.Addr = listenAddr
		}
		if logLevel != "" {
			cfg.LogLevel = logLevel
		}

		logger := log.New(cfg.LogLevel, cfg.LogFile)
		logger.Info().Str("config", path).Msg("configuration loaded")

		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		application, err := app.New(&cfg, logger)
		if err != nil {
			return err
		}

		if err := application.Run(ctx); err != nil {
			return err
		}
		logger.Info().Msg("server stopped")
		return nil
	},
}

func init() {
	rootCmd.Flags().StringVarP(&configFile, "config", "c", "", "path to config file (default config.yaml next to the binary)")
	rootCmd.Flags().StringVar(&listenAddr, "addr", "", "HTTP listen address override")
	rootCmd.Flags().StringVar(&logLevel, "log-level", "", "log level override (debug|info|warn|error)")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
