package main

import (
	"os"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
)

var (
	flagConfig   string
	flagLogLevel string
	flagMetrics  string

	logger zerolog.Logger
)

var rootCmd = &cobra.Command{
	Use:           "sacnmon",
	Short:         "sACN source, receiver, and universe-discovery monitor",
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		level, err := zerolog.ParseLevel(flagLogLevel)
		if err != nil {
			return err
		}
		logger = zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.Kitchen}).
			Level(level).
			With().Timestamp().Logger()
		return nil
	},
}

func Execute() error {
	return rootCmd.Execute()
}

func init() {
	rootCmd.PersistentFlags().StringVar(&flagConfig, "config", "sacnmon.toml", "path to config file")
	rootCmd.PersistentFlags().StringVar(&flagLogLevel, "log-level", "info", "log level (debug|info|warn|error)")
	rootCmd.PersistentFlags().StringVar(&flagMetrics, "metrics-listen", ":9123", "Prometheus /metrics listen address (empty to disable)")

	rootCmd.AddCommand(sourceCmd)
	rootCmd.AddCommand(receiveCmd)
	rootCmd.AddCommand(discoverCmd)
	rootCmd.AddCommand(interfacesCmd)
}
