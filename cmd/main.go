// Kasa-web-controller serves a small HTTP API for a fixed whitelist of
// TP-Link Kasa smart plugs and power strips on the local network.
//
// Usage:
//
//	kasa-web-controller [command] [flags]
//
// Running without a command starts the server.
package main

import (
	"fmt"
	"os"

	"github.com/fbettag/kasa-web-controller/internal/config"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

var (
	Version = "dev" // Set by build process
)

var (
	configFile string
	logLevel   string
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "kasa-web-controller",
	Short: "Web controller for TP-Link Kasa smart plugs",
	Long: `Controls a whitelist of TP-Link Kasa plugs and power strips over the
local network through an HTTP API, a websocket stream and optionally MQTT.

If no command is specified, the server starts.`,
	Version:       Version,
	SilenceUsage:  true,
	SilenceErrors: true,
	RunE:          runServe,
}

func init() {
	rootCmd.CompletionOptions.DisableDefaultCmd = true

	rootCmd.PersistentFlags().StringVar(&configFile, "config", "config.yaml", "Path to configuration file")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "Log level (debug, info, warn, error); overrides the config file")

	rootCmd.AddCommand(versionCmd)
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Fprintf(cmd.OutOrStdout(), "Kasa Web Controller %s\n", Version)
	},
}

func newLogger(level string) *logrus.Logger {
	logger := logrus.New()
	logger.SetFormatter(&logrus.TextFormatter{
		FullTimestamp: true,
	})

	switch level {
	case "debug":
		logger.SetLevel(logrus.DebugLevel)
	case "info":
		logger.SetLevel(logrus.InfoLevel)
	case "warn":
		logger.SetLevel(logrus.WarnLevel)
	case "error":
		logger.SetLevel(logrus.ErrorLevel)
	default:
		logger.SetLevel(logrus.InfoLevel)
	}
	return logger
}

// loadConfig reads the config file and builds a logger. --log-level wins,
// then quiet (used by one-shot commands), then the file.
func loadConfig(quiet string) (*config.Config, *logrus.Logger, error) {
	cfg, err := config.LoadOrInitialize(configFile)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to load configuration: %w", err)
	}

	level := logLevel
	if level == "" {
		level = quiet
	}
	if level == "" {
		level = cfg.LogLevel
	}
	return cfg, newLogger(level), nil
}
