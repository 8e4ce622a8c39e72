package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/hatch-run/hatch/pkg/config"
	"github.com/hatch-run/hatch/pkg/log"
)

var (
	configPath string
	logLevel   string
	logFormat  string
)

var rootCmd = &cobra.Command{
	Use:   "hatch",
	Short: "Hatch runs resumable AI coding-agent sessions behind a local server.",
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", config.DefaultPath(), "Path to config file")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "info", "Log level: debug, info, warn, error")
	rootCmd.PersistentFlags().StringVar(&logFormat, "log-format", "console", "Log format: console, json")
}

func initLogging() error {
	if err := log.Init(log.Config{Level: log.Level(logLevel), Format: logFormat}); err != nil {
		return fmt.Errorf("failed to initialize logger: %w", err)
	}
	return nil
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
