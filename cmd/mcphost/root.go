package main

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/TangGee/go-mcphost/internal/config"
	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
)

var (
	flagConfig   string
	flagLogLevel string

	cfg    *config.Config
	logger *slog.Logger
)

// rootCmd defines the base command for mcphost
var rootCmd = &cobra.Command{
	Use:          "mcphost",
	Short:        "Discover and call tools exposed by local providers",
	Long:         "mcphost discovers provider processes on this machine, lists the tools they expose and calls them. It can also run the service manager providers register with and a sample weather provider.",
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		return setup()
	},
}

// Execute runs the Cobra root command.
func Execute() {
	// Load environment from .env if present, so the config file can reference it.
	_ = godotenv.Load()

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVar(&flagConfig, "config", "", "Path to the config file (default: search "+fmt.Sprint(config.DefaultSearchPaths())+")")
	rootCmd.PersistentFlags().StringVar(&flagLogLevel, "log-level", "", "Log level: trace, debug, info, warn or error (overrides the config file)")
}

// setup loads the configuration and installs the default logger.
func setup() error {
	cfg = config.Default()

	path, err := config.FindConfig(flagConfig)
	switch {
	case err == nil:
		cfg, err = config.Load(path)
		if err != nil {
			return fmt.Errorf("failed to load config %s: %w", path, err)
		}
	case flagConfig != "":
		return err
	}

	if flagLogLevel != "" {
		cfg.LogLevel = flagLogLevel
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}

	level, err := config.ParseLogLevel(cfg.LogLevel)
	if err != nil {
		return err
	}
	logger = config.NewLogger(os.Stderr, level)
	slog.SetDefault(logger)

	if path != "" {
		logger.Debug("config loaded", slog.String("path", path))
	}
	return nil
}
