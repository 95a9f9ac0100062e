package main

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/spf13/cobra"

	"github.com/c360/termstream/config"
)

// CLIConfig holds command-line configuration
type CLIConfig struct {
	ConfigPath      string
	LogLevel        string
	LogFormat       string
	ShutdownTimeout time.Duration
}

func newRootCommand() *cobra.Command {
	cli := &CLIConfig{}

	root := &cobra.Command{
		Use:           appName,
		Short:         "Reliable UDP messaging media driver",
		Long:          "termstreamd runs the media driver: term logs, sender, receiver and conductor, with optional NATS control.",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVarP(&cli.ConfigPath, "config", "c",
		getEnv("TERMSTREAM_CONFIG", ""),
		"Path to configuration file, YAML or JSON (env: TERMSTREAM_CONFIG)")

	runCmd := &cobra.Command{
		Use:   "run",
		Short: "Run the media driver until interrupted",
		RunE: func(cmd *cobra.Command, _ []string) error {
			if err := validateFlags(cli); err != nil {
				return fmt.Errorf("invalid flags: %w", err)
			}
			return runDriver(cmd.Context(), cli)
		},
	}
	runCmd.Flags().StringVar(&cli.LogLevel, "log-level",
		getEnv("TERMSTREAM_LOG_LEVEL", ""),
		"Log level override: debug, info, warn, error (env: TERMSTREAM_LOG_LEVEL)")
	runCmd.Flags().StringVar(&cli.LogFormat, "log-format",
		getEnv("TERMSTREAM_LOG_FORMAT", ""),
		"Log format override: json, text (env: TERMSTREAM_LOG_FORMAT)")
	runCmd.Flags().DurationVar(&cli.ShutdownTimeout, "shutdown-timeout",
		getEnvDuration("TERMSTREAM_SHUTDOWN_TIMEOUT", 30*time.Second),
		"Graceful shutdown timeout (env: TERMSTREAM_SHUTDOWN_TIMEOUT)")

	validateCmd := &cobra.Command{
		Use:   "validate",
		Short: "Validate a configuration file and exit",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig(cli.ConfigPath)
			if err != nil {
				return err
			}
			_, _ = fmt.Fprintf(cmd.OutOrStdout(), "configuration is valid (term length %d, mtu %d, threading %s)\n",
				cfg.TermBufferLength, cfg.MTULength, cfg.ThreadingMode)
			return nil
		},
	}

	versionCmd := &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, _ []string) {
			_, _ = fmt.Fprintf(cmd.OutOrStdout(), "%s version %s (built %s)\n", appName, Version, BuildTime)
		},
	}

	root.AddCommand(runCmd, validateCmd, versionCmd)
	return root
}

func validateFlags(cli *CLIConfig) error {
	if cli.LogLevel != "" && !contains([]string{"debug", "info", "warn", "error"}, cli.LogLevel) {
		return fmt.Errorf("invalid log level: %s", cli.LogLevel)
	}
	if cli.LogFormat != "" && !contains([]string{"json", "text"}, cli.LogFormat) {
		return fmt.Errorf("invalid log format: %s", cli.LogFormat)
	}
	if cli.ShutdownTimeout <= 0 {
		return fmt.Errorf("invalid shutdown timeout: %s", cli.ShutdownTimeout)
	}
	return nil
}

// loadConfig returns defaults with environment overrides when path is empty.
func loadConfig(path string) (*config.Config, error) {
	loader := config.NewLoader()
	if path == "" {
		return loader.Load()
	}
	if _, err := os.Stat(path); err != nil {
		return nil, fmt.Errorf("config file not found: %s", path)
	}
	return loader.LoadFile(path)
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
		if secs, err := strconv.Atoi(value); err == nil {
			return time.Duration(secs) * time.Second
		}
	}
	return defaultValue
}

func contains(slice []string, item string) bool {
	for _, s := range slice {
		if s == item {
			return true
		}
	}
	return false
}
