package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/nmxmxh/inos_netcore/kernel/config"
	"github.com/nmxmxh/inos_netcore/kernel/utils"
)

var (
	configPath string
	logLevel   string
	logFormat  string
)

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "JSON config file")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "debug, info, warn or error")
	rootCmd.PersistentFlags().StringVar(&logFormat, "log-format", "", "console or json")
}

var rootCmd = &cobra.Command{
	Use:           "inos-node",
	Short:         "INOS networking core",
	Long:          "Zero-copy device layer, socket stack and peer overlay driven by a cooperative executor",
	SilenceUsage:  true,
	SilenceErrors: true,
}

// loadConfig resolves defaults, file, environment and the persistent flags.
// apply runs before validation so subcommands can layer their own flags.
func loadConfig(apply func(*config.Config)) (config.Config, *utils.Logger, error) {
	cfg, err := config.Read(configPath)
	if err != nil {
		return cfg, nil, err
	}
	if logLevel != "" {
		cfg.LogLevel = logLevel
	}
	if logFormat != "" {
		cfg.LogFormat = logFormat
	}
	if apply != nil {
		apply(&cfg)
	}
	if err := cfg.Validate(); err != nil {
		return cfg, nil, err
	}
	return cfg, cfg.Logger(), nil
}

func execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
