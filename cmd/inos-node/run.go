package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/nmxmxh/inos_netcore/kernel"
	"github.com/nmxmxh/inos_netcore/kernel/config"
	"github.com/nmxmxh/inos_netcore/kernel/utils"
)

var (
	runListen    string
	runMetrics   string
	runSeed      string
	runBootstrap []string
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Boot the kernel and drive the host loop until interrupted",
	RunE:  runNode,
}

func init() {
	runCmd.Flags().StringVar(&runListen, "listen", "", "P2P listen multiaddr, e.g. /ip4/0.0.0.0/tcp/40444")
	runCmd.Flags().StringVar(&runMetrics, "metrics-addr", "", "host:port serving /metrics")
	runCmd.Flags().StringVar(&runSeed, "seed", "", "32-byte identity seed, hex encoded")
	runCmd.Flags().StringSliceVar(&runBootstrap, "bootstrap", nil, "TCP multiaddrs to handshake with at boot")
	rootCmd.AddCommand(runCmd)
}

func runNode(cmd *cobra.Command, _ []string) error {
	cfg, logger, err := loadConfig(func(c *config.Config) {
		if runListen != "" {
			c.ListenAddr = runListen
		}
		if runMetrics != "" {
			c.MetricsAddr = runMetrics
		}
		if runSeed != "" {
			c.IdentitySeed = runSeed
		}
		if len(runBootstrap) > 0 {
			c.Bootstrap = runBootstrap
		}
	})
	if err != nil {
		return err
	}
	defer func() { _ = logger.Sync() }()

	k, err := kernel.New(cfg, logger)
	if err != nil {
		return err
	}
	if err := k.Boot(); err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	runErr := k.Run(ctx)

	logger.Info("Interrupt received, stopping", utils.Uint64("polls", k.Snapshot().Polls))
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := k.Shutdown(shutdownCtx); err != nil {
		return err
	}
	return runErr
}
