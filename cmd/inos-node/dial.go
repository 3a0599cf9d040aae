package main

import (
	"errors"
	"fmt"
	"time"

	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/sony/gobreaker"
	"github.com/spf13/cobra"

	"github.com/nmxmxh/inos_netcore/kernel/config"
	"github.com/nmxmxh/inos_netcore/kernel/core/mesh"
	"github.com/nmxmxh/inos_netcore/kernel/utils"
)

var (
	dialSeed     string
	dialAttempts int
	dialInterval time.Duration
)

var dialCmd = &cobra.Command{
	Use:   "dial <multiaddr>",
	Short: "Handshake with a running node over TCP",
	Args:  cobra.ExactArgs(1),
	RunE:  dialNode,
}

func init() {
	dialCmd.Flags().StringVar(&dialSeed, "seed", "", "32-byte identity seed, hex encoded")
	dialCmd.Flags().IntVar(&dialAttempts, "attempts", 3, "connection attempts before giving up")
	dialCmd.Flags().DurationVar(&dialInterval, "interval", time.Second, "pause between attempts")
	rootCmd.AddCommand(dialCmd)
}

func dialNode(cmd *cobra.Command, args []string) error {
	cfg, logger, err := loadConfig(func(c *config.Config) {
		if dialSeed != "" {
			c.IdentitySeed = dialSeed
		}
	})
	if err != nil {
		return err
	}
	defer func() { _ = logger.Sync() }()

	id, err := identityFromConfig(cfg)
	if err != nil {
		return err
	}
	d := mesh.NewDialer(id.PeerInfo(), cfg.DialCooldown.Std(), logger.Named("dial"))

	if dialAttempts < 1 {
		dialAttempts = 1
	}
	var lastErr error
	for attempt := 1; attempt <= dialAttempts; attempt++ {
		info, err := d.Dial(cmd.Context(), args[0])
		if err == nil {
			_, decodeErr := peer.Decode(info.PeerID)
			logger.Info("Remote peer",
				utils.String("peer_id", info.PeerID),
				utils.String("node_id", info.NodeID.Hex()),
				utils.Bool("valid_peer_id", decodeErr == nil))
			fmt.Fprintln(cmd.OutOrStdout(), info.PeerID)
			return nil
		}
		lastErr = err
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, utils.ErrInvalidConfig) {
			break
		}
		logger.Warn("Dial attempt failed", utils.Int("attempt", attempt), utils.Err(err))
		if attempt == dialAttempts {
			break
		}
		select {
		case <-cmd.Context().Done():
			return cmd.Context().Err()
		case <-time.After(dialInterval):
		}
	}
	return fmt.Errorf("dial %s: %w", args[0], lastErr)
}
