package main

import (
	"encoding/hex"
	"fmt"

	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/spf13/cobra"

	"github.com/nmxmxh/inos_netcore/kernel/config"
	"github.com/nmxmxh/inos_netcore/kernel/core/mesh"
)

var identitySeed string

var identityCmd = &cobra.Command{
	Use:   "identity",
	Short: "Derive and print a node identity",
	Long:  "Derive an identity from --seed, the configured seed, or fresh randomness, and print its identifiers",
	RunE:  printIdentity,
}

func init() {
	identityCmd.Flags().StringVar(&identitySeed, "seed", "", "32-byte identity seed, hex encoded")
	rootCmd.AddCommand(identityCmd)
}

func printIdentity(cmd *cobra.Command, _ []string) error {
	cfg, _, err := loadConfig(func(c *config.Config) {
		if identitySeed != "" {
			c.IdentitySeed = identitySeed
		}
	})
	if err != nil {
		return err
	}
	id, err := identityFromConfig(cfg)
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "peer_id:  %s\n", id.PeerID)
	fmt.Fprintf(out, "node_id:  %s\n", id.NodeID.Hex())
	fmt.Fprintf(out, "blob:     %s\n", hex.EncodeToString(id.Blob))
	if _, err := peer.Decode(id.PeerID); err != nil {
		return fmt.Errorf("derived peer id does not decode: %w", err)
	}
	return nil
}

func identityFromConfig(cfg config.Config) (*mesh.Identity, error) {
	seed, err := cfg.Seed()
	if err != nil {
		return nil, err
	}
	if seed != nil {
		return mesh.NewIdentity(*seed)
	}
	return mesh.GenerateIdentity(nil)
}
