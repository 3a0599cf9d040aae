package main

import (
	"bytes"
	"context"
	"fmt"
	"net"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nmxmxh/inos_netcore/kernel"
	"github.com/nmxmxh/inos_netcore/kernel/config"
	"github.com/nmxmxh/inos_netcore/kernel/utils"
)

func execCommand(t *testing.T, args ...string) (string, error) {
	t.Helper()
	var out bytes.Buffer
	rootCmd.SetOut(&out)
	rootCmd.SetErr(&out)
	rootCmd.SetArgs(args)
	t.Cleanup(func() { rootCmd.SetArgs(nil) })
	err := rootCmd.Execute()
	return out.String(), err
}

func TestIdentityCommand_Deterministic(t *testing.T) {
	seed := strings.Repeat("ab", 32)
	first, err := execCommand(t, "identity", "--seed", seed)
	require.NoError(t, err)
	second, err := execCommand(t, "identity", "--seed", seed)
	require.NoError(t, err)

	assert.Equal(t, first, second)
	assert.Contains(t, first, "peer_id:  12D3KooW")
	assert.Contains(t, first, "node_id:  ")
}

func TestIdentityCommand_BadSeed(t *testing.T) {
	_, err := execCommand(t, "identity", "--seed", "xyz")
	assert.Error(t, err)
}

func TestDialCommand(t *testing.T) {
	cfg := config.Default()
	cfg.ListenAddr = "/ip4/127.0.0.1/tcp/0"
	cfg.QueueSize = 8
	cfg.ArenaPages = 32
	k, err := kernel.New(cfg, utils.NewTestLogger(t))
	require.NoError(t, err)
	require.NoError(t, k.Boot())
	t.Cleanup(func() { _ = k.Shutdown(context.Background()) })

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = k.Run(ctx) }()

	port := k.P2PAddr().(*net.TCPAddr).Port
	out, err := execCommand(t, "dial", fmt.Sprintf("/ip4/127.0.0.1/tcp/%d", port),
		"--seed", strings.Repeat("01", 32), "--attempts", "1", "--log-level", "error")
	require.NoError(t, err)
	assert.Equal(t, k.Node().Identity.PeerID+"\n", out)

	require.Eventually(t, func() bool {
		return k.Snapshot().Table.Peers == 1
	}, 5*time.Second, 10*time.Millisecond)
}
