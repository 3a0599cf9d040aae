package config

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nmxmxh/inos_netcore/kernel/utils"
)

func TestDefault_Valid(t *testing.T) {
	cfg := Default()
	require.NoError(t, cfg.Validate())

	host, port, err := cfg.Listen()
	require.NoError(t, err)
	assert.Equal(t, "0.0.0.0", host)
	assert.Equal(t, uint16(40444), port)
	assert.Equal(t, 256, cfg.QueueSize)
	assert.Equal(t, 5*time.Second, cfg.HeartbeatInterval.Std())

	seed, err := cfg.Seed()
	require.NoError(t, err)
	assert.Nil(t, seed)
}

func TestLoad_FileThenEnv(t *testing.T) {
	path := filepath.Join(t.TempDir(), "node.json")
	require.NoError(t, os.WriteFile(path, []byte(`{
		"log_level": "debug",
		"tick_interval": "10ms",
		"listen_addr": "/ip4/127.0.0.1/tcp/5000",
		"queue_size": 64
	}`), 0o600))

	t.Setenv("INOS_QUEUE_SIZE", "32")
	t.Setenv("INOS_HEARTBEAT_INTERVAL", "0s")
	t.Setenv("INOS_BOOTSTRAP", "/ip4/10.0.0.1/tcp/40444, /ip4/10.0.0.2/tcp/40444")

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "debug", cfg.LogLevel)
	assert.Equal(t, 10*time.Millisecond, cfg.TickInterval.Std())
	assert.Equal(t, 32, cfg.QueueSize, "environment wins over the file")
	assert.Zero(t, cfg.HeartbeatInterval)
	assert.Equal(t, []string{"/ip4/10.0.0.1/tcp/40444", "/ip4/10.0.0.2/tcp/40444"}, cfg.Bootstrap)

	host, port, err := cfg.Listen()
	require.NoError(t, err)
	assert.Equal(t, "127.0.0.1", host)
	assert.Equal(t, uint16(5000), port)
}

func TestLoad_Errors(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "missing.json"))
	assert.True(t, errors.Is(err, utils.ErrInvalidConfig))

	path := filepath.Join(t.TempDir(), "bad.json")
	require.NoError(t, os.WriteFile(path, []byte(`{"tick_interval": 5}`), 0o600))
	_, err = Load(path)
	assert.True(t, errors.Is(err, utils.ErrInvalidConfig))
}

func TestApplyEnv_BadValues(t *testing.T) {
	env := map[string]string{"INOS_ARENA_PAGES": "many"}
	lookup := func(k string) (string, bool) {
		v, ok := env[k]
		return v, ok
	}

	cfg := Default()
	err := cfg.ApplyEnv(lookup)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "INOS_ARENA_PAGES")

	env = map[string]string{"INOS_TICK_INTERVAL": "soon"}
	assert.Error(t, cfg.ApplyEnv(lookup))
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"zero queue", func(c *Config) { c.QueueSize = 0 }},
		{"queue too large", func(c *Config) { c.QueueSize = 65536 }},
		{"zero tick", func(c *Config) { c.TickInterval = 0 }},
		{"unknown level", func(c *Config) { c.LogLevel = "loud" }},
		{"unknown format", func(c *Config) { c.LogFormat = "xml" }},
		{"udp listen", func(c *Config) { c.ListenAddr = "/ip4/0.0.0.0/udp/40444" }},
		{"garbage listen", func(c *Config) { c.ListenAddr = "0.0.0.0:40444" }},
		{"no host", func(c *Config) { c.ListenAddr = "/tcp/40444" }},
		{"small arena", func(c *Config) { c.ArenaPages = 10 }},
		{"zero buffer pages", func(c *Config) { c.BufferPages = 0 }},
		{"ipv6 gateway", func(c *Config) { c.Gateway = "::1" }},
		{"bad mac", func(c *Config) { c.LocalMAC = "nope" }},
		{"short seed", func(c *Config) { c.IdentitySeed = "abcd" }},
		{"bad metrics", func(c *Config) { c.MetricsAddr = "9090" }},
		{"udp bootstrap", func(c *Config) { c.Bootstrap = []string{"/ip4/10.0.0.1/udp/1"} }},
		{"negative limit", func(c *Config) { c.HandshakeLimit = -1 }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(&cfg)
			err := cfg.Validate()
			require.Error(t, err)
			assert.True(t, errors.Is(err, utils.ErrInvalidConfig))
		})
	}
}

func TestSeed(t *testing.T) {
	cfg := Default()
	cfg.IdentitySeed = strings.Repeat("07", 32)
	require.NoError(t, cfg.Validate())

	seed, err := cfg.Seed()
	require.NoError(t, err)
	require.NotNil(t, seed)
	assert.Equal(t, byte(7), seed[31])
}

func TestDuration_JSONRoundTrip(t *testing.T) {
	d := Duration(1500 * time.Millisecond)
	raw, err := d.MarshalJSON()
	require.NoError(t, err)
	assert.Equal(t, `"1.5s"`, string(raw))
}
