// Package config holds the node configuration. Values come from the
// defaults, then an optional JSON file, then INOS_* environment variables.
package config

import (
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net"
	"os"
	"strconv"
	"strings"
	"time"

	ma "github.com/multiformats/go-multiaddr"

	"github.com/nmxmxh/inos_netcore/kernel/utils"
)

// EnvPrefix prefixes every environment override.
const EnvPrefix = "INOS_"

// Config is the full node configuration.
type Config struct {
	LogLevel  string `json:"log_level"`
	LogFormat string `json:"log_format"`

	TickInterval Duration `json:"tick_interval"`

	// ListenAddr is the P2P listen multiaddr, e.g. /ip4/0.0.0.0/tcp/40444.
	ListenAddr string `json:"listen_addr"`
	// IdentitySeed is 32 hex-encoded bytes. Empty means a random identity.
	IdentitySeed string `json:"identity_seed"`
	// Bootstrap lists TCP multiaddrs dialed once at boot.
	Bootstrap      []string `json:"bootstrap"`
	DialCooldown   Duration `json:"dial_cooldown"`
	HandshakeLimit int      `json:"handshake_limit"` // per peer per minute, 0 = unlimited
	HandshakeBurst int      `json:"handshake_burst"`

	QueueSize         int      `json:"queue_size"`
	ArenaPages        int      `json:"arena_pages"`
	BufferPages       int      `json:"buffer_pages"`
	HeartbeatInterval Duration `json:"heartbeat_interval"`
	LocalIP           string   `json:"local_ip"`
	Gateway           string   `json:"gateway"`
	LocalMAC          string   `json:"local_mac"`

	// MetricsAddr is the host:port for /metrics. Empty disables it.
	MetricsAddr string `json:"metrics_addr"`
}

// Duration decodes from a JSON string such as "5s".
type Duration time.Duration

func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(time.Duration(d).String())
}

func (d *Duration) UnmarshalJSON(b []byte) error {
	var s string
	if err := json.Unmarshal(b, &s); err != nil {
		return err
	}
	v, err := time.ParseDuration(s)
	if err != nil {
		return err
	}
	*d = Duration(v)
	return nil
}

// Std returns the value as a time.Duration.
func (d Duration) Std() time.Duration { return time.Duration(d) }

// Default returns the configuration used when nothing overrides it.
func Default() Config {
	return Config{
		LogLevel:          "info",
		LogFormat:         "console",
		TickInterval:      Duration(time.Millisecond),
		ListenAddr:        "/ip4/0.0.0.0/tcp/40444",
		DialCooldown:      Duration(30 * time.Second),
		HandshakeBurst:    1,
		QueueSize:         256,
		ArenaPages:        1024,
		BufferPages:       1,
		HeartbeatInterval: Duration(5 * time.Second),
		LocalIP:           "10.0.2.15",
		Gateway:           "10.0.2.2",
		LocalMAC:          "52:54:00:12:34:56",
	}
}

// Load reads path over the defaults, applies environment overrides and
// validates the result. An empty path skips the file.
func Load(path string) (Config, error) {
	cfg, err := Read(path)
	if err != nil {
		return cfg, err
	}
	return cfg, cfg.Validate()
}

// Read is Load without validation, for callers that layer more overrides.
func Read(path string) (Config, error) {
	cfg := Default()
	if path != "" {
		raw, err := os.ReadFile(path)
		if err != nil {
			return cfg, utils.WrapError(utils.ErrCodeInvalidConfig, "read config file", err).
				WithContext("path", path)
		}
		if err := json.Unmarshal(raw, &cfg); err != nil {
			return cfg, utils.WrapError(utils.ErrCodeInvalidConfig, "parse config file", err).
				WithContext("path", path)
		}
	}
	if err := cfg.ApplyEnv(os.LookupEnv); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// ApplyEnv overrides fields from INOS_* variables found through lookup.
func (c *Config) ApplyEnv(lookup func(string) (string, bool)) error {
	str := func(name string, dst *string) {
		if v, ok := lookup(EnvPrefix + name); ok {
			*dst = v
		}
	}
	num := func(name string, dst *int) error {
		v, ok := lookup(EnvPrefix + name)
		if !ok {
			return nil
		}
		n, err := strconv.Atoi(strings.TrimSpace(v))
		if err != nil {
			return utils.WrapError(utils.ErrCodeInvalidConfig, "bad integer", err).
				WithContext("var", EnvPrefix+name)
		}
		*dst = n
		return nil
	}
	dur := func(name string, dst *Duration) error {
		v, ok := lookup(EnvPrefix + name)
		if !ok {
			return nil
		}
		d, err := time.ParseDuration(strings.TrimSpace(v))
		if err != nil {
			return utils.WrapError(utils.ErrCodeInvalidConfig, "bad duration", err).
				WithContext("var", EnvPrefix+name)
		}
		*dst = Duration(d)
		return nil
	}

	str("LOG_LEVEL", &c.LogLevel)
	str("LOG_FORMAT", &c.LogFormat)
	str("LISTEN_ADDR", &c.ListenAddr)
	str("IDENTITY_SEED", &c.IdentitySeed)
	str("LOCAL_IP", &c.LocalIP)
	str("GATEWAY", &c.Gateway)
	str("LOCAL_MAC", &c.LocalMAC)
	str("METRICS_ADDR", &c.MetricsAddr)
	if v, ok := lookup(EnvPrefix + "BOOTSTRAP"); ok {
		c.Bootstrap = nil
		for _, a := range strings.Split(v, ",") {
			if a = strings.TrimSpace(a); a != "" {
				c.Bootstrap = append(c.Bootstrap, a)
			}
		}
	}
	for _, f := range []struct {
		name string
		dst  *int
	}{
		{"QUEUE_SIZE", &c.QueueSize},
		{"ARENA_PAGES", &c.ArenaPages},
		{"BUFFER_PAGES", &c.BufferPages},
		{"HANDSHAKE_LIMIT", &c.HandshakeLimit},
		{"HANDSHAKE_BURST", &c.HandshakeBurst},
	} {
		if err := num(f.name, f.dst); err != nil {
			return err
		}
	}
	if err := dur("TICK_INTERVAL", &c.TickInterval); err != nil {
		return err
	}
	if err := dur("DIAL_COOLDOWN", &c.DialCooldown); err != nil {
		return err
	}
	return dur("HEARTBEAT_INTERVAL", &c.HeartbeatInterval)
}

func invalid(msg string, kv ...interface{}) error {
	err := utils.NewKernelError(utils.ErrCodeInvalidConfig, msg)
	for i := 0; i+1 < len(kv); i += 2 {
		err = err.WithContext(fmt.Sprint(kv[i]), kv[i+1])
	}
	return err
}

// Validate checks ranges and parses every address field once.
func (c Config) Validate() error {
	if _, ok := utils.ParseLogLevel(c.LogLevel); !ok {
		return invalid("unknown log level", "level", c.LogLevel)
	}
	if c.LogFormat != "console" && c.LogFormat != "json" {
		return invalid("log format must be console or json", "format", c.LogFormat)
	}
	if c.TickInterval <= 0 {
		return invalid("tick interval must be positive")
	}
	if c.QueueSize < 1 || c.QueueSize > 65535 {
		return invalid("queue size out of range", "queue_size", c.QueueSize)
	}
	if c.BufferPages < 1 {
		return invalid("buffer pages must be at least 1", "buffer_pages", c.BufferPages)
	}
	// Room for a full RX fill plus one TX buffer per slot.
	if need := 2 * c.QueueSize * c.BufferPages; c.ArenaPages < need {
		return invalid("arena too small for the queue", "arena_pages", c.ArenaPages, "need", need)
	}
	if _, _, err := c.Listen(); err != nil {
		return err
	}
	if _, err := c.Seed(); err != nil {
		return err
	}
	for _, addr := range c.Bootstrap {
		m, err := ma.NewMultiaddr(addr)
		if err != nil {
			return invalid("bad bootstrap multiaddr", "addr", addr)
		}
		if _, err := m.ValueForProtocol(ma.P_TCP); err != nil {
			return invalid("bootstrap address must be TCP", "addr", addr)
		}
	}
	if c.HandshakeLimit < 0 || c.HandshakeBurst < 0 {
		return invalid("handshake limits must not be negative")
	}
	for name, v := range map[string]string{"local_ip": c.LocalIP, "gateway": c.Gateway} {
		if v == "" {
			continue
		}
		if ip := net.ParseIP(v); ip == nil || ip.To4() == nil {
			return invalid("not an IPv4 address", name, v)
		}
	}
	if c.LocalMAC != "" {
		if _, err := net.ParseMAC(c.LocalMAC); err != nil {
			return invalid("bad MAC address", "local_mac", c.LocalMAC)
		}
	}
	if c.MetricsAddr != "" {
		if _, _, err := net.SplitHostPort(c.MetricsAddr); err != nil {
			return invalid("bad metrics address", "metrics_addr", c.MetricsAddr)
		}
	}
	return nil
}

// Listen extracts host and TCP port from ListenAddr.
func (c Config) Listen() (host string, port uint16, err error) {
	addr, err := ma.NewMultiaddr(c.ListenAddr)
	if err != nil {
		return "", 0, invalid("bad listen multiaddr", "listen_addr", c.ListenAddr, "cause", err.Error())
	}
	for _, code := range []int{ma.P_IP4, ma.P_IP6, ma.P_DNS4, ma.P_DNS6, ma.P_DNS} {
		if v, err := addr.ValueForProtocol(code); err == nil {
			host = v
			break
		}
	}
	if host == "" {
		return "", 0, invalid("listen address has no host component", "listen_addr", c.ListenAddr)
	}
	raw, err := addr.ValueForProtocol(ma.P_TCP)
	if err != nil {
		return "", 0, invalid("listen address must be TCP", "listen_addr", c.ListenAddr)
	}
	p, err := strconv.ParseUint(raw, 10, 16)
	if err != nil {
		return "", 0, invalid("bad TCP port", "listen_addr", c.ListenAddr)
	}
	return host, uint16(p), nil
}

// Seed decodes IdentitySeed. It returns nil when no seed is configured.
func (c Config) Seed() (seed *[32]byte, err error) {
	if c.IdentitySeed == "" {
		return nil, nil
	}
	raw, err := hex.DecodeString(c.IdentitySeed)
	if err != nil || len(raw) != 32 {
		return nil, invalid("identity seed must be 32 hex-encoded bytes")
	}
	var s [32]byte
	copy(s[:], raw)
	return &s, nil
}

// MAC returns the parsed LocalMAC.
func (c Config) MAC() net.HardwareAddr {
	mac, _ := net.ParseMAC(c.LocalMAC)
	return mac
}

// Logger builds the root logger described by the log fields.
func (c Config) Logger() *utils.Logger {
	level, _ := utils.ParseLogLevel(c.LogLevel)
	return utils.NewLogger(utils.LoggerConfig{
		Level:     level,
		Component: "inos",
		JSON:      c.LogFormat == "json",
	})
}
