// Package config holds the viper-unmarshalled configuration for the
// quarryctl binary: a single struct tree unmarshalled from YAML/env,
// then validated before anything is dialed or listened on.
package config

import (
	"errors"
	"fmt"
	"time"

	"go.quarry.dev/quarry/pkg/proto"
)

// Config is the root of quarryctl's configuration tree.
type Config struct {
	Debug bool `mapstructure:"debug"`

	Server ServerConfig `mapstructure:"server"`
	Proxy ProxyConfig `mapstructure:"proxy"`
}

// ServerConfig configures the `quarryctl serve` subcommand, i.e.
// pkg/server.Config.
type ServerConfig struct {
	ListenAddr string `mapstructure:"listen"`
	OnlineMode bool `mapstructure:"online-mode"`
	MaxPlayers int `mapstructure:"max-players"`
	MOTD string `mapstructure:"motd"`
	FaviconPath string `mapstructure:"favicon"` // path to a PNG; loaded and re-encoded at startup

	VersionName string `mapstructure:"version-name"`
	ProtocolVersion int32 `mapstructure:"protocol-version"`
	IdleTimeout time.Duration `mapstructure:"idle-timeout"`

	CompressionEnabled bool `mapstructure:"compression-enabled"`
	CompressionThreshold int `mapstructure:"compression-threshold"`

	// ConnRate/ConnBurst bound new connection attempts per source IP;
	// zero disables the limiter (spec's new login-throttling feature,
	// pkg/server's DOMAIN STACK golang.org/x/time/rate wiring).
	ConnRate float64 `mapstructure:"conn-rate"`
	ConnBurst int `mapstructure:"conn-burst"`
}

// ProxyConfig configures the `quarryctl proxy` subcommand, i.e. one
// pkg/proxy.Bridge per accepted downstream connection.
type ProxyConfig struct {
	ListenAddr string `mapstructure:"listen"`
	TargetAddr string `mapstructure:"target"` // empty: forward to the client's requested vhost
	IdleTimeout time.Duration `mapstructure:"idle-timeout"`

	// AllowFastForward lets the bridge engage passthrough ("Fast-forward")
	// once both sides agree on a compression threshold. The bridge only
	// engages it when no packet handlers are registered, and `quarryctl
	// proxy` always registers its chat-trace handlers, so there it has no
	// effect. Disabled by default.
	AllowFastForward bool `mapstructure:"allow-fast-forward"`

	// RelayAddr, when set, dials the target through a RelayServer at
	// this address instead of directly (pkg/proxy.RelayClient).
	RelayAddr string `mapstructure:"relay"`
}

// Default returns the configuration quarryctl starts from before any
// config file or flag overrides it.
func Default() Config {
	return Config{
		Server: ServerConfig{
			ListenAddr: "0.0.0.0:25565",
			MaxPlayers: 20,
			MOTD: "A Quarry Server",
			VersionName: "1.20.2",
			ProtocolVersion: int32(proto.Minecraft_1_20_2),
			IdleTimeout: 30 * time.Second,
			CompressionEnabled: true,
			CompressionThreshold: 256,
			ConnRate: 4,
			ConnBurst: 8,
		},
		Proxy: ProxyConfig{
			ListenAddr: "0.0.0.0:25566",
			IdleTimeout: 30 * time.Second,
		},
	}
}

// Validate checks the parts of cfg the relevant subcommand needs,
// mirroring config.Validate's "fail fast before binding a socket" role.
func Validate(cfg *Config, forServer, forProxy bool) error {
	if forServer {
		if cfg.Server.ListenAddr == "" {
			return errors.New("config: server.listen must not be empty")
		}
		if cfg.Server.MaxPlayers < 0 {
			return errors.New("config: server.max-players must not be negative")
		}
		if !proto.Protocol(cfg.Server.ProtocolVersion).GreaterEqual(proto.Minecraft_1_7_2) {
			return fmt.Errorf("config: server.protocol-version %d predates the oldest supported version", cfg.Server.ProtocolVersion)
		}
	}
	if forProxy {
		if cfg.Proxy.ListenAddr == "" {
			return errors.New("config: proxy.listen must not be empty")
		}
	}
	return nil
}
