// Package config loads the sync server's configuration.
//
// Configuration is a single YAML file. Missing values take defaults, and the result is validated before use.
package config

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/samthor/blocksync/auth"
	"gopkg.in/yaml.v3"
)

// Environment represents the deployment environment.
type Environment string

const (
	Development Environment = "development"
	Production  Environment = "production"
)

// Store kinds.
const (
	StoreMemory   = "memory"
	StorePostgres = "postgres"
	StoreRedis    = "redis"
)

// Auth modes.
const (
	AuthTokens = "tokens"
	AuthDev    = "dev"
)

type Config struct {
	// Listen is the address to serve HTTP on.
	Listen string `yaml:"listen"`

	Environment Environment `yaml:"environment"`

	// LogLevel is one of debug, info, warn, error.
	LogLevel string `yaml:"log_level"`

	Socket SocketConfig `yaml:"socket"`
	Rooms  RoomsConfig  `yaml:"rooms"`
	Store  StoreConfig  `yaml:"store"`
	Auth   AuthConfig   `yaml:"auth"`
}

// SocketConfig maps onto transport.SocketOpts; zero values use the transport defaults.
type SocketConfig struct {
	MaxPacketSize   int           `yaml:"max_packet_size"`
	InMessageBuffer int           `yaml:"in_message_buffer"`
	RateLimit       int           `yaml:"rate_limit"`
	RateBurst       int           `yaml:"rate_burst"`
	PingEvery       time.Duration `yaml:"ping_every"`
	WriteTimeout    time.Duration `yaml:"write_timeout"`
	OriginPatterns  []string      `yaml:"origin_patterns"`
}

type RoomsConfig struct {
	Shards      int  `yaml:"shards"`
	MaxLag      int  `yaml:"max_lag"`
	SaveOnClose bool `yaml:"save_on_close"`
}

type StoreConfig struct {
	// Kind is memory, postgres or redis.
	Kind        string `yaml:"kind"`
	PostgresURL string `yaml:"postgres_url"`
	RedisAddr   string `yaml:"redis_addr"`
	RedisPrefix string `yaml:"redis_prefix"`
}

type AuthConfig struct {
	// Mode is tokens or dev. Dev trusts identity query parameters and is refused in production.
	Mode   string                   `yaml:"mode"`
	Tokens map[string]auth.Identity `yaml:"tokens"`
}

// Default returns a configuration usable for local development.
func Default() Config {
	return Config{
		Listen:      "localhost:8080",
		Environment: Development,
		LogLevel:    "info",
		Socket: SocketConfig{
			PingEvery: 30 * time.Second,
		},
		Rooms: RoomsConfig{
			SaveOnClose: true,
		},
		Store: StoreConfig{
			Kind: StoreMemory,
		},
		Auth: AuthConfig{
			Mode: AuthDev,
		},
	}
}

// Load reads the YAML file at path over Default, then validates it.
func Load(path string) (Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("reading config: %w", err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("parsing config %s: %w", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return cfg, fmt.Errorf("invalid config %s: %w", path, err)
	}
	return cfg, nil
}

// Validate checks the configuration, naming the first bad field.
func (c *Config) Validate() error {
	if c.Listen == "" {
		return errors.New("listen: required")
	}
	switch c.Environment {
	case Development, Production:
	default:
		return fmt.Errorf("environment: unknown %q", c.Environment)
	}
	if _, err := c.Level(); err != nil {
		return err
	}

	for name, v := range map[string]int{
		"socket.max_packet_size":   c.Socket.MaxPacketSize,
		"socket.in_message_buffer": c.Socket.InMessageBuffer,
		"socket.rate_limit":        c.Socket.RateLimit,
		"socket.rate_burst":        c.Socket.RateBurst,
		"rooms.shards":             c.Rooms.Shards,
	} {
		if v < 0 {
			return fmt.Errorf("%s: must not be negative", name)
		}
	}
	if c.Socket.PingEvery < 0 || c.Socket.WriteTimeout < 0 {
		return errors.New("socket: durations must not be negative")
	}

	switch c.Store.Kind {
	case StoreMemory:
	case StorePostgres:
		if c.Store.PostgresURL == "" {
			return errors.New("store.postgres_url: required for postgres store")
		}
	case StoreRedis:
		if c.Store.RedisAddr == "" {
			return errors.New("store.redis_addr: required for redis store")
		}
	default:
		return fmt.Errorf("store.kind: unknown %q", c.Store.Kind)
	}

	switch c.Auth.Mode {
	case AuthTokens:
		if len(c.Auth.Tokens) == 0 {
			return errors.New("auth.tokens: required for tokens mode")
		}
		for token, id := range c.Auth.Tokens {
			if token == "" || id.UserID == "" {
				return errors.New("auth.tokens: every token needs a user_id")
			}
		}
	case AuthDev:
		if c.Environment == Production {
			return errors.New("auth.mode: dev is not allowed in production")
		}
	default:
		return fmt.Errorf("auth.mode: unknown %q", c.Auth.Mode)
	}
	return nil
}

// Level returns the slog level named by LogLevel.
func (c *Config) Level() (level slog.Level, err error) {
	if err = level.UnmarshalText([]byte(c.LogLevel)); err != nil {
		return level, fmt.Errorf("log_level: %w", err)
	}
	return level, nil
}
