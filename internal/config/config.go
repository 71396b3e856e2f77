// Package config loads server configuration from YAML and ARENA_* environment
// variables.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/tesar-games/arena-server/internal/catalog"
)

// Config is the root configuration.
type Config struct {
	Server   ServerConfig   `mapstructure:"server"`
	Logging  LoggingConfig  `mapstructure:"logging"`
	Database DatabaseConfig `mapstructure:"database"`
	Storage  StorageConfig  `mapstructure:"storage"`
	Venue    VenueConfig    `mapstructure:"venue"`
	Session  SessionConfig  `mapstructure:"session"`
	Battle   BattleConfig   `mapstructure:"battle"`
	Reward   RewardConfig   `mapstructure:"reward"`
	Cards    []catalog.Card `mapstructure:"cards"`
}

// ServerConfig holds listener settings.
type ServerConfig struct {
	GRPC        GRPCConfig      `mapstructure:"grpc"`
	WebSocket   WebSocketConfig `mapstructure:"websocket"`
	DeployRate  float64         `mapstructure:"deploy_rate"`
	DeployBurst int             `mapstructure:"deploy_burst"`
}

// GRPCConfig holds gRPC listener settings.
type GRPCConfig struct {
	Address              string `mapstructure:"address"`
	MaxConcurrentStreams int    `mapstructure:"max_concurrent_streams"`
}

// WebSocketConfig holds spectate feed settings.
type WebSocketConfig struct {
	Address        string        `mapstructure:"address"`
	WriteTimeout   time.Duration `mapstructure:"write_timeout"`
	AllowedOrigins []string      `mapstructure:"allowed_origins"`
}

// LoggingConfig selects log level and encoding.
type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// DatabaseConfig holds Postgres pool settings.
type DatabaseConfig struct {
	URL      string `mapstructure:"url"`
	MaxConns int32  `mapstructure:"max_conns"`
	MinConns int32  `mapstructure:"min_conns"`
}

// StorageConfig selects the durable store.
type StorageConfig struct {
	Driver string `mapstructure:"driver"`
}

// VenueConfig selects the delegation venue.
type VenueConfig struct {
	Driver   string        `mapstructure:"driver"`
	RedisURL string        `mapstructure:"redis_url"`
	TTL      time.Duration `mapstructure:"ttl"`
}

// SessionConfig controls capability tokens.
type SessionConfig struct {
	Secret          string        `mapstructure:"secret"`
	TTL             time.Duration `mapstructure:"ttl"`
	CleanupInterval time.Duration `mapstructure:"cleanup_interval"`
}

// BattleConfig holds match rules owned by operators.
type BattleConfig struct {
	SimulationAuthority string        `mapstructure:"simulation_authority"`
	InactivityTimeout   time.Duration `mapstructure:"inactivity_timeout"`
	SweepInterval       time.Duration `mapstructure:"sweep_interval"`
}

// RewardConfig holds winner reward amounts.
type RewardConfig struct {
	Trophies    uint32 `mapstructure:"trophies"`
	MMR         uint32 `mapstructure:"mmr"`
	IssuanceCap uint64 `mapstructure:"issuance_cap"`
}

// Driver names
const (
	DriverMemory   = "memory"
	DriverPostgres = "postgres"
	DriverRedis    = "redis"
	DriverNone     = "none"
)

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.grpc.address", ":9090")
	v.SetDefault("server.grpc.max_concurrent_streams", 1000)
	v.SetDefault("server.websocket.address", ":9091")
	v.SetDefault("server.websocket.write_timeout", 5*time.Second)
	v.SetDefault("server.deploy_rate", 10.0)
	v.SetDefault("server.deploy_burst", 5)

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")

	v.SetDefault("database.max_conns", 20)
	v.SetDefault("database.min_conns", 2)

	v.SetDefault("storage.driver", DriverMemory)
	v.SetDefault("venue.driver", DriverMemory)
	v.SetDefault("venue.ttl", 2*time.Hour)

	v.SetDefault("session.ttl", time.Hour)
	v.SetDefault("session.cleanup_interval", 5*time.Minute)

	v.SetDefault("battle.inactivity_timeout", 10*time.Minute)
	v.SetDefault("battle.sweep_interval", time.Minute)

	v.SetDefault("reward.trophies", 50)
	v.SetDefault("reward.mmr", 30)
	v.SetDefault("reward.issuance_cap", 0)
}

// Load reads configuration from path, then applies ARENA_* overrides
// (ARENA_SESSION_SECRET overrides session.secret). A missing file is not an
// error.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix("ARENA")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("failed to read config %s: %w", path, err)
		}
	}

	// AutomaticEnv only applies to keys viper already knows about
	for _, key := range []string{"session.secret", "database.url", "venue.redis_url", "battle.simulation_authority"} {
		if err := v.BindEnv(key); err != nil {
			return nil, fmt.Errorf("failed to bind %s: %w", key, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to decode config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks cross-field constraints.
func (c *Config) Validate() error {
	switch c.Storage.Driver {
	case DriverMemory:
	case DriverPostgres:
		if c.Database.URL == "" {
			return fmt.Errorf("database.url is required for storage driver %q", c.Storage.Driver)
		}
	default:
		return fmt.Errorf("unknown storage driver %q", c.Storage.Driver)
	}

	switch c.Venue.Driver {
	case DriverMemory, DriverNone:
	case DriverRedis:
		if c.Venue.RedisURL == "" {
			return fmt.Errorf("venue.redis_url is required for venue driver %q", c.Venue.Driver)
		}
	default:
		return fmt.Errorf("unknown venue driver %q", c.Venue.Driver)
	}

	if len(c.Session.Secret) < 16 {
		return fmt.Errorf("session.secret must be at least 16 bytes")
	}
	if c.Session.TTL <= 0 || c.Session.CleanupInterval <= 0 {
		return fmt.Errorf("session.ttl and session.cleanup_interval must be positive")
	}
	if c.Battle.InactivityTimeout <= 0 || c.Battle.SweepInterval <= 0 {
		return fmt.Errorf("battle.inactivity_timeout and battle.sweep_interval must be positive")
	}
	if c.Server.DeployRate <= 0 || c.Server.DeployBurst <= 0 {
		return fmt.Errorf("server.deploy_rate and server.deploy_burst must be positive")
	}
	return nil
}
