package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestLoadFile(t *testing.T) {
	path := writeConfig(t, `
server:
  grpc:
    address: ":7000"
logging:
  level: debug
session:
  secret: "0123456789abcdef0123"
  ttl: 30m
battle:
  simulation_authority: sim
  inactivity_timeout: 2m
cards:
  - id: 4
    cost: 6
    health: 900
    damage: 80
`)
	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, ":7000", cfg.Server.GRPC.Address)
	assert.Equal(t, 1000, cfg.Server.GRPC.MaxConcurrentStreams)
	assert.Equal(t, "debug", cfg.Logging.Level)
	assert.Equal(t, 30*time.Minute, cfg.Session.TTL)
	assert.Equal(t, 2*time.Minute, cfg.Battle.InactivityTimeout)
	assert.Equal(t, time.Minute, cfg.Battle.SweepInterval)
	assert.Equal(t, "sim", cfg.Battle.SimulationAuthority)
	assert.Equal(t, uint32(50), cfg.Reward.Trophies)
	assert.Equal(t, DriverMemory, cfg.Storage.Driver)

	require.Len(t, cfg.Cards, 1)
	assert.Equal(t, uint8(4), cfg.Cards[0].ID)
	assert.Equal(t, uint32(6), cfg.Cards[0].Cost)
}

func TestLoadEnvOverride(t *testing.T) {
	path := writeConfig(t, "logging:\n  level: info\n")
	t.Setenv("ARENA_SESSION_SECRET", "from-the-environment-123")
	t.Setenv("ARENA_LOGGING_LEVEL", "warn")

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "from-the-environment-123", cfg.Session.Secret)
	assert.Equal(t, "warn", cfg.Logging.Level)
}

func TestLoadMissingFile(t *testing.T) {
	t.Setenv("ARENA_SESSION_SECRET", "from-the-environment-123")
	cfg, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	require.NoError(t, err)
	assert.Equal(t, ":9090", cfg.Server.GRPC.Address)
}

func TestValidate(t *testing.T) {
	base := func() Config {
		return Config{
			Server:  ServerConfig{DeployRate: 1, DeployBurst: 1},
			Storage: StorageConfig{Driver: DriverMemory},
			Venue:   VenueConfig{Driver: DriverMemory},
			Session: SessionConfig{Secret: "0123456789abcdef", TTL: time.Hour, CleanupInterval: time.Minute},
			Battle:  BattleConfig{InactivityTimeout: time.Minute, SweepInterval: time.Minute},
		}
	}

	cfg := base()
	require.NoError(t, cfg.Validate())

	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"short secret", func(c *Config) { c.Session.Secret = "short" }},
		{"postgres without url", func(c *Config) { c.Storage.Driver = DriverPostgres }},
		{"unknown storage", func(c *Config) { c.Storage.Driver = "sqlite" }},
		{"redis without url", func(c *Config) { c.Venue.Driver = DriverRedis }},
		{"unknown venue", func(c *Config) { c.Venue.Driver = "etcd" }},
		{"zero ttl", func(c *Config) { c.Session.TTL = 0 }},
		{"zero timeout", func(c *Config) { c.Battle.InactivityTimeout = 0 }},
		{"zero rate", func(c *Config) { c.Server.DeployRate = 0 }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := base()
			tt.mutate(&c)
			assert.Error(t, c.Validate())
		})
	}
}
