package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func validConfig() AppConfig {
	return AppConfig{
		ServiceName: "trophysync",
		Storage:     StorageConfig{Driver: "postgres"},
		Postgres:    PostgresConfig{URI: "postgres://localhost:5432/db"},
		Steam:       SteamConfig{APIKey: "key"},
		Sync: SyncConfig{
			Schedule:    "@every 15m",
			TitleLimit:  5,
			CallTimeout: time.Second,
		},
	}
}

func TestConfigValidation(t *testing.T) {
	properties := gopter.NewProperties(nil)

	properties.Property("any single credential is enough", prop.ForAll(
		func(which int, key string) bool {
			cfg := validConfig()
			cfg.Steam.APIKey = ""
			switch which {
			case 0:
				cfg.Steam.APIKey = key
			case 1:
				cfg.PSN.NPSSO = key
			default:
				cfg.Xbox.APIKey = key
			}
			return cfg.Validate() == nil
		},
		gen.IntRange(0, 2),
		gen.Identifier(),
	))

	properties.Property("non-positive title limit is rejected", prop.ForAll(
		func(limit int) bool {
			cfg := validConfig()
			cfg.Sync.TitleLimit = limit
			return cfg.Validate() != nil
		},
		gen.IntRange(-100, 0),
	))

	properties.TestingRun(t, gopter.ConsoleReporter(false))
}

func TestValidateRejections(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*AppConfig)
	}{
		{"no service name", func(c *AppConfig) { c.ServiceName = "" }},
		{"postgres without uri", func(c *AppConfig) { c.Postgres.URI = "" }},
		{"unknown driver", func(c *AppConfig) { c.Storage.Driver = "sqlite" }},
		{"no credentials", func(c *AppConfig) { c.Steam.APIKey = "" }},
		{"no schedule", func(c *AppConfig) { c.Sync.Schedule = "" }},
		{"zero timeout", func(c *AppConfig) { c.Sync.CallTimeout = 0 }},
		{"brokers without topic", func(c *AppConfig) { c.Kafka.Brokers = []string{"k:9092"} }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := validConfig()
			tt.mutate(&cfg)
			assert.Error(t, cfg.Validate())
		})
	}

	cfg := validConfig()
	cfg.Storage.Driver = "memory"
	cfg.Postgres.URI = ""
	assert.NoError(t, cfg.Validate())
}

func TestLoadConfig(t *testing.T) {
	os.Setenv("SERVICE_NAME", "test-service")
	os.Setenv("POSTGRES_URI", "postgres://localhost:5432/db")
	os.Setenv("STEAM_API_KEY", "steam-key")
	os.Setenv("KAFKA_BROKERS", "k1:9092,k2:9092")
	os.Setenv("SYNC_TITLE_LIMIT", "7")
	defer os.Clearenv()

	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, "test-service", cfg.ServiceName)
	assert.Equal(t, "postgres://localhost:5432/db", cfg.Postgres.URI)
	assert.Equal(t, "steam-key", cfg.Steam.APIKey)
	assert.Equal(t, []string{"k1:9092", "k2:9092"}, cfg.Kafka.Brokers)
	assert.Equal(t, 7, cfg.Sync.TitleLimit)
	assert.Equal(t, "@every 15m", cfg.Sync.Schedule)
	assert.Equal(t, 20*time.Second, cfg.Sync.CallTimeout)
	assert.Equal(t, "https://api.steampowered.com", cfg.Steam.BaseURL)

	os.Unsetenv("STEAM_API_KEY")
	_, err = Load("")
	assert.Error(t, err)
}

func TestLoadConfigFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	data := []byte(`
service_name: from-file
storage:
  driver: memory
xbox:
  api_key: xbl-key
sync:
  schedule: "*/30 * * * *"
digest:
  max_titles: 3
`)
	require.NoError(t, os.WriteFile(path, data, 0o600))
	defer os.Clearenv()

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "from-file", cfg.ServiceName)
	assert.Equal(t, "memory", cfg.Storage.Driver)
	assert.Equal(t, "xbl-key", cfg.Xbox.APIKey)
	assert.Equal(t, "*/30 * * * *", cfg.Sync.Schedule)
	assert.Equal(t, 3, cfg.Digest.MaxTitles)
	assert.Equal(t, 5, cfg.Digest.MaxUnlocksPerTitle)
}
