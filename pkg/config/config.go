package config

import (
	"errors"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// AppConfig holds the complete configuration for the application
type AppConfig struct {
	Environment string         `mapstructure:"environment"`
	LogLevel    string         `mapstructure:"log_level"`
	ServiceName string         `mapstructure:"service_name"`
	LogFile     LogFileConfig  `mapstructure:"log_file"`
	HTTP        HTTPConfig     `mapstructure:"http"`
	Storage     StorageConfig  `mapstructure:"storage"`
	Postgres    PostgresConfig `mapstructure:"postgres"`
	Redis       RedisConfig    `mapstructure:"redis"`
	Kafka       KafkaConfig    `mapstructure:"kafka"`
	Sync        SyncConfig     `mapstructure:"sync"`
	Digest      DigestConfig   `mapstructure:"digest"`
	Steam       SteamConfig    `mapstructure:"steam"`
	PSN         PSNConfig      `mapstructure:"psn"`
	Xbox        XboxConfig     `mapstructure:"xbox"`
}

type LogFileConfig struct {
	Path       string `mapstructure:"path"`
	MaxSizeMB  int    `mapstructure:"max_size_mb"`
	MaxBackups int    `mapstructure:"max_backups"`
	MaxAgeDays int    `mapstructure:"max_age_days"`
}

type HTTPConfig struct {
	Addr string `mapstructure:"addr"`
}

// StorageConfig selects the ledger backend: "postgres" or "memory"
type StorageConfig struct {
	Driver string `mapstructure:"driver"`
}

type PostgresConfig struct {
	URI             string        `mapstructure:"uri"`
	MaxConns        int           `mapstructure:"max_conns"`
	MinConns        int           `mapstructure:"min_conns"`
	MaxConnLifetime time.Duration `mapstructure:"max_conn_lifetime"`
}

// RedisConfig is optional; without Addr the token cache stays in memory
// and no cross-process cycle lock is taken.
type RedisConfig struct {
	Addr      string        `mapstructure:"addr"`
	Password  string        `mapstructure:"password"`
	DB        int           `mapstructure:"db"`
	KeyPrefix string        `mapstructure:"key_prefix"`
	SchemaTTL time.Duration `mapstructure:"schema_ttl"`
}

// KafkaConfig is optional; without brokers digests are only logged
type KafkaConfig struct {
	Brokers      []string `mapstructure:"brokers"`
	DigestTopic  string   `mapstructure:"digest_topic"`
	RequestTopic string   `mapstructure:"request_topic"`
	GroupID      string   `mapstructure:"group_id"`
}

type SyncConfig struct {
	Schedule    string        `mapstructure:"schedule"`
	TitleLimit  int           `mapstructure:"title_limit"`
	CallTimeout time.Duration `mapstructure:"call_timeout"`
	// LockTTL bounds how long a crashed node blocks others; a live cycle keeps extending it
	LockTTL     time.Duration `mapstructure:"lock_ttl"`
	RunOnStart  bool          `mapstructure:"run_on_start"`
}

type DigestConfig struct {
	MaxTitles          int `mapstructure:"max_titles"`
	MaxUnlocksPerTitle int `mapstructure:"max_unlocks_per_title"`
}

type SteamConfig struct {
	APIKey            string  `mapstructure:"api_key"`
	BaseURL           string  `mapstructure:"base_url"`
	RequestsPerSecond float64 `mapstructure:"requests_per_second"`
}

type PSNConfig struct {
	NPSSO             string  `mapstructure:"npsso"`
	BaseURL           string  `mapstructure:"base_url"`
	ProfileURL        string  `mapstructure:"profile_url"`
	AuthURL           string  `mapstructure:"auth_url"`
	RequestsPerSecond float64 `mapstructure:"requests_per_second"`
}

type XboxConfig struct {
	APIKey            string  `mapstructure:"api_key"`
	BaseURL           string  `mapstructure:"base_url"`
	RequestsPerSecond float64 `mapstructure:"requests_per_second"`
}

// Load loads configuration from file and environment variables
func Load(path string) (*AppConfig, error) {
	v := viper.New()

	v.SetDefault("environment", "development")
	v.SetDefault("log_level", "info")
	v.SetDefault("service_name", "trophysync")
	v.SetDefault("log_file.max_size_mb", 100)
	v.SetDefault("log_file.max_backups", 5)
	v.SetDefault("log_file.max_age_days", 14)
	v.SetDefault("http.addr", ":8080")
	v.SetDefault("storage.driver", "postgres")
	v.SetDefault("postgres.max_conns", 10)
	v.SetDefault("postgres.min_conns", 2)
	v.SetDefault("postgres.max_conn_lifetime", 30*time.Minute)
	v.SetDefault("redis.key_prefix", "trophysync:")
	v.SetDefault("redis.schema_ttl", 24*time.Hour)
	v.SetDefault("kafka.digest_topic", "trophysync.digests")
	v.SetDefault("kafka.request_topic", "trophysync.sync-requests")
	v.SetDefault("kafka.group_id", "trophysync")
	v.SetDefault("sync.schedule", "@every 15m")
	v.SetDefault("sync.title_limit", 5)
	v.SetDefault("sync.call_timeout", 20*time.Second)
	v.SetDefault("sync.lock_ttl", 30*time.Minute)
	v.SetDefault("digest.max_titles", 5)
	v.SetDefault("digest.max_unlocks_per_title", 5)
	v.SetDefault("steam.base_url", "https://api.steampowered.com")
	v.SetDefault("steam.requests_per_second", 4)
	v.SetDefault("psn.base_url", "https://m.np.playstation.com")
	v.SetDefault("psn.profile_url", "https://us-prof.np.community.playstation.net")
	v.SetDefault("psn.auth_url", "https://ca.account.sony.com")
	v.SetDefault("psn.requests_per_second", 2)
	v.SetDefault("xbox.base_url", "https://xbl.io")
	v.SetDefault("xbox.requests_per_second", 2)

	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, err
		}
	}

	// Nested keys are not picked up by Unmarshal through AutomaticEnv alone
	v.BindEnv("service_name", "SERVICE_NAME")
	v.BindEnv("environment", "ENVIRONMENT")
	v.BindEnv("log_level", "LOG_LEVEL")
	v.BindEnv("log_file.path", "LOG_FILE_PATH")
	v.BindEnv("http.addr", "HTTP_ADDR")
	v.BindEnv("storage.driver", "STORAGE_DRIVER")
	v.BindEnv("postgres.uri", "POSTGRES_URI")
	v.BindEnv("postgres.max_conns", "POSTGRES_MAX_CONNS")
	v.BindEnv("postgres.min_conns", "POSTGRES_MIN_CONNS")
	v.BindEnv("redis.addr", "REDIS_ADDR")
	v.BindEnv("redis.password", "REDIS_PASSWORD")
	v.BindEnv("redis.db", "REDIS_DB")
	v.BindEnv("kafka.brokers", "KAFKA_BROKERS")
	v.BindEnv("kafka.digest_topic", "KAFKA_DIGEST_TOPIC")
	v.BindEnv("kafka.request_topic", "KAFKA_REQUEST_TOPIC")
	v.BindEnv("sync.schedule", "SYNC_SCHEDULE")
	v.BindEnv("sync.title_limit", "SYNC_TITLE_LIMIT")
	v.BindEnv("sync.call_timeout", "SYNC_CALL_TIMEOUT")
	v.BindEnv("sync.run_on_start", "SYNC_RUN_ON_START")
	v.BindEnv("steam.api_key", "STEAM_API_KEY")
	v.BindEnv("psn.npsso", "PSN_NPSSO")
	v.BindEnv("xbox.api_key", "XBOX_API_KEY")

	var config AppConfig
	if err := v.Unmarshal(&config); err != nil {
		return nil, err
	}

	// Brokers arrive as one comma separated string from env
	brokers := v.GetString("kafka.brokers")
	if brokers != "" && len(config.Kafka.Brokers) <= 1 {
		config.Kafka.Brokers = strings.Split(brokers, ",")
	}

	if err := config.Validate(); err != nil {
		return nil, err
	}

	return &config, nil
}

// Validate checks if the configuration is valid
func (c *AppConfig) Validate() error {
	if c.ServiceName == "" {
		return errors.New("service_name is required")
	}
	switch c.Storage.Driver {
	case "postgres":
		if c.Postgres.URI == "" {
			return errors.New("postgres.uri is required")
		}
	case "memory":
	default:
		return errors.New("storage.driver must be postgres or memory")
	}
	if c.Steam.APIKey == "" && c.PSN.NPSSO == "" && c.Xbox.APIKey == "" {
		return errors.New("at least one of steam.api_key, psn.npsso, xbox.api_key is required")
	}
	if c.Sync.Schedule == "" {
		return errors.New("sync.schedule is required")
	}
	if c.Sync.TitleLimit < 1 {
		return errors.New("sync.title_limit must be positive")
	}
	if c.Sync.CallTimeout <= 0 {
		return errors.New("sync.call_timeout must be positive")
	}
	if len(c.Kafka.Brokers) > 0 && c.Kafka.DigestTopic == "" {
		return errors.New("kafka.digest_topic is required when brokers are set")
	}
	return nil
}
