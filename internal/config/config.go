package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config captures the full configuration surface for the application.
type Config struct {
	App       AppConfig       `mapstructure:"app"`
	HTTP      HTTPConfig      `mapstructure:"http"`
	Postgres  PostgresConfig  `mapstructure:"postgres"`
	Scylla    ScyllaConfig    `mapstructure:"scylla"`
	Kafka     KafkaConfig     `mapstructure:"kafka"`
	Redis     RedisConfig     `mapstructure:"redis"`
	Telemetry TelemetryConfig `mapstructure:"telemetry"`
	Dispatch  DispatchConfig  `mapstructure:"dispatch"`
	Provider  ProviderConfig  `mapstructure:"provider"`
	Billing   BillingConfig   `mapstructure:"billing"`
}

type AppConfig struct {
	Name    string `mapstructure:"name"`
	Env     string `mapstructure:"env"`
	Version string `mapstructure:"version"`
}

type HTTPConfig struct {
	Port         int           `mapstructure:"port"`
	ReadTimeout  time.Duration `mapstructure:"read_timeout"`
	WriteTimeout time.Duration `mapstructure:"write_timeout"`
	IdleTimeout  time.Duration `mapstructure:"idle_timeout"`
}

type PostgresConfig struct {
	Host            string        `mapstructure:"host"`
	Port            int           `mapstructure:"port"`
	User            string        `mapstructure:"user"`
	Password        string        `mapstructure:"password"`
	Database        string        `mapstructure:"database"`
	SSLMode         string        `mapstructure:"ssl_mode"`
	MaxConns        int32         `mapstructure:"max_conns"`
	MinConns        int32         `mapstructure:"min_conns"`
	MaxConnLifetime time.Duration `mapstructure:"max_conn_lifetime"`
	MaxConnIdleTime time.Duration `mapstructure:"max_conn_idle_time"`
}

type ScyllaConfig struct {
	Hosts       []string      `mapstructure:"hosts"`
	Port        int           `mapstructure:"port"`
	Keyspace    string        `mapstructure:"keyspace"`
	Consistency string        `mapstructure:"consistency"`
	Timeout     time.Duration `mapstructure:"timeout"`
}

type KafkaConfig struct {
	Brokers         []string      `mapstructure:"brokers"`
	ClientID        string        `mapstructure:"client_id"`
	CompletionTopic string        `mapstructure:"completion_topic"`
	StatusTopic     string        `mapstructure:"status_topic"`
	ConsumerGroupID string        `mapstructure:"consumer_group_id"`
	CommitInterval  time.Duration `mapstructure:"commit_interval"`
}

type RedisConfig struct {
	Address      string        `mapstructure:"address"`
	Password     string        `mapstructure:"password"`
	DB           int           `mapstructure:"db"`
	DialTimeout  time.Duration `mapstructure:"dial_timeout"`
	ReadTimeout  time.Duration `mapstructure:"read_timeout"`
	WriteTimeout time.Duration `mapstructure:"write_timeout"`
	PoolSize     int           `mapstructure:"pool_size"`
	MinIdleConns int           `mapstructure:"min_idle_conns"`
	MaxRetries   int           `mapstructure:"max_retries"`
}

type TelemetryConfig struct {
	Endpoint        string        `mapstructure:"endpoint"`
	ServiceName     string        `mapstructure:"service_name"`
	SampleRatio     float64       `mapstructure:"sample_ratio"`
	TracingEnabled  bool          `mapstructure:"tracing_enabled"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

// DispatchConfig tunes the admission/reclaim loop.
type DispatchConfig struct {
	ReclaimInterval     time.Duration `mapstructure:"reclaim_interval"`
	StuckTimeout        time.Duration `mapstructure:"stuck_timeout"`
	ImportChunkSize     int           `mapstructure:"import_chunk_size"`
	DefaultConcurrency  int           `mapstructure:"default_concurrency"`
	DefaultMaxAttempts  int           `mapstructure:"default_max_attempts"`
	DefaultRetryDelay   time.Duration `mapstructure:"default_retry_delay"`
	ReclaimLockTTL      time.Duration `mapstructure:"reclaim_lock_ttl"`
	CampaignFetchLimit  int           `mapstructure:"campaign_fetch_limit"`
}

type ProviderConfig struct {
	Name           string        `mapstructure:"name"`
	RequestTimeout time.Duration `mapstructure:"request_timeout"`
	CallerID       string        `mapstructure:"caller_id"`
}

type BillingConfig struct {
	Enabled  bool          `mapstructure:"enabled"`
	CacheTTL time.Duration `mapstructure:"cache_ttl"`
}

// Load reads configuration from file and environment variables.
func Load(path string) (*Config, error) {
	v := viper.New()

	v.SetConfigFile(path)
	v.SetConfigType("yaml")
	v.AutomaticEnv()
	v.SetEnvPrefix("DISPATCH")
	v.SetEnvKeyReplacer(NewEnvReplacer())

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("config: failed to read config file: %w", err)
	}

	cfg := new(Config)
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("config: failed to unmarshal config: %w", err)
	}

	applyDefaults(cfg)
	return cfg, nil
}

func applyDefaults(cfg *Config) {
	if cfg.Dispatch.ReclaimInterval <= 0 {
		cfg.Dispatch.ReclaimInterval = 30 * time.Second
	}
	if cfg.Dispatch.StuckTimeout <= 0 {
		cfg.Dispatch.StuckTimeout = 10 * time.Minute
	}
	if cfg.Dispatch.ImportChunkSize <= 0 {
		cfg.Dispatch.ImportChunkSize = 500
	}
	if cfg.Dispatch.DefaultConcurrency <= 0 {
		cfg.Dispatch.DefaultConcurrency = 3
	}
	if cfg.Dispatch.DefaultMaxAttempts <= 0 {
		cfg.Dispatch.DefaultMaxAttempts = 3
	}
	if cfg.Dispatch.DefaultRetryDelay <= 0 {
		cfg.Dispatch.DefaultRetryDelay = 5 * time.Minute
	}
	if cfg.Dispatch.ReclaimLockTTL <= 0 {
		cfg.Dispatch.ReclaimLockTTL = time.Minute
	}
	if cfg.Dispatch.CampaignFetchLimit <= 0 {
		cfg.Dispatch.CampaignFetchLimit = 100
	}
	if cfg.Provider.RequestTimeout <= 0 {
		cfg.Provider.RequestTimeout = 10 * time.Second
	}
}

// NewEnvReplacer standardizes environment variable names.
func NewEnvReplacer() *strings.Replacer {
	return strings.NewReplacer(".", "_", "-", "_")
}
