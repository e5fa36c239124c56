package config

import (
	"fmt"
	"log"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config represents the overall application configuration.
type Config struct {
	Broker   BrokerConfig   `yaml:"broker"`
	Database DatabaseConfig `yaml:"database"`
	Ingest   IngestConfig   `yaml:"ingest"`
	RefData  RefDataConfig  `yaml:"refdata"`
	Server   ServerConfig   `yaml:"server"`
	Timezone string         `yaml:"timezone"`
}

// BrokerConfig holds the MQTT broker connection parameters.
type BrokerConfig struct {
	Host            string `yaml:"host"`
	Port            int    `yaml:"port"`
	Username        string `yaml:"username"`
	Password        string `yaml:"password"`
	ClientID string `yaml:"client_id"`
	// QoS is a pointer so an explicit 0 (fire and forget) is
	// distinguishable from an unset field, which defaults to 1.
	QoS *byte `yaml:"qos"`
	StatusTopic     string `yaml:"status_topic"`
	RotationTopic   string `yaml:"rotation_topic"`
	KeepAliveSecs   int    `yaml:"keepalive_seconds"`
	ConnectAttempts int    `yaml:"connect_attempts"`
}

// URL returns the tcp:// broker address paho expects.
func (b *BrokerConfig) URL() string {
	return fmt.Sprintf("tcp://%s:%d", b.Host, b.Port)
}

// IngestConfig tunes the queue / batch / overflow machinery.
type IngestConfig struct {
	QueueSize            int    `yaml:"queue_size"`
	BatchSize            int    `yaml:"batch_size"`
	FlushIntervalSeconds int    `yaml:"flush_interval_seconds"`
	StatsIntervalSeconds int    `yaml:"stats_interval_seconds"`
	OverflowDir          string `yaml:"overflow_dir"`
	ReplayIntervalSecs   int    `yaml:"replay_interval_seconds"`

	FlushInterval  time.Duration `yaml:"-"`
	StatsInterval  time.Duration `yaml:"-"`
	ReplayInterval time.Duration `yaml:"-"`
}

// RefDataConfig controls the reference-data cache refresh loop.
type RefDataConfig struct {
	RefreshIntervalSeconds int           `yaml:"refresh_interval_seconds"`
	RefreshInterval        time.Duration `yaml:"-"`
}

// ServerConfig holds the diagnostics HTTP server configuration.
type ServerConfig struct {
	Port            int     `yaml:"port"`
	RateLimitPerSec float64 `yaml:"rate_limit_per_sec"`
	CacheTTLSeconds int     `yaml:"cache_ttl_seconds"`
}

// DatabaseConfig holds the database connection configuration.
type DatabaseConfig struct {
	DSN                    string `yaml:"dsn"`
	MaxOpenConns           int    `yaml:"max_open_conns"`
	MaxIdleConns           int    `yaml:"max_idle_conns"`
	ConnMaxLifetimeMinutes int    `yaml:"conn_max_lifetime_minutes"`
}

// Load reads the configuration from the given path and fills in defaults.
func Load(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var cfg Config
	decoder := yaml.NewDecoder(f)
	if err := decoder.Decode(&cfg); err != nil {
		return nil, err
	}

	cfg.ApplyDefaults()
	return &cfg, nil
}

// ApplyDefaults fills every unset field with its operational default.
func (cfg *Config) ApplyDefaults() {
	if cfg.Broker.Port <= 0 {
		cfg.Broker.Port = 1883
	}
	if cfg.Broker.QoS == nil {
		qos := byte(1)
		cfg.Broker.QoS = &qos
	}
	if cfg.Broker.StatusTopic == "" {
		cfg.Broker.StatusTopic = "npt/mc-status"
	}
	if cfg.Broker.RotationTopic == "" {
		cfg.Broker.RotationTopic = "npt/rotation-data"
	}
	if cfg.Broker.KeepAliveSecs <= 0 {
		cfg.Broker.KeepAliveSecs = 60
	}
	if cfg.Broker.ConnectAttempts <= 0 {
		cfg.Broker.ConnectAttempts = 5
	}

	if cfg.Ingest.QueueSize <= 0 {
		cfg.Ingest.QueueSize = 100_000
	}
	if cfg.Ingest.BatchSize <= 0 {
		cfg.Ingest.BatchSize = 50
	}
	if cfg.Ingest.FlushIntervalSeconds <= 0 {
		cfg.Ingest.FlushIntervalSeconds = 5
	}
	if cfg.Ingest.StatsIntervalSeconds <= 0 {
		cfg.Ingest.StatsIntervalSeconds = 5
	}
	if cfg.Ingest.OverflowDir == "" {
		cfg.Ingest.OverflowDir = "./overflow"
	}
	if cfg.Ingest.ReplayIntervalSecs <= 0 {
		cfg.Ingest.ReplayIntervalSecs = 60
	}
	cfg.Ingest.FlushInterval = time.Duration(cfg.Ingest.FlushIntervalSeconds) * time.Second
	cfg.Ingest.StatsInterval = time.Duration(cfg.Ingest.StatsIntervalSeconds) * time.Second
	cfg.Ingest.ReplayInterval = time.Duration(cfg.Ingest.ReplayIntervalSecs) * time.Second

	if cfg.RefData.RefreshIntervalSeconds <= 0 {
		cfg.RefData.RefreshIntervalSeconds = 3600
	}
	cfg.RefData.RefreshInterval = time.Duration(cfg.RefData.RefreshIntervalSeconds) * time.Second

	if cfg.Server.Port <= 0 {
		cfg.Server.Port = 8090
	}
	if cfg.Server.RateLimitPerSec <= 0 {
		cfg.Server.RateLimitPerSec = 10
	}
	if cfg.Server.CacheTTLSeconds <= 0 {
		cfg.Server.CacheTTLSeconds = 5
	}

	if cfg.Timezone == "" {
		log.Printf("timezone is not set; defaulting to Asia/Dhaka")
		cfg.Timezone = "Asia/Dhaka"
	}
}

// Location resolves the configured timezone.
func (cfg *Config) Location() (*time.Location, error) {
	return time.LoadLocation(cfg.Timezone)
}
