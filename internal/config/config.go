// Package config handles configuration loading for TETH.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"teth/internal/attribution"
	"teth/internal/cache"
	"teth/internal/campaign"
	"teth/internal/consumer"
	"teth/internal/detection"
	"teth/internal/kafka"
	"teth/internal/montecarlo"
	"teth/internal/natsbus"
	"teth/internal/storage"
	"teth/internal/storage/s3"
)

// Config holds the complete application configuration.
type Config struct {
	Server          ServerConfig          `yaml:"server"`
	Auth            AuthConfig            `yaml:"auth"`
	Logging         LoggingConfig         `yaml:"logging"`
	Catalog         CatalogConfig         `yaml:"catalog"`
	Attribution     attribution.Config    `yaml:"attribution"`
	Campaign        campaign.Config       `yaml:"campaign"`
	Detection       DetectionConfig       `yaml:"detection"`
	RateLimit       RateLimitConfig       `yaml:"rate_limit"`
	SecurityHeaders SecurityHeadersConfig `yaml:"security_headers"`
	Queue           QueueConfig           `yaml:"queue"`
	Consumer        consumer.Config       `yaml:"consumer"`
	Storage         StorageConfig         `yaml:"storage"`
	Kafka           KafkaConfig           `yaml:"kafka"`
	NATS            NATSConfig            `yaml:"nats"`
	Redis           RedisConfig           `yaml:"redis"`
	Archive         ArchiveConfig         `yaml:"archive"`
	MonteCarlo      montecarlo.Config     `yaml:"montecarlo"`
}

// ServerConfig holds HTTP server configuration.
type ServerConfig struct {
	HTTPPort       int           `yaml:"http_port"`
	ReadTimeout    time.Duration `yaml:"read_timeout"`
	WriteTimeout   time.Duration `yaml:"write_timeout"`
	MaxPayloadSize int           `yaml:"max_payload_size"`
	ProductionMode bool          `yaml:"production_mode"` // sanitize error bodies
}

// AuthConfig holds API key authentication settings.
type AuthConfig struct {
	APIKeyHeader string   `yaml:"api_key_header"`
	APIKeys      []string `yaml:"api_keys"`
	Enabled      bool     `yaml:"enabled"`
}

// LoggingConfig holds logging settings.
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// CatalogConfig selects the tool and profile catalog. An empty path uses the
// embedded default catalog.
type CatalogConfig struct {
	Path string `yaml:"path"`
}

// DetectionConfig holds the correlation service settings and its rule table.
type DetectionConfig struct {
	detection.Config `yaml:",inline"`
	Rules            detection.Rules `yaml:"rules"`
}

// RateLimitConfig holds rate limiting settings.
type RateLimitConfig struct {
	Enabled       bool          `yaml:"enabled"`
	RequestsPerIP int           `yaml:"requests_per_ip"` // Max requests per IP per window
	WindowSize    time.Duration `yaml:"window_size"`
	BurstSize     int           `yaml:"burst_size"`
	CleanupPeriod time.Duration `yaml:"cleanup_period"`
	ExemptPaths   []string      `yaml:"exempt_paths"`
	TrustProxy    bool          `yaml:"trust_proxy"` // Trust X-Forwarded-For header
}

// SecurityHeadersConfig holds response hardening headers.
type SecurityHeadersConfig struct {
	Enabled               bool              `yaml:"enabled"`
	HSTSEnabled           bool              `yaml:"hsts_enabled"`
	HSTSMaxAge            int               `yaml:"hsts_max_age"`
	FrameOptions          string            `yaml:"frame_options"`
	ReferrerPolicy        string            `yaml:"referrer_policy"`
	ContentSecurityPolicy string            `yaml:"content_security_policy"`
	CustomHeaders         map[string]string `yaml:"custom_headers"`
}

// QueueConfig holds the verdict record queue settings.
type QueueConfig struct {
	Size int `yaml:"size"`
}

// StorageConfig holds ClickHouse settings.
type StorageConfig struct {
	Enabled       bool                      `yaml:"enabled"`
	RunMigrations bool                      `yaml:"run_migrations"`
	ClickHouse    storage.ClickHouseConfig  `yaml:"clickhouse"`
	BatchWriter   storage.BatchWriterConfig `yaml:"batch_writer"`
	Retention     storage.RetentionConfig   `yaml:"retention"`
}

// KafkaConfig enables the Kafka verdict sink.
type KafkaConfig struct {
	Enabled      bool `yaml:"enabled"`
	kafka.Config `yaml:",inline"`
}

// NATSConfig enables the NATS alert sink.
type NATSConfig struct {
	Enabled        bool `yaml:"enabled"`
	natsbus.Config `yaml:",inline"`
}

// RedisConfig enables the Redis chain state backend.
type RedisConfig struct {
	Enabled           bool   `yaml:"enabled"`
	KeyPrefix         string        `yaml:"key_prefix"`
	PruneInterval     time.Duration `yaml:"prune_interval"` // chain index sweep
	cache.RedisConfig `yaml:",inline"`
}

// ArchiveConfig enables S3 archival of validation reports.
type ArchiveConfig struct {
	Enabled  bool              `yaml:"enabled"`
	S3       s3.Config         `yaml:"s3"`
	Archiver s3.ArchiverConfig `yaml:"archiver"`
}

// DefaultConfig returns the default configuration.
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			HTTPPort:       8080,
			ReadTimeout:    30 * time.Second,
			WriteTimeout:   30 * time.Second,
			MaxPayloadSize: 1024 * 1024, // 1MB
		},
		Auth: AuthConfig{
			APIKeyHeader: "X-API-Key",
			Enabled:      false,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
		},
		Attribution: attribution.DefaultConfig(),
		Campaign:    campaign.DefaultConfig(),
		Detection: DetectionConfig{
			Config: detection.DefaultConfig(),
			Rules:  detection.DefaultRules(),
		},
		RateLimit: RateLimitConfig{
			Enabled:       true,
			RequestsPerIP: 1000,
			WindowSize:    time.Minute,
			BurstSize:     50,
			CleanupPeriod: 5 * time.Minute,
			ExemptPaths:   []string{"/health", "/metrics"},
			TrustProxy:    false,
		},
		SecurityHeaders: SecurityHeadersConfig{
			Enabled:               true,
			HSTSEnabled:           false, // enable behind TLS
			HSTSMaxAge:            31536000,
			FrameOptions:          "DENY",
			ReferrerPolicy:        "no-referrer",
			ContentSecurityPolicy: "default-src 'none'; frame-ancestors 'none'",
		},
		Queue: QueueConfig{
			Size: 10000,
		},
		Consumer: consumer.DefaultConfig(),
		Storage: StorageConfig{
			Enabled:       false, // Disabled by default for development without ClickHouse
			RunMigrations: true,
			ClickHouse:    storage.DefaultClickHouseConfig(),
			BatchWriter:   storage.DefaultBatchWriterConfig(),
			Retention:     storage.DefaultRetentionConfig(),
		},
		Kafka: KafkaConfig{
			Config: *kafka.DefaultConfig(),
		},
		NATS: NATSConfig{
			Config: natsbus.DefaultConfig(),
		},
		Redis: RedisConfig{
			KeyPrefix:     "teth",
			PruneInterval: 5 * time.Minute,
			RedisConfig:   cache.DefaultRedisConfig(),
		},
		Archive: ArchiveConfig{
			S3:       *s3.DefaultConfig(),
			Archiver: *s3.DefaultArchiverConfig(),
		},
		MonteCarlo: montecarlo.DefaultConfig(),
	}
}

// Load loads configuration from the file named by TETH_CONFIG_PATH (default
// configs/config.yaml), falling back to defaults when it does not exist.
// Environment overrides are applied in both cases.
func Load() (*Config, error) {
	configPath := os.Getenv("TETH_CONFIG_PATH")
	if configPath == "" {
		configPath = "configs/config.yaml"
	}
	return LoadFile(configPath)
}

// LoadFile loads configuration from path.
func LoadFile(path string) (*Config, error) {
	cfg := DefaultConfig()

	data, err := os.ReadFile(path)
	switch {
	case err == nil:
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config file: %w", err)
		}
	case os.IsNotExist(err):
		// use defaults
	default:
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	cfg.applyEnvOverrides()
	return cfg, nil
}

// applyEnvOverrides applies environment variable overrides.
func (c *Config) applyEnvOverrides() {
	if port := os.Getenv("TETH_HTTP_PORT"); port != "" {
		if n, err := strconv.Atoi(port); err == nil {
			c.Server.HTTPPort = n
		}
	}

	if level := os.Getenv("TETH_LOG_LEVEL"); level != "" {
		c.Logging.Level = level
	}

	if format := os.Getenv("TETH_LOG_FORMAT"); format != "" {
		c.Logging.Format = format
	}

	if apiKey := os.Getenv("TETH_API_KEY"); apiKey != "" {
		c.Auth.APIKeys = append(c.Auth.APIKeys, apiKey)
		c.Auth.Enabled = true
	}

	if path := os.Getenv("TETH_CATALOG_PATH"); path != "" {
		c.Catalog.Path = path
	}

	if os.Getenv("TETH_PRODUCTION") == "true" {
		c.Server.ProductionMode = true
	}

	// Storage settings
	if enabled := os.Getenv("TETH_STORAGE_ENABLED"); enabled == "true" {
		c.Storage.Enabled = true
	}

	if host := os.Getenv("CLICKHOUSE_HOST"); host != "" {
		c.Storage.ClickHouse.Hosts = []string{host}
	}

	if db := os.Getenv("CLICKHOUSE_DATABASE"); db != "" {
		c.Storage.ClickHouse.Database = db
	}

	if user := os.Getenv("CLICKHOUSE_USER"); user != "" {
		c.Storage.ClickHouse.Username = user
	}

	if pass := os.Getenv("CLICKHOUSE_PASSWORD"); pass != "" {
		c.Storage.ClickHouse.Password = pass
	}

	// Sinks and backends are enabled by naming their endpoint
	if brokers := os.Getenv("TETH_KAFKA_BROKERS"); brokers != "" {
		c.Kafka.Brokers = splitAndTrim(brokers, ",")
		c.Kafka.Enabled = true
	}

	if url := os.Getenv("TETH_NATS_URL"); url != "" {
		c.NATS.URL = url
		c.NATS.Enabled = true
	}

	if addr := os.Getenv("TETH_REDIS_ADDR"); addr != "" {
		c.Redis.Addr = addr
		c.Redis.Enabled = true
	}

	if pass := os.Getenv("TETH_REDIS_PASSWORD"); pass != "" {
		c.Redis.Password = pass
	}

	if bucket := os.Getenv("TETH_S3_BUCKET"); bucket != "" {
		c.Archive.S3.Bucket = bucket
		c.Archive.Enabled = true
	}

	if endpoint := os.Getenv("TETH_S3_ENDPOINT"); endpoint != "" {
		c.Archive.S3.Endpoint = endpoint
	}

	// Rate limit settings
	if enabled := os.Getenv("TETH_RATELIMIT_ENABLED"); enabled == "false" {
		c.RateLimit.Enabled = false
	}

	if rps := os.Getenv("TETH_RATELIMIT_RPS"); rps != "" {
		if n, err := strconv.Atoi(rps); err == nil {
			c.RateLimit.RequestsPerIP = n
		}
	}

	if burst := os.Getenv("TETH_RATELIMIT_BURST"); burst != "" {
		if n, err := strconv.Atoi(burst); err == nil {
			c.RateLimit.BurstSize = n
		}
	}
}

// splitAndTrim splits s by sep and drops empty parts.
func splitAndTrim(s, sep string) []string {
	var parts []string
	for _, part := range strings.Split(s, sep) {
		if trimmed := strings.TrimSpace(part); trimmed != "" {
			parts = append(parts, trimmed)
		}
	}
	return parts
}

// Validate validates the configuration.
func (c *Config) Validate() error {
	if c.Server.HTTPPort <= 0 || c.Server.HTTPPort > 65535 {
		return fmt.Errorf("invalid http_port: %d", c.Server.HTTPPort)
	}

	if c.Server.MaxPayloadSize <= 0 {
		return fmt.Errorf("max_payload_size must be positive")
	}

	if c.Auth.Enabled && len(c.Auth.APIKeys) == 0 {
		return fmt.Errorf("auth is enabled but no api_keys are configured")
	}

	if c.Queue.Size <= 0 {
		return fmt.Errorf("queue size must be positive")
	}

	if c.Consumer.Workers <= 0 {
		return fmt.Errorf("consumer workers must be positive")
	}

	if c.RateLimit.Enabled && (c.RateLimit.RequestsPerIP <= 0 || c.RateLimit.WindowSize <= 0) {
		return fmt.Errorf("rate_limit requires positive requests_per_ip and window_size")
	}

	if err := c.Attribution.Validate(); err != nil {
		return err
	}

	if err := c.Campaign.Validate(); err != nil {
		return err
	}

	if err := c.Detection.Config.Validate(); err != nil {
		return err
	}

	if err := c.Detection.Rules.Validate(); err != nil {
		return err
	}

	if err := c.MonteCarlo.Validate(); err != nil {
		return err
	}

	if c.Storage.Enabled {
		if err := c.Storage.ClickHouse.Validate(); err != nil {
			return fmt.Errorf("storage: %w", err)
		}
	}

	if c.Kafka.Enabled {
		if err := c.Kafka.Config.Validate(); err != nil {
			return fmt.Errorf("kafka: %w", err)
		}
	}

	if c.NATS.Enabled {
		if err := c.NATS.Config.Validate(); err != nil {
			return err
		}
	}

	if c.Redis.Enabled && c.Redis.Addr == "" {
		return fmt.Errorf("redis: addr is required")
	}

	if c.Archive.Enabled {
		if err := c.Archive.S3.Validate(); err != nil {
			return fmt.Errorf("archive: %w", err)
		}
	}

	return nil
}
