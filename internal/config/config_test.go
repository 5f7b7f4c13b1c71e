package config

import (
	"os"
	"path/filepath"
	"reflect"
	"testing"
	"time"
)

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()

	if cfg == nil {
		t.Fatal("DefaultConfig returned nil")
	}

	// Test server defaults
	if cfg.Server.HTTPPort != 8080 {
		t.Errorf("expected HTTPPort 8080, got %d", cfg.Server.HTTPPort)
	}
	if cfg.Server.ReadTimeout != 30*time.Second {
		t.Errorf("expected ReadTimeout 30s, got %v", cfg.Server.ReadTimeout)
	}

	// Test detection defaults
	if cfg.Detection.MaxChains != 10000 {
		t.Errorf("expected MaxChains 10000, got %d", cfg.Detection.MaxChains)
	}
	if !cfg.Detection.ServiceAttribution {
		t.Error("expected service attribution on by default")
	}
	if cfg.Detection.MaxToolHistory != 64 {
		t.Errorf("expected MaxToolHistory 64, got %d", cfg.Detection.MaxToolHistory)
	}
	if cfg.Redis.PruneInterval != 5*time.Minute {
		t.Errorf("expected Redis PruneInterval 5m, got %v", cfg.Redis.PruneInterval)
	}
	if cfg.Detection.Rules.HighRiskConfidence != 0.95 {
		t.Errorf("expected HighRiskConfidence 0.95, got %v", cfg.Detection.Rules.HighRiskConfidence)
	}

	// Test attribution defaults
	if cfg.Attribution.Floor != 0.4 {
		t.Errorf("expected attribution floor 0.4, got %v", cfg.Attribution.Floor)
	}

	// Test rate limit defaults
	if !cfg.RateLimit.Enabled {
		t.Error("expected RateLimit.Enabled to be true")
	}
	if cfg.RateLimit.RequestsPerIP != 1000 {
		t.Errorf("expected RequestsPerIP 1000, got %d", cfg.RateLimit.RequestsPerIP)
	}

	// Optional backends are off
	if cfg.Storage.Enabled || cfg.Kafka.Enabled || cfg.NATS.Enabled || cfg.Redis.Enabled || cfg.Archive.Enabled {
		t.Error("expected optional backends to be disabled by default")
	}
	if cfg.Kafka.Topic != "teth-detections" {
		t.Errorf("expected kafka topic teth-detections, got %s", cfg.Kafka.Topic)
	}
	if cfg.NATS.SubjectPrefix != "teth.alerts" {
		t.Errorf("expected nats subject prefix teth.alerts, got %s", cfg.NATS.SubjectPrefix)
	}
}

func TestValidate_ValidConfig(t *testing.T) {
	cfg := DefaultConfig()
	if err := cfg.Validate(); err != nil {
		t.Errorf("DefaultConfig should be valid, got error: %v", err)
	}
}

func TestValidate_Invalid(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"port zero", func(c *Config) { c.Server.HTTPPort = 0 }},
		{"port too large", func(c *Config) { c.Server.HTTPPort = 70000 }},
		{"payload size", func(c *Config) { c.Server.MaxPayloadSize = 0 }},
		{"auth without keys", func(c *Config) { c.Auth.Enabled = true }},
		{"queue size", func(c *Config) { c.Queue.Size = 0 }},
		{"consumer workers", func(c *Config) { c.Consumer.Workers = 0 }},
		{"rate limit window", func(c *Config) { c.RateLimit.WindowSize = 0 }},
		{"attribution floor", func(c *Config) { c.Attribution.Floor = 1.5 }},
		{"campaign thresholds", func(c *Config) { c.Campaign.HighThreshold = 10 }},
		{"detection max chains", func(c *Config) { c.Detection.MaxChains = 0 }},
		{"montecarlo trials", func(c *Config) { c.MonteCarlo.Trials = 0 }},
		{"storage without hosts", func(c *Config) {
			c.Storage.Enabled = true
			c.Storage.ClickHouse.Hosts = nil
		}},
		{"kafka without brokers", func(c *Config) {
			c.Kafka.Enabled = true
			c.Kafka.Brokers = nil
		}},
		{"nats bad subject", func(c *Config) {
			c.NATS.Enabled = true
			c.NATS.SubjectPrefix = "teth.*"
		}},
		{"redis without addr", func(c *Config) {
			c.Redis.Enabled = true
			c.Redis.Addr = ""
		}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.mutate(cfg)
			if err := cfg.Validate(); err == nil {
				t.Error("expected validation error")
			}
		})
	}
}

func TestSplitAndTrim(t *testing.T) {
	tests := []struct {
		input string
		want  []string
	}{
		{"a,b,c", []string{"a", "b", "c"}},
		{" a , b ,c ", []string{"a", "b", "c"}},
		{"a,,b", []string{"a", "b"}},
		{"", nil},
	}

	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			if got := splitAndTrim(tt.input, ","); !reflect.DeepEqual(got, tt.want) {
				t.Errorf("splitAndTrim(%q) = %v, want %v", tt.input, got, tt.want)
			}
		})
	}
}

func TestApplyEnvOverrides(t *testing.T) {
	t.Run("HTTP port override", func(t *testing.T) {
		t.Setenv("TETH_HTTP_PORT", "9000")
		cfg := DefaultConfig()
		cfg.applyEnvOverrides()
		if cfg.Server.HTTPPort != 9000 {
			t.Errorf("expected port 9000, got %d", cfg.Server.HTTPPort)
		}
	})

	t.Run("invalid port ignored", func(t *testing.T) {
		t.Setenv("TETH_HTTP_PORT", "not-a-port")
		cfg := DefaultConfig()
		cfg.applyEnvOverrides()
		if cfg.Server.HTTPPort != 8080 {
			t.Errorf("expected port 8080, got %d", cfg.Server.HTTPPort)
		}
	})

	t.Run("log level override", func(t *testing.T) {
		t.Setenv("TETH_LOG_LEVEL", "debug")
		cfg := DefaultConfig()
		cfg.applyEnvOverrides()
		if cfg.Logging.Level != "debug" {
			t.Errorf("expected log level debug, got %s", cfg.Logging.Level)
		}
	})

	t.Run("API key enables auth", func(t *testing.T) {
		t.Setenv("TETH_API_KEY", "test-key-123")
		cfg := DefaultConfig()
		cfg.applyEnvOverrides()
		if !cfg.Auth.Enabled {
			t.Error("expected auth to be enabled")
		}
		if len(cfg.Auth.APIKeys) != 1 || cfg.Auth.APIKeys[0] != "test-key-123" {
			t.Errorf("expected API key to be added, got %v", cfg.Auth.APIKeys)
		}
	})

	t.Run("kafka brokers enable sink", func(t *testing.T) {
		t.Setenv("TETH_KAFKA_BROKERS", "k1:9092, k2:9092")
		cfg := DefaultConfig()
		cfg.applyEnvOverrides()
		if !cfg.Kafka.Enabled || !reflect.DeepEqual(cfg.Kafka.Brokers, []string{"k1:9092", "k2:9092"}) {
			t.Errorf("kafka = %v %v", cfg.Kafka.Enabled, cfg.Kafka.Brokers)
		}
	})

	t.Run("redis and nats enable backends", func(t *testing.T) {
		t.Setenv("TETH_REDIS_ADDR", "redis:6379")
		t.Setenv("TETH_NATS_URL", "nats://nats:4222")
		cfg := DefaultConfig()
		cfg.applyEnvOverrides()
		if !cfg.Redis.Enabled || cfg.Redis.Addr != "redis:6379" {
			t.Errorf("redis = %v %s", cfg.Redis.Enabled, cfg.Redis.Addr)
		}
		if !cfg.NATS.Enabled || cfg.NATS.URL != "nats://nats:4222" {
			t.Errorf("nats = %v %s", cfg.NATS.Enabled, cfg.NATS.URL)
		}
	})

	t.Run("rate limit disable", func(t *testing.T) {
		t.Setenv("TETH_RATELIMIT_ENABLED", "false")
		cfg := DefaultConfig()
		cfg.applyEnvOverrides()
		if cfg.RateLimit.Enabled {
			t.Error("expected rate limit to be disabled")
		}
	})
}

func TestLoadFile(t *testing.T) {
	t.Run("missing file falls back to defaults", func(t *testing.T) {
		t.Setenv("TETH_LOG_LEVEL", "warn")
		cfg, err := LoadFile(filepath.Join(t.TempDir(), "absent.yaml"))
		if err != nil {
			t.Fatalf("LoadFile() error = %v", err)
		}
		if cfg.Server.HTTPPort != 8080 {
			t.Errorf("expected default port, got %d", cfg.Server.HTTPPort)
		}
		if cfg.Logging.Level != "warn" {
			t.Errorf("expected env override on defaults, got %s", cfg.Logging.Level)
		}
	})

	t.Run("file values override defaults", func(t *testing.T) {
		doc := `
server:
  http_port: 9090
detection:
  max_chains: 50
  state_ttl: 10m
  rules:
    high_risk_tools: [mimikatz]
    high_risk_confidence: 0.9
kafka:
  enabled: true
  brokers: [localhost:9092]
  topic: verdicts
redis:
  enabled: true
  addr: cache:6379
  key_prefix: lab
`
		path := filepath.Join(t.TempDir(), "config.yaml")
		if err := os.WriteFile(path, []byte(doc), 0o600); err != nil {
			t.Fatal(err)
		}

		cfg, err := LoadFile(path)
		if err != nil {
			t.Fatalf("LoadFile() error = %v", err)
		}
		if cfg.Server.HTTPPort != 9090 {
			t.Errorf("http_port = %d", cfg.Server.HTTPPort)
		}
		if cfg.Detection.MaxChains != 50 || cfg.Detection.StateTTL != 10*time.Minute {
			t.Errorf("detection = %+v", cfg.Detection.Config)
		}
		if cfg.Detection.Rules.HighRiskConfidence != 0.9 || len(cfg.Detection.Rules.HighRiskTools) != 1 {
			t.Errorf("rules = %+v", cfg.Detection.Rules)
		}
		// Unset rule constants keep their defaults
		if cfg.Detection.Rules.APTExclusiveConfidence != 0.85 {
			t.Errorf("APTExclusiveConfidence = %v, want default", cfg.Detection.Rules.APTExclusiveConfidence)
		}
		if !cfg.Kafka.Enabled || cfg.Kafka.Topic != "verdicts" {
			t.Errorf("kafka = %+v", cfg.Kafka)
		}
		if cfg.Redis.Addr != "cache:6379" || cfg.Redis.KeyPrefix != "lab" {
			t.Errorf("redis = %+v", cfg.Redis)
		}
		if err := cfg.Validate(); err != nil {
			t.Errorf("Validate() error = %v", err)
		}
	})

	t.Run("malformed file", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "config.yaml")
		if err := os.WriteFile(path, []byte("server: [unterminated"), 0o600); err != nil {
			t.Fatal(err)
		}
		if _, err := LoadFile(path); err == nil {
			t.Error("expected parse error")
		}
	})
}

func TestLoad_UsesConfigPathEnv(t *testing.T) {
	path := filepath.Join(t.TempDir(), "teth.yaml")
	if err := os.WriteFile(path, []byte("server:\n  http_port: 7070\n"), 0o600); err != nil {
		t.Fatal(err)
	}
	t.Setenv("TETH_CONFIG_PATH", path)

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Server.HTTPPort != 7070 {
		t.Errorf("expected port 7070, got %d", cfg.Server.HTTPPort)
	}
}
