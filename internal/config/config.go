// Package config handles configuration loading for hostguard.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"hostguard/internal/alert"
	"hostguard/internal/archive"
	"hostguard/internal/bus"
	"hostguard/internal/collector"
	"hostguard/internal/detect"
	"hostguard/internal/detect/intrusion"
	"hostguard/internal/detect/ransomware"
	"hostguard/internal/forward"
	"hostguard/internal/listener"
	"hostguard/internal/quarantine"
	"hostguard/internal/wal"
)

// Config holds the complete daemon configuration.
type Config struct {
	Server     ServerConfig        `yaml:"server"`
	Logging    LoggingConfig       `yaml:"logging"`
	Bus        bus.Config          `yaml:"bus"`
	Log        wal.Config          `yaml:"log"`
	Retention  wal.RetentionConfig `yaml:"retention"`
	Quarantine quarantine.Config   `yaml:"quarantine"`
	Engine     detect.EngineConfig `yaml:"engine"`
	Ransomware ransomware.Config   `yaml:"ransomware"`
	Intrusion  intrusion.Config    `yaml:"intrusion"`
	Alerts     AlertsConfig        `yaml:"alerts"`
	TCP        TCPListenerConfig   `yaml:"tcp"`
	DTLS       DTLSListenerConfig  `yaml:"dtls"`
	Forward    forward.Config      `yaml:"forward"`
	Archive    archive.Config      `yaml:"archive"`
	FSWatch    collector.FSConfig  `yaml:"fswatch"`
}

// ServerConfig holds the HTTP admin endpoint configuration (metrics,
// health, stats).
type ServerConfig struct {
	HTTPAddr     string        `yaml:"http_addr"`
	ReadTimeout  time.Duration `yaml:"read_timeout"`
	WriteTimeout time.Duration `yaml:"write_timeout"`
}

// LoggingConfig holds logging settings.
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// AlertsConfig aggregates the emitter and its notification channels.
type AlertsConfig struct {
	Emitter  alert.Config    `yaml:"emitter"`
	Webhooks []WebhookConfig `yaml:"webhooks"`
	Redis    RedisConfig     `yaml:"redis"`
}

// WebhookConfig holds one webhook notification target.
type WebhookConfig struct {
	Name    string            `yaml:"name"`
	URL     string            `yaml:"url"`
	Headers map[string]string `yaml:"headers"`
}

// RedisConfig holds the Redis pub/sub notification channel settings.
type RedisConfig struct {
	Enabled  bool   `yaml:"enabled"`
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
	Channel  string `yaml:"channel"`
}

// TCPListenerConfig wraps the TCP listener with an enable switch.
type TCPListenerConfig struct {
	Enabled bool `yaml:"enabled"`
	listener.TCPConfig `yaml:",inline"`
}

// DTLSListenerConfig wraps the DTLS listener with an enable switch.
type DTLSListenerConfig struct {
	Enabled bool `yaml:"enabled"`
	listener.DTLSConfig `yaml:",inline"`
}

// DefaultConfig returns the default configuration.
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			HTTPAddr:     ":8080",
			ReadTimeout:  30 * time.Second,
			WriteTimeout: 30 * time.Second,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
		},
		Bus:        bus.DefaultConfig(),
		Log:        wal.DefaultConfig(),
		Retention:  wal.DefaultRetentionConfig(),
		Quarantine: quarantine.DefaultConfig(),
		Engine:     detect.DefaultEngineConfig(),
		Ransomware: ransomware.DefaultConfig(),
		Intrusion:  intrusion.DefaultConfig(),
		Alerts: AlertsConfig{
			Emitter: alert.DefaultConfig(),
			Redis: RedisConfig{
				Addr:    "localhost:6379",
				Channel: "hostguard.alerts",
			},
		},
		TCP: TCPListenerConfig{
			Enabled:   true,
			TCPConfig: listener.DefaultTCPConfig(),
		},
		DTLS: DTLSListenerConfig{
			DTLSConfig: listener.DefaultDTLSConfig(),
		},
		Forward: forward.DefaultConfig(),
		Archive: archive.DefaultConfig(),
		FSWatch: collector.DefaultFSConfig(),
	}
}

// Load loads configuration from a file or returns defaults. The path
// comes from HOSTGUARD_CONFIG_PATH, falling back to configs/config.yaml.
// A missing file is not an error.
func Load() (*Config, error) {
	cfg := DefaultConfig()

	configPath := os.Getenv("HOSTGUARD_CONFIG_PATH")
	if configPath == "" {
		configPath = "configs/config.yaml"
	}

	data, err := os.ReadFile(configPath)
	if err != nil {
		if os.IsNotExist(err) {
			cfg.applyEnvOverrides()
			return cfg, nil
		}
		return nil, fmt.Errorf("read config file: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config file: %w", err)
	}

	cfg.applyEnvOverrides()
	return cfg, nil
}

func (c *Config) applyEnvOverrides() {
	if addr := os.Getenv("HOSTGUARD_HTTP_ADDR"); addr != "" {
		c.Server.HTTPAddr = addr
	}
	if level := os.Getenv("HOSTGUARD_LOG_LEVEL"); level != "" {
		c.Logging.Level = level
	}
	if dir := os.Getenv("HOSTGUARD_LOG_DIR"); dir != "" {
		c.Log.Dir = dir
	}
	if key := os.Getenv("HOSTGUARD_SEAL_KEY_PATH"); key != "" {
		c.Log.KeyPath = key
	}
	if addr := os.Getenv("HOSTGUARD_TCP_ADDR"); addr != "" {
		c.TCP.Address = addr
	}
	if brokers := os.Getenv("HOSTGUARD_KAFKA_BROKERS"); brokers != "" {
		c.Forward.Kafka.Brokers = splitAndTrim(brokers)
		c.Forward.Kafka.Enabled = true
	}
	if url := os.Getenv("HOSTGUARD_NATS_URL"); url != "" {
		c.Forward.NATS.URL = url
		c.Forward.NATS.Enabled = true
	}
	if addr := os.Getenv("HOSTGUARD_REDIS_ADDR"); addr != "" {
		c.Alerts.Redis.Addr = addr
		c.Alerts.Redis.Enabled = true
	}
	if pass := os.Getenv("HOSTGUARD_REDIS_PASSWORD"); pass != "" {
		c.Alerts.Redis.Password = pass
	}
	if bucket := os.Getenv("HOSTGUARD_ARCHIVE_BUCKET"); bucket != "" {
		c.Archive.Bucket = bucket
		c.Archive.Enabled = true
	}
}

func splitAndTrim(s string) []string {
	parts := make([]string, 0)
	for _, part := range strings.Split(s, ",") {
		if trimmed := strings.TrimSpace(part); trimmed != "" {
			parts = append(parts, trimmed)
		}
	}
	return parts
}

// Validate validates the configuration.
func (c *Config) Validate() error {
	if c.Server.HTTPAddr == "" {
		return fmt.Errorf("server http_addr is required")
	}
	if c.Bus.WriterQueueSize <= 0 {
		return fmt.Errorf("bus writer_queue_size must be positive")
	}
	if c.Log.Dir == "" {
		return fmt.Errorf("log dir is required")
	}
	if c.Log.SegmentMaxBytes <= 0 {
		return fmt.Errorf("log segment_max_bytes must be positive")
	}
	if c.Engine.Shards <= 0 {
		return fmt.Errorf("engine shards must be positive")
	}
	if c.Alerts.Emitter.MaxCorrelationDepth < 1 {
		return fmt.Errorf("alerts max_correlation_depth must be at least 1")
	}
	if c.Ransomware.RenameThreshold <= 0 || c.Ransomware.ExtensionThreshold <= 0 {
		return fmt.Errorf("ransomware thresholds must be positive")
	}
	if c.Intrusion.FailureThreshold <= 0 || c.Intrusion.DistinctAddresses <= 0 {
		return fmt.Errorf("intrusion thresholds must be positive")
	}
	return nil
}
