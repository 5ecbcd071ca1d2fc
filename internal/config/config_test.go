package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestDefaultConfigIsValid(t *testing.T) {
	cfg := DefaultConfig()
	if err := cfg.Validate(); err != nil {
		t.Fatalf("Validate() on defaults = %v", err)
	}
	if cfg.Server.HTTPAddr != ":8080" {
		t.Fatalf("HTTPAddr = %q", cfg.Server.HTTPAddr)
	}
	if !cfg.TCP.Enabled {
		t.Fatal("TCP listener disabled by default")
	}
	if cfg.DTLS.Enabled || cfg.Forward.Kafka.Enabled || cfg.Forward.NATS.Enabled || cfg.Archive.Enabled {
		t.Fatal("optional subsystems must default to disabled")
	}
	if cfg.Alerts.Emitter.MaxCorrelationDepth != 2 {
		t.Fatalf("MaxCorrelationDepth = %d", cfg.Alerts.Emitter.MaxCorrelationDepth)
	}
}

func TestLoadMissingFileReturnsDefaults(t *testing.T) {
	t.Setenv("HOSTGUARD_CONFIG_PATH", filepath.Join(t.TempDir(), "nope.yaml"))

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Logging.Level != "info" || cfg.Logging.Format != "json" {
		t.Fatalf("defaults not applied: %+v", cfg.Logging)
	}
}

func TestLoadFromYAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	body := `
server:
  http_addr: ":9090"
logging:
  level: debug
  format: text
log:
  dir: /var/lib/hostguard/log
  segment_max_bytes: 1048576
ransomware:
  rename_threshold: 50
tcp:
  enabled: true
  address: ":6000"
alerts:
  emitter:
    max_correlation_depth: 3
  webhooks:
    - name: oncall
      url: https://hooks.example.com/alert
      headers:
        Authorization: Bearer token
`
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatal(err)
	}
	t.Setenv("HOSTGUARD_CONFIG_PATH", path)

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Server.HTTPAddr != ":9090" {
		t.Fatalf("HTTPAddr = %q", cfg.Server.HTTPAddr)
	}
	if cfg.Logging.Level != "debug" || cfg.Logging.Format != "text" {
		t.Fatalf("logging = %+v", cfg.Logging)
	}
	if cfg.Log.Dir != "/var/lib/hostguard/log" || cfg.Log.SegmentMaxBytes != 1048576 {
		t.Fatalf("log = %+v", cfg.Log)
	}
	if cfg.Ransomware.RenameThreshold != 50 {
		t.Fatalf("rename_threshold = %d", cfg.Ransomware.RenameThreshold)
	}
	// Fields absent from the file keep their defaults.
	if cfg.Intrusion.FailureThreshold != 5 {
		t.Fatalf("intrusion default lost: %d", cfg.Intrusion.FailureThreshold)
	}
	if cfg.TCP.Address != ":6000" {
		t.Fatalf("tcp address = %q", cfg.TCP.Address)
	}
	if cfg.Alerts.Emitter.MaxCorrelationDepth != 3 {
		t.Fatalf("max_correlation_depth = %d", cfg.Alerts.Emitter.MaxCorrelationDepth)
	}
	if len(cfg.Alerts.Webhooks) != 1 || cfg.Alerts.Webhooks[0].Name != "oncall" {
		t.Fatalf("webhooks = %+v", cfg.Alerts.Webhooks)
	}
	if cfg.Alerts.Webhooks[0].Headers["Authorization"] != "Bearer token" {
		t.Fatalf("webhook headers = %+v", cfg.Alerts.Webhooks[0].Headers)
	}
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("HOSTGUARD_CONFIG_PATH", filepath.Join(t.TempDir(), "nope.yaml"))
	t.Setenv("HOSTGUARD_HTTP_ADDR", ":7070")
	t.Setenv("HOSTGUARD_LOG_LEVEL", "warn")
	t.Setenv("HOSTGUARD_KAFKA_BROKERS", "kafka-1:9092, kafka-2:9092")
	t.Setenv("HOSTGUARD_REDIS_ADDR", "redis:6379")
	t.Setenv("HOSTGUARD_ARCHIVE_BUCKET", "hostguard-prod")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Server.HTTPAddr != ":7070" {
		t.Fatalf("HTTPAddr = %q", cfg.Server.HTTPAddr)
	}
	if cfg.Logging.Level != "warn" {
		t.Fatalf("Level = %q", cfg.Logging.Level)
	}
	// Setting brokers both configures and enables the sink.
	if !cfg.Forward.Kafka.Enabled {
		t.Fatal("kafka sink not enabled by env override")
	}
	if len(cfg.Forward.Kafka.Brokers) != 2 || cfg.Forward.Kafka.Brokers[1] != "kafka-2:9092" {
		t.Fatalf("kafka brokers = %v", cfg.Forward.Kafka.Brokers)
	}
	if !cfg.Alerts.Redis.Enabled || cfg.Alerts.Redis.Addr != "redis:6379" {
		t.Fatalf("redis = %+v", cfg.Alerts.Redis)
	}
	if !cfg.Archive.Enabled || cfg.Archive.Bucket != "hostguard-prod" {
		t.Fatalf("archive = %+v", cfg.Archive)
	}
}

func TestLoadRejectsBadYAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte("server: [not-a-map"), 0o644); err != nil {
		t.Fatal(err)
	}
	t.Setenv("HOSTGUARD_CONFIG_PATH", path)

	if _, err := Load(); err == nil {
		t.Fatal("Load() accepted malformed yaml")
	}
}

func TestValidateRejectsBadValues(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(*Config)
	}{
		{"empty http addr", func(c *Config) { c.Server.HTTPAddr = "" }},
		{"zero writer queue", func(c *Config) { c.Bus.WriterQueueSize = 0 }},
		{"empty log dir", func(c *Config) { c.Log.Dir = "" }},
		{"zero segment bytes", func(c *Config) { c.Log.SegmentMaxBytes = 0 }},
		{"zero shards", func(c *Config) { c.Engine.Shards = 0 }},
		{"depth below one", func(c *Config) { c.Alerts.Emitter.MaxCorrelationDepth = 0 }},
		{"zero rename threshold", func(c *Config) { c.Ransomware.RenameThreshold = 0 }},
		{"zero failure threshold", func(c *Config) { c.Intrusion.FailureThreshold = 0 }},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tc.mutate(cfg)
			if err := cfg.Validate(); err == nil {
				t.Fatal("Validate() accepted bad config")
			}
		})
	}
}

func TestSplitAndTrim(t *testing.T) {
	got := splitAndTrim(" a:1, b:2 ,, c:3 ")
	want := []string{"a:1", "b:2", "c:3"}
	if len(got) != len(want) {
		t.Fatalf("splitAndTrim() = %v", got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("splitAndTrim()[%d] = %q, want %q", i, got[i], want[i])
		}
	}
}
