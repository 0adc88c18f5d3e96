package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatalf("Failed to write config file: %v", err)
	}
	return path
}

func TestLoadConfig(t *testing.T) {
	path := writeConfig(t, `
logging:
  level: debug
  format: console

parser:
  chunk_size: 5000
  workers: 4
  encoding: gb18030
  strict_tail: true

tail:
  paths:
    - /dm/log/dmsql_*.log
    - /dm/log/archive.log
  poll_interval: 250ms
  rate_limit: 10

checkpoint:
  path: /tmp/checkpoints
  interval: 10s

outputs:
  kafka:
    enabled: true
    brokers: [localhost:9092]
  elasticsearch:
    enabled: true
    addresses: [http://localhost:9200]
    index_rotation: weekly
  dead_letter:
    enabled: true
    max_size: 500

metrics:
  enabled: true
  address: ":9090"
`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Failed to load config: %v", err)
	}

	if cfg.Logging.Level != "debug" || cfg.Logging.Format != "console" {
		t.Errorf("Unexpected logging config: %+v", cfg.Logging)
	}
	if cfg.Parser.ChunkSize != 5000 || cfg.Parser.Workers != 4 || !cfg.Parser.StrictTail {
		t.Errorf("Unexpected parser config: %+v", cfg.Parser)
	}
	if len(cfg.Tail.Paths) != 2 {
		t.Errorf("Expected 2 paths, got %d", len(cfg.Tail.Paths))
	}
	if cfg.Tail.PollInterval != 250*time.Millisecond {
		t.Errorf("Expected poll interval 250ms, got %v", cfg.Tail.PollInterval)
	}
	if cfg.Checkpoint.Interval != 10*time.Second {
		t.Errorf("Expected checkpoint interval 10s, got %v", cfg.Checkpoint.Interval)
	}
	if cfg.Outputs.Kafka.Topic != DefaultKafkaTopic {
		t.Errorf("Expected default topic, got %q", cfg.Outputs.Kafka.Topic)
	}
	if cfg.Outputs.Elasticsearch.Index != DefaultESIndex {
		t.Errorf("Expected default index, got %q", cfg.Outputs.Elasticsearch.Index)
	}
	if cfg.Outputs.Stdout != nil {
		t.Error("Stdout should not be added when other outputs are configured")
	}
	if d := cfg.Outputs.DeadLetter; d == nil || d.Dir != DefaultDeadLetterDir || d.MaxSize != 500 || d.Redeliver != DefaultRedeliverInterval {
		t.Errorf("Unexpected dead letter config: %+v", cfg.Outputs.DeadLetter)
	}
	if cfg.Metrics.Path != "/metrics" {
		t.Errorf("Expected default metrics path, got %q", cfg.Metrics.Path)
	}
}

func TestLoadConfigWithEnvVars(t *testing.T) {
	t.Setenv("SQLLOG_LEVEL", "warn")
	t.Setenv("SQLLOG_BROKER", "kafka:9092")

	path := writeConfig(t, `
logging:
  level: ${SQLLOG_LEVEL}
outputs:
  kafka:
    enabled: true
    brokers: ["${SQLLOG_BROKER}"]
`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Failed to load config: %v", err)
	}
	if cfg.Logging.Level != "warn" {
		t.Errorf("Expected log level warn (from env var), got %s", cfg.Logging.Level)
	}
	if got := cfg.Outputs.Kafka.Brokers; len(got) != 1 || got[0] != "kafka:9092" {
		t.Errorf("Expected broker from env var, got %v", got)
	}
}

func TestLoadConfigErrors(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Error("Expected error for missing file")
	}
	if _, err := Load(writeConfig(t, "logging: [")); err == nil {
		t.Error("Expected error for malformed YAML")
	}
}

func TestConfigValidation(t *testing.T) {
	tests := []struct {
		name    string
		config  *Config
		wantErr bool
	}{
		{
			name:    "empty config gets defaults",
			config:  &Config{},
			wantErr: false,
		},
		{
			name:    "invalid log level",
			config:  &Config{Logging: LoggingConfig{Level: "invalid"}},
			wantErr: true,
		},
		{
			name:    "invalid log format",
			config:  &Config{Logging: LoggingConfig{Format: "invalid"}},
			wantErr: true,
		},
		{
			name:    "unknown encoding",
			config:  &Config{Parser: ParserConfig{Encoding: "latin1"}},
			wantErr: true,
		},
		{
			name:    "negative workers",
			config:  &Config{Parser: ParserConfig{Workers: -1}},
			wantErr: true,
		},
		{
			name:    "negative rate limit",
			config:  &Config{Tail: TailConfig{RateLimit: -1}},
			wantErr: true,
		},
		{
			name:    "kafka without brokers",
			config:  &Config{Outputs: OutputsConfig{Kafka: &KafkaOutputConfig{Enabled: true}}},
			wantErr: true,
		},
		{
			name:    "elasticsearch with cloud id",
			config:  &Config{Outputs: OutputsConfig{Elasticsearch: &ElasticsearchOutputConfig{Enabled: true, CloudID: "x"}}},
			wantErr: false,
		},
		{
			name:    "bad index rotation",
			config:  &Config{Outputs: OutputsConfig{Elasticsearch: &ElasticsearchOutputConfig{Addresses: []string{"http://es"}, IndexRotation: "hourly"}}},
			wantErr: true,
		},
		{
			name:    "bad stdout compression",
			config:  &Config{Outputs: OutputsConfig{Stdout: &StdoutOutputConfig{Enabled: true, Compression: "lz4"}}},
			wantErr: true,
		},
		{
			name:    "negative dead letter size",
			config:  &Config{Outputs: OutputsConfig{DeadLetter: &DeadLetterConfig{Enabled: true, MaxSize: -1}}},
			wantErr: true,
		},
		{
			name:    "metrics without address",
			config:  &Config{Metrics: &MetricsConfig{Enabled: true}},
			wantErr: true,
		},
		{
			name:    "sample rate out of range",
			config:  &Config{Tracing: &TracingConfig{Enabled: true, SampleRate: 2}},
			wantErr: true,
		},
		{
			name:    "profiling with nothing to do",
			config:  &Config{Profiling: &ProfilingConfig{Enabled: true}},
			wantErr: true,
		},
		{
			name:    "profiling to a file",
			config:  &Config{Profiling: &ProfilingConfig{Enabled: true, CPUProfilePath: "cpu.out"}},
			wantErr: false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tt.config.applyDefaults()
			err := tt.config.Validate()
			if (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()

	if err := cfg.Validate(); err != nil {
		t.Errorf("Default config should be valid: %v", err)
	}
	if cfg.Logging.Level != DefaultLogLevel {
		t.Errorf("Expected default log level %s, got %s", DefaultLogLevel, cfg.Logging.Level)
	}
	if cfg.Outputs.Stdout == nil || !cfg.Outputs.Stdout.Enabled {
		t.Error("Expected stdout output enabled by default")
	}
	if cfg.Parser.Encoding != "auto" {
		t.Errorf("Expected auto encoding, got %s", cfg.Parser.Encoding)
	}
	if cfg.Checkpoint.Path != DefaultCheckpointPath {
		t.Errorf("Expected default checkpoint path, got %s", cfg.Checkpoint.Path)
	}
}

func TestLoadOrDefault(t *testing.T) {
	cfg := LoadOrDefault(filepath.Join(t.TempDir(), "missing.yaml"))
	if cfg.Tail.PollInterval != DefaultPollInterval {
		t.Errorf("Expected default poll interval, got %v", cfg.Tail.PollInterval)
	}
}
