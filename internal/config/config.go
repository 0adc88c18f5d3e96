package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/therealutkarshpriyadarshi/sqllog/internal/charset"
)

// Config represents the main configuration
type Config struct {
	Logging    LoggingConfig    `yaml:"logging"`
	Parser     ParserConfig     `yaml:"parser"`
	Tail       TailConfig       `yaml:"tail"`
	Checkpoint CheckpointConfig `yaml:"checkpoint"`
	Outputs    OutputsConfig    `yaml:"outputs"`
	Source     SourceConfig     `yaml:"source"`
	Metrics    *MetricsConfig   `yaml:"metrics,omitempty"`
	Health     *HealthConfig    `yaml:"health,omitempty"`
	Tracing    *TracingConfig   `yaml:"tracing,omitempty"`
	Profiling  *ProfilingConfig `yaml:"profiling,omitempty"`
}

// LoggingConfig defines logging configuration
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"` // json or console
}

// ParserConfig tunes record decoding
type ParserConfig struct {
	ChunkSize    int    `yaml:"chunk_size,omitempty"`
	Workers      int    `yaml:"workers,omitempty"`
	StrictTail   bool   `yaml:"strict_tail,omitempty"`
	MaxPollBytes int    `yaml:"max_poll_bytes,omitempty"`
	Encoding     string `yaml:"encoding,omitempty"` // auto, utf8, gb18030
}

// TailConfig defines which files are followed and how often they are polled
type TailConfig struct {
	Paths         []string      `yaml:"paths"`
	PollInterval  time.Duration `yaml:"poll_interval,omitempty"`
	RateLimit     float64       `yaml:"rate_limit,omitempty"` // polls per second per file, 0 = unlimited
	FromBeginning bool          `yaml:"from_beginning,omitempty"`
	StallTimeout  time.Duration `yaml:"stall_timeout,omitempty"`
}

// CheckpointConfig defines where reader cursors are persisted
type CheckpointConfig struct {
	Path     string        `yaml:"path"`
	Interval time.Duration `yaml:"interval,omitempty"`
}

// OutputsConfig lists the sinks parsed records are written to
type OutputsConfig struct {
	Stdout        *StdoutOutputConfig        `yaml:"stdout,omitempty"`
	Kafka         *KafkaOutputConfig         `yaml:"kafka,omitempty"`
	Elasticsearch *ElasticsearchOutputConfig `yaml:"elasticsearch,omitempty"`
	Retry         *RetryConfig               `yaml:"retry,omitempty"`
	DeadLetter    *DeadLetterConfig          `yaml:"dead_letter,omitempty"`
}

// StdoutOutputConfig writes JSON lines to stdout
type StdoutOutputConfig struct {
	Enabled     bool   `yaml:"enabled"`
	Pretty      bool   `yaml:"pretty,omitempty"`
	IncludeBody bool   `yaml:"include_body,omitempty"`
	Compression string `yaml:"compression,omitempty"` // none, gzip, zstd, snappy
}

// KafkaOutputConfig holds Kafka-specific configuration
type KafkaOutputConfig struct {
	Enabled          bool           `yaml:"enabled"`
	Brokers          []string       `yaml:"brokers"`
	Topic            string         `yaml:"topic"`
	RequiredAcks     int16          `yaml:"required_acks,omitempty"`
	CompressionCodec string         `yaml:"compression_codec,omitempty"`
	MaxMessageBytes  int            `yaml:"max_message_bytes,omitempty"`
	BatchSize        int            `yaml:"batch_size,omitempty"`
	BatchTimeout     time.Duration  `yaml:"batch_timeout,omitempty"`
	SASLEnabled      bool           `yaml:"sasl_enabled,omitempty"`
	SASLMechanism    string         `yaml:"sasl_mechanism,omitempty"`
	SASLUsername     string         `yaml:"sasl_username,omitempty"`
	SASLPassword     string         `yaml:"sasl_password,omitempty"`
	EnableTLS        bool           `yaml:"enable_tls,omitempty"`
	TLS              TLSFilesConfig `yaml:"tls,omitempty"`
}

// ElasticsearchOutputConfig holds Elasticsearch-specific configuration
type ElasticsearchOutputConfig struct {
	Enabled       bool           `yaml:"enabled"`
	Addresses     []string       `yaml:"addresses"`
	Index         string         `yaml:"index"`
	IndexRotation string         `yaml:"index_rotation,omitempty"` // none, daily, weekly, monthly, yearly
	Pipeline      string         `yaml:"pipeline,omitempty"`
	Username      string         `yaml:"username,omitempty"`
	Password      string         `yaml:"password,omitempty"`
	CloudID       string         `yaml:"cloud_id,omitempty"`
	APIKey        string         `yaml:"api_key,omitempty"`
	BatchSize     int            `yaml:"batch_size,omitempty"`
	BatchTimeout  time.Duration  `yaml:"batch_timeout,omitempty"`
	MaxRetries    int            `yaml:"max_retries,omitempty"`
	TLS           TLSFilesConfig `yaml:"tls,omitempty"`
}

// TLSFilesConfig points at the certificates used for a TLS connection.
// Credentials elsewhere may be given as env:NAME or file:/path.
type TLSFilesConfig struct {
	CertFile           string `yaml:"cert_file,omitempty"`
	KeyFile            string `yaml:"key_file,omitempty"`
	CAFile             string `yaml:"ca_file,omitempty"`
	InsecureSkipVerify bool   `yaml:"insecure_skip_verify,omitempty"`
}

// RetryConfig holds retry configuration for sinks
type RetryConfig struct {
	MaxRetries     int           `yaml:"max_retries"`
	InitialBackoff time.Duration `yaml:"initial_backoff,omitempty"`
	MaxBackoff     time.Duration `yaml:"max_backoff,omitempty"`
	Multiplier     float64       `yaml:"multiplier,omitempty"`
	Jitter         bool          `yaml:"jitter,omitempty"`
}

// DeadLetterConfig configures where batches that exhausted their retries
// are kept for redelivery
type DeadLetterConfig struct {
	Enabled   bool          `yaml:"enabled"`
	Dir       string        `yaml:"dir"`
	MaxSize   int64         `yaml:"max_size,omitempty"`
	MaxAge    time.Duration `yaml:"max_age,omitempty"`
	Redeliver time.Duration `yaml:"redeliver_interval,omitempty"`
}

// SourceConfig configures how archived sources are fetched
type SourceConfig struct {
	S3 *S3SourceConfig `yaml:"s3,omitempty"`
}

// S3SourceConfig holds S3 client settings for s3:// paths
type S3SourceConfig struct {
	Region       string `yaml:"region"`
	Endpoint     string `yaml:"endpoint,omitempty"`
	UsePathStyle bool   `yaml:"use_path_style,omitempty"`
}

// MetricsConfig holds metrics configuration
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Address string `yaml:"address"`
	Path    string `yaml:"path,omitempty"`
}

// HealthConfig holds health check configuration
type HealthConfig struct {
	Enabled       bool          `yaml:"enabled"`
	Address       string        `yaml:"address"`
	LivenessPath  string        `yaml:"liveness_path,omitempty"`
	ReadinessPath string        `yaml:"readiness_path,omitempty"`
	Timeout       time.Duration `yaml:"timeout,omitempty"`
}

// TracingConfig holds tracing configuration
type TracingConfig struct {
	Enabled     bool    `yaml:"enabled"`
	Endpoint    string  `yaml:"endpoint,omitempty"`
	SampleRate  float64 `yaml:"sample_rate,omitempty"`
	ServiceName string  `yaml:"service_name,omitempty"`
}

// ProfilingConfig enables pprof endpoints and profile files
type ProfilingConfig struct {
	Enabled        bool   `yaml:"enabled"`
	Address        string `yaml:"address,omitempty"`
	CPUProfilePath string `yaml:"cpu_profile,omitempty"`
	MemProfilePath string `yaml:"mem_profile,omitempty"`
	BlockProfile   bool   `yaml:"block_profile,omitempty"`
	MutexProfile   bool   `yaml:"mutex_profile,omitempty"`
}

// Default values
const (
	DefaultCheckpointPath     = "/var/lib/sqllog/checkpoints"
	DefaultCheckpointInterval = 5 * time.Second
	DefaultPollInterval       = time.Second
	DefaultStallTimeout       = 5 * time.Minute
	DefaultLogLevel           = "info"
	DefaultLogFormat          = "json"
	DefaultKafkaTopic         = "dm-sqllog"
	DefaultESIndex            = "dm-sqllog"
	DefaultDeadLetterDir      = "/var/lib/sqllog/dlq"
	DefaultRedeliverInterval  = time.Minute
)

// Load loads configuration from a YAML file with environment variable overrides
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	// Expand environment variables in the YAML content
	expandedData := []byte(os.ExpandEnv(string(data)))

	var cfg Config
	if err := yaml.Unmarshal(expandedData, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	cfg.applyDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return &cfg, nil
}

// applyDefaults sets default values for unspecified configuration
func (c *Config) applyDefaults() {
	if c.Logging.Level == "" {
		c.Logging.Level = DefaultLogLevel
	}
	if c.Logging.Format == "" {
		c.Logging.Format = DefaultLogFormat
	}
	if c.Parser.Encoding == "" {
		c.Parser.Encoding = "auto"
	}
	if c.Tail.PollInterval == 0 {
		c.Tail.PollInterval = DefaultPollInterval
	}
	if c.Tail.StallTimeout == 0 {
		c.Tail.StallTimeout = DefaultStallTimeout
	}
	if c.Checkpoint.Path == "" {
		c.Checkpoint.Path = DefaultCheckpointPath
	}
	if c.Checkpoint.Interval == 0 {
		c.Checkpoint.Interval = DefaultCheckpointInterval
	}

	if k := c.Outputs.Kafka; k != nil && k.Topic == "" {
		k.Topic = DefaultKafkaTopic
	}
	if es := c.Outputs.Elasticsearch; es != nil && es.Index == "" {
		es.Index = DefaultESIndex
	}
	if c.Outputs.Kafka == nil && c.Outputs.Elasticsearch == nil && c.Outputs.Stdout == nil {
		c.Outputs.Stdout = &StdoutOutputConfig{Enabled: true}
	}
	if d := c.Outputs.DeadLetter; d != nil {
		if d.Dir == "" {
			d.Dir = DefaultDeadLetterDir
		}
		if d.Redeliver == 0 {
			d.Redeliver = DefaultRedeliverInterval
		}
	}
	if m := c.Metrics; m != nil && m.Path == "" {
		m.Path = "/metrics"
	}
	if tr := c.Tracing; tr != nil && tr.ServiceName == "" {
		tr.ServiceName = "sqllog"
	}
}

// Validate validates the configuration
func (c *Config) Validate() error {
	validLogLevels := map[string]bool{
		"debug": true, "info": true, "warn": true, "error": true, "fatal": true,
	}
	if !validLogLevels[c.Logging.Level] {
		return fmt.Errorf("invalid log level: %s", c.Logging.Level)
	}

	validLogFormats := map[string]bool{
		"json": true, "console": true,
	}
	if !validLogFormats[c.Logging.Format] {
		return fmt.Errorf("invalid log format: %s", c.Logging.Format)
	}

	if c.Parser.ChunkSize < 0 {
		return fmt.Errorf("parser chunk_size must not be negative")
	}
	if c.Parser.Workers < 0 {
		return fmt.Errorf("parser workers must not be negative")
	}
	if c.Parser.MaxPollBytes < 0 {
		return fmt.Errorf("parser max_poll_bytes must not be negative")
	}
	if _, _, err := charset.ParseEncoding(c.Parser.Encoding); err != nil {
		return fmt.Errorf("parser encoding: %w", err)
	}

	if c.Tail.RateLimit < 0 {
		return fmt.Errorf("tail rate_limit must not be negative")
	}

	if k := c.Outputs.Kafka; k != nil && k.Enabled && len(k.Brokers) == 0 {
		return fmt.Errorf("kafka output has no brokers configured")
	}
	if es := c.Outputs.Elasticsearch; es != nil && es.Enabled && len(es.Addresses) == 0 && es.CloudID == "" {
		return fmt.Errorf("elasticsearch output has no addresses configured")
	}
	if es := c.Outputs.Elasticsearch; es != nil {
		switch es.IndexRotation {
		case "", "none", "daily", "weekly", "monthly", "yearly":
		default:
			return fmt.Errorf("invalid elasticsearch index_rotation: %s", es.IndexRotation)
		}
	}
	if d := c.Outputs.DeadLetter; d != nil && d.MaxSize < 0 {
		return fmt.Errorf("dead_letter max_size must not be negative")
	}
	if s := c.Outputs.Stdout; s != nil {
		switch s.Compression {
		case "", "none", "gzip", "zstd", "snappy":
		default:
			return fmt.Errorf("invalid stdout compression: %s", s.Compression)
		}
	}

	if m := c.Metrics; m != nil && m.Enabled && m.Address == "" {
		return fmt.Errorf("metrics enabled without an address")
	}
	if h := c.Health; h != nil && h.Enabled && h.Address == "" {
		return fmt.Errorf("health enabled without an address")
	}
	if tr := c.Tracing; tr != nil && (tr.SampleRate < 0 || tr.SampleRate > 1) {
		return fmt.Errorf("tracing sample_rate must be within [0, 1]")
	}
	if p := c.Profiling; p != nil && p.Enabled && p.Address == "" && p.CPUProfilePath == "" && p.MemProfilePath == "" {
		return fmt.Errorf("profiling enabled without an address or profile path")
	}

	return nil
}

// LoadOrDefault loads configuration from file or returns a default configuration
func LoadOrDefault(path string) *Config {
	cfg, err := Load(path)
	if err != nil {
		return DefaultConfig()
	}
	return cfg
}

// DefaultConfig returns a default configuration
func DefaultConfig() *Config {
	cfg := &Config{}
	cfg.applyDefaults()
	return cfg
}
