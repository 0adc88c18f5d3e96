package main

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"go.opentelemetry.io/otel/trace"

	"github.com/therealutkarshpriyadarshi/sqllog/internal/charset"
	"github.com/therealutkarshpriyadarshi/sqllog/internal/compression"
	"github.com/therealutkarshpriyadarshi/sqllog/internal/config"
	"github.com/therealutkarshpriyadarshi/sqllog/internal/dlq"
	"github.com/therealutkarshpriyadarshi/sqllog/internal/logging"
	"github.com/therealutkarshpriyadarshi/sqllog/internal/metrics"
	"github.com/therealutkarshpriyadarshi/sqllog/internal/output"
	"github.com/therealutkarshpriyadarshi/sqllog/internal/profiling"
	"github.com/therealutkarshpriyadarshi/sqllog/internal/reliability"
	"github.com/therealutkarshpriyadarshi/sqllog/internal/security"
	"github.com/therealutkarshpriyadarshi/sqllog/internal/source"
	"github.com/therealutkarshpriyadarshi/sqllog/internal/tracing"
	"github.com/therealutkarshpriyadarshi/sqllog/pkg/sqllog"
)

// loadConfig reads --config, or starts from the defaults, and applies the
// global flag overrides.
func loadConfig() (*config.Config, error) {
	cfg := config.DefaultConfig()
	if configFile != "" {
		var err error
		if cfg, err = config.Load(configFile); err != nil {
			return nil, fmt.Errorf("failed to load configuration: %w", err)
		}
	}
	if logLevel != "" {
		cfg.Logging.Level = logLevel
	}
	if logFormat != "" {
		cfg.Logging.Format = logFormat
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

func newLogger(cfg *config.Config, w io.Writer) *logging.Logger {
	logger := logging.New(logging.Config{
		Level:  cfg.Logging.Level,
		Format: cfg.Logging.Format,
		Output: w,
	})
	logging.SetGlobal(logger)
	return logger
}

func tracingConfig(cfg *config.Config) tracing.Config {
	if cfg.Tracing == nil {
		return tracing.Config{}
	}
	return tracing.Config{
		Enabled:     cfg.Tracing.Enabled,
		Endpoint:    cfg.Tracing.Endpoint,
		SampleRate:  cfg.Tracing.SampleRate,
		ServiceName: cfg.Tracing.ServiceName,
	}
}

func profilingConfig(cfg *config.Config) profiling.Config {
	p := cfg.Profiling
	if p == nil || !p.Enabled {
		return profiling.Config{}
	}
	return profiling.Config{
		Address:        p.Address,
		CPUProfilePath: p.CPUProfilePath,
		MemProfilePath: p.MemProfilePath,
		BlockProfile:   p.BlockProfile,
		MutexProfile:   p.MutexProfile,
	}
}

func s3Config(cfg *config.Config) source.S3Config {
	if cfg.Source.S3 == nil {
		return source.S3Config{}
	}
	return source.S3Config{
		Region:       cfg.Source.S3.Region,
		Endpoint:     cfg.Source.S3.Endpoint,
		UsePathStyle: cfg.Source.S3.UsePathStyle,
	}
}

// readerOptions maps the parser section onto parse options.
func readerOptions(p config.ParserConfig, logger *logging.Logger, tp trace.TracerProvider) ([]sqllog.Option, error) {
	opts := []sqllog.Option{
		sqllog.WithLogger(logger.Logger),
		sqllog.WithStrictTail(p.StrictTail),
	}
	if p.ChunkSize > 0 {
		opts = append(opts, sqllog.WithChunkSize(p.ChunkSize))
	}
	if p.Workers > 0 {
		opts = append(opts, sqllog.WithWorkers(p.Workers))
	}
	if p.MaxPollBytes > 0 {
		opts = append(opts, sqllog.WithMaxPollBytes(p.MaxPollBytes))
	}

	enc, pinned, err := charset.ParseEncoding(p.Encoding)
	if err != nil {
		return nil, err
	}
	if pinned {
		opts = append(opts, sqllog.WithEncoding(enc))
	}
	if tp != nil {
		opts = append(opts, sqllog.WithTracerProvider(tp))
	}
	return opts, nil
}

func eventOptions(cfg *config.Config) output.EventOptions {
	s := cfg.Outputs.Stdout
	return output.EventOptions{IncludeBody: s != nil && s.IncludeBody}
}

// buildSinks creates every enabled output. Elasticsearch is pinged but an
// unreachable cluster is only reported, since batches are retried.
func buildSinks(ctx context.Context, cfg config.OutputsConfig, stdout io.Writer, logger *logging.Logger) ([]output.Sink, error) {
	var sinks []output.Sink
	fail := func(err error) ([]output.Sink, error) {
		for _, s := range sinks {
			s.Close()
		}
		return nil, err
	}

	if s := cfg.Stdout; s != nil && s.Enabled {
		typ, err := compression.Parse(s.Compression)
		if err != nil {
			return fail(err)
		}
		sink, err := output.NewWriterSink(stdout, output.WriterConfig{Pretty: s.Pretty, Compression: typ})
		if err != nil {
			return fail(err)
		}
		sinks = append(sinks, sink)
	}

	if k := cfg.Kafka; k != nil && k.Enabled {
		kc := output.DefaultKafkaConfig()
		kc.Brokers = k.Brokers
		kc.Topic = k.Topic
		if k.RequiredAcks != 0 {
			kc.RequiredAcks = k.RequiredAcks
		}
		if k.CompressionCodec != "" {
			kc.CompressionCodec = k.CompressionCodec
		}
		if k.MaxMessageBytes > 0 {
			kc.MaxMessageBytes = k.MaxMessageBytes
		}
		kc.EnableTLS = k.EnableTLS
		kc.SASLEnabled = k.SASLEnabled
		kc.SASLMechanism = k.SASLMechanism
		kc.SASLUsername = k.SASLUsername
		var err error
		if kc.TLS, err = loadTLS(k.EnableTLS, k.TLS); err != nil {
			return fail(fmt.Errorf("kafka tls: %w", err))
		}
		if kc.SASLPassword, err = security.ResolveSecret(k.SASLPassword); err != nil {
			return fail(fmt.Errorf("kafka sasl_password: %w", err))
		}
		logger.Debug().
			Strs("brokers", kc.Brokers).
			Str("user", kc.SASLUsername).
			Str("password", security.Redact(kc.SASLPassword)).
			Msg("Connecting Kafka producer")

		sink, err := output.NewKafkaSink(kc)
		if err != nil {
			return fail(err)
		}
		sinks = append(sinks, sink)
	}

	if es := cfg.Elasticsearch; es != nil && es.Enabled {
		ec := output.DefaultElasticsearchConfig()
		ec.Addresses = es.Addresses
		ec.Index = es.Index
		if es.IndexRotation != "" {
			ec.IndexRotation = es.IndexRotation
		}
		ec.Pipeline = es.Pipeline
		ec.Username = es.Username
		ec.CloudID = es.CloudID
		ec.MaxRetries = es.MaxRetries
		var err error
		if ec.Password, err = security.ResolveSecret(es.Password); err != nil {
			return fail(fmt.Errorf("elasticsearch password: %w", err))
		}
		if ec.APIKey, err = security.ResolveSecret(es.APIKey); err != nil {
			return fail(fmt.Errorf("elasticsearch api_key: %w", err))
		}
		if es.TLS != (config.TLSFilesConfig{}) {
			tc, err := loadTLS(true, es.TLS)
			if err != nil {
				return fail(fmt.Errorf("elasticsearch tls: %w", err))
			}
			transport := http.DefaultTransport.(*http.Transport).Clone()
			transport.TLSClientConfig = tc
			ec.Transport = transport
		}

		sink, err := output.NewElasticsearchSink(ec)
		if err != nil {
			return fail(err)
		}
		pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		if err := sink.Ping(pingCtx); err != nil {
			logger.Warn().Err(err).Msg("Elasticsearch is not reachable yet")
		}
		cancel()
		sinks = append(sinks, sink)
	}

	if len(sinks) == 0 {
		return nil, errors.New("no outputs enabled")
	}
	return sinks, nil
}

func loadTLS(enabled bool, files config.TLSFilesConfig) (*tls.Config, error) {
	return security.LoadTLSConfig(security.TLSConfig{
		Enabled:            enabled,
		CertFile:           files.CertFile,
		KeyFile:            files.KeyFile,
		CAFile:             files.CAFile,
		InsecureSkipVerify: files.InsecureSkipVerify,
	})
}

func retryConfig(cfg *config.RetryConfig) reliability.RetryConfig {
	if cfg == nil {
		return reliability.RetryConfig{
			MaxRetries:     3,
			InitialBackoff: 100 * time.Millisecond,
			MaxBackoff:     5 * time.Second,
			Multiplier:     2,
			Jitter:         true,
		}
	}
	return reliability.RetryConfig{
		MaxRetries:     cfg.MaxRetries,
		InitialBackoff: cfg.InitialBackoff,
		MaxBackoff:     cfg.MaxBackoff,
		Multiplier:     cfg.Multiplier,
		Jitter:         cfg.Jitter,
	}
}

func pipelineConfig(cfg *config.Config, m *metrics.Collector, tracer trace.Tracer, q *dlq.DeadLetterQueue, logger *logging.Logger) output.PipelineConfig {
	pc := output.PipelineConfig{
		SinkBatch:  make(map[string]output.BatcherConfig),
		Retry:      retryConfig(cfg.Outputs.Retry),
		Metrics:    m,
		Tracer:     tracer,
		DeadLetter: q,
		Logger:     logger,
	}
	if k := cfg.Outputs.Kafka; k != nil {
		pc.SinkBatch["kafka"] = output.BatcherConfig{MaxBatchSize: k.BatchSize, FlushInterval: k.BatchTimeout}
	}
	if es := cfg.Outputs.Elasticsearch; es != nil {
		pc.SinkBatch["elasticsearch"] = output.BatcherConfig{MaxBatchSize: es.BatchSize, FlushInterval: es.BatchTimeout}
	}
	return pc
}
