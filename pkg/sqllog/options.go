package sqllog

import (
	"fmt"
	"runtime"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"

	"github.com/therealutkarshpriyadarshi/sqllog/internal/charset"
)

const (
	// DefaultChunkSize is the number of records decoded per batch task.
	DefaultChunkSize = 10000

	// DefaultMaxPollBytes bounds how much a Reader consumes in one poll.
	DefaultMaxPollBytes = 16 << 20

	tracerName = "github.com/therealutkarshpriyadarshi/sqllog/pkg/sqllog"
)

// Option configures parsing using the functional options pattern.
type Option func(*config)

// config holds the settings shared by the batch driver and Reader.
type config struct {
	chunkSize    int
	workers      int
	encoding     charset.Encoding
	encodingSet  bool
	oracle       *charset.Oracle
	strictTail   bool
	maxPollBytes int
	logger       zerolog.Logger
	tracer       trace.Tracer
}

func defaultConfig() *config {
	return &config{
		chunkSize:    DefaultChunkSize,
		workers:      runtime.GOMAXPROCS(0),
		maxPollBytes: DefaultMaxPollBytes,
		logger:       zerolog.Nop(),
		tracer:       otel.Tracer(tracerName),
	}
}

func applyOptions(opts []Option) (*config, error) {
	cfg := defaultConfig()
	for _, opt := range opts {
		if opt != nil {
			opt(cfg)
		}
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *config) validate() error {
	if c.chunkSize <= 0 {
		return fmt.Errorf("chunk size must be positive, got %d", c.chunkSize)
	}
	if c.workers <= 0 {
		return fmt.Errorf("workers must be positive, got %d", c.workers)
	}
	if c.maxPollBytes <= 0 {
		return fmt.Errorf("max poll bytes must be positive, got %d", c.maxPollBytes)
	}
	return nil
}

// WithChunkSize sets how many records each concurrent batch task decodes.
func WithChunkSize(n int) Option {
	return func(c *config) { c.chunkSize = n }
}

// WithWorkers sets the number of goroutines decoding batch chunks.
func WithWorkers(n int) Option {
	return func(c *config) { c.workers = n }
}

// WithEncoding pins the source encoding instead of detecting it.
func WithEncoding(enc charset.Encoding) Option {
	return func(c *config) {
		c.encoding = enc
		c.encodingSet = true
	}
}

// WithOracle shares an encoding cache across sources so each path is
// sampled only once.
func WithOracle(o *charset.Oracle) Option {
	return func(c *config) { c.oracle = o }
}

// WithStrictTail makes a Reader hold the last record of the file until a
// following start line appears or Flush is called, even if the record
// already ends with a line feed.
func WithStrictTail(strict bool) Option {
	return func(c *config) { c.strictTail = strict }
}

// WithMaxPollBytes bounds the bytes a Reader consumes per Poll.
func WithMaxPollBytes(n int) Option {
	return func(c *config) { c.maxPollBytes = n }
}

// WithLogger sets the logger used for diagnostics.
func WithLogger(l zerolog.Logger) Option {
	return func(c *config) { c.logger = l }
}

// WithTracerProvider sets the provider used to create spans around batch
// parses and polls. The global provider is used by default.
func WithTracerProvider(tp trace.TracerProvider) Option {
	return func(c *config) { c.tracer = tp.Tracer(tracerName) }
}

// resolveEncoding returns the pinned encoding, the oracle's memoized result
// for key, or a fresh detection over sample.
func (c *config) resolveEncoding(key string, sample func() ([]byte, error)) (charset.Encoding, error) {
	if c.encodingSet {
		return c.encoding, nil
	}
	if c.oracle != nil && key != "" {
		return c.oracle.For(key, sample)
	}
	b, err := sample()
	if err != nil {
		return charset.UTF8, err
	}
	return charset.Detect(b), nil
}
