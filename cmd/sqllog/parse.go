package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.opentelemetry.io/otel/trace"

	"github.com/therealutkarshpriyadarshi/sqllog/internal/config"
	"github.com/therealutkarshpriyadarshi/sqllog/internal/logging"
	"github.com/therealutkarshpriyadarshi/sqllog/internal/metrics"
	"github.com/therealutkarshpriyadarshi/sqllog/internal/output"
	"github.com/therealutkarshpriyadarshi/sqllog/internal/profiling"
	"github.com/therealutkarshpriyadarshi/sqllog/internal/source"
	"github.com/therealutkarshpriyadarshi/sqllog/internal/tracing"
	"github.com/therealutkarshpriyadarshi/sqllog/pkg/sqllog"
	"github.com/therealutkarshpriyadarshi/sqllog/pkg/types"
)

var (
	// parse flags
	parseWorkers     int
	parseChunkSize   int
	parseEncoding    string
	parseErrors      bool
	parseBody        bool
	parsePretty      bool
	parseCompression string
	parseStats       bool
	parseCPUProfile  string
	parseMemProfile  string
)

var parseCmd = &cobra.Command{
	Use:   "parse [files...]",
	Short: "Parse sqllog files and output their records",
	Long: `Parse complete sqllog files and output one JSON object per record.

Files may be local paths, glob patterns or s3:// URLs. Archives ending in
.gz, .zst or .sz are decompressed. Records go to stdout unless the config
file enables other outputs.

Examples:
  # Parse a log and keep only slow statements
  sqllog parse dmsql.log | jq 'select(.exec_time_ms > 1000)'

  # Include malformed records and print totals to stderr
  sqllog parse --errors --stats /dm/log/dmsql_*.log`,
	Args: cobra.MinimumNArgs(1),
	RunE: runParse,
}

func init() {
	parseCmd.Flags().IntVarP(&parseWorkers, "workers", "w", 0,
		"Goroutines decoding records (default: GOMAXPROCS)")
	parseCmd.Flags().IntVar(&parseChunkSize, "chunk-size", 0,
		"Records decoded per task")
	parseCmd.Flags().StringVar(&parseEncoding, "encoding", "",
		"Source encoding: auto, utf8, gb18030")
	parseCmd.Flags().BoolVar(&parseErrors, "errors", false,
		"Output malformed records as error events")
	parseCmd.Flags().BoolVar(&parseBody, "body", false,
		"Include the record body with indicators in the output")
	parseCmd.Flags().BoolVar(&parsePretty, "pretty", false,
		"Indent JSON output")
	parseCmd.Flags().StringVar(&parseCompression, "compression", "",
		"Compress stdout: none, gzip, zstd, snappy")
	parseCmd.Flags().BoolVar(&parseStats, "stats", false,
		"Print totals to stderr when done")
	parseCmd.Flags().StringVar(&parseCPUProfile, "cpu-profile", "",
		"Write a CPU profile of the run to this file")
	parseCmd.Flags().StringVar(&parseMemProfile, "mem-profile", "",
		"Write a heap profile to this file when done")
}

// applyParseFlags overrides the config with the flags the user set.
func applyParseFlags(cmd *cobra.Command, cfg *config.Config) error {
	flags := cmd.Flags()
	if flags.Changed("workers") {
		cfg.Parser.Workers = parseWorkers
	}
	if flags.Changed("chunk-size") {
		cfg.Parser.ChunkSize = parseChunkSize
	}
	if flags.Changed("encoding") {
		cfg.Parser.Encoding = parseEncoding
	}
	if flags.Changed("cpu-profile") || flags.Changed("mem-profile") {
		if cfg.Profiling == nil {
			cfg.Profiling = &config.ProfilingConfig{}
		}
		cfg.Profiling.Enabled = true
		if flags.Changed("cpu-profile") {
			cfg.Profiling.CPUProfilePath = parseCPUProfile
		}
		if flags.Changed("mem-profile") {
			cfg.Profiling.MemProfilePath = parseMemProfile
		}
	}
	if s := cfg.Outputs.Stdout; s != nil {
		if flags.Changed("body") {
			s.IncludeBody = parseBody
		}
		if flags.Changed("pretty") {
			s.Pretty = parsePretty
		}
		if flags.Changed("compression") {
			s.Compression = parseCompression
		}
	}
	return cfg.Validate()
}

func runParse(cmd *cobra.Command, args []string) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if err := applyParseFlags(cmd, cfg); err != nil {
		return fmt.Errorf("invalid flags: %w", err)
	}
	logger := newLogger(cfg, cmd.ErrOrStderr())

	prof := profiling.New(profilingConfig(cfg), logger)
	if err := prof.Start(); err != nil {
		return err
	}
	defer prof.Stop(context.Background())

	provider, err := tracing.NewProvider(ctx, tracingConfig(cfg))
	if err != nil {
		return err
	}
	defer provider.Shutdown(context.Background())

	opts, err := readerOptions(cfg.Parser, logger, provider.TracerProvider())
	if err != nil {
		return err
	}

	sinks, err := buildSinks(ctx, cfg.Outputs, cmd.OutOrStdout(), logger)
	if err != nil {
		return err
	}
	collector := metrics.NewCollector()
	pipeline := output.NewPipeline(pipelineConfig(cfg, collector, provider.Tracer(), nil, logger), sinks...)

	paths, err := source.Expand(args)
	if err != nil {
		pipeline.Stop(context.Background())
		return err
	}

	p := &parser{
		opener:   source.NewOpener(s3Config(cfg), logger),
		pipeline: pipeline,
		metrics:  collector,
		tracer:   provider.Tracer(),
		logger:   logger,
		opts:     opts,
		events:   eventOptions(cfg),
		errors:   parseErrors,
	}

	var total types.ParserStats
	var errs []error
	for _, path := range paths {
		stats, err := p.parse(ctx, path)
		total.Add(stats)
		if err != nil {
			logger.Error().Err(err).Str("path", path).Msg("Failed to parse source")
			errs = append(errs, err)
			if ctx.Err() != nil {
				break
			}
		}
	}

	stopCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := pipeline.Stop(stopCtx); err != nil {
		errs = append(errs, err)
	}

	if parseStats {
		writeStats(cmd.ErrOrStderr(), len(paths), total)
	}
	return errors.Join(errs...)
}

// parser runs batch parses of whole sources into the output pipeline.
type parser struct {
	opener   *source.Opener
	pipeline *output.Pipeline
	metrics  *metrics.Collector
	tracer   trace.Tracer
	logger   *logging.Logger
	opts     []sqllog.Option
	events   output.EventOptions
	errors   bool
}

func (p *parser) parse(ctx context.Context, path string) (types.ParserStats, error) {
	var stats types.ParserStats
	ctx, span := tracing.TraceSource(ctx, p.tracer, path)
	defer span.End()

	start := time.Now()
	buf, err := p.opener.ReadAll(ctx, path)
	if err != nil {
		tracing.RecordError(ctx, err)
		return stats, err
	}
	batch, err := sqllog.ParseBytes(ctx, buf, p.opts...)
	if err != nil {
		tracing.RecordError(ctx, err)
		return stats, err
	}
	p.metrics.ObserveBatch(path, batch, time.Since(start))

	stats = types.ParserStats{
		Parsed:  int64(len(batch.Records)),
		Failed:  int64(len(batch.Errors)),
		Leading: int64(len(batch.Leading)),
		Bytes:   batch.Bytes,
	}
	p.logger.Debug().
		Str("path", path).
		Str("encoding", batch.Encoding.String()).
		Int64("records", stats.Parsed).
		Int64("errors", stats.Failed).
		Dur("elapsed", time.Since(start)).
		Msg("Parsed source")

	for rec, err := range batch.All() {
		if rec == nil && (!p.errors || sqllog.KindOf(err) == sqllog.KindLeading) {
			continue
		}
		if err := p.pipeline.Publish(ctx, output.NewEvent(path, rec, err, p.events)); err != nil {
			return stats, err
		}
	}
	return stats, p.pipeline.Flush(ctx)
}

func writeStats(w io.Writer, files int, s types.ParserStats) {
	fmt.Fprintf(w, "files: %d\nrecords: %d\nerrors: %d\nleading lines: %d\nbytes: %d\n",
		files, s.Parsed, s.Failed, s.Leading, s.Bytes)
}
