package main

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/spf13/cobra"

	"github.com/therealutkarshpriyadarshi/sqllog/internal/charset"
	"github.com/therealutkarshpriyadarshi/sqllog/internal/checkpoint"
	"github.com/therealutkarshpriyadarshi/sqllog/internal/config"
	"github.com/therealutkarshpriyadarshi/sqllog/internal/dlq"
	"github.com/therealutkarshpriyadarshi/sqllog/internal/health"
	"github.com/therealutkarshpriyadarshi/sqllog/internal/logging"
	"github.com/therealutkarshpriyadarshi/sqllog/internal/metrics"
	"github.com/therealutkarshpriyadarshi/sqllog/internal/output"
	"github.com/therealutkarshpriyadarshi/sqllog/internal/profiling"
	"github.com/therealutkarshpriyadarshi/sqllog/internal/server"
	"github.com/therealutkarshpriyadarshi/sqllog/internal/shutdown"
	"github.com/therealutkarshpriyadarshi/sqllog/internal/source"
	"github.com/therealutkarshpriyadarshi/sqllog/internal/tailer"
	"github.com/therealutkarshpriyadarshi/sqllog/internal/tracing"
)

var (
	// tail flags
	tailFromBeginning bool
	tailPollInterval  time.Duration
	tailCheckpoint    string
)

var tailCmd = &cobra.Command{
	Use:   "tail [files...]",
	Short: "Follow sqllog files and ship new records",
	Long: `Follow growing sqllog files and output each record once it is complete.

Positions are checkpointed, so a restarted follower continues with the
first record it has not delivered. Rotated and truncated files are
reopened from the start.

Examples:
  # Follow the live log, printing records to stdout
  sqllog tail /dm/log/dmsql_DMSERVER.log

  # Ship to the outputs in a config file, from the start of the file
  sqllog tail -c /etc/sqllog/config.yaml --from-beginning`,
	RunE: runTail,
}

func init() {
	tailCmd.Flags().BoolVar(&tailFromBeginning, "from-beginning", false,
		"Read files without a checkpoint from the start instead of the end")
	tailCmd.Flags().DurationVar(&tailPollInterval, "poll-interval", 0,
		"Poll interval in addition to file change notifications")
	tailCmd.Flags().StringVar(&tailCheckpoint, "checkpoint-dir", "",
		"Directory for reader positions")
}

func applyTailFlags(cmd *cobra.Command, cfg *config.Config, args []string) error {
	if len(args) > 0 {
		cfg.Tail.Paths = args
	}
	flags := cmd.Flags()
	if flags.Changed("from-beginning") {
		cfg.Tail.FromBeginning = tailFromBeginning
	}
	if flags.Changed("poll-interval") {
		cfg.Tail.PollInterval = tailPollInterval
	}
	if flags.Changed("checkpoint-dir") {
		cfg.Checkpoint.Path = tailCheckpoint
	}

	if len(cfg.Tail.Paths) == 0 {
		return errors.New("no files to follow")
	}
	for _, path := range cfg.Tail.Paths {
		if source.IsRemote(path) {
			return fmt.Errorf("cannot follow remote source %s", path)
		}
	}
	return nil
}

func runTail(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if err := applyTailFlags(cmd, cfg, args); err != nil {
		return err
	}
	logger := newLogger(cfg, cmd.ErrOrStderr())
	logger.Info().
		Str("version", tracing.Version).
		Strs("paths", cfg.Tail.Paths).
		Msg("Starting sqllog follower")

	ctx := context.Background()
	shut := shutdown.New(shutdown.Config{Logger: logger})

	// Shutdown runs in reverse order of registration: the tailer stops
	// first and the checkpoint is written last.
	f, err := startFollower(ctx, cmd, cfg, shut, logger)
	if err != nil {
		shut.Shutdown()
		return errors.Join(err, shut.Err())
	}

	logger.Info().Strs("files", f.tailer.Files()).Msg("Following files")
	shut.WaitForSignal()
	if err := shut.Err(); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}
	logger.Info().Msg("Shutdown complete")
	return nil
}

type follower struct {
	tailer   *tailer.Tailer
	pipeline *output.Pipeline
	dlq      *dlq.DeadLetterQueue
	checker  *health.Checker
}

// startFollower builds and starts every component, registering each with
// shut as soon as it runs.
func startFollower(ctx context.Context, cmd *cobra.Command, cfg *config.Config, shut *shutdown.Manager, logger *logging.Logger) (*follower, error) {
	f := &follower{}

	if prof := profiling.New(profilingConfig(cfg), logger); prof.Enabled() {
		if err := prof.Start(); err != nil {
			return nil, err
		}
		shut.RegisterComponent(prof)
	}

	provider, err := tracing.NewProvider(ctx, tracingConfig(cfg))
	if err != nil {
		return nil, err
	}
	shut.RegisterFunc("tracing", provider.Shutdown)

	collector := metrics.NewCollector()
	collector.Start()
	shut.RegisterFunc("metrics", func(context.Context) error {
		collector.Stop()
		return nil
	})

	ckpt, err := checkpoint.NewManager(cfg.Checkpoint.Path, cfg.Checkpoint.Interval, logger)
	if err != nil {
		return nil, err
	}
	if err := ckpt.Load(); err != nil {
		logger.Warn().Err(err).Msg("Failed to load checkpoints, starting fresh")
	}
	ckpt.Start()
	shut.RegisterFunc("checkpoint", func(context.Context) error { return ckpt.Stop() })

	if d := cfg.Outputs.DeadLetter; d != nil && d.Enabled {
		f.dlq, err = dlq.NewDeadLetterQueue(dlq.DLQConfig{
			Dir:     d.Dir,
			MaxSize: d.MaxSize,
			MaxAge:  d.MaxAge,
		})
		if err != nil {
			return nil, err
		}
		shut.RegisterFunc("dead-letter", func(context.Context) error { return f.dlq.Close() })
	}

	sinks, err := buildSinks(ctx, cfg.Outputs, cmd.OutOrStdout(), logger)
	if err != nil {
		return nil, err
	}
	f.pipeline = output.NewPipeline(pipelineConfig(cfg, collector, provider.Tracer(), f.dlq, logger), sinks...)
	shut.RegisterComponent(f.pipeline)

	if f.dlq != nil {
		stop := f.redeliverLoop(cfg.Outputs.DeadLetter.Redeliver, logger)
		shut.RegisterFunc("redeliver", stop)
	}

	paths, err := source.Expand(cfg.Tail.Paths)
	if err != nil {
		return nil, err
	}
	opts, err := readerOptions(cfg.Parser, logger, provider.TracerProvider())
	if err != nil {
		return nil, err
	}
	f.tailer, err = tailer.New(tailer.Config{
		Paths:         paths,
		PollInterval:  cfg.Tail.PollInterval,
		RateLimit:     cfg.Tail.RateLimit,
		FromBeginning: cfg.Tail.FromBeginning,
		StallTimeout:  cfg.Tail.StallTimeout,
		ReaderOptions: opts,
		Oracle:        charset.NewOracle(),
		Events:        eventOptions(cfg),
	}, ckpt, f.pipeline, collector, logger)
	if err != nil {
		return nil, err
	}

	f.checker = newChecker(cfg, collector, f)
	if srv := newServer(cfg, collector, f.checker, logger); srv != nil {
		if err := srv.Start(); err != nil {
			return nil, err
		}
		shut.RegisterComponent(srv)
	}

	if err := f.tailer.Start(); err != nil {
		return nil, err
	}
	shut.RegisterComponent(f.tailer)
	return f, nil
}

// redeliverLoop periodically retries dead letters. The returned function
// stops the loop.
func (f *follower) redeliverLoop(interval time.Duration, logger *logging.Logger) func(context.Context) error {
	ctx, cancel := context.WithCancel(context.Background())
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if f.dlq.Size() == 0 {
					continue
				}
				if _, err := f.pipeline.Redeliver(ctx); err != nil {
					logger.Error().Err(err).Msg("Dead letter redelivery failed")
				}
			}
		}
	}()
	return func(context.Context) error {
		cancel()
		wg.Wait()
		return nil
	}
}

func newChecker(cfg *config.Config, collector *metrics.Collector, f *follower) *health.Checker {
	var timeout time.Duration
	if cfg.Health != nil {
		timeout = cfg.Health.Timeout
	}
	checker := health.NewChecker(timeout)
	checker.SetObserver(func(component string, healthy bool) {
		v := 0.0
		if healthy {
			v = 1
		}
		collector.HealthStatus.WithLabelValues(component).Set(v)
	})

	checker.Register("tailer", f.tailer.HealthCheck())
	if q := f.dlq; q != nil {
		checker.Register("dead_letter", health.CheckWithMetadata(func() (health.Status, string, map[string]interface{}) {
			m := q.Metrics()
			meta := map[string]interface{}{
				"size":    m.CurrentSize,
				"dropped": m.Dropped,
			}
			switch u := m.Utilization(); {
			case u >= 100:
				return health.StatusUnhealthy, "dead letter queue is full", meta
			case u >= 80:
				return health.StatusDegraded, "dead letter queue is filling up", meta
			}
			return health.StatusHealthy, "ok", meta
		}))
	}
	return checker
}

// newServer returns nil when neither metrics nor health endpoints are
// enabled.
func newServer(cfg *config.Config, collector *metrics.Collector, checker *health.Checker, logger *logging.Logger) *server.Server {
	sc := server.Config{Logger: logger}
	if m := cfg.Metrics; m != nil && m.Enabled {
		sc.MetricsAddress = m.Address
		sc.MetricsPath = m.Path
		sc.MetricsRegistry = collector.Registry()
	}
	if h := cfg.Health; h != nil && h.Enabled {
		sc.HealthAddress = h.Address
		sc.LivenessPath = h.LivenessPath
		sc.ReadinessPath = h.ReadinessPath
		sc.HealthChecker = checker
	}
	if sc.MetricsRegistry == nil && sc.HealthChecker == nil {
		return nil
	}
	return server.New(sc)
}
