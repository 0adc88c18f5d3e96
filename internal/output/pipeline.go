package output

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"

	"github.com/therealutkarshpriyadarshi/sqllog/internal/dlq"
	"github.com/therealutkarshpriyadarshi/sqllog/internal/logging"
	"github.com/therealutkarshpriyadarshi/sqllog/internal/metrics"
	"github.com/therealutkarshpriyadarshi/sqllog/internal/reliability"
	"github.com/therealutkarshpriyadarshi/sqllog/internal/tracing"
	"github.com/therealutkarshpriyadarshi/sqllog/pkg/types"
)

// PipelineConfig configures delivery to the sinks
type PipelineConfig struct {
	Batch      BatcherConfig
	// SinkBatch overrides Batch for the sinks it names.
	SinkBatch  map[string]BatcherConfig
	Retry      reliability.RetryConfig
	Metrics    *metrics.Collector
	Tracer     trace.Tracer
	DeadLetter *dlq.DeadLetterQueue
	Logger     *logging.Logger
}

// Pipeline fans every published event out to all sinks. Each sink gets
// its own batcher, so a slow sink only delays itself; failed batches are
// retried and finally handed to the dead letter queue.
type Pipeline struct {
	routes []*route
	cfg    PipelineConfig
	logger *logging.Logger
}

type route struct {
	sink    Sink
	batcher *Batcher
}

// NewPipeline creates a pipeline over sinks
func NewPipeline(cfg PipelineConfig, sinks ...Sink) *Pipeline {
	if cfg.Logger == nil {
		cfg.Logger = logging.Nop()
	}
	if cfg.Tracer == nil {
		cfg.Tracer = noop.NewTracerProvider().Tracer("")
	}

	p := &Pipeline{cfg: cfg, logger: cfg.Logger.WithComponent("output")}
	for _, sink := range sinks {
		r := &route{sink: sink}
		bc := cfg.Batch
		if o, ok := cfg.SinkBatch[sink.Name()]; ok {
			bc = o
		}
		r.batcher = NewBatcher(bc, func(ctx context.Context, events []*types.RecordEvent) error {
			return p.deliver(ctx, r.sink, events)
		})
		p.routes = append(p.routes, r)
	}
	return p
}

// Sinks returns the names of the configured sinks.
func (p *Pipeline) Sinks() []string {
	names := make([]string, len(p.routes))
	for i, r := range p.routes {
		names[i] = r.sink.Name()
	}
	return names
}

// Publish queues one event for every sink.
func (p *Pipeline) Publish(ctx context.Context, event *types.RecordEvent) error {
	var errs []error
	for _, r := range p.routes {
		if err := r.batcher.Add(ctx, event); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Flush delivers everything queued so far.
func (p *Pipeline) Flush(ctx context.Context) error {
	var errs []error
	for _, r := range p.routes {
		if err := r.batcher.Flush(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Redeliver drains the dead letter queue and sends each entry to the
// sink it failed on. Entries for sinks that are no longer configured are
// dropped; entries that fail again are requeued.
func (p *Pipeline) Redeliver(ctx context.Context) (int, error) {
	q := p.cfg.DeadLetter
	if q == nil {
		return 0, nil
	}
	entries, err := q.Drain()
	if err != nil {
		return 0, err
	}

	bySink := make(map[string]*route, len(p.routes))
	for _, r := range p.routes {
		bySink[r.sink.Name()] = r
	}

	delivered := 0
	for _, entry := range entries {
		r, ok := bySink[entry.Sink]
		if !ok {
			p.logger.Warn().Str("output", entry.Sink).Msg("Dropping dead letter for unknown output")
			continue
		}
		err := reliability.Retry(ctx, p.cfg.Retry, func(ctx context.Context) error {
			return r.sink.Send(ctx, []*types.RecordEvent{entry.Event})
		})
		if err != nil {
			if qerr := q.Requeue(entry, err); qerr != nil {
				p.logger.Error().Err(qerr).Str("output", entry.Sink).Msg("Failed to requeue dead letter")
			}
			continue
		}
		delivered++
	}

	if len(entries) > 0 {
		p.logger.Info().
			Int("entries", len(entries)).
			Int("delivered", delivered).
			Msg("Redelivered dead letters")
	}
	return delivered, nil
}

// deliver sends one batch with retries, recording metrics and a span.
func (p *Pipeline) deliver(ctx context.Context, sink Sink, events []*types.RecordEvent) error {
	name := sink.Name()
	ctx, span := tracing.TraceOutput(ctx, p.cfg.Tracer, name, len(events))
	defer span.End()

	retry := p.cfg.Retry
	retry.OnRetry = func(attempt int, err error, backoff time.Duration) {
		p.logger.Warn().
			Err(err).
			Str("output", name).
			Int("attempt", attempt).
			Dur("backoff", backoff).
			Msg("Output send failed, retrying")
	}

	start := time.Now()
	err := reliability.Retry(ctx, retry, func(ctx context.Context) error {
		return sink.Send(ctx, events)
	})
	elapsed := time.Since(start)

	if m := p.cfg.Metrics; m != nil {
		m.OutputDuration.WithLabelValues(name).Observe(elapsed.Seconds())
		m.OutputBatchSize.WithLabelValues(name).Observe(float64(len(events)))
		if err == nil {
			m.OutputEventsSent.WithLabelValues(name).Add(float64(len(events)))
			m.OutputBytesSent.WithLabelValues(name).Add(float64(batchSize(events)))
		} else {
			m.OutputEventsFailed.WithLabelValues(name).Add(float64(len(events)))
		}
	}
	if err == nil {
		return nil
	}

	tracing.RecordError(ctx, err)
	p.logger.Error().
		Err(err).
		Str("output", name).
		Int("events", len(events)).
		Msg("Output send failed")

	if q := p.cfg.DeadLetter; q != nil {
		if qerr := q.Enqueue(name, events, err); qerr != nil {
			return fmt.Errorf("%s: %w (dead letter: %v)", name, err, qerr)
		}
		return nil
	}
	return fmt.Errorf("%s: %w", name, err)
}

func batchSize(events []*types.RecordEvent) int {
	n := 0
	for _, e := range events {
		n += eventSize(e)
	}
	return n
}

// Name implements shutdown.Component.
func (p *Pipeline) Name() string { return "output" }

// Stop flushes every batcher and closes the sinks.
func (p *Pipeline) Stop(ctx context.Context) error {
	var errs []error
	for _, r := range p.routes {
		if err := r.batcher.Stop(ctx); err != nil {
			errs = append(errs, err)
		}
		if err := r.sink.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close %s: %w", r.sink.Name(), err))
		}
	}
	return errors.Join(errs...)
}
