package metrics

import (
	"runtime"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/therealutkarshpriyadarshi/sqllog/pkg/sqllog"
)

// Namespace for all metrics
const namespace = "sqllog"

// Collector provides a central place for all application metrics
type Collector struct {
	// Parser metrics
	RecordsParsed *prometheus.CounterVec
	ParseErrors   *prometheus.CounterVec
	LeadingLines  *prometheus.CounterVec
	BytesParsed   *prometheus.CounterVec
	BatchDuration *prometheus.HistogramVec

	// Reader metrics
	PollDuration  *prometheus.HistogramVec
	ReaderOffset  *prometheus.GaugeVec
	ReaderPending *prometheus.GaugeVec
	ReadersActive prometheus.Gauge
	SourceResets  *prometheus.CounterVec
	RateLimited   *prometheus.CounterVec

	// Output metrics
	OutputEventsSent   *prometheus.CounterVec
	OutputEventsFailed *prometheus.CounterVec
	OutputBytesSent    *prometheus.CounterVec
	OutputDuration     *prometheus.HistogramVec
	OutputBatchSize    *prometheus.HistogramVec

	// Statement metrics, extracted from record indicators
	StatementDuration *prometheus.HistogramVec
	StatementRows     *prometheus.CounterVec

	// System metrics
	SystemGoroutines prometheus.Gauge
	SystemMemAlloc   prometheus.Gauge
	SystemMemSys     prometheus.Gauge
	SystemGCPauses   prometheus.Histogram

	// Health metrics
	HealthStatus *prometheus.GaugeVec

	registry *prometheus.Registry
	mu       sync.Mutex
	stopCh   chan struct{}
}

// NewCollector creates a new metrics collector
func NewCollector() *Collector {
	registry := prometheus.NewRegistry()

	c := &Collector{
		registry: registry,
	}

	c.initParserMetrics()
	c.initReaderMetrics()
	c.initOutputMetrics()
	c.initStatementMetrics()
	c.initSystemMetrics()
	c.initHealthMetrics()

	return c
}

func (c *Collector) initParserMetrics() {
	c.RecordsParsed = promauto.With(c.registry).NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "parser",
			Name:      "records_total",
			Help:      "Total number of records successfully decoded",
		},
		[]string{"source", "mode"},
	)

	c.ParseErrors = promauto.With(c.registry).NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "parser",
			Name:      "errors_total",
			Help:      "Total number of record-scoped parse errors by kind",
		},
		[]string{"source", "kind"},
	)

	c.LeadingLines = promauto.With(c.registry).NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "parser",
			Name:      "leading_lines_total",
			Help:      "Total number of lines found before the first record of a source",
		},
		[]string{"source"},
	)

	c.BytesParsed = promauto.With(c.registry).NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "parser",
			Name:      "bytes_total",
			Help:      "Total source bytes parsed",
		},
		[]string{"source", "mode"},
	)

	c.BatchDuration = promauto.With(c.registry).NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "parser",
			Name:      "batch_duration_seconds",
			Help:      "Time taken to parse a complete source",
			Buckets:   prometheus.ExponentialBuckets(0.001, 2, 15), // 1ms to ~16s
		},
		[]string{"source"},
	)
}

func (c *Collector) initReaderMetrics() {
	c.PollDuration = promauto.With(c.registry).NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "reader",
			Name:      "poll_duration_seconds",
			Help:      "Time taken by one reader poll",
			Buckets:   prometheus.ExponentialBuckets(0.00001, 2, 18), // 10µs to ~1.3s
		},
		[]string{"source"},
	)

	c.ReaderOffset = promauto.With(c.registry).NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "reader",
			Name:      "offset_bytes",
			Help:      "Offset of the first byte not yet consumed",
		},
		[]string{"source"},
	)

	c.ReaderPending = promauto.With(c.registry).NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "reader",
			Name:      "pending_bytes",
			Help:      "Bytes buffered as an incomplete trailing record",
		},
		[]string{"source"},
	)

	c.ReadersActive = promauto.With(c.registry).NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "reader",
			Name:      "active",
			Help:      "Number of files currently followed",
		},
	)

	c.SourceResets = promauto.With(c.registry).NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "reader",
			Name:      "resets_total",
			Help:      "Total number of cursor resets after rotation or truncation",
		},
		[]string{"source", "reason"},
	)

	c.RateLimited = promauto.With(c.registry).NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "reader",
			Name:      "rate_limited_total",
			Help:      "Total number of polls delayed by the rate limiter",
		},
		[]string{"source"},
	)
}

func (c *Collector) initOutputMetrics() {
	c.OutputEventsSent = promauto.With(c.registry).NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "output",
			Name:      "events_sent_total",
			Help:      "Total number of events successfully sent to output",
		},
		[]string{"output_name"},
	)

	c.OutputEventsFailed = promauto.With(c.registry).NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "output",
			Name:      "events_failed_total",
			Help:      "Total number of events that failed to send",
		},
		[]string{"output_name"},
	)

	c.OutputBytesSent = promauto.With(c.registry).NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "output",
			Name:      "bytes_sent_total",
			Help:      "Total bytes sent to output",
		},
		[]string{"output_name"},
	)

	c.OutputDuration = promauto.With(c.registry).NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "output",
			Name:      "duration_seconds",
			Help:      "Time taken to send events to output",
			Buckets:   prometheus.ExponentialBuckets(0.001, 2, 12), // 1ms to ~4s
		},
		[]string{"output_name"},
	)

	c.OutputBatchSize = promauto.With(c.registry).NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "output",
			Name:      "batch_size",
			Help:      "Number of events in each batch sent to output",
			Buckets:   prometheus.ExponentialBuckets(1, 2, 12), // 1 to 4096
		},
		[]string{"output_name"},
	)
}

func (c *Collector) initStatementMetrics() {
	c.StatementDuration = promauto.With(c.registry).NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "statement",
			Name:      "exec_time_seconds",
			Help:      "Statement execution time reported by EXECTIME",
			Buckets:   prometheus.ExponentialBuckets(0.0001, 4, 10), // 100µs to ~26s
		},
		[]string{"source", "tag"},
	)

	c.StatementRows = promauto.With(c.registry).NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "statement",
			Name:      "rows_total",
			Help:      "Rows affected or returned, as reported by ROWCOUNT",
		},
		[]string{"source", "tag"},
	)
}

func (c *Collector) initSystemMetrics() {
	c.SystemGoroutines = promauto.With(c.registry).NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "system",
			Name:      "goroutines_total",
			Help:      "Current number of goroutines",
		},
	)

	c.SystemMemAlloc = promauto.With(c.registry).NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "system",
			Name:      "memory_allocated_bytes",
			Help:      "Bytes of allocated heap objects",
		},
	)

	c.SystemMemSys = promauto.With(c.registry).NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "system",
			Name:      "memory_system_bytes",
			Help:      "Total bytes of memory obtained from the OS",
		},
	)

	c.SystemGCPauses = promauto.With(c.registry).NewHistogram(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "system",
			Name:      "gc_pause_seconds",
			Help:      "GC pause duration",
			Buckets:   prometheus.ExponentialBuckets(0.00001, 2, 15), // 10µs to ~300ms
		},
	)
}

func (c *Collector) initHealthMetrics() {
	c.HealthStatus = promauto.With(c.registry).NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "health",
			Name:      "status",
			Help:      "Health status of components (1=healthy, 0=unhealthy)",
		},
		[]string{"component"},
	)
}

// ObserveBatch records the outcome of parsing a complete source.
func (c *Collector) ObserveBatch(source string, b *sqllog.Batch, elapsed time.Duration) {
	c.RecordsParsed.WithLabelValues(source, "batch").Add(float64(len(b.Records)))
	c.BytesParsed.WithLabelValues(source, "batch").Add(float64(b.Bytes))
	if len(b.Leading) > 0 {
		c.LeadingLines.WithLabelValues(source).Add(float64(len(b.Leading)))
	}
	for _, err := range b.Errors {
		c.ParseErrors.WithLabelValues(source, err.Kind.String()).Inc()
	}
	for _, rec := range b.Records {
		c.observeIndicators(source, rec)
	}
	c.BatchDuration.WithLabelValues(source).Observe(elapsed.Seconds())
}

// ObserveResult records one record or record-scoped error delivered by a
// streaming reader.
func (c *Collector) ObserveResult(source string, rec *sqllog.Record, err error) {
	switch {
	case rec != nil:
		c.RecordsParsed.WithLabelValues(source, "stream").Inc()
		c.observeIndicators(source, rec)
	case sqllog.KindOf(err) == sqllog.KindLeading:
		c.LeadingLines.WithLabelValues(source).Inc()
	case err != nil:
		c.ParseErrors.WithLabelValues(source, sqllog.KindOf(err).String()).Inc()
	}
}

func (c *Collector) observeIndicators(source string, rec *sqllog.Record) {
	ind, err := rec.Indicators()
	if err != nil {
		c.ParseErrors.WithLabelValues(source, sqllog.KindInvalidIndicator.String()).Inc()
	}
	if ind.HasExecTime {
		c.StatementDuration.WithLabelValues(source, rec.Tag).Observe(ind.ExecTime / 1000)
	}
	if ind.HasRowCount {
		c.StatementRows.WithLabelValues(source, rec.Tag).Add(float64(ind.RowCount))
	}
}

// ObservePoll records one reader poll.
func (c *Collector) ObservePoll(source string, before, after sqllog.Cursor, elapsed time.Duration) {
	c.PollDuration.WithLabelValues(source).Observe(elapsed.Seconds())
	c.ReaderOffset.WithLabelValues(source).Set(float64(after.Offset))
	c.ReaderPending.WithLabelValues(source).Set(float64(after.Pending))
	if read := (after.Offset + int64(after.Pending)) - (before.Offset + int64(before.Pending)); read > 0 {
		c.BytesParsed.WithLabelValues(source, "stream").Add(float64(read))
	}
}

// Start begins collecting system metrics periodically
func (c *Collector) Start() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.stopCh != nil {
		return
	}
	c.stopCh = make(chan struct{})
	stopCh := c.stopCh

	go func() {
		ticker := time.NewTicker(15 * time.Second)
		defer ticker.Stop()

		c.collectSystemMetrics()
		for {
			select {
			case <-ticker.C:
				c.collectSystemMetrics()
			case <-stopCh:
				return
			}
		}
	}()
}

// Stop stops the periodic system metrics collection
func (c *Collector) Stop() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.stopCh != nil {
		close(c.stopCh)
		c.stopCh = nil
	}
}

// collectSystemMetrics gathers runtime metrics
func (c *Collector) collectSystemMetrics() {
	var m runtime.MemStats
	runtime.ReadMemStats(&m)

	c.SystemGoroutines.Set(float64(runtime.NumGoroutine()))
	c.SystemMemAlloc.Set(float64(m.Alloc))
	c.SystemMemSys.Set(float64(m.Sys))

	if m.NumGC > 0 {
		lastPause := m.PauseNs[(m.NumGC+255)%256]
		c.SystemGCPauses.Observe(float64(lastPause) / 1e9)
	}
}

// Registry returns the Prometheus registry
func (c *Collector) Registry() *prometheus.Registry {
	return c.registry
}
