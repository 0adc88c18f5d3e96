package output

import (
	"context"
	"sync"
	"time"

	"github.com/therealutkarshpriyadarshi/sqllog/pkg/types"
)

// BatcherConfig configures the batching behavior
type BatcherConfig struct {
	MaxBatchSize  int
	MaxBatchBytes int
	FlushInterval time.Duration
}

// FlushFunc delivers one batch.
type FlushFunc func(ctx context.Context, events []*types.RecordEvent) error

// Batcher accumulates events and flushes them in batches. Batches are
// delivered one at a time, in the order their events were added.
type Batcher struct {
	config  BatcherConfig
	events  []*types.RecordEvent
	size    int
	mu      sync.Mutex
	sendMu  sync.Mutex
	flushFn FlushFunc
	stopCh  chan struct{}
	doneCh  chan struct{}
	stopped sync.Once
}

// NewBatcher creates a new batcher
func NewBatcher(config BatcherConfig, flushFn FlushFunc) *Batcher {
	if config.MaxBatchSize <= 0 {
		config.MaxBatchSize = 500
	}
	if config.MaxBatchBytes <= 0 {
		config.MaxBatchBytes = 5 << 20
	}
	if config.FlushInterval <= 0 {
		config.FlushInterval = time.Second
	}

	b := &Batcher{
		config:  config,
		events:  make([]*types.RecordEvent, 0, config.MaxBatchSize),
		flushFn: flushFn,
		stopCh:  make(chan struct{}),
		doneCh:  make(chan struct{}),
	}

	go b.flushLoop()
	return b
}

// eventSize approximates the encoded size of an event.
func eventSize(e *types.RecordEvent) int {
	return len(e.SQL) + len(e.Body) + len(e.Raw) + 256
}

// Add adds an event to the batch, flushing inline once the batch is full
func (b *Batcher) Add(ctx context.Context, event *types.RecordEvent) error {
	b.mu.Lock()
	b.events = append(b.events, event)
	b.size += eventSize(event)
	full := len(b.events) >= b.config.MaxBatchSize || b.size >= b.config.MaxBatchBytes
	b.mu.Unlock()

	if full {
		return b.Flush(ctx)
	}
	return nil
}

// Flush forces a flush of the current batch
func (b *Batcher) Flush(ctx context.Context) error {
	b.sendMu.Lock()
	defer b.sendMu.Unlock()

	b.mu.Lock()
	if len(b.events) == 0 {
		b.mu.Unlock()
		return nil
	}
	toFlush := b.events
	b.events = make([]*types.RecordEvent, 0, b.config.MaxBatchSize)
	b.size = 0
	b.mu.Unlock()

	return b.flushFn(ctx, toFlush)
}

// flushLoop periodically flushes the batch
func (b *Batcher) flushLoop() {
	ticker := time.NewTicker(b.config.FlushInterval)
	defer ticker.Stop()
	defer close(b.doneCh)

	for {
		select {
		case <-ticker.C:
			b.Flush(context.Background())
		case <-b.stopCh:
			return
		}
	}
}

// Stop stops the periodic flush and delivers the remaining events
func (b *Batcher) Stop(ctx context.Context) error {
	b.stopped.Do(func() { close(b.stopCh) })
	<-b.doneCh
	return b.Flush(ctx)
}

// Size returns the current number of events in the batch
func (b *Batcher) Size() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.events)
}
