package output

import (
	"context"
	"errors"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/therealutkarshpriyadarshi/sqllog/pkg/types"
)

func testEvent(i int) *types.RecordEvent {
	return &types.RecordEvent{
		Source:  "/var/log/dmsql.log",
		Offset:  int64(i),
		Session: "0x7f1b2c",
		SQL:     "SELECT 1",
	}
}

func TestBatcherBasic(t *testing.T) {
	var mu sync.Mutex
	var flushed []*types.RecordEvent

	flushFn := func(ctx context.Context, events []*types.RecordEvent) error {
		mu.Lock()
		defer mu.Unlock()
		flushed = append(flushed, events...)
		return nil
	}

	batcher := NewBatcher(BatcherConfig{
		MaxBatchSize:  5,
		MaxBatchBytes: 1 << 20,
		FlushInterval: 50 * time.Millisecond,
	}, flushFn)

	for i := 0; i < 12; i++ {
		if err := batcher.Add(context.Background(), testEvent(i)); err != nil {
			t.Fatalf("failed to add event: %v", err)
		}
	}
	if err := batcher.Stop(context.Background()); err != nil {
		t.Fatalf("Stop failed: %v", err)
	}

	mu.Lock()
	defer mu.Unlock()
	if len(flushed) != 12 {
		t.Fatalf("expected 12 events flushed, got %d", len(flushed))
	}
	for i, e := range flushed {
		if e.Offset != int64(i) {
			t.Fatalf("event %d delivered out of order (offset %d)", i, e.Offset)
		}
	}
}

func TestBatcherFlushOnSize(t *testing.T) {
	var batches atomic.Int64
	flushFn := func(ctx context.Context, events []*types.RecordEvent) error {
		batches.Add(1)
		if len(events) != 5 {
			t.Errorf("expected batch size 5, got %d", len(events))
		}
		return nil
	}

	batcher := NewBatcher(BatcherConfig{
		MaxBatchSize:  5,
		MaxBatchBytes: 1 << 20,
		FlushInterval: 10 * time.Second,
	}, flushFn)
	defer batcher.Stop(context.Background())

	for i := 0; i < 5; i++ {
		if err := batcher.Add(context.Background(), testEvent(i)); err != nil {
			t.Fatalf("failed to add event: %v", err)
		}
	}

	if got := batches.Load(); got != 1 {
		t.Errorf("expected 1 batch flushed inline, got %d", got)
	}
}

func TestBatcherFlushOnBytes(t *testing.T) {
	var batches atomic.Int64
	batcher := NewBatcher(BatcherConfig{
		MaxBatchSize:  1000,
		MaxBatchBytes: 4096,
		FlushInterval: 10 * time.Second,
	}, func(ctx context.Context, events []*types.RecordEvent) error {
		batches.Add(1)
		return nil
	})
	defer batcher.Stop(context.Background())

	big := testEvent(0)
	big.SQL = strings.Repeat("x", 5000)
	batcher.Add(context.Background(), big)

	if batches.Load() != 1 {
		t.Errorf("an oversized event should flush immediately")
	}
}

func TestBatcherFlushOnInterval(t *testing.T) {
	var flushedCount atomic.Int64
	batcher := NewBatcher(BatcherConfig{
		MaxBatchSize:  100,
		MaxBatchBytes: 1 << 20,
		FlushInterval: 50 * time.Millisecond,
	}, func(ctx context.Context, events []*types.RecordEvent) error {
		flushedCount.Add(int64(len(events)))
		return nil
	})
	defer batcher.Stop(context.Background())

	for i := 0; i < 3; i++ {
		batcher.Add(context.Background(), testEvent(i))
	}

	deadline := time.Now().Add(2 * time.Second)
	for flushedCount.Load() != 3 && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	if got := flushedCount.Load(); got != 3 {
		t.Errorf("expected 3 events flushed, got %d", got)
	}
}

func TestBatcherManualFlush(t *testing.T) {
	boom := errors.New("sink down")
	var flushedCount int
	batcher := NewBatcher(BatcherConfig{
		MaxBatchSize:  100,
		FlushInterval: 10 * time.Second,
	}, func(ctx context.Context, events []*types.RecordEvent) error {
		flushedCount += len(events)
		return boom
	})
	defer batcher.Stop(context.Background())

	for i := 0; i < 5; i++ {
		batcher.Add(context.Background(), testEvent(i))
	}
	if size := batcher.Size(); size != 5 {
		t.Errorf("expected size 5, got %d", size)
	}

	if err := batcher.Flush(context.Background()); !errors.Is(err, boom) {
		t.Fatalf("expected flush error to propagate, got %v", err)
	}
	if flushedCount != 5 || batcher.Size() != 0 {
		t.Errorf("expected 5 events flushed and none pending, got %d / %d", flushedCount, batcher.Size())
	}
	if err := batcher.Flush(context.Background()); err != nil {
		t.Errorf("flushing an empty batch should be a no-op, got %v", err)
	}
}
