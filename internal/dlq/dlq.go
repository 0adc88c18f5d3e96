package dlq

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/therealutkarshpriyadarshi/sqllog/pkg/types"
)

var (
	ErrDLQClosed = errors.New("DLQ is closed")
	ErrDLQFull   = errors.New("DLQ is full")
)

const fileName = "dlq.jsonl"

// DLQConfig holds configuration for the Dead Letter Queue
type DLQConfig struct {
	Dir           string
	MaxSize       int64 // Maximum number of events
	MaxAge        time.Duration
	FlushInterval time.Duration
}

// DeadLetterQueue keeps record events a sink rejected after every retry,
// so they can be redelivered on the next run.
type DeadLetterQueue struct {
	config DLQConfig

	mu      sync.RWMutex
	entries []*DLQEntry
	dirty   bool
	closed  bool
	closeCh chan struct{}
	doneCh  chan struct{}

	enqueued atomic.Uint64
	dequeued atomic.Uint64
	dropped  atomic.Uint64
}

// DLQEntry represents an entry in the dead letter queue
type DLQEntry struct {
	Sink      string             `json:"sink"`
	Event     *types.RecordEvent `json:"event"`
	Error     string             `json:"error"`
	Timestamp time.Time          `json:"timestamp"`
	Retries   int                `json:"retries"`
}

// NewDeadLetterQueue creates a dead letter queue and loads the entries a
// previous run left in Dir.
func NewDeadLetterQueue(config DLQConfig) (*DeadLetterQueue, error) {
	if config.Dir == "" {
		return nil, fmt.Errorf("DLQ directory is required")
	}
	if config.MaxSize == 0 {
		config.MaxSize = 10000
	}
	if config.MaxAge == 0 {
		config.MaxAge = 24 * time.Hour
	}
	if config.FlushInterval == 0 {
		config.FlushInterval = 5 * time.Second
	}

	if err := os.MkdirAll(config.Dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create DLQ directory: %w", err)
	}

	dlq := &DeadLetterQueue{
		config:  config,
		closeCh: make(chan struct{}),
		doneCh:  make(chan struct{}),
	}
	if err := dlq.load(); err != nil {
		return nil, fmt.Errorf("failed to load DLQ: %w", err)
	}

	go dlq.flushLoop()
	return dlq, nil
}

// Path returns the file entries are persisted to.
func (dlq *DeadLetterQueue) Path() string {
	return filepath.Join(dlq.config.Dir, fileName)
}

// Enqueue adds events a sink failed to deliver.
func (dlq *DeadLetterQueue) Enqueue(sink string, events []*types.RecordEvent, cause error) error {
	dlq.mu.Lock()
	defer dlq.mu.Unlock()

	if dlq.closed {
		return ErrDLQClosed
	}

	now := time.Now()
	for i, event := range events {
		if int64(len(dlq.entries)) >= dlq.config.MaxSize {
			dlq.dropped.Add(uint64(len(events) - i))
			return ErrDLQFull
		}
		dlq.entries = append(dlq.entries, &DLQEntry{
			Sink:      sink,
			Event:     event,
			Error:     cause.Error(),
			Timestamp: now,
		})
		dlq.enqueued.Add(1)
		dlq.dirty = true
	}
	return nil
}

// Requeue puts back an entry whose redelivery failed again.
func (dlq *DeadLetterQueue) Requeue(entry *DLQEntry, cause error) error {
	dlq.mu.Lock()
	defer dlq.mu.Unlock()

	if dlq.closed {
		return ErrDLQClosed
	}
	if int64(len(dlq.entries)) >= dlq.config.MaxSize {
		dlq.dropped.Add(1)
		return ErrDLQFull
	}

	entry.Retries++
	entry.Error = cause.Error()
	entry.Timestamp = time.Now()
	dlq.entries = append(dlq.entries, entry)
	dlq.dirty = true
	return nil
}

// Drain removes and returns every entry, oldest first.
func (dlq *DeadLetterQueue) Drain() ([]*DLQEntry, error) {
	dlq.mu.Lock()
	defer dlq.mu.Unlock()

	if dlq.closed {
		return nil, ErrDLQClosed
	}

	entries := dlq.entries
	dlq.entries = nil
	dlq.dequeued.Add(uint64(len(entries)))
	if len(entries) > 0 {
		dlq.dirty = true
	}
	return entries, nil
}

// GetAll returns a copy of all entries in the DLQ
func (dlq *DeadLetterQueue) GetAll() []*DLQEntry {
	dlq.mu.RLock()
	defer dlq.mu.RUnlock()

	entries := make([]*DLQEntry, len(dlq.entries))
	copy(entries, dlq.entries)
	return entries
}

// Size returns the number of entries in the DLQ
func (dlq *DeadLetterQueue) Size() int {
	dlq.mu.RLock()
	defer dlq.mu.RUnlock()
	return len(dlq.entries)
}

// Flush persists all entries to disk
func (dlq *DeadLetterQueue) Flush() error {
	dlq.mu.Lock()
	defer dlq.mu.Unlock()
	return dlq.flush()
}

// Close stops the background flush and persists remaining entries
func (dlq *DeadLetterQueue) Close() error {
	dlq.mu.Lock()
	if dlq.closed {
		dlq.mu.Unlock()
		return ErrDLQClosed
	}
	dlq.closed = true
	close(dlq.closeCh)
	dlq.mu.Unlock()

	<-dlq.doneCh

	dlq.mu.Lock()
	defer dlq.mu.Unlock()
	return dlq.flush()
}

// Metrics returns DLQ statistics
func (dlq *DeadLetterQueue) Metrics() DLQMetrics {
	dlq.mu.RLock()
	defer dlq.mu.RUnlock()

	return DLQMetrics{
		Enqueued:    dlq.enqueued.Load(),
		Dequeued:    dlq.dequeued.Load(),
		Dropped:     dlq.dropped.Load(),
		CurrentSize: len(dlq.entries),
		MaxSize:     dlq.config.MaxSize,
	}
}

// flush persists entries to disk (must be called with lock held)
func (dlq *DeadLetterQueue) flush() error {
	if !dlq.dirty {
		return nil
	}

	filename := dlq.Path()
	tempFile := filename + ".tmp"
	file, err := os.Create(tempFile)
	if err != nil {
		return fmt.Errorf("failed to create temp file: %w", err)
	}

	encoder := json.NewEncoder(file)
	for _, entry := range dlq.entries {
		if err := encoder.Encode(entry); err != nil {
			file.Close()
			os.Remove(tempFile)
			return fmt.Errorf("failed to encode entry: %w", err)
		}
	}

	if err := file.Sync(); err != nil {
		file.Close()
		os.Remove(tempFile)
		return fmt.Errorf("failed to sync file: %w", err)
	}
	file.Close()

	if err := os.Rename(tempFile, filename); err != nil {
		os.Remove(tempFile)
		return fmt.Errorf("failed to rename temp file: %w", err)
	}

	dlq.dirty = false
	return nil
}

// load reads entries from disk, skipping ones older than MaxAge.
func (dlq *DeadLetterQueue) load() error {
	file, err := os.Open(dlq.Path())
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("failed to open DLQ file: %w", err)
	}
	defer file.Close()

	cutoff := time.Now().Add(-dlq.config.MaxAge)
	decoder := json.NewDecoder(file)
	for {
		var entry DLQEntry
		if err := decoder.Decode(&entry); err != nil {
			if errors.Is(err, io.EOF) {
				break
			}
			return fmt.Errorf("failed to decode entry: %w", err)
		}
		if entry.Timestamp.Before(cutoff) {
			dlq.dropped.Add(1)
			dlq.dirty = true
			continue
		}
		dlq.entries = append(dlq.entries, &entry)
	}
	return nil
}

// flushLoop periodically expires old entries and flushes the rest
func (dlq *DeadLetterQueue) flushLoop() {
	defer close(dlq.doneCh)

	ticker := time.NewTicker(dlq.config.FlushInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			dlq.mu.Lock()
			dlq.cleanup()
			_ = dlq.flush()
			dlq.mu.Unlock()
		case <-dlq.closeCh:
			return
		}
	}
}

// cleanup removes entries older than MaxAge (must be called with lock held)
func (dlq *DeadLetterQueue) cleanup() {
	cutoff := time.Now().Add(-dlq.config.MaxAge)
	remaining := dlq.entries[:0]
	for _, entry := range dlq.entries {
		if entry.Timestamp.After(cutoff) {
			remaining = append(remaining, entry)
		} else {
			dlq.dropped.Add(1)
			dlq.dirty = true
		}
	}
	dlq.entries = remaining
}

// DLQMetrics holds DLQ statistics
type DLQMetrics struct {
	Enqueued    uint64
	Dequeued    uint64
	Dropped     uint64
	CurrentSize int
	MaxSize     int64
}

// Utilization returns the DLQ utilization percentage (0-100)
func (m DLQMetrics) Utilization() float64 {
	if m.MaxSize == 0 {
		return 0
	}
	return (float64(m.CurrentSize) / float64(m.MaxSize)) * 100.0
}
