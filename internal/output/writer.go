package output

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"sync"

	"github.com/therealutkarshpriyadarshi/sqllog/internal/compression"
	"github.com/therealutkarshpriyadarshi/sqllog/pkg/types"
)

// WriterConfig configures a JSON lines sink
type WriterConfig struct {
	Name        string
	Pretty      bool
	Compression compression.Type
}

// WriterSink writes one JSON document per event to an io.Writer,
// optionally compressed.
type WriterSink struct {
	name   string
	mu     sync.Mutex
	w      io.WriteCloser
	enc    *json.Encoder
	closed bool
}

type flusher interface {
	Flush() error
}

// NewWriterSink creates a sink writing to w. Close flushes the compressor
// but leaves w open.
func NewWriterSink(w io.Writer, cfg WriterConfig) (*WriterSink, error) {
	cw, err := compression.NewWriter(w, cfg.Compression)
	if err != nil {
		return nil, err
	}

	enc := json.NewEncoder(cw)
	enc.SetEscapeHTML(false)
	if cfg.Pretty {
		enc.SetIndent("", "  ")
	}

	name := cfg.Name
	if name == "" {
		name = "stdout"
	}
	return &WriterSink{name: name, w: cw, enc: enc}, nil
}

// Send encodes every event, then flushes the compressor so each batch
// reaches the underlying writer.
func (s *WriterSink) Send(ctx context.Context, events []*types.RecordEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return ErrClosed
	}
	for _, ev := range events {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := s.enc.Encode(ev); err != nil {
			return fmt.Errorf("failed to write event: %w", err)
		}
	}
	if f, ok := s.w.(flusher); ok {
		if err := f.Flush(); err != nil {
			return fmt.Errorf("failed to flush: %w", err)
		}
	}
	return nil
}

// Close closes the sink
func (s *WriterSink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil
	}
	s.closed = true
	return s.w.Close()
}

// Name returns the sink name
func (s *WriterSink) Name() string { return s.name }
