package sqllog

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"github.com/therealutkarshpriyadarshi/sqllog/internal/charset"
)

// State is the lifecycle state of a Reader.
type State int

const (
	StateIdle State = iota
	StateReading
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateReading:
		return "reading"
	case StateClosed:
		return "closed"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

// Cursor is the durable position of a Reader.
type Cursor struct {
	// Offset is the number of source bytes fully consumed into records or
	// leading lines.
	Offset int64 `json:"offset"`
	// Pending is the number of bytes read past Offset and buffered as an
	// incomplete trailing record.
	Pending int `json:"pending"`
}

// Handler receives each record, or a record-scoped error, found by a poll.
type Handler func(*Record, error)

// Reader incrementally parses a growing source. Each Poll reads the bytes
// appended since the previous one and hands every record that is known to
// be complete to a Handler. A record is complete once a later start line
// appears; by default a record that ends with a line feed at the end of
// the source is complete too (see WithStrictTail).
//
// A Reader is not safe for concurrent use. Run one Reader per source.
type Reader struct {
	src   io.ReadSeeker
	path  string
	owned io.Closer

	cfg   *config
	asm   assembler
	state State
	ready bool

	readBuf []byte
}

// NewReader returns a Reader over src starting at offset 0. path names the
// source in errors and in the encoding cache and may be empty.
func NewReader(src io.ReadSeeker, path string, opts ...Option) (*Reader, error) {
	cfg, err := applyOptions(opts)
	if err != nil {
		return nil, err
	}
	return &Reader{src: src, path: path, cfg: cfg}, nil
}

// OpenReader opens the file at path for incremental parsing.
func OpenReader(path string, opts ...Option) (*Reader, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, sourceError(path, err)
	}
	r, err := NewReader(f, path, opts...)
	if err != nil {
		f.Close()
		return nil, err
	}
	r.owned = f
	return r, nil
}

// Position returns the offset of the first byte not yet consumed.
func (r *Reader) Position() int64 { return r.asm.base }

// Cursor returns the current cursor.
func (r *Reader) Cursor() Cursor {
	return Cursor{Offset: r.asm.base, Pending: len(r.asm.pending)}
}

// State returns the lifecycle state.
func (r *Reader) State() State { return r.state }

// Path returns the path given to NewReader or OpenReader.
func (r *Reader) Path() string { return r.path }

// SeekTo discards any buffered partial record and resumes at off, e.g. a
// checkpointed Position.
func (r *Reader) SeekTo(off int64) error {
	if r.state == StateClosed {
		return ErrReaderClosed
	}
	if off < 0 {
		return fmt.Errorf("invalid offset %d", off)
	}
	r.asm.reset(off)
	return nil
}

// Reset is SeekTo(0).
func (r *Reader) Reset() error { return r.SeekTo(0) }

// Poll reads the bytes appended since the last poll and calls fn for
// every complete record and record-scoped error, in source order. It
// returns the number of records delivered; zero means there was nothing
// new or the new bytes did not yet complete a record. Source errors are
// returned and leave the cursor unchanged.
func (r *Reader) Poll(fn Handler) (int, error) {
	return r.PollContext(context.Background(), fn)
}

// PollContext is Poll with the poll span parented to ctx.
func (r *Reader) PollContext(ctx context.Context, fn Handler) (int, error) {
	n, _, err := r.poll(ctx, fn, false)
	return n, err
}

// Flush hands the buffered trailing record to fn as complete. Use it when
// the writer is known to be done with the source.
func (r *Reader) Flush(fn Handler) (int, error) {
	if r.state == StateClosed {
		return 0, ErrReaderClosed
	}
	if !r.ready {
		// Nothing has been read while the encoding was undecided.
		n, _, err := r.poll(context.Background(), fn, true)
		if err != nil {
			return n, err
		}
		return n + r.asm.drain(flushTail, fn), nil
	}
	return r.asm.drain(flushTail, fn), nil
}

// ParseAll rewinds to the start of the source and delivers every record
// in it, including an unterminated last one.
func (r *Reader) ParseAll(fn Handler) (int, error) {
	if err := r.Reset(); err != nil {
		return 0, err
	}
	total := 0
	for {
		n, eof, err := r.poll(context.Background(), fn, true)
		total += n
		if err != nil {
			return total, err
		}
		if eof {
			break
		}
	}
	n, err := r.Flush(fn)
	return total + n, err
}

// Watch polls whenever notify fires or interval elapses, until ctx is
// done. A nil notify channel relies on the interval alone; a zero
// interval relies on notify alone. Bound the watch by giving ctx a
// deadline. The context error is not reported; source errors end the
// watch and are returned.
func (r *Reader) Watch(ctx context.Context, notify <-chan struct{}, interval time.Duration, fn Handler) error {
	var tick <-chan time.Time
	if interval > 0 {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		tick = ticker.C
	}

	if _, _, err := r.poll(ctx, fn, false); err != nil {
		return err
	}
	for {
		select {
		case <-ctx.Done():
			return nil
		case _, ok := <-notify:
			if !ok {
				notify = nil
				continue
			}
		case <-tick:
		}
		if _, _, err := r.poll(ctx, fn, false); err != nil {
			return err
		}
	}
}

// Close moves the Reader to its terminal state and closes the file opened
// by OpenReader. Buffered partial bytes are dropped; call Flush first to
// keep them.
func (r *Reader) Close() error {
	if r.state == StateClosed {
		return nil
	}
	r.state = StateClosed
	r.asm.reset(r.asm.base)
	if r.owned != nil {
		return r.owned.Close()
	}
	return nil
}

// poll reads and drains once. final means the source will not grow, so
// the encoding may be decided from an incomplete line.
func (r *Reader) poll(ctx context.Context, fn Handler, final bool) (n int, eof bool, err error) {
	if r.state == StateClosed {
		return 0, false, ErrReaderClosed
	}
	if err := r.prepare(final); err != nil {
		return 0, false, err
	}
	if !r.ready {
		return 0, true, nil
	}

	_, span := r.cfg.tracer.Start(ctx, "sqllog.Reader.Poll")
	defer span.End()

	r.state = StateReading
	defer func() {
		if r.state == StateReading {
			r.state = StateIdle
		}
	}()

	read, eof, err := r.fill()
	if err != nil {
		span.RecordError(err)
		return 0, false, err
	}
	// A tail held by an earlier poll that stopped at the byte budget is
	// complete once the source is known to end there.
	if read == 0 && (!eof || r.cfg.strictTail || len(r.asm.pending) == 0) {
		return 0, eof, nil
	}

	mode := holdTail
	if eof && !r.cfg.strictTail {
		mode = terminatedTail
	}
	n = r.asm.drain(mode, fn)

	span.SetAttributes(
		attribute.Int("sqllog.bytes_read", read),
		attribute.Int("sqllog.records", n),
		attribute.Int64("sqllog.offset", r.asm.base),
	)
	r.cfg.logger.Debug().
		Str("path", r.path).
		Int("bytes", read).
		Int("records", n).
		Int64("offset", r.asm.base).
		Int("pending", len(r.asm.pending)).
		Msg("Polled source")
	return n, eof, nil
}

// prepare resolves the source encoding once the source has a complete
// line to sample. Until then the Reader stays unready and reads nothing.
func (r *Reader) prepare(final bool) error {
	if r.ready {
		return nil
	}
	if r.cfg.encodingSet {
		r.asm.enc = r.cfg.encoding
		r.ready = true
		return nil
	}
	head, err := r.sample()
	if err != nil {
		return sourceError(r.path, err)
	}
	head = charset.Settled(head, final)
	if len(head) == 0 {
		return nil
	}
	enc, _ := r.cfg.resolveEncoding(r.path, func() ([]byte, error) { return head, nil })
	r.asm.enc = enc
	r.ready = true
	return nil
}

// sample reads the head of the source for encoding detection.
func (r *Reader) sample() ([]byte, error) {
	if ra, ok := r.src.(io.ReaderAt); ok {
		return charset.ReadSample(io.NewSectionReader(ra, 0, charset.SampleSize))
	}
	if _, err := r.src.Seek(0, io.SeekStart); err != nil {
		return nil, err
	}
	return charset.ReadSample(r.src)
}

// fill appends newly available bytes to the pending buffer. eof reports
// whether the read reached the current end of the source.
func (r *Reader) fill() (read int, eof bool, err error) {
	at := r.asm.base + int64(len(r.asm.pending))
	if _, err := r.src.Seek(at, io.SeekStart); err != nil {
		return 0, false, sourceError(r.path, err)
	}

	if r.readBuf == nil {
		r.readBuf = make([]byte, 64*1024)
	}
	for read < r.cfg.maxPollBytes {
		want := min(len(r.readBuf), r.cfg.maxPollBytes-read)
		n, err := r.src.Read(r.readBuf[:want])
		if n > 0 {
			r.asm.pending = append(r.asm.pending, r.readBuf[:n]...)
			read += n
		}
		if errors.Is(err, io.EOF) {
			return read, true, nil
		}
		if err != nil {
			return read, false, sourceError(r.path, err)
		}
		if n == 0 {
			return read, true, nil
		}
	}
	// The budget ran out; the source may still end exactly here.
	end, err := r.src.Seek(0, io.SeekEnd)
	if err != nil {
		return read, false, sourceError(r.path, err)
	}
	return read, end == at+int64(read), nil
}
