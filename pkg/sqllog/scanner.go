package sqllog

import (
	"errors"
	"io"
	"iter"

	"github.com/therealutkarshpriyadarshi/sqllog/internal/charset"
)

// Scanner reads records one at a time from an io.Reader, holding only the
// record being assembled in memory. Successive calls to Scan step through
// the records and record-scoped errors of the input in source order:
//
//	sc := sqllog.NewScanner(f)
//	for sc.Scan() {
//		rec, err := sc.Record()
//		...
//	}
//	if err := sc.Err(); err != nil { ... }
type Scanner struct {
	r   io.Reader
	cfg *config
	asm assembler

	buf   []byte
	queue []result
	cur   result
	eof   bool
	err   error
	ready bool
}

type result struct {
	rec *Record
	err error
}

// NewScanner returns a Scanner reading from r. Encoding is detected from
// the first charset.SampleSize bytes unless WithEncoding is given; invalid options surface
// from Err.
func NewScanner(r io.Reader, opts ...Option) *Scanner {
	cfg, err := applyOptions(opts)
	if err != nil {
		return &Scanner{err: err, eof: true}
	}
	return &Scanner{r: r, cfg: cfg, buf: make([]byte, 64*1024)}
}

// Scan advances to the next record or record-scoped error. It returns
// false at the end of the input or on a read failure.
func (s *Scanner) Scan() bool {
	for len(s.queue) == 0 {
		if s.eof {
			return false
		}
		s.read()
	}
	s.cur = s.queue[0]
	s.queue = s.queue[1:]
	return true
}

// Record returns the current record, or the record-scoped error that took
// its place.
func (s *Scanner) Record() (*Record, error) {
	return s.cur.rec, s.cur.err
}

// Err returns the first source error encountered, if any.
func (s *Scanner) Err() error {
	return s.err
}

// Offset returns the source offset up to which records have been queued.
func (s *Scanner) Offset() int64 {
	return s.asm.base
}

// All returns the remaining records as an iterator. Iteration stops at the
// end of the input; check Err afterwards.
func (s *Scanner) All() iter.Seq2[*Record, error] {
	return func(yield func(*Record, error) bool) {
		for s.Scan() {
			if !yield(s.Record()) {
				return
			}
		}
	}
}

func (s *Scanner) read() {
	var (
		n   int
		err error
	)
	if s.ready {
		n, err = s.r.Read(s.buf)
		s.asm.pending = append(s.asm.pending, s.buf[:n]...)
	} else {
		// The encoding is decided on a full sample, however the source
		// chunks its reads.
		var head []byte
		head, err = charset.ReadSample(s.r)
		if err == nil && len(head) < charset.SampleSize {
			err = io.EOF
		}
		s.detect(head)
		s.asm.pending = append(s.asm.pending, head...)
	}
	mode := holdTail
	if err != nil {
		s.eof = true
		mode = flushTail
		if !errors.Is(err, io.EOF) {
			s.err = sourceError("", err)
		}
	}
	s.queue = s.queue[:0]
	s.asm.drain(mode, func(rec *Record, err error) {
		s.queue = append(s.queue, result{rec: rec, err: err})
	})
}

func (s *Scanner) detect(head []byte) {
	enc, _ := s.cfg.resolveEncoding("", func() ([]byte, error) { return head, nil })
	s.asm.enc = enc
	s.ready = true
}

// Collect drains sc into a Batch, for callers that want the same shape as
// ParseBytes from a streamed source.
func Collect(sc *Scanner) (*Batch, error) {
	b := &Batch{Encoding: charset.UTF8}
	for sc.Scan() {
		rec, err := sc.Record()
		switch {
		case rec != nil:
			b.Records = append(b.Records, rec)
		case KindOf(err) == KindLeading:
			pe := err.(*ParseError)
			b.Leading = append(b.Leading, Line{Offset: pe.Offset, Text: pe.Raw})
		default:
			var pe *ParseError
			if errors.As(err, &pe) {
				b.Errors = append(b.Errors, pe)
			}
		}
	}
	b.Encoding = sc.asm.enc
	b.Bytes = sc.asm.base
	return b, sc.Err()
}
