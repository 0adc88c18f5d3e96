package sqllog

import (
	"context"
	"errors"
	"iter"
	"os"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/therealutkarshpriyadarshi/sqllog/internal/charset"
	"github.com/therealutkarshpriyadarshi/sqllog/internal/splitter"
	"github.com/therealutkarshpriyadarshi/sqllog/internal/worker"
)

// Batch is the result of parsing a complete source.
type Batch struct {
	// Records are the successfully decoded records in source order.
	Records []*Record
	// Errors are the record-scoped failures in source order.
	Errors []*ParseError
	// Leading are the lines preceding the first record, in source order.
	Leading []Line
	// Encoding is the encoding the source was decoded with.
	Encoding charset.Encoding
	// Bytes is the size of the source.
	Bytes int64
}

// Line is a physical line that belongs to no record.
type Line struct {
	// Offset is the byte offset of the line within its source.
	Offset int64
	// Text is the line converted to UTF-8, terminator stripped.
	Text string
}

func (l Line) err() *ParseError {
	return &ParseError{Kind: KindLeading, Raw: l.Text, Offset: l.Offset}
}

// All yields records and errors merged back into source order. Leading
// lines are yielded first as errors of KindLeading.
func (b *Batch) All() iter.Seq2[*Record, error] {
	return func(yield func(*Record, error) bool) {
		for _, line := range b.Leading {
			if !yield(nil, line.err()) {
				return
			}
		}
		ri, ei := 0, 0
		for ri < len(b.Records) || ei < len(b.Errors) {
			if ei >= len(b.Errors) || (ri < len(b.Records) && b.Records[ri].Offset < b.Errors[ei].Offset) {
				if !yield(b.Records[ri], nil) {
					return
				}
				ri++
				continue
			}
			if !yield(nil, b.Errors[ei]) {
				return
			}
			ei++
		}
	}
}

// chunkResult is the private output slot of one batch task.
type chunkResult struct {
	records []*Record
	errors  []*ParseError
}

// ParseBytes splits buf into records and decodes them concurrently. Records
// borrow from buf, so buf must not be modified while they are in use.
// Record-scoped failures are collected in Batch.Errors; only context
// cancellation or invalid options return an error.
func ParseBytes(ctx context.Context, buf []byte, opts ...Option) (*Batch, error) {
	cfg, err := applyOptions(opts)
	if err != nil {
		return nil, err
	}
	enc, _ := cfg.resolveEncoding("", func() ([]byte, error) { return buf, nil })
	return parseBytes(ctx, cfg, buf, enc)
}

// ParseString is ParseBytes for UTF-8 text already held in a string.
func ParseString(ctx context.Context, s string, opts ...Option) (*Batch, error) {
	return ParseBytes(ctx, bytesOf(s), opts...)
}

// ParseFile reads the file at path and parses it with ParseBytes. A
// missing file yields a *ParseError of KindNotFound, other read failures
// KindIO.
func ParseFile(ctx context.Context, path string, opts ...Option) (*Batch, error) {
	cfg, err := applyOptions(opts)
	if err != nil {
		return nil, err
	}
	buf, err := os.ReadFile(path)
	if err != nil {
		return nil, sourceError(path, err)
	}
	enc, _ := cfg.resolveEncoding(path, func() ([]byte, error) { return buf, nil })
	batch, err := parseBytes(ctx, cfg, buf, enc)
	if err != nil {
		return nil, err
	}
	cfg.logger.Debug().
		Str("path", path).
		Int("records", len(batch.Records)).
		Int("errors", len(batch.Errors)).
		Int("leading", len(batch.Leading)).
		Msg("Parsed file")
	return batch, nil
}

func parseBytes(ctx context.Context, cfg *config, buf []byte, enc charset.Encoding) (*Batch, error) {
	ctx, span := cfg.tracer.Start(ctx, "sqllog.ParseBytes")
	defer span.End()

	src := view(buf)
	res := splitter.Split(buf)

	batch := &Batch{Encoding: enc, Bytes: int64(len(buf))}
	for _, l := range res.Leading {
		batch.Leading = append(batch.Leading, Line{
			Offset: int64(l.Start),
			Text:   decodeLine(src[l.Start:l.End], enc),
		})
	}

	results, err := decodeChunks(ctx, cfg, src, res.Spans, enc)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}

	nrec, nerr := 0, 0
	for i := range results {
		nrec += len(results[i].records)
		nerr += len(results[i].errors)
	}
	batch.Records = make([]*Record, 0, nrec)
	batch.Errors = make([]*ParseError, 0, nerr)
	for i := range results {
		batch.Records = append(batch.Records, results[i].records...)
		batch.Errors = append(batch.Errors, results[i].errors...)
	}

	span.SetAttributes(
		attribute.Int64("sqllog.bytes", batch.Bytes),
		attribute.String("sqllog.encoding", enc.String()),
		attribute.Int("sqllog.records", nrec),
		attribute.Int("sqllog.errors", nerr),
		attribute.Int("sqllog.leading", len(batch.Leading)),
	)
	return batch, nil
}

// decodeChunks decodes spans in chunks of cfg.chunkSize. Each task writes
// only its own slot of the returned slice and reads src, which is never
// modified, so no locking is needed.
func decodeChunks(ctx context.Context, cfg *config, src string, spans []splitter.Span, enc charset.Encoding) ([]chunkResult, error) {
	n := (len(spans) + cfg.chunkSize - 1) / cfg.chunkSize
	results := make([]chunkResult, n)

	task := func(ctx context.Context, i int) error {
		lo := i * cfg.chunkSize
		hi := min(lo+cfg.chunkSize, len(spans))
		out := &results[i]
		out.records = make([]*Record, 0, hi-lo)
		for j, s := range spans[lo:hi] {
			if j&1023 == 0 {
				if err := ctx.Err(); err != nil {
					return err
				}
			}
			rec, err := decodeSpan(src, s, 0, enc)
			if err != nil {
				out.errors = append(out.errors, asParseError(err, int64(s.Start)))
				continue
			}
			out.records = append(out.records, rec)
		}
		return nil
	}

	if n <= 1 || cfg.workers == 1 {
		for i := 0; i < n; i++ {
			if err := task(ctx, i); err != nil {
				return nil, err
			}
		}
		return results, nil
	}

	pool := worker.NewPool(worker.PoolConfig{NumWorkers: min(cfg.workers, n)})
	pool.Start()
	defer pool.Stop()
	if err := pool.Run(ctx, n, task); err != nil {
		return nil, err
	}
	return results, nil
}

func asParseError(err error, off int64) *ParseError {
	var pe *ParseError
	if errors.As(err, &pe) {
		return pe
	}
	return &ParseError{Kind: KindMalformedStart, Offset: off, Err: err}
}

// decodeLine renders a leading line as UTF-8 without its terminator.
func decodeLine(line string, enc charset.Encoding) string {
	line = trimLine(line)
	if enc == charset.UTF8 {
		return line
	}
	s, err := charset.Decode(enc, bytesOf(line))
	if err != nil {
		return line
	}
	return s
}

// ForEach decodes the records of buf one at a time, in order, calling fn
// for each record or record-scoped error. Leading lines are passed first
// as errors of KindLeading. Returning false from fn stops the traversal.
// Unlike ParseBytes nothing is collected, so memory use does not grow
// with the number of records.
func ForEach(buf []byte, fn func(*Record, error) bool, opts ...Option) error {
	cfg, err := applyOptions(opts)
	if err != nil {
		return err
	}
	enc, _ := cfg.resolveEncoding("", func() ([]byte, error) { return buf, nil })
	src := view(buf)

	leading := func(end int) bool {
		for _, l := range splitter.AppendLines(nil, buf, splitter.Span{Start: 0, End: end}) {
			line := Line{Offset: int64(l.Start), Text: decodeLine(src[l.Start:l.End], enc)}
			if !fn(nil, line.err()) {
				return false
			}
		}
		return true
	}

	seen, stopped := false, false
	first := splitter.ForEach(buf, func(s splitter.Span) bool {
		if !seen {
			seen = true
			if !leading(s.Start) {
				stopped = true
				return false
			}
		}
		rec, err := decodeSpan(src, s, 0, enc)
		if err != nil {
			stopped = !fn(nil, asParseError(err, int64(s.Start)))
		} else {
			stopped = !fn(rec, nil)
		}
		return !stopped
	})
	if !seen && !stopped {
		leading(first)
	}
	return nil
}
