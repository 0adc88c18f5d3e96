package sqllog

import (
	"github.com/therealutkarshpriyadarshi/sqllog/internal/charset"
	"github.com/therealutkarshpriyadarshi/sqllog/internal/splitter"
)

// assembler holds the bytes read from a source that have not yet been
// turned into records, and decides which of them are complete. It is the
// shared core of Reader and Scanner.
type assembler struct {
	pending []byte
	// base is the source offset of pending[0].
	base int64

	enc charset.Encoding

	spans   []splitter.Span
	leading []splitter.Span
}

// drainMode says how to treat the record at the end of pending.
type drainMode int

const (
	// holdTail keeps the trailing record until a later start line shows
	// it is complete.
	holdTail drainMode = iota
	// terminatedTail also completes the trailing record if it ends with a
	// line feed.
	terminatedTail
	// flushTail completes everything, including an unterminated last line.
	flushTail
)

// drain emits every complete leading line and record in pending, in
// order, and drops them from pending. It returns the number of records
// emitted. Records own a private copy of the consumed bytes, so pending
// can be reused afterwards.
func (a *assembler) drain(mode drainMode, emit func(*Record, error)) int {
	buf := a.pending
	if len(buf) == 0 {
		return 0
	}
	a.spans, a.leading = splitter.SplitInto(buf, a.spans[:0], a.leading[:0])

	consumed := 0
	nlead := len(a.leading)
	nspan := len(a.spans)
	if nspan == 0 {
		// Without a start line only terminated lines are certain: an
		// unterminated one may still grow into a start line.
		if mode != flushTail && nlead > 0 && !a.leading[nlead-1].Terminated(buf) {
			nlead--
		}
		if nlead > 0 {
			consumed = a.leading[nlead-1].End
		}
	} else {
		last := a.spans[nspan-1]
		switch {
		case mode == flushTail:
		case mode == terminatedTail && last.Terminated(buf):
		default:
			nspan--
		}
		if nspan > 0 {
			consumed = a.spans[nspan-1].End
		} else {
			consumed = last.Start
		}
	}
	if consumed == 0 {
		return 0
	}

	owned := make([]byte, consumed)
	copy(owned, buf[:consumed])
	src := view(owned)

	for _, l := range a.leading[:nlead] {
		line := Line{Offset: a.base + int64(l.Start), Text: decodeLine(src[l.Start:l.End], a.enc)}
		emit(nil, line.err())
	}
	emitted := 0
	for _, s := range a.spans[:nspan] {
		rec, err := decodeSpan(src, s, a.base, a.enc)
		if err != nil {
			emit(nil, asParseError(err, a.base+int64(s.Start)))
			continue
		}
		emit(rec, nil)
		emitted++
	}

	n := copy(a.pending, buf[consumed:])
	a.pending = a.pending[:n]
	a.base += int64(consumed)
	return emitted
}

// reset discards pending bytes and repositions the assembler at off.
func (a *assembler) reset(off int64) {
	a.pending = a.pending[:0]
	a.base = off
}
