// Package splitter groups the lines of a sqllog buffer into record spans.
//
// A record is a start line, as recognised by matcher.IsRecordStart, plus
// every following line up to the next start line. Lines that appear before
// the first start line belong to no record and are reported separately as
// leading lines. Spans index into the caller's buffer; nothing is copied.
package splitter

import (
	"bytes"

	"github.com/therealutkarshpriyadarshi/sqllog/internal/matcher"
)

// Span is the half-open byte range [Start, End) of one record or line
// within the buffer it was split from. Line terminators are included.
type Span struct {
	Start int
	End   int
}

// Len returns the number of bytes covered by s.
func (s Span) Len() int { return s.End - s.Start }

// Bytes returns the bytes of s within buf.
func (s Span) Bytes(buf []byte) []byte { return buf[s.Start:s.End] }

// Terminated reports whether the span ends with a line feed.
func (s Span) Terminated(buf []byte) bool {
	return s.End > s.Start && buf[s.End-1] == '\n'
}

// Result holds the output of Split.
type Result struct {
	// Spans are the records in source order.
	Spans []Span
	// Leading are the lines preceding the first record, in source order.
	Leading []Span
}

// Split partitions buf into record spans and leading lines.
func Split(buf []byte) Result {
	spans, leading := SplitInto(buf, nil, nil)
	return Result{Spans: spans, Leading: leading}
}

// SplitInto is like Split but appends to the provided slices, so callers
// that split repeatedly can reuse their backing arrays.
func SplitInto(buf []byte, spans, leading []Span) ([]Span, []Span) {
	first := ForEach(buf, func(s Span) bool {
		spans = append(spans, s)
		return true
	})
	leading = AppendLines(leading, buf, Span{Start: 0, End: first})
	return spans, leading
}

// ForEach calls fn for every record span in buf, in order, without
// allocating. Traversal stops early if fn returns false. The returned
// offset is the start of the first record, or len(buf) when buf holds no
// start line; buf[:offset] is the leading region.
func ForEach(buf []byte, fn func(Span) bool) int {
	first := -1
	open := -1
	pos := 0
	for pos < len(buf) {
		end := lineEnd(buf, pos)
		if matcher.IsRecordStart(buf[pos:end]) {
			if open >= 0 {
				if !fn(Span{Start: open, End: pos}) {
					return first
				}
			} else {
				first = pos
			}
			open = pos
		}
		pos = end
	}
	if open >= 0 {
		fn(Span{Start: open, End: len(buf)})
		return first
	}
	return len(buf)
}

// AppendLines appends each physical line of region to dst.
func AppendLines(dst []Span, buf []byte, region Span) []Span {
	for pos := region.Start; pos < region.End; {
		end := lineEnd(buf[:region.End], pos)
		dst = append(dst, Span{Start: pos, End: end})
		pos = end
	}
	return dst
}

// Lines calls fn with every physical line of s, terminator stripped.
// Traversal stops early if fn returns false.
func Lines(buf []byte, s Span, fn func(line []byte) bool) {
	for pos := s.Start; pos < s.End; {
		end := lineEnd(buf[:s.End], pos)
		if !fn(matcher.TrimEOL(buf[pos:end])) {
			return
		}
		pos = end
	}
}

// lineEnd returns the index just past the line feed ending the line that
// starts at pos, or len(buf) for an unterminated last line.
func lineEnd(buf []byte, pos int) int {
	if i := bytes.IndexByte(buf[pos:], '\n'); i >= 0 {
		return pos + i + 1
	}
	return len(buf)
}
