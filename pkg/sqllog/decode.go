package sqllog

import (
	"strconv"
	"strings"
	"unsafe"

	"github.com/therealutkarshpriyadarshi/sqllog/internal/charset"
	"github.com/therealutkarshpriyadarshi/sqllog/internal/matcher"
	"github.com/therealutkarshpriyadarshi/sqllog/internal/splitter"
)

// requiredMetaFields is the number of keywords every meta block carries.
const requiredMetaFields = 7

// metaKeys mirrors matcher.RequiredKeys as strings.
var metaKeys = [requiredMetaFields]string{"EP[", "sess:", "thrd:", "user:", "trxid:", "stmt:", "appname:"}

// Decode decodes the text of a single record: a start line optionally
// followed by continuation lines. The text is copied, so the caller may
// reuse b afterwards. Encoding is detected from b.
func Decode(b []byte) (*Record, error) {
	enc := charset.Detect(b)
	src := view(b)
	if enc == charset.UTF8 {
		src = string(b)
	}
	return decodeSpan(src, splitter.Span{Start: 0, End: len(b)}, 0, enc)
}

// DecodeString is like Decode for a string in UTF-8.
func DecodeString(s string) (*Record, error) {
	return decodeSpan(s, splitter.Span{Start: 0, End: len(s)}, 0, charset.UTF8)
}

// view returns a string sharing memory with b. The caller must not modify
// b while the string or any substring of it is reachable.
func view(b []byte) string {
	if len(b) == 0 {
		return ""
	}
	return unsafe.String(unsafe.SliceData(b), len(b))
}

// decodeSpan decodes span of src. base is the offset of src within its
// source. For UTF-8 sources every string in the Record is a substring of
// src; GB18030 spans are converted into a buffer owned by the Record.
func decodeSpan(src string, span splitter.Span, base int64, enc charset.Encoding) (*Record, error) {
	raw := src[span.Start:span.End]
	offset := base + int64(span.Start)

	if enc == charset.GB18030 {
		converted, err := charset.Decode(enc, []byte(raw))
		if err != nil {
			return nil, &ParseError{Kind: KindEncoding, Raw: firstLine(raw), Offset: offset, Err: err}
		}
		raw = converted
	}

	line := firstLine(raw)
	if len(line) < matcher.MinLineLen {
		return nil, &ParseError{
			Kind:   KindLineTooShort,
			Raw:    line,
			Offset: offset,
			Count:  len(line),
			Want:   matcher.MinLineLen,
		}
	}
	metaEnd := matcher.HeaderEnd(bytesOf(line))
	if metaEnd < 0 {
		return nil, &ParseError{Kind: KindMalformedStart, Raw: line, Offset: offset}
	}

	meta, err := parseMeta(line[matcher.MetaStart:metaEnd])
	if err != nil {
		err.Offset = offset
		if err.Kind == KindInsufficientMeta {
			err.Raw = line
		}
		return nil, err
	}
	// parseMeta is lenient past appname; the full start line rules decide.
	if !matcher.IsRecordStart(bytesOf(line)) {
		return nil, &ParseError{Kind: KindMalformedStart, Raw: line, Offset: offset}
	}

	rec := &Record{
		Timestamp: line[:matcher.TimestampLen],
		Meta:      meta,
		Offset:    offset,
		raw:       raw,
		bodyStart: headerLen(line, metaEnd),
	}
	if tag, skip := splitTag(line[rec.bodyStart:]); skip > 0 {
		rec.Tag = tag
		rec.bodyStart += skip
	}
	return rec, nil
}

// bytesOf returns the bytes of s without copying. The result must only be
// read.
func bytesOf(s string) []byte {
	if s == "" {
		return nil
	}
	return unsafe.Slice(unsafe.StringData(s), len(s))
}

func firstLine(raw string) string {
	if i := strings.IndexByte(raw, '\n'); i >= 0 {
		raw = raw[:i]
	}
	return strings.TrimSuffix(raw, "\r")
}

// parseMeta tokenizes the meta block in one left-to-right pass. Every
// value is a substring of meta.
func parseMeta(meta string) (Meta, *ParseError) {
	var m Meta
	var values [requiredMetaFields]string

	pos, appStart := 0, 0
	for i, key := range metaKeys {
		if pos >= len(meta) {
			return m, &ParseError{Kind: KindInsufficientMeta, Count: i, Want: requiredMetaFields}
		}
		tokStart := pos
		tok, next := cutToken(meta, pos)
		if i == 0 {
			ep, ok := parseEP(tok)
			if !ok {
				return m, &ParseError{Kind: KindInvalidEP, Raw: tok}
			}
			m.EP = ep
		} else {
			if !strings.HasPrefix(tok, key) {
				return m, &ParseError{Kind: KindInvalidField, Raw: tok, Expected: key}
			}
			values[i] = tok[len(key):]
		}
		if i == requiredMetaFields-1 {
			appStart = tokStart + len(key)
		}
		pos = next
	}

	m.Session = values[1]
	m.Thread = values[2]
	m.User = values[3]
	m.TrxID = values[4]
	m.Statement = values[5]

	// App names may contain spaces: every token up to an ip token belongs
	// to the app name.
	appEnd := appStart + len(values[6])
	for pos < len(meta) {
		tokStart := pos
		tok, next := cutToken(meta, pos)
		if strings.HasPrefix(tok, "ip:") {
			m.ClientIP = tok[len("ip:"):]
			break
		}
		appEnd = tokStart + len(tok)
		pos = next
	}
	m.AppName = meta[appStart:appEnd]
	return m, nil
}

// cutToken returns the space-delimited token starting at pos and the index
// of the token after it.
func cutToken(s string, pos int) (tok string, next int) {
	if i := strings.IndexByte(s[pos:], ' '); i >= 0 {
		return s[pos : pos+i], pos + i + 1
	}
	return s[pos:], len(s)
}

// parseEP parses "EP[<digits>]".
func parseEP(tok string) (uint32, bool) {
	if len(tok) < 5 || !strings.HasPrefix(tok, "EP[") || tok[len(tok)-1] != ']' {
		return 0, false
	}
	digits := tok[3 : len(tok)-1]
	for i := 0; i < len(digits); i++ {
		if digits[i] < '0' || digits[i] > '9' {
			return 0, false
		}
	}
	n, err := strconv.ParseUint(digits, 10, 32)
	if err != nil {
		return 0, false
	}
	return uint32(n), true
}
