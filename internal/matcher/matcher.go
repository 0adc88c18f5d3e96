// Package matcher recognises the first line of a DM sqllog record.
//
// A start line looks like:
//
//	2025-08-12 10:57:09.562 (EP[0] sess:1 thrd:1 user:joe trxid:0 stmt:1 appname:MyApp) SELECT 1
//
// The checks run cheapest first so that continuation lines, which make up
// most of a log, are rejected after a length test and a handful of byte
// comparisons.
package matcher

import "bytes"

const (
	// TimestampLen is the length of "YYYY-MM-DD HH:MM:SS.mmm".
	TimestampLen = 23

	// MinLineLen is the shortest line that can hold a timestamp and "(".
	MinLineLen = 25

	// MetaStart is the index of the first byte inside the meta block.
	MetaStart = 25
)

// Keyword prefixes of the meta block, in the order they must appear.
var (
	KeyEP      = []byte("EP[")
	KeySession = []byte("sess:")
	KeyThread  = []byte("thrd:")
	KeyUser    = []byte("user:")
	KeyTrx     = []byte("trxid:")
	KeyStmt    = []byte("stmt:")
	KeyApp     = []byte("appname:")
	KeyIP      = []byte("ip:")

	// RequiredKeys lists the mandatory meta keywords in canonical order.
	RequiredKeys = [][]byte{KeyEP, KeySession, KeyThread, KeyUser, KeyTrx, KeyStmt, KeyApp}
)

// separators maps timestamp offsets to their fixed separator byte. Every
// other offset below TimestampLen must hold an ASCII digit.
var separators = [TimestampLen]byte{
	4: '-', 7: '-', 10: ' ', 13: ':', 16: ':', 19: '.',
}

// IsTimestamp reports whether b begins with a syntactically valid
// "YYYY-MM-DD HH:MM:SS.mmm" timestamp. No calendar validation is done.
func IsTimestamp(b []byte) bool {
	if len(b) < TimestampLen {
		return false
	}
	for i := 0; i < TimestampLen; i++ {
		if sep := separators[i]; sep != 0 {
			if b[i] != sep {
				return false
			}
			continue
		}
		if b[i] < '0' || b[i] > '9' {
			return false
		}
	}
	return true
}

// MetaEnd returns the index of the ")" closing the meta block of line, or
// -1 if there is none.
func MetaEnd(line []byte) int {
	for i := MetaStart; i < len(line); i++ {
		if line[i] == ')' {
			return i
		}
	}
	return -1
}

// IsRecordStart reports whether line is the first line of a record. A
// trailing "\n" or "\r\n" is ignored. It never allocates and never panics.
func IsRecordStart(line []byte) bool {
	line = TrimEOL(line)
	end := HeaderEnd(line)
	if end < 0 {
		return false
	}
	return validMeta(line[MetaStart:end])
}

// HeaderEnd checks the fixed-position part of a start line (length,
// timestamp, " (" and a closing ")") and returns the index of the ")".
// It returns -1 when any of those checks fail. The keywords inside the
// block are not inspected.
func HeaderEnd(line []byte) int {
	if len(line) < MinLineLen {
		return -1
	}
	if !IsTimestamp(line) {
		return -1
	}
	if line[23] != ' ' || line[24] != '(' {
		return -1
	}
	return MetaEnd(line)
}

// validMeta walks the space separated tokens of the meta block once. The
// seven required keywords must be matched in order. After appname the only
// keyword allowed is a single trailing ip token; anything else is folded
// into the app name.
func validMeta(meta []byte) bool {
	pos := 0
	for i, key := range RequiredKeys {
		tok, next, ok := nextToken(meta, pos)
		if !ok || !bytes.HasPrefix(tok, key) {
			return false
		}
		if i == 0 && !validEP(tok) {
			return false
		}
		pos = next
	}
	for pos < len(meta) {
		tok, next, ok := nextToken(meta, pos)
		if !ok {
			return false
		}
		if bytes.HasPrefix(tok, KeyIP) {
			return next >= len(meta)
		}
		if isRequiredKey(tok) {
			return false
		}
		pos = next
	}
	return true
}

// nextToken returns the token starting at pos and the index after its
// separating space. A token must be non-empty; a double space or a leading
// space therefore fails.
func nextToken(meta []byte, pos int) (tok []byte, next int, ok bool) {
	if pos >= len(meta) {
		return nil, pos, false
	}
	end := pos
	for end < len(meta) && meta[end] != ' ' {
		end++
	}
	if end == pos {
		return nil, pos, false
	}
	if end < len(meta) {
		return meta[pos:end], end + 1, true
	}
	return meta[pos:end], end, true
}

// validEP reports whether tok is exactly EP[<digits>].
func validEP(tok []byte) bool {
	if len(tok) < len(KeyEP)+2 || tok[len(tok)-1] != ']' {
		return false
	}
	for _, c := range tok[len(KeyEP) : len(tok)-1] {
		if c < '0' || c > '9' {
			return false
		}
	}
	return true
}

func isRequiredKey(tok []byte) bool {
	for _, key := range RequiredKeys {
		if bytes.HasPrefix(tok, key) {
			return true
		}
	}
	return false
}

// TrimEOL strips one trailing "\n" and one "\r" before it.
func TrimEOL(line []byte) []byte {
	if n := len(line); n > 0 && line[n-1] == '\n' {
		line = line[:n-1]
	}
	if n := len(line); n > 0 && line[n-1] == '\r' {
		line = line[:n-1]
	}
	return line
}
