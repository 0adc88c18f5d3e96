package sqllog

import (
	"strconv"
	"strings"
	"sync"
	"time"
)

// TimestampLayout is the time.Parse layout of Record.Timestamp.
const TimestampLayout = "2006-01-02 15:04:05.000"

// Meta holds the fields of a start line's bracketed block, in the order
// they appear in the log.
type Meta struct {
	EP        uint32 `json:"ep"`
	Session   string `json:"sess"`
	Thread    string `json:"thrd"`
	User      string `json:"user"`
	TrxID     string `json:"trxid"`
	Statement string `json:"stmt"`
	AppName   string `json:"appname"`
	ClientIP  string `json:"ip,omitempty"`
}

// Indicators are the optional performance figures DM appends to a
// statement. Each one is located independently; the Has flags report
// which were present.
type Indicators struct {
	ExecTime float64 `json:"exec_time_ms,omitempty"`
	RowCount uint64  `json:"row_count,omitempty"`
	ExecID   int64   `json:"exec_id,omitempty"`

	HasExecTime bool `json:"-"`
	HasRowCount bool `json:"-"`
	HasExecID   bool `json:"-"`
}

// Empty reports whether no indicator was found.
func (i Indicators) Empty() bool {
	return !i.HasExecTime && !i.HasRowCount && !i.HasExecID
}

// indicator describes one keyword/suffix pair searched for in a body.
type indicator struct {
	name   string
	prefix string
	suffix string
}

// indicatorTable lists the indicators in the order DM writes them.
var indicatorTable = [...]indicator{
	{name: "EXECTIME", prefix: "EXECTIME: ", suffix: "(ms)"},
	{name: "ROWCOUNT", prefix: "ROWCOUNT: ", suffix: "(rows)"},
	{name: "EXEC_ID", prefix: "EXEC_ID: ", suffix: "."},
}

// Record is one decoded log entry. Body and Indicators are computed on
// first use and cached; a Record is safe for concurrent reads.
type Record struct {
	// Timestamp is the 23 character "YYYY-MM-DD HH:MM:SS.mmm" prefix.
	Timestamp string
	Meta      Meta
	// Tag is the optional bracketed classifier preceding the SQL, e.g. "SEL".
	Tag string
	// Offset is the byte offset of the record within its source.
	Offset int64

	raw       string // the whole span, UTF-8
	bodyStart int    // index in raw where the body starts

	bodyOnce sync.Once
	body     string

	indOnce sync.Once
	ind     Indicators
	indErr  error
	indPos  int
}

// Raw returns the record text exactly as it appeared in the source,
// converted to UTF-8, including line terminators.
func (r *Record) Raw() string { return r.raw }

// Time parses Timestamp in the local time zone.
func (r *Record) Time() (time.Time, error) {
	return time.ParseInLocation(TimestampLayout, r.Timestamp, time.Local)
}

// Body returns the SQL text: the tail of the start line followed by every
// continuation line, joined by "\n". Carriage returns of CRLF terminators
// and the terminator of the last line are not included.
func (r *Record) Body() string {
	r.bodyOnce.Do(func() {
		r.body = buildBody(r.raw, r.bodyStart)
	})
	return r.body
}

// Indicators returns the performance indicators found at the end of the
// body. A missing indicator is not an error; a present one that does not
// parse yields a *ParseError of KindInvalidIndicator along with whatever
// indicators did parse.
func (r *Record) Indicators() (Indicators, error) {
	r.indOnce.Do(func() {
		r.ind, r.indPos, r.indErr = parseIndicators(r.Body())
		if pe, ok := r.indErr.(*ParseError); ok {
			pe.Offset = r.Offset
		}
	})
	return r.ind, r.indErr
}

// Statement returns the body with the trailing indicator section removed
// and trailing whitespace trimmed.
func (r *Record) Statement() string {
	body := r.Body()
	r.Indicators()
	if r.indPos < 0 {
		return body
	}
	return strings.TrimRight(body[:r.indPos], " \t\r\n")
}

// buildBody joins the body lines of raw. The result length is computed
// first so the join allocates once; a single-line body is returned as a
// substring of raw without copying.
func buildBody(raw string, start int) string {
	if start > len(raw) {
		return ""
	}
	rest := raw[start:]
	nl := strings.IndexByte(rest, '\n')
	if nl < 0 || nl == len(rest)-1 {
		return trimLine(rest)
	}

	size := 0
	lines := 0
	for s := rest; len(s) > 0; lines++ {
		line, next := cutLine(s)
		size += len(line)
		s = next
	}
	size += lines - 1

	var sb strings.Builder
	sb.Grow(size)
	for s, i := rest, 0; len(s) > 0; i++ {
		line, next := cutLine(s)
		if i > 0 {
			sb.WriteByte('\n')
		}
		sb.WriteString(line)
		s = next
	}
	return sb.String()
}

// cutLine splits s after its first line, returning the line without its
// terminator.
func cutLine(s string) (line, rest string) {
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		return trimLine(s[:i+1]), s[i+1:]
	}
	return s, ""
}

func trimLine(s string) string {
	s = strings.TrimSuffix(s, "\n")
	return strings.TrimSuffix(s, "\r")
}

// parseIndicators locates each indicator independently. For every keyword
// the first occurrence wins and its suffix is searched after it. pos is
// the smallest index at which an indicator keyword was found, or -1.
func parseIndicators(body string) (ind Indicators, pos int, err error) {
	pos = -1
	for _, def := range indicatorTable {
		start := strings.Index(body, def.prefix)
		if start < 0 {
			continue
		}
		valueStart := start + len(def.prefix)
		end := strings.Index(body[valueStart:], def.suffix)
		if end < 0 {
			continue
		}
		if pos < 0 || start < pos {
			pos = start
		}
		value := strings.TrimSpace(body[valueStart : valueStart+end])

		var perr error
		switch def.name {
		case "EXECTIME":
			ind.ExecTime, perr = strconv.ParseFloat(value, 64)
			ind.HasExecTime = perr == nil
		case "ROWCOUNT":
			ind.RowCount, perr = strconv.ParseUint(value, 10, 64)
			ind.HasRowCount = perr == nil
		case "EXEC_ID":
			ind.ExecID, perr = strconv.ParseInt(value, 10, 64)
			ind.HasExecID = perr == nil
		}
		if perr != nil && err == nil {
			err = &ParseError{
				Kind: KindInvalidIndicator,
				Raw:  body[start : valueStart+end+len(def.suffix)],
				Err:  perr,
			}
		}
	}
	return ind, pos, err
}

// splitTag recognises a leading "[TAG]" in the body of a start line and
// returns the tag and the number of bytes to skip, including one space
// after the closing bracket.
func splitTag(s string) (tag string, skip int) {
	if len(s) < 3 || s[0] != '[' {
		return "", 0
	}
	end := strings.IndexByte(s, ']')
	if end < 2 || end > maxTagLen+1 {
		return "", 0
	}
	for i := 1; i < end; i++ {
		c := s[i]
		if !(c >= 'A' && c <= 'Z' || c >= 'a' && c <= 'z' || c >= '0' && c <= '9' || c == '_') {
			return "", 0
		}
	}
	skip = end + 1
	if skip < len(s) && s[skip] == ' ' {
		skip++
	}
	return s[1:end], skip
}

const maxTagLen = 16

// headerLen is the offset of the body within a start line whose meta block
// closes at metaEnd.
func headerLen(line string, metaEnd int) int {
	n := metaEnd + 1
	if n < len(line) && line[n] == ' ' {
		n++
	}
	return n
}
