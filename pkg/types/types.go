package types

import (
	"time"
)

// RecordEvent is the exported form of one parsed sqllog record, as written
// to stdout, Kafka or Elasticsearch.
type RecordEvent struct {
	Timestamp time.Time `json:"timestamp"`
	Source    string    `json:"source"`
	Offset    int64     `json:"offset"`

	EP        uint32 `json:"ep"`
	Session   string `json:"session"`
	Thread    string `json:"thread"`
	User      string `json:"user"`
	TrxID     string `json:"trx_id"`
	Statement string `json:"statement_id"`
	AppName   string `json:"appname"`
	ClientIP  string `json:"client_ip,omitempty"`

	Tag  string `json:"tag,omitempty"`
	SQL  string `json:"sql"`
	Body string `json:"body,omitempty"`

	ExecTimeMs *float64 `json:"exec_time_ms,omitempty"`
	RowCount   *uint64  `json:"row_count,omitempty"`
	ExecID     *int64   `json:"exec_id,omitempty"`

	// Error is set for records whose indicators could not be parsed, and
	// for error events, which carry no record fields.
	Error string `json:"error,omitempty"`
	Kind  string `json:"kind,omitempty"`
	Raw   string `json:"raw,omitempty"`
}

// Key returns the partitioning key of the event: the session id, so that
// all statements of one session stay ordered within a partition.
func (e *RecordEvent) Key() string {
	if e.Session != "" {
		return e.Session
	}
	return e.Source
}

// FilePosition tracks the current position in a file
type FilePosition struct {
	Path   string `json:"path"`
	Offset int64  `json:"offset"`
	Inode  uint64 `json:"inode"`
}

// ParserStats tracks parser throughput for one source
type ParserStats struct {
	Parsed  int64 `json:"parsed"`
	Failed  int64 `json:"failed"`
	Leading int64 `json:"leading"`
	Bytes   int64 `json:"bytes"`
}

// Add accumulates other into s.
func (s *ParserStats) Add(other ParserStats) {
	s.Parsed += other.Parsed
	s.Failed += other.Failed
	s.Leading += other.Leading
	s.Bytes += other.Bytes
}
