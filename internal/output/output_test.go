package output

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"strings"
	"testing"

	"github.com/therealutkarshpriyadarshi/sqllog/internal/compression"
	"github.com/therealutkarshpriyadarshi/sqllog/pkg/sqllog"
	"github.com/therealutkarshpriyadarshi/sqllog/pkg/types"
)

const recordLine = "2025-08-12 10:57:09.562 (EP[1] sess:0x7f1b2c thrd:4411 user:SYSDBA trxid:120 stmt:0x55aa appname:disql ip:::ffff:10.0.0.8) [SEL] SELECT * FROM t EXECTIME: 1.5(ms) ROWCOUNT: 3(rows) EXEC_ID: 42."

func TestNewEvent(t *testing.T) {
	rec, err := sqllog.DecodeString(recordLine)
	if err != nil {
		t.Fatalf("DecodeString failed: %v", err)
	}

	ev := NewEvent("/var/log/dmsql.log", rec, nil, EventOptions{IncludeBody: true})

	if ev.Source != "/var/log/dmsql.log" || ev.EP != 1 || ev.Session != "0x7f1b2c" || ev.User != "SYSDBA" {
		t.Errorf("unexpected meta: %+v", ev)
	}
	if ev.ClientIP != "::ffff:10.0.0.8" || ev.AppName != "disql" || ev.Tag != "SEL" {
		t.Errorf("unexpected ip/appname/tag: %q %q %q", ev.ClientIP, ev.AppName, ev.Tag)
	}
	if ev.SQL != "SELECT * FROM t" {
		t.Errorf("SQL = %q", ev.SQL)
	}
	if !strings.HasSuffix(ev.Body, "EXEC_ID: 42.") {
		t.Errorf("Body should include indicators, got %q", ev.Body)
	}
	if ev.ExecTimeMs == nil || *ev.ExecTimeMs != 1.5 || ev.RowCount == nil || *ev.RowCount != 3 || ev.ExecID == nil || *ev.ExecID != 42 {
		t.Errorf("unexpected indicators: %v %v %v", ev.ExecTimeMs, ev.RowCount, ev.ExecID)
	}
	if ev.Timestamp.IsZero() || ev.Timestamp.Format(sqllog.TimestampLayout) != "2025-08-12 10:57:09.562" {
		t.Errorf("unexpected timestamp: %v", ev.Timestamp)
	}
	if ev.Error != "" || ev.Key() != "0x7f1b2c" {
		t.Errorf("unexpected error/key: %q %q", ev.Error, ev.Key())
	}

	if ev := NewEvent("src", rec, nil, EventOptions{}); ev.Body != "" {
		t.Errorf("Body should be omitted by default, got %q", ev.Body)
	}
}

func TestNewEventInvalidIndicator(t *testing.T) {
	rec, err := sqllog.DecodeString("2025-08-12 10:57:09.548 (EP[0] sess:1 thrd:2 user:u trxid:3 stmt:4 appname:a) SELECT 1 EXECTIME: abc(ms) ROWCOUNT: 5(rows)")
	if err != nil {
		t.Fatalf("DecodeString failed: %v", err)
	}

	ev := NewEvent("src", rec, nil, EventOptions{})
	if ev.Kind != sqllog.KindInvalidIndicator.String() || ev.Error == "" {
		t.Errorf("expected indicator error, got kind %q error %q", ev.Kind, ev.Error)
	}
	if ev.ExecTimeMs != nil || ev.RowCount == nil || *ev.RowCount != 5 {
		t.Errorf("parsable indicators should survive, got %v %v", ev.ExecTimeMs, ev.RowCount)
	}
	if ev.User != "u" {
		t.Errorf("record fields should survive, got %+v", ev)
	}
}

func TestNewEventError(t *testing.T) {
	_, err := sqllog.DecodeString("2025-08-12 10:57:09.548 (EP[x] sess:1 thrd:2 user:u trxid:3 stmt:4 appname:a) SELECT 1")
	if err == nil {
		t.Fatal("expected a decode error")
	}

	ev := NewEvent("src", nil, err, EventOptions{})
	if ev.Kind != sqllog.KindOf(err).String() || ev.Error != err.Error() {
		t.Errorf("unexpected error event: %+v", ev)
	}
	if ev.SQL != "" || ev.Session != "" {
		t.Errorf("error events carry no record fields: %+v", ev)
	}

	plain := NewEvent("src", nil, errors.New("boom"), EventOptions{})
	if plain.Kind != "" || plain.Error != "boom" || plain.Offset != -1 {
		t.Errorf("unexpected plain error event: %+v", plain)
	}
}

func TestWriterSink(t *testing.T) {
	var buf bytes.Buffer
	sink, err := NewWriterSink(&buf, WriterConfig{})
	if err != nil {
		t.Fatalf("NewWriterSink failed: %v", err)
	}
	if sink.Name() != "stdout" {
		t.Errorf("default name = %s", sink.Name())
	}

	events := []*types.RecordEvent{testEvent(1), testEvent(2)}
	events[1].SQL = "SELECT '<b>'"
	if err := sink.Send(context.Background(), events); err != nil {
		t.Fatalf("Send failed: %v", err)
	}

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	if len(lines) != 2 {
		t.Fatalf("expected 2 JSON lines, got %d:\n%s", len(lines), buf.String())
	}
	if !strings.Contains(lines[1], `"sql":"SELECT '<b>'"`) {
		t.Errorf("HTML should not be escaped: %s", lines[1])
	}

	var decoded types.RecordEvent
	if err := json.Unmarshal([]byte(lines[0]), &decoded); err != nil {
		t.Fatalf("line is not JSON: %v", err)
	}
	if decoded.Offset != 1 || decoded.Session != "0x7f1b2c" {
		t.Errorf("unexpected decoded event: %+v", decoded)
	}

	sink.Close()
	if err := sink.Send(context.Background(), events); !errors.Is(err, ErrClosed) {
		t.Errorf("expected ErrClosed, got %v", err)
	}
}

func TestWriterSinkCompressed(t *testing.T) {
	for _, typ := range []compression.Type{compression.Gzip, compression.Zstd, compression.Snappy} {
		t.Run(string(typ), func(t *testing.T) {
			var buf bytes.Buffer
			sink, err := NewWriterSink(&buf, WriterConfig{Compression: typ})
			if err != nil {
				t.Fatalf("NewWriterSink failed: %v", err)
			}
			for i := 0; i < 3; i++ {
				if err := sink.Send(context.Background(), []*types.RecordEvent{testEvent(i)}); err != nil {
					t.Fatalf("Send failed: %v", err)
				}
			}
			if err := sink.Close(); err != nil {
				t.Fatalf("Close failed: %v", err)
			}

			r, err := compression.NewReader(&buf, typ)
			if err != nil {
				t.Fatalf("NewReader failed: %v", err)
			}
			defer r.Close()

			sc := bufio.NewScanner(r)
			n := 0
			for sc.Scan() {
				n++
			}
			if err := sc.Err(); err != nil && !errors.Is(err, io.EOF) {
				t.Fatalf("scan failed: %v", err)
			}
			if n != 3 {
				t.Errorf("expected 3 lines, got %d", n)
			}
		})
	}
}

func TestWriterSinkPretty(t *testing.T) {
	var buf bytes.Buffer
	sink, _ := NewWriterSink(&buf, WriterConfig{Name: "console", Pretty: true})
	sink.Send(context.Background(), []*types.RecordEvent{testEvent(0)})

	if sink.Name() != "console" {
		t.Errorf("name = %s", sink.Name())
	}
	if !strings.Contains(buf.String(), "\n  \"source\"") {
		t.Errorf("expected indented output, got %s", buf.String())
	}
}
