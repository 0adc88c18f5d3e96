package output

import (
	"context"
	"errors"

	"github.com/therealutkarshpriyadarshi/sqllog/pkg/sqllog"
	"github.com/therealutkarshpriyadarshi/sqllog/pkg/types"
)

// ErrClosed is returned by a sink after Close.
var ErrClosed = errors.New("output is closed")

// Sink is the interface for all record exporters
type Sink interface {
	// Send delivers a batch of events, in order.
	Send(ctx context.Context, events []*types.RecordEvent) error

	// Close flushes and releases resources
	Close() error

	// Name returns the name of the sink, used in metrics and logs
	Name() string
}

// EventOptions controls which record parts NewEvent copies.
type EventOptions struct {
	// IncludeBody adds the full body, indicators included, next to the
	// statement text.
	IncludeBody bool
}

// NewEvent converts a parse result into an exported event. A nil record
// with a non-nil error yields an error event carrying the error kind, the
// offset and the offending raw text.
func NewEvent(source string, rec *sqllog.Record, err error, opts EventOptions) *types.RecordEvent {
	if rec == nil {
		ev := &types.RecordEvent{Source: source, Offset: -1}
		if err == nil {
			return ev
		}
		ev.Error = err.Error()
		var pe *sqllog.ParseError
		if errors.As(err, &pe) {
			ev.Kind = pe.Kind.String()
			ev.Offset = pe.Offset
			ev.Raw = pe.Raw
		}
		return ev
	}

	ev := &types.RecordEvent{
		Source:    source,
		Offset:    rec.Offset,
		EP:        rec.Meta.EP,
		Session:   rec.Meta.Session,
		Thread:    rec.Meta.Thread,
		User:      rec.Meta.User,
		TrxID:     rec.Meta.TrxID,
		Statement: rec.Meta.Statement,
		AppName:   rec.Meta.AppName,
		ClientIP:  rec.Meta.ClientIP,
		Tag:       rec.Tag,
		SQL:       rec.Statement(),
	}
	if ts, terr := rec.Time(); terr == nil {
		ev.Timestamp = ts
	}
	if opts.IncludeBody {
		ev.Body = rec.Body()
	}

	ind, ierr := rec.Indicators()
	if ind.HasExecTime {
		v := ind.ExecTime
		ev.ExecTimeMs = &v
	}
	if ind.HasRowCount {
		v := ind.RowCount
		ev.RowCount = &v
	}
	if ind.HasExecID {
		v := ind.ExecID
		ev.ExecID = &v
	}
	if ierr == nil {
		ierr = err
	}
	if ierr != nil {
		ev.Error = ierr.Error()
		var pe *sqllog.ParseError
		if errors.As(ierr, &pe) {
			ev.Kind = pe.Kind.String()
			ev.Raw = pe.Raw
		}
	}
	return ev
}
