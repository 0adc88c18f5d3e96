package sqllog

import (
	"errors"
	"fmt"
	"io/fs"
	"strconv"
)

// Kind classifies a ParseError.
type Kind int

const (
	// KindMalformedStart means the first line of a span is not a start line.
	KindMalformedStart Kind = iota + 1
	// KindLineTooShort means the start line cannot hold a timestamp and meta block.
	KindLineTooShort
	// KindInsufficientMeta means fewer than seven meta fields were found.
	KindInsufficientMeta
	// KindInvalidEP means the first meta token is not EP[<digits>].
	KindInvalidEP
	// KindInvalidField means a meta token lacks its expected keyword.
	KindInvalidField
	// KindInvalidIndicator means an indicator is present but unparsable.
	KindInvalidIndicator
	// KindEncoding means legacy text could not be converted to UTF-8.
	KindEncoding
	// KindLeading marks a line that precedes the first record of a source.
	KindLeading
	// KindNotFound means the source path does not exist.
	KindNotFound
	// KindIO is any other failure reading a source.
	KindIO
)

var kindNames = map[Kind]string{
	KindMalformedStart:   "malformed start line",
	KindLineTooShort:     "line too short",
	KindInsufficientMeta: "insufficient meta fields",
	KindInvalidEP:        "invalid EP format",
	KindInvalidField:     "invalid field format",
	KindInvalidIndicator: "invalid indicator",
	KindEncoding:         "encoding failure",
	KindLeading:          "leading line",
	KindNotFound:         "file not found",
	KindIO:               "i/o failure",
}

func (k Kind) String() string {
	if s, ok := kindNames[k]; ok {
		return s
	}
	return "Kind(" + strconv.Itoa(int(k)) + ")"
}

// Sentinel errors, one per Kind, for use with errors.Is.
var (
	ErrMalformedStart   = &ParseError{Kind: KindMalformedStart}
	ErrLineTooShort     = &ParseError{Kind: KindLineTooShort}
	ErrInsufficientMeta = &ParseError{Kind: KindInsufficientMeta}
	ErrInvalidEP        = &ParseError{Kind: KindInvalidEP}
	ErrInvalidField     = &ParseError{Kind: KindInvalidField}
	ErrInvalidIndicator = &ParseError{Kind: KindInvalidIndicator}
	ErrEncoding         = &ParseError{Kind: KindEncoding}
	ErrLeading          = &ParseError{Kind: KindLeading}
	ErrNotFound         = &ParseError{Kind: KindNotFound}
	ErrIO               = &ParseError{Kind: KindIO}

	ErrReaderClosed = errors.New("sqllog: reader is closed")
)

// maxRawLen bounds the raw snippet rendered by Error.
const maxRawLen = 256

// ParseError describes why a record, line or source could not be parsed.
// Record-scoped kinds carry the offending raw text in Raw.
type ParseError struct {
	Kind Kind

	// Raw is the offending text: the start line, token or indicator snippet.
	Raw string

	// Offset is the byte offset of the record or line within its source,
	// or -1 when unknown.
	Offset int64

	// Count and Want report field counts (KindLineTooShort, KindInsufficientMeta).
	Count int
	Want  int

	// Expected is the keyword a meta token should have carried (KindInvalidField).
	Expected string

	// Path names the source for KindNotFound and KindIO.
	Path string

	Err error
}

func (e *ParseError) Error() string {
	var msg string
	switch e.Kind {
	case KindLineTooShort:
		msg = fmt.Sprintf("%s: expected at least %d bytes, got %d", e.Kind, e.Want, e.Count)
	case KindInsufficientMeta:
		msg = fmt.Sprintf("%s: expected %d fields, got %d", e.Kind, e.Want, e.Count)
	case KindInvalidEP:
		msg = fmt.Sprintf("%s: expected 'EP[number]', got %q", e.Kind, truncate(e.Raw))
		return e.withCause(msg)
	case KindInvalidField:
		msg = fmt.Sprintf("%s: expected %q prefix", e.Kind, e.Expected)
	case KindNotFound, KindIO:
		msg = fmt.Sprintf("%s: %s", e.Kind, e.Path)
		return e.withCause(msg)
	default:
		msg = e.Kind.String()
	}
	if e.Raw != "" {
		msg += fmt.Sprintf(": %q", truncate(e.Raw))
	}
	return e.withCause(msg)
}

func (e *ParseError) withCause(msg string) string {
	if e.Err != nil {
		return msg + ": " + e.Err.Error()
	}
	return msg
}

func (e *ParseError) Unwrap() error { return e.Err }

// Is matches any *ParseError of the same Kind, so the sentinel values work
// with errors.Is.
func (e *ParseError) Is(target error) bool {
	t, ok := target.(*ParseError)
	return ok && t.Kind == e.Kind
}

// KindOf returns the Kind of the first *ParseError in err's chain, or 0.
func KindOf(err error) Kind {
	var pe *ParseError
	if errors.As(err, &pe) {
		return pe.Kind
	}
	return 0
}

func truncate(s string) string {
	if len(s) <= maxRawLen {
		return s
	}
	return s[:maxRawLen] + "..."
}

func sourceError(path string, err error) *ParseError {
	kind := KindIO
	if errors.Is(err, fs.ErrNotExist) {
		kind = KindNotFound
	}
	return &ParseError{Kind: kind, Path: path, Offset: -1, Err: err}
}
