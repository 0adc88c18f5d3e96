// Package charset classifies the text encoding of a sqllog source and
// converts legacy GB18030 bytes to UTF-8.
package charset

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"
	"unicode/utf8"

	"golang.org/x/text/encoding/simplifiedchinese"
)

// SampleSize is the number of leading bytes inspected per source.
const SampleSize = 64 * 1024

// Encoding identifies the byte encoding of a source.
type Encoding int

const (
	// UTF8 sources are used as-is.
	UTF8 Encoding = iota
	// GB18030 sources are converted to UTF-8 per field.
	GB18030
)

func (e Encoding) String() string {
	switch e {
	case UTF8:
		return "utf8"
	case GB18030:
		return "gb18030"
	default:
		return fmt.Sprintf("Encoding(%d)", int(e))
	}
}

// ErrUnknownEncoding is returned by ParseEncoding for unsupported names.
var ErrUnknownEncoding = errors.New("unknown encoding")

// ParseEncoding maps a configuration name to an Encoding. The name "auto"
// returns ok=false so callers fall back to detection.
func ParseEncoding(name string) (enc Encoding, ok bool, err error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "", "auto":
		return UTF8, false, nil
	case "utf8", "utf-8":
		return UTF8, true, nil
	case "gb18030", "gbk", "gb2312":
		return GB18030, true, nil
	default:
		return UTF8, false, fmt.Errorf("%w: %q", ErrUnknownEncoding, name)
	}
}

// Detect classifies sample, looking at no more than SampleSize bytes. A
// sample that is valid UTF-8, apart from a rune cut short at its end, is
// UTF8; anything else is GB18030.
func Detect(sample []byte) Encoding {
	if len(sample) > SampleSize {
		sample = sample[:SampleSize]
	}
	// Empty input needs no conversion, so it is not treated as legacy text.
	if utf8.Valid(trimPartialRune(sample)) {
		return UTF8
	}
	return GB18030
}

// ReadSample reads the head of r for detection: SampleSize bytes, or fewer
// when r ends first. Reaching the end of r is not an error.
func ReadSample(r io.Reader) ([]byte, error) {
	buf := make([]byte, SampleSize)
	n, err := io.ReadFull(r, buf)
	if err != nil && !errors.Is(err, io.EOF) && !errors.Is(err, io.ErrUnexpectedEOF) {
		return buf[:n], fmt.Errorf("failed to sample source: %w", err)
	}
	return buf[:n], nil
}

// Settled returns the part of sample that can be classified while the
// source may still grow. A full sample, or the sample of a source that is
// known to be complete, is used whole. A shorter one is cut after its last
// line feed so that a writer's half-flushed line cannot decide the result.
// It returns nil when no complete line is available yet.
func Settled(sample []byte, final bool) []byte {
	if final || len(sample) >= SampleSize {
		return sample
	}
	i := bytes.LastIndexByte(sample, '\n')
	if i < 0 {
		return nil
	}
	return sample[:i+1]
}

// trimPartialRune drops up to three trailing bytes that start a multi-byte
// UTF-8 sequence the sample boundary cut short.
func trimPartialRune(b []byte) []byte {
	for i := 1; i <= utf8.UTFMax-1 && i <= len(b); i++ {
		c := b[len(b)-i]
		if c < utf8.RuneSelf {
			return b
		}
		if utf8.RuneStart(c) {
			if !utf8.FullRune(b[len(b)-i:]) {
				return b[:len(b)-i]
			}
			return b
		}
	}
	return b
}

// Decode converts b from enc to a UTF-8 string.
func Decode(enc Encoding, b []byte) (string, error) {
	if enc == UTF8 {
		return string(b), nil
	}
	out, err := simplifiedchinese.GB18030.NewDecoder().Bytes(b)
	if err != nil {
		return "", fmt.Errorf("failed to decode %s: %w", enc, err)
	}
	return string(out), nil
}

// Oracle memoizes the detected encoding per source key, typically a file
// path. It is safe for concurrent use.
type Oracle struct {
	mu      sync.RWMutex
	sources map[string]Encoding
}

// NewOracle creates an empty Oracle.
func NewOracle() *Oracle {
	return &Oracle{sources: make(map[string]Encoding)}
}

// For returns the encoding recorded for key, calling sample to obtain the
// head of the source the first time key is seen. A sample error is returned
// and nothing is recorded.
func (o *Oracle) For(key string, sample func() ([]byte, error)) (Encoding, error) {
	o.mu.RLock()
	enc, ok := o.sources[key]
	o.mu.RUnlock()
	if ok {
		return enc, nil
	}

	b, err := sample()
	if err != nil {
		return UTF8, err
	}
	enc = Detect(b)

	o.mu.Lock()
	if prev, ok := o.sources[key]; ok {
		enc = prev
	} else {
		o.sources[key] = enc
	}
	o.mu.Unlock()
	return enc, nil
}

// Set pins the encoding of key, overriding detection.
func (o *Oracle) Set(key string, enc Encoding) {
	o.mu.Lock()
	o.sources[key] = enc
	o.mu.Unlock()
}

// Forget drops the memoized result for key, e.g. after log rotation.
func (o *Oracle) Forget(key string) {
	o.mu.Lock()
	delete(o.sources, key)
	o.mu.Unlock()
}
