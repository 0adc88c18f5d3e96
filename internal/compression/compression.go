package compression

import (
	"fmt"
	"io"
	"path/filepath"
	"strings"

	"github.com/golang/snappy"
	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zstd"
)

// Type defines the compression algorithm to use
type Type string

const (
	None   Type = "none"
	Gzip   Type = "gzip"
	Zstd   Type = "zstd"
	Snappy Type = "snappy"
)

var extensions = map[string]Type{
	".gz":     Gzip,
	".gzip":   Gzip,
	".zst":    Zstd,
	".zstd":   Zstd,
	".sz":     Snappy,
	".snappy": Snappy,
}

// Parse returns the Type named by name. An empty name means None.
func Parse(name string) (Type, error) {
	switch t := Type(strings.ToLower(name)); t {
	case "", None:
		return None, nil
	case Gzip, Zstd, Snappy:
		return t, nil
	default:
		return "", fmt.Errorf("unsupported compression type: %s", name)
	}
}

// FromPath infers the compression of an archived log from its extension.
func FromPath(path string) Type {
	if t, ok := extensions[strings.ToLower(filepath.Ext(path))]; ok {
		return t
	}
	return None
}

// TrimExtension strips a recognised compression extension from path.
func TrimExtension(path string) string {
	if FromPath(path) == None {
		return path
	}
	return strings.TrimSuffix(path, filepath.Ext(path))
}

// NewWriter wraps w so that everything written is compressed with t.
// Closing the returned writer flushes the compressor but does not close w.
func NewWriter(w io.Writer, t Type) (io.WriteCloser, error) {
	switch t {
	case "", None:
		return nopWriteCloser{w}, nil
	case Gzip:
		return gzip.NewWriter(w), nil
	case Zstd:
		enc, err := zstd.NewWriter(w)
		if err != nil {
			return nil, fmt.Errorf("failed to create zstd writer: %w", err)
		}
		return enc, nil
	case Snappy:
		// Framed format, so that consecutive flushes stay decodable as
		// one stream.
		return snappy.NewBufferedWriter(w), nil
	default:
		return nil, fmt.Errorf("unsupported compression type: %s", t)
	}
}

// NewReader wraps r so that reads return the decompressed stream.
// Closing the returned reader releases decoder resources but does not
// close r.
func NewReader(r io.Reader, t Type) (io.ReadCloser, error) {
	switch t {
	case "", None:
		return io.NopCloser(r), nil
	case Gzip:
		zr, err := gzip.NewReader(r)
		if err != nil {
			return nil, fmt.Errorf("failed to create gzip reader: %w", err)
		}
		return zr, nil
	case Zstd:
		dec, err := zstd.NewReader(r)
		if err != nil {
			return nil, fmt.Errorf("failed to create zstd reader: %w", err)
		}
		return dec.IOReadCloser(), nil
	case Snappy:
		return io.NopCloser(snappy.NewReader(r)), nil
	default:
		return nil, fmt.Errorf("unsupported compression type: %s", t)
	}
}

type nopWriteCloser struct {
	io.Writer
}

func (nopWriteCloser) Close() error { return nil }
