// Package source opens sqllog files for batch parsing: plain local files,
// compressed archives and objects in S3.
package source

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	s3types "github.com/aws/aws-sdk-go-v2/service/s3/types"

	"github.com/therealutkarshpriyadarshi/sqllog/internal/compression"
	"github.com/therealutkarshpriyadarshi/sqllog/internal/logging"
	"github.com/therealutkarshpriyadarshi/sqllog/pkg/sqllog"
)

const s3Scheme = "s3://"

var ErrInvalidURL = errors.New("invalid s3 url")

// GetObjectAPI is the subset of the S3 client used to fetch archives.
type GetObjectAPI interface {
	GetObject(ctx context.Context, params *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error)
}

// S3Config holds S3 client settings for s3:// paths
type S3Config struct {
	Region       string
	Endpoint     string
	UsePathStyle bool
}

// Opener resolves source paths to decompressed byte streams. The S3
// client is created on the first s3:// path.
type Opener struct {
	s3cfg  S3Config
	logger *logging.Logger

	once      sync.Once
	client    GetObjectAPI
	clientErr error
}

// NewOpener creates an Opener. A nil logger discards output.
func NewOpener(cfg S3Config, logger *logging.Logger) *Opener {
	if logger == nil {
		logger = logging.Nop()
	}
	return &Opener{s3cfg: cfg, logger: logger.WithComponent("source")}
}

// WithClient makes o use client for s3:// paths instead of building one
// from the default AWS credential chain.
func (o *Opener) WithClient(client GetObjectAPI) *Opener {
	o.once.Do(func() {})
	o.client = client
	return o
}

// IsRemote reports whether path names an S3 object.
func IsRemote(path string) bool {
	return strings.HasPrefix(path, s3Scheme)
}

// ParseS3URL splits s3://bucket/key.
func ParseS3URL(path string) (bucket, key string, err error) {
	rest, ok := strings.CutPrefix(path, s3Scheme)
	if !ok {
		return "", "", fmt.Errorf("%w: %s", ErrInvalidURL, path)
	}
	bucket, key, _ = strings.Cut(rest, "/")
	if bucket == "" || key == "" {
		return "", "", fmt.Errorf("%w: %s", ErrInvalidURL, path)
	}
	return bucket, key, nil
}

// Expand resolves glob patterns among local paths. Remote paths and
// patterns without matches are kept as given, so that a missing file is
// reported when it is opened.
func Expand(paths []string) ([]string, error) {
	out := make([]string, 0, len(paths))
	for _, p := range paths {
		if IsRemote(p) || !strings.ContainsAny(p, "*?[") {
			out = append(out, p)
			continue
		}
		matches, err := filepath.Glob(p)
		if err != nil {
			return nil, fmt.Errorf("failed to expand %s: %w", p, err)
		}
		if len(matches) == 0 {
			out = append(out, p)
			continue
		}
		out = append(out, matches...)
	}
	return out, nil
}

// Open returns the decompressed contents of path. Compression is inferred
// from the extension. Missing sources yield a *sqllog.ParseError of
// KindNotFound.
func (o *Opener) Open(ctx context.Context, path string) (io.ReadCloser, error) {
	var (
		raw io.ReadCloser
		err error
	)
	if IsRemote(path) {
		raw, err = o.openS3(ctx, path)
	} else {
		raw, err = os.Open(path)
	}
	if err != nil {
		return nil, sourceError(path, err)
	}

	typ := compression.FromPath(path)
	if typ == compression.None {
		return raw, nil
	}
	dec, err := compression.NewReader(raw, typ)
	if err != nil {
		raw.Close()
		return nil, sourceError(path, err)
	}
	o.logger.Debug().Str("path", path).Str("compression", string(typ)).Msg("Decompressing source")
	return &stackedReader{Reader: dec, closers: []io.Closer{dec, raw}}, nil
}

// ReadAll reads the whole decompressed source into memory.
func (o *Opener) ReadAll(ctx context.Context, path string) ([]byte, error) {
	if !IsRemote(path) && compression.FromPath(path) == compression.None {
		b, err := os.ReadFile(path)
		if err != nil {
			return nil, sourceError(path, err)
		}
		return b, nil
	}

	rc, err := o.Open(ctx, path)
	if err != nil {
		return nil, err
	}
	defer rc.Close()

	var buf bytes.Buffer
	if _, err := buf.ReadFrom(rc); err != nil {
		return nil, sourceError(path, err)
	}
	return buf.Bytes(), nil
}

func (o *Opener) openS3(ctx context.Context, path string) (io.ReadCloser, error) {
	bucket, key, err := ParseS3URL(path)
	if err != nil {
		return nil, err
	}
	client, err := o.s3Client(ctx)
	if err != nil {
		return nil, err
	}

	out, err := client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		var noKey *s3types.NoSuchKey
		var noBucket *s3types.NoSuchBucket
		if errors.As(err, &noKey) || errors.As(err, &noBucket) {
			return nil, fmt.Errorf("%w: %v", fs.ErrNotExist, err)
		}
		return nil, fmt.Errorf("failed to get object: %w", err)
	}

	o.logger.Info().
		Str("bucket", bucket).
		Str("key", key).
		Int64("size", aws.ToInt64(out.ContentLength)).
		Msg("Fetched archived source")
	return out.Body, nil
}

func (o *Opener) s3Client(ctx context.Context) (GetObjectAPI, error) {
	o.once.Do(func() {
		var loadOpts []func(*awsconfig.LoadOptions) error
		if o.s3cfg.Region != "" {
			loadOpts = append(loadOpts, awsconfig.WithRegion(o.s3cfg.Region))
		}
		cfg, err := awsconfig.LoadDefaultConfig(ctx, loadOpts...)
		if err != nil {
			o.clientErr = fmt.Errorf("failed to load AWS config: %w", err)
			return
		}

		var opts []func(*s3.Options)
		if o.s3cfg.Endpoint != "" {
			opts = append(opts, func(opt *s3.Options) {
				opt.BaseEndpoint = aws.String(o.s3cfg.Endpoint)
				opt.UsePathStyle = o.s3cfg.UsePathStyle
			})
		}
		o.client = s3.NewFromConfig(cfg, opts...)
	})
	return o.client, o.clientErr
}

func sourceError(path string, err error) error {
	var pe *sqllog.ParseError
	if errors.As(err, &pe) {
		return err
	}
	kind := sqllog.KindIO
	if errors.Is(err, fs.ErrNotExist) {
		kind = sqllog.KindNotFound
	}
	return &sqllog.ParseError{Kind: kind, Path: path, Offset: -1, Err: err}
}

// stackedReader closes a decompressor before the stream beneath it.
type stackedReader struct {
	io.Reader
	closers []io.Closer
}

func (s *stackedReader) Close() error {
	var errs []error
	for _, c := range s.closers {
		if err := c.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
