package source

import (
	"bytes"
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	s3types "github.com/aws/aws-sdk-go-v2/service/s3/types"

	"github.com/therealutkarshpriyadarshi/sqllog/internal/compression"
	"github.com/therealutkarshpriyadarshi/sqllog/pkg/sqllog"
)

const logText = "2025-08-12 10:57:09.562 (EP[0] sess:1 thrd:1 user:SYSDBA trxid:1 stmt:1 appname:disql) SELECT 1\n" +
	"2025-08-12 10:57:09.563 (EP[0] sess:1 thrd:1 user:SYSDBA trxid:1 stmt:2 appname:disql) SELECT 2\n"

func compress(t *testing.T, typ compression.Type, data string) []byte {
	t.Helper()
	var buf bytes.Buffer
	w, err := compression.NewWriter(&buf, typ)
	if err != nil {
		t.Fatalf("NewWriter failed: %v", err)
	}
	io.WriteString(w, data)
	if err := w.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}
	return buf.Bytes()
}

func TestReadAllLocal(t *testing.T) {
	dir := t.TempDir()
	files := map[string][]byte{
		"dmsql.log":     []byte(logText),
		"dmsql.log.gz":  compress(t, compression.Gzip, logText),
		"dmsql.log.zst": compress(t, compression.Zstd, logText),
		"dmsql.log.sz":  compress(t, compression.Snappy, logText),
	}

	o := NewOpener(S3Config{}, nil)
	for name, content := range files {
		t.Run(name, func(t *testing.T) {
			path := filepath.Join(dir, name)
			if err := os.WriteFile(path, content, 0644); err != nil {
				t.Fatalf("WriteFile failed: %v", err)
			}

			got, err := o.ReadAll(context.Background(), path)
			if err != nil {
				t.Fatalf("ReadAll failed: %v", err)
			}
			if string(got) != logText {
				t.Errorf("Unexpected content: %q", got)
			}

			batch, err := sqllog.ParseBytes(context.Background(), got)
			if err != nil {
				t.Fatalf("ParseBytes failed: %v", err)
			}
			if len(batch.Records) != 2 {
				t.Errorf("Expected 2 records, got %d", len(batch.Records))
			}
		})
	}
}

func TestReadAllNotFound(t *testing.T) {
	o := NewOpener(S3Config{}, nil)
	for _, name := range []string{"missing.log", "missing.log.gz"} {
		path := filepath.Join(t.TempDir(), name)
		_, err := o.ReadAll(context.Background(), path)
		if !errors.Is(err, sqllog.ErrNotFound) {
			t.Errorf("%s: expected ErrNotFound, got %v", name, err)
		}
		var pe *sqllog.ParseError
		if errors.As(err, &pe) && pe.Path != path {
			t.Errorf("Expected path %s in error, got %s", path, pe.Path)
		}
	}
}

func TestReadAllCorrupt(t *testing.T) {
	path := filepath.Join(t.TempDir(), "dmsql.log.gz")
	os.WriteFile(path, []byte("plain text"), 0644)

	_, err := NewOpener(S3Config{}, nil).ReadAll(context.Background(), path)
	if !errors.Is(err, sqllog.ErrIO) {
		t.Errorf("Expected ErrIO, got %v", err)
	}
}

func TestParseS3URL(t *testing.T) {
	tests := []struct {
		url     string
		bucket  string
		key     string
		wantErr bool
	}{
		{"s3://logs/dm/dmsql.log.zst", "logs", "dm/dmsql.log.zst", false},
		{"s3://logs/a", "logs", "a", false},
		{"s3://logs", "", "", true},
		{"s3:///key", "", "", true},
		{"/var/log/dmsql.log", "", "", true},
	}

	for _, tt := range tests {
		bucket, key, err := ParseS3URL(tt.url)
		if (err != nil) != tt.wantErr {
			t.Errorf("ParseS3URL(%q) error = %v, wantErr %v", tt.url, err, tt.wantErr)
			continue
		}
		if bucket != tt.bucket || key != tt.key {
			t.Errorf("ParseS3URL(%q) = %q, %q", tt.url, bucket, key)
		}
	}
}

type fakeS3 struct {
	objects map[string][]byte
	calls   int
}

func (f *fakeS3) GetObject(ctx context.Context, in *s3.GetObjectInput, _ ...func(*s3.Options)) (*s3.GetObjectOutput, error) {
	f.calls++
	data, ok := f.objects[aws.ToString(in.Bucket)+"/"+aws.ToString(in.Key)]
	if !ok {
		return nil, &s3types.NoSuchKey{Message: aws.String("no such key")}
	}
	return &s3.GetObjectOutput{
		Body:          io.NopCloser(bytes.NewReader(data)),
		ContentLength: aws.Int64(int64(len(data))),
	}, nil
}

func TestReadAllS3(t *testing.T) {
	client := &fakeS3{objects: map[string][]byte{
		"archive/2025/dmsql.log.zst": compress(t, compression.Zstd, logText),
		"archive/2025/dmsql.log":     []byte(logText),
	}}
	o := NewOpener(S3Config{Region: "us-east-1"}, nil).WithClient(client)

	for _, url := range []string{"s3://archive/2025/dmsql.log.zst", "s3://archive/2025/dmsql.log"} {
		got, err := o.ReadAll(context.Background(), url)
		if err != nil {
			t.Fatalf("ReadAll(%s) failed: %v", url, err)
		}
		if string(got) != logText {
			t.Errorf("Unexpected content for %s: %q", url, got)
		}
	}

	_, err := o.ReadAll(context.Background(), "s3://archive/missing.log")
	if !errors.Is(err, sqllog.ErrNotFound) {
		t.Errorf("Expected ErrNotFound, got %v", err)
	}
	if client.calls != 3 {
		t.Errorf("Expected 3 GetObject calls, got %d", client.calls)
	}
}

func TestExpand(t *testing.T) {
	dir := t.TempDir()
	for _, name := range []string{"dmsql_1.log", "dmsql_2.log", "other.txt"} {
		os.WriteFile(filepath.Join(dir, name), nil, 0644)
	}

	got, err := Expand([]string{
		filepath.Join(dir, "dmsql_*.log"),
		filepath.Join(dir, "nothing_*.log"),
		"s3://bucket/dmsql_*.log",
	})
	if err != nil {
		t.Fatalf("Expand failed: %v", err)
	}
	if len(got) != 4 {
		t.Fatalf("Expected 4 paths, got %v", got)
	}
	if !strings.HasSuffix(got[0], "dmsql_1.log") || !strings.HasSuffix(got[1], "dmsql_2.log") {
		t.Errorf("Unexpected glob matches: %v", got[:2])
	}
	if got[3] != "s3://bucket/dmsql_*.log" {
		t.Errorf("Remote paths should be kept verbatim, got %s", got[3])
	}
}
