package main

import (
	"bytes"
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/therealutkarshpriyadarshi/sqllog/internal/config"
	"github.com/therealutkarshpriyadarshi/sqllog/internal/logging"
	"github.com/therealutkarshpriyadarshi/sqllog/pkg/types"
)

const sampleLog = "dmserver started\n" +
	"2025-08-12 10:57:09.548 (EP[0] sess:0x1 thrd:2 user:SYSDBA trxid:3 stmt:4 appname:disql) [SEL] SELECT 1 EXECTIME: 0.5(ms) ROWCOUNT: 1(rows) EXEC_ID: 7.\n" +
	"2025-08-12 10:57:09.549 (EP[0] sess:0x1 thrd:2 user:SYSDBA trxid:3 stmt:5 appname:disql) [INS] INSERT INTO t\n" +
	"VALUES (1) EXECTIME: 2(ms) ROWCOUNT: 1(rows) EXEC_ID: 8.\n"

func execute(t *testing.T, args ...string) (string, string, error) {
	t.Helper()
	var stdout, stderr bytes.Buffer
	rootCmd.SetOut(&stdout)
	rootCmd.SetErr(&stderr)
	rootCmd.SetArgs(args)
	t.Cleanup(func() { rootCmd.SetArgs(nil) })
	err := rootCmd.Execute()
	return stdout.String(), stderr.String(), err
}

func TestParseCommand(t *testing.T) {
	path := filepath.Join(t.TempDir(), "dmsql.log")
	if err := os.WriteFile(path, []byte(sampleLog), 0644); err != nil {
		t.Fatal(err)
	}

	stdout, stderr, err := execute(t, "parse", "--stats", "--log-level", "error", path)
	if err != nil {
		t.Fatalf("parse failed: %v", err)
	}

	lines := strings.Split(strings.TrimSpace(stdout), "\n")
	if len(lines) != 2 {
		t.Fatalf("expected 2 records, got %d:\n%s", len(lines), stdout)
	}
	var ev types.RecordEvent
	if err := json.Unmarshal([]byte(lines[1]), &ev); err != nil {
		t.Fatalf("output is not JSON: %v", err)
	}
	if ev.Tag != "INS" || ev.SQL != "INSERT INTO t\nVALUES (1)" || ev.ExecID == nil || *ev.ExecID != 8 {
		t.Errorf("unexpected event: %+v", ev)
	}
	if ev.Source != path {
		t.Errorf("source = %s", ev.Source)
	}

	if !strings.Contains(stderr, "records: 2") || !strings.Contains(stderr, "leading lines: 1") {
		t.Errorf("unexpected stats:\n%s", stderr)
	}
}

func TestParseCommandMissingFile(t *testing.T) {
	_, _, err := execute(t, "parse", "--log-level", "error", filepath.Join(t.TempDir(), "missing.log"))
	if err == nil {
		t.Fatal("expected an error for a missing file")
	}
}

func TestVersionCommand(t *testing.T) {
	stdout, _, err := execute(t, "version")
	if err != nil {
		t.Fatalf("version failed: %v", err)
	}
	if !strings.HasPrefix(stdout, "sqllog ") {
		t.Errorf("unexpected version output: %q", stdout)
	}
}

func TestApplyTailFlags(t *testing.T) {
	cfg := config.DefaultConfig()
	if err := applyTailFlags(tailCmd, cfg, nil); err == nil {
		t.Error("expected error without paths")
	}
	if err := applyTailFlags(tailCmd, cfg, []string{"s3://bucket/dmsql.log"}); err == nil {
		t.Error("expected error for a remote path")
	}
	if err := applyTailFlags(tailCmd, cfg, []string{"/dm/log/dmsql.log"}); err != nil {
		t.Errorf("unexpected error: %v", err)
	}
	if len(cfg.Tail.Paths) != 1 {
		t.Errorf("paths = %v", cfg.Tail.Paths)
	}
}

func TestReaderOptions(t *testing.T) {
	logger := logging.Nop()

	opts, err := readerOptions(config.ParserConfig{Encoding: "gb18030", Workers: 2, ChunkSize: 10}, logger, nil)
	if err != nil {
		t.Fatalf("readerOptions failed: %v", err)
	}
	// logger, strict tail, chunk size, workers, encoding
	if len(opts) != 5 {
		t.Errorf("expected 5 options, got %d", len(opts))
	}

	if _, err := readerOptions(config.ParserConfig{Encoding: "latin1"}, logger, nil); err == nil {
		t.Error("expected error for an unknown encoding")
	}
}

func TestBuildSinks(t *testing.T) {
	var buf bytes.Buffer
	sinks, err := buildSinks(context.Background(), config.OutputsConfig{
		Stdout: &config.StdoutOutputConfig{Enabled: true, Compression: "gzip"},
	}, &buf, logging.Nop())
	if err != nil {
		t.Fatalf("buildSinks failed: %v", err)
	}
	if len(sinks) != 1 || sinks[0].Name() != "stdout" {
		t.Errorf("unexpected sinks: %v", sinks)
	}
	sinks[0].Close()

	if _, err := buildSinks(context.Background(), config.OutputsConfig{}, &buf, logging.Nop()); err == nil {
		t.Error("expected error without outputs")
	}
}

func TestBuildSinksSecrets(t *testing.T) {
	var buf bytes.Buffer
	_, err := buildSinks(context.Background(), config.OutputsConfig{
		Stdout: &config.StdoutOutputConfig{Enabled: true},
		Elasticsearch: &config.ElasticsearchOutputConfig{
			Enabled:   true,
			Addresses: []string{"http://127.0.0.1:1"},
			Password:  "env:SQLLOG_TEST_MISSING_PASSWORD",
		},
	}, &buf, logging.Nop())
	if err == nil || !strings.Contains(err.Error(), "elasticsearch password") {
		t.Errorf("expected a password error, got %v", err)
	}

	if _, err := loadTLS(true, config.TLSFilesConfig{CAFile: filepath.Join(t.TempDir(), "ca.pem")}); err == nil {
		t.Error("expected error for a missing CA file")
	}
	if tc, err := loadTLS(false, config.TLSFilesConfig{}); tc != nil || err != nil {
		t.Errorf("expected no TLS config, got %v, %v", tc, err)
	}
}

func TestRetryConfig(t *testing.T) {
	if rc := retryConfig(nil); rc.MaxRetries != 3 || !rc.Jitter {
		t.Errorf("unexpected default retry config: %+v", rc)
	}
	rc := retryConfig(&config.RetryConfig{MaxRetries: 7, Multiplier: 1.5})
	if rc.MaxRetries != 7 || rc.Multiplier != 1.5 {
		t.Errorf("unexpected retry config: %+v", rc)
	}
}

func TestParseCommandProfiles(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "dmsql.log")
	if err := os.WriteFile(path, []byte(sampleLog), 0644); err != nil {
		t.Fatal(err)
	}
	cpu := filepath.Join(dir, "cpu.out")
	mem := filepath.Join(dir, "mem.out")

	if _, _, err := execute(t, "parse", "--log-level", "error", "--cpu-profile", cpu, "--mem-profile", mem, path); err != nil {
		t.Fatalf("parse failed: %v", err)
	}
	for _, p := range []string{cpu, mem} {
		if _, err := os.Stat(p); err != nil {
			t.Errorf("profile not written: %v", err)
		}
	}
}
