package sqllog

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/text/encoding/simplifiedchinese"

	"github.com/therealutkarshpriyadarshi/sqllog/internal/charset"
)

func startLine(i int) string {
	return fmt.Sprintf("2025-08-12 10:57:%02d.%03d (EP[%d] sess:%d thrd:%d user:u%d trxid:%d stmt:%d appname:app)",
		i/1000%60, i%1000, i%4, i, i*2, i, i*3, i)
}

// genLog builds n terminated records; every third one spans three lines.
func genLog(n int) string {
	var sb strings.Builder
	for i := 0; i < n; i++ {
		sb.WriteString(startLine(i))
		sb.WriteString(" SELECT ")
		sb.WriteString(fmt.Sprint(i))
		if i%3 == 0 {
			sb.WriteString("\nFROM t\nWHERE id = ")
			sb.WriteString(fmt.Sprint(i))
		}
		sb.WriteString(fmt.Sprintf(" EXECTIME: %d.5(ms) ROWCOUNT: %d(rows) EXEC_ID: %d.\n", i, i%10, i))
	}
	return sb.String()
}

func TestParseStringScenario(t *testing.T) {
	batch, err := ParseString(context.Background(), sampleLine)
	require.NoError(t, err)
	require.Len(t, batch.Records, 1)
	assert.Empty(t, batch.Leading)
	assert.Empty(t, batch.Errors)

	rec := batch.Records[0]
	assert.Equal(t, "joe", rec.Meta.User)
	assert.Equal(t, "MyApp", rec.Meta.AppName)
	assert.Equal(t, "SELECT 1", rec.Body())
	ind, err := rec.Indicators()
	require.NoError(t, err)
	assert.True(t, ind.Empty())
}

func TestParseLeadingLines(t *testing.T) {
	input := "garbage 1\r\ngarbage 2\n" + sampleLine + "\n"
	batch, err := ParseString(context.Background(), input)
	require.NoError(t, err)

	require.Len(t, batch.Records, 1)
	assert.Equal(t, []Line{
		{Offset: 0, Text: "garbage 1"},
		{Offset: 11, Text: "garbage 2"},
	}, batch.Leading)
	assert.Equal(t, int64(21), batch.Records[0].Offset)
}

func TestParseBytesOrderAcrossChunks(t *testing.T) {
	const n = 2500
	input := genLog(n)

	for _, workers := range []int{1, 4} {
		t.Run(fmt.Sprintf("workers=%d", workers), func(t *testing.T) {
			batch, err := ParseString(context.Background(), input, WithChunkSize(100), WithWorkers(workers))
			require.NoError(t, err)
			require.Len(t, batch.Records, n)
			assert.Empty(t, batch.Errors)

			for i, rec := range batch.Records {
				require.Equal(t, fmt.Sprintf("u%d", i), rec.Meta.User)
				ind, err := rec.Indicators()
				require.NoError(t, err)
				require.Equal(t, int64(i), ind.ExecID)
				if i > 0 {
					require.Greater(t, rec.Offset, batch.Records[i-1].Offset)
				}
			}
		})
	}
}

func TestBatchAllOrderWithOddChunks(t *testing.T) {
	input := genLog(50)
	batch, err := ParseString(context.Background(), input, WithChunkSize(7), WithWorkers(3))
	require.NoError(t, err)
	require.Len(t, batch.Records, 50)

	var prev int64 = -1
	n := 0
	for rec, err := range batch.All() {
		require.NoError(t, err)
		require.Greater(t, rec.Offset, prev)
		prev = rec.Offset
		n++
	}
	assert.Equal(t, 50, n)
}

func TestBatchAllMergesBySourceOrder(t *testing.T) {
	r1, err := DecodeString(sampleLine)
	require.NoError(t, err)
	r1.Offset = 10
	r2, err := DecodeString(sampleLine)
	require.NoError(t, err)
	r2.Offset = 30

	b := &Batch{
		Records: []*Record{r1, r2},
		Errors:  []*ParseError{{Kind: KindInvalidEP, Offset: 20}, {Kind: KindInvalidEP, Offset: 40}},
		Leading: []Line{{Offset: 0, Text: "junk"}},
	}

	var got []int64
	for rec, err := range b.All() {
		if rec != nil {
			got = append(got, rec.Offset)
			continue
		}
		got = append(got, err.(*ParseError).Offset)
	}
	assert.Equal(t, []int64{0, 10, 20, 30, 40}, got)
}

func TestParseBytesCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := ParseString(ctx, genLog(10))
	assert.ErrorIs(t, err, context.Canceled)
}

func TestParseBytesInvalidOptions(t *testing.T) {
	_, err := ParseString(context.Background(), sampleLine, WithChunkSize(0))
	assert.Error(t, err)
	_, err = ParseString(context.Background(), sampleLine, WithWorkers(-1))
	assert.Error(t, err)
}

func TestParseFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "dmsql.log")
	require.NoError(t, os.WriteFile(path, []byte(genLog(20)), 0644))

	batch, err := ParseFile(context.Background(), path)
	require.NoError(t, err)
	assert.Len(t, batch.Records, 20)
	assert.Equal(t, charset.UTF8, batch.Encoding)
}

func TestParseFileNotFound(t *testing.T) {
	_, err := ParseFile(context.Background(), filepath.Join(t.TempDir(), "missing.log"))
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrNotFound)
	assert.Contains(t, err.Error(), "missing.log")
}

func TestParseFileGB18030(t *testing.T) {
	text := "2025-11-17 16:09:41.123 (EP[2] sess:0xABC thrd:777 user:用户 trxid:0 stmt:0x2 appname:cli) SELECT '你好'\n"
	raw, err := simplifiedchinese.GB18030.NewEncoder().Bytes([]byte(text))
	require.NoError(t, err)

	path := filepath.Join(t.TempDir(), "gb.log")
	require.NoError(t, os.WriteFile(path, raw, 0644))

	oracle := charset.NewOracle()
	batch, err := ParseFile(context.Background(), path, WithOracle(oracle))
	require.NoError(t, err)
	require.Len(t, batch.Records, 1)
	assert.Equal(t, charset.GB18030, batch.Encoding)
	assert.Equal(t, "用户", batch.Records[0].Meta.User)
	assert.Equal(t, "SELECT '你好'", batch.Records[0].Body())
}

func TestForEach(t *testing.T) {
	input := []byte("junk\n" + genLog(5))

	var leading, records int
	err := ForEach(input, func(rec *Record, err error) bool {
		if err != nil {
			assert.ErrorIs(t, err, ErrLeading)
			assert.Zero(t, records, "leading lines come first")
			leading++
			return true
		}
		records++
		return true
	})
	require.NoError(t, err)
	assert.Equal(t, 1, leading)
	assert.Equal(t, 5, records)

	records = 0
	_ = ForEach(input, func(rec *Record, err error) bool {
		if rec != nil {
			records++
		}
		return records < 2
	})
	assert.Equal(t, 2, records)
}

func TestStreamMatchesBatch(t *testing.T) {
	input := "lead\n" + genLog(300)

	batch, err := ParseString(context.Background(), input, WithChunkSize(17))
	require.NoError(t, err)

	path := filepath.Join(t.TempDir(), "s.log")
	require.NoError(t, os.WriteFile(path, []byte(input), 0644))
	r, err := OpenReader(path, WithMaxPollBytes(1000))
	require.NoError(t, err)
	defer r.Close()

	var recs []*Record
	var leading []string
	_, err = r.ParseAll(func(rec *Record, err error) {
		if rec != nil {
			recs = append(recs, rec)
			return
		}
		leading = append(leading, err.(*ParseError).Raw)
	})
	require.NoError(t, err)

	require.Len(t, recs, len(batch.Records))
	for i := range recs {
		assert.Equal(t, batch.Records[i].Offset, recs[i].Offset)
		assert.Equal(t, batch.Records[i].Meta, recs[i].Meta)
		assert.Equal(t, batch.Records[i].Body(), recs[i].Body())
	}
	assert.Equal(t, []string{"lead"}, leading)
	assert.Equal(t, int64(len(input)), r.Position())
}

func BenchmarkParseBytes(b *testing.B) {
	buf := []byte(genLog(20000))
	b.SetBytes(int64(len(buf)))
	b.ReportAllocs()
	for i := 0; i < b.N; i++ {
		if _, err := ParseBytes(context.Background(), buf); err != nil {
			b.Fatal(err)
		}
	}
}
