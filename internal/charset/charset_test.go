package charset

import (
	"bytes"
	"errors"
	"strings"
	"testing"
	"testing/iotest"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/text/encoding/simplifiedchinese"
)

func gb18030(t *testing.T, s string) []byte {
	t.Helper()
	b, err := simplifiedchinese.GB18030.NewEncoder().Bytes([]byte(s))
	require.NoError(t, err)
	return b
}

func TestDetect(t *testing.T) {
	assert.Equal(t, UTF8, Detect(nil))
	assert.Equal(t, UTF8, Detect([]byte("SELECT 1")))
	assert.Equal(t, UTF8, Detect([]byte("user:用户")))
	assert.Equal(t, GB18030, Detect(append([]byte("user:"), gb18030(t, "用户")...)))
}

func TestDetectCutRune(t *testing.T) {
	// A multi-byte rune straddling the sample boundary must not flip the
	// result to GB18030.
	pad := strings.Repeat("a", SampleSize-1)
	buf := []byte(pad + "用户")
	assert.Equal(t, UTF8, Detect(buf))

	sample, err := ReadSample(bytes.NewReader(buf))
	require.NoError(t, err)
	assert.Len(t, sample, SampleSize)
	assert.Equal(t, UTF8, Detect(sample))
}

func TestDetectShortCutRune(t *testing.T) {
	// A writer flushed one byte of a three byte rune.
	line := []byte("2025-08-12 10:57:09.548 (EP[0] sess:1 thrd:2 user:张三")
	cut := line[:bytes.Index(line, []byte("张"))+1]
	assert.Equal(t, UTF8, Detect(cut))

	cut = line[:bytes.Index(line, []byte("张"))+2]
	assert.Equal(t, UTF8, Detect(cut))
}

func TestReadSample(t *testing.T) {
	gb := gb18030(t, "你好，世界")
	sample, err := ReadSample(iotest.OneByteReader(bytes.NewReader(gb)))
	require.NoError(t, err)
	assert.Equal(t, gb, sample)
	assert.Equal(t, GB18030, Detect(sample))

	sample, err = ReadSample(bytes.NewReader(nil))
	require.NoError(t, err)
	assert.Empty(t, sample)

	_, err = ReadSample(iotest.ErrReader(errors.New("disk gone")))
	assert.ErrorContains(t, err, "disk gone")
}

func TestSettled(t *testing.T) {
	assert.Nil(t, Settled([]byte("2025-08-12 10:57:09.548 (EP[0]"), false))
	assert.Equal(t, []byte("banner\n"), Settled([]byte("banner\nuser:\xe5"), false))
	assert.Equal(t, []byte("user:\xe5"), Settled([]byte("user:\xe5"), true))

	full := bytes.Repeat([]byte("a"), SampleSize)
	assert.Equal(t, full, Settled(full, false))
}

func TestDecode(t *testing.T) {
	s, err := Decode(GB18030, gb18030(t, "用户"))
	require.NoError(t, err)
	assert.Equal(t, "用户", s)

	s, err = Decode(UTF8, []byte("plain"))
	require.NoError(t, err)
	assert.Equal(t, "plain", s)
}

func TestParseEncoding(t *testing.T) {
	enc, ok, err := ParseEncoding("GB18030")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, GB18030, enc)

	_, ok, err = ParseEncoding("auto")
	require.NoError(t, err)
	assert.False(t, ok)

	_, _, err = ParseEncoding("latin1")
	assert.ErrorIs(t, err, ErrUnknownEncoding)
}

func TestOracleMemoizes(t *testing.T) {
	o := NewOracle()
	calls := 0
	sample := func() ([]byte, error) {
		calls++
		return gb18030(t, "用户"), nil
	}

	for i := 0; i < 3; i++ {
		enc, err := o.For("a.log", sample)
		require.NoError(t, err)
		assert.Equal(t, GB18030, enc)
	}
	assert.Equal(t, 1, calls)

	o.Forget("a.log")
	_, err := o.For("a.log", sample)
	require.NoError(t, err)
	assert.Equal(t, 2, calls)

	o.Set("b.log", UTF8)
	enc, err := o.For("b.log", func() ([]byte, error) {
		t.Fatal("sample should not be called for a pinned source")
		return nil, nil
	})
	require.NoError(t, err)
	assert.Equal(t, UTF8, enc)
}

func TestOracleSampleError(t *testing.T) {
	o := NewOracle()
	boom := errors.New("boom")
	_, err := o.For("x", func() ([]byte, error) { return nil, boom })
	assert.ErrorIs(t, err, boom)

	enc, err := o.For("x", func() ([]byte, error) { return []byte("ok"), nil })
	require.NoError(t, err)
	assert.Equal(t, UTF8, enc)
}
