package compression

import (
	"bytes"
	"io"
	"math/rand"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var allCodecs = []Codec{None, Gzip, Bzip2, Xz, Lzma, Lz4, Zstd, Brotli}

func compress(t *testing.T, c Codec, data []byte) []byte {
	t.Helper()
	var buf bytes.Buffer
	w, err := NewWriter(c, &buf, DefaultLevel)
	require.NoError(t, err)
	_, err = w.Write(data)
	require.NoError(t, err)
	require.NoError(t, w.Close())
	return buf.Bytes()
}

func TestCodecs_RoundTrip(t *testing.T) {
	t.Parallel()

	data := make([]byte, 64<<10)
	rand.New(rand.NewSource(1)).Read(data)
	data = append(data, bytes.Repeat([]byte("tar block "), 4096)...)

	for _, c := range allCodecs {
		t.Run(c.String(), func(t *testing.T) {
			t.Parallel()

			packed := compress(t, c, data)
			r, err := NewReader(c, bytes.NewReader(packed))
			require.NoError(t, err)
			got, err := io.ReadAll(r)
			require.NoError(t, err)
			require.NoError(t, r.Close())
			assert.Equal(t, data, got)
		})
	}
}

func TestSniff(t *testing.T) {
	t.Parallel()

	for _, c := range []Codec{Gzip, Bzip2, Xz, Zstd, Lz4} {
		packed := compress(t, c, []byte("hello"))
		assert.Equal(t, c, Sniff(packed[:SniffLen]), c.String())
	}
	assert.Equal(t, None, Sniff([]byte("BZ-not-bzip2")))
	assert.Equal(t, None, Sniff([]byte("a.txt\x00")))
	assert.Equal(t, None, Sniff(nil))
}

func TestFromExtension(t *testing.T) {
	t.Parallel()

	tests := map[string]Codec{
		"backup.tar":       None,
		"backup.tar.gz":    Gzip,
		"backup.TGZ":       Gzip,
		"backup.tar.bz2":   Bzip2,
		"backup.tbz":       Bzip2,
		"backup.tar.xz":    Xz,
		"backup.tar.lzma":  Lzma,
		"backup.tar.lz4":   Lz4,
		"backup.tar.zst":   Zstd,
		"backup.tar.br":    Brotli,
		"backup.wpress":    None,
		"dir.gz/plain.tar": None,
	}
	for path, want := range tests {
		assert.Equal(t, want, FromExtension(path), path)
	}
}

func TestDetect(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()

	// Content wins over a misleading extension.
	gz := filepath.Join(dir, "archive.tar")
	require.NoError(t, os.WriteFile(gz, compress(t, Gzip, []byte("x")), 0o644))
	c, err := Detect(gz)
	require.NoError(t, err)
	assert.Equal(t, Gzip, c)

	br := filepath.Join(dir, "archive.tar.br")
	require.NoError(t, os.WriteFile(br, compress(t, Brotli, []byte("x")), 0o644))
	c, err = Detect(br)
	require.NoError(t, err)
	assert.Equal(t, Brotli, c)

	c, err = Detect(filepath.Join(dir, "missing.tar.bz2"))
	require.NoError(t, err)
	assert.Equal(t, Bzip2, c)
}

func TestParse(t *testing.T) {
	t.Parallel()

	for _, c := range allCodecs {
		got, err := Parse(c.String())
		require.NoError(t, err)
		assert.Equal(t, c, got)
	}
	got, err := Parse(" GZ ")
	require.NoError(t, err)
	assert.Equal(t, Gzip, got)

	_, err = Parse("rar")
	require.ErrorIs(t, err, ErrIllegalCompression)
}

func TestInvalidCodec(t *testing.T) {
	t.Parallel()

	bogus := Codec(99)
	assert.Equal(t, "unknown", bogus.String())
	require.ErrorIs(t, bogus.Valid(), ErrIllegalCompression)

	_, err := NewReader(bogus, bytes.NewReader(nil))
	require.ErrorIs(t, err, ErrIllegalCompression)
	_, err = NewWriter(bogus, io.Discard, DefaultLevel)
	require.ErrorIs(t, err, ErrIllegalCompression)
	assert.False(t, bogus.Concatenable())
	assert.False(t, Brotli.Concatenable())
	assert.True(t, Gzip.Concatenable())
}

func TestGzip_ConcatenatedMembers(t *testing.T) {
	t.Parallel()

	packed := append(compress(t, Gzip, []byte("first ")), compress(t, Gzip, []byte("second"))...)
	r, err := NewReader(Gzip, bytes.NewReader(packed))
	require.NoError(t, err)
	got, err := io.ReadAll(r)
	require.NoError(t, err)
	assert.Equal(t, "first second", string(got))
}
