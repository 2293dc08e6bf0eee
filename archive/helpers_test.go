package archive

import (
	"bytes"
	"crypto/rand"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

// fakeClock advances by step on every reading.
type fakeClock struct {
	t    time.Time
	step time.Duration
}

func newFakeClock(step time.Duration) *fakeClock {
	return &fakeClock{t: time.Unix(1700000000, 0), step: step}
}

func (c *fakeClock) Now() time.Time {
	c.t = c.t.Add(c.step)
	return c.t
}

func budgeted(clock *fakeClock, d time.Duration) []Option {
	return []Option{WithTimeout(d), WithClock(clock.Now)}
}

func randomBytes(t *testing.T, n int) []byte {
	t.Helper()
	b := make([]byte, n)
	_, err := rand.Read(b)
	require.NoError(t, err)
	return b
}

func writeFile(t *testing.T, path string, data []byte) {
	t.Helper()
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, data, 0o644))
}

func metaFor(t *testing.T, name, path string) FileMeta {
	t.Helper()
	fi, err := os.Stat(path)
	require.NoError(t, err)
	return FileMetaFromInfo(name, fi)
}

func fixedIV() *bytes.Reader {
	return bytes.NewReader(bytes.Repeat([]byte{0x42}, 16))
}

func meta(name string) FileMeta {
	return FileMeta{Name: name, Mode: 0o644, ModTime: time.Unix(1700000000, 0)}
}

// memoryArchive builds an archive holding name → content pairs in order.
func memoryArchive(t *testing.T, files []memFile, opts ...Option) []byte {
	t.Helper()
	w, err := CreateMemory(opts...)
	require.NoError(t, err)
	for _, f := range files {
		require.NoError(t, w.AddData(meta(f.name), []byte(f.data)))
	}
	data, err := w.Archive()
	require.NoError(t, err)
	return data
}

type memFile struct {
	name string
	data string
}
