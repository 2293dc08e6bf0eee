package archive

import (
	"archive/tar"
	"bytes"
	"context"
	"io/fs"
	"os"
	"path/filepath"
	"regexp"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestExtract_Tree(t *testing.T) {
	t.Parallel()

	w, err := CreateMemory()
	require.NoError(t, err)
	require.NoError(t, w.AddDir(FileMeta{Name: "site", Mode: 0o750}))
	require.NoError(t, w.AddData(FileMeta{Name: "site/a.txt", Mode: 0o640, ModTime: time.Unix(1600000000, 0)}, []byte("hello")))
	require.NoError(t, w.AddData(meta("site/sub/b.txt"), []byte("world")))
	data, err := w.Archive()
	require.NoError(t, err)

	var seen []string
	r, err := OpenBytes(data, WithEntryFunc(func(e Entry, _ string) { seen = append(seen, e.Name) }))
	require.NoError(t, err)
	dst := t.TempDir()
	res, err := r.Extract(context.Background(), dst, ExtractOptions{}, nil)
	require.NoError(t, err)
	assert.Equal(t, StatusDone, res.Status)
	assert.Equal(t, 3, res.Entries)
	assert.Equal(t, int64(10), res.Bytes)
	assert.Equal(t, []string{"site", "site/a.txt", "site/sub/b.txt"}, seen)

	got, err := os.ReadFile(filepath.Join(dst, "site", "a.txt"))
	require.NoError(t, err)
	assert.Equal(t, "hello", string(got))
	got, err = os.ReadFile(filepath.Join(dst, "site", "sub", "b.txt"))
	require.NoError(t, err)
	assert.Equal(t, "world", string(got))

	fi, err := os.Stat(filepath.Join(dst, "site", "a.txt"))
	require.NoError(t, err)
	assert.Equal(t, fs.FileMode(0o640), fi.Mode().Perm())
	assert.Equal(t, int64(1600000000), fi.ModTime().Unix())
}

func TestExtract_ReplacesExistingFile(t *testing.T) {
	t.Parallel()

	dst := t.TempDir()
	writeFile(t, filepath.Join(dst, "a.txt"), bytes.Repeat([]byte("old"), 1000))

	r, err := OpenBytes(memoryArchive(t, []memFile{{"a.txt", "new"}}))
	require.NoError(t, err)
	_, err = r.Extract(context.Background(), dst, ExtractOptions{}, nil)
	require.NoError(t, err)

	got, err := os.ReadFile(filepath.Join(dst, "a.txt"))
	require.NoError(t, err)
	assert.Equal(t, "new", string(got))
}

func TestExtract_Options(t *testing.T) {
	t.Parallel()

	data := memoryArchive(t, []memFile{
		{"site/a.txt", "a"},
		{"site/skip.log", "log"},
		{"site/sub/b.txt", "b"},
		{"top.txt", "top"},
	})
	tests := []struct {
		name string
		opts ExtractOptions
		want []string
	}{
		{
			name: "none",
			want: []string{"site/a.txt", "site/skip.log", "site/sub/b.txt", "top.txt"},
		},
		{
			name: "strip components",
			opts: ExtractOptions{StripComponents: 1},
			want: []string{"a.txt", "skip.log", "sub/b.txt"},
		},
		{
			name: "strip prefix",
			opts: ExtractOptions{StripPrefix: "site/"},
			want: []string{"a.txt", "skip.log", "sub/b.txt", "top.txt"},
		},
		{
			name: "exclude",
			opts: ExtractOptions{Exclude: []*regexp.Regexp{regexp.MustCompile(`\.log$`)}},
			want: []string{"site/a.txt", "site/sub/b.txt", "top.txt"},
		},
		{
			name: "include after strip",
			opts: ExtractOptions{
				StripComponents: 1,
				Include:         []*regexp.Regexp{regexp.MustCompile(`^sub/`)},
			},
			want: []string{"sub/b.txt"},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			r, err := OpenBytes(data)
			require.NoError(t, err)
			dst := t.TempDir()
			res, err := r.Extract(context.Background(), dst, tt.opts, nil)
			require.NoError(t, err)
			assert.Equal(t, len(tt.want), res.Entries)
			assert.Equal(t, tt.want, listFiles(t, dst))
		})
	}
}

func listFiles(t *testing.T, root string) []string {
	t.Helper()
	var files []string
	err := filepath.WalkDir(root, func(p string, d fs.DirEntry, err error) error {
		if err != nil || d.IsDir() {
			return err
		}
		rel, err := filepath.Rel(root, p)
		files = append(files, filepath.ToSlash(rel))
		return err
	})
	require.NoError(t, err)
	return files
}

func TestExtract_RejectsTraversal(t *testing.T) {
	t.Parallel()

	data := memoryArchive(t, []memFile{
		{"../evil.txt", "x"},
		{"ok/../../evil2.txt", "x"},
		{"fine.txt", "ok"},
	})
	root := t.TempDir()
	dst := filepath.Join(root, "out")

	r, err := OpenBytes(data)
	require.NoError(t, err)
	res, err := r.Extract(context.Background(), dst, ExtractOptions{}, nil)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Entries)

	assert.NoFileExists(t, filepath.Join(root, "evil.txt"))
	assert.NoFileExists(t, filepath.Join(root, "evil2.txt"))
	assert.FileExists(t, filepath.Join(dst, "fine.txt"))
}

func TestExtract_EncryptedWithoutPassphraseIsSkipped(t *testing.T) {
	t.Parallel()

	data := memoryArchive(t, []memFile{{"secret.txt", "s3cr3t"}}, WithPassphrase("pw"))

	r, err := OpenBytes(data)
	require.NoError(t, err)
	dst := t.TempDir()
	res, err := r.Extract(context.Background(), dst, ExtractOptions{}, nil)
	require.NoError(t, err)
	assert.Zero(t, res.Entries)
	assert.NoFileExists(t, filepath.Join(dst, "secret.txt"))

	r, err = OpenBytes(data, WithPassphrase("pw"))
	require.NoError(t, err)
	res, err = r.Extract(context.Background(), dst, ExtractOptions{}, nil)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Entries)
	got, err := os.ReadFile(filepath.Join(dst, "secret.txt"))
	require.NoError(t, err)
	assert.Equal(t, "s3cr3t", string(got))
}

func TestExtract_Resumable(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name       string
		archive    string
		passphrase string
	}{
		{"plain", "a.tar", ""},
		{"encrypted", "a.tar", "hunter2"},
		{"gzip", "a.tar.gz", ""},
		{"gzip encrypted", "a.tar.gz", "hunter2"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			dir := t.TempDir()
			big := randomBytes(t, 10<<20+700)
			src := filepath.Join(dir, "big.bin")
			writeFile(t, src, big)

			path := filepath.Join(dir, tt.archive)
			w, err := Create(path, WithPassphrase(tt.passphrase))
			require.NoError(t, err)
			require.NoError(t, w.AddData(meta("first.txt"), []byte("first")))
			_, err = w.AddFile(context.Background(), src, metaFor(t, "data/big.bin", src), nil)
			require.NoError(t, err)
			require.NoError(t, w.AddData(meta("last.txt"), []byte("last")))
			require.NoError(t, w.Close())

			var events []ProgressEvent
			clock := newFakeClock(time.Millisecond)
			opts := append(budgeted(clock, 2*time.Second),
				WithPassphrase(tt.passphrase),
				WithProgress(func(ev ProgressEvent) { events = append(events, ev) }),
			)
			r, err := Open(path, opts...)
			require.NoError(t, err)

			dst := filepath.Join(dir, "out")
			var token *ReadToken
			calls, entries := 0, 0
			var total int64
			for {
				res, err := r.Extract(context.Background(), dst, ExtractOptions{}, token)
				require.NoError(t, err)
				calls++
				entries += res.Entries
				total += res.Bytes
				if !res.Suspended() {
					break
				}
				require.NotNil(t, res.Read)
				token, err = ParseReadToken(res.Read.Map())
				require.NoError(t, err)
				require.Less(t, calls, 100)
			}
			assert.GreaterOrEqual(t, calls, 5)
			assert.Equal(t, 3, entries)
			assert.Equal(t, int64(len(big)+len("first")+len("last")), total)

			got, err := os.ReadFile(filepath.Join(dst, "data", "big.bin"))
			require.NoError(t, err)
			assert.True(t, bytes.Equal(big, got), "extracted content differs")
			assert.FileExists(t, filepath.Join(dst, "last.txt"))

			suspended := 0
			for _, ev := range events {
				if ev.Suspended {
					suspended++
				}
			}
			assert.Equal(t, calls-1, suspended)
		})
	}
}

func TestExtract_InvalidToken(t *testing.T) {
	t.Parallel()

	data := memoryArchive(t, []memFile{{"a.bin", string(bytes.Repeat([]byte("a"), 2000))}})
	r, err := OpenBytes(data)
	require.NoError(t, err)

	tests := []struct {
		name  string
		token ReadToken
	}{
		{"offset off the block grid", ReadToken{TarReadOffset: 700, BaseReadOffset: 0, Index: 1}},
		{"index past data", ReadToken{TarReadOffset: 512 + 5*512, BaseReadOffset: 0, Index: 5}},
		{"no header at base", ReadToken{TarReadOffset: 4096, BaseReadOffset: 2560, Index: 1}},
		{"negative", ReadToken{TarReadOffset: -1}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			token := tt.token
			_, err := r.Extract(context.Background(), t.TempDir(), ExtractOptions{}, &token)
			require.ErrorIs(t, err, ErrInvalidToken)
		})
	}
}

func TestExtract_ResumeEncryptedWithoutPassphrase(t *testing.T) {
	t.Parallel()

	big := randomBytes(t, 1<<20)
	w, err := CreateMemory(WithPassphrase("pw"))
	require.NoError(t, err)
	require.NoError(t, w.AddData(meta("big.bin"), big))
	data, err := w.Archive()
	require.NoError(t, err)

	r, err := OpenBytes(data, append(budgeted(newFakeClock(time.Millisecond), 50*time.Millisecond), WithPassphrase("pw"))...)
	require.NoError(t, err)
	dst := t.TempDir()
	res, err := r.Extract(context.Background(), dst, ExtractOptions{}, nil)
	require.NoError(t, err)
	require.True(t, res.Suspended())
	require.Positive(t, res.Read.Index)

	partial, err := os.ReadFile(filepath.Join(dst, "big.bin"))
	require.NoError(t, err)
	require.Less(t, len(partial), len(big))

	keyless, err := OpenBytes(data)
	require.NoError(t, err)
	res, err = keyless.Extract(context.Background(), dst, ExtractOptions{}, res.Read)
	require.ErrorIs(t, err, ErrPassphraseRequired)
	assert.Zero(t, res.Entries)
	got, err := os.ReadFile(filepath.Join(dst, "big.bin"))
	require.NoError(t, err)
	assert.Len(t, got, len(partial))
}

func TestExtract_TokenOnUnsupportedEntry(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer
	tw := tar.NewWriter(&buf)
	require.NoError(t, tw.WriteHeader(&tar.Header{
		Name:     "link",
		Linkname: "target",
		Typeflag: tar.TypeSymlink,
		ModTime:  time.Unix(1600000000, 0),
		Format:   tar.FormatUSTAR,
	}))
	require.NoError(t, tw.Close())

	r, err := OpenBytes(buf.Bytes())
	require.NoError(t, err)
	token := ReadToken{TarReadOffset: 1024, BaseReadOffset: 0, Index: 1}
	_, err = r.Extract(context.Background(), t.TempDir(), ExtractOptions{}, &token)
	require.ErrorIs(t, err, ErrInvalidToken)
}

type recordingHost struct {
	OSHost
	dirs []string
}

func (h *recordingHost) MkdirAll(path string, perm fs.FileMode) error {
	h.dirs = append(h.dirs, path)
	return h.OSHost.MkdirAll(path, perm)
}

func TestExtract_UsesHost(t *testing.T) {
	t.Parallel()

	host := &recordingHost{}
	r, err := OpenBytes(memoryArchive(t, []memFile{{"d/e/f.txt", "x"}}), WithHost(host))
	require.NoError(t, err)
	dst := t.TempDir()
	_, err = r.Extract(context.Background(), dst, ExtractOptions{}, nil)
	require.NoError(t, err)
	assert.Equal(t, []string{filepath.Join(dst, "d", "e")}, host.dirs)
}
