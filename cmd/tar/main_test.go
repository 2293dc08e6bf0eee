package main

import (
	"bytes"
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"rtar/archive"
)

func TestHumanSize(t *testing.T) {
	t.Parallel()

	tests := []struct {
		n    int64
		want string
	}{
		{0, "0 bytes"},
		{1023, "1023 bytes"},
		{1024, "1 KB"},
		{1536, "1.50 KB"},
		{5 << 20, "5 MB"},
		{3 << 30, "3 GB"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, humanSize(tt.n))
	}
}

func TestState_SaveLoadClear(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "token.json")

	st, err := loadState(path)
	require.NoError(t, err)
	assert.False(t, st.resuming())

	want := &state{Path: 2, Tree: &archive.TreeToken{Next: "a/b", File: &archive.WriteToken{AddOffset: 512, BytesWritten: 512, Size: 900}}}
	err = saveState(path, want)
	var suspended *suspendedError
	require.ErrorAs(t, err, &suspended)
	assert.Equal(t, path, suspended.token)

	got, err := loadState(path)
	require.NoError(t, err)
	assert.Equal(t, want, got)
	assert.True(t, got.resuming())

	require.NoError(t, clearState(path))
	require.NoError(t, clearState(path))
	assert.NoFileExists(t, path)
}

func TestExtractOptions(t *testing.T) {
	xopts, err := extractOptions([]string{"site/a.txt", "docs"})
	require.NoError(t, err)
	require.Len(t, xopts.Include, 2)
	assert.True(t, xopts.Include[0].MatchString("site/a.txt"))
	assert.False(t, xopts.Include[0].MatchString("site/a.txt.bak"))
	assert.True(t, xopts.Include[1].MatchString("docs/readme.md"))
	assert.False(t, xopts.Include[1].MatchString("docsx"))
}

func TestToStdout(t *testing.T) {
	t.Parallel()

	w, err := archive.CreateMemory()
	require.NoError(t, err)
	mtime := time.Unix(1700000000, 0)
	require.NoError(t, w.AddDir(archive.FileMeta{Name: "d", Mode: 0o755, ModTime: mtime}))
	require.NoError(t, w.AddData(archive.FileMeta{Name: "d/a.txt", Mode: 0o644, ModTime: mtime}, []byte("alpha\n")))
	require.NoError(t, w.AddData(archive.FileMeta{Name: "b.txt", Mode: 0o644, ModTime: mtime}, bytes.Repeat([]byte("b"), 700)))
	data, err := w.Archive()
	require.NoError(t, err)

	r, err := archive.OpenBytes(data)
	require.NoError(t, err)

	var all bytes.Buffer
	require.NoError(t, toStdout(context.Background(), r, &all, nil))
	assert.Equal(t, "alpha\n"+string(bytes.Repeat([]byte("b"), 700)), all.String())

	var one bytes.Buffer
	require.NoError(t, toStdout(context.Background(), r, &one, []string{"d/a.txt"}))
	assert.Equal(t, "alpha\n", one.String())
}
