package archive

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestReadToken_Map(t *testing.T) {
	t.Parallel()

	want := ReadToken{TarReadOffset: 2048, BaseReadOffset: 512, Index: 2, IV: []byte("0123456789abcdef")}
	m := want.Map()
	assert.Equal(t, map[string]string{
		"tar_read_offset":  "2048",
		"base_read_offset": "512",
		"index":            "2",
		"iv":               "MDEyMzQ1Njc4OWFiY2RlZg==",
	}, m)

	got, err := ParseReadToken(m)
	require.NoError(t, err)
	assert.Equal(t, want, *got)
}

func TestWriteToken_Map(t *testing.T) {
	t.Parallel()

	want := WriteToken{AddOffset: 1024, BytesWritten: 1040, Size: 4000, IV: make([]byte, 16)}
	got, err := ParseWriteToken(want.Map())
	require.NoError(t, err)
	assert.Equal(t, want, *got)

	plain := WriteToken{AddOffset: 512, BytesWritten: 512, Size: 600}
	m := plain.Map()
	assert.NotContains(t, m, "iv")
	got, err = ParseWriteToken(m)
	require.NoError(t, err)
	assert.Nil(t, got.IV)
}

func TestParseToken_Invalid(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		m    map[string]string
	}{
		{"missing key", map[string]string{"tar_read_offset": "1", "index": "0"}},
		{"not a number", map[string]string{"tar_read_offset": "x", "base_read_offset": "0", "index": "0"}},
		{"bad base64", map[string]string{"tar_read_offset": "1024", "base_read_offset": "0", "index": "1", "iv": "%%%"}},
		{"short iv", map[string]string{"tar_read_offset": "1024", "base_read_offset": "0", "index": "1", "iv": "AAAA"}},
		{"read before header", map[string]string{"tar_read_offset": "0", "base_read_offset": "512", "index": "1"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			_, err := ParseReadToken(tt.m)
			require.ErrorIs(t, err, ErrInvalidToken)
		})
	}

	_, err := ParseWriteToken(map[string]string{"tar_add_offset": "10", "bytes_written": "0", "size": "5"})
	require.ErrorIs(t, err, ErrInvalidToken)
}

func TestTreeToken_JSON(t *testing.T) {
	t.Parallel()

	want := TreeToken{Next: "sub/b.bin", File: &WriteToken{AddOffset: 512, BytesWritten: 512, Size: 900}}
	data, err := json.Marshal(want)
	require.NoError(t, err)
	assert.JSONEq(t, `{"next_path":"sub/b.bin","file":{"tar_add_offset":512,"bytes_written":512,"size":900}}`, string(data))

	var got TreeToken
	require.NoError(t, json.Unmarshal(data, &got))
	assert.Equal(t, want, got)
}
