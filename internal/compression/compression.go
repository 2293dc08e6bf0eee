// Package compression selects and opens the byte-stream filter wrapped
// around an archive.
package compression

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/dsnet/compress/bzip2"
	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zstd"
	"github.com/pedroalbanese/brotli"
	"github.com/pedroalbanese/xz"
	"github.com/pedroalbanese/xz/lzma"
	"github.com/pierrec/lz4/v4"
)

// ErrIllegalCompression is returned for codecs that are unknown or cannot
// serve the requested operation.
var ErrIllegalCompression = errors.New("illegal compression")

// Codec identifies a stream filter.
type Codec uint8

const (
	None Codec = iota
	Gzip
	Bzip2
	Xz
	Lzma
	Lz4
	Zstd
	Brotli
)

// DefaultLevel selects each codec's own default level.
const DefaultLevel = 0

var names = map[Codec]string{
	None:   "none",
	Gzip:   "gzip",
	Bzip2:  "bzip2",
	Xz:     "xz",
	Lzma:   "lzma",
	Lz4:    "lz4",
	Zstd:   "zstd",
	Brotli: "brotli",
}

// String returns the codec name.
func (c Codec) String() string {
	if s, ok := names[c]; ok {
		return s
	}
	return "unknown"
}

// Valid returns a nil error iff c is a known codec.
func (c Codec) Valid() error {
	if _, ok := names[c]; !ok {
		return fmt.Errorf("%w: codec %d", ErrIllegalCompression, c)
	}
	return nil
}

// Concatenable reports whether independently compressed members appended
// to one file decode as a single stream. Resumed writes rely on it.
func (c Codec) Concatenable() bool {
	switch c {
	case None, Gzip, Xz, Zstd:
		return true
	}
	return false
}

// Parse maps a codec name, as printed by String, back to a Codec.
func Parse(s string) (Codec, error) {
	s = strings.ToLower(strings.TrimSpace(s))
	switch s {
	case "", "raw":
		return None, nil
	case "gz":
		return Gzip, nil
	case "bz2":
		return Bzip2, nil
	case "zst":
		return Zstd, nil
	case "br":
		return Brotli, nil
	}
	for c, name := range names {
		if name == s {
			return c, nil
		}
	}
	return None, fmt.Errorf("%w: %q", ErrIllegalCompression, s)
}

var magics = []struct {
	magic []byte
	codec Codec
}{
	{[]byte("BZh"), Bzip2},
	{[]byte{0x1f, 0x8b}, Gzip},
	{[]byte{0xfd, '7', 'z', 'X', 'Z', 0x00}, Xz},
	{[]byte{0x28, 0xb5, 0x2f, 0xfd}, Zstd},
	{[]byte{0x04, 0x22, 0x4d, 0x18}, Lz4},
}

// SniffLen is the number of leading bytes Sniff inspects.
const SniffLen = 6

// Sniff identifies a codec from the first bytes of a stream. Lzma and brotli
// carry no reliable magic and are never reported. Bzip2 requires the "BZh"
// stream header so that raw archives whose first name starts with "BZ" stay
// raw.
func Sniff(head []byte) Codec {
	for _, m := range magics {
		if bytes.HasPrefix(head, m.magic) {
			return m.codec
		}
	}
	return None
}

// FromExtension maps a file name to a codec.
func FromExtension(path string) Codec {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".gz", ".tgz":
		return Gzip
	case ".bz2", ".tbz", ".tbz2":
		return Bzip2
	case ".xz", ".txz":
		return Xz
	case ".lzma":
		return Lzma
	case ".lz4":
		return Lz4
	case ".zst", ".tzst":
		return Zstd
	case ".br":
		return Brotli
	}
	return None
}

// Detect sniffs an existing file and falls back to its extension when the
// content carries no known magic. Missing or empty files use the extension.
func Detect(path string) (Codec, error) {
	f, err := os.Open(path)
	if errors.Is(err, os.ErrNotExist) {
		return FromExtension(path), nil
	}
	if err != nil {
		return None, err
	}
	defer f.Close()

	head := make([]byte, SniffLen)
	n, err := io.ReadFull(f, head)
	if err != nil && !errors.Is(err, io.ErrUnexpectedEOF) && !errors.Is(err, io.EOF) {
		return None, err
	}
	if c := Sniff(head[:n]); c != None {
		return c, nil
	}
	return FromExtension(path), nil
}

// NewReader wraps r with the decoder for c.
func NewReader(c Codec, r io.Reader) (io.ReadCloser, error) {
	switch c {
	case None:
		return io.NopCloser(r), nil
	case Gzip:
		zr, err := gzip.NewReader(r)
		if err != nil {
			return nil, err
		}
		return zr, nil
	case Bzip2:
		br, err := bzip2.NewReader(r, nil)
		if err != nil {
			return nil, err
		}
		return br, nil
	case Xz:
		xr, err := xz.NewReader(r)
		if err != nil {
			return nil, err
		}
		return io.NopCloser(xr), nil
	case Lzma:
		lr, err := lzma.NewReader(r)
		if err != nil {
			return nil, err
		}
		return io.NopCloser(lr), nil
	case Lz4:
		return io.NopCloser(lz4.NewReader(r)), nil
	case Zstd:
		dec, err := zstd.NewReader(r)
		if err != nil {
			return nil, err
		}
		return dec.IOReadCloser(), nil
	case Brotli:
		return io.NopCloser(brotli.NewReader(r)), nil
	}
	return nil, c.Valid()
}

// NewWriter wraps w with the encoder for c. Closing the result flushes the
// encoder but never closes w.
func NewWriter(c Codec, w io.Writer, level int) (io.WriteCloser, error) {
	switch c {
	case None:
		return nopWriteCloser{w}, nil
	case Gzip:
		if level == DefaultLevel {
			level = gzip.DefaultCompression
		}
		zw, err := gzip.NewWriterLevel(w, level)
		if err != nil {
			return nil, fmt.Errorf("%w: %w", ErrIllegalCompression, err)
		}
		return zw, nil
	case Bzip2:
		bw, err := bzip2.NewWriter(w, &bzip2.WriterConfig{Level: level})
		if err != nil {
			return nil, fmt.Errorf("%w: %w", ErrIllegalCompression, err)
		}
		return bw, nil
	case Xz:
		xw, err := xz.NewWriter(w)
		if err != nil {
			return nil, err
		}
		return xw, nil
	case Lzma:
		lw, err := lzma.NewWriter(w)
		if err != nil {
			return nil, err
		}
		return lw, nil
	case Lz4:
		return lz4.NewWriter(w), nil
	case Zstd:
		opts := []zstd.EOption{zstd.WithEncoderConcurrency(1)}
		if level != DefaultLevel {
			opts = append(opts, zstd.WithEncoderLevel(zstd.EncoderLevelFromZstd(level)))
		}
		enc, err := zstd.NewWriter(w, opts...)
		if err != nil {
			return nil, fmt.Errorf("%w: %w", ErrIllegalCompression, err)
		}
		return enc, nil
	case Brotli:
		if level == DefaultLevel {
			level = brotli.DefaultCompression
		}
		return brotli.NewWriterLevel(w, level), nil
	}
	return nil, c.Valid()
}

type nopWriteCloser struct {
	io.Writer
}

func (nopWriteCloser) Close() error { return nil }
