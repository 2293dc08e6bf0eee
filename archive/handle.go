package archive

import (
	"bufio"
	"errors"
	"io"
	"os"

	"rtar/internal/compression"
)

const ioBufferSize = 64 << 10

// readHandle is one open pass over an archive. It tracks the logical offset
// in the uncompressed TAR stream and emulates seeking on compressed streams
// by rewinding and discarding.
type readHandle struct {
	name   string
	src    io.ReadSeeker
	closer io.Closer
	codec  Codec
	dec    io.ReadCloser
	r      io.Reader
	offset int64
	size   int64 // length of a raw stream
}

func newReadHandle(name string, src io.ReadSeeker, closer io.Closer, codec Codec) (*readHandle, error) {
	h := &readHandle{name: name, src: src, closer: closer, codec: codec}
	if err := h.rewind(); err != nil {
		_ = h.Close()
		return nil, err
	}
	return h, nil
}

func (h *readHandle) rewind() error {
	if h.dec != nil {
		_ = h.dec.Close()
		h.dec = nil
	}
	if h.codec == CompressionNone {
		size, err := h.src.Seek(0, io.SeekEnd)
		if err != nil {
			return ioErr("seek", h.name, err)
		}
		h.size = size
	}
	if _, err := h.src.Seek(0, io.SeekStart); err != nil {
		return ioErr("seek", h.name, err)
	}
	h.offset = 0
	if h.codec == CompressionNone {
		h.r = h.src
		return nil
	}
	dec, err := compression.NewReader(h.codec, bufio.NewReaderSize(h.src, ioBufferSize))
	if err != nil {
		return ioErr("decode", h.name, err)
	}
	h.dec, h.r = dec, dec
	return nil
}

// Read implements io.Reader.
func (h *readHandle) Read(p []byte) (int, error) {
	n, err := h.r.Read(p)
	h.offset += int64(n)
	return n, err
}

// Offset returns the logical position in the TAR stream.
func (h *readHandle) Offset() int64 {
	return h.offset
}

// Seek moves to the absolute logical offset off.
func (h *readHandle) Seek(off int64) error {
	if off == h.offset {
		return nil
	}
	if h.codec == CompressionNone {
		if off > h.size {
			return ioErr("seek", h.name, io.ErrUnexpectedEOF)
		}
		if _, err := h.src.Seek(off, io.SeekStart); err != nil {
			return ioErr("seek", h.name, err)
		}
		h.offset = off
		return nil
	}
	if off < h.offset {
		if err := h.rewind(); err != nil {
			return err
		}
	}
	return h.Discard(off - h.offset)
}

// Discard skips n bytes of the stream.
func (h *readHandle) Discard(n int64) error {
	if n <= 0 {
		return nil
	}
	if h.codec == CompressionNone {
		return h.Seek(h.offset + n)
	}
	if _, err := io.CopyN(io.Discard, h, n); err != nil {
		if errors.Is(err, io.EOF) {
			err = io.ErrUnexpectedEOF
		}
		return ioErr("skip", h.name, err)
	}
	return nil
}

// Close releases the decoder and the underlying source.
func (h *readHandle) Close() error {
	var errs []error
	if h.dec != nil {
		errs = append(errs, h.dec.Close())
		h.dec = nil
	}
	if h.closer != nil {
		errs = append(errs, h.closer.Close())
		h.closer = nil
	}
	return errors.Join(errs...)
}

// writeHandle is the destination of a Writer: a file wrapped in the
// configured encoder, or an in-memory buffer.
type writeHandle struct {
	name    string
	file    *os.File
	buf     *bufio.Writer
	enc     io.WriteCloser
	written int64
}

func openWriteHandle(path string, flag int, codec Codec, level int) (*writeHandle, error) {
	f, err := os.OpenFile(path, flag, 0o644)
	if err != nil {
		return nil, ioErr("open", path, err)
	}
	h, err := fileWriteHandle(path, f, codec, level)
	if err != nil {
		_ = f.Close()
		return nil, err
	}
	return h, nil
}

func fileWriteHandle(path string, f *os.File, codec Codec, level int) (*writeHandle, error) {
	bw := bufio.NewWriterSize(f, ioBufferSize)
	enc, err := compression.NewWriter(codec, bw, level)
	if err != nil {
		return nil, err
	}
	return &writeHandle{name: path, file: f, buf: bw, enc: enc}, nil
}

func memoryWriteHandle(w io.Writer, codec Codec, level int) (*writeHandle, error) {
	enc, err := compression.NewWriter(codec, w, level)
	if err != nil {
		return nil, err
	}
	return &writeHandle{name: "memory", enc: enc}, nil
}

// Write implements io.Writer.
func (h *writeHandle) Write(p []byte) (int, error) {
	n, err := h.enc.Write(p)
	h.written += int64(n)
	if err != nil {
		return n, ioErr("write", h.name, err)
	}
	return n, nil
}

// Close flushes the encoder and closes the file.
func (h *writeHandle) Close() error {
	var errs []error
	if h.enc != nil {
		errs = append(errs, h.enc.Close())
	}
	if h.buf != nil {
		errs = append(errs, h.buf.Flush())
	}
	if h.file != nil {
		errs = append(errs, h.file.Close())
	}
	if err := errors.Join(errs...); err != nil {
		return ioErr("close", h.name, err)
	}
	return nil
}
