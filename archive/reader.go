package archive

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"

	"rtar/internal/blockcipher"
	"rtar/internal/compression"
	"rtar/internal/record"
)

// ReaderState is the position of a Reader in its scan.
type ReaderState uint8

const (
	StateScanning ReaderState = iota
	StateHeaderFound
	StateSkipping
	StateExtracting
	StateClosed
)

// String returns the string representation of the state.
func (s ReaderState) String() string {
	switch s {
	case StateScanning:
		return "scanning"
	case StateHeaderFound:
		return "header found"
	case StateSkipping:
		return "skipping"
	case StateExtracting:
		return "extracting"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// Reader scans an archive. Each operation opens its own pass over the
// underlying stream and closes it before returning, so a Reader can serve
// several operations and no handle outlives a call.
type Reader struct {
	cfg   config
	name  string
	codec Codec
	open  func() (*readHandle, error)
	state ReaderState
}

// Open returns a Reader for the archive at path. The codec is detected from
// the file's magic bytes, then its extension, unless WithCompression is set.
func Open(path string, opts ...Option) (*Reader, error) {
	cfg := newConfig(opts)
	codec := cfg.codec
	if !cfg.codecSet {
		var err error
		if codec, err = compression.Detect(path); err != nil {
			return nil, ioErr("open", path, err)
		}
	}
	if err := codec.Valid(); err != nil {
		return nil, err
	}
	if _, err := os.Stat(path); err != nil {
		return nil, ioErr("open", path, err)
	}

	r := &Reader{cfg: cfg, name: path, codec: codec}
	r.open = func() (*readHandle, error) {
		f, err := os.Open(path)
		if err != nil {
			return nil, ioErr("open", path, err)
		}
		return newReadHandle(path, f, f, codec)
	}
	return r, nil
}

// OpenBytes returns a Reader over an in-memory archive.
func OpenBytes(data []byte, opts ...Option) (*Reader, error) {
	cfg := newConfig(opts)
	codec := cfg.codec
	if !cfg.codecSet {
		codec = compression.Sniff(data)
	}
	if err := codec.Valid(); err != nil {
		return nil, err
	}

	r := &Reader{cfg: cfg, name: "memory", codec: codec}
	r.open = func() (*readHandle, error) {
		return newReadHandle(r.name, bytes.NewReader(data), nil, codec)
	}
	return r, nil
}

// Codec returns the codec the archive is read with.
func (r *Reader) Codec() Codec {
	return r.codec
}

// State returns the current scan state.
func (r *Reader) State() ReaderState {
	return r.state
}

// Close moves the Reader to its terminal state. It is safe to call more
// than once.
func (r *Reader) Close() error {
	r.state = StateClosed
	return nil
}

func (r *Reader) begin() (*readHandle, error) {
	if r.state == StateClosed {
		return nil, ErrClosed
	}
	h, err := r.open()
	if err != nil {
		return nil, err
	}
	r.state = StateScanning
	return h, nil
}

func (r *Reader) finish(h *readHandle) {
	if err := h.Close(); err != nil {
		r.cfg.log().Warn("closing archive", "archive", r.name, "error", err)
	}
	if r.state != StateClosed {
		r.state = StateScanning
	}
}

// next reads the header at the current position. It returns io.EOF at the
// end-of-archive marker and at a clean end of stream.
func (r *Reader) next(h *readHandle) (Entry, int64, error) {
	r.state = StateScanning
	off := h.Offset()
	var src io.Reader = h
	for {
		e, _, err := record.ReadEntry(src)
		switch {
		case err == nil:
			r.state = StateHeaderFound
			return e, off, nil
		case errors.Is(err, record.ErrNotHeader):
			block := make([]byte, record.BlockSize)
			_, err := io.ReadFull(h, block)
			switch {
			case errors.Is(err, io.EOF):
				r.cfg.log().Warn("archive terminator is a single zero block", "archive", r.name, "offset", off)
				return Entry{}, off, io.EOF
			case err != nil:
				return Entry{}, off, ioErr("read", r.name, unexpectedEOF(err))
			case record.IsZeroBlock(block):
				return Entry{}, off, io.EOF
			}
			// A lone zero block is not a terminator; the next header
			// starts right after it.
			r.cfg.log().Warn("skipping stray zero block", "archive", r.name, "offset", off)
			off += record.BlockSize
			src = io.MultiReader(bytes.NewReader(block), h)
		case errors.Is(err, io.EOF):
			r.cfg.log().Warn("archive ends without terminator", "archive", r.name, "offset", off)
			return Entry{}, off, io.EOF
		case errors.Is(err, record.ErrCorrupt):
			return Entry{}, off, fmt.Errorf("%s at offset %d: %w", r.name, off, err)
		default:
			return Entry{}, off, ioErr("read", r.name, err)
		}
	}
}

// skip moves past the data region of e, whose header was just read.
func (r *Reader) skip(h *readHandle, e Entry) error {
	r.state = StateSkipping
	return h.Discard(record.Pad(record.StoredSize(e)))
}

// Contents lists every entry without materializing any data.
func (r *Reader) Contents(ctx context.Context) ([]Entry, error) {
	h, err := r.begin()
	if err != nil {
		return nil, err
	}
	defer r.finish(h)

	var entries []Entry
	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		e, _, err := r.next(h)
		if errors.Is(err, io.EOF) {
			return entries, nil
		}
		if err != nil {
			return nil, err
		}
		entries = append(entries, e)
		if err := r.skip(h, e); err != nil {
			return nil, err
		}
	}
}

// Stats summarizes an archive.
type Stats struct {
	Files       int
	Directories int
	Encrypted   int
	Other       int

	// TotalSize is the summed content size of regular and encrypted files.
	TotalSize int64
}

// Stats scans the archive and counts its entries by kind.
func (r *Reader) Stats(ctx context.Context) (Stats, error) {
	entries, err := r.Contents(ctx)
	if err != nil {
		return Stats{}, err
	}
	var s Stats
	for _, e := range entries {
		switch e.Typeflag {
		case record.TypeReg, record.TypeRegA:
			s.Files++
			s.TotalSize += e.Size
		case record.TypeEncrypted:
			s.Files++
			s.Encrypted++
			s.TotalSize += e.Size
		case record.TypeDir:
			s.Directories++
		default:
			s.Other++
		}
	}
	return s, nil
}

// IsCorrupted is a heuristic integrity probe. It scans the trailing probe
// budget of the archive backwards, one block at a time, for a header naming
// the sentinel entry, and reports true when none is found. Blocks that fail
// to decode are passed over without distinguishing damage from data.
func (r *Reader) IsCorrupted(ctx context.Context) (bool, error) {
	h, err := r.begin()
	if err != nil {
		return false, err
	}
	defer r.finish(h)

	budget := record.Pad(r.cfg.probeBudget)
	if r.codec == CompressionNone {
		size, err := h.src.Seek(0, io.SeekEnd)
		if err != nil {
			return false, ioErr("seek", r.name, err)
		}
		start := max(record.Pad(size-budget), 0)
		if _, err := h.src.Seek(start, io.SeekStart); err != nil {
			return false, ioErr("seek", r.name, err)
		}
		h.offset = start
	}

	base := h.Offset()
	tail := &tailBuffer{limit: int(budget)}
	if _, err := io.Copy(tail, &ctxReader{ctx: ctx, r: h}); err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return false, ctxErr
		}
		return false, ioErr("read", r.name, err)
	}

	window := tail.aligned(base)
	for off := len(window) - record.BlockSize; off >= 0; off -= record.BlockSize {
		if e, ok := record.Probe(window[off : off+record.BlockSize]); ok && e.Name == r.cfg.sentinel {
			return false, nil
		}
	}
	r.cfg.log().Info("sentinel not found", "archive", r.name, "sentinel", r.cfg.sentinel, "scanned", len(window))
	return true, nil
}

// ExtractTo writes the content of the named entry to w.
func (r *Reader) ExtractTo(ctx context.Context, w io.Writer, name string) (Entry, error) {
	h, err := r.begin()
	if err != nil {
		return Entry{}, err
	}
	defer r.finish(h)

	for {
		if err := ctx.Err(); err != nil {
			return Entry{}, err
		}
		e, _, err := r.next(h)
		if errors.Is(err, io.EOF) {
			return Entry{}, fmt.Errorf("%w: %s", ErrNotFound, name)
		}
		if err != nil {
			return Entry{}, err
		}
		if e.Name != name || e.IsDir() {
			if err := r.skip(h, e); err != nil {
				return Entry{}, err
			}
			continue
		}

		var stream *blockcipher.Stream
		if e.IsEncrypted() {
			if stream, err = r.readIV(h); err != nil {
				return Entry{}, err
			}
		}
		r.state = StateExtracting
		if _, _, err := r.copyData(ctx, h, e, w, "output", 0, stream, unlimited); err != nil {
			return Entry{}, err
		}
		return e, nil
	}
}

// ExtractAllTo writes the content of every file entry to w in archive order
// and returns the entries written. Encrypted entries are skipped when no
// passphrase is configured.
func (r *Reader) ExtractAllTo(ctx context.Context, w io.Writer) ([]Entry, error) {
	h, err := r.begin()
	if err != nil {
		return nil, err
	}
	defer r.finish(h)

	var written []Entry
	for {
		if err := ctx.Err(); err != nil {
			return written, err
		}
		e, _, err := r.next(h)
		if errors.Is(err, io.EOF) {
			return written, nil
		}
		if err != nil {
			return written, err
		}
		regular := e.Typeflag == record.TypeReg || e.Typeflag == record.TypeRegA || e.IsEncrypted()
		if !regular || (e.IsEncrypted() && r.cfg.key == nil) {
			if e.IsEncrypted() {
				r.cfg.log().Warn("skipping encrypted entry without passphrase", "name", e.Name)
			}
			if err := r.skip(h, e); err != nil {
				return written, err
			}
			continue
		}

		dataEnd := h.Offset() + record.Pad(record.StoredSize(e))
		var stream *blockcipher.Stream
		if e.IsEncrypted() {
			if stream, err = r.readIV(h); err != nil {
				return written, err
			}
		}
		r.state = StateExtracting
		if _, _, err := r.copyData(ctx, h, e, w, "output", 0, stream, unlimited); err != nil {
			return written, err
		}
		if err := h.Seek(dataEnd); err != nil {
			return written, err
		}
		written = append(written, e)
	}
}

// readIV consumes the IV at the start of an encrypted data region.
func (r *Reader) readIV(h *readHandle) (*blockcipher.Stream, error) {
	if r.cfg.key == nil {
		return nil, ErrPassphraseRequired
	}
	iv := make([]byte, blockcipher.IVSize)
	if _, err := io.ReadFull(h, iv); err != nil {
		return nil, ioErr("read", r.name, unexpectedEOF(err))
	}
	return blockcipher.New(r.cfg.key, iv)
}

// copyData streams the data blocks of e from h to w, starting at block idx.
// It returns the index of the first block not written and whether the time
// box stopped it. At least one block is processed per call.
func (r *Reader) copyData(ctx context.Context, h *readHandle, e Entry, w io.Writer, dest string,
	idx int64, stream *blockcipher.Stream, tb timebox,
) (int64, bool, error) {
	blocks := record.Pad(e.Size) / record.BlockSize
	buf := make([]byte, record.BlockSize)
	for start := idx; idx < blocks; idx++ {
		if idx > start && tb.expired() {
			return idx, true, nil
		}
		if err := ctx.Err(); err != nil {
			return idx, false, err
		}
		if _, err := io.ReadFull(h, buf); err != nil {
			return idx, false, ioErr("read", r.name, unexpectedEOF(err))
		}
		if stream != nil {
			if err := stream.DecryptNext(buf, buf); err != nil {
				return idx, false, err
			}
		}
		n := min(e.Size-idx*record.BlockSize, record.BlockSize)
		if _, err := w.Write(buf[:n]); err != nil {
			return idx, false, ioErr("write", dest, err)
		}
	}
	return idx, false, nil
}

func unexpectedEOF(err error) error {
	if errors.Is(err, io.EOF) {
		return io.ErrUnexpectedEOF
	}
	return err
}

// tailBuffer keeps the last limit bytes written to it.
type tailBuffer struct {
	buf   []byte
	limit int
	total int64
}

func (t *tailBuffer) Write(p []byte) (int, error) {
	t.total += int64(len(p))
	t.buf = append(t.buf, p...)
	if len(t.buf) > 2*t.limit {
		t.buf = append(t.buf[:0], t.buf[len(t.buf)-t.limit:]...)
	}
	return len(p), nil
}

// aligned returns the kept bytes trimmed to the limit and to a block
// boundary of the stream, given the stream offset the writes started at.
func (t *tailBuffer) aligned(base int64) []byte {
	b := t.buf
	if len(b) > t.limit {
		b = b[len(b)-t.limit:]
	}
	start := base + t.total - int64(len(b))
	if rem := start % record.BlockSize; rem != 0 {
		skip := int(record.BlockSize - rem)
		if skip >= len(b) {
			return nil
		}
		b = b[skip:]
	}
	return b[:len(b)/record.BlockSize*record.BlockSize]
}

// ctxReader stops a copy once ctx is done.
type ctxReader struct {
	ctx context.Context
	r   io.Reader
}

func (c *ctxReader) Read(p []byte) (int, error) {
	if err := c.ctx.Err(); err != nil {
		return 0, err
	}
	return c.r.Read(p)
}
