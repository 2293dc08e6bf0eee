package archive

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"rtar/internal/blockcipher"
	"rtar/internal/compression"
	"rtar/internal/record"
)

// FileMeta is the header metadata of an entry being added.
type FileMeta struct {
	// Name is the slash-separated archive name.
	Name    string
	Mode    fs.FileMode
	ModTime time.Time
	UID     int
	GID     int
	Uname   string
	Gname   string
}

// FileMetaFromInfo returns the metadata of fi under the given archive name.
func FileMetaFromInfo(name string, fi fs.FileInfo) FileMeta {
	return FileMeta{
		Name:    name,
		Mode:    fi.Mode().Perm(),
		ModTime: fi.ModTime(),
	}
}

// Writer builds an archive in a file or in memory.
type Writer struct {
	cfg   config
	path  string
	codec Codec
	h     *writeHandle
	mem   *bytes.Buffer

	// closed is set by Close and Detach.
	closed bool
	// err is set once an entry fails after its header was written.
	err error
}

// Create truncates or creates the archive at path. The codec comes from
// WithCompression or, failing that, from the file extension.
func Create(path string, opts ...Option) (*Writer, error) {
	cfg := newConfig(opts)
	codec := cfg.codec
	if !cfg.codecSet {
		codec = compression.FromExtension(path)
	}
	if err := codec.Valid(); err != nil {
		return nil, err
	}
	h, err := openWriteHandle(path, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, codec, cfg.level)
	if err != nil {
		return nil, err
	}
	return &Writer{cfg: cfg, path: path, codec: codec, h: h}, nil
}

// Append opens a finished uncompressed archive and positions the writer
// over its end-of-archive marker, so new entries replace it. Compressed
// archives are rejected with ErrIllegalCompression.
func Append(path string, opts ...Option) (*Writer, error) {
	cfg := newConfig(opts)
	codec := cfg.codec
	if !cfg.codecSet {
		var err error
		if codec, err = compression.Detect(path); err != nil {
			return nil, ioErr("open", path, err)
		}
	}
	if codec != CompressionNone {
		return nil, fmt.Errorf("%w: cannot append to %s archive", ErrIllegalCompression, codec)
	}

	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0o644)
	if err != nil {
		return nil, ioErr("open", path, err)
	}
	end, err := endOfArchive(path, f)
	if err == nil {
		err = f.Truncate(end)
	}
	if err == nil {
		_, err = f.Seek(end, io.SeekStart)
	}
	if err != nil {
		_ = f.Close()
		if errors.Is(err, ErrIO) || errors.Is(err, ErrCorruptHeader) {
			return nil, err
		}
		return nil, ioErr("seek", path, err)
	}
	h, err := fileWriteHandle(path, f, codec, cfg.level)
	if err != nil {
		_ = f.Close()
		return nil, err
	}
	return &Writer{cfg: cfg, path: path, codec: codec, h: h}, nil
}

// endOfArchive returns the offset of the end-of-archive marker, or of the
// end of the last entry when the marker is missing.
func endOfArchive(path string, f *os.File) (int64, error) {
	h, err := newReadHandle(path, f, nil, CompressionNone)
	if err != nil {
		return 0, err
	}
	for {
		off := h.Offset()
		e, _, err := record.ReadEntry(h)
		switch {
		case err == nil:
		case errors.Is(err, io.EOF):
			return off, nil
		case errors.Is(err, record.ErrNotHeader):
			block := make([]byte, record.BlockSize)
			if _, err := io.ReadFull(h, block); err != nil || record.IsZeroBlock(block) {
				return off, nil
			}
			// Stray zero block; keep scanning from the block after it.
			if err := h.Seek(off + record.BlockSize); err != nil {
				return 0, err
			}
			continue
		case errors.Is(err, record.ErrCorrupt):
			return 0, fmt.Errorf("%s at offset %d: %w", path, off, err)
		default:
			return 0, ioErr("read", path, err)
		}
		if err := h.Discard(record.Pad(record.StoredSize(e))); err != nil {
			return 0, err
		}
	}
}

// Resume reopens an archive left by Detach and continues writing at its
// end. Compressed archives gain a new stream member, which requires a
// codec whose members concatenate.
func Resume(path string, opts ...Option) (*Writer, error) {
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
	if !codec.Concatenable() {
		return nil, fmt.Errorf("%w: cannot resume %s archive", ErrIllegalCompression, codec)
	}
	h, err := openWriteHandle(path, os.O_WRONLY|os.O_APPEND, codec, cfg.level)
	if err != nil {
		return nil, err
	}
	return &Writer{cfg: cfg, path: path, codec: codec, h: h}, nil
}

// CreateMemory returns a Writer that builds the archive in memory. Use
// Archive or Save to obtain the finished bytes.
func CreateMemory(opts ...Option) (*Writer, error) {
	cfg := newConfig(opts)
	if err := cfg.codec.Valid(); err != nil {
		return nil, err
	}
	mem := &bytes.Buffer{}
	h, err := memoryWriteHandle(mem, cfg.codec, cfg.level)
	if err != nil {
		return nil, err
	}
	return &Writer{cfg: cfg, codec: cfg.codec, h: h, mem: mem}, nil
}

// Codec returns the codec the archive is written with.
func (w *Writer) Codec() Codec {
	return w.codec
}

func (w *Writer) entry(meta FileMeta, typeflag byte, size int64) Entry {
	mtime := meta.ModTime
	if mtime.IsZero() {
		mtime = w.cfg.now()
	}
	return Entry{
		Name:     strings.TrimLeft(meta.Name, "/"),
		Mode:     int64(meta.Mode.Perm()),
		UID:      meta.UID,
		GID:      meta.GID,
		Size:     size,
		ModTime:  mtime.Unix(),
		Uname:    meta.Uname,
		Gname:    meta.Gname,
		Typeflag: typeflag,
	}
}

// usable reports why the writer cannot take another entry.
func (w *Writer) usable() error {
	if w.closed {
		return ErrUnauthorizedWrite
	}
	return w.err
}

// fail records err as the reason the archive cannot be finished and
// returns it unchanged.
func (w *Writer) fail(err error) error {
	w.err = fmt.Errorf("%w: %w", ErrIncomplete, err)
	w.cfg.log().Error("entry left incomplete", "archive", w.path, "error", err)
	return err
}

func (w *Writer) fileType() byte {
	if w.cfg.key != nil {
		return record.TypeEncrypted
	}
	return record.TypeReg
}

// writeHeader writes the header of a new file entry and, when encrypting,
// the IV opening its data region.
func (w *Writer) writeHeader(meta FileMeta, size int64) (*blockcipher.Stream, int64, error) {
	hdr, err := record.Encode(w.entry(meta, w.fileType(), size))
	if err != nil {
		return nil, 0, fmt.Errorf("%s: %w", meta.Name, err)
	}
	if w.cfg.key == nil {
		if _, err := w.h.Write(hdr); err != nil {
			return nil, 0, w.fail(err)
		}
		return nil, 0, nil
	}

	stream, err := blockcipher.NewRandom(w.cfg.key, w.cfg.rand)
	if err != nil {
		return nil, 0, err
	}
	if _, err := w.h.Write(hdr); err != nil {
		return nil, 0, w.fail(err)
	}
	if _, err := w.h.Write(stream.IV()); err != nil {
		return nil, 0, w.fail(err)
	}
	return stream, blockcipher.IVSize, nil
}

// AddFile archives the file at src. With a WithTimeout budget it may stop
// early and return a suspended Result whose token continues the entry; the
// caller passes it back, to this Writer or to one opened with Resume.
func (w *Writer) AddFile(ctx context.Context, src string, meta FileMeta, token *WriteToken) (Result, error) {
	return w.addFile(ctx, src, meta, token, w.cfg.startTimebox())
}

func (w *Writer) addFile(ctx context.Context, src string, meta FileMeta, token *WriteToken, tb timebox) (Result, error) {
	if err := w.usable(); err != nil {
		return Result{}, err
	}
	if meta.Name == "" {
		meta.Name = filepath.ToSlash(filepath.Clean(src))
	}

	f, err := os.Open(src)
	if err != nil {
		return Result{}, ioErr("open", src, err)
	}
	defer f.Close()
	fi, err := f.Stat()
	if err != nil {
		return Result{}, ioErr("stat", src, err)
	}
	if !fi.Mode().IsRegular() {
		return Result{}, fmt.Errorf("%w: %s is not a regular file", ErrIO, src)
	}

	p := pending{name: meta.Name, size: fi.Size()}
	if token == nil {
		if p.stream, p.written, err = w.writeHeader(meta, p.size); err != nil {
			return Result{}, err
		}
	} else {
		if err := w.continueToken(&p, token); err != nil {
			return Result{}, err
		}
		if _, err := f.Seek(p.offset, io.SeekStart); err != nil {
			return Result{}, ioErr("seek", src, err)
		}
	}

	res, err := w.copyBlocks(ctx, f, &p, tb)
	if err == nil && res.Status == StatusDone {
		w.cfg.entryDone(w.entry(meta, w.fileType(), p.size), src)
	}
	return res, err
}

// continueToken restores the state of a suspended entry.
func (w *Writer) continueToken(p *pending, token *WriteToken) error {
	if err := token.validate(); err != nil {
		return err
	}
	if token.Size != p.size {
		return fmt.Errorf("%w: %s was %d bytes, now %d", ErrSourceChanged, p.name, token.Size, p.size)
	}
	ivLen := int64(0)
	if w.cfg.key != nil {
		if len(token.IV) == 0 {
			return fmt.Errorf("%w: encrypted entry without iv", ErrInvalidToken)
		}
		stream, err := blockcipher.New(w.cfg.key, token.IV)
		if err != nil {
			return fmt.Errorf("%w: %w", ErrInvalidToken, err)
		}
		p.stream = stream
		ivLen = blockcipher.IVSize
	} else if len(token.IV) != 0 {
		return fmt.Errorf("%w: iv given without passphrase", ErrInvalidToken)
	}
	if token.BytesWritten != ivLen+record.Pad(token.AddOffset) || token.AddOffset%record.BlockSize != 0 {
		return fmt.Errorf("%w: %d bytes written for offset %d", ErrInvalidToken, token.BytesWritten, token.AddOffset)
	}
	p.offset, p.written = token.AddOffset, token.BytesWritten
	return nil
}

// pending is the progress of the entry being written.
type pending struct {
	name    string
	size    int64
	offset  int64
	written int64
	stream  *blockcipher.Stream
}

// copyBlocks writes the data region of p from src, one block at a time,
// then pads it. The time box is checked before every block but the first.
// Any failure leaves the writer unusable.
func (w *Writer) copyBlocks(ctx context.Context, src io.Reader, p *pending, tb timebox) (Result, error) {
	res, err := w.copyData(ctx, src, p, tb)
	if err != nil {
		return res, w.fail(err)
	}
	return res, nil
}

func (w *Writer) copyData(ctx context.Context, src io.Reader, p *pending, tb timebox) (Result, error) {
	var res Result
	buf := make([]byte, record.BlockSize)
	for first := true; p.offset < p.size; first = false {
		if !first && tb.expired() {
			res.Status = StatusSuspended
			res.Write = &WriteToken{AddOffset: p.offset, BytesWritten: p.written, Size: p.size}
			if p.stream != nil {
				res.Write.IV = p.stream.IV()
			}
			w.cfg.report(ProgressEvent{Stage: StageAdding, Path: p.name, BytesDone: p.offset, BytesTotal: p.size, Suspended: true})
			w.cfg.log().Debug("add suspended", "name", p.name, "offset", p.offset)
			return res, nil
		}
		if err := ctx.Err(); err != nil {
			return res, err
		}

		n, err := io.ReadFull(src, buf[:min(p.size-p.offset, record.BlockSize)])
		if err != nil {
			if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
				return res, fmt.Errorf("%w: %s shrank at offset %d", ErrSourceChanged, p.name, p.offset+int64(n))
			}
			return res, ioErr("read", p.name, err)
		}
		clear(buf[n:])
		if p.stream != nil {
			if err := p.stream.EncryptNext(buf, buf); err != nil {
				return res, err
			}
		}
		if _, err := w.h.Write(buf); err != nil {
			return res, err
		}
		p.offset += int64(n)
		p.written += record.BlockSize
		res.Bytes += int64(n)
	}

	if pad := record.Pad(p.written) - p.written; pad > 0 {
		if _, err := w.h.Write(make([]byte, pad)); err != nil {
			return res, err
		}
	}
	res.Status = StatusDone
	res.Entries = 1
	w.cfg.report(ProgressEvent{Stage: StageAdding, Path: p.name, BytesDone: p.size, BytesTotal: p.size, FilesDone: 1})
	w.cfg.log().Debug("added", "name", p.name, "size", p.size)
	return res, nil
}

// AddData archives an in-memory file in one call.
func (w *Writer) AddData(meta FileMeta, data []byte) error {
	if err := w.usable(); err != nil {
		return err
	}
	p := pending{name: meta.Name, size: int64(len(data))}
	var err error
	if p.stream, p.written, err = w.writeHeader(meta, p.size); err != nil {
		return err
	}
	if _, err := w.copyBlocks(context.Background(), bytes.NewReader(data), &p, unlimited); err != nil {
		return err
	}
	w.cfg.entryDone(w.entry(meta, w.fileType(), p.size), meta.Name)
	return nil
}

// AddDir archives a directory entry.
func (w *Writer) AddDir(meta FileMeta) error {
	if err := w.usable(); err != nil {
		return err
	}
	e := w.entry(meta, record.TypeDir, 0)
	hdr, err := record.Encode(e)
	if err != nil {
		return fmt.Errorf("%s: %w", meta.Name, err)
	}
	if _, err := w.h.Write(hdr); err != nil {
		return w.fail(err)
	}
	w.cfg.entryDone(e, meta.Name)
	w.cfg.log().Debug("added directory", "name", e.Name)
	return nil
}

// Detach flushes and releases the archive without writing the
// end-of-archive marker, so that Resume can continue it later.
func (w *Writer) Detach() error {
	if w.closed {
		return w.err
	}
	w.closed = true
	return errors.Join(w.err, w.h.Close())
}

// Close writes the end-of-archive marker and releases the archive. It is
// safe to call more than once. After a failed entry the marker is not
// written and the failure is returned.
func (w *Writer) Close() error {
	if w.closed {
		return w.err
	}
	w.closed = true
	if w.err != nil {
		return errors.Join(w.err, w.h.Close())
	}
	_, err := w.h.Write(make([]byte, 2*record.BlockSize))
	return errors.Join(err, w.h.Close())
}

// Archive closes the writer and returns the finished archive bytes.
func (w *Writer) Archive() ([]byte, error) {
	if err := w.Close(); err != nil {
		return nil, err
	}
	if w.mem != nil {
		return w.mem.Bytes(), nil
	}
	data, err := os.ReadFile(w.path)
	if err != nil {
		return nil, ioErr("read", w.path, err)
	}
	return data, nil
}

// Save closes the writer and stores the finished archive at path.
func (w *Writer) Save(path string) error {
	data, err := w.Archive()
	if err != nil {
		return err
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return ioErr("write", path, err)
	}
	return nil
}
