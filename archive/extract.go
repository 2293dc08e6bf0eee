package archive

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"regexp"
	"strings"

	"rtar/internal/blockcipher"
	"rtar/internal/record"
)

// ExtractOptions selects and renames the entries written by Extract.
// Stripping happens first; Include and Exclude match the stripped name.
type ExtractOptions struct {
	// StripComponents drops this many leading path elements. Entries with
	// no elements left are skipped.
	StripComponents int

	// StripPrefix removes a literal leading prefix when present.
	StripPrefix string

	// Include, when not empty, keeps only entries matching one pattern.
	Include []*regexp.Regexp

	// Exclude drops entries matching any pattern.
	Exclude []*regexp.Regexp
}

// target maps an archive name to its destination name relative to the
// extraction root. It reports false for entries that must be skipped.
func (o ExtractOptions) target(name string) (string, bool) {
	if o.StripPrefix != "" {
		name = strings.TrimPrefix(name, o.StripPrefix)
	}
	name = strings.TrimLeft(name, "/")
	if o.StripComponents > 0 {
		parts := strings.Split(name, "/")
		if len(parts) <= o.StripComponents {
			return "", false
		}
		name = strings.Join(parts[o.StripComponents:], "/")
	}
	if name == "" {
		return "", false
	}

	if len(o.Include) > 0 && !matchAny(o.Include, name) {
		return "", false
	}
	if matchAny(o.Exclude, name) {
		return "", false
	}
	return name, true
}

func matchAny(patterns []*regexp.Regexp, name string) bool {
	for _, re := range patterns {
		if re.MatchString(name) {
			return true
		}
	}
	return false
}

// safeJoin joins name under root, refusing names that escape it.
func safeJoin(root, name string) (string, bool) {
	clean := path.Clean(name)
	if clean == "." || clean == ".." || strings.HasPrefix(clean, "../") {
		return "", false
	}
	return filepath.Join(root, filepath.FromSlash(clean)), true
}

// Extract writes the archive's entries below dst. With a WithTimeout budget
// it may stop early and return a suspended Result carrying the token for the
// next call. A nil token starts from the beginning of the archive.
//
// Entries whose destination cannot be opened are logged and skipped, as are
// encrypted entries when no passphrase is configured.
func (r *Reader) Extract(ctx context.Context, dst string, opts ExtractOptions, token *ReadToken) (Result, error) {
	if token != nil {
		if err := token.validate(); err != nil {
			return Result{}, err
		}
	}
	h, err := r.begin()
	if err != nil {
		return Result{}, err
	}
	defer r.finish(h)

	x := &extraction{r: r, h: h, dst: dst, opts: opts, tb: r.cfg.startTimebox()}
	return x.run(ctx, token)
}

// extraction is the state of one Extract call.
type extraction struct {
	r    *Reader
	h    *readHandle
	dst  string
	opts ExtractOptions
	tb   timebox

	res        Result
	progressed bool
}

func (x *extraction) run(ctx context.Context, token *ReadToken) (Result, error) {
	switch {
	case token == nil:
	case token.Index > 0:
		if err := x.h.Seek(token.BaseReadOffset); err != nil {
			return x.res, err
		}
		e, off, err := x.r.next(x.h)
		if errors.Is(err, io.EOF) {
			return x.res, fmt.Errorf("%w: no entry at offset %d", ErrInvalidToken, token.BaseReadOffset)
		}
		if err != nil {
			return x.res, err
		}
		if suspended, err := x.entry(ctx, e, off, token); err != nil || suspended {
			return x.res, err
		}
	default:
		if err := x.h.Seek(token.TarReadOffset); err != nil {
			return x.res, err
		}
	}

	for {
		if x.progressed && x.tb.expired() {
			off := x.h.Offset()
			x.suspend(&ReadToken{TarReadOffset: off, BaseReadOffset: off}, ProgressEvent{})
			return x.res, nil
		}
		if err := ctx.Err(); err != nil {
			return x.res, err
		}
		e, off, err := x.r.next(x.h)
		if errors.Is(err, io.EOF) {
			x.res.Status = StatusDone
			return x.res, nil
		}
		if err != nil {
			return x.res, err
		}
		if suspended, err := x.entry(ctx, e, off, nil); err != nil || suspended {
			return x.res, err
		}
	}
}

func (x *extraction) suspend(t *ReadToken, ev ProgressEvent) {
	x.res.Status = StatusSuspended
	x.res.Read = t
	ev.Stage = StageExtracting
	ev.FilesDone = x.res.Entries
	ev.Suspended = true
	x.r.cfg.report(ev)
	x.r.cfg.log().Debug("extraction suspended", "archive", x.r.name, "offset", t.TarReadOffset, "index", t.Index)
}

// skip moves to end and counts it as progress.
func (x *extraction) skip(end int64) error {
	x.r.state = StateSkipping
	x.progressed = true
	return x.h.Seek(end)
}

// entry handles the entry whose header starts at headerOff and was just
// read. A non-nil token resumes it mid-data.
func (x *extraction) entry(ctx context.Context, e Entry, headerOff int64, token *ReadToken) (bool, error) {
	log := x.r.cfg.log()
	dataStart := x.h.Offset()
	dataEnd := dataStart + record.Pad(record.StoredSize(e))

	name, ok := x.opts.target(e.Name)
	if ok {
		var target string
		if target, ok = safeJoin(x.dst, name); ok {
			return x.write(ctx, e, headerOff, target, token)
		}
		log.Warn("skipping entry outside destination", "name", e.Name)
	}
	if token != nil {
		return false, fmt.Errorf("%w: entry %s is not selected", ErrInvalidToken, e.Name)
	}
	return false, x.skip(dataEnd)
}

func (x *extraction) write(ctx context.Context, e Entry, headerOff int64, target string, token *ReadToken) (bool, error) {
	cfg := &x.r.cfg
	log := cfg.log()
	dataStart := x.h.Offset()
	dataEnd := dataStart + record.Pad(record.StoredSize(e))

	switch {
	case e.IsDir():
		if token != nil {
			return false, fmt.Errorf("%w: directory %s has no data", ErrInvalidToken, e.Name)
		}
		if err := cfg.host.MkdirAll(target, permOf(e, 0o755)|0o700); err != nil {
			log.Warn("skipping directory", "name", e.Name, "error", err)
			return false, x.skip(dataEnd)
		}
		x.finish(e, target)
		return false, x.skip(dataEnd)
	case e.Typeflag != record.TypeReg && e.Typeflag != record.TypeRegA && !e.IsEncrypted():
		if token != nil {
			return false, fmt.Errorf("%w: %s has unsupported type %q", ErrInvalidToken, e.Name, e.Typeflag)
		}
		log.Debug("skipping unsupported entry", "name", e.Name, "type", string(e.Typeflag))
		return false, x.skip(dataEnd)
	case e.IsEncrypted() && cfg.key == nil:
		// A partial file from an earlier call cannot be left behind.
		if token != nil {
			return false, fmt.Errorf("%w: cannot continue %s", ErrPassphraseRequired, e.Name)
		}
		log.Warn("skipping encrypted entry without passphrase", "name", e.Name)
		return false, x.skip(dataEnd)
	}

	var stream *blockcipher.Stream
	var idx int64
	var err error
	if token != nil {
		expected := dataStart + token.Index*record.BlockSize
		if e.IsEncrypted() {
			expected += blockcipher.IVSize
			if stream, err = blockcipher.New(cfg.key, token.IV); err != nil {
				return false, fmt.Errorf("%w: %w", ErrInvalidToken, err)
			}
		}
		if expected != token.TarReadOffset || token.Index*record.BlockSize >= record.Pad(e.Size) {
			return false, fmt.Errorf("%w: offset %d does not continue %s", ErrInvalidToken, token.TarReadOffset, e.Name)
		}
		if err := x.h.Seek(expected); err != nil {
			return false, err
		}
		idx = token.Index
	} else if e.IsEncrypted() {
		if stream, err = x.r.readIV(x.h); err != nil {
			return false, err
		}
	}

	f, err := x.create(target, token != nil)
	if err != nil {
		log.Warn("skipping entry", "name", e.Name, "error", err)
		if token != nil {
			return false, ioErr("open", target, err)
		}
		return false, x.skip(dataEnd)
	}

	x.r.state = StateExtracting
	next, suspended, err := x.r.copyData(ctx, x.h, e, f, target, idx, stream, x.tb)
	closeErr := f.Close()
	x.progressed = true
	x.res.Bytes += min(next*record.BlockSize, e.Size) - min(idx*record.BlockSize, e.Size)
	if err == nil && closeErr != nil {
		err = ioErr("close", target, closeErr)
	}
	if err != nil {
		if rmErr := cfg.host.Remove(target); rmErr != nil {
			log.Warn("removing partial file", "path", target, "error", rmErr)
		}
		return false, err
	}

	if suspended {
		t := &ReadToken{TarReadOffset: x.h.Offset(), BaseReadOffset: headerOff, Index: next}
		if stream != nil {
			t.IV = stream.IV()
		}
		x.suspend(t, ProgressEvent{Path: e.Name, BytesDone: min(next*record.BlockSize, e.Size), BytesTotal: e.Size})
		return true, nil
	}

	if err := x.h.Seek(dataEnd); err != nil {
		return false, err
	}
	if err := os.Chmod(target, permOf(e, 0o644)); err != nil {
		log.Debug("chmod", "path", target, "error", err)
	}
	if err := os.Chtimes(target, e.Time(), e.Time()); err != nil {
		log.Debug("chtimes", "path", target, "error", err)
	}
	x.finish(e, target)
	return false, nil
}

// create opens the destination. A fresh entry replaces whatever is there;
// a resumed one appends to the partial file.
func (x *extraction) create(target string, resume bool) (*os.File, error) {
	if resume {
		return os.OpenFile(target, os.O_WRONLY|os.O_APPEND, 0)
	}
	if err := x.r.cfg.host.MkdirAll(filepath.Dir(target), 0o755); err != nil {
		return nil, err
	}
	if err := x.r.cfg.host.Remove(target); err != nil {
		return nil, err
	}
	return os.OpenFile(target, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o644)
}

func (x *extraction) finish(e Entry, target string) {
	x.res.Entries++
	x.r.cfg.entryDone(e, target)
	x.r.cfg.report(ProgressEvent{
		Stage:      StageExtracting,
		Path:       e.Name,
		BytesDone:  e.Size,
		BytesTotal: e.Size,
		FilesDone:  x.res.Entries,
	})
	x.r.cfg.log().Debug("extracted", "name", e.Name, "size", e.Size)
}

func permOf(e Entry, def fs.FileMode) fs.FileMode {
	if perm := fs.FileMode(e.Mode) & fs.ModePerm; perm != 0 {
		return perm
	}
	return def
}
