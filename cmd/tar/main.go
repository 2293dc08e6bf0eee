package main

import (
	"bytes"
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"io/fs"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"regexp"
	"time"

	"rsc.io/getopt"

	"rtar/archive"
)

// exitSuspended is the exit status of an invocation that ran out of time
// and saved a resume token.
const exitSuspended = 3

var (
	appendf  = flag.Bool("a", false, "append instead of overwrite")
	create   = flag.Bool("c", false, "create")
	extract  = flag.Bool("x", false, "extract")
	fstats   = flag.Bool("s", false, "stats")
	list     = flag.Bool("l", false, "list")
	stdout   = flag.Bool("o", false, "extract to stdout")
	check    = flag.Bool("check", false, "probe the end of the tarball for the sentinel entry")
	tfile    = flag.String("f", "", "tar file ('-' for stdin/stdout)")
	dest     = flag.String("C", ".", "extract into directory")
	pass     = flag.String("k", "", "passphrase for encrypted entries")
	timeout  = flag.Duration("t", 0, "time budget of this invocation (0 is unlimited)")
	resume   = flag.String("r", "", "resume token file")
	comp     = flag.String("z", "", "compression: none, gzip, bzip2, xz, lzma, lz4, zstd, brotli")
	level    = flag.Int("level", 0, "compression level (0 is the codec default)")
	strip    = flag.Int("p", 0, "strip leading path components on extraction")
	include  = flag.String("include", "", "extract only entries matching this regexp")
	exclude  = flag.String("exclude", "", "skip entries matching this regexp")
	sentinel = flag.String("sentinel", archive.DefaultSentinel, "entry name looked up by -check")
	verbose  = flag.Bool("v", false, "verbose logging")
)

func main() {
	getopt.Alias("a", "append")
	getopt.Alias("c", "create")
	getopt.Alias("x", "extract")
	getopt.Alias("s", "stats")
	getopt.Alias("l", "list")
	getopt.Alias("o", "stdout")
	getopt.Alias("f", "file")
	getopt.Alias("C", "directory")
	getopt.Alias("k", "passphrase")
	getopt.Alias("t", "timeout")
	getopt.Alias("r", "resume")
	getopt.Alias("z", "compression")
	getopt.Alias("p", "strip-components")
	getopt.Alias("v", "verbose")
	getopt.Parse()

	if *tfile == "" {
		fmt.Printf("Usage for %[1]s: %[1]s [-x|o] [-c|a] [-l|s] [-k pass] [-t budget -r token] [-f file] [files ...]\n", "tar")
		flag.PrintDefaults()
		os.Exit(2)
	}

	if *timeout > 0 && (*resume == "" || *tfile == "-") {
		log.Fatalln("-t needs a resume token file (-r) and a tar file other than '-'")
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	opts, err := options()
	if err != nil {
		log.Fatalln(err)
	}

	switch {
	case *fstats:
		err = stats(ctx, *tfile, opts)
	case *list:
		err = listing(ctx, *tfile, opts)
	case *check:
		err = probe(ctx, *tfile, opts)
	case *extract || *stdout:
		err = extraction(ctx, *tfile, flag.Args(), opts)
	case *create || *appendf:
		err = creation(ctx, *tfile, flag.Args(), opts)
	default:
		log.Fatalln("one of -c, -a, -x, -o, -l, -s or -check is required")
	}

	var suspended *suspendedError
	if errors.As(err, &suspended) {
		fmt.Fprintf(os.Stderr, "Time budget exhausted, state saved to %s\n", suspended.token)
		os.Exit(exitSuspended)
	}
	if err != nil {
		log.Fatalln(err)
	}
}

func options() ([]archive.Option, error) {
	lvl := slog.LevelWarn
	if *verbose {
		lvl = slog.LevelDebug
	}
	opts := []archive.Option{
		archive.WithLogger(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: lvl}))),
		archive.WithPassphrase(*pass),
		archive.WithTimeout(*timeout),
		archive.WithLevel(*level),
		archive.WithSentinel(*sentinel),
	}
	if *comp != "" {
		codec, err := archive.ParseCompression(*comp)
		if err != nil {
			return nil, err
		}
		opts = append(opts, archive.WithCompression(codec))
	}
	if *tfile != "-" {
		opts = append(opts, archive.WithEntryFunc(func(e archive.Entry, path string) {
			if !e.IsDir() {
				fmt.Fprintf(os.Stderr, "%s with %d bytes\n", path, e.Size)
			}
		}))
	}
	return opts, nil
}

func open(name string, opts []archive.Option) (*archive.Reader, error) {
	if name != "-" {
		return archive.Open(name, opts...)
	}
	data, err := io.ReadAll(os.Stdin)
	if err != nil {
		return nil, fmt.Errorf("Error reading the tarball from stdin: %w", err)
	}
	return archive.OpenBytes(data, opts...)
}

func listing(ctx context.Context, name string, opts []archive.Option) error {
	r, err := open(name, opts)
	if err != nil {
		return err
	}
	defer r.Close()

	entries, err := r.Contents(ctx)
	if err != nil {
		return err
	}
	for _, e := range entries {
		mode := fs.FileMode(e.Mode) & fs.ModePerm
		if e.IsDir() {
			mode |= fs.ModeDir
		}
		modTime := e.Time().Format("2006-01-02 15:04:05")
		note := ""
		if e.IsEncrypted() {
			note = " [encrypted]"
		}
		fmt.Printf("%s %s %s (%s)%s\n", mode, modTime, e.Name, humanSize(e.Size), note)
	}
	return nil
}

func stats(ctx context.Context, name string, opts []archive.Option) error {
	r, err := open(name, opts)
	if err != nil {
		return err
	}
	defer r.Close()

	s, err := r.Stats(ctx)
	if err != nil {
		return fmt.Errorf("Error while getting statistics: %w", err)
	}
	fmt.Printf("Statistics for tarball : %s\n", name)
	fmt.Printf("Total files            : %d\n", s.Files)
	fmt.Printf("Encrypted files        : %d\n", s.Encrypted)
	fmt.Printf("Total directories      : %d\n", s.Directories)
	fmt.Printf("Total other entries    : %d\n", s.Other)
	fmt.Printf("Total size             : %s\n", humanSize(s.TotalSize))
	return nil
}

func probe(ctx context.Context, name string, opts []archive.Option) error {
	r, err := open(name, opts)
	if err != nil {
		return err
	}
	defer r.Close()

	corrupted, err := r.IsCorrupted(ctx)
	if err != nil {
		return err
	}
	if corrupted {
		return fmt.Errorf("%s: %s not found near the end, tarball looks truncated", name, *sentinel)
	}
	fmt.Printf("%s: ok\n", name)
	return nil
}

func extraction(ctx context.Context, name string, args []string, opts []archive.Option) error {
	r, err := open(name, opts)
	if err != nil {
		return err
	}
	defer r.Close()

	if *stdout {
		return toStdout(ctx, r, os.Stdout, args)
	}

	xopts, err := extractOptions(args)
	if err != nil {
		return err
	}
	st, err := loadState(*resume)
	if err != nil {
		return err
	}
	res, err := r.Extract(ctx, *dest, xopts, st.Read)
	if err != nil {
		return err
	}
	if res.Suspended() {
		return saveState(*resume, &state{Read: res.Read})
	}
	return clearState(*resume)
}

// toStdout streams the named entries to w, or every file entry when no
// name is given.
func toStdout(ctx context.Context, r *archive.Reader, w io.Writer, names []string) error {
	if len(names) == 0 {
		_, err := r.ExtractAllTo(ctx, w)
		return err
	}
	for _, name := range names {
		if _, err := r.ExtractTo(ctx, w, name); err != nil {
			return err
		}
	}
	return nil
}

// extractOptions selects the named entries, and everything below named
// directories, on top of the -include and -exclude patterns.
func extractOptions(args []string) (archive.ExtractOptions, error) {
	xopts := archive.ExtractOptions{StripComponents: *strip}
	for _, arg := range args {
		xopts.Include = append(xopts.Include, regexp.MustCompile("^"+regexp.QuoteMeta(arg)+"(/|$)"))
	}
	if *include != "" {
		re, err := regexp.Compile(*include)
		if err != nil {
			return xopts, fmt.Errorf("Error compiling -include: %w", err)
		}
		xopts.Include = append(xopts.Include, re)
	}
	if *exclude != "" {
		re, err := regexp.Compile(*exclude)
		if err != nil {
			return xopts, fmt.Errorf("Error compiling -exclude: %w", err)
		}
		xopts.Exclude = append(xopts.Exclude, re)
	}
	return xopts, nil
}

func creation(ctx context.Context, name string, args []string, opts []archive.Option) error {
	var paths []string
	for _, incpath := range args {
		files, err := filepath.Glob(incpath)
		if err != nil {
			return fmt.Errorf("Error getting files matching pattern: %w", err)
		}
		paths = append(paths, files...)
	}

	if name == "-" {
		w, err := archive.CreateMemory(opts...)
		if err != nil {
			return err
		}
		for _, p := range paths {
			if _, err := add(ctx, w, p, nil); err != nil {
				return err
			}
		}
		data, err := w.Archive()
		if err != nil {
			return err
		}
		_, err = io.Copy(os.Stdout, bytes.NewReader(data))
		return err
	}

	st, err := loadState(*resume)
	if err != nil {
		return err
	}
	var w *archive.Writer
	switch {
	case st.resuming():
		w, err = archive.Resume(name, opts...)
	case *appendf:
		if _, statErr := os.Stat(name); statErr != nil {
			return fmt.Errorf("%s not found", name)
		}
		w, err = archive.Append(name, opts...)
	default:
		w, err = archive.Create(name, opts...)
	}
	if err != nil {
		return err
	}

	start := time.Now()
	for i := st.Path; i < len(paths); i++ {
		if i > st.Path && *timeout > 0 && time.Since(start) >= *timeout {
			return detach(w, &state{Path: i})
		}
		var token *archive.TreeToken
		if i == st.Path {
			token = st.Tree
		}
		res, err := add(ctx, w, paths[i], token)
		if err != nil {
			_ = w.Detach()
			return err
		}
		if res.Suspended() {
			return detach(w, &state{Path: i, Tree: res.Tree})
		}
	}
	if err := w.Close(); err != nil {
		return err
	}
	return clearState(*resume)
}

// add archives one command-line path. Regular files are resumed through
// the File member of a tree token so that both kinds share one state.
func add(ctx context.Context, w *archive.Writer, p string, token *archive.TreeToken) (archive.Result, error) {
	fi, err := os.Stat(p)
	if err != nil {
		return archive.Result{}, fmt.Errorf("%s not found. Process aborted.", p)
	}
	if fi.IsDir() {
		if token == nil {
			if err := w.AddDir(archive.FileMetaFromInfo(filepath.ToSlash(p), fi)); err != nil {
				return archive.Result{}, err
			}
		}
		return w.AddTree(ctx, p, filepath.ToSlash(p), token)
	}

	var ft *archive.WriteToken
	if token != nil {
		ft = token.File
	}
	res, err := w.AddFile(ctx, p, archive.FileMetaFromInfo(filepath.ToSlash(p), fi), ft)
	if res.Suspended() {
		res.Tree = &archive.TreeToken{File: res.Write}
	}
	return res, err
}

func detach(w *archive.Writer, st *state) error {
	if err := w.Detach(); err != nil {
		return err
	}
	return saveState(*resume, st)
}

func humanSize(n int64) string {
	size := "bytes"
	sizeValue := float64(n)
	if sizeValue >= 1024.0 {
		size = "KB"
		sizeValue = sizeValue / 1024.0
	}
	if sizeValue >= 1024.0 {
		size = "MB"
		sizeValue = sizeValue / 1024.0
	}
	if sizeValue >= 1024.0 {
		size = "GB"
		sizeValue = sizeValue / 1024.0
	}
	sizeFormat := "%.2f %s"
	if sizeValue == float64(int64(sizeValue)) {
		sizeFormat = "%.0f %s"
	}
	return fmt.Sprintf(sizeFormat, sizeValue, size)
}
