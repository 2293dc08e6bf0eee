package archive

import (
	"crypto/rand"
	"io"
	"log/slog"
	"time"

	"rtar/internal/blockcipher"
	"rtar/internal/compression"
	"rtar/internal/record"
)

// Entry is the metadata of one archive member.
type Entry = record.Entry

// Codec identifies the stream filter wrapped around an archive.
type Codec = compression.Codec

// Codecs re-exported from the compression package.
const (
	CompressionNone   = compression.None
	CompressionGzip   = compression.Gzip
	CompressionBzip2  = compression.Bzip2
	CompressionXz     = compression.Xz
	CompressionLzma   = compression.Lzma
	CompressionLz4    = compression.Lz4
	CompressionZstd   = compression.Zstd
	CompressionBrotli = compression.Brotli
)

// DefaultSentinel is the name IsCorrupted looks for near the end of an
// archive.
const DefaultSentinel = "package.json"

// DefaultProbeBudget is the number of trailing bytes IsCorrupted inspects.
const DefaultProbeBudget = 1 << 20

// EntryFunc is called after each entry is completely extracted or added.
// path is the destination file for extraction and the source for additions.
type EntryFunc func(e Entry, path string)

// config holds settings shared by readers and writers.
type config struct {
	codec       Codec
	codecSet    bool
	level       int
	key         []byte
	timeout     time.Duration
	now         func() time.Time
	logger      *slog.Logger
	host        Host
	entryFunc   EntryFunc
	progress    ProgressFunc
	sentinel    string
	probeBudget int64
	rand        io.Reader
}

// Option configures a Reader or Writer.
type Option func(*config)

func newConfig(opts []Option) config {
	cfg := config{
		level:       compression.DefaultLevel,
		now:         time.Now,
		host:        OSHost{},
		sentinel:    DefaultSentinel,
		probeBudget: DefaultProbeBudget,
		rand:        rand.Reader,
	}
	for _, opt := range opts {
		opt(&cfg)
	}
	return cfg
}

// log returns the logger, falling back to a discard logger if nil.
func (c *config) log() *slog.Logger {
	if c.logger == nil {
		return slog.New(slog.DiscardHandler)
	}
	return c.logger
}

func (c *config) entryDone(e Entry, path string) {
	if c.entryFunc != nil {
		c.entryFunc(e, path)
	}
}

// WithCompression forces the codec instead of detecting it from the file's
// magic bytes or extension.
func WithCompression(c Codec) Option {
	return func(cfg *config) {
		cfg.codec = c
		cfg.codecSet = true
	}
}

// WithLevel sets the compression level. Zero keeps the codec default.
func WithLevel(level int) Option {
	return func(cfg *config) {
		cfg.level = level
	}
}

// WithPassphrase enables encryption on write and decryption on read.
// An empty passphrase disables both.
func WithPassphrase(passphrase string) Option {
	return func(cfg *config) {
		if passphrase == "" {
			cfg.key = nil
			return
		}
		cfg.key = blockcipher.DeriveKey(passphrase)
	}
}

// WithTimeout sets the wall-clock budget of each Extract or Add call.
// Zero means unlimited.
func WithTimeout(d time.Duration) Option {
	return func(cfg *config) {
		cfg.timeout = d
	}
}

// WithClock replaces time.Now for budget accounting.
func WithClock(now func() time.Time) Option {
	return func(cfg *config) {
		if now != nil {
			cfg.now = now
		}
	}
}

// WithLogger sets the logger. By default nothing is logged.
func WithLogger(logger *slog.Logger) Option {
	return func(cfg *config) {
		cfg.logger = logger
	}
}

// WithHost sets the filesystem capabilities used during extraction.
func WithHost(h Host) Option {
	return func(cfg *config) {
		if h != nil {
			cfg.host = h
		}
	}
}

// WithEntryFunc registers a callback for completed entries.
func WithEntryFunc(fn EntryFunc) Option {
	return func(cfg *config) {
		cfg.entryFunc = fn
	}
}

// WithProgress registers a progress callback.
func WithProgress(fn ProgressFunc) Option {
	return func(cfg *config) {
		cfg.progress = fn
	}
}

// WithSentinel sets the entry name IsCorrupted looks for.
func WithSentinel(name string) Option {
	return func(cfg *config) {
		cfg.sentinel = name
	}
}

// WithProbeBudget sets how many trailing bytes IsCorrupted inspects.
func WithProbeBudget(n int64) Option {
	return func(cfg *config) {
		if n > 0 {
			cfg.probeBudget = n
		}
	}
}

// WithRandom sets the source of fresh IVs.
func WithRandom(r io.Reader) Option {
	return func(cfg *config) {
		if r != nil {
			cfg.rand = r
		}
	}
}

// ParseCompression maps a codec name such as "gzip" or "zst" to a Codec.
func ParseCompression(name string) (Codec, error) {
	return compression.Parse(name)
}
