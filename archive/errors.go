package archive

import (
	"errors"
	"fmt"

	"rtar/internal/compression"
	"rtar/internal/record"
)

var (
	// ErrIO wraps open, read, write and seek failures. The underlying error
	// stays reachable through errors.Is and errors.As.
	ErrIO = errors.New("archive: i/o failure")

	// ErrCorruptHeader is returned when a header fails its checksum or
	// cannot be unpacked.
	ErrCorruptHeader = record.ErrCorrupt

	// ErrIllegalCompression is returned when the requested codec is unknown
	// or cannot serve the operation.
	ErrIllegalCompression = compression.ErrIllegalCompression

	// ErrUnauthorizedWrite is returned when adding to a writer that was
	// already closed or detached.
	ErrUnauthorizedWrite = errors.New("archive: write after close")

	// ErrClosed is returned by a Reader after Close.
	ErrClosed = errors.New("archive: reader closed")

	// ErrInvalidToken is returned when a resume token does not match the
	// archive it is applied to.
	ErrInvalidToken = errors.New("archive: invalid resume token")

	// ErrSourceChanged is returned when a file being added changes size
	// between invocations or while it is read.
	ErrSourceChanged = errors.New("archive: source file changed")
)

func ioErr(op, path string, err error) error {
	return fmt.Errorf("%w: %s %s: %w", ErrIO, op, path, err)
}

var (
	// ErrNotFound is returned by ExtractTo when no entry has the name.
	ErrNotFound = errors.New("archive: entry not found")

	// ErrPassphraseRequired is returned when an encrypted entry must be
	// read and no passphrase was configured.
	ErrPassphraseRequired = errors.New("archive: passphrase required")

	// ErrIncomplete is returned by every call on a Writer after an entry
	// failed part way through. The archive holds a truncated entry and
	// must not be finished.
	ErrIncomplete = errors.New("archive: archive holds an incomplete entry")
)
