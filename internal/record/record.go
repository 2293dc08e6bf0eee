// Package record encodes and decodes 512-byte ustar header blocks,
// including checksums, prefix splitting and GNU longlink names.
package record

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"
)

// BlockSize is the TAR record size. Every header and every data region is a
// multiple of it.
const BlockSize = 512

// IVSize is the number of bytes at the start of an encrypted entry's data
// region that carry the initialization vector.
const IVSize = 16

// Type flags understood by the codec.
const (
	TypeReg       byte = '0'
	TypeRegA      byte = '\x00'
	TypeDir       byte = '5'
	TypeLongName  byte = 'L'
	TypeEncrypted byte = 'P'
)

// longLinkName is the name GNU tar gives the synthetic longlink entry.
const longLinkName = "././@LongLink"

// maxLongName bounds the longlink payload accepted on read.
const maxLongName = 64 << 10

// Field layout of a ustar header block.
const (
	nameOff, nameLen         = 0, 100
	modeOff, modeLen         = 100, 8
	uidOff, uidLen           = 108, 8
	gidOff, gidLen           = 116, 8
	sizeOff, sizeLen         = 124, 12
	mtimeOff, mtimeLen       = 136, 12
	chksumOff, chksumLen     = 148, 8
	typeOff                  = 156
	linkOff, linkLen         = 157, 100
	magicOff, magicLen       = 257, 6
	versionOff, versionLen   = 263, 2
	unameOff, unameLen       = 265, 32
	gnameOff, gnameLen       = 297, 32
	devmajorOff, devmajorLen = 329, 8
	devminorOff, devminorLen = 337, 8
	prefixOff, prefixLen     = 345, 155
)

var (
	// ErrNotHeader is returned for blocks that only contain NUL or
	// whitespace bytes. Two of them in a row terminate an archive.
	ErrNotHeader = errors.New("not a header block")

	// ErrCorrupt is returned when a header fails its checksum or carries a
	// malformed numeric field.
	ErrCorrupt = errors.New("corrupt header")

	// ErrFieldOverflow is returned when an entry value does not fit its
	// header field.
	ErrFieldOverflow = errors.New("header field overflow")

	// ErrInvalidName is returned for empty names or names containing NUL.
	ErrInvalidName = errors.New("invalid entry name")
)

var (
	ustarMagic   = []byte("ustar\x00")
	ustarVersion = []byte("00")
)

// Entry is the metadata of one archive member.
type Entry struct {
	// Name is the slash-separated path of the member. Directory names carry
	// no trailing slash.
	Name string

	// Mode holds the permission bits.
	Mode int64

	UID int
	GID int

	// Size is the logical size of the member's content. For encrypted
	// members this is the plaintext size.
	Size int64

	// ModTime is the modification time in unix seconds.
	ModTime int64

	Uname string
	Gname string

	Typeflag byte
}

// IsDir reports whether the entry is a directory.
func (e Entry) IsDir() bool {
	return e.Typeflag == TypeDir
}

// IsEncrypted reports whether the entry's data region is AES encrypted.
func (e Entry) IsEncrypted() bool {
	return e.Typeflag == TypeEncrypted
}

// Time returns ModTime as a time.Time.
func (e Entry) Time() time.Time {
	return time.Unix(e.ModTime, 0)
}

// StoredSize returns the number of meaningful bytes in the entry's data
// region, before padding to the block size.
func StoredSize(e Entry) int64 {
	switch {
	case e.IsDir():
		return 0
	case e.IsEncrypted():
		return IVSize + Pad(e.Size)
	default:
		return e.Size
	}
}

// Pad rounds n up to the next multiple of BlockSize.
func Pad(n int64) int64 {
	return (n + BlockSize - 1) &^ (BlockSize - 1)
}

// IsZeroBlock reports whether block holds only NUL or ASCII whitespace.
func IsZeroBlock(block []byte) bool {
	for _, c := range block {
		switch c {
		case 0, ' ', '\t', '\n', '\r':
		default:
			return false
		}
	}
	return true
}

// Checksum returns the unsigned byte sum of block with the checksum field
// counted as eight spaces.
func Checksum(block []byte) int64 {
	var sum int64
	for i, c := range block {
		if i >= chksumOff && i < chksumOff+chksumLen {
			c = ' '
		}
		sum += int64(c)
	}
	return sum
}

// Decode parses a single header block. Longlink headers decode like any
// other entry with Typeflag TypeLongName; use ReadEntry to resolve them.
func Decode(block []byte) (Entry, error) {
	if len(block) != BlockSize {
		return Entry{}, fmt.Errorf("%w: block is %d bytes", ErrCorrupt, len(block))
	}
	if IsZeroBlock(block) {
		return Entry{}, ErrNotHeader
	}

	stored, err := parseOctal(block[chksumOff : chksumOff+chksumLen])
	if err != nil {
		return Entry{}, err
	}
	if stored != Checksum(block) {
		return Entry{}, fmt.Errorf("%w: checksum mismatch", ErrCorrupt)
	}

	var e Entry
	fields := []struct {
		dst *int64
		off int
		n   int
	}{
		{&e.Mode, modeOff, modeLen},
		{&e.Size, sizeOff, sizeLen},
		{&e.ModTime, mtimeOff, mtimeLen},
	}
	for _, f := range fields {
		if *f.dst, err = parseOctal(block[f.off : f.off+f.n]); err != nil {
			return Entry{}, err
		}
	}
	uid, err := parseOctal(block[uidOff : uidOff+uidLen])
	if err != nil {
		return Entry{}, err
	}
	gid, err := parseOctal(block[gidOff : gidOff+gidLen])
	if err != nil {
		return Entry{}, err
	}
	e.UID, e.GID = int(uid), int(gid)

	e.Typeflag = block[typeOff]
	if e.Typeflag == TypeRegA {
		e.Typeflag = TypeReg
	}
	e.Uname = cString(block[unameOff : unameOff+unameLen])
	e.Gname = cString(block[gnameOff : gnameOff+gnameLen])

	e.Name = cString(block[nameOff : nameOff+nameLen])
	// GNU headers reuse the prefix area, so only POSIX ustar carries one.
	if bytes.Equal(block[magicOff:magicOff+magicLen], ustarMagic) {
		if prefix := cString(block[prefixOff : prefixOff+prefixLen]); prefix != "" {
			e.Name = prefix + "/" + e.Name
		}
	}
	if e.IsDir() {
		e.Name = strings.TrimRight(e.Name, "/")
	}
	return e, nil
}

// Probe decodes block for heuristic scans. Corrupt blocks are reported the
// same way as empty ones.
func Probe(block []byte) (Entry, bool) {
	e, err := Decode(block)
	if err != nil {
		return Entry{}, false
	}
	return e, true
}

// Encode returns the blocks describing e: a longlink header and payload when
// the name needs one, followed by the entry's own header block.
func Encode(e Entry) ([]byte, error) {
	name := e.Name
	if name == "" || strings.IndexByte(name, 0) >= 0 {
		return nil, fmt.Errorf("%w: %q", ErrInvalidName, name)
	}
	if e.IsDir() && !strings.HasSuffix(name, "/") {
		name += "/"
	}

	var out []byte
	prefix, base, ok := splitName(name)
	if !ok {
		link := Entry{
			Name:     longLinkName,
			Size:     int64(len(name) + 1),
			Typeflag: TypeLongName,
		}
		hdr, err := encodeBlock(link, longLinkName, "")
		if err != nil {
			return nil, err
		}
		payload := make([]byte, Pad(link.Size))
		copy(payload, name)
		out = append(out, hdr...)
		out = append(out, payload...)
		prefix, base = "", name[:nameLen]
	}

	hdr, err := encodeBlock(e, base, prefix)
	if err != nil {
		return nil, err
	}
	return append(out, hdr...), nil
}

func encodeBlock(e Entry, name, prefix string) ([]byte, error) {
	block := make([]byte, BlockSize)
	copy(block[nameOff:nameOff+nameLen], name)

	numbers := []struct {
		v   int64
		off int
		n   int
	}{
		{e.Mode & 0o7777, modeOff, modeLen},
		{int64(e.UID), uidOff, uidLen},
		{int64(e.GID), gidOff, gidLen},
		{e.Size, sizeOff, sizeLen},
		{e.ModTime, mtimeOff, mtimeLen},
	}
	for _, f := range numbers {
		if err := formatOctal(block[f.off:f.off+f.n], f.v); err != nil {
			return nil, err
		}
	}

	typeflag := e.Typeflag
	if typeflag == TypeRegA {
		typeflag = TypeReg
	}
	block[typeOff] = typeflag
	copy(block[magicOff:magicOff+magicLen], ustarMagic)
	copy(block[versionOff:versionOff+versionLen], ustarVersion)
	if len(e.Uname) > unameLen || len(e.Gname) > gnameLen {
		return nil, fmt.Errorf("%w: owner name", ErrFieldOverflow)
	}
	copy(block[unameOff:unameOff+unameLen], e.Uname)
	copy(block[gnameOff:gnameOff+gnameLen], e.Gname)
	copy(block[devmajorOff:devmajorOff+devmajorLen], "0000000\x00")
	copy(block[devminorOff:devminorOff+devminorLen], "0000000\x00")
	copy(block[prefixOff:prefixOff+prefixLen], prefix)

	copy(block[chksumOff:chksumOff+chksumLen], fmt.Sprintf("%06o\x00 ", Checksum(block)))
	return block, nil
}

// splitName fits name into the ustar name and prefix fields. It reports
// false when a longlink is required.
func splitName(name string) (prefix, base string, ok bool) {
	if len(name) <= nameLen {
		return "", name, true
	}
	// A directory's trailing slash is not a split point.
	trimmed := strings.TrimSuffix(name, "/")
	start := len(name) - nameLen - 1
	if start < 0 {
		start = 0
	}
	for i := start; i < len(trimmed) && i <= prefixLen; i++ {
		if trimmed[i] != '/' {
			continue
		}
		if i == 0 || len(name)-i-1 > nameLen {
			continue
		}
		return name[:i], name[i+1:], true
	}
	return "", "", false
}

// ReadEntry reads the next entry header from r, following a longlink header
// if one is present. It returns the number of bytes consumed, which is also
// valid alongside ErrNotHeader.
func ReadEntry(r io.Reader) (Entry, int64, error) {
	block := make([]byte, BlockSize)
	if _, err := io.ReadFull(r, block); err != nil {
		return Entry{}, 0, err
	}
	consumed := int64(BlockSize)
	e, err := Decode(block)
	if err != nil {
		return Entry{}, consumed, err
	}
	if e.Typeflag != TypeLongName {
		return e, consumed, nil
	}

	if e.Size <= 0 || e.Size > maxLongName {
		return Entry{}, consumed, fmt.Errorf("%w: longlink size %d", ErrCorrupt, e.Size)
	}
	payload := make([]byte, Pad(e.Size))
	if _, err := io.ReadFull(r, payload); err != nil {
		return Entry{}, consumed, unexpected(err)
	}
	consumed += int64(len(payload))
	longName := cString(payload[:e.Size])

	if _, err := io.ReadFull(r, block); err != nil {
		return Entry{}, consumed, unexpected(err)
	}
	consumed += BlockSize
	e, err = Decode(block)
	if err != nil {
		if errors.Is(err, ErrNotHeader) {
			err = fmt.Errorf("%w: longlink without entry", ErrCorrupt)
		}
		return Entry{}, consumed, err
	}
	e.Name = longName
	if e.IsDir() {
		e.Name = strings.TrimRight(e.Name, "/")
	}
	return e, consumed, nil
}

func unexpected(err error) error {
	if errors.Is(err, io.EOF) {
		return io.ErrUnexpectedEOF
	}
	return err
}

func cString(b []byte) string {
	if i := bytes.IndexByte(b, 0); i >= 0 {
		b = b[:i]
	}
	return string(b)
}

func parseOctal(b []byte) (int64, error) {
	s := strings.Trim(string(b), " \x00")
	if s == "" {
		return 0, nil
	}
	v, err := strconv.ParseInt(s, 8, 64)
	if err != nil {
		return 0, fmt.Errorf("%w: numeric field %q", ErrCorrupt, s)
	}
	return v, nil
}

// formatOctal writes v as zero-padded octal followed by a NUL.
func formatOctal(dst []byte, v int64) error {
	digits := len(dst) - 1
	s := strconv.FormatInt(v, 8)
	if v < 0 || len(s) > digits {
		return fmt.Errorf("%w: %d does not fit %d octal digits", ErrFieldOverflow, v, digits)
	}
	copy(dst, strings.Repeat("0", digits-len(s))+s)
	dst[digits] = 0
	return nil
}
