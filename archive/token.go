package archive

import (
	"encoding/base64"
	"fmt"
	"strconv"

	"rtar/internal/blockcipher"
)

// Token map keys shared with the orchestration layer.
const (
	keyTarReadOffset  = "tar_read_offset"
	keyBaseReadOffset = "base_read_offset"
	keyIndex          = "index"
	keyIV             = "iv"
	keyTarAddOffset   = "tar_add_offset"
	keyBytesWritten   = "bytes_written"
	keySize           = "size"
)

// ReadToken resumes a suspended Extract.
//
// With Index zero the token points at an entry boundary and TarReadOffset is
// where scanning continues. Otherwise BaseReadOffset is the offset of the
// interrupted entry's header, Index the number of its data blocks already
// written and TarReadOffset the offset of the next block to read.
type ReadToken struct {
	TarReadOffset  int64  `json:"tar_read_offset"`
	BaseReadOffset int64  `json:"base_read_offset"`
	Index          int64  `json:"index"`
	IV             []byte `json:"iv,omitempty"`
}

// Map returns the token as string key/value pairs. IV is base64 encoded.
func (t ReadToken) Map() map[string]string {
	m := map[string]string{
		keyTarReadOffset:  strconv.FormatInt(t.TarReadOffset, 10),
		keyBaseReadOffset: strconv.FormatInt(t.BaseReadOffset, 10),
		keyIndex:          strconv.FormatInt(t.Index, 10),
	}
	if len(t.IV) > 0 {
		m[keyIV] = base64.StdEncoding.EncodeToString(t.IV)
	}
	return m
}

// ParseReadToken is the inverse of ReadToken.Map.
func ParseReadToken(m map[string]string) (*ReadToken, error) {
	var t ReadToken
	var err error
	if t.TarReadOffset, err = mapInt(m, keyTarReadOffset); err != nil {
		return nil, err
	}
	if t.BaseReadOffset, err = mapInt(m, keyBaseReadOffset); err != nil {
		return nil, err
	}
	if t.Index, err = mapInt(m, keyIndex); err != nil {
		return nil, err
	}
	if t.IV, err = mapIV(m); err != nil {
		return nil, err
	}
	return &t, t.validate()
}

func (t *ReadToken) validate() error {
	if t.TarReadOffset < 0 || t.BaseReadOffset < 0 || t.Index < 0 {
		return fmt.Errorf("%w: negative offset", ErrInvalidToken)
	}
	if t.Index > 0 && t.TarReadOffset <= t.BaseReadOffset {
		return fmt.Errorf("%w: read offset before header", ErrInvalidToken)
	}
	if len(t.IV) != 0 && len(t.IV) != blockcipher.IVSize {
		return fmt.Errorf("%w: iv is %d bytes", ErrInvalidToken, len(t.IV))
	}
	return nil
}

// WriteToken resumes a suspended AddFile.
//
// AddOffset is the offset in the source file of the next byte to archive,
// BytesWritten the number of data-region bytes already emitted for the
// entry (the IV included) and Size the content size recorded in its header.
type WriteToken struct {
	AddOffset    int64  `json:"tar_add_offset"`
	IV           []byte `json:"iv,omitempty"`
	BytesWritten int64  `json:"bytes_written"`
	Size         int64  `json:"size"`
}

// Map returns the token as string key/value pairs. IV is base64 encoded.
func (t WriteToken) Map() map[string]string {
	m := map[string]string{
		keyTarAddOffset: strconv.FormatInt(t.AddOffset, 10),
		keyBytesWritten: strconv.FormatInt(t.BytesWritten, 10),
		keySize:         strconv.FormatInt(t.Size, 10),
	}
	if len(t.IV) > 0 {
		m[keyIV] = base64.StdEncoding.EncodeToString(t.IV)
	}
	return m
}

// ParseWriteToken is the inverse of WriteToken.Map.
func ParseWriteToken(m map[string]string) (*WriteToken, error) {
	var t WriteToken
	var err error
	if t.AddOffset, err = mapInt(m, keyTarAddOffset); err != nil {
		return nil, err
	}
	if t.BytesWritten, err = mapInt(m, keyBytesWritten); err != nil {
		return nil, err
	}
	if t.Size, err = mapInt(m, keySize); err != nil {
		return nil, err
	}
	if t.IV, err = mapIV(m); err != nil {
		return nil, err
	}
	return &t, t.validate()
}

func (t *WriteToken) validate() error {
	if t.AddOffset < 0 || t.BytesWritten < 0 || t.Size < 0 || t.AddOffset > t.Size {
		return fmt.Errorf("%w: offsets out of range", ErrInvalidToken)
	}
	if len(t.IV) != 0 && len(t.IV) != blockcipher.IVSize {
		return fmt.Errorf("%w: iv is %d bytes", ErrInvalidToken, len(t.IV))
	}
	return nil
}

// TreeToken resumes a suspended AddTree. Next is the slash-separated path,
// relative to the tree root, of the first file not yet completed and File,
// when set, the token of that file.
type TreeToken struct {
	Next string      `json:"next_path"`
	File *WriteToken `json:"file,omitempty"`
}

func mapInt(m map[string]string, key string) (int64, error) {
	s, ok := m[key]
	if !ok {
		return 0, fmt.Errorf("%w: missing %s", ErrInvalidToken, key)
	}
	v, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("%w: %s: %w", ErrInvalidToken, key, err)
	}
	return v, nil
}

func mapIV(m map[string]string) ([]byte, error) {
	s, ok := m[keyIV]
	if !ok || s == "" {
		return nil, nil
	}
	iv, err := base64.StdEncoding.DecodeString(s)
	if err != nil {
		return nil, fmt.Errorf("%w: iv: %w", ErrInvalidToken, err)
	}
	return iv, nil
}
