// Package blockcipher implements the self-chaining AES-256-CBC stream used
// for encrypted archive entries.
//
// Data is processed in segments of SegmentSize bytes, the TAR block size.
// Each segment is CBC encrypted without padding, and the IV for the next
// segment is the first aes.BlockSize bytes of the previous segment's
// ciphertext. Resuming a stream therefore needs only the key and that IV.
package blockcipher

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/sha1" //nolint:gosec // key derivation is a fixed wire contract
	"errors"
	"fmt"
	"io"
)

const (
	// BlockGroup is the number of AES blocks after the first in a segment.
	BlockGroup = 31

	// SegmentSize is the number of plaintext bytes processed per call.
	SegmentSize = aes.BlockSize * (BlockGroup + 1)

	// KeySize is the AES-256 key length.
	KeySize = 32

	// IVSize is the length of the chaining value.
	IVSize = aes.BlockSize
)

var (
	ErrKeySize     = errors.New("blockcipher: invalid key size")
	ErrIVSize      = errors.New("blockcipher: invalid iv size")
	ErrSegmentSize = errors.New("blockcipher: invalid segment size")
)

// DeriveKey returns the AES-256 key for passphrase: the first 16 raw bytes
// of its SHA-1 digest followed by 16 zero bytes, matching OpenSSL's handling
// of a short aes-256-cbc key.
func DeriveKey(passphrase string) []byte {
	sum := sha1.Sum([]byte(passphrase)) //nolint:gosec // see import
	key := make([]byte, KeySize)
	copy(key, sum[:16])
	return key
}

// Stream carries the chaining state of one entry.
type Stream struct {
	block cipher.Block
	iv    [IVSize]byte
}

// New returns a stream that continues from iv.
func New(key, iv []byte) (*Stream, error) {
	if len(key) != KeySize {
		return nil, fmt.Errorf("%w: %d", ErrKeySize, len(key))
	}
	if len(iv) != IVSize {
		return nil, fmt.Errorf("%w: %d", ErrIVSize, len(iv))
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	s := &Stream{block: block}
	copy(s.iv[:], iv)
	return s, nil
}

// NewRandom returns a stream whose first IV is read from rand.
func NewRandom(key []byte, rand io.Reader) (*Stream, error) {
	iv := make([]byte, IVSize)
	if _, err := io.ReadFull(rand, iv); err != nil {
		return nil, fmt.Errorf("generate iv: %w", err)
	}
	return New(key, iv)
}

// IV returns a copy of the IV the next segment will use.
func (s *Stream) IV() []byte {
	iv := make([]byte, IVSize)
	copy(iv, s.iv[:])
	return iv
}

// EncryptNext encrypts one segment from src into dst, which may alias.
func (s *Stream) EncryptNext(dst, src []byte) error {
	if len(src) != SegmentSize || len(dst) < SegmentSize {
		return fmt.Errorf("%w: %d", ErrSegmentSize, len(src))
	}
	cipher.NewCBCEncrypter(s.block, s.iv[:]).CryptBlocks(dst[:SegmentSize], src)
	copy(s.iv[:], dst[:IVSize])
	return nil
}

// DecryptNext decrypts one segment from src into dst, which may alias.
func (s *Stream) DecryptNext(dst, src []byte) error {
	if len(src) != SegmentSize || len(dst) < SegmentSize {
		return fmt.Errorf("%w: %d", ErrSegmentSize, len(src))
	}
	var next [IVSize]byte
	copy(next[:], src[:IVSize])
	cipher.NewCBCDecrypter(s.block, s.iv[:]).CryptBlocks(dst[:SegmentSize], src)
	s.iv = next
	return nil
}
