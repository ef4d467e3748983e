package types

import (
	"bytes"
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"hash"

	"github.com/zeebo/blake3"
)

// HashSize is the length of every digest in the core.
const HashSize = 32

// Hash32 is a BLAKE3-256 digest.
type Hash32 [HashSize]byte

// HashBytes returns the BLAKE3-256 digest of data.
func HashBytes(data []byte) Hash32 {
	return Hash32(blake3.Sum256(data))
}

// HashTagged hashes tag followed by each part in order.
func HashTagged(tag string, parts ...[]byte) Hash32 {
	h := NewHasher()
	h.WriteTag(tag)
	for _, p := range parts {
		h.Write(p)
	}
	return h.Sum()
}

// ParseHash32 decodes a 64-character hex string.
func ParseHash32(s string) (Hash32, error) {
	var out Hash32
	raw, err := hex.DecodeString(s)
	if err != nil {
		return out, fmt.Errorf("parse hash: %w", err)
	}
	if len(raw) != HashSize {
		return out, fmt.Errorf("parse hash: want %d bytes, got %d", HashSize, len(raw))
	}
	copy(out[:], raw)
	return out, nil
}

func (h Hash32) String() string               { return hex.EncodeToString(h[:]) }
func (h Hash32) IsZero() bool                 { return h == Hash32{} }
func (h Hash32) Compare(other Hash32) int     { return bytes.Compare(h[:], other[:]) }
func (h Hash32) MarshalText() ([]byte, error) { return []byte(h.String()), nil }

func (h *Hash32) UnmarshalText(text []byte) error {
	parsed, err := ParseHash32(string(text))
	if err != nil {
		return err
	}
	*h = parsed
	return nil
}

// Hasher is a streaming BLAKE3 hasher with helpers for the fixed-width
// little-endian framing used by prestate and binding hashes.
type Hasher struct {
	h   hash.Hash
	buf [8]byte
}

// NewHasher returns an empty Hasher.
func NewHasher() *Hasher {
	return &Hasher{h: blake3.New()}
}

// Write appends raw bytes.
func (h *Hasher) Write(p []byte) {
	_, _ = h.h.Write(p)
}

// WriteTag appends a domain separation tag.
func (h *Hasher) WriteTag(tag string) {
	_, _ = h.h.Write([]byte(tag))
}

func (h *Hasher) WriteU32LE(v uint32) {
	binary.LittleEndian.PutUint32(h.buf[:4], v)
	h.Write(h.buf[:4])
}

func (h *Hasher) WriteU64LE(v uint64) {
	binary.LittleEndian.PutUint64(h.buf[:], v)
	h.Write(h.buf[:])
}

// Sum returns the digest of everything written so far.
func (h *Hasher) Sum() Hash32 {
	var out Hash32
	copy(out[:], h.h.Sum(nil))
	return out
}
