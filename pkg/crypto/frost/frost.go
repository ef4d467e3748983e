// Package frost implements two-round FROST threshold Schnorr signing over
// Ed25519 with SHA-512, following RFC 9591 (ciphersuite
// FROST-ED25519-SHA512-v1).
//
// Aggregated signatures are plain 64-byte Ed25519 signatures: they verify
// with crypto/ed25519.Verify against the 32-byte group public key.
//
// Participants are addressed by a non-zero Identifier. The signing flow is:
//
//  1. Each participant calls Commit and publishes the SigningCommitment.
//  2. The coordinator fixes a commitment list and the message.
//  3. Each participant calls Sign with its nonces and the list.
//  4. The coordinator calls Aggregate, which verifies every share.
package frost

import (
	"crypto/sha512"
	"encoding/binary"
	"errors"
	"fmt"
	"slices"

	"filippo.io/edwards25519"
)

const contextString = "FROST-ED25519-SHA512-v1"

// Sizes of encoded values.
const (
	ScalarSize    = 32
	ElementSize   = 32
	SignatureSize = 64
)

var (
	ErrInvalidIdentifier = errors.New("frost: identifier must be non-zero")
	ErrInvalidElement    = errors.New("frost: invalid group element")
	ErrInvalidScalar     = errors.New("frost: invalid scalar")
)

// Identifier names a participant. Zero is reserved.
type Identifier uint16

func (id Identifier) scalar() (*edwards25519.Scalar, error) {
	if id == 0 {
		return nil, ErrInvalidIdentifier
	}
	var buf [ScalarSize]byte
	binary.LittleEndian.PutUint16(buf[:2], uint16(id))
	return edwards25519.NewScalar().SetCanonicalBytes(buf[:])
}

func (id Identifier) encode() []byte {
	var buf [ScalarSize]byte
	binary.LittleEndian.PutUint16(buf[:2], uint16(id))
	return buf[:]
}

// Scalar is an encoded scalar modulo the group order.
type Scalar [ScalarSize]byte

// Element is an encoded Edwards25519 point.
type Element [ElementSize]byte

func decodeScalar(s Scalar) (*edwards25519.Scalar, error) {
	out, err := edwards25519.NewScalar().SetCanonicalBytes(s[:])
	if err != nil {
		return nil, ErrInvalidScalar
	}
	return out, nil
}

func encodeScalar(s *edwards25519.Scalar) Scalar {
	var out Scalar
	copy(out[:], s.Bytes())
	return out
}

// decodeElement rejects non-canonical encodings and the identity.
func decodeElement(e Element) (*edwards25519.Point, error) {
	p, err := new(edwards25519.Point).SetBytes(e[:])
	if err != nil {
		return nil, ErrInvalidElement
	}
	if p.Equal(edwards25519.NewIdentityPoint()) == 1 {
		return nil, ErrInvalidElement
	}
	return p, nil
}

func encodeElement(p *edwards25519.Point) Element {
	var out Element
	copy(out[:], p.Bytes())
	return out
}

func hashToScalar(parts ...[]byte) *edwards25519.Scalar {
	h := sha512.New()
	for _, p := range parts {
		h.Write(p)
	}
	s, err := edwards25519.NewScalar().SetUniformBytes(h.Sum(nil))
	if err != nil {
		// SHA-512 output is always 64 bytes.
		panic(fmt.Sprintf("frost: reduce digest: %v", err))
	}
	return s
}

func h1(m []byte) *edwards25519.Scalar {
	return hashToScalar([]byte(contextString), []byte("rho"), m)
}

// h2 is the Ed25519 challenge hash, without the context string.
func h2(m []byte) *edwards25519.Scalar {
	return hashToScalar(m)
}

func h3(m []byte) *edwards25519.Scalar {
	return hashToScalar([]byte(contextString), []byte("nonce"), m)
}

func h4(m []byte) []byte {
	h := sha512.New()
	h.Write([]byte(contextString))
	h.Write([]byte("msg"))
	h.Write(m)
	return h.Sum(nil)
}

func h5(m []byte) []byte {
	h := sha512.New()
	h.Write([]byte(contextString))
	h.Write([]byte("com"))
	h.Write(m)
	return h.Sum(nil)
}

// lagrange returns the interpolating value for x at zero over the set ids.
func lagrange(ids []Identifier, x Identifier) (*edwards25519.Scalar, error) {
	xi, err := x.scalar()
	if err != nil {
		return nil, err
	}
	num := edwards25519.NewScalar()
	den := edwards25519.NewScalar()
	one := [ScalarSize]byte{1}
	if _, err := num.SetCanonicalBytes(one[:]); err != nil {
		return nil, err
	}
	den.Set(num)

	found := false
	for _, id := range ids {
		if id == x {
			found = true
			continue
		}
		xj, err := id.scalar()
		if err != nil {
			return nil, err
		}
		num.Multiply(num, xj)
		den.Multiply(den, edwards25519.NewScalar().Subtract(xj, xi))
	}
	if !found {
		return nil, fmt.Errorf("frost: identifier %d not in signing set", x)
	}
	return num.Multiply(num, edwards25519.NewScalar().Invert(den)), nil
}

func sortedUnique(ids []Identifier) ([]Identifier, error) {
	out := slices.Clone(ids)
	slices.Sort(out)
	for i := range out {
		if out[i] == 0 {
			return nil, ErrInvalidIdentifier
		}
		if i > 0 && out[i] == out[i-1] {
			return nil, fmt.Errorf("frost: duplicate identifier %d", out[i])
		}
	}
	return out, nil
}
