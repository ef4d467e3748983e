package frost

import (
	"fmt"
	"io"

	"filippo.io/edwards25519"
)

// KeyPackage is one participant's long-lived signing material.
type KeyPackage struct {
	Identifier     Identifier `json:"identifier"`
	SecretShare    Scalar     `json:"secret_share"`
	VerifyingShare Element    `json:"verifying_share"`
	GroupPublicKey Element    `json:"group_public_key"`
	MinSigners     uint16     `json:"min_signers"`
}

// PublicKeyPackage is the public material needed to verify shares and the
// final signature.
type PublicKeyPackage struct {
	VerifyingShares map[Identifier]Element `json:"verifying_shares"`
	GroupPublicKey  Element                `json:"group_public_key"`
	MinSigners      uint16                 `json:"min_signers"`
}

// VerifyingShare returns the public share for id.
func (p *PublicKeyPackage) VerifyingShare(id Identifier) (Element, bool) {
	e, ok := p.VerifyingShares[id]
	return e, ok
}

func randomScalar(rand io.Reader) (*edwards25519.Scalar, error) {
	var buf [64]byte
	if _, err := io.ReadFull(rand, buf[:]); err != nil {
		return nil, fmt.Errorf("frost: read randomness: %w", err)
	}
	return edwards25519.NewScalar().SetUniformBytes(buf[:])
}

// GenerateWithDealer splits a fresh group secret into maxSigners Shamir
// shares with threshold minSigners. Identifiers are 1..maxSigners.
func GenerateWithDealer(rand io.Reader, maxSigners, minSigners uint16) ([]KeyPackage, *PublicKeyPackage, error) {
	if minSigners < 2 || minSigners > maxSigners {
		return nil, nil, fmt.Errorf("frost: invalid threshold %d of %d", minSigners, maxSigners)
	}
	secret, err := randomScalar(rand)
	if err != nil {
		return nil, nil, err
	}
	return splitSecret(rand, secret, maxSigners, minSigners)
}

func splitSecret(rand io.Reader, secret *edwards25519.Scalar, maxSigners, minSigners uint16) ([]KeyPackage, *PublicKeyPackage, error) {
	// f(x) = secret + a1*x + ... + a_{t-1}*x^{t-1}
	coeffs := make([]*edwards25519.Scalar, minSigners)
	coeffs[0] = secret
	for i := 1; i < int(minSigners); i++ {
		c, err := randomScalar(rand)
		if err != nil {
			return nil, nil, err
		}
		coeffs[i] = c
	}

	groupKey := new(edwards25519.Point).ScalarBaseMult(secret)
	pub := &PublicKeyPackage{
		VerifyingShares: make(map[Identifier]Element, maxSigners),
		GroupPublicKey:  encodeElement(groupKey),
		MinSigners:      minSigners,
	}
	pkgs := make([]KeyPackage, 0, maxSigners)
	for i := uint16(1); i <= maxSigners; i++ {
		id := Identifier(i)
		x, err := id.scalar()
		if err != nil {
			return nil, nil, err
		}
		// Horner evaluation from the highest coefficient.
		y := edwards25519.NewScalar().Set(coeffs[len(coeffs)-1])
		for j := len(coeffs) - 2; j >= 0; j-- {
			y.MultiplyAdd(y, x, coeffs[j])
		}
		vs := encodeElement(new(edwards25519.Point).ScalarBaseMult(y))
		pub.VerifyingShares[id] = vs
		pkgs = append(pkgs, KeyPackage{
			Identifier:     id,
			SecretShare:    encodeScalar(y),
			VerifyingShare: vs,
			GroupPublicKey: pub.GroupPublicKey,
			MinSigners:     minSigners,
		})
	}
	return pkgs, pub, nil
}

// Validate checks that the secret share matches the verifying share.
func (k *KeyPackage) Validate() error {
	s, err := decodeScalar(k.SecretShare)
	if err != nil {
		return err
	}
	if _, err := k.Identifier.scalar(); err != nil {
		return err
	}
	want := encodeElement(new(edwards25519.Point).ScalarBaseMult(s))
	if want != k.VerifyingShare {
		return fmt.Errorf("frost: key package %d: secret share does not match verifying share", k.Identifier)
	}
	return nil
}
