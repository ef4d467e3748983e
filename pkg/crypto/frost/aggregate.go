package frost

import (
	"crypto/ed25519"
	"errors"
	"fmt"

	"filippo.io/edwards25519"
)

// ErrInvalidShare is wrapped by Aggregate and VerifyShare when a share
// fails verification.
var ErrInvalidShare = errors.New("frost: invalid signature share")

// ShareError names the participant whose share failed.
type ShareError struct {
	Identifier Identifier
}

func (e *ShareError) Error() string {
	return fmt.Sprintf("frost: invalid signature share from participant %d", e.Identifier)
}

func (e *ShareError) Unwrap() error { return ErrInvalidShare }

// VerifyShare checks one share against the participant's verifying share.
func VerifyShare(pkg *SigningPackage, share SignatureShare, verifyingShare Element, groupKey Element) error {
	st, err := pkg.state(groupKey)
	if err != nil {
		return err
	}
	return st.verifyShare(pkg, share, verifyingShare)
}

func (st *signingState) verifyShare(pkg *SigningPackage, share SignatureShare, verifyingShare Element) error {
	comm, ok := pkg.Commitment(share.Identifier)
	if !ok {
		return &ShareError{Identifier: share.Identifier}
	}
	z, err := decodeScalar(share.Share)
	if err != nil {
		return &ShareError{Identifier: share.Identifier}
	}
	pk, err := decodeElement(verifyingShare)
	if err != nil {
		return &ShareError{Identifier: share.Identifier}
	}
	d, err := decodeElement(comm.Hiding)
	if err != nil {
		return &ShareError{Identifier: share.Identifier}
	}
	e, err := decodeElement(comm.Binding)
	if err != nil {
		return &ShareError{Identifier: share.Identifier}
	}
	lambda, err := lagrange(pkg.Identifiers(), share.Identifier)
	if err != nil {
		return err
	}

	// z*G == D + rho*E + (c*lambda)*PK
	commShare := new(edwards25519.Point).ScalarMult(st.bindingFactors[share.Identifier], e)
	commShare.Add(commShare, d)
	cl := edwards25519.NewScalar().Multiply(st.challenge, lambda)
	rhs := new(edwards25519.Point).ScalarMult(cl, pk)
	rhs.Add(rhs, commShare)
	lhs := new(edwards25519.Point).ScalarBaseMult(z)
	if lhs.Equal(rhs) != 1 {
		return &ShareError{Identifier: share.Identifier}
	}
	return nil
}

// Aggregate verifies every share and combines them into a 64-byte Ed25519
// signature over pkg.Message. There must be exactly one share per
// commitment in pkg.
func Aggregate(pkg *SigningPackage, shares []SignatureShare, pub *PublicKeyPackage) ([SignatureSize]byte, error) {
	var sig [SignatureSize]byte
	if len(shares) != len(pkg.Commitments) {
		return sig, fmt.Errorf("frost: have %d shares for %d commitments", len(shares), len(pkg.Commitments))
	}
	if len(shares) < int(pub.MinSigners) {
		return sig, fmt.Errorf("frost: have %d shares, need %d", len(shares), pub.MinSigners)
	}
	st, err := pkg.state(pub.GroupPublicKey)
	if err != nil {
		return sig, err
	}

	seen := make(map[Identifier]bool, len(shares))
	z := edwards25519.NewScalar()
	for _, share := range shares {
		if seen[share.Identifier] {
			return sig, fmt.Errorf("frost: duplicate share from participant %d", share.Identifier)
		}
		seen[share.Identifier] = true
		vs, ok := pub.VerifyingShare(share.Identifier)
		if !ok {
			return sig, &ShareError{Identifier: share.Identifier}
		}
		if err := st.verifyShare(pkg, share, vs); err != nil {
			return sig, err
		}
		s, err := decodeScalar(share.Share)
		if err != nil {
			return sig, err
		}
		z.Add(z, s)
	}

	copy(sig[:ElementSize], st.groupCommit.Bytes())
	copy(sig[ElementSize:], z.Bytes())
	return sig, nil
}

// Verify checks an aggregated signature with standard Ed25519 rules.
func Verify(groupKey Element, msg []byte, sig [SignatureSize]byte) bool {
	return ed25519.Verify(ed25519.PublicKey(groupKey[:]), msg, sig[:])
}
