package frost

import (
	"fmt"
	"io"
	"slices"

	"filippo.io/edwards25519"
)

// SigningCommitment is the public half of a participant's round-one nonces.
type SigningCommitment struct {
	Identifier Identifier `json:"identifier"`
	Hiding     Element    `json:"hiding"`
	Binding    Element    `json:"binding"`
}

// SigningNonces is the secret half of a round-one commitment. It must be
// used for at most one signature.
type SigningNonces struct {
	hiding     *edwards25519.Scalar
	binding    *edwards25519.Scalar
	Commitment SigningCommitment
}

// SignatureShare is one participant's round-two output.
type SignatureShare struct {
	Identifier Identifier `json:"identifier"`
	Share      Scalar     `json:"share"`
}

func generateNonce(rand io.Reader, secret *edwards25519.Scalar) (*edwards25519.Scalar, error) {
	var buf [32]byte
	if _, err := io.ReadFull(rand, buf[:]); err != nil {
		return nil, fmt.Errorf("frost: read nonce randomness: %w", err)
	}
	return h3(append(buf[:], secret.Bytes()...)), nil
}

// Commit runs round one for key: it draws hiding and binding nonces and
// returns them with their public commitment.
func Commit(rand io.Reader, key *KeyPackage) (*SigningNonces, error) {
	sk, err := decodeScalar(key.SecretShare)
	if err != nil {
		return nil, err
	}
	hiding, err := generateNonce(rand, sk)
	if err != nil {
		return nil, err
	}
	binding, err := generateNonce(rand, sk)
	if err != nil {
		return nil, err
	}
	return &SigningNonces{
		hiding:  hiding,
		binding: binding,
		Commitment: SigningCommitment{
			Identifier: key.Identifier,
			Hiding:     encodeElement(new(edwards25519.Point).ScalarBaseMult(hiding)),
			Binding:    encodeElement(new(edwards25519.Point).ScalarBaseMult(binding)),
		},
	}, nil
}

// SigningPackage fixes the message and commitment list for round two.
type SigningPackage struct {
	Commitments []SigningCommitment `json:"commitments"`
	Message     []byte              `json:"message"`
}

// NewSigningPackage sorts commitments by identifier and rejects
// duplicates.
func NewSigningPackage(commitments []SigningCommitment, msg []byte) (*SigningPackage, error) {
	sorted := slices.Clone(commitments)
	slices.SortFunc(sorted, func(a, b SigningCommitment) int { return int(a.Identifier) - int(b.Identifier) })
	ids := make([]Identifier, len(sorted))
	for i, c := range sorted {
		ids[i] = c.Identifier
	}
	if _, err := sortedUnique(ids); err != nil {
		return nil, err
	}
	if len(sorted) == 0 {
		return nil, fmt.Errorf("frost: empty commitment list")
	}
	return &SigningPackage{Commitments: sorted, Message: slices.Clone(msg)}, nil
}

// Identifiers lists the signing set in ascending order.
func (p *SigningPackage) Identifiers() []Identifier {
	ids := make([]Identifier, len(p.Commitments))
	for i, c := range p.Commitments {
		ids[i] = c.Identifier
	}
	return ids
}

// Commitment returns the entry for id.
func (p *SigningPackage) Commitment(id Identifier) (SigningCommitment, bool) {
	for _, c := range p.Commitments {
		if c.Identifier == id {
			return c, true
		}
	}
	return SigningCommitment{}, false
}

func (p *SigningPackage) encodeCommitments() []byte {
	out := make([]byte, 0, len(p.Commitments)*(ScalarSize+2*ElementSize))
	for _, c := range p.Commitments {
		out = append(out, c.Identifier.encode()...)
		out = append(out, c.Hiding[:]...)
		out = append(out, c.Binding[:]...)
	}
	return out
}

type signingState struct {
	groupKey       *edwards25519.Point
	bindingFactors map[Identifier]*edwards25519.Scalar
	groupCommit    *edwards25519.Point
	challenge      *edwards25519.Scalar
}

func (p *SigningPackage) state(groupKey Element) (*signingState, error) {
	gk, err := decodeElement(groupKey)
	if err != nil {
		return nil, err
	}
	prefix := make([]byte, 0, ElementSize+128)
	prefix = append(prefix, groupKey[:]...)
	prefix = append(prefix, h4(p.Message)...)
	prefix = append(prefix, h5(p.encodeCommitments())...)

	st := &signingState{
		groupKey:       gk,
		bindingFactors: make(map[Identifier]*edwards25519.Scalar, len(p.Commitments)),
		groupCommit:    edwards25519.NewIdentityPoint(),
	}
	for _, c := range p.Commitments {
		rho := h1(append(slices.Clone(prefix), c.Identifier.encode()...))
		st.bindingFactors[c.Identifier] = rho

		d, err := decodeElement(c.Hiding)
		if err != nil {
			return nil, fmt.Errorf("frost: commitment %d: %w", c.Identifier, err)
		}
		e, err := decodeElement(c.Binding)
		if err != nil {
			return nil, fmt.Errorf("frost: commitment %d: %w", c.Identifier, err)
		}
		st.groupCommit.Add(st.groupCommit, d)
		st.groupCommit.Add(st.groupCommit, new(edwards25519.Point).ScalarMult(rho, e))
	}

	challengeInput := make([]byte, 0, 2*ElementSize+len(p.Message))
	challengeInput = append(challengeInput, st.groupCommit.Bytes()...)
	challengeInput = append(challengeInput, groupKey[:]...)
	challengeInput = append(challengeInput, p.Message...)
	st.challenge = h2(challengeInput)
	return st, nil
}

// Sign runs round two. nonces must be the ones whose commitment appears in
// pkg for key's identifier.
func Sign(pkg *SigningPackage, nonces *SigningNonces, key *KeyPackage) (SignatureShare, error) {
	own, ok := pkg.Commitment(key.Identifier)
	if !ok {
		return SignatureShare{}, fmt.Errorf("frost: participant %d not in signing package", key.Identifier)
	}
	if own != nonces.Commitment {
		return SignatureShare{}, fmt.Errorf("frost: participant %d: nonces do not match commitment", key.Identifier)
	}
	sk, err := decodeScalar(key.SecretShare)
	if err != nil {
		return SignatureShare{}, err
	}
	st, err := pkg.state(key.GroupPublicKey)
	if err != nil {
		return SignatureShare{}, err
	}
	lambda, err := lagrange(pkg.Identifiers(), key.Identifier)
	if err != nil {
		return SignatureShare{}, err
	}

	// z = d + e*rho + lambda*sk*c
	z := edwards25519.NewScalar().Multiply(lambda, sk)
	z.Multiply(z, st.challenge)
	z.MultiplyAdd(nonces.binding, st.bindingFactors[key.Identifier], z)
	z.Add(z, nonces.hiding)
	return SignatureShare{Identifier: key.Identifier, Share: encodeScalar(z)}, nil
}
