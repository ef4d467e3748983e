// Package prestate hashes the state an operation is proposed against and
// binds operations to it. A binding hash is the identity of a consensus
// instance.
package prestate

import (
	"slices"

	"github.com/hxrts/aura/pkg/canonical"
	"github.com/hxrts/aura/pkg/coreerr"
	"github.com/hxrts/aura/pkg/types"
)

const (
	prestateTag = "AURA_PRESTATE_V1"
	bindingTag  = "AURA_OP_BINDING"
)

// AuthorityCommitment is one authority's state commitment.
type AuthorityCommitment struct {
	Authority  types.AuthorityID `json:"authority"`
	Commitment types.Hash32      `json:"commitment"`
}

// Prestate is the set of authority commitments plus the context commitment
// an operation is proposed against.
type Prestate struct {
	AuthorityCommitments []AuthorityCommitment `json:"authority_commitments"`
	ContextCommitment    types.Hash32          `json:"context_commitment"`
}

// New builds a Prestate. The commitments are copied.
func New(commitments []AuthorityCommitment, contextCommitment types.Hash32) Prestate {
	return Prestate{
		AuthorityCommitments: slices.Clone(commitments),
		ContextCommitment:    contextCommitment,
	}
}

func (p Prestate) sorted() []AuthorityCommitment {
	out := slices.Clone(p.AuthorityCommitments)
	slices.SortStableFunc(out, func(a, b AuthorityCommitment) int {
		if c := a.Authority.Compare(b.Authority); c != 0 {
			return c
		}
		return a.Commitment.Compare(b.Commitment)
	})
	return out
}

// ComputeHash returns the canonical prestate hash. It does not depend on
// the order of AuthorityCommitments.
func (p Prestate) ComputeHash() types.Hash32 {
	pairs := p.sorted()
	h := types.NewHasher()
	h.WriteTag(prestateTag)
	h.WriteU32LE(uint32(len(pairs))) //nolint:gosec // witness sets are far below 2^32
	for _, pair := range pairs {
		h.Write(pair.Authority[:])
		h.Write(pair.Commitment[:])
	}
	h.Write(p.ContextCommitment[:])
	return h.Sum()
}

// BindOperation binds op to this prestate. op is encoded canonically; a
// value that cannot be encoded is a caller bug and reported as Invalid.
func (p Prestate) BindOperation(op any) (types.Hash32, error) {
	raw, err := OperationBytes(op)
	if err != nil {
		return types.Hash32{}, err
	}
	return BindOperationBytes(p.ComputeHash(), raw), nil
}

// OperationBytes returns the canonical bytes signers see for op.
func OperationBytes(op any) ([]byte, error) {
	raw, err := canonical.Marshal(op)
	if err != nil {
		return nil, &coreerr.Error{
			Kind:  coreerr.KindInvalid,
			Op:    "prestate.bind_operation",
			Msg:   "AURA_OP_BINDING: serialization failed",
			Cause: err,
		}
	}
	return raw, nil
}

// BindOperationBytes binds already-canonical operation bytes to a
// prestate hash.
func BindOperationBytes(prestateHash types.Hash32, opBytes []byte) types.Hash32 {
	return types.HashTagged(bindingTag, prestateHash[:], opBytes)
}

// HasAuthority reports whether id has a commitment in the prestate.
func (p Prestate) HasAuthority(id types.AuthorityID) bool {
	_, ok := p.AuthorityCommitment(id)
	return ok
}

// AuthorityCommitment returns the commitment recorded for id. When an id
// appears more than once the smallest commitment wins, matching the
// canonical sort.
func (p Prestate) AuthorityCommitment(id types.AuthorityID) (types.Hash32, bool) {
	var (
		best  types.Hash32
		found bool
	)
	for _, c := range p.AuthorityCommitments {
		if c.Authority != id {
			continue
		}
		if !found || c.Commitment.Compare(best) < 0 {
			best = c.Commitment
			found = true
		}
	}
	return best, found
}

// Authorities lists the committed authorities in ascending order without
// duplicates.
func (p Prestate) Authorities() []types.AuthorityID {
	out := make([]types.AuthorityID, 0, len(p.AuthorityCommitments))
	for _, c := range p.sorted() {
		if n := len(out); n > 0 && out[n-1] == c.Authority {
			continue
		}
		out = append(out, c.Authority)
	}
	return out
}
