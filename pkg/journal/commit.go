package journal

import (
	"crypto/ed25519"
	"fmt"

	"github.com/hxrts/aura/pkg/coreerr"
	"github.com/hxrts/aura/pkg/prestate"
	"github.com/hxrts/aura/pkg/types"
)

// ThresholdSignature is an aggregated group signature and the witnesses
// whose shares formed it.
type ThresholdSignature struct {
	Signature [64]byte            `json:"signature"`
	Signers   []types.AuthorityID `json:"signers"`
}

// CommitFact is the output of a successful consensus instance.
type CommitFact struct {
	ConsensusID        types.Hash32          `json:"consensus_id"`
	PrestateHash       types.Hash32          `json:"prestate_hash"`
	OperationHash      types.Hash32          `json:"operation_hash"`
	OperationBytes     []byte                `json:"operation_bytes"`
	ThresholdSignature ThresholdSignature    `json:"threshold_signature"`
	GroupPublicKey     [32]byte              `json:"group_public_key"`
	Participants       []types.AuthorityID   `json:"participants"`
	Threshold          uint16                `json:"threshold"`
	FastPath           bool                  `json:"fast_path"`
	Timestamp          types.ProvenancedTime `json:"timestamp"`
}

// Verify checks the commit against the configured witness set: enough
// signers, every signer a witness, the signature valid over the operation
// bytes, and the consensus id equal to the binding of the operation to its
// prestate.
func (c *CommitFact) Verify(witnessSet []types.AuthorityID) error {
	const op = "journal.commit_verify"
	signers := c.ThresholdSignature.Signers
	if len(signers) < int(c.Threshold) || c.Threshold == 0 {
		return coreerr.New(coreerr.KindCrypto, op, "%d signers below threshold %d", len(signers), c.Threshold)
	}
	witnesses := make(map[types.AuthorityID]bool, len(witnessSet))
	for _, w := range witnessSet {
		witnesses[w] = true
	}
	seen := make(map[types.AuthorityID]bool, len(signers))
	for _, s := range signers {
		if !witnesses[s] {
			return coreerr.New(coreerr.KindCrypto, op, "signer %s is not a configured witness", s)
		}
		if seen[s] {
			return coreerr.New(coreerr.KindCrypto, op, "signer %s listed twice", s)
		}
		seen[s] = true
	}
	if !ed25519.Verify(ed25519.PublicKey(c.GroupPublicKey[:]), c.OperationBytes, c.ThresholdSignature.Signature[:]) {
		return coreerr.New(coreerr.KindCrypto, op, "threshold signature does not verify")
	}
	if types.HashBytes(c.OperationBytes) != c.OperationHash {
		return coreerr.New(coreerr.KindInvalid, op, "operation hash mismatch")
	}
	if prestate.BindOperationBytes(c.PrestateHash, c.OperationBytes) != c.ConsensusID {
		return coreerr.New(coreerr.KindInvalid, op, "consensus id is not the operation binding")
	}
	return nil
}

// Fact wraps the commit as a relational fact in context. Its order key is
// the consensus id, so commits against one prestate are totally ordered
// by binding.
func (c *CommitFact) Fact(context types.ContextID, epoch types.Epoch) Fact {
	var origin types.AuthorityID
	if c.Timestamp.Origin != nil {
		origin = *c.Timestamp.Origin
	}
	cp := *c
	return Fact{
		Context:   context,
		Order:     types.OrderTimeFromHash(c.ConsensusID),
		Timestamp: c.Timestamp.Stamp,
		Content:   Relational(RelationalFact{Kind: RelConsensusCommit, Commit: &cp}),
		Origin:    origin,
		Epoch:     epoch,
	}
}

func (c *CommitFact) String() string {
	return fmt.Sprintf("commit(%s, %d signers, fast_path=%t)", c.ConsensusID, len(c.ThresholdSignature.Signers), c.FastPath)
}
