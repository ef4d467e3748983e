package journal

import (
	"github.com/hxrts/aura/pkg/coreerr"
	"github.com/hxrts/aura/pkg/types"
)

const evidenceTag = "AURA_EVIDENCE_DELTA_V1"

// EvidenceOrder is the order key of the evidence delta for witness in
// consensusID.
func EvidenceOrder(witness types.AuthorityID, consensusID types.Hash32) types.OrderTime {
	return types.OrderTimeFromHash(types.HashTagged(evidenceTag, consensusID[:], witness[:]))
}

// EvidenceFact builds the evidence delta fact recording that witness took
// part in consensusID.
func EvidenceFact(witness types.AuthorityID, consensusID types.Hash32, context types.ContextID, epoch types.Epoch) Fact {
	order := EvidenceOrder(witness, consensusID)
	return Fact{
		Context:   context,
		Order:     order,
		Timestamp: types.OrderStamp(order),
		Content: Relational(RelationalFact{
			Kind:     RelEvidenceDelta,
			Evidence: &EvidenceDelta{Witness: witness, ConsensusID: consensusID, Context: context},
		}),
		Origin: witness,
		Epoch:  epoch,
	}
}

// InsertEvidenceDelta records that witness contributed to consensusID.
func (j *Journal) InsertEvidenceDelta(witness types.AuthorityID, consensusID types.Hash32, context types.ContextID) error {
	return j.AppendFact(EvidenceFact(witness, consensusID, context, j.clocks[witness]))
}

// AppendCommit appends the commit fact and one evidence delta per signer,
// all or nothing.
func (j *Journal) AppendCommit(commit *CommitFact, context types.ContextID, epoch types.Epoch) error {
	facts := make([]Fact, 0, 1+len(commit.ThresholdSignature.Signers))
	facts = append(facts, commit.Fact(context, epoch))
	for _, w := range commit.ThresholdSignature.Signers {
		facts = append(facts, EvidenceFact(w, commit.ConsensusID, context, epoch))
	}
	return j.MergeFacts(facts)
}

// Commits returns every commit fact in the journal, ordered by
// (context, consensus id).
func (j *Journal) Commits() []*CommitFact {
	var out []*CommitFact
	j.ascend(func(f *Fact) bool {
		if f.Kind() == RelConsensusCommit {
			out = append(out, f.Content.Relational.Commit)
		}
		return true
	})
	return out
}

// MissingEvidence lists, per consensus id, the signers that have no
// evidence delta in the commit's context.
func (j *Journal) MissingEvidence() map[types.Hash32][]types.AuthorityID {
	missing := make(map[types.Hash32][]types.AuthorityID)
	j.ascend(func(f *Fact) bool {
		if f.Kind() != RelConsensusCommit {
			return true
		}
		c := f.Content.Relational.Commit
		for _, w := range c.ThresholdSignature.Signers {
			if _, ok := j.lookup(factKey{context: f.Context, order: EvidenceOrder(w, c.ConsensusID)}); !ok {
				missing[c.ConsensusID] = append(missing[c.ConsensusID], w)
			}
		}
		return true
	})
	return missing
}

// VerifyEvidence fails on the first commit, in journal order, that lacks
// evidence for one of its signers.
func (j *Journal) VerifyEvidence() error {
	var err error
	j.ascend(func(f *Fact) bool {
		if f.Kind() != RelConsensusCommit {
			return true
		}
		c := f.Content.Relational.Commit
		for _, w := range c.ThresholdSignature.Signers {
			if _, ok := j.lookup(factKey{context: f.Context, order: EvidenceOrder(w, c.ConsensusID)}); !ok {
				err = coreerr.New(coreerr.KindNotFound, "journal.verify_evidence",
					"commit %s has no evidence delta for witness %s", c.ConsensusID, w)
				return false
			}
		}
		return true
	})
	return err
}
