package consensus

import (
	"github.com/hxrts/aura/pkg/coreerr"
	"github.com/hxrts/aura/pkg/crypto/frost"
	"github.com/hxrts/aura/pkg/journal"
	"github.com/hxrts/aura/pkg/transport"
	"github.com/hxrts/aura/pkg/types"
)

// Execute proposes an operation to the witnesses. In fast path mode it
// carries the pre-agreed commitment of every witness, and witnesses answer
// with a share in the same message as their commitment.
type Execute struct {
	ConsensusID    types.Hash32              `json:"consensus_id"`
	PrestateHash   types.Hash32              `json:"prestate_hash"`
	OperationBytes []byte                    `json:"operation_bytes"`
	Epoch          types.Epoch               `json:"epoch"`
	Coordinator    types.AuthorityID         `json:"coordinator"`
	Witnesses      []types.AuthorityID       `json:"witnesses"`
	Commitments    []frost.SigningCommitment `json:"commitments,omitempty"`
}

// FastPath reports whether the proposal pre-agrees commitments.
func (e *Execute) FastPath() bool { return len(e.Commitments) > 0 }

// NonceCommit is a witness's round-one reply. Share and Renewal are set
// only in fast path mode.
type NonceCommit struct {
	ConsensusID types.Hash32            `json:"consensus_id"`
	Commitment  frost.SigningCommitment `json:"commitment"`
	Signer      types.AuthorityID       `json:"signer"`
	Share       *frost.SignatureShare   `json:"share,omitempty"`
	// Renewal is a fresh commitment for a re-planned signing set of the
	// same instance.
	Renewal *frost.SigningCommitment `json:"renewal,omitempty"`
}

// SignRequest opens round two with the commitments of the signing set.
// Attempt counts signing sets within the instance, starting at 1.
type SignRequest struct {
	ConsensusID      types.Hash32                                  `json:"consensus_id"`
	AggregatedNonces map[types.AuthorityID]frost.SigningCommitment `json:"aggregated_nonces"`
	Attempt          uint32                                        `json:"attempt"`
}

// SignShare is a witness's round-two reply for Attempt. NextCommitment, if
// set, is a commitment the witness holds for its next instance in Epoch.
// Renewal, if set, replaces the commitment the share consumed for any
// later signing set of this instance.
type SignShare struct {
	ConsensusID    types.Hash32             `json:"consensus_id"`
	Share          frost.SignatureShare     `json:"share"`
	NextCommitment *frost.SigningCommitment `json:"next_commitment,omitempty"`
	Renewal        *frost.SigningCommitment `json:"renewal,omitempty"`
	Epoch          types.Epoch              `json:"epoch"`
	Signer         types.AuthorityID        `json:"signer"`
	Attempt        uint32                   `json:"attempt"`
}

// ConsensusResult distributes a commit fact to the participants.
type ConsensusResult struct {
	CommitFact journal.CommitFact `json:"commit_fact"`
}

// Conflict reports two operations bound to the same prestate.
type Conflict struct {
	ConsensusID types.Hash32      `json:"consensus_id"`
	Conflicts   []types.Hash32    `json:"conflicts"`
	Reporter    types.AuthorityID `json:"reporter"`
}

// Encode wraps a consensus message in its tagged wire form.
func Encode(msg any) (transport.Message, error) {
	switch m := msg.(type) {
	case *Execute:
		return transport.NewMessage(transport.TagExecute, m)
	case *NonceCommit:
		return transport.NewMessage(transport.TagNonceCommit, m)
	case *SignRequest:
		return transport.NewMessage(transport.TagSignRequest, m)
	case *SignShare:
		return transport.NewMessage(transport.TagSignShare, m)
	case *ConsensusResult:
		return transport.NewMessage(transport.TagConsensusResult, m)
	case *Conflict:
		return transport.NewMessage(transport.TagConflict, m)
	default:
		return transport.Message{}, coreerr.New(coreerr.KindInvalid, "consensus.encode", "not a consensus message: %T", msg)
	}
}

// Decode parses a tagged consensus message. The result is one of the
// pointer types above.
func Decode(m transport.Message) (any, error) {
	var out any
	switch m.Tag {
	case transport.TagExecute:
		out = new(Execute)
	case transport.TagNonceCommit:
		out = new(NonceCommit)
	case transport.TagSignRequest:
		out = new(SignRequest)
	case transport.TagSignShare:
		out = new(SignShare)
	case transport.TagConsensusResult:
		out = new(ConsensusResult)
	case transport.TagConflict:
		out = new(Conflict)
	default:
		return nil, coreerr.New(coreerr.KindInvalid, "consensus.decode", "not a consensus message: %s", m.Tag)
	}
	if err := m.Decode(out); err != nil {
		return nil, err
	}
	return out, nil
}

// IsConsensus reports whether tag carries a consensus message.
func IsConsensus(tag transport.MessageTag) bool {
	switch tag {
	case transport.TagExecute, transport.TagNonceCommit, transport.TagSignRequest,
		transport.TagSignShare, transport.TagConsensusResult, transport.TagConflict:
		return true
	}
	return false
}

// consensusID extracts the routing key of a coordinator-bound message.
func consensusID(msg any) (types.Hash32, bool) {
	switch m := msg.(type) {
	case *NonceCommit:
		return m.ConsensusID, true
	case *SignShare:
		return m.ConsensusID, true
	case *Conflict:
		return m.ConsensusID, true
	}
	return types.Hash32{}, false
}

// Outbound is a message addressed to one authority.
type Outbound struct {
	To      types.AuthorityID
	Message transport.Message
}

func outbound(to types.AuthorityID, msg any) (Outbound, error) {
	m, err := Encode(msg)
	if err != nil {
		return Outbound{}, err
	}
	return Outbound{To: to, Message: m}, nil
}
