// Package journal is the relational journal: a join-semilattice of facts,
// capabilities, flow budgets and per-authority clocks.
//
// A Journal is a value owned by one writer. Facts live in an arena slice
// and are indexed by (context, order) in a B-tree; peers never share a
// Journal, they exchange Delta values. Concurrent access goes through a
// Store, which serializes writers and publishes immutable versions to
// readers.
package journal

import (
	"bytes"
	"fmt"

	"github.com/hxrts/aura/pkg/canonical"
	"github.com/hxrts/aura/pkg/types"
)

// ContentKind discriminates FactContent.
type ContentKind uint8

const (
	ContentRelational ContentKind = 1
	ContentGeneric    ContentKind = 2
)

// RelationalKind discriminates RelationalFact.
type RelationalKind uint8

const (
	RelChannelEpochBump    RelationalKind = 1
	RelDKGTranscriptCommit RelationalKind = 2
	RelGuardianBinding     RelationalKind = 3
	RelConsensusCommit     RelationalKind = 4
	RelEvidenceDelta       RelationalKind = 5
	RelOperationRecord     RelationalKind = 6
)

func (k RelationalKind) String() string {
	switch k {
	case RelChannelEpochBump:
		return "channel_epoch_bump"
	case RelDKGTranscriptCommit:
		return "dkg_transcript_commit"
	case RelGuardianBinding:
		return "guardian_binding"
	case RelConsensusCommit:
		return "consensus_commit"
	case RelEvidenceDelta:
		return "evidence_delta"
	case RelOperationRecord:
		return "operation_record"
	default:
		return fmt.Sprintf("relational(%d)", uint8(k))
	}
}

// ChannelEpochBump advances a channel to a new epoch.
type ChannelEpochBump struct {
	Channel types.Hash32 `json:"channel"`
	Parent  types.Epoch  `json:"parent"`
	New     types.Epoch  `json:"new"`
}

// DKGTranscriptCommit records the transcript of a key generation round.
type DKGTranscriptCommit struct {
	Epoch          types.Epoch         `json:"epoch"`
	TranscriptHash types.Hash32        `json:"transcript_hash"`
	Participants   []types.AuthorityID `json:"participants"`
	Threshold      uint16              `json:"threshold"`
}

// GuardianBinding binds a guardian to an authority.
type GuardianBinding struct {
	Authority   types.AuthorityID `json:"authority"`
	Guardian    types.GuardianID  `json:"guardian"`
	BindingHash types.Hash32      `json:"binding_hash"`
}

// EvidenceDelta records that Witness contributed to ConsensusID.
type EvidenceDelta struct {
	Witness     types.AuthorityID `json:"witness"`
	ConsensusID types.Hash32      `json:"consensus_id"`
	Context     types.ContextID   `json:"context"`
}

// OperationRecord is the journal entry queued by the journal guard for an
// authorized operation.
type OperationRecord struct {
	Authority types.AuthorityID `json:"authority"`
	Operation []byte            `json:"operation"`
	Cost      uint32            `json:"cost"`
	Payload   []byte            `json:"payload,omitempty"`
}

// RelationalFact is one of the built-in fact variants. Exactly the field
// matching Kind is set.
type RelationalFact struct {
	Kind             RelationalKind       `json:"kind"`
	ChannelEpochBump *ChannelEpochBump    `json:"channel_epoch_bump,omitempty"`
	DKGTranscript    *DKGTranscriptCommit `json:"dkg_transcript,omitempty"`
	GuardianBinding  *GuardianBinding     `json:"guardian_binding,omitempty"`
	Commit           *CommitFact          `json:"commit,omitempty"`
	Evidence         *EvidenceDelta       `json:"evidence,omitempty"`
	Operation        *OperationRecord     `json:"operation,omitempty"`
}

func (r *RelationalFact) validate() error {
	set := 0
	var match bool
	check := func(present bool, kind RelationalKind) {
		if present {
			set++
			match = match || r.Kind == kind
		}
	}
	check(r.ChannelEpochBump != nil, RelChannelEpochBump)
	check(r.DKGTranscript != nil, RelDKGTranscriptCommit)
	check(r.GuardianBinding != nil, RelGuardianBinding)
	check(r.Commit != nil, RelConsensusCommit)
	check(r.Evidence != nil, RelEvidenceDelta)
	check(r.Operation != nil, RelOperationRecord)
	if set != 1 || !match {
		return fmt.Errorf("relational fact %s must carry exactly its own variant", r.Kind)
	}
	if r.ChannelEpochBump != nil && r.ChannelEpochBump.New <= r.ChannelEpochBump.Parent {
		return fmt.Errorf("channel epoch bump must increase epoch (%d -> %d)", r.ChannelEpochBump.Parent, r.ChannelEpochBump.New)
	}
	return nil
}

// GenericFact is a domain payload validated by the Registry.
type GenericFact struct {
	TypeID  string `json:"type_id"`
	Payload []byte `json:"payload"`
}

// FactContent is Relational or Generic.
type FactContent struct {
	Kind       ContentKind     `json:"kind"`
	Relational *RelationalFact `json:"relational,omitempty"`
	Generic    *GenericFact    `json:"generic,omitempty"`
}

// Relational wraps a built-in variant.
func Relational(r RelationalFact) FactContent {
	return FactContent{Kind: ContentRelational, Relational: &r}
}

// Generic wraps a registered domain payload.
func Generic(typeID string, payload []byte) FactContent {
	return FactContent{Kind: ContentGeneric, Generic: &GenericFact{TypeID: typeID, Payload: payload}}
}

// Fact is one journal entry. Its identity is (Context, Order); Origin and
// Epoch record where it came from for sync.
type Fact struct {
	Context   types.ContextID   `json:"context"`
	Order     types.OrderTime   `json:"order"`
	Timestamp types.TimeStamp   `json:"timestamp"`
	Content   FactContent       `json:"content"`
	Origin    types.AuthorityID `json:"origin"`
	Epoch     types.Epoch       `json:"epoch"`
}

type factKey struct {
	context types.ContextID
	order   types.OrderTime
}

func (f *Fact) key() factKey { return factKey{context: f.Context, order: f.Order} }

func keyLess(a, b factKey) bool {
	if c := a.context.Compare(b.context); c != 0 {
		return c < 0
	}
	return a.order.Compare(b.order) < 0
}

func compareFacts(a, b Fact) int {
	if c := a.Context.Compare(b.Context); c != 0 {
		return c
	}
	return a.Order.Compare(b.Order)
}

// ContentBytes returns the canonical encoding of the fact content.
func (f *Fact) ContentBytes() ([]byte, error) {
	return canonical.Marshal(f.Content)
}

// SameContent reports whether f and other carry byte-identical content.
func (f *Fact) SameContent(other *Fact) (bool, error) {
	a, err := f.ContentBytes()
	if err != nil {
		return false, err
	}
	b, err := other.ContentBytes()
	if err != nil {
		return false, err
	}
	return bytes.Equal(a, b), nil
}

// Kind returns the relational kind, or zero for generic facts.
func (f *Fact) Kind() RelationalKind {
	if f.Content.Relational == nil {
		return 0
	}
	return f.Content.Relational.Kind
}
