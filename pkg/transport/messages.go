package transport

import (
	"github.com/hxrts/aura/pkg/canonical"
	"github.com/hxrts/aura/pkg/coreerr"
	"github.com/hxrts/aura/pkg/journal"
	"github.com/hxrts/aura/pkg/types"
)

// MessageTag identifies a payload variant on the wire. Values are stable
// across versions.
type MessageTag uint8

const (
	TagNonceCommit        MessageTag = 1
	TagSignRequest        MessageTag = 2
	TagSignShare          MessageTag = 3
	TagConsensusResult    MessageTag = 4
	TagConflict           MessageTag = 5
	TagJournalSyncRequest MessageTag = 6
	TagJournalSyncDelta   MessageTag = 7
	TagExecute            MessageTag = 8
)

var tagNames = map[MessageTag]string{
	TagNonceCommit:        "nonce_commit",
	TagSignRequest:        "sign_request",
	TagSignShare:          "sign_share",
	TagConsensusResult:    "consensus_result",
	TagConflict:           "conflict",
	TagJournalSyncRequest: "journal_sync_request",
	TagJournalSyncDelta:   "journal_sync_delta",
	TagExecute:            "execute",
}

func (t MessageTag) String() string {
	if s, ok := tagNames[t]; ok {
		return s
	}
	return "unknown"
}

// Valid reports whether t is a known tag.
func (t MessageTag) Valid() bool {
	_, ok := tagNames[t]
	return ok
}

// Message is a tagged payload. Body holds the canonical encoding of the
// variant selected by Tag.
type Message struct {
	Tag  MessageTag `json:"tag"`
	Body []byte     `json:"body"`
}

// NewMessage canonically encodes body under tag.
func NewMessage(tag MessageTag, body any) (Message, error) {
	if !tag.Valid() {
		return Message{}, coreerr.New(coreerr.KindInvalid, "transport.new_message", "unknown message tag %d", tag)
	}
	raw, err := canonical.Marshal(body)
	if err != nil {
		return Message{}, coreerr.Wrap(coreerr.KindInvalid, "transport.new_message", err, "encode %s", tag)
	}
	return Message{Tag: tag, Body: raw}, nil
}

// Decode parses the body into v.
func (m Message) Decode(v any) error {
	if err := canonical.Unmarshal(m.Body, v); err != nil {
		return coreerr.Wrap(coreerr.KindInvalid, "transport.decode", err, "malformed %s body", m.Tag)
	}
	return nil
}

// JournalSyncRequest asks a peer for the facts newer than since.
type JournalSyncRequest struct {
	Since map[types.AuthorityID]types.Epoch `json:"since"`
}

// JournalSyncDelta answers a JournalSyncRequest.
type JournalSyncDelta struct {
	Facts          []journal.Fact        `json:"facts"`
	CapsRefinement journal.Cap           `json:"caps_refinement"`
	Budgets        []journal.BudgetEntry `json:"budgets"`
}

// SyncDelta converts a journal delta for the wire.
func SyncDelta(d journal.Delta) JournalSyncDelta {
	return JournalSyncDelta{Facts: d.Facts, CapsRefinement: d.CapsRefinement, Budgets: d.Budgets}
}

// Delta converts back to the journal form.
func (m JournalSyncDelta) Delta() journal.Delta {
	return journal.Delta{Facts: m.Facts, CapsRefinement: m.CapsRefinement, Budgets: m.Budgets}
}

// WireEnvelope is the framed form sent between authorities.
type WireEnvelope = Envelope[Message]

// EncodeEnvelope canonically encodes env.
func EncodeEnvelope(env WireEnvelope) ([]byte, error) {
	raw, err := canonical.Marshal(env)
	if err != nil {
		return nil, coreerr.Wrap(coreerr.KindInvalid, "transport.encode_envelope", err, "encode envelope")
	}
	return raw, nil
}

// DecodeEnvelope parses bytes produced by EncodeEnvelope. It does not
// validate the header; use a SequenceTracker for that.
func DecodeEnvelope(data []byte) (WireEnvelope, error) {
	var env WireEnvelope
	if err := canonical.Unmarshal(data, &env); err != nil {
		return WireEnvelope{}, coreerr.Wrap(coreerr.KindInvalid, "transport.decode_envelope", err, "malformed envelope")
	}
	if !env.Payload.Tag.Valid() {
		return WireEnvelope{}, coreerr.New(coreerr.KindInvalid, "transport.decode_envelope", "unknown message tag %d", env.Payload.Tag)
	}
	return env, nil
}
