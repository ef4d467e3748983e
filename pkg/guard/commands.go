package guard

import (
	"github.com/hxrts/aura/pkg/journal"
	"github.com/hxrts/aura/pkg/transport"
	"github.com/hxrts/aura/pkg/types"
)

// CommandKind selects the EffectCommand variant.
type CommandKind uint8

const (
	CmdChargeBudget CommandKind = iota + 1
	CmdAppendJournal
	CmdRecordLeakage
	CmdSendEnvelope
	CmdEmitTrace
)

func (k CommandKind) String() string {
	switch k {
	case CmdChargeBudget:
		return "charge_budget"
	case CmdAppendJournal:
		return "append_journal"
	case CmdRecordLeakage:
		return "record_leakage"
	case CmdSendEnvelope:
		return "send_envelope"
	case CmdEmitTrace:
		return "emit_trace"
	default:
		return "unknown"
	}
}

// ChargeBudget debits Amount from the budget keyed by (Context, Authority)
// as seen in Epoch. Peer is the send destination, if any.
type ChargeBudget struct {
	Context   types.ContextID   `json:"context"`
	Authority types.AuthorityID `json:"authority"`
	Amount    uint32            `json:"amount"`
	Peer      types.AuthorityID `json:"peer"`
	Epoch     types.Epoch       `json:"epoch"`
}

// AppendJournal appends Entry to the local journal.
type AppendJournal struct {
	Entry journal.Fact `json:"entry"`
}

// RecordLeakage adds Bits to the metadata leakage counter.
type RecordLeakage struct {
	Context   types.ContextID   `json:"context"`
	Authority types.AuthorityID `json:"authority"`
	Bits      uint32            `json:"bits"`
}

// SendEnvelope hands Envelope to the transport for delivery to To.
type SendEnvelope struct {
	To       types.AuthorityID      `json:"to"`
	Envelope transport.WireEnvelope `json:"envelope"`
}

// EmitTrace appends a structured trace record.
type EmitTrace struct {
	Event  string            `json:"event"`
	Fields map[string]string `json:"fields,omitempty"`
}

// EffectCommand is one instruction for the interpreter. Exactly the field
// matching Kind is set.
type EffectCommand struct {
	Kind          CommandKind    `json:"kind"`
	ChargeBudget  *ChargeBudget  `json:"charge_budget,omitempty"`
	AppendJournal *AppendJournal `json:"append_journal,omitempty"`
	RecordLeakage *RecordLeakage `json:"record_leakage,omitempty"`
	SendEnvelope  *SendEnvelope  `json:"send_envelope,omitempty"`
	EmitTrace     *EmitTrace     `json:"emit_trace,omitempty"`
}

func Charge(c ChargeBudget) EffectCommand {
	return EffectCommand{Kind: CmdChargeBudget, ChargeBudget: &c}
}

func Append(f journal.Fact) EffectCommand {
	return EffectCommand{Kind: CmdAppendJournal, AppendJournal: &AppendJournal{Entry: f}}
}

func Leak(l RecordLeakage) EffectCommand {
	return EffectCommand{Kind: CmdRecordLeakage, RecordLeakage: &l}
}

func Send(to types.AuthorityID, env transport.WireEnvelope) EffectCommand {
	return EffectCommand{Kind: CmdSendEnvelope, SendEnvelope: &SendEnvelope{To: to, Envelope: env}}
}

func Trace(event string, fields map[string]string) EffectCommand {
	return EffectCommand{Kind: CmdEmitTrace, EmitTrace: &EmitTrace{Event: event, Fields: fields}}
}

// Journaled reports whether the command mutates the journal.
func (c EffectCommand) Journaled() bool {
	return c.Kind == CmdChargeBudget || c.Kind == CmdAppendJournal
}
