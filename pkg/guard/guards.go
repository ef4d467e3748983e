package guard

import (
	"fmt"
	"math/bits"

	"github.com/hxrts/aura/pkg/journal"
	"github.com/hxrts/aura/pkg/types"
)

// Metadata keys read by the standard guards.
const (
	MetaLeakageBudgetBits = "leakage_budget_bits"
	MetaLeakageSpentBits  = "leakage_spent_bits"
)

// DefaultMaxClockSkewMs bounds how far a send envelope's timestamp may
// drift from the snapshot clock.
const DefaultMaxClockSkewMs uint64 = 60_000

// Config tunes the standard chain.
type Config struct {
	MaxClockSkewMs uint64
	// Policy is an optional CEL predicate evaluated after the capability
	// check.
	Policy string
	Trace  bool
}

// Standard builds the canonical chain: capability, optional policy, flow
// budget, leakage, journal, transport.
func Standard(cfg Config) (*Chain, error) {
	skew := cfg.MaxClockSkewMs
	if skew == 0 {
		skew = DefaultMaxClockSkewMs
	}
	guards := []Guard{CapabilityGuard{}}
	if cfg.Policy != "" {
		p, err := NewPolicyGuard("policy", cfg.Policy)
		if err != nil {
			return nil, err
		}
		guards = append(guards, p)
	}
	guards = append(guards,
		FlowBudgetGuard{},
		LeakageGuard{},
		JournalGuard{},
		TransportGuard{MaxClockSkewMs: skew},
	)
	var opts []ChainOption
	if cfg.Trace {
		opts = append(opts, WithTrace())
	}
	return NewChain(guards, opts...), nil
}

// CapabilityGuard checks the operation against the snapshot capabilities.
type CapabilityGuard struct{}

func (CapabilityGuard) Name() string { return "capability" }

func (CapabilityGuard) Evaluate(snap *Snapshot, req *Request) Outcome {
	op := string(req.Operation)
	if op == "" {
		return Deny(DenyReason{Code: ReasonCapabilityDenied, Message: "empty operation"})
	}
	if !snap.Caps.Allows(op) {
		return Deny(DenyReason{Code: ReasonCapabilityDenied, Message: fmt.Sprintf("capability %q not granted", op)})
	}
	return Authorize()
}

// FlowBudgetGuard charges the request cost against the budget keyed by
// (context, authority). A budget from an earlier epoch than the snapshot
// is evaluated as renewed.
type FlowBudgetGuard struct{}

func (FlowBudgetGuard) Name() string { return "flow_budget" }

func (FlowBudgetGuard) Evaluate(snap *Snapshot, req *Request) Outcome {
	if req.Cost == 0 {
		return Authorize()
	}
	need := uint64(req.Cost)
	b, ok := snap.Budgets.Get(req.Context, req.Authority)
	if !ok {
		return Deny(DenyReason{Code: ReasonInsufficientBudget, Message: "no flow budget for context", Need: need})
	}
	b = b.At(snap.Epoch)
	if have := b.Remaining(); need > have {
		return Deny(DenyReason{Code: ReasonInsufficientBudget, Message: "flow budget exhausted", Have: have, Need: need})
	}
	var peer types.AuthorityID
	if req.Send != nil {
		peer = req.Send.To
	}
	return Authorize(Charge(ChargeBudget{
		Context:   req.Context,
		Authority: req.Authority,
		Amount:    req.Cost,
		Peer:      peer,
		Epoch:     snap.Epoch,
	}))
}

// LeakageBits estimates the metadata bits an operation reveals: one for
// its occurrence plus the bit length of its payload size.
func LeakageBits(req *Request) uint32 {
	size := len(req.Payload)
	if req.Send != nil {
		size += len(req.Send.Envelope.Payload.Body)
	}
	return 1 + uint32(bits.Len(uint(size)))
}

// LeakageGuard records the leakage estimate, and denies when the snapshot
// metadata carries a leakage budget the request would exceed.
type LeakageGuard struct{}

func (LeakageGuard) Name() string { return "leakage" }

func (LeakageGuard) Evaluate(snap *Snapshot, req *Request) Outcome {
	est := LeakageBits(req)
	if budget, ok := snap.Metadata.Uint(MetaLeakageBudgetBits); ok {
		spent, _ := snap.Metadata.Uint(MetaLeakageSpentBits)
		var have uint64
		if budget > spent {
			have = budget - spent
		}
		if uint64(est) > have {
			return Deny(DenyReason{
				Code:    ReasonLeakageBudgetExceeded,
				Message: "metadata leakage budget exceeded",
				Have:    have,
				Need:    uint64(est),
			})
		}
	}
	return Authorize(Leak(RecordLeakage{Context: req.Context, Authority: req.Authority, Bits: est}))
}

// OperationOrder is the journal order of the record for req. It is unique
// per (context, authority, operation, payload, seed).
func OperationOrder(snap *Snapshot, req *Request) types.OrderTime {
	return types.OrderTimeFromHash(types.HashTagged("AURA_OPERATION_ORDER",
		req.Context[:], req.Authority[:], req.Operation, req.Payload, snap.RNGSeed[:]))
}

// JournalGuard queues the operation record to be appended on success.
type JournalGuard struct{}

func (JournalGuard) Name() string { return "journal" }

func (JournalGuard) Evaluate(snap *Snapshot, req *Request) Outcome {
	rec := journal.OperationRecord{
		Authority: req.Authority,
		Operation: append([]byte(nil), req.Operation...),
		Cost:      req.Cost,
		Payload:   append([]byte(nil), req.Payload...),
	}
	f := journal.Fact{
		Context:   req.Context,
		Order:     OperationOrder(snap, req),
		Timestamp: snap.Now,
		Content:   journal.Relational(journal.RelationalFact{Kind: journal.RelOperationRecord, Operation: &rec}),
		Origin:    req.Authority,
		Epoch:     snap.Epoch,
	}
	return Authorize(Append(f))
}

// TransportGuard queues the envelope of a send operation. Other
// operations pass through.
type TransportGuard struct {
	MaxClockSkewMs uint64
}

func (TransportGuard) Name() string { return "transport" }

func (g TransportGuard) Evaluate(snap *Snapshot, req *Request) Outcome {
	if !req.IsSend() {
		return Authorize()
	}
	if req.Send == nil {
		return Deny(DenyReason{Code: ReasonMissingEnvelope, Message: "send operation without envelope"})
	}
	h := req.Send.Envelope.Header()
	if now, ok := snap.nowMs(); ok {
		if err := h.CheckSkew(now, g.MaxClockSkewMs); err != nil {
			return Deny(DenyReason{Code: ReasonClockSkew, Message: err.Error()})
		}
	}
	return Authorize(Send(req.Send.To, req.Send.Envelope))
}
