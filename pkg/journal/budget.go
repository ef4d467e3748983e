package journal

import (
	"github.com/hxrts/aura/pkg/coreerr"
	"github.com/hxrts/aura/pkg/types"
)

// BudgetKey addresses a flow budget: one peer within one context.
type BudgetKey struct {
	Context types.ContextID   `json:"context"`
	Peer    types.AuthorityID `json:"peer"`
}

func (k BudgetKey) Compare(other BudgetKey) int {
	if c := k.Context.Compare(other.Context); c != 0 {
		return c
	}
	return k.Peer.Compare(other.Peer)
}

// FlowBudget is a per-epoch quota.
type FlowBudget struct {
	Limit uint64      `json:"limit"`
	Spent uint64      `json:"spent"`
	Epoch types.Epoch `json:"epoch"`
}

// Remaining is the amount still chargeable in this epoch.
func (b FlowBudget) Remaining() uint64 {
	if b.Spent >= b.Limit {
		return 0
	}
	return b.Limit - b.Spent
}

// At returns the budget as seen in epoch. A budget from an earlier epoch
// rolls over to epoch with the same limit and nothing spent.
func (b FlowBudget) At(epoch types.Epoch) FlowBudget {
	if epoch > b.Epoch {
		return FlowBudget{Limit: b.Limit, Epoch: epoch}
	}
	return b
}

// Join merges two replicas of one budget. A strictly newer epoch replaces
// the entry wholesale. Within one epoch spent takes the maximum and limit
// the minimum, so a join never grants more than either side allowed.
func (b FlowBudget) Join(other FlowBudget) FlowBudget {
	switch {
	case other.Epoch > b.Epoch:
		return other
	case b.Epoch > other.Epoch:
		return b
	}
	out := b
	if other.Spent > out.Spent {
		out.Spent = other.Spent
	}
	if other.Limit < out.Limit {
		out.Limit = other.Limit
	}
	return out
}

// Charge returns b with cost added to Spent, or InsufficientBudget when
// that would exceed Limit.
func (b FlowBudget) Charge(cost uint64) (FlowBudget, error) {
	remaining := b.Remaining()
	if cost > remaining {
		return b, coreerr.InsufficientBudget(remaining, cost)
	}
	b.Spent += cost
	return b, nil
}

// BudgetEntry is a keyed budget in canonical (sorted) sequences.
type BudgetEntry struct {
	Key    BudgetKey  `json:"key"`
	Budget FlowBudget `json:"budget"`
}
