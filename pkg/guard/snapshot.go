// Package guard is the pure authorization layer. A Chain evaluates guards
// over an immutable Snapshot and a Request and returns an Outcome: a
// decision plus the effect commands the interpreter should run. Guards do
// no I/O and hold no locks, so an Outcome is a deterministic function of
// its inputs.
package guard

import (
	"maps"
	"strconv"

	"github.com/hxrts/aura/pkg/journal"
	"github.com/hxrts/aura/pkg/types"
)

// BudgetView is a read-only copy of the flow budgets.
type BudgetView map[journal.BudgetKey]journal.FlowBudget

// Get returns the budget for (context, peer).
func (v BudgetView) Get(context types.ContextID, peer types.AuthorityID) (journal.FlowBudget, bool) {
	b, ok := v[journal.BudgetKey{Context: context, Peer: peer}]
	return b, ok
}

// MetadataView is a read-only key/value view handed to guards.
type MetadataView map[string]string

// Get returns the value for key.
func (m MetadataView) Get(key string) (string, bool) {
	v, ok := m[key]
	return v, ok
}

// Uint parses the value for key as an unsigned integer.
func (m MetadataView) Uint(key string) (uint64, bool) {
	v, ok := m[key]
	if !ok {
		return 0, false
	}
	n, err := strconv.ParseUint(v, 10, 64)
	if err != nil {
		return 0, false
	}
	return n, true
}

// Snapshot is everything a guard may read. It must not change during one
// evaluation.
type Snapshot struct {
	Now      types.TimeStamp
	Caps     journal.Cap
	Budgets  BudgetView
	Metadata MetadataView
	RNGSeed  [32]byte
	Epoch    types.Epoch
}

// NewSnapshot copies the guard-visible state out of j.
func NewSnapshot(j *journal.Journal, now types.TimeStamp, epoch types.Epoch, seed [32]byte, metadata map[string]string) Snapshot {
	budgets := make(BudgetView)
	for _, e := range j.Budgets() {
		budgets[e.Key] = e.Budget
	}
	return Snapshot{
		Now:      now,
		Caps:     j.Caps(),
		Budgets:  budgets,
		Metadata: MetadataView(maps.Clone(metadata)),
		RNGSeed:  seed,
		Epoch:    epoch,
	}
}

// nowMs is the physical time of the snapshot, if it has one.
func (s *Snapshot) nowMs() (uint64, bool) {
	if s.Now.Domain != types.DomainPhysical || s.Now.Physical == nil {
		return 0, false
	}
	return s.Now.Physical.TsMs, true
}
