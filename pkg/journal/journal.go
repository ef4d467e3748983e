package journal

import (
	"bytes"
	"errors"
	"fmt"
	"maps"
	"slices"

	"github.com/google/btree"
	"github.com/hxrts/aura/pkg/canonical"
	"github.com/hxrts/aura/pkg/coreerr"
	"github.com/hxrts/aura/pkg/types"
)

const btreeDegree = 16

type indexEntry struct {
	key  factKey
	slot int
}

func entryLess(a, b indexEntry) bool { return keyLess(a.key, b.key) }

// Journal is the CRDT value. The zero value is not usable; call New.
type Journal struct {
	// arena holds facts by value; index maps (context, order) to a slot.
	arena   []Fact
	index   *btree.BTreeG[indexEntry]
	caps    Cap
	budgets map[BudgetKey]FlowBudget
	// clocks is the highest fact epoch seen per origin authority.
	clocks   map[types.AuthorityID]types.Epoch
	registry *Registry
}

// Option configures a new Journal.
type Option func(*Journal)

// WithRegistry makes the journal validate generic facts against r.
// Without a registry generic facts are accepted as-is.
func WithRegistry(r *Registry) Option {
	return func(j *Journal) { j.registry = r }
}

// WithCaps sets the initial capability component.
func WithCaps(c Cap) Option {
	return func(j *Journal) { j.caps = c.clone() }
}

// New returns the bottom journal: no facts, Top capabilities, no budgets.
func New(opts ...Option) *Journal {
	j := &Journal{
		index:   btree.NewG[indexEntry](btreeDegree, entryLess),
		caps:    TopCap(),
		budgets: make(map[BudgetKey]FlowBudget),
		clocks:  make(map[types.AuthorityID]types.Epoch),
	}
	for _, opt := range opts {
		opt(j)
	}
	return j
}

// Clone returns an independent copy. Fact values are shared and must be
// treated as immutable.
func (j *Journal) Clone() *Journal {
	return &Journal{
		arena:    slices.Clone(j.arena),
		index:    j.index.Clone(),
		caps:     j.caps.clone(),
		budgets:  maps.Clone(j.budgets),
		clocks:   maps.Clone(j.clocks),
		registry: j.registry,
	}
}

// Len is the number of facts.
func (j *Journal) Len() int { return j.index.Len() }

// Caps returns the capability component.
func (j *Journal) Caps() Cap { return j.caps.clone() }

// Clock returns the highest epoch seen from origin.
func (j *Journal) Clock(origin types.AuthorityID) types.Epoch { return j.clocks[origin] }

// Clocks returns a copy of the per-authority clocks.
func (j *Journal) Clocks() map[types.AuthorityID]types.Epoch { return maps.Clone(j.clocks) }

func (j *Journal) lookup(k factKey) (*Fact, bool) {
	e, ok := j.index.Get(indexEntry{key: k})
	if !ok {
		return nil, false
	}
	return &j.arena[e.slot], true
}

func (j *Journal) ascend(fn func(*Fact) bool) {
	j.index.Ascend(func(e indexEntry) bool { return fn(&j.arena[e.slot]) })
}

// Get returns the fact at (context, order).
func (j *Journal) Get(context types.ContextID, order types.OrderTime) (Fact, bool) {
	f, ok := j.lookup(factKey{context: context, order: order})
	if !ok {
		return Fact{}, false
	}
	return *f, true
}

// Facts returns the facts of one context in ascending order.
func (j *Journal) Facts(context types.ContextID) []Fact {
	var out []Fact
	j.index.AscendGreaterOrEqual(indexEntry{key: factKey{context: context}}, func(e indexEntry) bool {
		if e.key.context != context {
			return false
		}
		out = append(out, j.arena[e.slot])
		return true
	})
	return out
}

// AllFacts returns every fact sorted by (context, order).
func (j *Journal) AllFacts() []Fact {
	out := make([]Fact, 0, j.index.Len())
	j.ascend(func(f *Fact) bool {
		out = append(out, *f)
		return true
	})
	return out
}

func (j *Journal) validate(f *Fact) error {
	if err := f.Timestamp.Validate(); err != nil {
		return err
	}
	switch f.Content.Kind {
	case ContentRelational:
		if f.Content.Relational == nil || f.Content.Generic != nil {
			return fmt.Errorf("relational content without relational payload")
		}
		r := f.Content.Relational
		if err := r.validate(); err != nil {
			return err
		}
		switch r.Kind {
		case RelConsensusCommit:
			if f.Order != types.OrderTimeFromHash(r.Commit.ConsensusID) {
				return fmt.Errorf("commit fact order must equal its consensus id")
			}
		case RelEvidenceDelta:
			if f.Order != EvidenceOrder(r.Evidence.Witness, r.Evidence.ConsensusID) {
				return fmt.Errorf("evidence fact order does not match witness and consensus id")
			}
			if r.Evidence.Context != f.Context {
				return fmt.Errorf("evidence fact context mismatch")
			}
		}
	case ContentGeneric:
		if f.Content.Generic == nil || f.Content.Relational != nil {
			return fmt.Errorf("generic content without generic payload")
		}
		if j.registry != nil {
			return j.registry.Validate(f.Content.Generic)
		}
	default:
		return fmt.Errorf("unknown content kind %d", f.Content.Kind)
	}
	return nil
}

type pending struct {
	fact  Fact
	bytes []byte
	// slot is the arena slot to overwrite, or -1 to append.
	slot int
}

func encodeFact(f *Fact) ([]byte, []byte, error) {
	full, err := canonical.Marshal(f)
	if err != nil {
		return nil, nil, err
	}
	content, err := f.ContentBytes()
	if err != nil {
		return nil, nil, err
	}
	return full, content, nil
}

// plan validates facts and resolves them against the journal and each
// other without mutating anything. Same-key facts with equal content
// collapse to the one with the smallest canonical encoding so merge order
// never matters.
func (j *Journal) plan(facts []Fact) ([]pending, error) {
	const op = "journal.merge_facts"
	batch := make(map[factKey]int, len(facts))
	out := make([]pending, 0, len(facts))
	contents := make([][]byte, 0, len(facts))

	for i := range facts {
		f := facts[i]
		if err := j.validate(&f); err != nil {
			return nil, coreerr.Wrap(coreerr.KindInvalid, op, err, "invalid fact in context %s", f.Context)
		}
		full, content, err := encodeFact(&f)
		if err != nil {
			return nil, coreerr.Wrap(coreerr.KindInvalid, op, err, "fact is not serializable")
		}
		k := f.key()

		if idx, ok := batch[k]; ok {
			if !bytes.Equal(contents[idx], content) {
				return nil, conflictErr(k)
			}
			if bytes.Compare(full, out[idx].bytes) < 0 {
				out[idx].fact, out[idx].bytes = f, full
			}
			continue
		}

		p := pending{fact: f, bytes: full, slot: -1}
		if existing, ok := j.index.Get(indexEntry{key: k}); ok {
			cur := &j.arena[existing.slot]
			curFull, curContent, err := encodeFact(cur)
			if err != nil {
				return nil, coreerr.Wrap(coreerr.KindInternal, op, err, "stored fact is not serializable")
			}
			if !bytes.Equal(curContent, content) {
				return nil, conflictErr(k)
			}
			if bytes.Compare(full, curFull) >= 0 {
				// existing fact wins; apply still records f's origin clock
				p.fact, p.bytes = *cur, curFull
			}
			p.slot = existing.slot
		}
		batch[k] = len(out)
		out = append(out, p)
		contents = append(contents, content)
	}
	return out, nil
}

func conflictErr(k factKey) error {
	return coreerr.New(coreerr.KindConflict, "journal.merge_facts",
		"conflicting content for fact %s/%s", k.context, k.order)
}

// observe raises the clock for origin to at least epoch.
func (j *Journal) observe(origin types.AuthorityID, epoch types.Epoch) {
	if cur, ok := j.clocks[origin]; !ok || epoch > cur {
		j.clocks[origin] = epoch
	}
}

func (j *Journal) apply(plan []pending, sources []Fact) {
	for _, p := range plan {
		if p.slot >= 0 {
			j.arena[p.slot] = p.fact
		} else {
			j.arena = append(j.arena, p.fact)
			j.index.ReplaceOrInsert(indexEntry{key: p.fact.key(), slot: len(j.arena) - 1})
		}
	}
	for i := range sources {
		j.observe(sources[i].Origin, sources[i].Epoch)
	}
}

// MergeFacts unions facts into the journal. It is all-or-nothing: a fact
// whose (context, order) is already present with different content is a
// protocol violation and rejects the whole batch.
func (j *Journal) MergeFacts(facts []Fact) error {
	p, err := j.plan(facts)
	if err != nil {
		return err
	}
	j.apply(p, facts)
	return nil
}

// AppendFact inserts one fact, enforcing the journal invariants.
func (j *Journal) AppendFact(f Fact) error {
	return j.MergeFacts([]Fact{f})
}

// RefineCaps meets the capability component with refinement.
func (j *Journal) RefineCaps(refinement Cap) {
	j.caps = j.caps.Meet(refinement)
}

// FlowBudget returns the budget for (context, peer).
func (j *Journal) FlowBudget(context types.ContextID, peer types.AuthorityID) (FlowBudget, error) {
	b, ok := j.budgets[BudgetKey{Context: context, Peer: peer}]
	if !ok {
		return FlowBudget{}, coreerr.New(coreerr.KindNotFound, "journal.flow_budget", "no budget for %s in %s", peer, context)
	}
	return b, nil
}

// SetFlowBudget replaces the budget for key.
func (j *Journal) SetFlowBudget(key BudgetKey, b FlowBudget) {
	j.budgets[key] = b
}

// JoinFlowBudget joins b into the budget for key.
func (j *Journal) JoinFlowBudget(key BudgetKey, b FlowBudget) {
	if cur, ok := j.budgets[key]; ok {
		b = cur.Join(b)
	}
	j.budgets[key] = b
}

// ChargeFlowBudget adds cost to the budget for (context, peer) as seen in
// epoch, rolling an older budget over first. On InsufficientBudget the
// budget is unchanged.
func (j *Journal) ChargeFlowBudget(context types.ContextID, peer types.AuthorityID, epoch types.Epoch, cost uint64) (FlowBudget, error) {
	key := BudgetKey{Context: context, Peer: peer}
	b, ok := j.budgets[key]
	if !ok {
		return FlowBudget{}, coreerr.New(coreerr.KindNotFound, "journal.charge_flow_budget", "no budget for %s in %s", peer, context)
	}
	next, err := b.At(epoch).Charge(cost)
	if err != nil {
		var ce *coreerr.Error
		if errors.As(err, &ce) {
			return b, ce.WithOp("journal.charge_flow_budget")
		}
		return b, err
	}
	j.budgets[key] = next
	return next, nil
}

// Budgets returns every budget sorted by key.
func (j *Journal) Budgets() []BudgetEntry {
	out := make([]BudgetEntry, 0, len(j.budgets))
	for k, b := range j.budgets {
		out = append(out, BudgetEntry{Key: k, Budget: b})
	}
	slices.SortFunc(out, func(a, b BudgetEntry) int { return a.Key.Compare(b.Key) })
	return out
}

// JoinWith joins other into j: fact union, capability meet, budget join
// and clock maximum. It is all-or-nothing.
func (j *Journal) JoinWith(other *Journal) error {
	facts := other.AllFacts()
	p, err := j.plan(facts)
	if err != nil {
		return err
	}
	j.apply(p, facts)
	j.caps = j.caps.Meet(other.caps)
	for k, b := range other.budgets {
		j.JoinFlowBudget(k, b)
	}
	for a, e := range other.clocks {
		j.observe(a, e)
	}
	return nil
}

// Join returns the join of a and b without modifying either.
func Join(a, b *Journal) (*Journal, error) {
	out := a.Clone()
	if err := out.JoinWith(b); err != nil {
		return nil, err
	}
	return out, nil
}

// MergeFacts returns target with delta merged in.
func MergeFacts(target *Journal, delta []Fact) (*Journal, error) {
	out := target.Clone()
	if err := out.MergeFacts(delta); err != nil {
		return nil, err
	}
	return out, nil
}

// RefineCaps returns target with its capabilities met with refinement.
func RefineCaps(target *Journal, refinement Cap) *Journal {
	out := target.Clone()
	out.RefineCaps(refinement)
	return out
}
