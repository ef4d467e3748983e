package journal

import (
	"github.com/hxrts/aura/pkg/types"
)

// Delta is the unit peers exchange to converge: facts the receiver may be
// missing, a capability refinement and budget replicas.
type Delta struct {
	Facts          []Fact        `json:"facts"`
	CapsRefinement Cap           `json:"caps_refinement"`
	Budgets        []BudgetEntry `json:"budgets"`
}

// DeltaSince returns the facts whose origin epoch is newer than since
// records for that origin, plus the full capability and budget state.
// Origins absent from since are sent in full.
func (j *Journal) DeltaSince(since map[types.AuthorityID]types.Epoch) Delta {
	d := Delta{
		CapsRefinement: j.caps.clone(),
		Budgets:        j.Budgets(),
	}
	j.ascend(func(f *Fact) bool {
		seen, ok := since[f.Origin]
		if !ok || f.Epoch > seen {
			d.Facts = append(d.Facts, *f)
		}
		return true
	})
	return d
}

// ApplyDelta joins d into the journal, all or nothing.
func (j *Journal) ApplyDelta(d Delta) error {
	p, err := j.plan(d.Facts)
	if err != nil {
		return err
	}
	j.apply(p, d.Facts)
	j.caps = j.caps.Meet(NewCapFrom(d.CapsRefinement))
	for _, e := range d.Budgets {
		j.JoinFlowBudget(e.Key, e.Budget)
	}
	return nil
}

// Empty reports whether applying d would be a no-op on a bottom journal.
func (d Delta) Empty() bool {
	return len(d.Facts) == 0 && len(d.Budgets) == 0 && d.CapsRefinement.Top
}
