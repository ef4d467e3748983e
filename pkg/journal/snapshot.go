package journal

import (
	"fmt"
	"slices"

	"github.com/Masterminds/semver/v3"
	"github.com/hxrts/aura/pkg/canonical"
	"github.com/hxrts/aura/pkg/coreerr"
	"github.com/hxrts/aura/pkg/types"
)

// FormatVersion is written into every snapshot.
const FormatVersion = "1.0.0"

// compatibleFormats accepts any 1.x snapshot.
var compatibleFormats = mustConstraint("^1")

func mustConstraint(c string) *semver.Constraints {
	out, err := semver.NewConstraint(c)
	if err != nil {
		panic(fmt.Sprintf("journal: bad format constraint %q: %v", c, err))
	}
	return out
}

// CheckFormat reports whether a snapshot written as version can be read.
func CheckFormat(version string) error {
	v, err := semver.NewVersion(version)
	if err != nil {
		return coreerr.Wrap(coreerr.KindInvalid, "journal.check_format", err, "bad snapshot format version %q", version)
	}
	if !compatibleFormats.Check(v) {
		return coreerr.New(coreerr.KindInvalid, "journal.check_format", "unsupported snapshot format %s (want ^1)", v)
	}
	return nil
}

// ClockEntry is one vector clock entry in canonical (sorted) sequences.
type ClockEntry struct {
	Authority types.AuthorityID `json:"authority"`
	Epoch     types.Epoch       `json:"epoch"`
}

// Snapshot is the persisted form of a journal. Facts are sorted by
// (context, order), budgets and clocks by key, so two journals holding the
// same value produce byte-identical encodings.
type Snapshot struct {
	FormatVersion string        `json:"format_version"`
	Facts         []Fact        `json:"facts"`
	Caps          Cap           `json:"caps"`
	FlowBudgets   []BudgetEntry `json:"flow_budgets"`
	VectorClocks  []ClockEntry  `json:"vector_clocks"`
}

// Snapshot captures the journal value.
func (j *Journal) Snapshot() Snapshot {
	clocks := make([]ClockEntry, 0, len(j.clocks))
	for a, e := range j.clocks {
		clocks = append(clocks, ClockEntry{Authority: a, Epoch: e})
	}
	slices.SortFunc(clocks, func(a, b ClockEntry) int { return a.Authority.Compare(b.Authority) })
	return Snapshot{
		FormatVersion: FormatVersion,
		Facts:         j.AllFacts(),
		Caps:          j.caps.clone(),
		FlowBudgets:   j.Budgets(),
		VectorClocks:  clocks,
	}
}

// MarshalCanonical encodes the journal snapshot canonically.
func (j *Journal) MarshalCanonical() ([]byte, error) {
	return canonical.Marshal(j.Snapshot())
}

// Hash is the digest of the canonical snapshot.
func (j *Journal) Hash() (types.Hash32, error) {
	raw, err := j.MarshalCanonical()
	if err != nil {
		return types.Hash32{}, err
	}
	return types.HashBytes(raw), nil
}

// Equal reports whether two journals hold the same value.
func Equal(a, b *Journal) bool {
	ab, err := a.MarshalCanonical()
	if err != nil {
		return false
	}
	bb, err := b.MarshalCanonical()
	if err != nil {
		return false
	}
	return string(ab) == string(bb)
}

// Restore replaces the whole journal content with s. On error j is
// unchanged.
func (j *Journal) Restore(s Snapshot) error {
	if err := CheckFormat(s.FormatVersion); err != nil {
		return err
	}
	fresh := New(WithRegistry(j.registry), WithCaps(NewCapFrom(s.Caps)))
	if err := fresh.MergeFacts(s.Facts); err != nil {
		return err
	}
	for _, e := range s.FlowBudgets {
		fresh.budgets[e.Key] = e.Budget
	}
	for _, c := range s.VectorClocks {
		fresh.observe(c.Authority, c.Epoch)
	}
	*j = *fresh
	return nil
}

// NewCapFrom normalizes a decoded Cap.
func NewCapFrom(c Cap) Cap {
	if c.Top {
		return TopCap()
	}
	return normalize(c.Patterns)
}

// DecodeSnapshot parses canonical snapshot bytes into a journal.
func DecodeSnapshot(data []byte, opts ...Option) (*Journal, error) {
	var s Snapshot
	if err := canonical.Unmarshal(data, &s); err != nil {
		return nil, coreerr.Wrap(coreerr.KindInvalid, "journal.decode_snapshot", err, "malformed snapshot")
	}
	j := New(opts...)
	if err := j.Restore(s); err != nil {
		return nil, err
	}
	return j, nil
}
