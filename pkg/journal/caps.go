package journal

import (
	"slices"
	"strings"
)

// Wildcard grants every permission.
const Wildcard = "*"

// Cap is a capability set ordered by inclusion. It is a meet-semilattice:
// Meet intersects, and Top (every permission) is the identity.
//
// A pattern is either a literal permission ("send:admin") or a prefix
// pattern ending in "*" ("send:*") that grants every permission with that
// prefix. Patterns are kept as a sorted antichain so equal sets have equal
// encodings.
type Cap struct {
	Top      bool     `json:"top"`
	Patterns []string `json:"patterns"`
}

// TopCap grants everything. It is the capability component of an empty
// journal.
func TopCap() Cap { return Cap{Top: true} }

// BottomCap grants nothing.
func BottomCap() Cap { return Cap{} }

// NewCap builds a normalized Cap from patterns.
func NewCap(patterns ...string) Cap {
	return normalize(patterns)
}

func covers(p, x string) bool {
	if p == x {
		return true
	}
	if strings.HasSuffix(p, "*") {
		return strings.HasPrefix(x, p[:len(p)-1])
	}
	return false
}

func normalize(patterns []string) Cap {
	uniq := slices.Clone(patterns)
	slices.Sort(uniq)
	uniq = slices.Compact(uniq)
	out := make([]string, 0, len(uniq))
	for i, p := range uniq {
		if p == Wildcard {
			return TopCap()
		}
		redundant := false
		for j, q := range uniq {
			if i != j && q != p && covers(q, p) {
				redundant = true
				break
			}
		}
		if !redundant {
			out = append(out, p)
		}
	}
	return Cap{Patterns: out}
}

// Allows reports whether permission is granted.
func (c Cap) Allows(permission string) bool {
	if c.Top {
		return true
	}
	for _, p := range c.Patterns {
		if covers(p, permission) {
			return true
		}
	}
	return false
}

// Meet returns the intersection of c and other.
func (c Cap) Meet(other Cap) Cap {
	switch {
	case c.Top:
		return other.clone()
	case other.Top:
		return c.clone()
	}
	var out []string
	for _, p := range c.Patterns {
		for _, q := range other.Patterns {
			switch {
			case covers(p, q):
				out = append(out, q)
			case covers(q, p):
				out = append(out, p)
			}
		}
	}
	return normalize(out)
}

// LessEq reports c ≤ other: every permission c grants, other grants too.
func (c Cap) LessEq(other Cap) bool {
	if other.Top {
		return true
	}
	if c.Top {
		return false
	}
	for _, p := range c.Patterns {
		ok := false
		for _, q := range other.Patterns {
			if covers(q, p) {
				ok = true
				break
			}
		}
		if !ok {
			return false
		}
	}
	return true
}

// Equal compares normalized forms.
func (c Cap) Equal(other Cap) bool {
	return c.Top == other.Top && slices.Equal(c.Patterns, other.Patterns)
}

func (c Cap) clone() Cap {
	return Cap{Top: c.Top, Patterns: slices.Clone(c.Patterns)}
}
