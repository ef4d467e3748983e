package types

import (
	"bytes"
	"encoding/hex"
	"fmt"
)

// Epoch is a per-authority monotonically increasing counter.
type Epoch uint64

// Next returns the following epoch.
func (e Epoch) Next() Epoch { return e + 1 }

// OrderTime is the opaque 32-byte key that totally orders facts within a
// context. Lexicographic byte order is the authoritative order.
type OrderTime [32]byte

// OrderTimeFromHash reinterprets a digest as an order key.
func OrderTimeFromHash(h Hash32) OrderTime { return OrderTime(h) }

func (o OrderTime) Compare(other OrderTime) int  { return bytes.Compare(o[:], other[:]) }
func (o OrderTime) String() string               { return hex.EncodeToString(o[:]) }
func (o OrderTime) MarshalText() ([]byte, error) { return []byte(o.String()), nil }

func (o *OrderTime) UnmarshalText(text []byte) error {
	h, err := ParseHash32(string(text))
	if err != nil {
		return fmt.Errorf("parse order time: %w", err)
	}
	*o = OrderTime(h)
	return nil
}

// TimeDomain tags which clock produced a TimeStamp.
type TimeDomain uint8

const (
	DomainPhysical TimeDomain = 1
	DomainLogical  TimeDomain = 2
	DomainOrder    TimeDomain = 3
)

func (d TimeDomain) String() string {
	switch d {
	case DomainPhysical:
		return "physical"
	case DomainLogical:
		return "logical"
	case DomainOrder:
		return "order"
	default:
		return fmt.Sprintf("domain(%d)", uint8(d))
	}
}

// PhysicalClock is a wall-clock reading with optional uncertainty in
// milliseconds on either side of TsMs.
type PhysicalClock struct {
	TsMs        uint64  `json:"ts_ms"`
	Uncertainty *uint64 `json:"uncertainty,omitempty"`
}

func (p PhysicalClock) window() (lo, hi uint64) {
	lo, hi = p.TsMs, p.TsMs
	if p.Uncertainty != nil {
		u := *p.Uncertainty
		if u > lo {
			lo = 0
		} else {
			lo -= u
		}
		hi += u
	}
	return lo, hi
}

// LogicalClock pairs a vector clock with a Lamport counter.
type LogicalClock struct {
	Vector  VectorClock `json:"vector"`
	Lamport uint64      `json:"lamport"`
}

// TimeStamp is a tagged union over the three clock domains. Exactly one of
// Physical, Logical or Order is set, matching Domain.
type TimeStamp struct {
	Domain   TimeDomain     `json:"domain"`
	Physical *PhysicalClock `json:"physical,omitempty"`
	Logical  *LogicalClock  `json:"logical,omitempty"`
	Order    *OrderTime     `json:"order,omitempty"`
}

// PhysicalStamp builds a physical-clock timestamp. uncertainty may be nil.
func PhysicalStamp(tsMs uint64, uncertainty *uint64) TimeStamp {
	return TimeStamp{Domain: DomainPhysical, Physical: &PhysicalClock{TsMs: tsMs, Uncertainty: uncertainty}}
}

// LogicalStamp builds a logical-clock timestamp. The vector is copied.
func LogicalStamp(vc VectorClock, lamport uint64) TimeStamp {
	return TimeStamp{Domain: DomainLogical, Logical: &LogicalClock{Vector: vc.Clone(), Lamport: lamport}}
}

// OrderStamp builds an order-clock timestamp.
func OrderStamp(o OrderTime) TimeStamp {
	return TimeStamp{Domain: DomainOrder, Order: &o}
}

// Validate checks that the populated variant matches Domain.
func (t TimeStamp) Validate() error {
	switch t.Domain {
	case DomainPhysical:
		if t.Physical == nil || t.Logical != nil || t.Order != nil {
			return fmt.Errorf("timestamp: physical domain with mismatched variant")
		}
	case DomainLogical:
		if t.Logical == nil || t.Physical != nil || t.Order != nil {
			return fmt.Errorf("timestamp: logical domain with mismatched variant")
		}
	case DomainOrder:
		if t.Order == nil || t.Physical != nil || t.Logical != nil {
			return fmt.Errorf("timestamp: order domain with mismatched variant")
		}
	default:
		return fmt.Errorf("timestamp: unknown domain %d", t.Domain)
	}
	return nil
}

// OrderingPolicy selects how concurrent or cross-domain stamps compare.
type OrderingPolicy uint8

const (
	// Native reports concurrent and cross-domain stamps as Incomparable.
	Native OrderingPolicy = iota
	// DeterministicTieBreak reports them as Concurrent so the caller breaks
	// the tie with the fact order key.
	DeterministicTieBreak
)

// TimeOrdering is the result of comparing two timestamps.
type TimeOrdering uint8

const (
	Before TimeOrdering = iota
	After
	Equal
	Concurrent
	Incomparable
)

func (o TimeOrdering) String() string {
	switch o {
	case Before:
		return "before"
	case After:
		return "after"
	case Equal:
		return "equal"
	case Concurrent:
		return "concurrent"
	default:
		return "incomparable"
	}
}

func unordered(policy OrderingPolicy) TimeOrdering {
	if policy == DeterministicTieBreak {
		return Concurrent
	}
	return Incomparable
}

// Compare orders t relative to other under policy.
func (t TimeStamp) Compare(other TimeStamp, policy OrderingPolicy) TimeOrdering {
	if t.Domain != other.Domain {
		return unordered(policy)
	}
	switch t.Domain {
	case DomainPhysical:
		if t.Physical == nil || other.Physical == nil {
			return Incomparable
		}
		return comparePhysical(*t.Physical, *other.Physical, policy)
	case DomainLogical:
		if t.Logical == nil || other.Logical == nil {
			return Incomparable
		}
		switch t.Logical.Vector.Compare(other.Logical.Vector) {
		case Before:
			return Before
		case After:
			return After
		case Equal:
			return Equal
		default:
			return unordered(policy)
		}
	case DomainOrder:
		if t.Order == nil || other.Order == nil {
			return Incomparable
		}
		switch c := t.Order.Compare(*other.Order); {
		case c < 0:
			return Before
		case c > 0:
			return After
		default:
			return Equal
		}
	}
	return Incomparable
}

func comparePhysical(a, b PhysicalClock, policy OrderingPolicy) TimeOrdering {
	if a.Uncertainty == nil && b.Uncertainty == nil {
		switch {
		case a.TsMs < b.TsMs:
			return Before
		case a.TsMs > b.TsMs:
			return After
		default:
			return Equal
		}
	}
	aLo, aHi := a.window()
	bLo, bHi := b.window()
	switch {
	case aHi < bLo:
		return Before
	case bHi < aLo:
		return After
	default:
		// overlapping uncertainty windows
		return unordered(policy)
	}
}

// ProvenancedTime is a timestamp annotated with the authority that
// produced it, when known.
type ProvenancedTime struct {
	Stamp  TimeStamp    `json:"stamp"`
	Origin *AuthorityID `json:"origin,omitempty"`
}
