package guard

import (
	"fmt"
)

// Guard is a pure authorization check.
type Guard interface {
	Name() string
	Evaluate(snap *Snapshot, req *Request) Outcome
}

// Func adapts a function to Guard.
type Func struct {
	GuardName string
	Fn        func(snap *Snapshot, req *Request) Outcome
}

func (f Func) Name() string { return f.GuardName }

func (f Func) Evaluate(snap *Snapshot, req *Request) Outcome { return f.Fn(snap, req) }

// Chain evaluates guards left to right. The first denial wins and every
// effect emitted before it is dropped.
type Chain struct {
	guards []Guard
	trace  bool
}

// ChainOption configures a Chain.
type ChainOption func(*Chain)

// WithTrace makes the chain emit an EmitTrace command after every
// authorizing guard.
func WithTrace() ChainOption {
	return func(c *Chain) { c.trace = true }
}

// NewChain builds a chain over guards in the given order.
func NewChain(guards []Guard, opts ...ChainOption) *Chain {
	c := &Chain{guards: append([]Guard(nil), guards...)}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Guards returns the guard names in evaluation order.
func (c *Chain) Guards() []string {
	names := make([]string, len(c.guards))
	for i, g := range c.guards {
		names[i] = g.Name()
	}
	return names
}

// Evaluate runs the chain. It never panics.
func (c *Chain) Evaluate(snap Snapshot, req Request) Outcome {
	var effects []EffectCommand
	for _, g := range c.guards {
		out := runGuard(g, &snap, &req)
		if !out.Decision.Authorized() {
			return Outcome{Decision: out.Decision}
		}
		effects = append(effects, out.Effects...)
		if c.trace {
			effects = append(effects, Trace("guard.authorized", map[string]string{
				"guard":     g.Name(),
				"operation": string(req.Operation),
			}))
		}
	}
	return Outcome{Effects: effects}
}

func runGuard(g Guard, snap *Snapshot, req *Request) (out Outcome) {
	defer func() {
		if r := recover(); r != nil {
			out = Deny(DenyReason{
				Guard:   g.Name(),
				Code:    ReasonGuardPanic,
				Message: fmt.Sprintf("guard %s panicked: %v", g.Name(), r),
			})
		}
	}()
	out = g.Evaluate(snap, req)
	if d := out.Decision.Denied; d != nil {
		if d.Guard == "" {
			d.Guard = g.Name()
		}
		out.Effects = nil
	}
	return out
}
