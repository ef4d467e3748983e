package guard

import (
	"fmt"

	"github.com/hxrts/aura/pkg/canonical"
	"github.com/hxrts/aura/pkg/coreerr"
)

// Deny reason codes.
const (
	ReasonCapabilityDenied      = "capability_denied"
	ReasonInsufficientBudget    = "insufficient_budget"
	ReasonClockSkew             = "clock_skew"
	ReasonLeakageBudgetExceeded = "leakage_budget_exceeded"
	ReasonMissingEnvelope       = "missing_envelope"
	ReasonPolicyDenied          = "policy_denied"
	ReasonGuardPanic            = "guard_panic"
)

// DenyReason is a structured rejection. Have and Need are set for budget
// style denials.
type DenyReason struct {
	Guard   string `json:"guard"`
	Code    string `json:"code"`
	Message string `json:"message"`
	Have    uint64 `json:"have,omitempty"`
	Need    uint64 `json:"need,omitempty"`
}

func (r DenyReason) String() string {
	if r.Code == ReasonInsufficientBudget || r.Code == ReasonLeakageBudgetExceeded {
		return fmt.Sprintf("%s: %s (have %d, need %d)", r.Code, r.Message, r.Have, r.Need)
	}
	return fmt.Sprintf("%s: %s", r.Code, r.Message)
}

// Err converts the denial into the error surfaced to callers. Budget
// exhaustion keeps its own kind so callers can retry after an epoch
// advance.
func (r DenyReason) Err() error {
	if r.Code == ReasonInsufficientBudget {
		e := coreerr.InsufficientBudget(r.Have, r.Need).WithOp("guard." + r.Guard)
		e.Reason = r.Code
		return e
	}
	return coreerr.Denied(r.Code, r.Message).WithOp("guard." + r.Guard)
}

// Decision is Authorized when Denied is nil.
type Decision struct {
	Denied *DenyReason `json:"denied,omitempty"`
}

// Authorized reports whether the request may proceed.
func (d Decision) Authorized() bool { return d.Denied == nil }

// Outcome is the result of a guard or a chain.
type Outcome struct {
	Decision Decision        `json:"decision"`
	Effects  []EffectCommand `json:"effects"`
}

// Authorize returns an authorizing outcome carrying effects.
func Authorize(effects ...EffectCommand) Outcome {
	return Outcome{Effects: effects}
}

// Deny returns a denying outcome with no effects.
func Deny(reason DenyReason) Outcome {
	return Outcome{Decision: Decision{Denied: &reason}}
}

// Err is nil when authorized.
func (o Outcome) Err() error {
	if o.Decision.Denied == nil {
		return nil
	}
	return o.Decision.Denied.Err()
}

// MarshalCanonical encodes the outcome canonically. Two evaluations of the
// same chain on the same inputs produce identical bytes.
func (o Outcome) MarshalCanonical() ([]byte, error) {
	return canonical.Marshal(o)
}
