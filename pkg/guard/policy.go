package guard

import (
	"fmt"

	"github.com/google/cel-go/cel"
)

// PolicyGuard evaluates a CEL predicate over the request. The expression
// sees a single map variable, input, with keys authority, operation, cost,
// context, epoch, now_ms, send_to and metadata. It is compiled once at
// construction; evaluation is side-effect free.
type PolicyGuard struct {
	name string
	expr string
	prg  cel.Program
}

// NewPolicyGuard compiles expr. The expression must yield a bool.
func NewPolicyGuard(name, expr string) (*PolicyGuard, error) {
	env, err := cel.NewEnv(
		cel.Variable("input", cel.MapType(cel.StringType, cel.DynType)),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create CEL env: %w", err)
	}
	ast, issues := env.Compile(expr)
	if issues != nil && issues.Err() != nil {
		return nil, fmt.Errorf("CEL compile error: %w", issues.Err())
	}
	if !ast.OutputType().IsExactType(cel.BoolType) && !ast.OutputType().IsExactType(cel.DynType) {
		return nil, fmt.Errorf("CEL policy %q must evaluate to bool, got %s", expr, ast.OutputType())
	}
	prg, err := env.Program(ast)
	if err != nil {
		return nil, fmt.Errorf("CEL program error: %w", err)
	}
	return &PolicyGuard{name: name, expr: expr, prg: prg}, nil
}

func (p *PolicyGuard) Name() string { return p.name }

// Expression returns the source predicate.
func (p *PolicyGuard) Expression() string { return p.expr }

func policyInput(snap *Snapshot, req *Request) map[string]any {
	metadata := make(map[string]any, len(snap.Metadata))
	for k, v := range snap.Metadata {
		metadata[k] = v
	}
	input := map[string]any{
		"authority": req.Authority.String(),
		"operation": string(req.Operation),
		"cost":      int64(req.Cost),
		"context":   req.Context.String(),
		"epoch":     int64(snap.Epoch),
		"send_to":   "",
		"metadata":  metadata,
	}
	if now, ok := snap.nowMs(); ok {
		input["now_ms"] = int64(now)
	} else {
		input["now_ms"] = int64(0)
	}
	if req.Send != nil {
		input["send_to"] = req.Send.To.String()
	}
	return input
}

func (p *PolicyGuard) Evaluate(snap *Snapshot, req *Request) Outcome {
	out, _, err := p.prg.Eval(map[string]any{"input": policyInput(snap, req)})
	if err != nil {
		return Deny(DenyReason{Code: ReasonPolicyDenied, Message: fmt.Sprintf("CEL eval error: %v", err)})
	}
	allowed, ok := out.Value().(bool)
	if !ok {
		return Deny(DenyReason{Code: ReasonPolicyDenied, Message: "policy result not boolean"})
	}
	if !allowed {
		return Deny(DenyReason{Code: ReasonPolicyDenied, Message: fmt.Sprintf("policy %q rejected request", p.expr)})
	}
	return Authorize()
}
