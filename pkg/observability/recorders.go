package observability

import (
	"context"
	"maps"
	"slices"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/hxrts/aura/pkg/consensus"
	"github.com/hxrts/aura/pkg/coreerr"
	"github.com/hxrts/aura/pkg/effects"
	"github.com/hxrts/aura/pkg/guard"
	"github.com/hxrts/aura/pkg/types"
)

// RecordLeakage adds bits to the leakage counter for (context, authority).
func (p *Provider) RecordLeakage(ctx context.Context, contextID types.ContextID, authority types.AuthorityID, bits uint32) {
	p.leakageBits.Add(ctx, int64(bits), metric.WithAttributes(
		attribute.String("aura.context", contextID.String()),
		attribute.String("aura.authority", authority.String()),
	))
}

// RecordDecision counts one guard chain evaluation.
func (p *Provider) RecordDecision(ctx context.Context, operation []byte, out guard.Outcome) {
	attrs := []attribute.KeyValue{attribute.String("aura.operation", string(operation))}
	if out.Decision.Authorized() {
		attrs = append(attrs, attribute.String("outcome", "authorized"))
	} else {
		attrs = append(attrs,
			attribute.String("outcome", "denied"),
			attribute.String("guard", out.Decision.Denied.Guard),
			attribute.String("reason", out.Decision.Denied.Code),
		)
	}
	p.guardDecisions.Add(ctx, 1, metric.WithAttributes(attrs...))
}

// InstanceStarted implements consensus.Observer.
func (p *Provider) InstanceStarted(ctx context.Context, id types.Hash32, fastPath bool) {
	p.consensusActive.Add(ctx, 1)
	trace.SpanFromContext(ctx).AddEvent("consensus.started", trace.WithAttributes(
		attribute.String("aura.consensus_id", id.String()),
		attribute.Bool("aura.fast_path", fastPath),
	))
}

// InstanceFinished implements consensus.Observer.
func (p *Provider) InstanceFinished(ctx context.Context, res consensus.Result, elapsed time.Duration) {
	p.consensusActive.Add(ctx, -1)
	attrs := []attribute.KeyValue{attribute.String("outcome", "committed")}
	if res.Err != nil {
		attrs = []attribute.KeyValue{
			attribute.String("outcome", "failed"),
			attribute.String("kind", string(coreerr.KindOf(res.Err))),
		}
	} else {
		attrs = append(attrs, attribute.Bool("fast_path", res.Commit.FastPath))
	}
	p.consensusTotal.Add(ctx, 1, metric.WithAttributes(attrs...))
	p.consensusDuration.Record(ctx, elapsed.Seconds(), metric.WithAttributes(attrs...))
}

// Emit records a guard trace as an event on the span in ctx.
func (p *Provider) Emit(ctx context.Context, event string, fields map[string]string) {
	span := trace.SpanFromContext(ctx)
	if !span.IsRecording() {
		return
	}
	attrs := make([]attribute.KeyValue, 0, len(fields))
	for _, k := range slices.Sorted(maps.Keys(fields)) {
		attrs = append(attrs, attribute.String(k, fields[k]))
	}
	span.AddEvent(event, trace.WithAttributes(attrs...))
}

var (
	_ consensus.Observer      = (*Provider)(nil)
	_ effects.LeakageRecorder = (*Provider)(nil)
	_ effects.TraceSink       = (*Provider)(nil)
)
