package effects

import (
	"context"
	"log/slog"
	"maps"
	"sync"

	"github.com/hxrts/aura/pkg/types"
)

// TraceRecord is one EmitTrace event.
type TraceRecord struct {
	Event  string
	Fields map[string]string
}

// TraceLog keeps trace records in memory and mirrors them to slog at
// debug level.
type TraceLog struct {
	mu      sync.Mutex
	records []TraceRecord
	logger  *slog.Logger
}

// NewTraceLog creates an empty log.
func NewTraceLog() *TraceLog {
	return &TraceLog{logger: slog.Default().With("component", "effects.trace")}
}

func (l *TraceLog) Emit(ctx context.Context, event string, fields map[string]string) {
	l.mu.Lock()
	l.records = append(l.records, TraceRecord{Event: event, Fields: maps.Clone(fields)})
	l.mu.Unlock()
	if l.logger.Enabled(ctx, slog.LevelDebug) {
		attrs := make([]any, 0, 2*len(fields)+2)
		attrs = append(attrs, "event", event)
		for k, v := range fields {
			attrs = append(attrs, k, v)
		}
		l.logger.DebugContext(ctx, "trace", attrs...)
	}
}

// Records returns a copy of the recorded events.
func (l *TraceLog) Records() []TraceRecord {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]TraceRecord(nil), l.records...)
}

// LeakageTally is an in-memory LeakageRecorder keyed by context.
type LeakageTally struct {
	mu     sync.Mutex
	totals map[types.ContextID]uint64
}

// NewLeakageTally creates an empty tally.
func NewLeakageTally() *LeakageTally {
	return &LeakageTally{totals: make(map[types.ContextID]uint64)}
}

func (t *LeakageTally) RecordLeakage(_ context.Context, context types.ContextID, _ types.AuthorityID, bits uint32) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.totals[context] += uint64(bits)
}

// Total returns the bits recorded for context.
func (t *LeakageTally) Total(context types.ContextID) uint64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.totals[context]
}
