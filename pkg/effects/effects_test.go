package effects_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hxrts/aura/pkg/coreerr"
	"github.com/hxrts/aura/pkg/effects"
	"github.com/hxrts/aura/pkg/guard"
	"github.com/hxrts/aura/pkg/journal"
	"github.com/hxrts/aura/pkg/transport"
	"github.com/hxrts/aura/pkg/types"
)

var (
	alice = types.AuthorityIDFromString("alice")
	bob   = types.AuthorityIDFromString("bob")
	ctxA  = types.ContextIDFromString("ctx-a")
)

type fixture struct {
	store *journal.Store
	net   *transport.Network
	bob   *transport.Endpoint
	fx    effects.Effects
	in    *effects.Interpreter
	chain *guard.Chain
}

func newFixture(t *testing.T, limit uint64) *fixture {
	t.Helper()
	j := journal.New()
	j.SetFlowBudget(journal.BudgetKey{Context: ctxA, Peer: alice}, journal.FlowBudget{Limit: limit, Epoch: 1})
	store := journal.NewStore(j)

	net := transport.NewNetwork(transport.InboxConfig{})
	fx, err := effects.Simulation([]byte("seed"), alice, nil, net.Join(alice), nil)
	require.NoError(t, err)

	chain, err := guard.Standard(guard.Config{Trace: true})
	require.NoError(t, err)
	return &fixture{store: store, net: net, bob: net.Join(bob), fx: fx, in: effects.NewInterpreter(store, fx), chain: chain}
}

func (f *fixture) plan(t *testing.T, req guard.Request) []guard.EffectCommand {
	t.Helper()
	now, err := f.fx.Time.CurrentTimestamp(context.Background())
	require.NoError(t, err)
	snap := guard.NewSnapshot(f.store.Snapshot(), now, 1, [32]byte{1}, nil)
	out := f.chain.Evaluate(snap, req)
	require.NoError(t, out.Err())
	return out.Effects
}

func TestInterpreterRunsPlan(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, 100)
	req := guard.Request{Authority: alice, Operation: []byte("tick"), Cost: 30, Context: ctxA}

	rep, err := f.in.Run(ctx, f.plan(t, req))
	require.NoError(t, err)
	assert.Len(t, rep.Appended, 1)
	require.Len(t, rep.Budgets, 1)
	assert.Equal(t, uint64(30), rep.Budgets[0].Budget.Spent)
	assert.NotZero(t, rep.LeakageBits)

	j := f.store.Snapshot()
	assert.Equal(t, 1, j.Len())
	b, err := j.FlowBudget(ctxA, alice)
	require.NoError(t, err)
	assert.Equal(t, uint64(30), b.Spent)

	tally := f.fx.Leakage.(*effects.LeakageTally)
	assert.Equal(t, rep.LeakageBits, tally.Total(ctxA))
	assert.NotEmpty(t, f.fx.Trace.(*effects.TraceLog).Records())
}

func TestInterpreterJournalFailureIsAtomic(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, 100)
	fact := journal.Fact{
		Context:   ctxA,
		Order:     types.OrderTime{9},
		Timestamp: types.PhysicalStamp(1, nil),
		Content:   journal.Generic("note", []byte("x")),
		Origin:    alice,
	}
	cmds := []guard.EffectCommand{
		guard.Append(fact),
		guard.Charge(guard.ChargeBudget{Context: ctxA, Authority: alice, Amount: 500}),
		guard.Trace("never", nil),
	}

	rep, err := f.in.Run(ctx, cmds)
	require.Error(t, err)
	assert.True(t, coreerr.Is(err, coreerr.KindInsufficientBudget))
	assert.Zero(t, rep.Executed)
	assert.Zero(t, f.store.Snapshot().Len())
	assert.Empty(t, f.fx.Trace.(*effects.TraceLog).Records())
}

func TestInterpreterSendsEnvelope(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, 100)
	msg, err := transport.NewMessage(transport.TagJournalSyncRequest, transport.JournalSyncRequest{})
	require.NoError(t, err)
	now, _ := f.fx.Time.CurrentTimestamp(ctx)
	env := transport.Frame(transport.NewFramer(types.DeviceIDFromString("d"), nil), now.Physical.TsMs, msg)
	req := guard.Request{Authority: alice, Operation: []byte("send:sync"), Cost: 1, Context: ctxA,
		Send: &guard.SendIntent{To: bob, Envelope: env}}

	rep, err := f.in.Run(ctx, f.plan(t, req))
	require.NoError(t, err)
	assert.Equal(t, 1, rep.Sent)

	in, err := f.bob.Receive(ctx)
	require.NoError(t, err)
	got, err := transport.DecodeEnvelope(in.Data)
	require.NoError(t, err)
	assert.Equal(t, transport.TagJournalSyncRequest, got.Payload.Tag)
}

func TestInterpreterStopsAtFirstOutboxFailure(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, 100)
	nobody := types.AuthorityIDFromString("nobody")
	cmds := []guard.EffectCommand{
		guard.Send(nobody, transport.WireEnvelope{Version: 1, Sequence: 1, Timestamp: 1, Payload: transport.Message{Tag: transport.TagConflict}}),
		guard.Trace("after", nil),
	}
	rep, err := f.in.Run(ctx, cmds)
	assert.True(t, coreerr.Is(err, coreerr.KindNotFound))
	assert.Zero(t, rep.Executed)
	assert.Empty(t, f.fx.Trace.(*effects.TraceLog).Records())
}

func TestInterpreterRejectsMalformedCommands(t *testing.T) {
	f := newFixture(t, 100)
	_, err := f.in.Run(context.Background(), []guard.EffectCommand{{Kind: guard.CmdAppendJournal}})
	assert.True(t, coreerr.Is(err, coreerr.KindInvalid))
}

func TestSeededRandomIsReproducible(t *testing.T) {
	ctx := context.Background()
	a, err := effects.NewSeededRandom([]byte("seed"), "x")
	require.NoError(t, err)
	b, err := effects.NewSeededRandom([]byte("seed"), "x")
	require.NoError(t, err)
	c, err := effects.NewSeededRandom([]byte("seed"), "y")
	require.NoError(t, err)

	ab, _ := a.RandomBytes(ctx, 48)
	bb, _ := b.RandomBytes(ctx, 48)
	cb, _ := c.RandomBytes(ctx, 48)
	assert.Equal(t, ab, bb)
	assert.NotEqual(t, ab, cb)

	buf := make([]byte, 16)
	n, err := effects.Reader(ctx, a).Read(buf)
	require.NoError(t, err)
	assert.Equal(t, 16, n)
}

func TestManualClock(t *testing.T) {
	ctx := context.Background()
	clock := effects.NewManualClock(time.UnixMilli(1_000))

	fired := clock.After(30 * time.Second)
	assert.Equal(t, 1, clock.PendingTimers())
	clock.Advance(29 * time.Second)
	select {
	case <-fired:
		t.Fatal("timer fired early")
	default:
	}
	clock.Advance(time.Second)
	select {
	case <-fired:
	default:
		t.Fatal("timer did not fire")
	}
	assert.Zero(t, clock.PendingTimers())

	ts, err := clock.CurrentTimestamp(ctx)
	require.NoError(t, err)
	assert.Equal(t, uint64(31_000), ts.Physical.TsMs)

	done := make(chan error, 1)
	go func() { done <- clock.SleepUntil(ctx, 2) }()
	clock.SetEpoch(1)
	clock.SetEpoch(2)
	require.NoError(t, <-done)

	cancelled, cancel := context.WithCancel(ctx)
	cancel()
	assert.ErrorIs(t, clock.SleepUntil(cancelled, 9), context.Canceled)
}
