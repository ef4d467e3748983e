package runtime_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/hxrts/aura/pkg/consensus"
	"github.com/hxrts/aura/pkg/coreerr"
	"github.com/hxrts/aura/pkg/effects"
	"github.com/hxrts/aura/pkg/guard"
	"github.com/hxrts/aura/pkg/journal"
	"github.com/hxrts/aura/pkg/runtime"
	"github.com/hxrts/aura/pkg/store"
	"github.com/hxrts/aura/pkg/transport"
	"github.com/hxrts/aura/pkg/types"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

var ctxMain = types.ContextIDFromString("main")

func testContext(t *testing.T) context.Context {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	t.Cleanup(cancel)
	return ctx
}

type fixture struct {
	net   *transport.Network
	clock *effects.ManualClock
}

func newFixture() *fixture {
	return &fixture{
		net:   transport.NewNetwork(transport.InboxConfig{}),
		clock: effects.NewManualClock(time.UnixMilli(1_700_000_000_000)),
	}
}

func (f *fixture) node(t *testing.T, name string, storage effects.StorageEffects, mutate ...func(*runtime.Options)) *runtime.Runtime {
	t.Helper()
	id := types.AuthorityIDFromString(name)
	if storage == nil {
		storage = store.NewMemory()
	}
	fx, err := effects.Simulation([]byte(t.Name()), id, f.clock, f.net.Join(id), storage)
	require.NoError(t, err)
	opts := runtime.Options{Authority: id, Effects: fx}
	for _, m := range mutate {
		m(&opts)
	}
	r, err := runtime.New(opts)
	require.NoError(t, err)
	t.Cleanup(r.Close)
	return r
}

// pump runs Pump on every node until the test ends.
func pump(t *testing.T, nodes ...*runtime.Runtime) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	var wg sync.WaitGroup
	for _, n := range nodes {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = n.Pump(ctx)
		}()
	}
	t.Cleanup(func() {
		cancel()
		wg.Wait()
	})
}

func request(r *runtime.Runtime, op string) guard.Request {
	return guard.Request{Authority: r.Self(), Operation: []byte(op), Context: ctxMain, Payload: []byte(op)}
}

func TestNewRequiresHandlers(t *testing.T) {
	_, err := runtime.New(runtime.Options{Authority: types.AuthorityIDFromString("a")})
	assert.True(t, coreerr.Is(err, coreerr.KindInvalid))

	f := newFixture()
	id := types.AuthorityIDFromString("a")
	fx, err := effects.Simulation([]byte("seed"), id, f.clock, f.net.Join(id), nil)
	require.NoError(t, err)
	_, err = runtime.New(runtime.Options{Effects: fx})
	assert.True(t, coreerr.Is(err, coreerr.KindInvalid))
}

func TestSubmitAppendsOperationRecord(t *testing.T) {
	ctx := testContext(t)
	n := newFixture().node(t, "alice", nil)

	rep, err := n.Submit(ctx, request(n, "tick"))
	require.NoError(t, err)
	assert.Len(t, rep.Appended, 1)
	assert.Positive(t, rep.LeakageBits)
	assert.Equal(t, 1, n.Journal().Len())
}

func TestSubmitDeniedLeavesJournalUntouched(t *testing.T) {
	ctx := testContext(t)
	n := newFixture().node(t, "alice", nil, func(o *runtime.Options) {
		o.Journal = journal.New(journal.WithCaps(journal.NewCap("read")))
	})

	_, err := n.Submit(ctx, request(n, "write"))
	require.Error(t, err)
	assert.True(t, coreerr.Is(err, coreerr.KindDenied))
	assert.Equal(t, 0, n.Journal().Len())

	out, err := n.Authorize(ctx, request(n, "write"))
	require.NoError(t, err)
	require.NotNil(t, out.Decision.Denied)
	assert.Equal(t, guard.ReasonCapabilityDenied, out.Decision.Denied.Code)
	assert.Empty(t, out.Effects)
}

func TestSubmitChargesFlowBudget(t *testing.T) {
	ctx := testContext(t)
	j := journal.New()
	j.SetFlowBudget(journal.BudgetKey{Context: ctxMain, Peer: types.AuthorityIDFromString("alice")}, journal.FlowBudget{Limit: 5})
	n := newFixture().node(t, "alice", nil, func(o *runtime.Options) { o.Journal = j })

	req := request(n, "tick")
	req.Cost = 3
	rep, err := n.Submit(ctx, req)
	require.NoError(t, err)
	require.Len(t, rep.Budgets, 1)
	assert.Equal(t, uint64(3), rep.Budgets[0].Budget.Spent)

	req.Payload = []byte("again")
	_, err = n.Submit(ctx, req)
	assert.True(t, coreerr.Is(err, coreerr.KindInsufficientBudget))
}

func TestFlowBudgetRenewsWithEpoch(t *testing.T) {
	ctx := testContext(t)
	f := newFixture()
	f.clock.SetEpoch(5)
	j := journal.New()
	j.SetFlowBudget(journal.BudgetKey{Context: ctxMain, Peer: types.AuthorityIDFromString("alice")}, journal.FlowBudget{Limit: 100, Spent: 90, Epoch: 5})
	n := f.node(t, "alice", nil, func(o *runtime.Options) { o.Journal = j })

	req := request(n, "tick")
	req.Cost = 20
	_, err := n.Submit(ctx, req)
	require.Error(t, err)
	assert.True(t, coreerr.Is(err, coreerr.KindInsufficientBudget))

	f.clock.SetEpoch(6)
	rep, err := n.Submit(ctx, req)
	require.NoError(t, err)
	require.Len(t, rep.Budgets, 1)
	assert.Equal(t, journal.FlowBudget{Limit: 100, Spent: 20, Epoch: 6}, rep.Budgets[0].Budget)

	b, err := n.Journal().FlowBudget(ctxMain, n.Self())
	require.NoError(t, err)
	assert.Equal(t, uint64(20), b.Spent)
}

func TestPersistRestore(t *testing.T) {
	ctx := testContext(t)
	f := newFixture()
	disk := store.NewMemory()
	a := f.node(t, "alice", disk)

	_, err := a.Submit(ctx, request(a, "tick"))
	require.NoError(t, err)
	h, err := a.Persist(ctx)
	require.NoError(t, err)
	want, err := a.Journal().Hash()
	require.NoError(t, err)
	assert.Equal(t, want, h)

	b := f.node(t, "alice", disk)
	require.NoError(t, b.Restore(ctx))
	assert.True(t, journal.Equal(a.Journal(), b.Journal()))
}

func TestRestoreMissingSnapshot(t *testing.T) {
	n := newFixture().node(t, "alice", nil)
	err := n.Restore(testContext(t))
	assert.True(t, coreerr.Is(err, coreerr.KindNotFound))
}

func TestJournalSyncConverges(t *testing.T) {
	ctx := testContext(t)
	f := newFixture()
	a := f.node(t, "alice", nil)
	b := f.node(t, "bob", nil)

	for _, op := range []string{"tick", "tock"} {
		_, err := a.Submit(ctx, request(a, op))
		require.NoError(t, err)
	}
	synced := b.Synced()
	pump(t, a, b)
	require.NoError(t, b.RequestSyncWithRetry(ctx, a.Self()))

	select {
	case <-synced:
	case <-ctx.Done():
		t.Fatal("sync delta never applied")
	}
	assert.Equal(t, 2, b.Journal().Len())
	assert.True(t, journal.Equal(a.Journal(), b.Journal()))
}

func TestRequestSyncUnknownPeer(t *testing.T) {
	n := newFixture().node(t, "alice", nil)
	err := n.RequestSyncWithRetry(testContext(t), types.AuthorityIDFromString("nobody"))
	assert.True(t, coreerr.Is(err, coreerr.KindNotFound))
}

func envelope(t *testing.T, framer *transport.Framer, ts uint64, msg transport.Message) []byte {
	t.Helper()
	data, err := transport.EncodeEnvelope(transport.Frame(framer, ts, msg))
	require.NoError(t, err)
	return data
}

func TestHandleEnvelopeValidatesHeader(t *testing.T) {
	ctx := testContext(t)
	f := newFixture()
	n := f.node(t, "alice", nil)
	peer := types.AuthorityIDFromString("bob")
	now := uint64(f.clock.Now().UnixMilli())
	msg, err := transport.NewMessage(transport.TagJournalSyncDelta, transport.SyncDelta(journal.Delta{CapsRefinement: journal.TopCap()}))
	require.NoError(t, err)

	framer := transport.NewFramer(types.DeviceIDFromString("bob"), nil)
	first := envelope(t, framer, now, msg)
	require.NoError(t, n.HandleEnvelope(ctx, peer, first))

	var envErr *transport.EnvelopeError
	err = n.HandleEnvelope(ctx, peer, first)
	require.ErrorAs(t, err, &envErr)
	assert.Equal(t, transport.CodeSequenceReplay, envErr.Code)

	skewedEnv := transport.Frame(framer, now+10*guard.DefaultMaxClockSkewMs, msg)
	skewed, err := transport.EncodeEnvelope(skewedEnv)
	require.NoError(t, err)
	err = n.HandleEnvelope(ctx, peer, skewed)
	require.ErrorAs(t, err, &envErr)
	assert.Equal(t, transport.CodeClockSkew, envErr.Code)

	// The skewed envelope did not consume its sequence.
	skewedEnv.Timestamp = now
	resent, err := transport.EncodeEnvelope(skewedEnv)
	require.NoError(t, err)
	require.NoError(t, n.HandleEnvelope(ctx, peer, resent))

	err = n.HandleEnvelope(ctx, peer, []byte("garbage"))
	assert.True(t, coreerr.Is(err, coreerr.KindInvalid))
}

func TestObserverRefusesWitnessMessages(t *testing.T) {
	ctx := testContext(t)
	f := newFixture()
	n := f.node(t, "observer", nil)
	msg, err := consensus.Encode(&consensus.Execute{Coordinator: types.AuthorityIDFromString("bob")})
	require.NoError(t, err)

	data := envelope(t, transport.NewFramer(types.DeviceIDFromString("bob"), nil), uint64(f.clock.Now().UnixMilli()), msg)
	err = n.HandleEnvelope(ctx, types.AuthorityIDFromString("bob"), data)
	assert.True(t, coreerr.Is(err, coreerr.KindDenied))
}

func TestPumpReturnsOnCancel(t *testing.T) {
	n := newFixture().node(t, "alice", nil)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- n.Pump(ctx) }()
	cancel()
	select {
	case err := <-done:
		assert.True(t, errors.Is(err, context.Canceled))
	case <-time.After(5 * time.Second):
		t.Fatal("pump did not stop")
	}
}

func TestPumpDropsBadEnvelopes(t *testing.T) {
	ctx := testContext(t)
	f := newFixture()
	a := f.node(t, "alice", nil)
	b := f.node(t, "bob", nil)
	pump(t, a)

	ep := f.net.Join(b.Self())
	require.NoError(t, ep.SendToPeer(ctx, a.Self(), []byte("garbage")))
	synced := b.Synced()
	pump(t, b)
	require.NoError(t, b.RequestSync(ctx, a.Self()))
	select {
	case <-synced:
	case <-ctx.Done():
		t.Fatal("pump stopped after a bad envelope")
	}
}
