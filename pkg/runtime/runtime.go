// Package runtime is the effect runtime of one authority. It owns the
// journal store and runs the data flow: guard chain, interpreter,
// consensus and journal join. Inbound envelopes are validated and routed
// to the witness, the coordinator or the journal sync handlers.
package runtime

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/hxrts/aura/pkg/consensus"
	"github.com/hxrts/aura/pkg/coreerr"
	"github.com/hxrts/aura/pkg/crypto/frost"
	"github.com/hxrts/aura/pkg/effects"
	"github.com/hxrts/aura/pkg/guard"
	"github.com/hxrts/aura/pkg/journal"
	"github.com/hxrts/aura/pkg/observability"
	"github.com/hxrts/aura/pkg/prestate"
	"github.com/hxrts/aura/pkg/store"
	"github.com/hxrts/aura/pkg/transport"
	"github.com/hxrts/aura/pkg/types"
)

// DefaultPollInterval is how long Pump waits after an empty receive.
const DefaultPollInterval = 2 * time.Millisecond

// Options configures a Runtime.
type Options struct {
	Authority types.AuthorityID
	Device    types.DeviceID
	Session   *types.SessionID
	Effects   effects.Effects
	// Journal is the initial journal. Nil starts from an empty one.
	Journal *journal.Journal
	Guard   guard.Config
	// Consensus is the template for proposals. Epoch is filled in from
	// the clock on every Propose.
	Consensus consensus.Config
	// Key makes this authority a witness. Nil for observers and
	// coordinator-only nodes.
	Key            *frost.KeyPackage
	RetainedEpochs int
	// Metadata is exposed to guards through the snapshot.
	Metadata map[string]string
	// Telemetry is optional.
	Telemetry    *observability.Provider
	PollInterval time.Duration
	Logger       *slog.Logger
}

// Runtime is one authority's node.
type Runtime struct {
	self      types.AuthorityID
	fx        effects.Effects
	journal   *journal.Store
	chain     *guard.Chain
	interp    *effects.Interpreter
	witness   *consensus.Witness
	coord     *consensus.Coordinator
	tracker   *transport.SequenceTracker
	framer    *transport.Framer
	template  consensus.Config
	telemetry *observability.Provider
	metadata  map[string]string
	maxSkewMs uint64
	poll      time.Duration
	logger    *slog.Logger

	// sendMu keeps envelope sequence order equal to delivery order.
	sendMu sync.Mutex
	mu     sync.Mutex
	synced chan struct{}
}

// New builds a runtime. Time, random, network and crypto handlers are
// required.
func New(opts Options) (*Runtime, error) {
	const op = "runtime.new"
	fx := opts.Effects
	if fx.Time == nil || fx.Random == nil || fx.Network == nil || fx.Crypto == nil {
		return nil, coreerr.New(coreerr.KindInvalid, op, "time, random, network and crypto handlers are required")
	}
	if opts.Authority.IsZero() {
		return nil, coreerr.New(coreerr.KindInvalid, op, "authority is required")
	}
	chain, err := guard.Standard(opts.Guard)
	if err != nil {
		return nil, err
	}
	j := opts.Journal
	if j == nil {
		j = journal.New()
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "runtime", "authority", opts.Authority.String())

	device := opts.Device
	if device.IsZero() {
		device = types.DeviceIDFromString(opts.Authority.String())
	}
	skew := opts.Guard.MaxClockSkewMs
	if skew == 0 {
		skew = guard.DefaultMaxClockSkewMs
	}
	poll := opts.PollInterval
	if poll <= 0 {
		poll = DefaultPollInterval
	}

	if opts.Telemetry != nil {
		if fx.Leakage == nil {
			fx.Leakage = opts.Telemetry
		}
		if fx.Trace == nil {
			fx.Trace = opts.Telemetry
		}
	}

	r := &Runtime{
		self:      opts.Authority,
		fx:        fx,
		journal:   journal.NewStore(j),
		chain:     chain,
		tracker:   transport.NewSequenceTracker(),
		framer:    transport.NewFramer(device, opts.Session),
		template:  opts.Consensus,
		telemetry: opts.Telemetry,
		metadata:  opts.Metadata,
		maxSkewMs: skew,
		poll:      poll,
		logger:    logger,
		synced:    make(chan struct{}),
	}
	r.interp = effects.NewInterpreter(r.journal, fx)

	if opts.Key != nil {
		r.witness, err = consensus.NewWitness(opts.Authority, opts.Key, fx.Random)
		if err != nil {
			return nil, err
		}
	}
	var observer consensus.Observer
	if opts.Telemetry != nil {
		observer = opts.Telemetry
	}
	witnesses := len(opts.Consensus.Witnesses)
	if witnesses == 0 {
		witnesses = 1
	}
	r.coord, err = consensus.NewCoordinator(opts.Authority, fx, consensus.SenderFunc(r.send), consensus.CoordinatorOptions{
		Witnesses:      witnesses,
		RetainedEpochs: opts.RetainedEpochs,
		Observer:       observer,
	})
	if err != nil {
		return nil, err
	}
	return r, nil
}

// Self is the runtime's authority.
func (r *Runtime) Self() types.AuthorityID { return r.self }

// Coordinator exposes the consensus coordinator.
func (r *Runtime) Coordinator() *consensus.Coordinator { return r.coord }

// Witness is nil when the runtime holds no key package.
func (r *Runtime) Witness() *consensus.Witness { return r.witness }

// Journal returns an independent copy of the current journal.
func (r *Runtime) Journal() *journal.Journal { return r.journal.Snapshot() }

// Close stops running consensus instances.
func (r *Runtime) Close() {
	r.coord.Close()
}

// Snapshot captures the guard-visible state at the current time.
func (r *Runtime) Snapshot(ctx context.Context) (guard.Snapshot, error) {
	const op = "runtime.snapshot"
	now, err := r.fx.Time.CurrentTimestamp(ctx)
	if err != nil {
		return guard.Snapshot{}, coreerr.Wrap(coreerr.KindInternal, op, err, "read clock")
	}
	epoch, err := r.fx.Time.CurrentEpoch(ctx)
	if err != nil {
		return guard.Snapshot{}, coreerr.Wrap(coreerr.KindInternal, op, err, "read epoch")
	}
	raw, err := r.fx.Random.RandomBytes(ctx, 32)
	if err != nil {
		return guard.Snapshot{}, coreerr.Wrap(coreerr.KindInternal, op, err, "draw snapshot seed")
	}
	var seed [32]byte
	copy(seed[:], raw)

	var snap guard.Snapshot
	r.journal.Read(func(j *journal.Journal) {
		snap = guard.NewSnapshot(j, now, epoch, seed, r.metadata)
	})
	return snap, nil
}

// Authorize evaluates req against the guard chain without executing the
// resulting plan.
func (r *Runtime) Authorize(ctx context.Context, req guard.Request) (guard.Outcome, error) {
	snap, err := r.Snapshot(ctx)
	if err != nil {
		return guard.Outcome{}, err
	}
	out := r.chain.Evaluate(snap, req)
	if r.telemetry != nil {
		r.telemetry.RecordDecision(ctx, req.Operation, out)
	}
	if out.Decision.Denied != nil {
		r.logger.InfoContext(ctx, "request denied",
			"operation", string(req.Operation), "guard", out.Decision.Denied.Guard, "code", out.Decision.Denied.Code)
	}
	return out, nil
}

// Submit authorizes req and executes its effect plan. A denial returns
// the deny reason as an error and executes nothing.
func (r *Runtime) Submit(ctx context.Context, req guard.Request) (effects.Report, error) {
	out, err := r.Authorize(ctx, req)
	if err != nil {
		return effects.Report{}, err
	}
	if err := out.Err(); err != nil {
		return effects.Report{}, err
	}
	return r.interp.Run(ctx, out.Effects)
}

// ConsensusConfig returns the proposal config for the current epoch.
func (r *Runtime) ConsensusConfig(ctx context.Context) (consensus.Config, error) {
	epoch, err := r.fx.Time.CurrentEpoch(ctx)
	if err != nil {
		return consensus.Config{}, coreerr.Wrap(coreerr.KindInternal, "runtime.consensus_config", err, "read epoch")
	}
	cfg := r.template
	cfg.Epoch = epoch
	return cfg.Normalize(), nil
}

// Propose authorizes req, runs consensus on operation bound to ps and
// joins the resulting commit into the local journal.
func (r *Runtime) Propose(ctx context.Context, ps prestate.Prestate, operation any, req guard.Request) (*journal.CommitFact, error) {
	if _, err := r.Submit(ctx, req); err != nil {
		return nil, err
	}
	cfg, err := r.ConsensusConfig(ctx)
	if err != nil {
		return nil, err
	}
	id, err := r.coord.Start(ctx, ps, operation, cfg)
	if err != nil {
		return nil, err
	}
	commit, err := r.coord.Wait(ctx, id)
	if err != nil {
		return nil, err
	}
	if err := r.joinCommit(ctx, commit, cfg.Witnesses, cfg.Context, cfg.Epoch); err != nil {
		return nil, err
	}
	return commit, nil
}

func (r *Runtime) joinCommit(ctx context.Context, commit *journal.CommitFact, witnesses []types.AuthorityID, contextID types.ContextID, epoch types.Epoch) error {
	if len(witnesses) == 0 {
		witnesses = commit.Participants
	}
	if err := commit.Verify(witnesses); err != nil {
		return err
	}
	err := r.journal.Update(ctx, func(j *journal.Journal) error {
		return j.AppendCommit(commit, contextID, epoch)
	})
	if err != nil {
		return err
	}
	r.logger.InfoContext(ctx, "commit joined", "consensus_id", commit.ConsensusID.String(), "fast_path", commit.FastPath)
	return nil
}

// send frames msg and hands it to the network. Messages addressed to
// self go through the network too, so local delivery follows the same
// path as remote delivery.
func (r *Runtime) send(ctx context.Context, to types.AuthorityID, msg transport.Message) error {
	const op = "runtime.send"
	pt, err := r.physicalMs(ctx)
	if err != nil {
		return err
	}
	r.sendMu.Lock()
	defer r.sendMu.Unlock()
	data, err := transport.EncodeEnvelope(transport.Frame(r.framer, pt, msg))
	if err != nil {
		return err
	}
	if err := r.fx.Network.SendToPeer(ctx, to, data); err != nil {
		return coreerr.Wrap(coreerr.KindOf(err), op, err, "send %s to %s", msg.Tag, to)
	}
	return nil
}

func (r *Runtime) physicalMs(ctx context.Context) (uint64, error) {
	if r.fx.Physical == nil {
		return 0, nil
	}
	pc, err := r.fx.Physical.PhysicalTime(ctx)
	if err != nil {
		return 0, coreerr.Wrap(coreerr.KindInternal, "runtime.physical_time", err, "read physical clock")
	}
	return pc.TsMs, nil
}

// HandleEnvelope validates one inbound envelope from an authority and
// routes its payload.
func (r *Runtime) HandleEnvelope(ctx context.Context, from types.AuthorityID, data []byte) error {
	env, err := transport.DecodeEnvelope(data)
	if err != nil {
		return err
	}
	h := env.Header()
	if r.fx.Physical != nil {
		now, err := r.physicalMs(ctx)
		if err != nil {
			return err
		}
		if err := r.tracker.AcceptAt(h, now, r.maxSkewMs); err != nil {
			return err
		}
	} else if err := r.tracker.Accept(h); err != nil {
		return err
	}

	msg := env.Payload
	switch {
	case consensus.IsConsensus(msg.Tag):
		return r.handleConsensus(ctx, from, msg)
	case msg.Tag == transport.TagJournalSyncRequest:
		return r.handleSyncRequest(ctx, from, msg)
	case msg.Tag == transport.TagJournalSyncDelta:
		return r.handleSyncDelta(ctx, from, msg)
	default:
		return coreerr.New(coreerr.KindInvalid, "runtime.handle_envelope", "no handler for %s", msg.Tag)
	}
}

func (r *Runtime) handleConsensus(ctx context.Context, from types.AuthorityID, raw transport.Message) error {
	msg, err := consensus.Decode(raw)
	if err != nil {
		return err
	}
	switch m := msg.(type) {
	case *consensus.Execute, *consensus.SignRequest:
		if r.witness == nil {
			return coreerr.New(coreerr.KindDenied, "runtime.handle_consensus", "%s holds no witness key", r.self)
		}
		out, err := r.witness.Handle(ctx, msg)
		// a conflict report may precede a failed reply
		for _, o := range out {
			if serr := r.send(ctx, o.To, o.Message); serr != nil {
				r.logger.WarnContext(ctx, "witness reply not delivered", "to", o.To.String(), "error", serr)
			}
		}
		return err
	case *consensus.ConsensusResult:
		commit := m.CommitFact
		epoch, err := r.fx.Time.CurrentEpoch(ctx)
		if err != nil {
			return coreerr.Wrap(coreerr.KindInternal, "runtime.handle_consensus", err, "read epoch")
		}
		if err := r.joinCommit(ctx, &commit, r.template.Witnesses, r.template.Context, epoch); err != nil {
			return err
		}
		if r.witness != nil {
			r.witness.Forget(commit.ConsensusID)
		}
		return nil
	default:
		return r.coord.HandleMessage(ctx, from, msg)
	}
}

// RequestSync asks peer for the journal facts this runtime has not seen.
func (r *Runtime) RequestSync(ctx context.Context, peer types.AuthorityID) error {
	var since map[types.AuthorityID]types.Epoch
	r.journal.Read(func(j *journal.Journal) { since = j.Clocks() })
	msg, err := transport.NewMessage(transport.TagJournalSyncRequest, transport.JournalSyncRequest{Since: since})
	if err != nil {
		return err
	}
	return r.send(ctx, peer, msg)
}

// RequestSyncWithRetry retries RequestSync with the default backoff while
// the failure is retryable.
func (r *Runtime) RequestSyncWithRetry(ctx context.Context, peer types.AuthorityID) error {
	policy := coreerr.DefaultBackoff
	for attempt := 0; ; attempt++ {
		err := r.RequestSync(ctx, peer)
		if err == nil || !policy.ShouldRetry(attempt, err) {
			return err
		}
		delay := policy.Delay(attempt, "sync:"+peer.String())
		r.logger.DebugContext(ctx, "sync request retry", "peer", peer.String(), "attempt", attempt, "delay", delay)
		select {
		case <-r.fx.Time.After(delay):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// Synced returns a channel closed the next time a sync delta is applied.
func (r *Runtime) Synced() <-chan struct{} {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.synced
}

func (r *Runtime) handleSyncRequest(ctx context.Context, from types.AuthorityID, raw transport.Message) error {
	var req transport.JournalSyncRequest
	if err := raw.Decode(&req); err != nil {
		return err
	}
	var delta journal.Delta
	r.journal.Read(func(j *journal.Journal) { delta = j.DeltaSince(req.Since) })
	msg, err := transport.NewMessage(transport.TagJournalSyncDelta, transport.SyncDelta(delta))
	if err != nil {
		return err
	}
	r.logger.DebugContext(ctx, "sync delta sent", "peer", from.String(), "facts", len(delta.Facts))
	return r.send(ctx, from, msg)
}

func (r *Runtime) handleSyncDelta(ctx context.Context, from types.AuthorityID, raw transport.Message) error {
	var m transport.JournalSyncDelta
	if err := raw.Decode(&m); err != nil {
		return err
	}
	err := r.journal.Update(ctx, func(j *journal.Journal) error {
		return j.ApplyDelta(m.Delta())
	})
	if err != nil {
		r.logger.WarnContext(ctx, "sync delta rejected", "peer", from.String(), "error", err)
		return err
	}
	r.logger.DebugContext(ctx, "sync delta applied", "peer", from.String(), "facts", len(m.Facts))

	r.mu.Lock()
	close(r.synced)
	r.synced = make(chan struct{})
	r.mu.Unlock()
	return nil
}

// Pump receives and handles envelopes until ctx is done. An empty inbox
// is not an error; Pump waits one poll interval and tries again. A bad
// envelope is logged and dropped.
func (r *Runtime) Pump(ctx context.Context) error {
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		in, err := r.fx.Network.Receive(ctx)
		switch {
		case errors.Is(err, coreerr.ErrNoMessage):
			t := time.NewTimer(r.poll)
			select {
			case <-t.C:
			case <-ctx.Done():
				t.Stop()
				return ctx.Err()
			}
			continue
		case err != nil:
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return coreerr.Wrap(coreerr.KindInternal, "runtime.pump", err, "receive")
		}
		if err := r.HandleEnvelope(ctx, in.From, in.Data); err != nil {
			r.logger.WarnContext(ctx, "envelope dropped", "from", in.From.String(), "error", err)
		}
	}
}

// Persist writes the journal snapshot to storage and returns its hash.
func (r *Runtime) Persist(ctx context.Context) (types.Hash32, error) {
	if r.fx.Storage == nil {
		return types.Hash32{}, coreerr.New(coreerr.KindInvalid, "runtime.persist", "no storage handler")
	}
	return store.SaveJournal(ctx, r.fx.Storage, store.JournalKey(r.self), r.journal.Snapshot())
}

// Restore replaces the journal with the persisted snapshot.
func (r *Runtime) Restore(ctx context.Context, opts ...journal.Option) error {
	if r.fx.Storage == nil {
		return coreerr.New(coreerr.KindInvalid, "runtime.restore", "no storage handler")
	}
	j, err := store.LoadJournal(ctx, r.fx.Storage, store.JournalKey(r.self), opts...)
	if err != nil {
		return err
	}
	return r.journal.Replace(ctx, j)
}
