package consensus

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/hxrts/aura/pkg/coreerr"
	"github.com/hxrts/aura/pkg/crypto/frost"
	"github.com/hxrts/aura/pkg/effects"
	"github.com/hxrts/aura/pkg/journal"
	"github.com/hxrts/aura/pkg/prestate"
	"github.com/hxrts/aura/pkg/transport"
	"github.com/hxrts/aura/pkg/types"
)

// inboxSize is the per-instance message buffer.
const inboxSize = 64

// Sender delivers a consensus message to one authority.
type Sender interface {
	Send(ctx context.Context, to types.AuthorityID, msg transport.Message) error
}

// SenderFunc adapts a function to Sender.
type SenderFunc func(ctx context.Context, to types.AuthorityID, msg transport.Message) error

func (f SenderFunc) Send(ctx context.Context, to types.AuthorityID, msg transport.Message) error {
	return f(ctx, to, msg)
}

// Observer is notified of instance lifecycle events.
type Observer interface {
	InstanceStarted(ctx context.Context, id types.Hash32, fastPath bool)
	InstanceFinished(ctx context.Context, res Result, elapsed time.Duration)
}

// Result is the terminal outcome of an instance: a commit fact or exactly
// one error.
type Result struct {
	ConsensusID types.Hash32
	Commit      *journal.CommitFact
	Err         error
	// Conflicts lists competing operation hashes witnesses reported on
	// the same prestate.
	Conflicts []types.Hash32
}

// CoordinatorOptions tunes a Coordinator.
type CoordinatorOptions struct {
	// Witnesses sizes the pipelined commitment cache.
	Witnesses      int
	RetainedEpochs int
	Observer       Observer
}

type routed struct {
	from types.AuthorityID
	msg  any
}

type task struct {
	inbox chan routed
	done  chan struct{}
}

// Coordinator drives consensus instances. Each instance runs in its own
// goroutine; HandleMessage routes inbound messages to it by consensus id.
type Coordinator struct {
	self     types.AuthorityID
	crypto   effects.CryptoEffects
	clock    effects.TimeEffects
	sender   Sender
	cache    *CommitmentCache
	observer Observer
	logger   *slog.Logger

	root   context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu        sync.Mutex
	tasks     map[types.Hash32]*task
	results   map[types.Hash32]Result
	completed []types.Hash32
}

// NewCoordinator creates a coordinator acting as self.
func NewCoordinator(self types.AuthorityID, fx effects.Effects, sender Sender, opts CoordinatorOptions) (*Coordinator, error) {
	if fx.Crypto == nil || fx.Time == nil {
		return nil, coreerr.New(coreerr.KindInvalid, "consensus.new_coordinator", "crypto and time handlers are required")
	}
	cache, err := NewCommitmentCache(opts.Witnesses, opts.RetainedEpochs)
	if err != nil {
		return nil, err
	}
	root, cancel := context.WithCancel(context.Background())
	return &Coordinator{
		self:     self,
		crypto:   fx.Crypto,
		clock:    fx.Time,
		sender:   sender,
		cache:    cache,
		observer: opts.Observer,
		logger:   slog.Default().With("component", "consensus.coordinator", "authority", self.String()),
		root:     root,
		cancel:   cancel,
		tasks:    make(map[types.Hash32]*task),
		results:  make(map[types.Hash32]Result),
	}, nil
}

// Cache exposes the pipelined commitment cache.
func (c *Coordinator) Cache() *CommitmentCache { return c.cache }

// Start binds operation to ps and launches the instance. ctx governs the
// instance: cancelling it fails the instance. An id that was started
// before is rejected; callers retry with a fresh binding.
func (c *Coordinator) Start(ctx context.Context, ps prestate.Prestate, operation any, cfg Config) (types.Hash32, error) {
	const op = "consensus.start"
	cfg = cfg.Normalize()
	if err := cfg.Validate(); err != nil {
		return types.Hash32{}, err
	}
	opBytes, err := prestate.OperationBytes(operation)
	if err != nil {
		return types.Hash32{}, err
	}
	psHash := ps.ComputeHash()
	id := prestate.BindOperationBytes(psHash, opBytes)

	c.mu.Lock()
	defer c.mu.Unlock()
	if _, running := c.tasks[id]; running {
		return id, coreerr.New(coreerr.KindInvalid, op, "instance %s already running", id)
	}
	if _, finished := c.results[id]; finished {
		return id, coreerr.New(coreerr.KindInvalid, op, "instance %s already finished; use a fresh binding", id)
	}

	c.cache.Advance(cfg.Epoch)
	exec := &Execute{
		ConsensusID:    id,
		PrestateHash:   psHash,
		OperationBytes: opBytes,
		Epoch:          cfg.Epoch,
		Coordinator:    c.self,
		Witnesses:      cfg.Witnesses,
	}
	var inst *Instance
	if cfg.FastPath {
		if commitments, ok := c.cache.TakeAll(cfg.Witnesses, cfg.Epoch); ok {
			inst, err = newFastInstance(id, psHash, opBytes, cfg, c.self, commitments)
			if err != nil {
				return id, err
			}
			exec.Commitments = inst.pkg.Commitments
		} else {
			c.logger.InfoContext(ctx, "fast path unavailable, running both rounds", "consensus_id", id.String())
		}
	}
	if inst == nil {
		inst = newInstance(id, psHash, opBytes, cfg, c.self)
	}

	t := &task{inbox: make(chan routed, inboxSize), done: make(chan struct{})}
	c.tasks[id] = t
	c.wg.Add(1)
	go c.run(ctx, inst, t, exec)
	return id, nil
}

func (c *Coordinator) run(ctx context.Context, inst *Instance, t *task, exec *Execute) {
	defer c.wg.Done()
	defer close(t.done)
	started := time.Now()
	if c.observer != nil {
		c.observer.InstanceStarted(ctx, inst.ID, inst.fastPath)
	}
	timeout := c.clock.After(inst.cfg.Timeout)

	c.broadcast(ctx, inst.cfg.Witnesses, exec)
	var (
		round <-chan time.Time
		armed uint32
	)
	for !inst.terminal() {
		// Each signing attempt gets its own round deadline.
		if inst.phase == PhaseSign && inst.attempt != armed {
			round = c.clock.After(inst.cfg.RoundTimeout)
			armed = inst.attempt
		}
		select {
		case in := <-t.inbox:
			c.step(ctx, inst, in)
		case <-round:
			// Replies queued before the deadline still count.
			c.drain(ctx, inst, t)
			if out := inst.replan(); out != nil {
				c.logger.InfoContext(ctx, "signing set replanned",
					"consensus_id", inst.ID.String(), "attempt", inst.attempt, "suspects", len(inst.suspects))
				c.deliver(ctx, inst, out)
			}
			armed = 0
		case <-timeout:
			inst.fail(coreerr.New(coreerr.KindTimeout, "consensus.wait",
				"instance %s timed out after %s in %s (%d nonces, %d shares, threshold %d)",
				inst.ID, inst.cfg.Timeout, inst.phase, inst.tracker.Nonces(), inst.tracker.Shares(), inst.cfg.Threshold))
		case <-ctx.Done():
			kind := coreerr.KindInternal
			if errors.Is(ctx.Err(), context.DeadlineExceeded) {
				kind = coreerr.KindTimeout
			}
			inst.fail(coreerr.Wrap(kind, "consensus.wait", ctx.Err(), "instance %s cancelled", inst.ID))
		case <-c.root.Done():
			inst.fail(coreerr.New(coreerr.KindInternal, "consensus.wait", "coordinator closed"))
		}
	}
	c.complete(ctx, inst, time.Since(started))
}

func (c *Coordinator) step(ctx context.Context, inst *Instance, in routed) {
	var (
		out   []Outbound
		ready bool
		err   error
	)
	switch m := in.msg.(type) {
	case *NonceCommit:
		out, ready, err = inst.onNonce(m)
	case *SignShare:
		ready, err = inst.onShare(m)
	case *Conflict:
		err = inst.onConflict(m)
		if err == nil {
			c.logger.WarnContext(ctx, "conflicting operation reported",
				"consensus_id", inst.ID.String(), "from", in.from.String(), "conflicts", len(m.Conflicts),
				"kind", string(coreerr.KindConflict))
		}
	}
	if err != nil {
		c.logger.WarnContext(ctx, "consensus message dropped",
			"consensus_id", inst.ID.String(), "type", fmt.Sprintf("%T", in.msg), "from", in.from.String(), "error", err)
		return
	}
	c.deliver(ctx, inst, out)
	if ready {
		c.aggregate(ctx, inst)
	}
}

func (c *Coordinator) deliver(ctx context.Context, inst *Instance, out []Outbound) {
	for _, o := range out {
		if err := c.sender.Send(ctx, o.To, o.Message); err != nil {
			c.logger.WarnContext(ctx, "send failed", "consensus_id", inst.ID.String(), "to", o.To.String(), "error", err)
		}
	}
}

// drain handles every message already queued for the instance.
func (c *Coordinator) drain(ctx context.Context, inst *Instance, t *task) {
	for !inst.terminal() {
		select {
		case in := <-t.inbox:
			c.step(ctx, inst, in)
		default:
			return
		}
	}
}

func (c *Coordinator) aggregate(ctx context.Context, inst *Instance) {
	pkg, shares := inst.aggregationInputs()
	sig, err := c.crypto.FrostAggregate(ctx, pkg, shares, inst.cfg.PublicKey)
	if err != nil {
		var shareErr *frost.ShareError
		if errors.As(err, &shareErr) {
			if w, ok := inst.cfg.Witness(shareErr.Identifier); ok {
				c.logger.WarnContext(ctx, "invalid signature share", "consensus_id", inst.ID.String(), "witness", w.String())
			}
		}
		inst.fail(err)
		return
	}
	now, err := c.clock.CurrentTimestamp(ctx)
	if err != nil {
		inst.fail(coreerr.Wrap(coreerr.KindInternal, "consensus.finish", err, "read clock"))
		return
	}
	_, _ = inst.finish(sig, now)
}

func (c *Coordinator) broadcast(ctx context.Context, to []types.AuthorityID, msg any) {
	m, err := Encode(msg)
	if err != nil {
		c.logger.ErrorContext(ctx, "encode failed", "type", fmt.Sprintf("%T", msg), "error", err)
		return
	}
	for _, peer := range to {
		if err := c.sender.Send(ctx, peer, m); err != nil {
			c.logger.WarnContext(ctx, "send failed", "to", peer.String(), "tag", m.Tag.String(), "error", err)
		}
	}
}

func (c *Coordinator) complete(ctx context.Context, inst *Instance, elapsed time.Duration) {
	res := Result{ConsensusID: inst.ID, Commit: inst.commit, Err: inst.err, Conflicts: inst.Conflicts()}
	c.mu.Lock()
	delete(c.tasks, inst.ID)
	c.results[inst.ID] = res
	c.completed = append(c.completed, inst.ID)
	c.mu.Unlock()

	if res.Err != nil {
		c.logger.WarnContext(ctx, "consensus instance failed",
			"consensus_id", inst.ID.String(), "kind", string(coreerr.KindOf(res.Err)), "error", res.Err)
	} else {
		c.logger.InfoContext(ctx, "consensus instance committed",
			"consensus_id", inst.ID.String(), "fast_path", res.Commit.FastPath,
			"signers", len(res.Commit.ThresholdSignature.Signers), "conflicts", len(inst.conflicts))
		// Delivery is best effort; the caller also receives the commit
		// through PollCompleted or Wait.
		c.broadcast(context.WithoutCancel(ctx), inst.cfg.Witnesses, &ConsensusResult{CommitFact: *res.Commit})
	}
	if c.observer != nil {
		c.observer.InstanceFinished(ctx, res, elapsed)
	}
}

// HandleMessage routes a coordinator-bound message (NonceCommit,
// SignShare, Conflict) from an authority. Messages for unknown or
// finished instances are discarded with a warning.
func (c *Coordinator) HandleMessage(ctx context.Context, from types.AuthorityID, msg any) error {
	switch m := msg.(type) {
	case *NonceCommit:
		if m.Signer != from {
			return c.discard(ctx, from, msg, "signer does not match sender")
		}
	case *SignShare:
		if m.Signer != from {
			return c.discard(ctx, from, msg, "signer does not match sender")
		}
	case *Conflict:
		if m.Reporter != from {
			return c.discard(ctx, from, msg, "reporter does not match sender")
		}
	default:
		return coreerr.New(coreerr.KindInvalid, "consensus.handle_message", "not a coordinator message: %T", msg)
	}
	id, _ := consensusID(msg)

	c.mu.Lock()
	t, ok := c.tasks[id]
	_, finished := c.results[id]
	c.mu.Unlock()
	if !ok {
		if finished {
			return c.discard(ctx, from, msg, "instance finished")
		}
		return c.discard(ctx, from, msg, "unknown instance")
	}
	// Only shares of running instances refill the pipelined cache.
	if s, isShare := msg.(*SignShare); isShare && s.NextCommitment != nil {
		c.cache.Put(s.Signer, s.Epoch, *s.NextCommitment)
	}
	select {
	case t.inbox <- routed{from: from, msg: msg}:
		return nil
	case <-t.done:
		return c.discard(ctx, from, msg, "instance finished")
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (c *Coordinator) discard(ctx context.Context, from types.AuthorityID, msg any, why string) error {
	id, _ := consensusID(msg)
	c.logger.WarnContext(ctx, "consensus message discarded",
		"consensus_id", id.String(), "type", fmt.Sprintf("%T", msg), "from", from.String(), "reason", why)
	return nil
}

// PollCompleted returns the oldest finished instance not yet polled.
func (c *Coordinator) PollCompleted() (Result, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.completed) == 0 {
		return Result{}, false
	}
	id := c.completed[0]
	c.completed = c.completed[1:]
	return c.results[id], true
}

// Wait blocks until instance id finishes and returns its commit fact or
// its single terminal error.
func (c *Coordinator) Wait(ctx context.Context, id types.Hash32) (*journal.CommitFact, error) {
	c.mu.Lock()
	res, finished := c.results[id]
	t, running := c.tasks[id]
	c.mu.Unlock()
	if finished {
		return res.Commit, res.Err
	}
	if !running {
		return nil, coreerr.New(coreerr.KindNotFound, "consensus.wait", "unknown instance %s", id)
	}
	select {
	case <-t.done:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	c.mu.Lock()
	res = c.results[id]
	c.mu.Unlock()
	return res.Commit, res.Err
}

// Active is the number of running instances.
func (c *Coordinator) Active() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.tasks)
}

// Close fails every running instance and waits for their goroutines.
func (c *Coordinator) Close() {
	c.cancel()
	c.wg.Wait()
}
