package runtime

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"time"

	"golang.org/x/sync/errgroup"

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

// SimulationConfig describes an in-memory cluster of witnesses.
type SimulationConfig struct {
	Witnesses uint16
	Threshold uint16
	// Seed drives key generation, nonces and signers. Equal seeds give
	// equal runs.
	Seed     []byte
	FastPath bool
	Context  types.ContextID
	Start    time.Time
	Timeout  time.Duration
	Guard    guard.Config
	Inbox    transport.InboxConfig
	// RetainedEpochs sizes the coordinator commitment cache.
	RetainedEpochs int
	Telemetry      *observability.Provider
}

// Simulation is a set of runtimes joined by one in-memory network and
// one manual clock. The first witness coordinates.
type Simulation struct {
	Network  *transport.Network
	Clock    *effects.ManualClock
	Nodes    []*Runtime
	Prestate prestate.Prestate
	Public   *frost.PublicKeyPackage
}

// NewSimulation deals keys and builds one runtime per witness.
func NewSimulation(cfg SimulationConfig) (*Simulation, error) {
	const op = "runtime.new_simulation"
	if cfg.Witnesses == 0 || cfg.Threshold < consensus.MinThreshold || cfg.Threshold > cfg.Witnesses {
		return nil, coreerr.New(coreerr.KindInvalid, op, "threshold %d out of range for %d witnesses", cfg.Threshold, cfg.Witnesses)
	}
	if len(cfg.Seed) == 0 {
		cfg.Seed = []byte("aura-simulation")
	}
	if cfg.Start.IsZero() {
		cfg.Start = time.UnixMilli(1_700_000_000_000)
	}
	if cfg.Context.IsZero() {
		cfg.Context = types.ContextIDFromString("simulation")
	}

	dealer, err := effects.NewSeededRandom(cfg.Seed, "dealer")
	if err != nil {
		return nil, err
	}
	keys, pub, err := frost.GenerateWithDealer(dealer, cfg.Witnesses, cfg.Threshold)
	if err != nil {
		return nil, coreerr.Wrap(coreerr.KindCrypto, op, err, "deal keys")
	}

	ids := make([]types.AuthorityID, cfg.Witnesses)
	for i := range ids {
		ids[i] = types.AuthorityIDFromString(fmt.Sprintf("witness-%d", i+1))
	}
	types.SortAuthorities(ids)

	sim := &Simulation{
		Network: transport.NewNetwork(cfg.Inbox),
		Clock:   effects.NewManualClock(cfg.Start),
		Public:  pub,
	}
	template := consensus.Config{
		Witnesses: ids,
		Threshold: cfg.Threshold,
		Context:   cfg.Context,
		PublicKey: pub,
		Timeout:   cfg.Timeout,
		FastPath:  cfg.FastPath,
	}

	for i, id := range ids {
		fx, err := effects.Simulation(cfg.Seed, id, sim.Clock, sim.Network.Join(id), store.NewMemory())
		if err != nil {
			sim.Close()
			return nil, err
		}
		if cfg.Telemetry != nil {
			fx.Leakage = cfg.Telemetry
			fx.Trace = cfg.Telemetry
		}
		node, err := New(Options{
			Authority:      id,
			Effects:        fx,
			Guard:          cfg.Guard,
			Consensus:      template,
			Key:            &keys[i],
			RetainedEpochs: cfg.RetainedEpochs,
			Telemetry:      cfg.Telemetry,
		})
		if err != nil {
			sim.Close()
			return nil, err
		}
		sim.Nodes = append(sim.Nodes, node)
	}
	if err := sim.refreshPrestate(); err != nil {
		sim.Close()
		return nil, err
	}
	return sim, nil
}

// refreshPrestate commits to every node's current journal.
func (s *Simulation) refreshPrestate() error {
	commitments := make([]prestate.AuthorityCommitment, 0, len(s.Nodes))
	for _, n := range s.Nodes {
		state, err := n.Journal().Hash()
		if err != nil {
			return err
		}
		commitments = append(commitments, prestate.AuthorityCommitment{Authority: n.Self(), Commitment: state})
	}
	ctxID := s.Coordinator().template.Context
	s.Prestate = prestate.New(commitments, types.HashBytes(ctxID[:]))
	return nil
}

// Coordinator is the node that proposes.
func (s *Simulation) Coordinator() *Runtime { return s.Nodes[0] }

// Prime hands the coordinator a pipelined commitment from every witness
// for the current epoch, enabling the fast path.
func (s *Simulation) Prime(ctx context.Context) error {
	coord := s.Coordinator()
	cfg, err := coord.ConsensusConfig(ctx)
	if err != nil {
		return err
	}
	for _, n := range s.Nodes {
		c, err := n.Witness().Pipeline(ctx, cfg.Epoch)
		if err != nil {
			return err
		}
		coord.Coordinator().Cache().Put(n.Self(), cfg.Epoch, c)
	}
	return nil
}

// Run proposes operation from the coordinator while every node pumps its
// inbox, and returns once all nodes have joined the commit. The prestate
// then moves to the joined journals.
func (s *Simulation) Run(ctx context.Context, operation string) (*journal.CommitFact, error) {
	pumpCtx, stop := context.WithCancel(ctx)
	defer stop()
	g, gctx := errgroup.WithContext(pumpCtx)
	for _, n := range s.Nodes {
		g.Go(func() error {
			if err := n.Pump(gctx); err != nil && !errors.Is(err, context.Canceled) {
				return err
			}
			return nil
		})
	}

	coord := s.Coordinator()
	req := guard.Request{
		Authority: coord.Self(),
		Operation: []byte(operation),
		Context:   coord.template.Context,
	}
	commit, err := coord.Propose(ctx, s.Prestate, operation, req)
	if err == nil {
		err = s.awaitJoined(ctx, commit.ConsensusID)
	}
	stop()
	if werr := g.Wait(); err == nil {
		err = werr
	}
	if err != nil {
		return nil, err
	}
	if err := s.refreshPrestate(); err != nil {
		return nil, err
	}
	return commit, nil
}

func (s *Simulation) awaitJoined(ctx context.Context, id types.Hash32) error {
	for {
		joined := 0
		for _, n := range s.Nodes {
			n.journal.Read(func(j *journal.Journal) {
				if slices.ContainsFunc(j.Commits(), func(c *journal.CommitFact) bool { return c.ConsensusID == id }) {
					joined++
				}
			})
		}
		if joined == len(s.Nodes) {
			return nil
		}
		t := time.NewTimer(DefaultPollInterval)
		select {
		case <-t.C:
		case <-ctx.Done():
			t.Stop()
			return coreerr.Wrap(coreerr.KindTimeout, "runtime.simulation", ctx.Err(), "%d of %d nodes joined %s", joined, len(s.Nodes), id)
		}
	}
}

// Close stops every node.
func (s *Simulation) Close() {
	for _, n := range s.Nodes {
		n.Close()
	}
}
