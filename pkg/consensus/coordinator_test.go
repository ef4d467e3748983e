package consensus_test

import (
	"context"
	"errors"
	"slices"
	"testing"
	"time"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hxrts/aura/pkg/consensus"
	"github.com/hxrts/aura/pkg/coreerr"
	"github.com/hxrts/aura/pkg/crypto/frost"
	"github.com/hxrts/aura/pkg/journal"
	"github.com/hxrts/aura/pkg/prestate"
	"github.com/hxrts/aura/pkg/transport"
	"github.com/hxrts/aura/pkg/types"
)

// safe reports the commit-fact safety conditions: enough signers, all of
// them witnesses, a valid group signature and a matching operation hash.
func safe(cfg consensus.Config, commit *journal.CommitFact) error {
	if commit == nil {
		return errors.New("no commit fact")
	}
	sig := commit.ThresholdSignature
	if len(sig.Signers) < int(cfg.Threshold) {
		return errors.New("too few signers")
	}
	for _, s := range sig.Signers {
		if !slices.Contains(cfg.Witnesses, s) {
			return errors.New("signer outside the witness set")
		}
	}
	if !frost.Verify(cfg.PublicKey.GroupPublicKey, commit.OperationBytes, sig.Signature) {
		return errors.New("signature does not verify")
	}
	if types.HashBytes(commit.OperationBytes) != commit.OperationHash {
		return errors.New("operation hash mismatch")
	}
	return commit.Verify(cfg.Witnesses)
}

func TestOneShotCommit(t *testing.T) {
	ctx := testContext(t)
	c := newCluster(t, 3, 2)

	ps := c.prestate()
	id, err := c.coord.Start(ctx, ps, []byte("tick"), c.cfg)
	require.NoError(t, err)
	want, err := ps.BindOperation([]byte("tick"))
	require.NoError(t, err)
	assert.Equal(t, want, id)

	commit, err := c.coord.Wait(ctx, id)
	require.NoError(t, err)
	require.NoError(t, safe(c.cfg, commit))

	opBytes, err := prestate.OperationBytes([]byte("tick"))
	require.NoError(t, err)
	assert.Equal(t, opBytes, commit.OperationBytes)
	assert.Equal(t, ps.ComputeHash(), commit.PrestateHash)
	assert.Len(t, commit.ThresholdSignature.Signers, 2)
	assert.Subset(t, c.cfg.Witnesses, commit.ThresholdSignature.Signers)
	assert.False(t, commit.FastPath)
	assert.Equal(t, c.coordID, *commit.Timestamp.Origin)
	assert.Equal(t, c.cfg.Witnesses, commit.Participants)

	// The result is distributed to every witness.
	assert.Len(t, c.delivered(), 3)
	assert.Zero(t, c.coord.Active())
}

// Signers that answered the sign request hand back their next
// commitment, so the cache fills while the slow path runs.
func TestSlowPathFillsCommitmentCache(t *testing.T) {
	ctx := testContext(t)
	c := newCluster(t, 3, 2)

	id, err := c.coord.Start(ctx, c.prestate(), []byte("tick"), c.cfg)
	require.NoError(t, err)
	_, err = c.coord.Wait(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, 2, c.coord.Cache().Len())
}

func TestFastPathCommit(t *testing.T) {
	ctx := testContext(t)
	c := newCluster(t, 3, 2)
	c.pipeline(t, c.cfg.Epoch)
	require.Equal(t, 3, c.coord.Cache().Len())

	cfg := c.cfg
	cfg.FastPath = true
	id, err := c.coord.Start(ctx, c.prestate(), []byte("tick"), cfg)
	require.NoError(t, err)
	commit, err := c.coord.Wait(ctx, id)
	require.NoError(t, err)
	require.NoError(t, safe(cfg, commit))

	assert.True(t, commit.FastPath)
	assert.Len(t, commit.ThresholdSignature.Signers, 3)
	// One round: proposals only, no sign requests.
	assert.Equal(t, 3, c.sentCount(transport.TagExecute))
	assert.Zero(t, c.sentCount(transport.TagSignRequest))
	assert.Zero(t, c.coord.Cache().Len())
}

func TestFastPathFallsBackWithoutCommitments(t *testing.T) {
	ctx := testContext(t)
	c := newCluster(t, 3, 2)
	// Only one witness has a pipelined commitment.
	first := c.cfg.Witnesses[0]
	commitment, err := c.witnesses[first].Pipeline(ctx, c.cfg.Epoch)
	require.NoError(t, err)
	c.coord.Cache().Put(first, c.cfg.Epoch, commitment)

	cfg := c.cfg
	cfg.FastPath = true
	id, err := c.coord.Start(ctx, c.prestate(), []byte("tick"), cfg)
	require.NoError(t, err)
	commit, err := c.coord.Wait(ctx, id)
	require.NoError(t, err)
	assert.False(t, commit.FastPath)
	assert.Equal(t, 2, c.sentCount(transport.TagSignRequest))
	// A partial set is left untouched.
	assert.GreaterOrEqual(t, c.coord.Cache().Len(), 1)
}

func TestThresholdNotMetTimesOut(t *testing.T) {
	ctx := testContext(t)
	c := newCluster(t, 3, 2, 1, 2)

	id, err := c.coord.Start(ctx, c.prestate(), []byte("tick"), c.cfg)
	require.NoError(t, err)
	require.Eventually(t, func() bool { return c.clock.PendingTimers() == 1 }, time.Second, time.Millisecond)
	c.clock.Advance(consensus.DefaultTimeout)

	commit, err := c.coord.Wait(ctx, id)
	require.Error(t, err)
	assert.Nil(t, commit)
	assert.Equal(t, coreerr.KindTimeout, coreerr.KindOf(err))
	assert.Empty(t, c.delivered())
	assert.Zero(t, c.sentCount(transport.TagSignRequest))
}

// roundTimeout is the per-attempt deadline of a default config.
var roundTimeout = consensus.Config{}.Normalize().RoundTimeout

func TestCrashedSignerIsReplaced(t *testing.T) {
	ctx := testContext(t)
	c := newCluster(t, 3, 2)
	crashed := c.cfg.Witnesses[0]
	c.crashed[crashed] = true

	id, err := c.coord.Start(ctx, c.prestate(), []byte("tick"), c.cfg)
	require.NoError(t, err)
	// Overall deadline plus the first round.
	require.Eventually(t, func() bool { return c.clock.PendingTimers() == 2 }, time.Second, time.Millisecond)
	c.clock.Advance(roundTimeout)

	commit, err := c.coord.Wait(ctx, id)
	require.NoError(t, err)
	require.NoError(t, safe(c.cfg, commit))
	assert.False(t, commit.FastPath)
	assert.Equal(t, c.cfg.Witnesses[1:], commit.ThresholdSignature.Signers)
	assert.NotContains(t, commit.ThresholdSignature.Signers, crashed)
	assert.Equal(t, 4, c.sentCount(transport.TagSignRequest))
}

func TestReplanNeedsThresholdOfLiveWitnesses(t *testing.T) {
	ctx := testContext(t)
	c := newCluster(t, 3, 2, 2)
	c.crashed[c.cfg.Witnesses[0]] = true

	id, err := c.coord.Start(ctx, c.prestate(), []byte("tick"), c.cfg)
	require.NoError(t, err)
	require.Eventually(t, func() bool { return c.clock.PendingTimers() == 2 }, time.Second, time.Millisecond)
	c.clock.Advance(consensus.DefaultTimeout)

	_, err = c.coord.Wait(ctx, id)
	require.Error(t, err)
	assert.Equal(t, coreerr.KindTimeout, coreerr.KindOf(err))
	// Only the first set was ever asked.
	assert.Equal(t, 2, c.sentCount(transport.TagSignRequest))
}

func TestFastPathFallsBackWhenWitnessOffline(t *testing.T) {
	ctx := testContext(t)
	c := newCluster(t, 3, 2, 2)
	c.pipeline(t, c.cfg.Epoch)

	cfg := c.cfg
	cfg.FastPath = true
	id, err := c.coord.Start(ctx, c.prestate(), []byte("tick"), cfg)
	require.NoError(t, err)
	require.Eventually(t, func() bool { return c.clock.PendingTimers() == 2 }, time.Second, time.Millisecond)
	c.clock.Advance(roundTimeout)

	commit, err := c.coord.Wait(ctx, id)
	require.NoError(t, err)
	require.NoError(t, safe(cfg, commit))
	assert.False(t, commit.FastPath)
	assert.Equal(t, c.cfg.Witnesses[:2], commit.ThresholdSignature.Signers)
	assert.Equal(t, 3, c.sentCount(transport.TagExecute))
	assert.Equal(t, 2, c.sentCount(transport.TagSignRequest))
}

func TestTamperedShareFailsAggregation(t *testing.T) {
	ctx := testContext(t)
	c := newCluster(t, 2, 2)
	c.tampered[c.cfg.Witnesses[0]] = true
	ps := c.prestate()

	id, err := c.coord.Start(ctx, ps, []byte("tick"), c.cfg)
	require.NoError(t, err)
	commit, err := c.coord.Wait(ctx, id)
	require.Error(t, err)
	assert.Nil(t, commit)
	assert.Equal(t, coreerr.KindCrypto, coreerr.KindOf(err))
	assert.Contains(t, err.Error(), "FROST aggregation failed")
	assert.Empty(t, c.delivered())

	// The failed instance still owns its binding.
	_, err = c.coord.Start(ctx, ps, []byte("tick"), c.cfg)
	require.Error(t, err)
	assert.Equal(t, coreerr.KindInvalid, coreerr.KindOf(err))
}

func TestConflictingOperationsBothCommit(t *testing.T) {
	ctx := testContext(t)
	c := newCluster(t, 3, 2)
	ps := c.prestate()

	idA, err := c.coord.Start(ctx, ps, []byte("a"), c.cfg)
	require.NoError(t, err)
	idB, err := c.coord.Start(ctx, ps, []byte("b"), c.cfg)
	require.NoError(t, err)
	assert.NotEqual(t, idA, idB)

	commitA, err := c.coord.Wait(ctx, idA)
	require.NoError(t, err)
	commitB, err := c.coord.Wait(ctx, idB)
	require.NoError(t, err)
	require.NoError(t, safe(c.cfg, commitA))
	require.NoError(t, safe(c.cfg, commitB))
	assert.Equal(t, commitA.PrestateHash, commitB.PrestateHash)

	j := journal.New()
	require.NoError(t, j.AppendCommit(commitA, c.cfg.Context, c.cfg.Epoch))
	require.NoError(t, j.AppendCommit(commitB, c.cfg.Context, c.cfg.Epoch))
	assert.Len(t, j.Commits(), 2)
	require.NoError(t, j.VerifyEvidence())

	pair := []types.Hash32{commitA.OperationHash, commitB.OperationHash}
	slices.SortFunc(pair, types.Hash32.Compare)
	for {
		res, ok := c.coord.PollCompleted()
		if !ok {
			break
		}
		if len(res.Conflicts) > 0 {
			assert.Equal(t, pair, res.Conflicts)
		}
	}
}

func TestStartRejectsReusedBinding(t *testing.T) {
	ctx := testContext(t)
	c := newCluster(t, 3, 2, 1, 2)

	_, err := c.coord.Start(ctx, c.prestate(), []byte("tick"), c.cfg)
	require.NoError(t, err)
	_, err = c.coord.Start(ctx, c.prestate(), []byte("tick"), c.cfg)
	require.Error(t, err)
	assert.Equal(t, coreerr.KindInvalid, coreerr.KindOf(err))
}

func TestStartRejectsBadConfig(t *testing.T) {
	ctx := testContext(t)
	c := newCluster(t, 3, 2)

	cases := map[string]func(cfg *consensus.Config){
		"empty witnesses":    func(cfg *consensus.Config) { cfg.Witnesses = nil },
		"zero threshold":     func(cfg *consensus.Config) { cfg.Threshold = 0 },
		"threshold one":      func(cfg *consensus.Config) { cfg.Threshold = 1 },
		"threshold too high": func(cfg *consensus.Config) { cfg.Threshold = 4 },
		"key mismatch":       func(cfg *consensus.Config) { cfg.Threshold = 3 },
		"missing key":        func(cfg *consensus.Config) { cfg.PublicKey = nil },
		"duplicate witness": func(cfg *consensus.Config) {
			cfg.Witnesses = []types.AuthorityID{cfg.Witnesses[0], cfg.Witnesses[0], cfg.Witnesses[1]}
		},
	}
	for name, mutate := range cases {
		t.Run(name, func(t *testing.T) {
			cfg := c.cfg
			cfg.Witnesses = slices.Clone(c.cfg.Witnesses)
			mutate(&cfg)
			_, err := c.coord.Start(ctx, c.prestate(), []byte(name), cfg)
			require.Error(t, err)
			assert.Equal(t, coreerr.KindInvalid, coreerr.KindOf(err))
		})
	}
	assert.Zero(t, c.coord.Active())
}

func TestCancelledInstanceFails(t *testing.T) {
	ctx := testContext(t)
	c := newCluster(t, 3, 2, 1, 2)

	runCtx, cancel := context.WithCancel(ctx)
	id, err := c.coord.Start(runCtx, c.prestate(), []byte("tick"), c.cfg)
	require.NoError(t, err)
	cancel()

	_, err = c.coord.Wait(ctx, id)
	require.Error(t, err)
	assert.Equal(t, coreerr.KindInternal, coreerr.KindOf(err))
	assert.ErrorIs(t, err, context.Canceled)
}

func TestDeadlineMapsToTimeout(t *testing.T) {
	ctx := testContext(t)
	c := newCluster(t, 3, 2, 1, 2)

	runCtx, cancel := context.WithTimeout(ctx, 20*time.Millisecond)
	defer cancel()
	id, err := c.coord.Start(runCtx, c.prestate(), []byte("tick"), c.cfg)
	require.NoError(t, err)

	_, err = c.coord.Wait(ctx, id)
	require.Error(t, err)
	assert.Equal(t, coreerr.KindTimeout, coreerr.KindOf(err))
}

func TestCloseFailsRunningInstances(t *testing.T) {
	ctx := testContext(t)
	c := newCluster(t, 3, 2, 1, 2)

	id, err := c.coord.Start(ctx, c.prestate(), []byte("tick"), c.cfg)
	require.NoError(t, err)
	c.coord.Close()

	_, err = c.coord.Wait(ctx, id)
	require.Error(t, err)
	assert.Equal(t, coreerr.KindInternal, coreerr.KindOf(err))
	assert.Zero(t, c.coord.Active())
}

func TestHandleMessageDiscardsStrays(t *testing.T) {
	ctx := testContext(t)
	c := newCluster(t, 3, 2)
	w := c.cfg.Witnesses[0]

	// Unknown instance.
	stray := &consensus.NonceCommit{ConsensusID: types.HashBytes([]byte("nope")), Signer: w}
	require.NoError(t, c.coord.HandleMessage(ctx, w, stray))

	// Sender does not match the claimed signer.
	require.NoError(t, c.coord.HandleMessage(ctx, c.cfg.Witnesses[1], stray))

	// A share for an unknown instance does not refill the cache.
	next := frost.SigningCommitment{Identifier: 1}
	orphan := &consensus.SignShare{ConsensusID: types.HashBytes([]byte("nope")), Signer: w, Epoch: c.cfg.Epoch, NextCommitment: &next}
	require.NoError(t, c.coord.HandleMessage(ctx, w, orphan))
	assert.Zero(t, c.coord.Cache().Len())

	// A finished instance ignores late messages.
	id, err := c.coord.Start(ctx, c.prestate(), []byte("tick"), c.cfg)
	require.NoError(t, err)
	_, err = c.coord.Wait(ctx, id)
	require.NoError(t, err)
	late := &consensus.Conflict{ConsensusID: id, Conflicts: []types.Hash32{{1}}, Reporter: w}
	require.NoError(t, c.coord.HandleMessage(ctx, w, late))

	// Witness-bound messages are not for the coordinator.
	err = c.coord.HandleMessage(ctx, w, &consensus.Execute{})
	require.Error(t, err)
	assert.Equal(t, coreerr.KindInvalid, coreerr.KindOf(err))
}

func TestPollCompletedAndWait(t *testing.T) {
	ctx := testContext(t)
	c := newCluster(t, 3, 2)

	_, ok := c.coord.PollCompleted()
	assert.False(t, ok)

	_, err := c.coord.Wait(ctx, types.HashBytes([]byte("unknown")))
	assert.Equal(t, coreerr.KindNotFound, coreerr.KindOf(err))

	id, err := c.coord.Start(ctx, c.prestate(), []byte("tick"), c.cfg)
	require.NoError(t, err)
	commit, err := c.coord.Wait(ctx, id)
	require.NoError(t, err)

	res, ok := c.coord.PollCompleted()
	require.True(t, ok)
	assert.Equal(t, id, res.ConsensusID)
	assert.Same(t, commit, res.Commit)
	assert.NoError(t, res.Err)
	_, ok = c.coord.PollCompleted()
	assert.False(t, ok)

	// Wait still answers after the result was polled.
	again, err := c.coord.Wait(ctx, id)
	require.NoError(t, err)
	assert.Same(t, commit, again)
}

// With a threshold of honest, reachable witnesses every instance commits
// within two rounds, and every commit it produces is safe.
func TestConsensusSafetyAndLiveness(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 12
	parameters.Rng.Seed(7)
	properties := gopter.NewProperties(parameters)

	properties.Property("commits within two rounds with a safe commit fact", prop.ForAll(
		func(op []byte, silent int, fast bool) bool {
			ctx := testContext(t)
			var c *cluster
			if silent >= 0 {
				c = newCluster(t, 4, 3, silent)
			} else {
				c = newCluster(t, 4, 3)
			}
			cfg := c.cfg
			if fast && silent < 0 {
				c.pipeline(t, cfg.Epoch)
				cfg.FastPath = true
			}
			id, err := c.coord.Start(ctx, c.prestate(), op, cfg)
			if err != nil {
				return false
			}
			commit, err := c.coord.Wait(ctx, id)
			if err != nil || safe(cfg, commit) != nil || commit.ConsensusID != id {
				return false
			}
			if c.sentCount(transport.TagExecute) != 4 {
				return false
			}
			if cfg.FastPath {
				return commit.FastPath && c.sentCount(transport.TagSignRequest) == 0
			}
			return c.sentCount(transport.TagSignRequest) == 3
		},
		gen.SliceOfN(8, gen.UInt8()),
		gen.IntRange(-1, 3),
		gen.Bool(),
	))

	properties.TestingRun(t)
}
