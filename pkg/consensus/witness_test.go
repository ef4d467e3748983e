package consensus_test

import (
	"context"
	"slices"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hxrts/aura/pkg/consensus"
	"github.com/hxrts/aura/pkg/coreerr"
	"github.com/hxrts/aura/pkg/crypto/frost"
	"github.com/hxrts/aura/pkg/prestate"
	"github.com/hxrts/aura/pkg/types"
)

func proposal(t *testing.T, c *cluster, op string) *consensus.Execute {
	t.Helper()
	opBytes, err := prestate.OperationBytes([]byte(op))
	require.NoError(t, err)
	psHash := c.prestate().ComputeHash()
	return &consensus.Execute{
		ConsensusID:    prestate.BindOperationBytes(psHash, opBytes),
		PrestateHash:   psHash,
		OperationBytes: opBytes,
		Epoch:          c.cfg.Epoch,
		Coordinator:    c.coordID,
		Witnesses:      c.cfg.Witnesses,
	}
}

func decodeAll(t *testing.T, out []consensus.Outbound) []any {
	t.Helper()
	msgs := make([]any, 0, len(out))
	for _, o := range out {
		m, err := consensus.Decode(o.Message)
		require.NoError(t, err)
		msgs = append(msgs, m)
	}
	return msgs
}

func TestWitnessReportsConflictingOperation(t *testing.T) {
	ctx := context.Background()
	c := newCluster(t, 3, 2)
	w := c.witnesses[c.cfg.Witnesses[0]]

	a, b := proposal(t, c, "a"), proposal(t, c, "b")
	out, err := w.Handle(ctx, a)
	require.NoError(t, err)
	require.Len(t, out, 1)
	assert.IsType(t, &consensus.NonceCommit{}, decodeAll(t, out)[0])

	out, err = w.Handle(ctx, b)
	require.NoError(t, err)
	msgs := decodeAll(t, out)
	require.Len(t, msgs, 2)
	conflict, ok := msgs[0].(*consensus.Conflict)
	require.True(t, ok)
	want := []types.Hash32{types.HashBytes(a.OperationBytes), types.HashBytes(b.OperationBytes)}
	slices.SortFunc(want, types.Hash32.Compare)
	assert.Equal(t, want, conflict.Conflicts)
	assert.Equal(t, b.ConsensusID, conflict.ConsensusID)
	assert.Equal(t, w.Self(), conflict.Reporter)
	for _, o := range out {
		assert.Equal(t, c.coordID, o.To)
	}

	// The same proposal again is a no-op.
	out, err = w.Handle(ctx, a)
	require.NoError(t, err)
	assert.Empty(t, out)
}

func TestWitnessRejectsBadProposals(t *testing.T) {
	ctx := context.Background()
	c := newCluster(t, 3, 2)
	w := c.witnesses[c.cfg.Witnesses[0]]

	forged := proposal(t, c, "a")
	forged.ConsensusID = types.HashBytes([]byte("forged"))
	_, err := w.Handle(ctx, forged)
	assert.Equal(t, coreerr.KindInvalid, coreerr.KindOf(err))

	outsider := proposal(t, c, "a")
	outsider.Witnesses = c.cfg.Witnesses[1:]
	_, err = w.Handle(ctx, outsider)
	assert.Equal(t, coreerr.KindInvalid, coreerr.KindOf(err))

	_, err = w.Handle(ctx, &consensus.SignRequest{ConsensusID: types.HashBytes([]byte("unknown"))})
	assert.Equal(t, coreerr.KindNotFound, coreerr.KindOf(err))
}

func TestWitnessSignsOnce(t *testing.T) {
	ctx := context.Background()
	c := newCluster(t, 3, 2)
	w1 := c.witnesses[c.cfg.Witnesses[0]]
	w2 := c.witnesses[c.cfg.Witnesses[1]]

	exec := proposal(t, c, "tick")
	nonces := map[types.AuthorityID]frost.SigningCommitment{}
	for _, w := range []*consensus.Witness{w1, w2} {
		out, err := w.Handle(ctx, exec)
		require.NoError(t, err)
		nc := decodeAll(t, out)[0].(*consensus.NonceCommit)
		assert.Equal(t, w.Identifier(), nc.Commitment.Identifier)
		nonces[w.Self()] = nc.Commitment
	}

	req := &consensus.SignRequest{ConsensusID: exec.ConsensusID, AggregatedNonces: nonces}
	out, err := w1.Handle(ctx, req)
	require.NoError(t, err)
	share := decodeAll(t, out)[0].(*consensus.SignShare)
	assert.Equal(t, w1.Self(), share.Signer)
	assert.Equal(t, exec.Epoch, share.Epoch)
	require.NotNil(t, share.NextCommitment)

	_, err = w1.Handle(ctx, req)
	assert.Equal(t, coreerr.KindInvalid, coreerr.KindOf(err))

	// The renewal commitment serves one later attempt, and only once.
	require.NotNil(t, share.Renewal)
	assert.NotEqual(t, nonces[w1.Self()], *share.Renewal)
	retry := &consensus.SignRequest{
		ConsensusID:      exec.ConsensusID,
		AggregatedNonces: map[types.AuthorityID]frost.SigningCommitment{w1.Self(): *share.Renewal, w2.Self(): nonces[w2.Self()]},
		Attempt:          2,
	}
	out, err = w1.Handle(ctx, retry)
	require.NoError(t, err)
	again := decodeAll(t, out)[0].(*consensus.SignShare)
	assert.Equal(t, uint32(2), again.Attempt)
	_, err = w1.Handle(ctx, retry)
	assert.Equal(t, coreerr.KindInvalid, coreerr.KindOf(err))

	// A request that leaves out the witness's own commitment is refused.
	delete(nonces, w2.Self())
	_, err = w2.Handle(ctx, &consensus.SignRequest{ConsensusID: exec.ConsensusID, AggregatedNonces: nonces})
	assert.Equal(t, coreerr.KindInvalid, coreerr.KindOf(err))
}

func TestWitnessFastPathNeedsPipelinedNonce(t *testing.T) {
	ctx := context.Background()
	c := newCluster(t, 3, 2)
	w := c.witnesses[c.cfg.Witnesses[0]]

	exec := proposal(t, c, "tick")
	exec.Commitments = []frost.SigningCommitment{{Identifier: 1}}
	_, err := w.Handle(ctx, exec)
	assert.Equal(t, coreerr.KindNotFound, coreerr.KindOf(err))
}

func TestCommitmentCache(t *testing.T) {
	ws := []types.AuthorityID{
		types.AuthorityIDFromString("w1"),
		types.AuthorityIDFromString("w2"),
	}
	cache, err := consensus.NewCommitmentCache(len(ws), 2)
	require.NoError(t, err)

	cache.Put(ws[0], 1, frost.SigningCommitment{Identifier: 1})
	_, ok := cache.TakeAll(ws, 1)
	assert.False(t, ok, "partial sets are not taken")
	assert.Equal(t, 1, cache.Len())

	cache.Put(ws[1], 1, frost.SigningCommitment{Identifier: 2})
	got, ok := cache.TakeAll(ws, 1)
	require.True(t, ok)
	assert.Equal(t, frost.Identifier(2), got[ws[1]].Identifier)
	assert.Zero(t, cache.Len())

	cache.Put(ws[0], 1, frost.SigningCommitment{Identifier: 1})
	cache.Put(ws[0], 2, frost.SigningCommitment{Identifier: 1})
	cache.Advance(3)
	assert.Equal(t, 1, cache.Len(), "epoch 1 falls out of a two-epoch window at epoch 3")

	cache.Put(ws[1], 1, frost.SigningCommitment{Identifier: 2})
	assert.Equal(t, 1, cache.Len(), "stale commitments are ignored")
}
