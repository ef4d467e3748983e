package prestate_test

import (
	"fmt"
	"math/rand"
	"testing"

	"github.com/hxrts/aura/pkg/coreerr"
	"github.com/hxrts/aura/pkg/prestate"
	"github.com/hxrts/aura/pkg/types"
	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func commitmentsFrom(seeds []uint8) []prestate.AuthorityCommitment {
	out := make([]prestate.AuthorityCommitment, 0, len(seeds))
	for i, s := range seeds {
		out = append(out, prestate.AuthorityCommitment{
			Authority:  types.AuthorityIDFromString(fmt.Sprintf("authority-%d", s)),
			Commitment: types.HashBytes([]byte{s, byte(i % 3)}),
		})
	}
	return out
}

// Reordering authority commitments never changes the prestate hash.
func TestPrestateHashDeterminism(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 200
	properties := gopter.NewProperties(parameters)

	properties.Property("compute_hash is independent of commitment order", prop.ForAll(
		func(seeds []uint8, shuffleSeed int64, ctx uint8) bool {
			commitments := commitmentsFrom(seeds)
			shuffled := append([]prestate.AuthorityCommitment(nil), commitments...)
			r := rand.New(rand.NewSource(shuffleSeed)) //nolint:gosec // test shuffle
			r.Shuffle(len(shuffled), func(i, j int) { shuffled[i], shuffled[j] = shuffled[j], shuffled[i] })

			cc := types.HashBytes([]byte{ctx})
			a := prestate.New(commitments, cc)
			b := prestate.New(shuffled, cc)
			return a.ComputeHash() == b.ComputeHash()
		},
		gen.SliceOf(gen.UInt8()),
		gen.Int64(),
		gen.UInt8(),
	))

	properties.TestingRun(t)
}

// Distinct operations against one prestate yield distinct bindings.
func TestBindingInjectivity(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 200
	properties := gopter.NewProperties(parameters)

	p := prestate.New(commitmentsFrom([]uint8{1, 2, 3}), types.HashBytes([]byte("ctx")))

	properties.Property("op1 != op2 implies bind(op1) != bind(op2)", prop.ForAll(
		func(op1, op2 string) bool {
			b1, err1 := p.BindOperation(op1)
			b2, err2 := p.BindOperation(op2)
			if err1 != nil || err2 != nil {
				return false
			}
			return (op1 == op2) == (b1 == b2)
		},
		gen.AnyString(),
		gen.AnyString(),
	))

	properties.TestingRun(t)
}

func TestPrestateHashLayout(t *testing.T) {
	a := types.AuthorityIDFromString("a")
	ca := types.HashBytes([]byte("ca"))
	cc := types.HashBytes([]byte("ctx"))
	p := prestate.New([]prestate.AuthorityCommitment{{Authority: a, Commitment: ca}}, cc)

	h := types.NewHasher()
	h.WriteTag("AURA_PRESTATE_V1")
	h.WriteU32LE(1)
	h.Write(a[:])
	h.Write(ca[:])
	h.Write(cc[:])
	assert.Equal(t, h.Sum(), p.ComputeHash())
}

func TestBindingDependsOnPrestate(t *testing.T) {
	op := []byte("tick")
	p1 := prestate.New(commitmentsFrom([]uint8{1}), types.HashBytes([]byte("c1")))
	p2 := prestate.New(commitmentsFrom([]uint8{1}), types.HashBytes([]byte("c2")))

	b1, err := p1.BindOperation(op)
	require.NoError(t, err)
	b2, err := p2.BindOperation(op)
	require.NoError(t, err)
	assert.NotEqual(t, b1, b2)

	raw, err := prestate.OperationBytes(op)
	require.NoError(t, err)
	assert.Equal(t, b1, prestate.BindOperationBytes(p1.ComputeHash(), raw))
}

func TestBindOperationSerializationFailure(t *testing.T) {
	p := prestate.New(nil, types.Hash32{})
	_, err := p.BindOperation(func() {})
	require.Error(t, err)
	assert.True(t, coreerr.Is(err, coreerr.KindInvalid))
	assert.Contains(t, err.Error(), "AURA_OP_BINDING: serialization failed")
}

func TestAuthorityLookup(t *testing.T) {
	commitments := commitmentsFrom([]uint8{5, 9})
	p := prestate.New(commitments, types.Hash32{})

	assert.True(t, p.HasAuthority(commitments[0].Authority))
	assert.False(t, p.HasAuthority(types.AuthorityIDFromString("nobody")))

	got, ok := p.AuthorityCommitment(commitments[1].Authority)
	require.True(t, ok)
	assert.Equal(t, commitments[1].Commitment, got)

	_, ok = p.AuthorityCommitment(types.AuthorityIDFromString("nobody"))
	assert.False(t, ok)
	assert.Len(t, p.Authorities(), 2)
}
