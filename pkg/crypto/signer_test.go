package crypto_test

import (
	"context"
	"crypto/rand"
	"testing"

	"github.com/hxrts/aura/pkg/coreerr"
	"github.com/hxrts/aura/pkg/crypto"
	"github.com/hxrts/aura/pkg/crypto/frost"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSignerDeterministicFromSeed(t *testing.T) {
	var seed [32]byte
	seed[0] = 7
	a := crypto.NewEd25519SignerFromSeed(seed, "k1")
	b := crypto.NewEd25519SignerFromSeed(seed, "k1")
	assert.Equal(t, a.PublicKeyBytes(), b.PublicKeyBytes())

	sig := a.Sign([]byte("msg"))
	ok, err := crypto.Verify(b.PublicKeyBytes(), []byte("msg"), sig)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestVerifyRejectsMalformedInput(t *testing.T) {
	_, err := crypto.Verify([]byte{1, 2}, []byte("m"), make([]byte, 64))
	assert.True(t, coreerr.Is(err, coreerr.KindInvalid))

	_, err = crypto.Verify(make([]byte, 32), []byte("m"), []byte{1})
	assert.True(t, coreerr.Is(err, coreerr.KindInvalid))
}

func TestProviderFrostAggregateReportsCryptoError(t *testing.T) {
	keys, pub, err := frost.GenerateWithDealer(rand.Reader, 3, 2)
	require.NoError(t, err)

	n0, err := frost.Commit(rand.Reader, &keys[0])
	require.NoError(t, err)
	n1, err := frost.Commit(rand.Reader, &keys[1])
	require.NoError(t, err)
	pkg, err := frost.NewSigningPackage([]frost.SigningCommitment{n0.Commitment, n1.Commitment}, []byte("tick"))
	require.NoError(t, err)
	s0, err := frost.Sign(pkg, n0, &keys[0])
	require.NoError(t, err)
	s1, err := frost.Sign(pkg, n1, &keys[1])
	require.NoError(t, err)

	p := crypto.NewProvider(nil)
	sig, err := p.FrostAggregate(context.Background(), pkg, []frost.SignatureShare{s0, s1}, pub)
	require.NoError(t, err)
	ok, err := p.Verify(context.Background(), pub.GroupPublicKey[:], []byte("tick"), sig[:])
	require.NoError(t, err)
	assert.True(t, ok)

	s1.Share[3] ^= 0xff
	_, err = p.FrostAggregate(context.Background(), pkg, []frost.SignatureShare{s0, s1}, pub)
	require.Error(t, err)
	assert.True(t, coreerr.Is(err, coreerr.KindCrypto))
	assert.Contains(t, err.Error(), "FROST aggregation failed")

	_, err = p.Sign(context.Background(), []byte("x"))
	assert.True(t, coreerr.Is(err, coreerr.KindInternal))
}
