package effects

import (
	"time"

	"github.com/hxrts/aura/pkg/crypto"
	"github.com/hxrts/aura/pkg/types"
)

// Production wires host handlers: system clock, crypto/rand and the
// Ed25519 provider for signer. Network, storage and leakage are supplied
// by the caller.
func Production(signer *crypto.Ed25519Signer, net NetworkEffects, storage StorageEffects, leakage LeakageRecorder) Effects {
	clock := SystemClock{}
	return Effects{
		Time:     clock,
		Physical: clock,
		Random:   SystemRandom{},
		Network:  net,
		Storage:  storage,
		Crypto:   crypto.NewProvider(signer),
		Leakage:  leakage,
		Trace:    NewTraceLog(),
	}
}

// Simulation wires reproducible handlers for authority: a manual clock, a
// ChaCha20 stream and a signer, all derived from seed.
func Simulation(seed []byte, authority types.AuthorityID, clock *ManualClock, net NetworkEffects, storage StorageEffects) (Effects, error) {
	rng, err := NewSeededRandom(seed, "random:"+authority.String())
	if err != nil {
		return Effects{}, err
	}
	keyRng, err := NewSeededRandom(seed, "signer:"+authority.String())
	if err != nil {
		return Effects{}, err
	}
	var keySeed [32]byte
	_, _ = keyRng.Read(keySeed[:])
	if clock == nil {
		clock = NewManualClock(time.UnixMilli(1))
	}
	return Effects{
		Time:     clock,
		Physical: clock,
		Random:   rng,
		Network:  net,
		Storage:  storage,
		Crypto:   crypto.NewProvider(crypto.NewEd25519SignerFromSeed(keySeed, authority.String())),
		Leakage:  NewLeakageTally(),
		Trace:    NewTraceLog(),
	}, nil
}
