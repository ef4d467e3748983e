// Package effects declares the collaborator interfaces the core consumes
// and runs guard plans against them. Production and simulation handler
// families implement the same interfaces so the same plan executes in
// both.
package effects

import (
	"context"
	"time"

	"github.com/hxrts/aura/pkg/crypto/frost"
	"github.com/hxrts/aura/pkg/transport"
	"github.com/hxrts/aura/pkg/types"
)

// TimeEffects is the only source of timestamps for guard evaluation.
type TimeEffects interface {
	CurrentTimestamp(ctx context.Context) (types.TimeStamp, error)
	CurrentEpoch(ctx context.Context) (types.Epoch, error)
	SleepUntil(ctx context.Context, epoch types.Epoch) error
	// After fires once d has elapsed on this clock.
	After(d time.Duration) <-chan time.Time
}

// PhysicalTimeEffects reads physical time with optional uncertainty.
type PhysicalTimeEffects interface {
	PhysicalTime(ctx context.Context) (types.PhysicalClock, error)
}

// RandomEffects supplies nonces and binding salts.
type RandomEffects interface {
	RandomBytes(ctx context.Context, n int) ([]byte, error)
}

// NetworkEffects moves bytes between authorities. Receive returns
// coreerr.ErrNoMessage when nothing is queued.
type NetworkEffects interface {
	SendToPeer(ctx context.Context, peer types.AuthorityID, data []byte) error
	Receive(ctx context.Context) (transport.Inbound, error)
}

// StorageEffects is a key/value store for snapshot persistence. Load of a
// missing key returns a KindNotFound error.
type StorageEffects interface {
	Store(ctx context.Context, key string, value []byte) error
	Load(ctx context.Context, key string) ([]byte, error)
	Delete(ctx context.Context, key string) error
	List(ctx context.Context, prefix string) ([]string, error)
}

// CryptoEffects signs, verifies, hashes and aggregates FROST shares.
type CryptoEffects interface {
	Sign(ctx context.Context, msg []byte) ([]byte, error)
	Verify(ctx context.Context, pub, msg, sig []byte) (bool, error)
	Hash(data []byte) types.Hash32
	FrostAggregate(ctx context.Context, pkg *frost.SigningPackage, shares []frost.SignatureShare, pub *frost.PublicKeyPackage) ([frost.SignatureSize]byte, error)
}

// LeakageRecorder accumulates the metadata leakage counter.
type LeakageRecorder interface {
	RecordLeakage(ctx context.Context, context types.ContextID, authority types.AuthorityID, bits uint32)
}

// TraceSink receives EmitTrace records.
type TraceSink interface {
	Emit(ctx context.Context, event string, fields map[string]string)
}

// Effects is the handler set one runtime runs against.
type Effects struct {
	Time     TimeEffects
	Physical PhysicalTimeEffects
	Random   RandomEffects
	Network  NetworkEffects
	Storage  StorageEffects
	Crypto   CryptoEffects
	Leakage  LeakageRecorder
	Trace    TraceSink
}
