package effects

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"io"
	"sync"

	"golang.org/x/crypto/chacha20"
	"golang.org/x/crypto/hkdf"

	"github.com/hxrts/aura/pkg/coreerr"
)

// SystemRandom reads from crypto/rand.
type SystemRandom struct{}

func (SystemRandom) RandomBytes(ctx context.Context, n int) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	out := make([]byte, n)
	if _, err := io.ReadFull(rand.Reader, out); err != nil {
		return nil, coreerr.Wrap(coreerr.KindInternal, "effects.random_bytes", err, "read system entropy")
	}
	return out, nil
}

// SeededRandom is a reproducible ChaCha20 stream. The key and nonce are
// derived from the seed with HKDF-SHA256, labelled so distinct labels give
// independent streams.
type SeededRandom struct {
	mu     sync.Mutex
	stream *chacha20.Cipher
}

// NewSeededRandom derives a stream from seed and label.
func NewSeededRandom(seed []byte, label string) (*SeededRandom, error) {
	kdf := hkdf.New(sha256.New, seed, []byte("aura-sim-rng"), []byte(label))
	material := make([]byte, chacha20.KeySize+chacha20.NonceSize)
	if _, err := io.ReadFull(kdf, material); err != nil {
		return nil, coreerr.Wrap(coreerr.KindInternal, "effects.seeded_random", err, "derive stream key")
	}
	stream, err := chacha20.NewUnauthenticatedCipher(material[:chacha20.KeySize], material[chacha20.KeySize:])
	if err != nil {
		return nil, coreerr.Wrap(coreerr.KindInternal, "effects.seeded_random", err, "init stream")
	}
	return &SeededRandom{stream: stream}, nil
}

// Read fills p from the stream. It never fails.
func (r *SeededRandom) Read(p []byte) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	clear(p)
	r.stream.XORKeyStream(p, p)
	return len(p), nil
}

func (r *SeededRandom) RandomBytes(ctx context.Context, n int) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	out := make([]byte, n)
	_, _ = r.Read(out)
	return out, nil
}

// Reader adapts RandomEffects to io.Reader for APIs such as FROST nonce
// generation.
func Reader(ctx context.Context, r RandomEffects) io.Reader {
	return randomReader{ctx: ctx, r: r}
}

type randomReader struct {
	ctx context.Context
	r   RandomEffects
}

func (rr randomReader) Read(p []byte) (int, error) {
	b, err := rr.r.RandomBytes(rr.ctx, len(p))
	if err != nil {
		return 0, err
	}
	return copy(p, b), nil
}
